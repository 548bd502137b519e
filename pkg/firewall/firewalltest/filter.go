// Package firewalltest provides an in-memory iptables for exercising the
// firewall engine without touching the host.
package firewalltest

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"

	"netauth/pkg/model"
)

var builtinChains = []string{"INPUT", "FORWARD", "OUTPUT"}

// Filter is an in-memory filter table that understands the subset of
// iptables and iptables-save the engine uses.
type Filter struct {
	mu        sync.Mutex
	chains    map[string][]string
	userOrder []string
	calls     [][]string
	persisted int

	// FailOn returns a non-nil error to make a command fail before it runs.
	FailOn func(args []string) error
	// RefuseForwardDelete makes every "-D FORWARD" fail.
	RefuseForwardDelete bool
}

func NewFilter() *Filter {
	f := &Filter{chains: map[string][]string{}}
	for _, c := range builtinChains {
		f.chains[c] = nil
	}
	return f
}

func (f *Filter) Run(ctx context.Context, name string, args ...string) error {
	_, err := f.Output(ctx, name, args...)
	return err
}

func (f *Filter) Output(ctx context.Context, name string, args ...string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	call := append([]string{filepath.Base(name)}, args...)
	f.calls = append(f.calls, call)
	if f.FailOn != nil {
		if err := f.FailOn(call); err != nil {
			return nil, &model.ExternalCommandError{Command: name, Args: args, Output: err.Error(), Err: err}
		}
	}

	var (
		out string
		err error
	)
	switch filepath.Base(name) {
	case "iptables":
		out, err = f.iptables(args)
	case "iptables-save":
		out = f.save()
	case "netfilter-persistent":
		f.persisted++
	default:
		err = fmt.Errorf("%s: command not found", name)
	}
	if err != nil {
		return nil, &model.ExternalCommandError{Command: name, Args: args, Output: err.Error(), Err: errors.New("exit status 1")}
	}
	return []byte(out), nil
}

func (f *Filter) iptables(args []string) (string, error) {
	if len(args) > 0 && args[0] == "-w" {
		args = args[1:]
	}
	if len(args) == 0 {
		return "", errors.New("no command")
	}
	op, rest := args[0], args[1:]

	if op == "-S" {
		if len(rest) == 0 {
			return f.listAll(), nil
		}
		return f.listChain(rest[0])
	}
	if len(rest) == 0 {
		return "", errors.New("chain required")
	}
	chain, spec := rest[0], rest[1:]
	_, exists := f.chains[chain]
	for _, tok := range spec {
		if strings.Contains(tok, `"`) {
			return "", fmt.Errorf("Bad argument `%s'", tok)
		}
	}

	switch op {
	case "-N":
		if exists {
			return "", errors.New("Chain already exists.")
		}
		f.chains[chain] = nil
		f.userOrder = append(f.userOrder, chain)
	case "-F":
		if !exists {
			return "", errors.New("No chain/target/match by that name.")
		}
		f.chains[chain] = nil
	case "-X":
		if !exists || slices.Contains(builtinChains, chain) {
			return "", errors.New("No chain/target/match by that name.")
		}
		if len(f.chains[chain]) > 0 || f.refCount(chain) > 0 {
			return "", errors.New("Directory not empty.")
		}
		delete(f.chains, chain)
		f.userOrder = slices.DeleteFunc(f.userOrder, func(c string) bool { return c == chain })
	case "-A", "-I":
		if !exists {
			return "", errors.New("No chain/target/match by that name.")
		}
		pos := -1
		if op == "-I" {
			pos = 0
			if len(spec) > 0 {
				if n, err := strconv.Atoi(spec[0]); err == nil {
					pos = n - 1
					spec = spec[1:]
				}
			}
		}
		if err := f.checkTarget(spec); err != nil {
			return "", err
		}
		entry := normalize(spec)
		if pos < 0 || pos > len(f.chains[chain]) {
			f.chains[chain] = append(f.chains[chain], entry)
		} else {
			f.chains[chain] = slices.Insert(f.chains[chain], pos, entry)
		}
	case "-D":
		if chain == "FORWARD" && f.RefuseForwardDelete {
			return "", errors.New("Resource temporarily unavailable")
		}
		var idx int
		if n, err := strconv.Atoi(strings.Join(spec, " ")); err == nil {
			if n < 1 || n > len(f.chains[chain]) {
				return "", errors.New("Index of deletion too big.")
			}
			idx = n - 1
		} else {
			idx = slices.Index(f.chains[chain], normalize(spec))
		}
		if !exists || idx < 0 {
			return "", errors.New("Bad rule (does a matching rule exist in that chain?).")
		}
		f.chains[chain] = slices.Delete(f.chains[chain], idx, idx+1)
	case "-C":
		if !exists || !slices.Contains(f.chains[chain], normalize(spec)) {
			return "", errors.New("Bad rule (does a matching rule exist in that chain?).")
		}
	default:
		return "", fmt.Errorf("unsupported op %s", op)
	}
	return "", nil
}

func (f *Filter) checkTarget(spec []string) error {
	target := specValue(spec, "-j")
	switch target {
	case "ACCEPT", "DROP", "RETURN", "REJECT":
		return nil
	}
	if _, ok := f.chains[target]; !ok {
		return fmt.Errorf("Couldn't load target `%s'", target)
	}
	return nil
}

func (f *Filter) listAll() string {
	var b strings.Builder
	for _, c := range builtinChains {
		fmt.Fprintf(&b, "-P %s ACCEPT\n", c)
	}
	for _, c := range f.userOrder {
		fmt.Fprintf(&b, "-N %s\n", c)
	}
	for _, c := range append(slices.Clone(builtinChains), f.userOrder...) {
		for _, r := range f.chains[c] {
			fmt.Fprintf(&b, "-A %s %s\n", c, r)
		}
	}
	return b.String()
}

func (f *Filter) listChain(chain string) (string, error) {
	rules, ok := f.chains[chain]
	if !ok {
		return "", errors.New("No chain/target/match by that name.")
	}
	var b strings.Builder
	if slices.Contains(builtinChains, chain) {
		fmt.Fprintf(&b, "-P %s ACCEPT\n", chain)
	} else {
		fmt.Fprintf(&b, "-N %s\n", chain)
	}
	for _, r := range rules {
		fmt.Fprintf(&b, "-A %s %s\n", chain, r)
	}
	return b.String(), nil
}

func (f *Filter) save() string {
	var b strings.Builder
	b.WriteString("*filter\n")
	for _, c := range builtinChains {
		fmt.Fprintf(&b, ":%s ACCEPT [0:0]\n", c)
	}
	for _, c := range f.userOrder {
		fmt.Fprintf(&b, ":%s - [0:0]\n", c)
	}
	for _, c := range append(slices.Clone(builtinChains), f.userOrder...) {
		for _, r := range f.chains[c] {
			fmt.Fprintf(&b, "-A %s %s\n", c, r)
		}
	}
	b.WriteString("COMMIT\n")
	return b.String()
}

func (f *Filter) refCount(chain string) int {
	n := 0
	for _, rules := range f.chains {
		for _, r := range rules {
			if strings.HasSuffix(r, "-j "+chain) {
				n++
			}
		}
	}
	return n
}

// Rules returns the entries of chain as iptables -S prints them.
func (f *Filter) Rules(chain string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.chains[chain])
}

// HasChain reports whether chain is defined.
func (f *Filter) HasChain(chain string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.chains[chain]
	return ok
}

// ForwardRefs returns the FORWARD entries jumping to chain.
func (f *Filter) ForwardRefs(chain string) []string {
	var refs []string
	for _, r := range f.Rules("FORWARD") {
		if strings.HasSuffix(r, "-j "+chain) {
			refs = append(refs, r)
		}
	}
	return refs
}

// Add appends a raw entry, bypassing failure injection and the call log.
func (f *Filter) Add(chain, spec string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chains[chain] = append(f.chains[chain], normalize(strings.Fields(spec)))
}

// CallCount counts logged commands starting with prefix.
func (f *Filter) CallCount(prefix ...string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if len(c) >= len(prefix) && slices.Equal(c[:len(prefix)], prefix) {
			n++
		}
	}
	return n
}

// ResetCalls clears the call log.
func (f *Filter) ResetCalls() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = nil
}

// normalize renders a rule spec the way iptables -S prints it back.
// Arguments containing spaces come back double-quoted.
func normalize(spec []string) string {
	out := slices.Clone(spec)
	for i := 0; i < len(out)-1; i++ {
		if (out[i] == "-s" || out[i] == "-d") && !strings.Contains(out[i+1], "/") {
			out[i+1] += "/32"
		}
	}
	for i, tok := range out {
		if strings.ContainsAny(tok, " \t") {
			out[i] = strconv.Quote(tok)
		}
	}
	return strings.Join(out, " ")
}

// FailWhen fails commands containing all of the given tokens in order.
func FailWhen(tokens ...string) func([]string) error {
	return func(args []string) error {
		joined := " " + strings.Join(args, " ") + " "
		if strings.Contains(joined, " "+strings.Join(tokens, " ")+" ") {
			return errors.New("injected failure")
		}
		return nil
	}
}

// Calls returns the logged command lines.
func (f *Filter) Calls() [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.calls)
}

// Persisted counts "netfilter-persistent save" invocations.
func (f *Filter) Persisted() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.persisted
}

func specValue(spec []string, flag string) string {
	for i := 0; i < len(spec)-1; i++ {
		if spec[i] == flag {
			return spec[i+1]
		}
	}
	return ""
}
