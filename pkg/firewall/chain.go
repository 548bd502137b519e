package firewall

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"strconv"
	"strings"

	"netauth/pkg/model"
)

// ChainPrefix marks chains owned by this controller.
const ChainPrefix = "VPN_USER_"

// MaxChainNameLen is the longest chain name the kernel accepts.
const MaxChainNameLen = 28

// ChainName derives the per-identity chain name.
func ChainName(identity string) string {
	return ChainPrefix + identity
}

// ForwardRef is one FORWARD entry jumping to a chain, as listed by -S.
// Position is the 1-based rule number within FORWARD at listing time.
type ForwardRef struct {
	Source   string
	Position int
	Spec     []string
}

// DeleteArgs deletes the entry by rule number. The listed spec is not
// replayed: -S output quotes match arguments and would not match again.
// Positions shift after every delete, so callers delete from the highest
// position down and relist before the next pass.
func (r ForwardRef) DeleteArgs() []string {
	return []string{"-D", "FORWARD", strconv.Itoa(r.Position)}
}

// Inspector reads the live filter table. It never mutates.
type Inspector struct {
	runner Runner
	bin    string
}

func NewInspector(runner Runner, bin string) *Inspector {
	if bin == "" {
		bin = "iptables"
	}
	return &Inspector{runner: runner, bin: bin}
}

func (i *Inspector) list(ctx context.Context, chain string) ([]byte, error) {
	args := []string{"-w", "-S"}
	if chain != "" {
		args = append(args, chain)
	}
	return i.runner.Output(ctx, i.bin, args...)
}

// ChainExists reports whether chain is present. A failed listing of a
// missing chain is "absent"; only timeouts and cancellation are errors.
func (i *Inspector) ChainExists(ctx context.Context, chain string) (bool, error) {
	if _, err := i.list(ctx, chain); err != nil {
		if isInterrupted(ctx, err) {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

// ForwardReferences lists every FORWARD entry whose target is chain,
// whatever its source address.
func (i *Inspector) ForwardReferences(ctx context.Context, chain string) ([]ForwardRef, error) {
	out, err := i.list(ctx, "FORWARD")
	if err != nil {
		return nil, err
	}
	var refs []ForwardRef
	pos := 0
	for _, spec := range parseSpecs(out) {
		if len(spec) < 2 || spec[0] != "-A" || spec[1] != "FORWARD" {
			continue
		}
		pos++
		if specValue(spec, "-j") != chain {
			continue
		}
		refs = append(refs, ForwardRef{Source: specValue(spec, "-s"), Position: pos, Spec: spec})
	}
	return refs, nil
}

// ListChains returns the managed chains currently defined.
func (i *Inspector) ListChains(ctx context.Context) ([]string, error) {
	out, err := i.list(ctx, "")
	if err != nil {
		return nil, err
	}
	var chains []string
	for _, spec := range parseSpecs(out) {
		if len(spec) == 2 && spec[0] == "-N" && strings.HasPrefix(spec[1], ChainPrefix) {
			chains = append(chains, spec[1])
		}
	}
	return chains, nil
}

// RuleCount returns the number of entries across the filter table.
func (i *Inspector) RuleCount(ctx context.Context) (int, error) {
	out, err := i.list(ctx, "")
	if err != nil {
		return 0, err
	}
	n := 0
	for _, spec := range parseSpecs(out) {
		if len(spec) > 0 && spec[0] == "-A" {
			n++
		}
	}
	return n, nil
}

func parseSpecs(out []byte) [][]string {
	var specs [][]string
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		specs = append(specs, splitSpec(line))
	}
	return specs
}

// splitSpec tokenizes one -S line. Double-quoted arguments such as
// comments stay a single token with the quotes and escapes removed.
func splitSpec(line string) []string {
	var (
		tokens []string
		cur    strings.Builder
		quoted bool
		inTok  bool
	)
	for i := 0; i < len(line); i++ {
		c := line[i]
		switch {
		case quoted && c == '\\' && i+1 < len(line):
			i++
			cur.WriteByte(line[i])
		case c == '"':
			quoted = !quoted
			inTok = true
		case !quoted && (c == ' ' || c == '\t'):
			if inTok {
				tokens = append(tokens, cur.String())
				cur.Reset()
				inTok = false
			}
		default:
			cur.WriteByte(c)
			inTok = true
		}
	}
	if inTok {
		tokens = append(tokens, cur.String())
	}
	return tokens
}

func specValue(spec []string, flag string) string {
	for i := 0; i < len(spec)-1; i++ {
		if spec[i] == flag {
			return spec[i+1]
		}
	}
	return ""
}

func isInterrupted(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return true
	}
	var cmdErr *model.ExternalCommandError
	return errors.As(err, &cmdErr) && cmdErr.Timeout
}
