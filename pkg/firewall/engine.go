// Package firewall reconciles per-identity iptables chains and keeps the
// FORWARD chain and the persisted ruleset consistent with them.
package firewall

import (
	"context"
	"fmt"
	"os/exec"
	"sync"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"netauth/pkg/config"
	"netauth/pkg/metrics"
	"netauth/pkg/model"
	"netauth/pkg/network"
)

const (
	DefaultMaxPurgeAttempts   = 20
	DefaultMaxHygieneAttempts = 20
	DefaultRulesPath          = "/etc/iptables/rules.v4"
)

// Options configures the engine's host integration.
type Options struct {
	IptablesBin        string
	IptablesSaveBin    string
	PersistHelper      string
	RulesPath          string
	TunInterface       string
	EgressInterface    string // empty: discovered from the default route
	MaxPurgeAttempts   int
	MaxHygieneAttempts int
	// Fs receives the persisted ruleset; nil means the host filesystem.
	Fs afero.Fs
}

// OptionsFromConfig maps controller configuration onto engine options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		IptablesBin:        cfg.IptablesBin,
		IptablesSaveBin:    cfg.IptablesSaveBin,
		PersistHelper:      cfg.PersistHelper,
		RulesPath:          cfg.RulesPath,
		TunInterface:       cfg.TunInterface,
		EgressInterface:    cfg.EgressInterface,
		MaxPurgeAttempts:   cfg.PurgeMaxAttempts,
		MaxHygieneAttempts: cfg.HygieneMaxAttempts,
	}
}

func (o *Options) setDefaults() {
	if o.IptablesBin == "" {
		o.IptablesBin = "iptables"
	}
	if o.IptablesSaveBin == "" {
		o.IptablesSaveBin = "iptables-save"
	}
	if o.PersistHelper == "" {
		o.PersistHelper = "netfilter-persistent"
	}
	if o.RulesPath == "" {
		o.RulesPath = DefaultRulesPath
	}
	if o.TunInterface == "" {
		o.TunInterface = "tun0"
	}
	if o.MaxPurgeAttempts <= 0 {
		o.MaxPurgeAttempts = DefaultMaxPurgeAttempts
	}
	if o.MaxHygieneAttempts <= 0 {
		o.MaxHygieneAttempts = DefaultMaxHygieneAttempts
	}
	if o.Fs == nil {
		o.Fs = afero.NewOsFs()
	}
}

// Report describes one reconciliation.
type Report struct {
	Identity  string  `json:"identity"`
	Chain     string  `json:"chain"`
	Applied   bool    `json:"applied"` // chain hooked into FORWARD
	Installed int     `json:"installed"`
	Skipped   int     `json:"skipped"`
	Failures  []error `json:"-"`
	Warning   error   `json:"-"`
	Purged    int     `json:"purged"`
}

// Partial reports whether some rules failed to install.
func (r *Report) Partial() bool { return len(r.Failures) > 0 }

// Engine applies identity policy to the host filter table.
type Engine struct {
	runner    Runner
	opts      Options
	inspector *Inspector
	fs        afero.Fs
	log       zerolog.Logger

	// serializes FORWARD mutations across identities
	fwdMu sync.Mutex

	lookPath       func(string) (string, error)
	discoverEgress func() (string, error)
}

func NewEngine(runner Runner, opts Options, logger zerolog.Logger) *Engine {
	opts.setDefaults()
	return &Engine{
		runner:         runner,
		opts:           opts,
		inspector:      NewInspector(runner, opts.IptablesBin),
		fs:             opts.Fs,
		log:            logger.With().Str("component", "firewall").Logger(),
		lookPath:       exec.LookPath,
		discoverEgress: defaultRouteInterface,
	}
}

// Inspector exposes the read-only view of the filter table.
func (e *Engine) Inspector() *Inspector { return e.inspector }

// ListChains returns the managed chains present on the host.
func (e *Engine) ListChains(ctx context.Context) ([]string, error) {
	return e.inspector.ListChains(ctx)
}

// RuleCount returns the number of entries in the filter table.
func (e *Engine) RuleCount(ctx context.Context) (int, error) {
	return e.inspector.RuleCount(ctx)
}

func (e *Engine) ipt(ctx context.Context, args ...string) error {
	return e.runner.Run(ctx, e.opts.IptablesBin, append([]string{"-w"}, args...)...)
}

// Apply converges the identity's chain to exactly the enabled rules, scoped
// to the identity's IP, with a single FORWARD hookup. It returns an error only
// when the identity cannot be reconciled, the chain cannot be prepared or the
// hookup fails; per-rule failures are collected on the report. A purge that
// cannot list FORWARD or hits the attempt ceiling sets report.Warning and the
// apply carries on, unless ctx was cancelled or the listing timed out.
func (e *Engine) Apply(ctx context.Context, identity model.Identity, rules []model.SecurityRule) (*Report, error) {
	chain := ChainName(identity.Name)
	report := &Report{Identity: identity.Name, Chain: chain}

	ip, err := e.precondition(identity, chain)
	if err != nil {
		return report, err
	}
	log := e.log.With().Str("identity", identity.Name).Str("chain", chain).Logger()

	e.fwdMu.Lock()
	purged, remaining, err := e.purgeForwardRefs(ctx, chain)
	e.fwdMu.Unlock()
	report.Purged = purged
	switch {
	case err != nil && isInterrupted(ctx, err):
		return report, fmt.Errorf("list forward references for %s: %w", chain, err)
	case err != nil:
		report.Warning = &model.PartialApplyWarning{Chain: chain, Attempts: e.opts.MaxPurgeAttempts, Err: err}
		log.Warn().Err(err).Msg("forward references could not be listed; purge skipped")
	case remaining > 0:
		report.Warning = &model.PartialApplyWarning{Chain: chain, Remaining: remaining, Attempts: e.opts.MaxPurgeAttempts}
		metrics.PurgeCeilingHits.Inc()
		log.Warn().Int("remaining", remaining).Msg("forward references left after purge ceiling")
	}

	if err := e.createOrFlush(ctx, chain); err != nil {
		return report, fmt.Errorf("prepare chain %s: %w", chain, err)
	}

	for _, r := range orderRules(rules) {
		if r.Status() != model.RuleEnabled {
			report.Skipped++
			continue
		}
		args, err := ruleArgs(chain, ip, r)
		if err == nil {
			err = e.ipt(ctx, args...)
		}
		if err != nil {
			report.Failures = append(report.Failures, fmt.Errorf("rule %d (%s): %w", r.ID, r, err))
			metrics.RuleInstallFailures.Inc()
			log.Warn().Err(err).Uint("rule", r.ID).Msg("rule install failed")
			continue
		}
		report.Installed++
	}

	e.fwdMu.Lock()
	err = e.ipt(ctx, "-I", "FORWARD", "1", "-s", ip, "-j", chain)
	e.fwdMu.Unlock()
	if err != nil {
		return report, fmt.Errorf("hook %s into FORWARD: %w", chain, err)
	}
	report.Applied = true

	log.Info().
		Int("installed", report.Installed).
		Int("failed", len(report.Failures)).
		Int("purged", report.Purged).
		Msg("chain applied")
	return report, nil
}

func (e *Engine) precondition(identity model.Identity, chain string) (string, error) {
	ip := identity.IP()
	if ip == "" {
		return "", &model.ConfigurationError{Identity: identity.Name, Reason: "no IP address assigned"}
	}
	if !network.IsValidIP(ip) {
		return "", &model.ConfigurationError{Identity: identity.Name, Reason: fmt.Sprintf("invalid IP address %q", ip)}
	}
	if err := network.ValidateIdentityName(identity.Name); err != nil {
		return "", &model.ConfigurationError{Identity: identity.Name, Reason: err.Error()}
	}
	if len(chain) > MaxChainNameLen {
		return "", &model.ConfigurationError{Identity: identity.Name, Reason: fmt.Sprintf("chain name %s exceeds %d characters", chain, MaxChainNameLen)}
	}
	return ip, nil
}

func (e *Engine) createOrFlush(ctx context.Context, chain string) error {
	exists, err := e.inspector.ChainExists(ctx, chain)
	if err != nil {
		return err
	}
	if exists {
		return e.ipt(ctx, "-F", chain)
	}
	return e.ipt(ctx, "-N", chain)
}

// purgeForwardRefs removes every FORWARD entry jumping to chain. Each attempt
// re-lists FORWARD and deletes by rule number from the bottom up; it stops
// when none are left or the ceiling is reached. Caller holds fwdMu.
func (e *Engine) purgeForwardRefs(ctx context.Context, chain string) (purged, remaining int, err error) {
	for attempt := 0; attempt < e.opts.MaxPurgeAttempts; attempt++ {
		refs, err := e.inspector.ForwardReferences(ctx, chain)
		if err != nil {
			return purged, 0, err
		}
		if len(refs) == 0 {
			return purged, 0, nil
		}
		for i := len(refs) - 1; i >= 0; i-- {
			ref := refs[i]
			if err := e.ipt(ctx, ref.DeleteArgs()...); err != nil {
				e.log.Debug().Err(err).Str("chain", chain).Str("source", ref.Source).Msg("delete forward reference")
				continue
			}
			purged++
			metrics.ForwardRefsPurged.Inc()
		}
	}
	refs, err := e.inspector.ForwardReferences(ctx, chain)
	if err != nil {
		return purged, 0, err
	}
	return purged, len(refs), nil
}

// Teardown unhooks, flushes and deletes the identity's chain. A missing
// chain is not an error.
func (e *Engine) Teardown(ctx context.Context, name string) error {
	chain := ChainName(name)

	e.fwdMu.Lock()
	_, remaining, err := e.purgeForwardRefs(ctx, chain)
	e.fwdMu.Unlock()
	if err != nil {
		return fmt.Errorf("list forward references for %s: %w", chain, err)
	}
	if remaining > 0 {
		return &model.PartialApplyWarning{Chain: chain, Remaining: remaining, Attempts: e.opts.MaxPurgeAttempts}
	}

	exists, err := e.inspector.ChainExists(ctx, chain)
	if err != nil {
		return fmt.Errorf("inspect %s: %w", chain, err)
	}
	if !exists {
		return nil
	}
	if err := e.ipt(ctx, "-F", chain); err != nil {
		return fmt.Errorf("flush %s: %w", chain, err)
	}
	if err := e.ipt(ctx, "-X", chain); err != nil {
		return fmt.Errorf("delete %s: %w", chain, err)
	}
	e.log.Info().Str("identity", name).Str("chain", chain).Msg("chain removed")
	return nil
}

// IsApplied reports whether the identity's chain exists with exactly one
// FORWARD reference.
func (e *Engine) IsApplied(ctx context.Context, name string) (bool, error) {
	chain := ChainName(name)
	exists, err := e.inspector.ChainExists(ctx, chain)
	if err != nil || !exists {
		return false, err
	}
	refs, err := e.inspector.ForwardReferences(ctx, chain)
	if err != nil {
		return false, err
	}
	return len(refs) == 1, nil
}
