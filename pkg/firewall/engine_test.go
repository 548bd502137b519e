package firewall

import (
	"context"
	"errors"
	"slices"
	"testing"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"netauth/pkg/firewall/firewalltest"
	"netauth/pkg/model"
)

func newTestEngine(t *testing.T, f *firewalltest.Filter, opts Options) *Engine {
	t.Helper()
	if opts.EgressInterface == "" {
		opts.EgressInterface = "eth0"
	}
	e := NewEngine(f, opts, zerolog.Nop())
	e.fs = afero.NewMemMapFs()
	e.lookPath = func(name string) (string, error) { return "/usr/sbin/" + name, nil }
	e.discoverEgress = func() (string, error) { return "", errors.New("no default route") }
	return e
}

func identity(name, ip string) model.Identity {
	return model.Identity{ID: 1, Name: name, Active: true}.WithIP(ip)
}

func rule(id uint, seq int64, target, proto, port, action string) model.SecurityRule {
	return model.SecurityRule{
		ID: id, IdentityID: 1, Seq: seq,
		Target: target, Protocol: proto, Port: port, Action: action,
		Active: true, Enabled: true,
	}
}

func TestApply_InstallsEnabledRulesInOrder(t *testing.T) {
	f := firewalltest.NewFilter()
	e := newTestEngine(t, f, Options{})

	disabled := rule(3, 3, "10.0.0.0/8", "tcp", "", "ACCEPT")
	disabled.Enabled = false
	rules := []model.SecurityRule{
		rule(2, 2, "192.168.10.0/24", "tcp", "8000-8100", "ACCEPT"),
		rule(1, 1, "10.0.0.53", "udp", "53", "ACCEPT"),
		disabled,
		rule(4, 4, "192.168.20.0/24", "any", "", "DROP"),
		rule(5, 5, "192.168.30.1/32", "icmp", "", "ACCEPT"),
		rule(6, 6, "10.1.0.0/24", "any", "80", "ACCEPT"),
		rule(7, 7, "10.2.0.0/24", "icmp", "80", "ACCEPT"),
	}

	report, err := e.Apply(context.Background(), identity("alice", "10.8.0.5"), rules)
	require.NoError(t, err)

	assert.True(t, report.Applied)
	assert.Equal(t, "VPN_USER_alice", report.Chain)
	assert.Equal(t, 6, report.Installed)
	assert.Equal(t, 1, report.Skipped)
	assert.Empty(t, report.Failures)
	assert.Nil(t, report.Warning)

	assert.Equal(t, []string{
		"-s 10.8.0.5/32 -d 10.0.0.53/32 -p udp -m udp --dport 53 -j ACCEPT",
		"-s 10.8.0.5/32 -d 192.168.10.0/24 -p tcp -m tcp --dport 8000:8100 -j ACCEPT",
		"-s 10.8.0.5/32 -d 192.168.20.0/24 -j DROP",
		"-s 10.8.0.5/32 -d 192.168.30.1/32 -p icmp -j ACCEPT",
		"-s 10.8.0.5/32 -d 10.1.0.0/24 -j ACCEPT",
		"-s 10.8.0.5/32 -d 10.2.0.0/24 -p icmp -j ACCEPT",
	}, f.Rules("VPN_USER_alice"))
	assert.Equal(t, []string{"-s 10.8.0.5/32 -j VPN_USER_alice"}, f.ForwardRefs("VPN_USER_alice"))
}

func TestApply_Idempotent(t *testing.T) {
	f := firewalltest.NewFilter()
	e := newTestEngine(t, f, Options{})
	id := identity("alice", "10.8.0.5")
	rules := []model.SecurityRule{rule(1, 1, "192.168.10.0/24", "tcp", "443", "ACCEPT")}

	_, err := e.Apply(context.Background(), id, rules)
	require.NoError(t, err)
	first := f.Rules("VPN_USER_alice")

	report, err := e.Apply(context.Background(), id, rules)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Purged)
	assert.Equal(t, first, f.Rules("VPN_USER_alice"))
	assert.Len(t, f.ForwardRefs("VPN_USER_alice"), 1)
}

func TestApply_CollapsesDuplicateReferences(t *testing.T) {
	f := firewalltest.NewFilter()
	e := newTestEngine(t, f, Options{})
	id := identity("alice", "10.8.0.5")

	_, err := e.Apply(context.Background(), id, nil)
	require.NoError(t, err)
	f.Add("FORWARD", "-s 10.8.0.5 -j VPN_USER_alice")
	f.Add("FORWARD", "-s 10.8.0.5 -j VPN_USER_alice")
	require.Len(t, f.ForwardRefs("VPN_USER_alice"), 3)

	report, err := e.Apply(context.Background(), id, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Purged)
	assert.Len(t, f.ForwardRefs("VPN_USER_alice"), 1)

	applied, err := e.IsApplied(context.Background(), "alice")
	require.NoError(t, err)
	assert.True(t, applied)
}

func TestApply_PurgesCommentedReferences(t *testing.T) {
	f := firewalltest.NewFilter()
	e := newTestEngine(t, f, Options{MaxPurgeAttempts: 3})
	id := identity("alice", "10.8.0.5")

	_, err := e.Apply(context.Background(), id, nil)
	require.NoError(t, err)
	f.Add("FORWARD", "-i tun0 -o eth0 -j ACCEPT")
	f.Add("FORWARD", `-s 10.8.0.5/32 -m comment --comment "manual hotfix" -j VPN_USER_alice`)
	f.Add("FORWARD", `-s 10.8.0.9/32 -m comment --comment "was -j VPN_USER_alice" -j ACCEPT`)
	require.Len(t, f.ForwardRefs("VPN_USER_alice"), 2)

	report, err := e.Apply(context.Background(), id, nil)
	require.NoError(t, err)
	assert.Nil(t, report.Warning)
	assert.Equal(t, 2, report.Purged)
	assert.Equal(t, []string{
		"-s 10.8.0.5/32 -j VPN_USER_alice",
		"-i tun0 -o eth0 -j ACCEPT",
		`-s 10.8.0.9/32 -m comment --comment "was -j VPN_USER_alice" -j ACCEPT`,
	}, f.Rules("FORWARD"))

	applied, err := e.IsApplied(context.Background(), "alice")
	require.NoError(t, err)
	assert.True(t, applied)
}

func TestApply_ForwardListingFailureIsAWarning(t *testing.T) {
	f := firewalltest.NewFilter()
	e := newTestEngine(t, f, Options{})

	failed := false
	f.FailOn = func(args []string) error {
		if !failed && slices.Equal(args, []string{"iptables", "-w", "-S", "FORWARD"}) {
			failed = true
			return errors.New("can't initialize iptables table `filter'")
		}
		return nil
	}

	report, err := e.Apply(context.Background(), identity("alice", "10.8.0.5"),
		[]model.SecurityRule{rule(1, 1, "192.168.10.0/24", "any", "", "ACCEPT")})
	require.NoError(t, err)
	assert.True(t, report.Applied)
	assert.Equal(t, 1, report.Installed)

	var warn *model.PartialApplyWarning
	require.ErrorAs(t, report.Warning, &warn)
	assert.Error(t, warn.Err)
	assert.Equal(t, []string{"-s 10.8.0.5/32 -j VPN_USER_alice"}, f.ForwardRefs("VPN_USER_alice"))
}

func TestApply_ForwardListingCancelledIsFatal(t *testing.T) {
	f := firewalltest.NewFilter()
	e := newTestEngine(t, f, Options{})
	f.FailOn = firewalltest.FailWhen("-S", "FORWARD")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := e.Apply(ctx, identity("alice", "10.8.0.5"), nil)
	require.Error(t, err)
	assert.False(t, report.Applied)
	assert.False(t, f.HasChain("VPN_USER_alice"))
}

func TestApply_PurgesReferencesFromPreviousIP(t *testing.T) {
	f := firewalltest.NewFilter()
	e := newTestEngine(t, f, Options{})
	rules := []model.SecurityRule{rule(1, 1, "192.168.10.0/24", "any", "", "ACCEPT")}

	_, err := e.Apply(context.Background(), identity("alice", "10.8.0.5"), rules)
	require.NoError(t, err)
	_, err = e.Apply(context.Background(), identity("alice", "10.8.0.9"), rules)
	require.NoError(t, err)

	assert.Equal(t, []string{"-s 10.8.0.9/32 -j VPN_USER_alice"}, f.ForwardRefs("VPN_USER_alice"))
	assert.Equal(t, []string{"-s 10.8.0.9/32 -d 192.168.10.0/24 -j ACCEPT"}, f.Rules("VPN_USER_alice"))
}

func TestApply_LeavesOtherIdentitiesAlone(t *testing.T) {
	f := firewalltest.NewFilter()
	e := newTestEngine(t, f, Options{})

	_, err := e.Apply(context.Background(), identity("alice", "10.8.0.5"), nil)
	require.NoError(t, err)
	_, err = e.Apply(context.Background(), identity("bob", "10.8.0.6"), nil)
	require.NoError(t, err)
	_, err = e.Apply(context.Background(), identity("alice", "10.8.0.5"), nil)
	require.NoError(t, err)

	assert.Len(t, f.ForwardRefs("VPN_USER_alice"), 1)
	assert.Len(t, f.ForwardRefs("VPN_USER_bob"), 1)
}

func TestApply_RejectsIdentityWithoutIP(t *testing.T) {
	f := firewalltest.NewFilter()
	e := newTestEngine(t, f, Options{})

	report, err := e.Apply(context.Background(), model.Identity{Name: "alice", Active: true}, nil)
	require.Error(t, err)

	var cfgErr *model.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "alice", cfgErr.Identity)
	assert.False(t, report.Applied)
	assert.Empty(t, f.Calls())
}

func TestApply_RejectsUnusableIdentity(t *testing.T) {
	tests := []struct {
		name string
		id   model.Identity
	}{
		{"invalid ip", identity("alice", "10.8.0.300")},
		{"chain name too long", identity("a-very-long-identity-name", "10.8.0.5")},
		{"unsafe name", identity("al ice", "10.8.0.5")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := firewalltest.NewFilter()
			e := newTestEngine(t, f, Options{})
			_, err := e.Apply(context.Background(), tt.id, nil)
			var cfgErr *model.ConfigurationError
			assert.ErrorAs(t, err, &cfgErr)
			assert.Empty(t, f.Calls())
		})
	}
}

func TestApply_RuleFailuresAreCollected(t *testing.T) {
	f := firewalltest.NewFilter()
	f.FailOn = firewalltest.FailWhen("--dport", "53")
	e := newTestEngine(t, f, Options{})

	rules := []model.SecurityRule{
		rule(1, 1, "10.0.0.53/32", "udp", "53", "ACCEPT"),
		rule(2, 2, "192.168.10.0/24", "tcp", "443", "ACCEPT"),
	}
	report, err := e.Apply(context.Background(), identity("alice", "10.8.0.5"), rules)
	require.NoError(t, err)

	assert.True(t, report.Applied)
	assert.True(t, report.Partial())
	assert.Equal(t, 1, report.Installed)
	require.Len(t, report.Failures, 1)
	var cmdErr *model.ExternalCommandError
	assert.ErrorAs(t, report.Failures[0], &cmdErr)
	assert.Equal(t, []string{"-s 10.8.0.5/32 -d 192.168.10.0/24 -p tcp -m tcp --dport 443 -j ACCEPT"}, f.Rules("VPN_USER_alice"))
}

func TestApply_InvalidRuleDoesNotStopOthers(t *testing.T) {
	f := firewalltest.NewFilter()
	e := newTestEngine(t, f, Options{})

	rules := []model.SecurityRule{
		rule(1, 1, "10.0.0.53/32", "udp", "99999", "ACCEPT"),
		rule(2, 2, "192.168.10.0/24", "tcp", "", "REJECT"),
		rule(3, 3, "192.168.10.0/24", "tcp", "22", "ACCEPT"),
	}
	report, err := e.Apply(context.Background(), identity("alice", "10.8.0.5"), rules)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Installed)
	assert.Len(t, report.Failures, 2)
	var vErr *model.ValidationError
	assert.ErrorAs(t, report.Failures[0], &vErr)
}

func TestApply_ChainCreationFailureIsFatal(t *testing.T) {
	f := firewalltest.NewFilter()
	f.FailOn = firewalltest.FailWhen("-N", "VPN_USER_alice")
	e := newTestEngine(t, f, Options{})

	report, err := e.Apply(context.Background(), identity("alice", "10.8.0.5"),
		[]model.SecurityRule{rule(1, 1, "192.168.10.0/24", "any", "", "ACCEPT")})
	require.Error(t, err)
	assert.False(t, report.Applied)
	assert.Zero(t, f.CallCount("iptables", "-w", "-A"))
	assert.Empty(t, f.ForwardRefs("VPN_USER_alice"))
}

func TestApply_HookupFailureIsFatal(t *testing.T) {
	f := firewalltest.NewFilter()
	f.FailOn = firewalltest.FailWhen("-I", "FORWARD")
	e := newTestEngine(t, f, Options{})

	report, err := e.Apply(context.Background(), identity("alice", "10.8.0.5"),
		[]model.SecurityRule{rule(1, 1, "192.168.10.0/24", "any", "", "ACCEPT")})
	require.Error(t, err)
	var cmdErr *model.ExternalCommandError
	assert.ErrorAs(t, err, &cmdErr)
	assert.False(t, report.Applied)
	assert.Equal(t, 1, report.Installed)

	applied, err := e.IsApplied(context.Background(), "alice")
	require.NoError(t, err)
	assert.False(t, applied)
}

func TestApply_InterruptedApplyConverges(t *testing.T) {
	f := firewalltest.NewFilter()
	e := newTestEngine(t, f, Options{})
	id := identity("alice", "10.8.0.5")
	rules := []model.SecurityRule{
		rule(1, 1, "192.168.10.0/24", "tcp", "443", "ACCEPT"),
		rule(2, 2, "192.168.11.0/24", "tcp", "443", "ACCEPT"),
	}

	// leftovers of an apply that stopped after one rule and one extra hookup
	f.Add("FORWARD", "-s 10.8.0.5 -j ACCEPT")
	_, err := f.Output(context.Background(), "iptables", "-w", "-N", "VPN_USER_alice")
	require.NoError(t, err)
	f.Add("VPN_USER_alice", "-s 10.8.0.5 -d 172.16.0.0/12 -j ACCEPT")
	f.Add("FORWARD", "-s 10.8.0.4 -j VPN_USER_alice")

	report, err := e.Apply(context.Background(), id, rules)
	require.NoError(t, err)
	assert.True(t, report.Applied)
	assert.Len(t, f.Rules("VPN_USER_alice"), 2)
	assert.Equal(t, []string{"-s 10.8.0.5/32 -j VPN_USER_alice"}, f.ForwardRefs("VPN_USER_alice"))
	assert.Contains(t, f.Rules("FORWARD"), "-s 10.8.0.5/32 -j ACCEPT")
}

func TestApply_PurgeCeilingReportsWarning(t *testing.T) {
	f := firewalltest.NewFilter()
	e := newTestEngine(t, f, Options{MaxPurgeAttempts: 3})
	id := identity("alice", "10.8.0.5")

	_, err := e.Apply(context.Background(), id, nil)
	require.NoError(t, err)
	f.RefuseForwardDelete = true
	f.ResetCalls()

	report, err := e.Apply(context.Background(), id, nil)
	require.NoError(t, err)
	assert.True(t, report.Applied)

	var warn *model.PartialApplyWarning
	require.ErrorAs(t, report.Warning, &warn)
	assert.Equal(t, 1, warn.Remaining)
	assert.Equal(t, 3, warn.Attempts)
	assert.Equal(t, 3, f.CallCount("iptables", "-w", "-D", "FORWARD"))
}

func TestTeardown(t *testing.T) {
	f := firewalltest.NewFilter()
	e := newTestEngine(t, f, Options{})

	_, err := e.Apply(context.Background(), identity("alice", "10.8.0.5"),
		[]model.SecurityRule{rule(1, 1, "192.168.10.0/24", "any", "", "ACCEPT")})
	require.NoError(t, err)
	f.Add("FORWARD", "-s 10.8.0.5 -j VPN_USER_alice")

	require.NoError(t, e.Teardown(context.Background(), "alice"))
	assert.False(t, f.HasChain("VPN_USER_alice"))
	assert.Empty(t, f.ForwardRefs("VPN_USER_alice"))

	// absent chain
	require.NoError(t, e.Teardown(context.Background(), "alice"))
}

func TestTeardown_ReferencesSurvive(t *testing.T) {
	f := firewalltest.NewFilter()
	e := newTestEngine(t, f, Options{MaxPurgeAttempts: 2})

	_, err := e.Apply(context.Background(), identity("alice", "10.8.0.5"), nil)
	require.NoError(t, err)
	f.RefuseForwardDelete = true

	err = e.Teardown(context.Background(), "alice")
	var warn *model.PartialApplyWarning
	require.ErrorAs(t, err, &warn)
	assert.True(t, f.HasChain("VPN_USER_alice"))
}

func TestIsApplied(t *testing.T) {
	f := firewalltest.NewFilter()
	e := newTestEngine(t, f, Options{})
	ctx := context.Background()

	applied, err := e.IsApplied(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, applied)

	_, err = e.Apply(ctx, identity("alice", "10.8.0.5"), nil)
	require.NoError(t, err)
	applied, err = e.IsApplied(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, applied)

	f.Add("FORWARD", "-s 10.8.0.5 -j VPN_USER_alice")
	applied, err = e.IsApplied(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, applied)
}

func TestInspector(t *testing.T) {
	f := firewalltest.NewFilter()
	e := newTestEngine(t, f, Options{})
	ctx := context.Background()

	f.Add("FORWARD", "-i tun0 -o eth0 -m state --state RELATED,ESTABLISHED -j ACCEPT")
	_, err := e.Apply(ctx, identity("alice", "10.8.0.5"),
		[]model.SecurityRule{rule(1, 1, "192.168.10.0/24", "any", "", "ACCEPT")})
	require.NoError(t, err)
	_, err = e.Apply(ctx, identity("bob", "10.8.0.6"), nil)
	require.NoError(t, err)
	_, err = f.Output(ctx, "iptables", "-N", "OTHER")
	require.NoError(t, err)

	chains, err := e.Inspector().ListChains(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"VPN_USER_alice", "VPN_USER_bob"}, chains)

	count, err := e.Inspector().RuleCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, count)

	refs, err := e.Inspector().ForwardReferences(ctx, "VPN_USER_alice")
	require.NoError(t, err)
	require.Len(t, refs, 1)
	assert.Equal(t, "10.8.0.5/32", refs[0].Source)
	assert.Equal(t, 2, refs[0].Position)
	assert.Equal(t, []string{"-D", "FORWARD", "2"}, refs[0].DeleteArgs())

	exists, err := e.Inspector().ChainExists(ctx, "VPN_USER_carol")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestInspector_TimeoutIsAnError(t *testing.T) {
	f := firewalltest.NewFilter()
	f.FailOn = func(args []string) error { return context.DeadlineExceeded }
	runner := timeoutRunner{f}
	insp := NewInspector(runner, "iptables")

	_, err := insp.ChainExists(context.Background(), "VPN_USER_alice")
	var cmdErr *model.ExternalCommandError
	require.ErrorAs(t, err, &cmdErr)
	assert.True(t, cmdErr.Timeout)
}

// timeoutRunner marks every failure from the wrapped runner as a timeout.
type timeoutRunner struct{ *firewalltest.Filter }

func (r timeoutRunner) Output(ctx context.Context, name string, args ...string) ([]byte, error) {
	out, err := r.Filter.Output(ctx, name, args...)
	var cmdErr *model.ExternalCommandError
	if errors.As(err, &cmdErr) {
		cmdErr.Timeout = true
	}
	return out, err
}
