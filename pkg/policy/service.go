// Package policy is the operator-facing surface of the controller: it edits
// identities, routes and rules in the store, enforces route containment when
// rules are written, and reconciles identities on the gateway on request.
package policy

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"netauth/pkg/audit"
	"netauth/pkg/firewall"
	"netauth/pkg/ledger"
	"netauth/pkg/lock"
	"netauth/pkg/metrics"
	"netauth/pkg/model"
	"netauth/pkg/network"
	"netauth/pkg/radius"
	"netauth/pkg/store"
)

// Reconciler applies identity policy to the gateway.
type Reconciler interface {
	Apply(ctx context.Context, identity model.Identity, rules []model.SecurityRule) (*firewall.Report, error)
	Teardown(ctx context.Context, name string) error
	IsApplied(ctx context.Context, name string) (bool, error)
	SaveAndHarden(ctx context.Context) (bool, error)
	ListChains(ctx context.Context) ([]string, error)
	RuleCount(ctx context.Context) (int, error)
}

// Ledger remembers what was last applied per identity.
type Ledger interface {
	Record(ctx context.Context, e ledger.Entry) error
	Pending(ctx context.Context, identity, hash string) (bool, error)
	Purge(ctx context.Context, keep map[string]struct{}) (int, error)
}

type Deps struct {
	Store  store.PolicyStore
	Engine Reconciler
	Ledger Ledger // optional
	Locker lock.Locker
	Audit  *audit.Recorder
	Radius radius.Publisher
	Subnet string
	Logger zerolog.Logger
}

type Service struct {
	store  store.PolicyStore
	engine Reconciler
	ledger Ledger
	locker lock.Locker
	audit  *audit.Recorder
	radius radius.Publisher
	subnet string
	log    zerolog.Logger
}

func NewService(d Deps) *Service {
	s := &Service{
		store:  d.Store,
		engine: d.Engine,
		ledger: d.Ledger,
		locker: d.Locker,
		audit:  d.Audit,
		radius: d.Radius,
		subnet: d.Subnet,
		log:    d.Logger.With().Str("component", "policy").Logger(),
	}
	if s.locker == nil {
		s.locker = lock.NewKeyedMutex()
	}
	if s.audit == nil {
		s.audit = audit.NewRecorder(d.Store, d.Logger)
	}
	if s.radius == nil {
		s.radius = radius.Nop{}
	}
	if s.subnet == "" {
		s.subnet = "10.8.0.0/24"
	}
	return s
}

// Subnet returns the VPN address pool.
func (s *Service) Subnet() string { return s.subnet }

// RuleInput is an operator-supplied rule before it is stored.
type RuleInput struct {
	Target      string `json:"target"`
	Protocol    string `json:"protocol"`
	Port        string `json:"port,omitempty"`
	Action      string `json:"action"`
	Description string `json:"description,omitempty"`
}

func (in RuleInput) normalized() RuleInput {
	in.Target = strings.TrimSpace(in.Target)
	in.Protocol = strings.ToLower(strings.TrimSpace(in.Protocol))
	in.Port = strings.TrimSpace(in.Port)
	in.Action = strings.ToUpper(strings.TrimSpace(in.Action))
	if in.Protocol == "" {
		in.Protocol = model.ProtocolAny
	}
	if in.Action == "" {
		in.Action = model.ActionAccept
	}
	return in
}

// ValidateRoute checks CIDR format and that the address is the network
// address of its prefix, returning an operator-facing reason on failure.
func (s *Service) ValidateRoute(cidr string) (bool, string) {
	return network.ValidateRoute(strings.TrimSpace(cidr))
}

// ValidateRule checks rule format and that its target lies within one of
// the identity's active routes.
func (s *Service) ValidateRule(ctx context.Context, identityID uint, in RuleInput) (bool, string) {
	if _, err := s.store.GetIdentity(identityID); err != nil {
		return false, err.Error()
	}
	if err := s.validateRule(identityID, in.normalized()); err != nil {
		return false, reason(err)
	}
	return true, ""
}

func (s *Service) validateRule(identityID uint, in RuleInput) error {
	if ok, why := network.ValidateRoute(in.Target); !ok {
		return model.NewValidationError("target", why)
	}
	if err := network.ValidateProtocol(in.Protocol); err != nil {
		return err
	}
	if err := network.ValidateAction(in.Action); err != nil {
		return err
	}
	if in.Port != "" {
		if _, err := network.ParsePort(in.Port); err != nil {
			return model.NewValidationError("port", "invalid port format: "+err.Error())
		}
		if in.Protocol != model.ProtocolTCP && in.Protocol != model.ProtocolUDP {
			return model.NewValidationError("port", "a port can only be set for tcp or udp")
		}
	}
	routes, err := s.store.ActiveRoutes(identityID)
	if err != nil {
		return err
	}
	if !network.IsRouteAllowed(in.Target, routes) {
		return model.NewValidationError("target",
			fmt.Sprintf("route %s is not in the identity's assigned routes, add the route first", in.Target))
	}
	return nil
}

func reason(err error) string {
	var v *model.ValidationError
	if errors.As(err, &v) {
		return v.Reason
	}
	return err.Error()
}

// Result is the outcome of reconciling one identity.
type Result struct {
	RunID    string           `json:"runId"`
	Identity string           `json:"identity"`
	Report   *firewall.Report `json:"report,omitempty"`
	TornDown bool             `json:"tornDown,omitempty"`
	Saved    bool             `json:"saved"`
	Message  string           `json:"message"`
}

// OK reports whether the identity is hooked up (or removed) and persisted.
func (r *Result) OK() bool {
	if r == nil || !r.Saved {
		return false
	}
	return r.TornDown || (r.Report != nil && r.Report.Applied)
}

// Apply reconciles the identity's enabled rules onto the gateway and
// persists the ruleset. An inactive identity has its chain removed instead.
func (s *Service) Apply(ctx context.Context, identityID uint) (bool, string) {
	res, err := s.ApplyIdentity(ctx, identityID)
	if err != nil {
		return false, reason(err)
	}
	return res.OK(), res.Message
}

// ApplyIdentity is Apply with the full result.
func (s *Service) ApplyIdentity(ctx context.Context, identityID uint) (*Result, error) {
	identity, err := s.store.GetIdentity(identityID)
	if err != nil {
		return nil, err
	}
	unlock, err := s.locker.Lock(ctx, identity.Name)
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", identity.Name, err)
	}
	defer unlock()

	res, err := s.reconcile(ctx, identity)
	if err != nil {
		return res, err
	}
	s.save(ctx, res)
	s.audit.Record(ctx, "apply", "identity", identity.ID, res.Message)
	return res, nil
}

// reconcile converges one identity without persisting. Caller holds the
// identity lock.
func (s *Service) reconcile(ctx context.Context, identity model.Identity) (*Result, error) {
	res := &Result{RunID: uuid.NewString(), Identity: identity.Name}
	log := s.log.With().Str("identity", identity.Name).Str("run", res.RunID).Logger()

	if !identity.Active {
		if err := s.engine.Teardown(ctx, identity.Name); err != nil {
			metrics.ApplyTotal.WithLabelValues("failed").Inc()
			s.record(ctx, res, "", ledger.OpFailed, err.Error())
			return res, fmt.Errorf("remove access for inactive %s: %w", identity.Name, err)
		}
		res.TornDown = true
		res.Message = fmt.Sprintf("%s is inactive, access removed", identity.Name)
		s.record(ctx, res, "", ledger.OpTeardown, res.Message)
		log.Info().Msg("inactive identity torn down")
		return res, nil
	}

	rules, err := s.store.ActiveRules(identity.ID)
	if err != nil {
		return res, err
	}
	hash := ledger.HashPolicy(identity.IP(), rules)

	report, err := s.engine.Apply(ctx, identity, rules)
	res.Report = report
	if err != nil {
		var cfgErr *model.ConfigurationError
		if errors.As(err, &cfgErr) {
			metrics.ApplyTotal.WithLabelValues("rejected").Inc()
		} else {
			metrics.ApplyTotal.WithLabelValues("failed").Inc()
		}
		s.record(ctx, res, hash, ledger.OpFailed, err.Error())
		log.Error().Err(err).Msg("apply failed")
		return res, err
	}

	res.Message = applyMessage(identity.Name, report)
	op := ledger.OpApply
	if report.Partial() {
		op = ledger.OpPartial
		metrics.ApplyTotal.WithLabelValues("partial").Inc()
	} else {
		metrics.ApplyTotal.WithLabelValues("applied").Inc()
	}
	s.record(ctx, res, hash, op, res.Message)
	return res, nil
}

func applyMessage(name string, r *firewall.Report) string {
	total := r.Installed + len(r.Failures)
	msg := fmt.Sprintf("applied %d rules for %s", r.Installed, name)
	if r.Partial() {
		msg += fmt.Sprintf("; %d of %d rules failed: %v", len(r.Failures), total, r.Failures[0])
	}
	if r.Warning != nil {
		msg += "; warning: " + r.Warning.Error()
	}
	return msg
}

func (s *Service) save(ctx context.Context, res *Result) {
	saved, err := s.engine.SaveAndHarden(ctx)
	res.Saved = saved
	if err != nil {
		res.Message += "; rules not persisted: " + err.Error()
		s.log.Error().Err(err).Str("run", res.RunID).Msg("save ruleset")
	}
}

func (s *Service) record(ctx context.Context, res *Result, hash, op, detail string) {
	if s.ledger == nil {
		return
	}
	err := s.ledger.Record(ctx, ledger.Entry{RunID: res.RunID, Identity: res.Identity, RuleHash: hash, Op: op, Detail: detail})
	if err != nil {
		s.log.Warn().Err(err).Str("identity", res.Identity).Msg("ledger write failed")
	}
}

// IsApplied reports whether the identity's chain is present and hooked
// exactly once.
func (s *Service) IsApplied(ctx context.Context, identityID uint) bool {
	identity, err := s.store.GetIdentity(identityID)
	if err != nil {
		return false
	}
	applied, err := s.engine.IsApplied(ctx, identity.Name)
	if err != nil {
		s.log.Warn().Err(err).Str("identity", identity.Name).Msg("inspect chain")
		return false
	}
	return applied
}

// RuleCount returns the number of entries in the gateway filter table, 0
// when it cannot be read.
func (s *Service) RuleCount(ctx context.Context) int {
	n, err := s.engine.RuleCount(ctx)
	if err != nil {
		s.log.Warn().Err(err).Msg("count filter entries")
		return 0
	}
	return n
}

// Teardown removes the identity's chain and persists the ruleset.
func (s *Service) Teardown(ctx context.Context, identityID uint) (*Result, error) {
	identity, err := s.store.GetIdentity(identityID)
	if err != nil {
		return nil, err
	}
	unlock, err := s.locker.Lock(ctx, identity.Name)
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", identity.Name, err)
	}
	defer unlock()

	res := &Result{RunID: uuid.NewString(), Identity: identity.Name}
	if err := s.engine.Teardown(ctx, identity.Name); err != nil {
		s.record(ctx, res, "", ledger.OpFailed, err.Error())
		return res, fmt.Errorf("teardown %s: %w", identity.Name, err)
	}
	res.TornDown = true
	res.Message = fmt.Sprintf("removed chain for %s", identity.Name)
	s.record(ctx, res, "", ledger.OpTeardown, res.Message)
	s.save(ctx, res)
	s.audit.Record(ctx, "teardown", "identity", identity.ID, res.Message)
	return res, nil
}

// Summary aggregates an ApplyAll run.
type Summary struct {
	Applied  int      `json:"applied"`
	Partial  int      `json:"partial"`
	TornDown int      `json:"tornDown"`
	Skipped  int      `json:"skipped"`
	Failed   int      `json:"failed"`
	Saved    bool     `json:"saved"`
	Errors   []string `json:"errors,omitempty"`
}

// ApplyAll reconciles every identity and persists once. Active identities
// without an address are skipped.
func (s *Service) ApplyAll(ctx context.Context) (*Summary, error) {
	identities, err := s.store.ListIdentities()
	if err != nil {
		return nil, err
	}
	sum := &Summary{}
	keep := make(map[string]struct{}, len(identities))
	for _, identity := range identities {
		keep[identity.Name] = struct{}{}
		if identity.Active && identity.IP() == "" {
			sum.Skipped++
			continue
		}
		res, err := s.reconcileLocked(ctx, identity)
		switch {
		case err != nil:
			sum.Failed++
			sum.Errors = append(sum.Errors, fmt.Sprintf("%s: %s", identity.Name, reason(err)))
		case res.TornDown:
			sum.TornDown++
		case res.Report.Partial():
			sum.Partial++
			sum.Errors = append(sum.Errors, res.Message)
		default:
			sum.Applied++
		}
	}

	saved, err := s.engine.SaveAndHarden(ctx)
	sum.Saved = saved
	if err != nil {
		sum.Errors = append(sum.Errors, "rules not persisted: "+err.Error())
	}
	if s.ledger != nil {
		if n, err := s.ledger.Purge(ctx, keep); err != nil {
			s.log.Warn().Err(err).Msg("ledger purge")
		} else if n > 0 {
			s.log.Info().Int("identities", n).Msg("ledger records purged")
		}
	}
	s.audit.Record(ctx, "apply_all", "identity", 0,
		fmt.Sprintf("applied=%d partial=%d torn_down=%d skipped=%d failed=%d", sum.Applied, sum.Partial, sum.TornDown, sum.Skipped, sum.Failed))
	return sum, nil
}

func (s *Service) reconcileLocked(ctx context.Context, identity model.Identity) (*Result, error) {
	unlock, err := s.locker.Lock(ctx, identity.Name)
	if err != nil {
		return nil, err
	}
	defer unlock()
	return s.reconcile(ctx, identity)
}
