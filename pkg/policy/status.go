package policy

import (
	"context"
	"slices"

	"netauth/pkg/firewall"
	"netauth/pkg/ledger"
	"netauth/pkg/network"
)

type IdentityStatus struct {
	ID      uint   `json:"id"`
	Name    string `json:"name"`
	IP      string `json:"ipAddress,omitempty"`
	Active  bool   `json:"active"`
	Chain   string `json:"chain"`
	Applied bool   `json:"applied"`
	// Pending is set when the stored policy differs from the last full apply.
	Pending bool `json:"pending"`
	Rules   int  `json:"rules"`
}

type Status struct {
	Subnet        network.SubnetInfo `json:"subnet"`
	FilterEntries int                `json:"filterEntries"`
	Identities    []IdentityStatus   `json:"identities"`
	// Orphans are managed chains with no matching identity.
	Orphans []string `json:"orphans,omitempty"`
}

// Status reports per-identity enforcement state and stray chains.
func (s *Service) Status(ctx context.Context) (*Status, error) {
	identities, err := s.store.ListIdentities()
	if err != nil {
		return nil, err
	}
	st := &Status{FilterEntries: s.RuleCount(ctx)}
	if info, err := network.DescribeSubnet(s.subnet); err == nil {
		st.Subnet = info
	}

	known := make(map[string]struct{}, len(identities))
	for _, identity := range identities {
		chain := firewall.ChainName(identity.Name)
		known[chain] = struct{}{}

		rules, err := s.store.ActiveRules(identity.ID)
		if err != nil {
			return nil, err
		}
		is := IdentityStatus{
			ID:     identity.ID,
			Name:   identity.Name,
			IP:     identity.IP(),
			Active: identity.Active,
			Chain:  chain,
			Rules:  len(rules),
		}
		if applied, err := s.engine.IsApplied(ctx, identity.Name); err == nil {
			is.Applied = applied
		}
		if s.ledger != nil && identity.Active {
			pending, err := s.ledger.Pending(ctx, identity.Name, ledger.HashPolicy(identity.IP(), rules))
			if err != nil {
				s.log.Warn().Err(err).Str("identity", identity.Name).Msg("ledger lookup")
			}
			is.Pending = pending
		}
		st.Identities = append(st.Identities, is)
	}

	chains, err := s.engine.ListChains(ctx)
	if err != nil {
		s.log.Warn().Err(err).Msg("list chains")
	}
	for _, c := range chains {
		if _, ok := known[c]; !ok {
			st.Orphans = append(st.Orphans, c)
		}
	}
	slices.Sort(st.Orphans)
	return st, nil
}
