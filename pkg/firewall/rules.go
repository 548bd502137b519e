package firewall

import (
	"cmp"
	"fmt"
	"slices"

	"netauth/pkg/model"
	"netauth/pkg/network"
)

// ruleArgs renders one chain entry for a rule scoped to source ip.
func ruleArgs(chain, ip string, r model.SecurityRule) ([]string, error) {
	args := []string{"-A", chain, "-s", ip, "-d", r.Target}
	switch r.Protocol {
	case model.ProtocolAny, "":
	case model.ProtocolTCP, model.ProtocolUDP, model.ProtocolICMP:
		args = append(args, "-p", r.Protocol)
		if r.HasPortMatch() {
			port, err := network.ParsePort(r.Port)
			if err != nil {
				return nil, model.NewValidationError("port", err.Error())
			}
			args = append(args, "-m", r.Protocol, "--dport", port.IptablesArg())
		}
	default:
		return nil, model.NewValidationError("protocol", fmt.Sprintf("unsupported protocol %q", r.Protocol))
	}
	if err := network.ValidateAction(r.Action); err != nil {
		return nil, err
	}
	return append(args, "-j", r.Action), nil
}

// orderRules returns rules in install order: Seq, then ID.
func orderRules(rules []model.SecurityRule) []model.SecurityRule {
	out := slices.Clone(rules)
	slices.SortStableFunc(out, func(a, b model.SecurityRule) int {
		if c := cmp.Compare(a.Seq, b.Seq); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}
