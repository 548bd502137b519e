package policy

import (
	"context"
	"fmt"
	"strings"

	"netauth/pkg/model"
	"netauth/pkg/store"
)

const (
	ConfirmToggle = "disable"
	ConfirmDelete = "delete"
)

func (s *Service) ListRules(identityID uint) ([]model.SecurityRule, error) {
	if _, err := s.store.GetIdentity(identityID); err != nil {
		return nil, err
	}
	return s.store.ListRules(identityID)
}

// AddRule stores an enabled rule after format and containment checks. It is
// installed on the next apply.
func (s *Service) AddRule(ctx context.Context, identityID uint, in RuleInput) (model.SecurityRule, error) {
	if _, err := s.store.GetIdentity(identityID); err != nil {
		return model.SecurityRule{}, err
	}
	in = in.normalized()
	if err := s.validateRule(identityID, in); err != nil {
		return model.SecurityRule{}, err
	}
	r, err := s.store.AddRule(model.SecurityRule{
		IdentityID:  identityID,
		Target:      in.Target,
		Protocol:    in.Protocol,
		Port:        in.Port,
		Action:      in.Action,
		Description: in.Description,
		Active:      true,
		Enabled:     true,
	})
	if err != nil {
		return model.SecurityRule{}, err
	}
	s.audit.Record(ctx, "add_rule", "rule", r.ID, "added rule "+r.String())
	return r, nil
}

func checkConfirmation(got, want string) error {
	if strings.ToLower(strings.TrimSpace(got)) != want {
		return model.NewValidationError("confirmation", fmt.Sprintf("type %q to confirm", want))
	}
	return nil
}

func (s *Service) liveRule(ruleID uint) (model.SecurityRule, error) {
	r, err := s.store.GetRule(ruleID)
	if err != nil {
		return model.SecurityRule{}, err
	}
	if r.Status() == model.RuleDeleted {
		return model.SecurityRule{}, fmt.Errorf("rule %d: %w", ruleID, store.ErrNotFound)
	}
	return r, nil
}

// ToggleRule suspends or resumes a rule. confirmation must be "disable".
func (s *Service) ToggleRule(ctx context.Context, ruleID uint, confirmation string) (model.SecurityRule, error) {
	if err := checkConfirmation(confirmation, ConfirmToggle); err != nil {
		return model.SecurityRule{}, err
	}
	r, err := s.liveRule(ruleID)
	if err != nil {
		return model.SecurityRule{}, err
	}
	r.Enabled = !r.Enabled
	if r, err = s.store.UpdateRule(r); err != nil {
		return model.SecurityRule{}, err
	}
	s.audit.Record(ctx, "toggle_rule", "rule", r.ID, fmt.Sprintf("%s rule %s", r.Status(), r))
	return r, nil
}

// DeleteRule soft-deletes a rule. confirmation must be "delete".
func (s *Service) DeleteRule(ctx context.Context, ruleID uint, confirmation string) error {
	if err := checkConfirmation(confirmation, ConfirmDelete); err != nil {
		return err
	}
	r, err := s.liveRule(ruleID)
	if err != nil {
		return err
	}
	r.Active = false
	if _, err := s.store.UpdateRule(r); err != nil {
		return err
	}
	s.audit.Record(ctx, "delete_rule", "rule", r.ID, "deleted rule "+r.String())
	return nil
}
