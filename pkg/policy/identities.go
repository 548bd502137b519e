package policy

import (
	"context"
	"fmt"
	"strings"

	"netauth/pkg/model"
	"netauth/pkg/network"
)

// allocationKey serializes address allocation across identities.
const allocationKey = "\x00ip-allocation"

type IdentityInput struct {
	Name     string `json:"name"`
	FullName string `json:"fullName,omitempty"`
	Email    string `json:"email,omitempty"`
	IP       string `json:"ipAddress,omitempty"`
	// Allocate assigns the next free address when IP is empty.
	Allocate bool `json:"allocate,omitempty"`
}

func (s *Service) ListIdentities() ([]model.Identity, error) {
	return s.store.ListIdentities()
}

func (s *Service) GetIdentity(id uint) (model.Identity, error) {
	return s.store.GetIdentity(id)
}

// CreateIdentity stores a new active identity and publishes its address.
func (s *Service) CreateIdentity(ctx context.Context, in IdentityInput) (model.Identity, error) {
	in.Name = strings.TrimSpace(in.Name)
	in.IP = strings.TrimSpace(in.IP)
	if err := network.ValidateIdentityName(in.Name); err != nil {
		return model.Identity{}, err
	}
	if in.IP != "" {
		if err := s.checkAddress(in.IP); err != nil {
			return model.Identity{}, err
		}
	}

	unlock, err := s.locker.Lock(ctx, allocationKey)
	if err != nil {
		return model.Identity{}, err
	}
	defer unlock()

	if in.IP == "" && in.Allocate {
		if in.IP, err = s.nextIP(); err != nil {
			return model.Identity{}, err
		}
	}
	identity, err := s.store.CreateIdentity(model.Identity{
		Name:     in.Name,
		FullName: in.FullName,
		Email:    in.Email,
		Active:   true,
	}.WithIP(in.IP))
	if err != nil {
		return model.Identity{}, err
	}

	if ip := identity.IP(); ip != "" {
		s.publish(ctx, identity.Name, func() error { return s.radius.SetIP(ctx, identity.Name, ip) })
	}
	s.publish(ctx, identity.Name, func() error { return s.radius.SetAccountStatus(ctx, identity.Name, true) })
	s.audit.Record(ctx, "create_identity", "identity", identity.ID,
		fmt.Sprintf("created %s ip=%s", identity.Name, identity.IP()))
	return identity, nil
}

func (s *Service) checkAddress(ip string) error {
	if !network.IsValidIP(ip) {
		return model.NewValidationError("ipAddress", fmt.Sprintf("invalid IP address %q", ip))
	}
	info, err := network.DescribeSubnet(s.subnet)
	if err != nil {
		return err
	}
	if !network.IsRouteAllowed(ip, []model.AssignedRoute{{Route: s.subnet, Active: true}}) {
		return model.NewValidationError("ipAddress", fmt.Sprintf("%s is outside the VPN subnet %s", ip, s.subnet))
	}
	if ip == info.Network || ip == info.Broadcast || ip == gatewayAddress(info) {
		return model.NewValidationError("ipAddress", fmt.Sprintf("%s is reserved in %s", ip, s.subnet))
	}
	return nil
}

func gatewayAddress(info network.SubnetInfo) string {
	p, err := network.ParsePrefix(info.Network)
	if err != nil {
		return ""
	}
	return p.Addr().Next().String()
}

func (s *Service) nextIP() (string, error) {
	ips, err := s.store.AllocatedIPs()
	if err != nil {
		return "", err
	}
	allocated := make(map[string]struct{}, len(ips))
	for _, ip := range ips {
		allocated[ip] = struct{}{}
	}
	return network.NextAvailableIP(s.subnet, allocated)
}

// AllocateIP assigns the next free address to an identity that has none.
func (s *Service) AllocateIP(ctx context.Context, identityID uint) (model.Identity, error) {
	unlock, err := s.locker.Lock(ctx, allocationKey)
	if err != nil {
		return model.Identity{}, err
	}
	defer unlock()

	identity, err := s.store.GetIdentity(identityID)
	if err != nil {
		return model.Identity{}, err
	}
	if identity.IP() != "" {
		return identity, nil
	}
	ip, err := s.nextIP()
	if err != nil {
		return model.Identity{}, err
	}
	identity, err = s.store.UpdateIdentity(identity.WithIP(ip))
	if err != nil {
		return model.Identity{}, err
	}
	s.publish(ctx, identity.Name, func() error { return s.radius.SetIP(ctx, identity.Name, ip) })
	s.audit.Record(ctx, "allocate_ip", "identity", identity.ID, fmt.Sprintf("assigned %s to %s", ip, identity.Name))
	return identity, nil
}

// SetIdentityActive flips the identity's active flag. The gateway is
// converged on the next apply.
func (s *Service) SetIdentityActive(ctx context.Context, identityID uint, active bool) (model.Identity, error) {
	identity, err := s.store.GetIdentity(identityID)
	if err != nil {
		return model.Identity{}, err
	}
	identity.Active = active
	if identity, err = s.store.UpdateIdentity(identity); err != nil {
		return model.Identity{}, err
	}
	s.publish(ctx, identity.Name, func() error { return s.radius.SetAccountStatus(ctx, identity.Name, active) })
	s.audit.Record(ctx, "set_active", "identity", identity.ID, fmt.Sprintf("set %s active=%t", identity.Name, active))
	return identity, nil
}

// publish pushes to RADIUS; failures are logged and never fail the caller.
func (s *Service) publish(_ context.Context, name string, fn func() error) {
	if err := fn(); err != nil {
		s.log.Warn().Err(err).Str("identity", name).Msg("radius update failed")
	}
}
