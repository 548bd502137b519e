package policy

import (
	"context"
	"fmt"
	"strings"

	"netauth/pkg/model"
	"netauth/pkg/network"
	"netauth/pkg/store"
)

func (s *Service) ListRoutes(identityID uint) ([]model.AssignedRoute, error) {
	if _, err := s.store.GetIdentity(identityID); err != nil {
		return nil, err
	}
	return s.store.ActiveRoutes(identityID)
}

// AddRoute authorizes a network for the identity. Rules may only target
// networks inside its active routes.
func (s *Service) AddRoute(ctx context.Context, identityID uint, route, description string) (model.AssignedRoute, error) {
	route = strings.TrimSpace(route)
	if ok, why := network.ValidateRoute(route); !ok {
		return model.AssignedRoute{}, model.NewValidationError("route", why)
	}
	identity, err := s.store.GetIdentity(identityID)
	if err != nil {
		return model.AssignedRoute{}, err
	}
	r, err := s.store.AddRoute(model.AssignedRoute{IdentityID: identityID, Route: route, Description: description})
	if err != nil {
		return model.AssignedRoute{}, err
	}
	s.syncRoutes(ctx, identity)
	s.audit.Record(ctx, "add_route", "identity", identityID, fmt.Sprintf("added route %s to %s", route, identity.Name))
	return r, nil
}

// RemoveRoute deactivates a route. Rules already written against it stay
// until removed.
func (s *Service) RemoveRoute(ctx context.Context, identityID, routeID uint) error {
	identity, err := s.store.GetIdentity(identityID)
	if err != nil {
		return err
	}
	r, err := s.store.GetRoute(routeID)
	if err != nil {
		return err
	}
	if r.IdentityID != identityID {
		return fmt.Errorf("route %d of identity %d: %w", routeID, identityID, store.ErrNotFound)
	}
	if err := s.store.DeactivateRoute(routeID); err != nil {
		return err
	}
	s.syncRoutes(ctx, identity)
	s.audit.Record(ctx, "remove_route", "identity", identityID, fmt.Sprintf("removed route %s from %s", r.Route, identity.Name))
	return nil
}

func (s *Service) syncRoutes(ctx context.Context, identity model.Identity) {
	routes, err := s.store.ActiveRoutes(identity.ID)
	if err != nil {
		s.log.Warn().Err(err).Str("identity", identity.Name).Msg("list routes for radius")
		return
	}
	values := make([]string, 0, len(routes))
	for _, r := range routes {
		values = append(values, r.Route)
	}
	s.publish(ctx, identity.Name, func() error { return s.radius.SyncRoutes(ctx, identity.Name, values) })
}
