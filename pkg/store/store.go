package store

import (
	"errors"

	"netauth/pkg/model"
)

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")
)

// PolicyStore persists identities, their routes and rules, operators and the
// audit trail. Mutating flags here never touches the packet filter.
type PolicyStore interface {
	CreateIdentity(model.Identity) (model.Identity, error)
	GetIdentity(id uint) (model.Identity, error)
	GetIdentityByName(name string) (model.Identity, error)
	ListIdentities() ([]model.Identity, error)
	UpdateIdentity(model.Identity) (model.Identity, error)
	AllocatedIPs() ([]string, error)

	AddRoute(model.AssignedRoute) (model.AssignedRoute, error)
	GetRoute(id uint) (model.AssignedRoute, error)
	DeactivateRoute(id uint) error
	ListRoutes(identityID uint) ([]model.AssignedRoute, error)
	ActiveRoutes(identityID uint) ([]model.AssignedRoute, error)

	// AddRule assigns the rule's ID and install sequence.
	AddRule(model.SecurityRule) (model.SecurityRule, error)
	GetRule(id uint) (model.SecurityRule, error)
	UpdateRule(model.SecurityRule) (model.SecurityRule, error)
	// ListRules returns the identity's non-deleted rules in install order.
	ListRules(identityID uint) ([]model.SecurityRule, error)
	// ActiveRules returns the enabled, non-deleted rules in install order.
	ActiveRules(identityID uint) ([]model.SecurityRule, error)

	CreateUser(model.User) (model.User, error)
	GetUserByUsername(username string) (model.User, error)
	UpdateUser(model.User) (model.User, error)
	CountUsers() (int64, error)

	AppendAudit(model.AuditEntry) error
	ListAudit(limit int) ([]model.AuditEntry, error)

	Ping() error
}

// NewMemory is a helper to construct the in-memory implementation without importing it directly.
func NewMemory() PolicyStore {
	return NewMemoryStore()
}
