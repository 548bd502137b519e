package store

import (
	"cmp"
	"fmt"
	"slices"
	"sync"
	"time"

	"netauth/pkg/model"
)

// MemoryStore is a simple in-memory implementation, intended for dev/demo and tests.
type MemoryStore struct {
	mu         sync.RWMutex
	identities map[uint]model.Identity
	routes     map[uint]model.AssignedRoute
	rules      map[uint]model.SecurityRule
	users      map[uint]model.User
	audit      []model.AuditEntry

	nextID uint
	seq    int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		identities: make(map[uint]model.Identity),
		routes:     make(map[uint]model.AssignedRoute),
		rules:      make(map[uint]model.SecurityRule),
		users:      make(map[uint]model.User),
	}
}

func (m *MemoryStore) id() uint {
	m.nextID++
	return m.nextID
}

// Ping reports readiness for health/info endpoints.
func (m *MemoryStore) Ping() error { return nil }

func (m *MemoryStore) CreateIdentity(i model.Identity) (model.Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkIdentityUnique(i); err != nil {
		return model.Identity{}, err
	}
	now := time.Now()
	i.ID = m.id()
	i.CreatedAt, i.UpdatedAt = now, now
	i = i.WithIP(i.IP())
	m.identities[i.ID] = i
	return i, nil
}

func (m *MemoryStore) checkIdentityUnique(i model.Identity) error {
	for _, other := range m.identities {
		if other.ID == i.ID {
			continue
		}
		if other.Name == i.Name {
			return fmt.Errorf("identity %s: %w", i.Name, ErrConflict)
		}
		if ip := i.IP(); ip != "" && other.IP() == ip {
			return fmt.Errorf("ip %s already assigned to %s: %w", ip, other.Name, ErrConflict)
		}
	}
	return nil
}

func (m *MemoryStore) GetIdentity(id uint) (model.Identity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	i, ok := m.identities[id]
	if !ok {
		return model.Identity{}, fmt.Errorf("identity %d: %w", id, ErrNotFound)
	}
	return i.WithIP(i.IP()), nil
}

func (m *MemoryStore) GetIdentityByName(name string) (model.Identity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, i := range m.identities {
		if i.Name == name {
			return i.WithIP(i.IP()), nil
		}
	}
	return model.Identity{}, fmt.Errorf("identity %s: %w", name, ErrNotFound)
}

func (m *MemoryStore) ListIdentities() ([]model.Identity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.Identity, 0, len(m.identities))
	for _, i := range m.identities {
		out = append(out, i.WithIP(i.IP()))
	}
	slices.SortFunc(out, func(a, b model.Identity) int { return cmp.Compare(a.Name, b.Name) })
	return out, nil
}

func (m *MemoryStore) UpdateIdentity(i model.Identity) (model.Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.identities[i.ID]
	if !ok {
		return model.Identity{}, fmt.Errorf("identity %d: %w", i.ID, ErrNotFound)
	}
	if err := m.checkIdentityUnique(i); err != nil {
		return model.Identity{}, err
	}
	i.CreatedAt = cur.CreatedAt
	i.UpdatedAt = time.Now()
	i = i.WithIP(i.IP())
	m.identities[i.ID] = i
	return i, nil
}

func (m *MemoryStore) AllocatedIPs() ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for _, i := range m.identities {
		if ip := i.IP(); ip != "" {
			out = append(out, ip)
		}
	}
	slices.Sort(out)
	return out, nil
}

func (m *MemoryStore) AddRoute(r model.AssignedRoute) (model.AssignedRoute, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.identities[r.IdentityID]; !ok {
		return model.AssignedRoute{}, fmt.Errorf("identity %d: %w", r.IdentityID, ErrNotFound)
	}
	for _, other := range m.routes {
		if other.IdentityID == r.IdentityID && other.Active && other.Route == r.Route {
			return model.AssignedRoute{}, fmt.Errorf("route %s: %w", r.Route, ErrConflict)
		}
	}
	r.ID = m.id()
	r.Active = true
	r.CreatedAt = time.Now()
	m.routes[r.ID] = r
	return r, nil
}

func (m *MemoryStore) GetRoute(id uint) (model.AssignedRoute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.routes[id]
	if !ok {
		return model.AssignedRoute{}, fmt.Errorf("route %d: %w", id, ErrNotFound)
	}
	return r, nil
}

func (m *MemoryStore) DeactivateRoute(id uint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.routes[id]
	if !ok {
		return fmt.Errorf("route %d: %w", id, ErrNotFound)
	}
	r.Active = false
	m.routes[id] = r
	return nil
}

func (m *MemoryStore) ListRoutes(identityID uint) ([]model.AssignedRoute, error) {
	return m.filterRoutes(identityID, false), nil
}

func (m *MemoryStore) ActiveRoutes(identityID uint) ([]model.AssignedRoute, error) {
	return m.filterRoutes(identityID, true), nil
}

func (m *MemoryStore) filterRoutes(identityID uint, activeOnly bool) []model.AssignedRoute {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.AssignedRoute
	for _, r := range m.routes {
		if r.IdentityID != identityID || (activeOnly && !r.Active) {
			continue
		}
		out = append(out, r)
	}
	slices.SortFunc(out, func(a, b model.AssignedRoute) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

func (m *MemoryStore) AddRule(r model.SecurityRule) (model.SecurityRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.identities[r.IdentityID]; !ok {
		return model.SecurityRule{}, fmt.Errorf("identity %d: %w", r.IdentityID, ErrNotFound)
	}
	now := time.Now()
	m.seq++
	r.ID = m.id()
	r.Seq = m.seq
	r.CreatedAt, r.UpdatedAt = now, now
	m.rules[r.ID] = r
	return r, nil
}

func (m *MemoryStore) GetRule(id uint) (model.SecurityRule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rules[id]
	if !ok {
		return model.SecurityRule{}, fmt.Errorf("rule %d: %w", id, ErrNotFound)
	}
	return r, nil
}

func (m *MemoryStore) UpdateRule(r model.SecurityRule) (model.SecurityRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.rules[r.ID]
	if !ok {
		return model.SecurityRule{}, fmt.Errorf("rule %d: %w", r.ID, ErrNotFound)
	}
	r.IdentityID = cur.IdentityID
	r.Seq = cur.Seq
	r.CreatedAt = cur.CreatedAt
	r.UpdatedAt = time.Now()
	m.rules[r.ID] = r
	return r, nil
}

func (m *MemoryStore) ListRules(identityID uint) ([]model.SecurityRule, error) {
	return m.filterRules(identityID, func(r model.SecurityRule) bool { return r.Active }), nil
}

func (m *MemoryStore) ActiveRules(identityID uint) ([]model.SecurityRule, error) {
	return m.filterRules(identityID, func(r model.SecurityRule) bool {
		return r.Status() == model.RuleEnabled
	}), nil
}

func (m *MemoryStore) filterRules(identityID uint, keep func(model.SecurityRule) bool) []model.SecurityRule {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.SecurityRule
	for _, r := range m.rules {
		if r.IdentityID == identityID && keep(r) {
			out = append(out, r)
		}
	}
	slices.SortFunc(out, func(a, b model.SecurityRule) int {
		if c := cmp.Compare(a.Seq, b.Seq); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}

func (m *MemoryStore) CreateUser(u model.User) (model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, other := range m.users {
		if other.Username == u.Username {
			return model.User{}, fmt.Errorf("user %s: %w", u.Username, ErrConflict)
		}
	}
	u.ID = m.id()
	u.CreatedAt = time.Now()
	m.users[u.ID] = u
	return u, nil
}

func (m *MemoryStore) GetUserByUsername(username string) (model.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, u := range m.users {
		if u.Username == username {
			return u, nil
		}
	}
	return model.User{}, fmt.Errorf("user %s: %w", username, ErrNotFound)
}

func (m *MemoryStore) UpdateUser(u model.User) (model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.users[u.ID]
	if !ok {
		return model.User{}, fmt.Errorf("user %d: %w", u.ID, ErrNotFound)
	}
	u.CreatedAt = cur.CreatedAt
	m.users[u.ID] = u
	return u, nil
}

func (m *MemoryStore) CountUsers() (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.users)), nil
}

func (m *MemoryStore) AppendAudit(e model.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.ID = m.id()
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	m.audit = append(m.audit, e)
	return nil
}

// ListAudit returns the newest entries first.
func (m *MemoryStore) ListAudit(limit int) ([]model.AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if limit <= 0 || limit > len(m.audit) {
		limit = len(m.audit)
	}
	out := make([]model.AuditEntry, 0, limit)
	for i := len(m.audit) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.audit[i])
	}
	return out, nil
}
