package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"netauth/pkg/model"
)

var _ PolicyStore = (*MemoryStore)(nil)
var _ PolicyStore = (*GormStore)(nil)

func TestMemoryStore_Identities(t *testing.T) {
	s := NewMemoryStore()

	alice, err := s.CreateIdentity(model.Identity{Name: "alice", Active: true}.WithIP("10.8.0.2"))
	require.NoError(t, err)
	assert.NotZero(t, alice.ID)

	_, err = s.CreateIdentity(model.Identity{Name: "alice"})
	assert.ErrorIs(t, err, ErrConflict)
	_, err = s.CreateIdentity(model.Identity{Name: "bob"}.WithIP("10.8.0.2"))
	assert.ErrorIs(t, err, ErrConflict)

	bob, err := s.CreateIdentity(model.Identity{Name: "bob"})
	require.NoError(t, err)
	assert.Equal(t, "", bob.IP())

	byName, err := s.GetIdentityByName("alice")
	require.NoError(t, err)
	assert.Equal(t, alice.ID, byName.ID)

	_, err = s.GetIdentity(999)
	assert.ErrorIs(t, err, ErrNotFound)

	bob = bob.WithIP("10.8.0.2")
	_, err = s.UpdateIdentity(bob)
	assert.ErrorIs(t, err, ErrConflict)
	bob = bob.WithIP("10.8.0.3")
	_, err = s.UpdateIdentity(bob)
	require.NoError(t, err)

	ips, err := s.AllocatedIPs()
	require.NoError(t, err)
	assert.Equal(t, []string{"10.8.0.2", "10.8.0.3"}, ips)

	list, err := s.ListIdentities()
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "alice", list[0].Name)
}

func TestMemoryStore_ReturnedIdentityIsACopy(t *testing.T) {
	s := NewMemoryStore()
	created, err := s.CreateIdentity(model.Identity{Name: "alice"}.WithIP("10.8.0.2"))
	require.NoError(t, err)

	*created.IPAddress = "10.8.0.99"
	got, err := s.GetIdentity(created.ID)
	require.NoError(t, err)
	assert.Equal(t, "10.8.0.2", got.IP())
}

func TestMemoryStore_Routes(t *testing.T) {
	s := NewMemoryStore()
	alice, err := s.CreateIdentity(model.Identity{Name: "alice"})
	require.NoError(t, err)

	r, err := s.AddRoute(model.AssignedRoute{IdentityID: alice.ID, Route: "192.168.10.0/24"})
	require.NoError(t, err)
	assert.True(t, r.Active)

	_, err = s.AddRoute(model.AssignedRoute{IdentityID: alice.ID, Route: "192.168.10.0/24"})
	assert.ErrorIs(t, err, ErrConflict)
	_, err = s.AddRoute(model.AssignedRoute{IdentityID: 999, Route: "192.168.10.0/24"})
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.DeactivateRoute(r.ID))
	active, err := s.ActiveRoutes(alice.ID)
	require.NoError(t, err)
	assert.Empty(t, active)
	all, err := s.ListRoutes(alice.ID)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	// re-adding after deactivation is allowed
	_, err = s.AddRoute(model.AssignedRoute{IdentityID: alice.ID, Route: "192.168.10.0/24"})
	require.NoError(t, err)

	assert.ErrorIs(t, s.DeactivateRoute(999), ErrNotFound)
}

func TestMemoryStore_Rules(t *testing.T) {
	s := NewMemoryStore()
	alice, err := s.CreateIdentity(model.Identity{Name: "alice"})
	require.NoError(t, err)
	bob, err := s.CreateIdentity(model.Identity{Name: "bob"})
	require.NoError(t, err)

	add := func(id uint, target string) model.SecurityRule {
		r, err := s.AddRule(model.SecurityRule{IdentityID: id, Target: target, Protocol: "any", Action: "ACCEPT", Active: true, Enabled: true})
		require.NoError(t, err)
		return r
	}
	r1 := add(alice.ID, "10.0.0.0/24")
	add(bob.ID, "10.0.1.0/24")
	r3 := add(alice.ID, "10.0.2.0/24")
	r4 := add(alice.ID, "10.0.3.0/24")
	assert.Less(t, r1.Seq, r3.Seq)
	assert.Less(t, r3.Seq, r4.Seq)

	r3.Enabled = false
	_, err = s.UpdateRule(r3)
	require.NoError(t, err)
	r4.Active = false
	r4.Seq = 0
	updated, err := s.UpdateRule(r4)
	require.NoError(t, err)
	assert.NotZero(t, updated.Seq)

	listed, err := s.ListRules(alice.ID)
	require.NoError(t, err)
	require.Len(t, listed, 2)
	assert.Equal(t, r1.ID, listed[0].ID)
	assert.Equal(t, r3.ID, listed[1].ID)

	active, err := s.ActiveRules(alice.ID)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, r1.ID, active[0].ID)

	_, err = s.AddRule(model.SecurityRule{IdentityID: 999})
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.UpdateRule(model.SecurityRule{ID: 999})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_UsersAndAudit(t *testing.T) {
	s := NewMemoryStore()

	n, err := s.CountUsers()
	require.NoError(t, err)
	assert.Zero(t, n)

	u, err := s.CreateUser(model.User{Username: "admin", Role: model.RoleAdministrator, Active: true})
	require.NoError(t, err)
	_, err = s.CreateUser(model.User{Username: "admin"})
	assert.ErrorIs(t, err, ErrConflict)

	got, err := s.GetUserByUsername("admin")
	require.NoError(t, err)
	assert.Equal(t, u.ID, got.ID)

	for _, action := range []string{"create", "apply", "delete"} {
		require.NoError(t, s.AppendAudit(model.AuditEntry{Actor: "admin", Action: action}))
	}
	entries, err := s.ListAudit(2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "delete", entries[0].Action)
	assert.Equal(t, "apply", entries[1].Action)
	assert.False(t, entries[0].Timestamp.IsZero())
}
