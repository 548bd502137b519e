package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"netauth/pkg/db/dbtest"
	"netauth/pkg/model"
)

func TestGormStore_Identities(t *testing.T) {
	s := NewGormStore(dbtest.Open(t))
	require.NoError(t, s.Ping())

	alice, err := s.CreateIdentity(model.Identity{Name: "alice", Active: true}.WithIP("10.8.0.2"))
	require.NoError(t, err)
	assert.NotZero(t, alice.ID)

	_, err = s.CreateIdentity(model.Identity{Name: "alice"})
	assert.ErrorIs(t, err, ErrConflict)
	_, err = s.CreateIdentity(model.Identity{Name: "bob"}.WithIP("10.8.0.2"))
	assert.ErrorIs(t, err, ErrConflict)

	bob, err := s.CreateIdentity(model.Identity{Name: "bob"})
	require.NoError(t, err)
	got, err := s.GetIdentity(bob.ID)
	require.NoError(t, err)
	assert.Equal(t, "", got.IP())
	assert.False(t, got.Active)

	got = got.WithIP("10.8.0.3")
	got.Active = true
	_, err = s.UpdateIdentity(got)
	require.NoError(t, err)

	byName, err := s.GetIdentityByName("bob")
	require.NoError(t, err)
	assert.Equal(t, "10.8.0.3", byName.IP())
	assert.True(t, byName.Active)

	ips, err := s.AllocatedIPs()
	require.NoError(t, err)
	assert.Equal(t, []string{"10.8.0.2", "10.8.0.3"}, ips)

	_, err = s.GetIdentity(999)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.UpdateIdentity(model.Identity{ID: 999, Name: "ghost"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGormStore_RoutesAndRules(t *testing.T) {
	s := NewGormStore(dbtest.Open(t))
	alice, err := s.CreateIdentity(model.Identity{Name: "alice"})
	require.NoError(t, err)

	route, err := s.AddRoute(model.AssignedRoute{IdentityID: alice.ID, Route: "192.168.10.0/24"})
	require.NoError(t, err)
	_, err = s.AddRoute(model.AssignedRoute{IdentityID: alice.ID, Route: "192.168.10.0/24"})
	assert.ErrorIs(t, err, ErrConflict)
	_, err = s.AddRoute(model.AssignedRoute{IdentityID: 999, Route: "192.168.10.0/24"})
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.DeactivateRoute(route.ID))
	active, err := s.ActiveRoutes(alice.ID)
	require.NoError(t, err)
	assert.Empty(t, active)
	assert.ErrorIs(t, s.DeactivateRoute(999), ErrNotFound)

	r1, err := s.AddRule(model.SecurityRule{IdentityID: alice.ID, Target: "192.168.10.0/24", Protocol: "tcp", Port: "443", Action: "ACCEPT", Active: true, Enabled: true})
	require.NoError(t, err)
	r2, err := s.AddRule(model.SecurityRule{IdentityID: alice.ID, Target: "192.168.10.5/32", Protocol: "any", Action: "DROP", Active: true, Enabled: true})
	require.NoError(t, err)
	assert.Equal(t, r1.Seq+1, r2.Seq)

	r1.Enabled = false
	_, err = s.UpdateRule(r1)
	require.NoError(t, err)

	listed, err := s.ListRules(alice.ID)
	require.NoError(t, err)
	assert.Len(t, listed, 2)
	enabled, err := s.ActiveRules(alice.ID)
	require.NoError(t, err)
	require.Len(t, enabled, 1)
	assert.Equal(t, r2.ID, enabled[0].ID)
}

func TestGormStore_UsersAndAudit(t *testing.T) {
	s := NewGormStore(dbtest.Open(t))

	_, err := s.CreateUser(model.User{Username: "admin", Role: model.RoleAdministrator, Active: true})
	require.NoError(t, err)
	_, err = s.CreateUser(model.User{Username: "admin", Role: model.RoleViewer})
	assert.ErrorIs(t, err, ErrConflict)

	n, err := s.CountUsers()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	u, err := s.GetUserByUsername("admin")
	require.NoError(t, err)
	assert.Equal(t, model.RoleAdministrator, u.Role)
	_, err = s.GetUserByUsername("nobody")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.AppendAudit(model.AuditEntry{Actor: "admin", Action: "create"}))
	require.NoError(t, s.AppendAudit(model.AuditEntry{Actor: "admin", Action: "apply"}))
	entries, err := s.ListAudit(1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "apply", entries[0].Action)
}
