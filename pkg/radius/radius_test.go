package radius

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"netauth/pkg/db/dbtest"
)

func replies(t *testing.T, db *gorm.DB, username, attr string) []string {
	t.Helper()
	var rows []RadReply
	require.NoError(t, db.Where("username = ? AND attribute = ?", username, attr).Order("id").Find(&rows).Error)
	out := make([]string, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.Value)
	}
	return out
}

func TestSetIP(t *testing.T) {
	db := dbtest.Open(t)
	p := NewGormPublisher(db, zerolog.Nop())
	ctx := context.Background()

	require.NoError(t, p.SetIP(ctx, "alice", "10.8.0.2"))
	require.NoError(t, p.SetIP(ctx, "alice", "10.8.0.7"))
	assert.Equal(t, []string{"10.8.0.7"}, replies(t, db, "alice", AttrFramedIP))
}

func TestSyncRoutes(t *testing.T) {
	db := dbtest.Open(t)
	p := NewGormPublisher(db, zerolog.Nop())
	ctx := context.Background()

	require.NoError(t, p.SyncRoutes(ctx, "alice", []string{"192.168.10.0/24", "192.168.20.0/24"}))
	require.NoError(t, p.SyncRoutes(ctx, "alice", []string{"192.168.20.0/24", "10.0.0.0/8", "10.0.0.0/8"}))
	assert.ElementsMatch(t, []string{"192.168.20.0/24", "10.0.0.0/8"}, replies(t, db, "alice", AttrFramedRoute))

	require.NoError(t, p.SyncRoutes(ctx, "alice", nil))
	assert.Empty(t, replies(t, db, "alice", AttrFramedRoute))
}

func TestSetAccountStatus(t *testing.T) {
	db := dbtest.Open(t)
	p := NewGormPublisher(db, zerolog.Nop())
	ctx := context.Background()

	require.NoError(t, p.SetAccountStatus(ctx, "alice", false))
	var row RadCheck
	require.NoError(t, db.Where("username = ? AND attribute = ?", "alice", AttrAuthType).First(&row).Error)
	assert.Equal(t, AuthTypeReject, row.Value)

	require.NoError(t, p.SetAccountStatus(ctx, "alice", true))
	var rows []RadCheck
	require.NoError(t, db.Where("username = ?", "alice").Find(&rows).Error)
	require.Len(t, rows, 1)
	assert.Equal(t, "LDAP", rows[0].Value)
}

func TestRemoveUser(t *testing.T) {
	db := dbtest.Open(t)
	p := NewGormPublisher(db, zerolog.Nop())
	ctx := context.Background()

	require.NoError(t, p.SetIP(ctx, "alice", "10.8.0.2"))
	require.NoError(t, p.SyncRoutes(ctx, "alice", []string{"192.168.10.0/24"}))
	require.NoError(t, p.SetIP(ctx, "bob", "10.8.0.3"))

	require.NoError(t, p.RemoveUser(ctx, "alice"))
	assert.Empty(t, replies(t, db, "alice", AttrFramedIP))
	assert.Empty(t, replies(t, db, "alice", AttrFramedRoute))
	assert.Equal(t, []string{"10.8.0.3"}, replies(t, db, "bob", AttrFramedIP))
}

func TestNop(t *testing.T) {
	var p Publisher = Nop{}
	assert.NoError(t, p.SetIP(context.Background(), "alice", "10.8.0.2"))
	assert.NoError(t, p.RemoveUser(context.Background(), "alice"))
}
