// Package dbtest opens a throwaway gorm handle for tests. It drives the MySQL
// dialector over an in-memory sqlite connection, so tables are created with
// plain DDL instead of AutoMigrate.
package dbtest

import (
	"database/sql"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	_ "modernc.org/sqlite"
)

var schema = []string{
	`CREATE TABLE vpn_identities(
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL UNIQUE,
		full_name TEXT, email TEXT,
		ip_address TEXT UNIQUE,
		active NUMERIC NOT NULL,
		created_at DATETIME, updated_at DATETIME)`,
	`CREATE TABLE vpn_identity_routes(
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		identity_id INTEGER NOT NULL,
		route TEXT NOT NULL, description TEXT,
		active NUMERIC NOT NULL,
		created_at DATETIME)`,
	`CREATE TABLE security_rules(
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		identity_id INTEGER NOT NULL,
		target TEXT NOT NULL, protocol TEXT NOT NULL, port TEXT,
		action TEXT NOT NULL, description TEXT,
		active NUMERIC NOT NULL, enabled NUMERIC NOT NULL,
		seq INTEGER NOT NULL,
		created_at DATETIME, updated_at DATETIME)`,
	`CREATE TABLE webui_users(
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		username TEXT UNIQUE, password_hash TEXT,
		role TEXT NOT NULL, active NUMERIC NOT NULL,
		created_at DATETIME, last_login DATETIME)`,
	`CREATE TABLE audit_log(
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		actor TEXT, action TEXT NOT NULL,
		resource_type TEXT, resource_id INTEGER,
		detail TEXT, ip TEXT, timestamp DATETIME)`,
	`CREATE TABLE radcheck(
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		username TEXT NOT NULL, attribute TEXT NOT NULL,
		op TEXT NOT NULL, value TEXT NOT NULL)`,
	`CREATE TABLE radreply(
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		username TEXT NOT NULL, attribute TEXT NOT NULL,
		op TEXT NOT NULL, value TEXT NOT NULL)`,
}

var seq atomic.Int64

// Open returns a gorm handle on a fresh database holding the controller and
// RADIUS tables.
func Open(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:dbtest%d?mode=memory&cache=shared", seq.Add(1))
	conn, err := sql.Open("sqlite", dsn)
	require.NoError(t, err)
	conn.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = conn.Close() })

	for _, stmt := range schema {
		_, err := conn.Exec(stmt)
		require.NoError(t, err)
	}

	db, err := gorm.Open(mysql.New(mysql.Config{Conn: conn, SkipInitializeWithVersion: true}), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	return db
}
