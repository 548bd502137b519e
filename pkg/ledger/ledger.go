// Package ledger keeps a local record of reconciliations so the controller
// can tell which identities have policy changes not yet applied.
package ledger

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"netauth/pkg/model"
)

const (
	OpApply    = "apply"
	OpPartial  = "partial"
	OpFailed   = "failed"
	OpTeardown = "teardown"
)

// Entry is one recorded reconciliation.
type Entry struct {
	RunID    string    `json:"runId"`
	Identity string    `json:"identity"`
	RuleHash string    `json:"ruleHash"`
	Op       string    `json:"op"`
	Detail   string    `json:"detail,omitempty"`
	Time     time.Time `json:"time"`
}

type Ledger struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS apply_ops(run_id TEXT, identity TEXT, rule_hash TEXT, op TEXT, detail TEXT, ts INTEGER);
CREATE INDEX IF NOT EXISTS idx_apply_ops_identity ON apply_ops(identity, ts);`

// Open opens (creating if needed) the sqlite ledger at path. ":memory:" is
// accepted for tests.
func Open(ctx context.Context, path string) (*Ledger, error) {
	dsn := "file::memory:"
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("ledger dir: %w", err)
		}
		dsn = "file:" + path + "?_pragma=busy_timeout=5000"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping ledger: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init ledger schema: %w", err)
	}
	return &Ledger{db: db}, nil
}

func (l *Ledger) Close() error { return l.db.Close() }

type hashedRule struct {
	Target   string `json:"t"`
	Protocol string `json:"p"`
	Port     string `json:"o,omitempty"`
	Action   string `json:"a"`
}

// HashPolicy produces a stable hash of what an apply would install: the
// source IP plus the enabled rules in order.
func HashPolicy(ip string, rules []model.SecurityRule) string {
	doc := struct {
		IP    string       `json:"ip"`
		Rules []hashedRule `json:"rules"`
	}{IP: ip, Rules: []hashedRule{}}
	for _, r := range rules {
		if r.Status() != model.RuleEnabled {
			continue
		}
		doc.Rules = append(doc.Rules, hashedRule{Target: r.Target, Protocol: r.Protocol, Port: r.Port, Action: r.Action})
	}
	b, _ := json.Marshal(doc)
	h := sha256.Sum256(b)
	return hex.EncodeToString(h[:])
}

// Record appends an entry stamped with the current time.
func (l *Ledger) Record(ctx context.Context, e Entry) error {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO apply_ops(run_id, identity, rule_hash, op, detail, ts) VALUES(?,?,?,?,?,?)`,
		e.RunID, e.Identity, e.RuleHash, e.Op, e.Detail, e.Time.UnixNano())
	if err != nil {
		return fmt.Errorf("record %s for %s: %w", e.Op, e.Identity, err)
	}
	return nil
}

// Last returns the newest entry for identity whose op converged the host
// (apply, partial or teardown).
func (l *Ledger) Last(ctx context.Context, identity string) (Entry, bool, error) {
	row := l.db.QueryRowContext(ctx,
		`SELECT run_id, identity, rule_hash, op, detail, ts FROM apply_ops
		 WHERE identity = ? AND op IN (?, ?, ?) ORDER BY ts DESC, rowid DESC LIMIT 1`,
		identity, OpApply, OpPartial, OpTeardown)
	e, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("last entry for %s: %w", identity, err)
	}
	return e, true, nil
}

// Pending reports whether hash differs from the last fully applied policy.
func (l *Ledger) Pending(ctx context.Context, identity, hash string) (bool, error) {
	last, ok, err := l.Last(ctx, identity)
	if err != nil {
		return false, err
	}
	if !ok || last.Op != OpApply {
		return true, nil
	}
	return last.RuleHash != hash, nil
}

// History returns up to limit entries for identity, newest first.
func (l *Ledger) History(ctx context.Context, identity string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := l.db.QueryContext(ctx,
		`SELECT run_id, identity, rule_hash, op, detail, ts FROM apply_ops
		 WHERE identity = ? ORDER BY ts DESC, rowid DESC LIMIT ?`, identity, limit)
	if err != nil {
		return nil, fmt.Errorf("history for %s: %w", identity, err)
	}
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Purge drops the records of identities not in keep.
func (l *Ledger) Purge(ctx context.Context, keep map[string]struct{}) (int, error) {
	rows, err := l.db.QueryContext(ctx, `SELECT identity FROM apply_ops GROUP BY identity`)
	if err != nil {
		return 0, fmt.Errorf("list ledger identities: %w", err)
	}
	var stale []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, err
		}
		if _, ok := keep[id]; !ok {
			stale = append(stale, id)
		}
	}
	rows.Close()
	for _, id := range stale {
		if _, err := l.db.ExecContext(ctx, `DELETE FROM apply_ops WHERE identity = ?`, id); err != nil {
			return 0, fmt.Errorf("purge %s: %w", id, err)
		}
	}
	return len(stale), nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(s scanner) (Entry, error) {
	var (
		e  Entry
		ts int64
	)
	if err := s.Scan(&e.RunID, &e.Identity, &e.RuleHash, &e.Op, &e.Detail, &ts); err != nil {
		return Entry{}, err
	}
	e.Time = time.Unix(0, ts)
	return e, nil
}
