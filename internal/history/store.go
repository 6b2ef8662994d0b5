// Package history keeps per-key usage samples taken from published
// snapshots so the CLI can show how a credential's load changed over time.
// It is a log only; nothing reads it back into the coordinator.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/janekbaraniewski/cliproxymon/internal/core"
)

const DefaultRetentionDays = 30

// Fixed-width UTC timestamps keep captured_at ordering lexicographic.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

type Sample struct {
	InstanceID string    `json:"instance_id"`
	CapturedAt time.Time `json:"captured_at"`
	AuthIndex  int       `json:"auth_index"`
	Requests   int64     `json:"requests"`
	Tokens     int64     `json:"tokens"`
	Failed     int64     `json:"failed"`
	Success    int64     `json:"success"`
}

type Store struct {
	db  *sql.DB
	now func() time.Time
}

func OpenStore(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("history: creating DB dir: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("history: opening DB: %w", err)
	}
	if err := configureSQLiteConnection(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("history: configure DB: %w", err)
	}

	store := NewStore(db)
	if err := store.Init(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS key_usage_samples (
			instance_id TEXT NOT NULL,
			captured_at TEXT NOT NULL,
			auth_index INTEGER NOT NULL,
			requests INTEGER NOT NULL,
			tokens INTEGER NOT NULL,
			failed INTEGER NOT NULL,
			success INTEGER NOT NULL,
			PRIMARY KEY (instance_id, auth_index, captured_at)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_key_usage_samples_captured_at ON key_usage_samples(captured_at);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("history: init schema: %w", err)
		}
	}
	return nil
}

// Record writes one row per tracked key of the snapshot. Re-recording the
// same snapshot is a no-op.
func (s *Store) Record(ctx context.Context, instanceID string, snap core.Snapshot) (int, error) {
	if len(snap.Keys) == 0 {
		return 0, nil
	}
	captured := snap.Timestamp
	if captured.IsZero() {
		captured = s.now()
	}
	capturedAt := captured.UTC().Format(timeLayout)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("history: begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO key_usage_samples (
			instance_id, captured_at, auth_index, requests, tokens, failed, success
		) VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return 0, fmt.Errorf("history: prepare insert: %w", err)
	}
	defer stmt.Close()

	inserted := 0
	for _, idx := range snap.AuthIndices() {
		ku := snap.Keys[idx]
		res, err := stmt.ExecContext(ctx, instanceID, capturedAt, idx, ku.RequestCount(), ku.Tokens, ku.FailedRequests, ku.SuccessRequests)
		if err != nil {
			return 0, fmt.Errorf("history: insert sample: %w", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			inserted++
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("history: commit: %w", err)
	}
	return inserted, nil
}

// Recent returns up to limit samples for one key, newest first.
func (s *Store) Recent(ctx context.Context, instanceID string, authIndex, limit int) ([]Sample, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT instance_id, captured_at, auth_index, requests, tokens, failed, success
		FROM key_usage_samples
		WHERE instance_id = ? AND auth_index = ?
		ORDER BY captured_at DESC
		LIMIT ?
	`, instanceID, authIndex, limit)
	if err != nil {
		return nil, fmt.Errorf("history: query samples: %w", err)
	}
	defer rows.Close()

	var out []Sample
	for rows.Next() {
		var (
			sample     Sample
			capturedAt string
		)
		if err := rows.Scan(&sample.InstanceID, &capturedAt, &sample.AuthIndex, &sample.Requests, &sample.Tokens, &sample.Failed, &sample.Success); err != nil {
			return nil, fmt.Errorf("history: scan sample: %w", err)
		}
		sample.CapturedAt, err = time.Parse(timeLayout, capturedAt)
		if err != nil {
			return nil, fmt.Errorf("history: parse captured_at %q: %w", capturedAt, err)
		}
		out = append(out, sample)
	}
	return out, rows.Err()
}

// Prune deletes samples older than retentionDays.
func (s *Store) Prune(ctx context.Context, retentionDays int) (int64, error) {
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}
	cutoff := s.now().UTC().AddDate(0, 0, -retentionDays).Format(timeLayout)
	res, err := s.db.ExecContext(ctx, `DELETE FROM key_usage_samples WHERE captured_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("history: prune: %w", err)
	}
	return res.RowsAffected()
}
