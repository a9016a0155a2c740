package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	gocache "github.com/patrickmn/go-cache"

	"github.com/ppiankov/evigate/internal/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	run_id            TEXT PRIMARY KEY,
	status            TEXT NOT NULL DEFAULT 'pending',
	lease_token       TEXT NOT NULL DEFAULT '',
	lease_expires_at  TIMESTAMP,
	approval_nonce    TEXT NOT NULL DEFAULT '',
	context_snapshot  TEXT NOT NULL DEFAULT '{}',
	refetch_attempted INTEGER NOT NULL DEFAULT 0,
	worker_health     TEXT NOT NULL DEFAULT '',
	updated_at        TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS run_events (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id     TEXT NOT NULL,
	event_type TEXT NOT NULL,
	payload    TEXT NOT NULL DEFAULT '{}',
	action_id  TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_run_events_run ON run_events(run_id, created_at);
`

// SQLite is the durable store backend. Reads go through a short-TTL memory
// cache that every write invalidates, so CheckStatus polling stays cheap.
type SQLite struct {
	db    *sql.DB
	cache *gocache.Cache
}

// NewSQLite opens (and if needed initializes) the store at dsn.
func NewSQLite(dsn string, cacheTTL time.Duration) (*SQLite, error) {
	db, err := sql.Open("sqlite3", dsn+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	if cacheTTL <= 0 {
		cacheTTL = 5 * time.Second
	}
	return &SQLite{
		db:    db,
		cache: gocache.New(cacheTTL, 2*cacheTTL),
	}, nil
}

func (s *SQLite) Get(ctx context.Context, runID string) (Row, error) {
	if cached, found := s.cache.Get(runID); found {
		row := cached.(Row)
		row.ContextSnapshot = model.CloneSnapshot(row.ContextSnapshot)
		return row, nil
	}

	var (
		row       Row
		snapshot  string
		refetch   int
		leaseExp  sql.NullTime
		updatedAt time.Time
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT run_id, status, lease_token, lease_expires_at, approval_nonce,
		       context_snapshot, refetch_attempted, worker_health, updated_at
		FROM runs WHERE run_id = ?`, runID).
		Scan(&row.RunID, &row.Status, &row.LeaseToken, &leaseExp, &row.ApprovalNonce,
			&snapshot, &refetch, &row.WorkerHealth, &updatedAt)
	if err == sql.ErrNoRows {
		return Row{}, ErrNotFound
	}
	if err != nil {
		return Row{}, fmt.Errorf("get run %s: %w", runID, err)
	}

	if leaseExp.Valid {
		row.LeaseExpiry = leaseExp.Time
	}
	row.RefetchAttempted = refetch != 0
	row.UpdatedAt = updatedAt
	if err := json.Unmarshal([]byte(snapshot), &row.ContextSnapshot); err != nil {
		row.ContextSnapshot = map[string]interface{}{}
	}

	s.cache.SetDefault(runID, row)
	// The cached copy and the returned copy must not share the snapshot.
	row.ContextSnapshot = model.CloneSnapshot(row.ContextSnapshot)
	return row, nil
}

func (s *SQLite) Update(ctx context.Context, runID string, fields Fields, pre *Precondition) (bool, error) {
	if len(fields) == 0 {
		return true, nil
	}

	keys := make([]string, 0, len(fields))
	for key := range fields {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	set := ""
	args := make([]interface{}, 0, len(fields)+3)
	for _, key := range keys {
		value, err := columnValue(key, fields[key])
		if err != nil {
			return false, err
		}
		if set != "" {
			set += ", "
		}
		set += key + " = ?"
		args = append(args, value)
	}
	set += ", updated_at = ?"
	args = append(args, time.Now().UTC())

	query := "UPDATE runs SET " + set + " WHERE run_id = ?"
	args = append(args, runID)
	if pre != nil {
		query += " AND status = ? AND approval_nonce = ?"
		args = append(args, string(pre.Status), pre.ApprovalNonce)
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("update run %s: %w", runID, err)
	}
	s.cache.Delete(runID)

	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update run %s: rows affected: %w", runID, err)
	}
	return affected > 0, nil
}

func (s *SQLite) InsertEvent(ctx context.Context, runID, eventType string, payload map[string]interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO run_events (run_id, event_type, payload, action_id, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		runID, eventType, string(raw), uuid.NewString(), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("insert event %s/%s: %w", runID, eventType, err)
	}
	return nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

// CreateRun implements Leaser.
func (s *SQLite) CreateRun(ctx context.Context, runID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO runs (run_id, status, updated_at) VALUES (?, ?, ?)`,
		runID, string(model.StatusPending), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("create run %s: %w", runID, err)
	}
	s.cache.Delete(runID)
	return nil
}

// AcquireLease implements Leaser. The conditional update enforces at most
// one unexpired lease per run.
func (s *SQLite) AcquireLease(ctx context.Context, runID, owner string, d time.Duration) (string, bool, error) {
	if err := s.CreateRun(ctx, runID); err != nil {
		return "", false, err
	}

	token := uuid.NewString()
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET lease_token = ?, lease_expires_at = ?, updated_at = ?
		WHERE run_id = ? AND (lease_token = '' OR lease_expires_at <= ?)`,
		token, now.Add(d), now, runID, now)
	if err != nil {
		return "", false, fmt.Errorf("acquire lease %s: %w", runID, err)
	}
	s.cache.Delete(runID)

	affected, err := res.RowsAffected()
	if err != nil {
		return "", false, fmt.Errorf("acquire lease %s: rows affected: %w", runID, err)
	}
	if affected == 0 {
		return "", false, nil
	}

	_ = s.InsertEvent(ctx, runID, "lease_acquired", map[string]interface{}{
		"owner":   owner,
		"expires": now.Add(d).Format(time.RFC3339),
	})
	return token, true, nil
}

// ReleaseLease implements Leaser.
func (s *SQLite) ReleaseLease(ctx context.Context, runID, token string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE runs SET lease_token = '', lease_expires_at = NULL, updated_at = ?
		WHERE run_id = ? AND lease_token = ?`,
		time.Now().UTC(), runID, token)
	if err != nil {
		return fmt.Errorf("release lease %s: %w", runID, err)
	}
	s.cache.Delete(runID)
	return nil
}

// ForceUnlock implements Leaser. The operator identity and reason land in
// the audit log before the lease clears.
func (s *SQLite) ForceUnlock(ctx context.Context, runID, operator, reason string) error {
	if err := s.InsertEvent(ctx, runID, "force_unlock", map[string]interface{}{
		"operator": operator,
		"reason":   reason,
	}); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE runs SET lease_token = '', lease_expires_at = NULL, updated_at = ?
		WHERE run_id = ?`,
		time.Now().UTC(), runID)
	if err != nil {
		return fmt.Errorf("force unlock %s: %w", runID, err)
	}
	s.cache.Delete(runID)
	return nil
}

// EventCount returns how many audit events a run has. Used by operational
// tooling and tests.
func (s *SQLite) EventCount(ctx context.Context, runID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM run_events WHERE run_id = ?`, runID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count events %s: %w", runID, err)
	}
	return n, nil
}

// columnValue converts a field value into its column representation.
func columnValue(key string, value interface{}) (interface{}, error) {
	switch key {
	case "status":
		switch v := value.(type) {
		case model.RunStatus:
			return string(v), nil
		case string:
			return v, nil
		}
		return nil, fmt.Errorf("store: bad status value %T", value)
	case "approval_nonce", "worker_health":
		if s, ok := value.(string); ok {
			return s, nil
		}
		return nil, fmt.Errorf("store: bad %s value %T", key, value)
	case "refetch_attempted":
		if b, ok := value.(bool); ok {
			if b {
				return 1, nil
			}
			return 0, nil
		}
		return nil, fmt.Errorf("store: bad refetch_attempted value %T", value)
	case "context_snapshot":
		switch v := value.(type) {
		case string:
			return v, nil
		case map[string]interface{}:
			raw, err := json.Marshal(v)
			if err != nil {
				return nil, fmt.Errorf("store: marshal context_snapshot: %w", err)
			}
			return string(raw), nil
		}
		return nil, fmt.Errorf("store: bad context_snapshot value %T", value)
	default:
		return nil, fmt.Errorf("store: unknown field %q", key)
	}
}
