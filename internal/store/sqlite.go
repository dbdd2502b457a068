package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/ILLUVRSE/flowlens/internal/models"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS flowlens_logs (
	seq         INTEGER PRIMARY KEY AUTOINCREMENT,
	id          TEXT NOT NULL UNIQUE,
	portal_id   TEXT NOT NULL,
	workflow_id TEXT NOT NULL,
	object_type TEXT NOT NULL DEFAULT 'deal',
	object_id   TEXT NOT NULL,
	checkpoint  TEXT NOT NULL CHECK (checkpoint IN ('START', 'BRANCH', 'ACTION')),
	step_name   TEXT NOT NULL,
	step_id     TEXT,
	conditions  TEXT,
	payload     TEXT,
	created_at  INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_logs_partition
ON flowlens_logs(portal_id, workflow_id, object_id, created_at DESC, seq DESC);

CREATE INDEX IF NOT EXISTS idx_logs_object
ON flowlens_logs(portal_id, object_id, created_at DESC, seq DESC);
`

const sqliteColumns = `seq, id, portal_id, workflow_id, object_type, object_id, checkpoint, step_name, step_id, conditions, payload, created_at`

// SQLiteStore persists checkpoints in a local SQLite database. Writes go
// through a single connection; reads use a separate read-only pool.
type SQLiteStore struct {
	db     *sql.DB
	readDB *sql.DB
	path   string

	mu   sync.Mutex // serializes writers and timestamp assignment
	last time.Time

	// NowFunc allows tests to control timestamps.
	NowFunc func() time.Time
}

// NewSQLiteStore opens (creating if needed) the database at path and applies the schema.
func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?_journal_mode=WAL&_synchronous=FULL&_busy_timeout=5000&_txlock=immediate", path))
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &SQLiteStore{
		db:   db,
		path: path,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}
	if err := s.EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.loadLast(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if path == ":memory:" {
		s.readDB = db
		return s, nil
	}
	readDB, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?mode=ro&_busy_timeout=5000", path))
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: open read pool: %w", err)
	}
	readDB.SetMaxOpenConns(4)
	readDB.SetMaxIdleConns(4)
	readDB.SetConnMaxLifetime(5 * time.Minute)
	s.readDB = readDB
	return s, nil
}

func (s *SQLiteStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, sqliteSchema); err != nil {
		return fmt.Errorf("sqlite: apply schema: %w", err)
	}
	return nil
}

func (s *SQLiteStore) loadLast(ctx context.Context) error {
	var last sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(created_at) FROM flowlens_logs`).Scan(&last); err != nil {
		return fmt.Errorf("sqlite: load last timestamp: %w", err)
	}
	if last.Valid {
		s.last = time.Unix(0, last.Int64).UTC()
	}
	return nil
}

func (s *SQLiteStore) Append(ctx context.Context, in CheckpointInput) (models.CheckpointEvent, error) {
	in, err := normalize(in)
	if err != nil {
		return models.CheckpointEvent{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.NowFunc().UTC()
	if now.Before(s.last) {
		now = s.last
	}

	const query = `
		INSERT INTO flowlens_logs (id, portal_id, workflow_id, object_type, object_id, checkpoint, step_name, step_id, conditions, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	res, err := s.db.ExecContext(ctx, query,
		in.ID.String(),
		in.PortalID,
		in.WorkflowID,
		in.ObjectType,
		in.ObjectID,
		string(in.Checkpoint),
		in.StepName,
		nullableString(in.StepID),
		nullableJSON(in.Conditions),
		nullableJSON(in.Payload),
		now.UnixNano(),
	)
	if err != nil {
		return models.CheckpointEvent{}, fmt.Errorf("insert checkpoint: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return models.CheckpointEvent{}, fmt.Errorf("insert checkpoint: %w", err)
	}
	s.last = now

	return models.CheckpointEvent{
		ID:         in.ID,
		Seq:        seq,
		PortalID:   in.PortalID,
		WorkflowID: in.WorkflowID,
		ObjectType: in.ObjectType,
		ObjectID:   in.ObjectID,
		Checkpoint: in.Checkpoint,
		StepName:   in.StepName,
		StepID:     in.StepID,
		Conditions: in.Conditions,
		Payload:    in.Payload,
		CreatedAt:  now,
	}, nil
}

func (s *SQLiteStore) Recent(ctx context.Context, key models.PartitionKey, limit int) ([]models.CheckpointEvent, error) {
	query := `SELECT ` + sqliteColumns + `
		FROM flowlens_logs
		WHERE portal_id = ? AND workflow_id = ? AND object_id = ?
		ORDER BY created_at DESC, seq DESC
		LIMIT ?`
	return s.query(ctx, query, key.PortalID, key.WorkflowID, key.ObjectID, clampLimit(limit, DefaultRecentLimit))
}

func (s *SQLiteStore) RecentForObject(ctx context.Context, portalID, objectID string, limit int) ([]models.CheckpointEvent, error) {
	query := `SELECT ` + sqliteColumns + `
		FROM flowlens_logs
		WHERE portal_id = ? AND object_id = ?
		ORDER BY created_at DESC, seq DESC
		LIMIT ?`
	return s.query(ctx, query, portalID, objectID, clampLimit(limit, DefaultObjectLogLimit))
}

func (s *SQLiteStore) query(ctx context.Context, query string, args ...any) ([]models.CheckpointEvent, error) {
	rows, err := s.readDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query checkpoints: %w", err)
	}
	defer rows.Close()

	out := []models.CheckpointEvent{}
	for rows.Next() {
		var (
			ev                  models.CheckpointEvent
			id, kind            string
			stepID              sql.NullString
			conditions, payload sql.NullString
			createdAt           int64
		)
		if err := rows.Scan(&ev.Seq, &id, &ev.PortalID, &ev.WorkflowID, &ev.ObjectType, &ev.ObjectID, &kind, &ev.StepName, &stepID, &conditions, &payload, &createdAt); err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		parsed, err := uuid.Parse(id)
		if err != nil {
			return nil, fmt.Errorf("scan checkpoint: bad id %q: %w", id, err)
		}
		ev.ID = parsed
		ev.Checkpoint = models.CheckpointKind(kind)
		ev.StepID = stepID.String
		if conditions.Valid {
			ev.Conditions = []byte(conditions.String)
		}
		if payload.Valid {
			ev.Payload = []byte(payload.String)
		}
		ev.CreatedAt = time.Unix(0, createdAt).UTC()
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate checkpoints: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.readDB.PingContext(ctx); err != nil {
		return fmt.Errorf("sqlite ping: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	if s.readDB != nil && s.readDB != s.db {
		s.readDB.Close()
	}
	return s.db.Close()
}
