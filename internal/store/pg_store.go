package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ILLUVRSE/flowlens/internal/models"
)

// PGSchema creates the checkpoint table. created_at uses clock_timestamp() so
// rows inserted in one transaction still get distinct times; seq breaks ties.
const PGSchema = `
CREATE TABLE IF NOT EXISTS checkpoint_events (
	seq         BIGSERIAL PRIMARY KEY,
	id          UUID NOT NULL UNIQUE,
	portal_id   TEXT NOT NULL,
	workflow_id TEXT NOT NULL,
	object_type TEXT NOT NULL DEFAULT 'deal',
	object_id   TEXT NOT NULL,
	checkpoint  TEXT NOT NULL CHECK (checkpoint IN ('START', 'BRANCH', 'ACTION')),
	step_name   TEXT NOT NULL,
	step_id     TEXT,
	conditions  JSONB,
	payload     JSONB,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT clock_timestamp()
);

CREATE INDEX IF NOT EXISTS idx_checkpoint_events_partition
ON checkpoint_events (portal_id, workflow_id, object_id, created_at DESC, seq DESC);

CREATE INDEX IF NOT EXISTS idx_checkpoint_events_object
ON checkpoint_events (portal_id, object_id, created_at DESC, seq DESC);
`

const pgColumns = `seq, id, portal_id, workflow_id, object_type, object_id, checkpoint, step_name, step_id, conditions, payload, created_at`

type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, PGSchema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (s *PGStore) Append(ctx context.Context, in CheckpointInput) (models.CheckpointEvent, error) {
	in, err := normalize(in)
	if err != nil {
		return models.CheckpointEvent{}, err
	}
	query := `
		INSERT INTO checkpoint_events (id, portal_id, workflow_id, object_type, object_id, checkpoint, step_name, step_id, conditions, payload)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		RETURNING seq, created_at
	`
	var (
		seq       int64
		createdAt time.Time
	)
	err = s.db.QueryRowContext(ctx, query,
		in.ID,
		in.PortalID,
		in.WorkflowID,
		in.ObjectType,
		in.ObjectID,
		string(in.Checkpoint),
		in.StepName,
		nullableString(in.StepID),
		nullableJSON(in.Conditions),
		nullableJSON(in.Payload),
	).Scan(&seq, &createdAt)
	if err != nil {
		return models.CheckpointEvent{}, fmt.Errorf("insert checkpoint: %w", err)
	}
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
		CreatedAt:  createdAt.UTC(),
	}, nil
}

func (s *PGStore) Recent(ctx context.Context, key models.PartitionKey, limit int) ([]models.CheckpointEvent, error) {
	query := `SELECT ` + pgColumns + `
		FROM checkpoint_events
		WHERE portal_id=$1 AND workflow_id=$2 AND object_id=$3
		ORDER BY created_at DESC, seq DESC
		LIMIT $4`
	return s.query(ctx, query, key.PortalID, key.WorkflowID, key.ObjectID, clampLimit(limit, DefaultRecentLimit))
}

func (s *PGStore) RecentForObject(ctx context.Context, portalID, objectID string, limit int) ([]models.CheckpointEvent, error) {
	query := `SELECT ` + pgColumns + `
		FROM checkpoint_events
		WHERE portal_id=$1 AND object_id=$2
		ORDER BY created_at DESC, seq DESC
		LIMIT $3`
	return s.query(ctx, query, portalID, objectID, clampLimit(limit, DefaultObjectLogLimit))
}

func (s *PGStore) query(ctx context.Context, query string, args ...any) ([]models.CheckpointEvent, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query checkpoints: %w", err)
	}
	defer rows.Close()

	out := []models.CheckpointEvent{}
	for rows.Next() {
		var (
			ev                  models.CheckpointEvent
			kind                string
			stepID              sql.NullString
			conditions, payload []byte
		)
		if err := rows.Scan(&ev.Seq, &ev.ID, &ev.PortalID, &ev.WorkflowID, &ev.ObjectType, &ev.ObjectID, &kind, &ev.StepName, &stepID, &conditions, &payload, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		ev.Checkpoint = models.CheckpointKind(kind)
		ev.StepID = stepID.String
		if len(conditions) > 0 {
			ev.Conditions = append([]byte(nil), conditions...)
		}
		if len(payload) > 0 {
			ev.Payload = append([]byte(nil), payload...)
		}
		ev.CreatedAt = ev.CreatedAt.UTC()
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate checkpoints: %w", err)
	}
	return out, nil
}

func (s *PGStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("db ping: %w", err)
	}
	return nil
}
