package store

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"

	"github.com/google/uuid"

	"github.com/ILLUVRSE/flowlens/internal/models"
)

const (
	DefaultRecentLimit    = 20
	DefaultObjectLogLimit = 50
	// MaxLimit caps any single read.
	MaxLimit = 500
)

// Store is the append-only checkpoint log.
type Store interface {
	// Append validates and persists a checkpoint, assigning its creation time.
	// Nothing is written when validation fails.
	Append(ctx context.Context, in CheckpointInput) (models.CheckpointEvent, error)

	// Recent returns up to limit events of the exact partition, most recent first.
	// An empty partition yields an empty slice and a nil error.
	Recent(ctx context.Context, key models.PartitionKey, limit int) ([]models.CheckpointEvent, error)

	// RecentForObject returns up to limit events for a subject across all of
	// a portal's workflows, most recent first.
	RecentForObject(ctx context.Context, portalID, objectID string, limit int) ([]models.CheckpointEvent, error)

	Ping(ctx context.Context) error
}

// CheckpointInput is a candidate event lacking only server-assigned fields.
type CheckpointInput struct {
	ID         uuid.UUID
	PortalID   string
	WorkflowID string
	ObjectType string
	ObjectID   string
	Checkpoint models.CheckpointKind
	StepName   string
	StepID     string
	Conditions json.RawMessage
	Payload    json.RawMessage
}

// normalize validates in and fills defaults. The returned input is safe to persist.
func normalize(in CheckpointInput) (CheckpointInput, error) {
	var missing []string
	if strings.TrimSpace(in.PortalID) == "" {
		missing = append(missing, "portalId")
	}
	if strings.TrimSpace(in.WorkflowID) == "" {
		missing = append(missing, "workflowId")
	}
	if strings.TrimSpace(in.ObjectID) == "" {
		missing = append(missing, "objectId")
	}
	if strings.TrimSpace(in.StepName) == "" {
		missing = append(missing, "stepName")
	}
	if len(missing) > 0 {
		return CheckpointInput{}, models.Invalidf("missing required fields: %s", strings.Join(missing, ", "))
	}
	if !in.Checkpoint.Valid() {
		return CheckpointInput{}, models.Invalidf("Invalid checkpoint value. Must be START, BRANCH, or ACTION")
	}
	if in.ObjectType == "" {
		in.ObjectType = models.DefaultObjectType
	}
	if in.ID == uuid.Nil {
		in.ID = uuid.New()
	}
	in.Conditions = optionalJSON(in.Conditions)
	in.Payload = optionalJSON(in.Payload)
	return in, nil
}

// optionalJSON drops absent and null values and copies the rest.
func optionalJSON(raw json.RawMessage) json.RawMessage {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}
	return append(json.RawMessage(nil), trimmed...)
}

func clampLimit(limit, fallback int) int {
	if limit <= 0 {
		return fallback
	}
	if limit > MaxLimit {
		return MaxLimit
	}
	return limit
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
