// Package export fans accepted checkpoints out to downstream systems after
// they are durably stored. Export is asynchronous and never affects the
// ingestion response.
package export

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ILLUVRSE/flowlens/internal/models"
)

// Sink receives stored checkpoint events.
type Sink interface {
	Name() string
	Export(ctx context.Context, ev models.CheckpointEvent) error
	Close() error
}

// envelope is the exported representation. Timestamps are UTC RFC3339.
type envelope struct {
	ID         string          `json:"id"`
	PortalID   string          `json:"portalId"`
	WorkflowID string          `json:"workflowId"`
	ObjectType string          `json:"objectType"`
	ObjectID   string          `json:"objectId"`
	Checkpoint string          `json:"checkpoint"`
	StepName   string          `json:"stepName"`
	StepID     string          `json:"stepId,omitempty"`
	Conditions json.RawMessage `json:"conditions,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	CreatedAt  string          `json:"createdAt"`
}

func encodeEvent(ev models.CheckpointEvent) ([]byte, error) {
	b, err := json.Marshal(envelope{
		ID:         ev.ID.String(),
		PortalID:   ev.PortalID,
		WorkflowID: ev.WorkflowID,
		ObjectType: ev.ObjectType,
		ObjectID:   ev.ObjectID,
		Checkpoint: string(ev.Checkpoint),
		StepName:   ev.StepName,
		StepID:     ev.StepID,
		Conditions: ev.Conditions,
		Payload:    ev.Payload,
		CreatedAt:  ev.CreatedAt.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return nil, fmt.Errorf("encode checkpoint: %w", err)
	}
	return b, nil
}
