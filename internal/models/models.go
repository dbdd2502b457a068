package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CheckpointKind is the structural point in a workflow a checkpoint was recorded at.
type CheckpointKind string

const (
	KindStart  CheckpointKind = "START"
	KindBranch CheckpointKind = "BRANCH"
	KindAction CheckpointKind = "ACTION"
)

// DefaultObjectType is used when the instrumentation does not name the subject type.
const DefaultObjectType = "deal"

func (k CheckpointKind) Valid() bool {
	switch k {
	case KindStart, KindBranch, KindAction:
		return true
	}
	return false
}

func ParseCheckpointKind(s string) (CheckpointKind, error) {
	k := CheckpointKind(s)
	if !k.Valid() {
		return "", Invalidf("Invalid checkpoint value. Must be START, BRANCH, or ACTION")
	}
	return k, nil
}

// PartitionKey scopes a checkpoint sequence for lookup.
type PartitionKey struct {
	PortalID   string
	WorkflowID string
	ObjectID   string
}

func (p PartitionKey) String() string {
	return fmt.Sprintf("%s/%s/%s", p.PortalID, p.WorkflowID, p.ObjectID)
}

// CheckpointEvent is a single recorded fact about a workflow execution. Events
// are written once and never modified.
type CheckpointEvent struct {
	ID         uuid.UUID       `json:"id"`
	Seq        int64           `json:"-"`
	PortalID   string          `json:"portalId"`
	WorkflowID string          `json:"workflowId"`
	ObjectType string          `json:"objectType"`
	ObjectID   string          `json:"objectId"`
	Checkpoint CheckpointKind  `json:"checkpoint"`
	StepName   string          `json:"stepName"`
	StepID     string          `json:"stepId,omitempty"`
	Conditions json.RawMessage `json:"conditions,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
}

func (e CheckpointEvent) Partition() PartitionKey {
	return PartitionKey{PortalID: e.PortalID, WorkflowID: e.WorkflowID, ObjectID: e.ObjectID}
}

// Before reports whether e was recorded before other. Timestamp ties fall back
// to insertion order.
func (e CheckpointEvent) Before(other CheckpointEvent) bool {
	if !e.CreatedAt.Equal(other.CreatedAt) {
		return e.CreatedAt.Before(other.CreatedAt)
	}
	return e.Seq < other.Seq
}

// Attributes are external subject properties used to enrich explanations.
// Values are scalars or nil.
type Attributes map[string]any

// ErrValidation marks errors caused by malformed or incomplete caller input.
var ErrValidation = errors.New("validation failed")

// ValidationError carries a caller-facing rejection reason.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return e.Reason }

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

func Invalidf(format string, args ...any) error {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}
