package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ILLUVRSE/flowlens/internal/models"
)

// MemoryStore provides an in-memory implementation useful for tests and local runs.
type MemoryStore struct {
	mu     sync.RWMutex
	events []models.CheckpointEvent
	seq    int64
	last   time.Time

	// NowFunc allows tests to control timestamps.
	NowFunc func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}
}

func (m *MemoryStore) Append(ctx context.Context, in CheckpointInput) (models.CheckpointEvent, error) {
	in, err := normalize(in)
	if err != nil {
		return models.CheckpointEvent{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.NowFunc()
	if now.Before(m.last) {
		now = m.last
	}
	m.last = now
	m.seq++
	ev := models.CheckpointEvent{
		ID:         in.ID,
		Seq:        m.seq,
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
	}
	m.events = append(m.events, ev)
	return ev, nil
}

func (m *MemoryStore) Recent(ctx context.Context, key models.PartitionKey, limit int) ([]models.CheckpointEvent, error) {
	return m.newestFirst(clampLimit(limit, DefaultRecentLimit), func(ev models.CheckpointEvent) bool {
		return ev.Partition() == key
	}), nil
}

func (m *MemoryStore) RecentForObject(ctx context.Context, portalID, objectID string, limit int) ([]models.CheckpointEvent, error) {
	return m.newestFirst(clampLimit(limit, DefaultObjectLogLimit), func(ev models.CheckpointEvent) bool {
		return ev.PortalID == portalID && ev.ObjectID == objectID
	}), nil
}

func (m *MemoryStore) newestFirst(limit int, match func(models.CheckpointEvent) bool) []models.CheckpointEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []models.CheckpointEvent{}
	for _, ev := range m.events {
		if match(ev) {
			out = append(out, ev)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[j].Before(out[i])
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Len returns the number of stored events.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.events)
}

func (m *MemoryStore) Ping(ctx context.Context) error {
	return nil
}
