package ingestion

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ILLUVRSE/flowlens/internal/models"
	"github.com/ILLUVRSE/flowlens/internal/store"
)

type recordingExporter struct {
	mu     sync.Mutex
	events []models.CheckpointEvent
}

func (r *recordingExporter) Enqueue(ev models.CheckpointEvent) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return true
}

type failingStore struct {
	store.Store
}

func (failingStore) Append(ctx context.Context, in store.CheckpointInput) (models.CheckpointEvent, error) {
	return models.CheckpointEvent{}, errors.New("disk I/O error")
}

func newService(t *testing.T) (*Service, *store.MemoryStore, *recordingExporter) {
	t.Helper()
	st := store.NewMemoryStore()
	exp := &recordingExporter{}
	svc, err := New(st, exp, nil)
	require.NoError(t, err)
	return svc, st, exp
}

func TestRecordStoresAndExports(t *testing.T) {
	svc, st, exp := newService(t)
	ev, err := svc.Record(context.Background(), []byte(`{
		"portalId": "123",
		"workflowId": "wf-1",
		"objectId": "deal-9",
		"checkpoint": "BRANCH",
		"stepName": "Amount check",
		"stepId": "s-2",
		"conditions": [{"property":"amount","operator":"GT","expectedValue":10000,"result":false,"actualValue":8500}]
	}`))
	require.NoError(t, err)
	assert.Equal(t, models.KindBranch, ev.Checkpoint)
	assert.Equal(t, "deal", ev.ObjectType)
	assert.Equal(t, "s-2", ev.StepID)
	assert.JSONEq(t, `[{"property":"amount","operator":"GT","expectedValue":10000,"result":false,"actualValue":8500}]`, string(ev.Conditions))
	assert.Nil(t, ev.Payload)
	assert.Equal(t, 1, st.Len())
	require.Len(t, exp.events, 1)
	assert.Equal(t, ev.ID, exp.events[0].ID)
}

func TestRecordAcceptsNumericIdentifiers(t *testing.T) {
	svc, _, _ := newService(t)
	ev, err := svc.Record(context.Background(), []byte(`{"portalId":4455667788,"workflowId":"wf","objectId":12345678901,"checkpoint":"START","stepName":"Enrolled","payload":null}`))
	require.NoError(t, err)
	assert.Equal(t, "4455667788", ev.PortalID)
	assert.Equal(t, "12345678901", ev.ObjectID)
	assert.Nil(t, ev.Payload)
}

func TestRecordTreatsEmptyStepIDAsAbsent(t *testing.T) {
	svc, st, _ := newService(t)
	ev, err := svc.Record(context.Background(), []byte(`{"portalId":"p","workflowId":"w","objectId":"o","checkpoint":"START","stepName":"Enrolled","stepId":""}`))
	require.NoError(t, err)
	assert.Equal(t, "", ev.StepID)
	assert.Equal(t, 1, st.Len())

	ev, err = svc.Record(context.Background(), []byte(`{"portalId":"p","workflowId":"w","objectId":"o","checkpoint":"BRANCH","stepName":"Check","stepId":42}`))
	require.NoError(t, err)
	assert.Equal(t, "42", ev.StepID)
}

func TestRecordRejections(t *testing.T) {
	cases := map[string]struct {
		body   string
		reason string
	}{
		"malformed json":     {`{"portalId":`, msgInvalidJSON},
		"not an object":      {`[1,2,3]`, msgInvalidJSON},
		"trailing data":      {`{"portalId":"p","workflowId":"w","objectId":"o","checkpoint":"START","stepName":"s"} {}`, msgInvalidJSON},
		"missing portal":     {`{"workflowId":"w","objectId":"o","checkpoint":"START","stepName":"s"}`, msgMissingFields},
		"empty step":         {`{"portalId":"p","workflowId":"w","objectId":"o","checkpoint":"START","stepName":""}`, msgMissingFields},
		"missing checkpoint": {`{"portalId":"p","workflowId":"w","objectId":"o","stepName":"s"}`, msgMissingFields},
		"unknown checkpoint": {`{"portalId":"p","workflowId":"w","objectId":"o","checkpoint":"END","stepName":"s"}`, msgInvalidCheckpoint},
		"lowercase kind":     {`{"portalId":"p","workflowId":"w","objectId":"o","checkpoint":"start","stepName":"s"}`, msgInvalidCheckpoint},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			svc, st, exp := newService(t)
			_, err := svc.Record(context.Background(), []byte(tc.body))
			require.Error(t, err)
			assert.ErrorIs(t, err, models.ErrValidation)
			assert.Equal(t, tc.reason, err.Error())
			assert.Equal(t, 0, st.Len())
			assert.Empty(t, exp.events)
		})
	}
}

func TestRecordSchemaRejections(t *testing.T) {
	cases := map[string]string{
		"scalar payload":    `{"portalId":"p","workflowId":"w","objectId":"o","checkpoint":"ACTION","stepName":"s","payload":"oops"}`,
		"scalar conditions": `{"portalId":"p","workflowId":"w","objectId":"o","checkpoint":"BRANCH","stepName":"s","conditions":42}`,
		"boolean object id": `{"portalId":"p","workflowId":"w","objectId":true,"checkpoint":"START","stepName":"s"}`,
		"numeric step name": `{"portalId":"p","workflowId":"w","objectId":"o","checkpoint":"START","stepName":7}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			svc, st, _ := newService(t)
			_, err := svc.Record(context.Background(), []byte(body))
			require.Error(t, err)
			assert.ErrorIs(t, err, models.ErrValidation)
			assert.Contains(t, err.Error(), "Invalid request body")
			assert.Equal(t, 0, st.Len())
		})
	}
}

func TestRecordStoreFaultIsNotValidation(t *testing.T) {
	exp := &recordingExporter{}
	svc, err := New(failingStore{}, exp, nil)
	require.NoError(t, err)

	_, err = svc.Record(context.Background(), []byte(`{"portalId":"p","workflowId":"w","objectId":"o","checkpoint":"START","stepName":"s"}`))
	require.Error(t, err)
	assert.NotErrorIs(t, err, models.ErrValidation)
	assert.Empty(t, exp.events)
}

func TestNewRequiresStore(t *testing.T) {
	_, err := New(nil, nil, nil)
	assert.Error(t, err)
}
