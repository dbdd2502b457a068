package export

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/ILLUVRSE/flowlens/internal/models"
)

func sampleEvent() models.CheckpointEvent {
	return models.CheckpointEvent{
		ID:         uuid.MustParse("8f8f4a3e-5d3c-4b55-9a8e-0c2a7d1f9b11"),
		Seq:        1,
		PortalID:   "123",
		WorkflowID: "wf-1",
		ObjectType: "deal",
		ObjectID:   "d-1",
		Checkpoint: models.KindAction,
		StepName:   "Send email",
		Payload:    json.RawMessage(`{"status":"ok"}`),
		CreatedAt:  time.Date(2025, 3, 7, 9, 30, 0, 0, time.UTC),
	}
}

type fakeWriter struct {
	mu     sync.Mutex
	fails  int
	calls  int
	msgs   []kafka.Message
	closed bool
}

func (f *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.fails {
		return errors.New("leader not available")
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error {
	f.closed = true
	return nil
}

func TestKafkaPublisherKeysByPartition(t *testing.T) {
	w := &fakeWriter{fails: 1}
	p := newKafkaPublisher(w, KafkaConfig{MaxAttempts: 3})
	p.backoff = time.Millisecond

	ev := sampleEvent()
	require.NoError(t, p.Export(context.Background(), ev))
	require.Len(t, w.msgs, 1)
	assert.Equal(t, 2, w.calls)
	assert.Equal(t, ev.Partition().String(), string(w.msgs[0].Key))

	var got map[string]any
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &got))
	assert.Equal(t, "ACTION", got["checkpoint"])
	assert.Equal(t, "2025-03-07T09:30:00Z", got["createdAt"])
	assert.Equal(t, map[string]any{"status": "ok"}, got["payload"])

	require.NoError(t, p.Close())
	assert.True(t, w.closed)
}

func TestKafkaPublisherGivesUp(t *testing.T) {
	w := &fakeWriter{fails: 10}
	p := newKafkaPublisher(w, KafkaConfig{MaxAttempts: 2})
	p.backoff = time.Millisecond

	err := p.Export(context.Background(), sampleEvent())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 2 attempts")
	assert.Equal(t, 2, w.calls)
}

func TestNewKafkaPublisherRequiresBrokers(t *testing.T) {
	_, err := NewKafkaPublisher(KafkaConfig{})
	assert.Error(t, err)
}

type fakeUploader struct {
	input *s3.PutObjectInput
	body  []byte
	err   error
}

func (f *fakeUploader) Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error) {
	f.input = input
	f.body, _ = io.ReadAll(input.Body)
	if f.err != nil {
		return nil, f.err
	}
	return &manager.UploadOutput{Key: input.Key}, nil
}

func TestS3ArchiverUploadsDatePartitionedKey(t *testing.T) {
	up := &fakeUploader{}
	a := &S3Archiver{bucket: "flowlens-archive", prefix: "prod", uploader: up}

	ev := sampleEvent()
	require.NoError(t, a.Export(context.Background(), ev))
	require.NotNil(t, up.input)
	assert.Equal(t, "flowlens-archive", aws.ToString(up.input.Bucket))
	assert.Equal(t, "prod/checkpoints/123/2025/03/07/8f8f4a3e-5d3c-4b55-9a8e-0c2a7d1f9b11.json", aws.ToString(up.input.Key))
	assert.Equal(t, s3types.ServerSideEncryptionAes256, up.input.ServerSideEncryption)
	assert.Contains(t, string(up.body), `"stepName":"Send email"`)
}

func TestS3ArchiverWrapsUploadError(t *testing.T) {
	a := &S3Archiver{bucket: "b", uploader: &fakeUploader{err: errors.New("access denied")}}
	err := a.Export(context.Background(), sampleEvent())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "s3 upload failed")
	assert.Equal(t, "checkpoints/123/2025/03/07/8f8f4a3e-5d3c-4b55-9a8e-0c2a7d1f9b11.json", a.ObjectKey(sampleEvent()))
}

func TestS3ArchiverKeepsPortalInsideCheckpointsPrefix(t *testing.T) {
	a := &S3Archiver{prefix: "prod"}
	cases := map[string]string{
		"../../x": "prod/checkpoints/..%2F..%2Fx/",
		"..":      "prod/checkpoints/%2E%2E_/",
		"":        "prod/checkpoints/_/",
		"a/b":     "prod/checkpoints/a%2Fb/",
	}
	for portal, want := range cases {
		ev := sampleEvent()
		ev.PortalID = portal
		key := a.ObjectKey(ev)
		assert.True(t, strings.HasPrefix(key, want), "portal %q gave %q", portal, key)
	}
}

type recordingSink struct {
	name   string
	mu     sync.Mutex
	got    []uuid.UUID
	err    error
	block  chan struct{}
	closed bool
}

func (r *recordingSink) Name() string { return r.name }

func (r *recordingSink) Export(ctx context.Context, ev models.CheckpointEvent) error {
	if r.block != nil {
		<-r.block
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, ev.ID)
	return r.err
}

func (r *recordingSink) Close() error {
	r.closed = true
	return nil
}

func (r *recordingSink) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.got)
}

func TestDispatcherDeliversToAllSinksAndDrainsOnClose(t *testing.T) {
	defer goleak.VerifyNone(t)

	ok := &recordingSink{name: "ok"}
	failing := &recordingSink{name: "failing", err: errors.New("boom")}
	core, logs := observer.New(zapcore.ErrorLevel)
	d := NewDispatcher(DispatcherConfig{Workers: 3}, zap.New(core), ok, failing)
	d.Start(context.Background())

	for i := 0; i < 10; i++ {
		ev := sampleEvent()
		ev.ID = uuid.New()
		require.True(t, d.Enqueue(ev))
	}
	require.NoError(t, d.Close())

	assert.Equal(t, 10, ok.count())
	assert.Equal(t, 10, failing.count())
	assert.Equal(t, 10, logs.Len())
	assert.True(t, ok.closed)
	assert.False(t, d.Enqueue(sampleEvent()), "closed dispatcher rejects events")
	require.NoError(t, d.Close())
}

func TestDispatcherDropsWhenFull(t *testing.T) {
	defer goleak.VerifyNone(t)

	block := make(chan struct{})
	sink := &recordingSink{name: "slow", block: block}
	core, logs := observer.New(zapcore.WarnLevel)
	d := NewDispatcher(DispatcherConfig{Workers: 1, QueueSize: 1}, zap.New(core), sink)

	assert.True(t, d.Enqueue(sampleEvent()))
	assert.False(t, d.Enqueue(sampleEvent()))
	assert.Equal(t, 1, logs.FilterMessage("queue full, dropping checkpoint").Len())

	d.Start(context.Background())
	close(block)
	require.NoError(t, d.Close())
	assert.Equal(t, 1, sink.count())
}

func TestDispatcherWithoutSinks(t *testing.T) {
	d := NewDispatcher(DispatcherConfig{}, nil)
	assert.False(t, d.Enqueue(sampleEvent()))
	assert.Empty(t, d.Sinks())
	require.NoError(t, d.Close())
}
