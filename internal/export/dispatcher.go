package export

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ILLUVRSE/flowlens/internal/models"
)

type DispatcherConfig struct {
	// QueueSize bounds the number of pending events. Defaults to 1024.
	QueueSize int

	// Workers is the number of concurrent exporters. Defaults to 2.
	Workers int

	// ExportTimeout bounds one event's delivery to all sinks. Defaults to 30s.
	ExportTimeout time.Duration
}

// Dispatcher delivers stored events to its sinks in the background. When the
// queue is full new events are dropped and logged; the store stays the source
// of truth.
type Dispatcher struct {
	sinks []Sink
	cfg   DispatcherConfig
	log   *zap.Logger

	queue chan models.CheckpointEvent

	mu      sync.RWMutex
	closed  bool
	started bool
	group   *errgroup.Group
}

func NewDispatcher(cfg DispatcherConfig, log *zap.Logger, sinks ...Sink) *Dispatcher {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.ExportTimeout <= 0 {
		cfg.ExportTimeout = 30 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{
		sinks: sinks,
		cfg:   cfg,
		log:   log.Named("export"),
		queue: make(chan models.CheckpointEvent, cfg.QueueSize),
	}
}

// Sinks returns the configured sink names.
func (d *Dispatcher) Sinks() []string {
	names := make([]string, len(d.sinks))
	for i, s := range d.sinks {
		names[i] = s.Name()
	}
	return names
}

// Start launches the workers. Workers exit once Close has drained the queue.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started || d.closed {
		return
	}
	d.started = true
	d.log.Info("starting", zap.Int("workers", d.cfg.Workers), zap.Int("queue", d.cfg.QueueSize), zap.Strings("sinks", d.Sinks()))

	g := &errgroup.Group{}
	for i := 0; i < d.cfg.Workers; i++ {
		g.Go(func() error {
			for ev := range d.queue {
				d.deliver(ctx, ev)
			}
			return nil
		})
	}
	d.group = g
}

// Enqueue schedules ev for export without blocking. It reports whether the
// event was accepted.
func (d *Dispatcher) Enqueue(ev models.CheckpointEvent) bool {
	if d == nil || len(d.sinks) == 0 {
		return false
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return false
	}
	select {
	case d.queue <- ev:
		return true
	default:
		d.log.Warn("queue full, dropping checkpoint", zap.String("id", ev.ID.String()), zap.String("partition", ev.Partition().String()))
		return false
	}
}

func (d *Dispatcher) deliver(parent context.Context, ev models.CheckpointEvent) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), d.cfg.ExportTimeout)
	defer cancel()
	for _, s := range d.sinks {
		if err := s.Export(ctx, ev); err != nil {
			d.log.Error("export failed", zap.String("sink", s.Name()), zap.String("id", ev.ID.String()), zap.Error(err))
			continue
		}
		d.log.Debug("exported", zap.String("sink", s.Name()), zap.String("id", ev.ID.String()))
	}
}

// Close stops accepting events, waits for queued events to be delivered and
// closes every sink.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.queue)
	group := d.group
	d.mu.Unlock()

	if group != nil {
		_ = group.Wait()
	}
	var firstErr error
	for _, s := range d.sinks {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	d.log.Info("stopped")
	return firstErr
}
