// Package explain answers "why did this workflow behave this way for this
// subject" by combining recent checkpoints with optional CRM context.
package explain

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ILLUVRSE/flowlens/internal/engine"
	"github.com/ILLUVRSE/flowlens/internal/enricher"
	"github.com/ILLUVRSE/flowlens/internal/models"
	"github.com/ILLUVRSE/flowlens/internal/store"
)

const msgMissingParams = "Missing required query parameters: portalId, workflowId, dealId"

type Config struct {
	// RecentLimit is the number of most recent checkpoints analyzed.
	RecentLimit int
	// EnrichTimeout bounds the enrichment call.
	EnrichTimeout time.Duration
}

type Service struct {
	store    store.Store
	engine   *engine.Engine
	enricher enricher.Enricher
	cfg      Config
	log      *zap.Logger
	tracer   trace.Tracer
}

// New wires the explanation pipeline. A nil engine uses the default rules and
// a nil enricher disables enrichment.
func New(st store.Store, eng *engine.Engine, enr enricher.Enricher, cfg Config, log *zap.Logger) *Service {
	if eng == nil {
		eng = engine.Default()
	}
	if enr == nil {
		enr = enricher.Noop{}
	}
	if cfg.RecentLimit <= 0 {
		cfg.RecentLimit = store.DefaultRecentLimit
	}
	if cfg.EnrichTimeout <= 0 {
		cfg.EnrichTimeout = 3 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		store:    st,
		engine:   eng,
		enricher: enr,
		cfg:      cfg,
		log:      log.Named("explain"),
		tracer:   otel.Tracer("flowlens/explain"),
	}
}

type Query struct {
	PortalID    string
	WorkflowID  string
	DealID      string
	Expectation string
	// Timeout, when positive, further bounds enrichment.
	Timeout time.Duration
}

func (q Query) validate() error {
	if strings.TrimSpace(q.PortalID) == "" || strings.TrimSpace(q.WorkflowID) == "" || strings.TrimSpace(q.DealID) == "" {
		return models.Invalidf(msgMissingParams)
	}
	return nil
}

type Result struct {
	Explanation    models.ExplanationResult
	LogsAnalyzed   int
	ContextFetched bool
}

// Explain validates q before touching the store. Enrichment failures degrade
// to no context; store failures fail the query.
func (s *Service) Explain(ctx context.Context, q Query) (Result, error) {
	if err := q.validate(); err != nil {
		return Result{}, err
	}
	ctx, span := s.tracer.Start(ctx, "flowlens.explain", trace.WithAttributes(
		attribute.String("flowlens.portal_id", q.PortalID),
		attribute.String("flowlens.workflow_id", q.WorkflowID),
	))
	defer span.End()

	key := models.PartitionKey{PortalID: q.PortalID, WorkflowID: q.WorkflowID, ObjectID: q.DealID}
	timeout := s.cfg.EnrichTimeout
	if q.Timeout > 0 && q.Timeout < timeout {
		timeout = q.Timeout
	}

	var (
		events  []models.CheckpointEvent
		attrs   models.Attributes
		fetched bool
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		events, err = s.store.Recent(gctx, key, s.cfg.RecentLimit)
		if err != nil {
			return fmt.Errorf("read checkpoints: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		attrs, fetched = enricher.Fetch(gctx, s.enricher, q.DealID, timeout, s.log)
		return nil
	})
	if err := g.Wait(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "store read failed")
		return Result{}, err
	}

	explanation := s.engine.Explain(engine.Input{
		Events:      events,
		Attributes:  attrs,
		Expectation: q.Expectation,
	})
	span.SetAttributes(
		attribute.String("flowlens.rule", strings.Join(explanation.Debug.RulesHit, ",")),
		attribute.Int("flowlens.logs_analyzed", len(events)),
		attribute.Bool("flowlens.context_fetched", fetched),
	)
	s.log.Debug("explained",
		zap.String("partition", key.String()),
		zap.Strings("rules_hit", explanation.Debug.RulesHit),
		zap.Int("logs", len(events)),
		zap.Bool("context", fetched),
	)
	return Result{
		Explanation:    explanation,
		LogsAnalyzed:   len(events),
		ContextFetched: fetched,
	}, nil
}

// SubjectLogs lists a subject's recent checkpoints across workflows.
func (s *Service) SubjectLogs(ctx context.Context, portalID, objectID string, limit int) ([]models.CheckpointEvent, error) {
	if strings.TrimSpace(portalID) == "" || strings.TrimSpace(objectID) == "" {
		return nil, models.Invalidf("Missing required query parameters: portalId, objectId")
	}
	events, err := s.store.RecentForObject(ctx, portalID, objectID, limit)
	if err != nil {
		return nil, fmt.Errorf("read checkpoints: %w", err)
	}
	return events, nil
}
