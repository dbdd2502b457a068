// Package ingestion accepts checkpoint reports from workflow instrumentation
// and records them in the checkpoint store.
package ingestion

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/ILLUVRSE/flowlens/internal/models"
	"github.com/ILLUVRSE/flowlens/internal/store"
)

//go:embed checkpoint.schema.json
var checkpointSchema string

const schemaURL = "https://flowlens.local/schemas/checkpoint.schema.json"

const (
	msgMissingFields     = "Missing required fields: portalId, workflowId, objectId, checkpoint, stepName"
	msgInvalidCheckpoint = "Invalid checkpoint value. Must be START, BRANCH, or ACTION"
	msgInvalidJSON       = "Invalid JSON body"
)

var requiredFields = []string{"portalId", "workflowId", "objectId", "checkpoint", "stepName"}

// Exporter receives events after they are durably stored.
type Exporter interface {
	Enqueue(ev models.CheckpointEvent) bool
}

type Service struct {
	store    store.Store
	exporter Exporter
	schema   *jsonschema.Schema
	log      *zap.Logger
	tracer   trace.Tracer
}

// New compiles the request schema. exporter may be nil.
func New(st store.Store, exporter Exporter, log *zap.Logger) (*Service, error) {
	if st == nil {
		return nil, fmt.Errorf("store required")
	}
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(schemaURL, strings.NewReader(checkpointSchema)); err != nil {
		return nil, fmt.Errorf("load checkpoint schema: %w", err)
	}
	schema, err := c.Compile(schemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile checkpoint schema: %w", err)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		store:    st,
		exporter: exporter,
		schema:   schema,
		log:      log.Named("ingestion"),
		tracer:   otel.Tracer("flowlens/ingestion"),
	}, nil
}

// Record validates raw as a checkpoint report and appends it. Rejections are
// models.ValidationError; anything else is a store fault.
func (s *Service) Record(ctx context.Context, raw []byte) (models.CheckpointEvent, error) {
	ctx, span := s.tracer.Start(ctx, "flowlens.ingest")
	defer span.End()

	in, err := s.Parse(raw)
	if err != nil {
		span.SetStatus(codes.Error, "rejected")
		return models.CheckpointEvent{}, err
	}
	span.SetAttributes(
		attribute.String("flowlens.portal_id", in.PortalID),
		attribute.String("flowlens.workflow_id", in.WorkflowID),
		attribute.String("flowlens.checkpoint", string(in.Checkpoint)),
	)

	ev, err := s.store.Append(ctx, in)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "append failed")
		if errors.Is(err, models.ErrValidation) {
			return models.CheckpointEvent{}, err
		}
		return models.CheckpointEvent{}, fmt.Errorf("append checkpoint: %w", err)
	}
	span.SetAttributes(attribute.String("flowlens.event_id", ev.ID.String()))

	if s.exporter != nil {
		s.exporter.Enqueue(ev)
	}
	s.log.Debug("checkpoint recorded",
		zap.String("id", ev.ID.String()),
		zap.String("partition", ev.Partition().String()),
		zap.String("checkpoint", string(ev.Checkpoint)),
	)
	return ev, nil
}

// Parse turns a request body into a store input without persisting it.
func (s *Service) Parse(raw []byte) (store.CheckpointInput, error) {
	doc, err := decodeBody(raw)
	if err != nil {
		return store.CheckpointInput{}, models.Invalidf(msgInvalidJSON)
	}
	body, ok := doc.(map[string]interface{})
	if !ok {
		return store.CheckpointInput{}, models.Invalidf(msgInvalidJSON)
	}

	for _, field := range requiredFields {
		if !models.Truthy(body[field]) {
			return store.CheckpointInput{}, models.Invalidf(msgMissingFields)
		}
	}
	kindName, _ := body["checkpoint"].(string)
	kind := models.CheckpointKind(kindName)
	if !kind.Valid() {
		return store.CheckpointInput{}, models.Invalidf(msgInvalidCheckpoint)
	}
	if err := s.schema.Validate(body); err != nil {
		return store.CheckpointInput{}, models.Invalidf("Invalid request body: %s", describeSchemaError(err))
	}

	in := store.CheckpointInput{
		PortalID:   identifier(body["portalId"]),
		WorkflowID: identifier(body["workflowId"]),
		ObjectType: identifier(body["objectType"]),
		ObjectID:   identifier(body["objectId"]),
		Checkpoint: kind,
		StepName:   identifier(body["stepName"]),
		StepID:     identifier(body["stepId"]),
	}
	if in.Conditions, err = rawField(body["conditions"]); err != nil {
		return store.CheckpointInput{}, err
	}
	if in.Payload, err = rawField(body["payload"]); err != nil {
		return store.CheckpointInput{}, err
	}
	return in, nil
}

// decodeBody reads exactly one JSON value, keeping numbers as json.Number.
func decodeBody(raw []byte) (interface{}, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc interface{}
	if err := dec.Decode(&doc); err != nil {
		return nil, err
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, fmt.Errorf("trailing data after JSON body")
	}
	return doc, nil
}

// identifier renders string and integer ids as strings. HubSpot sends
// numeric portal and object ids from custom code actions.
func identifier(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case json.Number:
		return t.String()
	default:
		return ""
	}
}

func rawField(v interface{}) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode field: %w", err)
	}
	return b, nil
}

// describeSchemaError returns the innermost failure in "location: message" form.
func describeSchemaError(err error) string {
	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		return err.Error()
	}
	for len(verr.Causes) > 0 {
		verr = verr.Causes[0]
	}
	loc := strings.TrimPrefix(verr.InstanceLocation, "/")
	if loc == "" {
		return verr.Message
	}
	return loc + ": " + verr.Message
}
