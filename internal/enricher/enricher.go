// Package enricher fetches external CRM attributes for the subject of an
// explanation. Enrichment is best effort: callers degrade to "no context"
// on any failure.
package enricher

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/ILLUVRSE/flowlens/internal/models"
)

// ErrNotFound is returned when the CRM has no record for the subject.
var ErrNotFound = errors.New("subject not found")

// Enricher looks up current attributes for a subject.
type Enricher interface {
	Lookup(ctx context.Context, objectID string) (models.Attributes, error)
}

// Noop never finds anything. It is used when no CRM credentials are configured.
type Noop struct{}

func (Noop) Lookup(ctx context.Context, objectID string) (models.Attributes, error) {
	return nil, nil
}

type lookupResult struct {
	attrs models.Attributes
	err   error
}

// Fetch calls e under timeout and reports whether attributes were obtained.
// Errors and timeouts are logged and swallowed. A nil enricher yields no context.
func Fetch(ctx context.Context, e Enricher, objectID string, timeout time.Duration, log *zap.Logger) (models.Attributes, bool) {
	if e == nil {
		return nil, false
	}
	if log == nil {
		log = zap.NewNop()
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	done := make(chan lookupResult, 1)
	go func() {
		attrs, err := e.Lookup(ctx, objectID)
		done <- lookupResult{attrs: attrs, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			log.Warn("enrichment failed", zap.String("object_id", objectID), zap.Error(res.err))
			return nil, false
		}
		if res.attrs == nil {
			return nil, false
		}
		return res.attrs, true
	case <-ctx.Done():
		log.Warn("enrichment timed out", zap.String("object_id", objectID), zap.Duration("timeout", timeout), zap.Error(ctx.Err()))
		return nil, false
	}
}
