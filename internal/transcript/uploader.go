package transcript

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/reminisce/internal/observe"
)

// Uploader persists a finished transcript.
type Uploader interface {
	Upload(ctx context.Context, rec Record) error
}

// UploaderFunc adapts a function to [Uploader].
type UploaderFunc func(ctx context.Context, rec Record) error

// Upload implements [Uploader].
func (f UploaderFunc) Upload(ctx context.Context, rec Record) error { return f(ctx, rec) }

// Sink is a named [Uploader]; the name labels logs and metrics.
type Sink struct {
	Name     string
	Uploader Uploader
}

// Fanout uploads to every sink concurrently. One failing sink does not stop
// the others; all failures are joined into the returned error.
type Fanout struct {
	sinks   []Sink
	metrics *observe.Metrics
}

var _ Uploader = (*Fanout)(nil)

// NewFanout returns a Fanout over sinks. A nil metrics uses
// [observe.DefaultMetrics].
func NewFanout(metrics *observe.Metrics, sinks ...Sink) *Fanout {
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	return &Fanout{sinks: sinks, metrics: metrics}
}

// Upload implements [Uploader].
func (f *Fanout) Upload(ctx context.Context, rec Record) error {
	ctx, span := observe.StartSpan(ctx, "transcript.upload")
	defer span.End()

	errs := make([]error, len(f.sinks))
	var g errgroup.Group
	for i, s := range f.sinks {
		g.Go(func() error {
			start := time.Now()
			err := s.Uploader.Upload(ctx, rec)
			status := "ok"
			if err != nil {
				status = "error"
				errs[i] = fmt.Errorf("transcript: sink %s: %w", s.Name, err)
			}
			f.metrics.RecordTranscriptUpload(ctx, s.Name, status, time.Since(start).Seconds())
			observe.Logger(ctx).Debug("transcript uploaded",
				"sink", s.Name,
				"session_id", rec.SessionID,
				"entries", len(rec.Transcript),
				"status", status,
			)
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// Discard is an [Uploader] that logs and drops the record.
var Discard Uploader = UploaderFunc(func(_ context.Context, rec Record) error {
	slog.Info("transcript not persisted (no sinks configured)",
		"session_id", rec.SessionID,
		"entries", len(rec.Transcript),
	)
	return nil
})
