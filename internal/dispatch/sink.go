package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

// EventSink receives every committed ride event for out-of-band delivery
// (message broker, push provider).
type EventSink interface {
	Name() string
	Publish(ctx context.Context, ev models.RideEvent) error
}

// MultiSink fans an event out to several sinks. A failing sink does not stop
// the others.
type MultiSink []EventSink

func (m MultiSink) Name() string { return "multi" }

func (m MultiSink) Publish(ctx context.Context, ev models.RideEvent) error {
	var errs []error
	for _, s := range m {
		if err := s.Publish(ctx, ev); err != nil {
			observability.SinkFailures.WithLabelValues(s.Name()).Inc()
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}
