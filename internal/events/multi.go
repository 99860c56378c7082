package events

import (
	"context"
	"errors"
	"fmt"

	"github.com/liamashdown/claimwatch/internal/metrics"
)

// MultiPublisher fans an event out to every configured sink
type MultiPublisher struct {
	publishers  []Publisher
	environment string
}

// NewMultiPublisher creates a new multi-publisher
func NewMultiPublisher(environment string, publishers ...Publisher) *MultiPublisher {
	return &MultiPublisher{
		publishers:  publishers,
		environment: environment,
	}
}

func (m *MultiPublisher) Name() string { return "multi" }

// Publish delivers the event to all sinks. Every sink is attempted; the
// returned error joins the failures.
func (m *MultiPublisher) Publish(ctx context.Context, event *Event) error {
	if event.Environment == "" {
		event.Environment = m.environment
	}

	var errs []error
	for _, p := range m.publishers {
		err := p.Publish(ctx, event)
		metrics.RecordEvent(string(event.Type), p.Name(), err)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
		}
	}
	return errors.Join(errs...)
}
