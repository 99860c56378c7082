package events

import (
	"context"

	"github.com/sirupsen/logrus"
)

// LogPublisher writes events to the logger
type LogPublisher struct {
	log *logrus.Logger
}

// NewLogPublisher creates a new log publisher
func NewLogPublisher(log *logrus.Logger) *LogPublisher {
	return &LogPublisher{log: log}
}

func (p *LogPublisher) Name() string { return "log" }

// Publish logs the event
func (p *LogPublisher) Publish(ctx context.Context, event *Event) error {
	p.log.WithFields(logrus.Fields{
		"event_id":        event.EventID,
		"event_type":      event.Type,
		"idempotency_key": event.IdempotencyKey,
		"payload":         event.Payload,
	}).Info(event.Summary())
	return nil
}
