// Package events fans out committed ledger transitions to external sinks.
// Delivery is strictly fire-and-forget: the transaction that produced an
// event has already committed, and a failing sink is logged and dropped.
package events

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/slopmachine/escrowd/internal/models"
)

// Notifier delivers one event to a sink.
type Notifier interface {
	Notify(ctx context.Context, ev models.Event) error
	Close() error
}

// NewEvent builds the envelope for a committed transition.
func NewEvent(eventType string, jobID uuid.UUID, data interface{}) models.Event {
	return models.Event{
		ID:    uuid.New(),
		Type:  eventType,
		JobID: jobID,
		Ts:    time.Now().UTC(),
		Data:  data,
	}
}

// Nop discards every event. Used when no sink is configured.
type Nop struct{}

func (Nop) Notify(context.Context, models.Event) error { return nil }
func (Nop) Close() error                               { return nil }

// Multi fans an event out to several sinks. Each sink gets its own bounded
// delivery window; a sink failure is logged and does not stop the others.
type Multi struct {
	sinks []Notifier
}

func NewMulti(sinks ...Notifier) *Multi {
	return &Multi{sinks: sinks}
}

func (m *Multi) Notify(ctx context.Context, ev models.Event) error {
	for _, s := range m.sinks {
		sinkCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		if err := s.Notify(sinkCtx, ev); err != nil {
			log.Printf("[events] sink delivery failed type=%s job=%s: %v", ev.Type, ev.JobID, err)
		}
		cancel()
	}
	return nil
}

func (m *Multi) Close() error {
	var first error
	for _, s := range m.sinks {
		if err := s.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
