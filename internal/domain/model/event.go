// Package model contains domain models passed between layers.
package model

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/okian/proxynas/internal/domain/arch"
)

// EventKind names a step of the search loop.
type EventKind string

// Search event kinds.
const (
	EventSampled         EventKind = "sampled"
	EventAbandoned       EventKind = "abandoned"
	EventConditionalDone EventKind = "conditional_done"
	EventFreezeDone      EventKind = "freeze_done"
	EventPromoted        EventKind = "promoted"
	EventPostRanked      EventKind = "post_ranked"
	EventRunFinished     EventKind = "run_finished"
)

// Event is published by the search loop as it progresses.
type Event struct {
	ID     string    // unique id
	RunID  string    // search run the event belongs to
	Kind   EventKind // what happened
	ArchID arch.ID   // subject architecture, arch.Sentinel for run-level events

	// Score is the proxy score: freeze best train top-1, or post-training
	// best train top-1 for EventPostRanked.
	Score float64
	// TestAccuracy is the oracle accuracy; meaningful when HasTestAccuracy is set.
	TestAccuracy    float64
	HasTestAccuracy bool

	Duration    time.Duration // training time of the step
	TimeAllowed time.Duration // conditional budget in force for the step
	TS          time.Time
}

// NewEvent stamps an event with a fresh id and the current time.
func NewEvent(runID string, kind EventKind, id arch.ID) Event {
	return Event{
		ID:     uuid.NewString(),
		RunID:  runID,
		Kind:   kind,
		ArchID: id,
		TS:     time.Now(),
	}
}

// WithTestAccuracy returns a copy carrying the oracle accuracy.
func (e Event) WithTestAccuracy(acc float64) Event { //nolint:gocritic // hugeParam: value semantics
	e.TestAccuracy = acc
	e.HasTestAccuracy = true
	return e
}

// Publisher accepts search events. Publish must not block; it reports
// whether the event was accepted.
type Publisher interface {
	Publish(ctx context.Context, e Event) bool
}

// NopPublisher drops every event.
type NopPublisher struct{}

// Publish implements Publisher.
func (NopPublisher) Publish(context.Context, Event) bool { return false }
