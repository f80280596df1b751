package alerts

import (
	"context"
	"fmt"

	"github.com/enhen-x/BasisSentry/internal/position"
)

type EventKind string

const (
	EventTransition EventKind = "TRANSITION"
	EventFailedOpen EventKind = "FAILED_OPEN"
	EventStuck      EventKind = "STUCK"
	EventSummary    EventKind = "SUMMARY"
)

// Event is one lifecycle notification. FAILED_OPEN and STUCK events always
// demand human visibility; the rest are informational.
type Event struct {
	Kind       EventKind
	PositionID string
	Pair       position.Pair
	From       position.Status
	To         position.Status
	Detail     string
}

func (e Event) String() string {
	switch e.Kind {
	case EventFailedOpen:
		return fmt.Sprintf("FAILED OPEN %s %s: %s", e.Pair, e.PositionID, e.Detail)
	case EventStuck:
		return fmt.Sprintf("STUCK POSITION %s %s, manual resolution required: %s", e.Pair, e.PositionID, e.Detail)
	case EventSummary:
		return e.Detail
	default:
		if e.Detail != "" {
			return fmt.Sprintf("%s %s: %s -> %s (%s)", e.Pair, e.PositionID, e.From, e.To, e.Detail)
		}
		return fmt.Sprintf("%s %s: %s -> %s", e.Pair, e.PositionID, e.From, e.To)
	}
}

// Notifier delivers lifecycle events to a human channel.
type Notifier interface {
	Notify(ctx context.Context, event Event) error
}

// Nop drops every event; used when alerting is disabled.
type Nop struct{}

func (Nop) Notify(context.Context, Event) error { return nil }
