package position

import "sync"

type Status string

type Event string

const (
	StatusOpening     Status = "OPENING"
	StatusHedged      Status = "HEDGED"
	StatusRebalancing Status = "REBALANCING"
	StatusClosing     Status = "CLOSING"
	StatusClosed      Status = "CLOSED"
	StatusFailedOpen  Status = "FAILED_OPEN"
	StatusStuck       Status = "STUCK"
)

const (
	EventHedged        Event = "HEDGED"
	EventDeltaDrift    Event = "DELTA_DRIFT"
	EventRebalanced    Event = "REBALANCED"
	EventCloseTrigger  Event = "CLOSE_TRIGGER"
	EventClosed        Event = "CLOSED"
	EventOpenExhausted Event = "OPEN_EXHAUSTED"
	EventStuck         Event = "STUCK"
)

// Terminal reports whether automation is finished with the position. STUCK is
// terminal for automation; it waits for manual resolution.
func (s Status) Terminal() bool {
	return s == StatusClosed || s == StatusFailedOpen || s == StatusStuck
}

// Open reports whether the position still holds (or may hold) exchange
// exposure that restart recovery has to reconcile.
func (s Status) Open() bool {
	switch s {
	case StatusOpening, StatusHedged, StatusRebalancing, StatusClosing, StatusStuck:
		return true
	}
	return false
}

// Machine serializes status transitions for one position. Invalid events leave
// the status unchanged.
type Machine struct {
	mu     sync.Mutex
	status Status
}

func NewMachine(initial Status) *Machine {
	return &Machine{status: initial}
}

func (m *Machine) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

func (m *Machine) Apply(event Event) Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status = nextStatus(m.status, event)
	return m.status
}

func nextStatus(current Status, event Event) Status {
	switch current {
	case StatusOpening:
		switch event {
		case EventHedged:
			return StatusHedged
		case EventOpenExhausted:
			return StatusFailedOpen
		}
	case StatusHedged:
		switch event {
		case EventDeltaDrift:
			return StatusRebalancing
		case EventCloseTrigger:
			return StatusClosing
		}
	case StatusRebalancing:
		switch event {
		case EventRebalanced:
			return StatusHedged
		case EventCloseTrigger:
			return StatusClosing
		}
	case StatusClosing:
		switch event {
		case EventClosed:
			return StatusClosed
		case EventStuck:
			return StatusStuck
		}
	}
	return current
}
