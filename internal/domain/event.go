package domain

import (
	"time"

	"github.com/google/uuid"
)

// EventKind is the closed set of domain events. Adding a kind means adding a
// constant here and a case in String; the bus dispatch table is keyed by it.
type EventKind int

const (
	EventTaskStatusChanged EventKind = iota + 1
	EventTaskScheduled
	EventTaskStarted
	EventTaskCompleted
	EventTaskRescheduled
	EventOperatorAssigned
	EventJobStatusChanged
	EventScheduleStatusChanged
	EventSchedulePublished
	EventScheduleRescheduled
)

// EventKinds lists every kind in declaration order.
func EventKinds() []EventKind {
	return []EventKind{
		EventTaskStatusChanged,
		EventTaskScheduled,
		EventTaskStarted,
		EventTaskCompleted,
		EventTaskRescheduled,
		EventOperatorAssigned,
		EventJobStatusChanged,
		EventScheduleStatusChanged,
		EventSchedulePublished,
		EventScheduleRescheduled,
	}
}

func (k EventKind) String() string {
	switch k {
	case EventTaskStatusChanged:
		return "task.status_changed"
	case EventTaskScheduled:
		return "task.scheduled"
	case EventTaskStarted:
		return "task.started"
	case EventTaskCompleted:
		return "task.completed"
	case EventTaskRescheduled:
		return "task.rescheduled"
	case EventOperatorAssigned:
		return "task.operator_assigned"
	case EventJobStatusChanged:
		return "job.status_changed"
	case EventScheduleStatusChanged:
		return "schedule.status_changed"
	case EventSchedulePublished:
		return "schedule.published"
	case EventScheduleRescheduled:
		return "schedule.rescheduled"
	}
	return "unknown"
}

func (k EventKind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// Event records one successful state transition.
type Event struct {
	ID          string            `json:"id"`
	Kind        EventKind         `json:"kind"`
	AggregateID string            `json:"aggregate_id"`
	OldState    string            `json:"old_state,omitempty"`
	NewState    string            `json:"new_state,omitempty"`
	Reason      string            `json:"reason,omitempty"`
	Data        map[string]string `json:"data,omitempty"`
	OccurredAt  time.Time         `json:"occurred_at"`
}

func newEvent(kind EventKind, aggregateID, oldState, newState string, at time.Time) Event {
	return Event{
		ID:          uuid.NewString(),
		Kind:        kind,
		AggregateID: aggregateID,
		OldState:    oldState,
		NewState:    newState,
		OccurredAt:  at,
	}
}

// eventLog buffers events until the owner is committed.
type eventLog struct {
	pending []Event
}

func (l *eventLog) record(e Event) { l.pending = append(l.pending, e) }

// PullEvents drains the buffered events.
func (l *eventLog) PullEvents() []Event {
	out := l.pending
	l.pending = nil
	return out
}

// PendingEvents returns the number of buffered events.
func (l *eventLog) PendingEvents() int { return len(l.pending) }

func stamp(at time.Time) time.Time {
	if at.IsZero() {
		return time.Now().UTC()
	}
	return at
}
