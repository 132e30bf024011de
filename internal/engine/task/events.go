// Package task drives the task lifecycle state machine on top of
// executions: the ordered event contract for create, update, assignment,
// complete, delete and timeout.
package task

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event names a lifecycle transition.
type Event string

const (
	EventCreate     Event = "create"
	EventUpdate     Event = "update"
	EventAssignment Event = "assignment"
	EventComplete   Event = "complete"
	EventDelete     Event = "delete"
	EventTimeout    Event = "timeout"
)

// TimeoutJobType is the scheduler job type that fires EventTimeout. The job
// configuration holds the task id, so completing the task can cancel the
// pending timer by configuration match.
const TimeoutJobType = "task-timeout"

// LogEntry is one recorded transition.
type LogEntry struct {
	TaskID uuid.UUID
	Event  Event
	At     time.Time
}

// EventLog is the append-only record of transitions, in call order. The
// order reflects when each transition fired, not when listeners were
// registered.
type EventLog struct {
	mu      sync.Mutex
	entries []LogEntry
}

// NewEventLog returns an empty log.
func NewEventLog() *EventLog {
	return &EventLog{}
}

func (l *EventLog) append(taskID uuid.UUID, ev Event, at time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, LogEntry{TaskID: taskID, Event: ev, At: at})
}

// Entries returns a copy of the full log.
func (l *EventLog) Entries() []LogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]LogEntry, len(l.entries))
	copy(out, l.entries)
	return out
}

// EventsFor returns the ordered events recorded for one task.
func (l *EventLog) EventsFor(taskID uuid.UUID) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Event
	for _, e := range l.entries {
		if e.TaskID == taskID {
			out = append(out, e.Event)
		}
	}
	return out
}
