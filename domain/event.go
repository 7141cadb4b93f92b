package domain

import "time"

// EventType names a broadcast task change.
type EventType string

const (
	TaskCreated EventType = "taskCreated"
	TaskUpdated EventType = "taskUpdated"
	TaskDeleted EventType = "taskDeleted"
)

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool {
	switch t {
	case TaskCreated, TaskUpdated, TaskDeleted:
		return true
	}
	return false
}

// Event describes one successful mutation. Created and updated events carry
// the full task, deleted events carry only the id.
type Event struct {
	Seq    int64     `json:"seq"`
	Type   EventType `json:"type"`
	Origin string    `json:"origin,omitempty"`
	Task   *Task     `json:"task,omitempty"`
	TaskID string    `json:"id,omitempty"`
	At     time.Time `json:"at"`

	// Participants drives audience selection and is not sent to clients.
	Participants []string `json:"participants,omitempty"`
}

// ID returns the id of the task the event refers to.
func (e Event) ID() string {
	if e.Task != nil {
		return e.Task.ID
	}
	return e.TaskID
}

// Public strips server-side routing data before the event leaves the process.
func (e Event) Public() Event {
	e.Participants = nil
	return e
}

// NewCreated builds a taskCreated event for t.
func NewCreated(t Task, origin string) Event {
	return Event{Type: TaskCreated, Origin: origin, Task: &t, Participants: t.Participants()}
}

// NewUpdated builds a taskUpdated event. Participants of the previous
// version stay in the audience so a removed assignee learns about the change.
func NewUpdated(before, after Task, origin string) Event {
	return Event{Type: TaskUpdated, Origin: origin, Task: &after, Participants: mergeIDs(before.Participants(), after.Participants())}
}

// NewDeleted builds a taskDeleted event carrying only the id.
func NewDeleted(t Task, origin string) Event {
	return Event{Type: TaskDeleted, Origin: origin, TaskID: t.ID, Participants: t.Participants()}
}

func mergeIDs(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, ids := range [][]string{a, b} {
		for _, id := range ids {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out
}
