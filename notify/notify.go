// Package notify turns remote task events into user facing cues and
// transient messages.
package notify

import (
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/amelbenhazem/task-ws-api/domain"
)

// DefaultDuration is how long a message stays visible.
const DefaultDuration = 5 * time.Second

// Level is the severity of a transient message.
type Level string

const (
	LevelSuccess Level = "success"
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
)

// Message is a transient notification.
type Message struct {
	Level    Level
	Title    string
	Body     string
	Action   string
	Duration time.Duration
}

// Cue is a short audible signal.
type Cue interface {
	Play() error
}

// Toaster displays transient messages.
type Toaster interface {
	Show(Message)
}

// Dispatcher produces exactly one cue and one message per remote event.
type Dispatcher struct {
	cue          Cue
	toaster      Toaster
	logger       *log.Logger
	self         string
	suppressSelf bool
	duration     time.Duration
}

// Option customizes a Dispatcher.
type Option func(*Dispatcher)

// SuppressSelf skips events whose origin is userID.
func SuppressSelf(userID string) Option {
	return func(d *Dispatcher) {
		d.self = userID
		d.suppressSelf = userID != ""
	}
}

// WithLogger sets the logger used for cue failures.
func WithLogger(l *log.Logger) Option { return func(d *Dispatcher) { d.logger = l } }

// WithDuration overrides DefaultDuration.
func WithDuration(dur time.Duration) Option { return func(d *Dispatcher) { d.duration = dur } }

// NewDispatcher creates a dispatcher. Either output may be nil.
func NewDispatcher(cue Cue, toaster Toaster, opts ...Option) *Dispatcher {
	d := &Dispatcher{cue: cue, toaster: toaster, logger: log.StandardLogger(), duration: DefaultDuration}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Notify signals ev. previous is the local copy of the task before the event
// was applied and is used to name deleted tasks; it may be nil. It reports
// whether a notification was produced.
func (d *Dispatcher) Notify(ev domain.Event, previous *domain.Task) bool {
	if d.suppressSelf && ev.Origin == d.self {
		return false
	}
	msg, ok := d.messageFor(ev, previous)
	if !ok {
		return false
	}
	if d.cue != nil {
		if err := d.cue.Play(); err != nil {
			d.logger.WithError(err).Debug("notification cue failed")
		}
	}
	if d.toaster != nil {
		d.toaster.Show(msg)
	}
	return true
}

func (d *Dispatcher) messageFor(ev domain.Event, previous *domain.Task) (Message, bool) {
	msg := Message{Duration: d.duration}
	switch ev.Type {
	case domain.TaskCreated:
		if ev.Task == nil {
			return msg, false
		}
		msg.Level = LevelSuccess
		msg.Title = "New task created"
		msg.Body = fmt.Sprintf("%q was created by %s", ev.Task.Title, actor(ev.Task.CreatedBy))
		msg.Action = "View"
	case domain.TaskUpdated:
		if ev.Task == nil {
			return msg, false
		}
		msg.Level = LevelInfo
		msg.Title = "Task updated"
		msg.Body = fmt.Sprintf("%q was modified", ev.Task.Title)
		msg.Action = "View"
	case domain.TaskDeleted:
		msg.Level = LevelWarning
		msg.Title = "Task deleted"
		if previous != nil {
			msg.Body = fmt.Sprintf("%q was deleted", previous.Title)
		} else {
			msg.Body = "A task was deleted"
		}
	default:
		return msg, false
	}
	return msg, true
}

func actor(u domain.UserRef) string {
	if u.Username != "" {
		return u.Username
	}
	return u.ID
}
