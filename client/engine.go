package client

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"

	"github.com/amelbenhazem/task-ws-api/domain"
)

// State is the connection state of the engine.
type State string

const (
	StateIdle         State = "idle"
	StateConnecting   State = "connecting"
	StateSyncing      State = "syncing"
	StateLive         State = "live"
	StateDisconnected State = "disconnected"
	StateStopped      State = "stopped"
)

// Operation names a user initiated call tracked by Busy.
type Operation string

const (
	OpFetch  Operation = "fetch"
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// Notifier is told about every remote event the engine reconciles.
type Notifier interface {
	Notify(ev domain.Event, previous *domain.Task) bool
}

// Engine keeps a local copy of the task collection in sync with the server.
// All collection changes go through one mutex, so reconciliation is
// serialized no matter which goroutine delivers the event.
type Engine struct {
	api         *API
	streamHTTP  *http.Client
	backoff     Backoff
	notifier    Notifier
	idleTimeout time.Duration
	logger      *log.Logger

	mu      sync.Mutex
	tasks   []domain.Task
	stats   domain.TaskStats
	state   State
	busy    map[Operation]bool
	err     error
	syncs   int // snapshots in flight; events are held while positive
	pending []domain.Event
	lastSeq int64

	changes chan struct{}
}

// EngineOption customizes an Engine.
type EngineOption func(*Engine)

// WithBackoff sets the reconnect policy.
func WithBackoff(b Backoff) EngineOption { return func(e *Engine) { e.backoff = b } }

// WithNotifier attaches a notifier for remote events.
func WithNotifier(n Notifier) EngineOption { return func(e *Engine) { e.notifier = n } }

// WithStreamClient sets the HTTP client used for the event channel. It must
// not carry a request timeout.
func WithStreamClient(c *http.Client) EngineOption { return func(e *Engine) { e.streamHTTP = c } }

// WithIdleTimeout sets how long a silent channel is kept open.
func WithIdleTimeout(d time.Duration) EngineOption { return func(e *Engine) { e.idleTimeout = d } }

// WithLogger sets the engine logger.
func WithLogger(l *log.Logger) EngineOption { return func(e *Engine) { e.logger = l } }

func NewEngine(api *API, opts ...EngineOption) *Engine {
	e := &Engine{
		api:        api,
		streamHTTP: &http.Client{},
		backoff:    DefaultBackoff,
		logger:     log.StandardLogger(),
		state:      StateIdle,
		busy:       make(map[Operation]bool),
		changes:    make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Tasks returns a copy of the local collection.
func (e *Engine) Tasks() []domain.Task {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]domain.Task, len(e.tasks))
	copy(out, e.tasks)
	return out
}

// Stats returns the aggregate of the local collection.
func (e *Engine) Stats() domain.TaskStats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}

// State returns the connection state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Busy reports which operations are in flight.
func (e *Engine) Busy() map[Operation]bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[Operation]bool, 4)
	for _, op := range []Operation{OpFetch, OpCreate, OpUpdate, OpDelete} {
		out[op] = e.busy[op]
	}
	return out
}

// Err returns the failure of the last operation, nil if it succeeded.
func (e *Engine) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}

// Changes is signalled after the collection or the state changed.
func (e *Engine) Changes() <-chan struct{} { return e.changes }

// SetToken installs a new identity and replaces the collection with a fresh
// snapshot. An empty token clears the collection.
func (e *Engine) SetToken(ctx context.Context, token string) error {
	e.api.SetToken(token)
	if token == "" {
		e.mu.Lock()
		e.replaceLocked(nil)
		e.mu.Unlock()
		e.signal()
		return nil
	}
	return e.Fetch(ctx)
}

// Fetch replaces the collection with the server's list. Remote events that
// arrive while the list is in flight are applied on top of the snapshot.
func (e *Engine) Fetch(ctx context.Context) error {
	e.begin(OpFetch)
	e.mu.Lock()
	e.syncs++
	e.mu.Unlock()

	tasks, err := e.api.List(ctx)

	e.mu.Lock()
	if err == nil {
		e.replaceLocked(tasks)
	}
	held, previous := e.endSyncLocked()
	e.endLocked(OpFetch, err)
	e.mu.Unlock()
	e.signal()
	e.notifyAll(held, previous)
	return err
}

// Create creates a task and adds the response to the collection.
func (e *Engine) Create(ctx context.Context, in domain.CreateInput) (domain.Task, error) {
	e.begin(OpCreate)
	task, err := e.api.Create(ctx, in)
	e.mu.Lock()
	if err == nil {
		e.reconcileLocked(domain.Event{Type: domain.TaskCreated, Task: &task})
	}
	e.endLocked(OpCreate, err)
	e.mu.Unlock()
	e.signal()
	return task, err
}

// Update patches a task and stores the response. A positive version makes the
// write conditional on the server.
func (e *Engine) Update(ctx context.Context, id string, patch domain.Patch, version int64) (domain.Task, error) {
	e.begin(OpUpdate)
	task, err := e.api.Update(ctx, id, patch, version)
	e.mu.Lock()
	if err == nil {
		e.reconcileLocked(domain.Event{Type: domain.TaskUpdated, Task: &task})
	}
	e.endLocked(OpUpdate, err)
	e.mu.Unlock()
	e.signal()
	return task, err
}

// Delete removes a task on the server and locally.
func (e *Engine) Delete(ctx context.Context, id string) error {
	e.begin(OpDelete)
	err := e.api.Delete(ctx, id)
	e.mu.Lock()
	if err == nil {
		e.reconcileLocked(domain.Event{Type: domain.TaskDeleted, TaskID: id})
	}
	e.endLocked(OpDelete, err)
	e.mu.Unlock()
	e.signal()
	return err
}

// Apply reconciles a remote event and notifies about it. Events arriving
// while a snapshot is being fetched are held back until it is in place.
func (e *Engine) Apply(ev domain.Event) {
	e.mu.Lock()
	if e.syncs > 0 {
		e.pending = append(e.pending, ev)
		e.mu.Unlock()
		return
	}
	previous := e.reconcileLocked(ev)
	e.mu.Unlock()
	e.signal()
	e.notify(ev, previous)
}

// Run keeps the event channel connected until ctx is done or the server
// rejects the token. Every successful connection starts with a full
// snapshot before events are applied.
func (e *Engine) Run(ctx context.Context) error {
	attempt := 0
	for {
		if ctx.Err() != nil {
			e.setState(StateStopped)
			return nil
		}
		e.setState(StateConnecting)
		s, err := Dial(ctx, e.streamHTTP, e.api.BaseURL(), e.api.Token(), e.idleTimeout)
		if err != nil {
			if errors.Is(err, ErrAuthentication) {
				e.mu.Lock()
				e.err = err
				e.mu.Unlock()
				e.setState(StateStopped)
				return ErrAuthentication
			}
			e.logger.WithError(err).Warn("event channel unavailable")
		} else {
			live, serr := e.session(ctx, s)
			if live {
				attempt = 0
			}
			if serr != nil && ctx.Err() == nil {
				e.logger.WithError(serr).Info("event channel closed")
			}
		}
		if ctx.Err() != nil {
			e.setState(StateStopped)
			return nil
		}

		e.setState(StateDisconnected)
		wait := e.backoff.Next(attempt)
		attempt++
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			e.setState(StateStopped)
			return nil
		case <-timer.C:
		}
	}
}

// session runs one connection. It reports whether the engine reached Live.
func (e *Engine) session(ctx context.Context, s *Stream) (bool, error) {
	defer s.Close()
	stop := context.AfterFunc(ctx, func() { s.Close() })
	defer stop()

	e.mu.Lock()
	e.syncs++
	e.state = StateSyncing
	e.mu.Unlock()
	e.signal()

	readErr := make(chan error, 1)
	go func() { readErr <- e.readLoop(s) }()

	err := e.Fetch(ctx)

	e.mu.Lock()
	held, previous := e.endSyncLocked()
	if err == nil {
		e.state = StateLive
	}
	e.mu.Unlock()
	e.signal()
	e.notifyAll(held, previous)
	if err != nil {
		s.Close()
		<-readErr
		return false, err
	}

	return true, <-readErr
}

func (e *Engine) readLoop(s *Stream) error {
	for {
		f, err := s.Next()
		if err != nil {
			return err
		}
		switch domain.EventType(f.Event) {
		case domain.TaskCreated, domain.TaskUpdated, domain.TaskDeleted:
		default:
			e.logger.WithField("event", f.Event).Debug("stream frame ignored")
			continue
		}
		var ev domain.Event
		if err := sonic.UnmarshalString(f.Data, &ev); err != nil {
			e.logger.WithError(err).Warn("malformed event frame")
			continue
		}
		if ev.Type == "" {
			ev.Type = domain.EventType(f.Event)
		}
		e.Apply(ev)
	}
}

// reconcileLocked applies ev by id and returns the entry it replaced or
// removed, if any. Created is a no-op for a known id, updated replaces or
// inserts unless the local copy is newer, deleted removes if present.
func (e *Engine) reconcileLocked(ev domain.Event) *domain.Task {
	if ev.Seq > e.lastSeq {
		e.lastSeq = ev.Seq
	}
	id := ev.ID()
	idx := -1
	for i := range e.tasks {
		if e.tasks[i].ID == id {
			idx = i
			break
		}
	}
	var previous *domain.Task
	if idx >= 0 {
		t := e.tasks[idx]
		previous = &t
	}

	switch ev.Type {
	case domain.TaskCreated:
		if ev.Task == nil || idx >= 0 {
			return previous
		}
		e.tasks = append(e.tasks, *ev.Task)
	case domain.TaskUpdated:
		if ev.Task == nil {
			return previous
		}
		if idx < 0 {
			e.tasks = append(e.tasks, *ev.Task)
		} else if e.tasks[idx].Version <= ev.Task.Version {
			e.tasks[idx] = *ev.Task
		}
	case domain.TaskDeleted:
		if idx < 0 {
			return nil
		}
		e.tasks = append(e.tasks[:idx], e.tasks[idx+1:]...)
	default:
		return previous
	}
	e.stats = domain.ComputeStats(e.tasks)
	return previous
}

// endSyncLocked closes one snapshot. When it was the last one, the held
// events are reconciled and returned with their previous entries so the
// caller can notify after unlocking.
func (e *Engine) endSyncLocked() ([]domain.Event, []*domain.Task) {
	e.syncs--
	if e.syncs > 0 || len(e.pending) == 0 {
		return nil, nil
	}
	held := e.pending
	e.pending = nil
	previous := make([]*domain.Task, len(held))
	for i, ev := range held {
		previous[i] = e.reconcileLocked(ev)
	}
	return held, previous
}

func (e *Engine) replaceLocked(tasks []domain.Task) {
	e.tasks = make([]domain.Task, len(tasks))
	copy(e.tasks, tasks)
	e.stats = domain.ComputeStats(e.tasks)
}

func (e *Engine) begin(op Operation) {
	e.mu.Lock()
	e.busy[op] = true
	e.err = nil
	e.mu.Unlock()
	e.signal()
}

func (e *Engine) endLocked(op Operation, err error) {
	e.busy[op] = false
	e.err = err
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	changed := e.state != s
	e.state = s
	e.mu.Unlock()
	if changed {
		e.signal()
	}
}

func (e *Engine) notify(ev domain.Event, previous *domain.Task) {
	if e.notifier != nil {
		e.notifier.Notify(ev, previous)
	}
}

func (e *Engine) notifyAll(events []domain.Event, previous []*domain.Task) {
	for i, ev := range events {
		e.notify(ev, previous[i])
	}
}

func (e *Engine) signal() {
	select {
	case e.changes <- struct{}{}:
	default:
	}
}
