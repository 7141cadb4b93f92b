package domain

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// Store persists tasks by id. Implementations guarantee single-document
// atomicity only.
type Store interface {
	Insert(ctx context.Context, t Task) error
	Get(ctx context.Context, id string) (Task, error)
	List(ctx context.Context) ([]Task, error)
	// Replace overwrites an existing task. When expectedVersion is positive the
	// write only succeeds if the stored version still matches.
	Replace(ctx context.Context, t Task, expectedVersion int64) error
	Delete(ctx context.Context, id string) error
}

// Directory resolves user ids to display names.
type Directory interface {
	Remember(ctx context.Context, id Identity) error
	Lookup(ctx context.Context, ids []string) (map[string]string, error)
}

// Publisher delivers task events to connected viewers.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// TaskService applies task mutations and announces them.
type TaskService struct {
	store Store
	users Directory
	pub   Publisher
	scope Scope
	now   func() time.Time
	newID func() string
}

// Option customizes a TaskService.
type Option func(*TaskService)

// WithScope sets the visibility policy. The default is ScopeGlobal.
func WithScope(s Scope) Option { return func(ts *TaskService) { ts.scope = s } }

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option { return func(ts *TaskService) { ts.now = now } }

// WithIDGenerator overrides task id generation.
func WithIDGenerator(gen func() string) Option { return func(ts *TaskService) { ts.newID = gen } }

func NewTaskService(store Store, users Directory, pub Publisher, opts ...Option) *TaskService {
	if store == nil {
		panic("domain.NewTaskService: store is nil")
	}
	s := &TaskService{
		store: store,
		users: users,
		pub:   pub,
		scope: ScopeGlobal,
		now:   func() time.Time { return time.Now().UTC() },
		newID: uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Scope returns the configured visibility policy.
func (s *TaskService) Scope() Scope { return s.scope }

// Create validates in, stores a new task authored by caller and emits
// taskCreated.
func (s *TaskService) Create(ctx context.Context, caller Identity, in CreateInput) (Task, error) {
	if caller.ID == "" {
		return Task{}, ErrAuthentication
	}
	s.remember(ctx, caller)

	in, due, err := in.Validate()
	if err != nil {
		return Task{}, err
	}
	now := s.now()
	t := Task{
		ID:          s.newID(),
		Title:       in.Title,
		Description: in.Description,
		Status:      in.Status,
		DueDate:     due,
		CreatedBy:   caller.Ref(),
		AssignedTo:  assigneeRef(in.AssignedTo),
		CreatedAt:   now,
		UpdatedAt:   now,
		Version:     1,
	}
	if err := s.store.Insert(ctx, t); err != nil {
		return Task{}, fmt.Errorf("insert task: %w", err)
	}
	s.resolve(ctx, []*Task{&t})
	s.publish(ctx, NewCreated(t, caller.ID))
	return t, nil
}

// List returns every task visible to caller with user names resolved.
func (s *TaskService) List(ctx context.Context, caller Identity) ([]Task, error) {
	if caller.ID == "" {
		return nil, ErrAuthentication
	}
	s.remember(ctx, caller)

	all, err := s.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	tasks := make([]Task, 0, len(all))
	for _, t := range all {
		if s.scope.CanSee(caller.ID, t) {
			tasks = append(tasks, t)
		}
	}
	refs := make([]*Task, len(tasks))
	for i := range tasks {
		refs[i] = &tasks[i]
	}
	s.resolve(ctx, refs)
	SortTasks(tasks)
	return tasks, nil
}

// Stats aggregates the tasks visible to caller.
func (s *TaskService) Stats(ctx context.Context, caller Identity) (TaskStats, error) {
	tasks, err := s.List(ctx, caller)
	if err != nil {
		return TaskStats{}, err
	}
	return ComputeStats(tasks), nil
}

// Get returns one task. Tasks hidden by the scope policy look absent.
func (s *TaskService) Get(ctx context.Context, caller Identity, id string) (Task, error) {
	if caller.ID == "" {
		return Task{}, ErrAuthentication
	}
	t, err := s.store.Get(ctx, id)
	if err != nil {
		return Task{}, err
	}
	if !s.scope.CanSee(caller.ID, t) {
		return Task{}, ErrNotFound
	}
	s.resolve(ctx, []*Task{&t})
	return t, nil
}

// Update merges patch into the task. Only the creator or the current assignee
// may update. A positive expectedVersion turns the write into a
// compare-and-swap; zero keeps last-writer-wins.
func (s *TaskService) Update(ctx context.Context, caller Identity, id string, patch Patch, expectedVersion int64) (Task, error) {
	if caller.ID == "" {
		return Task{}, ErrAuthentication
	}
	s.remember(ctx, caller)

	current, err := s.store.Get(ctx, id)
	if err != nil {
		return Task{}, err
	}
	if !s.scope.CanSee(caller.ID, current) {
		return Task{}, ErrNotFound
	}
	if !current.IsCreator(caller.ID) && !current.IsAssignee(caller.ID) {
		return Task{}, ErrForbidden
	}
	if expectedVersion > 0 && expectedVersion != current.Version {
		return Task{}, Conflictf("task was modified (version %d, expected %d)", current.Version, expectedVersion)
	}

	next, err := patch.ApplyTo(current)
	if err != nil {
		return Task{}, err
	}
	next.Version = current.Version + 1
	next.UpdatedAt = s.now()
	if err := s.store.Replace(ctx, next, expectedVersion); err != nil {
		return Task{}, fmt.Errorf("replace task: %w", err)
	}
	s.resolve(ctx, []*Task{&next})
	s.publish(ctx, NewUpdated(current, next, caller.ID))
	return next, nil
}

// Delete removes a task. Only its creator may delete it.
func (s *TaskService) Delete(ctx context.Context, caller Identity, id string) error {
	if caller.ID == "" {
		return ErrAuthentication
	}
	s.remember(ctx, caller)

	current, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if !s.scope.CanSee(caller.ID, current) {
		return ErrNotFound
	}
	if !current.IsCreator(caller.ID) {
		return ErrForbidden
	}
	if err := s.store.Delete(ctx, id); err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	s.publish(ctx, NewDeleted(current, caller.ID))
	return nil
}

func (s *TaskService) publish(ctx context.Context, ev Event) {
	if s.pub == nil {
		return
	}
	ev.At = s.now()
	if err := s.pub.Publish(ctx, ev); err != nil {
		log.WithError(err).WithFields(log.Fields{"event": ev.Type, "task": ev.ID()}).Warn("task event not published")
	}
}

func (s *TaskService) remember(ctx context.Context, caller Identity) {
	if s.users == nil {
		return
	}
	if err := s.users.Remember(ctx, caller); err != nil {
		log.WithError(err).WithField("user", caller.ID).Debug("remember user failed")
	}
}

func (s *TaskService) resolve(ctx context.Context, tasks []*Task) {
	if s.users == nil || len(tasks) == 0 {
		return
	}
	ids := make([]string, 0, len(tasks)*2)
	for _, t := range tasks {
		ids = append(ids, t.CreatedBy.ID)
		if t.AssignedTo != nil {
			ids = append(ids, t.AssignedTo.ID)
		}
	}
	names, err := s.users.Lookup(ctx, ids)
	if err != nil {
		log.WithError(err).Warn("resolve user names failed")
		return
	}
	for _, t := range tasks {
		if n, ok := names[t.CreatedBy.ID]; ok && n != "" {
			t.CreatedBy.Username = n
		}
		if t.AssignedTo != nil {
			assignee := *t.AssignedTo
			if n, ok := names[assignee.ID]; ok && n != "" {
				assignee.Username = n
			}
			t.AssignedTo = &assignee
		}
	}
}
