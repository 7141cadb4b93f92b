package api

import (
	"context"

	"github.com/amelbenhazem/task-ws-api/domain"
)

// Tasks is the task service used by the handlers.
type Tasks interface {
	Create(ctx context.Context, caller domain.Identity, in domain.CreateInput) (domain.Task, error)
	List(ctx context.Context, caller domain.Identity) ([]domain.Task, error)
	Stats(ctx context.Context, caller domain.Identity) (domain.TaskStats, error)
	Get(ctx context.Context, caller domain.Identity, id string) (domain.Task, error)
	Update(ctx context.Context, caller domain.Identity, id string, patch domain.Patch, expectedVersion int64) (domain.Task, error)
	Delete(ctx context.Context, caller domain.Identity, id string) error
}

// Authenticator is implemented by types able to decode the caller from headers.
type Authenticator interface {
	IdentityFromAuthHeader(string) (domain.Identity, error)
}

// Deduper prevents processing of duplicate create requests.
type Deduper interface {
	// Add records the idempotency key and returns true if it was newly added.
	Add(ctx context.Context, userID, key string) (bool, error)
	// Remove deletes a previously added key, used when the create fails.
	Remove(ctx context.Context, userID, key string) error
}

// SessionCounter reports the number of live stream sessions.
type SessionCounter interface {
	Count() int
}
