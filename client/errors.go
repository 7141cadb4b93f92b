package client

import (
	"errors"
	"fmt"

	"github.com/amelbenhazem/task-ws-api/domain"
)

// KindNetwork marks transport failures and timeouts.
const KindNetwork domain.Kind = "network"

var (
	// ErrNetwork matches any transport failure.
	ErrNetwork = &Error{Kind: KindNetwork}
	// ErrAuthentication matches a rejected or missing token.
	ErrAuthentication = &Error{Kind: domain.KindAuthentication, Status: 401}
)

// Error is a failed API call as seen by the client.
type Error struct {
	Kind    domain.Kind
	Status  int
	Message string
}

func (e *Error) Error() string {
	switch {
	case e.Message == "":
		return string(e.Kind)
	case e.Status > 0:
		return fmt.Sprintf("%s (%d): %s", e.Kind, e.Status, e.Message)
	default:
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
}

// Is matches client and domain errors of the same kind, so
// errors.Is(err, domain.ErrNotFound) works on client results.
func (e *Error) Is(target error) bool {
	var ce *Error
	if errors.As(target, &ce) {
		return ce.Kind == e.Kind
	}
	var de *domain.Error
	if errors.As(target, &de) {
		return de.Kind == e.Kind
	}
	return false
}

func kindForStatus(status int) domain.Kind {
	switch status {
	case 400:
		return domain.KindValidation
	case 401:
		return domain.KindAuthentication
	case 403:
		return domain.KindForbidden
	case 404:
		return domain.KindNotFound
	case 409:
		return domain.KindConflict
	default:
		return domain.KindServer
	}
}
