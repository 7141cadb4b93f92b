package domain

import (
	"fmt"
	"slices"
	"strings"
)

// Scope decides which tasks and events a user may see.
type Scope string

const (
	// ScopeGlobal exposes every task and event to every authenticated user.
	ScopeGlobal Scope = "global"
	// ScopeParticipants limits visibility to the creator and the assignee.
	ScopeParticipants Scope = "participants"
)

// ParseScope converts a configuration value to a Scope. Empty means global.
func ParseScope(raw string) (Scope, error) {
	switch Scope(strings.ToLower(strings.TrimSpace(raw))) {
	case "", ScopeGlobal:
		return ScopeGlobal, nil
	case ScopeParticipants:
		return ScopeParticipants, nil
	default:
		return "", fmt.Errorf("unknown task visibility %q", raw)
	}
}

// CanSee reports whether userID may read t.
func (s Scope) CanSee(userID string, t Task) bool {
	if s != ScopeParticipants {
		return true
	}
	return t.IsCreator(userID) || t.IsAssignee(userID)
}

// Delivers reports whether ev should be sent to a session of userID.
func (s Scope) Delivers(userID string, ev Event) bool {
	if s != ScopeParticipants {
		return true
	}
	return slices.Contains(ev.Participants, userID)
}
