package domain

import (
	"strings"
	"time"
	"unicode/utf8"
)

const (
	maxTitleLen       = 200
	maxDescriptionLen = 2000
	dateLayout        = "2006-01-02"
)

// CreateInput is the payload accepted when creating a task.
type CreateInput struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Status      Status `json:"status,omitempty"`
	DueDate     string `json:"dueDate,omitempty"`
	AssignedTo  string `json:"assignedTo,omitempty"`
}

// Patch carries the fields of an update. Nil fields are left unchanged and an
// empty string clears the optional ones.
type Patch struct {
	Title       *string `json:"title,omitempty"`
	Description *string `json:"description,omitempty"`
	Status      *Status `json:"status,omitempty"`
	DueDate     *string `json:"dueDate,omitempty"`
	AssignedTo  *string `json:"assignedTo,omitempty"`
}

// Empty reports whether the patch changes nothing.
func (p Patch) Empty() bool {
	return p.Title == nil && p.Description == nil && p.Status == nil && p.DueDate == nil && p.AssignedTo == nil
}

func normalizeTitle(raw string) (string, error) {
	title := strings.TrimSpace(raw)
	if title == "" {
		return "", Validationf("title is required")
	}
	if utf8.RuneCountInString(title) > maxTitleLen {
		return "", Validationf("title must be at most %d characters", maxTitleLen)
	}
	return title, nil
}

func normalizeDescription(raw string) (string, error) {
	if utf8.RuneCountInString(raw) > maxDescriptionLen {
		return "", Validationf("description must be at most %d characters", maxDescriptionLen)
	}
	return raw, nil
}

func normalizeStatus(s Status) (Status, error) {
	if s == "" {
		return StatusInProgress, nil
	}
	if !s.Valid() {
		return "", Validationf("status must be one of in_progress, done, cancelled")
	}
	return s, nil
}

// ParseDueDate accepts RFC3339 timestamps or plain YYYY-MM-DD dates. An empty
// string yields nil.
func ParseDueDate(raw string) (*time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		t = t.UTC()
		return &t, nil
	}
	t, err := time.Parse(dateLayout, raw)
	if err != nil {
		return nil, Validationf("dueDate must be a date (YYYY-MM-DD) or RFC3339 timestamp")
	}
	return &t, nil
}

func assigneeRef(raw string) *UserRef {
	id := strings.TrimSpace(raw)
	if id == "" {
		return nil
	}
	return &UserRef{ID: id}
}

// Validate checks the create input and returns it normalized.
func (in CreateInput) Validate() (CreateInput, *time.Time, error) {
	title, err := normalizeTitle(in.Title)
	if err != nil {
		return in, nil, err
	}
	desc, err := normalizeDescription(in.Description)
	if err != nil {
		return in, nil, err
	}
	status, err := normalizeStatus(in.Status)
	if err != nil {
		return in, nil, err
	}
	due, err := ParseDueDate(in.DueDate)
	if err != nil {
		return in, nil, err
	}
	in.Title = title
	in.Description = desc
	in.Status = status
	in.AssignedTo = strings.TrimSpace(in.AssignedTo)
	return in, due, nil
}

// ApplyTo returns a copy of t with the patch merged in. The task identity,
// creator and timestamps are never touched.
func (p Patch) ApplyTo(t Task) (Task, error) {
	if p.Title != nil {
		title, err := normalizeTitle(*p.Title)
		if err != nil {
			return t, err
		}
		t.Title = title
	}
	if p.Description != nil {
		desc, err := normalizeDescription(*p.Description)
		if err != nil {
			return t, err
		}
		t.Description = desc
	}
	if p.Status != nil {
		if !p.Status.Valid() {
			return t, Validationf("status must be one of in_progress, done, cancelled")
		}
		t.Status = *p.Status
	}
	if p.DueDate != nil {
		due, err := ParseDueDate(*p.DueDate)
		if err != nil {
			return t, err
		}
		t.DueDate = due
	}
	if p.AssignedTo != nil {
		t.AssignedTo = assigneeRef(*p.AssignedTo)
	}
	return t, nil
}
