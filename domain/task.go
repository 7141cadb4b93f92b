package domain

import (
	"sort"
	"time"
)

// Status is the lifecycle state of a task.
type Status string

const (
	StatusInProgress Status = "in_progress"
	StatusDone       Status = "done"
	StatusCancelled  Status = "cancelled"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusInProgress, StatusDone, StatusCancelled:
		return true
	}
	return false
}

// UserRef identifies a user together with its display name.
type UserRef struct {
	ID       string `json:"id"`
	Username string `json:"username,omitempty"`
}

// Task is a shared work item.
type Task struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Status      Status     `json:"status"`
	DueDate     *time.Time `json:"dueDate,omitempty"`
	CreatedBy   UserRef    `json:"createdBy"`
	AssignedTo  *UserRef   `json:"assignedTo,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	Version     int64      `json:"version"`
}

// IsCreator reports whether userID authored the task.
func (t Task) IsCreator(userID string) bool {
	return userID != "" && t.CreatedBy.ID == userID
}

// IsAssignee reports whether userID is the current assignee.
func (t Task) IsAssignee(userID string) bool {
	return userID != "" && t.AssignedTo != nil && t.AssignedTo.ID == userID
}

// Participants returns the ids of the creator and the assignee, if any.
func (t Task) Participants() []string {
	ids := []string{t.CreatedBy.ID}
	if t.AssignedTo != nil && t.AssignedTo.ID != "" && t.AssignedTo.ID != t.CreatedBy.ID {
		ids = append(ids, t.AssignedTo.ID)
	}
	return ids
}

// TaskStats aggregates a task collection by status.
type TaskStats struct {
	Total      int `json:"total"`
	InProgress int `json:"in_progress"`
	Done       int `json:"done"`
	Cancelled  int `json:"cancelled"`
}

// ComputeStats derives the aggregate from tasks. Unknown statuses count
// toward no bucket, so callers must only pass validated tasks.
func ComputeStats(tasks []Task) TaskStats {
	var s TaskStats
	for _, t := range tasks {
		switch t.Status {
		case StatusInProgress:
			s.InProgress++
		case StatusDone:
			s.Done++
		case StatusCancelled:
			s.Cancelled++
		default:
			continue
		}
		s.Total++
	}
	return s
}

// SortTasks orders tasks by creation time, then id.
func SortTasks(tasks []Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		if !tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
		}
		return tasks[i].ID < tasks[j].ID
	})
}
