package schema

import (
	"math"
	"time"

	"github.com/pkg/errors"
)

// TaskStatus is the lifecycle state of a Task.
type TaskStatus string

const (
	TaskAssigned   TaskStatus = "assigned"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
	TaskUrgent     TaskStatus = "urgent"
)

// Valid reports whether s is a known task status.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskAssigned, TaskInProgress, TaskCompleted, TaskUrgent:
		return true
	}
	return false
}

// Priority ranks how soon a task should be handled.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

// ChecklistItem is one line of an inspection checklist.
type ChecklistItem struct {
	ID       string `json:"id"`
	Label    string `json:"label"`
	Checked  bool   `json:"checked"`
	Required bool   `json:"required"`
}

// Task is a work item assigned to the field worker by the server.
type Task struct {
	ID             string          `json:"id"`
	SubstationID   string          `json:"substationId"`
	SubstationName string          `json:"substationName"`
	Lat            float64         `json:"lat"`
	Lng            float64         `json:"lng"`
	Status         TaskStatus      `json:"status"`
	Priority       Priority        `json:"priority"`
	AssignedAt     time.Time       `json:"assignedAt"`
	Description    string          `json:"description"`
	Checklist      []ChecklistItem `json:"checklist,omitempty"`

	// Local cache bookkeeping, never sent over the wire.
	SyncedAt  time.Time `json:"-"`
	CreatedAt time.Time `json:"-"`
	UpdatedAt time.Time `json:"-"`
}

// Validate checks if the Task has valid field values.
func (t *Task) Validate() error {
	if t.ID == "" {
		return errors.New("id is required")
	}
	if !t.Status.Valid() {
		return errors.Errorf("invalid status %q", t.Status)
	}
	if t.Priority != "" && !t.Priority.Valid() {
		return errors.Errorf("invalid priority %q", t.Priority)
	}
	for i, item := range t.Checklist {
		if item.ID == "" {
			return errors.Errorf("checklist item %d: id is required", i)
		}
	}
	return nil
}

// HasValidLocation reports whether the coordinates can be placed on a map.
// The server sends (0,0) for substations without a surveyed location.
func (t *Task) HasValidLocation() bool {
	if math.IsNaN(t.Lat) || math.IsNaN(t.Lng) || math.IsInf(t.Lat, 0) || math.IsInf(t.Lng, 0) {
		return false
	}
	if t.Lat < -90 || t.Lat > 90 || t.Lng < -180 || t.Lng > 180 {
		return false
	}
	return !(t.Lat == 0 && t.Lng == 0)
}

// Clone returns a deep copy of the task.
func (t *Task) Clone() *Task {
	c := *t
	c.Checklist = CloneChecklist(t.Checklist)
	return &c
}

// CloneChecklist copies a checklist so the result shares no memory with items.
func CloneChecklist(items []ChecklistItem) []ChecklistItem {
	if items == nil {
		return []ChecklistItem{}
	}
	out := make([]ChecklistItem, len(items))
	copy(out, items)
	return out
}

// MissingRequired returns the required checklist items that are not checked.
func MissingRequired(items []ChecklistItem) []ChecklistItem {
	var missing []ChecklistItem
	for _, item := range items {
		if item.Required && !item.Checked {
			missing = append(missing, item)
		}
	}
	return missing
}
