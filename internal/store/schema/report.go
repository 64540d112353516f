package schema

import (
	"strconv"
	"time"

	"github.com/pkg/errors"
)

// Severity is the inspector's assessment attached to a report.
type Severity string

const (
	SeverityNormal   Severity = "normal"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	switch s {
	case SeverityNormal, SeverityWarning, SeverityCritical:
		return true
	}
	return false
}

// ReportStatus is the user-facing sync state of a queued report.
type ReportStatus string

const (
	// ReportPending has never been attempted.
	ReportPending ReportStatus = "pending"
	// ReportRetrying failed at least once and is still retried automatically.
	ReportRetrying ReportStatus = "retrying"
	// ReportFailed reached the attempt ceiling and waits for a manual retry.
	ReportFailed ReportStatus = "failed"
	// ReportSynced was acknowledged by the server.
	ReportSynced ReportStatus = "synced"
)

// QueuedReport is one inspection outcome held in the offline queue.
//
// Only Synced, SyncAttempts, LastSyncAttempt and ErrorMessage change after
// the report is enqueued.
type QueuedReport struct {
	ID            string          `json:"id"`
	TaskID        string          `json:"taskId"`
	Notes         string          `json:"notes"`
	Severity      Severity        `json:"severity"`
	Photos        []string        `json:"photos"`
	Videos        []string        `json:"videos"`
	ChecklistData []ChecklistItem `json:"checklistData"`
	CreatedAt     time.Time       `json:"createdAt"`

	Synced          bool       `json:"synced"`
	SyncAttempts    int        `json:"syncAttempts"`
	LastSyncAttempt *time.Time `json:"lastSyncAttempt,omitempty"`
	ErrorMessage    string     `json:"errorMessage,omitempty"`
}

// Validate checks the fields a report must carry before it is enqueued.
func (r *QueuedReport) Validate() error {
	if r.ID == "" {
		return errors.New("id is required")
	}
	if r.TaskID == "" {
		return errors.New("taskId is required")
	}
	if !r.Severity.Valid() {
		return errors.Errorf("invalid severity %q", r.Severity)
	}
	if r.CreatedAt.IsZero() {
		return errors.New("createdAt is required")
	}
	if r.SyncAttempts < 0 {
		return errors.Errorf("syncAttempts must not be negative (got %d)", r.SyncAttempts)
	}
	return nil
}

// SetDefaults replaces nil collections with empty ones so the stored JSON
// is always an array.
func (r *QueuedReport) SetDefaults() {
	if r.Photos == nil {
		r.Photos = []string{}
	}
	if r.Videos == nil {
		r.Videos = []string{}
	}
	if r.ChecklistData == nil {
		r.ChecklistData = []ChecklistItem{}
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
}

// Status classifies the report for display given the automatic retry ceiling.
func (r *QueuedReport) Status(ceiling int) ReportStatus {
	switch {
	case r.Synced:
		return ReportSynced
	case r.SyncAttempts >= ceiling:
		return ReportFailed
	case r.SyncAttempts > 0:
		return ReportRetrying
	default:
		return ReportPending
	}
}

// Clone returns a deep copy of the report.
func (r *QueuedReport) Clone() *QueuedReport {
	c := *r
	c.Photos = append([]string(nil), r.Photos...)
	c.Videos = append([]string(nil), r.Videos...)
	c.ChecklistData = CloneChecklist(r.ChecklistData)
	if r.LastSyncAttempt != nil {
		t := *r.LastSyncAttempt
		c.LastSyncAttempt = &t
	}
	return &c
}

// MediaType distinguishes the two kinds of report attachments.
type MediaType string

const (
	MediaPhoto MediaType = "photo"
	MediaVideo MediaType = "video"
)

// MediaItem is a local file attached to a queued report.
type MediaItem struct {
	ID        string    `json:"id"`
	ReportID  string    `json:"reportId"`
	FilePath  string    `json:"filePath"`
	FileType  MediaType `json:"fileType"`
	Uploaded  bool      `json:"uploaded"`
	CreatedAt time.Time `json:"createdAt"`
}

// MediaItems lists the attachments of a report, photos first.
func (r *QueuedReport) MediaItems() []MediaItem {
	items := make([]MediaItem, 0, len(r.Photos)+len(r.Videos))
	add := func(paths []string, typ MediaType) {
		for i, p := range paths {
			items = append(items, MediaItem{
				ID:        r.ID + ":" + string(typ) + ":" + strconv.Itoa(i),
				ReportID:  r.ID,
				FilePath:  p,
				FileType:  typ,
				CreatedAt: r.CreatedAt,
			})
		}
	}
	add(r.Photos, MediaPhoto)
	add(r.Videos, MediaVideo)
	return items
}
