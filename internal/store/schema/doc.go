// Package schema defines the records held by the field inspection store.
//
// # Overview
//
// Three record kinds are persisted locally:
//
//   - Task: a server-assigned work item, cached by id with last-write-wins upserts.
//   - QueuedReport: one inspection outcome waiting for (or done with) submission.
//   - MediaItem: a photo or video file reference belonging to a queued report.
//
// The JSON shape of Task and QueuedReport matches the worker API wire format
// (camelCase keys), so values fetched from the server or pushed over the
// WebSocket decode directly into these types.
//
// # Report immutability
//
// A QueuedReport never changes after it is enqueued except for its sync
// tracking fields (Synced, SyncAttempts, LastSyncAttempt, ErrorMessage).
// ChecklistData is a snapshot copied from the task at submission time:
//
//	report := &schema.QueuedReport{
//	    TaskID:        task.ID,
//	    Severity:      schema.SeverityCritical,
//	    ChecklistData: schema.CloneChecklist(task.Checklist),
//	}
//
// Later edits to task.Checklist do not reach the report.
package schema
