// Package api talks to the field server over HTTP: report submission,
// task fetches and task status updates.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/fieldops/fieldq/internal/store/schema"
)

// Attachment limits enforced by the server.
const (
	MaxPhotos = 10
	MaxVideos = 5
)

// SubmissionError is a failed report submission: a transport error
// (StatusCode 0) or a non-2xx answer from the server.
type SubmissionError struct {
	StatusCode int
	Reason     string
}

func (e *SubmissionError) Error() string {
	if e.StatusCode == 0 {
		return "submission failed: " + e.Reason
	}
	return fmt.Sprintf("submission failed: HTTP %d: %s", e.StatusCode, e.Reason)
}

// Config holds configuration for the client.
type Config struct {
	// BaseURL is the API root, e.g. http://localhost:3000/api
	BaseURL string

	// Timeout bounds each request
	Timeout time.Duration

	// Token is sent as a bearer token when set
	Token string

	// Logger for client activity
	Logger logrus.FieldLogger
}

// Client is the HTTP client for the field server.
type Client struct {
	http   *resty.Client
	logger logrus.FieldLogger
}

// New creates a Client.
func New(config Config) *Client {
	logger := config.Logger
	if logger == nil {
		logger = logrus.StandardLogger().WithField("component", "api")
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}

	c := resty.New().
		SetBaseURL(config.BaseURL).
		SetTimeout(config.Timeout).
		SetHeader("Accept", "application/json").
		SetLogger(logger)
	if config.Token != "" {
		c.SetAuthToken(config.Token)
	}

	return &Client{http: c, logger: logger}
}

// Submit posts one report as multipart form data. The report id is sent
// both as a form field and as the Idempotency-Key header so the server can
// drop duplicates.
//
// Every failure is returned as a *SubmissionError.
func (c *Client) Submit(ctx context.Context, r *schema.QueuedReport) error {
	if len(r.Photos) > MaxPhotos {
		return &SubmissionError{Reason: fmt.Sprintf("too many photos (%d > %d)", len(r.Photos), MaxPhotos)}
	}
	if len(r.Videos) > MaxVideos {
		return &SubmissionError{Reason: fmt.Sprintf("too many videos (%d > %d)", len(r.Videos), MaxVideos)}
	}

	checklist, err := json.Marshal(schema.CloneChecklist(r.ChecklistData))
	if err != nil {
		return &SubmissionError{Reason: "encode checklist: " + err.Error()}
	}

	req := c.http.R().
		SetContext(ctx).
		SetHeader("Idempotency-Key", r.ID).
		SetMultipartFormData(map[string]string{
			"reportId":      r.ID,
			"taskId":        r.TaskID,
			"notes":         r.Notes,
			"severity":      string(r.Severity),
			"checklistData": string(checklist),
		})

	var files []*os.File
	defer func() {
		for _, f := range files {
			f.Close()
		}
	}()

	attach := func(param string, paths []string) error {
		for _, p := range paths {
			f, err := os.Open(p)
			if err != nil {
				return &SubmissionError{Reason: fmt.Sprintf("open %s: %v", param, err)}
			}
			files = append(files, f)
			req.SetFileReader(param, filepath.Base(p), f)
		}
		return nil
	}
	if err := attach("photos", r.Photos); err != nil {
		return err
	}
	if err := attach("videos", r.Videos); err != nil {
		return err
	}

	resp, err := req.Post("/worker/reports")
	if err != nil {
		return &SubmissionError{Reason: err.Error()}
	}
	if resp.IsError() {
		return &SubmissionError{StatusCode: resp.StatusCode(), Reason: errorReason(resp)}
	}

	c.logger.WithFields(logrus.Fields{
		"report": r.ID,
		"status": resp.StatusCode(),
	}).Debug("report submitted")
	return nil
}

// FetchTasks returns the tasks assigned to the worker.
func (c *Client) FetchTasks(ctx context.Context) ([]*schema.Task, error) {
	var tasks []*schema.Task
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&tasks).
		Get("/worker/tasks")
	if err != nil {
		return nil, errors.Wrap(err, "failed to fetch tasks")
	}
	if resp.IsError() {
		return nil, errors.Errorf("failed to fetch tasks: HTTP %d: %s", resp.StatusCode(), errorReason(resp))
	}
	return tasks, nil
}

// FetchTask returns one task by id.
func (c *Client) FetchTask(ctx context.Context, id string) (*schema.Task, error) {
	var task schema.Task
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("id", id).
		SetResult(&task).
		Get("/worker/tasks/{id}")
	if err != nil {
		return nil, errors.Wrapf(err, "failed to fetch task %s", id)
	}
	if resp.IsError() {
		return nil, errors.Errorf("failed to fetch task %s: HTTP %d: %s", id, resp.StatusCode(), errorReason(resp))
	}
	return &task, nil
}

// UpdateTaskStatus reports a task status change to the server.
func (c *Client) UpdateTaskStatus(ctx context.Context, id string, status schema.TaskStatus) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("id", id).
		SetBody(map[string]string{"status": string(status)}).
		Patch("/worker/tasks/{id}/status")
	if err != nil {
		return errors.Wrapf(err, "failed to update task %s", id)
	}
	if resp.IsError() {
		return errors.Errorf("failed to update task %s: HTTP %d: %s", id, resp.StatusCode(), errorReason(resp))
	}
	return nil
}

// errorReason extracts a message from an error response body, falling back
// to the HTTP status text.
func errorReason(resp *resty.Response) string {
	var body struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(resp.Body(), &body); err == nil {
		if body.Message != "" {
			return body.Message
		}
		if body.Error != "" {
			return body.Error
		}
	}
	return http.StatusText(resp.StatusCode())
}
