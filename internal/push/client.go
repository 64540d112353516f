// Package push receives server task events over a WebSocket connection
// and hands them to a Handler.
//
// Frames are JSON text messages:
//
//	{"type":"task:assigned","data":{...task...}}
//	{"type":"task:updated","data":{"taskId":"t1","changes":{"status":"urgent"}}}
//	{"type":"task:deleted","data":"t1"}
package push

import (
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/avast/retry-go"
	"github.com/coder/websocket"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/fieldops/fieldq/internal/store/schema"
)

// Event types sent by the server.
const (
	EventTaskAssigned = "task:assigned"
	EventTaskUpdated  = "task:updated"
	EventTaskDeleted  = "task:deleted"
)

// Frame is one message from the server.
type Frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// TaskChanges is the partial update carried by task:updated. Nil fields are
// left unchanged.
type TaskChanges struct {
	Status      *schema.TaskStatus `json:"status,omitempty"`
	Priority    *schema.Priority   `json:"priority,omitempty"`
	Description *string            `json:"description,omitempty"`
}

// Apply copies the set fields onto task.
func (c TaskChanges) Apply(task *schema.Task) {
	if c.Status != nil {
		task.Status = *c.Status
	}
	if c.Priority != nil {
		task.Priority = *c.Priority
	}
	if c.Description != nil {
		task.Description = *c.Description
	}
}

// Handler applies task events to local state.
type Handler interface {
	TaskAssigned(ctx context.Context, task *schema.Task) error
	TaskUpdated(ctx context.Context, id string, changes TaskChanges) error
	TaskDeleted(ctx context.Context, id string) error
}

// Config holds configuration for the client.
type Config struct {
	// URL is the WebSocket endpoint, e.g. ws://localhost:3000/ws
	URL string

	// Token is sent as a bearer token when set
	Token string

	// DialAttempts bounds one round of reconnect attempts
	DialAttempts uint

	// RetryDelay is the initial reconnect delay; it doubles up to MaxRetryDelay
	RetryDelay    time.Duration
	MaxRetryDelay time.Duration

	// Logger for client activity
	Logger logrus.FieldLogger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		URL:           "ws://localhost:3000/ws",
		DialAttempts:  10,
		RetryDelay:    time.Second,
		MaxRetryDelay: 30 * time.Second,
		Logger:        logrus.StandardLogger().WithField("component", "push"),
	}
}

// Client keeps a WebSocket connection to the server open and dispatches
// incoming events.
type Client struct {
	config    *Config
	handler   Handler
	logger    logrus.FieldLogger
	connected atomic.Bool
}

// New creates a Client.
func New(handler Handler, config *Config) (*Client, error) {
	if handler == nil {
		return nil, errors.New("handler cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	defaults := DefaultConfig()
	if config.DialAttempts == 0 {
		config.DialAttempts = defaults.DialAttempts
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = defaults.RetryDelay
	}
	if config.MaxRetryDelay <= 0 {
		config.MaxRetryDelay = defaults.MaxRetryDelay
	}
	logger := config.Logger
	if logger == nil {
		logger = defaults.Logger
	}
	return &Client{config: config, handler: handler, logger: logger}, nil
}

// Connected reports whether the connection is currently open.
func (c *Client) Connected() bool {
	return c.connected.Load()
}

// Run connects and reconnects until ctx is done.
func (c *Client) Run(ctx context.Context) error {
	for {
		conn, err := c.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.WithError(err).Warn("push connection unavailable, backing off")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(c.config.MaxRetryDelay):
			}
			continue
		}

		err = c.readLoop(ctx, conn)
		if ctx.Err() != nil {
			return nil
		}
		c.logger.WithError(err).Info("push connection lost, reconnecting")
	}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	var conn *websocket.Conn

	opts := &websocket.DialOptions{}
	if c.config.Token != "" {
		opts.HTTPHeader = http.Header{"Authorization": []string{"Bearer " + c.config.Token}}
	}

	err := retry.Do(
		func() error {
			dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			var err error
			conn, _, err = websocket.Dial(dialCtx, c.config.URL, opts)
			return err
		},
		retry.Context(ctx),
		retry.Attempts(c.config.DialAttempts),
		retry.Delay(c.config.RetryDelay),
		retry.MaxDelay(c.config.MaxRetryDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			c.logger.Debugf("push dial attempt %d failed: %v", n+1, err)
		}),
	)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to connect to %s", c.config.URL)
	}
	return conn, nil
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) error {
	c.connected.Store(true)
	c.logger.WithField("url", c.config.URL).Info("push connected")
	defer func() {
		c.connected.Store(false)
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}()

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		if typ != websocket.MessageText {
			continue
		}
		if err := c.Dispatch(ctx, data); err != nil {
			c.logger.WithError(err).Warn("failed to apply push event")
		}
	}
}

// Dispatch decodes one frame and calls the matching Handler method.
// Unknown event types are ignored.
func (c *Client) Dispatch(ctx context.Context, data []byte) error {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return errors.Wrap(err, "malformed frame")
	}

	switch f.Type {
	case EventTaskAssigned:
		var task schema.Task
		if err := json.Unmarshal(f.Data, &task); err != nil {
			return errors.Wrap(err, "malformed task:assigned payload")
		}
		return c.handler.TaskAssigned(ctx, &task)

	case EventTaskUpdated:
		var update struct {
			TaskID  string      `json:"taskId"`
			Changes TaskChanges `json:"changes"`
		}
		if err := json.Unmarshal(f.Data, &update); err != nil {
			return errors.Wrap(err, "malformed task:updated payload")
		}
		if update.TaskID == "" {
			return errors.New("task:updated without taskId")
		}
		return c.handler.TaskUpdated(ctx, update.TaskID, update.Changes)

	case EventTaskDeleted:
		id, err := taskID(f.Data)
		if err != nil {
			return err
		}
		return c.handler.TaskDeleted(ctx, id)

	default:
		c.logger.Debugf("ignoring push event %q", f.Type)
		return nil
	}
}

// taskID accepts either a bare JSON string or {"taskId": "..."}.
func taskID(data json.RawMessage) (string, error) {
	var id string
	if err := json.Unmarshal(data, &id); err == nil && id != "" {
		return id, nil
	}
	var obj struct {
		TaskID string `json:"taskId"`
	}
	if err := json.Unmarshal(data, &obj); err == nil && obj.TaskID != "" {
		return obj.TaskID, nil
	}
	return "", errors.New("task:deleted without taskId")
}
