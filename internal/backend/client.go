// Package backend is the REST client for the DriveLine notifications API.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/driveline/internal/metrics"
	"github.com/lalithlochan/driveline/internal/notification"
)

var (
	// ErrUnauthorized is wrapped by StatusError for 401 and 403 responses.
	ErrUnauthorized = errors.New("backend: unauthorized")

	// ErrNotFound is wrapped by StatusError for 404 responses.
	ErrNotFound = errors.New("backend: not found")
)

// StatusError is returned for any non-2xx response.
type StatusError struct {
	Op     string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: backend returned %d", e.Op, e.Status)
	}
	return fmt.Sprintf("%s: backend returned %d: %s", e.Op, e.Status, e.Body)
}

// Unwrap maps well-known statuses onto sentinel errors.
func (e *StatusError) Unwrap() error {
	switch e.Status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return ErrUnauthorized
	case http.StatusNotFound:
		return ErrNotFound
	}
	return nil
}

// IsOutage reports whether err means the backend is unreachable or broken.
// A 4xx answer comes from a live backend and is not an outage.
func IsOutage(err error) bool {
	if err == nil {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Status >= http.StatusInternalServerError
	}
	return true
}

// API is the set of backend calls the agent makes.
type API interface {
	FetchUnread(ctx context.Context, username string) ([]notification.Raw, error)
	FetchAll(ctx context.Context, username string) ([]notification.Raw, error)
	MarkAllRead(ctx context.Context, username string) error
	UnreadCount(ctx context.Context, username string) (int64, error)
	MarkRead(ctx context.Context, id string) error
	Delete(ctx context.Context, id string) error
	DeleteAll(ctx context.Context, username string) error
}

// Config holds client settings.
type Config struct {
	BaseURL string // e.g. http://localhost:8080/api
	Token   string
	Timeout time.Duration
}

// Client talks to /notifications on the backend with a bearer token.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	logger  *zap.Logger
}

// New creates a backend client.
func New(cfg Config, logger *zap.Logger) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
		http:    &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

// FetchUnread returns the user's unread backlog.
func (c *Client) FetchUnread(ctx context.Context, username string) ([]notification.Raw, error) {
	return c.fetchList(ctx, "fetch_unread", userPath(username, "unread"))
}

// FetchAll returns the user's full notification history.
func (c *Client) FetchAll(ctx context.Context, username string) ([]notification.Raw, error) {
	return c.fetchList(ctx, "fetch_all", userPath(username, ""))
}

// MarkAllRead marks every notification of the user as read on the server.
func (c *Client) MarkAllRead(ctx context.Context, username string) error {
	return c.do(ctx, "mark_all_read", http.MethodPut, userPath(username, "read-all"), nil)
}

// UnreadCount returns the server-side unread count.
func (c *Client) UnreadCount(ctx context.Context, username string) (int64, error) {
	var body struct {
		UnreadCount int64 `json:"unreadCount"`
	}
	if err := c.do(ctx, "unread_count", http.MethodGet, userPath(username, "unread/count"), &body); err != nil {
		return 0, err
	}
	return body.UnreadCount, nil
}

// MarkRead marks a single notification as read.
func (c *Client) MarkRead(ctx context.Context, id string) error {
	return c.do(ctx, "mark_read", http.MethodPut, "/notifications/"+url.PathEscape(id)+"/read", nil)
}

// Delete removes a single notification.
func (c *Client) Delete(ctx context.Context, id string) error {
	return c.do(ctx, "delete", http.MethodDelete, "/notifications/"+url.PathEscape(id), nil)
}

// DeleteAll removes every notification of the user.
func (c *Client) DeleteAll(ctx context.Context, username string) error {
	return c.do(ctx, "delete_all", http.MethodDelete, userPath(username, ""), nil)
}

func userPath(username, suffix string) string {
	p := "/notifications/user/" + url.PathEscape(username)
	if suffix != "" {
		p += "/" + suffix
	}
	return p
}

// fetchList treats any non-array body as an empty batch.
func (c *Client) fetchList(ctx context.Context, op, path string) ([]notification.Raw, error) {
	var body json.RawMessage
	if err := c.do(ctx, op, http.MethodGet, path, &body); err != nil {
		return nil, err
	}
	raws, err := notification.DecodeBatch(body)
	if err != nil {
		return nil, fmt.Errorf("%s: decode: %w", op, err)
	}
	if raws == nil {
		c.logger.Debug("backend returned non-array payload", zap.String("op", op))
	}
	return raws, nil
}

func (c *Client) do(ctx context.Context, op, method, path string, out any) (err error) {
	start := time.Now()
	defer func() { metrics.RecordBackendCall(op, err, time.Since(start)) }()

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("%s: create request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s: request failed: %w", op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		preview, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Op: op, Status: resp.StatusCode, Body: string(bytes.TrimSpace(preview))}
	}

	if out == nil {
		return nil
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%s: read body: %w", op, err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%s: decode: %w", op, err)
	}
	return nil
}
