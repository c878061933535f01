package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/lalithlochan/driveline/internal/app"
	"github.com/lalithlochan/driveline/internal/session"
	"github.com/lalithlochan/driveline/internal/store"
	"github.com/lalithlochan/driveline/internal/surface"
)

// Agent is the session the handlers drive. *app.App implements it.
type Agent interface {
	Badge() *surface.Badge
	Dropdown() *surface.Dropdown
	List() *surface.ListPage
	Subscribe() (<-chan store.Event, func())

	MarkAllRead(ctx context.Context) error
	MarkRead(ctx context.Context, id string) (bool, error)
	Remove(ctx context.Context, id string) (bool, error)
	ClearAll(ctx context.Context, remote bool) error
	BackendUnread(ctx context.Context) (int64, error)

	Status() app.Status
	Login(ctx context.Context, creds session.Credentials) error
	Logout(ctx context.Context) error
}

// ErrorResponse represents an error in problem+json format
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// MutationResponse is returned by every write. Local state always changes;
// Persisted says whether the backend confirmed it.
type MutationResponse struct {
	Unread    int    `json:"unread"`
	Total     int    `json:"total"`
	Persisted bool   `json:"persisted"`
	Detail    string `json:"detail,omitempty"`
}

// DropdownResponse is the dropdown view plus any read-all failure.
type DropdownResponse struct {
	surface.DropdownView
	Warning string `json:"warning,omitempty"`
}

// StatusResponse extends the session status with an optional backend check.
type StatusResponse struct {
	app.Status
	BackendUnread *int64 `json:"backendUnread,omitempty"`
	VerifyError   string `json:"verifyError,omitempty"`
}

// LoginRequest represents the login request body
type LoginRequest struct {
	Token    string `json:"token"`
	Username string `json:"username"`
	Role     string `json:"role"`
}

// Handler holds dependencies for API handlers
type Handler struct {
	logger    *zap.Logger
	agent     Agent
	keepAlive time.Duration

	closeOnce sync.Once
	closing   chan struct{}
}

// NewHandler creates a new API handler
func NewHandler(logger *zap.Logger, agent Agent) *Handler {
	return &Handler{
		logger:    logger,
		agent:     agent,
		keepAlive: 15 * time.Second,
		closing:   make(chan struct{}),
	}
}

// CloseStreams ends every open event stream. Register it with
// http.Server.RegisterOnShutdown so Shutdown does not wait on them.
func (h *Handler) CloseStreams() {
	h.closeOnce.Do(func() { close(h.closing) })
}

// GetBadge handles GET /v1/badge
func (h *Handler) GetBadge(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.agent.Badge().View())
}

// GetDropdown handles GET /v1/dropdown
func (h *Handler) GetDropdown(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, DropdownResponse{DropdownView: h.agent.Dropdown().View()})
}

// ToggleDropdown handles POST /v1/dropdown/toggle
// Opening marks everything read; a backend failure is reported as a warning
// and the dropdown stays open.
func (h *Handler) ToggleDropdown(w http.ResponseWriter, r *http.Request) {
	d := h.agent.Dropdown()
	resp := DropdownResponse{}
	if _, err := d.Toggle(r.Context()); err != nil {
		resp.Warning = err.Error()
	}
	resp.DropdownView = d.View()
	h.writeJSON(w, http.StatusOK, resp)
}

// CloseDropdown handles POST /v1/dropdown/close
func (h *Handler) CloseDropdown(w http.ResponseWriter, r *http.Request) {
	d := h.agent.Dropdown()
	d.Close()
	h.writeJSON(w, http.StatusOK, DropdownResponse{DropdownView: d.View()})
}

// ListNotifications handles GET /v1/notifications?refresh=true
// The first call mounts the list page; refresh re-fetches the history.
// Fetch failures show up in the view's error banner.
func (h *Handler) ListNotifications(w http.ResponseWriter, r *http.Request) {
	page := h.agent.List()
	if !page.Mounted() {
		_ = page.Mount(r.Context())
	} else if r.URL.Query().Get("refresh") == "true" {
		_ = page.Refresh(r.Context())
	}
	h.writeJSON(w, http.StatusOK, page.View())
}

// CloseList handles POST /v1/notifications/close
func (h *Handler) CloseList(w http.ResponseWriter, r *http.Request) {
	h.agent.List().Unmount()
	w.WriteHeader(http.StatusNoContent)
}

// MarkAllRead handles POST /v1/notifications/read-all
func (h *Handler) MarkAllRead(w http.ResponseWriter, r *http.Request) {
	err := h.agent.MarkAllRead(r.Context())
	h.writeMutation(w, err)
}

// MarkRead handles POST /v1/notifications/{id}/read
func (h *Handler) MarkRead(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	found, err := h.agent.MarkRead(r.Context(), id)
	if !found {
		h.writeError(w, http.StatusNotFound, "not_found", "Notification not found", fmt.Sprintf("no notification with id %q", id))
		return
	}
	h.writeMutation(w, err)
}

// DeleteNotification handles DELETE /v1/notifications/{id}
func (h *Handler) DeleteNotification(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	found, err := h.agent.Remove(r.Context(), id)
	if !found {
		h.writeError(w, http.StatusNotFound, "not_found", "Notification not found", fmt.Sprintf("no notification with id %q", id))
		return
	}
	h.writeMutation(w, err)
}

// ClearNotifications handles DELETE /v1/notifications?remote=true
func (h *Handler) ClearNotifications(w http.ResponseWriter, r *http.Request) {
	remote := r.URL.Query().Get("remote") == "true"
	err := h.agent.ClearAll(r.Context(), remote)
	if errors.Is(err, app.ErrNoSession) {
		h.writeError(w, http.StatusUnauthorized, "not_logged_in", "No active session", "remote clear needs a signed-in user")
		return
	}
	h.writeMutation(w, err)
}

// GetStatus handles GET /v1/status?verify=true
func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{Status: h.agent.Status()}
	if r.URL.Query().Get("verify") == "true" {
		n, err := h.agent.BackendUnread(r.Context())
		if err != nil {
			resp.VerifyError = err.Error()
		} else {
			resp.BackendUnread = &n
		}
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// Events handles GET /v1/events as a server-sent event stream of store
// changes. The first event carries the current counts.
func (h *Handler) Events(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		h.writeError(w, http.StatusInternalServerError, "streaming_unsupported", "Streaming unsupported", "")
		return
	}

	events, cancel := h.agent.Subscribe()
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	st := h.agent.Status()
	if err := writeEvent(w, store.Event{Op: "sync", Total: st.Total, Unread: st.Unread}); err != nil {
		return
	}
	flusher.Flush()

	ticker := time.NewTicker(h.keepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-h.closing:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := writeEvent(w, ev); err != nil {
				h.logger.Debug("event stream closed", zap.Error(err))
				return
			}
			flusher.Flush()
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, ev store.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Op, data)
	return err
}

// Login handles POST /v1/session/login
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	err := h.agent.Login(r.Context(), session.Credentials{
		Token:    req.Token,
		Username: req.Username,
		Role:     req.Role,
	})
	if errors.Is(err, session.ErrNotLoggedIn) {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Incomplete credentials", err.Error())
		return
	}
	if err != nil {
		h.logger.Error("login failed", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "session_error", "Failed to start session", "")
		return
	}

	h.logger.Info("session login", zap.String("username", h.agent.Status().Username))
	h.writeJSON(w, http.StatusOK, h.agent.Status())
}

// Logout handles POST /v1/session/logout
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	if err := h.agent.Logout(r.Context()); err != nil {
		h.logger.Error("logout incomplete", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "logout_incomplete", "Session ended but cleanup failed", err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "logged_out"})
}

// Health handles GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (h *Handler) writeMutation(w http.ResponseWriter, err error) {
	st := h.agent.Status()
	resp := MutationResponse{Unread: st.Unread, Total: st.Total, Persisted: err == nil}
	if err != nil {
		h.logger.Warn("change kept locally but not persisted", zap.Error(err))
		resp.Detail = err.Error()
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)

	json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}
