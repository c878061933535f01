// Package app wires one signed-in session together: the store, the push
// channel, the backend client, the background workers and the surfaces that
// read them.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/driveline/internal/backend"
	"github.com/lalithlochan/driveline/internal/circuitbreaker"
	"github.com/lalithlochan/driveline/internal/notification"
	"github.com/lalithlochan/driveline/internal/observ"
	"github.com/lalithlochan/driveline/internal/realtime"
	"github.com/lalithlochan/driveline/internal/session"
	"github.com/lalithlochan/driveline/internal/store"
	"github.com/lalithlochan/driveline/internal/surface"
	"github.com/lalithlochan/driveline/internal/worker"
)

// ErrNoSession is returned by backend operations while nobody is signed in.
var ErrNoSession = errors.New("app: no active session")

// ErrSessionActive is returned by Start when a session is already running.
var ErrSessionActive = errors.New("app: session already active")

// Config holds the settings a session is built from.
type Config struct {
	APIURL           string
	WSPath           string
	HTTPTimeout      time.Duration
	ReconnectDelay   time.Duration
	PollInterval     time.Duration
	ListRefresh      time.Duration
	PreviewLimit     int
	SnapshotDebounce time.Duration
	Breaker          circuitbreaker.Config
}

// Snapshots persists the store between runs.
type Snapshots interface {
	worker.SnapshotStore
	Delete(ctx context.Context, username string) error
}

// CredentialStore keeps credentials across restarts.
type CredentialStore interface {
	Save(c session.Credentials) error
	Clear() error
}

// Options are the optional collaborators. Nil fields disable the feature.
type Options struct {
	Snapshots   Snapshots
	Credentials CredentialStore
	Sources     []session.Source

	// NewBackend overrides how the REST client is built.
	NewBackend func(cfg backend.Config, logger *zap.Logger) backend.API
}

type running struct {
	creds   session.Credentials
	api     *circuitbreaker.ProtectedBackend
	channel *realtime.Channel
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// App is safe for concurrent use.
type App struct {
	cfg    Config
	opts   Options
	logger *zap.Logger

	store    *store.Store
	breaker  *circuitbreaker.CircuitBreaker
	badge    *surface.Badge
	dropdown *surface.Dropdown
	list     *surface.ListPage

	// lifecycle serializes Start, Login, Logout and Close
	lifecycle sync.Mutex

	mu   sync.Mutex
	sess *running
}

// New builds an app with no active session.
func New(cfg Config, opts Options, logger *zap.Logger) *App {
	if cfg.Breaker.Name == "" {
		cfg.Breaker.Name = "driveline-backend"
	}
	if opts.NewBackend == nil {
		opts.NewBackend = func(c backend.Config, l *zap.Logger) backend.API {
			return backend.New(c, l)
		}
	}

	st := store.New(nil, logger)
	return &App{
		cfg:      cfg,
		opts:     opts,
		logger:   logger,
		store:    st,
		breaker:  circuitbreaker.New(cfg.Breaker, logger),
		badge:    surface.NewBadge(st),
		dropdown: surface.NewDropdown(st, cfg.PreviewLimit, logger),
		list:     surface.NewListPage(st, noSession{}, cfg.ListRefresh, logger),
	}
}

// Start resolves credentials from the configured sources and begins a
// session. Missing credentials are not an error: the channel reports
// not-logged-in and the surfaces stay empty.
func (a *App) Start(ctx context.Context) error {
	a.lifecycle.Lock()
	defer a.lifecycle.Unlock()

	creds := session.Resolve(a.logger, a.opts.Sources...)
	return a.begin(ctx, creds)
}

// Login replaces the current session with one for creds, remembering them
// when a credential store is configured.
func (a *App) Login(ctx context.Context, creds session.Credentials) error {
	creds = session.Resolve(a.logger, creds)
	if err := creds.Validate(); err != nil {
		return err
	}

	a.lifecycle.Lock()
	defer a.lifecycle.Unlock()

	a.end()
	if a.opts.Credentials != nil {
		if err := a.opts.Credentials.Save(creds); err != nil {
			a.logger.Warn("credentials not saved", zap.Error(err))
		}
	}
	return a.begin(ctx, creds)
}

func (a *App) begin(ctx context.Context, creds session.Credentials) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sess != nil {
		return ErrSessionActive
	}

	logger := observ.ForSession(a.logger, creds.Username, creds.NormalizedRole())

	a.store.Reset(creds.Username)
	a.breaker.Reset()

	client := a.opts.NewBackend(backend.Config{
		BaseURL: a.cfg.APIURL,
		Token:   creds.Token,
		Timeout: a.cfg.HTTPTimeout,
	}, logger)
	api := circuitbreaker.NewProtectedBackend(client, a.breaker, logger)

	pushURL, err := realtime.PushURL(a.cfg.APIURL, a.cfg.WSPath)
	if err != nil {
		return fmt.Errorf("push url: %w", err)
	}
	ch := realtime.New(realtime.Config{
		URL:            pushURL,
		ReconnectDelay: a.cfg.ReconnectDelay,
	}, creds, a.store, logger)

	// the session outlives the request that started it; end cancels it
	sctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &running{creds: creds, api: api, channel: ch, cancel: cancel}
	a.sess = s

	if err := ch.Start(sctx); err != nil {
		logger.Warn("session started without push", zap.Error(err))
		return nil
	}
	a.store.SetBackend(api)
	a.list.SetFetcher(api)

	if a.opts.Snapshots != nil {
		snap := worker.NewSnapshotter(a.opts.Snapshots, a.store, a.cfg.SnapshotDebounce, logger)
		snap.Restore(sctx)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			snap.Start(sctx)
		}()
	}

	poller := worker.New(api, a.store, worker.Config{PollInterval: a.cfg.PollInterval}, logger)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		poller.Start(sctx)
	}()

	logger.Info("session started", zap.String("push_url", pushURL))
	return nil
}

// end stops the running session and waits for its goroutines.
func (a *App) end() *running {
	a.mu.Lock()
	s := a.sess
	a.sess = nil
	a.mu.Unlock()

	if s == nil {
		return nil
	}
	s.cancel()
	s.channel.Close()
	s.wg.Wait()
	return s
}

// Logout tears the session down and forgets everything about the user: the
// store is emptied, stored credentials are cleared and the snapshot is
// deleted.
func (a *App) Logout(ctx context.Context) error {
	a.lifecycle.Lock()
	defer a.lifecycle.Unlock()

	s := a.end()
	a.list.Unmount()
	a.dropdown.Close()
	a.store.Reset("")
	a.store.SetBackend(nil)
	a.list.SetFetcher(noSession{})

	var errs []error
	if a.opts.Credentials != nil {
		if err := a.opts.Credentials.Clear(); err != nil {
			errs = append(errs, err)
		}
	}
	if s != nil && a.opts.Snapshots != nil && s.creds.Username != "" {
		if err := a.opts.Snapshots.Delete(ctx, s.creds.Username); err != nil {
			errs = append(errs, err)
		}
	}

	a.logger.Info("logged out")
	return errors.Join(errs...)
}

// Close stops the session, keeping credentials and the snapshot.
func (a *App) Close() {
	a.lifecycle.Lock()
	defer a.lifecycle.Unlock()

	a.end()
	a.list.Unmount()
}

func (a *App) current() *running {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sess
}

func (a *App) Store() *store.Store                     { return a.store }
func (a *App) Badge() *surface.Badge                   { return a.badge }
func (a *App) Dropdown() *surface.Dropdown             { return a.dropdown }
func (a *App) List() *surface.ListPage                 { return a.list }
func (a *App) Breaker() *circuitbreaker.CircuitBreaker { return a.breaker }

// Subscribe follows store changes.
func (a *App) Subscribe() (<-chan store.Event, func()) {
	return a.store.Subscribe()
}

// MarkAllRead marks every notification read locally and on the backend.
func (a *App) MarkAllRead(ctx context.Context) error {
	return a.store.MarkAllRead(ctx)
}

// MarkRead marks one notification read. found is false when no
// notification matches id; err reports a failed backend write.
func (a *App) MarkRead(ctx context.Context, id string) (found bool, err error) {
	if !a.store.MarkOneRead(id) {
		return false, nil
	}
	s := a.current()
	if s == nil || !s.creds.Complete() {
		return true, nil
	}
	if err := s.api.MarkRead(ctx, id); err != nil {
		return true, fmt.Errorf("mark read: %w", err)
	}
	return true, nil
}

// Remove deletes one notification locally and on the backend.
func (a *App) Remove(ctx context.Context, id string) (found bool, err error) {
	if !a.store.RemoveOne(id) {
		return false, nil
	}
	s := a.current()
	if s == nil || !s.creds.Complete() {
		return true, nil
	}
	if err := s.api.Delete(ctx, id); err != nil {
		return true, fmt.Errorf("delete: %w", err)
	}
	return true, nil
}

// ClearAll empties the local list. With remote set the user's history is
// deleted on the backend too.
func (a *App) ClearAll(ctx context.Context, remote bool) error {
	a.store.ClearAll()
	if !remote {
		return nil
	}
	s := a.current()
	if s == nil || !s.creds.Complete() {
		return ErrNoSession
	}
	if err := s.api.DeleteAll(ctx, s.creds.Username); err != nil {
		return fmt.Errorf("delete all: %w", err)
	}
	return nil
}

// BackendUnread asks the backend for its unread count.
func (a *App) BackendUnread(ctx context.Context) (int64, error) {
	s := a.current()
	if s == nil || !s.creds.Complete() {
		return 0, ErrNoSession
	}
	return s.api.UnreadCount(ctx, s.creds.Username)
}

// Status is the session summary served on /v1/status.
type Status struct {
	Username string               `json:"username,omitempty"`
	Role     string               `json:"role,omitempty"`
	Channel  realtime.State       `json:"channel"`
	Total    int                  `json:"total"`
	Unread   int                  `json:"unread"`
	Breaker  circuitbreaker.Stats `json:"breaker"`
}

// Status reports the session state.
func (a *App) Status() Status {
	st := Status{
		Channel: realtime.StateNotLoggedIn,
		Total:   a.store.Len(),
		Unread:  a.store.UnreadCount(),
		Breaker: a.breaker.Stats(),
	}
	if s := a.current(); s != nil {
		st.Username = s.creds.Username
		st.Role = s.creds.NormalizedRole()
		st.Channel = s.channel.State()
	}
	return st
}

// noSession answers history fetches while nobody is signed in.
type noSession struct{}

func (noSession) FetchAll(ctx context.Context, username string) ([]notification.Raw, error) {
	return nil, ErrNoSession
}
