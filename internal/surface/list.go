package surface

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/driveline/internal/notification"
)

// ErrNoUser is returned when the list is mounted without a signed-in user.
var ErrNoUser = errors.New("surface: no signed-in user")

// HistoryFetcher loads a user's full notification history.
type HistoryFetcher interface {
	FetchAll(ctx context.Context, username string) ([]notification.Raw, error)
}

// ListStore is the part of the store the list page uses.
type ListStore interface {
	AddMany(raws []notification.Raw) int
	List() []notification.Notification
	Username() string
}

// ListPage is the "all notifications" page. Mounting it fetches the full
// history; with a refresh interval it re-fetches until unmounted.
type ListPage struct {
	store   ListStore
	api     HistoryFetcher
	refresh time.Duration
	logger  *zap.Logger

	mu      sync.Mutex
	mounted bool
	loading bool
	lastErr error
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewListPage creates an unmounted list page. refresh <= 0 disables
// periodic re-fetching.
func NewListPage(store ListStore, api HistoryFetcher, refresh time.Duration, logger *zap.Logger) *ListPage {
	return &ListPage{store: store, api: api, refresh: refresh, logger: logger}
}

// SetFetcher swaps the backend used for history fetches.
func (p *ListPage) SetFetcher(api HistoryFetcher) {
	p.mu.Lock()
	p.api = api
	p.mu.Unlock()
}

// Mount fetches the history once and starts the refresh loop. Mounting an
// already mounted page does nothing. Unmount during the first fetch cancels
// it and no loop is started.
func (p *ListPage) Mount(ctx context.Context) error {
	p.mu.Lock()
	if p.mounted {
		p.mu.Unlock()
		return nil
	}
	loopCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	p.mounted = true
	p.loading = true
	p.cancel = cancel
	p.done = done
	p.mu.Unlock()

	fetchCtx, stopFetch := context.WithCancel(ctx)
	stop := context.AfterFunc(loopCtx, stopFetch)
	err := p.Refresh(fetchCtx)
	stop()
	stopFetch()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.done != done {
		// unmounted while fetching
		if !p.mounted {
			p.loading = false
			p.lastErr = nil
		}
		close(done)
		return err
	}
	if p.refresh <= 0 {
		close(done)
		return err
	}
	go p.loop(loopCtx, done)
	return err
}

// Refresh fetches the history and merges it into the store. A failure is
// kept for the error banner and returned.
func (p *ListPage) Refresh(ctx context.Context) error {
	p.mu.Lock()
	api := p.api
	p.mu.Unlock()

	username := p.store.Username()
	var err error
	if username == "" {
		err = ErrNoUser
	} else {
		var raws []notification.Raw
		raws, err = api.FetchAll(ctx, username)
		if err == nil {
			added := p.store.AddMany(raws)
			p.logger.Debug("history merged",
				zap.Int("fetched", len(raws)),
				zap.Int("added", added),
			)
		} else {
			p.logger.Error("error fetching all notifications", zap.Error(err))
		}
	}

	p.mu.Lock()
	p.loading = false
	p.lastErr = err
	p.mu.Unlock()
	return err
}

func (p *ListPage) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(p.refresh)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Refresh(ctx)
		}
	}
}

// Unmount stops the refresh loop and waits for it to exit.
func (p *ListPage) Unmount() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.mounted = false
	p.loading = false
	p.lastErr = nil
	p.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

// Mounted reports whether the page is mounted.
func (p *ListPage) Mounted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mounted
}

// ListView is the serialized page.
type ListView struct {
	Loading   bool   `json:"loading"`
	Error     string `json:"error,omitempty"`
	Items     []Item `json:"items"`
	EmptyText string `json:"emptyText,omitempty"`
}

// View renders the page.
func (p *ListPage) View() ListView {
	p.mu.Lock()
	v := ListView{Loading: p.loading}
	if p.lastErr != nil {
		v.Error = p.lastErr.Error()
	}
	p.mu.Unlock()

	v.Items = Items(p.store.List())
	if len(v.Items) == 0 && !v.Loading {
		v.EmptyText = EmptyListText
	}
	return v
}
