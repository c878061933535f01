package surface

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/driveline/internal/notification"
	"github.com/lalithlochan/driveline/internal/store"
)

// MockMarker counts read-all calls
type MockMarker struct {
	calls      atomic.Int32
	shouldFail bool
}

func (m *MockMarker) MarkAllRead(ctx context.Context, username string) error {
	m.calls.Add(1)
	if m.shouldFail {
		return errors.New("backend unavailable")
	}
	return nil
}

// MockFetcher serves a fixed history
type MockFetcher struct {
	mu         sync.Mutex
	raws       []notification.Raw
	calls      int
	shouldFail bool
}

func (m *MockFetcher) FetchAll(ctx context.Context, username string) ([]notification.Raw, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.shouldFail {
		return nil, errors.New("connection refused")
	}
	return m.raws, nil
}

func (m *MockFetcher) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func newStore(marker store.ReadAllMarker) *store.Store {
	s := store.New(marker, zap.NewNop())
	s.Reset("bob")
	return s
}

func TestNewItem(t *testing.T) {
	n := notification.Notification{
		ID:        "n1",
		Title:     "Oil change",
		Message:   "Bus 12 is due",
		Type:      notification.TypeMaintenance,
		BusNumber: "12",
		CreatedAt: notification.TimestampFromParts(2025, 10, 25, 19, 58, 11, 932000000),
	}

	item := NewItem(n)
	if item.CreatedAt != "2025-10-25 19:58:11" {
		t.Errorf("CreatedAt = %q", item.CreatedAt)
	}
	if item.Tag != NewTag {
		t.Errorf("unread item should be tagged, got %q", item.Tag)
	}

	n.IsRead = true
	n.CreatedAt = notification.TimestampFromString("invalid-date-string")
	item = NewItem(n)
	if item.Tag != "" || item.CreatedAt != notification.InvalidDate {
		t.Errorf("unexpected read item: %+v", item)
	}
}

func TestBadge(t *testing.T) {
	s := newStore(nil)
	b := NewBadge(s)

	if b.Visible() || b.Label() != "" || b.Count() != 0 {
		t.Errorf("empty badge should be hidden: %+v", b.View())
	}

	s.AddMany([]notification.Raw{{ID: "1"}, {ID: "2"}, {ID: "3"}})
	s.MarkOneRead("2")

	v := b.View()
	if !v.Visible || v.Count != 2 || v.Label != "2" {
		t.Errorf("View() = %+v", v)
	}
	if b.Label() != "2" {
		t.Errorf("Label() = %q", b.Label())
	}
}

func TestDropdown_MarksReadOnlyWhenOpening(t *testing.T) {
	marker := &MockMarker{}
	s := newStore(marker)
	s.AddMany([]notification.Raw{{ID: "1"}, {ID: "2"}})
	d := NewDropdown(s, 0, zap.NewNop())

	open, err := d.Toggle(context.Background())
	if err != nil || !open {
		t.Fatalf("first toggle: open=%v err=%v", open, err)
	}
	if s.UnreadCount() != 0 {
		t.Errorf("opening should mark all read, unread = %d", s.UnreadCount())
	}

	open, _ = d.Toggle(context.Background())
	if open {
		t.Fatal("second toggle should close")
	}
	if got := marker.calls.Load(); got != 1 {
		t.Errorf("read-all calls = %d, want 1", got)
	}

	d.Toggle(context.Background())
	d.Close()
	d.Toggle(context.Background())
	if got := marker.calls.Load(); got != 3 {
		t.Errorf("read-all calls = %d, want 3", got)
	}
}

func TestDropdown_BackendFailureStillOpens(t *testing.T) {
	s := newStore(&MockMarker{shouldFail: true})
	s.AddMany([]notification.Raw{{ID: "1"}})
	d := NewDropdown(s, 5, zap.NewNop())

	open, err := d.Toggle(context.Background())
	if err == nil || !open {
		t.Fatalf("open=%v err=%v", open, err)
	}
	if !d.IsOpen() || s.UnreadCount() != 0 {
		t.Error("dropdown should be open with local state read")
	}
}

func TestDropdown_View(t *testing.T) {
	s := newStore(nil)
	d := NewDropdown(s, 3, zap.NewNop())

	v := d.View()
	if v.EmptyText != EmptyDropdownText || len(v.Items) != 0 || v.More {
		t.Errorf("empty view = %+v", v)
	}

	for i := 0; i < 5; i++ {
		s.AddUnique(notification.Raw{ID: notification.WireID(fmt.Sprint(i))})
	}
	v = d.View()
	if len(v.Items) != 3 || !v.More || v.EmptyText != "" {
		t.Fatalf("capped view = %+v", v)
	}
	if v.Items[0].ID != "4" {
		t.Errorf("newest push should be first, got %s", v.Items[0].ID)
	}
	if v.Unread != 5 || v.SeeAll != SeeAllPath {
		t.Errorf("unexpected view: %+v", v)
	}
}

func TestListPage_MountMerges(t *testing.T) {
	s := newStore(nil)
	s.AddUnique(notification.Raw{ID: "pushed"})
	fetcher := &MockFetcher{raws: []notification.Raw{
		{ID: "h1", CreatedAt: notification.TimestampFromString("2025-10-25T19:58:11")},
		{MongoID: "pushed"},
		{ID: "h2"},
	}}
	page := NewListPage(s, fetcher, 0, zap.NewNop())

	if err := page.Mount(context.Background()); err != nil {
		t.Fatalf("Mount: %v", err)
	}
	if err := page.Mount(context.Background()); err != nil {
		t.Fatalf("second Mount: %v", err)
	}
	if fetcher.callCount() != 1 {
		t.Errorf("second Mount should not re-fetch, calls = %d", fetcher.callCount())
	}

	v := page.View()
	if v.Loading || v.Error != "" || len(v.Items) != 3 {
		t.Fatalf("view = %+v", v)
	}
	if v.Items[1].ID != "h1" || v.Items[1].CreatedAt != "2025-10-25 19:58:11" {
		t.Errorf("unexpected item: %+v", v.Items[1])
	}
}

func TestListPage_ErrorBannerAndEmptyState(t *testing.T) {
	s := newStore(nil)
	fetcher := &MockFetcher{shouldFail: true}
	page := NewListPage(s, fetcher, 0, zap.NewNop())

	if err := page.Mount(context.Background()); err == nil {
		t.Fatal("expected fetch error")
	}
	v := page.View()
	if v.Error == "" || v.EmptyText != EmptyListText {
		t.Errorf("view = %+v", v)
	}

	fetcher.mu.Lock()
	fetcher.shouldFail = false
	fetcher.mu.Unlock()
	if err := page.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if page.View().Error != "" {
		t.Error("successful refresh should clear the error banner")
	}
}

func TestListPage_NoUser(t *testing.T) {
	s := store.New(nil, zap.NewNop())
	page := NewListPage(s, &MockFetcher{}, 0, zap.NewNop())

	if err := page.Mount(context.Background()); !errors.Is(err, ErrNoUser) {
		t.Errorf("expected ErrNoUser, got %v", err)
	}
}

func TestListPage_UnmountHaltsRefresh(t *testing.T) {
	s := newStore(nil)
	fetcher := &MockFetcher{raws: []notification.Raw{{ID: "1"}}}
	page := NewListPage(s, fetcher, 10*time.Millisecond, zap.NewNop())

	if err := page.Mount(context.Background()); err != nil {
		t.Fatalf("Mount: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for fetcher.callCount() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if fetcher.callCount() < 3 {
		t.Fatalf("refresh loop did not run, calls = %d", fetcher.callCount())
	}

	page.Unmount()
	after := fetcher.callCount()
	time.Sleep(50 * time.Millisecond)
	if fetcher.callCount() != after {
		t.Errorf("fetches continued after Unmount: %d -> %d", after, fetcher.callCount())
	}
	if page.Mounted() {
		t.Error("page should report unmounted")
	}
	if s.Len() != 1 {
		t.Errorf("repeated fetches duplicated entries, Len = %d", s.Len())
	}
}

// slowFetcher holds the first fetch until its context ends.
type slowFetcher struct {
	calls   atomic.Int32
	started chan struct{}
	once    sync.Once
}

func (f *slowFetcher) FetchAll(ctx context.Context, username string) ([]notification.Raw, error) {
	if f.calls.Add(1) > 1 {
		return nil, nil
	}
	f.once.Do(func() { close(f.started) })
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestListPage_UnmountDuringFirstFetch(t *testing.T) {
	s := newStore(nil)
	fetcher := &slowFetcher{started: make(chan struct{})}
	page := NewListPage(s, fetcher, 5*time.Millisecond, zap.NewNop())

	mounted := make(chan error, 1)
	go func() { mounted <- page.Mount(context.Background()) }()

	select {
	case <-fetcher.started:
	case <-time.After(2 * time.Second):
		t.Fatal("first fetch never started")
	}

	unmounted := make(chan struct{})
	go func() {
		page.Unmount()
		close(unmounted)
	}()
	select {
	case <-unmounted:
	case <-time.After(2 * time.Second):
		t.Fatal("Unmount did not return")
	}

	select {
	case err := <-mounted:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Mount error = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Mount did not return")
	}

	time.Sleep(50 * time.Millisecond)
	if n := fetcher.calls.Load(); n != 1 {
		t.Errorf("refresh loop ran after Unmount, fetches = %d", n)
	}
	if page.Mounted() {
		t.Error("page should report unmounted")
	}
	if v := page.View(); v.Error != "" || v.Loading {
		t.Errorf("unmounted view = %+v", v)
	}

	// a later mount starts cleanly and can be stopped
	if err := page.Mount(context.Background()); err != nil {
		t.Fatalf("remount: %v", err)
	}
	page.Unmount()
	after := fetcher.calls.Load()
	time.Sleep(30 * time.Millisecond)
	if fetcher.calls.Load() != after {
		t.Error("second refresh loop survived Unmount")
	}
}
