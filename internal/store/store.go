// Package store holds the process-wide notification collection shared by the
// realtime channel, the REST pollers and the consumer surfaces.
//
// The collection is arrival ordered and id unique. Push arrivals are
// prepended (newest first) while fetched batches are appended after the
// existing entries in the order the backend returned them.
package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/driveline/internal/metrics"
	"github.com/lalithlochan/driveline/internal/notification"
)

// ErrNoUser is returned by MarkAllRead when the store has no username to
// persist the change for.
var ErrNoUser = errors.New("store: no user")

// ReadAllMarker persists "all read" for a user.
type ReadAllMarker interface {
	MarkAllRead(ctx context.Context, username string) error
}

// Op names the mutation carried by an Event.
type Op string

const (
	OpAdd     Op = "add"
	OpMerge   Op = "merge"
	OpReadAll Op = "read-all"
	OpRead    Op = "read"
	OpRemove  Op = "remove"
	OpClear   Op = "clear"
	OpReset   Op = "reset"
	OpRestore Op = "restore"
)

// Event describes the store right after a mutation.
type Event struct {
	Op     Op  `json:"op"`
	Total  int `json:"total"`
	Unread int `json:"unread"`
}

// Store is safe for concurrent use. Readers load an immutable snapshot
// without locking; writers are serialized by mu and publish a fresh slice.
type Store struct {
	mu       sync.Mutex
	snap     atomic.Pointer[[]notification.Notification]
	username atomic.Pointer[string]

	backend ReadAllMarker
	logger  *zap.Logger
	now     func() time.Time

	subsMu sync.Mutex
	subs   map[int]chan Event
	nextID int
}

// New creates an empty store. backend may be nil, in which case MarkAllRead
// only updates local state.
func New(backend ReadAllMarker, logger *zap.Logger) *Store {
	s := &Store{
		backend: backend,
		logger:  logger,
		now:     time.Now,
		subs:    make(map[int]chan Event),
	}
	empty := []notification.Notification{}
	s.snap.Store(&empty)
	name := ""
	s.username.Store(&name)
	return s
}

// SetBackend replaces the backend used by MarkAllRead.
func (s *Store) SetBackend(backend ReadAllMarker) {
	s.mu.Lock()
	s.backend = backend
	s.mu.Unlock()
}

// Username returns the user the store currently belongs to.
func (s *Store) Username() string {
	return *s.username.Load()
}

func (s *Store) load() []notification.Notification {
	return *s.snap.Load()
}

// publish must be called with mu held.
func (s *Store) publish(op Op, list []notification.Notification) {
	s.snap.Store(&list)

	unread := countUnread(list)
	metrics.SetStoreSize(len(list), unread)
	s.broadcast(Event{Op: op, Total: len(list), Unread: unread})
}

// AddUnique inserts one pushed record at the front of the collection.
// A record whose id is already present is dropped, leaving the existing
// entry untouched. It reports the stored notification and whether it was
// added.
func (s *Store) AddUnique(raw notification.Raw) (notification.Notification, bool) {
	n := notification.Normalize(raw).WithDefaultCreatedAt(s.now())

	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.load()
	if indexOf(cur, n) >= 0 {
		return n, false
	}

	next := make([]notification.Notification, 0, len(cur)+1)
	next = append(next, n)
	next = append(next, cur...)
	s.publish(OpAdd, next)
	return n, true
}

// AddMany appends a fetched batch after the existing entries, keeping the
// batch's order. Records whose id is already present, or repeats an id seen
// earlier in the same batch, are skipped. It returns the number added.
func (s *Store) AddMany(raws []notification.Raw) int {
	if len(raws) == 0 {
		return 0
	}
	batch := make([]notification.Notification, len(raws))
	for i, raw := range raws {
		batch[i] = notification.Normalize(raw)
	}
	return s.merge(OpMerge, batch)
}

// Restore merges previously persisted notifications with AddMany semantics.
// Entries without an id get one as if freshly normalized.
func (s *Store) Restore(list []notification.Notification) int {
	if len(list) == 0 {
		return 0
	}
	batch := make([]notification.Notification, len(list))
	for i, n := range list {
		batch[i] = n.WithID()
	}
	return s.merge(OpRestore, batch)
}

func (s *Store) merge(op Op, batch []notification.Notification) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.load()
	seen := make(map[string]struct{}, 2*(len(cur)+len(batch)))
	for _, n := range cur {
		remember(seen, n)
	}

	next := make([]notification.Notification, len(cur), len(cur)+len(batch))
	copy(next, cur)
	added := 0
	for _, n := range batch {
		if known(seen, n) {
			continue
		}
		remember(seen, n)
		next = append(next, n)
		added++
	}

	if added > 0 {
		s.publish(op, next)
	}
	return added
}

// MarkAllRead marks every entry read locally, then asks the backend to
// persist it. The local change is kept whether or not the backend call
// succeeds; a failure is logged and returned.
func (s *Store) MarkAllRead(ctx context.Context) error {
	s.mu.Lock()
	cur := s.load()
	if countUnread(cur) > 0 {
		next := make([]notification.Notification, len(cur))
		for i, n := range cur {
			n.IsRead = true
			next[i] = n
		}
		s.publish(OpReadAll, next)
	}
	backend := s.backend
	s.mu.Unlock()

	username := s.Username()
	if backend == nil {
		return nil
	}
	if username == "" {
		return ErrNoUser
	}

	if err := backend.MarkAllRead(ctx, username); err != nil {
		metrics.RecordMarkAllReadFailure()
		s.logger.Error("failed to persist read-all",
			zap.String("username", username),
			zap.Error(err),
		)
		return fmt.Errorf("mark all read: %w", err)
	}
	return nil
}

// MarkOneRead marks the entry whose id or alias equals id. It reports
// whether an entry matched.
func (s *Store) MarkOneRead(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.load()
	for i, n := range cur {
		if !n.Matches(id) {
			continue
		}
		if n.IsRead {
			return true
		}
		next := make([]notification.Notification, len(cur))
		copy(next, cur)
		next[i].IsRead = true
		s.publish(OpRead, next)
		return true
	}
	return false
}

// RemoveOne drops the entry whose id or alias equals id.
func (s *Store) RemoveOne(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.load()
	for i, n := range cur {
		if !n.Matches(id) {
			continue
		}
		next := make([]notification.Notification, 0, len(cur)-1)
		next = append(next, cur[:i]...)
		next = append(next, cur[i+1:]...)
		s.publish(OpRemove, next)
		return true
	}
	return false
}

// ClearAll empties the collection.
func (s *Store) ClearAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.publish(OpClear, []notification.Notification{})
}

// Reset empties the collection and hands the store to username. An empty
// username marks the store as signed out.
func (s *Store) Reset(username string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.username.Store(&username)
	s.publish(OpReset, []notification.Notification{})
}

// UnreadCount counts entries not yet read in the current snapshot.
func (s *Store) UnreadCount() int {
	return countUnread(s.load())
}

// Len returns the number of entries.
func (s *Store) Len() int {
	return len(s.load())
}

// List returns a copy of the collection in store order.
func (s *Store) List() []notification.Notification {
	cur := s.load()
	out := make([]notification.Notification, len(cur))
	copy(out, cur)
	return out
}

// Head returns a copy of at most n entries from the front.
func (s *Store) Head(n int) []notification.Notification {
	cur := s.load()
	if n >= 0 && n < len(cur) {
		cur = cur[:n]
	}
	out := make([]notification.Notification, len(cur))
	copy(out, cur)
	return out
}

// Subscribe returns a channel that receives an Event after every mutation
// and a func that cancels the subscription. Slow readers only see the most
// recent event.
func (s *Store) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 1)

	s.subsMu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = ch
	s.subsMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.subsMu.Lock()
			delete(s.subs, id)
			s.subsMu.Unlock()
			close(ch)
		})
	}
}

func (s *Store) broadcast(ev Event) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()

	for _, ch := range s.subs {
		select {
		case ch <- ev:
			continue
		default:
		}
		// replace the stale event
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- ev:
		default:
		}
	}
}

func countUnread(list []notification.Notification) int {
	n := 0
	for _, item := range list {
		if !item.IsRead {
			n++
		}
	}
	return n
}

func indexOf(list []notification.Notification, n notification.Notification) int {
	for i, item := range list {
		if (n.ID != "" && item.Matches(n.ID)) || (n.AltID != "" && item.Matches(n.AltID)) {
			return i
		}
	}
	return -1
}

func remember(seen map[string]struct{}, n notification.Notification) {
	if n.ID != "" {
		seen[n.ID] = struct{}{}
	}
	if n.AltID != "" {
		seen[n.AltID] = struct{}{}
	}
}

func known(seen map[string]struct{}, n notification.Notification) bool {
	if _, ok := seen[n.ID]; ok && n.ID != "" {
		return true
	}
	if _, ok := seen[n.AltID]; ok && n.AltID != "" {
		return true
	}
	return false
}
