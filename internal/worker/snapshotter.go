package worker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/driveline/internal/metrics"
	"github.com/lalithlochan/driveline/internal/notification"
	"github.com/lalithlochan/driveline/internal/store"
)

type SnapshotStore interface {
	Save(ctx context.Context, username string, list []notification.Notification) error
	Load(ctx context.Context, username string) ([]notification.Notification, error)
}

type SnapshotSource interface {
	Subscribe() (<-chan store.Event, func())
	List() []notification.Notification
	Restore(list []notification.Notification) int
	Username() string
}

// Snapshotter restores the store from the last saved snapshot and then saves
// a fresh one after every burst of changes.
type Snapshotter struct {
	snaps    SnapshotStore
	source   SnapshotSource
	debounce time.Duration
	logger   *zap.Logger
}

func NewSnapshotter(snaps SnapshotStore, source SnapshotSource, debounce time.Duration, logger *zap.Logger) *Snapshotter {
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}
	return &Snapshotter{
		snaps:    snaps,
		source:   source,
		debounce: debounce,
		logger:   logger,
	}
}

// Restore merges the saved snapshot into the store.
func (s *Snapshotter) Restore(ctx context.Context) int {
	username := s.source.Username()
	if username == "" {
		return 0
	}
	list, err := s.snaps.Load(ctx, username)
	if err != nil {
		s.logger.Warn("snapshot restore failed", zap.Error(err))
		return 0
	}
	n := s.source.Restore(list)
	if n > 0 {
		s.logger.Info("restored notifications from snapshot", zap.Int("count", n))
	}
	return n
}

// Start saves until ctx is done, flushing pending changes on the way out.
func (s *Snapshotter) Start(ctx context.Context) {
	events, cancel := s.source.Subscribe()
	defer cancel()

	timer := time.NewTimer(s.debounce)
	if !timer.Stop() {
		<-timer.C
	}
	dirty := false

	for {
		select {
		case <-ctx.Done():
			if dirty {
				flushCtx, done := context.WithTimeout(context.Background(), 2*time.Second)
				s.save(flushCtx)
				done()
			}
			return
		case _, ok := <-events:
			if !ok {
				return
			}
			if !dirty {
				dirty = true
				timer.Reset(s.debounce)
			}
		case <-timer.C:
			dirty = false
			s.save(ctx)
		}
	}
}

func (s *Snapshotter) save(ctx context.Context) {
	username := s.source.Username()
	if username == "" {
		return
	}
	err := s.snaps.Save(ctx, username, s.source.List())
	metrics.RecordSnapshotWrite(err)
	if err != nil {
		s.logger.Warn("snapshot save failed", zap.Error(err))
	}
}
