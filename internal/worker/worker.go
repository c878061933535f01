package worker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/driveline/internal/notification"
)

type UnreadSource interface {
	FetchUnread(ctx context.Context, username string) ([]notification.Raw, error)
}

type Store interface {
	AddMany(raws []notification.Raw) int
	Username() string
}

// Worker fetches the unread backlog once on start, as the navbar does when
// it mounts, and then every PollInterval. A zero interval means fetch once.
type Worker struct {
	api    UnreadSource
	store  Store
	config Config
	logger *zap.Logger
}

type Config struct {
	PollInterval time.Duration
}

func New(api UnreadSource, store Store, cfg Config, logger *zap.Logger) *Worker {
	return &Worker{
		api:    api,
		store:  store,
		config: cfg,
		logger: logger,
	}
}

func (w *Worker) Start(ctx context.Context) {
	w.poll(ctx)

	if w.config.PollInterval <= 0 {
		<-ctx.Done()
		w.logger.Info("unread poller stopping")
		return
	}

	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("unread poller stopping")
			return
		case <-ticker.C:
			w.poll(ctx)
		}
	}
}

func (w *Worker) poll(ctx context.Context) {
	username := w.store.Username()
	if username == "" {
		w.logger.Debug("no signed-in user, skipping unread fetch")
		return
	}

	raws, err := w.api.FetchUnread(ctx, username)
	if err != nil {
		if ctx.Err() == nil {
			w.logger.Error("error fetching unread notifications", zap.Error(err))
		}
		return
	}

	added := w.store.AddMany(raws)
	w.logger.Debug("unread notifications merged",
		zap.Int("fetched", len(raws)),
		zap.Int("added", added),
	)
}
