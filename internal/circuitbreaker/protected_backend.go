package circuitbreaker

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/lalithlochan/driveline/internal/backend"
	"github.com/lalithlochan/driveline/internal/notification"
)

// ProtectedBackend decorates a backend.API with a CircuitBreaker.
type ProtectedBackend struct {
	api     backend.API
	breaker *CircuitBreaker
	logger  *zap.Logger
}

var _ backend.API = (*ProtectedBackend)(nil)

// NewProtectedBackend wraps api with breaker.
func NewProtectedBackend(api backend.API, breaker *CircuitBreaker, logger *zap.Logger) *ProtectedBackend {
	return &ProtectedBackend{api: api, breaker: breaker, logger: logger}
}

// Breaker returns the underlying breaker.
func (p *ProtectedBackend) Breaker() *CircuitBreaker {
	return p.breaker
}

func (p *ProtectedBackend) call(ctx context.Context, op string, fn func(context.Context) error) error {
	err := p.breaker.Execute(ctx, fn)
	switch {
	case errors.Is(err, ErrCircuitOpen):
		p.logger.Warn("circuit breaker rejected backend call",
			zap.String("breaker", p.breaker.Name()),
			zap.String("op", op),
		)
	case backend.IsOutage(err):
		p.logger.Debug("backend call failed",
			zap.String("breaker", p.breaker.Name()),
			zap.String("op", op),
			zap.Error(err),
		)
	}
	return err
}

func (p *ProtectedBackend) FetchUnread(ctx context.Context, username string) ([]notification.Raw, error) {
	var out []notification.Raw
	err := p.call(ctx, "fetch_unread", func(ctx context.Context) (err error) {
		out, err = p.api.FetchUnread(ctx, username)
		return err
	})
	return out, err
}

func (p *ProtectedBackend) FetchAll(ctx context.Context, username string) ([]notification.Raw, error) {
	var out []notification.Raw
	err := p.call(ctx, "fetch_all", func(ctx context.Context) (err error) {
		out, err = p.api.FetchAll(ctx, username)
		return err
	})
	return out, err
}

func (p *ProtectedBackend) MarkAllRead(ctx context.Context, username string) error {
	return p.call(ctx, "mark_all_read", func(ctx context.Context) error {
		return p.api.MarkAllRead(ctx, username)
	})
}

func (p *ProtectedBackend) UnreadCount(ctx context.Context, username string) (int64, error) {
	var n int64
	err := p.call(ctx, "unread_count", func(ctx context.Context) (err error) {
		n, err = p.api.UnreadCount(ctx, username)
		return err
	})
	return n, err
}

func (p *ProtectedBackend) MarkRead(ctx context.Context, id string) error {
	return p.call(ctx, "mark_read", func(ctx context.Context) error {
		return p.api.MarkRead(ctx, id)
	})
}

func (p *ProtectedBackend) Delete(ctx context.Context, id string) error {
	return p.call(ctx, "delete", func(ctx context.Context) error {
		return p.api.Delete(ctx, id)
	})
}

func (p *ProtectedBackend) DeleteAll(ctx context.Context, username string) error {
	return p.call(ctx, "delete_all", func(ctx context.Context) error {
		return p.api.DeleteAll(ctx, username)
	})
}
