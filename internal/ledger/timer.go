package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Timer periodically abandons pending requests that outlived their TTL so
// the (tenant, end user, plan) tuple frees up for a fresh attempt.
type Timer struct {
	service  *Service
	ttl      time.Duration
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewTimer creates a pending-request abandonment timer.
func NewTimer(service *Service, ttl, interval time.Duration, logger *slog.Logger) *Timer {
	return &Timer{
		service:  service,
		ttl:      ttl,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the abandonment loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeSweep(ctx)
		}
	}
}

// Stop signals the timer to stop.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *Timer) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in abandonment timer", "panic", fmt.Sprint(r))
		}
	}()
	n, err := t.service.AbandonStale(ctx, t.ttl, 100)
	if err != nil {
		t.logger.Warn("failed to sweep stale pending requests", "error", err)
		return
	}
	if n > 0 {
		t.logger.Info("abandoned stale pending requests", "count", n)
	}
}
