package svc

import (
	"context"
	"sync"
	"time"

	"pastevault/metrics"
	"pastevault/svc/util"
)

const DefaultSweepInterval = time.Hour

// ExpiredDeleter is the part of the store the sweeper needs.
type ExpiredDeleter interface {
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
}

// Sweeper purges expired pastes on a fixed interval. Ticks and RunOnce calls
// never overlap, and Stop waits for a sweep that is already running.
type Sweeper struct {
	store    ExpiredDeleter
	interval time.Duration
	timeout  time.Duration
	now      func() time.Time

	runMu  sync.Mutex
	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewSweeper(store ExpiredDeleter, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Sweeper{
		store:    store,
		interval: interval,
		timeout:  5 * time.Minute,
		now:      time.Now,
	}
}

// Start launches the loop. A second Start while running is a no-op.
func (s *Sweeper) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go s.loop(ctx, s.done)
}

// Stop cancels the loop and blocks until it has exited. Safe to call more
// than once, and before Start.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (s *Sweeper) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	requestID := util.NewRequestID()
	util.Info().
		Str("request_id", requestID).
		Dur("interval", s.interval).
		Msg("retention sweeper started")
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			util.Info().Str("request_id", requestID).Msg("retention sweeper shutting down")
			return
		case <-ticker.C:
			// a sweep in progress finishes even if Stop arrives meanwhile
			sweepCtx := util.SetRequestID(context.WithoutCancel(ctx), requestID)
			_, _ = s.RunOnce(sweepCtx)
		}
	}
}

// RunOnce performs one sweep now. Failures are logged and returned; the
// loop simply tries again on the next tick.
func (s *Sweeper) RunOnce(ctx context.Context) (int, error) {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	start := time.Now()
	deleted, err := s.store.DeleteExpired(ctx, s.now())
	if deleted > 0 {
		metrics.PastesPurged.Add(float64(deleted))
	}
	if err != nil {
		metrics.SweepCycles.WithLabelValues("error").Inc()
		util.Error().
			Err(err).
			Int("deleted", deleted).
			Str("request_id", util.GetRequestID(ctx)).
			Msg("cleanup failed")
		return deleted, err
	}
	metrics.SweepCycles.WithLabelValues("ok").Inc()
	if deleted > 0 {
		util.Info().
			Int("deleted", deleted).
			Dur("took", time.Since(start)).
			Str("request_id", util.GetRequestID(ctx)).
			Msg("cleanup completed")
	}
	return deleted, nil
}
