package svc

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"pastevault/pkg/domain"
)

type stubDeleter struct {
	mu      sync.Mutex
	calls   int32
	fail    bool
	block   chan struct{}
	running int32
	overlap bool
}

func (s *stubDeleter) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	if atomic.AddInt32(&s.running, 1) > 1 {
		s.mu.Lock()
		s.overlap = true
		s.mu.Unlock()
	}
	defer atomic.AddInt32(&s.running, -1)
	atomic.AddInt32(&s.calls, 1)
	if s.block != nil {
		<-s.block
	}
	if s.fail {
		return 0, errors.New("disk full")
	}
	return 3, nil
}

func TestSweeperRunOnceAgainstStore(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	p, _ := e.pastes.Create(ctx, domain.Anonymous, CreateParams{Content: "x", Expiry: "1m"})
	keep, _ := e.pastes.Create(ctx, domain.Anonymous, CreateParams{Content: "y", Expiry: "1h"})
	s := NewSweeper(e.store, time.Hour)
	s.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	n, err := s.RunOnce(ctx)
	if err != nil || n != 1 {
		t.Fatalf("RunOnce = %d, %v", n, err)
	}
	if ok, _ := e.store.PasteExists(ctx, p.ID); ok {
		t.Error("expired paste survived")
	}
	if ok, _ := e.store.PasteExists(ctx, keep.ID); !ok {
		t.Error("live paste purged")
	}
}

func TestSweeperTicksAndSurvivesFailure(t *testing.T) {
	d := &stubDeleter{fail: true}
	s := NewSweeper(d, 5*time.Millisecond)
	s.Start(context.Background())
	time.Sleep(40 * time.Millisecond)
	s.Stop()
	if atomic.LoadInt32(&d.calls) < 2 {
		t.Fatalf("sweeper stopped after failure: %d calls", d.calls)
	}
	after := atomic.LoadInt32(&d.calls)
	time.Sleep(20 * time.Millisecond)
	if atomic.LoadInt32(&d.calls) != after {
		t.Error("sweep fired after Stop")
	}
}

func TestSweeperStartStopIdempotent(t *testing.T) {
	s := NewSweeper(&stubDeleter{}, time.Hour)
	s.Stop()
	s.Start(context.Background())
	s.Start(context.Background())
	s.Stop()
	s.Stop()
}

func TestSweeperStopWaitsForInFlightSweep(t *testing.T) {
	d := &stubDeleter{block: make(chan struct{})}
	s := NewSweeper(d, 5*time.Millisecond)
	s.Start(context.Background())
	for atomic.LoadInt32(&d.calls) == 0 {
		time.Sleep(time.Millisecond)
	}
	stopped := make(chan struct{})
	go func() {
		s.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
		t.Fatal("Stop returned while a sweep was running")
	case <-time.After(20 * time.Millisecond):
	}
	close(d.block)
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Stop never returned")
	}
}

func TestSweeperRunsDoNotOverlap(t *testing.T) {
	d := &stubDeleter{}
	s := NewSweeper(d, time.Millisecond)
	s.Start(context.Background())
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = s.RunOnce(context.Background())
		}()
	}
	wg.Wait()
	s.Stop()
	if d.overlap {
		t.Fatal("sweeps overlapped")
	}
}
