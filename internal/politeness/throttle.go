package politeness

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/JaysonBrenton/MRE-sub001/internal/metrics"
)

// hostState tracks one host's in-flight budget and the time of its last
// completed request. Created lazily on first use, lives for the process.
type hostState struct {
	sem *semaphore.Weighted

	mu   sync.Mutex
	last time.Time
}

// ThrottleGate bounds concurrent requests per host and enforces a minimum
// interval between completed requests to the same host. The interval is the
// larger of the configured crawl delay and the robots-advertised one.
type ThrottleGate struct {
	clock func() time.Time

	mu    sync.Mutex
	hosts map[string]*hostState
}

// NewThrottleGate builds a gate using clock for spacing decisions.
func NewThrottleGate(clock func() time.Time) *ThrottleGate {
	if clock == nil {
		clock = time.Now
	}
	return &ThrottleGate{
		clock: clock,
		hosts: make(map[string]*hostState),
	}
}

func (g *ThrottleGate) state(host string, maxConcurrency int) *hostState {
	key := strings.ToLower(host)
	g.mu.Lock()
	defer g.mu.Unlock()
	st, ok := g.hosts[key]
	if !ok {
		if maxConcurrency <= 0 {
			maxConcurrency = 1
		}
		st = &hostState{sem: semaphore.NewWeighted(int64(maxConcurrency))}
		g.hosts[key] = st
	}
	return st
}

// Run executes fn under host's concurrency slot, delaying its start so that
// completions to the host are spaced at least delay apart. The last-request
// stamp is taken when the slot is released, not when it is acquired, so the
// spacing is measured between completions.
func (g *ThrottleGate) Run(ctx context.Context, host string, maxConcurrency int, delay time.Duration, fn func(context.Context) error) error {
	st := g.state(host, maxConcurrency)

	if err := st.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("acquire host slot for %s: %w", host, err)
	}
	defer func() {
		st.mu.Lock()
		st.last = g.clock()
		st.mu.Unlock()
		st.sem.Release(1)
	}()

	if wait := g.waitFor(st, delay); wait > 0 {
		metrics.ObserveThrottleDelay(host, wait)
		if err := sleepCtx(ctx, wait); err != nil {
			return err
		}
	}

	return fn(ctx)
}

func (g *ThrottleGate) waitFor(st *hostState, delay time.Duration) time.Duration {
	if delay <= 0 {
		return 0
	}
	st.mu.Lock()
	last := st.last
	st.mu.Unlock()
	if last.IsZero() {
		return 0
	}
	return last.Add(delay).Sub(g.clock())
}

// sleepCtx pauses for d or until the context finishes.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("throttle wait canceled: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}
