package flow

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrQueueTimeout is returned when no slot frees within the gate's queue
// timeout. The flow was not admitted; the caller may retry with backoff.
var ErrQueueTimeout = errors.New("concurrency gate: queue timeout")

// Gate is bounded admission control for flows. At most limit holders run at
// once; excess callers queue in arrival order and time out if nothing frees
// up. Purely in-memory: after a restart the reaper, not the gate, decides
// what is outstanding.
type Gate struct {
	limit        int
	queueTimeout time.Duration

	mu      sync.Mutex
	inUse   int
	waiters []chan struct{}
}

func NewGate(limit int, queueTimeout time.Duration) *Gate {
	if limit < 1 {
		limit = 1
	}
	return &Gate{limit: limit, queueTimeout: queueTimeout}
}

// Acquire blocks until a slot is granted, the queue timeout elapses, or ctx
// is cancelled. On success it returns a release func that is safe to call
// more than once; exactly one call returns the slot.
func (g *Gate) Acquire(ctx context.Context) (func(), error) {
	g.mu.Lock()
	if g.inUse < g.limit {
		g.inUse++
		g.mu.Unlock()
		return g.releaseOnce(), nil
	}
	grant := make(chan struct{}, 1)
	g.waiters = append(g.waiters, grant)
	g.mu.Unlock()

	timer := time.NewTimer(g.queueTimeout)
	defer timer.Stop()

	select {
	case <-grant:
		return g.releaseOnce(), nil
	case <-timer.C:
		return nil, g.abandonWait(grant, ErrQueueTimeout)
	case <-ctx.Done():
		return nil, g.abandonWait(grant, ctx.Err())
	}
}

// TryAcquire grants a slot only if one is free right now.
func (g *Gate) TryAcquire() (func(), bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.inUse >= g.limit {
		return nil, false
	}
	g.inUse++
	return g.releaseOnce(), true
}

// abandonWait removes grant from the queue. If a grant was already handed to
// us in the race window, the slot is returned to the pool before reporting
// the original cause.
func (g *Gate) abandonWait(grant chan struct{}, cause error) error {
	g.mu.Lock()
	for i, w := range g.waiters {
		if w == grant {
			g.waiters = append(g.waiters[:i], g.waiters[i+1:]...)
			g.mu.Unlock()
			return cause
		}
	}
	g.mu.Unlock()
	<-grant
	g.release()
	return cause
}

func (g *Gate) releaseOnce() func() {
	var once sync.Once
	return func() {
		once.Do(g.release)
	}
}

// release hands the slot to the oldest waiter if one exists, otherwise
// returns it to the pool.
func (g *Gate) release() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.waiters) > 0 {
		next := g.waiters[0]
		g.waiters = g.waiters[1:]
		next <- struct{}{}
		return
	}
	if g.inUse > 0 {
		g.inUse--
	}
}

// Limit returns the configured slot count.
func (g *Gate) Limit() int {
	return g.limit
}

// InUse returns how many slots are currently held.
func (g *Gate) InUse() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.inUse
}

// Waiting returns how many callers are queued.
func (g *Gate) Waiting() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.waiters)
}
