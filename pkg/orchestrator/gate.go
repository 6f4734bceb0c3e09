package orchestrator

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// Gate bounds the number of work items talking to upstreams at once.
// Waiters are admitted in arrival order. A released slot stays held for the
// configured delay before the next waiter gets it.
type Gate struct {
	sem     *semaphore.Weighted
	delay   time.Duration
	pending sync.WaitGroup
}

// NewGate creates a gate with size slots. Sizes below one are raised to one.
func NewGate(size int, delay time.Duration) *Gate {
	if size < 1 {
		size = 1
	}
	return &Gate{sem: semaphore.NewWeighted(int64(size)), delay: delay}
}

// Acquire blocks until a slot is free or ctx is done. The returned release
// must be called exactly once; it returns immediately and frees the slot
// after the delay.
func (g *Gate) Acquire(ctx context.Context) (func(), error) {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			if g.delay <= 0 {
				g.sem.Release(1)
				return
			}
			g.pending.Add(1)
			time.AfterFunc(g.delay, func() {
				g.sem.Release(1)
				g.pending.Done()
			})
		})
	}, nil
}

// Drain waits for every delayed release to free its slot
func (g *Gate) Drain() {
	g.pending.Wait()
}
