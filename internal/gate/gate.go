// Package gate serializes GET round trips on a shared CAN bus. GET replies
// carry no request identifier, so only one request may be outstanding at a
// time; whoever holds the lease owns the next reply.
//
// Waiters are served first-come-first-served.
package gate

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// Gate is the bus-wide mutual exclusion token. Create one per bus session.
type Gate struct {
	sem     *semaphore.Weighted
	held    atomic.Bool
	waiting atomic.Int32
}

func New() *Gate {
	return &Gate{sem: semaphore.NewWeighted(1)}
}

// Lease is a held gate. Release is idempotent; callers should defer it.
type Lease struct {
	g    *Gate
	once sync.Once
}

// Acquire blocks until no other lease is held or ctx is done.
func (g *Gate) Acquire(ctx context.Context) (*Lease, error) {
	g.waiting.Add(1)
	err := g.sem.Acquire(ctx, 1)
	g.waiting.Add(-1)
	if err != nil {
		return nil, fmt.Errorf("acquire request gate: %w", err)
	}
	g.held.Store(true)
	return &Lease{g: g}, nil
}

func (l *Lease) Release() {
	l.once.Do(func() {
		l.g.held.Store(false)
		l.g.sem.Release(1)
	})
}

// Held reports whether a lease is currently outstanding.
func (g *Gate) Held() bool { return g.held.Load() }

// Waiting reports how many callers are blocked in Acquire.
func (g *Gate) Waiting() int { return int(g.waiting.Load()) }
