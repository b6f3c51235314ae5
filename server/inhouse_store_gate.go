package server

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// StoreGate serializes read-modify-write sequences against the roster store.
// Waiters are served in arrival order.
type StoreGate struct {
	sem     *semaphore.Weighted
	metrics Metrics
}

func NewStoreGate(metrics Metrics) *StoreGate {
	return &StoreGate{
		sem:     semaphore.NewWeighted(1),
		metrics: metrics,
	}
}

// Acquire blocks until the gate is free or ctx is done. The returned release
// func is safe to call more than once.
func (g *StoreGate) Acquire(ctx context.Context) (release func(), err error) {
	start := time.Now()
	if err := g.sem.Acquire(ctx, 1); err != nil {
		g.metrics.CustomCounter("store_gate_abandoned", nil, 1)
		return nil, err
	}
	g.metrics.CustomTimer("store_gate_wait", nil, time.Since(start))

	var once sync.Once
	return func() {
		once.Do(func() { g.sem.Release(1) })
	}, nil
}

// Do runs fn while holding the gate. The gate is released on every exit path,
// panics included.
func (g *StoreGate) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	release, err := g.Acquire(ctx)
	if err != nil {
		return err
	}
	defer release()
	return fn(ctx)
}
