// Copyright (c) 2025 Girino Vey.
//
// This software is licensed under Girino's Anarchist License (GAL).
// See LICENSE file for full license text.
// License available at: https://license.girino.org/
//
// InFlightRequestDeduplicator - coalesces concurrent identical queries.
package query

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/girino/relay-fetcher/logging"
)

// QueryFunc is the shared execution started for the first caller of a
// signature. The context it receives is detached from any single caller and
// is cancelled only when the waiter list empties.
type QueryFunc func(ctx context.Context) (*Result, error)

type inflight struct {
	signature string
	startedAt time.Time
	waiters   int
	cancel    context.CancelFunc
	done      chan struct{}
	result    *Result
	err       error
}

// DedupStats holds runtime counters exported by the deduplicator.
type DedupStats struct {
	Executions int64 `json:"executions"`
	Coalesced  int64 `json:"coalesced"`
	Detached   int64 `json:"detached"`
	InFlight   int   `json:"in_flight"`
}

// Deduplicator guarantees at most one in-flight execution per filter
// signature. The mutex gives a strict total order between "start execution"
// and "attach as waiter", so there are no lost wakeups.
type Deduplicator struct {
	mu       sync.Mutex
	inflight map[string]*inflight

	executions int64
	coalesced  int64
	detached   int64
}

// NewDeduplicator creates an empty Deduplicator.
func NewDeduplicator() *Deduplicator {
	return &Deduplicator{inflight: make(map[string]*inflight)}
}

// Execute runs fn for signature, or attaches to an already-pending execution
// of the same signature. Every waiter receives the identical result or error;
// a failed execution is deregistered immediately, so the next call starts
// fresh. A caller whose ctx is cancelled detaches without disturbing the
// shared execution unless it was the last waiter, in which case the
// underlying execution is cancelled too.
func (d *Deduplicator) Execute(ctx context.Context, signature string, fn QueryFunc) (*Result, error) {
	d.mu.Lock()
	if fl, ok := d.inflight[signature]; ok {
		fl.waiters++
		d.mu.Unlock()
		atomic.AddInt64(&d.coalesced, 1)
		logging.DebugMethod("query", "Execute", "coalesced waiter for %s", signature)
		return d.wait(ctx, fl)
	}

	execCtx, cancel := context.WithCancel(context.Background())
	fl := &inflight{
		signature: signature,
		startedAt: time.Now(),
		waiters:   1,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	d.inflight[signature] = fl
	d.mu.Unlock()

	atomic.AddInt64(&d.executions, 1)
	go func() {
		res, err := fn(execCtx)
		d.mu.Lock()
		fl.result, fl.err = res, err
		delete(d.inflight, signature)
		close(fl.done)
		d.mu.Unlock()
		cancel()
	}()

	return d.wait(ctx, fl)
}

func (d *Deduplicator) wait(ctx context.Context, fl *inflight) (*Result, error) {
	select {
	case <-fl.done:
		return fl.result, fl.err
	case <-ctx.Done():
		d.detach(fl)
		return nil, ctx.Err()
	}
}

func (d *Deduplicator) detach(fl *inflight) {
	d.mu.Lock()
	defer d.mu.Unlock()
	atomic.AddInt64(&d.detached, 1)
	fl.waiters--
	select {
	case <-fl.done:
		// already resolved, nothing to tear down
	default:
		if fl.waiters <= 0 {
			logging.DebugMethod("query", "detach", "last waiter left %s, cancelling execution", fl.signature)
			fl.cancel()
		}
	}
}

// Stats returns a snapshot of the deduplicator counters.
func (d *Deduplicator) Stats() DedupStats {
	d.mu.Lock()
	pending := len(d.inflight)
	d.mu.Unlock()
	return DedupStats{
		Executions: atomic.LoadInt64(&d.executions),
		Coalesced:  atomic.LoadInt64(&d.coalesced),
		Detached:   atomic.LoadInt64(&d.detached),
		InFlight:   pending,
	}
}
