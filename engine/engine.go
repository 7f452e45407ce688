// Copyright (c) 2025 Girino Vey.
//
// This software is licensed under Girino's Anarchist License (GAL).
// See LICENSE file for full license text.
// License available at: https://license.girino.org/
//
// Engine - explicit context object wiring the relay pool, query coordinator,
// in-flight deduplicator and event cache behind one constructed/disposed
// lifecycle. There is no ambient global state: callers hold the Engine.
package engine

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/girino/relay-fetcher/cache"
	"github.com/girino/relay-fetcher/kv"
	"github.com/girino/relay-fetcher/logging"
	"github.com/girino/relay-fetcher/query"
	"github.com/girino/relay-fetcher/reconcile"
	"github.com/girino/relay-fetcher/relaypool"
	"github.com/girino/relay-fetcher/source"
)

// lastFetchPrefix namespaces per-signature completion timestamps in the
// injected key-value store.
const lastFetchPrefix = "lastfetch/"

// Config holds engine construction parameters.
type Config struct {
	Pool relaypool.Config

	// CacheCapacity and CacheTTL bound the query-result cache.
	CacheCapacity      int
	CacheTTL           time.Duration
	CacheSweepInterval time.Duration

	// Bookkeeping is the optional injected persisted key-value store.
	// When set, per-signature completion times survive restarts.
	Bookkeeping kv.Store

	// ReconcileChunkSize tunes the reconciler's yield granularity.
	ReconcileChunkSize int
}

func (c *Config) applyDefaults() {
	if c.CacheCapacity <= 0 {
		c.CacheCapacity = 512
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = 5 * time.Minute
	}
	if c.CacheSweepInterval <= 0 {
		c.CacheSweepInterval = time.Minute
	}
}

// Stats aggregates the counters of every engine component.
type Stats struct {
	Fetches     int64            `json:"fetches"`
	CacheHits   int64            `json:"cache_hits"`
	CacheMisses int64            `json:"cache_misses"`
	Pool        relaypool.Stats  `json:"pool"`
	Coordinator query.Stats      `json:"coordinator"`
	Dedup       query.DedupStats `json:"dedup"`
	Cache       cache.Stats      `json:"cache"`
	Reconciler  reconcile.Stats  `json:"reconciler"`
}

// Engine is the process-wide query/caching/reconciliation context.
type Engine struct {
	cfg Config

	pool       *relaypool.Pool
	coord      *query.Coordinator
	dedup      *query.Deduplicator
	cache      *cache.Cache
	reconciler *reconcile.Reconciler
	books      kv.Store

	// invalMu serializes cache inserts against invalidations so a query
	// that completed before an invalidation cannot re-insert its result
	// afterwards. invalidations is the generation bumped by each one.
	invalMu       sync.Mutex
	invalidations int64

	fetches     int64
	cacheHits   int64
	cacheMisses int64
}

// New creates an Engine. Call Init before use and Close when done.
func New(cfg Config) *Engine {
	cfg.applyDefaults()
	pool := relaypool.New(cfg.Pool)
	return &Engine{
		cfg:        cfg,
		pool:       pool,
		coord:      query.NewCoordinator(pool),
		dedup:      query.NewDeduplicator(),
		cache:      cache.New(cfg.CacheCapacity, cfg.CacheSweepInterval),
		reconciler: reconcile.New(reconcile.Options{ChunkSize: cfg.ReconcileChunkSize}),
		books:      cfg.Bookkeeping,
	}
}

// Init starts the relay pool.
func (e *Engine) Init() error {
	return e.pool.Init()
}

// Close disposes the engine: pool connections and the cache sweep loop.
func (e *Engine) Close() {
	e.pool.Close()
	e.cache.Close()
}

// Pool exposes the relay pool for collaborators that publish or stream.
func (e *Engine) Pool() *relaypool.Pool { return e.pool }

// Fetch is the get-or-query-with-cache accessor. Concurrent identical
// filters with no cache hit collapse into one underlying query; the result
// is cached under the filter signature for the configured TTL. Failed
// queries are not cached.
func (e *Engine) Fetch(ctx context.Context, filter nostr.Filter, timeout time.Duration) (*query.Result, error) {
	if err := query.ValidateFilter(filter, timeout); err != nil {
		return nil, err
	}
	atomic.AddInt64(&e.fetches, 1)
	sig := query.FilterSignature(filter)

	if v, ok := e.cache.Get(sig); ok {
		atomic.AddInt64(&e.cacheHits, 1)
		logging.DebugMethod("engine", "Fetch", "cache hit for %s", sig)
		return v.(*query.Result), nil
	}
	atomic.AddInt64(&e.cacheMisses, 1)

	return e.dedup.Execute(ctx, sig, func(qctx context.Context) (*query.Result, error) {
		gen := atomic.LoadInt64(&e.invalidations)
		res, err := e.coord.Query(qctx, filter, timeout)
		if err != nil {
			return res, err
		}
		// an invalidation while the query ran means res may predate a
		// local write: serve it to the waiters but keep it out of the cache
		e.invalMu.Lock()
		if atomic.LoadInt64(&e.invalidations) == gen {
			e.cache.Put(sig, res, e.cfg.CacheTTL)
		}
		e.invalMu.Unlock()
		e.recordCompletion(sig)
		return res, nil
	})
}

// InvalidateFilter synchronously drops cached results whose signature starts
// with prefix. An empty prefix drops everything. Returns the number of
// entries removed.
func (e *Engine) InvalidateFilter(prefix string) int {
	return e.invalidate(prefix)
}

func (e *Engine) invalidate(prefix string) int {
	e.invalMu.Lock()
	defer e.invalMu.Unlock()
	atomic.AddInt64(&e.invalidations, 1)
	return e.cache.Invalidate(prefix)
}

// Publish fans the event out to all connected relays and invalidates every
// cached result, since any cached signature may now be stale. Returns the
// per-relay result map; the error is non-nil only when no relay accepted.
func (e *Engine) Publish(ctx context.Context, evt *nostr.Event) (map[string]error, error) {
	results, err := e.pool.Publish(ctx, evt)
	if err == nil {
		e.invalidate("")
	}
	return results, err
}

// ReconcileRecords fetches the remote collection through the cache and merges
// it with the injected local and device adapters. Either adapter may be nil.
func (e *Engine) ReconcileRecords(ctx context.Context, filter nostr.Filter, timeout time.Duration,
	local, device source.Adapter) ([]reconcile.ReconciledRecord, error) {

	res, err := e.Fetch(ctx, filter, timeout)
	if err != nil {
		return nil, err
	}
	remote := source.FromEvents(reconcile.SourceRemote, res.Events)

	var localRecs, deviceRecs []reconcile.SourceRecord
	if local != nil {
		if localRecs, err = local.Records(ctx); err != nil {
			return nil, err
		}
	}
	if device != nil {
		if deviceRecs, err = device.Records(ctx); err != nil {
			return nil, err
		}
	}
	return e.reconciler.Reconcile(ctx, localRecs, remote, deviceRecs)
}

// LastCompleted returns the persisted completion time for a filter
// signature, when a bookkeeping store was injected.
func (e *Engine) LastCompleted(sig string) (time.Time, bool) {
	if e.books == nil {
		return time.Time{}, false
	}
	v, ok, err := e.books.Get(lastFetchPrefix + sig)
	if err != nil || !ok {
		return time.Time{}, false
	}
	unix, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.Unix(unix, 0), true
}

func (e *Engine) recordCompletion(sig string) {
	if e.books == nil {
		return
	}
	if err := e.books.Set(lastFetchPrefix+sig, strconv.FormatInt(time.Now().Unix(), 10)); err != nil {
		logging.DebugMethod("engine", "recordCompletion", "bookkeeping write failed: %v", err)
	}
}

// Stats returns a snapshot across all components.
func (e *Engine) Stats() Stats {
	return Stats{
		Fetches:     atomic.LoadInt64(&e.fetches),
		CacheHits:   atomic.LoadInt64(&e.cacheHits),
		CacheMisses: atomic.LoadInt64(&e.cacheMisses),
		Pool:        e.pool.Stats(),
		Coordinator: e.coord.Stats(),
		Dedup:       e.dedup.Stats(),
		Cache:       e.cache.Stats(),
		Reconciler:  e.reconciler.Stats(),
	}
}
