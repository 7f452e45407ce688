// Copyright (c) 2025 Girino Vey.
//
// This software is licensed under Girino's Anarchist License (GAL).
// See LICENSE file for full license text.
// License available at: https://license.girino.org/
//
// EngineStore - eventstore adapter over the query engine, so a khatru relay
// can serve aggregated, cached, deduplicated queries. It does not persist
// events locally.
package enginestore

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/fiatjaf/eventstore"
	"github.com/nbd-wtf/go-nostr"

	"github.com/girino/relay-fetcher/engine"
	"github.com/girino/relay-fetcher/logging"
	"github.com/girino/relay-fetcher/query"
)

// EngineStore implements eventstore.Store on top of engine.Engine.
type EngineStore struct {
	engine *engine.Engine
	// queryTimeout bounds every QueryEvents call; the store never issues an
	// unbounded query on a client's behalf.
	queryTimeout time.Duration

	queryRequests       int64
	queryEventsReturned int64
	partialQueries      int64
}

// Stats holds runtime counters exported by EngineStore.
type Stats struct {
	QueryRequests       int64 `json:"query_requests"`
	QueryEventsReturned int64 `json:"query_events_returned"`
	PartialQueries      int64 `json:"partial_queries"`
}

// New creates an EngineStore over eng. queryTimeout must be positive.
func New(eng *engine.Engine, queryTimeout time.Duration) *EngineStore {
	if queryTimeout <= 0 {
		queryTimeout = 7 * time.Second
	}
	return &EngineStore{engine: eng, queryTimeout: queryTimeout}
}

// Init starts the underlying engine.
func (s *EngineStore) Init() error {
	return s.engine.Init()
}

// Close disposes the underlying engine.
func (s *EngineStore) Close() {
	s.engine.Close()
}

// Engine exposes the wrapped engine for stats and collaborators.
func (s *EngineStore) Engine() *engine.Engine { return s.engine }

// QueryEvents answers a filter from the cache or by fanning out to the
// remotes, streaming the ordered result as a channel. A timed-out fan-out
// still returns the partial aggregate; only malformed filters and total
// connection failure surface as errors.
func (s *EngineStore) QueryEvents(ctx context.Context, filter nostr.Filter) (chan *nostr.Event, error) {
	if err := query.ValidateFilter(filter, s.queryTimeout); err != nil {
		return nil, err
	}
	atomic.AddInt64(&s.queryRequests, 1)

	out := make(chan *nostr.Event)
	go func() {
		defer close(out)
		res, err := s.engine.Fetch(ctx, filter, s.queryTimeout)
		if err != nil {
			logging.DebugMethod("enginestore", "QueryEvents", "fetch failed: %v", err)
			return
		}
		if res.Reason != query.ReasonEOSE {
			atomic.AddInt64(&s.partialQueries, 1)
		}
		for _, ev := range res.Events {
			atomic.AddInt64(&s.queryEventsReturned, 1)
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// SaveEvent publishes the event to the remotes. It returns nil if at least
// one remote accepted the event.
func (s *EngineStore) SaveEvent(ctx context.Context, evt *nostr.Event) error {
	_, err := s.engine.Publish(ctx, evt)
	return err
}

// ReplaceEvent forwards the event, same as SaveEvent.
func (s *EngineStore) ReplaceEvent(ctx context.Context, evt *nostr.Event) error {
	return s.SaveEvent(ctx, evt)
}

// DeleteEvent is a no-op: this store persists nothing.
func (s *EngineStore) DeleteEvent(ctx context.Context, evt *nostr.Event) error {
	return nil
}

// CountEvents counts through the same cached query path.
func (s *EngineStore) CountEvents(ctx context.Context, filter nostr.Filter) (int64, error) {
	if err := query.ValidateFilter(filter, s.queryTimeout); err != nil {
		return 0, err
	}
	res, err := s.engine.Fetch(ctx, filter, s.queryTimeout)
	if err != nil {
		return 0, err
	}
	return int64(len(res.Events)), nil
}

// Stats returns a snapshot of the store counters.
func (s *EngineStore) Stats() Stats {
	return Stats{
		QueryRequests:       atomic.LoadInt64(&s.queryRequests),
		QueryEventsReturned: atomic.LoadInt64(&s.queryEventsReturned),
		PartialQueries:      atomic.LoadInt64(&s.partialQueries),
	}
}

// Ensure EngineStore implements eventstore.Store and eventstore.Counter
var _ eventstore.Store = (*EngineStore)(nil)
var _ eventstore.Counter = (*EngineStore)(nil)
