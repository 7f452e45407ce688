// Copyright (c) 2025 Girino Vey.
//
// This software is licensed under Girino's Anarchist License (GAL).
// See LICENSE file for full license text.
// License available at: https://license.girino.org/
//
// QueryCoordinator - bounded, timed event queries across the relay pool.
package query

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/girino/relay-fetcher/logging"
	"github.com/girino/relay-fetcher/relaypool"
)

// ErrMalformedFilter is returned for filters rejected before any network
// call: missing timeout, negative limit, inverted time range or negative
// kinds.
var ErrMalformedFilter = errors.New("malformed filter")

// CompletionReason tells why a query finished.
type CompletionReason string

const (
	ReasonEOSE    CompletionReason = "eose"
	ReasonTimeout CompletionReason = "timeout"
	ReasonError   CompletionReason = "error"
)

// Result is the outcome of one coordinated query: unique events ordered by
// created_at descending, plus the reason the query completed.
type Result struct {
	Events []*nostr.Event
	Reason CompletionReason
	// Relays are the endpoints that took part in the fan-out.
	Relays []string
	// EOSERelays are the relays that finished their stored-event replay
	// before completion.
	EOSERelays []string
}

// Stats holds runtime counters exported by the coordinator.
type Stats struct {
	Queries         int64 `json:"queries"`
	EventsReturned  int64 `json:"events_returned"`
	Timeouts        int64 `json:"timeouts"`
	RejectedFilters int64 `json:"rejected_filters"`
}

// Coordinator fans a single filter out to the pool, deduplicates events by id
// as they arrive and completes on all-relays-EOSE or on the caller's timeout,
// whichever comes first.
type Coordinator struct {
	pool *relaypool.Pool

	queries         int64
	eventsReturned  int64
	timeouts        int64
	rejectedFilters int64
}

// NewCoordinator creates a Coordinator on top of an initialized pool.
func NewCoordinator(pool *relaypool.Pool) *Coordinator {
	return &Coordinator{pool: pool}
}

// ValidateFilter rejects malformed filters before any network call. The
// timeout is part of the contract: there is no default and no infinite path.
func ValidateFilter(filter nostr.Filter, timeout time.Duration) error {
	if timeout <= 0 {
		return fmt.Errorf("%w: timeout is mandatory and must be positive", ErrMalformedFilter)
	}
	if filter.Limit < 0 {
		return fmt.Errorf("%w: negative limit %d", ErrMalformedFilter, filter.Limit)
	}
	for _, k := range filter.Kinds {
		if k < 0 {
			return fmt.Errorf("%w: negative kind %d", ErrMalformedFilter, k)
		}
	}
	if filter.Since != nil && filter.Until != nil && *filter.Since > *filter.Until {
		return fmt.Errorf("%w: since %d after until %d", ErrMalformedFilter, *filter.Since, *filter.Until)
	}
	return nil
}

// Query runs one bounded query. It subscribes across the pool, collects
// events into an id-keyed map, tracks per-relay EOSE and completes when every
// participating relay has signalled EOSE or when the timeout elapses. The
// subscription is closed on completion either way.
func (c *Coordinator) Query(ctx context.Context, filter nostr.Filter, timeout time.Duration) (*Result, error) {
	if err := ValidateFilter(filter, timeout); err != nil {
		atomic.AddInt64(&c.rejectedFilters, 1)
		return nil, err
	}
	atomic.AddInt64(&c.queries, 1)

	h, err := c.pool.Subscribe(ctx, filter)
	if err != nil {
		return &Result{Reason: ReasonError}, err
	}
	defer c.pool.Unsubscribe(h)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	byID := make(map[string]*nostr.Event)
	eosed := make(map[string]bool, len(h.Relays))
	res := &Result{Relays: h.Relays}

collect:
	for {
		select {
		case in, ok := <-h.Events:
			if !ok {
				res.Reason = ReasonEOSE
				break collect
			}
			if in.Event == nil || in.Event.ID == "" {
				continue
			}
			byID[in.Event.ID] = in.Event
		case url, ok := <-h.EOSE:
			if !ok {
				res.Reason = ReasonEOSE
				break collect
			}
			if !eosed[url] {
				eosed[url] = true
				res.EOSERelays = append(res.EOSERelays, url)
			}
			if len(eosed) >= len(h.Relays) {
				// events forwarded ahead of the last EOSE may still be
				// buffered; collect them before completing
				drainEvents(h, byID)
				res.Reason = ReasonEOSE
				break collect
			}
		case <-timer.C:
			atomic.AddInt64(&c.timeouts, 1)
			res.Reason = ReasonTimeout
			break collect
		case <-ctx.Done():
			res.Reason = ReasonError
			res.Events = sortedEvents(byID, filter.Limit)
			return res, ctx.Err()
		}
	}

	res.Events = sortedEvents(byID, filter.Limit)
	atomic.AddInt64(&c.eventsReturned, int64(len(res.Events)))
	logging.DebugMethod("query", "Query", "completed sig=%s reason=%s events=%d eose=%d/%d",
		FilterSignature(filter), res.Reason, len(res.Events), len(res.EOSERelays), len(res.Relays))
	return res, nil
}

func drainEvents(h *relaypool.Handle, byID map[string]*nostr.Event) {
	for {
		select {
		case in, ok := <-h.Events:
			if !ok {
				return
			}
			if in.Event == nil || in.Event.ID == "" {
				continue
			}
			byID[in.Event.ID] = in.Event
		default:
			return
		}
	}
}

// sortedEvents flattens the dedup map into a created_at-descending slice,
// breaking ties by id so output order is deterministic regardless of relay
// arrival order.
func sortedEvents(byID map[string]*nostr.Event, limit int) []*nostr.Event {
	events := make([]*nostr.Event, 0, len(byID))
	for _, ev := range byID {
		events = append(events, ev)
	}
	sort.Slice(events, func(i, j int) bool {
		if events[i].CreatedAt != events[j].CreatedAt {
			return events[i].CreatedAt > events[j].CreatedAt
		}
		return events[i].ID > events[j].ID
	})
	if limit > 0 && len(events) > limit {
		events = events[:limit]
	}
	return events
}

// Stats returns a snapshot of the coordinator counters.
func (c *Coordinator) Stats() Stats {
	return Stats{
		Queries:         atomic.LoadInt64(&c.queries),
		EventsReturned:  atomic.LoadInt64(&c.eventsReturned),
		Timeouts:        atomic.LoadInt64(&c.timeouts),
		RejectedFilters: atomic.LoadInt64(&c.rejectedFilters),
	}
}
