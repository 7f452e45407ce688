// Copyright (c) 2025 Girino Vey.
//
// This software is licensed under Girino's Anarchist License (GAL).
// See LICENSE file for full license text.
// License available at: https://license.girino.org/
//
// Live - continuous streaming of new events from the relay pool to the
// clients of a local khatru relay.
package live

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fiatjaf/khatru"
	"github.com/nbd-wtf/go-nostr"

	"github.com/girino/relay-fetcher/logging"
	"github.com/girino/relay-fetcher/relaypool"
)

// Health state constants
const (
	HealthGreen  = "GREEN"
	HealthYellow = "YELLOW"
	HealthRed    = "RED"
)

// Stats holds runtime counters for live streaming.
type Stats struct {
	StreamedEvents      int64  `json:"streamed_events"`
	Resubscribes        int64  `json:"resubscribes"`
	SubscribeFailures   int64  `json:"subscribe_failures"`
	ConsecutiveFailures int64  `json:"consecutive_failures"`
	HealthState         string `json:"health_state"`
	ConnectedRelays     int    `json:"connected_relays"`
}

// Streamer keeps one pool-wide subscription open for events newer than its
// start time and broadcasts every arrival to the local relay's clients. A
// dropped subscription is reopened with a short backoff.
type Streamer struct {
	pool *relaypool.Pool

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc

	streamedEvents      int64
	resubscribes        int64
	subscribeFailures   int64
	consecutiveFailures int64
}

// NewStreamer creates a Streamer on an initialized pool.
func NewStreamer(pool *relaypool.Pool) *Streamer {
	return &Streamer{pool: pool}
}

// Start begins streaming into relay. Calling Start on a running streamer is
// a no-op; Stop cancels it. Both are safe to call from any goroutine.
func (s *Streamer) Start(relay *khatru.Relay) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx != nil {
		return nil
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	go s.run(s.ctx, relay)
	return nil
}

// Stop halts streaming.
func (s *Streamer) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
		s.ctx = nil
		s.cancel = nil
	}
}

func (s *Streamer) run(ctx context.Context, relay *khatru.Relay) {
	for {
		if ctx.Err() != nil {
			return
		}
		now := nostr.Now()
		h, err := s.pool.Subscribe(ctx, nostr.Filter{Since: &now})
		if err != nil {
			atomic.AddInt64(&s.subscribeFailures, 1)
			atomic.AddInt64(&s.consecutiveFailures, 1)
			logging.DebugMethod("live", "run", "subscribe failed: %v", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(5 * time.Second):
			}
			continue
		}
		atomic.StoreInt64(&s.consecutiveFailures, 0)
		logging.DebugMethod("live", "run", "streaming from %d relays", len(h.Relays))

		s.drain(ctx, relay, h)
		s.pool.Unsubscribe(h)

		// the fan-in closed: every relay dropped or the context ended
		atomic.AddInt64(&s.resubscribes, 1)
	}
}

func (s *Streamer) drain(ctx context.Context, relay *khatru.Relay, h *relaypool.Handle) {
	eose := h.EOSE
	for {
		select {
		case <-ctx.Done():
			return
		case in, ok := <-h.Events:
			if !ok {
				return
			}
			if in.Event == nil {
				continue
			}
			clients := relay.BroadcastEvent(in.Event)
			atomic.AddInt64(&s.streamedEvents, 1)
			logging.DebugMethod("live", "drain", "streamed event %s from %s to %d clients",
				in.Event.ID, in.Relay, clients)
		case _, ok := <-eose:
			// live subscriptions only care about new events
			if !ok {
				eose = nil
			}
		}
	}
}

// healthState maps consecutive failures to a traffic-light state.
func healthState(consecutiveFailures int64) string {
	if consecutiveFailures <= 2 {
		return HealthGreen
	} else if consecutiveFailures < 10 {
		return HealthYellow
	}
	return HealthRed
}

// Stats returns a snapshot of the streamer counters.
func (s *Streamer) Stats() Stats {
	consecutive := atomic.LoadInt64(&s.consecutiveFailures)
	return Stats{
		StreamedEvents:      atomic.LoadInt64(&s.streamedEvents),
		Resubscribes:        atomic.LoadInt64(&s.resubscribes),
		SubscribeFailures:   atomic.LoadInt64(&s.subscribeFailures),
		ConsecutiveFailures: consecutive,
		HealthState:         healthState(consecutive),
		ConnectedRelays:     len(s.pool.ConnectedURLs()),
	}
}
