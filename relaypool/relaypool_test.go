// Copyright (c) 2025 Girino Vey.
//
// This software is licensed under Girino's Anarchist License (GAL).
// See LICENSE file for full license text.
// License available at: https://license.girino.org/
package relaypool

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/fiatjaf/eventstore/slicestore"
	"github.com/fiatjaf/khatru"
	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signedEvent(t *testing.T, kind int, content string, createdAt nostr.Timestamp) *nostr.Event {
	t.Helper()
	ev := &nostr.Event{
		Kind:      kind,
		Content:   content,
		CreatedAt: createdAt,
		Tags:      nostr.Tags{},
	}
	require.NoError(t, ev.Sign(nostr.GeneratePrivateKey()))
	return ev
}

func startRelay(t *testing.T, events ...*nostr.Event) string {
	t.Helper()
	ss := &slicestore.SliceStore{}
	require.NoError(t, ss.Init())
	for _, ev := range events {
		require.NoError(t, ss.SaveEvent(context.Background(), ev))
	}
	r := khatru.NewRelay()
	r.StoreEvent = append(r.StoreEvent, ss.SaveEvent)
	r.QueryEvents = append(r.QueryEvents, ss.QueryEvents)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	t.Cleanup(func() { ss.Close() })
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func waitConnected(t *testing.T, p *Pool, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(p.ConnectedURLs()) == n
	}, 5*time.Second, 20*time.Millisecond)
}

func TestPool_ConnectLifecycle(t *testing.T) {
	url := startRelay(t)
	p := New(Config{URLs: []string{url}})
	require.NoError(t, p.Init())
	defer p.Close()

	waitConnected(t, p, 1)
	eps := p.Endpoints()
	require.Len(t, eps, 1)
	assert.Equal(t, url, eps[0].URL)
	assert.Equal(t, "connected", eps[0].State)
	assert.Equal(t, 0, eps[0].ConsecutiveFailures)
	assert.EqualValues(t, 1, p.Stats().ConnectAttempts)
}

func TestPool_FailingEndpointEntersCooldown(t *testing.T) {
	p := New(Config{
		// nothing listens on port 1, every dial is refused
		URLs:                   []string{"ws://127.0.0.1:1"},
		DialTimeout:            200 * time.Millisecond,
		BackoffBase:            time.Millisecond,
		BackoffMax:             5 * time.Millisecond,
		MaxConsecutiveFailures: 3,
		FailureCooldown:        300 * time.Millisecond,
		ReconnectInterval:      10 * time.Millisecond,
	})
	require.NoError(t, p.Init())
	defer p.Close()

	require.Eventually(t, func() bool {
		eps := p.Endpoints()
		return len(eps) == 1 && eps[0].State == "failed"
	}, 5*time.Second, 10*time.Millisecond, "endpoint fails after max consecutive attempts")

	eps := p.Endpoints()
	assert.GreaterOrEqual(t, eps[0].ConsecutiveFailures, 3)
	assert.Empty(t, p.ConnectedURLs(), "failed endpoint is excluded from fan-outs")

	// after the cooldown the endpoint gets a fresh round of attempts
	require.Eventually(t, func() bool {
		return p.Endpoints()[0].State != "failed"
	}, 5*time.Second, 5*time.Millisecond, "cooldown expiry resets the endpoint")
}

func TestPool_FailedEndpointExcludedHealthyKept(t *testing.T) {
	good := startRelay(t)
	p := New(Config{
		URLs:                   []string{good, "ws://127.0.0.1:1"},
		DialTimeout:            200 * time.Millisecond,
		BackoffBase:            time.Millisecond,
		MaxConsecutiveFailures: 2,
		FailureCooldown:        time.Hour,
		ReconnectInterval:      10 * time.Millisecond,
	})
	require.NoError(t, p.Init())
	defer p.Close()

	waitConnected(t, p, 1)
	require.Eventually(t, func() bool {
		for _, ep := range p.Endpoints() {
			if ep.State == "failed" {
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, []string{good}, p.ConnectedURLs())

	// operations keep working on the surviving endpoint
	h, err := p.Subscribe(context.Background(), nostr.Filter{Kinds: []int{1}})
	require.NoError(t, err)
	assert.Equal(t, []string{good}, h.Relays)
	p.Unsubscribe(h)
}

func TestPool_SubscribeReceivesStoredEventsAndEOSE(t *testing.T) {
	ev := signedEvent(t, 1, "stored", 100)
	url := startRelay(t, ev)
	p := New(Config{URLs: []string{url}})
	require.NoError(t, p.Init())
	defer p.Close()
	waitConnected(t, p, 1)

	h, err := p.Subscribe(context.Background(), nostr.Filter{Kinds: []int{1}})
	require.NoError(t, err)
	defer p.Unsubscribe(h)

	select {
	case in := <-h.Events:
		assert.Equal(t, ev.ID, in.Event.ID)
		assert.Equal(t, url, in.Relay)
	case <-time.After(5 * time.Second):
		t.Fatal("no stored event received")
	}
	select {
	case got := <-h.EOSE:
		assert.Equal(t, url, got)
	case <-time.After(5 * time.Second):
		t.Fatal("no EOSE received")
	}
}

func TestPool_SubscribeStreamsLiveEvents(t *testing.T) {
	url := startRelay(t)
	p := New(Config{URLs: []string{url}})
	require.NoError(t, p.Init())
	defer p.Close()
	waitConnected(t, p, 1)

	h, err := p.Subscribe(context.Background(), nostr.Filter{Kinds: []int{1}})
	require.NoError(t, err)
	defer p.Unsubscribe(h)

	// wait for the stored-events replay to finish first
	select {
	case <-h.EOSE:
	case <-time.After(5 * time.Second):
		t.Fatal("no EOSE received")
	}

	ev := signedEvent(t, 1, "live", nostr.Now())
	results, err := p.Publish(context.Background(), ev)
	require.NoError(t, err)
	require.NoError(t, results[url])

	select {
	case in := <-h.Events:
		assert.Equal(t, ev.ID, in.Event.ID)
	case <-time.After(5 * time.Second):
		t.Fatal("live event not streamed to subscriber")
	}
}

func TestPool_SubscribeNoRelays(t *testing.T) {
	p := New(Config{})
	require.NoError(t, p.Init())
	defer p.Close()

	_, err := p.Subscribe(context.Background(), nostr.Filter{})
	assert.ErrorIs(t, err, ErrNoRelays)
}

func TestPool_UnsubscribeClosesChannelsOnce(t *testing.T) {
	url := startRelay(t)
	p := New(Config{URLs: []string{url}})
	require.NoError(t, p.Init())
	defer p.Close()
	waitConnected(t, p, 1)

	h, err := p.Subscribe(context.Background(), nostr.Filter{Kinds: []int{1}})
	require.NoError(t, err)
	assert.True(t, h.Active())

	p.Unsubscribe(h)
	p.Unsubscribe(h) // second call is a no-op
	assert.False(t, h.Active())

	require.Eventually(t, func() bool {
		select {
		case _, ok := <-h.Events:
			return !ok
		default:
			return false
		}
	}, 5*time.Second, 10*time.Millisecond, "events channel closes after unsubscribe")
	assert.EqualValues(t, 1, p.Stats().SubscriptionsClosed)
}

func TestPool_PublishFanOut(t *testing.T) {
	url1 := startRelay(t)
	url2 := startRelay(t)
	p := New(Config{URLs: []string{url1, url2}})
	require.NoError(t, p.Init())
	defer p.Close()
	waitConnected(t, p, 2)

	ev := signedEvent(t, 1, "hello", nostr.Now())
	results, err := p.Publish(context.Background(), ev)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.NoError(t, results[url1])
	assert.NoError(t, results[url2])

	st := p.Stats()
	assert.EqualValues(t, 2, st.PublishAttempts)
	assert.EqualValues(t, 2, st.PublishSuccesses)
}

func TestPool_PublishNoRelays(t *testing.T) {
	p := New(Config{})
	require.NoError(t, p.Init())
	defer p.Close()

	_, err := p.Publish(context.Background(), signedEvent(t, 1, "x", nostr.Now()))
	assert.ErrorIs(t, err, ErrNoRelays)
}

func TestBackoffDelay_CappedExponential(t *testing.T) {
	p := New(Config{
		BackoffBase:       100 * time.Millisecond,
		BackoffMultiplier: 2,
		BackoffMax:        time.Second,
	})
	defer p.Close()

	d1 := p.backoffDelay(1)
	assert.GreaterOrEqual(t, d1, 100*time.Millisecond)
	assert.LessOrEqual(t, d1, 120*time.Millisecond, "jitter stays within 20%")

	d3 := p.backoffDelay(3)
	assert.GreaterOrEqual(t, d3, 400*time.Millisecond)
	assert.LessOrEqual(t, d3, 480*time.Millisecond)

	d20 := p.backoffDelay(20)
	assert.LessOrEqual(t, d20, time.Second, "delay never exceeds the cap")
}
