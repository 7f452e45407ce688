// Copyright (c) 2025 Girino Vey.
//
// This software is licensed under Girino's Anarchist License (GAL).
// See LICENSE file for full license text.
// License available at: https://license.girino.org/
package live

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fiatjaf/eventstore/slicestore"
	"github.com/fiatjaf/khatru"
	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/girino/relay-fetcher/relaypool"
)

func startRemoteRelay(t *testing.T) string {
	t.Helper()
	ss := &slicestore.SliceStore{}
	require.NoError(t, ss.Init())
	r := khatru.NewRelay()
	r.StoreEvent = append(r.StoreEvent, ss.SaveEvent)
	r.QueryEvents = append(r.QueryEvents, ss.QueryEvents)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	t.Cleanup(func() { ss.Close() })
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestStreamer_ForwardsNewEventsToLocalClients(t *testing.T) {
	remote := startRemoteRelay(t)

	pool := relaypool.New(relaypool.Config{URLs: []string{remote}})
	require.NoError(t, pool.Init())
	t.Cleanup(pool.Close)
	require.Eventually(t, func() bool {
		return len(pool.ConnectedURLs()) == 1
	}, 5*time.Second, 20*time.Millisecond)

	local := khatru.NewRelay()
	localSrv := httptest.NewServer(local)
	t.Cleanup(localSrv.Close)
	localURL := "ws" + strings.TrimPrefix(localSrv.URL, "http")

	s := NewStreamer(pool)
	require.NoError(t, s.Start(local))
	t.Cleanup(s.Stop)

	// a client of the local relay, waiting for live events
	client, err := nostr.RelayConnect(context.Background(), localURL)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	sub, err := client.Subscribe(context.Background(), nostr.Filters{{Kinds: []int{1}}})
	require.NoError(t, err)
	t.Cleanup(sub.Unsub)
	select {
	case <-sub.EndOfStoredEvents:
	case <-time.After(5 * time.Second):
		t.Fatal("local relay never sent EOSE")
	}

	// give the streamer's own subscription time to reach the remote
	time.Sleep(200 * time.Millisecond)

	ev := &nostr.Event{Kind: 1, Content: "live", CreatedAt: nostr.Now(), Tags: nostr.Tags{}}
	require.NoError(t, ev.Sign(nostr.GeneratePrivateKey()))
	_, err = pool.Publish(context.Background(), ev)
	require.NoError(t, err)

	select {
	case got := <-sub.Events:
		assert.Equal(t, ev.ID, got.ID)
	case <-time.After(5 * time.Second):
		t.Fatal("event was not streamed to the local client")
	}

	require.Eventually(t, func() bool {
		return s.Stats().StreamedEvents >= 1
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, HealthGreen, s.Stats().HealthState)
}

func TestStreamer_SubscribeFailureTracked(t *testing.T) {
	pool := relaypool.New(relaypool.Config{})
	require.NoError(t, pool.Init())
	t.Cleanup(pool.Close)

	s := NewStreamer(pool)
	require.NoError(t, s.Start(khatru.NewRelay()))
	t.Cleanup(s.Stop)

	require.Eventually(t, func() bool {
		return s.Stats().SubscribeFailures >= 1
	}, 5*time.Second, 20*time.Millisecond)
}

func TestStreamer_ConcurrentStartStop(t *testing.T) {
	remote := startRemoteRelay(t)

	pool := relaypool.New(relaypool.Config{URLs: []string{remote}})
	require.NoError(t, pool.Init())
	t.Cleanup(pool.Close)

	s := NewStreamer(pool)
	relay := khatru.NewRelay()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, s.Start(relay))
			s.Stop()
		}()
	}
	wg.Wait()
	s.Stop()

	// the streamer is restartable after any interleaving of the above
	require.NoError(t, s.Start(relay))
	s.Stop()
}

func TestHealthState(t *testing.T) {
	assert.Equal(t, HealthGreen, healthState(0))
	assert.Equal(t, HealthGreen, healthState(2))
	assert.Equal(t, HealthYellow, healthState(3))
	assert.Equal(t, HealthYellow, healthState(9))
	assert.Equal(t, HealthRed, healthState(10))
}
