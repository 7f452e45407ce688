// Copyright (c) 2025 Girino Vey.
//
// This software is licensed under Girino's Anarchist License (GAL).
// See LICENSE file for full license text.
// License available at: https://license.girino.org/
package enginestore

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

	"github.com/girino/relay-fetcher/engine"
	"github.com/girino/relay-fetcher/query"
	"github.com/girino/relay-fetcher/relaypool"
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

func newStore(t *testing.T, urls ...string) *EngineStore {
	t.Helper()
	eng := engine.New(engine.Config{Pool: relaypool.Config{URLs: urls}})
	s := New(eng, 5*time.Second)
	require.NoError(t, s.Init())
	t.Cleanup(s.Close)
	require.Eventually(t, func() bool {
		return len(eng.Pool().ConnectedURLs()) == len(urls)
	}, 5*time.Second, 20*time.Millisecond)
	return s
}

func TestEngineStore_QueryEventsStreamsOrdered(t *testing.T) {
	e1 := signedEvent(t, 1, "old", 100)
	e2 := signedEvent(t, 1, "new", 200)
	url := startRelay(t, e1, e2)
	s := newStore(t, url)

	ch, err := s.QueryEvents(context.Background(), nostr.Filter{Kinds: []int{1}})
	require.NoError(t, err)

	var got []*nostr.Event
	for ev := range ch {
		got = append(got, ev)
	}
	require.Len(t, got, 2)
	assert.Equal(t, "new", got[0].Content)
	assert.Equal(t, "old", got[1].Content)

	st := s.Stats()
	assert.EqualValues(t, 1, st.QueryRequests)
	assert.EqualValues(t, 2, st.QueryEventsReturned)
}

func TestEngineStore_SaveEventReachesRemote(t *testing.T) {
	url := startRelay(t)
	s := newStore(t, url)

	ev := signedEvent(t, 1, "saved", nostr.Now())
	require.NoError(t, s.SaveEvent(context.Background(), ev))

	ch, err := s.QueryEvents(context.Background(), nostr.Filter{Kinds: []int{1}})
	require.NoError(t, err)
	var got []*nostr.Event
	for e := range ch {
		got = append(got, e)
	}
	require.Len(t, got, 1)
	assert.Equal(t, ev.ID, got[0].ID)
}

func TestEngineStore_CountEvents(t *testing.T) {
	url := startRelay(t,
		signedEvent(t, 1, "a", 100),
		signedEvent(t, 1, "b", 200),
		signedEvent(t, 7, "c", 300))
	s := newStore(t, url)

	n, err := s.CountEvents(context.Background(), nostr.Filter{Kinds: []int{1}})
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
}

func TestEngineStore_RejectsMalformedFilter(t *testing.T) {
	s := New(engine.New(engine.Config{}), 5*time.Second)
	t.Cleanup(s.Close)

	_, err := s.QueryEvents(context.Background(), nostr.Filter{Limit: -1})
	assert.ErrorIs(t, err, query.ErrMalformedFilter)

	_, err = s.CountEvents(context.Background(), nostr.Filter{Limit: -1})
	assert.ErrorIs(t, err, query.ErrMalformedFilter)
}

func TestEngineStore_DeleteEventIsNoOp(t *testing.T) {
	s := New(engine.New(engine.Config{}), 5*time.Second)
	t.Cleanup(s.Close)
	assert.NoError(t, s.DeleteEvent(context.Background(), &nostr.Event{ID: "x"}))
}
