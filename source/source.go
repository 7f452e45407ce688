// Copyright (c) 2025 Girino Vey.
//
// This software is licensed under Girino's Anarchist License (GAL).
// See LICENSE file for full license text.
// License available at: https://license.girino.org/
//
// Source adapters - turn events and device-native data into SourceRecords
// for reconciliation.
package source

import (
	"context"
	"fmt"
	"strconv"

	"github.com/fiatjaf/eventstore"
	"github.com/nbd-wtf/go-nostr"

	"github.com/girino/relay-fetcher/reconcile"
)

// Adapter produces the records of one source collection.
type Adapter interface {
	Records(ctx context.Context) ([]reconcile.SourceRecord, error)
}

// FromEvent converts a nostr event into a SourceRecord tagged with src. The
// event id is the primary identity; addressable-event coordinates (the "d"
// tag) and client-assigned record ids (the "client_id" tag) become alternate
// keys. Identity fields are read, never mutated.
func FromEvent(src reconcile.Source, ev *nostr.Event) reconcile.SourceRecord {
	rec := reconcile.SourceRecord{
		ID:        ev.ID,
		Source:    src,
		Timestamp: int64(ev.CreatedAt),
		Payload: map[string]string{
			"kind":    strconv.Itoa(ev.Kind),
			"pubkey":  ev.PubKey,
			"content": ev.Content,
		},
	}
	for _, tag := range ev.Tags {
		if len(tag) < 2 || tag[1] == "" {
			continue
		}
		switch tag[0] {
		case "d":
			rec.AltKeys = append(rec.AltKeys,
				fmt.Sprintf("%d:%s:%s", ev.Kind, ev.PubKey, tag[1]))
		case "client_id":
			rec.AltKeys = append(rec.AltKeys, tag[1])
		default:
			if _, ok := rec.Payload[tag[0]]; !ok {
				rec.Payload[tag[0]] = tag[1]
			}
		}
	}
	return rec
}

// FromEvents converts a slice of events.
func FromEvents(src reconcile.Source, evs []*nostr.Event) []reconcile.SourceRecord {
	out := make([]reconcile.SourceRecord, 0, len(evs))
	for _, ev := range evs {
		if ev == nil {
			continue
		}
		out = append(out, FromEvent(src, ev))
	}
	return out
}

// LocalStore adapts an injected eventstore.Store as the local collection.
type LocalStore struct {
	store  eventstore.Store
	filter nostr.Filter
}

// NewLocalStore wraps store; filter selects which locally persisted events
// take part in reconciliation.
func NewLocalStore(store eventstore.Store, filter nostr.Filter) *LocalStore {
	return &LocalStore{store: store, filter: filter}
}

func (s *LocalStore) Records(ctx context.Context) ([]reconcile.SourceRecord, error) {
	ch, err := s.store.QueryEvents(ctx, s.filter)
	if err != nil {
		return nil, fmt.Errorf("local store query: %w", err)
	}
	var out []reconcile.SourceRecord
	for ev := range ch {
		if ev == nil {
			continue
		}
		out = append(out, FromEvent(reconcile.SourceLocal, ev))
	}
	return out, nil
}

// Static is a fixed record collection, useful for device-native adapters
// whose host already materialized the records, and for tests.
type Static []reconcile.SourceRecord

func (s Static) Records(ctx context.Context) ([]reconcile.SourceRecord, error) {
	return s, nil
}
