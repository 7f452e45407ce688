// Copyright (c) 2025 Girino Vey.
//
// This software is licensed under Girino's Anarchist License (GAL).
// See LICENSE file for full license text.
// License available at: https://license.girino.org/
//
// RecordReconciler - merges records describing the same logical activity from
// up to three independent sources into one canonical collection. The only
// merge path is index-then-probe: identity maps are built for the non-primary
// collections and every record is matched by map lookup, never by scanning
// another collection. Total work is O(H+N+L).
package reconcile

import (
	"context"
	"runtime"
	"sort"
	"strconv"
	"sync/atomic"

	"github.com/girino/relay-fetcher/logging"
)

// Source tags the origin of a record.
type Source string

const (
	SourceLocal  Source = "local"
	SourceRemote Source = "remote"
	SourceDevice Source = "device"
)

// sourceRank orders provenance and breaks merge ties: local wins over remote,
// remote over device.
func sourceRank(s Source) int {
	switch s {
	case SourceLocal:
		return 0
	case SourceRemote:
		return 1
	case SourceDevice:
		return 2
	}
	return 3
}

// SourceRecord is one record as produced by a source adapter.
type SourceRecord struct {
	// ID is the primary identity (event id for remote records). May be
	// empty for device-native records.
	ID string
	// AltKeys are alternate identity keys the record may be matched on
	// (addressable-event coordinates, client-assigned workout ids, ...).
	AltKeys []string
	Source  Source
	// Timestamp is unix seconds.
	Timestamp int64
	// Payload holds the record's fields; populated-field count drives the
	// merge tie-break.
	Payload map[string]string
}

// ReconciledRecord is one canonical output record.
type ReconciledRecord struct {
	ID        string
	Timestamp int64
	Payload   map[string]string
	// Provenance lists every source that contributed, in local, remote,
	// device order.
	Provenance []Source
	// Merged is set when more than one source contributed.
	Merged bool
	// Malformed marks records that carried no identity key at all; they
	// are kept for diagnostics, never dropped.
	Malformed bool
}

// Options tunes the reconciler. Zero values get defaults.
type Options struct {
	// ChunkSize is how many records are processed between yield points, so
	// large inputs cannot starve the caller's event loop.
	ChunkSize int
	// Yield runs between chunks; defaults to runtime.Gosched.
	Yield func()
}

// Stats holds counters accumulated across Reconcile calls.
type Stats struct {
	Runs       int64 `json:"runs"`
	Merged     int64 `json:"merged"`
	Unmatched  int64 `json:"unmatched"`
	Malformed  int64 `json:"malformed"`
	Conflicts  int64 `json:"conflicts"`
	RecordsIn  int64 `json:"records_in"`
	RecordsOut int64 `json:"records_out"`
}

// Reconciler merges local, remote and device record collections.
type Reconciler struct {
	chunkSize int
	yield     func()

	runs       int64
	merged     int64
	unmatched  int64
	malformed  int64
	conflicts  int64
	recordsIn  int64
	recordsOut int64
}

// New creates a Reconciler.
func New(opts Options) *Reconciler {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = 256
	}
	if opts.Yield == nil {
		opts.Yield = runtime.Gosched
	}
	return &Reconciler{chunkSize: opts.ChunkSize, yield: opts.Yield}
}

// identityKeys returns every key a record may be matched on: the primary id,
// each alternate key, and a composite time+kind key for records that carry
// both. Keys are namespaced so an id can never collide with an alt key.
func identityKeys(rec *SourceRecord) []string {
	keys := make([]string, 0, 2+len(rec.AltKeys))
	if rec.ID != "" {
		keys = append(keys, "id:"+rec.ID)
	}
	for _, alt := range rec.AltKeys {
		if alt != "" {
			keys = append(keys, "alt:"+alt)
		}
	}
	if rec.Timestamp != 0 {
		if kind, ok := rec.Payload["kind"]; ok && kind != "" {
			keys = append(keys, "ts:"+strconv.FormatInt(rec.Timestamp, 10)+":"+kind)
		}
	}
	return keys
}

// Reconcile merges the three collections. Unmatched records pass through
// tagged with their sole source; malformed records (no identity key) are kept
// and flagged; identity conflicts degrade to unmatched and are only logged.
// Output is stable-sorted by timestamp descending. The context is checked at
// every yield point, which is the only error path.
func (r *Reconciler) Reconcile(ctx context.Context, local, remote, device []SourceRecord) ([]ReconciledRecord, error) {
	atomic.AddInt64(&r.runs, 1)
	atomic.AddInt64(&r.recordsIn, int64(len(local)+len(remote)+len(device)))

	remoteIdx, err := r.buildIndex(ctx, remote)
	if err != nil {
		return nil, err
	}
	deviceIdx, err := r.buildIndex(ctx, device)
	if err != nil {
		return nil, err
	}

	remoteMatched := make([]bool, len(remote))
	deviceMatched := make([]bool, len(device))
	out := make([]ReconciledRecord, 0, len(local)+len(remote)+len(device))

	// pass 1: local records probe the remote and device indexes
	for i := range local {
		if err := r.checkpoint(ctx, i); err != nil {
			return nil, err
		}
		rec := &local[i]
		keys := identityKeys(rec)
		if len(keys) == 0 {
			out = append(out, r.passThrough(rec, true))
			continue
		}
		ri, rConflict := probe(keys, remoteIdx, remoteMatched)
		di, dConflict := probe(keys, deviceIdx, deviceMatched)
		if rConflict || dConflict {
			atomic.AddInt64(&r.conflicts, 1)
			logging.Warn("reconcile: identity conflict for local record %q, keeping unmatched", rec.ID)
			out = append(out, r.passThrough(rec, false))
			continue
		}
		group := []*SourceRecord{rec}
		if ri >= 0 {
			remoteMatched[ri] = true
			group = append(group, &remote[ri])
		}
		if di >= 0 {
			deviceMatched[di] = true
			group = append(group, &device[di])
		}
		out = append(out, r.merge(group))
	}

	// pass 2: unmatched remote records probe the device index
	for i := range remote {
		if err := r.checkpoint(ctx, i); err != nil {
			return nil, err
		}
		if remoteMatched[i] {
			continue
		}
		rec := &remote[i]
		keys := identityKeys(rec)
		if len(keys) == 0 {
			out = append(out, r.passThrough(rec, true))
			continue
		}
		di, dConflict := probe(keys, deviceIdx, deviceMatched)
		if dConflict {
			atomic.AddInt64(&r.conflicts, 1)
			logging.Warn("reconcile: identity conflict for remote record %q, keeping unmatched", rec.ID)
			out = append(out, r.passThrough(rec, false))
			continue
		}
		if di >= 0 {
			deviceMatched[di] = true
			out = append(out, r.merge([]*SourceRecord{rec, &device[di]}))
			continue
		}
		out = append(out, r.passThrough(rec, false))
	}

	// pass 3: remaining device records pass through
	for i := range device {
		if err := r.checkpoint(ctx, i); err != nil {
			return nil, err
		}
		if deviceMatched[i] {
			continue
		}
		rec := &device[i]
		out = append(out, r.passThrough(rec, len(identityKeys(rec)) == 0))
	}

	// stable sort keeps pass order for equal timestamps, which makes runs
	// over identical inputs produce identical output
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp > out[j].Timestamp
	})

	atomic.AddInt64(&r.recordsOut, int64(len(out)))
	return out, nil
}

// buildIndex maps every identity key of every record to its slice index.
// A key claimed by two records is an identity conflict: the first record
// keeps it, the collision is counted and logged.
func (r *Reconciler) buildIndex(ctx context.Context, recs []SourceRecord) (map[string]int, error) {
	idx := make(map[string]int, len(recs)*2)
	for i := range recs {
		if err := r.checkpoint(ctx, i); err != nil {
			return nil, err
		}
		for _, key := range identityKeys(&recs[i]) {
			if prev, ok := idx[key]; ok && prev != i {
				atomic.AddInt64(&r.conflicts, 1)
				logging.DebugMethod("reconcile", "buildIndex", "key %q claimed by records %d and %d", key, prev, i)
				continue
			}
			idx[key] = i
		}
	}
	return idx, nil
}

// probe looks every key up in idx and returns the single matching unclaimed
// record index, -1 when nothing matches, or conflict=true when two distinct
// records match.
func probe(keys []string, idx map[string]int, claimed []bool) (int, bool) {
	found := -1
	for _, key := range keys {
		i, ok := idx[key]
		if !ok || claimed[i] {
			continue
		}
		if found >= 0 && found != i {
			return -1, true
		}
		found = i
	}
	return found, false
}

// checkpoint yields between chunks and aborts if the context is cancelled.
func (r *Reconciler) checkpoint(ctx context.Context, i int) error {
	if i > 0 && i%r.chunkSize == 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		r.yield()
	}
	return nil
}

func (r *Reconciler) passThrough(rec *SourceRecord, malformed bool) ReconciledRecord {
	atomic.AddInt64(&r.unmatched, 1)
	if malformed {
		atomic.AddInt64(&r.malformed, 1)
		logging.DebugMethod("reconcile", "passThrough", "record with no identity keys from %s kept as malformed", rec.Source)
	}
	return ReconciledRecord{
		ID:         rec.ID,
		Timestamp:  rec.Timestamp,
		Payload:    copyPayload(rec.Payload),
		Provenance: []Source{rec.Source},
		Malformed:  malformed,
	}
}

// merge combines the matched records of one logical entity. The base record
// is the one with the most populated payload fields; ties go to the newest
// timestamp, then to source priority (local over remote over device). Fields
// the base lacks are filled in from the others.
func (r *Reconciler) merge(group []*SourceRecord) ReconciledRecord {
	if len(group) > 1 {
		atomic.AddInt64(&r.merged, 1)
	} else {
		atomic.AddInt64(&r.unmatched, 1)
	}

	base := group[0]
	for _, rec := range group[1:] {
		if betterBase(rec, base) {
			base = rec
		}
	}

	payload := copyPayload(base.Payload)
	sorted := make([]*SourceRecord, len(group))
	copy(sorted, group)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sourceRank(sorted[i].Source) < sourceRank(sorted[j].Source)
	})
	for _, rec := range sorted {
		if rec == base {
			continue
		}
		for k, v := range rec.Payload {
			if _, ok := payload[k]; !ok && v != "" {
				payload[k] = v
			}
		}
	}

	id := base.ID
	provenance := make([]Source, 0, len(sorted))
	for _, rec := range sorted {
		if id == "" && rec.ID != "" {
			id = rec.ID
		}
		provenance = append(provenance, rec.Source)
	}

	return ReconciledRecord{
		ID:         id,
		Timestamp:  base.Timestamp,
		Payload:    payload,
		Provenance: provenance,
		Merged:     len(group) > 1,
	}
}

// betterBase reports whether cand should replace cur as the merge base:
// more populated fields first, then newer timestamp, then source priority.
func betterBase(cand, cur *SourceRecord) bool {
	cf, bf := populatedFields(cand.Payload), populatedFields(cur.Payload)
	if cf != bf {
		return cf > bf
	}
	if cand.Timestamp != cur.Timestamp {
		return cand.Timestamp > cur.Timestamp
	}
	return sourceRank(cand.Source) < sourceRank(cur.Source)
}

func populatedFields(p map[string]string) int {
	n := 0
	for _, v := range p {
		if v != "" {
			n++
		}
	}
	return n
}

func copyPayload(p map[string]string) map[string]string {
	out := make(map[string]string, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Stats returns a snapshot of the reconciler counters.
func (r *Reconciler) Stats() Stats {
	return Stats{
		Runs:       atomic.LoadInt64(&r.runs),
		Merged:     atomic.LoadInt64(&r.merged),
		Unmatched:  atomic.LoadInt64(&r.unmatched),
		Malformed:  atomic.LoadInt64(&r.malformed),
		Conflicts:  atomic.LoadInt64(&r.conflicts),
		RecordsIn:  atomic.LoadInt64(&r.recordsIn),
		RecordsOut: atomic.LoadInt64(&r.recordsOut),
	}
}
