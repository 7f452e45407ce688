// Copyright (c) 2025 Girino Vey.
//
// This software is licensed under Girino's Anarchist License (GAL).
// See LICENSE file for full license text.
// License available at: https://license.girino.org/
package query

import (
	"sort"
	"strconv"
	"strings"

	"github.com/nbd-wtf/go-nostr"
)

// FilterSignature serializes a filter into a canonical string used as the
// cache and deduplication key. Two filters describing the same query always
// produce the same signature: sets are sorted before encoding, absent fields
// are omitted.
func FilterSignature(f nostr.Filter) string {
	var b strings.Builder

	writeStrSet(&b, "ids", f.IDs)

	if len(f.Kinds) > 0 {
		kinds := make([]int, len(f.Kinds))
		copy(kinds, f.Kinds)
		sort.Ints(kinds)
		b.WriteString("kinds=")
		for i, k := range kinds {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteString(strconv.Itoa(k))
		}
		b.WriteByte(';')
	}

	writeStrSet(&b, "authors", f.Authors)

	if f.Since != nil {
		b.WriteString("since=")
		b.WriteString(strconv.FormatInt(int64(*f.Since), 10))
		b.WriteByte(';')
	}
	if f.Until != nil {
		b.WriteString("until=")
		b.WriteString(strconv.FormatInt(int64(*f.Until), 10))
		b.WriteByte(';')
	}
	if f.Limit > 0 || f.LimitZero {
		b.WriteString("limit=")
		b.WriteString(strconv.Itoa(f.Limit))
		b.WriteByte(';')
	}

	if len(f.Tags) > 0 {
		keys := make([]string, 0, len(f.Tags))
		for k := range f.Tags {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			writeStrSet(&b, "#"+sigEscape.Replace(k), f.Tags[k])
		}
	}

	if f.Search != "" {
		b.WriteString("search=")
		b.WriteString(sigEscape.Replace(f.Search))
		b.WriteByte(';')
	}

	return b.String()
}

// sigEscape escapes the encoding's separator bytes inside client-supplied
// values. Without it two distinct filters can serialize to the same
// signature and share a cache entry: tag values and searches are arbitrary
// strings and may contain ';', ',' or '='.
var sigEscape = strings.NewReplacer(`\`, `\\`, ";", `\;`, ",", `\,`, "=", `\=`)

func writeStrSet(b *strings.Builder, name string, vals []string) {
	if len(vals) == 0 {
		return
	}
	sorted := make([]string, len(vals))
	copy(sorted, vals)
	sort.Strings(sorted)
	b.WriteString(name)
	b.WriteByte('=')
	for i, v := range sorted {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(sigEscape.Replace(v))
	}
	b.WriteByte(';')
}
