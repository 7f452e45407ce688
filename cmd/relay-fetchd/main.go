// Copyright (c) 2025 Girino Vey.
//
// This software is licensed under Girino's Anarchist License (GAL).
// See LICENSE file for full license text.
// License available at: https://license.girino.org/
//
// relay-fetchd - a caching, deduplicating aggregator relay. Client queries
// are answered from the event cache or fanned out across the configured
// remote relays; publishes are forwarded to every connected remote.
package main

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"os/signal"
	"runtime"
	"strconv"
	"syscall"
	"time"

	"github.com/fiatjaf/khatru"
	"github.com/fiatjaf/khatru/policies"
	"github.com/nbd-wtf/go-nostr"
	nip11 "github.com/nbd-wtf/go-nostr/nip11"

	"github.com/girino/relay-fetcher/engine"
	"github.com/girino/relay-fetcher/eventstore/enginestore"
	"github.com/girino/relay-fetcher/live"
	"github.com/girino/relay-fetcher/logging"
	"github.com/girino/relay-fetcher/relaypool"
)

// Goroutine health thresholds
const (
	GoroutineYellowThreshold = 30000
	GoroutineRedThreshold    = 100000
)

func goroutineHealthState(count int) string {
	if count >= GoroutineRedThreshold {
		return live.HealthRed
	} else if count >= GoroutineYellowThreshold {
		return live.HealthYellow
	}
	return live.HealthGreen
}

func main() {
	startTime := time.Now()

	cfg := LoadConfig()
	logging.SetVerbose(cfg.Verbose)

	if len(cfg.Relays) == 0 {
		logging.Fatal("no remote relays provided - set RELAYS or --relays")
	}

	es := enginestore.New(engine.New(engine.Config{
		Pool: relaypool.Config{
			URLs:                   cfg.Relays,
			MaxConsecutiveFailures: cfg.MaxFailures,
			FailureCooldown:        cfg.CooldownWindow,
		},
		CacheCapacity: cfg.CacheCapacity,
		CacheTTL:      cfg.CacheTTL,
	}), cfg.QueryTimeout)
	if err := es.Init(); err != nil {
		logging.Fatal("initializing engine store: %v", err)
	}
	defer es.Close()

	r := khatru.NewRelay()
	ApplyToRelay(r, cfg)

	if r.Info == nil {
		r.Info = &nip11.RelayInformationDocument{}
	}
	ensureSupportedNips(r, []int{11, 45})

	// rate limiting keeps a single client from hammering the upstream remotes
	filterIPRateLimiter := policies.FilterIPRateLimiter(20, time.Minute, 100)
	r.RejectFilter = append(r.RejectFilter,
		func(ctx context.Context, filter nostr.Filter) (reject bool, msg string) {
			reject, msg = filterIPRateLimiter(ctx, filter)
			if reject {
				logging.Warn("filter IP rate limiter: %s, from: %s", msg, khatru.GetIP(ctx))
			}
			return reject, msg
		},
	)

	r.StoreEvent = append(r.StoreEvent, es.SaveEvent)
	r.QueryEvents = append(r.QueryEvents, es.QueryEvents)
	r.CountEvents = append(r.CountEvents, es.CountEvents)

	var streamer *live.Streamer
	if cfg.LiveStream {
		streamer = live.NewStreamer(es.Engine().Pool())
		if err := streamer.Start(r); err != nil {
			logging.Fatal("starting live streamer: %v", err)
		}
		defer streamer.Stop()
	}

	mux := r.Router()
	mux.HandleFunc("/stats", func(w http.ResponseWriter, req *http.Request) {
		var m runtime.MemStats
		runtime.ReadMemStats(&m)
		goroutines := runtime.NumGoroutine()

		payload := map[string]interface{}{
			"app": map[string]interface{}{
				"version":        Version,
				"uptime_seconds": time.Since(startTime).Seconds(),
				"goroutines": map[string]interface{}{
					"count":        goroutines,
					"health_state": goroutineHealthState(goroutines),
				},
				"heap_alloc_bytes": m.HeapAlloc,
			},
			"engine":    es.Engine().Stats(),
			"store":     es.Stats(),
			"endpoints": es.Engine().Pool().Endpoints(),
		}
		if streamer != nil {
			payload["live"] = streamer.Stats()
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(payload); err != nil {
			http.Error(w, "failed to encode stats", http.StatusInternalServerError)
		}
	})

	host, portStr, err := net.SplitHostPort(cfg.Addr)
	if err != nil {
		if cfg.Addr != "" && cfg.Addr[0] == ':' {
			host = ""
			portStr = cfg.Addr[1:]
		} else {
			logging.Fatal("invalid addr: %v", err)
		}
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		logging.Fatal("invalid port: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		logging.Info("shutting down")
		r.Shutdown(context.Background())
	}()

	logging.Info("%s %s listening on %s, aggregating %d remotes", ProjectName, Version, cfg.Addr, len(cfg.Relays))
	if err := r.Start(host, port); err != nil {
		logging.Fatal("relay exited: %v", err)
	}
}

func ensureSupportedNips(r *khatru.Relay, nips []int) {
	if r == nil || r.Info == nil {
		return
	}
	present := map[int]bool{}
	for _, v := range r.Info.SupportedNIPs {
		switch vv := v.(type) {
		case int:
			present[vv] = true
		case int64:
			present[int(vv)] = true
		}
	}
	for _, ni := range nips {
		if !present[ni] {
			r.Info.SupportedNIPs = append(r.Info.SupportedNIPs, ni)
		}
	}
}
