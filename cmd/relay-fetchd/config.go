// Copyright (c) 2025 Girino Vey.
//
// This software is licensed under Girino's Anarchist License (GAL).
// See LICENSE file for full license text.
// License available at: https://license.girino.org/
//
// Configuration management for relay-fetchd.
package main

import (
	"flag"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/fiatjaf/khatru"
)

// getEnvOr returns the environment variable value or a default if not set
func getEnvOr(env, defaultValue string) string {
	if v := os.Getenv(env); v != "" {
		return v
	}
	return defaultValue
}

// getEnvIntOr parses an integer environment variable with a fallback
func getEnvIntOr(env string, defaultValue int) int {
	if v := os.Getenv(env); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultValue
}

// getEnvDurationOr parses a duration environment variable with a fallback
func getEnvDurationOr(env string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(env); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultValue
}

// Config holds runtime configuration coming from environment and CLI flags.
type Config struct {
	Addr    string
	Relays  []string
	Verbose string

	QueryTimeout   time.Duration
	CacheTTL       time.Duration
	CacheCapacity  int
	CooldownWindow time.Duration
	MaxFailures    int
	LiveStream     bool

	RelayServiceURL  string
	RelayName        string
	RelayDescription string
	RelayContact     string
	RelayPubKey      string
	RelayIcon        string
	RelayBanner      string
}

// LoadConfig reads environment variables and flags. Flags override env values.
func LoadConfig() *Config {
	addr := flag.String("addr", getEnvOr("ADDR", ":3338"), "address to listen on (env: ADDR)")
	relays := flag.String("relays", os.Getenv("RELAYS"), "comma-separated list of remote relay URLs to aggregate (env: RELAYS)")
	verbose := flag.String("verbose", os.Getenv("VERBOSE"), "verbose logging control: '1'/'true' for all, 'relaypool' for module, 'relaypool.Publish,query' for specific methods (env: VERBOSE)")

	queryTimeout := flag.Duration("query-timeout", getEnvDurationOr("QUERY_TIMEOUT", 7*time.Second), "per-query timeout budget (env: QUERY_TIMEOUT)")
	cacheTTL := flag.Duration("cache-ttl", getEnvDurationOr("CACHE_TTL", 5*time.Minute), "TTL for cached query results (env: CACHE_TTL)")
	cacheCapacity := flag.Int("cache-capacity", getEnvIntOr("CACHE_CAPACITY", 512), "maximum cached query results (env: CACHE_CAPACITY)")
	cooldown := flag.Duration("failure-cooldown", getEnvDurationOr("FAILURE_COOLDOWN", time.Minute), "exclusion window for endpoints that keep failing (env: FAILURE_COOLDOWN)")
	maxFailures := flag.Int("max-failures", getEnvIntOr("MAX_FAILURES", 5), "consecutive failures before an endpoint is parked (env: MAX_FAILURES)")
	liveStream := flag.Bool("live", getEnvOr("LIVE", "1") != "0", "stream new remote events to connected clients (env: LIVE)")

	relayServiceURL := flag.String("relay-service-url", os.Getenv("RELAY_SERVICE_URL"), "service URL for relay (env: RELAY_SERVICE_URL)")
	relayName := flag.String("relay-name", os.Getenv("RELAY_NAME"), "relay name (env: RELAY_NAME)")
	relayDescription := flag.String("relay-description", os.Getenv("RELAY_DESCRIPTION"), "relay description (env: RELAY_DESCRIPTION)")
	relayContact := flag.String("relay-contact", os.Getenv("RELAY_CONTACT"), "relay contact (env: RELAY_CONTACT)")
	relayPubKey := flag.String("relay-pubkey", os.Getenv("RELAY_PUBKEY"), "relay public key (env: RELAY_PUBKEY)")
	relayIcon := flag.String("relay-icon", os.Getenv("RELAY_ICON"), "relay icon URL (env: RELAY_ICON)")
	relayBanner := flag.String("relay-banner", os.Getenv("RELAY_BANNER"), "relay banner URL (env: RELAY_BANNER)")

	flag.Parse()

	var relayList []string
	if *relays != "" {
		for _, u := range strings.Split(*relays, ",") {
			if u = strings.TrimSpace(u); u != "" {
				relayList = append(relayList, u)
			}
		}
	}

	return &Config{
		Addr:    *addr,
		Relays:  relayList,
		Verbose: *verbose,

		QueryTimeout:   *queryTimeout,
		CacheTTL:       *cacheTTL,
		CacheCapacity:  *cacheCapacity,
		CooldownWindow: *cooldown,
		MaxFailures:    *maxFailures,
		LiveStream:     *liveStream,

		RelayServiceURL:  *relayServiceURL,
		RelayName:        *relayName,
		RelayDescription: *relayDescription,
		RelayContact:     *relayContact,
		RelayPubKey:      *relayPubKey,
		RelayIcon:        *relayIcon,
		RelayBanner:      *relayBanner,
	}
}

// ApplyToRelay applies config NIP-11 fields to a khatru Relay instance.
func ApplyToRelay(r *khatru.Relay, cfg *Config) {
	if cfg.RelayServiceURL != "" {
		r.ServiceURL = cfg.RelayServiceURL
	}
	if cfg.RelayName != "" {
		r.Info.Name = cfg.RelayName
	} else {
		r.Info.Name = ProjectName
	}
	if cfg.RelayDescription != "" {
		r.Info.Description = cfg.RelayDescription
	}
	if cfg.RelayContact != "" {
		r.Info.Contact = cfg.RelayContact
	}
	if cfg.RelayPubKey != "" {
		r.Info.PubKey = cfg.RelayPubKey
	}
	if cfg.RelayIcon != "" {
		r.Info.Icon = cfg.RelayIcon
	}
	if cfg.RelayBanner != "" {
		r.Info.Banner = cfg.RelayBanner
	}
	r.Info.Software = "https://github.com/girino/relay-fetcher"
	r.Info.Version = Version
}
