// Copyright (c) 2025 Girino Vey.
//
// This software is licensed under Girino's Anarchist License (GAL).
// See LICENSE file for full license text.
// License available at: https://license.girino.org/
//
// RelayPool - connection pool for a set of remote nostr relays.
package relaypool

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/nbd-wtf/go-nostr"

	"github.com/girino/relay-fetcher/logging"
)

// ConnState is the lifecycle state of a pooled relay endpoint.
type ConnState int32

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	StateFailed
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// ErrNoRelays is returned when an operation needs at least one connected
// relay and none is available.
var ErrNoRelays = errors.New("no connected relays available")

// Config holds pool tuning knobs. Zero values are replaced by defaults.
type Config struct {
	URLs []string

	// DialTimeout bounds each connection attempt.
	DialTimeout time.Duration
	// PublishTimeout bounds each per-relay publish.
	PublishTimeout time.Duration

	// BackoffBase, BackoffMultiplier and BackoffMax shape the retry delay
	// after a failed connection attempt. A jitter of up to 20% is added.
	BackoffBase       time.Duration
	BackoffMultiplier float64
	BackoffMax        time.Duration

	// MaxConsecutiveFailures attempts mark an endpoint failed; it is then
	// excluded from broadcasts until FailureCooldown elapses.
	MaxConsecutiveFailures int
	FailureCooldown        time.Duration

	// ReconnectInterval is how often the background loop retries endpoints
	// that are due.
	ReconnectInterval time.Duration

	// EventBuffer is the capacity of a subscription's fan-in channel.
	EventBuffer int
}

func (c *Config) applyDefaults() {
	if c.DialTimeout <= 0 {
		c.DialTimeout = 7 * time.Second
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = 7 * time.Second
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Second
	}
	if c.BackoffMultiplier < 1 {
		c.BackoffMultiplier = 2
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = time.Minute
	}
	if c.MaxConsecutiveFailures <= 0 {
		c.MaxConsecutiveFailures = 5
	}
	if c.FailureCooldown <= 0 {
		c.FailureCooldown = time.Minute
	}
	if c.ReconnectInterval <= 0 {
		c.ReconnectInterval = 5 * time.Second
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = 256
	}
}

// endpoint tracks one remote relay and its connection lifecycle.
type endpoint struct {
	url string

	mu           sync.Mutex
	state        ConnState
	relay        *nostr.Relay
	lastActivity time.Time
	failures     int
	// retryAt gates reconnection: backoff while disconnected, cooldown
	// while failed.
	retryAt time.Time
}

// EndpointInfo is a read-only snapshot of an endpoint.
type EndpointInfo struct {
	URL                 string    `json:"url"`
	State               string    `json:"state"`
	LastActivity        time.Time `json:"last_activity"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
}

// Stats holds runtime counters exported by the pool.
type Stats struct {
	ConnectAttempts     int64 `json:"connect_attempts"`
	ConnectFailures     int64 `json:"connect_failures"`
	PublishAttempts     int64 `json:"publish_attempts"`
	PublishSuccesses    int64 `json:"publish_successes"`
	PublishFailures     int64 `json:"publish_failures"`
	SubscriptionsOpened int64 `json:"subscriptions_opened"`
	SubscriptionsClosed int64 `json:"subscriptions_closed"`
}

// Pool owns live connections to a set of relay endpoints and multiplexes
// subscriptions and publishes across them. Endpoints that keep failing are
// parked in a cooldown window; the pool keeps operating on the rest.
type Pool struct {
	cfg Config

	mu        sync.RWMutex
	endpoints map[string]*endpoint

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	connectAttempts     int64
	connectFailures     int64
	publishAttempts     int64
	publishSuccesses    int64
	publishFailures     int64
	subscriptionsOpened int64
	subscriptionsClosed int64
}

// New creates a Pool for the configured relay URLs. Call Init to start
// connecting.
func New(cfg Config) *Pool {
	cfg.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		cfg:       cfg,
		endpoints: make(map[string]*endpoint),
		ctx:       ctx,
		cancel:    cancel,
	}
	for _, u := range cfg.URLs {
		u = strings.TrimSpace(u)
		if u == "" {
			continue
		}
		p.endpoints[u] = &endpoint{url: u}
	}
	return p
}

// Init attempts a best-effort first connection to every endpoint and starts
// the background reconnect loop.
func (p *Pool) Init() error {
	p.mu.RLock()
	eps := make([]*endpoint, 0, len(p.endpoints))
	for _, ep := range p.endpoints {
		eps = append(eps, ep)
	}
	p.mu.RUnlock()

	for _, ep := range eps {
		p.wg.Add(1)
		go func(ep *endpoint) {
			defer p.wg.Done()
			if err := p.connect(p.ctx, ep); err != nil {
				logging.DebugMethod("relaypool", "Init", "initial connect to %s failed: %v", ep.url, err)
			}
		}(ep)
	}

	p.wg.Add(1)
	go p.reconnectLoop()
	return nil
}

// Close disconnects every endpoint and stops background work.
func (p *Pool) Close() {
	p.cancel()
	p.mu.Lock()
	for _, ep := range p.endpoints {
		ep.mu.Lock()
		if ep.relay != nil {
			_ = ep.relay.Close()
			ep.relay = nil
		}
		ep.state = StateClosed
		ep.mu.Unlock()
	}
	p.mu.Unlock()
	p.wg.Wait()
}

// Connect dials a single endpoint, adding it to the pool if new. Transitions:
// disconnected -> connecting -> connected on success; on failure the attempt
// counter grows and the endpoint is scheduled for a backoff retry, or marked
// failed once MaxConsecutiveFailures is reached.
func (p *Pool) Connect(ctx context.Context, url string) error {
	url = strings.TrimSpace(url)
	if url == "" {
		return fmt.Errorf("empty relay url")
	}
	p.mu.Lock()
	ep, ok := p.endpoints[url]
	if !ok {
		ep = &endpoint{url: url}
		p.endpoints[url] = ep
	}
	p.mu.Unlock()
	return p.connect(ctx, ep)
}

func (p *Pool) connect(ctx context.Context, ep *endpoint) error {
	ep.mu.Lock()
	if ep.state == StateConnected || ep.state == StateConnecting || ep.state == StateClosed {
		ep.mu.Unlock()
		return nil
	}
	ep.state = StateConnecting
	ep.mu.Unlock()

	atomic.AddInt64(&p.connectAttempts, 1)
	logging.DebugMethod("relaypool", "connect", "connecting to %s", ep.url)

	dialCtx, cancel := context.WithTimeout(ctx, p.cfg.DialTimeout)
	defer cancel()
	rl, err := nostr.RelayConnect(dialCtx, ep.url)

	ep.mu.Lock()
	defer ep.mu.Unlock()
	if ep.state == StateClosed {
		if rl != nil {
			_ = rl.Close()
		}
		return nil
	}
	if err != nil {
		atomic.AddInt64(&p.connectFailures, 1)
		ep.failures++
		if ep.failures >= p.cfg.MaxConsecutiveFailures {
			ep.state = StateFailed
			ep.retryAt = time.Now().Add(p.cfg.FailureCooldown)
			logging.Warn("relaypool: endpoint %s failed %d consecutive attempts, cooling down until %s",
				ep.url, ep.failures, ep.retryAt.Format(time.RFC3339))
		} else {
			ep.state = StateDisconnected
			delay := p.backoffDelay(ep.failures)
			ep.retryAt = time.Now().Add(delay)
			logging.DebugMethod("relaypool", "connect", "connect to %s failed (%d): retrying in %s: %v",
				ep.url, ep.failures, delay, err)
		}
		return fmt.Errorf("connect %s: %w", ep.url, err)
	}

	ep.relay = rl
	ep.state = StateConnected
	ep.failures = 0
	ep.lastActivity = time.Now()
	logging.DebugMethod("relaypool", "connect", "connected to %s", ep.url)
	return nil
}

// backoffDelay computes the capped exponential delay for the nth consecutive
// failure, with up to 20% jitter.
func (p *Pool) backoffDelay(failures int) time.Duration {
	d := float64(p.cfg.BackoffBase)
	for i := 1; i < failures; i++ {
		d *= p.cfg.BackoffMultiplier
		if d >= float64(p.cfg.BackoffMax) {
			d = float64(p.cfg.BackoffMax)
			break
		}
	}
	d += d * 0.2 * rand.Float64()
	if d > float64(p.cfg.BackoffMax) {
		d = float64(p.cfg.BackoffMax)
	}
	return time.Duration(d)
}

func (p *Pool) reconnectLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.ReconnectInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.retryDue()
		}
	}
}

func (p *Pool) retryDue() {
	now := time.Now()
	p.mu.RLock()
	var due []*endpoint
	for _, ep := range p.endpoints {
		ep.mu.Lock()
		if ep.relay != nil && !ep.relay.IsConnected() && ep.state == StateConnected {
			// connection dropped under us
			_ = ep.relay.Close()
			ep.relay = nil
			ep.state = StateDisconnected
			ep.retryAt = now
		}
		if (ep.state == StateDisconnected || ep.state == StateFailed) && !now.Before(ep.retryAt) {
			if ep.state == StateFailed {
				// cooldown elapsed: back to disconnected, attempts restart
				ep.state = StateDisconnected
				ep.failures = 0
			}
			due = append(due, ep)
		}
		ep.mu.Unlock()
	}
	p.mu.RUnlock()

	for _, ep := range due {
		p.wg.Add(1)
		go func(ep *endpoint) {
			defer p.wg.Done()
			_ = p.connect(p.ctx, ep)
		}(ep)
	}
}

// broadcastTargets returns the endpoints eligible for a subscribe/publish
// fan-out: connected only, never failed endpoints still in cooldown.
func (p *Pool) broadcastTargets() []*endpoint {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []*endpoint
	for _, ep := range p.endpoints {
		ep.mu.Lock()
		ok := ep.state == StateConnected && ep.relay != nil
		ep.mu.Unlock()
		if ok {
			out = append(out, ep)
		}
	}
	return out
}

// ConnectedURLs returns the URLs of currently connected endpoints.
func (p *Pool) ConnectedURLs() []string {
	targets := p.broadcastTargets()
	urls := make([]string, 0, len(targets))
	for _, ep := range targets {
		urls = append(urls, ep.url)
	}
	return urls
}

// Endpoints returns a snapshot of every endpoint's state.
func (p *Pool) Endpoints() []EndpointInfo {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]EndpointInfo, 0, len(p.endpoints))
	for _, ep := range p.endpoints {
		ep.mu.Lock()
		out = append(out, EndpointInfo{
			URL:                 ep.url,
			State:               ep.state.String(),
			LastActivity:        ep.lastActivity,
			ConsecutiveFailures: ep.failures,
		})
		ep.mu.Unlock()
	}
	return out
}

// Stats returns a snapshot of the pool counters.
func (p *Pool) Stats() Stats {
	return Stats{
		ConnectAttempts:     atomic.LoadInt64(&p.connectAttempts),
		ConnectFailures:     atomic.LoadInt64(&p.connectFailures),
		PublishAttempts:     atomic.LoadInt64(&p.publishAttempts),
		PublishSuccesses:    atomic.LoadInt64(&p.publishSuccesses),
		PublishFailures:     atomic.LoadInt64(&p.publishFailures),
		SubscriptionsOpened: atomic.LoadInt64(&p.subscriptionsOpened),
		SubscriptionsClosed: atomic.LoadInt64(&p.subscriptionsClosed),
	}
}

// markFailure records a failed operation against an endpoint outside the
// connect path (publish or subscribe on a live connection).
func (p *Pool) markFailure(ep *endpoint) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	ep.failures++
	if ep.relay != nil {
		_ = ep.relay.Close()
		ep.relay = nil
	}
	if ep.failures >= p.cfg.MaxConsecutiveFailures {
		ep.state = StateFailed
		ep.retryAt = time.Now().Add(p.cfg.FailureCooldown)
	} else {
		ep.state = StateDisconnected
		ep.retryAt = time.Now().Add(p.backoffDelay(ep.failures))
	}
}

func (p *Pool) touch(ep *endpoint) {
	ep.mu.Lock()
	ep.lastActivity = time.Now()
	ep.mu.Unlock()
}

// IncomingEvent is an event received from a specific relay.
type IncomingEvent struct {
	Event *nostr.Event
	Relay string
}

// Handle represents one pool-wide subscription. Events from all relays are
// fanned into Events; each relay that signals end-of-stored-events is
// reported once on EOSE. Both channels are closed once every per-relay pump
// has finished.
type Handle struct {
	ID     string
	Filter nostr.Filter
	// Relays are the endpoints the subscription actually reached.
	Relays []string
	Events chan IncomingEvent
	EOSE   chan string

	pool      *Pool
	cancel    context.CancelFunc
	closeOnce sync.Once
	pumps     sync.WaitGroup
	closed    atomic.Bool
}

// Active reports whether the subscription has not been closed yet.
func (h *Handle) Active() bool { return !h.closed.Load() }

// Subscribe broadcasts the filter to all currently connected endpoints and
// returns a handle for the fan-in streams. Failing relays are skipped; the
// subscription succeeds as long as one relay accepts it.
func (p *Pool) Subscribe(ctx context.Context, filter nostr.Filter) (*Handle, error) {
	targets := p.broadcastTargets()
	if len(targets) == 0 {
		return nil, ErrNoRelays
	}

	subCtx, cancel := context.WithCancel(ctx)
	h := &Handle{
		ID:     uuid.NewString(),
		Filter: filter,
		Events: make(chan IncomingEvent, p.cfg.EventBuffer),
		EOSE:   make(chan string, len(targets)),
		pool:   p,
		cancel: cancel,
	}

	for _, ep := range targets {
		ep.mu.Lock()
		rl := ep.relay
		ep.mu.Unlock()
		if rl == nil {
			continue
		}
		sub, err := rl.Subscribe(subCtx, nostr.Filters{filter})
		if err != nil {
			logging.DebugMethod("relaypool", "Subscribe", "subscribe %s on %s failed: %v", h.ID, ep.url, err)
			p.markFailure(ep)
			continue
		}
		h.Relays = append(h.Relays, ep.url)
		h.pumps.Add(1)
		go h.pump(subCtx, ep, sub)
	}

	if len(h.Relays) == 0 {
		cancel()
		return nil, fmt.Errorf("subscribe %s: %w", h.ID, ErrNoRelays)
	}

	atomic.AddInt64(&p.subscriptionsOpened, 1)
	logging.DebugMethod("relaypool", "Subscribe", "subscription %s open on %d relays", h.ID, len(h.Relays))

	go func() {
		h.pumps.Wait()
		close(h.Events)
		close(h.EOSE)
	}()
	return h, nil
}

// pump forwards one relay's subscription stream into the handle's shared
// channels. EOSE is reported at most once per relay; a relay closing its side
// counts as EOSE so callers waiting on "all responding relays" never hang on
// a dead peer.
func (h *Handle) pump(ctx context.Context, ep *endpoint, sub *nostr.Subscription) {
	defer h.pumps.Done()
	defer sub.Unsub()

	eoseCh := sub.EndOfStoredEvents
	eosed := false
	reportEOSE := func() {
		if !eosed {
			eosed = true
			select {
			case h.EOSE <- ep.url:
			default:
			}
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Events:
			if !ok {
				reportEOSE()
				return
			}
			if ev == nil {
				continue
			}
			h.pool.touch(ep)
			select {
			case h.Events <- IncomingEvent{Event: ev, Relay: ep.url}:
			case <-ctx.Done():
				return
			}
		case <-eoseCh:
			h.pool.touch(ep)
			// forward events buffered ahead of the marker before
			// reporting, so stored events never trail their EOSE
		drain:
			for {
				select {
				case ev, ok := <-sub.Events:
					if !ok {
						reportEOSE()
						return
					}
					if ev == nil {
						continue
					}
					select {
					case h.Events <- IncomingEvent{Event: ev, Relay: ep.url}:
					case <-ctx.Done():
						return
					}
				default:
					break drain
				}
			}
			reportEOSE()
			// keep pumping live events until the owner unsubscribes
			eoseCh = nil
		}
	}
}

// Unsubscribe closes the subscription on every relay it reached. Safe to call
// more than once.
func (p *Pool) Unsubscribe(h *Handle) {
	if h == nil {
		return
	}
	h.closeOnce.Do(func() {
		h.closed.Store(true)
		h.cancel()
		atomic.AddInt64(&p.subscriptionsClosed, 1)
		logging.DebugMethod("relaypool", "Unsubscribe", "subscription %s closed", h.ID)
	})
}

// Publish sends the event to all connected relays concurrently and returns a
// per-relay result map. The error is non-nil only when no relay accepted the
// event: ErrNoRelays if none was connected, otherwise the aggregated per-relay
// failures.
func (p *Pool) Publish(ctx context.Context, evt *nostr.Event) (map[string]error, error) {
	targets := p.broadcastTargets()
	if len(targets) == 0 {
		return nil, ErrNoRelays
	}

	results := make(map[string]error, len(targets))
	var resMu sync.Mutex
	var wg sync.WaitGroup

	for _, ep := range targets {
		wg.Add(1)
		go func(ep *endpoint) {
			defer wg.Done()
			atomic.AddInt64(&p.publishAttempts, 1)

			ep.mu.Lock()
			rl := ep.relay
			ep.mu.Unlock()
			if rl == nil {
				resMu.Lock()
				results[ep.url] = ErrNoRelays
				resMu.Unlock()
				return
			}

			cctx, cancel := context.WithTimeout(ctx, p.cfg.PublishTimeout)
			defer cancel()
			err := rl.Publish(cctx, *evt)
			if err != nil {
				atomic.AddInt64(&p.publishFailures, 1)
				logging.DebugMethod("relaypool", "Publish", "publish %s to %s failed: %v", evt.ID, ep.url, err)
			} else {
				atomic.AddInt64(&p.publishSuccesses, 1)
				p.touch(ep)
			}
			resMu.Lock()
			results[ep.url] = err
			resMu.Unlock()
		}(ep)
	}
	wg.Wait()

	var failed []string
	for url, err := range results {
		if err != nil {
			failed = append(failed, fmt.Sprintf("%s: %v", url, err))
		}
	}
	if len(failed) == len(results) {
		return results, errors.New(strings.Join(failed, "; "))
	}
	return results, nil
}
