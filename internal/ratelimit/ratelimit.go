// Package ratelimit implements the per-client abuse gates: a 60 s sliding
// window, a 5 s burst window, adaptive blacklisting, and header-fingerprint
// anomaly detection.
package ratelimit

import (
	"sync"
	"time"
)

const (
	windowSize  = 60 * time.Second
	burstWindow = 5 * time.Second

	windowBlacklist      = 60 * time.Second
	burstBlacklist       = 30 * time.Second
	fingerprintBlacklist = 5 * time.Minute

	maxFingerprints   = 10
	maxTrackedClients = 10000
	clientIdleExpiry  = time.Hour
)

// Decision is the outcome of one Check.
type Decision struct {
	Allowed    bool
	Reason     string
	RetryAfter time.Duration
}

// Stats is a snapshot of limiter state.
type Stats struct {
	TrackedClients     int    `json:"tracked_clients"`
	BlacklistedClients int    `json:"blacklisted_clients"`
	WhitelistedClients int    `json:"whitelisted_clients"`
	TotalAllowed       uint64 `json:"total_allowed"`
	TotalRejected      uint64 `json:"total_rejected"`
}

type clientState struct {
	timestamps   []time.Time
	fingerprints map[string]struct{}
	lastSeen     time.Time
}

// Limiter tracks per-client request rates. All methods are safe for
// concurrent use.
type Limiter struct {
	mu sync.Mutex

	requestsPerMinute int
	burstSize         int

	clients map[string]*clientState
	order   []string // insertion order, for FIFO eviction
	black   map[string]time.Time
	white   map[string]struct{}

	endpointLimits map[string]int

	allowed  uint64
	rejected uint64

	now func() time.Time
}

// New builds a limiter with the given window and burst limits.
func New(requestsPerMinute, burstSize int) *Limiter {
	return &Limiter{
		requestsPerMinute: requestsPerMinute,
		burstSize:         burstSize,
		clients:           make(map[string]*clientState),
		black:             make(map[string]time.Time),
		white:             make(map[string]struct{}),
		endpointLimits:    make(map[string]int),
		now:               time.Now,
	}
}

// SetEndpointLimit overrides the per-minute limit for one endpoint.
func (l *Limiter) SetEndpointLimit(endpoint string, requestsPerMinute int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.endpointLimits[endpoint] = requestsPerMinute
}

// SetLimits updates the global limits, used by config hot reload.
func (l *Limiter) SetLimits(requestsPerMinute, burstSize int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.requestsPerMinute = requestsPerMinute
	l.burstSize = burstSize
}

func isLoopback(key string) bool {
	return key == "127.0.0.1" || key == "::1" || key == "localhost"
}

// Check runs the gates in order for one request. fingerprint is a digest of
// the client's headers; empty disables anomaly detection for the call.
func (l *Limiter) Check(clientKey, endpoint, fingerprint string) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()

	if isLoopback(clientKey) {
		l.allowed++
		return Decision{Allowed: true}
	}
	if _, ok := l.white[clientKey]; ok {
		l.allowed++
		return Decision{Allowed: true}
	}

	if until, ok := l.black[clientKey]; ok {
		if remaining := until.Sub(now); remaining > 0 {
			l.rejected++
			return Decision{Reason: "blacklisted", RetryAfter: remaining}
		}
		delete(l.black, clientKey)
	}

	st := l.track(clientKey, now)

	// Drop timestamps outside the sliding window.
	cut := 0
	for cut < len(st.timestamps) && now.Sub(st.timestamps[cut]) > windowSize {
		cut++
	}
	st.timestamps = st.timestamps[cut:]

	limit := l.requestsPerMinute
	if override, ok := l.endpointLimits[endpoint]; ok {
		limit = override
	}
	if len(st.timestamps) >= limit {
		l.black[clientKey] = now.Add(windowBlacklist)
		l.rejected++
		return Decision{Reason: "rate limit exceeded", RetryAfter: windowBlacklist}
	}

	burst := 0
	for i := len(st.timestamps) - 1; i >= 0; i-- {
		if now.Sub(st.timestamps[i]) > burstWindow {
			break
		}
		burst++
	}
	if burst >= l.burstSize {
		l.black[clientKey] = now.Add(burstBlacklist)
		l.rejected++
		return Decision{Reason: "burst limit exceeded", RetryAfter: burstBlacklist}
	}

	if fingerprint != "" {
		st.fingerprints[fingerprint] = struct{}{}
		if len(st.fingerprints) > maxFingerprints {
			l.black[clientKey] = now.Add(fingerprintBlacklist)
			l.rejected++
			return Decision{Reason: "fingerprint anomaly", RetryAfter: fingerprintBlacklist}
		}
	}

	st.timestamps = append(st.timestamps, now)
	st.lastSeen = now
	l.allowed++
	return Decision{Allowed: true}
}

func (l *Limiter) track(clientKey string, now time.Time) *clientState {
	st, ok := l.clients[clientKey]
	if ok {
		st.lastSeen = now
		return st
	}
	if len(l.clients) >= maxTrackedClients {
		// Evict the oldest-inserted client still present.
		for len(l.order) > 0 {
			oldest := l.order[0]
			l.order = l.order[1:]
			if _, ok := l.clients[oldest]; ok {
				delete(l.clients, oldest)
				break
			}
		}
	}
	st = &clientState{fingerprints: make(map[string]struct{}), lastSeen: now}
	l.clients[clientKey] = st
	l.order = append(l.order, clientKey)
	return st
}

// Remaining reports how many requests the client has left in the current
// window.
func (l *Limiter) Remaining(clientKey string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	st, ok := l.clients[clientKey]
	if !ok {
		return l.requestsPerMinute
	}
	now := l.now()
	used := 0
	for _, ts := range st.timestamps {
		if now.Sub(ts) <= windowSize {
			used++
		}
	}
	if used >= l.requestsPerMinute {
		return 0
	}
	return l.requestsPerMinute - used
}

// Reset clears tracked state and any blacklist entry for a client.
func (l *Limiter) Reset(clientKey string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.clients, clientKey)
	delete(l.black, clientKey)
}

// Whitelist marks a client as exempt from all gates.
func (l *Limiter) Whitelist(clientKey string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.white[clientKey] = struct{}{}
}

// Cleanup drops clients idle beyond an hour and expired blacklist entries.
// Runs on the maintenance cron.
func (l *Limiter) Cleanup() (removedClients, removedBlacklist int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	for key, st := range l.clients {
		if now.Sub(st.lastSeen) > clientIdleExpiry {
			delete(l.clients, key)
			removedClients++
		}
	}
	for key, until := range l.black {
		if now.After(until) {
			delete(l.black, key)
			removedBlacklist++
		}
	}
	return removedClients, removedBlacklist
}

// Stats returns a snapshot of limiter counters.
func (l *Limiter) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Stats{
		TrackedClients:     len(l.clients),
		BlacklistedClients: len(l.black),
		WhitelistedClients: len(l.white),
		TotalAllowed:       l.allowed,
		TotalRejected:      l.rejected,
	}
}
