package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"
)

// denyList holds endpoint path fragments that must never be memoized:
// streaming chat, session creation, and transaction endpoints.
var denyList = []string{
	"/api/chat",
	"/api/sessions/create",
	"/api/transaction",
}

// endpointTTLs overrides the memoization TTL per endpoint fragment.
var endpointTTLs = []struct {
	fragment string
	ttl      time.Duration
}{
	{"/health", 10 * time.Second},
	{"/api/sessions", 30 * time.Second},
	{"/api/memory", 120 * time.Second},
}

// Memoizer caches idempotent responses keyed by a request fingerprint.
type Memoizer struct {
	cache *Cache
	deny  []string
}

// NewMemoizer wraps a cache with request fingerprinting. extraDeny extends
// the built-in deny list from config.
func NewMemoizer(c *Cache, extraDeny ...string) *Memoizer {
	return &Memoizer{cache: c, deny: append(append([]string{}, denyList...), extraDeny...)}
}

// Memoizable reports whether responses for the endpoint may be cached.
// Matching is by substring, so parameterized paths hit their prefix rule.
func (m *Memoizer) Memoizable(endpoint string) bool {
	for _, frag := range m.deny {
		if strings.Contains(endpoint, frag) {
			return false
		}
	}
	return true
}

// Fingerprint derives the cache key for a request: SHA-256 over the
// sorted-key JSON of (endpoint, params, body).
func (m *Memoizer) Fingerprint(endpoint string, params map[string]string, body any) string {
	// json.Marshal emits map keys in sorted order, which makes the
	// serialization stable across equivalent requests.
	payload, _ := json.Marshal(struct {
		Endpoint string            `json:"endpoint"`
		Params   map[string]string `json:"params"`
		Body     any               `json:"body"`
	}{endpoint, params, body})
	sum := sha256.Sum256(payload)
	return "memo:" + hex.EncodeToString(sum[:])
}

// Get returns the memoized response for a request, or ok=false when the
// endpoint is denied or the entry is absent.
func (m *Memoizer) Get(endpoint string, params map[string]string, body any) (any, bool) {
	if !m.Memoizable(endpoint) {
		return nil, false
	}
	return m.cache.Get(m.Fingerprint(endpoint, params, body))
}

// Set memoizes a response. Denied endpoints are ignored.
func (m *Memoizer) Set(endpoint string, params map[string]string, body, response any) {
	if !m.Memoizable(endpoint) {
		return
	}
	ttl := time.Duration(0)
	for _, et := range endpointTTLs {
		if strings.Contains(endpoint, et.fragment) {
			ttl = et.ttl
			break
		}
	}
	_ = m.cache.Set(m.Fingerprint(endpoint, params, body), response, ttl, "endpoint:"+endpoint)
}

// InvalidateEndpoint drops every memoized response for an endpoint.
func (m *Memoizer) InvalidateEndpoint(endpoint string) int {
	return m.cache.InvalidateTag("endpoint:" + endpoint)
}
