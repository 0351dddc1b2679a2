package metrics

import "sync"

// Event counter names used across the relay.
const (
	AuthRefused   = "auth_refused"
	OriginRefused = "origin_refused"
	BadMessage    = "bad_message"
	RouteMiss     = "route_miss"
	RateLimited   = "rate_limited"
	PeerJoin      = "peer_join"
	PeerUpdate    = "peer_update"
	PeerRemove    = "peer_remove"
)

// Metrics is a minimal, concurrency-safe counter registry.
//
// A deployment that wants a real metrics backend can scrape these via
// PrometheusHandler; the type mainly exists so routing and auth decisions stay
// observable and testable.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, delta uint64) {
	m.mu.Lock()
	m.m[name] += delta
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a copy of all counters.
func (m *Metrics) Snapshot() map[string]uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
