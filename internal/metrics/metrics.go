package metrics

import "sync"

// Event names counted by the relay. Forwarding and rejection events carry the
// hot paths; lifecycle events are low volume but load-bearing for debugging
// reconnect storms.
const (
	EventDeviceConnected    = "device_connected"
	EventDeviceReplaced     = "device_replaced"
	EventDeviceDisconnected = "device_disconnected"
	EventUserConnected      = "user_connected"
	EventUserDisconnected   = "user_disconnected"
	EventAuthFailed         = "auth_failed"
	EventLivenessTimeout    = "liveness_timeout"

	EventFrameForwarded = "frame_forwarded"
	EventFrameRejected  = "frame_rejected"
	EventFrameDropped   = "frame_dropped"
	EventRateLimited    = "rate_limited"

	EventSessionCreated = "session_created"
	EventSessionClosed  = "session_closed"

	EventGraceArmed     = "grace_armed"
	EventGraceCancelled = "grace_cancelled"
	EventGraceExpired   = "grace_expired"

	EventTURNIssued        = "turn_credentials_issued"
	EventTURNUpstreamError = "turn_upstream_error"
)

// Metrics is a minimal, concurrency-safe counter registry.
//
// The production relay is expected to plug into a real metrics backend; this
// type keeps lifecycle and routing logic testable while still exposing
// counters over /metrics.
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
	m.mu.Lock()
	m.m[name]++
	m.mu.Unlock()
}

func (m *Metrics) Add(name string, n uint64) {
	m.mu.Lock()
	m.m[name] += n
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot copies all counters for exposition.
func (m *Metrics) Snapshot() map[string]uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
