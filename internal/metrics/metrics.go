package metrics

import "sync"

// Event names counted by the relay.
const (
	ConnectionsOpened = "connections_opened"
	ConnectionsClosed = "connections_closed"

	IdentityRegistered = "identity_registered"
	IdentityEvicted    = "identity_evicted"
	IdentityReleased   = "identity_released"

	MessageForwarded = "message_forwarded"

	DropTargetNotFound = "drop_target_not_found"
	DropMalformed      = "drop_malformed"
	DropUnknownType    = "drop_unknown_type"
	DropTooLarge       = "drop_too_large"
	DropRateLimited    = "drop_rate_limited"
	DropSendQueueFull  = "drop_send_queue_full"

	AuthRejected   = "auth_rejected"
	OriginRejected = "origin_rejected"

	ICEServersServed      = "ice_servers_served"
	TURNCredentialsIssued = "turn_credentials_issued"
)

// Metrics is a concurrency-safe counter registry. The zero value is not
// usable; call New.
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
	if m == nil {
		return
	}
	m.mu.Lock()
	m.m[name] += delta
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a copy of all counters.
func (m *Metrics) Snapshot() map[string]uint64 {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
