package metrics

import "sync"

// Event counter names.
const (
	FramesForwarded     = "frames_forwarded"
	FramesDropped       = "frames_dropped"
	PacketsReceived     = "rtp_packets_received"
	PacketsLate         = "rtp_packets_late"
	PacketsDuplicate    = "rtp_packets_duplicate"
	PacketsSkipped      = "rtp_packets_skipped"
	DatagramsSent       = "udp_datagrams_sent"
	DatagramSendErrors  = "udp_send_errors"
	KeyframeRequests    = "rtcp_pli_sent"
	Reconnects          = "session_reconnects"
	AttemptsFailed      = "session_attempts_failed"
	StateTransitions    = "session_state_transitions"
	SignalingFallbacks  = "signaling_fallbacks"
	ControlMessagesRecv = "control_messages_received"
)

// Gauge names.
const (
	GaugeState    = "session_state"
	GaugeAttempts = "session_attempt"
)

// Metrics is a minimal, concurrency-safe counter and gauge registry. Names
// may be suffixed per stream (see Kind).
type Metrics struct {
	mu     sync.Mutex
	m      map[string]uint64
	gauges map[string]int64
}

func New() *Metrics {
	return &Metrics{
		m:      make(map[string]uint64),
		gauges: make(map[string]int64),
	}
}

// Kind returns name qualified by a stream kind, e.g. frames_forwarded_video.
func Kind(name, kind string) string {
	return name + "_" + kind
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

func (m *Metrics) Set(name string, v int64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.gauges[name] = v
	m.mu.Unlock()
}

func (m *Metrics) Gauge(name string) int64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gauges[name]
}

// Snapshot returns a copy of all counters.
func (m *Metrics) Snapshot() map[string]uint64 {
	out := make(map[string]uint64)
	if m == nil {
		return out
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range m.m {
		out[k] = v
	}
	return out
}

// GaugeSnapshot returns a copy of all gauges.
func (m *Metrics) GaugeSnapshot() map[string]int64 {
	out := make(map[string]int64)
	if m == nil {
		return out
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range m.gauges {
		out[k] = v
	}
	return out
}
