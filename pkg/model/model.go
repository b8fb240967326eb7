// Package model defines the core data models for the capture store:
// sessions, packets, correlation results, and aggregate statistics.
package model

import (
	"time"
)

// Well-known protocol labels stored in the packets table. Anything the
// decoder cannot classify is stored under ProtocolOther.
const (
	ProtocolTCP   = "TCP"
	ProtocolUDP   = "UDP"
	ProtocolICMP  = "ICMP"
	ProtocolOther = "Other"
)

// ────────────────────────────────────────────────────────────────────────────────
// Session
// ────────────────────────────────────────────────────────────────────────────────

// Session is a logical capture run. StartTime/EndTime are Unix
// timestamps with sub-second precision; EndTime is zero while the
// session is open.
//
// PacketCount and TotalBytes are denormalized counters maintained on
// the write path. They are a cache over the packet population and may
// lag it after a crash or a cleanup sweep; RepairSessionCounters
// recomputes them from source.
type Session struct {
	ID          int64   `json:"id"`
	Name        string  `json:"name"`
	StartTime   float64 `json:"start_time"`
	EndTime     float64 `json:"end_time,omitempty"`
	PacketCount int64   `json:"packet_count"`
	TotalBytes  int64   `json:"total_bytes"`

	CreatedAt time.Time `json:"created_at,omitempty"`
}

// Open reports whether the session has not been closed yet.
func (s *Session) Open() bool {
	return s.EndTime == 0
}

// Window returns the effective time window of the session. An open
// session's window is unbounded on the right, capped at now.
func (s *Session) Window(now float64) (start, end float64) {
	end = s.EndTime
	if end == 0 {
		end = now
	}
	return s.StartTime, end
}

// Contains reports whether ts falls inside the session window.
func (s *Session) Contains(ts, now float64) bool {
	start, end := s.Window(now)
	return ts >= start && ts <= end
}

// Start returns the session start as time.Time.
func (s *Session) Start() time.Time {
	return FloatToTime(s.StartTime)
}

// ────────────────────────────────────────────────────────────────────────────────
// Packet
// ────────────────────────────────────────────────────────────────────────────────

// Packet is a single stored frame. SessionID zero means the packet has
// not been correlated with a session yet (stored as NULL); a backfill
// pass may assign it later. RawData may be nil for synthetic rows.
type Packet struct {
	ID        int64   `json:"id"`
	SessionID int64   `json:"session_id,omitempty"`
	Timestamp float64 `json:"timestamp"`

	SrcIP    string `json:"src_ip,omitempty"`
	DstIP    string `json:"dst_ip,omitempty"`
	SrcPort  int    `json:"src_port,omitempty"`
	DstPort  int    `json:"dst_port,omitempty"`
	Protocol string `json:"protocol"`
	Length   int    `json:"length"`

	RawData []byte `json:"raw_data,omitempty"`

	CreatedAt time.Time `json:"created_at,omitempty"`
}

// Time returns the capture timestamp as time.Time.
func (p *Packet) Time() time.Time {
	return FloatToTime(p.Timestamp)
}

// Key returns the deduplication key of the packet.
func (p *Packet) Key() DedupKey {
	return DedupKey{
		Timestamp: p.Timestamp,
		SrcIP:     p.SrcIP,
		DstIP:     p.DstIP,
		Protocol:  p.Protocol,
		Length:    p.Length,
	}
}

// DedupKey identifies a packet for duplicate detection. The key
// deliberately ignores ports and payload: repeated capture runs against
// the same interface reproduce this tuple for genuinely distinct
// packets only with vanishingly low probability in the target workload.
// It is a probabilistic guarantee, not a cryptographic one.
type DedupKey struct {
	Timestamp float64
	SrcIP     string
	DstIP     string
	Protocol  string
	Length    int
}

// ────────────────────────────────────────────────────────────────────────────────
// Correlation
// ────────────────────────────────────────────────────────────────────────────────

// MatchTier says how a packet was resolved to a session.
type MatchTier int

const (
	// MatchDirect means the packet's own session_id matched. Authoritative.
	MatchDirect MatchTier = iota

	// MatchFallback means the packet carries no session_id and was
	// matched by the session time window. Best-effort: overlapping or
	// back-to-back session windows can both claim the same untagged
	// packet.
	MatchFallback
)

func (t MatchTier) String() string {
	switch t {
	case MatchDirect:
		return "direct"
	case MatchFallback:
		return "fallback"
	default:
		return "unknown"
	}
}

// CorrelatedPacket is a packet together with the tier that matched it,
// so callers and tests can tell authoritative matches from heuristic
// ones.
type CorrelatedPacket struct {
	Packet *Packet
	Tier   MatchTier
	Reason string // set for fallback matches, e.g. "within window of session 12"
}

// ────────────────────────────────────────────────────────────────────────────────
// Statistics
// ────────────────────────────────────────────────────────────────────────────────

// TimeRange is the observed [Start, End] span of a packet population.
// Both fields are zero when the population is empty.
type TimeRange struct {
	Start float64 `json:"start,omitempty"`
	End   float64 `json:"end,omitempty"`
}

// ProtocolStats is an aggregate over a session or time window. Empty
// populations yield zero totals and empty (non-nil) maps.
type ProtocolStats struct {
	ProtocolCounts map[string]int64 `json:"protocol_counts"`
	ProtocolBytes  map[string]int64 `json:"protocol_bytes"`
	TotalPackets   int64            `json:"total_packets"`
	TotalBytes     int64            `json:"total_bytes"`
	TimeRange      TimeRange        `json:"time_range"`
}

// NewProtocolStats returns an empty, fully initialized result.
func NewProtocolStats() *ProtocolStats {
	return &ProtocolStats{
		ProtocolCounts: make(map[string]int64),
		ProtocolBytes:  make(map[string]int64),
	}
}

// StatRecord is one appended metric sample in the statistics history.
// Records are append-only and never updated in place.
type StatRecord struct {
	ID          int64   `json:"id"`
	StatType    string  `json:"stat_type"`
	MetricName  string  `json:"metric_name"`
	MetricValue float64 `json:"metric_value"`

	RecordedAt time.Time `json:"recorded_at"`
}

// CounterDrift reports a session whose denormalized counters disagree
// with the actual packet population.
type CounterDrift struct {
	SessionID     int64 `json:"session_id"`
	StoredPackets int64 `json:"stored_packets"`
	ActualPackets int64 `json:"actual_packets"`
	StoredBytes   int64 `json:"stored_bytes"`
	ActualBytes   int64 `json:"actual_bytes"`
}

// Drifted reports whether the counters actually disagree.
func (d CounterDrift) Drifted() bool {
	return d.StoredPackets != d.ActualPackets || d.StoredBytes != d.ActualBytes
}

// ────────────────────────────────────────────────────────────────────────────────
// Helpers
// ────────────────────────────────────────────────────────────────────────────────

// TimeToFloat converts a time.Time to a Unix timestamp with sub-second
// precision, the representation used throughout the store.
func TimeToFloat(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

// FloatToTime is the inverse of TimeToFloat.
func FloatToTime(ts float64) time.Time {
	sec := int64(ts)
	nsec := int64((ts - float64(sec)) * 1e9)
	return time.Unix(sec, nsec)
}
