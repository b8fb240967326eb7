// Package store defines the storage interfaces for the capture store.
// The SQLite implementation lives in pkg/store/sqlite.
package store

import (
	"context"
	"errors"

	"github.com/pktvault/pktvault/pkg/model"
)

// SchemaVersion is incremented when schema changes require migration.
const SchemaVersion = 1

// ErrNotFound is returned by point lookups when no row matches.
var ErrNotFound = errors.New("store: not found")

// Store is the full storage interface consumed by the CLI and by the
// GUI/report collaborators. Collaborators never touch the tables
// directly.
type Store interface {
	SessionStore
	PacketStore
	Correlator
	Aggregator
	Maintainer

	Close() error
}

// SessionStore manages capture sessions.
type SessionStore interface {
	// CreateSession inserts a new open session with zeroed counters
	// and returns its id.
	CreateSession(ctx context.Context, name string) (int64, error)

	// UpdateSession overwrites the denormalized counters. The values
	// are trusted as given; recomputing from packets is the job of
	// Aggregator.RepairSessionCounters.
	UpdateSession(ctx context.Context, sessionID, packetCount, totalBytes int64) error

	// SetSessionStart rewrites start_time. Bulk imports use it to make
	// the session window span the imported capture timestamps instead
	// of the wall-clock time the session row was created.
	SetSessionStart(ctx context.Context, sessionID int64, startTime float64) error

	// CloseSession sets end_time. Closing a missing or already closed
	// session is a no-op.
	CloseSession(ctx context.Context, sessionID int64, endTime float64) error

	// GetSessions lists all sessions, newest first.
	GetSessions(ctx context.Context) ([]*model.Session, error)

	// GetSession returns one session or ErrNotFound.
	GetSession(ctx context.Context, sessionID int64) (*model.Session, error)
}

// PacketStore persists individual packets.
type PacketStore interface {
	// SavePacket stores p unless a packet with the same dedup key
	// already exists, in which case it returns the existing id.
	// Callers must not assume every call creates a new row.
	SavePacket(ctx context.Context, p *model.Packet) (int64, error)

	// SavePacketsBatch applies SavePacket semantics per row inside a
	// single transaction and returns the resulting ids in order.
	SavePacketsBatch(ctx context.Context, packets []*model.Packet) ([]int64, error)

	// GetPacketByID returns one packet or ErrNotFound.
	GetPacketByID(ctx context.Context, id int64) (*model.Packet, error)

	// GetPacketByFeatures looks a packet up by its display fields.
	// sessionID, when nonzero, is an additional filter, but a row
	// whose own session_id is NULL still matches: correlation lag must
	// not make packets unfindable.
	GetPacketByFeatures(ctx context.Context, key model.DedupKey, sessionID int64) (*model.Packet, error)

	// GetPacketsBySession returns the packets owned by a session,
	// resolved through the correlation engine. A nonexistent session
	// yields an empty slice, not an error.
	GetPacketsBySession(ctx context.Context, sessionID int64) ([]*model.Packet, error)

	// GetPackets is a generic filtered, paged scan.
	GetPackets(ctx context.Context, f Filter) ([]*model.Packet, error)

	// CleanupOldData deletes packets, statistics rows, and orphaned
	// sessions older than the retention cutoff, repairing the counters
	// of surviving sessions that lost packets. Returns the number of
	// deleted packet rows.
	CleanupOldData(ctx context.Context, retentionDays int) (int64, error)
}

// Correlator resolves which session a packet belongs to.
type Correlator interface {
	// ResolveSession returns a session's packets tagged with the tier
	// that matched them. Direct session_id matches are authoritative;
	// time-window fallback matches are best-effort and logged.
	ResolveSession(ctx context.Context, sessionID int64) ([]model.CorrelatedPacket, error)

	// BackfillSessionIDs assigns every untagged packet to the first
	// session (by start time ascending) whose window contains it, so
	// reads stop depending on the fallback tier. Returns the number of
	// packets assigned.
	BackfillSessionIDs(ctx context.Context) (int64, error)
}

// Aggregator computes aggregate statistics and repairs counter drift.
type Aggregator interface {
	// GetProtocolStatistics aggregates over an optional session and
	// time window. Empty populations give zeroed results, never an
	// error, including queries against nonexistent sessions.
	GetProtocolStatistics(ctx context.Context, q StatsQuery) (*model.ProtocolStats, error)

	// GetProtocolCounts is a projection of GetProtocolStatistics.
	GetProtocolCounts(ctx context.Context, q StatsQuery) (map[string]int64, error)

	// GetProtocolBytes is a projection of GetProtocolStatistics.
	GetProtocolBytes(ctx context.Context, q StatsQuery) (map[string]int64, error)

	// RepairSessionCounters recomputes packet_count/total_bytes from
	// the packet population (via the correlation rule) and writes the
	// corrected values back.
	RepairSessionCounters(ctx context.Context, sessionID int64) error

	// VerifySessionCounters reports every session whose counters
	// disagree with its packet population.
	VerifySessionCounters(ctx context.Context) ([]model.CounterDrift, error)

	// RecordStatistics appends a keyed set of metrics under statType.
	RecordStatistics(ctx context.Context, statType string, metrics map[string]float64, at float64) error

	// GetStatistics returns appended records of statType within the
	// optional [from, to] window, newest first.
	GetStatistics(ctx context.Context, statType string, from, to float64) ([]*model.StatRecord, error)
}

// Maintainer covers offline data-quality operations.
type Maintainer interface {
	// DedupSweep removes all but the lowest-id row per duplicate group
	// in one transaction, after backing up the database file.
	DedupSweep(ctx context.Context, dryRun bool) (*DedupReport, error)

	// VerifyDedup reports any remaining duplicate groups.
	VerifyDedup(ctx context.Context) ([]DedupGroup, error)

	// Info returns table row counts and the database file size.
	Info(ctx context.Context) (*DBInfo, error)
}

// Filter narrows a generic packet scan. Zero values mean "no filter".
type Filter struct {
	SessionID int64 // direct session_id match only; use GetPacketsBySession for correlated reads
	Protocol  string
	SrcIP     string
	DstIP     string
	IP        string // matches either src or dst

	StartTime float64
	EndTime   float64

	Limit  int
	Offset int

	SortBy    string // "timestamp" (default), "protocol", "length", "id"
	SortOrder string // "asc" (default), "desc"
}

// StatsQuery scopes an aggregate query. SessionID zero means all
// packets; Start/End zero means unbounded.
type StatsQuery struct {
	SessionID int64
	StartTime float64
	EndTime   float64
}

// DedupGroup is one set of rows sharing a dedup key.
type DedupGroup struct {
	Key   model.DedupKey
	IDs   []int64 // ascending; the first id is kept by a sweep
	Count int64
}

// DedupReport summarizes a dedup sweep.
type DedupReport struct {
	BackupPath  string
	Groups      []DedupGroup
	RowsDeleted int64
	DryRun      bool
}

// DBInfo describes the store for diagnostics.
type DBInfo struct {
	Path            string
	SizeBytes       int64
	PacketCount     int64
	SessionCount    int64
	StatisticsCount int64
}
