// Package sqlite provides the SQLite implementation of store.Store.
package sqlite

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"

	"github.com/pktvault/pktvault/pkg/model"
	"github.com/pktvault/pktvault/pkg/store"
)

// Config holds configuration for the SQLite store.
type Config struct {
	// Path to the SQLite database file.
	Path string

	// Logger for fallback-correlation and maintenance reporting.
	// Defaults to the logrus standard logger.
	Logger *logrus.Logger

	// Clock returns the current time as a Unix timestamp. Tests
	// override it to pin session windows; defaults to wall clock.
	Clock func() float64
}

// Store is the SQLite-backed capture store.
//
// It keeps two handles: a writer limited to one connection, so the
// dedup check-then-insert and the counter update of a save are
// serialized, and a read-only handle for queries, which observe a
// consistent WAL snapshot while capture is writing.
type Store struct {
	db   *sql.DB // writer, single connection
	rdb  *sql.DB // readers
	path string
	log  *logrus.Logger
	now  func() float64

	// mu serializes multi-statement write transactions.
	mu sync.Mutex
}

var _ store.Store = (*Store)(nil)

// Open opens (creating if needed) the database at cfg.Path and ensures
// the schema exists. A schema failure is fatal: the store is unusable
// without it.
func Open(cfg Config) (*Store, error) {
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	if cfg.Clock == nil {
		cfg.Clock = func() float64 { return model.TimeToFloat(time.Now()) }
	}

	dir := filepath.Dir(cfg.Path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := "file:" + cfg.Path + "?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000"

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// One connection: all writes go through a single SQLite handle.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &Store{
		db:   db,
		path: cfg.Path,
		log:  cfg.Logger,
		now:  cfg.Clock,
	}

	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	rdb, err := sql.Open("sqlite3", dsn+"&mode=ro")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("open sqlite read handle: %w", err)
	}
	s.rdb = rdb

	return s, nil
}

// Close closes both database handles.
func (s *Store) Close() error {
	rerr := s.rdb.Close()
	werr := s.db.Close()
	if werr != nil {
		return werr
	}
	return rerr
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// ────────────────────────────────────────────────────────────────────────────────
// Schema
// ────────────────────────────────────────────────────────────────────────────────

// ensureSchema creates the tables and indexes if absent. Safe to call
// on every start; never drops or truncates existing data.
func (s *Store) ensureSchema() error {
	schema := `
-- Meta table for schema versioning
CREATE TABLE IF NOT EXISTS meta (
	key   TEXT PRIMARY KEY,
	value TEXT
);

-- Capture sessions
CREATE TABLE IF NOT EXISTS sessions (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	name         TEXT NOT NULL,
	start_time   REAL NOT NULL,
	end_time     REAL,
	packet_count INTEGER NOT NULL DEFAULT 0,
	total_bytes  INTEGER NOT NULL DEFAULT 0,
	created_at   TEXT NOT NULL
);

-- Stored frames. session_id NULL = not yet correlated.
CREATE TABLE IF NOT EXISTS packets (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id INTEGER REFERENCES sessions(id),
	timestamp  REAL NOT NULL,
	src_ip     TEXT,
	dst_ip     TEXT,
	src_port   INTEGER,
	dst_port   INTEGER,
	protocol   TEXT NOT NULL,
	length     INTEGER NOT NULL,
	raw_data   BLOB,
	created_at TEXT NOT NULL
);

-- Append-only metric history
CREATE TABLE IF NOT EXISTS statistics (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	stat_type    TEXT NOT NULL,
	metric_name  TEXT NOT NULL,
	metric_value REAL NOT NULL,
	recorded_at  TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_packets_session   ON packets(session_id);
CREATE INDEX IF NOT EXISTS idx_packets_timestamp ON packets(timestamp);
-- Composite index makes the dedup probe cheap.
CREATE INDEX IF NOT EXISTS idx_packets_dedup ON packets(timestamp, src_ip, dst_ip, protocol, length);

CREATE INDEX IF NOT EXISTS idx_statistics_type ON statistics(stat_type);
CREATE INDEX IF NOT EXISTS idx_sessions_created ON sessions(created_at);
`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("execute schema: %w", err)
	}

	_, err := s.db.Exec(`INSERT OR REPLACE INTO meta (key, value) VALUES (?, ?)`,
		"schema_version", strconv.Itoa(store.SchemaVersion))
	return err
}

// ────────────────────────────────────────────────────────────────────────────────
// Scan helpers
// ────────────────────────────────────────────────────────────────────────────────

type rowScanner interface {
	Scan(dest ...interface{}) error
}

const packetColumns = `id, session_id, timestamp, src_ip, dst_ip, src_port, dst_port, protocol, length, raw_data, created_at`

// scanPacket scans one packets row. The timestamp column is read
// loosely: legacy rows may hold an unparseable value, in which case
// ok is false and the caller skips the row with a warning instead of
// failing the whole query.
func scanPacket(row rowScanner) (p *model.Packet, ok bool, err error) {
	p = &model.Packet{}
	var sessionID, srcPort, dstPort sql.NullInt64
	var srcIP, dstIP, createdAt sql.NullString
	var ts interface{}

	err = row.Scan(
		&p.ID, &sessionID, &ts, &srcIP, &dstIP,
		&srcPort, &dstPort, &p.Protocol, &p.Length, &p.RawData, &createdAt,
	)
	if err != nil {
		return nil, false, err
	}

	p.SessionID = sessionID.Int64
	p.SrcIP = srcIP.String
	p.DstIP = dstIP.String
	p.SrcPort = int(srcPort.Int64)
	p.DstPort = int(dstPort.Int64)
	if createdAt.Valid {
		p.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt.String)
	}

	p.Timestamp, ok = asFloat(ts)
	return p, ok, nil
}

func scanSession(row rowScanner) (*model.Session, error) {
	sess := &model.Session{}
	var endTime sql.NullFloat64
	var createdAt string

	err := row.Scan(
		&sess.ID, &sess.Name, &sess.StartTime, &endTime,
		&sess.PacketCount, &sess.TotalBytes, &createdAt,
	)
	if err != nil {
		return nil, err
	}

	sess.EndTime = endTime.Float64
	sess.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return sess, nil
}

// asFloat coerces a scanned timestamp to float64. SQLite's type
// affinity lets legacy rows store text in a REAL column.
func asFloat(v interface{}) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int64:
		return float64(t), true
	case []byte:
		f, err := strconv.ParseFloat(string(t), 64)
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(t, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// nullIfZero maps the zero id to NULL for nullable foreign keys and
// ports.
func nullIfZero(v int64) interface{} {
	if v == 0 {
		return nil
	}
	return v
}

func (s *Store) nowText() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// floatToText renders a Unix timestamp the way created_at/recorded_at
// columns store time, keeping lexicographic comparisons valid.
func floatToText(ts float64) string {
	sec := int64(ts)
	nsec := int64((ts - float64(sec)) * 1e9)
	return time.Unix(sec, nsec).UTC().Format(time.RFC3339Nano)
}
