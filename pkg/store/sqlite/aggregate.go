package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/pktvault/pktvault/pkg/model"
	"github.com/pktvault/pktvault/pkg/store"
)

// GetProtocolStatistics aggregates packet and byte counts per protocol
// over an optional session and time window. Session scoping applies
// the same two-tier rule as the correlation engine. Empty populations,
// including nonexistent sessions, yield a zeroed result so UI code can
// query speculatively.
func (s *Store) GetProtocolStatistics(ctx context.Context, q store.StatsQuery) (*model.ProtocolStats, error) {
	res := model.NewProtocolStats()

	cond, args, ok, err := s.statsPredicate(ctx, q)
	if err != nil {
		return nil, err
	}
	if !ok {
		return res, nil
	}

	rows, err := s.rdb.QueryContext(ctx, `
		SELECT protocol, COUNT(*), COALESCE(SUM(length), 0)
		FROM packets WHERE `+cond+`
		GROUP BY protocol`, args...)
	if err != nil {
		return nil, fmt.Errorf("query protocol statistics: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var proto string
		var count, bytes int64
		if err := rows.Scan(&proto, &count, &bytes); err != nil {
			return nil, err
		}
		res.ProtocolCounts[proto] = count
		res.ProtocolBytes[proto] = bytes
		res.TotalPackets += count
		res.TotalBytes += bytes
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Legacy rows can hold text in the timestamp column; exclude them
	// from the observed range and surface a warning instead of failing.
	var malformed int64
	if err := s.rdb.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM packets
		WHERE `+cond+` AND typeof(timestamp) NOT IN ('integer', 'real')`,
		args...).Scan(&malformed); err == nil && malformed > 0 {
		s.log.WithField("rows", malformed).Warn("excluding packets with malformed timestamps from time range")
	}

	var minTS, maxTS sql.NullFloat64
	if err := s.rdb.QueryRowContext(ctx, `
		SELECT MIN(timestamp), MAX(timestamp) FROM packets
		WHERE `+cond+` AND typeof(timestamp) IN ('integer', 'real')`,
		args...).Scan(&minTS, &maxTS); err != nil {
		return nil, fmt.Errorf("query time range: %w", err)
	}
	if minTS.Valid && maxTS.Valid {
		res.TimeRange = model.TimeRange{Start: minTS.Float64, End: maxTS.Float64}
	}

	return res, nil
}

// GetProtocolCounts projects GetProtocolStatistics to per-protocol
// packet counts.
func (s *Store) GetProtocolCounts(ctx context.Context, q store.StatsQuery) (map[string]int64, error) {
	stats, err := s.GetProtocolStatistics(ctx, q)
	if err != nil {
		return nil, err
	}
	return stats.ProtocolCounts, nil
}

// GetProtocolBytes projects GetProtocolStatistics to per-protocol byte
// totals.
func (s *Store) GetProtocolBytes(ctx context.Context, q store.StatsQuery) (map[string]int64, error) {
	stats, err := s.GetProtocolStatistics(ctx, q)
	if err != nil {
		return nil, err
	}
	return stats.ProtocolBytes, nil
}

// RepairSessionCounters recomputes packet_count and total_bytes from
// the actual packet population, resolved through the correlation rule,
// and writes the corrected values back. Used after crashes mid-write
// and after cleanup sweeps. A missing session is a no-op.
func (s *Store) RepairSessionCounters(ctx context.Context, sessionID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.repairSessionCountersLocked(ctx, sessionID)
}

// repairSessionCountersLocked requires s.mu to be held.
func (s *Store) repairSessionCountersLocked(ctx context.Context, sessionID int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin counter repair: %w", err)
	}
	defer tx.Rollback()

	var start float64
	var end sql.NullFloat64
	err = tx.QueryRowContext(ctx,
		`SELECT start_time, end_time FROM sessions WHERE id = ?`, sessionID).Scan(&start, &end)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load session %d: %w", sessionID, err)
	}
	windowEnd := end.Float64
	if !end.Valid {
		windowEnd = s.now()
	}

	// Recompute and write in one transaction so a concurrent save
	// cannot slip between the count and the update.
	_, err = tx.ExecContext(ctx, `
		UPDATE sessions SET
			packet_count = (SELECT COUNT(*) FROM packets
				WHERE session_id = ? OR (session_id IS NULL AND timestamp >= ? AND timestamp <= ?)),
			total_bytes = (SELECT COALESCE(SUM(length), 0) FROM packets
				WHERE session_id = ? OR (session_id IS NULL AND timestamp >= ? AND timestamp <= ?))
		WHERE id = ?`,
		sessionID, start, windowEnd, sessionID, start, windowEnd, sessionID)
	if err != nil {
		return fmt.Errorf("repair counters for session %d: %w", sessionID, err)
	}
	return tx.Commit()
}

// VerifySessionCounters reports every session whose denormalized
// counters disagree with its packet population. Drift is a data
// quality finding, not a failure.
func (s *Store) VerifySessionCounters(ctx context.Context) ([]model.CounterDrift, error) {
	sessions, err := s.GetSessions(ctx)
	if err != nil {
		return nil, err
	}

	var drifts []model.CounterDrift
	for _, sess := range sessions {
		count, bytes, ok, err := s.actualCounters(ctx, sess.ID)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		d := model.CounterDrift{
			SessionID:     sess.ID,
			StoredPackets: sess.PacketCount,
			ActualPackets: count,
			StoredBytes:   sess.TotalBytes,
			ActualBytes:   bytes,
		}
		if d.Drifted() {
			drifts = append(drifts, d)
		}
	}
	return drifts, nil
}

// RecordStatistics appends one row per metric under statType. History
// is append-only; rows are never updated in place.
func (s *Store) RecordStatistics(ctx context.Context, statType string, metrics map[string]float64, at float64) error {
	if len(metrics) == 0 {
		return nil
	}
	if at == 0 {
		at = s.now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin record statistics: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO statistics (stat_type, metric_name, metric_value, recorded_at)
		VALUES (?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	names := make([]string, 0, len(metrics))
	for name := range metrics {
		names = append(names, name)
	}
	sort.Strings(names)

	recordedAt := floatToText(at)
	for _, name := range names {
		if _, err := stmt.ExecContext(ctx, statType, name, metrics[name], recordedAt); err != nil {
			return fmt.Errorf("insert statistic %s/%s: %w", statType, name, err)
		}
	}
	return tx.Commit()
}

// GetStatistics returns appended records of statType within the
// optional [from, to] window, newest first.
func (s *Store) GetStatistics(ctx context.Context, statType string, from, to float64) ([]*model.StatRecord, error) {
	query := `SELECT id, stat_type, metric_name, metric_value, recorded_at
		FROM statistics WHERE stat_type = ?`
	args := []interface{}{statType}

	if from != 0 {
		query += " AND recorded_at >= ?"
		args = append(args, floatToText(from))
	}
	if to != 0 {
		query += " AND recorded_at <= ?"
		args = append(args, floatToText(to))
	}
	query += " ORDER BY recorded_at DESC, id DESC"

	rows, err := s.rdb.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query statistics: %w", err)
	}
	defer rows.Close()

	var records []*model.StatRecord
	for rows.Next() {
		rec := &model.StatRecord{}
		var recordedAt string
		if err := rows.Scan(&rec.ID, &rec.StatType, &rec.MetricName, &rec.MetricValue, &recordedAt); err != nil {
			return nil, err
		}
		rec.RecordedAt, _ = time.Parse(time.RFC3339Nano, recordedAt)
		records = append(records, rec)
	}
	return records, rows.Err()
}

// statsPredicate builds the WHERE clause for an aggregate query. ok is
// false when the query names a session that does not exist, which the
// caller maps to a zeroed result.
func (s *Store) statsPredicate(ctx context.Context, q store.StatsQuery) (cond string, args []interface{}, ok bool, err error) {
	cond = "1=1"

	if q.SessionID != 0 {
		sess, err := s.GetSession(ctx, q.SessionID)
		if errors.Is(err, store.ErrNotFound) {
			return "", nil, false, nil
		}
		if err != nil {
			return "", nil, false, err
		}
		start, end := sess.Window(s.now())
		cond += " AND (session_id = ? OR (session_id IS NULL AND timestamp >= ? AND timestamp <= ?))"
		args = append(args, q.SessionID, start, end)
	}
	if q.StartTime != 0 {
		cond += " AND timestamp >= ?"
		args = append(args, q.StartTime)
	}
	if q.EndTime != 0 {
		cond += " AND timestamp <= ?"
		args = append(args, q.EndTime)
	}
	return cond, args, true, nil
}

// actualCounters computes the true count/byte totals for a session via
// the correlation rule. ok is false when the session does not exist.
func (s *Store) actualCounters(ctx context.Context, sessionID int64) (count, bytes int64, ok bool, err error) {
	sess, err := s.GetSession(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return 0, 0, false, nil
	}
	if err != nil {
		return 0, 0, false, err
	}

	start, end := sess.Window(s.now())
	err = s.rdb.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(length), 0) FROM packets
		WHERE session_id = ? OR (session_id IS NULL AND timestamp >= ? AND timestamp <= ?)`,
		sessionID, start, end).Scan(&count, &bytes)
	if err != nil {
		return 0, 0, false, fmt.Errorf("count packets for session %d: %w", sessionID, err)
	}
	return count, bytes, true, nil
}
