package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/pktvault/pktvault/pkg/model"
	"github.com/pktvault/pktvault/pkg/store"
)

const cleanupChunkSize = 500

const dedupProbeQuery = `
	SELECT id FROM packets
	WHERE timestamp = ? AND src_ip = ? AND dst_ip = ? AND protocol = ? AND length = ?
	ORDER BY id LIMIT 1`

const insertPacketQuery = `
	INSERT INTO packets (session_id, timestamp, src_ip, dst_ip, src_port, dst_port, protocol, length, raw_data, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

const bumpCountersQuery = `
	UPDATE sessions SET packet_count = packet_count + ?, total_bytes = total_bytes + ?
	WHERE id = ?`

// SavePacket stores p, deduplicating on (timestamp, src_ip, dst_ip,
// protocol, length). A duplicate save is a no-op returning the
// existing row's id. The probe, the insert, and the session counter
// bump happen in one transaction on the single writer connection, so
// concurrent savers cannot both insert the same tuple.
func (s *Store) SavePacket(ctx context.Context, p *model.Packet) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin save: %w", err)
	}
	defer tx.Rollback()

	id, inserted, err := s.savePacketTx(ctx, tx, p)
	if err != nil {
		return 0, err
	}
	if !inserted {
		return id, nil
	}
	return id, tx.Commit()
}

// SavePacketsBatch applies SavePacket semantics per row inside one
// transaction, amortizing transaction overhead for high-rate capture
// and bulk import. Counter bumps are coalesced per session.
func (s *Store) SavePacketsBatch(ctx context.Context, packets []*model.Packet) ([]int64, error) {
	if len(packets) == 0 {
		return nil, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin batch: %w", err)
	}
	defer tx.Rollback()

	probe, err := tx.PrepareContext(ctx, dedupProbeQuery)
	if err != nil {
		return nil, err
	}
	defer probe.Close()

	insert, err := tx.PrepareContext(ctx, insertPacketQuery)
	if err != nil {
		return nil, err
	}
	defer insert.Close()

	ids := make([]int64, 0, len(packets))
	type delta struct{ packets, bytes int64 }
	deltas := make(map[int64]*delta)

	for _, p := range packets {
		var id int64
		err := probe.QueryRowContext(ctx, p.Timestamp, p.SrcIP, p.DstIP, p.Protocol, p.Length).Scan(&id)
		switch {
		case err == nil:
			ids = append(ids, id)
			continue
		case !errors.Is(err, sql.ErrNoRows):
			return nil, fmt.Errorf("dedup probe: %w", err)
		}

		res, err := insert.ExecContext(ctx,
			nullIfZero(p.SessionID), p.Timestamp, p.SrcIP, p.DstIP,
			nullIfZero(int64(p.SrcPort)), nullIfZero(int64(p.DstPort)),
			p.Protocol, p.Length, p.RawData, s.nowText())
		if err != nil {
			return nil, fmt.Errorf("insert packet: %w", err)
		}
		id, err = res.LastInsertId()
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)

		if p.SessionID != 0 {
			d := deltas[p.SessionID]
			if d == nil {
				d = &delta{}
				deltas[p.SessionID] = d
			}
			d.packets++
			d.bytes += int64(p.Length)
		}
	}

	for sessionID, d := range deltas {
		if _, err := tx.ExecContext(ctx, bumpCountersQuery, d.packets, d.bytes, sessionID); err != nil {
			return nil, fmt.Errorf("bump counters for session %d: %w", sessionID, err)
		}
	}

	return ids, tx.Commit()
}

// savePacketTx runs the probe-then-insert for one packet. inserted is
// false when the dedup probe hit and id refers to the existing row.
func (s *Store) savePacketTx(ctx context.Context, tx *sql.Tx, p *model.Packet) (id int64, inserted bool, err error) {
	err = tx.QueryRowContext(ctx, dedupProbeQuery,
		p.Timestamp, p.SrcIP, p.DstIP, p.Protocol, p.Length).Scan(&id)
	if err == nil {
		return id, false, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, false, fmt.Errorf("dedup probe: %w", err)
	}

	res, err := tx.ExecContext(ctx, insertPacketQuery,
		nullIfZero(p.SessionID), p.Timestamp, p.SrcIP, p.DstIP,
		nullIfZero(int64(p.SrcPort)), nullIfZero(int64(p.DstPort)),
		p.Protocol, p.Length, p.RawData, s.nowText())
	if err != nil {
		return 0, false, fmt.Errorf("insert packet: %w", err)
	}
	id, err = res.LastInsertId()
	if err != nil {
		return 0, false, err
	}

	if p.SessionID != 0 {
		if _, err := tx.ExecContext(ctx, bumpCountersQuery, 1, int64(p.Length), p.SessionID); err != nil {
			return 0, false, fmt.Errorf("bump counters for session %d: %w", p.SessionID, err)
		}
	}
	return id, true, nil
}

// GetPacketByID returns one packet or store.ErrNotFound.
func (s *Store) GetPacketByID(ctx context.Context, id int64) (*model.Packet, error) {
	row := s.rdb.QueryRowContext(ctx,
		`SELECT `+packetColumns+` FROM packets WHERE id = ?`, id)

	p, ok, err := scanPacket(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query packet %d: %w", id, err)
	}
	if !ok {
		s.log.WithField("packet_id", id).Warn("packet has malformed timestamp")
	}
	return p, nil
}

// GetPacketByFeatures looks a packet up by display fields when the
// caller holds no surrogate id. sessionID, when nonzero, narrows the
// match, but rows whose own session_id is NULL still qualify so that
// correlation lag never makes a visible packet unfindable.
func (s *Store) GetPacketByFeatures(ctx context.Context, key model.DedupKey, sessionID int64) (*model.Packet, error) {
	query := `SELECT ` + packetColumns + ` FROM packets
		WHERE timestamp = ? AND src_ip = ? AND dst_ip = ? AND protocol = ? AND length = ?`
	args := []interface{}{key.Timestamp, key.SrcIP, key.DstIP, key.Protocol, key.Length}

	if sessionID != 0 {
		query += ` AND (session_id = ? OR session_id IS NULL)`
		args = append(args, sessionID)
	}
	query += ` ORDER BY id LIMIT 1`

	row := s.rdb.QueryRowContext(ctx, query, args...)
	p, _, err := scanPacket(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query packet by features: %w", err)
	}
	return p, nil
}

// GetPackets is the generic filtered scan behind the live capture
// view. Rows with malformed timestamps are skipped with a warning
// rather than failing the query.
func (s *Store) GetPackets(ctx context.Context, f store.Filter) ([]*model.Packet, error) {
	query := `SELECT ` + packetColumns + ` FROM packets WHERE 1=1`
	args := []interface{}{}

	if f.SessionID != 0 {
		query += " AND session_id = ?"
		args = append(args, f.SessionID)
	}
	if f.Protocol != "" {
		query += " AND protocol = ?"
		args = append(args, f.Protocol)
	}
	if f.SrcIP != "" {
		query += " AND src_ip = ?"
		args = append(args, f.SrcIP)
	}
	if f.DstIP != "" {
		query += " AND dst_ip = ?"
		args = append(args, f.DstIP)
	}
	if f.IP != "" {
		query += " AND (src_ip = ? OR dst_ip = ?)"
		args = append(args, f.IP, f.IP)
	}
	if f.StartTime != 0 {
		query += " AND timestamp >= ?"
		args = append(args, f.StartTime)
	}
	if f.EndTime != 0 {
		query += " AND timestamp <= ?"
		args = append(args, f.EndTime)
	}

	sortCol := "timestamp"
	switch f.SortBy {
	case "protocol":
		sortCol = "protocol"
	case "length":
		sortCol = "length"
	case "id":
		sortCol = "id"
	}
	sortOrder := "ASC"
	if f.SortOrder == "desc" {
		sortOrder = "DESC"
	}
	query += fmt.Sprintf(" ORDER BY %s %s", sortCol, sortOrder)

	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}
	if f.Offset > 0 {
		query += fmt.Sprintf(" OFFSET %d", f.Offset)
	}

	rows, err := s.rdb.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query packets: %w", err)
	}
	defer rows.Close()

	var packets []*model.Packet
	for rows.Next() {
		p, ok, err := rowToPacket(rows)
		if err != nil {
			return nil, err
		}
		if !ok {
			s.log.WithField("packet_id", p.ID).Warn("skipping packet with malformed timestamp")
			continue
		}
		packets = append(packets, p)
	}
	return packets, rows.Err()
}

func rowToPacket(rows *sql.Rows) (*model.Packet, bool, error) {
	return scanPacket(rows)
}

// CleanupOldData deletes packets, statistics rows, and orphaned
// sessions past the retention cutoff. Packet deletion runs in chunks
// so the write lock is never held across the whole sweep and a caller
// cancel takes effect between chunks. Sessions that survive but lost
// packets get their counters repaired, keeping the aggregate
// invariant.
func (s *Store) CleanupOldData(ctx context.Context, retentionDays int) (int64, error) {
	cutoff := s.now() - float64(retentionDays)*86400

	// Sessions that will lose directly-tagged packets.
	affected, err := s.sessionsWithPacketsBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	var deleted int64
	for {
		if err := ctx.Err(); err != nil {
			return deleted, err
		}

		s.mu.Lock()
		res, err := s.db.ExecContext(ctx, `
			DELETE FROM packets WHERE id IN (
				SELECT id FROM packets WHERE timestamp < ? LIMIT ?)`,
			cutoff, cleanupChunkSize)
		s.mu.Unlock()
		if err != nil {
			return deleted, fmt.Errorf("delete old packets: %w", err)
		}
		n, _ := res.RowsAffected()
		deleted += n
		if n < cleanupChunkSize {
			break
		}
	}

	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM statistics WHERE recorded_at < ?`, floatToText(cutoff)); err != nil {
		return deleted, fmt.Errorf("delete old statistics: %w", err)
	}

	// Closed sessions past the cutoff with no remaining packets.
	if _, err := s.db.ExecContext(ctx, `
		DELETE FROM sessions
		WHERE end_time IS NOT NULL AND end_time < ?
		  AND id NOT IN (SELECT DISTINCT session_id FROM packets WHERE session_id IS NOT NULL)`,
		cutoff); err != nil {
		return deleted, fmt.Errorf("delete orphaned sessions: %w", err)
	}

	for _, sessionID := range affected {
		if err := s.RepairSessionCounters(ctx, sessionID); err != nil {
			return deleted, fmt.Errorf("repair session %d after cleanup: %w", sessionID, err)
		}
	}

	s.log.WithFields(logrus.Fields{
		"deleted_packets": deleted,
		"retention_days":  retentionDays,
	}).Info("cleanup complete")

	return deleted, nil
}

func (s *Store) sessionsWithPacketsBefore(ctx context.Context, cutoff float64) ([]int64, error) {
	rows, err := s.rdb.QueryContext(ctx, `
		SELECT DISTINCT session_id FROM packets
		WHERE timestamp < ? AND session_id IS NOT NULL`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("query affected sessions: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
