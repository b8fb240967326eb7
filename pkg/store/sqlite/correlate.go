package sqlite

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/pktvault/pktvault/pkg/model"
	"github.com/pktvault/pktvault/pkg/store"
)

// ResolveSession returns a session's packets in two tiers.
//
// Tier 1 (authoritative): rows whose session_id matches. Tier 2
// (best-effort): rows with no session_id whose timestamp falls inside
// the session window; an open session's window extends to now. The
// fallback tier keeps legacy and mis-tagged data discoverable but is a
// heuristic: adjacent or overlapping session windows can both claim
// the same untagged packet, so every fallback-only hit is logged.
//
// A nonexistent session resolves to an empty result, not an error.
func (s *Store) ResolveSession(ctx context.Context, sessionID int64) ([]model.CorrelatedPacket, error) {
	sess, err := s.GetSession(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var out []model.CorrelatedPacket

	direct, err := s.scanCorrelated(ctx,
		`SELECT `+packetColumns+` FROM packets WHERE session_id = ?`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("direct matches for session %d: %w", sessionID, err)
	}
	for _, p := range direct {
		out = append(out, model.CorrelatedPacket{Packet: p, Tier: model.MatchDirect})
	}

	start, end := sess.Window(s.now())
	fallback, err := s.scanCorrelated(ctx, `
		SELECT `+packetColumns+` FROM packets
		WHERE session_id IS NULL AND timestamp >= ? AND timestamp <= ?`,
		start, end)
	if err != nil {
		return nil, fmt.Errorf("fallback matches for session %d: %w", sessionID, err)
	}

	if len(fallback) > 0 {
		s.log.WithFields(logrus.Fields{
			"session_id":    sessionID,
			"fallback_hits": len(fallback),
			"window_start":  start,
			"window_end":    end,
		}).Warn("packets matched only by time-window fallback; consider running backfill")
	}
	reason := fmt.Sprintf("within window [%.6f, %.6f] of session %d", start, end, sessionID)
	for _, p := range fallback {
		s.log.WithFields(logrus.Fields{
			"packet_id":  p.ID,
			"session_id": sessionID,
		}).Debug("fallback correlation match")
		out = append(out, model.CorrelatedPacket{Packet: p, Tier: model.MatchFallback, Reason: reason})
	}

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Packet, out[j].Packet
		if a.Timestamp != b.Timestamp {
			return a.Timestamp < b.Timestamp
		}
		return a.ID < b.ID
	})
	return out, nil
}

// GetPacketsBySession is the plain-packet view of ResolveSession,
// used when opening a saved session.
func (s *Store) GetPacketsBySession(ctx context.Context, sessionID int64) ([]*model.Packet, error) {
	matches, err := s.ResolveSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	packets := make([]*model.Packet, 0, len(matches))
	for _, m := range matches {
		packets = append(packets, m.Packet)
	}
	return packets, nil
}

// BackfillSessionIDs assigns every untagged packet to the first
// session, by start time ascending, whose window contains it. This
// resolves window ambiguity once and lets reads stop depending on the
// fallback tier.
func (s *Store) BackfillSessionIDs(ctx context.Context) (int64, error) {
	sessions, err := s.GetSessions(ctx)
	if err != nil {
		return 0, err
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].StartTime < sessions[j].StartTime
	})

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin backfill: %w", err)
	}
	defer tx.Rollback()

	now := s.now()
	var assigned int64

	// Earlier sessions claim first; a claimed row is no longer NULL,
	// which implements first-match-wins.
	for _, sess := range sessions {
		start, end := sess.Window(now)
		res, err := tx.ExecContext(ctx, `
			UPDATE packets SET session_id = ?
			WHERE session_id IS NULL AND timestamp >= ? AND timestamp <= ?`,
			sess.ID, start, end)
		if err != nil {
			return 0, fmt.Errorf("backfill session %d: %w", sess.ID, err)
		}
		n, _ := res.RowsAffected()
		if n > 0 {
			s.log.WithFields(logrus.Fields{
				"session_id": sess.ID,
				"assigned":   n,
			}).Info("backfilled untagged packets")
		}
		assigned += n
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}

	// Counters were maintained only for tagged writes; freshly claimed
	// packets are not reflected yet.
	for _, sess := range sessions {
		if err := s.repairSessionCountersLocked(ctx, sess.ID); err != nil {
			return assigned, fmt.Errorf("repair after backfill: %w", err)
		}
	}
	return assigned, nil
}

func (s *Store) scanCorrelated(ctx context.Context, query string, args ...interface{}) ([]*model.Packet, error) {
	rows, err := s.rdb.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var packets []*model.Packet
	for rows.Next() {
		p, ok, err := scanPacket(rows)
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
