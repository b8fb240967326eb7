package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/pktvault/pktvault/pkg/model"
	"github.com/pktvault/pktvault/pkg/store"
)

const sessionColumns = `id, name, start_time, end_time, packet_count, total_bytes, created_at`

// CreateSession inserts a new open session with zeroed counters.
func (s *Store) CreateSession(ctx context.Context, name string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (name, start_time, end_time, packet_count, total_bytes, created_at)
		VALUES (?, ?, NULL, 0, 0, ?)`,
		name, s.now(), s.nowText())
	if err != nil {
		return 0, fmt.Errorf("create session: %w", err)
	}
	return res.LastInsertId()
}

// UpdateSession overwrites the denormalized counters with
// caller-provided values. It does not recompute from packets.
func (s *Store) UpdateSession(ctx context.Context, sessionID, packetCount, totalBytes int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET packet_count = ?, total_bytes = ? WHERE id = ?`,
		packetCount, totalBytes, sessionID)
	if err != nil {
		return fmt.Errorf("update session %d: %w", sessionID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// SetSessionStart rewrites start_time. Any end_time is clamped up to
// the new start so the window stays valid.
func (s *Store) SetSessionStart(ctx context.Context, sessionID int64, startTime float64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET start_time = ?, end_time = MAX(end_time, ?) WHERE id = ?`,
		startTime, startTime, sessionID)
	if err != nil {
		return fmt.Errorf("set start for session %d: %w", sessionID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// CloseSession sets end_time on an open session. Missing or already
// closed sessions are left alone; closing is idempotent. end_time is
// clamped to start_time so a closed session always has a valid window.
func (s *Store) CloseSession(ctx context.Context, sessionID int64, endTime float64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET end_time = MAX(start_time, ?)
		WHERE id = ? AND end_time IS NULL`,
		endTime, sessionID)
	if err != nil {
		return fmt.Errorf("close session %d: %w", sessionID, err)
	}
	return nil
}

// GetSessions lists all sessions, newest first. Session pickers
// re-fetch on every dialog open, so this rides the primary key.
func (s *Store) GetSessions(ctx context.Context) ([]*model.Session, error) {
	rows, err := s.rdb.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions ORDER BY id DESC`)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*model.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// GetSession returns a single session or store.ErrNotFound.
func (s *Store) GetSession(ctx context.Context, sessionID int64) (*model.Session, error) {
	row := s.rdb.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, sessionID)

	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query session %d: %w", sessionID, err)
	}
	return sess, nil
}
