package sqlite

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/pktvault/pktvault/pkg/store"
)

// DedupSweep removes duplicate packet rows left behind by a missed
// dedup race. Duplicates are a data-quality defect, not something to
// merge silently: the sweep backs the database file up, then in one
// transaction deletes all but the lowest-id row per duplicate group.
// With dryRun set it only reports what would be deleted.
func (s *Store) DedupSweep(ctx context.Context, dryRun bool) (*store.DedupReport, error) {
	groups, err := s.VerifyDedup(ctx)
	if err != nil {
		return nil, err
	}

	report := &store.DedupReport{Groups: groups, DryRun: dryRun}
	if len(groups) == 0 || dryRun {
		for _, g := range groups {
			report.RowsDeleted += int64(len(g.IDs) - 1)
		}
		if dryRun {
			s.log.WithField("groups", len(groups)).Info("dedup dry run")
		}
		return report, nil
	}

	backup, err := s.backupFile(ctx)
	if err != nil {
		return nil, fmt.Errorf("backup before dedup: %w", err)
	}
	report.BackupPath = backup

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin dedup sweep: %w", err)
	}
	defer tx.Rollback()

	for _, g := range groups {
		extra := g.IDs[1:] // keep the lowest id
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(extra)), ",")
		args := make([]interface{}, len(extra))
		for i, id := range extra {
			args[i] = id
		}
		res, err := tx.ExecContext(ctx,
			"DELETE FROM packets WHERE id IN ("+placeholders+")", args...)
		if err != nil {
			return nil, fmt.Errorf("delete duplicate group: %w", err)
		}
		n, _ := res.RowsAffected()
		report.RowsDeleted += n
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	s.log.WithFields(logrus.Fields{
		"groups":  len(groups),
		"deleted": report.RowsDeleted,
		"backup":  backup,
	}).Info("dedup sweep complete")

	return report, nil
}

// VerifyDedup reports every group of rows sharing a dedup key. A clean
// store returns an empty slice.
func (s *Store) VerifyDedup(ctx context.Context) ([]store.DedupGroup, error) {
	rows, err := s.rdb.QueryContext(ctx, `
		SELECT timestamp, src_ip, dst_ip, protocol, length, COUNT(*), GROUP_CONCAT(id)
		FROM packets
		GROUP BY timestamp, src_ip, dst_ip, protocol, length
		HAVING COUNT(*) > 1`)
	if err != nil {
		return nil, fmt.Errorf("query duplicate groups: %w", err)
	}
	defer rows.Close()

	var groups []store.DedupGroup
	for rows.Next() {
		var g store.DedupGroup
		var ts interface{}
		var idList string
		if err := rows.Scan(&ts, &g.Key.SrcIP, &g.Key.DstIP,
			&g.Key.Protocol, &g.Key.Length, &g.Count, &idList); err != nil {
			return nil, err
		}
		f, ok := asFloat(ts)
		if !ok {
			s.log.WithField("ids", idList).Warn("skipping duplicate group with malformed timestamp")
			continue
		}
		g.Key.Timestamp = f
		for _, part := range strings.Split(idList, ",") {
			id, err := strconv.ParseInt(part, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("parse duplicate id %q: %w", part, err)
			}
			g.IDs = append(g.IDs, id)
		}
		sort.Slice(g.IDs, func(i, j int) bool { return g.IDs[i] < g.IDs[j] })
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

// Info returns table row counts and the database file size.
func (s *Store) Info(ctx context.Context) (*store.DBInfo, error) {
	info := &store.DBInfo{Path: s.path}

	counts := []struct {
		query string
		dst   *int64
	}{
		{"SELECT COUNT(*) FROM packets", &info.PacketCount},
		{"SELECT COUNT(*) FROM sessions", &info.SessionCount},
		{"SELECT COUNT(*) FROM statistics", &info.StatisticsCount},
	}
	for _, c := range counts {
		if err := s.rdb.QueryRowContext(ctx, c.query).Scan(c.dst); err != nil {
			return nil, fmt.Errorf("count rows: %w", err)
		}
	}

	if fi, err := os.Stat(s.path); err == nil {
		info.SizeBytes = fi.Size()
	}
	return info, nil
}

// backupFile checkpoints the WAL and copies the database file next to
// itself before a destructive maintenance pass.
func (s *Store) backupFile(ctx context.Context) (string, error) {
	if _, err := s.db.ExecContext(ctx, `PRAGMA wal_checkpoint(TRUNCATE)`); err != nil {
		return "", fmt.Errorf("checkpoint wal: %w", err)
	}

	backup := s.path + ".backup"
	src, err := os.Open(s.path)
	if err != nil {
		return "", err
	}
	defer src.Close()

	dst, err := os.Create(backup)
	if err != nil {
		return "", err
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return "", err
	}
	return backup, dst.Sync()
}
