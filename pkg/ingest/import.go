package ingest

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/pktvault/pktvault/capture"
	"github.com/pktvault/pktvault/pkg/model"
	"github.com/pktvault/pktvault/pkg/store"
)

// ImportConfig holds configuration for a pcap import.
type ImportConfig struct {
	// PcapPath is the path to the pcap/pcapng file.
	PcapPath string

	// SessionName names the session created for the import.
	// Defaults to the pcap file's base name.
	SessionName string

	// BPFFilter is an optional BPF filter expression.
	BPFFilter string

	// BatchSize is the number of packets per batch commit.
	// Defaults to 1000 if <= 0.
	BatchSize int

	// ProgressCallback is called after every committed batch.
	ProgressCallback func(processed int, elapsed time.Duration)

	// Logger defaults to the logrus standard logger.
	Logger *logrus.Logger
}

// ImportResult summarizes a completed import.
type ImportResult struct {
	SessionID  int64
	TotalRead  int
	TotalSaved int64
	TotalBytes int64
	Duplicates int64
	Duration   time.Duration
}

// Import reads a pcap file into st under a new session. The session
// spans the capture timestamps of the file and is closed when the
// import finishes. Rows already present, by dedup key, are skipped.
func Import(ctx context.Context, st store.Store, cfg ImportConfig) (*ImportResult, error) {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1000
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	if cfg.SessionName == "" {
		cfg.SessionName = filepath.Base(cfg.PcapPath)
	}

	capturer, err := capture.NewFileCapturer(cfg.PcapPath, cfg.BPFFilter)
	if err != nil {
		return nil, err
	}
	defer capturer.Stop()

	sessionID, err := st.CreateSession(ctx, cfg.SessionName)
	if err != nil {
		return nil, fmt.Errorf("create import session: %w", err)
	}

	start := time.Now()
	result := &ImportResult{SessionID: sessionID}
	batch := make([]*model.Packet, 0, cfg.BatchSize)
	var firstTimestamp, lastTimestamp float64

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if _, err := st.SavePacketsBatch(ctx, batch); err != nil {
			return fmt.Errorf("save import batch: %w", err)
		}
		result.TotalRead += len(batch)
		batch = batch[:0]
		if cfg.ProgressCallback != nil {
			cfg.ProgressCallback(result.TotalRead, time.Since(start))
		}
		return nil
	}

	for p := range capturer.Start() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		p.SessionID = sessionID
		if firstTimestamp == 0 || p.Timestamp < firstTimestamp {
			firstTimestamp = p.Timestamp
		}
		if p.Timestamp > lastTimestamp {
			lastTimestamp = p.Timestamp
		}
		batch = append(batch, p)
		if len(batch) >= cfg.BatchSize {
			if err := flush(); err != nil {
				return nil, err
			}
		}
	}
	if err := flush(); err != nil {
		return nil, err
	}

	// The session row was stamped with the wall clock at creation;
	// rewrite the window to span the file's capture timestamps.
	if firstTimestamp > 0 {
		if err := st.SetSessionStart(ctx, sessionID, firstTimestamp); err != nil {
			return nil, fmt.Errorf("set import session start: %w", err)
		}
	}
	if lastTimestamp == 0 {
		lastTimestamp = model.TimeToFloat(time.Now())
	}
	if err := st.CloseSession(ctx, sessionID, lastTimestamp); err != nil {
		return nil, fmt.Errorf("close import session: %w", err)
	}

	// The dedup probe silently reuses existing rows, so the session
	// counters tell us how much was actually new.
	sess, err := st.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	result.TotalSaved = sess.PacketCount
	result.TotalBytes = sess.TotalBytes
	result.Duplicates = int64(result.TotalRead) - sess.PacketCount
	result.Duration = time.Since(start)

	cfg.Logger.WithFields(logrus.Fields{
		"session_id": sessionID,
		"read":       result.TotalRead,
		"saved":      result.TotalSaved,
		"duplicates": result.Duplicates,
	}).Info("pcap import complete")

	return result, nil
}
