// Package ingest moves packets into the store: a buffered asynchronous
// writer for live feeds and a batch importer for pcap files.
package ingest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/pktvault/pktvault/pkg/model"
	"github.com/pktvault/pktvault/pkg/store"
)

// UnassignedSessionName names the session that adopts packets written
// while no session is active.
const UnassignedSessionName = "unassigned"

// Config holds configuration for the asynchronous writer.
type Config struct {
	// QueueSize bounds the pending-packet queue. When full, the
	// oldest queued packet is dropped to admit the new one.
	// Defaults to 10000 if <= 0.
	QueueSize int

	// BatchSize is the number of packets per batch commit.
	// Defaults to 200 if <= 0.
	BatchSize int

	// FlushInterval bounds how long a partial batch may wait.
	// Defaults to 2s if <= 0.
	FlushInterval time.Duration

	// Logger defaults to the logrus standard logger.
	Logger *logrus.Logger
}

// Stats is a snapshot of writer progress.
type Stats struct {
	Enqueued int64
	Saved    int64
	Dropped  int64
}

// Writer decouples packet producers from store latency. Producers call
// Enqueue without blocking; a single goroutine drains the queue in
// batches. Under sustained overload the queue sheds its oldest
// entries, keeping the most recent traffic.
type Writer struct {
	cfg   Config
	store store.Store
	log   *logrus.Logger

	queue chan *model.Packet

	// sessionID tags every enqueued packet that carries none. Zero
	// means no session is active yet; the first flush then creates
	// the unassigned session and adopts it.
	sessionID atomic.Int64

	enqueued atomic.Int64
	saved    atomic.Int64
	dropped  atomic.Int64

	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
	done      chan struct{}
}

// NewWriter creates a writer over st. Call Start before Enqueue.
func NewWriter(st store.Store, cfg Config) *Writer {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 10000
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 200
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 2 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	return &Writer{
		cfg:   cfg,
		store: st,
		log:   cfg.Logger,
		queue: make(chan *model.Packet, cfg.QueueSize),
		done:  make(chan struct{}),
	}
}

// SetSessionID switches the ambient session applied to packets
// enqueued without one. Safe to call while the writer runs.
func (w *Writer) SetSessionID(id int64) {
	w.sessionID.Store(id)
}

// SessionID returns the current ambient session, 0 if none.
func (w *Writer) SessionID() int64 {
	return w.sessionID.Load()
}

// Start launches the drain goroutine. It exits when ctx is canceled or
// Stop is called, flushing whatever is queued first.
func (w *Writer) Start(ctx context.Context) {
	w.startOnce.Do(func() {
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			w.drainLoop(ctx)
		}()
	})
}

// Enqueue queues p for writing and never blocks. When the queue is
// full the oldest pending packet is discarded to make room; the return
// value reports whether something was dropped.
func (w *Writer) Enqueue(p *model.Packet) bool {
	w.enqueued.Add(1)
	for {
		select {
		case w.queue <- p:
			return false
		default:
		}
		select {
		case <-w.queue:
			n := w.dropped.Add(1)
			if n == 1 || n%1000 == 0 {
				w.log.WithField("dropped_total", n).Warn("write queue full, dropping oldest packet")
			}
		default:
		}
		select {
		case w.queue <- p:
			return true
		default:
			// Another producer refilled the slot; try again.
		}
	}
}

// Stop flushes pending packets and waits for the drain goroutine.
func (w *Writer) Stop() {
	w.stopOnce.Do(func() { close(w.done) })
	w.wg.Wait()
}

// Stats returns current counters.
func (w *Writer) Stats() Stats {
	return Stats{
		Enqueued: w.enqueued.Load(),
		Saved:    w.saved.Load(),
		Dropped:  w.dropped.Load(),
	}
}

func (w *Writer) drainLoop(ctx context.Context) {
	batch := make([]*model.Packet, 0, w.cfg.BatchSize)
	ticker := time.NewTicker(w.cfg.FlushInterval)
	defer ticker.Stop()

	flush := func(ctx context.Context) {
		if len(batch) == 0 {
			return
		}
		if err := w.writeBatch(ctx, batch); err != nil {
			w.log.WithError(err).WithField("batch", len(batch)).Error("batch write failed")
		} else {
			w.saved.Add(int64(len(batch)))
		}
		batch = batch[:0]
	}

	for {
		select {
		case p := <-w.queue:
			batch = append(batch, p)
			if len(batch) >= w.cfg.BatchSize {
				flush(ctx)
			}
		case <-ticker.C:
			flush(ctx)
		case <-ctx.Done():
			// The final flush must outlive the canceled context.
			w.drainRemaining(&batch)
			flush(context.Background())
			return
		case <-w.done:
			w.drainRemaining(&batch)
			flush(context.Background())
			return
		}
	}
}

// drainRemaining empties the queue into batch without waiting,
// flushing full batches along the way.
func (w *Writer) drainRemaining(batch *[]*model.Packet) {
	for {
		select {
		case p := <-w.queue:
			*batch = append(*batch, p)
			if len(*batch) >= w.cfg.BatchSize {
				b := *batch
				if err := w.writeBatch(context.Background(), b); err != nil {
					w.log.WithError(err).Error("batch write failed during drain")
				} else {
					w.saved.Add(int64(len(b)))
				}
				*batch = b[:0]
			}
		default:
			return
		}
	}
}

// writeBatch tags untagged packets with the ambient session, creating
// the unassigned session on first need, then commits the batch.
func (w *Writer) writeBatch(ctx context.Context, batch []*model.Packet) error {
	needAmbient := false
	for _, p := range batch {
		if p.SessionID == 0 {
			needAmbient = true
			break
		}
	}
	if needAmbient {
		sessionID, err := w.ensureSession(ctx)
		if err != nil {
			return err
		}
		for _, p := range batch {
			if p.SessionID == 0 {
				p.SessionID = sessionID
			}
		}
	}
	if _, err := w.store.SavePacketsBatch(ctx, batch); err != nil {
		return fmt.Errorf("save batch: %w", err)
	}
	return nil
}

func (w *Writer) ensureSession(ctx context.Context) (int64, error) {
	if id := w.sessionID.Load(); id != 0 {
		return id, nil
	}
	id, err := w.store.CreateSession(ctx, UnassignedSessionName)
	if err != nil {
		return 0, fmt.Errorf("create %s session: %w", UnassignedSessionName, err)
	}
	// Another flush path cannot race here: only the drain goroutine
	// creates the session. Producers read whatever is current.
	w.sessionID.Store(id)
	w.log.WithField("session_id", id).Info("created unassigned session for untagged packets")
	return id, nil
}
