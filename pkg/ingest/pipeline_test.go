package ingest

import (
	"context"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/pktvault/pktvault/pkg/model"
	"github.com/pktvault/pktvault/pkg/store"
	"github.com/pktvault/pktvault/pkg/store/sqlite"
)

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()

	log := logrus.New()
	log.SetOutput(io.Discard)

	s, err := sqlite.Open(sqlite.Config{
		Path:   filepath.Join(t.TempDir(), "pktvault.db"),
		Logger: log,
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func makePacket(i int) *model.Packet {
	return &model.Packet{
		Timestamp: 100 + float64(i),
		SrcIP:     "10.0.0.1",
		DstIP:     "10.0.0.2",
		SrcPort:   40000 + i,
		DstPort:   80,
		Protocol:  model.ProtocolTCP,
		Length:    60 + i,
	}
}

func TestWriterFlushesBySize(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sessionID, err := s.CreateSession(ctx, "live")
	require.NoError(t, err)

	w := NewWriter(s, Config{
		BatchSize:     4,
		FlushInterval: time.Hour, // only the size trigger may fire
		Logger:        quietLogger(),
	})
	w.SetSessionID(sessionID)
	w.Start(ctx)

	for i := 0; i < 8; i++ {
		w.Enqueue(makePacket(i))
	}

	require.Eventually(t, func() bool {
		return w.Stats().Saved == 8
	}, 5*time.Second, 10*time.Millisecond)

	sess, err := s.GetSession(ctx, sessionID)
	require.NoError(t, err)
	require.Equal(t, int64(8), sess.PacketCount)

	w.Stop()
}

func TestWriterFlushesByInterval(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sessionID, err := s.CreateSession(ctx, "trickle")
	require.NoError(t, err)

	w := NewWriter(s, Config{
		BatchSize:     1000, // size trigger never fires
		FlushInterval: 20 * time.Millisecond,
		Logger:        quietLogger(),
	})
	w.SetSessionID(sessionID)
	w.Start(ctx)
	defer w.Stop()

	w.Enqueue(makePacket(0))

	require.Eventually(t, func() bool {
		return w.Stats().Saved == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestWriterStopFlushesRemainder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sessionID, err := s.CreateSession(ctx, "shutdown")
	require.NoError(t, err)

	w := NewWriter(s, Config{
		BatchSize:     1000,
		FlushInterval: time.Hour,
		Logger:        quietLogger(),
	})
	w.SetSessionID(sessionID)
	w.Start(ctx)

	for i := 0; i < 5; i++ {
		w.Enqueue(makePacket(i))
	}
	w.Stop()

	require.Equal(t, int64(5), w.Stats().Saved)

	packets, err := s.GetPackets(ctx, store.Filter{SessionID: sessionID})
	require.NoError(t, err)
	require.Len(t, packets, 5)
}

func TestWriterCancelFlushesRemainder(t *testing.T) {
	s := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())

	sessionID, err := s.CreateSession(context.Background(), "canceled")
	require.NoError(t, err)

	w := NewWriter(s, Config{
		BatchSize:     1000,
		FlushInterval: time.Hour,
		Logger:        quietLogger(),
	})
	w.SetSessionID(sessionID)
	w.Start(ctx)

	for i := 0; i < 5; i++ {
		w.Enqueue(makePacket(i))
	}
	cancel()

	require.Eventually(t, func() bool {
		return w.Stats().Saved == 5
	}, 5*time.Second, 10*time.Millisecond)

	packets, err := s.GetPackets(context.Background(), store.Filter{SessionID: sessionID})
	require.NoError(t, err)
	require.Len(t, packets, 5)
}

func TestWriterDropsOldestWhenFull(t *testing.T) {
	s := newTestStore(t)

	w := NewWriter(s, Config{
		QueueSize:     4,
		BatchSize:     1000,
		FlushInterval: time.Hour,
		Logger:        quietLogger(),
	})
	// Not started: the queue only fills.

	var droppedAny bool
	for i := 0; i < 10; i++ {
		if w.Enqueue(makePacket(i)) {
			droppedAny = true
		}
	}
	require.True(t, droppedAny)

	stats := w.Stats()
	require.Equal(t, int64(10), stats.Enqueued)
	require.Equal(t, int64(6), stats.Dropped)

	// The survivors are the newest packets.
	ctx := context.Background()
	w.Start(ctx)
	w.Stop()

	packets, err := s.GetPackets(ctx, store.Filter{})
	require.NoError(t, err)
	require.Len(t, packets, 4)
	require.Equal(t, float64(106), packets[0].Timestamp)
}

func TestWriterCreatesUnassignedSession(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	w := NewWriter(s, Config{
		BatchSize:     2,
		FlushInterval: time.Hour,
		Logger:        quietLogger(),
	})
	w.Start(ctx)

	require.Zero(t, w.SessionID())
	w.Enqueue(makePacket(0))
	w.Enqueue(makePacket(1))

	require.Eventually(t, func() bool {
		return w.Stats().Saved == 2
	}, 5*time.Second, 10*time.Millisecond)
	w.Stop()

	require.NotZero(t, w.SessionID())

	sess, err := s.GetSession(ctx, w.SessionID())
	require.NoError(t, err)
	require.Equal(t, UnassignedSessionName, sess.Name)
	require.Equal(t, int64(2), sess.PacketCount)

	// Explicitly tagged packets keep their tag.
	otherID, err := s.CreateSession(ctx, "explicit")
	require.NoError(t, err)
	p := makePacket(2)
	p.SessionID = otherID
	w2 := NewWriter(s, Config{BatchSize: 1, FlushInterval: time.Hour, Logger: quietLogger()})
	w2.Start(ctx)
	w2.Enqueue(p)
	require.Eventually(t, func() bool {
		return w2.Stats().Saved == 1
	}, 5*time.Second, 10*time.Millisecond)
	w2.Stop()

	other, err := s.GetSession(ctx, otherID)
	require.NoError(t, err)
	require.Equal(t, int64(1), other.PacketCount)
}
