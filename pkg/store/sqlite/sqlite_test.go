package sqlite

import (
	"context"
	"io"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/pktvault/pktvault/pkg/model"
)

// testClock is a settable clock shared by the tests in this package.
// Store time moves only when a test advances it.
type testClock struct {
	now float64
}

func (c *testClock) Now() float64 { return c.now }

func newTestStore(t *testing.T) (*Store, *testClock) {
	t.Helper()

	clock := &testClock{now: 1000}

	log := logrus.New()
	log.SetOutput(io.Discard)

	s, err := Open(Config{
		Path:   filepath.Join(t.TempDir(), "pktvault.db"),
		Logger: log,
		Clock:  clock.Now,
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	return s, clock
}

func testPacket(ts float64, src, dst, proto string, length int) *model.Packet {
	return &model.Packet{
		Timestamp: ts,
		SrcIP:     src,
		DstIP:     dst,
		SrcPort:   54321,
		DstPort:   80,
		Protocol:  proto,
		Length:    length,
	}
}

func TestOpenCreatesSchema(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	info, err := s.Info(ctx)
	require.NoError(t, err)
	require.Zero(t, info.PacketCount)
	require.Zero(t, info.SessionCount)
	require.Zero(t, info.StatisticsCount)
	require.Positive(t, info.SizeBytes)

	var version int
	err = s.rdb.QueryRowContext(ctx,
		`SELECT value FROM meta WHERE key = 'schema_version'`).Scan(&version)
	require.NoError(t, err)
	require.Equal(t, 1, version)
}

func TestOpenIsIdempotent(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.CreateSession(ctx, "persisted")
	require.NoError(t, err)
	require.NoError(t, s.Close())

	// Reopening an existing database must not touch existing rows.
	reopened, err := Open(Config{Path: s.path})
	require.NoError(t, err)
	defer reopened.Close()

	sessions, err := reopened.GetSessions(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	require.Equal(t, "persisted", sessions[0].Name)
}
