package sqlite

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pktvault/pktvault/pkg/store"
)

func TestCreateSessionStartsOpen(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()
	clock.now = 100

	id, err := s.CreateSession(ctx, "morning capture")
	require.NoError(t, err)
	require.NotZero(t, id)

	sess, err := s.GetSession(ctx, id)
	require.NoError(t, err)
	require.Equal(t, "morning capture", sess.Name)
	require.Equal(t, float64(100), sess.StartTime)
	require.True(t, sess.Open())
	require.Zero(t, sess.PacketCount)
	require.Zero(t, sess.TotalBytes)
	require.NotEmpty(t, sess.CreatedAt)
}

func TestCloseSessionIsIdempotent(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()
	clock.now = 100

	id, err := s.CreateSession(ctx, "short")
	require.NoError(t, err)

	require.NoError(t, s.CloseSession(ctx, id, 200))

	sess, err := s.GetSession(ctx, id)
	require.NoError(t, err)
	require.False(t, sess.Open())
	require.Equal(t, float64(200), sess.EndTime)

	// A second close leaves the original end time in place.
	require.NoError(t, s.CloseSession(ctx, id, 300))
	sess, err = s.GetSession(ctx, id)
	require.NoError(t, err)
	require.Equal(t, float64(200), sess.EndTime)

	// Closing a session that does not exist is a no-op.
	require.NoError(t, s.CloseSession(ctx, 9999, 300))
}

func TestCloseSessionClampsToStart(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()
	clock.now = 500

	id, err := s.CreateSession(ctx, "clock skew")
	require.NoError(t, err)

	// The caller's clock moved backwards between create and close.
	// End time must never precede start time.
	require.NoError(t, s.CloseSession(ctx, id, 400))

	sess, err := s.GetSession(ctx, id)
	require.NoError(t, err)
	require.Equal(t, float64(500), sess.EndTime)
}

func TestSetSessionStart(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()
	clock.now = 1000

	id, err := s.CreateSession(ctx, "imported")
	require.NoError(t, err)

	// Move the window back to the capture timestamps; the session
	// stays open until closed.
	require.NoError(t, s.SetSessionStart(ctx, id, 100))

	sess, err := s.GetSession(ctx, id)
	require.NoError(t, err)
	require.Equal(t, float64(100), sess.StartTime)
	require.True(t, sess.Open())

	require.NoError(t, s.CloseSession(ctx, id, 200))
	sess, err = s.GetSession(ctx, id)
	require.NoError(t, err)
	require.Equal(t, float64(100), sess.StartTime)
	require.Equal(t, float64(200), sess.EndTime)

	// Moving the start past an existing end drags the end along so the
	// window never inverts.
	require.NoError(t, s.SetSessionStart(ctx, id, 300))
	sess, err = s.GetSession(ctx, id)
	require.NoError(t, err)
	require.Equal(t, float64(300), sess.StartTime)
	require.Equal(t, float64(300), sess.EndTime)

	require.ErrorIs(t, s.SetSessionStart(ctx, 9999, 100), store.ErrNotFound)
}

func TestGetSessionsNewestFirst(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()

	clock.now = 100
	first, err := s.CreateSession(ctx, "first")
	require.NoError(t, err)
	clock.now = 200
	second, err := s.CreateSession(ctx, "second")
	require.NoError(t, err)

	sessions, err := s.GetSessions(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	require.Equal(t, second, sessions[0].ID)
	require.Equal(t, first, sessions[1].ID)
}

func TestUpdateSessionCounters(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()
	clock.now = 100

	id, err := s.CreateSession(ctx, "counted")
	require.NoError(t, err)

	require.NoError(t, s.UpdateSession(ctx, id, 7, 900))

	sess, err := s.GetSession(ctx, id)
	require.NoError(t, err)
	require.Equal(t, int64(7), sess.PacketCount)
	require.Equal(t, int64(900), sess.TotalBytes)

	require.ErrorIs(t, s.UpdateSession(ctx, 4242, 1, 1), store.ErrNotFound)
}

func TestGetSessionMissing(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.GetSession(context.Background(), 4242)
	require.ErrorIs(t, err, store.ErrNotFound)
}
