package sqlite

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pktvault/pktvault/pkg/model"
	"github.com/pktvault/pktvault/pkg/store"
)

func seedStatsSession(t *testing.T, s *Store, clock *testClock) int64 {
	t.Helper()
	ctx := context.Background()
	clock.now = 100

	sessionID, err := s.CreateSession(ctx, "stats")
	require.NoError(t, err)

	packets := []*model.Packet{
		testPacket(110, "10.0.0.1", "10.0.0.2", model.ProtocolTCP, 160),
		testPacket(120, "10.0.0.2", "10.0.0.1", model.ProtocolTCP, 160),
		testPacket(130, "10.0.0.1", "10.0.0.9", model.ProtocolUDP, 128),
	}
	for _, p := range packets {
		p.SessionID = sessionID
	}
	_, err = s.SavePacketsBatch(ctx, packets)
	require.NoError(t, err)

	require.NoError(t, s.CloseSession(ctx, sessionID, 200))
	return sessionID
}

func TestGetProtocolStatistics(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()
	sessionID := seedStatsSession(t, s, clock)

	stats, err := s.GetProtocolStatistics(ctx, store.StatsQuery{SessionID: sessionID})
	require.NoError(t, err)
	require.Equal(t, int64(3), stats.TotalPackets)
	require.Equal(t, int64(448), stats.TotalBytes)
	require.Equal(t, int64(2), stats.ProtocolCounts[model.ProtocolTCP])
	require.Equal(t, int64(1), stats.ProtocolCounts[model.ProtocolUDP])
	require.Equal(t, int64(320), stats.ProtocolBytes[model.ProtocolTCP])
	require.Equal(t, int64(128), stats.ProtocolBytes[model.ProtocolUDP])
	require.Equal(t, float64(110), stats.TimeRange.Start)
	require.Equal(t, float64(130), stats.TimeRange.End)
}

func TestGetProtocolStatisticsTimeWindow(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()
	seedStatsSession(t, s, clock)

	stats, err := s.GetProtocolStatistics(ctx, store.StatsQuery{StartTime: 115, EndTime: 125})
	require.NoError(t, err)
	require.Equal(t, int64(1), stats.TotalPackets)
	require.Equal(t, int64(160), stats.TotalBytes)

	// An empty window yields zeroes with usable maps, not nil.
	empty, err := s.GetProtocolStatistics(ctx, store.StatsQuery{StartTime: 300, EndTime: 400})
	require.NoError(t, err)
	require.Zero(t, empty.TotalPackets)
	require.Zero(t, empty.TotalBytes)
	require.NotNil(t, empty.ProtocolCounts)
	require.NotNil(t, empty.ProtocolBytes)
	require.Zero(t, empty.TimeRange)
}

func TestGetProtocolStatisticsMissingSession(t *testing.T) {
	s, _ := newTestStore(t)

	stats, err := s.GetProtocolStatistics(context.Background(), store.StatsQuery{SessionID: 9999})
	require.NoError(t, err)
	require.Zero(t, stats.TotalPackets)
	require.NotNil(t, stats.ProtocolCounts)
}

func TestGetProtocolStatisticsIncludesWindowFallback(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()
	sessionID := seedStatsSession(t, s, clock)

	// Untagged packet inside the session window counts toward the
	// session's statistics, same rule as correlation.
	_, err := s.SavePacket(ctx, testPacket(150, "10.0.0.7", "10.0.0.8", model.ProtocolICMP, 84))
	require.NoError(t, err)

	stats, err := s.GetProtocolStatistics(ctx, store.StatsQuery{SessionID: sessionID})
	require.NoError(t, err)
	require.Equal(t, int64(4), stats.TotalPackets)
	require.Equal(t, int64(1), stats.ProtocolCounts[model.ProtocolICMP])
}

func TestProtocolProjections(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()
	sessionID := seedStatsSession(t, s, clock)

	counts, err := s.GetProtocolCounts(ctx, store.StatsQuery{SessionID: sessionID})
	require.NoError(t, err)
	require.Equal(t, map[string]int64{model.ProtocolTCP: 2, model.ProtocolUDP: 1}, counts)

	bytes, err := s.GetProtocolBytes(ctx, store.StatsQuery{SessionID: sessionID})
	require.NoError(t, err)
	require.Equal(t, map[string]int64{model.ProtocolTCP: 320, model.ProtocolUDP: 128}, bytes)
}

func TestRepairAndVerifySessionCounters(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()
	sessionID := seedStatsSession(t, s, clock)

	// Sabotage the denormalized counters.
	require.NoError(t, s.UpdateSession(ctx, sessionID, 99, 99999))

	drifts, err := s.VerifySessionCounters(ctx)
	require.NoError(t, err)
	require.Len(t, drifts, 1)
	require.Equal(t, sessionID, drifts[0].SessionID)
	require.Equal(t, int64(99), drifts[0].StoredPackets)
	require.Equal(t, int64(3), drifts[0].ActualPackets)

	require.NoError(t, s.RepairSessionCounters(ctx, sessionID))

	sess, err := s.GetSession(ctx, sessionID)
	require.NoError(t, err)
	require.Equal(t, int64(3), sess.PacketCount)
	require.Equal(t, int64(448), sess.TotalBytes)

	drifts, err = s.VerifySessionCounters(ctx)
	require.NoError(t, err)
	require.Empty(t, drifts)

	// Repairing a session that does not exist is a no-op.
	require.NoError(t, s.RepairSessionCounters(ctx, 9999))
}

func TestRepairSessionCountersDuringSaves(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	sessionID, err := s.CreateSession(ctx, "busy")
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 50; i++ {
			p := testPacket(float64(100+i), "10.0.0.1", "10.0.0.2", model.ProtocolTCP, 60)
			p.SessionID = sessionID
			if _, err := s.SavePacket(ctx, p); err != nil {
				t.Error(err)
				return
			}
		}
	}()

	for i := 0; i < 20; i++ {
		require.NoError(t, s.RepairSessionCounters(ctx, sessionID))
	}
	<-done

	// Whatever the interleaving, a repair recomputing against a stale
	// snapshot must not overwrite a save's counter bump.
	drifts, err := s.VerifySessionCounters(ctx)
	require.NoError(t, err)
	require.Empty(t, drifts)

	sess, err := s.GetSession(ctx, sessionID)
	require.NoError(t, err)
	require.Equal(t, int64(50), sess.PacketCount)
}

func TestStatisticsHistory(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()
	clock.now = 100

	err := s.RecordStatistics(ctx, "protocol_counts",
		map[string]float64{"TCP": 2, "UDP": 1}, 100)
	require.NoError(t, err)
	err = s.RecordStatistics(ctx, "protocol_counts",
		map[string]float64{"TCP": 5}, 200)
	require.NoError(t, err)
	err = s.RecordStatistics(ctx, "capture_rate",
		map[string]float64{"pps": 120.5}, 200)
	require.NoError(t, err)

	// Empty metric sets write nothing.
	require.NoError(t, s.RecordStatistics(ctx, "protocol_counts", nil, 300))

	records, err := s.GetStatistics(ctx, "protocol_counts", 0, 0)
	require.NoError(t, err)
	require.Len(t, records, 3)
	// Newest first.
	require.Equal(t, float64(5), records[0].MetricValue)
	require.Equal(t, "TCP", records[0].MetricName)

	windowed, err := s.GetStatistics(ctx, "protocol_counts", 150, 250)
	require.NoError(t, err)
	require.Len(t, windowed, 1)
	require.Equal(t, "TCP", windowed[0].MetricName)

	other, err := s.GetStatistics(ctx, "capture_rate", 0, 0)
	require.NoError(t, err)
	require.Len(t, other, 1)
	require.Equal(t, 120.5, other[0].MetricValue)
	require.False(t, other[0].RecordedAt.IsZero())
}
