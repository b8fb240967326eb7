package cmd

import (
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/pktvault/pktvault/pkg/store"
)

// stats command flags
var (
	statsSession int64
	statsStart   float64
	statsEnd     float64
	statsRecord  bool
)

var statsCmd = &cobra.Command{
	Use:     "stats",
	Short:   "Protocol statistics",
	GroupID: "data",
	Example: `  pktvault stats
  pktvault stats -s 3
  pktvault stats --start 1700000000 --end 1700003600
  pktvault stats -s 3 --record`,
	RunE: runStats,
}

// history subcommand flags
var (
	historyType  string
	historyStart float64
	historyEnd   float64
)

var statsHistoryCmd = &cobra.Command{
	Use:     "history",
	Short:   "Show recorded statistics snapshots",
	Example: `  pktvault stats history
  pktvault stats history --type protocol_bytes`,
	RunE: runStatsHistory,
}

func runStats(cmd *cobra.Command, args []string) error {
	s, err := openStore()
	if err != nil {
		return err
	}
	defer s.Close()

	ctx := cmd.Context()
	stats, err := s.GetProtocolStatistics(ctx, store.StatsQuery{
		SessionID: statsSession,
		StartTime: statsStart,
		EndTime:   statsEnd,
	})
	if err != nil {
		return err
	}

	fmt.Printf("Total: %d packets, %d bytes\n", stats.TotalPackets, stats.TotalBytes)
	if stats.TimeRange.Start != 0 {
		fmt.Printf("Range: %s - %s\n",
			formatUnix(stats.TimeRange.Start), formatUnix(stats.TimeRange.End))
	}
	fmt.Println()

	protocols := make([]string, 0, len(stats.ProtocolCounts))
	for proto := range stats.ProtocolCounts {
		protocols = append(protocols, proto)
	}
	sort.Strings(protocols)

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PROTOCOL\tPACKETS\tBYTES\t%")
	for _, proto := range protocols {
		count := stats.ProtocolCounts[proto]
		pct := 0.0
		if stats.TotalPackets > 0 {
			pct = float64(count) / float64(stats.TotalPackets) * 100
		}
		fmt.Fprintf(w, "%s\t%d\t%d\t%.1f\n",
			proto, count, stats.ProtocolBytes[proto], pct)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	if statsRecord {
		counts := make(map[string]float64, len(stats.ProtocolCounts))
		bytes := make(map[string]float64, len(stats.ProtocolBytes))
		for proto, n := range stats.ProtocolCounts {
			counts[proto] = float64(n)
		}
		for proto, n := range stats.ProtocolBytes {
			bytes[proto] = float64(n)
		}
		if err := s.RecordStatistics(ctx, "protocol_counts", counts, 0); err != nil {
			return err
		}
		if err := s.RecordStatistics(ctx, "protocol_bytes", bytes, 0); err != nil {
			return err
		}
		fmt.Println("\nsnapshot recorded")
	}
	return nil
}

func runStatsHistory(cmd *cobra.Command, args []string) error {
	s, err := openStore()
	if err != nil {
		return err
	}
	defer s.Close()

	records, err := s.GetStatistics(cmd.Context(), historyType, historyStart, historyEnd)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tRECORDED\tTYPE\tMETRIC\tVALUE")
	for _, rec := range records {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%g\n",
			rec.ID, rec.RecordedAt.Local().Format("2006-01-02 15:04:05"),
			rec.StatType, rec.MetricName, rec.MetricValue)
	}
	return w.Flush()
}

func init() {
	statsCmd.Flags().Int64VarP(&statsSession, "session", "s", 0, "Restrict to a session id")
	statsCmd.Flags().Float64Var(&statsStart, "start", 0, "Window start (Unix timestamp)")
	statsCmd.Flags().Float64Var(&statsEnd, "end", 0, "Window end (Unix timestamp)")
	statsCmd.Flags().BoolVar(&statsRecord, "record", false, "Record the result as a history snapshot")

	statsHistoryCmd.Flags().StringVar(&historyType, "type", "protocol_counts", "Snapshot type")
	statsHistoryCmd.Flags().Float64Var(&historyStart, "start", 0, "Window start (Unix timestamp)")
	statsHistoryCmd.Flags().Float64Var(&historyEnd, "end", 0, "Window end (Unix timestamp)")

	statsCmd.AddCommand(statsHistoryCmd)
}
