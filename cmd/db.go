package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var dbCmd = &cobra.Command{
	Use:     "db",
	Short:   "Database maintenance",
	GroupID: "maintenance",
}

var dbInfoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show database path, size, and row counts",
	RunE:  runDBInfo,
}

// cleanup flags
var cleanupRetention int

var dbCleanupCmd = &cobra.Command{
	Use:     "cleanup",
	Short:   "Delete data past the retention window",
	Example: `  pktvault db cleanup
  pktvault db cleanup --retention 7`,
	RunE: runDBCleanup,
}

// dedup flags
var dedupDryRun bool

var dbDedupCmd = &cobra.Command{
	Use:   "dedup",
	Short: "Remove duplicate packet rows",
	Long: `Find groups of packets sharing the same timestamp, endpoints,
protocol, and length, and delete all but the first row of each group.
The database file is backed up before anything is deleted.`,
	Example: `  pktvault db dedup --dry-run
  pktvault db dedup`,
	RunE: runDBDedup,
}

var dbBackfillCmd = &cobra.Command{
	Use:   "backfill",
	Short: "Assign untagged packets to sessions by time window",
	RunE:  runDBBackfill,
}

var dbVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Check counters and dedup invariants",
	RunE:  runDBVerify,
}

func runDBInfo(cmd *cobra.Command, args []string) error {
	s, err := openStore()
	if err != nil {
		return err
	}
	defer s.Close()

	info, err := s.Info(cmd.Context())
	if err != nil {
		return err
	}

	fmt.Printf("Path:       %s\n", info.Path)
	fmt.Printf("Size:       %d bytes\n", info.SizeBytes)
	fmt.Printf("Packets:    %d\n", info.PacketCount)
	fmt.Printf("Sessions:   %d\n", info.SessionCount)
	fmt.Printf("Statistics: %d\n", info.StatisticsCount)
	return nil
}

func runDBCleanup(cmd *cobra.Command, args []string) error {
	retention := cleanupRetention
	if retention <= 0 {
		retention = cfg.Database.RetentionDays
	}

	s, err := openStore()
	if err != nil {
		return err
	}
	defer s.Close()

	deleted, err := s.CleanupOldData(cmd.Context(), retention)
	if err != nil {
		return err
	}
	fmt.Printf("deleted %d packets older than %d days\n", deleted, retention)
	return nil
}

func runDBDedup(cmd *cobra.Command, args []string) error {
	s, err := openStore()
	if err != nil {
		return err
	}
	defer s.Close()

	report, err := s.DedupSweep(cmd.Context(), dedupDryRun)
	if err != nil {
		return err
	}

	if report.DryRun {
		fmt.Printf("%d duplicate groups, %d rows would be deleted\n",
			len(report.Groups), report.RowsDeleted)
		return nil
	}
	fmt.Printf("%d duplicate groups, %d rows deleted\n", len(report.Groups), report.RowsDeleted)
	if report.BackupPath != "" {
		fmt.Printf("backup written to %s\n", report.BackupPath)
	}
	return nil
}

func runDBBackfill(cmd *cobra.Command, args []string) error {
	s, err := openStore()
	if err != nil {
		return err
	}
	defer s.Close()

	assigned, err := s.BackfillSessionIDs(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Printf("assigned %d packets to sessions\n", assigned)
	return nil
}

func runDBVerify(cmd *cobra.Command, args []string) error {
	s, err := openStore()
	if err != nil {
		return err
	}
	defer s.Close()

	ctx := cmd.Context()
	clean := true

	drifts, err := s.VerifySessionCounters(ctx)
	if err != nil {
		return err
	}
	for _, d := range drifts {
		clean = false
		fmt.Printf("session %d: stored %d packets/%d bytes, actual %d/%d\n",
			d.SessionID, d.StoredPackets, d.StoredBytes, d.ActualPackets, d.ActualBytes)
	}

	groups, err := s.VerifyDedup(ctx)
	if err != nil {
		return err
	}
	for _, g := range groups {
		clean = false
		fmt.Printf("duplicate group: %d rows at %s %s -> %s (%s, %d bytes)\n",
			g.Count, formatUnix(g.Key.Timestamp), g.Key.SrcIP, g.Key.DstIP,
			g.Key.Protocol, g.Key.Length)
	}

	if clean {
		fmt.Println("ok")
	}
	return nil
}

func init() {
	dbCleanupCmd.Flags().IntVar(&cleanupRetention, "retention", 0, "Retention in days (defaults to config)")
	dbDedupCmd.Flags().BoolVar(&dedupDryRun, "dry-run", false, "Report duplicates without deleting")

	dbCmd.AddCommand(dbInfoCmd)
	dbCmd.AddCommand(dbCleanupCmd)
	dbCmd.AddCommand(dbDedupCmd)
	dbCmd.AddCommand(dbBackfillCmd)
	dbCmd.AddCommand(dbVerifyCmd)
}
