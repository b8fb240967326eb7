package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/pktvault/pktvault/pkg/ingest"
)

// import command flags
var (
	importName   string
	importFilter string
	importBatch  int
)

var importCmd = &cobra.Command{
	Use:     "import <pcap-file>",
	Short:   "Import a pcap/pcapng file as a new session",
	GroupID: "data",
	Example: `  pktvault import capture.pcap
  pktvault import capture.pcap --name "office wifi"
  pktvault import capture.pcap -f "tcp port 443"`,
	Args: cobra.ExactArgs(1),
	RunE: runImport,
}

func runImport(cmd *cobra.Command, args []string) error {
	s, err := openStore()
	if err != nil {
		return err
	}
	defer s.Close()

	result, err := ingest.Import(cmd.Context(), s, ingest.ImportConfig{
		PcapPath:    args[0],
		SessionName: importName,
		BPFFilter:   importFilter,
		BatchSize:   importBatch,
		Logger:      log,
		ProgressCallback: func(processed int, elapsed time.Duration) {
			fmt.Printf("\r%d packets in %s", processed, formatDuration(elapsed))
		},
	})
	if err != nil {
		return err
	}

	fmt.Printf("\rImported session %d: %d packets (%d bytes) in %s\n",
		result.SessionID, result.TotalSaved, result.TotalBytes,
		formatDuration(result.Duration))
	if result.Duplicates > 0 {
		fmt.Printf("Skipped %d packets already stored\n", result.Duplicates)
	}
	return nil
}

func init() {
	importCmd.Flags().StringVar(&importName, "name", "", "Session name (defaults to the file name)")
	importCmd.Flags().StringVarP(&importFilter, "bpf", "f", "", "BPF capture filter expression")
	importCmd.Flags().IntVar(&importBatch, "batch", 1000, "Packets per batch commit")
}
