// Package cmd provides the CLI commands for pktvault using Cobra.
package cmd

import (
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/pktvault/pktvault/internal/config"
	"github.com/pktvault/pktvault/internal/logging"
	"github.com/pktvault/pktvault/pkg/store/sqlite"
)

// Version is set at build time via -ldflags.
var Version = "dev"

// root flags
var (
	configPath string
	dbPath     string
	logLevel   string
)

// Resolved during PersistentPreRunE, available to every command.
var (
	cfg *config.Config
	log *logrus.Logger
)

var rootCmd = &cobra.Command{
	Use:   "pktvault",
	Short: "Packet capture store with session correlation",
	Long: `PktVault persists captured packets in SQLite and keeps them
correlated with capture sessions:

  - Deduplicated packet storage with per-session counters
  - Two-tier session correlation (direct tag, time-window fallback)
  - Protocol statistics with append-only history
  - Retention cleanup, duplicate sweeps, and counter repair

Examples:
  pktvault import capture.pcap                  # Import a pcap file
  pktvault sessions list                        # List capture sessions
  pktvault packets -s 3 -Y 'tcp && port == 443' # Filter a session's packets
  pktvault stats -s 3                           # Protocol breakdown
  pktvault db cleanup --retention 30            # Drop data older than 30 days`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		if dbPath != "" {
			cfg.Database.Path = dbPath
		}
		if logLevel != "" {
			cfg.Log.Level = logLevel
		}
		log = logging.New(cfg.Log)
		return nil
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		if log != nil {
			log.Error(err)
		} else {
			os.Stderr.WriteString(err.Error() + "\n")
		}
		os.Exit(1)
	}
}

// openStore opens the configured database.
func openStore() (*sqlite.Store, error) {
	return sqlite.Open(sqlite.Config{
		Path:   cfg.Database.Path,
		Logger: log,
	})
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file path")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "Database file path (overrides config)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")

	rootCmd.AddGroup(
		&cobra.Group{ID: "data", Title: "Data Commands:"},
		&cobra.Group{ID: "maintenance", Title: "Maintenance Commands:"},
	)

	rootCmd.AddCommand(sessionsCmd)
	rootCmd.AddCommand(packetsCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(importCmd)
	rootCmd.AddCommand(dbCmd)
}
