package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/pktvault/pktvault/pkg/model"
)

var sessionsCmd = &cobra.Command{
	Use:     "sessions",
	Short:   "Manage capture sessions",
	GroupID: "data",
}

var sessionsListCmd = &cobra.Command{
	Use:     "list",
	Short:   "List capture sessions",
	Example: `  pktvault sessions list`,
	RunE:    runSessionsList,
}

var sessionsShowCmd = &cobra.Command{
	Use:     "show <session-id>",
	Short:   "Show one session with its packets",
	Example: `  pktvault sessions show 3`,
	Args:    cobra.ExactArgs(1),
	RunE:    runSessionsShow,
}

var sessionsCloseCmd = &cobra.Command{
	Use:   "close <session-id>",
	Short: "Close an open session",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionsClose,
}

var sessionsRepairCmd = &cobra.Command{
	Use:   "repair <session-id>",
	Short: "Recompute a session's packet and byte counters",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionsRepair,
}

func runSessionsList(cmd *cobra.Command, args []string) error {
	s, err := openStore()
	if err != nil {
		return err
	}
	defer s.Close()

	sessions, err := s.GetSessions(cmd.Context())
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tSTART\tEND\tPACKETS\tBYTES")
	for _, sess := range sessions {
		end := "open"
		if !sess.Open() {
			end = formatUnix(sess.EndTime)
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%d\t%d\n",
			sess.ID, sess.Name, formatUnix(sess.StartTime), end,
			sess.PacketCount, sess.TotalBytes)
	}
	return w.Flush()
}

func runSessionsShow(cmd *cobra.Command, args []string) error {
	sessionID, err := parseID(args[0])
	if err != nil {
		return err
	}

	s, err := openStore()
	if err != nil {
		return err
	}
	defer s.Close()

	ctx := cmd.Context()
	sess, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}

	end := "open"
	if !sess.Open() {
		end = formatUnix(sess.EndTime)
	}
	fmt.Printf("Session %d: %s\n", sess.ID, sess.Name)
	fmt.Printf("  Window:  %s - %s\n", formatUnix(sess.StartTime), end)
	fmt.Printf("  Packets: %d (%d bytes)\n\n", sess.PacketCount, sess.TotalBytes)

	matches, err := s.ResolveSession(ctx, sessionID)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTIME\tSRC\tDST\tPROTO\tLEN\tMATCH")
	for _, m := range matches {
		p := m.Packet
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%d\t%s\n",
			p.ID, formatUnix(p.Timestamp),
			endpoint(p.SrcIP, p.SrcPort), endpoint(p.DstIP, p.DstPort),
			p.Protocol, p.Length, m.Tier)
	}
	return w.Flush()
}

func runSessionsClose(cmd *cobra.Command, args []string) error {
	sessionID, err := parseID(args[0])
	if err != nil {
		return err
	}

	s, err := openStore()
	if err != nil {
		return err
	}
	defer s.Close()

	now := model.TimeToFloat(time.Now())
	if err := s.CloseSession(cmd.Context(), sessionID, now); err != nil {
		return err
	}
	fmt.Printf("session %d closed\n", sessionID)
	return nil
}

func runSessionsRepair(cmd *cobra.Command, args []string) error {
	sessionID, err := parseID(args[0])
	if err != nil {
		return err
	}

	s, err := openStore()
	if err != nil {
		return err
	}
	defer s.Close()

	ctx := cmd.Context()
	if err := s.RepairSessionCounters(ctx, sessionID); err != nil {
		return err
	}
	sess, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	fmt.Printf("session %d: %d packets, %d bytes\n",
		sess.ID, sess.PacketCount, sess.TotalBytes)
	return nil
}

func init() {
	sessionsCmd.AddCommand(sessionsListCmd)
	sessionsCmd.AddCommand(sessionsShowCmd)
	sessionsCmd.AddCommand(sessionsCloseCmd)
	sessionsCmd.AddCommand(sessionsRepairCmd)
}
