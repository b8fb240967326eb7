package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/pktvault/pktvault/pkg/filter"
	"github.com/pktvault/pktvault/pkg/store"
)

// packets command flags
var (
	packetsSession  int64
	packetsProtocol string
	packetsIP       string
	packetsDisplay  string
	packetsLimit    int
	packetsOffset   int
	packetsHex      bool
)

var packetsCmd = &cobra.Command{
	Use:     "packets",
	Short:   "Query stored packets",
	GroupID: "data",
	Example: `  pktvault packets -s 3
  pktvault packets --proto UDP --limit 20
  pktvault packets -Y 'tcp && port == 443'
  pktvault packets --ip 10.0.0.5 -x`,
	RunE: runPackets,
}

func runPackets(cmd *cobra.Command, args []string) error {
	var display *filter.Filter
	if packetsDisplay != "" {
		var err error
		display, err = filter.Compile(packetsDisplay)
		if err != nil {
			return err
		}
	}

	s, err := openStore()
	if err != nil {
		return err
	}
	defer s.Close()

	packets, err := s.GetPackets(cmd.Context(), store.Filter{
		SessionID: packetsSession,
		Protocol:  packetsProtocol,
		IP:        packetsIP,
		Limit:     packetsLimit,
		Offset:    packetsOffset,
	})
	if err != nil {
		return err
	}
	if display != nil {
		packets = display.Apply(packets)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSESSION\tTIME\tSRC\tDST\tPROTO\tLEN")
	for _, p := range packets {
		session := "-"
		if p.SessionID != 0 {
			session = fmt.Sprintf("%d", p.SessionID)
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\t%d\n",
			p.ID, session, formatUnix(p.Timestamp),
			endpoint(p.SrcIP, p.SrcPort), endpoint(p.DstIP, p.DstPort),
			p.Protocol, p.Length)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	if packetsHex {
		for _, p := range packets {
			if len(p.RawData) == 0 {
				continue
			}
			fmt.Printf("\nPacket %d:\n", p.ID)
			printHex(p.RawData)
		}
	}
	return nil
}

// printHex writes a classic offset/hex/ascii dump.
func printHex(data []byte) {
	for off := 0; off < len(data); off += 16 {
		end := off + 16
		if end > len(data) {
			end = len(data)
		}
		line := data[off:end]

		fmt.Printf("%04x  ", off)
		for i := 0; i < 16; i++ {
			if i < len(line) {
				fmt.Printf("%02x ", line[i])
			} else {
				fmt.Print("   ")
			}
			if i == 7 {
				fmt.Print(" ")
			}
		}
		fmt.Print(" ")
		for _, b := range line {
			if b >= 0x20 && b < 0x7f {
				fmt.Printf("%c", b)
			} else {
				fmt.Print(".")
			}
		}
		fmt.Println()
	}
}

func init() {
	packetsCmd.Flags().Int64VarP(&packetsSession, "session", "s", 0, "Restrict to a session id")
	packetsCmd.Flags().StringVar(&packetsProtocol, "proto", "", "Protocol filter (TCP, UDP, ICMP)")
	packetsCmd.Flags().StringVar(&packetsIP, "ip", "", "Match either endpoint address")
	packetsCmd.Flags().StringVarP(&packetsDisplay, "filter", "Y", "", "Display filter expression")
	packetsCmd.Flags().IntVar(&packetsLimit, "limit", 50, "Maximum rows to return")
	packetsCmd.Flags().IntVar(&packetsOffset, "offset", 0, "Rows to skip")
	packetsCmd.Flags().BoolVarP(&packetsHex, "hex", "x", false, "Show hex dump of raw packet data")
}
