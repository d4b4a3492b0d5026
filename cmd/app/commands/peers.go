package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"landrop/internal/config"
	"landrop/internal/discovery"
	"landrop/internal/models"
	"landrop/internal/registry"
)

var peersCmd = &cobra.Command{
	Use:   "peers",
	Short: "List peers announcing on the LAN",
	Long: `Listen for discovery announces for a while and print who was heard.
This device is not announced; a query asks running peers to answer at once.`,
	RunE: runPeers,
}

func init() {
	peersCmd.Flags().Duration("wait", 5*time.Second, "How long to listen")
	peersCmd.Flags().Int("discovery-port", config.DefaultDiscoveryPort, "UDP discovery port")
	peersCmd.Flags().Bool("mdns", false, "Also browse over mDNS")
}

func runPeers(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	wait, _ := cmd.Flags().GetDuration("wait")

	reg := registry.New()
	disc := discovery.NewService(discovery.Config{
		DeviceID:   cfg.DeviceID,
		DeviceName: cfg.DeviceName,
		Port:       cfg.DiscoveryPort,
		Interval:   cfg.BroadcastInt,
		ListenOnly: true,
		MDNS:       cfg.MDNS,
	}, reg, nil)
	if err := disc.Start(); err != nil {
		return err
	}
	defer disc.Stop()

	if err := disc.Burst(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	select {
	case <-ctx.Done():
	case <-time.After(wait):
	}

	peers := reg.Snapshot()
	if len(peers) == 0 {
		fmt.Println("No peers heard.")
		return nil
	}

	return printPeers(os.Stdout, peers)
}

// printPeers writes a table of peers. Peers that announced no name are shown
// by address.
func printPeers(w io.Writer, peers []models.Device) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tADDRESS\tID\tLAST SEEN")
	for _, p := range peers {
		name := p.Name
		if strings.TrimSpace(name) == "" {
			name = p.Address
		}
		fmt.Fprintf(tw, "%s\t%s:%d\t%s\t%s ago\n", name, p.Address, p.Port, p.ID, time.Since(p.LastSeen).Round(time.Second))
	}
	return tw.Flush()
}
