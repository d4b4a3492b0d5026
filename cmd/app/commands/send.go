package commands

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"landrop/internal/models"
	"landrop/internal/transfer"
)

var sendCmd = &cobra.Command{
	Use:   "send <host:port> <file>",
	Short: "Send a file to a peer's transfer server",
	Args:  cobra.ExactArgs(2),
	RunE:  runSend,
}

func init() {
	sendCmd.Flags().Duration("timeout", 0, "Give up after this long (0 waits for the transfer)")
}

func runSend(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	host, portStr, err := net.SplitHostPort(args[0])
	if err != nil {
		return fmt.Errorf("peer address %q: %w", args[0], err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return fmt.Errorf("peer port %q is not valid", portStr)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if timeout, _ := cmd.Flags().GetDuration("timeout"); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	client := transfer.NewClient(cfg, nil)

	// The address we dialed is the one that works; the peer's own idea of
	// its IP is only informational.
	peer := models.Device{Name: args[0], Address: host, Port: port}
	infoCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout+5*time.Second)
	if info, err := client.FetchInfo(infoCtx, args[0]); err == nil {
		peer.ID = info.DeviceID
		peer.Name = info.DeviceName
	}
	cancel()

	tty := term.IsTerminal(int(os.Stdout.Fd()))
	rec, err := client.SendPath(ctx, peer, args[1], progressPrinter(tty))
	if tty {
		fmt.Println()
	}
	if err != nil {
		return err
	}
	fmt.Printf("Sent %s to %s (file id %s)\n", rec.FileName, rec.DeviceName, rec.FileID)
	return nil
}

// progressPrinter redraws one status line on a terminal and prints phase
// changes otherwise.
func progressPrinter(tty bool) transfer.ProgressFunc {
	var phase string
	return func(p transfer.Progress) {
		if !tty {
			if p.Phase != phase {
				phase = p.Phase
				fmt.Printf("%s\n", p.Phase)
			}
			return
		}
		switch {
		case p.Phase == transfer.PhaseUploading && p.Percent >= 0:
			fmt.Printf("\r  %-10s %3d%%  %d/%d bytes", p.Phase, p.Percent, p.Sent, p.Total)
		case p.Phase == transfer.PhaseUploading:
			fmt.Printf("\r  %-10s %d bytes", p.Phase, p.Sent)
		default:
			fmt.Printf("\r  %-10s%-30s", p.Phase, "")
		}
	}
}
