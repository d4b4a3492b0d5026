package commands

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"landrop/internal/api"
	"landrop/internal/config"
	"landrop/internal/discovery"
	"landrop/internal/events"
	"landrop/internal/registry"
	"landrop/internal/storage"
	"landrop/internal/transfer"
	"landrop/pkg/utils"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Announce this device and receive files",
	Long: `Start the transfer server and peer discovery, then run until interrupted.

Received files are stored under the download directory and listed at
/api/files. Discovery failing to start is reported but does not stop the
server; peers can still reach it directly.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntP("port", "p", config.DefaultHTTPPort, "HTTP port for the transfer server (0 picks a free one)")
	serveCmd.Flags().Int("discovery-port", config.DefaultDiscoveryPort, "UDP discovery port")
	serveCmd.Flags().String("dir", "", "Directory for received files")
	serveCmd.Flags().Bool("mdns", false, "Also advertise and browse over mDNS")
	serveCmd.Flags().StringSlice("seed", nil, "Extra unicast discovery targets (host:port)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	store, err := storage.NewStore(cfg.DownloadDir)
	if err != nil {
		return err
	}
	store.SetChunkSize(cfg.ChunkSize)

	localIP := utils.GetLocalIP()
	reg := registry.New()
	bus := events.NewBus()

	apiServer := api.NewServer(cfg, store, reg, bus, localIP)
	apiServer.SetTransfer(transfer.NewClient(cfg, bus))
	if err := apiServer.Start(); err != nil {
		return err
	}

	disc := discovery.NewService(discovery.Config{
		DeviceID:   cfg.DeviceID,
		DeviceName: cfg.DeviceName,
		HTTPPort:   apiServer.Port(),
		Port:       cfg.DiscoveryPort,
		Interval:   cfg.BroadcastInt,
		MDNS:       cfg.MDNS,
	}, reg, bus)
	seeds, _ := cmd.Flags().GetStringSlice("seed")
	for _, seed := range seeds {
		if err := disc.AddSeedPeer(seed); err != nil {
			log.Printf("[WARN] %v", err)
		}
	}

	discovering := true
	if err := disc.Start(); err != nil {
		log.Printf("[WARN] discovery unavailable, serving without it: %v", err)
		discovering = false
	} else {
		apiServer.SetDiscovery(disc)
		go disc.Burst()
	}

	printBanner(cfg, localIP, apiServer.Port(), discovering)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	log.Println("[INFO] shutting down")
	if discovering {
		disc.Stop()
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return apiServer.Stop(shutdownCtx)
}

func printBanner(cfg config.Config, localIP string, port int, discovering bool) {
	disc := fmt.Sprintf("udp/%d", cfg.DiscoveryPort)
	if !discovering {
		disc = "off"
	}
	fmt.Printf("\n")
	fmt.Printf("╔══════════════════════════════════════════════════════╗\n")
	fmt.Printf("║                 landrop  - Ready!                    ║\n")
	fmt.Printf("╠══════════════════════════════════════════════════════╣\n")
	fmt.Printf("║  Device   : %-40s║\n", cfg.DeviceName)
	fmt.Printf("║  Local IP : %-40s║\n", localIP)
	fmt.Printf("║  Transfer : %-40s║\n", fmt.Sprintf("http://%s:%d", localIP, port))
	fmt.Printf("║  Discovery: %-40s║\n", disc)
	fmt.Printf("║  Received : %-40s║\n", cfg.DownloadDir)
	fmt.Printf("╚══════════════════════════════════════════════════════╝\n\n")
}
