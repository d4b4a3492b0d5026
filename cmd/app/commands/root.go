package commands

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"landrop/internal/config"
)

var (
	// Version is set at build time
	Version = "dev"
	// Commit is set at build time
	Commit = "none"
)

var rootCmd = &cobra.Command{
	Use:   "landrop",
	Short: "Find devices on the LAN and push files to them",
	Long: `landrop announces this device over UDP broadcast, keeps a list of the peers
it hears, and exchanges files with them over plain HTTP.

Settings come from .env and LANDROP_* variables; flags override both.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().String("env", ".env", "Environment file to load")
	rootCmd.PersistentFlags().String("name", "", "Device name (defaults to hostname)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(peersCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("landrop\n")
		fmt.Printf("  Version:  %s\n", Version)
		fmt.Printf("  Commit:   %s\n", Commit)
		fmt.Printf("  Platform: %s/%s\n", runtime.GOOS, runtime.GOARCH)
	},
}

// loadConfig resolves the config for a command: env file, then LANDROP_*
// variables, then any flag the user actually set.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	envFile, _ := cmd.Flags().GetString("env")
	cfg, err := config.Load(envFile)
	if err != nil {
		return config.Config{}, err
	}

	if name, _ := cmd.Flags().GetString("name"); name != "" {
		cfg.DeviceName = name
	}
	if f := cmd.Flags().Lookup("port"); f != nil && f.Changed {
		cfg.HTTPPort, _ = cmd.Flags().GetInt("port")
	}
	if f := cmd.Flags().Lookup("discovery-port"); f != nil && f.Changed {
		cfg.DiscoveryPort, _ = cmd.Flags().GetInt("discovery-port")
	}
	if f := cmd.Flags().Lookup("dir"); f != nil && f.Changed {
		cfg.DownloadDir, _ = cmd.Flags().GetString("dir")
	}
	if f := cmd.Flags().Lookup("mdns"); f != nil && f.Changed {
		cfg.MDNS, _ = cmd.Flags().GetBool("mdns")
	}
	return cfg, cfg.Validate()
}
