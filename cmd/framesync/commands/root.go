package commands

import (
	"fmt"
	"os"

	"github.com/bryanchriswhite/FrameSync/internal/config"
	"github.com/bryanchriswhite/FrameSync/internal/logger"
	"github.com/go-echarts/statsview"
	"github.com/go-echarts/statsview/viewer"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile       string
	statsviewAddr string
	rootCmd       = &cobra.Command{
		Use:   "framesync",
		Short: "FrameSync - replicated state and video between processes",
		Long: `FrameSync keeps a small animated scene in sync across processes on one
host and moves video frames between them.

The first process to start claims the sender role and publishes a
snapshot every tick; every later process becomes a receiver and shows
the sender's state, including a captured frame.

Features:
  • Automatic sender/receiver role claim
  • Fixed-size UDP snapshot replication with stale-packet rejection
  • Video source discovery and streaming over websockets
  • Texture readback and video sink with software fallback
  • Screen capture producer (X11)
  • MJPEG preview and JSON status API`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if statsviewAddr != "" {
				startStatsview(statsviewAddr)
			}
		},
	}
)

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/framesync/config.yaml)")
	rootCmd.PersistentFlags().String("log-level", "", "log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().String("claim-address", "", "TCP address whose owner is the sender")
	rootCmd.PersistentFlags().StringVar(&statsviewAddr, "statsview", "", "serve runtime charts at ADDR/debug/statsview")

	// Bind flags to viper
	viper.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("replication.claim_address", rootCmd.PersistentFlags().Lookup("claim-address"))
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// GetConfigFile returns the config file path
func GetConfigFile() string {
	return cfgFile
}

// loadConfig loads and validates the configuration and sets up logging
// from it.
func loadConfig() (*config.Manager, *config.Config, error) {
	configMgr, err := config.NewManager(GetConfigFile())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	cfg := configMgr.Get()
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	logger.Init(cfg.LogLevel, cfg.LogPretty)
	logger.WithComponent("config").Debug().
		Str("path", configMgr.GetConfigPath()).
		Str("log_level", cfg.LogLevel).
		Msg("Configuration loaded")
	return configMgr, cfg, nil
}

func startStatsview(addr string) {
	go func() {
		viewer.SetConfiguration(viewer.WithAddr(addr))
		statsview.New().Start()
	}()
	fmt.Fprintf(os.Stderr, "stats server available at http://%s/debug/statsview\n", addr)
}
