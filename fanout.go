package main

import (
	"fmt"
	"io"
	"os"

	"github.com/maxpert/fanout/cfg"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	configPath string
	dataDir    string
	nodeID     uint64
	port       int
)

var rootCmd = &cobra.Command{
	Use:          "fanout <command>",
	Short:        "Fan change-log events out to subscription clients",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config.toml", "path to the TOML configuration file")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "data directory (overrides config)")
	rootCmd.PersistentFlags().Uint64Var(&nodeID, "node-id", 0, "node ID (overrides config, 0 = derive from machine id)")
	rootCmd.PersistentFlags().IntVar(&port, "port", 0, "gateway port (overrides config)")

	rootCmd.AddCommand(serveCmd, emitCmd)
}

// loadConfig loads and validates the configuration, then sets up logging
func loadConfig() error {
	err := cfg.Load(configPath, cfg.Overrides{DataDir: dataDir, NodeID: nodeID, Port: port})
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	var writer io.Writer = zerolog.NewConsoleWriter()
	if cfg.Config.Logging.Format == "json" {
		writer = os.Stdout
	}
	gLog := zerolog.New(writer).
		With().
		Timestamp().
		Uint64("node_id", cfg.Config.NodeID).
		Logger()

	if cfg.Config.Logging.Verbose {
		log.Logger = gLog.Level(zerolog.DebugLevel)
	} else {
		log.Logger = gLog.Level(zerolog.InfoLevel)
	}
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
