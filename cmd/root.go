// Package cmd implements CLI commands using cobra framework.
package cmd

import (
	"time"

	"github.com/spf13/cobra"

	"firestige.xyz/wiretap/internal/config"
	"firestige.xyz/wiretap/internal/daemon"
)

var (
	// Global flags
	configFile string
	socketPath string
	rpcTimeout time.Duration
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "wiretap",
	Short: "wiretap - live packet capture sessions driven by tcpdump",
	Long: `wiretap runs tcpdump on a network interface, parses its text output into
structured packet summaries and streams them, with a synthetic link-layer frame
for each packet, to observers.

Features:
  - One capture session at a time, with an explicit state machine
  - Privilege elevation through sudo with an interactive password exchange
  - Local control: CLI via Unix Domain Socket, live event streaming
  - Remote control: Kafka command subscription
  - Sinks: console printer, Kafka exporter; Prometheus metrics`,
	Version:       daemon.Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "",
		"config file path (defaults apply when empty)")
	rootCmd.PersistentFlags().StringVarP(&socketPath, "socket", "s", "",
		"daemon socket path (default: control.socket from config)")
	rootCmd.PersistentFlags().DurationVar(&rpcTimeout, "timeout", 10*time.Second,
		"daemon request timeout")
}

// loadConfig loads the --config file, or defaults when none is given.
func loadConfig() (*config.GlobalConfig, error) {
	if configFile == "" {
		return config.Default()
	}
	return config.Load(configFile)
}

// resolveSocket returns --socket, falling back to the configured socket.
func resolveSocket() (string, error) {
	if socketPath != "" {
		return socketPath, nil
	}
	cfg, err := loadConfig()
	if err != nil {
		return "", err
	}
	return cfg.Control.Socket, nil
}
