package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"firestige.xyz/wiretap/internal/daemon"
)

// daemonCmd represents the daemon command
var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the wiretap daemon in foreground",
	Long: `Run the wiretap daemon process in foreground.

The daemon will:
  1. Load configuration from the config file (defaults when none is given)
  2. Initialize logging and metrics
  3. Attach the configured sinks to the event bus
  4. Start the UDS server for CLI control
  5. Start the Kafka command consumer (if configured)
  6. Handle signals for graceful shutdown (SIGTERM, SIGINT) and reload (SIGHUP)`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDaemon(cmd.OutOrStdout())
	},
}

var daemonStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop a running daemon",
	Long: `Ask the daemon to shut down over its control socket. When the socket is
unreachable the process named in the PID file is sent SIGTERM instead.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newClient()
		if err != nil {
			return err
		}
		return runDaemonStop(cmd.Context(), client, resolvePIDFile(), stopTimeout, cmd.OutOrStdout())
	},
}

var daemonStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newClient()
		if err != nil {
			return err
		}
		return runDaemonStatus(cmd.Context(), client, cmd.OutOrStdout())
	},
}

var (
	pidFile     string
	stopTimeout time.Duration
)

func init() {
	daemonCmd.PersistentFlags().StringVarP(&pidFile, "pidfile", "p", "",
		"PID file path (default: control.pid_file from config)")
	daemonStopCmd.Flags().DurationVar(&stopTimeout, "wait", 10*time.Second,
		"how long to wait for the daemon to exit after SIGTERM")

	daemonCmd.AddCommand(daemonStopCmd, daemonStatusCmd)
	rootCmd.AddCommand(daemonCmd)
}

func runDaemon(out io.Writer) error {
	fmt.Fprintln(out, "Starting wiretap daemon...")
	if configFile != "" {
		fmt.Fprintf(out, "Config: %s\n", configFile)
	}

	d, err := daemon.New(configFile, socketPath, pidFile)
	if err != nil {
		return fmt.Errorf("failed to create daemon: %w", err)
	}
	fmt.Fprintf(out, "Socket: %s\n", d.SocketPath())

	if err := d.Start(); err != nil {
		return fmt.Errorf("failed to start daemon: %w", err)
	}

	// blocks until shutdown
	return d.Run()
}

// resolvePIDFile returns --pidfile, falling back to the configured path.
func resolvePIDFile() string {
	if pidFile != "" {
		return pidFile
	}
	cfg, err := loadConfig()
	if err != nil {
		return ""
	}
	return cfg.Control.PIDFile
}

func runDaemonStop(ctx context.Context, client Client, pidPath string, wait time.Duration, out io.Writer) error {
	if err := client.DaemonShutdown(ctx); err == nil {
		fmt.Fprintln(out, "✓ Daemon shutting down")
		return nil
	} else if pidPath == "" {
		return fmt.Errorf("failed to reach daemon: %w", err)
	}

	err := daemon.StopByPID(pidPath, wait)
	switch {
	case errors.Is(err, daemon.ErrNotRunning):
		fmt.Fprintln(out, "Daemon is not running")
		return nil
	case err != nil:
		return fmt.Errorf("failed to stop daemon: %w", err)
	}
	fmt.Fprintln(out, "✓ Daemon stopped")
	return nil
}

func runDaemonStatus(ctx context.Context, client Client, out io.Writer) error {
	st, err := client.DaemonStatus(ctx)
	if err != nil {
		return fmt.Errorf("failed to query daemon: %w", err)
	}
	fmt.Fprintf(out, "Version:    %s\n", st.Version)
	fmt.Fprintf(out, "PID:        %d\n", st.PID)
	fmt.Fprintf(out, "Uptime:     %s\n", (time.Duration(st.UptimeSec) * time.Second).String())
	fmt.Fprintf(out, "Session:    %s\n", st.State)
	if st.SessionID != "" {
		fmt.Fprintf(out, "            %s on %s\n", st.SessionID, st.Interface)
	}
	return nil
}
