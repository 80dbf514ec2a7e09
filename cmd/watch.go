package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"firestige.xyz/wiretap/internal/config"
	"firestige.xyz/wiretap/internal/eventbus"
	"firestige.xyz/wiretap/internal/sink/console"
)

var (
	watchStatusOnly bool
	watchDump       bool
	watchNoColor    bool
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream the daemon's capture events",
	Long: `Print packets and session status changes from the daemon as they happen.
Press Ctrl-C to stop watching; the capture itself keeps running.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newClient()
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		cfg := config.ConsoleSinkConfig{Enabled: true, Color: !watchNoColor, Dump: watchDump}
		return runWatch(ctx, client, cfg, watchStatusOnly, cmd.OutOrStdout())
	},
}

func init() {
	watchCmd.Flags().BoolVar(&watchStatusOnly, "status-only", false, "show status changes only")
	watchCmd.Flags().BoolVar(&watchDump, "dump", false, "print the layer tree and hex dump of each frame")
	watchCmd.Flags().BoolVar(&watchNoColor, "no-color", false, "disable colored output")
	rootCmd.AddCommand(watchCmd)
}

func runWatch(ctx context.Context, client Client, cfg config.ConsoleSinkConfig, statusOnly bool, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	printer := console.NewSink(out, cfg)
	defer printer.Close()

	var topics []eventbus.Topic
	if statusOnly {
		topics = []eventbus.Topic{eventbus.TopicStatus}
	}

	err := client.Subscribe(ctx, topics, nil, printer.Handle)
	if err == nil || errors.Is(err, context.Canceled) {
		return nil
	}
	return fmt.Errorf("event stream: %w", err)
}
