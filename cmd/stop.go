package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

var captureStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the current capture",
	Long: `Stop the daemon's capture session. Stopping when nothing is running
succeeds.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newClient()
		if err != nil {
			return err
		}
		return runCaptureStop(cmd.Context(), client, cmd.OutOrStdout())
	},
}

func init() {
	captureCmd.AddCommand(captureStopCmd)
}

func runCaptureStop(ctx context.Context, client Client, out io.Writer) error {
	if err := client.CaptureStop(ctx); err != nil {
		return fmt.Errorf("failed to stop capture: %w", err)
	}
	fmt.Fprintln(out, "✓ Capture stopped")
	return nil
}
