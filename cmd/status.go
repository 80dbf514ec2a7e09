package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"firestige.xyz/wiretap/internal/command"
)

var statusJSON bool

var captureStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the current capture session",
	Long: `Query the daemon for its capture session.

Shows: state, interface, filter, packet count, and the outstanding prompt, if any.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newClient()
		if err != nil {
			return err
		}
		return runCaptureStatus(cmd.Context(), client, statusJSON, cmd.OutOrStdout())
	},
}

func init() {
	captureStatusCmd.Flags().BoolVar(&statusJSON, "json", false, "print the raw snapshot as JSON")
	captureCmd.AddCommand(captureStatusCmd)
}

func runCaptureStatus(ctx context.Context, client Client, asJSON bool, out io.Writer) error {
	st, err := client.CaptureStatus(ctx)
	if err != nil {
		return fmt.Errorf("failed to query capture status: %w", err)
	}
	if asJSON {
		resultJSON, err := json.MarshalIndent(st, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to format result: %w", err)
		}
		fmt.Fprintln(out, string(resultJSON))
		return nil
	}
	printStatus(out, st)
	return nil
}

func printStatus(out io.Writer, st *command.CaptureStatusResult) {
	fmt.Fprintf(out, "State:      %s\n", st.State)
	if st.ID == "" {
		return
	}
	fmt.Fprintf(out, "Session:    %s\n", st.ID)
	fmt.Fprintf(out, "Interface:  %s\n", st.Interface)
	if st.Filter != "" {
		fmt.Fprintf(out, "Filter:     %s\n", st.Filter)
	}
	if st.Pid != 0 {
		fmt.Fprintf(out, "PID:        %d\n", st.Pid)
	}
	fmt.Fprintf(out, "Packets:    %d (dropped lines: %d)\n", st.Packets, st.Dropped)
	if st.StartedAt != nil {
		fmt.Fprintf(out, "Started:    %s\n", st.StartedAt.Format(time.RFC3339))
	}
	if st.Error != "" {
		fmt.Fprintf(out, "Error:      %s (%s)\n", st.Error, st.Cause)
	}
	if st.Prompt != nil {
		fmt.Fprintf(out, "Waiting on: %s %q (until %s)\n", st.Prompt.Kind, st.Prompt.Prompt, st.Prompt.Deadline.Format(time.Kitchen))
	}
}
