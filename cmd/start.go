package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"firestige.xyz/wiretap/internal/command"
	"firestige.xyz/wiretap/internal/core"
	"firestige.xyz/wiretap/internal/eventbus"
)

// captureCmd represents the capture command group
var captureCmd = &cobra.Command{
	Use:   "capture",
	Short: "Control the daemon's capture session",
	Long: `Control the capture session of a running wiretap daemon.

Subcommands:
  start   - Start capturing on an interface
  stop    - Stop the current capture
  status  - Show the current session`,
}

var (
	startFilter string
	startWait   time.Duration
)

var captureStartCmd = &cobra.Command{
	Use:   "start <interface>",
	Short: "Start capturing on an interface",
	Long: `Start a capture session on the daemon.

When the daemon needs administrator rights it asks for confirmation and then
for the administrator password; both prompts are answered on this terminal.

Examples:
  wiretap capture start eth0
  wiretap capture start en0 --filter "tcp port 443"`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newClient()
		if err != nil {
			return err
		}
		params := command.CaptureStartParams{Interface: args[0], Filter: startFilter}
		prompter := newTerminalPrompter(os.Stdin, cmd.ErrOrStderr())
		return runCaptureStart(cmd.Context(), client, prompter, params, startWait, cmd.OutOrStdout())
	},
}

func init() {
	captureStartCmd.Flags().StringVarP(&startFilter, "filter", "f", "",
		"capture filter expression passed to tcpdump")
	captureStartCmd.Flags().DurationVar(&startWait, "wait", 2*time.Minute,
		"how long to wait for the session to start, prompts included")

	captureCmd.AddCommand(captureStartCmd)
	rootCmd.AddCommand(captureCmd)
}

// runCaptureStart starts a capture and answers the daemon's prompts while
// the start is pending.
func runCaptureStart(ctx context.Context, client Client, prompter Prompter, params command.CaptureStartParams, wait time.Duration, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	prompts := make(chan core.PromptRequest, 4)
	ready := make(chan struct{})
	subErr := make(chan error, 1)
	go func() {
		subErr <- client.Subscribe(ctx, []eventbus.Topic{eventbus.TopicStatus}, func() { close(ready) }, func(ev *eventbus.Event) error {
			if req, ok := promptOf(ev.Status); ok {
				select {
				case prompts <- req:
				default:
				}
			}
			return nil
		})
	}()

	select {
	case <-ready:
	case err := <-subErr:
		return fmt.Errorf("failed to open event stream: %w", err)
	case <-ctx.Done():
		return ctx.Err()
	}

	type startOutcome struct {
		res *command.CaptureStartResult
		err error
	}
	done := make(chan startOutcome, 1)
	go func() {
		res, err := client.CaptureStart(ctx, params, wait)
		done <- startOutcome{res, err}
	}()

	for {
		select {
		case req := <-prompts:
			accepted, err := client.CredentialRespond(ctx, answerPrompt(prompter, req))
			if err != nil {
				return fmt.Errorf("failed to send response: %w", err)
			}
			if !accepted {
				fmt.Fprintln(out, "Prompt expired before the answer arrived.")
			}

		case o := <-done:
			if o.err != nil {
				return fmt.Errorf("failed to start capture: %w", o.err)
			}
			if !o.res.Success {
				return fmt.Errorf("capture not started (%s): %s", o.res.Cause, o.res.Error)
			}
			fmt.Fprintf(out, "✓ Capturing on %s (session %s)\n", params.Interface, o.res.SessionID)
			return nil

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
