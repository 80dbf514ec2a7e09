package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"firestige.xyz/wiretap/internal/config"
	"firestige.xyz/wiretap/internal/eventbus"
	logpkg "firestige.xyz/wiretap/internal/log"
	"firestige.xyz/wiretap/internal/netif"
	"firestige.xyz/wiretap/internal/session"
	"firestige.xyz/wiretap/internal/sink/console"
	"firestige.xyz/wiretap/internal/supervisor"
)

var (
	sniffFilter  string
	sniffDump    bool
	sniffNoColor bool
)

var sniffCmd = &cobra.Command{
	Use:   "sniff <interface>",
	Short: "Capture in this process without a daemon",
	Long: `Run a capture session directly in the CLI process and print packets until
Ctrl-C or until tcpdump exits. Prompts for administrator rights are answered on
this terminal.

Examples:
  wiretap sniff lo
  wiretap sniff eth0 --filter "udp port 53" --dump`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := logpkg.Init(cfg.Log); err != nil {
			return fmt.Errorf("failed to initialize logging: %w", err)
		}
		defer logpkg.Flush()

		cfg.Sinks.Console.Dump = cfg.Sinks.Console.Dump || sniffDump
		if sniffNoColor {
			cfg.Sinks.Console.Color = false
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		prompter := newTerminalPrompter(os.Stdin, cmd.ErrOrStderr())
		return runSniff(ctx, cfg, args[0], sniffFilter, prompter, cmd.OutOrStdout())
	},
}

func init() {
	sniffCmd.Flags().StringVarP(&sniffFilter, "filter", "f", "", "capture filter expression passed to tcpdump")
	sniffCmd.Flags().BoolVar(&sniffDump, "dump", false, "print the layer tree and hex dump of each frame")
	sniffCmd.Flags().BoolVar(&sniffNoColor, "no-color", false, "disable colored output")
	rootCmd.AddCommand(sniffCmd)
}

// runSniff wires a private engine to a console printer and runs one session
// until ctx ends or the capture ends by itself.
func runSniff(ctx context.Context, cfg *config.GlobalConfig, iface, filter string, prompter Prompter, out io.Writer) error {
	bus := eventbus.NewCaptureEventBus(cfg.Events.Buffer)
	defer bus.Close()

	printer := console.NewSink(out, cfg.Sinks.Console)
	defer printer.Close()
	unsubscribe, err := bus.Subscribe("sink-"+console.Name, printer.Handle)
	if err != nil {
		return err
	}
	defer unsubscribe()

	engine := session.NewEngine(session.OptionsFromConfig(cfg), session.NewLauncher(supervisor.New()),
		bus, netif.NewEnumerator(cfg.Netif.CacheTTL))
	defer engine.Stop()

	// Prompts are answered off the bus goroutine so packets keep flowing.
	prompts := make(chan *eventbus.Event, 4)
	unsubscribePrompts, err := bus.Subscribe("prompter", func(ev *eventbus.Event) error {
		if _, ok := promptOf(ev.Status); ok {
			select {
			case prompts <- ev:
			default:
			}
		}
		return nil
	}, eventbus.TopicStatus)
	if err != nil {
		return err
	}
	defer unsubscribePrompts()

	promptCtx, cancelPrompts := context.WithCancel(ctx)
	defer cancelPrompts()
	go func() {
		for {
			select {
			case ev := <-prompts:
				req, _ := promptOf(ev.Status)
				if !engine.Respond(answerPrompt(prompter, req)) {
					slog.Warn("prompt expired before the answer arrived", "request_id", req.ID)
				}
			case <-promptCtx.Done():
				return
			}
		}
	}()

	if err := engine.Start(ctx, iface, filter); err != nil {
		return fmt.Errorf("capture not started: %w", err)
	}
	s := engine.Current()

	select {
	case <-ctx.Done():
		engine.Stop()
	case <-s.Done():
	}

	if err := s.Err(); err != nil {
		return fmt.Errorf("capture ended: %w", err)
	}
	return nil
}
