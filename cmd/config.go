package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"firestige.xyz/wiretap/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect wiretap configuration",
}

var configValidateCmd = &cobra.Command{
	Use:   "validate [file]",
	Short: "Validate a configuration file",
	Long: `Validate a configuration file without starting the daemon.

Examples:
  wiretap config validate /etc/wiretap/config.yml
  wiretap -c ./wiretap.yml config validate`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := configFile
		if len(args) == 1 {
			path = args[0]
		}
		if path == "" {
			return fmt.Errorf("no config file given")
		}
		return runConfigValidate(path, cmd.OutOrStdout())
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Long: `Print the configuration the daemon would run with: the --config file, or
the defaults, after environment overrides and validation.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return runConfigShow(cfg, cmd.OutOrStdout())
	},
}

func init() {
	configCmd.AddCommand(configValidateCmd, configShowCmd)
	rootCmd.AddCommand(configCmd)
}

func runConfigValidate(path string, out io.Writer) error {
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("INVALID: %w", err)
	}
	sinks := 0
	if cfg.Sinks.Console.Enabled {
		sinks++
	}
	if cfg.Sinks.Kafka.Enabled {
		sinks++
	}
	fmt.Fprintf(out, "VALID: %s (tool %s, elevation %s, %d sink(s))\n",
		path, cfg.Capture.Tool, cfg.Capture.Elevation, sinks)
	return nil
}

func runConfigShow(cfg *config.GlobalConfig, out io.Writer) error {
	enc := yaml.NewEncoder(out)
	enc.SetIndent(2)
	defer enc.Close()
	return enc.Encode(map[string]*config.GlobalConfig{"wiretap": cfg})
}
