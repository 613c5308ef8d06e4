// Package cli implements the vegamarket command line.
package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	vegamarket "github.com/kaifufi/vega-market-go"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
	LogLevel   string
	LogFormat  string // "json" | "text"
	Format     string // output format: "json" | "text"
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the vegamarket CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "vegamarket",
		Short: "Fixed-price asset market with meta-transaction relaying",
		Long: `vegamarket lists unique assets for a reference-currency price, settles purchases
in a settlement token at the live feed rate and relays EIP-712 signed meta-transactions.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			if !isValidFormat(opts.LogFormat) {
				return fmt.Errorf("invalid log format %q: must be one of %v", opts.LogFormat, ValidFormats)
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "path to YAML config file")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "info", "log level (debug|info|warn|error)")
	cmd.PersistentFlags().StringVar(&opts.LogFormat, "log-format", "text", "log format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewSignCommand(opts))
	cmd.AddCommand(NewHashCommand(opts))
	cmd.AddCommand(NewNonceCommand(opts))
	cmd.AddCommand(NewListingsCommand(opts))
	cmd.AddCommand(NewEventsCommand(opts))
	cmd.AddCommand(NewDemoCommand(opts))

	return cmd
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}

// loadConfig reads the config file named by --config, or the defaults
func (o *RootOptions) loadConfig() (*vegamarket.Config, error) {
	cfg, err := vegamarket.LoadConfig(o.ConfigPath)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	return cfg, nil
}

// newLogger builds the process logger. Flags set explicitly win over the config file.
func (o *RootOptions) newLogger(cmd *cobra.Command, cfg *vegamarket.Config) *logrus.Logger {
	level, format := o.LogLevel, o.LogFormat
	if cfg != nil {
		if !cmd.Flags().Changed("log-level") && cfg.Logging.Level != "" {
			level = cfg.Logging.Level
		}
		if !cmd.Flags().Changed("log-format") && cfg.Logging.Format != "" {
			format = cfg.Logging.Format
		}
	}

	log := logrus.New()
	log.SetOutput(os.Stderr)
	if lvl, err := logrus.ParseLevel(strings.ToLower(level)); err == nil {
		log.SetLevel(lvl)
	}
	if format == "json" {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return log
}
