package cmd

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "upbot",
	Short: "A risk-constrained spot trading bot for Upbit",
	Long: `Upbot runs a single-pair trading loop against the Upbit spot exchange.

Position sizes are derived from a fixed fraction of account equity, every
trade carries an ATR-based protective stop with a trailing exit, and
realized losses are capped per day and per week. When a cap is hit the
bot stops opening positions until the period rolls over; an operator
kill switch flattens everything immediately.`,
}

var (
	logLevel string
	logJSON  bool
)

// Execute runs the CLI.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "emit JSON logs instead of console output")
}

// newLogger builds the process logger from the global flags.
func newLogger() zerolog.Logger {
	level, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	var logger zerolog.Logger
	if logJSON {
		logger = zerolog.New(os.Stderr)
	} else {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	return logger.Level(level).With().Timestamp().Logger()
}
