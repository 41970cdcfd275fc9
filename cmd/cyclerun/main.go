// Command cyclerun is the platform binary: historical downloads, symbol
// synchronization, cycle training, paper/live trading and the observability
// endpoint, all behind one CLI. Started from a terminal with no arguments it
// drops into the interactive menu.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/cyclerun/cyclerun/internal/config"
	"github.com/cyclerun/cyclerun/internal/domain"
	zlog "github.com/cyclerun/cyclerun/internal/log"
)

const version = "1.0.0"

var (
	flagConfig   string
	flagLogLevel string
	flagOffline  bool

	// cfg is loaded once in PersistentPreRunE and shared by every command.
	cfg *config.Config
)

// rootCmd is the base command for the CycleRun CLI.
var rootCmd = &cobra.Command{
	Use:   "cyclerun",
	Short: "CycleRun autonomous crypto trading platform",
	Long: `CycleRun downloads historical candles, aligns symbols onto shared master
timelines, trains strategies through parallel backtest cycles and routes the
surviving signals through risk-gated orders in paper or live mode.

Run without arguments from a terminal for the interactive menu.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(flagConfig)
		if err != nil {
			return err
		}
		if flagLogLevel != "" {
			loaded.Log.Level = flagLogLevel
		}
		zlog.Setup(loaded.Log)
		cfg = loaded
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		if term.IsTerminal(int(os.Stdin.Fd())) {
			return runMenu()
		}
		fmt.Printf("CycleRun v%s - autonomous crypto trading platform\n", version)
		fmt.Println("Not a terminal; use 'cyclerun --help' for the command list")
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "config.yaml", "Path to the configuration file")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "Override the configured log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&flagOffline, "offline", false, "Use the built-in paper exchange instead of Binance (synthetic data, no network)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// signalContext is cancelled on SIGINT or SIGTERM so every command unwinds
// through its context instead of dying mid-write.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func parseSymbols(raw []string) ([]domain.Symbol, error) {
	out := make([]domain.Symbol, 0, len(raw))
	for _, s := range raw {
		symbol, err := domain.NewSymbol(s)
		if err != nil {
			return nil, fmt.Errorf("--symbols: %w", err)
		}
		out = append(out, symbol)
	}
	return out, nil
}

func parseTimeframes(raw []string) ([]domain.Timeframe, error) {
	out := make([]domain.Timeframe, 0, len(raw))
	for _, s := range raw {
		tf, err := domain.ParseTimeframe(s)
		if err != nil {
			return nil, fmt.Errorf("--timeframes: %w", err)
		}
		out = append(out, tf)
	}
	return out, nil
}

// echoProgress prints command progress as terminal step lines. It satisfies
// control.Progress so subcommands share the dispatcher code paths with the
// menu.
func echoProgress(stage string, percent float64, text string) {
	fmt.Printf("• [%3.0f%%] %-9s %s\n", percent, stage, text)
}

func formatMS(ms int64) string {
	return time.UnixMilli(ms).UTC().Format("2006-01-02 15:04")
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
