package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/cyclerun/cyclerun/internal/config"
	"github.com/cyclerun/cyclerun/internal/control"
)

// modeValue restricts --mode to the known trading modes at parse time.
type modeValue string

var _ pflag.Value = (*modeValue)(nil)

func (m *modeValue) String() string { return string(*m) }

func (m *modeValue) Set(v string) error {
	v = strings.ToLower(v)
	if v != "" && v != config.ModePaper && v != config.ModeLive {
		return fmt.Errorf("must be %q or %q", config.ModePaper, config.ModeLive)
	}
	*m = modeValue(v)
	return nil
}

func (m *modeValue) Type() string { return "mode" }

var (
	tradeMode     modeValue
	tradeLeverage int
	tradeSymbols  []string
)

// tradeCmd implements 'cyclerun trade'.
var tradeCmd = &cobra.Command{
	Use:   "trade",
	Short: "Run a paper or live trading session",
	Long: `Trade streams closed candles for the configured symbols, sweeps exits on
every bar, evaluates the strategy and routes accepted signals through risk
sizing into orders. Paper mode fills against the internal ledger; live mode
places LIMIT orders on Binance futures. Stop with Ctrl-C; open positions
stay open and are restored on the next session.

Example usage:
  cyclerun trade                           # paper session, configured symbols
  cyclerun trade --mode live --leverage 2  # live session with capped leverage
  cyclerun trade --symbols BTCUSDT         # one symbol`,
	RunE: runTrade,
}

func init() {
	rootCmd.AddCommand(tradeCmd)
	tradeCmd.Flags().Var(&tradeMode, "mode", "Trading mode: paper or live (default: trading.mode)")
	tradeCmd.Flags().IntVar(&tradeLeverage, "leverage", 0, "Leverage override, capped by risk limits (default: risk.max_leverage)")
	tradeCmd.Flags().StringSliceVar(&tradeSymbols, "symbols", nil, "Symbols to trade (default: configured symbols)")
}

func runTrade(cmd *cobra.Command, args []string) error {
	app, err := newApp(cfg, flagOffline)
	if err != nil {
		return err
	}
	defer app.Close()

	ctx, stop := signalContext()
	defer stop()

	symbols, err := parseSymbols(tradeSymbols)
	if err != nil {
		return err
	}

	start := control.StartTrading{Mode: string(tradeMode), Symbols: symbols, Leverage: tradeLeverage}
	if err := app.Trade(ctx, start, echoProgress); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	snap := app.Snapshot()
	fmt.Printf("\nSession stopped. Balance: %.2f   Open trades: %d   Daily PnL: %.2f\n",
		snap.Balance, snap.OpenTrades, snap.DailyPnL)
	if snap.BreakerTripped {
		fmt.Println("⚠️  Circuit breaker is tripped; entries stay blocked until the next UTC day")
	}
	return nil
}
