package main

import (
	"fmt"
	"os"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/cyclerun/cyclerun/internal/cycles"
	"github.com/cyclerun/cyclerun/internal/metrics"
)

var (
	trainCycleSize   int
	trainUpdateEvery int
)

// trainCmd implements 'cyclerun train'.
var trainCmd = &cobra.Command{
	Use:   "train",
	Short: "Run windowed backtest cycles over the aligned history",
	Long: `Train aligns the configured symbols, slices each master timeline into
overlapping evaluation windows and replays the strategy through every window
on a bounded worker pool. Successful windows are cached by content, results
land in cycle_results, and the run ends with rankings and health advice.

Example usage:
  cyclerun train                           # 1000-bar windows every 100 bars
  cyclerun train --cycle-size 500          # smaller windows
  cyclerun train --update-every 50         # denser stepping`,
	RunE: runTrain,
}

func init() {
	rootCmd.AddCommand(trainCmd)
	trainCmd.Flags().IntVar(&trainCycleSize, "cycle-size", 0, "Bars per evaluation window (default 1000)")
	trainCmd.Flags().IntVar(&trainUpdateEvery, "update-every", 0, "Bars between window starts (default 100)")
}

func runTrain(cmd *cobra.Command, args []string) error {
	app, err := newApp(cfg, flagOffline)
	if err != nil {
		return err
	}
	defer app.Close()

	ctx, stop := signalContext()
	defer stop()

	plan := cycles.Plan{CycleSize: trainCycleSize, UpdateEvery: trainUpdateEvery}
	summary, err := app.RunCycles(ctx, plan, echoProgress)
	if err != nil {
		return err
	}

	renderSummary(summary)
	return nil
}

func renderSummary(summary metrics.SummaryReport) {
	totals := summary.Totals
	fmt.Printf("\nCycles: %d (%d ok, %d failed)   Trades: %d   Win rate: %.1f%%   PnL: %.2f   Avg cycle: %.0fms\n",
		totals.Cycles, totals.Success, totals.Failed, totals.Trades,
		totals.WinRate*100, totals.PnL, totals.AvgCycleMS)

	if len(summary.TopStrategies) > 0 {
		fmt.Println()
		tbl := tablewriter.NewWriter(os.Stdout)
		tbl.Header("Rank", "Strategy", "PnL", "Cycles")
		for i, rank := range summary.TopStrategies {
			tbl.Append(
				fmt.Sprintf("%d", i+1),
				rank.StrategyID,
				fmt.Sprintf("%.2f", rank.PnL),
				fmt.Sprintf("%d", rank.Cycles),
			)
		}
		tbl.Render()
	}

	if summary.BestSymbol != nil && summary.WorstSymbol != nil {
		fmt.Printf("\nBest symbol: %s (%.2f)   Worst symbol: %s (%.2f)\n",
			summary.BestSymbol.Symbol, summary.BestSymbol.PnL,
			summary.WorstSymbol.Symbol, summary.WorstSymbol.PnL)
	}
	if summary.PeakRSSBytes > 0 || summary.AvgCPUPct > 0 {
		fmt.Printf("Peak RSS: %.0f MiB   Avg CPU: %.1f%%\n",
			float64(summary.PeakRSSBytes)/(1<<20), summary.AvgCPUPct)
	}

	fmt.Println()
	if len(summary.Recommendations) == 0 {
		fmt.Println("✅ All health checks passed")
		return
	}
	for _, rec := range summary.Recommendations {
		fmt.Printf("⚠️  %s\n", rec)
	}
}
