package main

import (
	"fmt"
	"os"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/cyclerun/cyclerun/internal/history"
)

var (
	downloadSymbols    []string
	downloadTimeframes []string
)

// downloadCmd implements 'cyclerun download'.
var downloadCmd = &cobra.Command{
	Use:   "download",
	Short: "Backfill historical candles to the coverage policy",
	Long: `Download checks stored coverage for every (symbol, timeframe) pair and
backfills whatever is missing from the exchange in venue-sized chunks.
Pairs already at coverage are left untouched, so re-running is cheap.

Example usage:
  cyclerun download                         # configured symbols and timeframes
  cyclerun download --symbols BTCUSDT      # one symbol
  cyclerun download --timeframes 1h,4h     # specific timeframes
  cyclerun download --offline              # synthetic data, no network`,
	RunE: runDownload,
}

func init() {
	rootCmd.AddCommand(downloadCmd)
	downloadCmd.Flags().StringSliceVar(&downloadSymbols, "symbols", nil, "Symbols to download (default: configured symbols)")
	downloadCmd.Flags().StringSliceVar(&downloadTimeframes, "timeframes", nil, "Timeframes to download (default: historical.timeframes)")
}

func runDownload(cmd *cobra.Command, args []string) error {
	app, err := newApp(cfg, flagOffline)
	if err != nil {
		return err
	}
	defer app.Close()

	ctx, stop := signalContext()
	defer stop()

	symbols, err := parseSymbols(downloadSymbols)
	if err != nil {
		return err
	}
	timeframes, err := parseTimeframes(downloadTimeframes)
	if err != nil {
		return err
	}

	report, err := app.EnsureHistory(ctx, symbols, timeframes, echoProgress)
	if err != nil {
		return err
	}

	renderDownloadReport(report)
	if report.Failed() {
		return fmt.Errorf("%d of %d pairs failed to reach coverage", report.Failures, len(report.Items))
	}
	return nil
}

func renderDownloadReport(report history.Report) {
	fmt.Println()
	tbl := tablewriter.NewWriter(os.Stdout)
	tbl.Header("Symbol", "TF", "Before", "After", "Bars", "Requests", "Took", "Outcome")
	for _, item := range report.Items {
		outcome := "✅ " + string(item.Outcome)
		if item.Outcome == history.OutcomeFailed {
			outcome = "❌ " + item.Error
		}
		tbl.Append(
			item.Symbol.String(),
			item.Timeframe.String(),
			string(item.StatusBefore),
			string(item.StatusAfter),
			fmt.Sprintf("%d", item.BarsAdded),
			fmt.Sprintf("%d", item.Requests),
			item.Duration.Round(time.Millisecond).String(),
			outcome,
		)
	}
	tbl.Render()
	fmt.Printf("\nTotal: %d bars across %d pairs in %s\n",
		report.TotalBars, len(report.Items), report.Duration.Round(time.Millisecond))
}
