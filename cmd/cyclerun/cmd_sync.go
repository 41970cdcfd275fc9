package main

import (
	"fmt"
	"os"
	"sort"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/cyclerun/cyclerun/internal/domain"
)

var (
	syncSymbols    []string
	syncTimeframes []string
)

// syncCmd implements 'cyclerun sync'.
var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Align symbols onto shared master timelines",
	Long: `Sync intersects the stored timestamp sets of all symbols per timeframe,
scores the alignment quality and persists each session with a replayable
timeline snapshot. Alignment is a pure function of the stored data, so
re-running over unchanged data yields identical timelines.

Example usage:
  cyclerun sync                            # configured symbols and timeframes
  cyclerun sync --timeframes 1h            # one timeframe`,
	RunE: runSync,
}

func init() {
	rootCmd.AddCommand(syncCmd)
	syncCmd.Flags().StringSliceVar(&syncSymbols, "symbols", nil, "Symbols to align (default: configured symbols)")
	syncCmd.Flags().StringSliceVar(&syncTimeframes, "timeframes", nil, "Timeframes to align (default: configured timeframes)")
}

func runSync(cmd *cobra.Command, args []string) error {
	app, err := newApp(cfg, flagOffline)
	if err != nil {
		return err
	}
	defer app.Close()

	ctx, stop := signalContext()
	defer stop()

	symbols, err := parseSymbols(syncSymbols)
	if err != nil {
		return err
	}
	timeframes, err := parseTimeframes(syncTimeframes)
	if err != nil {
		return err
	}

	timelines, alignErr := app.AlignSymbols(ctx, symbols, timeframes, echoProgress)
	renderTimelines(timelines)
	return alignErr
}

func renderTimelines(timelines map[domain.Timeframe]*domain.MasterTimeline) {
	if len(timelines) == 0 {
		return
	}
	tfs := make([]domain.Timeframe, 0, len(timelines))
	for tf := range timelines {
		tfs = append(tfs, tf)
	}
	sort.Slice(tfs, func(i, j int) bool { return tfs[i].Millis() < tfs[j].Millis() })

	fmt.Println()
	tbl := tablewriter.NewWriter(os.Stdout)
	tbl.Header("Timeframe", "Quality", "Periods", "Start", "End")
	for _, tf := range tfs {
		timeline := timelines[tf]
		quality := fmt.Sprintf("✅ %.1f", timeline.SyncQuality)
		if timeline.SyncQuality < 80 {
			quality = fmt.Sprintf("⚠️ %.1f", timeline.SyncQuality)
		}
		tbl.Append(
			tf.String(),
			quality,
			fmt.Sprintf("%d", timeline.TotalPeriods),
			formatMS(timeline.Start),
			formatMS(timeline.End),
		)
	}
	tbl.Render()
}
