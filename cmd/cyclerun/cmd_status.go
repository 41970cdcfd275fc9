package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/cyclerun/cyclerun/internal/domain"
)

// statusCmd implements 'cyclerun status'.
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the persisted platform state",
	Long: `Status reads the store and prints the trading mode, open positions,
cycle result counts and the latest sync sessions. It inspects persisted
state only; for a running session's live view use the menu or /status.`,
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	app, err := newApp(cfg, flagOffline)
	if err != nil {
		return err
	}
	defer app.Close()

	ctx, stop := signalContext()
	defer stop()

	report := app.StatusReport(ctx)

	storeLine := "✅ reachable"
	if !report.StoreOK {
		storeLine = "❌ " + report.StoreError
	}
	fmt.Printf("Mode: %s   Storage: %s (%s)\n", report.Mode, report.Driver, storeLine)
	if !report.StoreOK {
		return fmt.Errorf("storage unreachable")
	}

	ok := report.CycleCounts[domain.CycleSuccess]
	failed := report.CycleCounts[domain.CycleFailed]
	fmt.Printf("Cycles on record: %d ok, %d failed\n", ok, failed)
	fmt.Printf("Result cache: %d entries, %d hits, %d misses\n",
		report.Cache.Entries, report.Cache.Hits, report.Cache.Misses)

	fmt.Println()
	if len(report.OpenTrades) == 0 {
		fmt.Println("Open trades: none")
	} else {
		fmt.Printf("Open trades: %d\n", len(report.OpenTrades))
		tbl := tablewriter.NewWriter(os.Stdout)
		tbl.Header("Trade", "Symbol", "Side", "Qty", "Entry", "Stop", "Take", "Opened")
		for _, trade := range report.OpenTrades {
			tbl.Append(
				shortID(trade.TradeID),
				trade.Symbol.String(),
				string(trade.Side),
				fmt.Sprintf("%.6f", trade.SizeQty),
				fmt.Sprintf("%.2f", trade.EntryPrice),
				fmt.Sprintf("%.2f", trade.StopLoss),
				fmt.Sprintf("%.2f", trade.TakeProfit),
				trade.EntryTime.UTC().Format("2006-01-02 15:04"),
			)
		}
		tbl.Render()
	}

	fmt.Println()
	if len(report.Sessions) == 0 {
		fmt.Println("Sync sessions: none")
	} else {
		fmt.Println("Latest sync sessions:")
		tbl := tablewriter.NewWriter(os.Stdout)
		tbl.Header("Session", "TF", "Quality", "Periods", "Symbols", "Created")
		for _, session := range report.Sessions {
			tbl.Append(
				shortID(session.ID),
				session.Timeframe.String(),
				fmt.Sprintf("%.1f", session.SyncQuality),
				fmt.Sprintf("%d", session.TotalPeriods),
				strings.Join(session.Symbols, " "),
				formatMS(session.CreatedAt),
			)
		}
		tbl.Render()
	}
	return nil
}
