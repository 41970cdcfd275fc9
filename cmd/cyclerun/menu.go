package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/cyclerun/cyclerun/internal/control"
	"github.com/cyclerun/cyclerun/internal/metrics"
)

// errMenuExit unwinds the menu loop without reporting an error.
var errMenuExit = errors.New("exit")

// menuOption is one interactive menu entry.
type menuOption struct {
	Key         string
	Label       string
	Description string
	Handler     func() error
}

// menu drives the control orchestrator from a terminal. Choices submit
// commands and return to the prompt immediately; a drain goroutine prints
// progress as it arrives, so the menu stays responsive while work runs and
// a second submission during a long command gets the busy reply.
type menu struct {
	orch  *control.Orchestrator
	lines <-chan string
}

// runMenu is the zero-argument terminal entrypoint.
func runMenu() error {
	app, err := newApp(cfg, flagOffline)
	if err != nil {
		return err
	}
	defer app.Close()

	ctx, stop := signalContext()
	defer stop()

	orch := control.New(app)
	loopCtx, cancelLoop := context.WithCancel(ctx)
	defer cancelLoop()
	go orch.Run(loopCtx)

	drained := make(chan struct{})
	go func() {
		defer close(drained)
		for msg := range orch.Out() {
			printControlMessage(msg)
		}
	}()

	srv := metrics.NewServer(cfg.Server.Addr, app.collector, func() any { return orch.Snapshot() })
	go func() {
		if err := srv.Start(); err != nil {
			log.Warn().Err(err).Msg("Metrics server failed")
		}
	}()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	m := &menu{orch: orch, lines: lines}
	m.showBanner()
	m.loop(ctx)

	// Stop the control loop and let the active command emit its terminal
	// message before the output stream closes.
	cancelLoop()
	<-drained

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("Metrics server shutdown failed")
	}
	fmt.Println("Goodbye.")
	return nil
}

func (m *menu) showBanner() {
	fmt.Printf(`
 ╔══════════════════════════════════════════════╗
 ║              🚴 CycleRun v%s              ║
 ║      Autonomous Crypto Trading Platform      ║
 ╚══════════════════════════════════════════════╝

`, version)
	fmt.Printf("Metrics: http://%s/metrics   Status: http://%s/status\n", cfg.Server.Addr, cfg.Server.Addr)
	fmt.Println("Commands run in the background; progress prints as it arrives.")
}

func (m *menu) loop(ctx context.Context) {
	options := m.options(ctx)
	for {
		printMenu(options)
		fmt.Print("Enter choice: ")
		choice, ok := m.readLine(ctx)
		if !ok {
			fmt.Println()
			return
		}
		opt, found := findOption(options, choice)
		if !found {
			fmt.Printf("❌ Invalid choice: %q\n", choice)
			continue
		}
		if err := opt.Handler(); err != nil {
			if errors.Is(err, errMenuExit) || errors.Is(err, control.ErrStopped) {
				return
			}
			fmt.Printf("❌ %v\n", err)
		}
	}
}

func (m *menu) options(ctx context.Context) []menuOption {
	return []menuOption{
		{Key: "1", Label: "📥 Download", Description: "Backfill historical candles for the configured symbols",
			Handler: func() error { return m.submit(control.DownloadData{}) }},
		{Key: "2", Label: "🔗 Sync", Description: "Align stored history onto shared master timelines",
			Handler: func() error { return m.submit(control.SyncSymbols{}) }},
		{Key: "3", Label: "🧠 Train", Description: "Run parallel strategy cycles over stored data",
			Handler: func() error { return m.submit(control.TrainHist{}) }},
		{Key: "4", Label: "🚀 Trade", Description: "Start a paper or live trading session",
			Handler: func() error { return m.handleStartTrading(ctx) }},
		{Key: "5", Label: "🛑 Stop", Description: "Stop the trading session, keep open positions",
			Handler: func() error { return m.submit(control.StopTrading{}) }},
		{Key: "6", Label: "🆘 Emergency", Description: "Close every position at market and halt",
			Handler: func() error { return m.handleEmergencyStop(ctx) }},
		{Key: "7", Label: "📊 Status", Description: "Show the current platform snapshot",
			Handler: func() error { return m.submit(control.Status{}) }},
		{Key: "0", Label: "🚪 Exit", Description: "Leave the menu",
			Handler: func() error { return errMenuExit }},
	}
}

func (m *menu) handleStartTrading(ctx context.Context) error {
	fmt.Print("Mode [paper/live] (empty = configured default): ")
	mode, ok := m.readLine(ctx)
	if !ok {
		return errMenuExit
	}
	return m.submit(control.StartTrading{Mode: strings.ToLower(mode)})
}

func (m *menu) handleEmergencyStop(ctx context.Context) error {
	fmt.Print("⚠️  This closes every open position at market. Type 'yes' to confirm: ")
	answer, ok := m.readLine(ctx)
	if !ok {
		return errMenuExit
	}
	if strings.ToLower(answer) != "yes" {
		fmt.Println("Emergency stop aborted.")
		return nil
	}
	return m.submit(control.EmergencyStop{})
}

// submit enqueues a command; its progress is printed by the drain goroutine.
func (m *menu) submit(cmd control.Command) error {
	id, err := m.orch.Submit(cmd)
	if err != nil {
		return err
	}
	fmt.Printf("▶ %s submitted (%s)\n", cmd.Name(), shortID(id))
	return nil
}

// readLine blocks for the next stdin line. ok is false when the context ends
// or stdin closes.
func (m *menu) readLine(ctx context.Context) (string, bool) {
	select {
	case <-ctx.Done():
		return "", false
	case line, ok := <-m.lines:
		return strings.TrimSpace(line), ok
	}
}

func printMenu(options []menuOption) {
	fmt.Println("\n─────────────────── MAIN MENU ───────────────────")
	for _, opt := range options {
		fmt.Printf(" %s. %s  %s\n", opt.Key, opt.Label, opt.Description)
	}
	fmt.Println("──────────────────────────────────────────────────")
}

func findOption(options []menuOption, key string) (menuOption, bool) {
	for _, opt := range options {
		if opt.Key == key {
			return opt, true
		}
	}
	return menuOption{}, false
}

// printControlMessage renders one orchestrator update.
func printControlMessage(msg control.Message) {
	switch {
	case msg.Err != "":
		fmt.Printf("\n❌ %s (%s): %s\n", msg.Command, shortID(msg.CorrelationID), msg.Err)
	case msg.Snapshot != nil:
		printSnapshot(*msg.Snapshot)
	case msg.Terminal:
		fmt.Printf("\n✅ %s (%s): %s\n", msg.Command, shortID(msg.CorrelationID), msg.Text)
	default:
		fmt.Printf("   • [%3.0f%%] %-9s %s\n", msg.Percent, msg.Stage, msg.Text)
	}
}

func printSnapshot(s control.StatusSnapshot) {
	active := s.ActiveCommand
	if active == "" {
		active = "-"
	}
	breaker := "ok"
	if s.BreakerTripped {
		breaker = "TRIPPED"
	}
	fmt.Printf("\nℹ️  state=%s active=%s mode=%s balance=%.2f open=%d daily_pnl=%.2f breaker=%s\n",
		s.State, active, s.Mode, s.Balance, s.OpenTrades, s.DailyPnL, breaker)
}
