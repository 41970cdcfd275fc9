package log

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// ProgressIndicator renders a single-line progress bar for long-running
// CLI operations: backfills, sync sessions and training runs.
type ProgressIndicator struct {
	mu        sync.Mutex
	name      string
	total     int
	current   int
	startTime time.Time
	spinner   *Spinner
	quiet     bool
}

// Spinner provides rotating visual feedback while a total is unknown.
type Spinner struct {
	mu       sync.Mutex
	chars    []string
	current  int
	interval time.Duration
	stop     chan struct{}
	running  bool
}

// NewProgressIndicator creates an indicator for total items. quiet disables
// terminal rendering (progress still tracked for Finish output).
func NewProgressIndicator(name string, total int, quiet bool) *ProgressIndicator {
	pi := &ProgressIndicator{
		name:      name,
		total:     total,
		startTime: time.Now(),
		quiet:     quiet,
	}
	if !quiet {
		pi.spinner = NewSpinner()
		pi.spinner.Start()
	}
	return pi
}

// NewSpinner creates a braille-dots spinner.
func NewSpinner() *Spinner {
	return &Spinner{
		chars:    []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"},
		interval: 100 * time.Millisecond,
		stop:     make(chan struct{}),
	}
}

// Start begins the spinner animation.
func (s *Spinner) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	go s.spin()
}

// Stop terminates the spinner animation.
func (s *Spinner) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.running = false
	close(s.stop)
}

func (s *Spinner) spin() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.mu.Lock()
			s.current = (s.current + 1) % len(s.chars)
			s.mu.Unlock()
		}
	}
}

// Current returns the current spinner character.
func (s *Spinner) Current() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chars[s.current]
}

// Increment advances progress by one step.
func (pi *ProgressIndicator) Increment() {
	pi.mu.Lock()
	defer pi.mu.Unlock()
	pi.setLocked(pi.current+1, "")
}

// UpdateWithMessage sets progress and renders a trailing message. A negative
// current keeps the existing count.
func (pi *ProgressIndicator) UpdateWithMessage(current int, message string) {
	pi.mu.Lock()
	defer pi.mu.Unlock()
	pi.setLocked(current, message)
}

func (pi *ProgressIndicator) setLocked(current int, message string) {
	if current >= 0 {
		pi.current = current
	}
	if pi.quiet {
		return
	}

	var out strings.Builder
	out.WriteString("\r\033[K")
	if pi.spinner != nil {
		out.WriteString(pi.spinner.Current())
		out.WriteString(" ")
	}
	out.WriteString(pi.name)

	if pi.total > 0 {
		pct := float64(pi.current) / float64(pi.total) * 100
		barWidth := 20
		filled := int(float64(barWidth) * float64(pi.current) / float64(pi.total))
		if filled > barWidth {
			filled = barWidth
		}
		out.WriteString(" [")
		out.WriteString(strings.Repeat("█", filled))
		out.WriteString(strings.Repeat("░", barWidth-filled))
		out.WriteString(fmt.Sprintf("] %d/%d (%.1f%%)", pi.current, pi.total, pct))

		if pi.current > 0 && pi.current < pi.total {
			elapsed := time.Since(pi.startTime)
			rate := float64(pi.current) / elapsed.Seconds()
			eta := time.Duration(float64(pi.total-pi.current)/rate) * time.Second
			out.WriteString(fmt.Sprintf(" ETA: %v", eta.Round(time.Second)))
		}
	}
	if message != "" {
		out.WriteString(" - ")
		out.WriteString(message)
	}
	fmt.Print(out.String())
}

// Finish completes the indicator with a success line.
func (pi *ProgressIndicator) Finish() {
	pi.mu.Lock()
	defer pi.mu.Unlock()
	if pi.spinner != nil {
		pi.spinner.Stop()
	}
	if !pi.quiet {
		fmt.Printf("\r\033[K✅ %s completed (%d items, %v)\n",
			pi.name, pi.total, time.Since(pi.startTime).Round(time.Millisecond))
	}
}

// Fail completes the indicator with a failure line.
func (pi *ProgressIndicator) Fail(reason string) {
	pi.mu.Lock()
	defer pi.mu.Unlock()
	if pi.spinner != nil {
		pi.spinner.Stop()
	}
	if !pi.quiet {
		fmt.Printf("\r\033[K❌ %s failed: %s (%v)\n",
			pi.name, reason, time.Since(pi.startTime).Round(time.Millisecond))
	}
}
