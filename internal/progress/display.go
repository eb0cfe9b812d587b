package progress

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// Display renders periodic progress to the terminal
type Display struct {
	tracker   *Tracker
	interval  time.Duration
	stopCh    chan struct{}
	lastLines int
}

// NewDisplay creates a new progress display
func NewDisplay(tracker *Tracker, interval time.Duration) *Display {
	return &Display{
		tracker:  tracker,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start starts the display loop
func (d *Display) Start() {
	go d.displayLoop()
}

// Stop stops the display and prints the final summary
func (d *Display) Stop() {
	close(d.stopCh)
}

func (d *Display) displayLoop() {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			d.updateDisplay()
		case <-d.stopCh:
			d.finalDisplay()
			return
		}
	}
}

func (d *Display) updateDisplay() {
	status := d.tracker.GetStatus()
	lines := d.generateDisplay(status)

	d.clearLines()
	fmt.Print(strings.Join(lines, "\n"))
	d.lastLines = len(lines)
}

func (d *Display) finalDisplay() {
	d.clearLines()
	status := d.tracker.GetStatus()
	lines := d.generateFinalDisplay(status)
	fmt.Println(strings.Join(lines, "\n"))
}

func (d *Display) clearLines() {
	if d.lastLines > 0 {
		fmt.Print("\n")
	}
}

func (d *Display) generateDisplay(status Status) []string {
	lines := make([]string, 0)

	lines = append(lines, "")
	lines = append(lines, "Order sync progress")
	lines = append(lines, strings.Repeat("=", 51))

	percent := d.tracker.GetProgressPercent()
	lines = append(lines, fmt.Sprintf("Records: %d/%d (%.1f%%)",
		status.ProcessedRecords, status.TotalRecords, percent))
	lines = append(lines, fmt.Sprintf("    %s", d.generateProgressBar(percent, 40)))

	lines = append(lines, "")
	lines = append(lines, fmt.Sprintf("  pages fetched:     %d", status.PagesFetched))
	lines = append(lines, fmt.Sprintf("  batches completed: %d", status.CompletedBatches))
	lines = append(lines, fmt.Sprintf("  batches failed:    %d", status.FailedBatches))
	lines = append(lines, fmt.Sprintf("  records skipped:   %d", status.SkippedRecords))

	lines = append(lines, "")
	lines = append(lines, fmt.Sprintf("  current speed: %s", FormatSpeed(status.CurrentSpeed)))
	lines = append(lines, fmt.Sprintf("  average speed: %s", FormatSpeed(status.AverageSpeed)))

	elapsed := time.Since(status.StartTime)
	lines = append(lines, fmt.Sprintf("  elapsed: %s, remaining: %s",
		FormatDuration(elapsed), FormatDuration(status.ETA)))
	lines = append(lines, "")

	return lines
}

func (d *Display) generateFinalDisplay(status Status) []string {
	lines := make([]string, 0)

	elapsed := time.Since(status.StartTime)

	lines = append(lines, "")
	lines = append(lines, "Sync finished")
	lines = append(lines, strings.Repeat("=", 51))
	lines = append(lines, fmt.Sprintf("  records processed: %d", status.ProcessedRecords))
	lines = append(lines, fmt.Sprintf("  succeeded: %d, failed: %d, skipped: %d",
		status.SucceededRecords, status.FailedRecords, status.SkippedRecords))
	lines = append(lines, fmt.Sprintf("  total time: %s", FormatDuration(elapsed)))
	lines = append(lines, fmt.Sprintf("  average speed: %s", FormatSpeed(status.AverageSpeed)))
	lines = append(lines, "")

	return lines
}

func (d *Display) generateProgressBar(percent float64, width int) string {
	if percent > 100 {
		percent = 100
	}
	if percent < 0 {
		percent = 0
	}

	filled := int(percent * float64(width) / 100)
	bar := strings.Repeat("#", filled) + strings.Repeat("-", width-filled)

	return fmt.Sprintf("[%s] %.1f%%", bar, percent)
}

// IsTerminalSupported checks if stdout is a terminal
func IsTerminalSupported() bool {
	if fileInfo, _ := os.Stdout.Stat(); (fileInfo.Mode() & os.ModeCharDevice) == 0 {
		return false
	}
	return true
}
