package stats

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// SummaryConfig carries the run-level facts the aggregator does not
// know.
type SummaryConfig struct {
	// RunID labels the pool this summary describes.
	RunID string

	// WorldSize is the total worker count across all nodes.
	WorldSize int

	// Duration is the wall-clock run time.
	Duration time.Duration

	// MetricsAddr is the Prometheus endpoint address, when one was
	// served.
	MetricsAddr string

	// LogDir is where workerlog.<rank> files were written, when
	// capture was on.
	LogDir string

	// ShowPerWorker enables the per-worker outcome table.
	ShowPerWorker bool

	// Failure is the rendered first-failure report, empty for a clean
	// run.
	Failure string
}

const summaryRule = 79

// FormatRunSummary renders the end-of-run report printed after the
// pool has been reaped.
func FormatRunSummary(agg *AggregatedStats, cfg SummaryConfig) string {
	if agg == nil {
		return formatBasicSummary(cfg)
	}

	var b strings.Builder
	heavy := strings.Repeat("═", summaryRule)
	light := strings.Repeat("─", summaryRule)

	b.WriteString("\n")
	b.WriteString(heavy + "\n")
	b.WriteString("                         go-trainer-swarm Run Summary\n")
	b.WriteString(heavy + "\n\n")

	// Run info
	fmt.Fprintf(&b, "Run Duration:           %s\n", FormatDuration(cfg.Duration))
	if cfg.RunID != "" {
		fmt.Fprintf(&b, "Run ID:                 %s\n", cfg.RunID)
	}
	fmt.Fprintf(&b, "World Size:             %d\n", cfg.WorldSize)
	fmt.Fprintf(&b, "Workers (this node):    %d\n\n", agg.TotalWorkers)

	// Outcomes
	b.WriteString(light + "\n")
	b.WriteString("                               Worker Outcomes\n")
	b.WriteString(light + "\n\n")

	fmt.Fprintf(&b, "  Clean exits:          %d\n", agg.CleanExits)
	fmt.Fprintf(&b, "  Failed:               %d\n", agg.Failed)
	if agg.Running > 0 {
		fmt.Fprintf(&b, "  Still running:        %d\n", agg.Running)
	}
	if agg.IdleWorkers > 0 {
		fmt.Fprintf(&b, "  Idle (silent >%ds):   %d\n", int(IdleThreshold.Seconds()), agg.IdleWorkers)
	}
	b.WriteString("\n")

	if cfg.ShowPerWorker && len(agg.PerWorker) > 0 {
		fmt.Fprintf(&b, "  %-6s %-8s %-10s %-12s %s\n", "Rank", "PID", "Uptime", "Output", "Result")
		b.WriteString("  " + strings.Repeat("─", 58) + "\n")
		for _, w := range agg.PerWorker {
			fmt.Fprintf(&b, "  %-6d %-8d %-10s %-12s %s\n",
				w.Rank,
				w.Pid,
				FormatDuration(w.Uptime),
				FormatBytes(w.OutputBytes),
				workerResult(w),
			)
		}
		b.WriteString("\n")
	}

	// Output statistics
	b.WriteString(light + "\n")
	b.WriteString("                               Captured Output\n")
	b.WriteString(light + "\n\n")

	fmt.Fprintf(&b, "  Total Bytes:          %s  (%s/s)\n",
		FormatBytes(agg.TotalOutputBytes),
		FormatBytes(int64(agg.OutputBytesPerSec)),
	)
	fmt.Fprintf(&b, "  Total Lines:          %s\n", FormatNumber(agg.TotalOutputLines))
	if agg.TotalErrorLines > 0 {
		fmt.Fprintf(&b, "  Error Lines:          %s\n", FormatNumber(agg.TotalErrorLines))
	}
	b.WriteString("\n")

	// Uptime distribution
	if agg.UptimeP50 > 0 || agg.UptimeP95 > 0 {
		b.WriteString(light + "\n")
		b.WriteString("                             Uptime Distribution\n")
		b.WriteString(light + "\n\n")

		fmt.Fprintf(&b, "  P50 (median):         %s\n", FormatDuration(agg.UptimeP50))
		fmt.Fprintf(&b, "  P95:                  %s\n", FormatDuration(agg.UptimeP95))
		fmt.Fprintf(&b, "  P99:                  %s\n", FormatDuration(agg.UptimeP99))
		b.WriteString("\n")
	}

	// Exit codes
	if len(agg.ExitCodes) > 0 {
		b.WriteString(light + "\n")
		b.WriteString("                                  Exit Codes\n")
		b.WriteString(light + "\n\n")

		codes := make([]int, 0, len(agg.ExitCodes))
		for code := range agg.ExitCodes {
			codes = append(codes, code)
		}
		sort.Ints(codes)

		for _, code := range codes {
			fmt.Fprintf(&b, "  %3d %-16s %d\n", code, exitCodeLabel(code), agg.ExitCodes[code])
		}
		b.WriteString("\n")
	}

	// First failure
	if cfg.Failure != "" {
		b.WriteString(light + "\n")
		b.WriteString("                                First Failure\n")
		b.WriteString(light + "\n")
		b.WriteString(cfg.Failure)
		if !strings.HasSuffix(cfg.Failure, "\n") {
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}

	// Footnotes
	footnotes := renderFootnotes(agg, cfg)
	if footnotes != "" {
		b.WriteString(footnotes)
	}

	if cfg.MetricsAddr != "" {
		fmt.Fprintf(&b, "Metrics endpoint was: http://%s/metrics\n", cfg.MetricsAddr)
	}

	b.WriteString(heavy + "\n")

	return b.String()
}

// formatBasicSummary covers runs where aggregation was off.
func formatBasicSummary(cfg SummaryConfig) string {
	var b strings.Builder
	heavy := strings.Repeat("═", summaryRule)

	b.WriteString("\n")
	b.WriteString(heavy + "\n")
	b.WriteString("                         go-trainer-swarm Run Summary\n")
	b.WriteString(heavy + "\n\n")

	fmt.Fprintf(&b, "Run Duration:           %s\n", FormatDuration(cfg.Duration))
	fmt.Fprintf(&b, "World Size:             %d\n\n", cfg.WorldSize)

	if cfg.Failure != "" {
		b.WriteString(cfg.Failure)
		b.WriteString("\n\n")
	}

	if cfg.MetricsAddr != "" {
		fmt.Fprintf(&b, "Metrics endpoint was: http://%s/metrics\n", cfg.MetricsAddr)
	}

	b.WriteString(heavy + "\n")

	return b.String()
}

// workerResult renders one worker's terminal state for the table.
func workerResult(w WorkerSummary) string {
	switch {
	case !w.Exited:
		return "running"
	case w.Clean:
		return "clean"
	case w.Signal != "":
		return "signal " + w.Signal
	default:
		return fmt.Sprintf("exit %d", w.ExitCode)
	}
}

// renderFootnotes carries diagnostics that do not belong in the main
// sections.
func renderFootnotes(agg *AggregatedStats, cfg SummaryConfig) string {
	var footnotes []string

	if agg.TotalErrorLines > 0 {
		footnotes = append(footnotes, fmt.Sprintf(
			"[1] %s captured lines matched error patterns (tracebacks, OOM, NCCL)",
			FormatNumber(agg.TotalErrorLines)))
	}

	if cfg.LogDir != "" {
		footnotes = append(footnotes, fmt.Sprintf(
			"[2] Full worker output: %s/workerlog.<rank>", cfg.LogDir))
	}

	if len(footnotes) == 0 {
		return ""
	}

	var b strings.Builder
	light := strings.Repeat("─", summaryRule)
	b.WriteString(light + "\n")
	b.WriteString("                                  Footnotes\n")
	b.WriteString(light + "\n\n")
	for _, fn := range footnotes {
		fmt.Fprintf(&b, "  %s\n", fn)
	}
	b.WriteString("\n")
	return b.String()
}

// exitCodeLabel names the exit codes a pool commonly produces.
func exitCodeLabel(code int) string {
	switch code {
	case 0:
		return "(clean)"
	case 1:
		return "(error)"
	case 137:
		return "(SIGKILL)"
	case 143:
		return "(SIGTERM)"
	default:
		return ""
	}
}

// =============================================================================
// Formatting Helper Functions (exported for reuse)
// =============================================================================

// FormatDuration formats a duration as HH:MM:SS.
func FormatDuration(d time.Duration) string {
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}

// FormatNumber formats a number with K/M suffixes for readability.
func FormatNumber(n int64) string {
	if n >= 1_000_000 {
		return fmt.Sprintf("%.1fM", float64(n)/1_000_000)
	}
	if n >= 1_000 {
		return fmt.Sprintf("%.1fK", float64(n)/1_000)
	}
	return fmt.Sprintf("%d", n)
}

// FormatBytes formats bytes with KB/MB/GB suffixes.
func FormatBytes(n int64) string {
	if n >= 1_000_000_000 {
		return fmt.Sprintf("%.2f GB", float64(n)/1_000_000_000)
	}
	if n >= 1_000_000 {
		return fmt.Sprintf("%.2f MB", float64(n)/1_000_000)
	}
	if n >= 1_000 {
		return fmt.Sprintf("%.2f KB", float64(n)/1_000)
	}
	return fmt.Sprintf("%d B", n)
}

// FormatMs formats a duration as milliseconds.
func FormatMs(d time.Duration) string {
	ms := d.Milliseconds()
	if ms == 0 && d > 0 {
		return fmt.Sprintf("%d µs", d.Microseconds())
	}
	return fmt.Sprintf("%d ms", ms)
}

// FormatRate formats a rate with appropriate precision.
func FormatRate(rate float64) string {
	if rate >= 1000 {
		return fmt.Sprintf("%.1fK/s", rate/1000)
	}
	if rate >= 1 {
		return fmt.Sprintf("%.1f/s", rate)
	}
	return fmt.Sprintf("%.2f/s", rate)
}
