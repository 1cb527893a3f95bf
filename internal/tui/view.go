package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/randomizedcoder/go-trainer-swarm/internal/stats"
)

// =============================================================================
// Main View Rendering
// =============================================================================

// renderSummaryView renders the main dashboard.
func (m Model) renderSummaryView() string {
	var sections []string

	sections = append(sections, m.renderHeader())
	sections = append(sections, m.renderPool())

	if m.stats != nil {
		sections = append(sections, m.renderThroughput())
	}

	sections = append(sections, m.renderWorkerTable())
	sections = append(sections, m.renderEvents())
	sections = append(sections, m.renderFooter())

	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

// renderDetailedView renders per-worker output statistics.
func (m Model) renderDetailedView() string {
	var sections []string

	sections = append(sections, m.renderHeader())
	sections = append(sections, m.renderWorkerStatsTable())
	sections = append(sections, m.renderFooter())

	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

// =============================================================================
// Header
// =============================================================================

func (m Model) renderHeader() string {
	header := fmt.Sprintf(
		" go-trainer-swarm │ %s │ Workers: %d/%d │ World: %d │ Elapsed: %s ",
		PoolStateLabel(m.poolState),
		m.RunningWorkers(),
		m.NodeWorkers(),
		m.worldSize,
		formatDuration(m.Elapsed()),
	)

	return headerStyle.Width(m.width).Render(header)
}

// =============================================================================
// Pool Section
// =============================================================================

func (m Model) renderPool() string {
	var rows []string

	var status string
	switch m.poolState {
	case "running":
		if m.stats != nil && m.stats.Running < m.NodeWorkers() {
			status = statusInfo.Render(fmt.Sprintf("%d of %d workers still running",
				m.stats.Running, m.NodeWorkers()))
		} else {
			status = statusOK.Render("✓ All workers running")
		}
	case "draining":
		status = statusWarning.Render("Draining: terminating remaining workers")
	case "joined":
		status = statusOK.Render("✓ Pool joined, every worker exited cleanly")
	case "failed":
		status = statusError.Render("✗ Pool failed, see the exit summary")
	default:
		status = mutedStyle.Render(m.poolState)
	}
	rows = append(rows, status)

	if m.stats != nil && m.stats.Exited > 0 {
		barWidth := m.width - 30
		if barWidth < 20 {
			barWidth = 20
		}
		rows = append(rows, RenderProgressBar(m.ExitProgress(), barWidth))

		exits := fmt.Sprintf("%d exited (%d clean)", m.stats.Exited, m.stats.CleanExits)
		exitStyle := valueStyle
		if m.stats.Failed > 0 {
			exits += fmt.Sprintf(", %d failed", m.stats.Failed)
			exitStyle = valueBadStyle
		}
		rows = append(rows, RenderKeyValue("Exits", exitStyle.Render(exits)))
	}

	content := lipgloss.JoinVertical(lipgloss.Left,
		append([]string{sectionHeaderStyle.Render("Pool")}, rows...)...,
	)

	return boxStyle.Width(m.width - 2).Render(content)
}

// =============================================================================
// Output Throughput
// =============================================================================

func (m Model) renderThroughput() string {
	s := m.stats

	rows := []string{
		renderStatRow("Captured Output", formatBytes(s.TotalOutputBytes),
			formatByteRate(m.output.BytesPerSec1s)),
		renderStatRow("Output Lines", formatNumber(s.TotalOutputLines),
			formatRate(m.output.LinesPerSec60s)),
	}

	errStyle := valueStyle
	if s.TotalErrorLines > 0 {
		errStyle = valueBadStyle
	}
	rows = append(rows, lipgloss.JoinHorizontal(lipgloss.Left,
		labelStyle.Render("Error Lines:"),
		errStyle.Render(formatNumber(s.TotalErrorLines)),
	))

	rows = append(rows, lipgloss.JoinHorizontal(lipgloss.Left,
		labelStyle.Render("Rolling Rates:"),
		mutedStyle.Render(fmt.Sprintf("1s %s   60s %s   overall %s",
			formatByteRate(m.output.BytesPerSec1s),
			formatByteRate(m.output.BytesPerSec60s),
			formatByteRate(m.output.Overall))),
	))

	content := lipgloss.JoinVertical(lipgloss.Left,
		append([]string{sectionHeaderStyle.Render("Output Throughput")}, rows...)...,
	)

	return boxStyle.Width(m.width - 2).Render(content)
}

func renderStatRow(label, value, rate string) string {
	return lipgloss.JoinHorizontal(lipgloss.Left,
		labelStyle.Render(label+":"),
		valueStyle.Width(12).Render(value),
		mutedStyle.Render(" ("),
		valueStyle.Render(rate),
		mutedStyle.Render(")"),
	)
}

// =============================================================================
// Worker Table
// =============================================================================

func (m Model) renderWorkerTable() string {
	if len(m.workers) == 0 {
		return boxStyle.Width(m.width - 2).Render(
			dimStyle.Render("No workers launched yet."),
		)
	}

	header := tableHeaderStyle.Render(
		fmt.Sprintf("%-5s %-8s %-8s %-22s %-14s %-10s",
			"RANK", "PID", "DEVICE", "ENDPOINT", "STATE", "UPTIME"),
	)

	summaries := m.workerSummaries()

	maxRows := m.height - 16
	if maxRows < 4 {
		maxRows = 4
	}

	var rows []string
	for i, w := range m.workers {
		if i >= maxRows {
			rows = append(rows, dimStyle.Render(
				fmt.Sprintf("... and %d more workers", len(m.workers)-maxRows)))
			break
		}

		state := "running"
		uptime := m.Elapsed()
		if sum, ok := summaries[w.Rank]; ok {
			state = workerState(sum)
			uptime = sum.Uptime
		}

		rowStyle := tableRowEvenStyle
		if i%2 == 1 {
			rowStyle = tableRowOddStyle
		}

		row := fmt.Sprintf("%-5d %-8d %-8s %-22s %-14s %-10s",
			w.Rank,
			w.Pid,
			w.Devices,
			w.Endpoint,
			WorkerStateStyle(state).Render(state),
			formatDuration(uptime),
		)
		rows = append(rows, rowStyle.Render(row))
	}

	content := lipgloss.JoinVertical(lipgloss.Left,
		append([]string{
			sectionHeaderStyle.Render("Workers"),
			header,
		}, rows...)...,
	)

	return boxStyle.Width(m.width - 2).Render(content)
}

// renderWorkerStatsTable renders the detailed per-worker output view.
func (m Model) renderWorkerStatsTable() string {
	if m.stats == nil || len(m.stats.PerWorker) == 0 {
		return boxStyle.Width(m.width - 2).Render(
			dimStyle.Render("No per-worker data available. Press 'd' to toggle."),
		)
	}

	header := tableHeaderStyle.Render(
		fmt.Sprintf("%-5s %-8s %-10s %-10s %-10s %-8s %-14s",
			"RANK", "PID", "UPTIME", "BYTES", "LINES", "ERRORS", "STATE"),
	)

	maxRows := m.height - 10
	if maxRows < 5 {
		maxRows = 5
	}

	var rows []string
	for i, w := range m.stats.PerWorker {
		if i >= maxRows {
			rows = append(rows, dimStyle.Render(
				fmt.Sprintf("... and %d more workers", len(m.stats.PerWorker)-maxRows)))
			break
		}

		rowStyle := tableRowEvenStyle
		if i%2 == 1 {
			rowStyle = tableRowOddStyle
		}

		errStyle := valueStyle
		if w.ErrorLines > 0 {
			errStyle = valueBadStyle
		}

		state := workerState(w)
		row := fmt.Sprintf("%-5d %-8d %-10s %-10s %-10s %-8s %-14s",
			w.Rank,
			w.Pid,
			formatDuration(w.Uptime),
			formatBytes(w.OutputBytes),
			formatNumber(w.OutputLines),
			errStyle.Render(formatNumber(w.ErrorLines)),
			WorkerStateStyle(state).Render(state),
		)
		rows = append(rows, rowStyle.Render(row))
	}

	content := lipgloss.JoinVertical(lipgloss.Left,
		append([]string{
			sectionHeaderStyle.Render("Per-Worker Output"),
			header,
		}, rows...)...,
	)

	return boxStyle.Width(m.width - 2).Render(content)
}

// workerSummaries indexes the aggregated per-worker summaries by rank.
func (m Model) workerSummaries() map[int]stats.WorkerSummary {
	out := make(map[int]stats.WorkerSummary)
	if m.stats == nil {
		return out
	}
	for _, w := range m.stats.PerWorker {
		out[w.Rank] = w
	}
	return out
}

// workerState labels one worker for the tables.
func workerState(w stats.WorkerSummary) string {
	if w.Exited {
		if w.Signal != "" {
			return "signal " + w.Signal
		}
		return fmt.Sprintf("exit %d", w.ExitCode)
	}
	if w.Idle {
		return "idle"
	}
	return "running"
}

// =============================================================================
// Recent Events
// =============================================================================

func (m Model) renderEvents() string {
	var rows []string
	if len(m.events) == 0 {
		rows = append(rows, dimStyle.Render("no events yet"))
	}
	for _, ev := range m.events {
		rows = append(rows, lipgloss.JoinHorizontal(lipgloss.Left,
			dimStyle.Render(ev.Time.Format("15:04:05")+" "),
			mutedStyle.Render(truncateLine(ev.Line, m.width-14)),
		))
	}

	content := lipgloss.JoinVertical(lipgloss.Left,
		append([]string{sectionHeaderStyle.Render("Recent Events")}, rows...)...,
	)

	return boxStyle.Width(m.width - 2).Render(content)
}

// truncateLine bounds one event line to the pane width.
func truncateLine(s string, max int) string {
	if max < 10 {
		max = 10
	}
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}

// =============================================================================
// Footer
// =============================================================================

func (m Model) renderFooter() string {
	shortcuts := []string{
		"q: quit (drains the pool)",
		"d: toggle details",
		"r: refresh",
	}

	right := "Run: " + shortID(m.runID)
	if m.metricsAddr != "" {
		right += " │ Metrics: " + m.metricsAddr
	} else if m.logDir != "" {
		right += " │ Logs: " + m.logDir
	}

	left := dimStyle.Render(strings.Join(shortcuts, " │ "))
	rightRendered := dimStyle.Render(right)

	padding := m.width - lipgloss.Width(left) - lipgloss.Width(rightRendered) - 2
	if padding < 1 {
		padding = 1
	}

	return footerStyle.Render(
		lipgloss.JoinHorizontal(lipgloss.Left,
			left,
			strings.Repeat(" ", padding),
			rightRendered,
		),
	)
}

// shortID abbreviates a run id for display.
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
