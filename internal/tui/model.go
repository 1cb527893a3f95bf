package tui

import (
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/randomizedcoder/go-trainer-swarm/internal/stats"
	"github.com/randomizedcoder/go-trainer-swarm/internal/timeseries"
)

// =============================================================================
// Messages
// =============================================================================

// TickMsg is sent periodically to update the display.
type TickMsg time.Time

// StatsMsg carries updated statistics.
type StatsMsg struct {
	Stats *stats.AggregatedStats
}

// EventMsg appends a line to the recent events pane.
type EventMsg struct {
	Time time.Time
	Line string
}

// QuitMsg closes the dashboard from the supervisor side.
type QuitMsg struct{}

// maxEvents bounds the recent events pane.
const maxEvents = 8

// =============================================================================
// Model
// =============================================================================

// Model represents the dashboard state.
type Model struct {
	// Configuration
	runID       string
	worldSize   int
	metricsAddr string
	logDir      string

	// Static per-rank identity, fixed at launch.
	workers []WorkerInfo

	// Current state
	stats      *stats.AggregatedStats
	output     timeseries.OutputStats
	poolState  string
	events     []EventMsg
	startTime  time.Time
	lastUpdate time.Time

	// Display options
	width        int
	height       int
	detailedView bool

	// Pull sources, polled on every tick.
	statsSource  StatsSource
	outputSource OutputSource
	poolSource   PoolSource

	// Quit flags. userQuit distinguishes a keyboard exit from a
	// supervisor-sent QuitMsg.
	quitting bool
	userQuit bool
}

// WorkerInfo is one rank's identity row in the worker table.
type WorkerInfo struct {
	Rank     int
	Pid      int
	Endpoint string
	Devices  string
}

// StatsSource provides aggregated worker statistics.
type StatsSource interface {
	Aggregate() *stats.AggregatedStats
}

// OutputSource provides pool output throughput.
type OutputSource interface {
	Snapshot() timeseries.OutputStats
}

// PoolSource names the pool's lifecycle state.
type PoolSource interface {
	State() string
}

// Config holds dashboard configuration.
type Config struct {
	RunID       string
	WorldSize   int
	MetricsAddr string
	LogDir      string
	Workers     []WorkerInfo

	Stats  StatsSource
	Output OutputSource
	Pool   PoolSource
}

// New creates a dashboard model.
func New(cfg Config) Model {
	return Model{
		runID:        cfg.RunID,
		worldSize:    cfg.WorldSize,
		metricsAddr:  cfg.MetricsAddr,
		logDir:       cfg.LogDir,
		workers:      cfg.Workers,
		poolState:    "running",
		statsSource:  cfg.Stats,
		outputSource: cfg.Output,
		poolSource:   cfg.Pool,
		startTime:    time.Now(),
		lastUpdate:   time.Now(),
		width:        80,
		height:       24,
	}
}

// =============================================================================
// Bubble Tea Interface
// =============================================================================

// Init initializes the model.
func (m Model) Init() tea.Cmd {
	// tea.WithAltScreen() is passed when creating the program.
	return tickCmd()
}

// Update handles messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			m.quitting = true
			m.userQuit = true
			return m, tea.Quit
		case "d":
			m.detailedView = !m.detailedView
			return m, nil
		case "r":
			// Force refresh
			return m, tickCmd()
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case TickMsg:
		if m.statsSource != nil {
			m.stats = m.statsSource.Aggregate()
		}
		if m.outputSource != nil {
			m.output = m.outputSource.Snapshot()
		}
		if m.poolSource != nil {
			m.poolState = m.poolSource.State()
		}
		m.lastUpdate = time.Now()
		return m, tickCmd()

	case StatsMsg:
		m.stats = msg.Stats
		m.lastUpdate = time.Now()
		return m, nil

	case EventMsg:
		m.events = append(m.events, msg)
		if len(m.events) > maxEvents {
			m.events = m.events[len(m.events)-maxEvents:]
		}
		return m, nil

	case QuitMsg:
		m.quitting = true
		return m, tea.Quit
	}

	return m, nil
}

// View renders the dashboard.
func (m Model) View() string {
	if m.quitting {
		return ""
	}

	if m.detailedView && m.stats != nil && len(m.stats.PerWorker) > 0 {
		return m.renderDetailedView()
	}
	return m.renderSummaryView()
}

// =============================================================================
// Commands
// =============================================================================

// tickCmd returns a command that sends a tick after 500ms.
func tickCmd() tea.Cmd {
	return tea.Tick(500*time.Millisecond, func(t time.Time) tea.Msg {
		return TickMsg(t)
	})
}

// =============================================================================
// Accessors
// =============================================================================

// Elapsed returns the time since the run started.
func (m Model) Elapsed() time.Duration {
	return time.Since(m.startTime)
}

// RunningWorkers returns the current live worker count.
func (m Model) RunningWorkers() int {
	if m.stats == nil {
		return len(m.workers)
	}
	return m.stats.Running
}

// NodeWorkers returns the worker count on this node.
func (m Model) NodeWorkers() int {
	return len(m.workers)
}

// PoolState returns the pool's lifecycle state name.
func (m Model) PoolState() string {
	return m.poolState
}

// ExitProgress returns the fraction of this node's workers reaped.
func (m Model) ExitProgress() float64 {
	if m.stats == nil || len(m.workers) == 0 {
		return 0
	}
	return float64(m.stats.Exited) / float64(len(m.workers))
}

// =============================================================================
// Helper for external use
// =============================================================================

// SendStats sends a stats update to the dashboard.
func SendStats(p *tea.Program, s *stats.AggregatedStats) {
	if p != nil {
		p.Send(StatsMsg{Stats: s})
	}
}

// SendQuit closes the dashboard.
func SendQuit(p *tea.Program) {
	if p != nil {
		p.Send(QuitMsg{})
	}
}

// =============================================================================
// Formatting Helpers (used by view.go)
// =============================================================================

// formatDuration formats a duration as HH:MM:SS.
func formatDuration(d time.Duration) string {
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}

// formatNumber formats a number with K/M suffixes.
func formatNumber(n int64) string {
	if n >= 1_000_000 {
		return fmt.Sprintf("%.1fM", float64(n)/1_000_000)
	}
	if n >= 1_000 {
		return fmt.Sprintf("%.1fK", float64(n)/1_000)
	}
	return fmt.Sprintf("%d", n)
}

// formatBytes formats bytes with KB/MB/GB suffixes.
func formatBytes(n int64) string {
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

// formatRate formats a per-second rate with appropriate precision.
func formatRate(rate float64) string {
	if rate >= 1000 {
		return fmt.Sprintf("%.1fK/s", rate/1000)
	}
	if rate >= 1 {
		return fmt.Sprintf("%.1f/s", rate)
	}
	return fmt.Sprintf("%.2f/s", rate)
}

// formatByteRate formats a byte rate.
func formatByteRate(rate float64) string {
	return formatBytes(int64(rate)) + "/s"
}
