package logging

import (
	"bufio"
	"io"
	"log/slog"
	"strings"
	"sync"
)

const (
	// MaxLineLength is the maximum length of a single output line before truncation.
	MaxLineLength = 4096

	// MaxBufferedLines is the maximum number of lines to buffer per worker.
	MaxBufferedLines = 100
)

// OutputHandler tails the captured stdout/stderr of one worker process.
// It buffers recent lines for failure reports and relogs notable lines.
type OutputHandler struct {
	rank    int
	logger  *slog.Logger
	verbose bool

	// Circular buffer for recent lines
	buffer []string
	bufIdx int
	mu     sync.Mutex
}

// NewOutputHandler creates a new output handler for a worker rank.
func NewOutputHandler(rank int, logger *slog.Logger, verbose bool) *OutputHandler {
	return &OutputHandler{
		rank:    rank,
		logger:  logger,
		verbose: verbose,
		buffer:  make([]string, MaxBufferedLines),
	}
}

// HandleReader reads from an io.Reader and processes each line.
// This should be run in a goroutine; it returns when the reader is drained.
//
// Trainer frameworks print single-line tensors and tracebacks well past
// any fixed scanner buffer, so lines are accumulated without a cap and
// truncated only by HandleLine.
func (h *OutputHandler) HandleReader(r io.Reader) {
	br := bufio.NewReaderSize(r, 64*1024)
	for {
		line, err := br.ReadString('\n')
		if len(line) > 0 {
			h.HandleLine(strings.TrimSuffix(line, "\n"))
		}
		if err != nil {
			return
		}
	}
}

// HandleLine processes a single line of worker output.
func (h *OutputHandler) HandleLine(line string) {
	if len(line) > MaxLineLength {
		line = line[:MaxLineLength] + "...(truncated)"
	}

	h.mu.Lock()
	h.buffer[h.bufIdx] = line
	h.bufIdx = (h.bufIdx + 1) % MaxBufferedLines
	h.mu.Unlock()

	h.logLine(line)
}

// logLine logs the line at appropriate level based on content.
func (h *OutputHandler) logLine(line string) {
	level := h.classifyLine(line)

	// In non-verbose mode, only log warnings and errors
	if !h.verbose && level == slog.LevelDebug {
		return
	}

	h.logger.Log(nil, level, "worker_output",
		"rank", h.rank,
		"line", line,
	)
}

// classifyLine determines the log level for a line based on content.
func (h *OutputHandler) classifyLine(line string) slog.Level {
	lower := strings.ToLower(line)

	// Hard failure patterns
	if strings.Contains(lower, "traceback") ||
		strings.Contains(lower, "panic:") ||
		strings.Contains(lower, "out of memory") ||
		strings.Contains(lower, "segmentation fault") ||
		strings.Contains(lower, "fatal") ||
		(strings.Contains(lower, "error") && strings.Contains(lower, "failed")) {
		return slog.LevelWarn
	}

	// Transient trouble patterns
	if strings.Contains(lower, "connection refused") ||
		strings.Contains(lower, "retry") ||
		strings.Contains(lower, "timeout") ||
		strings.Contains(lower, "warning") {
		return slog.LevelWarn
	}

	// Training progress chatter
	if strings.Contains(lower, "step=") ||
		strings.Contains(lower, "epoch=") ||
		strings.Contains(lower, "loss=") ||
		strings.Contains(lower, "it/s") {
		return slog.LevelDebug
	}

	return slog.LevelDebug
}

// RecentLines returns the most recent lines from the buffer.
func (h *OutputHandler) RecentLines(n int) []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	if n > MaxBufferedLines {
		n = MaxBufferedLines
	}

	lines := make([]string, 0, n)

	for i := 0; i < n; i++ {
		idx := (h.bufIdx - n + i + MaxBufferedLines) % MaxBufferedLines
		if h.buffer[idx] != "" {
			lines = append(lines, h.buffer[idx])
		}
	}

	return lines
}

// ErrorPatterns are failure signatures commonly seen in trainer output,
// counted for the exit summary.
var ErrorPatterns = []string{
	"CUDA out of memory",
	"NCCL",
	"Traceback",
	"panic:",
	"Connection refused",
	"Segmentation fault",
	"timeout",
}

// IsErrorLine reports whether line matches any known failure pattern.
func IsErrorLine(line string) bool {
	for _, pattern := range ErrorPatterns {
		if strings.Contains(line, pattern) {
			return true
		}
	}
	return false
}

// CountErrors counts occurrences of known failure patterns in the buffer.
func (h *OutputHandler) CountErrors() map[string]int {
	h.mu.Lock()
	defer h.mu.Unlock()

	counts := make(map[string]int)

	for _, line := range h.buffer {
		if line == "" {
			continue
		}
		for _, pattern := range ErrorPatterns {
			if strings.Contains(line, pattern) {
				counts[pattern]++
			}
		}
	}

	return counts
}
