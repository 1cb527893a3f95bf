package orchestrator

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/randomizedcoder/go-trainer-swarm/internal/launch"
	"github.com/randomizedcoder/go-trainer-swarm/internal/logging"
	"github.com/randomizedcoder/go-trainer-swarm/internal/plan"
	"github.com/randomizedcoder/go-trainer-swarm/internal/pool"
	"github.com/randomizedcoder/go-trainer-swarm/internal/stats"
	"github.com/randomizedcoder/go-trainer-swarm/internal/tui"
)

// buildSpecs produces one launch spec per record: argv mode, merged
// output through the per-worker sink, a workerlog file per rank when a
// log dir is set, every byte counted into the throughput tracker.
//
// The returned closer releases the workerlog files on a failed start;
// after a successful start the launcher closes them once output
// drains.
func (o *Orchestrator) buildSpecs(records []plan.Record) ([]launch.Spec, func(), error) {
	var logFiles []*os.File
	closeAll := func() {
		for _, f := range logFiles {
			f.Close()
		}
	}

	if o.config.LogDir != "" {
		if err := os.MkdirAll(o.config.LogDir, 0o755); err != nil {
			return nil, nil, fmt.Errorf("create log dir: %w", err)
		}
	}

	o.workerStats = make([]*stats.WorkerStats, 0, len(records))
	o.handlers = make(map[int]*logging.OutputHandler, len(records))

	specs := make([]launch.Spec, 0, len(records))
	for _, record := range records {
		ws := stats.NewWorkerStats(record.Rank, 0)
		o.workerStats = append(o.workerStats, ws)

		handler := logging.NewOutputHandler(record.Rank, o.logger, o.config.Verbose)
		o.handlers[record.Rank] = handler

		var dst io.WriteCloser = nopWriteCloser{}
		if o.config.LogDir != "" {
			name := filepath.Join(o.config.LogDir, fmt.Sprintf("workerlog.%d", record.Rank))
			f, err := os.Create(name)
			if err != nil {
				closeAll()
				return nil, nil, fmt.Errorf("create worker log: %w", err)
			}
			logFiles = append(logFiles, f)
			dst = f
		}

		specs = append(specs, launch.Spec{
			Record:    record,
			Argv:      o.config.Command,
			Daemon:    o.config.Daemon,
			LogWriter: o.tracker.Wrap(dst),
			Output:    &workerSink{handler: handler, stats: ws},
			Logger:    o.logger,
		})
	}
	return specs, closeAll, nil
}

// registerWorkers binds the started processes to their stats. Pids are
// only known after launch.
func (o *Orchestrator) registerWorkers(workers []*launch.Worker) {
	for i, w := range workers {
		ws := o.workerStats[i]
		ws.Pid = w.Pid
		o.aggregator.AddWorker(ws)
		if o.collector != nil {
			o.collector.WorkerStarted()
		}
	}
}

// onWorkerExit feeds each reaped worker into the stats and metrics
// paths. The pool calls it in reap order.
func (o *Orchestrator) onWorkerExit(w *launch.Worker, st launch.ExitStatus) {
	o.aggregator.RecordExit(w.Rank, stats.ExitRecord{
		Code:     st.Code,
		Signal:   st.SignalName(),
		Signaled: st.Signaled,
		Uptime:   st.Uptime,
	})

	if o.collector != nil {
		o.collector.RecordExit(st.Code, st.Signaled, st.Uptime)
	}
	if o.dashboard != nil {
		o.dashboard.Event(fmt.Sprintf("worker %d exited: %s", w.Rank, st.Describe()))
	}
}

// killAll sweeps SIGKILL across every worker process group still
// alive. The drain in flight observes the deaths and finishes.
func (o *Orchestrator) killAll() {
	for _, w := range o.workers {
		select {
		case <-w.Done():
			continue
		default:
		}
		w.Kill()
		if o.collector != nil {
			o.collector.WorkerKilled()
		}
	}
}

// failureReport renders the first failure for the exit summary,
// quoting the worker's diagnostic or its last captured output.
func (o *Orchestrator) failureReport(f *pool.Failure) string {
	var b strings.Builder
	fmt.Fprintf(&b, "worker %d: %s\n", f.Rank, f.Status.Describe())

	if f.Diagnostic != "" {
		b.WriteString(f.Diagnostic)
		if !strings.HasSuffix(f.Diagnostic, "\n") {
			b.WriteByte('\n')
		}
		return b.String()
	}

	if h := o.handlers[f.Rank]; h != nil {
		if lines := h.RecentLines(failureContextLines); len(lines) > 0 {
			b.WriteString("last captured output:\n")
			for _, line := range lines {
				fmt.Fprintf(&b, "  %s\n", line)
			}
		}
	}
	return b.String()
}

// printWorkerEnv prints each planned worker's environment without
// launching anything.
func (o *Orchestrator) printWorkerEnv(w io.Writer) {
	fmt.Fprintln(w, "# Environment installed for each worker:")
	for _, record := range o.records {
		fmt.Fprintf(w, "\n# rank %d (%s)\n", record.Rank, record.Endpoint)
		for _, kv := range record.Environ() {
			fmt.Fprintln(w, kv)
		}
	}
}

// workerSink consumes one worker's merged stdout and stderr: it counts
// bytes, lines and failure-pattern hits into the worker's stats and
// hands each line to the classifier for relogging and the recent-lines
// buffer.
type workerSink struct {
	handler *logging.OutputHandler
	stats   *stats.WorkerStats
}

// HandleReader reads until EOF. Lines are counted at full length and
// truncated only for display.
func (s *workerSink) HandleReader(r io.Reader) {
	br := bufio.NewReaderSize(r, 64*1024)
	for {
		line, err := br.ReadString('\n')
		if len(line) > 0 {
			s.consume(strings.TrimSuffix(line, "\n"), int64(len(line)))
		}
		if err != nil {
			return
		}
	}
}

func (s *workerSink) consume(line string, size int64) {
	var errLines int64
	if logging.IsErrorLine(line) {
		errLines = 1
	}
	s.stats.RecordOutput(size, 1, errLines)
	s.handler.HandleLine(line)
}

// nopWriteCloser discards writes. It keeps the counting writer in the
// capture path when no workerlog file backs it.
type nopWriteCloser struct{}

func (nopWriteCloser) Write(p []byte) (int, error) { return len(p), nil }
func (nopWriteCloser) Close() error                { return nil }

// poolStateSource adapts the pool for the dashboard.
type poolStateSource struct {
	pool *pool.Pool
}

func (s poolStateSource) State() string {
	return s.pool.State().String()
}

// workerInfos pairs the plan records with their started processes for
// the dashboard's rank table.
func workerInfos(records []plan.Record, workers []*launch.Worker) []tui.WorkerInfo {
	infos := make([]tui.WorkerInfo, 0, len(records))
	for i, record := range records {
		infos = append(infos, tui.WorkerInfo{
			Rank:     record.Rank,
			Pid:      workers[i].Pid,
			Endpoint: record.Endpoint,
			Devices:  deviceList(record.Devices),
		})
	}
	return infos
}

// deviceList renders assigned accelerator ids, "-" for CPU ranks.
func deviceList(devices []int) string {
	if len(devices) == 0 {
		return "-"
	}
	parts := make([]string, len(devices))
	for i, d := range devices {
		parts[i] = strconv.Itoa(d)
	}
	return strings.Join(parts, ",")
}
