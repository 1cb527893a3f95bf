package launch

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/randomizedcoder/go-trainer-swarm/internal/plan"
)

// =============================================================================
// Test Helpers
// =============================================================================

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testRecord builds a minimal planned record for rank.
func testRecord(rank int) plan.Record {
	return plan.Record{
		Rank:      rank,
		WorldSize: 4,
		Devices:   []int{rank},
		Endpoint:  "127.0.0.1:6070",
		Env: map[string]string{
			plan.EnvWorkerRank:      strconv.Itoa(rank),
			plan.EnvWorldSize:       "4",
			plan.EnvSelectedDevices: strconv.Itoa(rank),
			plan.EnvCurrentEndpoint: "127.0.0.1:6070",
		},
	}
}

// shellSpec runs script under bash with the given rank's record.
func shellSpec(rank int, script string) Spec {
	return Spec{
		Record: testRecord(rank),
		Argv:   []string{"bash", "-c", script},
		Logger: newTestLogger(),
	}
}

// waitDone fails the test if the worker does not exit within timeout.
func waitDone(t *testing.T, w *Worker, timeout time.Duration) {
	t.Helper()
	select {
	case <-w.Done():
	case <-time.After(timeout):
		w.Kill()
		t.Fatal("worker did not exit within timeout")
	}
}

// captureSink collects captured output lines.
type captureSink struct {
	mu    sync.Mutex
	lines []string
}

func (s *captureSink) HandleReader(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		s.mu.Lock()
		s.lines = append(s.lines, scanner.Text())
		s.mu.Unlock()
	}
}

func (s *captureSink) Lines() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.lines))
	copy(out, s.lines)
	return out
}

// bufWriteCloser is an in-memory log writer that records Close.
type bufWriteCloser struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	closed bool
}

func (b *bufWriteCloser) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *bufWriteCloser) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

func (b *bufWriteCloser) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func (b *bufWriteCloser) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// =============================================================================
// Tests: Spec Validation
// =============================================================================

func TestStart_SpecValidation(t *testing.T) {
	tests := []struct {
		name string
		spec Spec
	}{
		{
			name: "neither func nor argv",
			spec: Spec{Record: testRecord(0), Logger: newTestLogger()},
		},
		{
			name: "both func and argv",
			spec: Spec{
				Record:   testRecord(0),
				FuncName: "train",
				Argv:     []string{"bash", "-c", "exit 0"},
				Logger:   newTestLogger(),
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Start(tt.spec); err == nil {
				t.Fatal("Start() should have failed")
			}
		})
	}
}

func TestStart_MissingBinary(t *testing.T) {
	spec := Spec{
		Record: testRecord(0),
		Argv:   []string{"/nonexistent/trainer-binary"},
		Logger: newTestLogger(),
	}
	if _, err := Start(spec); err == nil {
		t.Fatal("Start() should fail for a missing binary")
	}
}

// =============================================================================
// Tests: Exit Status
// =============================================================================

func TestWorker_CleanExit(t *testing.T) {
	w, err := Start(shellSpec(0, "exit 0"))
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	waitDone(t, w, 5*time.Second)

	st := w.Status()
	if st.Code != 0 {
		t.Errorf("exit code = %d, want 0", st.Code)
	}
	if st.Signaled {
		t.Error("Signaled should be false for a clean exit")
	}
	if st.Uptime <= 0 {
		t.Errorf("uptime = %v, want > 0", st.Uptime)
	}
}

func TestWorker_NonZeroExit(t *testing.T) {
	w, err := Start(shellSpec(1, "exit 7"))
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	waitDone(t, w, 5*time.Second)

	st := w.Status()
	if st.Code != 7 {
		t.Errorf("exit code = %d, want 7", st.Code)
	}
	if st.Signaled {
		t.Error("Signaled should be false")
	}
}

func TestWorker_Killed(t *testing.T) {
	w, err := Start(shellSpec(0, "sleep 30"))
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	w.Kill()
	waitDone(t, w, 5*time.Second)

	st := w.Status()
	if !st.Signaled {
		t.Fatal("Signaled should be true after SIGKILL")
	}
	if st.Signal != syscall.SIGKILL {
		t.Errorf("signal = %v, want SIGKILL", st.Signal)
	}
	if st.Code != 137 {
		t.Errorf("exit code = %d, want 137", st.Code)
	}
}

func TestWorker_Terminated(t *testing.T) {
	w, err := Start(shellSpec(0, "sleep 30"))
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	w.Terminate()
	waitDone(t, w, 5*time.Second)

	st := w.Status()
	if !st.Signaled {
		t.Fatal("Signaled should be true after SIGTERM")
	}
	if st.Signal != syscall.SIGTERM {
		t.Errorf("signal = %v, want SIGTERM", st.Signal)
	}
}

func TestWorker_ReapEscalatesToKill(t *testing.T) {
	// The worker ignores SIGTERM, so Reap has to escalate. The loop
	// keeps the shell itself alive when the group signal takes out the
	// inner sleep.
	w, err := Start(shellSpec(0, `trap "" TERM; while :; do sleep 0.2; done`))
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	// Let the trap install before signaling.
	time.Sleep(200 * time.Millisecond)
	w.Terminate()

	start := time.Now()
	st := w.Reap(300 * time.Millisecond)
	elapsed := time.Since(start)

	if !st.Signaled || st.Signal != syscall.SIGKILL {
		t.Errorf("status = %+v, want SIGKILL", st)
	}
	if elapsed > 3*time.Second {
		t.Errorf("Reap took %v, escalation should be prompt", elapsed)
	}
}

func TestWorker_ReapAfterExit(t *testing.T) {
	w, err := Start(shellSpec(0, "exit 3"))
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	waitDone(t, w, 5*time.Second)

	// Reap on an exited worker returns immediately with the same status.
	st := w.Reap(time.Millisecond)
	if st.Code != 3 {
		t.Errorf("exit code = %d, want 3", st.Code)
	}
}

func TestWorker_SignalAfterExitIsSafe(t *testing.T) {
	w, err := Start(shellSpec(0, "exit 0"))
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	waitDone(t, w, 5*time.Second)

	// Must not signal a reaped pid.
	w.Terminate()
	w.Kill()

	if st := w.Status(); st.Code != 0 {
		t.Errorf("exit code = %d, want 0", st.Code)
	}
}

// =============================================================================
// Tests: Environment
// =============================================================================

func TestWorker_RecordEnvInstalled(t *testing.T) {
	sink := &captureSink{}
	spec := shellSpec(3, `echo "rank=$SWARM_WORKER_RANK world=$SWARM_WORLD_SIZE"`)
	spec.Output = sink

	w, err := Start(spec)
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	waitDone(t, w, 5*time.Second)

	lines := sink.Lines()
	if len(lines) != 1 {
		t.Fatalf("captured %d lines, want 1: %v", len(lines), lines)
	}
	if lines[0] != "rank=3 world=4" {
		t.Errorf("captured %q, want %q", lines[0], "rank=3 world=4")
	}
}

func TestWorker_ProxyStripped(t *testing.T) {
	t.Setenv("http_proxy", "http://127.0.0.1:3128")
	t.Setenv("HTTPS_PROXY", "http://127.0.0.1:3128")

	sink := &captureSink{}
	spec := shellSpec(0, `echo "proxy=${http_proxy:-unset}/${HTTPS_PROXY:-unset}"`)
	spec.Output = sink

	w, err := Start(spec)
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	waitDone(t, w, 5*time.Second)

	lines := sink.Lines()
	if len(lines) != 1 || lines[0] != "proxy=unset/unset" {
		t.Errorf("captured %v, want proxy=unset/unset", lines)
	}
}

// =============================================================================
// Tests: Outcome Pipe
// =============================================================================

func TestWorker_ResultFrame(t *testing.T) {
	w, err := Start(shellSpec(0, `printf '{"kind":"result","value":42}' >&3`))
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	waitDone(t, w, 5*time.Second)

	value, ok := w.Result()
	if !ok {
		t.Fatal("Result() should have a frame")
	}
	if string(value) != "42" {
		t.Errorf("result = %s, want 42", value)
	}
	if _, ok := w.Diagnostic(); ok {
		t.Error("Diagnostic() should be empty for a result frame")
	}
}

func TestWorker_ErrorFrame(t *testing.T) {
	script := `printf '{"kind":"error","error":"boom","stack":"at train step 7"}' >&3; exit 1`
	w, err := Start(shellSpec(1, script))
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	waitDone(t, w, 5*time.Second)

	if st := w.Status(); st.Code != 1 {
		t.Errorf("exit code = %d, want 1", st.Code)
	}

	diag, ok := w.Diagnostic()
	if !ok {
		t.Fatal("Diagnostic() should have a frame")
	}
	if !bytes.Contains([]byte(diag), []byte("boom")) {
		t.Errorf("diagnostic %q should contain the error message", diag)
	}
	if !bytes.Contains([]byte(diag), []byte("at train step 7")) {
		t.Errorf("diagnostic %q should contain the stack", diag)
	}
	if _, ok := w.Result(); ok {
		t.Error("Result() should be empty for an error frame")
	}
}

func TestWorker_NoFrame(t *testing.T) {
	w, err := Start(shellSpec(0, "exit 0"))
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	waitDone(t, w, 5*time.Second)

	if _, ok := w.Result(); ok {
		t.Error("Result() should be empty when the worker sent nothing")
	}
	if _, ok := w.Diagnostic(); ok {
		t.Error("Diagnostic() should be empty when the worker sent nothing")
	}
}

func TestWorker_NoFrameWhenKilled(t *testing.T) {
	w, err := Start(shellSpec(0, "sleep 30"))
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	w.Kill()
	waitDone(t, w, 5*time.Second)

	if _, ok := w.Result(); ok {
		t.Error("Result() should be empty for a killed worker")
	}
	if _, ok := w.Diagnostic(); ok {
		t.Error("Diagnostic() should be empty for a killed worker")
	}
}

// =============================================================================
// Tests: Output Capture
// =============================================================================

func TestWorker_LogWriterReceivesOutput(t *testing.T) {
	logw := &bufWriteCloser{}
	spec := shellSpec(0, `echo to-stdout; echo to-stderr >&2`)
	spec.LogWriter = logw

	w, err := Start(spec)
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	waitDone(t, w, 5*time.Second)

	out := logw.String()
	if !bytes.Contains([]byte(out), []byte("to-stdout")) {
		t.Errorf("log %q should contain stdout", out)
	}
	if !bytes.Contains([]byte(out), []byte("to-stderr")) {
		t.Errorf("log %q should contain stderr", out)
	}
	if !logw.Closed() {
		t.Error("log writer should be closed after drain")
	}
}

func TestWorker_SinkAndLogWriterBoth(t *testing.T) {
	logw := &bufWriteCloser{}
	sink := &captureSink{}
	spec := shellSpec(0, `echo shared-line`)
	spec.LogWriter = logw
	spec.Output = sink

	w, err := Start(spec)
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	waitDone(t, w, 5*time.Second)

	if !bytes.Contains([]byte(logw.String()), []byte("shared-line")) {
		t.Error("log writer should see the line")
	}
	lines := sink.Lines()
	if len(lines) != 1 || lines[0] != "shared-line" {
		t.Errorf("sink lines = %v, want [shared-line]", lines)
	}
}

// =============================================================================
// Tests: StartAll
// =============================================================================

func TestStartAll_AllStarted(t *testing.T) {
	specs := []Spec{
		shellSpec(0, "exit 0"),
		shellSpec(1, "exit 0"),
	}

	workers, err := StartAll(specs, time.Second)
	if err != nil {
		t.Fatalf("StartAll() error: %v", err)
	}
	if len(workers) != 2 {
		t.Fatalf("started %d workers, want 2", len(workers))
	}
	for _, w := range workers {
		waitDone(t, w, 5*time.Second)
		if st := w.Status(); st.Code != 0 {
			t.Errorf("rank %d exit code = %d, want 0", w.Rank, st.Code)
		}
	}
}

func TestStartAll_CleanupOnFailure(t *testing.T) {
	bad := Spec{
		Record: testRecord(2),
		Argv:   []string{"/nonexistent/trainer-binary"},
		Logger: newTestLogger(),
	}
	specs := []Spec{
		shellSpec(0, "sleep 30"),
		shellSpec(1, "sleep 30"),
		bad,
	}

	// The failing third start must not leave the first two running;
	// StartAll reaps them before returning, so this returns promptly.
	start := time.Now()
	workers, err := StartAll(specs, 2*time.Second)
	if err == nil {
		t.Fatal("StartAll() should fail on the third spec")
	}
	if workers != nil {
		t.Errorf("workers should be nil on failure, got %d", len(workers))
	}
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Errorf("cleanup took %v, want prompt teardown", elapsed)
	}
}

// =============================================================================
// Tests: Uptime
// =============================================================================

func TestWorker_Uptime(t *testing.T) {
	w, err := Start(shellSpec(0, "sleep 30"))
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	time.Sleep(150 * time.Millisecond)
	if up := w.Uptime(); up < 100*time.Millisecond {
		t.Errorf("Uptime() = %v while running, want > 100ms", up)
	}

	w.Kill()
	waitDone(t, w, 5*time.Second)

	final := w.Uptime()
	time.Sleep(50 * time.Millisecond)
	if w.Uptime() != final {
		t.Error("Uptime() should be stable after exit")
	}
}

// =============================================================================
// Tests: Exit Status Helpers
// =============================================================================

func TestWaitStatus(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode int
	}{
		{name: "nil error", err: nil, wantCode: 0},
		{name: "generic error", err: errors.New("wait failed"), wantCode: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := waitStatus(tt.err); got.Code != tt.wantCode {
				t.Errorf("waitStatus(%v).Code = %d, want %d", tt.err, got.Code, tt.wantCode)
			}
		})
	}
}

func TestExitStatus_Describe(t *testing.T) {
	tests := []struct {
		name   string
		status ExitStatus
		want   string
	}{
		{
			name:   "clean exit",
			status: ExitStatus{Code: 0},
			want:   "exit code 0",
		},
		{
			name:   "non-zero exit",
			status: ExitStatus{Code: 7},
			want:   "exit code 7",
		},
		{
			name:   "sigkill",
			status: ExitStatus{Code: 137, Signal: syscall.SIGKILL, Signaled: true},
			want:   "signal SIGKILL",
		},
		{
			name:   "sigterm",
			status: ExitStatus{Code: 143, Signal: syscall.SIGTERM, Signaled: true},
			want:   "signal SIGTERM",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.status.Describe(); got != tt.want {
				t.Errorf("Describe() = %q, want %q", got, tt.want)
			}
		})
	}
}
