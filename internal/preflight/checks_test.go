package preflight

import (
	"math"
	"os"
	"strings"
	"testing"
)

func TestCheck_String(t *testing.T) {
	t.Run("passed_with_required", func(t *testing.T) {
		c := Check{
			Name:     "test_check",
			Required: 100,
			Actual:   200,
			Passed:   true,
		}
		s := c.String()
		if !strings.Contains(s, "✓") {
			t.Error("Passed check should have ✓")
		}
		if !strings.Contains(s, "200") {
			t.Error("Should contain actual value")
		}
		if !strings.Contains(s, "100") {
			t.Error("Should contain required value")
		}
	})

	t.Run("failed_check", func(t *testing.T) {
		c := Check{
			Name:     "test_check",
			Required: 100,
			Actual:   50,
			Passed:   false,
		}
		s := c.String()
		if !strings.Contains(s, "✗") {
			t.Error("Failed check should have ✗")
		}
	})

	t.Run("warning_check", func(t *testing.T) {
		c := Check{
			Name:    "test_check",
			Passed:  true,
			Warning: true,
			Message: "worth a look",
		}
		s := c.String()
		if !strings.Contains(s, "⚠") {
			t.Error("Warning check should have ⚠")
		}
		if !strings.Contains(s, "worth a look") {
			t.Error("Should contain message")
		}
	})

	t.Run("passed_with_message_only", func(t *testing.T) {
		c := Check{
			Name:    "test_check",
			Passed:  true,
			Message: "all good",
		}
		s := c.String()
		if !strings.Contains(s, "✓") {
			t.Error("Passed check should have ✓")
		}
		if !strings.Contains(s, "all good") {
			t.Error("Should contain message")
		}
	})
}

func TestRunAll(t *testing.T) {
	// The test binary itself is the one executable guaranteed to
	// exist, so it stands in for the trainer.
	result := RunAll(2, []string{os.Args[0], "--epochs", "1"})

	if result == nil {
		t.Fatal("RunAll returned nil")
	}
	if len(result.Checks) != 4 {
		t.Fatalf("Expected 4 checks, got %d", len(result.Checks))
	}

	wantOrder := []string{"file_descriptors", "process_limit", "trainer_binary", "pid_headroom"}
	for i, name := range wantOrder {
		if result.Checks[i].Name != name {
			t.Errorf("Checks[%d].Name = %q, want %q", i, result.Checks[i].Name, name)
		}
	}

	for _, check := range result.Checks {
		if check.Name == "trainer_binary" {
			if !check.Passed {
				t.Errorf("trainer_binary should pass for the test binary: %s", check.Message)
			}
			if !strings.Contains(check.Message, "resolved to") {
				t.Errorf("Message should show the resolved path: %s", check.Message)
			}
		}
	}
}

func TestRunAll_MissingTrainer(t *testing.T) {
	result := RunAll(2, []string{"/nonexistent/trainer/bin"})

	found := false
	for _, check := range result.Checks {
		if check.Name == "trainer_binary" {
			found = true
			if check.Passed {
				t.Error("trainer_binary should fail for a missing path")
			}
			if check.Message == "" {
				t.Error("Failed check should explain itself")
			}
		}
	}
	if !found {
		t.Error("Expected trainer_binary check in results")
	}

	if result.Passed {
		t.Error("Result should fail when the trainer cannot be resolved")
	}
}

func TestRunAll_NoCommand(t *testing.T) {
	// Check and print modes run without a command; that is a warning,
	// not a failure.
	result := RunAll(2, nil)

	for _, check := range result.Checks {
		if check.Name == "trainer_binary" {
			if !check.Passed || !check.Warning {
				t.Errorf("trainer_binary without a command should warn, got Passed=%v Warning=%v",
					check.Passed, check.Warning)
			}
			if !strings.Contains(check.Message, "after --") {
				t.Errorf("Message should point at the -- separator: %s", check.Message)
			}
		}
	}
}

func TestRunAll_HighWorkerCount(t *testing.T) {
	// Absurd pool sizes should only trip thresholds, never panic.
	result := RunAll(100000, []string{os.Args[0]})

	if result == nil {
		t.Fatal("RunAll returned nil")
	}
	for _, check := range result.Checks {
		if check.Name == "" {
			t.Error("Check name should not be empty")
		}
	}
}

func TestCheckFileDescriptors(t *testing.T) {
	check := checkFileDescriptors(1)

	if check.Name != "file_descriptors" {
		t.Errorf("Name = %q, want file_descriptors", check.Name)
	}
	if check.Warning {
		// RLIMIT_NOFILE unreadable would be a warning; on any
		// supported platform it is readable.
		t.Skipf("RLIMIT_NOFILE not readable: %s", check.Message)
	}
	if check.Actual <= 0 {
		t.Errorf("Actual should be positive: %d", check.Actual)
	}
	if check.Required <= 0 {
		t.Errorf("Required should be positive: %d", check.Required)
	}

	// One worker needs 70 fds by the sizing rule, and even minimal
	// systems grant 256.
	if !check.Passed && check.Actual >= check.Required {
		t.Errorf("Check should pass when actual >= required: actual=%d, required=%d",
			check.Actual, check.Required)
	}
}

func TestCheckFileDescriptors_Scaling(t *testing.T) {
	check1 := checkFileDescriptors(1)
	check8 := checkFileDescriptors(8)
	check64 := checkFileDescriptors(64)

	if check8.Required <= check1.Required {
		t.Error("Required fds should grow with the pool")
	}
	if check64.Required <= check8.Required {
		t.Error("Required fds should grow with the pool")
	}
}

func TestSoftLimit(t *testing.T) {
	limits := `Limit                     Soft Limit           Hard Limit           Units
Max cpu time              unlimited            unlimited            seconds
Max open files            1024                 1048576              files
Max processes             31877                31877                processes
`

	testCases := []struct {
		row    string
		want   int
		wantOK bool
	}{
		{"Max processes", 31877, true},
		{"Max open files", 1024, true},
		{"Max cpu time", math.MaxInt, true},
		{"Max locked memory", 0, false},
	}

	for _, tc := range testCases {
		t.Run(strings.ReplaceAll(tc.row, " ", "_"), func(t *testing.T) {
			got, ok := softLimit(limits, tc.row)
			if ok != tc.wantOK {
				t.Fatalf("softLimit(%q) ok = %v, want %v", tc.row, ok, tc.wantOK)
			}
			if got != tc.want {
				t.Errorf("softLimit(%q) = %d, want %d", tc.row, got, tc.want)
			}
		})
	}
}

func TestSoftLimit_TruncatedRow(t *testing.T) {
	if _, ok := softLimit("Max processes\n", "Max processes"); ok {
		t.Error("Row without a value column should not parse")
	}
}

func TestCheckTrainerBinary(t *testing.T) {
	t.Run("test_binary", func(t *testing.T) {
		check := checkTrainerBinary([]string{os.Args[0]})
		if !check.Passed {
			t.Errorf("Test binary should resolve: %s", check.Message)
		}
	})

	t.Run("missing_path", func(t *testing.T) {
		check := checkTrainerBinary([]string{"/nonexistent/trainer/bin"})
		if check.Passed {
			t.Error("Missing path should fail")
		}
	})

	t.Run("directory_as_path", func(t *testing.T) {
		check := checkTrainerBinary([]string{t.TempDir()})
		if check.Passed {
			t.Error("Directory as trainer path should fail")
		}
	})

	t.Run("empty_command", func(t *testing.T) {
		check := checkTrainerBinary(nil)
		if !check.Passed || !check.Warning {
			t.Errorf("Empty command should warn, got Passed=%v Warning=%v", check.Passed, check.Warning)
		}
	})
}

func TestCheckPidHeadroom(t *testing.T) {
	check := checkPidHeadroom(8)

	if check.Name != "pid_headroom" {
		t.Errorf("Name = %q, want pid_headroom", check.Name)
	}
	// Advisory only: warns, never fails.
	if !check.Passed {
		t.Errorf("pid_headroom should always pass: %s", check.Message)
	}
}

func TestCountPids(t *testing.T) {
	if _, err := os.Stat("/proc/self"); err != nil {
		t.Skip("/proc not available")
	}

	// At least this test process is running.
	if n := countPids(); n < 1 {
		t.Errorf("countPids() = %d, want >= 1", n)
	}
}

func TestSuggestFix(t *testing.T) {
	testCases := []struct {
		name     string
		expected string
	}{
		{"file_descriptors", "ulimit -n"},
		{"process_limit", "ulimit -u"},
		{"trainer_binary", "full path"},
		{"unknown", "documentation"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			fix := suggestFix(tc.name)
			if !strings.Contains(fix, tc.expected) {
				t.Errorf("suggestFix(%q) = %q, should contain %q", tc.name, fix, tc.expected)
			}
		})
	}
}

func TestResult_Passed(t *testing.T) {
	t.Run("all_pass", func(t *testing.T) {
		result := &Result{
			Checks: []Check{
				{Name: "a", Passed: true},
				{Name: "b", Passed: true},
			},
			Passed: true,
		}
		if !result.Passed {
			t.Error("Result with all passing checks should pass")
		}
	})

	t.Run("one_fail", func(t *testing.T) {
		result := &Result{
			Checks: []Check{
				{Name: "a", Passed: true},
				{Name: "b", Passed: false},
			},
			Passed: false,
		}
		if result.Passed {
			t.Error("Result with one failing check should fail")
		}
	})

	t.Run("warning_only", func(t *testing.T) {
		result := &Result{
			Checks: []Check{
				{Name: "a", Passed: true, Warning: true},
			},
			Passed: true,
		}
		// Warnings don't cause failure
		if !result.Passed {
			t.Error("Result with only warnings should pass")
		}
	})
}

// TestPrintResults just verifies no panic - output goes to stdout
func TestPrintResults(t *testing.T) {
	result := &Result{
		Checks: []Check{
			{Name: "test1", Passed: true, Message: "ok"},
			{Name: "test2", Passed: false, Required: 100, Actual: 50},
		},
		Passed: false,
	}

	// Should not panic
	PrintResults(result)
}
