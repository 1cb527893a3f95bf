package plan

import (
	"errors"
	"strconv"
	"strings"
	"testing"

	"pgregory.net/rapid"
)

// TestProperty_PlanShape checks that for any valid worker count and visible
// device set, planning produces exactly one record per worker with distinct
// ranks and distinct device bindings drawn from the visible set.
func TestProperty_PlanShape(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		visible := rapid.SliceOfNDistinct(rapid.IntRange(0, 15), 1, 8, rapid.ID[int]).Draw(t, "visible")
		count := rapid.IntRange(1, len(visible)).Draw(t, "count")

		req := Request{
			WorkerCount: count,
			StartedPort: 6070,
			Class:       ClassAccelerator,
			Probes:      fakeProbes(map[string]string{EnvVisibleDevices: joinDevices(visible)}, 0, 1),
			Logger:      newTestLogger(),
		}

		records, err := Plan(req)
		if err != nil {
			t.Fatalf("Plan() error: %v", err)
		}

		if len(records) != count {
			t.Fatalf("got %d records, want %d", len(records), count)
		}

		visibleSet := make(map[int]bool, len(visible))
		for _, id := range visible {
			visibleSet[id] = true
		}

		seenRanks := make(map[int]bool)
		seenDevices := make(map[int]bool)
		for i, rec := range records {
			if rec.Rank < 0 || rec.Rank >= count {
				t.Errorf("record %d rank %d outside [0,%d)", i, rec.Rank, count)
			}
			if seenRanks[rec.Rank] {
				t.Errorf("duplicate rank %d", rec.Rank)
			}
			seenRanks[rec.Rank] = true

			if len(rec.Devices) != 1 {
				t.Fatalf("record %d devices = %v, want exactly one", i, rec.Devices)
			}
			dev := rec.Devices[0]
			if !visibleSet[dev] {
				t.Errorf("record %d device %d not in visible set %v", i, dev, visible)
			}
			if seenDevices[dev] {
				t.Errorf("duplicate device binding %d", dev)
			}
			seenDevices[dev] = true

			if got := rec.Env[EnvWorkerRank]; got != strconv.Itoa(rec.Rank) {
				t.Errorf("env rank %q does not match record rank %d", got, rec.Rank)
			}
		}
	})
}

// TestProperty_PlanSelection checks that explicit selections are honored in
// order, and that any selection containing an id outside the visible set is
// rejected before planning succeeds.
func TestProperty_PlanSelection(t *testing.T) {
	t.Run("valid_selection_honored", func(t *testing.T) {
		rapid.Check(t, func(t *rapid.T) {
			visible := rapid.SliceOfNDistinct(rapid.IntRange(0, 15), 2, 8, rapid.ID[int]).Draw(t, "visible")
			count := rapid.IntRange(1, len(visible)).Draw(t, "count")
			selIdx := rapid.SliceOfNDistinct(rapid.IntRange(0, len(visible)-1), count, count, rapid.ID[int]).Draw(t, "sel_idx")

			selected := make([]int, count)
			for i, idx := range selIdx {
				selected[i] = visible[idx]
			}

			req := Request{
				WorkerCount:     count,
				SelectedDevices: selected,
				StartedPort:     6070,
				Class:           ClassAccelerator,
				Probes:          fakeProbes(map[string]string{EnvVisibleDevices: joinDevices(visible)}, 0, 1),
				Logger:          newTestLogger(),
			}

			records, err := Plan(req)
			if err != nil {
				t.Fatalf("Plan() error: %v", err)
			}

			for i, rec := range records {
				if rec.Devices[0] != selected[i] {
					t.Errorf("record %d device = %d, want %d (selection order)", i, rec.Devices[0], selected[i])
				}
			}
		})
	})

	t.Run("foreign_id_rejected", func(t *testing.T) {
		rapid.Check(t, func(t *rapid.T) {
			visible := rapid.SliceOfNDistinct(rapid.IntRange(0, 15), 1, 8, rapid.ID[int]).Draw(t, "visible")
			foreign := rapid.IntRange(16, 31).Draw(t, "foreign")

			req := Request{
				WorkerCount:     1,
				SelectedDevices: []int{foreign},
				StartedPort:     6070,
				Class:           ClassAccelerator,
				Probes:          fakeProbes(map[string]string{EnvVisibleDevices: joinDevices(visible)}, 0, 1),
				Logger:          newTestLogger(),
			}

			_, err := Plan(req)
			if err == nil {
				t.Fatalf("selection %d with visible %v should fail", foreign, visible)
			}
			var ce *ConfigError
			if !errors.As(err, &ce) {
				t.Fatalf("error type = %T, want *ConfigError", err)
			}
			if !strings.Contains(ce.Message, strconv.Itoa(foreign)) {
				t.Errorf("message %q does not name offending id %d", ce.Message, foreign)
			}
		})
	})
}
