package plan

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
)

// Ambient environment variables consumed at planning time.
const (
	// EnvVisibleDevices is the comma-separated accelerator visibility
	// list, read once per plan.
	EnvVisibleDevices = "CUDA_VISIBLE_DEVICES"

	// EnvCPUCount overrides the logical CPU count for CPU-class pools.
	EnvCPUCount = "CPU_NUM"
)

// DeviceClass selects between accelerator-bound and CPU-only workers.
type DeviceClass int

const (
	ClassAuto DeviceClass = iota
	ClassCPU
	ClassAccelerator
)

func (c DeviceClass) String() string {
	switch c {
	case ClassCPU:
		return "cpu"
	case ClassAccelerator:
		return "accelerator"
	default:
		return "auto"
	}
}

// ParseDeviceClass converts a config string into a DeviceClass.
func ParseDeviceClass(s string) (DeviceClass, error) {
	switch strings.ToLower(s) {
	case "", "auto":
		return ClassAuto, nil
	case "cpu":
		return ClassCPU, nil
	case "accelerator", "gpu":
		return ClassAccelerator, nil
	default:
		return ClassAuto, &ConfigError{
			Option:  "device_class",
			Message: fmt.Sprintf("unknown device class %q", s),
		}
	}
}

// Probes abstracts host introspection so plans are testable on machines
// without accelerators.
type Probes struct {
	// Getenv reads an ambient environment variable.
	Getenv func(string) string

	// DeviceCount reports how many accelerator devices the host exposes,
	// consulted when the visibility variable is unset.
	DeviceCount func() int

	// NumCPU reports the host's logical CPU count.
	NumCPU func() int
}

func hostProbes() *Probes {
	return &Probes{
		Getenv:      os.Getenv,
		DeviceCount: countDeviceNodes,
		NumCPU:      runtime.NumCPU,
	}
}

// countDeviceNodes counts accelerator device nodes exposed by the driver.
func countDeviceNodes() int {
	matches, err := filepath.Glob("/dev/nvidia[0-9]*")
	if err != nil {
		return 0
	}
	return len(matches)
}

// detectClass picks accelerator when the host shows any accelerator
// evidence: a visibility variable or enumerable device nodes.
func detectClass(probes *Probes) DeviceClass {
	if probes.Getenv(EnvVisibleDevices) != "" || probes.DeviceCount() > 0 {
		return ClassAccelerator
	}
	return ClassCPU
}

// visibleDevices returns the accelerator ids visible to this process, in
// visibility order. An unset or empty visibility variable means every
// device the host exposes.
func visibleDevices(probes *Probes) ([]int, error) {
	raw := probes.Getenv(EnvVisibleDevices)
	if raw == "" {
		n := probes.DeviceCount()
		ids := make([]int, n)
		for i := range ids {
			ids[i] = i
		}
		return ids, nil
	}
	ids, err := ParseDeviceList(raw)
	if err != nil {
		return nil, &ConfigError{Option: EnvVisibleDevices, Message: err.Error()}
	}
	return ids, nil
}

// ParseDeviceList parses a comma-separated device id list such as "4,5".
func ParseDeviceList(s string) ([]int, error) {
	parts := strings.Split(s, ",")
	ids := make([]int, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		id, err := strconv.Atoi(p)
		if err != nil || id < 0 {
			return nil, fmt.Errorf("bad device id %q", p)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// autoWorkerCount resolves the "auto" worker count: one worker per visible
// accelerator, or the host's logical CPU count for CPU-class pools.
func autoWorkerCount(class DeviceClass, probes *Probes) (int, error) {
	if class == ClassAccelerator {
		visible, err := visibleDevices(probes)
		if err != nil {
			return 0, err
		}
		return len(visible), nil
	}

	if raw := probes.Getenv(EnvCPUCount); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return 0, &ConfigError{
				Option:  EnvCPUCount,
				Message: fmt.Sprintf("bad CPU count %q", raw),
			}
		}
		return n, nil
	}
	return probes.NumCPU(), nil
}
