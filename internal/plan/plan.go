// Package plan turns a worker count and launch options into per-worker
// environment records. Each record fully determines one worker's runtime
// identity: rank, world size, device binding, peer endpoints. Planning is
// pure validation and projection; no process is started here, so every
// error is reported before anything needs cleaning up.
package plan

import (
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/randomizedcoder/go-trainer-swarm/internal/topology"
)

// Environment variable names installed into every worker.
const (
	EnvWorkerRank      = "SWARM_WORKER_RANK"
	EnvWorldSize       = "SWARM_WORLD_SIZE"
	EnvSelectedDevices = "SWARM_SELECTED_DEVICES"
	EnvCurrentEndpoint = "SWARM_CURRENT_ENDPOINT"
	EnvPeerEndpoints   = "SWARM_PEER_ENDPOINTS"
	EnvRunID           = "SWARM_RUN_ID"
)

// DefaultNodeIP is used when neither a node ip nor a cluster list is given:
// single node, loopback topology.
const DefaultNodeIP = "127.0.0.1"

// ConfigError reports an invalid or contradictory launch configuration.
// It is always produced before any worker process has been started.
type ConfigError struct {
	Option  string
	Message string
}

func (e *ConfigError) Error() string {
	if e.Option == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Option, e.Message)
}

// Record is one worker's planned environment. Env is the authoritative
// variable map; the remaining fields are projections kept for logging and
// display.
type Record struct {
	Rank      int
	WorldSize int
	Devices   []int
	Endpoint  string

	Env map[string]string
}

// Environ renders the record as KEY=value pairs in deterministic order,
// ready to append to an exec environment.
func (r Record) Environ() []string {
	keys := make([]string, 0, len(r.Env))
	for k := range r.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+r.Env[k])
	}
	return out
}

// Request carries everything Plan needs. The zero value plans a single
// auto-sized pool on the loopback interface.
type Request struct {
	// WorkerCount is the number of workers to plan for; 0 resolves it
	// from the device class (visible accelerators, or logical CPUs).
	WorkerCount int

	// SelectedDevices pins workers to explicit accelerator ids. Nil takes
	// the first WorkerCount visible devices in visibility order.
	SelectedDevices []int

	// NodeIP and ClusterNodeIPs describe this node's place in the
	// cluster. Both empty means loopback single node.
	NodeIP         string
	ClusterNodeIPs []string

	// StartedPort is the first peer port per node; 0 lets the resolver
	// pick.
	StartedPort int

	// Class forces the device class; ClassAuto detects it.
	Class DeviceClass

	// UseCloudPlatform resolves topology from the hosting platform's
	// environment contract instead of the request fields.
	UseCloudPlatform bool

	// PrintConfig logs the resolved plan.
	PrintConfig bool

	// RunID labels the pool; generated when empty.
	RunID string

	// ExtraEnv is merged into every record's environment. Planned
	// variables win on key collision.
	ExtraEnv map[string]string

	// Resolver overrides topology resolution; nil picks Local or Cloud
	// based on UseCloudPlatform.
	Resolver topology.Resolver

	// Probes overrides host introspection for tests; nil uses the host.
	Probes *Probes

	// Logger receives print_config output; nil uses slog.Default.
	Logger *slog.Logger
}

// Plan validates the request and produces exactly one Record per worker on
// this node.
func Plan(req Request) ([]Record, error) {
	probes := req.Probes
	if probes == nil {
		probes = hostProbes()
	}
	logger := req.Logger
	if logger == nil {
		logger = slog.Default()
	}

	class := req.Class
	if class == ClassAuto {
		class = detectClass(probes)
	}

	count := req.WorkerCount
	if count <= 0 {
		n, err := autoWorkerCount(class, probes)
		if err != nil {
			return nil, err
		}
		count = n
	}
	if count <= 0 {
		return nil, &ConfigError{
			Option:  "worker_count",
			Message: fmt.Sprintf("resolved worker count %d is not positive", count),
		}
	}

	nodeIP, nodeIPs, err := resolveNodes(req)
	if err != nil {
		return nil, err
	}

	deviceSlots, err := resolveDeviceSlots(class, count, req.SelectedDevices, probes)
	if err != nil {
		return nil, err
	}

	resolver := req.Resolver
	if resolver == nil {
		if req.UseCloudPlatform {
			resolver = topology.CloudResolver{}
		} else {
			resolver = topology.LocalResolver{}
		}
	}

	cluster, node, err := resolver.Resolve(topology.Request{
		NodeIP:      nodeIP,
		NodeIPs:     nodeIPs,
		StartedPort: req.StartedPort,
		DeviceSlots: deviceSlots,
	})
	if err != nil {
		return nil, fmt.Errorf("plan: resolve topology: %w", err)
	}

	runID := req.RunID
	if runID == "" {
		runID = uuid.NewString()
	}

	worldSize := cluster.WorldSize()
	peers := strings.Join(cluster.Endpoints(), ",")

	records := make([]Record, 0, len(node.Slots))
	for _, slot := range node.Slots {
		env := map[string]string{
			EnvWorkerRank:      strconv.Itoa(slot.Rank),
			EnvWorldSize:       strconv.Itoa(worldSize),
			EnvSelectedDevices: joinDevices(slot.Devices),
			EnvCurrentEndpoint: slot.Endpoint,
			EnvPeerEndpoints:   peers,
			EnvRunID:           runID,
		}
		for k, v := range req.ExtraEnv {
			if _, planned := env[k]; !planned {
				env[k] = v
			}
		}
		records = append(records, Record{
			Rank:      slot.Rank,
			WorldSize: worldSize,
			Devices:   slot.Devices,
			Endpoint:  slot.Endpoint,
			Env:       env,
		})
	}

	if req.PrintConfig {
		logPlan(logger, runID, class, cluster, records)
	}

	return records, nil
}

// resolveNodes applies the node defaulting and cross-field rules: a cluster
// list without the current node ip cannot be disambiguated, and the node ip
// must be a member of the list.
func resolveNodes(req Request) (string, []string, error) {
	nodeIP := req.NodeIP
	nodeIPs := req.ClusterNodeIPs

	if len(nodeIPs) > 0 && nodeIP == "" {
		return "", nil, &ConfigError{
			Option:  "node_ip",
			Message: "cluster_node_ips is set but the current node ip is not",
		}
	}
	if nodeIP == "" {
		nodeIP = DefaultNodeIP
	}
	if len(nodeIPs) == 0 {
		nodeIPs = []string{nodeIP}
	}

	found := false
	for _, ip := range nodeIPs {
		if ip == nodeIP {
			found = true
			break
		}
	}
	if !found {
		return "", nil, &ConfigError{
			Option:  "node_ip",
			Message: fmt.Sprintf("%s is not in cluster_node_ips (%s)", nodeIP, strings.Join(nodeIPs, ",")),
		}
	}

	return nodeIP, nodeIPs, nil
}

// resolveDeviceSlots validates the device selection against the visible set
// and shapes the per-worker bindings handed to the topology resolver.
func resolveDeviceSlots(class DeviceClass, count int, selected []int, probes *Probes) ([][]int, error) {
	if class == ClassCPU {
		if len(selected) > 0 {
			return nil, &ConfigError{
				Option:  "selected_devices",
				Message: "device selection requires an accelerator device class",
			}
		}
		slots := make([][]int, count)
		for i := range slots {
			slots[i] = []int{}
		}
		return slots, nil
	}

	visible, err := visibleDevices(probes)
	if err != nil {
		return nil, err
	}

	if selected == nil {
		if len(visible) < count {
			return nil, &ConfigError{
				Option: "selected_devices",
				Message: fmt.Sprintf(
					"number of visible devices (%d) is less than the number of workers (%d); pass an explicit worker count or fix %s",
					len(visible), count, EnvVisibleDevices),
			}
		}
		selected = visible[:count]
	} else {
		if len(selected) != count {
			return nil, &ConfigError{
				Option: "selected_devices",
				Message: fmt.Sprintf("selected device count (%d) does not match worker count (%d)",
					len(selected), count),
			}
		}
		visibleSet := make(map[int]bool, len(visible))
		for _, id := range visible {
			visibleSet[id] = true
		}
		for _, id := range selected {
			if !visibleSet[id] {
				return nil, &ConfigError{
					Option: "selected_devices",
					Message: fmt.Sprintf("device %d is not in the visible set (%s)",
						id, joinDevices(visible)),
				}
			}
		}
	}

	slots := make([][]int, 0, len(selected))
	for _, id := range selected {
		slots = append(slots, []int{id})
	}
	return slots, nil
}

func logPlan(logger *slog.Logger, runID string, class DeviceClass, cluster *topology.Cluster, records []Record) {
	logger.Info("plan_config",
		"run_id", runID,
		"device_class", class.String(),
		"world_size", cluster.WorldSize(),
		"local_workers", len(records),
	)
	for _, rec := range records {
		logger.Info("plan_worker",
			"rank", rec.Rank,
			"endpoint", rec.Endpoint,
			"devices", joinDevices(rec.Devices),
		)
	}
	for _, line := range strings.Split(cluster.String(), "\n") {
		logger.Debug("plan_topology", "layout", line)
	}
}

func joinDevices(devices []int) string {
	parts := make([]string, 0, len(devices))
	for _, d := range devices {
		parts = append(parts, strconv.Itoa(d))
	}
	return strings.Join(parts, ",")
}
