package topology

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// DefaultStartedPort is the first worker port when none is configured and
// free-port probing is not applicable (multi-node layouts must agree on
// ports up front).
const DefaultStartedPort = 6070

// Environment variables consumed by CloudResolver. A hosting platform that
// schedules one pod per node publishes the cluster shape through these.
const (
	EnvCloudNodeIPs   = "SWARM_CLOUD_NODE_IPS"
	EnvCloudNodeIP    = "SWARM_CLOUD_NODE_IP"
	EnvCloudStartPort = "SWARM_CLOUD_START_PORT"
)

// Request carries the arguments a resolver needs to lay out the cluster.
type Request struct {
	// NodeIP is this machine's ip within NodeIPs.
	NodeIP string

	// NodeIPs are all participating machines, in rank order.
	NodeIPs []string

	// StartedPort is the first port assigned on each node; 0 means pick
	// (free probing on a single node, DefaultStartedPort otherwise).
	StartedPort int

	// DeviceSlots is the per-node device binding, one entry per local
	// worker. Inner slices may be empty for CPU-only workers.
	DeviceSlots [][]int
}

// Resolver turns a Request into the cluster layout plus this machine's node.
type Resolver interface {
	Resolve(req Request) (*Cluster, *Node, error)
}

// LocalResolver lays the cluster out from the request alone. It is the
// default resolver: single node unless the request names more.
type LocalResolver struct{}

func (LocalResolver) Resolve(req Request) (*Cluster, *Node, error) {
	if len(req.NodeIPs) == 0 {
		return nil, nil, fmt.Errorf("resolve: empty node list")
	}
	if len(req.DeviceSlots) == 0 {
		return nil, nil, fmt.Errorf("resolve: no worker slots requested")
	}

	nodeIdx := -1
	for i, ip := range req.NodeIPs {
		if ip == req.NodeIP {
			nodeIdx = i
			break
		}
	}
	if nodeIdx < 0 {
		return nil, nil, fmt.Errorf("resolve: node ip %s not in node list %s",
			req.NodeIP, strings.Join(req.NodeIPs, ","))
	}

	ports, err := slotPorts(req)
	if err != nil {
		return nil, nil, err
	}

	cluster := buildCluster(req.NodeIPs, ports, req.DeviceSlots)
	return cluster, &cluster.Nodes[nodeIdx], nil
}

// slotPorts picks the per-slot port list shared by every node. A lone node
// with no configured port probes the kernel for free ports; anything else
// needs a deterministic range all nodes agree on.
func slotPorts(req Request) ([]int, error) {
	n := len(req.DeviceSlots)
	if req.StartedPort == 0 && len(req.NodeIPs) == 1 {
		return FreePorts(n)
	}
	base := req.StartedPort
	if base == 0 {
		base = DefaultStartedPort
	}
	ports := make([]int, n)
	for i := range ports {
		ports[i] = base + i
	}
	return ports, nil
}

// CloudResolver reads the cluster shape published by a hosting platform
// from the environment. Getenv is injectable for tests; nil means os.Getenv.
type CloudResolver struct {
	Getenv func(string) string
}

func (r CloudResolver) Resolve(req Request) (*Cluster, *Node, error) {
	getenv := r.Getenv
	if getenv == nil {
		getenv = os.Getenv
	}

	rawIPs := getenv(EnvCloudNodeIPs)
	if rawIPs == "" {
		return nil, nil, fmt.Errorf("resolve: %s is not set", EnvCloudNodeIPs)
	}
	nodeIPs := splitList(rawIPs)

	nodeIP := getenv(EnvCloudNodeIP)
	if nodeIP == "" {
		return nil, nil, fmt.Errorf("resolve: %s is not set", EnvCloudNodeIP)
	}

	startedPort := req.StartedPort
	if raw := getenv(EnvCloudStartPort); raw != "" {
		p, err := strconv.Atoi(raw)
		if err != nil {
			return nil, nil, fmt.Errorf("resolve: bad %s value %q: %w", EnvCloudStartPort, raw, err)
		}
		startedPort = p
	}

	local := Request{
		NodeIP:      nodeIP,
		NodeIPs:     nodeIPs,
		StartedPort: startedPort,
		DeviceSlots: req.DeviceSlots,
	}
	return LocalResolver{}.Resolve(local)
}

// UseCloudPlatform reports whether the cloud environment contract is
// present, mirroring how the launcher decides which resolver to build.
func UseCloudPlatform() bool {
	return os.Getenv(EnvCloudNodeIPs) != "" && os.Getenv(EnvCloudNodeIP) != ""
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
