// Package topology resolves a cluster description (node IPs, ports, device
// slots) into per-worker placement: each worker gets a global rank, an
// endpoint on its node, and a device binding. The resolver output is
// authoritative; callers use it verbatim.
package topology

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Slot is one worker's placement within the cluster.
type Slot struct {
	// Rank is the worker's global zero-based index across all nodes.
	Rank int

	// Endpoint is the ip:port this worker binds for peer traffic.
	Endpoint string

	// Devices are the accelerator ids bound to this worker. Empty for
	// CPU-only workers.
	Devices []int
}

// Node is one machine and the worker slots placed on it.
type Node struct {
	IP    string
	Slots []Slot
}

// Cluster is the full resolved layout, nodes in rank order.
type Cluster struct {
	Nodes []Node
}

// WorldSize returns the total number of worker slots across all nodes.
func (c *Cluster) WorldSize() int {
	n := 0
	for i := range c.Nodes {
		n += len(c.Nodes[i].Slots)
	}
	return n
}

// Endpoints returns every slot endpoint in global rank order.
func (c *Cluster) Endpoints() []string {
	eps := make([]string, 0, c.WorldSize())
	for i := range c.Nodes {
		for _, s := range c.Nodes[i].Slots {
			eps = append(eps, s.Endpoint)
		}
	}
	return eps
}

// String renders the layout for print_config style diagnostics.
func (c *Cluster) String() string {
	var b strings.Builder
	for i := range c.Nodes {
		node := &c.Nodes[i]
		fmt.Fprintf(&b, "node %s:", node.IP)
		for _, s := range node.Slots {
			fmt.Fprintf(&b, " [rank=%d endpoint=%s devices=%v]", s.Rank, s.Endpoint, s.Devices)
		}
		if i < len(c.Nodes)-1 {
			b.WriteByte('\n')
		}
	}
	return b.String()
}

// buildCluster lays out one slot per (node, port) pair. Every node carries
// the same slot shape; global ranks are assigned in node order then slot
// order, matching the endpoint list ordering peers expect.
func buildCluster(nodeIPs []string, ports []int, deviceSlots [][]int) *Cluster {
	cluster := &Cluster{Nodes: make([]Node, 0, len(nodeIPs))}
	rank := 0
	for _, ip := range nodeIPs {
		node := Node{IP: ip, Slots: make([]Slot, 0, len(deviceSlots))}
		for i, devices := range deviceSlots {
			node.Slots = append(node.Slots, Slot{
				Rank:     rank,
				Endpoint: net.JoinHostPort(ip, strconv.Itoa(ports[i])),
				Devices:  devices,
			})
			rank++
		}
		cluster.Nodes = append(cluster.Nodes, node)
	}
	return cluster
}
