package topology

import (
	"fmt"
	"net"
)

// maxPortProbes bounds how many listener probes FreePorts will attempt
// before giving up; the kernel occasionally hands the same ephemeral port
// back, so distinct ports can take more probes than requested.
const maxPortProbes = 400

// FreePorts asks the kernel for n distinct free TCP ports on the loopback
// interface. The listeners are closed before returning, so the ports are
// only probably free; workers bind them soon after and report collisions
// themselves.
func FreePorts(n int) ([]int, error) {
	if n <= 0 {
		return nil, fmt.Errorf("free ports: non-positive count %d", n)
	}

	seen := make(map[int]bool, n)
	ports := make([]int, 0, n)

	for probes := 0; len(ports) < n; probes++ {
		if probes >= maxPortProbes {
			return nil, fmt.Errorf("free ports: gave up after %d probes, found %d of %d",
				probes, len(ports), n)
		}
		l, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			return nil, fmt.Errorf("free ports: %w", err)
		}
		port := l.Addr().(*net.TCPAddr).Port
		l.Close()
		if seen[port] {
			continue
		}
		seen[port] = true
		ports = append(ports, port)
	}

	return ports, nil
}
