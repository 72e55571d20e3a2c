package cluster

import (
	"fmt"
	"net"

	"github.com/gateway-fm/consensusbench/internal/node"
)

// DefaultPortStride separates the port blocks of consecutive nodes.
const DefaultPortStride = 10

// AllocatePorts assigns P2P, RPC and auth ports to k nodes. With base > 0
// node i uses base+i*stride, +1 and +2. With base == 0 every port is a free
// port picked by the OS, so concurrent runs on one host do not collide.
func AllocatePorts(k, base, stride int) ([]node.Ports, error) {
	if stride <= 0 {
		stride = DefaultPortStride
	}
	ports := make([]node.Ports, k)
	if base > 0 {
		if stride < 3 {
			return nil, fmt.Errorf("port stride %d leaves no room for 3 ports per node", stride)
		}
		if top := base + (k-1)*stride + 2; top > 65535 {
			return nil, fmt.Errorf("port range %d-%d exceeds 65535", base, top)
		}
		for i := range ports {
			p := base + i*stride
			ports[i] = node.Ports{P2P: p, RPC: p + 1, Auth: p + 2}
		}
		return ports, nil
	}

	free, err := freePorts(3 * k)
	if err != nil {
		return nil, err
	}
	for i := range ports {
		ports[i] = node.Ports{P2P: free[3*i], RPC: free[3*i+1], Auth: free[3*i+2]}
	}
	return ports, nil
}

// freePorts holds n listeners open at once so the OS hands out distinct
// ports, then releases them.
func freePorts(n int) ([]int, error) {
	listeners := make([]net.Listener, 0, n)
	defer func() {
		for _, l := range listeners {
			l.Close()
		}
	}()

	ports := make([]int, 0, n)
	for i := 0; i < n; i++ {
		l, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			return nil, fmt.Errorf("find free port: %w", err)
		}
		listeners = append(listeners, l)
		ports = append(ports, l.Addr().(*net.TCPAddr).Port)
	}
	return ports, nil
}
