package tunnel

import (
	"fmt"
	"net"
	"sync"
)

// maxPortScan bounds how far above the base port the allocator searches.
const maxPortScan = 1024

// portAllocator hands out local listen ports scanning upward from a base
// port. A port is skipped while a live tunnel holds it or another process
// has it bound; released ports become reusable.
type portAllocator struct {
	mu    sync.Mutex
	base  int
	inUse map[int]bool
}

func newPortAllocator(base int) *portAllocator {
	return &portAllocator{base: base, inUse: make(map[int]bool)}
}

// Acquire reserves the lowest free port at or above the base port.
func (a *portAllocator) Acquire() (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for port := a.base; port < a.base+maxPortScan; port++ {
		if a.inUse[port] {
			continue
		}
		// Probe the OS: another process may hold the port.
		l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
		if err != nil {
			continue
		}
		l.Close()
		a.inUse[port] = true
		return port, nil
	}
	return 0, fmt.Errorf("no free local port in range %d-%d", a.base, a.base+maxPortScan-1)
}

// Release returns a port to the pool.
func (a *portAllocator) Release(port int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.inUse, port)
}
