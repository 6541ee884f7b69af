package ports

import (
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
)

// Default range handed out to deployments.
const (
	DefaultStartPort = 3000
	DefaultEndPort   = 3999
)

// ErrExhausted is returned when every port in the range is allocated.
var ErrExhausted = errors.New("no free ports available")

// Allocator tracks which ports in a bounded range have been handed out.
// Membership in the allocated set is the only state; it does not hold
// sockets open, so a port it considers free may still be bound by another
// program. Callers that need stronger guarantees should probe with
// IsPortAvailable before using a port.
type Allocator struct {
	mu        sync.Mutex
	start     int
	end       int
	allocated map[int]struct{}
}

// NewAllocator creates an allocator for the inclusive range [start, end]
func NewAllocator(start, end int) (*Allocator, error) {
	if start <= 0 || end > 65535 {
		return nil, fmt.Errorf("invalid port range %d-%d", start, end)
	}
	if start > end {
		return nil, fmt.Errorf("start port (%d) must be <= end port (%d)", start, end)
	}
	return &Allocator{
		start:     start,
		end:       end,
		allocated: make(map[int]struct{}),
	}, nil
}

// Range returns the inclusive bounds of the allocator
func (a *Allocator) Range() (int, int) {
	return a.start, a.end
}

// Allocate hands out the lowest port in range that is not allocated and
// that can currently be bound.
func (a *Allocator) Allocate() (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for port := a.start; port <= a.end; port++ {
		if _, taken := a.allocated[port]; taken {
			continue
		}
		if !IsPortAvailable(port) {
			continue
		}
		a.allocated[port] = struct{}{}
		return port, nil
	}
	return 0, ErrExhausted
}

// Reserve marks a specific port as allocated. It reports false if the port
// was already in the allocated set. Ports outside the range may be reserved
// so that explicit user requests are still tracked.
func (a *Allocator) Reserve(port int) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, taken := a.allocated[port]; taken {
		return false
	}
	a.allocated[port] = struct{}{}
	return true
}

// Free removes a port from the allocated set. Freeing an unallocated port is a no-op.
func (a *Allocator) Free(port int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.allocated, port)
}

// IsAllocated reports whether the port is in the allocated set
func (a *Allocator) IsAllocated(port int) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.allocated[port]
	return ok
}

// Allocated returns the allocated ports in ascending order
func (a *Allocator) Allocated() []int {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]int, 0, len(a.allocated))
	for port := range a.allocated {
		out = append(out, port)
	}
	sort.Ints(out)
	return out
}

// Available returns up to limit unallocated ports from the start of the range.
// It does not probe the network.
func (a *Allocator) Available(limit int) []int {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]int, 0, limit)
	for port := a.start; port <= a.end && len(out) < limit; port++ {
		if _, taken := a.allocated[port]; !taken {
			out = append(out, port)
		}
	}
	return out
}

// IsPortAvailable checks if a port is available by attempting to listen on it.
// The listener is closed immediately, so the answer can be stale by the time
// the caller acts on it.
func IsPortAvailable(port int) bool {
	listener, err := net.Listen("tcp", fmt.Sprintf("localhost:%d", port))
	if err != nil {
		return false
	}
	listener.Close()
	return true
}
