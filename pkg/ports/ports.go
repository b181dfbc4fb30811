package ports

import (
	"fmt"
	"net"
	"sync"

	"github.com/burrowhq/burrow/pkg/types"
)

// Allocator hands out TCP ports per container. Production and preview
// ranges are kept disjoint so scans in one range never race allocations in
// the other. All state changes happen under one mutex.
type Allocator struct {
	mu sync.Mutex

	productionBase int
	previewBase    int

	// inUse maps port -> container name; byName is the reverse index
	inUse  map[int]string
	byName map[string]int

	// probe additionally asks the OS whether the port is free
	probe bool
}

// NewAllocator creates an allocator with the given range bases
func NewAllocator(productionBase, previewBase int) *Allocator {
	return &Allocator{
		productionBase: productionBase,
		previewBase:    previewBase,
		inUse:          make(map[int]string),
		byName:         make(map[string]int),
		probe:          true,
	}
}

// Allocate returns a free port for the named container. Allocation is
// stable: asking again for the same name returns the existing port.
func (a *Allocator) Allocate(name string, role types.ContainerRole) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if port, ok := a.byName[name]; ok {
		return port, nil
	}

	base := a.productionBase
	if role == types.RolePreview {
		base = a.previewBase
	}

	for port := base; port < base+1000; port++ {
		if _, taken := a.inUse[port]; taken {
			continue
		}
		if a.probe && !osPortFree(port) {
			continue
		}
		a.inUse[port] = name
		a.byName[name] = port
		return port, nil
	}
	return 0, fmt.Errorf("no free port in range starting at %d", base)
}

// Claim records an externally observed allocation, used when rehydrating
// state from running containers at startup
func (a *Allocator) Claim(name string, port int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.inUse[port] = name
	a.byName[name] = port
}

// Release frees the port held by name. Idempotent.
func (a *Allocator) Release(name string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if port, ok := a.byName[name]; ok {
		delete(a.inUse, port)
		delete(a.byName, name)
	}
}

// PortOf returns the port held by name, if any
func (a *Allocator) PortOf(name string) (int, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	port, ok := a.byName[name]
	return port, ok
}

// osPortFree checks whether the OS will let us bind the port right now
func osPortFree(port int) bool {
	l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return false
	}
	l.Close()
	return true
}
