// Package core provides the hub's shared infrastructure: the embedded
// event bus and port management for local services.
package core

import (
	"fmt"
	"net"
	"sync"
)

// Default port assignments
const (
	DefaultAPIPort  = 8080 // Main hub API (standard web port)
	DefaultNATSPort = 4222 // Embedded NATS event bus (standard NATS port)

	// Reserved range for dynamic allocation
	DynamicPortStart = 12100
	DynamicPortEnd   = 12999
)

// PortManager handles port allocation and conflict detection
type PortManager struct {
	mu          sync.RWMutex
	allocated   map[int]string // port -> service name
	nextDynamic int
}

// NewPortManager creates a new port manager
func NewPortManager() *PortManager {
	return &PortManager{
		allocated:   make(map[int]string),
		nextDynamic: DynamicPortStart,
	}
}

var (
	globalPortManager     *PortManager
	globalPortManagerOnce sync.Once
)

// GetPortManager returns the global port manager
func GetPortManager() *PortManager {
	globalPortManagerOnce.Do(func() {
		globalPortManager = NewPortManager()
	})
	return globalPortManager
}

// IsPortAvailable checks if a port is available for binding
func IsPortAvailable(port int) bool {
	addr := fmt.Sprintf("127.0.0.1:%d", port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return false
	}
	ln.Close()
	return true
}

// Reserve reserves a port for a service
// Returns the port and true if successful, or 0 and false if the port is taken
func (pm *PortManager) Reserve(port int, serviceName string) (int, bool) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	if existing, ok := pm.allocated[port]; ok {
		if existing == serviceName {
			return port, true // Same service already has it
		}
		return 0, false
	}

	if !IsPortAvailable(port) {
		return 0, false
	}

	pm.allocated[port] = serviceName
	return port, true
}

// ReserveOrFind reserves the preferred port or finds an available one
func (pm *PortManager) ReserveOrFind(preferredPort int, serviceName string) (int, error) {
	if port, ok := pm.Reserve(preferredPort, serviceName); ok {
		return port, nil
	}

	pm.mu.Lock()
	defer pm.mu.Unlock()

	for port := pm.nextDynamic; port <= DynamicPortEnd; port++ {
		if _, exists := pm.allocated[port]; !exists && IsPortAvailable(port) {
			pm.allocated[port] = serviceName
			pm.nextDynamic = port + 1
			return port, nil
		}
	}

	return 0, fmt.Errorf("no available ports for service %s", serviceName)
}

// Release releases a port
func (pm *PortManager) Release(port int) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	delete(pm.allocated, port)
}

// GetAllocated returns all allocated ports
func (pm *PortManager) GetAllocated() map[int]string {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	result := make(map[int]string, len(pm.allocated))
	for k, v := range pm.allocated {
		result[k] = v
	}
	return result
}
