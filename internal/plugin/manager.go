package plugin

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Manager owns the registered camera providers and drives their lifecycle.
// Events from all providers are fanned out to the registered sinks.
type Manager struct {
	providers map[string]Provider
	configs   map[string]map[string]interface{}
	order     []string
	started   map[string]bool
	unsubs    []func()

	sinks  []EventHandler
	sinkMu sync.RWMutex

	logger *slog.Logger
	mu     sync.RWMutex
}

// NewManager creates a new provider manager
func NewManager(logger *slog.Logger) *Manager {
	return &Manager{
		providers: make(map[string]Provider),
		configs:   make(map[string]map[string]interface{}),
		started:   make(map[string]bool),
		logger:    logger.With("component", "provider_manager"),
	}
}

// Register registers a provider. Providers are started in registration order.
func (m *Manager) Register(p Provider) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := p.Manifest().ID
	if id == "" {
		return fmt.Errorf("provider has empty ID")
	}
	if _, exists := m.providers[id]; exists {
		return fmt.Errorf("provider already registered: %s", id)
	}

	m.providers[id] = p
	m.order = append(m.order, id)
	m.logger.Info("Provider registered", "id", id, "version", p.Manifest().Version)
	return nil
}

// SetConfig stores the configuration passed to a provider on Initialize
func (m *Manager) SetConfig(providerID string, cfg map[string]interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.configs[providerID] = cfg
}

// OnEvent registers a sink that receives events from all providers
func (m *Manager) OnEvent(handler EventHandler) {
	m.sinkMu.Lock()
	defer m.sinkMu.Unlock()
	m.sinks = append(m.sinks, handler)
}

// Start initializes and starts all registered providers.
// A provider that fails to start is logged and skipped; the hub keeps
// running with the providers that did come up.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	order := make([]string, len(m.order))
	copy(order, m.order)
	m.mu.Unlock()

	for _, id := range order {
		m.mu.RLock()
		p := m.providers[id]
		cfg := m.configs[id]
		m.mu.RUnlock()

		if err := p.Initialize(ctx, cfg); err != nil {
			m.logger.Error("Provider initialization failed", "id", id, "error", err)
			continue
		}

		if err := p.Start(ctx); err != nil {
			m.logger.Error("Provider start failed", "id", id, "error", err)
			continue
		}

		unsub := p.Subscribe(m.dispatch)

		m.mu.Lock()
		m.started[id] = true
		m.unsubs = append(m.unsubs, unsub)
		m.mu.Unlock()

		m.logger.Info("Provider started", "id", id)
	}

	return nil
}

// Stop stops all started providers in reverse order
func (m *Manager) Stop() {
	m.mu.Lock()
	unsubs := m.unsubs
	m.unsubs = nil
	order := make([]string, len(m.order))
	copy(order, m.order)
	m.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}

	for i := len(order) - 1; i >= 0; i-- {
		id := order[i]

		m.mu.Lock()
		wasStarted := m.started[id]
		delete(m.started, id)
		p := m.providers[id]
		m.mu.Unlock()

		if !wasStarted {
			continue
		}
		if err := p.Stop(); err != nil {
			m.logger.Error("Provider stop failed", "id", id, "error", err)
		}
	}
}

// dispatch fans a camera event out to all sinks
func (m *Manager) dispatch(event CameraEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	m.sinkMu.RLock()
	sinks := make([]EventHandler, len(m.sinks))
	copy(sinks, m.sinks)
	m.sinkMu.RUnlock()

	for _, sink := range sinks {
		sink(event)
	}
}

// Provider returns a registered provider by ID
func (m *Manager) Provider(id string) (Provider, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.providers[id]
	return p, ok
}

// ListCameras returns cameras from all started providers
func (m *Manager) ListCameras() []ProviderCamera {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var cameras []ProviderCamera
	for _, id := range m.order {
		if !m.started[id] {
			continue
		}
		cameras = append(cameras, m.providers[id].ListCameras()...)
	}
	return cameras
}

// GetCamera returns a camera by ID from any started provider
func (m *Manager) GetCamera(id string) *ProviderCamera {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, pid := range m.order {
		if !m.started[pid] {
			continue
		}
		if cam := m.providers[pid].GetCamera(id); cam != nil {
			return cam
		}
	}
	return nil
}

// DiscoverCameras runs discovery on all providers that support it
func (m *Manager) DiscoverCameras(ctx context.Context) ([]DiscoveredCamera, error) {
	m.mu.RLock()
	order := make([]string, len(m.order))
	copy(order, m.order)
	m.mu.RUnlock()

	var discovered []DiscoveredCamera
	for _, id := range order {
		m.mu.RLock()
		p := m.providers[id]
		started := m.started[id]
		m.mu.RUnlock()

		if !started {
			continue
		}

		cams, err := p.DiscoverCameras(ctx)
		if err != nil {
			m.logger.Warn("Discovery failed", "provider", id, "error", err)
			continue
		}
		discovered = append(discovered, cams...)
	}
	return discovered, nil
}

// Health returns health status per provider
func (m *Manager) Health() map[string]HealthStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make(map[string]HealthStatus, len(m.providers))
	for id, p := range m.providers {
		if !m.started[id] {
			result[id] = HealthStatus{State: HealthStateUnknown, Message: "not started", LastCheck: time.Now()}
			continue
		}
		result[id] = p.Health()
	}
	return result
}
