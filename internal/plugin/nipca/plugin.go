package nipca

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nipca-hub/nipcahub/internal/plugin"
)

const (
	ProviderID      = "nipca"
	ProviderName    = "NIPCA"
	ProviderVersion = "1.0.0"
)

const defaultDiscoveryWait = 3 * time.Second

// Provider implements the NIPCA camera integration
type Provider struct {
	cameras    map[string]*Camera
	connecting map[string]chan struct{} // IDs with a connect in flight
	devices    []DeviceConfig

	defaults  Defaults
	discovery bool

	handlers    map[int]plugin.EventHandler
	nextHandler int
	handlerMu   sync.RWMutex

	logger *slog.Logger

	mu     sync.RWMutex
	ctx    context.Context
	cancel context.CancelFunc
}

// Defaults holds hub-wide camera defaults, applied when a device entry
// leaves the field unset.
type Defaults struct {
	Username     string
	Password     string
	AuthType     AuthType
	ScanInterval time.Duration
	IdleWindow   time.Duration
}

// DeviceConfig holds configuration for one camera
type DeviceConfig struct {
	URL      string `yaml:"url" json:"url"`
	Username string `yaml:"username,omitempty" json:"username,omitempty"`
	Password string `yaml:"password,omitempty" json:"password,omitempty"`
	AuthType string `yaml:"auth_type,omitempty" json:"auth_type,omitempty"`
	Name     string `yaml:"name,omitempty" json:"name,omitempty"`
}

// New creates a new NIPCA provider instance
func New() *Provider {
	return &Provider{
		cameras:    make(map[string]*Camera),
		connecting: make(map[string]chan struct{}),
		handlers:   make(map[int]plugin.EventHandler),
		defaults: Defaults{
			AuthType:     AuthBasic,
			ScanInterval: 10 * time.Second,
			IdleWindow:   defaultIdleWindow,
		},
		discovery: true,
		logger:    slog.Default().With("provider", ProviderID),
	}
}

// Manifest returns provider metadata
func (p *Provider) Manifest() plugin.Manifest {
	return plugin.Manifest{
		ID:          ProviderID,
		Name:        ProviderName,
		Version:     ProviderVersion,
		Description: "IP cameras speaking the NIPCA text CGI protocol (D-Link and compatible)",
		Capabilities: []plugin.Capability{
			plugin.CapabilityDiscovery,
			plugin.CapabilityVideo,
			plugin.CapabilitySnapshot,
			plugin.CapabilityMotion,
		},
	}
}

// Initialize parses the provider configuration
func (p *Provider) Initialize(ctx context.Context, cfg map[string]interface{}) error {
	if err := p.parseConfig(cfg); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}

	p.logger.Info("Provider initialized", "devices", len(p.devices), "discovery", p.discovery)
	return nil
}

// parseConfig extracts defaults and device entries from the raw config
func (p *Provider) parseConfig(cfg map[string]interface{}) error {
	p.devices = nil

	if cfg == nil {
		return nil
	}

	if user, ok := cfg["username"].(string); ok {
		p.defaults.Username = user
	}
	if pass, ok := cfg["password"].(string); ok {
		p.defaults.Password = pass
	}
	if auth, ok := cfg["auth_type"].(string); ok {
		authType, err := parseAuthType(auth)
		if err != nil {
			return err
		}
		p.defaults.AuthType = authType
	}
	if interval, ok := cfg["scan_interval"].(float64); ok && interval > 0 {
		p.defaults.ScanInterval = time.Duration(interval) * time.Second
	}
	if interval, ok := cfg["scan_interval"].(int); ok && interval > 0 {
		p.defaults.ScanInterval = time.Duration(interval) * time.Second
	}
	if idle, ok := cfg["notify_idle_timeout"].(float64); ok && idle > 0 {
		p.defaults.IdleWindow = time.Duration(idle) * time.Second
	}
	if idle, ok := cfg["notify_idle_timeout"].(int); ok && idle > 0 {
		p.defaults.IdleWindow = time.Duration(idle) * time.Second
	}
	if disc, ok := cfg["discovery"].(bool); ok {
		p.discovery = disc
	}

	devicesRaw, ok := cfg["devices"]
	if !ok {
		return nil
	}

	devicesList, ok := devicesRaw.([]interface{})
	if !ok {
		return fmt.Errorf("devices must be an array")
	}

	for _, d := range devicesList {
		deviceMap, ok := d.(map[string]interface{})
		if !ok {
			continue
		}

		device := DeviceConfig{}
		if url, ok := deviceMap["url"].(string); ok {
			device.URL = url
		}
		if user, ok := deviceMap["username"].(string); ok {
			device.Username = user
		}
		if pass, ok := deviceMap["password"].(string); ok {
			device.Password = pass
		}
		if auth, ok := deviceMap["auth_type"].(string); ok {
			device.AuthType = auth
		}
		if name, ok := deviceMap["name"].(string); ok {
			device.Name = name
		}

		if device.URL != "" {
			p.devices = append(p.devices, device)
		}
	}

	return nil
}

func parseAuthType(s string) (AuthType, error) {
	switch AuthType(strings.ToLower(s)) {
	case AuthBasic:
		return AuthBasic, nil
	case AuthDigest:
		return AuthDigest, nil
	case AuthNone, "":
		return AuthNone, nil
	default:
		return "", fmt.Errorf("unknown auth type: %s", s)
	}
}

// Start connects configured cameras, runs network discovery, and
// begins per-camera polling.
func (p *Provider) Start(ctx context.Context) error {
	p.ctx, p.cancel = context.WithCancel(ctx)

	for _, device := range p.devices {
		if _, err := p.connectDevice(p.ctx, device); err != nil {
			p.logger.Error("Failed to connect camera", "url", device.URL, "error", err)
		}
	}

	if p.discovery {
		p.discoverAndConnect(p.ctx)
	}

	p.mu.RLock()
	count := len(p.cameras)
	p.mu.RUnlock()

	p.logger.Info("Provider started", "cameras", count)
	return nil
}

// discoverAndConnect runs SSDP discovery and connects any camera not
// already configured.
func (p *Provider) discoverAndConnect(ctx context.Context) {
	devices, err := Discover(ctx, defaultDiscoveryWait, p.logger)
	if err != nil {
		p.logger.Warn("Network discovery failed", "error", err)
		return
	}

	for _, d := range devices {
		id := cameraID(d.PresentationURL)
		p.mu.RLock()
		_, exists := p.cameras[id]
		p.mu.RUnlock()
		if exists {
			continue
		}

		cfg := DeviceConfig{URL: d.PresentationURL, Name: d.Name}
		if _, err := p.connectDevice(ctx, cfg); err != nil {
			p.logger.Warn("Failed to connect discovered camera",
				"url", d.PresentationURL, "model", d.Model, "error", err)
		}
	}
}

// connectDevice creates a camera for a device entry, fetches its
// initial attributes, and starts its poll loop. The camera ID is
// reserved before the slow initial fetch so concurrent connects for
// the same URL cannot start duplicate poll loops; losers wait for the
// in-flight connect and share its result.
func (p *Provider) connectDevice(ctx context.Context, device DeviceConfig) (*Camera, error) {
	username := device.Username
	password := device.Password
	if username == "" {
		username = p.defaults.Username
		password = p.defaults.Password
	}

	authType := p.defaults.AuthType
	if device.AuthType != "" {
		parsed, err := parseAuthType(device.AuthType)
		if err != nil {
			return nil, err
		}
		authType = parsed
	}

	client := NewClient(device.URL, username, password, authType)
	id := cameraID(client.BaseURL())

	for {
		p.mu.Lock()
		if existing, ok := p.cameras[id]; ok {
			p.mu.Unlock()
			return existing, nil
		}
		inflight, ok := p.connecting[id]
		if !ok {
			done := make(chan struct{})
			p.connecting[id] = done
			p.mu.Unlock()

			cam, err := p.finishConnect(ctx, id, device.Name, client)

			p.mu.Lock()
			delete(p.connecting, id)
			close(done)
			p.mu.Unlock()
			return cam, err
		}
		p.mu.Unlock()

		select {
		case <-inflight:
			// Re-check: the winner either registered the camera or
			// failed, in which case this caller retries the connect.
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// finishConnect performs the initial info fetch and, on success,
// registers the camera and starts its poll loop. Caller holds the
// connecting reservation for id.
func (p *Provider) finishConnect(ctx context.Context, id, name string, client *Client) (*Camera, error) {
	cam := NewCamera(id, name, client, p.defaults.ScanInterval)
	if p.defaults.IdleWindow > 0 {
		cam.idleWindow = p.defaults.IdleWindow
	}

	infoCtx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()
	if err := cam.UpdateInfo(infoCtx); err != nil {
		return nil, fmt.Errorf("initial info fetch failed: %w", err)
	}

	cam.Subscribe(p.forwardEvent)
	cam.StartPolling(ctx)

	p.mu.Lock()
	p.cameras[id] = cam
	p.mu.Unlock()

	p.logger.Info("Added camera", "id", id, "name", cam.Name(), "model", cam.Model())
	return cam, nil
}

// forwardEvent stamps the provider ID onto camera events and fans them
// out to provider subscribers.
func (p *Provider) forwardEvent(event plugin.CameraEvent) {
	event.ProviderID = ProviderID

	p.handlerMu.RLock()
	handlers := make([]plugin.EventHandler, 0, len(p.handlers))
	for _, handler := range p.handlers {
		handlers = append(handlers, handler)
	}
	p.handlerMu.RUnlock()

	for _, handler := range handlers {
		handler(event)
	}
}

// Stop shuts down the provider and all camera polling
func (p *Provider) Stop() error {
	if p.cancel != nil {
		p.cancel()
	}

	p.mu.RLock()
	for _, cam := range p.cameras {
		cam.StopPolling()
	}
	p.mu.RUnlock()

	p.logger.Info("Provider stopped")
	return nil
}

// Health returns the provider health status
func (p *Provider) Health() plugin.HealthStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()

	online := 0
	total := len(p.cameras)

	for _, cam := range p.cameras {
		if cam.IsOnline() {
			online++
		}
	}

	state := plugin.HealthStateHealthy
	msg := fmt.Sprintf("%d/%d cameras online", online, total)

	if total == 0 {
		state = plugin.HealthStateUnknown
		msg = "No cameras configured"
	} else if online == 0 {
		state = plugin.HealthStateUnhealthy
	} else if online < total {
		state = plugin.HealthStateDegraded
	}

	return plugin.HealthStatus{
		State:     state,
		Message:   msg,
		LastCheck: time.Now(),
		Details: map[string]interface{}{
			"cameras_online": online,
			"cameras_total":  total,
		},
	}
}

// Subscribe registers an event handler for all provider cameras
func (p *Provider) Subscribe(handler plugin.EventHandler) func() {
	p.handlerMu.Lock()
	id := p.nextHandler
	p.nextHandler++
	p.handlers[id] = handler
	p.handlerMu.Unlock()

	return func() {
		p.handlerMu.Lock()
		defer p.handlerMu.Unlock()
		delete(p.handlers, id)
	}
}

// DiscoverCameras runs a live network scan
func (p *Provider) DiscoverCameras(ctx context.Context) ([]plugin.DiscoveredCamera, error) {
	devices, err := Discover(ctx, defaultDiscoveryWait, p.logger)
	if err != nil {
		return nil, err
	}

	var discovered []plugin.DiscoveredCamera
	for _, d := range devices {
		discovered = append(discovered, plugin.DiscoveredCamera{
			ID:           cameraID(d.PresentationURL),
			Name:         d.Name,
			Model:        d.Model,
			Manufacturer: d.Manufacturer,
			URL:          d.PresentationURL,
			Capabilities: []plugin.Capability{plugin.CapabilityVideo, plugin.CapabilitySnapshot},
		})
	}
	return discovered, nil
}

// ListCameras returns all cameras
func (p *Provider) ListCameras() []plugin.ProviderCamera {
	p.mu.RLock()
	defer p.mu.RUnlock()

	cameras := make([]plugin.ProviderCamera, 0, len(p.cameras))
	for _, cam := range p.cameras {
		cameras = append(cameras, p.toProviderCamera(cam))
	}
	return cameras
}

// GetCamera returns a camera by ID
func (p *Provider) GetCamera(id string) *plugin.ProviderCamera {
	p.mu.RLock()
	defer p.mu.RUnlock()

	cam, ok := p.cameras[id]
	if !ok {
		return nil
	}

	pc := p.toProviderCamera(cam)
	return &pc
}

// AddCamera connects a new camera by URL
func (p *Provider) AddCamera(ctx context.Context, cfg plugin.CameraConfig) (*plugin.ProviderCamera, error) {
	if p.ctx != nil {
		ctx = p.ctx
	}

	cam, err := p.connectDevice(ctx, DeviceConfig{
		URL:      cfg.URL,
		Username: cfg.Username,
		Password: cfg.Password,
		AuthType: cfg.AuthType,
		Name:     cfg.Name,
	})
	if err != nil {
		return nil, err
	}

	pc := p.toProviderCamera(cam)
	return &pc, nil
}

// Snapshot fetches a still image from a camera using its credentials
func (p *Provider) Snapshot(ctx context.Context, cameraID string) (io.ReadCloser, string, error) {
	p.mu.RLock()
	cam, ok := p.cameras[cameraID]
	p.mu.RUnlock()

	if !ok {
		return nil, "", fmt.Errorf("camera not found: %s", cameraID)
	}
	return cam.client.FetchSnapshot(ctx)
}

// RemoveCamera disconnects and removes a camera
func (p *Provider) RemoveCamera(ctx context.Context, id string) error {
	p.mu.Lock()
	cam, ok := p.cameras[id]
	if ok {
		delete(p.cameras, id)
	}
	p.mu.Unlock()

	if !ok {
		return fmt.Errorf("camera not found: %s", id)
	}

	cam.StopPolling()
	p.logger.Info("Removed camera", "id", id)
	return nil
}

func (p *Provider) toProviderCamera(cam *Camera) plugin.ProviderCamera {
	return plugin.ProviderCamera{
		ID:           cam.ID(),
		ProviderID:   ProviderID,
		Name:         cam.Name(),
		Model:        cam.Model(),
		URL:          cam.URL(),
		MJPEGStream:  cam.MJPEGURL(),
		SnapshotURL:  cam.SnapshotURL(),
		Capabilities: cam.Capabilities(),
		Online:       cam.IsOnline(),
		LastSeen:     cam.LastSeen(),
		Attributes:   cam.Attributes(),
	}
}

// cameraID derives a stable camera ID from its base URL
func cameraID(baseURL string) string {
	id := strings.TrimPrefix(baseURL, "http://")
	id = strings.TrimPrefix(id, "https://")
	id = strings.TrimSuffix(id, "/")
	replacer := strings.NewReplacer(":", "_", "/", "_", ".", "-")
	return "nipca_" + replacer.Replace(id)
}
