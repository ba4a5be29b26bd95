// Package plugin provides the camera provider framework for the hub.
// Providers are builtin integrations that connect vendor devices and
// surface them as hub cameras and sensors.
package plugin

import (
	"context"
	"io"
	"time"
)

// Manifest describes a camera provider
type Manifest struct {
	// ID is the unique identifier (e.g., "nipca")
	ID string `json:"id" yaml:"id"`

	// Name is the human-readable name
	Name string `json:"name" yaml:"name"`

	// Version is the provider version (semver)
	Version string `json:"version" yaml:"version"`

	// Description explains what the provider does
	Description string `json:"description" yaml:"description"`

	// Capabilities lists what this provider can do
	Capabilities []Capability `json:"capabilities" yaml:"capabilities"`
}

// Capability represents a feature that a provider or camera supports
type Capability string

const (
	// Camera capabilities
	CapabilityVideo    Capability = "video"    // Can provide video streams
	CapabilityAudio    Capability = "audio"    // Has audio support
	CapabilityMotion   Capability = "motion"   // Motion detection
	CapabilitySnapshot Capability = "snapshot" // Can capture snapshots

	// Provider-level capabilities
	CapabilityDiscovery Capability = "discovery" // Can discover devices on network
)

// HealthStatus represents provider health
type HealthStatus struct {
	State     HealthState            `json:"state"`
	Message   string                 `json:"message,omitempty"`
	LastCheck time.Time              `json:"last_check"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// HealthState represents the health state enum
type HealthState string

const (
	HealthStateHealthy   HealthState = "healthy"
	HealthStateUnhealthy HealthState = "unhealthy"
	HealthStateDegraded  HealthState = "degraded"
	HealthStateUnknown   HealthState = "unknown"
)

// DiscoveredCamera represents a camera found during discovery
type DiscoveredCamera struct {
	ID           string       `json:"id"`
	Name         string       `json:"name"`
	Model        string       `json:"model"`
	Manufacturer string       `json:"manufacturer"`
	URL          string       `json:"url"`
	Capabilities []Capability `json:"capabilities"`
}

// ProviderCamera represents an active camera managed by a provider
type ProviderCamera struct {
	ID           string            `json:"id"`
	ProviderID   string            `json:"provider_id"`
	Name         string            `json:"name"`
	Model        string            `json:"model"`
	URL          string            `json:"url"`
	MJPEGStream  string            `json:"mjpeg_stream,omitempty"`
	SnapshotURL  string            `json:"snapshot_url,omitempty"`
	Capabilities []Capability      `json:"capabilities"`
	Online       bool              `json:"online"`
	LastSeen     time.Time         `json:"last_seen"`
	Attributes   map[string]string `json:"attributes,omitempty"`
}

// CameraConfig holds configuration for a provider camera
type CameraConfig struct {
	URL      string `json:"url" yaml:"url"`
	Username string `json:"username,omitempty" yaml:"username,omitempty"`
	Password string `json:"password,omitempty" yaml:"password,omitempty"`
	AuthType string `json:"auth_type,omitempty" yaml:"auth_type,omitempty"` // basic, digest, none
	Name     string `json:"name,omitempty" yaml:"name,omitempty"`
}

// CameraEvent represents an event emitted by a camera
type CameraEvent struct {
	Type       CameraEventType `json:"type"`
	Timestamp  time.Time       `json:"timestamp"`
	CameraID   string          `json:"camera_id"`
	ProviderID string          `json:"provider_id"`
	Key        string          `json:"key,omitempty"`
	Value      string          `json:"value,omitempty"`
}

// CameraEventType represents types of camera events
type CameraEventType string

const (
	EventTypeMotion      CameraEventType = "motion"
	EventTypeMotionClear CameraEventType = "motion_clear"
	EventTypeStateChange CameraEventType = "state_change"

	// Operational signals: not persisted as events, consumed by the
	// hub for health counters.
	EventTypePollError       CameraEventType = "poll_error"
	EventTypeNotifyReconnect CameraEventType = "notify_reconnect"
)

// EventHandler is a callback for camera events
type EventHandler func(event CameraEvent)

// Snapshotter is implemented by providers whose cameras can capture
// still images. The provider handles upstream auth.
type Snapshotter interface {
	Snapshot(ctx context.Context, cameraID string) (io.ReadCloser, string, error)
}

// Provider is the interface implemented by camera integrations
type Provider interface {
	// Manifest returns provider metadata
	Manifest() Manifest

	// Lifecycle
	Initialize(ctx context.Context, config map[string]interface{}) error
	Start(ctx context.Context) error
	Stop() error
	Health() HealthStatus

	// Camera management
	DiscoverCameras(ctx context.Context) ([]DiscoveredCamera, error)
	ListCameras() []ProviderCamera
	GetCamera(id string) *ProviderCamera
	AddCamera(ctx context.Context, cfg CameraConfig) (*ProviderCamera, error)
	RemoveCamera(ctx context.Context, id string) error

	// Subscribe registers an event handler and returns an unsubscribe func
	Subscribe(handler EventHandler) func()
}
