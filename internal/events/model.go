// Package events manages the hub's event store: motion events and
// camera state changes persisted to SQLite and fanned out to
// subscribers.
package events

import (
	"encoding/json"
	"time"
)

// Event types
const (
	EventMotion      = "motion"
	EventMotionClear = "motion_clear"
	EventStateChange = "state_change"
	EventOnline      = "online"
	EventOffline     = "offline"
)

// Event represents a camera event
type Event struct {
	ID           string          `json:"id"`
	CameraID     string          `json:"camera_id"`
	EventType    string          `json:"event_type"`
	Label        string          `json:"label,omitempty"`
	Timestamp    time.Time       `json:"timestamp"`
	Metadata     json.RawMessage `json:"metadata,omitempty"`
	Acknowledged bool            `json:"acknowledged"`
	CreatedAt    time.Time       `json:"created_at"`
}

// ListOptions filters event queries
type ListOptions struct {
	CameraID  string
	EventType string
	StartTime time.Time
	EndTime   time.Time
	Limit     int
	Offset    int
}
