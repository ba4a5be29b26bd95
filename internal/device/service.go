// Package device maintains the hub's device registry. Each camera is
// registered as a device; cameras with motion detection also get a
// companion motion sensor device linked via parent_id.
package device

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nipca-hub/nipcahub/internal/database"
)

// Device kinds
const (
	KindCamera       = "camera"
	KindMotionSensor = "motion_sensor"
)

// Device represents a registered device
type Device struct {
	ID           string            `json:"id"`
	ProviderID   string            `json:"provider_id"`
	Kind         string            `json:"kind"`
	Name         string            `json:"name"`
	URL          string            `json:"url,omitempty"`
	Model        string            `json:"model,omitempty"`
	Manufacturer string            `json:"manufacturer,omitempty"`
	ParentID     string            `json:"parent_id,omitempty"`
	Online       bool              `json:"online"`
	LastSeen     *time.Time        `json:"last_seen,omitempty"`
	Attributes   map[string]string `json:"attributes,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// Change notifies subscribers of a registry update
type Change struct {
	Type   string  `json:"type"` // "registered", "updated", "online", "offline", "removed"
	Device *Device `json:"device"`
}

// Service manages the device registry
type Service struct {
	db          *database.DB
	logger      *slog.Logger
	subscribers []chan *Change
	mu          sync.RWMutex
}

// NewService creates a new device service
func NewService(db *database.DB) *Service {
	return &Service{
		db:          db,
		logger:      slog.Default().With("component", "device_service"),
		subscribers: make([]chan *Change, 0),
	}
}

// Subscribe returns a channel that receives registry changes
func (s *Service) Subscribe() chan *Change {
	ch := make(chan *Change, 100)
	s.mu.Lock()
	s.subscribers = append(s.subscribers, ch)
	s.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscription
func (s *Service) Unsubscribe(ch chan *Change) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, sub := range s.subscribers {
		if sub == ch {
			s.subscribers = append(s.subscribers[:i], s.subscribers[i+1:]...)
			close(ch)
			break
		}
	}
}

// Register inserts or updates a device. Re-registering an existing
// device refreshes its metadata but preserves created_at.
func (s *Service) Register(ctx context.Context, dev *Device) error {
	if dev.ID == "" {
		return fmt.Errorf("device id is required")
	}
	if dev.Kind == "" {
		dev.Kind = KindCamera
	}

	now := time.Now()
	dev.UpdatedAt = now

	var attrsJSON []byte
	var err error
	if len(dev.Attributes) > 0 {
		attrsJSON, err = json.Marshal(dev.Attributes)
		if err != nil {
			return fmt.Errorf("failed to marshal attributes: %w", err)
		}
	}

	online := 0
	if dev.Online {
		online = 1
	}

	var lastSeen *int64
	if dev.LastSeen != nil {
		ts := dev.LastSeen.Unix()
		lastSeen = &ts
	}

	existing, err := s.Get(ctx, dev.ID)
	if err == nil {
		dev.CreatedAt = existing.CreatedAt
		_, err = s.db.ExecContext(ctx, `
			UPDATE devices SET
				provider_id = ?, kind = ?, name = ?, url = ?, model = ?,
				manufacturer = ?, parent_id = ?, online = ?, last_seen = ?,
				attributes = ?, updated_at = ?
			WHERE id = ?
		`,
			dev.ProviderID, dev.Kind, dev.Name, dev.URL, dev.Model,
			dev.Manufacturer, dev.ParentID, online, lastSeen,
			attrsJSON, dev.UpdatedAt.Unix(), dev.ID,
		)
		if err != nil {
			return fmt.Errorf("failed to update device: %w", err)
		}
		s.notifySubscribers(&Change{Type: "updated", Device: dev})
		return nil
	}

	dev.CreatedAt = now
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO devices (
			id, provider_id, kind, name, url, model, manufacturer,
			parent_id, online, last_seen, attributes, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		dev.ID, dev.ProviderID, dev.Kind, dev.Name, dev.URL, dev.Model,
		dev.Manufacturer, dev.ParentID, online, lastSeen, attrsJSON,
		dev.CreatedAt.Unix(), dev.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to register device: %w", err)
	}

	s.logger.Info("Device registered", "id", dev.ID, "kind", dev.Kind, "name", dev.Name)
	s.notifySubscribers(&Change{Type: "registered", Device: dev})
	return nil
}

// RegisterCamera registers a camera and, when motion detection is
// enabled, a companion motion sensor device.
func (s *Service) RegisterCamera(ctx context.Context, cam *Device, motionEnabled bool) error {
	cam.Kind = KindCamera
	if err := s.Register(ctx, cam); err != nil {
		return err
	}

	if !motionEnabled {
		return nil
	}

	sensor := &Device{
		ID:           cam.ID + "_motion",
		ProviderID:   cam.ProviderID,
		Kind:         KindMotionSensor,
		Name:         cam.Name + " Motion Sensor",
		Model:        cam.Model,
		Manufacturer: cam.Manufacturer,
		ParentID:     cam.ID,
		Online:       cam.Online,
		LastSeen:     cam.LastSeen,
	}
	return s.Register(ctx, sensor)
}

// Get retrieves a device by ID
func (s *Service) Get(ctx context.Context, id string) (*Device, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, provider_id, kind, name, url, model, manufacturer,
		       parent_id, online, last_seen, attributes, created_at, updated_at
		FROM devices WHERE id = ?
	`, id)
	dev, err := scanDevice(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("device not found: %s", id)
	}
	return dev, err
}

// List retrieves devices, optionally filtered by kind
func (s *Service) List(ctx context.Context, kind string) ([]*Device, error) {
	query := `SELECT id, provider_id, kind, name, url, model, manufacturer,
	                 parent_id, online, last_seen, attributes, created_at, updated_at
	          FROM devices`
	args := []interface{}{}

	if kind != "" {
		query += " WHERE kind = ?"
		args = append(args, kind)
	}
	query += " ORDER BY name ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	devices := []*Device{}
	for rows.Next() {
		dev, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		devices = append(devices, dev)
	}

	return devices, rows.Err()
}

// Children retrieves the companion devices of a parent device
func (s *Service) Children(ctx context.Context, parentID string) ([]*Device, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, provider_id, kind, name, url, model, manufacturer,
		       parent_id, online, last_seen, attributes, created_at, updated_at
		FROM devices WHERE parent_id = ? ORDER BY name ASC
	`, parentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	devices := []*Device{}
	for rows.Next() {
		dev, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		devices = append(devices, dev)
	}

	return devices, rows.Err()
}

// SetOnline updates the online state of a device and its children
func (s *Service) SetOnline(ctx context.Context, id string, online bool) error {
	state := 0
	changeType := "offline"
	if online {
		state = 1
		changeType = "online"
	}

	now := time.Now()
	_, err := s.db.ExecContext(ctx, `
		UPDATE devices SET online = ?, last_seen = ?, updated_at = ?
		WHERE id = ? OR parent_id = ?
	`, state, now.Unix(), now.Unix(), id, id)
	if err != nil {
		return fmt.Errorf("failed to set online state: %w", err)
	}

	dev, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	s.notifySubscribers(&Change{Type: changeType, Device: dev})
	return nil
}

// UpdateAttributes replaces the stored attributes of a device
func (s *Service) UpdateAttributes(ctx context.Context, id string, attrs map[string]string) error {
	attrsJSON, err := json.Marshal(attrs)
	if err != nil {
		return fmt.Errorf("failed to marshal attributes: %w", err)
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE devices SET attributes = ?, updated_at = ? WHERE id = ?
	`, attrsJSON, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to update attributes: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("device not found: %s", id)
	}
	return nil
}

// Delete removes a device and its children
func (s *Service) Delete(ctx context.Context, id string) error {
	dev, err := s.Get(ctx, id)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, "DELETE FROM devices WHERE id = ? OR parent_id = ?", id, id)
	if err != nil {
		return err
	}

	s.logger.Info("Device removed", "id", id)
	s.notifySubscribers(&Change{Type: "removed", Device: dev})
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanDevice(row rowScanner) (*Device, error) {
	dev := &Device{}
	var url, model, manufacturer, parentID, attrsJSON sql.NullString
	var online int
	var lastSeen sql.NullInt64
	var createdAt, updatedAt int64

	err := row.Scan(
		&dev.ID, &dev.ProviderID, &dev.Kind, &dev.Name, &url, &model, &manufacturer,
		&parentID, &online, &lastSeen, &attrsJSON, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	dev.Online = online == 1
	dev.CreatedAt = time.Unix(createdAt, 0)
	dev.UpdatedAt = time.Unix(updatedAt, 0)

	if url.Valid {
		dev.URL = url.String
	}
	if model.Valid {
		dev.Model = model.String
	}
	if manufacturer.Valid {
		dev.Manufacturer = manufacturer.String
	}
	if parentID.Valid {
		dev.ParentID = parentID.String
	}
	if lastSeen.Valid {
		t := time.Unix(lastSeen.Int64, 0)
		dev.LastSeen = &t
	}
	if attrsJSON.Valid && attrsJSON.String != "" {
		_ = json.Unmarshal([]byte(attrsJSON.String), &dev.Attributes)
	}

	return dev, nil
}

func (s *Service) notifySubscribers(change *Change) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.subscribers {
		select {
		case ch <- change:
		default:
		}
	}
}
