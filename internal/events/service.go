package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nipca-hub/nipcahub/internal/database"
)

// Service manages events
type Service struct {
	db          *database.DB
	logger      *slog.Logger
	subscribers []chan *Event
	mu          sync.RWMutex
}

// NewService creates a new event service
func NewService(db *database.DB) *Service {
	return &Service{
		db:          db,
		logger:      slog.Default().With("component", "event_service"),
		subscribers: make([]chan *Event, 0),
	}
}

// Subscribe returns a channel that receives new events
func (s *Service) Subscribe() chan *Event {
	ch := make(chan *Event, 100)
	s.mu.Lock()
	s.subscribers = append(s.subscribers, ch)
	s.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscription
func (s *Service) Unsubscribe(ch chan *Event) {
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

// Create creates a new event
func (s *Service) Create(ctx context.Context, event *Event) error {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	var metadataJSON []byte
	if event.Metadata != nil {
		metadataJSON = event.Metadata
	}

	acknowledged := 0
	if event.Acknowledged {
		acknowledged = 1
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO events (
			id, camera_id, event_type, label, timestamp, metadata,
			acknowledged, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		event.ID, event.CameraID, event.EventType, event.Label, event.Timestamp.Unix(),
		metadataJSON, acknowledged, event.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to create event: %w", err)
	}

	// Notify subscribers
	s.notifySubscribers(event)

	s.logger.Info("Event created", "id", event.ID, "type", event.EventType, "camera", event.CameraID)
	return nil
}

// Get retrieves an event by ID
func (s *Service) Get(ctx context.Context, id string) (*Event, error) {
	event := &Event{}
	var timestamp, createdAt int64
	var label, metadataJSON sql.NullString
	var acknowledged int

	err := s.db.QueryRowContext(ctx, `
		SELECT id, camera_id, event_type, label, timestamp, metadata,
		       acknowledged, created_at
		FROM events WHERE id = ?
	`, id).Scan(
		&event.ID, &event.CameraID, &event.EventType, &label, &timestamp,
		&metadataJSON, &acknowledged, &createdAt,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("event not found: %s", id)
	}
	if err != nil {
		return nil, err
	}

	event.Timestamp = time.Unix(timestamp, 0)
	event.CreatedAt = time.Unix(createdAt, 0)
	event.Acknowledged = acknowledged == 1

	if label.Valid {
		event.Label = label.String
	}
	if metadataJSON.Valid {
		event.Metadata = json.RawMessage(metadataJSON.String)
	}

	return event, nil
}

// List retrieves events with filters
func (s *Service) List(ctx context.Context, opts ListOptions) ([]*Event, int, error) {
	query := `SELECT id, camera_id, event_type, label, timestamp, metadata,
	                 acknowledged, created_at
	          FROM events WHERE 1=1`
	countQuery := `SELECT COUNT(*) FROM events WHERE 1=1`
	args := []interface{}{}

	if opts.CameraID != "" {
		query += " AND camera_id = ?"
		countQuery += " AND camera_id = ?"
		args = append(args, opts.CameraID)
	}

	if opts.EventType != "" {
		query += " AND event_type = ?"
		countQuery += " AND event_type = ?"
		args = append(args, opts.EventType)
	}

	if !opts.StartTime.IsZero() {
		query += " AND timestamp >= ?"
		countQuery += " AND timestamp >= ?"
		args = append(args, opts.StartTime.Unix())
	}

	if !opts.EndTime.IsZero() {
		query += " AND timestamp <= ?"
		countQuery += " AND timestamp <= ?"
		args = append(args, opts.EndTime.Unix())
	}

	// Get total count
	countArgs := make([]interface{}, len(args))
	copy(countArgs, args)
	var totalCount int
	if err := s.db.QueryRowContext(ctx, countQuery, countArgs...).Scan(&totalCount); err != nil {
		return nil, 0, err
	}

	// Add ordering and pagination
	query += " ORDER BY timestamp DESC"

	limit := 50
	if opts.Limit > 0 && opts.Limit <= 1000 {
		limit = opts.Limit
	}
	query += " LIMIT ?"
	args = append(args, limit)

	if opts.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, opts.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	events := []*Event{}
	for rows.Next() {
		event := &Event{}
		var timestamp, createdAt int64
		var label, metadataJSON sql.NullString
		var acknowledged int

		if err := rows.Scan(
			&event.ID, &event.CameraID, &event.EventType, &label, &timestamp,
			&metadataJSON, &acknowledged, &createdAt,
		); err != nil {
			return nil, 0, err
		}

		event.Timestamp = time.Unix(timestamp, 0)
		event.CreatedAt = time.Unix(createdAt, 0)
		event.Acknowledged = acknowledged == 1

		if label.Valid {
			event.Label = label.String
		}
		if metadataJSON.Valid {
			event.Metadata = json.RawMessage(metadataJSON.String)
		}

		events = append(events, event)
	}

	return events, totalCount, rows.Err()
}

// Acknowledge acknowledges an event
func (s *Service) Acknowledge(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, "UPDATE events SET acknowledged = 1 WHERE id = ?", id)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("event not found: %s", id)
	}
	return nil
}

// Delete deletes an event
func (s *Service) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM events WHERE id = ?", id)
	return err
}

// DeleteOlderThan removes events older than the cutoff and returns the
// number of rows deleted.
func (s *Service) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, "DELETE FROM events WHERE timestamp < ?", cutoff.Unix())
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// GetStats returns event statistics
func (s *Service) GetStats(ctx context.Context, cameraID string) (map[string]interface{}, error) {
	now := time.Now()
	todayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())

	var today, unacknowledged, total int

	// Count today's events
	query := "SELECT COUNT(*) FROM events WHERE timestamp >= ?"
	args := []interface{}{todayStart.Unix()}
	if cameraID != "" {
		query += " AND camera_id = ?"
		args = append(args, cameraID)
	}
	_ = s.db.QueryRowContext(ctx, query, args...).Scan(&today)

	// Count unacknowledged
	query = "SELECT COUNT(*) FROM events WHERE acknowledged = 0"
	args = []interface{}{}
	if cameraID != "" {
		query += " AND camera_id = ?"
		args = append(args, cameraID)
	}
	_ = s.db.QueryRowContext(ctx, query, args...).Scan(&unacknowledged)

	// Count total
	query = "SELECT COUNT(*) FROM events"
	args = []interface{}{}
	if cameraID != "" {
		query += " WHERE camera_id = ?"
		args = append(args, cameraID)
	}
	_ = s.db.QueryRowContext(ctx, query, args...).Scan(&total)

	return map[string]interface{}{
		"today":          today,
		"unacknowledged": unacknowledged,
		"total":          total,
	}, nil
}

// CreateMotionEvent records a motion detection
func (s *Service) CreateMotionEvent(ctx context.Context, cameraID string) (*Event, error) {
	event := &Event{
		CameraID:  cameraID,
		EventType: EventMotion,
		Label:     "motion",
		Timestamp: time.Now(),
	}
	if err := s.Create(ctx, event); err != nil {
		return nil, err
	}
	return event, nil
}

// CreateMotionClearEvent records motion returning to idle
func (s *Service) CreateMotionClearEvent(ctx context.Context, cameraID string) (*Event, error) {
	event := &Event{
		CameraID:  cameraID,
		EventType: EventMotionClear,
		Label:     "motion",
		Timestamp: time.Now(),
	}
	if err := s.Create(ctx, event); err != nil {
		return nil, err
	}
	return event, nil
}

// CreateStateChangeEvent records a notify-stream state transition
func (s *Service) CreateStateChangeEvent(ctx context.Context, cameraID, key, value string) (*Event, error) {
	metadata, _ := json.Marshal(map[string]interface{}{"key": key, "value": value})
	event := &Event{
		CameraID:  cameraID,
		EventType: EventStateChange,
		Label:     key,
		Metadata:  metadata,
		Timestamp: time.Now(),
	}
	if err := s.Create(ctx, event); err != nil {
		return nil, err
	}
	return event, nil
}

func (s *Service) notifySubscribers(event *Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.subscribers {
		select {
		case ch <- event:
		default:
		}
	}
}
