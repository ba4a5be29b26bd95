package events

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/nipca-hub/nipcahub/internal/database"
)

func setupTestDB(t *testing.T) *database.DB {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	db, err := database.Open(&database.Config{Path: dbPath})
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}

	// Create events table
	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS events (
			id TEXT PRIMARY KEY,
			camera_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			label TEXT,
			timestamp INTEGER NOT NULL,
			metadata TEXT,
			acknowledged INTEGER DEFAULT 0,
			created_at INTEGER NOT NULL
		)
	`)
	if err != nil {
		t.Fatalf("Failed to create events table: %v", err)
	}

	return db
}

func TestNewService(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	service := NewService(db)
	if service == nil {
		t.Fatal("NewService returned nil")
	}

	if service.db != db {
		t.Error("Service db not set correctly")
	}
}

func TestCreateEvent(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	service := NewService(db)
	ctx := context.Background()

	event := &Event{
		CameraID:  "cam1",
		EventType: EventMotion,
		Label:     "motion",
	}

	if err := service.Create(ctx, event); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if event.ID == "" {
		t.Error("Create should assign an ID")
	}
	if event.Timestamp.IsZero() {
		t.Error("Create should assign a timestamp")
	}
	if event.CreatedAt.IsZero() {
		t.Error("Create should assign created_at")
	}
}

func TestGetEvent(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	service := NewService(db)
	ctx := context.Background()

	event := &Event{
		CameraID:  "cam1",
		EventType: EventStateChange,
		Label:     "brightness",
		Metadata:  []byte(`{"key":"brightness","value":"5"}`),
	}
	if err := service.Create(ctx, event); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	got, err := service.Get(ctx, event.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.CameraID != "cam1" {
		t.Errorf("Expected camera cam1, got %s", got.CameraID)
	}
	if got.EventType != EventStateChange {
		t.Errorf("Expected state_change, got %s", got.EventType)
	}
	if got.Label != "brightness" {
		t.Errorf("Expected label brightness, got %s", got.Label)
	}
	if string(got.Metadata) != `{"key":"brightness","value":"5"}` {
		t.Errorf("Metadata not round-tripped: %s", got.Metadata)
	}
}

func TestGetEventNotFound(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	service := NewService(db)

	if _, err := service.Get(context.Background(), "missing"); err == nil {
		t.Fatal("Expected error for missing event")
	}
}

func TestListEventsFilters(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	service := NewService(db)
	ctx := context.Background()

	base := time.Now().Add(-1 * time.Hour)
	fixtures := []*Event{
		{CameraID: "cam1", EventType: EventMotion, Timestamp: base},
		{CameraID: "cam1", EventType: EventMotionClear, Timestamp: base.Add(time.Minute)},
		{CameraID: "cam2", EventType: EventMotion, Timestamp: base.Add(2 * time.Minute)},
	}
	for _, e := range fixtures {
		if err := service.Create(ctx, e); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
	}

	all, total, err := service.List(ctx, ListOptions{})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if total != 3 || len(all) != 3 {
		t.Errorf("Expected 3 events, got %d (total %d)", len(all), total)
	}
	// Newest first
	if all[0].CameraID != "cam2" {
		t.Errorf("Expected newest event first, got %s", all[0].CameraID)
	}

	cam1, total, err := service.List(ctx, ListOptions{CameraID: "cam1"})
	if err != nil {
		t.Fatalf("List by camera failed: %v", err)
	}
	if total != 2 || len(cam1) != 2 {
		t.Errorf("Expected 2 cam1 events, got %d (total %d)", len(cam1), total)
	}

	motion, _, err := service.List(ctx, ListOptions{EventType: EventMotion})
	if err != nil {
		t.Fatalf("List by type failed: %v", err)
	}
	if len(motion) != 2 {
		t.Errorf("Expected 2 motion events, got %d", len(motion))
	}

	ranged, _, err := service.List(ctx, ListOptions{
		StartTime: base.Add(90 * time.Second),
	})
	if err != nil {
		t.Fatalf("List by time range failed: %v", err)
	}
	if len(ranged) != 1 {
		t.Errorf("Expected 1 event after start time, got %d", len(ranged))
	}
}

func TestListEventsPagination(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	service := NewService(db)
	ctx := context.Background()

	base := time.Now().Add(-1 * time.Hour)
	for i := 0; i < 5; i++ {
		e := &Event{CameraID: "cam1", EventType: EventMotion, Timestamp: base.Add(time.Duration(i) * time.Minute)}
		if err := service.Create(ctx, e); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
	}

	page, total, err := service.List(ctx, ListOptions{Limit: 2, Offset: 2})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if total != 5 {
		t.Errorf("Expected total 5, got %d", total)
	}
	if len(page) != 2 {
		t.Errorf("Expected page of 2, got %d", len(page))
	}
}

func TestAcknowledgeEvent(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	service := NewService(db)
	ctx := context.Background()

	event := &Event{CameraID: "cam1", EventType: EventMotion}
	if err := service.Create(ctx, event); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if err := service.Acknowledge(ctx, event.ID); err != nil {
		t.Fatalf("Acknowledge failed: %v", err)
	}

	got, err := service.Get(ctx, event.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !got.Acknowledged {
		t.Error("Event should be acknowledged")
	}

	if err := service.Acknowledge(ctx, "missing"); err == nil {
		t.Error("Expected error acknowledging missing event")
	}
}

func TestDeleteEvent(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	service := NewService(db)
	ctx := context.Background()

	event := &Event{CameraID: "cam1", EventType: EventMotion}
	if err := service.Create(ctx, event); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if err := service.Delete(ctx, event.ID); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := service.Get(ctx, event.ID); err == nil {
		t.Error("Event should be gone after delete")
	}
}

func TestDeleteOlderThan(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	service := NewService(db)
	ctx := context.Background()

	old := &Event{CameraID: "cam1", EventType: EventMotion, Timestamp: time.Now().Add(-48 * time.Hour)}
	recent := &Event{CameraID: "cam1", EventType: EventMotion, Timestamp: time.Now()}
	for _, e := range []*Event{old, recent} {
		if err := service.Create(ctx, e); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
	}

	deleted, err := service.DeleteOlderThan(ctx, time.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("DeleteOlderThan failed: %v", err)
	}
	if deleted != 1 {
		t.Errorf("Expected 1 deleted, got %d", deleted)
	}
	if _, err := service.Get(ctx, recent.ID); err != nil {
		t.Errorf("Recent event should survive: %v", err)
	}
}

func TestGetStats(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	service := NewService(db)
	ctx := context.Background()

	events := []*Event{
		{CameraID: "cam1", EventType: EventMotion},
		{CameraID: "cam1", EventType: EventMotionClear},
		{CameraID: "cam2", EventType: EventMotion},
	}
	for _, e := range events {
		if err := service.Create(ctx, e); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
	}
	if err := service.Acknowledge(ctx, events[0].ID); err != nil {
		t.Fatalf("Acknowledge failed: %v", err)
	}

	stats, err := service.GetStats(ctx, "")
	if err != nil {
		t.Fatalf("GetStats failed: %v", err)
	}
	if stats["total"] != 3 {
		t.Errorf("Expected total 3, got %v", stats["total"])
	}
	if stats["unacknowledged"] != 2 {
		t.Errorf("Expected 2 unacknowledged, got %v", stats["unacknowledged"])
	}

	camStats, err := service.GetStats(ctx, "cam2")
	if err != nil {
		t.Fatalf("GetStats for camera failed: %v", err)
	}
	if camStats["total"] != 1 {
		t.Errorf("Expected cam2 total 1, got %v", camStats["total"])
	}
}

func TestSubscribeReceivesEvents(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	service := NewService(db)
	ctx := context.Background()

	ch := service.Subscribe()
	defer service.Unsubscribe(ch)

	created, err := service.CreateMotionEvent(ctx, "cam1")
	if err != nil {
		t.Fatalf("CreateMotionEvent failed: %v", err)
	}

	select {
	case got := <-ch:
		if got.ID != created.ID {
			t.Errorf("Expected event %s, got %s", created.ID, got.ID)
		}
		if got.EventType != EventMotion {
			t.Errorf("Expected motion event, got %s", got.EventType)
		}
	case <-time.After(time.Second):
		t.Fatal("Timed out waiting for subscriber notification")
	}
}

func TestCreateStateChangeEvent(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	service := NewService(db)

	event, err := service.CreateStateChangeEvent(context.Background(), "cam1", "ircut", "on")
	if err != nil {
		t.Fatalf("CreateStateChangeEvent failed: %v", err)
	}

	if event.EventType != EventStateChange {
		t.Errorf("Expected state_change, got %s", event.EventType)
	}
	if event.Label != "ircut" {
		t.Errorf("Expected label ircut, got %s", event.Label)
	}
	if string(event.Metadata) == "" {
		t.Error("Metadata should carry key and value")
	}
}
