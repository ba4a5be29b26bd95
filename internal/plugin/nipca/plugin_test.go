package nipca

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nipca-hub/nipcahub/internal/plugin"
)

func TestParseConfig(t *testing.T) {
	p := New()

	err := p.Initialize(context.Background(), map[string]interface{}{
		"username":      "admin",
		"password":      "secret",
		"auth_type":     "digest",
		"scan_interval": float64(30),
		"discovery":     false,
		"devices": []interface{}{
			map[string]interface{}{
				"url":  "http://192.168.1.8",
				"name": "Front Door",
			},
			map[string]interface{}{
				"url":       "http://192.168.1.9",
				"username":  "other",
				"password":  "pw",
				"auth_type": "basic",
			},
		},
	})
	if err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	if p.defaults.Username != "admin" {
		t.Errorf("Expected default username admin, got %q", p.defaults.Username)
	}
	if p.defaults.AuthType != AuthDigest {
		t.Errorf("Expected digest auth, got %q", p.defaults.AuthType)
	}
	if p.defaults.ScanInterval != 30*time.Second {
		t.Errorf("Expected 30s scan interval, got %v", p.defaults.ScanInterval)
	}
	if p.discovery {
		t.Error("Discovery should be disabled")
	}
	if len(p.devices) != 2 {
		t.Fatalf("Expected 2 devices, got %d", len(p.devices))
	}
	if p.devices[0].Name != "Front Door" {
		t.Errorf("Unexpected device name %q", p.devices[0].Name)
	}
	if p.devices[1].Username != "other" {
		t.Errorf("Unexpected device username %q", p.devices[1].Username)
	}
}

func TestParseConfigRejectsBadAuthType(t *testing.T) {
	p := New()

	err := p.Initialize(context.Background(), map[string]interface{}{
		"auth_type": "ntlm",
	})
	if err == nil {
		t.Fatal("Expected error for unknown auth type")
	}
}

func TestParseConfigSkipsDevicesWithoutURL(t *testing.T) {
	p := New()

	err := p.Initialize(context.Background(), map[string]interface{}{
		"devices": []interface{}{
			map[string]interface{}{"name": "no url here"},
		},
	})
	if err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	if len(p.devices) != 0 {
		t.Errorf("Expected device without URL to be dropped, got %d", len(p.devices))
	}
}

func TestManifest(t *testing.T) {
	p := New()
	m := p.Manifest()

	if m.ID != ProviderID {
		t.Errorf("Expected ID %q, got %q", ProviderID, m.ID)
	}

	hasMotion := false
	for _, c := range m.Capabilities {
		if c == plugin.CapabilityMotion {
			hasMotion = true
		}
	}
	if !hasMotion {
		t.Error("Manifest should advertise motion capability")
	}
}

func TestHealthStates(t *testing.T) {
	p := New()

	h := p.Health()
	if h.State != plugin.HealthStateUnknown {
		t.Errorf("Expected unknown health with no cameras, got %s", h.State)
	}
}

func TestAddAndRemoveCamera(t *testing.T) {
	cs := &cameraServer{common: "name=Test Cam\nmodel=DCS-930L\n"}
	server := httptest.NewServer(cs.handler())
	defer server.Close()

	p := New()
	p.discovery = false

	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer p.Stop()

	cam, err := p.AddCamera(context.Background(), plugin.CameraConfig{URL: server.URL})
	if err != nil {
		t.Fatalf("AddCamera failed: %v", err)
	}

	if cam.Name != "Test Cam" {
		t.Errorf("Expected name 'Test Cam', got %q", cam.Name)
	}
	if !cam.Online {
		t.Error("Camera should be online")
	}

	if got := p.GetCamera(cam.ID); got == nil {
		t.Fatal("GetCamera returned nil after add")
	}
	if len(p.ListCameras()) != 1 {
		t.Errorf("Expected 1 camera, got %d", len(p.ListCameras()))
	}

	h := p.Health()
	if h.State != plugin.HealthStateHealthy {
		t.Errorf("Expected healthy, got %s (%s)", h.State, h.Message)
	}

	if err := p.RemoveCamera(context.Background(), cam.ID); err != nil {
		t.Fatalf("RemoveCamera failed: %v", err)
	}
	if p.GetCamera(cam.ID) != nil {
		t.Error("Camera should be gone after removal")
	}
}

func TestAddCameraUnreachable(t *testing.T) {
	p := New()
	p.discovery = false

	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer p.Stop()

	_, err := p.AddCamera(context.Background(), plugin.CameraConfig{URL: "http://127.0.0.1:1"})
	if err == nil {
		t.Fatal("Expected error adding unreachable camera")
	}
}

func TestAddCameraDeduplicates(t *testing.T) {
	cs := &cameraServer{common: "name=cam\n"}
	server := httptest.NewServer(cs.handler())
	defer server.Close()

	p := New()
	p.discovery = false

	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer p.Stop()

	first, err := p.AddCamera(context.Background(), plugin.CameraConfig{URL: server.URL})
	if err != nil {
		t.Fatalf("AddCamera failed: %v", err)
	}
	second, err := p.AddCamera(context.Background(), plugin.CameraConfig{URL: server.URL + "/"})
	if err != nil {
		t.Fatalf("Second AddCamera failed: %v", err)
	}

	if first.ID != second.ID {
		t.Errorf("Same URL should yield same camera, got %s and %s", first.ID, second.ID)
	}
	if len(p.ListCameras()) != 1 {
		t.Errorf("Expected 1 camera after duplicate add, got %d", len(p.ListCameras()))
	}
}

func TestConcurrentAddCameraSharesOneConnect(t *testing.T) {
	var requests atomic.Int64
	cs := &cameraServer{common: "name=cam\n"}
	inner := cs.handler()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		if r.URL.Path == commonInfoPath {
			// Slow the info fetch so both adds overlap.
			time.Sleep(80 * time.Millisecond)
		}
		inner.ServeHTTP(w, r)
	}))
	defer server.Close()

	p := New()
	p.discovery = false
	p.defaults.ScanInterval = 50 * time.Millisecond

	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer p.Stop()

	type result struct {
		cam *plugin.ProviderCamera
		err error
	}
	results := make(chan result, 2)
	for i := 0; i < 2; i++ {
		go func() {
			cam, err := p.AddCamera(context.Background(), plugin.CameraConfig{URL: server.URL})
			results <- result{cam, err}
		}()
	}

	var ids []string
	for i := 0; i < 2; i++ {
		r := <-results
		if r.err != nil {
			t.Fatalf("AddCamera failed: %v", r.err)
		}
		ids = append(ids, r.cam.ID)
	}
	if ids[0] != ids[1] {
		t.Errorf("Concurrent adds should share one camera, got %s and %s", ids[0], ids[1])
	}
	if len(p.ListCameras()) != 1 {
		t.Fatalf("Expected 1 camera, got %d", len(p.ListCameras()))
	}

	if err := p.RemoveCamera(context.Background(), ids[0]); err != nil {
		t.Fatalf("RemoveCamera failed: %v", err)
	}

	// RemoveCamera waits out the poll loop, so the request count must
	// hold still from here on.
	settled := requests.Load()
	time.Sleep(300 * time.Millisecond)
	if got := requests.Load(); got != settled {
		t.Errorf("Requests kept arriving after removal: %d -> %d", settled, got)
	}
}

func TestParseConfigNotifyIdleTimeout(t *testing.T) {
	p := New()
	if p.defaults.IdleWindow != defaultIdleWindow {
		t.Fatalf("Expected default idle window %v, got %v", defaultIdleWindow, p.defaults.IdleWindow)
	}

	err := p.Initialize(context.Background(), map[string]interface{}{
		"notify_idle_timeout": float64(5),
	})
	if err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	if p.defaults.IdleWindow != 5*time.Second {
		t.Errorf("Expected 5s idle window, got %v", p.defaults.IdleWindow)
	}
}

func TestAddCameraAppliesIdleWindow(t *testing.T) {
	cs := &cameraServer{common: "name=cam\n"}
	server := httptest.NewServer(cs.handler())
	defer server.Close()

	p := New()
	p.discovery = false
	p.defaults.IdleWindow = 5 * time.Second

	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer p.Stop()

	cam, err := p.AddCamera(context.Background(), plugin.CameraConfig{URL: server.URL})
	if err != nil {
		t.Fatalf("AddCamera failed: %v", err)
	}

	p.mu.RLock()
	got := p.cameras[cam.ID].idleWindow
	p.mu.RUnlock()
	if got != 5*time.Second {
		t.Errorf("Expected configured idle window on camera, got %v", got)
	}
}

func TestProviderUnsubscribeRemovesOnlyItself(t *testing.T) {
	p := New()

	var first, second int
	cancel := p.Subscribe(func(plugin.CameraEvent) { first++ })
	p.Subscribe(func(plugin.CameraEvent) { second++ })

	cancel()
	p.forwardEvent(plugin.CameraEvent{Type: plugin.EventTypeMotion, CameraID: "cam1"})

	if first != 0 {
		t.Errorf("Cancelled handler fired %d times", first)
	}
	if second != 1 {
		t.Errorf("Remaining handler should fire once, got %d", second)
	}
}

func TestForwardEventStampsProvider(t *testing.T) {
	p := New()

	var got plugin.CameraEvent
	p.Subscribe(func(ev plugin.CameraEvent) {
		got = ev
	})

	p.forwardEvent(plugin.CameraEvent{
		Type:     plugin.EventTypeMotion,
		CameraID: "cam1",
	})

	if got.ProviderID != ProviderID {
		t.Errorf("Expected provider ID stamped, got %q", got.ProviderID)
	}
}

func TestSnapshotThroughProvider(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case commonInfoPath:
			fmt.Fprint(w, "name=cam\n")
		case snapshotPath:
			w.Header().Set("Content-Type", "image/jpeg")
			_, _ = w.Write([]byte{0xFF, 0xD8})
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	p := New()
	p.discovery = false

	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer p.Stop()

	cam, err := p.AddCamera(context.Background(), plugin.CameraConfig{URL: server.URL})
	if err != nil {
		t.Fatalf("AddCamera failed: %v", err)
	}

	body, contentType, err := p.Snapshot(context.Background(), cam.ID)
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	body.Close()

	if contentType != "image/jpeg" {
		t.Errorf("Expected image/jpeg, got %q", contentType)
	}
}
