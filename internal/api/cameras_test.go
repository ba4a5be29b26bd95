package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/nipca-hub/nipcahub/internal/plugin"
)

// stubProvider backs the camera handler tests without real devices
type stubProvider struct {
	cameras    map[string]*plugin.ProviderCamera
	discovered []plugin.DiscoveredCamera
	added      []plugin.CameraConfig
}

func (s *stubProvider) Manifest() plugin.Manifest {
	return plugin.Manifest{ID: "nipca", Name: "NIPCA", Version: "1.0.0"}
}

func (s *stubProvider) Initialize(ctx context.Context, cfg map[string]interface{}) error { return nil }
func (s *stubProvider) Start(ctx context.Context) error                                  { return nil }
func (s *stubProvider) Stop() error                                                      { return nil }

func (s *stubProvider) Health() plugin.HealthStatus {
	return plugin.HealthStatus{State: plugin.HealthStateHealthy}
}

func (s *stubProvider) DiscoverCameras(ctx context.Context) ([]plugin.DiscoveredCamera, error) {
	return s.discovered, nil
}

func (s *stubProvider) ListCameras() []plugin.ProviderCamera {
	var out []plugin.ProviderCamera
	for _, cam := range s.cameras {
		out = append(out, *cam)
	}
	return out
}

func (s *stubProvider) GetCamera(id string) *plugin.ProviderCamera {
	return s.cameras[id]
}

func (s *stubProvider) AddCamera(ctx context.Context, cfg plugin.CameraConfig) (*plugin.ProviderCamera, error) {
	s.added = append(s.added, cfg)
	cam := &plugin.ProviderCamera{ID: "nipca_new", ProviderID: "nipca", Name: cfg.Name, URL: cfg.URL, Online: true}
	s.cameras[cam.ID] = cam
	return cam, nil
}

func (s *stubProvider) RemoveCamera(ctx context.Context, id string) error {
	delete(s.cameras, id)
	return nil
}

func (s *stubProvider) Subscribe(handler plugin.EventHandler) func() {
	return func() {}
}

func (s *stubProvider) Snapshot(ctx context.Context, cameraID string) (io.ReadCloser, string, error) {
	return io.NopCloser(bytes.NewReader([]byte{0xFF, 0xD8})), "image/jpeg", nil
}

func setupCameraHandler(t *testing.T) (*stubProvider, http.Handler) {
	t.Helper()

	provider := &stubProvider{
		cameras: map[string]*plugin.ProviderCamera{
			"cam1": {
				ID:         "cam1",
				ProviderID: "nipca",
				Name:       "Front Door",
				Online:     true,
				Attributes: map[string]string{"model": "DCS-932L"},
			},
		},
	}

	manager := plugin.NewManager(slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err := manager.Register(provider); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := manager.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(manager.Stop)

	return provider, NewCameraHandler(manager).Routes()
}

func decodeResponse(t *testing.T, w *httptest.ResponseRecorder) Response {
	t.Helper()
	var resp Response
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	return resp
}

func TestCameraList(t *testing.T) {
	_, routes := setupCameraHandler(t)

	req := httptest.NewRequest("GET", "/", nil)
	w := httptest.NewRecorder()
	routes.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	resp := decodeResponse(t, w)
	if !resp.Success {
		t.Error("Expected success response")
	}
	cameras, ok := resp.Data.([]interface{})
	if !ok || len(cameras) != 1 {
		t.Errorf("Expected 1 camera in data, got %v", resp.Data)
	}
}

func TestCameraGet(t *testing.T) {
	_, routes := setupCameraHandler(t)

	req := httptest.NewRequest("GET", "/cam1", nil)
	w := httptest.NewRecorder()
	routes.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}

	req = httptest.NewRequest("GET", "/nope", nil)
	w = httptest.NewRecorder()
	routes.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown camera, got %d", w.Code)
	}
}

func TestCameraAttributes(t *testing.T) {
	_, routes := setupCameraHandler(t)

	req := httptest.NewRequest("GET", "/cam1/attributes", nil)
	w := httptest.NewRecorder()
	routes.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	resp := decodeResponse(t, w)
	attrs, ok := resp.Data.(map[string]interface{})
	if !ok {
		t.Fatalf("Expected attribute map, got %v", resp.Data)
	}
	if attrs["model"] != "DCS-932L" {
		t.Errorf("Unexpected model attribute %v", attrs["model"])
	}
}

func TestCameraAdd(t *testing.T) {
	provider, routes := setupCameraHandler(t)

	body := strings.NewReader(`{"url": "http://192.168.1.20", "name": "Garage"}`)
	req := httptest.NewRequest("POST", "/", body)
	w := httptest.NewRecorder()
	routes.ServeHTTP(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", w.Code, w.Body.String())
	}
	if len(provider.added) != 1 || provider.added[0].URL != "http://192.168.1.20" {
		t.Errorf("Provider did not receive the camera config: %v", provider.added)
	}
}

func TestCameraAddRequiresURL(t *testing.T) {
	_, routes := setupCameraHandler(t)

	req := httptest.NewRequest("POST", "/", strings.NewReader(`{"name": "no url"}`))
	w := httptest.NewRecorder()
	routes.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 without url, got %d", w.Code)
	}
}

func TestCameraRemove(t *testing.T) {
	provider, routes := setupCameraHandler(t)

	req := httptest.NewRequest("DELETE", "/cam1", nil)
	w := httptest.NewRecorder()
	routes.ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Fatalf("Expected 204, got %d", w.Code)
	}
	if provider.GetCamera("cam1") != nil {
		t.Error("Camera should be gone after removal")
	}
}

func TestCameraDiscover(t *testing.T) {
	provider, routes := setupCameraHandler(t)
	provider.discovered = []plugin.DiscoveredCamera{
		{ID: "nipca_192-168-1-30", URL: "http://192.168.1.30", Model: "DCS-5020L"},
	}

	req := httptest.NewRequest("GET", "/discover", nil)
	w := httptest.NewRecorder()
	routes.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	resp := decodeResponse(t, w)
	found, ok := resp.Data.([]interface{})
	if !ok || len(found) != 1 {
		t.Errorf("Expected 1 discovered camera, got %v", resp.Data)
	}
}

func TestCameraSnapshot(t *testing.T) {
	_, routes := setupCameraHandler(t)

	req := httptest.NewRequest("GET", "/cam1/snapshot", nil)
	w := httptest.NewRecorder()
	routes.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "image/jpeg" {
		t.Errorf("Expected image/jpeg, got %q", ct)
	}
	if !bytes.Equal(w.Body.Bytes(), []byte{0xFF, 0xD8}) {
		t.Errorf("Unexpected snapshot body %v", w.Body.Bytes())
	}
}
