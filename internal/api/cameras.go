package api

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nipca-hub/nipcahub/internal/plugin"
)

// CameraHandler handles camera API requests
type CameraHandler struct {
	manager *plugin.Manager
}

// NewCameraHandler creates a new camera handler
func NewCameraHandler(manager *plugin.Manager) *CameraHandler {
	return &CameraHandler{manager: manager}
}

// Routes returns the camera routes
func (h *CameraHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/", h.List)
	r.Post("/", h.Add)
	r.Get("/discover", h.Discover)
	r.Get("/{id}", h.Get)
	r.Delete("/{id}", h.Remove)
	r.Get("/{id}/attributes", h.Attributes)
	r.Get("/{id}/snapshot", h.Snapshot)

	return r
}

// CameraRequest represents a camera registration request
type CameraRequest struct {
	Provider string `json:"provider,omitempty"`
	URL      string `json:"url"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	AuthType string `json:"auth_type,omitempty"`
	Name     string `json:"name,omitempty"`
}

// List lists all cameras from all providers
func (h *CameraHandler) List(w http.ResponseWriter, r *http.Request) {
	cameras := h.manager.ListCameras()
	if cameras == nil {
		cameras = []plugin.ProviderCamera{}
	}
	OK(w, cameras)
}

// Get retrieves a camera by ID
func (h *CameraHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	cam := h.manager.GetCamera(id)
	if cam == nil {
		NotFound(w, "Camera not found")
		return
	}

	OK(w, cam)
}

// Attributes returns the camera's raw attribute map
func (h *CameraHandler) Attributes(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	cam := h.manager.GetCamera(id)
	if cam == nil {
		NotFound(w, "Camera not found")
		return
	}

	attrs := cam.Attributes
	if attrs == nil {
		attrs = map[string]string{}
	}
	OK(w, attrs)
}

// Add registers a new camera with a provider
func (h *CameraHandler) Add(w http.ResponseWriter, r *http.Request) {
	var req CameraRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "Invalid request body")
		return
	}

	if req.URL == "" {
		BadRequest(w, "url is required")
		return
	}
	if req.Provider == "" {
		req.Provider = "nipca"
	}

	provider, ok := h.manager.Provider(req.Provider)
	if !ok {
		BadRequest(w, "Unknown provider: "+req.Provider)
		return
	}

	cam, err := provider.AddCamera(r.Context(), plugin.CameraConfig{
		URL:      req.URL,
		Username: req.Username,
		Password: req.Password,
		AuthType: req.AuthType,
		Name:     req.Name,
	})
	if err != nil {
		Conflict(w, err.Error())
		return
	}

	Created(w, cam)
}

// Remove removes a camera
func (h *CameraHandler) Remove(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	cam := h.manager.GetCamera(id)
	if cam == nil {
		NotFound(w, "Camera not found")
		return
	}

	provider, ok := h.manager.Provider(cam.ProviderID)
	if !ok {
		InternalError(w, "Provider not available")
		return
	}

	if err := provider.RemoveCamera(r.Context(), id); err != nil {
		InternalError(w, err.Error())
		return
	}

	NoContent(w)
}

// Discover runs discovery on all providers
func (h *CameraHandler) Discover(w http.ResponseWriter, r *http.Request) {
	discovered, err := h.manager.DiscoverCameras(r.Context())
	if err != nil {
		InternalError(w, err.Error())
		return
	}
	if discovered == nil {
		discovered = []plugin.DiscoveredCamera{}
	}

	OK(w, discovered)
}

// Snapshot proxies the camera's still image endpoint. The provider
// performs the upstream fetch so device credentials stay with it.
func (h *CameraHandler) Snapshot(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	cam := h.manager.GetCamera(id)
	if cam == nil {
		NotFound(w, "Camera not found")
		return
	}

	provider, ok := h.manager.Provider(cam.ProviderID)
	if !ok {
		InternalError(w, "Provider not available")
		return
	}

	snapshotter, ok := provider.(plugin.Snapshotter)
	if !ok {
		NotFound(w, "Camera has no snapshot endpoint")
		return
	}

	body, contentType, err := snapshotter.Snapshot(r.Context(), id)
	if err != nil {
		Error(w, http.StatusBadGateway, "UPSTREAM_ERROR", err.Error())
		return
	}
	defer body.Close()

	if contentType == "" {
		contentType = "image/jpeg"
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	_, _ = io.Copy(w, body)
}
