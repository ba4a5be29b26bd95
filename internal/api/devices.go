package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nipca-hub/nipcahub/internal/device"
)

// DeviceHandler handles device registry API requests
type DeviceHandler struct {
	service *device.Service
}

// NewDeviceHandler creates a new device handler
func NewDeviceHandler(service *device.Service) *DeviceHandler {
	return &DeviceHandler{service: service}
}

// Routes returns the device routes
func (h *DeviceHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/", h.List)
	r.Get("/{id}", h.Get)
	r.Get("/{id}/children", h.Children)
	r.Delete("/{id}", h.Delete)

	return r
}

// List lists devices, optionally filtered by kind
func (h *DeviceHandler) List(w http.ResponseWriter, r *http.Request) {
	kind := r.URL.Query().Get("kind")

	devices, err := h.service.List(r.Context(), kind)
	if err != nil {
		InternalError(w, err.Error())
		return
	}

	OK(w, devices)
}

// Get retrieves a device by ID
func (h *DeviceHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	dev, err := h.service.Get(r.Context(), id)
	if err != nil {
		NotFound(w, "Device not found")
		return
	}

	OK(w, dev)
}

// Children lists the companion devices of a device
func (h *DeviceHandler) Children(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	children, err := h.service.Children(r.Context(), id)
	if err != nil {
		InternalError(w, err.Error())
		return
	}

	OK(w, children)
}

// Delete removes a device and its children from the registry
func (h *DeviceHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := h.service.Delete(r.Context(), id); err != nil {
		NotFound(w, "Device not found")
		return
	}

	NoContent(w)
}
