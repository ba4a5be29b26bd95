package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nipca-hub/nipcahub/internal/events"
)

// EventHandler handles event API requests
type EventHandler struct {
	service *events.Service
}

// NewEventHandler creates a new event handler
func NewEventHandler(service *events.Service) *EventHandler {
	return &EventHandler{service: service}
}

// Routes returns the event routes
func (h *EventHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/", h.List)
	r.Get("/stats", h.Stats)
	r.Get("/{id}", h.Get)
	r.Post("/{id}/acknowledge", h.Acknowledge)
	r.Delete("/{id}", h.Delete)

	return r
}

// List lists events with filters
func (h *EventHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	opts := events.ListOptions{
		CameraID:  q.Get("camera_id"),
		EventType: q.Get("event_type"),
	}

	if v := q.Get("start"); v != "" {
		ts, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			BadRequest(w, "start must be a unix timestamp")
			return
		}
		opts.StartTime = time.Unix(ts, 0)
	}

	if v := q.Get("end"); v != "" {
		ts, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			BadRequest(w, "end must be a unix timestamp")
			return
		}
		opts.EndTime = time.Unix(ts, 0)
	}

	page := 1
	if v := q.Get("page"); v != "" {
		if p, err := strconv.Atoi(v); err == nil && p > 0 {
			page = p
		}
	}

	perPage := 50
	if v := q.Get("per_page"); v != "" {
		if pp, err := strconv.Atoi(v); err == nil && pp > 0 && pp <= 1000 {
			perPage = pp
		}
	}

	opts.Limit = perPage
	opts.Offset = (page - 1) * perPage

	items, total, err := h.service.List(r.Context(), opts)
	if err != nil {
		InternalError(w, err.Error())
		return
	}

	List(w, items, total, page, perPage)
}

// Get retrieves an event by ID
func (h *EventHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	event, err := h.service.Get(r.Context(), id)
	if err != nil {
		NotFound(w, "Event not found")
		return
	}

	OK(w, event)
}

// Acknowledge acknowledges an event
func (h *EventHandler) Acknowledge(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := h.service.Acknowledge(r.Context(), id); err != nil {
		NotFound(w, "Event not found")
		return
	}

	NoContent(w)
}

// Delete deletes an event
func (h *EventHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := h.service.Delete(r.Context(), id); err != nil {
		InternalError(w, err.Error())
		return
	}

	NoContent(w)
}

// Stats returns event statistics
func (h *EventHandler) Stats(w http.ResponseWriter, r *http.Request) {
	cameraID := r.URL.Query().Get("camera_id")

	stats, err := h.service.GetStats(r.Context(), cameraID)
	if err != nil {
		InternalError(w, err.Error())
		return
	}

	OK(w, stats)
}
