package nipca

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/nipca-hub/nipcahub/internal/plugin"
)

// motionDisabled pins the motion info probe result when no motion
// endpoint answered. It is never re-probed after that.
const motionDisabled = "disabled"

// defaultIdleWindow is how long the notify stream may go without a
// line before it is torn down, absent a configured override.
const defaultIdleWindow = 30 * time.Second

// errNotifyIdle is returned when the notify stream produced no lines
// within the idle window.
var errNotifyIdle = errors.New("notify stream idle")

// Camera is a single NIPCA camera: the scraped attribute map, the
// notify event state, and the polling machinery around them.
type Camera struct {
	id         string
	nameHint   string // configured name, overrides the camera's own
	client     *Client
	scanEvery  time.Duration
	idleWindow time.Duration
	logger     *slog.Logger

	mu             sync.RWMutex
	attrs          map[string]string
	events         map[string]string
	motionInfoPath string // "" until probed, motionDisabled when absent
	online         bool
	lastSeen       time.Time

	handlers    map[int]plugin.EventHandler
	nextHandler int
	handlerMu   sync.RWMutex

	pollCancel context.CancelFunc
	wg         sync.WaitGroup

	notifyMu      sync.Mutex
	notifyRunning bool
	notifyOpens   int
}

// NewCamera creates a camera backed by the given client
func NewCamera(id, nameHint string, client *Client, scanEvery time.Duration) *Camera {
	if scanEvery <= 0 {
		scanEvery = 10 * time.Second
	}
	return &Camera{
		id:         id,
		nameHint:   nameHint,
		client:     client,
		scanEvery:  scanEvery,
		idleWindow: defaultIdleWindow,
		logger:     slog.Default().With("component", "nipca_camera", "camera", id),
		attrs:      make(map[string]string),
		events:     make(map[string]string),
		handlers:   make(map[int]plugin.EventHandler),
	}
}

// ID returns the camera ID
func (c *Camera) ID() string {
	return c.id
}

// Name returns the configured name, falling back to the camera's own
// reported name attribute.
func (c *Camera) Name() string {
	if c.nameHint != "" {
		return c.nameHint
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.attrs["name"]
}

// Model returns the camera's reported model attribute
func (c *Camera) Model() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if m := c.attrs["model"]; m != "" {
		return m
	}
	return c.attrs["product"]
}

// URL returns the camera's base URL
func (c *Camera) URL() string {
	return c.client.BaseURL()
}

// MJPEGURL returns the MJPEG stream URL advertised by the camera, or
// "" when the camera has not reported a video profile yet.
func (c *Camera) MJPEGURL() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	profile := c.attrs["vprofileurl1"]
	if profile == "" {
		return ""
	}
	return c.client.BaseURL() + profile
}

// SnapshotURL returns the still image URL
func (c *Camera) SnapshotURL() string {
	return c.client.SnapshotURL()
}

// MotionDetectionEnabled reports whether the camera has motion
// detection switched on. Firmwares disagree on the attribute name.
func (c *Camera) MotionDetectionEnabled() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.attrs["enable"] == "yes" {
		return true
	}
	if c.attrs["motiondetectionenable"] == "1" {
		return true
	}
	return false
}

// Attributes returns a copy of the scraped attribute map
func (c *Camera) Attributes() map[string]string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]string, len(c.attrs))
	for k, v := range c.attrs {
		out[k] = v
	}
	return out
}

// Events returns a copy of the notify event state map
func (c *Camera) Events() map[string]string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]string, len(c.events))
	for k, v := range c.events {
		out[k] = v
	}
	return out
}

// IsOnline returns whether the camera answered its last poll
func (c *Camera) IsOnline() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.online
}

// LastSeen returns when the camera last answered
func (c *Camera) LastSeen() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastSeen
}

// Capabilities returns the camera's capability set
func (c *Camera) Capabilities() []plugin.Capability {
	caps := []plugin.Capability{plugin.CapabilityVideo, plugin.CapabilitySnapshot}
	if c.MotionDetectionEnabled() {
		caps = append(caps, plugin.CapabilityMotion)
	}
	return caps
}

// UpdateInfo refreshes the attribute map from the camera's info
// endpoints. The motion info endpoint is probed once through the
// fallback chain; the first path that answers is pinned for good.
func (c *Camera) UpdateInfo(ctx context.Context) error {
	common, err := c.client.FetchAttributes(ctx, commonInfoPath)
	if err != nil {
		c.setOnline(false)
		return err
	}
	c.mergeAttrs(common)

	if stream, err := c.client.FetchAttributes(ctx, streamInfoPath); err != nil {
		c.logger.Warn("Stream info fetch failed", "error", err)
	} else {
		c.mergeAttrs(stream)
	}

	c.updateMotionInfo(ctx)

	c.setOnline(true)
	return nil
}

// updateMotionInfo fetches motion configuration, probing the fallback
// chain on first use.
func (c *Camera) updateMotionInfo(ctx context.Context) {
	c.mu.RLock()
	path := c.motionInfoPath
	c.mu.RUnlock()

	switch path {
	case motionDisabled:
		return
	case "":
		for _, candidate := range motionInfoPaths {
			attrs, err := c.client.FetchAttributes(ctx, candidate)
			if err != nil || len(attrs) == 0 {
				continue
			}
			c.mergeAttrs(attrs)
			c.mu.Lock()
			c.motionInfoPath = candidate
			c.mu.Unlock()
			return
		}
		c.logger.Info("Camera exposes no motion info endpoint")
		c.mu.Lock()
		c.motionInfoPath = motionDisabled
		c.mu.Unlock()
	default:
		attrs, err := c.client.FetchAttributes(ctx, path)
		if err != nil {
			c.logger.Warn("Motion info fetch failed", "path", path, "error", err)
			return
		}
		c.mergeAttrs(attrs)
	}
}

func (c *Camera) mergeAttrs(attrs map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, v := range attrs {
		c.attrs[k] = v
	}
}

func (c *Camera) setOnline(online bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.online = online
	if online {
		c.lastSeen = time.Now()
	}
}

// Subscribe registers an event handler and returns an unsubscribe func
func (c *Camera) Subscribe(handler plugin.EventHandler) func() {
	c.handlerMu.Lock()
	id := c.nextHandler
	c.nextHandler++
	c.handlers[id] = handler
	c.handlerMu.Unlock()

	return func() {
		c.handlerMu.Lock()
		defer c.handlerMu.Unlock()
		delete(c.handlers, id)
	}
}

// StartPolling begins the attribute poll loop. The notify listener is
// started lazily from the loop once motion detection is known to be
// enabled, and restarted the same way after a stream failure.
func (c *Camera) StartPolling(ctx context.Context) {
	ctx, c.pollCancel = context.WithCancel(ctx)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.pollLoop(ctx)
	}()
}

// StopPolling stops the poll loop and any running notify listener
func (c *Camera) StopPolling() {
	if c.pollCancel != nil {
		c.pollCancel()
	}
	c.wg.Wait()
}

func (c *Camera) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(c.scanEvery)
	defer ticker.Stop()

	// First poll immediately so the camera shows up without waiting a
	// full interval.
	c.pollOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.pollOnce(ctx)
		}
	}
}

func (c *Camera) pollOnce(ctx context.Context) {
	if err := c.UpdateInfo(ctx); err != nil {
		c.logger.Warn("Attribute poll failed", "error", err)
		c.emit(plugin.CameraEvent{
			Type:      plugin.EventTypePollError,
			Timestamp: time.Now(),
			CameraID:  c.id,
			Value:     err.Error(),
		})
		return
	}

	if c.MotionDetectionEnabled() {
		c.ensureNotifyListener(ctx)
	}
}

// ensureNotifyListener starts the notify listener goroutine if one is
// not already running.
func (c *Camera) ensureNotifyListener(ctx context.Context) {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()
	if c.notifyRunning {
		return
	}
	c.notifyRunning = true

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer func() {
			c.notifyMu.Lock()
			c.notifyRunning = false
			c.notifyMu.Unlock()
		}()

		err := c.runNotifyStream(ctx)
		if err != nil && ctx.Err() == nil {
			// Stream handle is gone; the next poll tick reopens it.
			c.logger.Warn("Notify stream ended", "error", err)
		}
	}()
}

type notifyLine struct {
	key   string
	value string
}

// runNotifyStream opens the notify stream and pumps lines until the
// stream fails, goes idle, or the context is cancelled.
func (c *Camera) runNotifyStream(ctx context.Context) error {
	stream, err := c.client.OpenNotifyStream(ctx)
	if err != nil {
		return err
	}
	defer stream.Close()

	c.notifyMu.Lock()
	reconnect := c.notifyOpens > 0
	c.notifyOpens++
	c.notifyMu.Unlock()
	if reconnect {
		c.emit(plugin.CameraEvent{
			Type:      plugin.EventTypeNotifyReconnect,
			Timestamp: time.Now(),
			CameraID:  c.id,
		})
	}

	c.logger.Debug("Notify stream connected")

	done := make(chan struct{})
	defer close(done)

	lines := make(chan notifyLine)
	readErr := make(chan error, 1)

	go func() {
		for {
			key, value, err := stream.Next()
			if err != nil {
				readErr <- err
				return
			}
			select {
			case lines <- notifyLine{key, value}:
			case <-done:
				return
			}
		}
	}()

	idle := time.NewTimer(c.idleWindow)
	defer idle.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-readErr:
			return err
		case <-idle.C:
			// Force the blocked read to fail so the reader exits.
			_ = stream.Close()
			return errNotifyIdle
		case line := <-lines:
			if !idle.Stop() {
				<-idle.C
			}
			idle.Reset(c.idleWindow)
			c.handleNotify(line.key, line.value)
		}
	}
}

// handleNotify records a pushed key=value pair and emits an event for
// yes/no state transitions. Other values land silently in the events
// map, matching camera firmwares that push counters and timestamps on
// the same stream.
func (c *Camera) handleNotify(key, value string) {
	c.mu.Lock()
	prev, seen := c.events[key]
	c.events[key] = value
	c.mu.Unlock()

	c.logger.Debug("Notify update", "key", key, "value", value)

	if value != "yes" && value != "no" {
		return
	}
	if seen && prev == value {
		return
	}

	eventType := plugin.EventTypeStateChange
	switch {
	case value == "yes":
		eventType = plugin.EventTypeMotion
	case value == "no" && prev == "yes":
		eventType = plugin.EventTypeMotionClear
	}

	c.emit(plugin.CameraEvent{
		Type:      eventType,
		Timestamp: time.Now(),
		CameraID:  c.id,
		Key:       key,
		Value:     value,
	})
}

func (c *Camera) emit(event plugin.CameraEvent) {
	c.handlerMu.RLock()
	handlers := make([]plugin.EventHandler, 0, len(c.handlers))
	for _, handler := range c.handlers {
		handlers = append(handlers, handler)
	}
	c.handlerMu.RUnlock()

	for _, handler := range handlers {
		handler(event)
	}
}
