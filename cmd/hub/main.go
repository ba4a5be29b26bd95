// Package main provides the hub entry point: it connects NIPCA cameras
// to the device registry, event store, WebSocket API, and optional
// MQTT bridge.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/nipca-hub/nipcahub/internal/api"
	"github.com/nipca-hub/nipcahub/internal/bridge"
	"github.com/nipca-hub/nipcahub/internal/config"
	"github.com/nipca-hub/nipcahub/internal/core"
	"github.com/nipca-hub/nipcahub/internal/database"
	"github.com/nipca-hub/nipcahub/internal/device"
	"github.com/nipca-hub/nipcahub/internal/events"
	"github.com/nipca-hub/nipcahub/internal/metrics"
	"github.com/nipca-hub/nipcahub/internal/plugin"
	"github.com/nipca-hub/nipcahub/internal/plugin/nipca"
)

const (
	defaultAddress = "0.0.0.0"
	version        = "0.1.0"

	deviceSyncInterval = 30 * time.Second
)

func main() {
	cfg := loadConfig()

	// Initialize structured logging
	logLevel := slog.LevelInfo
	if cfg.System.Logging.Level == "debug" || os.Getenv("LOG_LEVEL") == "debug" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	slog.Info("Starting NIPCA Hub", "version", version, "api_port", cfg.API.Port)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dataPath := cfg.System.DataPath
	_ = os.MkdirAll(dataPath, 0755)

	// Open database and run migrations
	db, err := database.Open(database.DefaultConfig(dataPath))
	if err != nil {
		slog.Error("Failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	migrator := database.NewMigrator(db)
	if err := migrator.Run(ctx); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		os.Exit(1)
	}

	// Embedded NATS event bus
	eventBus, err := core.NewEventBus(core.DefaultEventBusConfig(), logger)
	if err != nil {
		slog.Error("Failed to create event bus", "error", err)
		os.Exit(1)
	}
	defer eventBus.Stop()

	// Services
	m := metrics.New()
	eventSvc := events.NewService(db)
	deviceSvc := device.NewService(db)

	wsHub := api.NewHub()
	go wsHub.Run()

	// Optional MQTT bridge
	var mqttBridge *bridge.Bridge
	if cfg.MQTT.Enabled {
		mqttBridge, err = bridge.Connect(bridge.Config{
			Broker:   cfg.MQTT.Broker,
			ClientID: cfg.MQTT.ClientID,
			Username: cfg.MQTT.Username,
			Password: cfg.MQTT.Password,
			QoS:      byte(cfg.MQTT.QoS),
			Retain:   cfg.MQTT.Retain,
		})
		if err != nil {
			// The hub is useful without the bridge; log and move on.
			slog.Error("MQTT bridge unavailable", "error", err)
			mqttBridge = nil
		} else {
			defer mqttBridge.Close()
		}
	}

	// Camera providers
	manager := plugin.NewManager(logger)
	if err := manager.Register(nipca.New()); err != nil {
		slog.Error("Failed to register NIPCA provider", "error", err)
		os.Exit(1)
	}
	manager.SetConfig(nipca.ProviderID, cfg.ProviderConfig())

	manager.OnEvent(cameraEventSink(ctx, eventSvc, mqttBridge, eventBus, m))

	if err := manager.Start(ctx); err != nil {
		slog.Error("Failed to start providers", "error", err)
		os.Exit(1)
	}
	defer manager.Stop()
	_ = eventBus.PublishProviderStarted(nipca.ProviderID, nipca.ProviderVersion)

	// Fan persisted events and registry changes out to WebSocket clients
	go forwardEvents(ctx, eventSvc, wsHub)
	go forwardDeviceChanges(ctx, deviceSvc, wsHub, mqttBridge)

	// Keep the device registry in sync with provider cameras
	go syncDevices(ctx, manager, deviceSvc, wsHub, m)

	if err := cfg.Watch(); err != nil {
		slog.Warn("Config watch unavailable", "error", err)
	}
	cfg.OnChange(func(c *config.Config) {
		_ = eventBus.Publish(core.SubjectConfigChanged, map[string]string{"path": "config"})
		slog.Info("Provider settings changed, restart required to apply")
	})

	// HTTP server
	router := setupRouter(cfg, manager, eventSvc, deviceSvc, wsHub, db, eventBus, m)
	addr := fmt.Sprintf("%s:%d", defaultAddress, cfg.API.Port)

	server := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("Server starting", "address", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("Server error", "error", err)
			cancel()
		}
	}()

	// Graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigChan:
	case <-ctx.Done():
	}

	slog.Info("Shutting down...")
	_ = eventBus.Publish(core.SubjectSystemShutdown, map[string]string{"reason": "signal"})
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server shutdown error", "error", err)
	}

	slog.Info("Server stopped")
}

// loadConfig finds and loads the config file, creating a default one
// when none exists.
func loadConfig() *config.Config {
	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		dataPath := os.Getenv("DATA_PATH")
		if dataPath == "" {
			dataPath = "/data"
		}
		path = filepath.Join(dataPath, "config.yaml")
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		_ = os.MkdirAll(filepath.Dir(path), 0755)
		_ = os.WriteFile(path, []byte("version: \"1.0\"\n"), 0600)
	}

	cfg, err := config.Load(path)
	if err != nil {
		slog.Error("Failed to load config", "path", path, "error", err)
		os.Exit(1)
	}
	return cfg
}

// cameraEventSink turns provider camera events into stored events, MQTT
// publishes, and NATS messages.
func cameraEventSink(ctx context.Context, eventSvc *events.Service, mqttBridge *bridge.Bridge, eventBus *core.EventBus, m *metrics.Metrics) plugin.EventHandler {
	return func(ev plugin.CameraEvent) {
		// Operational signals feed the health counters only.
		switch ev.Type {
		case plugin.EventTypePollError:
			m.IncPollError(ev.CameraID)
			return
		case plugin.EventTypeNotifyReconnect:
			m.IncNotifyReconnect(ev.CameraID)
			return
		}

		m.IncEvent(string(ev.Type))

		opCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()

		switch ev.Type {
		case plugin.EventTypeMotion:
			if _, err := eventSvc.CreateMotionEvent(opCtx, ev.CameraID); err != nil {
				slog.Error("Failed to store motion event", "camera", ev.CameraID, "error", err)
			}
			if mqttBridge != nil {
				if err := mqttBridge.PublishMotion(ev.CameraID, true); err != nil {
					m.IncMQTTPublish("error")
					slog.Warn("MQTT motion publish failed", "camera", ev.CameraID, "error", err)
				} else {
					m.IncMQTTPublish("ok")
				}
			}
			_ = eventBus.Publish(core.SubjectCameraMotion, ev)

		case plugin.EventTypeMotionClear:
			if _, err := eventSvc.CreateMotionClearEvent(opCtx, ev.CameraID); err != nil {
				slog.Error("Failed to store motion clear event", "camera", ev.CameraID, "error", err)
			}
			if mqttBridge != nil {
				if err := mqttBridge.PublishMotion(ev.CameraID, false); err != nil {
					m.IncMQTTPublish("error")
				} else {
					m.IncMQTTPublish("ok")
				}
			}
			_ = eventBus.Publish(core.SubjectCameraMotion, ev)

		case plugin.EventTypeStateChange:
			if _, err := eventSvc.CreateStateChangeEvent(opCtx, ev.CameraID, ev.Key, ev.Value); err != nil {
				slog.Error("Failed to store state change", "camera", ev.CameraID, "error", err)
			}
			if mqttBridge != nil {
				if err := mqttBridge.PublishStateChange(ev.CameraID, ev.Key, ev.Value); err != nil {
					m.IncMQTTPublish("error")
				} else {
					m.IncMQTTPublish("ok")
				}
			}
			_ = eventBus.Publish(core.SubjectCameraAttributes, ev)
		}
	}
}

// forwardEvents pushes persisted events to WebSocket clients
func forwardEvents(ctx context.Context, eventSvc *events.Service, wsHub *api.Hub) {
	ch := eventSvc.Subscribe()
	defer eventSvc.Unsubscribe(ch)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			wsHub.BroadcastToCamera(ev.CameraID, api.EventMessage(ev.ID, ev.CameraID, ev.EventType, ev.Label))
		}
	}
}

// forwardDeviceChanges pushes registry changes to WebSocket clients and
// camera availability to MQTT.
func forwardDeviceChanges(ctx context.Context, deviceSvc *device.Service, wsHub *api.Hub, mqttBridge *bridge.Bridge) {
	ch := deviceSvc.Subscribe()
	defer deviceSvc.Unsubscribe(ch)

	for {
		select {
		case <-ctx.Done():
			return
		case change, ok := <-ch:
			if !ok {
				return
			}
			wsHub.Broadcast(api.DeviceStateMessage(change.Device.ID, change.Type))

			if mqttBridge != nil && change.Device.Kind == device.KindCamera {
				switch change.Type {
				case "online":
					_ = mqttBridge.PublishAvailability(change.Device.ID, true)
				case "offline":
					_ = mqttBridge.PublishAvailability(change.Device.ID, false)
				}
			}
		}
	}
}

// syncDevices mirrors provider cameras into the device registry on a
// fixed interval and keeps the gauges current.
func syncDevices(ctx context.Context, manager *plugin.Manager, deviceSvc *device.Service, wsHub *api.Hub, m *metrics.Metrics) {
	ticker := time.NewTicker(deviceSyncInterval)
	defer ticker.Stop()

	// Give providers a moment to connect before the first sync.
	select {
	case <-ctx.Done():
		return
	case <-time.After(5 * time.Second):
	}

	for {
		syncOnce(ctx, manager, deviceSvc, m)
		m.SetWSClients(wsHub.ClientCount())

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func syncOnce(ctx context.Context, manager *plugin.Manager, deviceSvc *device.Service, m *metrics.Metrics) {
	online := map[string]int{}

	for _, cam := range manager.ListCameras() {
		if cam.Online {
			online[cam.ProviderID]++
		}

		motionEnabled := false
		for _, c := range cam.Capabilities {
			if c == plugin.CapabilityMotion {
				motionEnabled = true
				break
			}
		}

		lastSeen := cam.LastSeen
		dev := &device.Device{
			ID:           cam.ID,
			ProviderID:   cam.ProviderID,
			Name:         cam.Name,
			URL:          cam.URL,
			Model:        cam.Model,
			Online:       cam.Online,
			Attributes:   cam.Attributes,
			Manufacturer: cam.Attributes["brand"],
		}
		if !lastSeen.IsZero() {
			dev.LastSeen = &lastSeen
		}

		prev, prevErr := deviceSvc.Get(ctx, cam.ID)
		if err := deviceSvc.RegisterCamera(ctx, dev, motionEnabled); err != nil {
			slog.Error("Failed to sync camera into registry", "camera", cam.ID, "error", err)
			continue
		}

		// Emit an explicit online/offline change on transitions so
		// subscribers see availability flips, not just upserts.
		if prevErr == nil && prev.Online != cam.Online {
			if err := deviceSvc.SetOnline(ctx, cam.ID, cam.Online); err != nil {
				slog.Warn("Failed to update online state", "camera", cam.ID, "error", err)
			}
		}
	}

	for provider, count := range online {
		m.SetCamerasOnline(provider, count)
	}
}

// setupRouter creates the HTTP router with all routes
func setupRouter(cfg *config.Config, manager *plugin.Manager, eventSvc *events.Service, deviceSvc *device.Service, wsHub *api.Hub, db *database.DB, eventBus *core.EventBus, m *metrics.Metrics) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:*", "http://127.0.0.1:*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"Link", "X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check endpoint
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		status := "healthy"

		health := manager.Health()
		for _, h := range health {
			if h.State == plugin.HealthStateUnhealthy {
				status = "degraded"
			}
		}
		if err := db.Health(r.Context()); err != nil {
			status = "degraded"
		}
		if err := eventBus.HealthCheck(r.Context()); err != nil {
			status = "degraded"
		}

		api.OK(w, map[string]interface{}{
			"status":    status,
			"version":   version,
			"providers": health,
		})
	})

	r.Handle("/metrics", m.Handler())
	r.Get("/api/ws", wsHub.HandleWebSocket)

	r.Route("/api/v1", func(r chi.Router) {
		r.Mount("/cameras", api.NewCameraHandler(manager).Routes())
		r.Mount("/events", api.NewEventHandler(eventSvc).Routes())
		r.Mount("/devices", api.NewDeviceHandler(deviceSvc).Routes())
	})

	return r
}
