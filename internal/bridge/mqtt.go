// Package bridge publishes hub state to an external MQTT broker so
// home-automation systems can consume camera events without talking to
// the hub API.
//
// Topic layout:
//
//	nipca/hub/status            hub availability (retained, LWT)
//	nipca/<camera>/status       camera availability
//	nipca/<camera>/motion       ON / OFF
//	nipca/<camera>/event        raw notify-stream state changes (JSON)
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

const (
	topicPrefix    = "nipca"
	hubStatusTopic = topicPrefix + "/hub/status"

	payloadOnline  = "online"
	payloadOffline = "offline"
	payloadMotion  = "ON"
	payloadClear   = "OFF"

	connectTimeout    = 10 * time.Second
	publishTimeout    = 5 * time.Second
	disconnectQuiesce = 250 // milliseconds, paho API takes a uint
)

// Config holds bridge settings
type Config struct {
	Broker   string
	ClientID string
	Username string
	Password string
	QoS      byte
	Retain   bool
}

// Bridge forwards hub events to an MQTT broker
type Bridge struct {
	client pahomqtt.Client
	cfg    Config
	logger *slog.Logger

	connected bool
	connMu    sync.RWMutex
}

// Connect establishes the broker connection. The hub status topic
// carries a retained LWT so consumers see "offline" if the hub dies.
func Connect(cfg Config) (*Bridge, error) {
	if cfg.Broker == "" {
		return nil, fmt.Errorf("broker address is required")
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "nipca-hub"
	}

	b := &Bridge{
		cfg:    cfg,
		logger: slog.Default().With("component", "mqtt_bridge"),
	}

	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetMaxReconnectInterval(time.Minute).
		SetWill(hubStatusTopic, payloadOffline, cfg.QoS, true)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	opts.SetOnConnectHandler(func(_ pahomqtt.Client) {
		b.handleConnect()
	})
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		b.handleDisconnect(err)
	})

	b.client = pahomqtt.NewClient(opts)
	token := b.client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return nil, fmt.Errorf("mqtt connect timeout after %v", connectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect failed: %w", err)
	}

	b.connMu.Lock()
	b.connected = true
	b.connMu.Unlock()

	b.logger.Info("MQTT bridge connected", "broker", cfg.Broker, "client_id", cfg.ClientID)
	return b, nil
}

func (b *Bridge) handleConnect() {
	b.connMu.Lock()
	b.connected = true
	b.connMu.Unlock()

	// Announce availability. Runs on initial connect and every reconnect.
	b.publish(hubStatusTopic, payloadOnline, true)
}

func (b *Bridge) handleDisconnect(err error) {
	b.connMu.Lock()
	b.connected = false
	b.connMu.Unlock()

	b.logger.Warn("MQTT connection lost", "error", err)
}

// IsConnected returns the current connection state
func (b *Bridge) IsConnected() bool {
	b.connMu.RLock()
	defer b.connMu.RUnlock()
	return b.connected && b.client.IsConnected()
}

// PublishMotion publishes a motion state for a camera
func (b *Bridge) PublishMotion(cameraID string, active bool) error {
	payload := payloadClear
	if active {
		payload = payloadMotion
	}
	return b.publish(topicPrefix+"/"+cameraID+"/motion", payload, b.cfg.Retain)
}

// PublishAvailability publishes a camera's online state
func (b *Bridge) PublishAvailability(cameraID string, online bool) error {
	payload := payloadOffline
	if online {
		payload = payloadOnline
	}
	return b.publish(topicPrefix+"/"+cameraID+"/status", payload, true)
}

// PublishStateChange publishes a raw notify-stream transition as JSON
func (b *Bridge) PublishStateChange(cameraID, key, value string) error {
	payload, err := json.Marshal(map[string]string{
		"key":   key,
		"value": value,
	})
	if err != nil {
		return err
	}
	return b.publish(topicPrefix+"/"+cameraID+"/event", string(payload), false)
}

func (b *Bridge) publish(topic, payload string, retain bool) error {
	token := b.client.Publish(topic, b.cfg.QoS, retain, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("mqtt publish timeout on %s", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt publish failed on %s: %w", topic, err)
	}
	return nil
}

// HealthCheck verifies the broker connection is alive
func (b *Bridge) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	if !b.IsConnected() {
		return fmt.Errorf("mqtt not connected")
	}
	return nil
}

// Close publishes a graceful offline status and disconnects
func (b *Bridge) Close() {
	if b.client == nil {
		return
	}

	if b.IsConnected() {
		// Graceful shutdown looks the same as a crash to consumers,
		// but publishing explicitly avoids waiting on the LWT.
		token := b.client.Publish(hubStatusTopic, b.cfg.QoS, true, payloadOffline)
		token.WaitTimeout(publishTimeout)
	}

	b.client.Disconnect(disconnectQuiesce)

	b.connMu.Lock()
	b.connected = false
	b.connMu.Unlock()

	b.logger.Info("MQTT bridge disconnected")
}
