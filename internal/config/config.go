// Package config provides configuration management for the hub
package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Config represents the main hub configuration
type Config struct {
	Version string       `yaml:"version"`
	System  SystemConfig `yaml:"system"`
	Nipca   NipcaConfig  `yaml:"nipca"`
	API     APIConfig    `yaml:"api"`
	MQTT    MQTTConfig   `yaml:"mqtt"`

	// Internal fields
	mu       sync.RWMutex    `yaml:"-"`
	path     string          `yaml:"-"`
	watchers []func(*Config) `yaml:"-"`
	encKey   []byte          `yaml:"-"`
}

// SystemConfig holds system-wide settings
type SystemConfig struct {
	Name     string        `yaml:"name"`
	DataPath string        `yaml:"data_path"`
	Logging  LoggingConfig `yaml:"logging"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// NipcaConfig holds the NIPCA provider configuration. The hub-wide
// defaults mirror the original integration's options; per-camera
// entries override them.
type NipcaConfig struct {
	Username          string         `yaml:"username,omitempty"`
	Password          string         `yaml:"password,omitempty"`
	AuthType          string         `yaml:"auth_type,omitempty"` // basic or digest
	ScanInterval      int            `yaml:"scan_interval,omitempty"`
	NotifyIdleTimeout int            `yaml:"notify_idle_timeout,omitempty"` // seconds
	Discovery         *bool          `yaml:"discovery,omitempty"`
	Devices           []DeviceConfig `yaml:"devices,omitempty"`
}

// DeviceConfig holds a single camera entry
type DeviceConfig struct {
	URL      string `yaml:"url"`
	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`
	AuthType string `yaml:"auth_type,omitempty"`
	Name     string `yaml:"name,omitempty"`
}

// APIConfig holds HTTP API settings
type APIConfig struct {
	Port int `yaml:"port,omitempty"`
}

// MQTTConfig holds the optional MQTT bridge settings
type MQTTConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Broker   string `yaml:"broker,omitempty"`
	ClientID string `yaml:"client_id,omitempty"`
	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`
	QoS      int    `yaml:"qos,omitempty"`
	Retain   bool   `yaml:"retain"`
}

// Load loads configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.path = path
	cfg.encKey = getEncryptionKey()

	// Decrypt sensitive fields
	if err := cfg.decryptSecrets(); err != nil {
		return nil, fmt.Errorf("failed to decrypt secrets: %w", err)
	}

	cfg.setDefaults()

	return &cfg, nil
}

// Save saves the configuration to a YAML file
func (c *Config) Save() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.saveUnlocked()
}

// saveUnlocked saves without acquiring lock (caller must hold lock)
func (c *Config) saveUnlocked() error {
	// Create a copy for saving (without mutex)
	cfgCopy := &Config{
		Version: c.Version,
		System:  c.System,
		Nipca:   c.Nipca,
		API:     c.API,
		MQTT:    c.MQTT,
		path:    c.path,
		encKey:  c.encKey,
	}
	if err := cfgCopy.encryptSecrets(); err != nil {
		return fmt.Errorf("failed to encrypt secrets: %w", err)
	}

	data, err := yaml.Marshal(cfgCopy)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := "# NIPCA Hub Configuration\n# Auto-generated - manual edits are preserved\n\n"
	data = append([]byte(header), data...)

	// Atomic write
	tmpPath := c.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return os.Rename(tmpPath, c.path)
}

// Watch starts watching for configuration file changes
func (c *Config) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	go func() {
		defer watcher.Close()

		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&fsnotify.Write == fsnotify.Write {
					time.Sleep(100 * time.Millisecond) // Debounce
					c.reload()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Error("Config watch error", "error", err)
			}
		}
	}()

	return watcher.Add(c.path)
}

// OnChange registers a callback for config changes
func (c *Config) OnChange(fn func(*Config)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.watchers = append(c.watchers, fn)
}

// reload reloads the configuration from disk
func (c *Config) reload() {
	newCfg, err := Load(c.path)
	if err != nil {
		slog.Error("Failed to reload config", "error", err)
		return
	}

	c.mu.Lock()
	// Copy fields individually to avoid copying the mutex
	c.Version = newCfg.Version
	c.System = newCfg.System
	c.Nipca = newCfg.Nipca
	c.API = newCfg.API
	c.MQTT = newCfg.MQTT
	c.encKey = newCfg.encKey
	watchers := c.watchers
	c.mu.Unlock()

	slog.Info("Configuration reloaded")

	for _, fn := range watchers {
		fn(c)
	}
}

// ProviderConfig renders the nipca section as the raw map handed to
// the provider on Initialize.
func (c *Config) ProviderConfig() map[string]interface{} {
	c.mu.RLock()
	defer c.mu.RUnlock()

	cfg := map[string]interface{}{}
	if c.Nipca.Username != "" {
		cfg["username"] = c.Nipca.Username
	}
	if c.Nipca.Password != "" {
		cfg["password"] = c.Nipca.Password
	}
	if c.Nipca.AuthType != "" {
		cfg["auth_type"] = c.Nipca.AuthType
	}
	if c.Nipca.ScanInterval > 0 {
		cfg["scan_interval"] = c.Nipca.ScanInterval
	}
	if c.Nipca.NotifyIdleTimeout > 0 {
		cfg["notify_idle_timeout"] = c.Nipca.NotifyIdleTimeout
	}
	if c.Nipca.Discovery != nil {
		cfg["discovery"] = *c.Nipca.Discovery
	}

	if len(c.Nipca.Devices) > 0 {
		devices := make([]interface{}, 0, len(c.Nipca.Devices))
		for _, d := range c.Nipca.Devices {
			device := map[string]interface{}{"url": d.URL}
			if d.Username != "" {
				device["username"] = d.Username
			}
			if d.Password != "" {
				device["password"] = d.Password
			}
			if d.AuthType != "" {
				device["auth_type"] = d.AuthType
			}
			if d.Name != "" {
				device["name"] = d.Name
			}
			devices = append(devices, device)
		}
		cfg["devices"] = devices
	}

	return cfg
}

// setDefaults sets default values for unset fields
func (c *Config) setDefaults() {
	if c.Version == "" {
		c.Version = "1.0"
	}
	if c.System.Name == "" {
		c.System.Name = "nipca-hub"
	}
	if c.System.DataPath == "" {
		c.System.DataPath = "/data"
	}
	if c.System.Logging.Level == "" {
		c.System.Logging.Level = "info"
	}
	if c.Nipca.AuthType == "" {
		c.Nipca.AuthType = "basic"
	}
	if c.Nipca.ScanInterval <= 0 {
		c.Nipca.ScanInterval = 10
	}
	if c.API.Port == 0 {
		c.API.Port = 8080
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		c.MQTT.QoS = 0
	}
}

// encryptSecrets encrypts sensitive fields
func (c *Config) encryptSecrets() error {
	encrypted, err := encryptValue(c.encKey, c.Nipca.Password)
	if err != nil {
		return err
	}
	c.Nipca.Password = encrypted

	for i := range c.Nipca.Devices {
		encrypted, err := encryptValue(c.encKey, c.Nipca.Devices[i].Password)
		if err != nil {
			return err
		}
		c.Nipca.Devices[i].Password = encrypted
	}

	encrypted, err = encryptValue(c.encKey, c.MQTT.Password)
	if err != nil {
		return err
	}
	c.MQTT.Password = encrypted

	return nil
}

// decryptSecrets decrypts sensitive fields
func (c *Config) decryptSecrets() error {
	decrypted, err := decryptValue(c.encKey, c.Nipca.Password)
	if err != nil {
		return err
	}
	c.Nipca.Password = decrypted

	for i := range c.Nipca.Devices {
		decrypted, err := decryptValue(c.encKey, c.Nipca.Devices[i].Password)
		if err != nil {
			return err
		}
		c.Nipca.Devices[i].Password = decrypted
	}

	decrypted, err = decryptValue(c.encKey, c.MQTT.Password)
	if err != nil {
		return err
	}
	c.MQTT.Password = decrypted

	return nil
}

func encryptValue(key []byte, value string) (string, error) {
	if value == "" || strings.HasPrefix(value, "encrypted:") {
		return value, nil
	}
	encrypted, err := encrypt(key, value)
	if err != nil {
		return "", err
	}
	return "encrypted:" + encrypted, nil
}

func decryptValue(key []byte, value string) (string, error) {
	if !strings.HasPrefix(value, "encrypted:") {
		return value, nil
	}
	return decrypt(key, strings.TrimPrefix(value, "encrypted:"))
}

// getEncryptionKey returns the encryption key from environment or generates one
func getEncryptionKey() []byte {
	keyStr := os.Getenv("HUB_ENCRYPTION_KEY")
	if keyStr != "" {
		key, err := base64.StdEncoding.DecodeString(keyStr)
		if err == nil && len(key) == 32 {
			return key
		}
	}

	// Default key (should be replaced in production)
	// Must be exactly 32 bytes for AES-256
	return []byte("hub-default-key-change-in-prod!!")
}

// encrypt encrypts a string using AES-GCM
func encrypt(key []byte, plaintext string) (string, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// decrypt decrypts a string using AES-GCM
func decrypt(key []byte, ciphertext string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}

	if len(data) < gcm.NonceSize() {
		return "", fmt.Errorf("ciphertext too short")
	}

	nonce, ciphertextBytes := data[:gcm.NonceSize()], data[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertextBytes, nil)
	if err != nil {
		return "", err
	}

	return string(plaintext), nil
}
