package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"motorlink/internal/ble"
)

type Config struct {
	BLE       BLEConfig       `yaml:"ble" json:"ble"`
	Heartbeat HeartbeatConfig `yaml:"heartbeat" json:"heartbeat"`
	Logging   LoggingConfig   `yaml:"logging" json:"logging"`
	Web       WebConfig       `yaml:"web" json:"web"`
	History   HistoryConfig   `yaml:"history" json:"history"`
	Radio     RadioConfig     `yaml:"radio" json:"radio"`
}

type BLEConfig struct {
	AutoReconnect      bool   `yaml:"auto_reconnect" json:"auto_reconnect"`
	CompanyID          uint16 `yaml:"company_id" json:"company_id"`
	DeviceID           string `yaml:"device_id" json:"device_id"` // AA:BB:CC:DD:EE:FF, empty until first connect
	ReconnectTimeoutMS int    `yaml:"reconnect_timeout_ms" json:"reconnect_timeout_ms"`
	RetryIntervalMS    int    `yaml:"retry_interval_ms" json:"retry_interval_ms"`
	SettleDelayMS      int    `yaml:"settle_delay_ms" json:"settle_delay_ms"`
	FilterByService    bool   `yaml:"filter_by_service" json:"filter_by_service"`
	ScanMode           string `yaml:"scan_mode" json:"scan_mode"`
	SweepIntervalMS    int    `yaml:"sweep_interval_ms" json:"sweep_interval_ms"`
	StaleAfterMS       int    `yaml:"stale_after_ms" json:"stale_after_ms"`
	AckTimeoutMS       int    `yaml:"ack_timeout_ms" json:"ack_timeout_ms"`
}

type HeartbeatConfig struct {
	IntervalMS int `yaml:"interval_ms" json:"interval_ms"`
}

type LoggingConfig struct {
	File       string `yaml:"file" json:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" json:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" json:"max_backups"`
	Debug      bool   `yaml:"debug" json:"debug"`
}

type WebConfig struct {
	Port int `yaml:"port" json:"port"`
}

type HistoryConfig struct {
	Enabled         bool   `yaml:"enabled" json:"enabled"`
	Path            string `yaml:"path" json:"path"`
	MaxPoints       int    `yaml:"max_points" json:"max_points"`
	RetentionHours  int    `yaml:"retention_hours" json:"retention_hours"`
	FlushIntervalMS int    `yaml:"flush_interval_ms" json:"flush_interval_ms"`
}

type RadioConfig struct {
	Adapter           string `yaml:"adapter" json:"adapter"`
	DBusNotifications bool   `yaml:"dbus_notifications" json:"dbus_notifications"`
	Simulate          bool   `yaml:"simulate" json:"simulate"`
}

type Manager struct {
	mu       sync.RWMutex
	config   *Config
	filePath string
}

func NewManager(filePath string) *Manager {
	return &Manager{
		filePath: filePath,
	}
}

func (m *Manager) Load() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, err := os.ReadFile(m.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			m.config = DefaultConfig()
			return m.saveUnsafe()
		}
		return err
	}

	// Missing keys keep their defaults
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse %s: %w", m.filePath, err)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	m.config = cfg
	return nil
}

func (m *Manager) Save() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveUnsafe()
}

func (m *Manager) saveUnsafe() error {
	data, err := yaml.Marshal(m.config)
	if err != nil {
		return err
	}
	if dir := filepath.Dir(m.filePath); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	return os.WriteFile(m.filePath, data, 0600)
}

func (m *Manager) Get() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return *m.config
}

func (m *Manager) FilePath() string {
	return m.filePath
}

func (m *Manager) Update(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.config = &cfg
	return m.saveUnsafe()
}

// SetDeviceID persists the id of the last connected controller
func (m *Manager) SetDeviceID(id []byte) error {
	formatted := ble.FormatDeviceID(id)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.config.BLE.DeviceID == formatted {
		return nil
	}
	m.config.BLE.DeviceID = formatted
	return m.saveUnsafe()
}

// Validate checks if the configuration is valid and returns detailed errors
func (c *Config) Validate() error {
	var errors []string

	if c.BLE.DeviceID != "" {
		if _, err := ble.ParseDeviceID(c.BLE.DeviceID); err != nil {
			errors = append(errors, fmt.Sprintf("BLE device id %q is invalid (expected 6 bytes like AA:BB:CC:DD:EE:FF)", c.BLE.DeviceID))
		}
	}

	if c.BLE.ScanMode != "" && !ble.ScanMode(c.BLE.ScanMode).Valid() {
		errors = append(errors, fmt.Sprintf("BLE scan mode %q is invalid (must be low_power, balanced, low_latency or opportunistic)", c.BLE.ScanMode))
	}

	positive := []struct {
		name  string
		value int
	}{
		{"BLE reconnect timeout", c.BLE.ReconnectTimeoutMS},
		{"BLE retry interval", c.BLE.RetryIntervalMS},
		{"BLE sweep interval", c.BLE.SweepIntervalMS},
		{"BLE stale threshold", c.BLE.StaleAfterMS},
		{"BLE acknowledgement timeout", c.BLE.AckTimeoutMS},
		{"Heartbeat interval", c.Heartbeat.IntervalMS},
	}
	for _, p := range positive {
		if p.value <= 0 {
			errors = append(errors, fmt.Sprintf("%s %dms is invalid (must be positive)", p.name, p.value))
		}
	}

	if c.BLE.SettleDelayMS < 0 {
		errors = append(errors, fmt.Sprintf("BLE settle delay %dms is invalid (must not be negative)", c.BLE.SettleDelayMS))
	}

	if c.BLE.RetryIntervalMS > 0 && c.BLE.ReconnectTimeoutMS > 0 && c.BLE.RetryIntervalMS > c.BLE.ReconnectTimeoutMS {
		errors = append(errors, "BLE retry interval must not exceed the reconnect timeout")
	}

	if c.Web.Port < 1 || c.Web.Port > 65535 {
		errors = append(errors, fmt.Sprintf("Web port %d is invalid (must be 1-65535)", c.Web.Port))
	}

	if c.History.Enabled && c.History.Path == "" {
		errors = append(errors, "History path is required when history is enabled")
	}
	if c.History.MaxPoints < 1 {
		errors = append(errors, fmt.Sprintf("History max points %d is invalid (must be positive)", c.History.MaxPoints))
	}

	if c.Logging.MaxSizeMB < 0 || c.Logging.MaxBackups < 0 {
		errors = append(errors, "Logging size and backup counts must not be negative")
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(errors, "\n  - "))
	}

	return nil
}

// Settings converts the ble and heartbeat sections for the connection manager
func (c *Config) Settings() (ble.Settings, error) {
	s := ble.Settings{
		AutoReconnect:     c.BLE.AutoReconnect,
		CompanyID:         c.BLE.CompanyID,
		ReconnectTimeout:  ms(c.BLE.ReconnectTimeoutMS),
		RetryInterval:     ms(c.BLE.RetryIntervalMS),
		SettleDelay:       ms(c.BLE.SettleDelayMS),
		FilterByService:   c.BLE.FilterByService,
		ScanMode:          ble.ScanMode(c.BLE.ScanMode),
		SweepInterval:     ms(c.BLE.SweepIntervalMS),
		StaleAfter:        ms(c.BLE.StaleAfterMS),
		HeartbeatInterval: ms(c.Heartbeat.IntervalMS),
		AckTimeout:        ms(c.BLE.AckTimeoutMS),
	}
	if c.BLE.DeviceID != "" {
		id, err := ble.ParseDeviceID(c.BLE.DeviceID)
		if err != nil {
			return ble.Settings{}, err
		}
		s.DeviceID = id
	}
	return s, nil
}

func ms(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}

func DefaultConfig() *Config {
	d := ble.DefaultSettings()
	return &Config{
		BLE: BLEConfig{
			AutoReconnect:      d.AutoReconnect,
			CompanyID:          d.CompanyID,
			ReconnectTimeoutMS: int(d.ReconnectTimeout / time.Millisecond),
			RetryIntervalMS:    int(d.RetryInterval / time.Millisecond),
			SettleDelayMS:      int(d.SettleDelay / time.Millisecond),
			FilterByService:    d.FilterByService,
			ScanMode:           string(d.ScanMode),
			SweepIntervalMS:    int(d.SweepInterval / time.Millisecond),
			StaleAfterMS:       int(d.StaleAfter / time.Millisecond),
			AckTimeoutMS:       int(d.AckTimeout / time.Millisecond),
		},
		Heartbeat: HeartbeatConfig{
			IntervalMS: int(d.HeartbeatInterval / time.Millisecond),
		},
		Logging: LoggingConfig{
			File:       "/var/log/motorlink/motorlink.log",
			MaxSizeMB:  10,
			MaxBackups: 3,
		},
		Web: WebConfig{
			Port: 8080,
		},
		History: HistoryConfig{
			Enabled:         true,
			Path:            "/var/lib/motorlink/history.db",
			MaxPoints:       600,
			RetentionHours:  24 * 7,
			FlushIntervalMS: 1000,
		},
		Radio: RadioConfig{
			Adapter:           "hci0",
			DBusNotifications: true,
		},
	}
}
