package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"motorlink/internal/ble"
)

func TestLoadCreatesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	m := NewManager(path)

	if err := m.Load(); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Expected config file to be created: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("Expected 0600 permissions, got %v", info.Mode().Perm())
	}

	cfg := m.Get()
	if cfg.BLE.CompanyID != ble.CompanyID {
		t.Errorf("Expected company id 0x%04X, got 0x%04X", ble.CompanyID, cfg.BLE.CompanyID)
	}
	if cfg.BLE.ReconnectTimeoutMS != 20000 {
		t.Errorf("Expected 20000ms reconnect timeout, got %d", cfg.BLE.ReconnectTimeoutMS)
	}
}

func TestLoadKeepsDefaultsForMissingKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := "ble:\n  device_id: \"AA:BB:CC:DD:EE:FF\"\n  auto_reconnect: false\nweb:\n  port: 9090\n"
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	m := NewManager(path)
	if err := m.Load(); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	cfg := m.Get()
	if cfg.BLE.AutoReconnect {
		t.Error("Expected auto reconnect disabled")
	}
	if cfg.Web.Port != 9090 {
		t.Errorf("Expected port 9090, got %d", cfg.Web.Port)
	}
	if cfg.BLE.StaleAfterMS != 10000 {
		t.Errorf("Expected default stale threshold, got %d", cfg.BLE.StaleAfterMS)
	}

	s, err := cfg.Settings()
	if err != nil {
		t.Fatalf("Settings failed: %v", err)
	}
	if len(s.DeviceID) != ble.DeviceIDSize || s.DeviceID[5] != 0xFF {
		t.Errorf("Expected parsed device id, got %x", s.DeviceID)
	}
	if s.ReconnectTimeout != 20*time.Second {
		t.Errorf("Expected 20s timeout, got %s", s.ReconnectTimeout)
	}
}

func TestLoadRejectsInvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("ble:\n  device_id: \"AA:BB\"\n"), 0600); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	if err := NewManager(path).Load(); err == nil {
		t.Error("Expected validation error for short device id")
	}
}

func TestValidateCollectsErrors(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Web.Port = 0
	cfg.BLE.ScanMode = "turbo"
	cfg.BLE.RetryIntervalMS = 0
	cfg.Heartbeat.IntervalMS = -1

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Expected validation error")
	}
	for _, want := range []string{"Web port", "scan mode", "retry interval", "Heartbeat interval"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("Expected %q in %q", want, err.Error())
		}
	}
}

func TestValidateDefaults(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Errorf("Expected defaults to validate, got %v", err)
	}
}

func TestSetDeviceIDPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	m := NewManager(path)
	if err := m.Load(); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if err := m.SetDeviceID([]byte{0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0xFF}); err != nil {
		t.Fatalf("SetDeviceID failed: %v", err)
	}

	reloaded := NewManager(path)
	if err := reloaded.Load(); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}
	if got := reloaded.Get().BLE.DeviceID; got != "AA:BB:CC:DD:EE:FF" {
		t.Errorf("Expected persisted device id, got %q", got)
	}
}

func TestUpdateRejectsInvalid(t *testing.T) {
	m := NewManager(filepath.Join(t.TempDir(), "config.yaml"))
	if err := m.Load(); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	cfg := m.Get()
	cfg.BLE.DeviceID = "nope"
	if err := m.Update(cfg); err == nil {
		t.Error("Expected Update to reject invalid device id")
	}
	if m.Get().BLE.DeviceID != "" {
		t.Error("Expected rejected update to leave config unchanged")
	}
}
