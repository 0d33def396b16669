package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/banshee-data/rt21bridge/internal/devicelink"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestEmptyConfigDefaults(t *testing.T) {
	cfg := Empty()

	if got := cfg.GetDeviceHost(); got != "192.168.1.8" {
		t.Errorf("GetDeviceHost() = %q, want 192.168.1.8", got)
	}
	if got := cfg.GetDevicePort(); got != 6555 {
		t.Errorf("GetDevicePort() = %d, want 6555", got)
	}
	if got := cfg.GetListenPort(); got != 6555 {
		t.Errorf("GetListenPort() = %d, want 6555", got)
	}
	if got := cfg.DeviceAddress(); got != "192.168.1.8:6555" {
		t.Errorf("DeviceAddress() = %q, want 192.168.1.8:6555", got)
	}
	if got := cfg.ListenAddress(); got != ":6555" {
		t.Errorf("ListenAddress() = %q, want :6555", got)
	}
	if got := cfg.GetTransport(); got != TransportTCP {
		t.Errorf("GetTransport() = %q, want tcp", got)
	}
	if !cfg.GetAwaitAck() {
		t.Error("GetAwaitAck() = false, want true")
	}
	if got := cfg.GetReadTimeout(); got != 2*time.Second {
		t.Errorf("GetReadTimeout() = %v, want 2s", got)
	}
	if got := cfg.GetConnectTimeout(); got != 5*time.Second {
		t.Errorf("GetConnectTimeout() = %v, want 5s", got)
	}
	if got := cfg.GetAdminListen(); got != "" {
		t.Errorf("GetAdminListen() = %q, want empty", got)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("empty config should validate: %v", err)
	}
}

func TestDefaultMatchesEmpty(t *testing.T) {
	def, empty := Default(), Empty()
	if def.DeviceAddress() != empty.DeviceAddress() {
		t.Errorf("DeviceAddress mismatch: %q vs %q", def.DeviceAddress(), empty.DeviceAddress())
	}
	if def.ListenAddress() != empty.ListenAddress() {
		t.Errorf("ListenAddress mismatch: %q vs %q", def.ListenAddress(), empty.ListenAddress())
	}
	if def.GetReadTimeout() != empty.GetReadTimeout() {
		t.Errorf("ReadTimeout mismatch: %v vs %v", def.GetReadTimeout(), empty.GetReadTimeout())
	}
	if def.GetConnectTimeout() != empty.GetConnectTimeout() {
		t.Errorf("ConnectTimeout mismatch: %v vs %v", def.GetConnectTimeout(), empty.GetConnectTimeout())
	}
	if def.GetAwaitAck() != empty.GetAwaitAck() {
		t.Error("AwaitAck mismatch")
	}
	if err := def.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, "bridge.json", `{
  "device_host": "10.0.0.5",
  "device_port": 7000,
  "listen_host": "127.0.0.1",
  "listen_port": 4533,
  "read_timeout": "750ms",
  "await_ack": false,
  "admin_listen": "127.0.0.1:8080"
}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if got := cfg.DeviceAddress(); got != "10.0.0.5:7000" {
		t.Errorf("DeviceAddress() = %q", got)
	}
	if got := cfg.ListenAddress(); got != "127.0.0.1:4533" {
		t.Errorf("ListenAddress() = %q", got)
	}
	if got := cfg.GetReadTimeout(); got != 750*time.Millisecond {
		t.Errorf("GetReadTimeout() = %v", got)
	}
	if cfg.GetAwaitAck() {
		t.Error("GetAwaitAck() = true, want false")
	}
	if got := cfg.GetAdminListen(); got != "127.0.0.1:8080" {
		t.Errorf("GetAdminListen() = %q", got)
	}

	// omitted fields keep defaults
	if got := cfg.GetConnectTimeout(); got != devicelink.DefaultConnectTimeout {
		t.Errorf("GetConnectTimeout() = %v", got)
	}

	link := cfg.LinkConfig()
	if link.Address != "10.0.0.5:7000" || link.AwaitAck {
		t.Errorf("LinkConfig() = %+v", link)
	}
	if _, ok := link.Dialer.(devicelink.TCPDialer); !ok {
		t.Errorf("expected TCPDialer, got %T", link.Dialer)
	}
}

func TestLoadSerial(t *testing.T) {
	path := writeConfig(t, "serial.json", `{
  "transport": "serial",
  "serial_path": "/dev/ttyUSB0",
  "serial": {"baud_rate": 4800, "parity": "even"}
}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	opts := cfg.GetSerial()
	if opts.BaudRate != 4800 || opts.Parity != "E" || opts.DataBits != 8 || opts.StopBits != 1 {
		t.Errorf("GetSerial() = %+v", opts)
	}

	link := cfg.LinkConfig()
	if link.Address != "/dev/ttyUSB0" {
		t.Errorf("LinkConfig().Address = %q, want device path", link.Address)
	}
	sd, ok := link.Dialer.(devicelink.SerialDialer)
	if !ok {
		t.Fatalf("expected SerialDialer, got %T", link.Dialer)
	}
	if sd.Options.BaudRate != 4800 {
		t.Errorf("SerialDialer baud = %d", sd.Options.BaudRate)
	}
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		body    string
		wantErr string
	}{
		{"wrong extension", "bridge.yaml", `{}`, ".json extension"},
		{"bad json", "bridge.json", `{"device_port": `, "parse config JSON"},
		{"device port range", "bridge.json", `{"device_port": 70000}`, "device_port"},
		{"listen port zero", "bridge.json", `{"listen_port": 0}`, "listen_port"},
		{"empty host", "bridge.json", `{"device_host": ""}`, "device_host"},
		{"unknown transport", "bridge.json", `{"transport": "udp"}`, "transport"},
		{"serial without path", "bridge.json", `{"transport": "serial"}`, "serial_path"},
		{"bad parity", "bridge.json", `{"serial": {"parity": "mark"}}`, "serial options"},
		{"bad read timeout", "bridge.json", `{"read_timeout": "soon"}`, "read_timeout"},
		{"negative connect timeout", "bridge.json", `{"connect_timeout": "-1s"}`, "connect_timeout"},
		{"bad admin listen", "bridge.json", `{"admin_listen": "8080"}`, "admin_listen"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, tt.file, tt.body)
			_, err := Load(path)
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestLoadTooLarge(t *testing.T) {
	body := `{"device_host": "` + strings.Repeat("a", 1024*1024) + `"}`
	path := writeConfig(t, "big.json", body)
	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "too large") {
		t.Errorf("expected size error, got %v", err)
	}
}
