package config

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/banshee-data/rt21bridge/internal/devicelink"
)

// Default endpoints for the rotator controller and the client listener.
const (
	DefaultDeviceHost = "192.168.1.8"
	DefaultDevicePort = 6555
	DefaultListenPort = 6555
	DefaultListenHost = ""

	TransportTCP    = "tcp"
	TransportSerial = "serial"
)

// Config is the bridge's startup configuration. Every field is optional in
// the JSON file; the Get* methods fall back to defaults for omitted fields.
type Config struct {
	// Device connection
	DeviceHost     *string                 `json:"device_host,omitempty"`
	DevicePort     *int                    `json:"device_port,omitempty"`
	Transport      *string                 `json:"transport,omitempty"` // "tcp" or "serial"
	SerialPath     *string                 `json:"serial_path,omitempty"`
	Serial         *devicelink.PortOptions `json:"serial,omitempty"`
	ConnectTimeout *string                 `json:"connect_timeout,omitempty"` // duration string like "5s"
	ReadTimeout    *string                 `json:"read_timeout,omitempty"`    // duration string like "2s"
	AwaitAck       *bool                   `json:"await_ack,omitempty"`

	// Client listener
	ListenHost *string `json:"listen_host,omitempty"`
	ListenPort *int    `json:"listen_port,omitempty"`

	// Admin debug server, disabled when empty
	AdminListen *string `json:"admin_listen,omitempty"`
}

// Helper functions to create pointers
func ptrBool(v bool) *bool       { return &v }
func ptrString(v string) *string { return &v }
func ptrInt(v int) *int          { return &v }

// Empty returns a Config with all fields unset.
func Empty() *Config {
	return &Config{}
}

// Default returns a Config with every field set to its default value, for
// writing out a starting config file.
func Default() *Config {
	return &Config{
		DeviceHost:     ptrString(DefaultDeviceHost),
		DevicePort:     ptrInt(DefaultDevicePort),
		Transport:      ptrString(TransportTCP),
		ConnectTimeout: ptrString(devicelink.DefaultConnectTimeout.String()),
		ReadTimeout:    ptrString(devicelink.DefaultReadTimeout.String()),
		AwaitAck:       ptrBool(true),
		ListenHost:     ptrString(DefaultListenHost),
		ListenPort:     ptrInt(DefaultListenPort),
	}
}

// Load loads a Config from a JSON file.
// The file must have a .json extension and be under the max file size.
// Fields omitted from the file keep their defaults, so partial configs are safe.
func Load(path string) (*Config, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	// Check file size for safety (max 1MB)
	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Empty()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func validPort(name string, p *int) error {
	if p != nil && (*p < 1 || *p > 65535) {
		return fmt.Errorf("%s must be between 1 and 65535, got %d", name, *p)
	}
	return nil
}

func validDuration(name string, s *string) error {
	if s == nil || *s == "" {
		return nil
	}
	d, err := time.ParseDuration(*s)
	if err != nil {
		return fmt.Errorf("invalid %s '%s': %w", name, *s, err)
	}
	if d <= 0 {
		return fmt.Errorf("%s must be positive, got %s", name, *s)
	}
	return nil
}

// Validate checks that the configuration values are valid.
func (c *Config) Validate() error {
	if err := validPort("device_port", c.DevicePort); err != nil {
		return err
	}
	if err := validPort("listen_port", c.ListenPort); err != nil {
		return err
	}
	if c.DeviceHost != nil && *c.DeviceHost == "" {
		return fmt.Errorf("device_host must not be empty")
	}

	switch c.GetTransport() {
	case TransportTCP:
	case TransportSerial:
		if c.GetSerialPath() == "" {
			return fmt.Errorf("serial_path is required when transport is %q", TransportSerial)
		}
	default:
		return fmt.Errorf("transport must be %q or %q, got %q", TransportTCP, TransportSerial, c.GetTransport())
	}

	if c.Serial != nil {
		if _, err := c.Serial.Normalize(); err != nil {
			return fmt.Errorf("invalid serial options: %w", err)
		}
	}

	if err := validDuration("connect_timeout", c.ConnectTimeout); err != nil {
		return err
	}
	if err := validDuration("read_timeout", c.ReadTimeout); err != nil {
		return err
	}

	if c.AdminListen != nil && *c.AdminListen != "" {
		if _, _, err := net.SplitHostPort(*c.AdminListen); err != nil {
			return fmt.Errorf("invalid admin_listen '%s': %w", *c.AdminListen, err)
		}
	}
	return nil
}

// GetDeviceHost returns the device_host value or the default.
func (c *Config) GetDeviceHost() string {
	if c.DeviceHost == nil {
		return DefaultDeviceHost
	}
	return *c.DeviceHost
}

// GetDevicePort returns the device_port value or the default.
func (c *Config) GetDevicePort() int {
	if c.DevicePort == nil {
		return DefaultDevicePort
	}
	return *c.DevicePort
}

// DeviceAddress is the host:port of the controller's network interface.
func (c *Config) DeviceAddress() string {
	return net.JoinHostPort(c.GetDeviceHost(), strconv.Itoa(c.GetDevicePort()))
}

// GetTransport returns the transport value or the default.
func (c *Config) GetTransport() string {
	if c.Transport == nil || *c.Transport == "" {
		return TransportTCP
	}
	return *c.Transport
}

// GetSerialPath returns the serial_path value.
func (c *Config) GetSerialPath() string {
	if c.SerialPath == nil {
		return ""
	}
	return *c.SerialPath
}

// GetSerial returns the serial line options with defaults applied.
func (c *Config) GetSerial() devicelink.PortOptions {
	var opts devicelink.PortOptions
	if c.Serial != nil {
		opts = *c.Serial
	}
	if normalized, err := opts.Normalize(); err == nil {
		return normalized
	}
	return opts
}

// GetConnectTimeout parses and returns connect_timeout as a time.Duration.
func (c *Config) GetConnectTimeout() time.Duration {
	if c.ConnectTimeout == nil || *c.ConnectTimeout == "" {
		return devicelink.DefaultConnectTimeout
	}
	d, err := time.ParseDuration(*c.ConnectTimeout)
	if err != nil {
		return devicelink.DefaultConnectTimeout
	}
	return d
}

// GetReadTimeout parses and returns read_timeout as a time.Duration.
func (c *Config) GetReadTimeout() time.Duration {
	if c.ReadTimeout == nil || *c.ReadTimeout == "" {
		return devicelink.DefaultReadTimeout
	}
	d, err := time.ParseDuration(*c.ReadTimeout)
	if err != nil {
		return devicelink.DefaultReadTimeout
	}
	return d
}

// GetAwaitAck returns the await_ack value or the default.
func (c *Config) GetAwaitAck() bool {
	if c.AwaitAck == nil {
		return true // default: wait for the controller to acknowledge moves
	}
	return *c.AwaitAck
}

// GetListenHost returns the listen_host value or the default (all interfaces).
func (c *Config) GetListenHost() string {
	if c.ListenHost == nil {
		return DefaultListenHost
	}
	return *c.ListenHost
}

// GetListenPort returns the listen_port value or the default.
func (c *Config) GetListenPort() int {
	if c.ListenPort == nil {
		return DefaultListenPort
	}
	return *c.ListenPort
}

// ListenAddress is the address the client listener binds.
func (c *Config) ListenAddress() string {
	return net.JoinHostPort(c.GetListenHost(), strconv.Itoa(c.GetListenPort()))
}

// GetAdminListen returns the admin_listen value; empty disables the admin server.
func (c *Config) GetAdminListen() string {
	if c.AdminListen == nil {
		return ""
	}
	return *c.AdminListen
}

// Dialer builds the device dialer for the configured transport.
func (c *Config) Dialer() devicelink.Dialer {
	if c.GetTransport() == TransportSerial {
		return devicelink.SerialDialer{Options: c.GetSerial()}
	}
	return devicelink.TCPDialer{Timeout: c.GetConnectTimeout()}
}

// LinkConfig returns the device link configuration. For the serial transport
// the address is the device path.
func (c *Config) LinkConfig() devicelink.Config {
	addr := c.DeviceAddress()
	if c.GetTransport() == TransportSerial {
		addr = c.GetSerialPath()
	}
	return devicelink.Config{
		Address:  addr,
		Dialer:   c.Dialer(),
		AwaitAck: c.GetAwaitAck(),
	}
}
