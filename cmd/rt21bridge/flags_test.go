package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/rt21bridge/internal/config"
	"github.com/banshee-data/rt21bridge/internal/devicelink"
)

// TestFlagDefaults verifies the flag defaults agree with the config defaults.
func TestFlagDefaults(t *testing.T) {
	assert.Equal(t, config.DefaultDeviceHost, *deviceHost)
	assert.Equal(t, 6555, *devicePort)
	assert.Equal(t, 6555, *listenPort)
	assert.Equal(t, config.TransportTCP, *transport)
	assert.Equal(t, 2*time.Second, *readTimeout)
	assert.Equal(t, 5*time.Second, *connectTimeout)
	assert.True(t, *awaitAck)
	assert.Empty(t, *adminListen)
}

func TestApplyFlags_NoneSetKeepsFile(t *testing.T) {
	host := "10.1.1.1"
	cfg := &config.Config{DeviceHost: &host}

	applyFlags(cfg, map[string]bool{})

	assert.Equal(t, "10.1.1.1", cfg.GetDeviceHost())
	assert.Nil(t, cfg.DevicePort)
	assert.Nil(t, cfg.AwaitAck)
}

func TestApplyFlags_Overrides(t *testing.T) {
	saved := *listenPort
	savedAck := *awaitAck
	t.Cleanup(func() {
		*listenPort = saved
		*awaitAck = savedAck
	})
	*listenPort = 4533
	*awaitAck = false

	cfg := config.Empty()
	applyFlags(cfg, map[string]bool{"listen-port": true, "await-ack": true})

	assert.Equal(t, 4533, cfg.GetListenPort())
	assert.False(t, cfg.GetAwaitAck())
	assert.Equal(t, config.DefaultDeviceHost, cfg.GetDeviceHost())
}

func TestApplyFlags_SerialImpliesTransport(t *testing.T) {
	saved := *serialPath
	savedBaud := *baudRate
	t.Cleanup(func() {
		*serialPath = saved
		*baudRate = savedBaud
	})
	*serialPath = "/dev/ttyUSB0"
	*baudRate = 4800

	cfg := config.Empty()
	applyFlags(cfg, map[string]bool{"serial": true, "baud": true})
	require.NoError(t, cfg.Validate())

	assert.Equal(t, config.TransportSerial, cfg.GetTransport())
	link := cfg.LinkConfig()
	assert.Equal(t, "/dev/ttyUSB0", link.Address)
	sd, ok := link.Dialer.(devicelink.SerialDialer)
	require.True(t, ok)
	assert.Equal(t, 4800, sd.Options.BaudRate)
}

func TestApplyFlags_Timeouts(t *testing.T) {
	saved := *readTimeout
	t.Cleanup(func() { *readTimeout = saved })
	*readTimeout = 300 * time.Millisecond

	cfg := config.Empty()
	applyFlags(cfg, map[string]bool{"read-timeout": true})
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 300*time.Millisecond, cfg.GetReadTimeout())
}
