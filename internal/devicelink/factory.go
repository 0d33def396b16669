package devicelink

import (
	"context"
	"fmt"
	"net"
	"time"

	"go.bug.st/serial"
)

// DefaultConnectTimeout bounds a single dial attempt.
const DefaultConnectTimeout = 5 * time.Second

// TCPDialer connects to a controller exposed on the network.
type TCPDialer struct {
	Timeout time.Duration
}

func (d TCPDialer) Dial(ctx context.Context, addr string) (Port, error) {
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}
	dialer := &net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// SerialDialer opens a locally attached controller. The address passed to
// Dial is the device path, e.g. /dev/ttyUSB0.
type SerialDialer struct {
	Options PortOptions
}

func (d SerialDialer) Dial(_ context.Context, path string) (Port, error) {
	mode, err := d.Options.SerialMode()
	if err != nil {
		return nil, fmt.Errorf("invalid serial options: %w", err)
	}
	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, err
	}
	return port, nil
}
