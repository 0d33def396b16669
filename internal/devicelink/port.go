package devicelink

import (
	"context"
	"io"
	"time"
)

// Port is the minimal interface needed to talk to the controller. Both a TCP
// connection and a serial port satisfy it, which also lets tests run without
// real hardware.
type Port interface {
	io.ReadWriter
	io.Closer
}

// DeadlinePort is implemented by ports with absolute read deadlines, such as
// net.Conn.
type DeadlinePort interface {
	Port
	SetReadDeadline(t time.Time) error
}

// TimeoutPort is implemented by ports with a per-read timeout, such as
// go.bug.st/serial ports. A read that times out returns 0, nil.
type TimeoutPort interface {
	Port
	SetReadTimeout(timeout time.Duration) error
}

// Dialer opens a new connection to the controller at addr.
type Dialer interface {
	Dial(ctx context.Context, addr string) (Port, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context, addr string) (Port, error)

func (f DialerFunc) Dial(ctx context.Context, addr string) (Port, error) {
	return f(ctx, addr)
}

// setReadLimit bounds the next read on p so that it returns no later than
// deadline. It reports false if the port offers no way to do so.
func setReadLimit(p Port, deadline time.Time) (bool, error) {
	switch tp := p.(type) {
	case DeadlinePort:
		return true, tp.SetReadDeadline(deadline)
	case TimeoutPort:
		remaining := time.Until(deadline)
		if remaining <= 0 {
			remaining = time.Millisecond
		}
		return true, tp.SetReadTimeout(remaining)
	default:
		return false, nil
	}
}

func canLimitReads(p Port) bool {
	switch p.(type) {
	case DeadlinePort, TimeoutPort:
		return true
	}
	return false
}
