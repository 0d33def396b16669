// Package session runs the per-client translation loop: read a client frame,
// parse it, exchange the matching RT21 frame over the shared device link and
// write exactly one reply back.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/banshee-data/rt21bridge/internal/command"
	"github.com/banshee-data/rt21bridge/internal/devicelink"
	"github.com/banshee-data/rt21bridge/internal/monitoring"
	"github.com/banshee-data/rt21bridge/internal/rt21"
)

// ErrDeviceProtocol is reported when the controller's reply cannot be
// interpreted. The device connection is kept: one noisy reply does not mean
// the link is broken.
var ErrDeviceProtocol = errors.New("unparseable device reply")

// Exchanger performs one serialized request/reply exchange with the device.
// *devicelink.Link implements it.
type Exchanger interface {
	Exchange(ctx context.Context, req rt21.Request, timeout time.Duration) ([]byte, error)
}

var _ Exchanger = (*devicelink.Link)(nil)

// Handler translates client commands. It holds no per-client state and is
// shared by every session.
type Handler struct {
	link        Exchanger
	readTimeout time.Duration
}

// NewHandler returns a Handler using link for device exchanges. readTimeout
// bounds each wait for a device reply.
func NewHandler(link Exchanger, readTimeout time.Duration) *Handler {
	if readTimeout <= 0 {
		readTimeout = devicelink.DefaultReadTimeout
	}
	return &Handler{link: link, readTimeout: readTimeout}
}

// Execute translates one client frame and returns the reply to send. The
// error describes why the reply is ERROR, if it is.
func (h *Handler) Execute(ctx context.Context, input []byte) (command.Reply, error) {
	cmd := command.Parse(input)
	if err := cmd.Err(); err != nil {
		return command.Error, err
	}
	monitoring.Event("PARSED", "TRANSLATOR", "command: %v", cmd)

	req, err := rt21.Encode(cmd)
	if err != nil {
		return command.Error, err
	}

	raw, err := h.link.Exchange(ctx, req, h.readTimeout)
	if err != nil {
		return command.Error, err
	}
	return replyFor(cmd, raw)
}

// Exec is Execute reduced to the reply bytes, for the admin command page.
func (h *Handler) Exec(ctx context.Context, input []byte) []byte {
	reply, _ := h.Execute(ctx, input)
	return reply.Bytes()
}

func replyFor(cmd command.Command, raw []byte) (command.Reply, error) {
	// moves and stops sent without waiting for an acknowledgement
	if raw == nil && cmd.Kind != command.Query {
		return command.OK, nil
	}

	decoded := rt21.Decode(raw)
	switch cmd.Kind {
	case command.Query:
		if decoded.Kind == rt21.Azimuth {
			return command.Position(decoded.Azimuth), nil
		}
	default:
		if decoded.Kind == rt21.Ack || decoded.Kind == rt21.Azimuth {
			return command.OK, nil
		}
	}
	return command.Error, fmt.Errorf("%w: %q", ErrDeviceProtocol, raw)
}

// Session is one client connection.
type Session struct {
	ID string

	h    *Handler
	conn io.ReadWriter

	mu    sync.Mutex
	state State
}

// NewSession wraps an accepted client connection.
func (h *Handler) NewSession(id string, conn io.ReadWriter) *Session {
	return &Session{ID: id, h: h, conn: conn, state: StateConnected}
}

// State returns the session's current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) fire(event Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next, err := Transition(s.state, event)
	if err != nil {
		return err
	}
	s.state = next
	return nil
}

// Run serves the client until it disconnects. Command failures are answered
// with ERROR and never end the session; only client I/O errors do. A clean
// disconnect returns nil.
func (s *Session) Run(ctx context.Context) error {
	defer s.fire(EventDisconnect)

	scan := command.NewScanner(s.conn)
	for scan.Scan() {
		frame := scan.Bytes()
		monitoring.Traffic("RECEIVED", "CLIENT "+s.ID, frame)

		if err := s.fire(EventCommand); err != nil {
			return err
		}
		reply, err := s.h.Execute(ctx, frame)
		if err != nil {
			monitoring.Event("ERROR", "TRANSLATOR", "session %s: %v", s.ID, err)
		}
		if _, err := s.conn.Write(reply.Bytes()); err != nil {
			return fmt.Errorf("failed to write reply: %w", err)
		}
		monitoring.Traffic("REPLIED", "CLIENT "+s.ID, reply.Bytes())
		if err := s.fire(EventReplied); err != nil {
			return err
		}
	}
	return scan.Err()
}
