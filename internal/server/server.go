// Package server accepts rotator-control clients and runs a translation
// session for each of them.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/banshee-data/rt21bridge/internal/monitoring"
	"github.com/banshee-data/rt21bridge/internal/session"
)

// Config configures a Server.
type Config struct {
	// Address to listen on (e.g., ":6555" or "127.0.0.1:6555").
	Address string

	// Handler translates the commands of every session.
	Handler *session.Handler

	// OnConnect is called when a new session starts.
	OnConnect func(s *session.Session)

	// OnDisconnect is called when a session ends, with the error that ended
	// it (nil for a clean client disconnect).
	OnDisconnect func(s *session.Session, err error)
}

// Server listens for clients. There is no limit on concurrent sessions: the
// device link, not the listener, is the serialization point.
type Server struct {
	config   Config
	listener net.Listener

	conns   map[net.Conn]struct{}
	connsMu sync.Mutex

	// errCh carries a listener failure that stopped the accept loop.
	errCh chan error

	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a Server.
func New(config Config) (*Server, error) {
	if config.Handler == nil {
		return nil, fmt.Errorf("handler is required")
	}
	if config.Address == "" {
		return nil, fmt.Errorf("listen address is required")
	}
	return &Server{
		config: config,
		conns:  make(map[net.Conn]struct{}),
		errCh:  make(chan error, 1),
	}, nil
}

// Start binds the listen address and begins accepting clients. A bind
// failure is returned to the caller.
func (s *Server) Start(ctx context.Context) error {
	if s.running.Load() {
		return fmt.Errorf("server already running")
	}

	listener, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Address, err)
	}
	s.listener = listener
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.running.Store(true)

	s.wg.Add(1)
	go s.acceptLoop()

	return nil
}

// Stop closes the listener and every client connection, then waits for all
// sessions to finish.
func (s *Server) Stop() error {
	if !s.running.Swap(false) {
		return nil
	}
	s.cancel()
	err := s.listener.Close()

	s.connsMu.Lock()
	for conn := range s.conns {
		conn.Close()
	}
	s.connsMu.Unlock()

	s.wg.Wait()
	return err
}

// Addr returns the server's listen address.
func (s *Server) Addr() net.Addr {
	if s.listener != nil {
		return s.listener.Addr()
	}
	return nil
}

// Err returns a channel that receives an error if the listener fails while
// running. The process is expected to treat it as fatal.
func (s *Server) Err() <-chan error {
	return s.errCh
}

// SessionCount returns the number of active sessions.
func (s *Server) SessionCount() int {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	return len(s.conns)
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if !s.running.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			// anything else means the listener itself is broken
			monitoring.Event("ERROR", "PROXY", "accept failed: %v", err)
			s.errCh <- fmt.Errorf("accept on %s: %w", s.config.Address, err)
			return
		}

		s.connsMu.Lock()
		if !s.running.Load() {
			s.connsMu.Unlock()
			conn.Close()
			return
		}
		s.conns[conn] = struct{}{}
		s.connsMu.Unlock()

		s.wg.Add(1)
		go s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.connsMu.Lock()
		delete(s.conns, conn)
		s.connsMu.Unlock()
		conn.Close()
	}()

	sess := s.config.Handler.NewSession(uuid.New().String(), conn)
	monitoring.Event("CONNECTION", "PROXY", "client %s connected from %s", sess.ID, conn.RemoteAddr())
	if s.config.OnConnect != nil {
		s.config.OnConnect(sess)
	}

	err := sess.Run(s.ctx)
	if err != nil && s.running.Load() {
		monitoring.Event("CONNECTION", "PROXY", "client %s dropped: %v", sess.ID, err)
	} else {
		monitoring.Event("CONNECTION", "PROXY", "client %s disconnected", sess.ID)
	}
	if s.config.OnDisconnect != nil {
		s.config.OnDisconnect(sess, err)
	}
}
