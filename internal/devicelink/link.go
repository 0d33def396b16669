// Package devicelink owns the single persistent connection to the RT21
// controller. Every client session borrows the link for exactly one
// request/reply exchange at a time, so the controller never sees interleaved
// frames and never more than one connection.
package devicelink

import (
	"bytes"
	"context"
	crand "crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/banshee-data/rt21bridge/internal/monitoring"
	"github.com/banshee-data/rt21bridge/internal/rt21"
)

// MaxReplySize bounds a single controller reply.
const MaxReplySize = 256

// DefaultReadTimeout bounds the wait for a controller reply.
const DefaultReadTimeout = 2 * time.Second

// drainWindow is how long a liveness check waits for pending bytes.
const drainWindow = 2 * time.Millisecond

var (
	ErrLinkClosed    = errors.New("device link closed")
	ErrReadTimeout   = errors.New("timed out waiting for device reply")
	ErrShortWrite    = errors.New("failed to write full frame to device")
	ErrReplyTooLong  = errors.New("device reply exceeds maximum size")
	ErrNotConnected  = errors.New("device link not connected")
	ErrLeaseExpired  = errors.New("device link lease already released")
	ErrUnboundedPort = errors.New("device port does not support read timeouts")
)

// ConnectivityError reports a failure to reach or talk to the controller.
// Whenever one is returned the underlying connection has been torn down and
// the next exchange will dial again.
type ConnectivityError struct {
	Op   string
	Addr string
	Err  error
}

func (e *ConnectivityError) Error() string {
	return fmt.Sprintf("device %s %s: %v", e.Op, e.Addr, e.Err)
}

func (e *ConnectivityError) Unwrap() error { return e.Err }

// IsConnectivity reports whether err is a ConnectivityError.
func IsConnectivity(err error) bool {
	var ce *ConnectivityError
	return errors.As(err, &ce)
}

// Config configures a Link.
type Config struct {
	// Address of the controller: host:port for TCP, a device path for serial.
	Address string

	// Dialer opens the connection. Defaults to TCPDialer.
	Dialer Dialer

	// AwaitAck makes move and stop exchanges wait for the controller's
	// acknowledgement. Position queries always wait for a reply.
	AwaitAck bool
}

// Stats is a snapshot of the link state.
type Stats struct {
	Address      string    `json:"address"`
	Connected    bool      `json:"connected"`
	LastActivity time.Time `json:"last_activity"`
	Exchanges    uint64    `json:"exchanges"`
	Dials        uint64    `json:"dials"`
	Failures     uint64    `json:"failures"`
}

// Link is the shared, lazily connected controller connection.
type Link struct {
	cfg Config

	// sem is a one-slot semaphore granting exclusive use of the link. Unlike
	// a sync.Mutex, waiting on it can be abandoned when a context ends.
	sem chan struct{}

	// mu guards the fields below. The connection itself is only used by the
	// current lease holder; mu lets Close and Stats observe it safely.
	mu     sync.Mutex
	port   Port
	closed bool
	stats  Stats

	subscribers  map[string]chan string
	subscriberMu sync.Mutex
}

// New returns a disconnected Link. No connection is made until the first
// exchange.
func New(cfg Config) *Link {
	if cfg.Dialer == nil {
		cfg.Dialer = TCPDialer{}
	}
	return &Link{
		cfg:         cfg,
		sem:         make(chan struct{}, 1),
		stats:       Stats{Address: cfg.Address},
		subscribers: make(map[string]chan string),
	}
}

// Address returns the controller address.
func (l *Link) Address() string { return l.cfg.Address }

// Lease is exclusive, scoped access to the link. It must be released, which is
// safe to do more than once.
type Lease struct {
	link *Link
	once sync.Once
	done bool

	// checked is set once the connection is known to be fresh and free of
	// stale bytes, so the next send can skip draining.
	checked bool
}

// Acquire blocks until the link is free, ctx is done or the link is closed.
// Abandoning the wait affects only the caller.
func (l *Link) Acquire(ctx context.Context) (*Lease, error) {
	if l.isClosed() {
		return nil, ErrLinkClosed
	}
	select {
	case l.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if l.isClosed() {
		<-l.sem
		return nil, ErrLinkClosed
	}
	return &Lease{link: l}, nil
}

// Release returns the link for the next session.
func (s *Lease) Release() {
	s.once.Do(func() {
		s.done = true
		<-s.link.sem
	})
}

// EnsureConnected dials the controller if there is no live connection. It
// makes a single attempt and leaves retrying to the caller.
func (s *Lease) EnsureConnected(ctx context.Context) error {
	if s.done {
		return ErrLeaseExpired
	}
	l := s.link

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrLinkClosed
	}
	port := l.port
	l.mu.Unlock()

	if port != nil {
		err := l.discardStale(port)
		if err == nil {
			s.checked = true
			return nil
		}
		l.drop(port)
		monitoring.Event("CONNECTION", "RT21", "connection to %s found dead (%v), redialing", l.cfg.Address, err)
	}

	l.mu.Lock()
	l.stats.Dials++
	l.mu.Unlock()

	port, err := l.cfg.Dialer.Dial(ctx, l.cfg.Address)
	if err != nil {
		l.mu.Lock()
		l.stats.Failures++
		l.mu.Unlock()
		monitoring.Event("ERROR", "RT21", "connect to %s failed: %v", l.cfg.Address, err)
		return &ConnectivityError{Op: "dial", Addr: l.cfg.Address, Err: err}
	}
	if !canLimitReads(port) {
		port.Close()
		l.mu.Lock()
		l.stats.Failures++
		l.mu.Unlock()
		monitoring.Event("ERROR", "RT21", "connect to %s: %T has no read timeout", l.cfg.Address, port)
		return &ConnectivityError{Op: "dial", Addr: l.cfg.Address, Err: ErrUnboundedPort}
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		port.Close()
		return ErrLinkClosed
	}
	l.port = port
	l.stats.Connected = true
	l.stats.LastActivity = time.Now()
	l.mu.Unlock()

	s.checked = true
	monitoring.Event("CONNECTION", "RT21", "connected to %s", l.cfg.Address)
	return nil
}

// discardStale reads whatever the controller sent outside an exchange, such
// as the acknowledgement of a write-only move, and drops it. An error means
// the connection is closed or broken.
func (l *Link) discardStale(port Port) error {
	stale, err := drain(port)
	if len(stale) > 0 {
		monitoring.Event("RESPONSE", "RT21", "discarded stale bytes %q", stale)
		l.publish("RX (stale) " + string(stale))
	}
	return err
}

// drop forgets port without counting a failed exchange.
func (l *Link) drop(port Port) {
	l.mu.Lock()
	if l.port == port {
		l.port = nil
		l.stats.Connected = false
	}
	l.mu.Unlock()
	port.Close()
}

// SendAndReceive writes req and, when the frame expects one, reads the
// controller's reply up to and including the frame delimiter. Any I/O error or
// timeout tears the connection down. It never retries: a frame that may have
// been half written is not resent behind the caller's back.
func (s *Lease) SendAndReceive(req rt21.Request, timeout time.Duration) ([]byte, error) {
	if s.done {
		return nil, ErrLeaseExpired
	}
	l := s.link

	l.mu.Lock()
	port := l.port
	l.mu.Unlock()
	if port == nil {
		return nil, &ConnectivityError{Op: "send", Addr: l.cfg.Address, Err: ErrNotConnected}
	}

	if !s.checked {
		if err := l.discardStale(port); err != nil {
			return nil, l.fail(port, "send", err)
		}
	}
	s.checked = false

	l.publish("TX " + string(req.Bytes))
	n, err := port.Write(req.Bytes)
	if err == nil && n != len(req.Bytes) {
		err = ErrShortWrite
	}
	if err != nil {
		return nil, l.fail(port, "send", err)
	}
	monitoring.Traffic("SENT", "RT21", req.Bytes)

	var reply []byte
	if req.ExpectsReply(l.cfg.AwaitAck) {
		if timeout <= 0 {
			timeout = DefaultReadTimeout
		}
		// with acknowledgements off, a move's ack may still be in flight
		skipAcks := req.Frame == rt21.QueryFrame && !l.cfg.AwaitAck
		reply, err = readFrame(port, time.Now().Add(timeout), skipAcks)
		if err != nil {
			return nil, l.fail(port, "receive", err)
		}
		monitoring.Traffic("RESPONSE", "RT21", reply)
		l.publish("RX " + string(reply))
	}

	l.mu.Lock()
	l.stats.Exchanges++
	l.stats.LastActivity = time.Now()
	l.mu.Unlock()
	return reply, nil
}

// fail invalidates the connection so the next exchange reconnects.
func (l *Link) fail(port Port, op string, err error) error {
	l.mu.Lock()
	if l.port == port {
		l.port = nil
		l.stats.Connected = false
	}
	l.stats.Failures++
	l.mu.Unlock()

	port.Close()
	monitoring.Event("CONNECTION", "RT21", "dropped connection to %s after %s failure: %v", l.cfg.Address, op, err)
	return &ConnectivityError{Op: op, Addr: l.cfg.Address, Err: err}
}

// readFrame reads until the frame delimiter or the deadline passes. Bytes
// following the delimiter are discarded. With skipAcks, bare acknowledgement
// frames are dropped and reading continues.
func readFrame(port Port, deadline time.Time, skipAcks bool) ([]byte, error) {
	buf := make([]byte, 0, 32)
	chunk := make([]byte, 64)
	for {
		if !time.Now().Before(deadline) {
			return nil, ErrReadTimeout
		}
		ok, err := setReadLimit(port, deadline)
		if err != nil {
			return nil, fmt.Errorf("failed to set read deadline: %w", err)
		}
		if !ok {
			return nil, ErrUnboundedPort
		}
		n, err := port.Read(chunk)
		buf = append(buf, chunk[:n]...)
		for {
			i := bytes.IndexByte(buf, rt21.Delimiter)
			if i < 0 {
				break
			}
			if !skipAcks || rt21.Decode(buf[:i+1]).Kind != rt21.Ack {
				return buf[:i+1], nil
			}
			monitoring.Event("RESPONSE", "RT21", "discarded late acknowledgement %q", buf[:i+1])
			buf = buf[i+1:]
		}
		if len(buf) > MaxReplySize {
			return nil, ErrReplyTooLong
		}
		if err != nil {
			if isTimeout(err) {
				return nil, ErrReadTimeout
			}
			return nil, err
		}
	}
}

// drain returns the bytes already pending on port, waiting at most
// drainWindow for each read. EOF or any other non-timeout error is returned.
func drain(port Port) ([]byte, error) {
	var stale []byte
	chunk := make([]byte, 64)
	for len(stale) <= MaxReplySize {
		ok, err := setReadLimit(port, time.Now().Add(drainWindow))
		if err != nil {
			return stale, fmt.Errorf("failed to set read deadline: %w", err)
		}
		if !ok {
			return stale, ErrUnboundedPort
		}
		n, err := port.Read(chunk)
		stale = append(stale, chunk[:n]...)
		if err != nil {
			if isTimeout(err) {
				return stale, nil
			}
			return stale, err
		}
		if n == 0 {
			return stale, nil
		}
	}
	return stale, nil
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// Exchange performs one complete request/reply exchange: acquire, connect if
// needed, send, receive, release.
func (l *Link) Exchange(ctx context.Context, req rt21.Request, timeout time.Duration) ([]byte, error) {
	lease, err := l.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer lease.Release()

	if err := lease.EnsureConnected(ctx); err != nil {
		return nil, err
	}
	return lease.SendAndReceive(req, timeout)
}

// Probe checks that the controller answers a position query. The connection
// is kept for later exchanges.
func (l *Link) Probe(ctx context.Context, timeout time.Duration) (rt21.Reply, error) {
	raw, err := l.Exchange(ctx, rt21.Query(), timeout)
	if err != nil {
		return rt21.Reply{}, err
	}
	reply := rt21.Decode(raw)
	if reply.Kind != rt21.Azimuth {
		return reply, fmt.Errorf("device at %s answered %q to a position query", l.cfg.Address, raw)
	}
	return reply, nil
}

// Connected reports whether a connection is currently open.
func (l *Link) Connected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.port != nil
}

// Stats returns a snapshot of the link counters.
func (l *Link) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stats
}

func (l *Link) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// Close tears down the connection and closes all traffic subscribers. A
// closed link refuses new leases.
func (l *Link) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	port := l.port
	l.port = nil
	l.stats.Connected = false
	l.mu.Unlock()

	l.subscriberMu.Lock()
	for id, ch := range l.subscribers {
		close(ch)
		delete(l.subscribers, id)
	}
	l.subscriberMu.Unlock()

	if port != nil {
		monitoring.Event("CONNECTION", "RT21", "disconnected from %s", l.cfg.Address)
		return port.Close()
	}
	return nil
}

// randomID generates a random subscriber ID (8 byte random hex encoded value)
func randomID() string {
	b := make([]byte, 8)
	crand.Read(b)
	return hex.EncodeToString(b)
}

// Subscribe creates a channel receiving a line per frame sent to ("TX ...")
// or received from ("RX ...") the controller. The ID is used to unsubscribe.
func (l *Link) Subscribe() (string, chan string) {
	id := randomID()
	ch := make(chan string, 16)
	l.subscriberMu.Lock()
	defer l.subscriberMu.Unlock()
	if l.isClosed() {
		close(ch)
		return id, ch
	}
	l.subscribers[id] = ch
	return id, ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (l *Link) Unsubscribe(id string) {
	l.subscriberMu.Lock()
	defer l.subscriberMu.Unlock()
	if ch, ok := l.subscribers[id]; ok {
		close(ch)
		delete(l.subscribers, id)
	}
}

func (l *Link) publish(line string) {
	l.subscriberMu.Lock()
	defer l.subscriberMu.Unlock()
	for _, ch := range l.subscribers {
		select {
		case ch <- line:
		default:
			// if the channel is full skip so as not to block the exchange
		}
	}
}
