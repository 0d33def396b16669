package devicelink

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/banshee-data/rt21bridge/internal/rt21"
)

// TestablePort implements TimeoutPort with configurable behaviour for testing.
// It provides fine-grained control over reads, writes, errors, and latency.
type TestablePort struct {
	mu sync.Mutex

	// ReadBuffer holds data to be returned by Read calls
	ReadBuffer *bytes.Buffer

	// WriteBuffer captures data written to the port
	WriteBuffer *bytes.Buffer

	// Respond, if set, is called with every write and its result is appended
	// to the read buffer, emulating a controller answering frames.
	Respond func(frame []byte) []byte

	// WriteLatency adds a delay to each Write call
	WriteLatency time.Duration

	// ReadError is returned by the next Read call if set
	ReadError error

	// WriteError is returned by the next Write call if set
	WriteError error

	// ShortWrite makes the next Write report one byte less than requested
	ShortWrite bool

	// CloseError is returned by Close if set
	CloseError error

	// Closed indicates whether Close was called
	Closed bool

	// ReadCalls records the number of Read calls
	ReadCalls int

	// WriteCalls records the number of Write calls
	WriteCalls int

	// ReadTimeout is the current read timeout. A Read on an empty buffer
	// waits up to this long and then returns 0, nil like a serial port.
	ReadTimeout time.Duration
}

// NewTestablePort creates a new TestablePort for testing.
func NewTestablePort() *TestablePort {
	return &TestablePort{
		ReadBuffer:  bytes.NewBuffer(nil),
		WriteBuffer: bytes.NewBuffer(nil),
	}
}

// NewRespondingPort returns a port answering each frame with respond.
func NewRespondingPort(respond func(frame []byte) []byte) *TestablePort {
	p := NewTestablePort()
	p.Respond = respond
	return p
}

// Read reads from the read buffer, optionally simulating errors and timeouts.
func (t *TestablePort) Read(p []byte) (n int, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.ReadCalls++

	if t.Closed {
		return 0, errors.New("port closed")
	}

	if t.ReadError != nil {
		err := t.ReadError
		t.ReadError = nil
		return 0, err
	}

	wait := time.Now().Add(t.ReadTimeout)
	for t.ReadBuffer.Len() == 0 {
		if t.Closed {
			return 0, errors.New("port closed")
		}
		if !time.Now().Before(wait) {
			return 0, nil
		}
		t.mu.Unlock()
		time.Sleep(time.Millisecond)
		t.mu.Lock()
	}

	return t.ReadBuffer.Read(p)
}

// Write writes to the write buffer, optionally simulating latency and errors.
func (t *TestablePort) Write(p []byte) (n int, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.WriteCalls++

	if t.Closed {
		return 0, errors.New("port closed")
	}

	if t.WriteError != nil {
		err := t.WriteError
		t.WriteError = nil
		return 0, err
	}

	if t.WriteLatency > 0 {
		t.mu.Unlock()
		time.Sleep(t.WriteLatency)
		t.mu.Lock()
	}

	if t.ShortWrite {
		t.ShortWrite = false
		return t.WriteBuffer.Write(p[:len(p)-1])
	}

	n, err = t.WriteBuffer.Write(p)
	if t.Respond != nil {
		t.ReadBuffer.Write(t.Respond(p))
	}
	return n, err
}

// Close marks the port as closed.
func (t *TestablePort) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.Closed = true
	return t.CloseError
}

// SetReadTimeout implements TimeoutPort.
func (t *TestablePort) SetReadTimeout(timeout time.Duration) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.ReadTimeout = timeout
	return nil
}

// AddReadData adds data to be returned by subsequent Read calls.
func (t *TestablePort) AddReadData(data []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.ReadBuffer.Write(data)
}

// GetWrittenData returns all data written to the port.
func (t *TestablePort) GetWrittenData() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()

	return append([]byte(nil), t.WriteBuffer.Bytes()...)
}

// IsClosed reports whether Close was called.
func (t *TestablePort) IsClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.Closed
}

// MockDialer implements Dialer for testing.
type MockDialer struct {
	mu sync.Mutex

	// Ports are handed out in order, one per successful Dial. When exhausted
	// the last one is reused.
	Ports []Port

	// Error is returned by Dial if set
	Error error

	// DialCalls records the address of every Dial call
	DialCalls []string
}

// NewMockDialer creates a MockDialer returning the given ports.
func NewMockDialer(ports ...Port) *MockDialer {
	return &MockDialer{Ports: ports}
}

// Dial returns the next configured port or error.
func (d *MockDialer) Dial(_ context.Context, addr string) (Port, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.DialCalls = append(d.DialCalls, addr)

	if d.Error != nil {
		return nil, d.Error
	}
	if len(d.Ports) == 0 {
		return nil, errors.New("no mock port configured")
	}
	p := d.Ports[0]
	if len(d.Ports) > 1 {
		d.Ports = d.Ports[1:]
	}
	return p, nil
}

// SetError changes the error returned by subsequent Dial calls.
func (d *MockDialer) SetError(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Error = err
}

// Calls returns the number of Dial calls so far.
func (d *MockDialer) Calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.DialCalls)
}

// FakeDevice is a TCP server emulating an RT21 controller. It records every
// frame it receives and how many connections were open at once, so tests can
// check that the bridge never holds more than one.
type FakeDevice struct {
	listener net.Listener

	mu        sync.Mutex
	azimuth   int
	frames    []string
	accepted  int
	active    int
	maxActive int
	silent    bool
	conns     map[net.Conn]struct{}

	wg sync.WaitGroup
}

// StartFakeDevice listens on a loopback port. The device reports azimuth
// until a move frame changes it.
func StartFakeDevice(azimuth int) (*FakeDevice, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	d := &FakeDevice{listener: ln, azimuth: azimuth, conns: make(map[net.Conn]struct{})}
	d.wg.Add(1)
	go d.serve()
	return d, nil
}

// Addr returns the device's host:port.
func (d *FakeDevice) Addr() string { return d.listener.Addr().String() }

// Frames returns the frames received so far, delimiter included.
func (d *FakeDevice) Frames() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.frames...)
}

// Accepted returns the number of connections accepted so far.
func (d *FakeDevice) Accepted() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.accepted
}

// MaxActive returns the largest number of simultaneously open connections.
func (d *FakeDevice) MaxActive() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.maxActive
}

// SetSilent makes the device stop answering frames.
func (d *FakeDevice) SetSilent(silent bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.silent = silent
}

// Azimuth returns the position the device currently reports.
func (d *FakeDevice) Azimuth() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.azimuth
}

// DropConnection closes open connections from the device side.
func (d *FakeDevice) DropConnection() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for conn := range d.conns {
		conn.Close()
	}
}

// Close stops the device and waits for it to exit.
func (d *FakeDevice) Close() error {
	err := d.listener.Close()
	d.DropConnection()
	d.wg.Wait()
	return err
}

func (d *FakeDevice) serve() {
	defer d.wg.Done()
	for {
		conn, err := d.listener.Accept()
		if err != nil {
			return
		}
		d.mu.Lock()
		d.accepted++
		d.active++
		if d.active > d.maxActive {
			d.maxActive = d.active
		}
		d.conns[conn] = struct{}{}
		d.mu.Unlock()

		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.handle(conn)

			d.mu.Lock()
			d.active--
			delete(d.conns, conn)
			d.mu.Unlock()
		}()
	}
}

func (d *FakeDevice) handle(conn net.Conn) {
	defer conn.Close()
	var pending []byte
	chunk := make([]byte, 64)
	for {
		n, err := conn.Read(chunk)
		pending = append(pending, chunk[:n]...)
		for {
			i := bytes.IndexByte(pending, rt21.Delimiter)
			if i < 0 {
				break
			}
			frame := pending[:i+1]
			pending = pending[i+1:]
			if reply := d.answer(frame); reply != nil {
				if _, err := conn.Write(reply); err != nil {
					return
				}
			}
		}
		if err != nil {
			return
		}
	}
}

func (d *FakeDevice) answer(frame []byte) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.frames = append(d.frames, string(frame))
	if d.silent {
		return nil
	}
	switch {
	case bytes.Equal(frame, rt21.Query().Bytes):
		return []byte(fmt.Sprintf("%03d;", d.azimuth))
	case bytes.HasPrefix(frame, []byte("AP0")):
		if r := rt21.Decode(frame); r.Kind == rt21.Azimuth {
			d.azimuth = r.Azimuth
		}
		return []byte(";")
	default:
		return []byte(";")
	}
}
