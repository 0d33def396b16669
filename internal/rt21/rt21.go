// Package rt21 encodes rotator commands into RT21 controller frames and
// decodes the controller's replies.
package rt21

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"

	"github.com/banshee-data/rt21bridge/internal/command"
)

// Delimiter terminates every RT21 frame in both directions.
const Delimiter = ';'

var (
	// ErrEncodeContract is returned when asked to encode an unrecognized
	// command. Callers must filter those out before encoding.
	ErrEncodeContract = errors.New("cannot encode unrecognized command")
	// ErrAzimuthRange is returned for a move outside [0,359].
	ErrAzimuthRange = errors.New("azimuth out of range")
)

// Frame identifies the kind of request sent to the controller.
type Frame int

const (
	QueryFrame Frame = iota + 1
	MoveFrame
	StopFrame
)

func (f Frame) String() string {
	switch f {
	case QueryFrame:
		return "query"
	case MoveFrame:
		return "move"
	case StopFrame:
		return "stop"
	default:
		return "unknown"
	}
}

// Request is an encoded RT21 frame ready to be written to the controller.
type Request struct {
	Frame   Frame
	Azimuth int
	Bytes   []byte
}

// ExpectsReply reports whether the controller answers this frame. Position
// queries are always answered; moves and stops only when the controller is
// configured to acknowledge them.
func (r Request) ExpectsReply(awaitAck bool) bool {
	return r.Frame == QueryFrame || awaitAck
}

func (r Request) String() string {
	return strconv.Quote(string(r.Bytes))
}

// Query returns the position query frame.
func Query() Request {
	return Request{Frame: QueryFrame, Bytes: []byte("AI1\r;")}
}

// Stop returns the stop frame.
func Stop() Request {
	return Request{Frame: StopFrame, Bytes: []byte(";")}
}

// Move returns the frame moving the rotator to az.
func Move(az int) (Request, error) {
	if !command.ValidAzimuth(az) {
		return Request{}, fmt.Errorf("%w: %d", ErrAzimuthRange, az)
	}
	return Request{
		Frame:   MoveFrame,
		Azimuth: az,
		Bytes:   []byte(fmt.Sprintf("AP0%03d\r;", az)),
	}, nil
}

// Encode converts a parsed command into its RT21 frame.
func Encode(c command.Command) (Request, error) {
	switch c.Kind {
	case command.Query:
		return Query(), nil
	case command.MoveTo:
		return Move(c.Azimuth)
	case command.Stop:
		return Stop(), nil
	default:
		return Request{}, fmt.Errorf("%w: %v", ErrEncodeContract, c)
	}
}

// ReplyKind identifies a decoded controller reply.
type ReplyKind int

const (
	Unparseable ReplyKind = iota
	Azimuth
	Ack
)

func (k ReplyKind) String() string {
	switch k {
	case Azimuth:
		return "azimuth"
	case Ack:
		return "ack"
	default:
		return "unparseable"
	}
}

// Reply is a decoded controller reply. Azimuth is only set for Azimuth
// replies.
type Reply struct {
	Kind    ReplyKind
	Azimuth int
	Raw     []byte
}

// Decode interprets raw controller bytes. It never fails: anything that is
// not an empty acknowledgement or a single in-range azimuth decodes as
// Unparseable.
func Decode(raw []byte) Reply {
	r := Reply{Kind: Unparseable, Raw: append([]byte{}, raw...)}

	payload := bytes.Trim(raw, "; \t\r\n")
	if len(payload) == 0 {
		if bytes.IndexByte(raw, Delimiter) >= 0 {
			r.Kind = Ack
		}
		return r
	}

	start := bytes.IndexFunc(payload, isDigit)
	if start < 0 {
		return r
	}
	end := start
	for end < len(payload) && isDigit(rune(payload[end])) {
		end++
	}
	az, err := strconv.ParseUint(string(payload[start:end]), 10, 16)
	if err != nil || !command.ValidAzimuth(int(az)) {
		return r
	}
	r.Kind = Azimuth
	r.Azimuth = int(az)
	return r
}

func isDigit(c rune) bool {
	return c >= '0' && c <= '9'
}
