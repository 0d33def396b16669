package command

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
)

// MaxFrameSize bounds a single client frame.
const MaxFrameSize = 1024

// ScanFrames is a bufio.SplitFunc for the client protocol. A frame ends at
// CR, LF or ';'. A ';' that terminates an otherwise empty frame is returned
// as the frame itself since it doubles as the stop command. Empty frames
// are skipped.
func ScanFrames(data []byte, atEOF bool) (advance int, token []byte, err error) {
	start := 0
	for {
		if atEOF && start >= len(data) {
			return len(data), nil, nil
		}
		i := bytes.IndexAny(data[start:], "\r\n;")
		if i < 0 {
			if atEOF {
				if tok := bytes.TrimSpace(data[start:]); len(tok) > 0 {
					return len(data), tok, nil
				}
				return len(data), nil, nil
			}
			// request more data, discarding any leading empty frames
			return start, nil, nil
		}
		end := start + i
		tok := bytes.TrimSpace(data[start:end])
		if len(tok) > 0 {
			return end + 1, tok, nil
		}
		if data[end] == ';' {
			return end + 1, data[end : end+1], nil
		}
		start = end + 1
	}
}

// NewScanner returns a scanner yielding client frames from r.
func NewScanner(r io.Reader) *bufio.Scanner {
	scan := bufio.NewScanner(r)
	scan.Buffer(make([]byte, 0, 256), MaxFrameSize)
	scan.Split(ScanFrames)
	return scan
}

// ReplyKind identifies a client reply.
type ReplyKind int

const (
	ReplyError ReplyKind = iota
	ReplyOK
	ReplyPosition
)

// Reply is a response in the client protocol.
type Reply struct {
	Kind    ReplyKind
	Azimuth int
}

var (
	OK    = Reply{Kind: ReplyOK}
	Error = Reply{Kind: ReplyError}
)

// Position returns a position reply for az.
func Position(az int) Reply {
	return Reply{Kind: ReplyPosition, Azimuth: az}
}

// Bytes renders the reply including the trailing CRLF.
func (r Reply) Bytes() []byte {
	switch r.Kind {
	case ReplyOK:
		return []byte("OK\r\n")
	case ReplyPosition:
		return []byte(fmt.Sprintf("AZ=%03d\r\n", r.Azimuth))
	default:
		return []byte("ERROR\r\n")
	}
}

func (r Reply) String() string {
	return string(bytes.TrimSpace(r.Bytes()))
}
