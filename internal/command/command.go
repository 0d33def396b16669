// Package command turns client rotator-protocol bytes into normalized
// commands and renders the client-side replies.
package command

import (
	"errors"
	"fmt"
)

// MaxAzimuth is the largest azimuth accepted by the rotator.
const MaxAzimuth = 359

// ErrUnrecognized is reported for client input that matches no rule.
var ErrUnrecognized = errors.New("unrecognized command")

// Kind identifies the variant held by a Command.
type Kind int

const (
	Unrecognized Kind = iota
	Query
	MoveTo
	Stop
)

func (k Kind) String() string {
	switch k {
	case Query:
		return "query"
	case MoveTo:
		return "move"
	case Stop:
		return "stop"
	default:
		return "unrecognized"
	}
}

// Command is a parsed client request. Azimuth is only meaningful for MoveTo
// and Raw is only kept for Unrecognized input.
type Command struct {
	Kind    Kind
	Azimuth int
	Raw     []byte
}

func NewQuery() Command { return Command{Kind: Query} }
func NewStop() Command  { return Command{Kind: Stop} }

// NewMoveTo returns a MoveTo command, or an error if az is not a valid azimuth.
func NewMoveTo(az int) (Command, error) {
	if !ValidAzimuth(az) {
		return Command{}, fmt.Errorf("azimuth %d out of range [0,%d]", az, MaxAzimuth)
	}
	return Command{Kind: MoveTo, Azimuth: az}, nil
}

func newUnrecognized(raw []byte) Command {
	return Command{Kind: Unrecognized, Raw: append([]byte{}, raw...)}
}

// ValidAzimuth reports whether az lies in [0,359].
func ValidAzimuth(az int) bool {
	return az >= 0 && az <= MaxAzimuth
}

// Err returns ErrUnrecognized for unrecognized commands and nil otherwise.
func (c Command) Err() error {
	if c.Kind == Unrecognized {
		return fmt.Errorf("%w: %q", ErrUnrecognized, c.Raw)
	}
	return nil
}

func (c Command) String() string {
	switch c.Kind {
	case MoveTo:
		return fmt.Sprintf("move to %d", c.Azimuth)
	case Unrecognized:
		return fmt.Sprintf("unrecognized %q", c.Raw)
	default:
		return c.Kind.String()
	}
}
