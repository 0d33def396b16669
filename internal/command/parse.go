package command

import (
	"regexp"
	"strconv"
	"strings"
)

// Rule is a single recognition rule. Rules are tried in order and the first
// match wins.
type Rule struct {
	Name  string
	match func(s string) (Command, bool)
}

var (
	moveDigits   = regexp.MustCompile(`^M(\d+)$`)
	bareDigits   = regexp.MustCompile(`^(\d+)$`)
	prefixDigits = regexp.MustCompile(`^[A-Z]+(\d+)$`)
	spacedPrefix = regexp.MustCompile(`^[A-Z] (\d+)$`)
	stopSynonyms = map[string]bool{"S": true, "STOP": true, ";": true}
	orderedRules = []Rule{
		{Name: "query", match: matchQuery},
		{Name: "move", match: matchDigits(moveDigits)},
		{Name: "stop", match: matchStop},
		{Name: "bare-azimuth", match: matchDigits(bareDigits)},
		{Name: "prefixed-azimuth", match: matchDigits(prefixDigits)},
		{Name: "spaced-azimuth", match: matchDigits(spacedPrefix)},
	}
)

// Rules returns the recognition rules in priority order.
func Rules() []Rule {
	return append([]Rule(nil), orderedRules...)
}

// Match applies a single rule to already normalized input.
func (r Rule) Match(normalized string) (Command, bool) {
	return r.match(normalized)
}

// Normalize trims surrounding whitespace and upper-cases client input.
func Normalize(raw []byte) string {
	return strings.ToUpper(strings.TrimSpace(string(raw)))
}

// Parse turns raw client bytes into exactly one Command.
func Parse(raw []byte) Command {
	s := Normalize(raw)
	for _, r := range orderedRules {
		if c, ok := r.match(s); ok {
			if c.Kind == Unrecognized {
				return newUnrecognized(raw)
			}
			return c
		}
	}
	return newUnrecognized(raw)
}

func matchQuery(s string) (Command, bool) {
	if s == "C" {
		return NewQuery(), true
	}
	return Command{}, false
}

func matchStop(s string) (Command, bool) {
	if stopSynonyms[s] {
		return NewStop(), true
	}
	return Command{}, false
}

// matchDigits builds a rule from a pattern whose first group is the azimuth.
// Out of range values still consume the input so that lower priority rules
// can never reinterpret them.
func matchDigits(re *regexp.Regexp) func(string) (Command, bool) {
	return func(s string) (Command, bool) {
		m := re.FindStringSubmatch(s)
		if m == nil {
			return Command{}, false
		}
		az, err := strconv.ParseUint(m[1], 10, 16)
		if err != nil {
			return Command{Kind: Unrecognized}, true
		}
		c, err := NewMoveTo(int(az))
		if err != nil {
			return Command{Kind: Unrecognized}, true
		}
		return c, true
	}
}
