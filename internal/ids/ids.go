// Package ids defines the identifier types shared by every tier of the
// engine. Each identifier is its own named type so a BotID can never be
// passed where a SwarmID is expected without an explicit conversion.
// Raw strings are converted with the Parse functions at network and
// storage boundaries only.
package ids

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// MaxLen bounds every identifier so it stays usable as a NATS subject token
// and a SQLite primary key.
const MaxLen = 128

type (
	SwarmID string
	BotID   string
	TurnID  string
	RunID   string
	StepID  string
)

func (id SwarmID) String() string { return string(id) }
func (id BotID) String() string   { return string(id) }
func (id TurnID) String() string  { return string(id) }
func (id RunID) String() string   { return string(id) }
func (id StepID) String() string  { return string(id) }

func ParseSwarmID(s string) (SwarmID, error) {
	if err := validate("swarm", s); err != nil {
		return "", err
	}
	return SwarmID(s), nil
}

func ParseBotID(s string) (BotID, error) {
	if err := validate("bot", s); err != nil {
		return "", err
	}
	return BotID(s), nil
}

func ParseTurnID(s string) (TurnID, error) {
	if err := validate("turn", s); err != nil {
		return "", err
	}
	return TurnID(s), nil
}

func ParseRunID(s string) (RunID, error) {
	if err := validate("run", s); err != nil {
		return "", err
	}
	return RunID(s), nil
}

func ParseStepID(s string) (StepID, error) {
	if err := validate("step", s); err != nil {
		return "", err
	}
	return StepID(s), nil
}

// ParseBotIDs converts a list of raw bot identifiers, failing on the first
// invalid entry.
func ParseBotIDs(raw []string) ([]BotID, error) {
	out := make([]BotID, 0, len(raw))
	for _, s := range raw {
		id, err := ParseBotID(s)
		if err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, nil
}

// NewTurnID derives a turn identifier from its swarm and start time, in the
// form turn_<swarm>_<unixMillis>.
func NewTurnID(swarm SwarmID, at time.Time) TurnID {
	return TurnID(fmt.Sprintf("turn_%s_%d", swarm, at.UnixMilli()))
}

// SwarmID returns the owning swarm of a derived turn identifier. The second
// value is false for externally supplied turn IDs that don't follow the
// derived format.
func (id TurnID) SwarmID() (SwarmID, bool) {
	s, ok := strings.CutPrefix(string(id), "turn_")
	if !ok {
		return "", false
	}
	idx := strings.LastIndex(s, "_")
	if idx <= 0 {
		return "", false
	}
	if _, err := strconv.ParseInt(s[idx+1:], 10, 64); err != nil {
		return "", false
	}
	return SwarmID(s[:idx]), true
}

func validate(kind, s string) error {
	if s == "" {
		return fmt.Errorf("%s id is empty", kind)
	}
	if len(s) > MaxLen {
		return fmt.Errorf("%s id exceeds %d bytes", kind, MaxLen)
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '_', c == '-':
		default:
			return fmt.Errorf("%s id %q contains invalid character %q", kind, s, c)
		}
	}
	return nil
}
