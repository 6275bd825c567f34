package settlement

import (
	"time"

	"github.com/alanyoungcy/drawsettle/internal/domain"
)

// State is where a position sits in the close workflow.
type State int

const (
	StateOpen State = iota
	StateClosable
	StateSettling
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateClosable:
		return "closable"
	case StateSettling:
		return "settling"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Describe derives the state from the on-chain record. canClose is the
// contract's own verdict; both it and the lock period must allow closing.
func Describe(p domain.Position, now time.Time, lock time.Duration, canClose, settling bool) (State, int64) {
	if !p.IsOpen {
		return StateClosed, 0
	}
	if settling {
		return StateSettling, 0
	}
	remaining := Remaining(p, now, lock)
	if remaining > 0 || !canClose {
		return StateOpen, remaining
	}
	return StateClosable, 0
}

// Remaining is openTimestamp + lock − now in whole seconds, floored at 0.
func Remaining(p domain.Position, now time.Time, lock time.Duration) int64 {
	r := p.OpenTimestamp + int64(lock/time.Second) - now.Unix()
	if r < 0 {
		return 0
	}
	return r
}

// View is the API representation of a position's settlement state.
type View struct {
	PositionID       uint64 `json:"position_id"`
	Owner            string `json:"owner"`
	State            State  `json:"state"`
	RemainingSeconds int64  `json:"remaining_seconds"`
	OpenTimestamp    int64  `json:"open_timestamp"`
	Leverage         uint16 `json:"leverage"`
	Amount           string `json:"amount"`
	Funding          string `json:"funding"`
	User             string `json:"user,omitempty"`
}
