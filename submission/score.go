package submission

import (
	"errors"
	"fmt"
)

// Packing limits imposed by the client's 32-bit score layout.
const (
	maxPackedKills = 0xFFF
	maxPackedTime  = 0x3FFF
	maxPackedCombo = 0x3F

	mixConstant = 0x119DE1F3
)

// ErrCounterOutOfRange reports a counter that does not fit the packed layout.
// Out-of-range counters are rejected, never clamped.
var ErrCounterOutOfRange = errors.New("counter out of packed range")

// ComputeScore recomputes the canonical score from raw counters. The result is
// a pure function of the inputs; the same counters always yield the same score
// on any platform.
func ComputeScore(c *RawCounters) (uint64, error) {
	if c == nil {
		return 0, fmt.Errorf("counters required")
	}
	if c.Kills > maxPackedKills {
		return 0, fmt.Errorf("%w: kills %d > %d", ErrCounterOutOfRange, c.Kills, maxPackedKills)
	}
	if c.TimeAlive > maxPackedTime {
		return 0, fmt.Errorf("%w: time alive %d > %d", ErrCounterOutOfRange, c.TimeAlive, maxPackedTime)
	}
	if c.Combo > maxPackedCombo {
		return 0, fmt.Errorf("%w: combo %d > %d", ErrCounterOutOfRange, c.Combo, maxPackedCombo)
	}
	packed := uint32(c.Kills)<<20 | uint32(c.TimeAlive)<<6 | uint32(c.Combo)
	return uint64(mix32(packed)), nil
}

// mix32 is the client's 32-bit finaliser. Arithmetic wraps modulo 2^32, which
// uint32 gives for free.
func mix32(s uint32) uint32 {
	s = ((s >> 16) ^ s) * mixConstant
	s = ((s >> 16) ^ s) * mixConstant
	return (s >> 16) ^ s
}

// Violation identifies a plausibility rule a submission broke. Violations do
// not affect the score computation; they feed the anti-cheat flagging path.
type Violation string

const (
	ViolationKilledOverSpawned  Violation = "enemies_killed_over_spawned"
	ViolationKillsOverKilled    Violation = "kills_over_enemies_killed"
	ViolationSpreeOverKills     Violation = "killing_spree_over_kills"
	ViolationSpreeOverTimeAlive Violation = "killing_spree_duration_over_time_alive"
)

// CheckPlausibility evaluates the cross-counter consistency rules. It returns
// every violated rule so flag records carry the full evidence.
func CheckPlausibility(c *RawCounters) []Violation {
	if c == nil {
		return nil
	}
	var out []Violation
	if c.EnemiesKilled > c.EnemiesSpawned {
		out = append(out, ViolationKilledOverSpawned)
	}
	if c.Kills > c.EnemiesKilled {
		out = append(out, ViolationKillsOverKilled)
	}
	if uint16(c.MaxKillingSpree) > c.Kills {
		out = append(out, ViolationSpreeOverKills)
	}
	if c.KillingSpreeDuration > c.TimeAlive {
		out = append(out, ViolationSpreeOverTimeAlive)
	}
	return out
}
