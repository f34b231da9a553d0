// Package warmup ramps new mailboxes from a trickle to their full daily
// volume and graduates them out of warmup once the ramp reaches the base
// limit.
package warmup

import "github.com/reachforge/outreach/internal/store"

// LinearRamp builds a ramp that starts at start on day zero and grows by
// step per day, capped at the mailbox base limit.
func LinearRamp(start, step int) store.RampFunc {
	return func(day, base int) int {
		if day < 0 {
			day = 0
		}
		v := start + step*day
		if v > base {
			return base
		}
		return v
	}
}

// DoublingRamp doubles the volume each day from start, capped at base.
// Aggressive; suited to mailboxes moving between providers with existing
// reputation.
func DoublingRamp(start int) store.RampFunc {
	return func(day, base int) int {
		if start < 1 {
			start = 1
		}
		v := start
		for i := 0; i < day; i++ {
			v *= 2
			if v >= base {
				return base
			}
		}
		if v > base {
			return base
		}
		return v
	}
}

// DefaultRamp is the stock schedule: 10 emails on day zero, 15 more each
// day after. A 100/day mailbox reaches full volume on day six.
var DefaultRamp = LinearRamp(10, 15)

// GraduatesOn reports whether a mailbox with the given base limit has
// reached full volume by the given warmup day under the ramp.
func GraduatesOn(ramp store.RampFunc, day, base int) bool {
	return ramp(day, base) >= base
}
