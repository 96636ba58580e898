package main

import "fmt"

// SpeedDirection selects which way an adjustment moves the pulse interval.
type SpeedDirection int

const (
	Faster SpeedDirection = iota + 1
	Slower
)

func (d SpeedDirection) String() string {
	switch d {
	case Faster:
		return "faster"
	case Slower:
		return "slower"
	default:
		return "unknown"
	}
}

func (d SpeedDirection) MarshalText() ([]byte, error) {
	if d != Faster && d != Slower {
		return nil, fmt.Errorf("invalid speed direction %d", int(d))
	}
	return []byte(d.String()), nil
}

func (d *SpeedDirection) UnmarshalText(b []byte) error {
	switch string(b) {
	case "faster", "up":
		*d = Faster
	case "slower", "down":
		*d = Slower
	default:
		return ValidationError{Param: "direction", Reason: fmt.Sprintf("invalid speed direction %q", string(b))}
	}
	return nil
}

// Adjust moves the interval by step microseconds. Faster shortens the interval,
// floored at the mode minimum; Slower lengthens it, capped at the maximum.
// Out-of-range requests clamp rather than fail.
func (t PulseTiming) Adjust(dir SpeedDirection, step uint32) PulseTiming {
	switch dir {
	case Faster:
		if t.IntervalMicros < t.MinIntervalMicros+step {
			t.IntervalMicros = t.MinIntervalMicros
		} else {
			t.IntervalMicros -= step
		}
	case Slower:
		t.IntervalMicros = clamp(t.IntervalMicros+step, t.MinIntervalMicros, t.MaxIntervalMicros)
	}
	return t
}

// RevolutionsPerSecond is the approximate rotational rate for a pulse interval.
func RevolutionsPerSecond(intervalMicros uint32, pulsesPerRev int) float64 {
	if intervalMicros == 0 || pulsesPerRev <= 0 {
		return 0
	}
	return 1e6 / (float64(intervalMicros) * float64(pulsesPerRev))
}
