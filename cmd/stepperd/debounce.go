package main

import "time"

// Level is a sampled digital input level.
type Level uint8

const (
	LevelLow Level = iota
	LevelHigh
)

func (l Level) String() string {
	if l == LevelHigh {
		return "high"
	}
	return "low"
}

// Edge is a stable level transition reported by the debouncer.
type Edge uint8

const (
	EdgeRising Edge = iota + 1
	EdgeFalling
)

func (e Edge) String() string {
	switch e {
	case EdgeRising:
		return "rising"
	case EdgeFalling:
		return "falling"
	default:
		return "none"
	}
}

// ButtonID indexes the debounce table.
type ButtonID int

const (
	// ButtonMotor is the dual-purpose enable/disable/limit button.
	ButtonMotor ButtonID = iota
	// ButtonDirection toggles direction and qualifies ButtonMotor as a limit event while held.
	ButtonDirection

	numButtons
)

func (b ButtonID) String() string {
	switch b {
	case ButtonMotor:
		return "motor"
	case ButtonDirection:
		return "direction"
	default:
		return "unknown"
	}
}

// ButtonLevels is one raw sample of every button.
type ButtonLevels [numButtons]Level

// DebouncedButton converts raw samples into stable edges.
type DebouncedButton struct {
	Raw        Level
	Stable     Level
	LastChange time.Time
}

// Poll feeds one raw sample. Any raw change restarts the debounce timer; an edge is
// reported only once the raw level has held for at least window. A level that is
// already stable never produces a second edge.
func (b *DebouncedButton) Poll(raw Level, now time.Time, window time.Duration) (Edge, bool) {
	if raw != b.Raw {
		b.Raw = raw
		b.LastChange = now
		return 0, false
	}
	if b.Raw == b.Stable || now.Sub(b.LastChange) < window {
		return 0, false
	}
	b.Stable = b.Raw
	if b.Stable == LevelHigh {
		return EdgeRising, true
	}
	return EdgeFalling, true
}

// DebounceTable holds per-button debounce state.
type DebounceTable [numButtons]DebouncedButton

// NewDebounceTable starts every button at the idle level.
func NewDebounceTable(idle Level) DebounceTable {
	var t DebounceTable
	for i := range t {
		t[i] = DebouncedButton{Raw: idle, Stable: idle}
	}
	return t
}

// Poll debounces one button.
func (t *DebounceTable) Poll(id ButtonID, raw Level, now time.Time, window time.Duration) (Edge, bool) {
	if id < 0 || id >= numButtons {
		return 0, false
	}
	return t[id].Poll(raw, now, window)
}

// ButtonPolarity maps levels to pressed/released for the wiring in use.
type ButtonPolarity struct {
	ActiveLow bool
}

// Idle is the released level.
func (p ButtonPolarity) Idle() Level {
	if p.ActiveLow {
		return LevelHigh
	}
	return LevelLow
}

// Pressed reports whether level means "pressed".
func (p ButtonPolarity) Pressed(l Level) bool {
	return l != p.Idle()
}

// PressEdge reports whether e is the released→pressed transition.
func (p ButtonPolarity) PressEdge(e Edge) bool {
	if p.ActiveLow {
		return e == EdgeFalling
	}
	return e == EdgeRising
}
