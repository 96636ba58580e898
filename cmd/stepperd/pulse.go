package main

import "time"

// PulseGenerator schedules step edges at a fixed interval.
//
// LastEdge advances by whole intervals, so a late poll does not shift the
// cadence. Once the backlog exceeds maxPulseCatchUp edges the schedule is
// re-anchored at the poll time. time.Time values from time.Now carry a
// monotonic reading, so the schedule is unaffected by wall-clock adjustments.
type PulseGenerator struct {
	LastEdge time.Time
	Count    uint64
}

// Reset forgets the schedule; the next enabled poll is due immediately.
func (g *PulseGenerator) Reset() {
	g.LastEdge = time.Time{}
}

// NextDue returns when the next edge is due. ok is false while disabled.
// A zero time means "now".
func (g *PulseGenerator) NextDue(enabled bool, intervalMicros uint32) (due time.Time, ok bool) {
	if !enabled || intervalMicros == 0 {
		return time.Time{}, false
	}
	if g.LastEdge.IsZero() {
		return time.Time{}, true
	}
	return g.LastEdge.Add(time.Duration(intervalMicros) * time.Microsecond), true
}

// Poll returns how many edges are due at now, at most maxPulseCatchUp, and
// advances the schedule past them.
func (g *PulseGenerator) Poll(now time.Time, enabled bool, intervalMicros uint32) int {
	if !enabled || intervalMicros == 0 {
		return 0
	}
	if g.LastEdge.IsZero() {
		g.LastEdge = now
		g.Count++
		return 1
	}

	interval := time.Duration(intervalMicros) * time.Microsecond
	n := 0
	for n < maxPulseCatchUp && !now.Before(g.LastEdge.Add(interval)) {
		g.LastEdge = g.LastEdge.Add(interval)
		n++
	}
	if !now.Before(g.LastEdge.Add(interval)) {
		// Too far behind; drop the backlog.
		g.LastEdge = now
	}
	g.Count += uint64(n)
	return n
}
