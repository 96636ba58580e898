package main

import (
	"bytes"
	"encoding/binary"
	"sync/atomic"

	rpio "github.com/stianeikeland/go-rpio/v4"
)

// Button backends
const (
	ButtonBackendRPIO  = "rpio"
	ButtonBackendEvdev = "evdev"
	ButtonBackendNone  = "none"
)

// ============================================================================
// Polled GPIO buttons
// ============================================================================

// rpioButtons samples the button pins directly. The caller owns rpio.Open/rpio.Close.
type rpioButtons struct {
	pins [numButtons]rpio.Pin
}

func newRPIOButtons(motorPin, directionPin int, pullUp bool) *rpioButtons {
	b := &rpioButtons{pins: [numButtons]rpio.Pin{
		ButtonMotor:     rpio.Pin(motorPin),
		ButtonDirection: rpio.Pin(directionPin),
	}}
	for _, p := range b.pins {
		p.Mode(rpio.Input)
		if pullUp {
			p.Pull(rpio.PullUp)
		} else {
			p.Pull(rpio.PullDown)
		}
	}
	return b
}

func (b *rpioButtons) Sample() ButtonLevels {
	var lv ButtonLevels
	for i, p := range b.pins {
		if p.Read() == rpio.High {
			lv[i] = LevelHigh
		}
	}
	return lv
}

// idleButtons reports every button released. Used when no buttons are wired.
type idleButtons struct {
	level Level
}

func (b idleButtons) Sample() ButtonLevels {
	var lv ButtonLevels
	for i := range lv {
		lv[i] = b.level
	}
	return lv
}

// ============================================================================
// evdev (gpio-keys) buttons
// ============================================================================

// Linux input event types and key values.
const (
	evKey = 0x01

	keyReleased = 0
	keyPressed  = 1
	keyRepeat   = 2
)

// inputEvent represents a Linux input event structure
// struct input_event { struct timeval time; __u16 type; __u16 code; __s32 value; };
type inputEvent struct {
	Sec   int64
	Usec  int64
	Type  uint16
	Code  uint16
	Value int32
}

var inputEventSize = binary.Size(inputEvent{})

func decodeInputEvent(buf []byte) (inputEvent, error) {
	var ev inputEvent
	err := binary.Read(bytes.NewReader(buf), binary.LittleEndian, &ev)
	return ev, err
}

// keyButtons holds button levels fed by a key-event reader goroutine.
// The reader writes, the daemon loop samples.
type keyButtons struct {
	keymap   map[uint16]ButtonID
	polarity ButtonPolarity
	levels   [numButtons]atomic.Uint32
}

func newKeyButtons(keymap map[uint16]ButtonID, polarity ButtonPolarity) *keyButtons {
	b := &keyButtons{keymap: keymap, polarity: polarity}
	for i := range b.levels {
		b.levels[i].Store(uint32(polarity.Idle()))
	}
	return b
}

// Apply folds one input event into the button levels. It reports whether the
// event belonged to a mapped key.
func (b *keyButtons) Apply(ev inputEvent) bool {
	if ev.Type != evKey {
		return false
	}
	id, ok := b.keymap[ev.Code]
	if !ok {
		return false
	}
	var lv Level
	switch ev.Value {
	case keyPressed:
		lv = pressedLevel(b.polarity)
	case keyReleased:
		lv = b.polarity.Idle()
	case keyRepeat:
		return true
	default:
		return false
	}
	b.levels[id].Store(uint32(lv))
	return true
}

func (b *keyButtons) Sample() ButtonLevels {
	var lv ButtonLevels
	for i := range b.levels {
		lv[i] = Level(b.levels[i].Load())
	}
	return lv
}

func pressedLevel(p ButtonPolarity) Level {
	if p.Idle() == LevelHigh {
		return LevelLow
	}
	return LevelHigh
}
