// Package hal defines the hardware collaborators the authenticator core is
// wired to. Production builds provide platform implementations; tests use
// the haltest package.
package hal

import "time"

// Clock abstracts time so reassembly deadlines, the reset window and
// user-presence timeouts stay testable.
type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
}

type systemClock struct{}

func (systemClock) Now() time.Time        { return time.Now() }
func (systemClock) Sleep(d time.Duration) { time.Sleep(d) }

// SystemClock returns a Clock backed by the wall clock.
func SystemClock() Clock { return systemClock{} }

// Button reports the physical user-presence control. Pressed consumes a
// pending press, so two consecutive calls never confirm the same touch.
type Button interface {
	Pressed() bool
}

// LEDPattern selects a visual state for the device LED.
type LEDPattern uint8

const (
	LEDPatternIdle LEDPattern = iota
	LEDPatternProcessing
	LEDPatternUserPresenceRequired
	LEDPatternError
)

type LED interface {
	SetPattern(p LEDPattern)
}

// NopLED discards all pattern changes.
type NopLED struct{}

func (NopLED) SetPattern(LEDPattern) {}
