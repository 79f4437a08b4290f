// Package haltest provides deterministic hal implementations for tests.
package haltest

import (
	"sync"
	"time"

	"github.com/openfido/fidokey/pkg/hal"
)

// ManualClock starts at a fixed instant and only moves when advanced.
// Sleep advances it by the requested duration, so timeout loops terminate
// without real waiting.
type ManualClock struct {
	mu  sync.Mutex
	now time.Time
}

func NewManualClock() *ManualClock {
	return &ManualClock{now: time.Unix(1700000000, 0)}
}

func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *ManualClock) Sleep(d time.Duration) {
	c.Advance(d)
}

func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

var _ hal.Clock = (*ManualClock)(nil)

// Button is a scripted user-presence control. PressAfter sets how many polls
// pass before the press registers; zero means the very first poll succeeds.
type Button struct {
	mu         sync.Mutex
	PressAfter int
	polls      int
	down       bool
}

// Press arms the button so the next poll (after PressAfter misses) consumes it.
func (b *Button) Press() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.down = true
}

func (b *Button) Pressed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.down {
		return false
	}
	if b.polls < b.PressAfter {
		b.polls++
		return false
	}
	b.down = false
	b.polls = 0
	return true
}

var _ hal.Button = (*Button)(nil)

// LED records every pattern change.
type LED struct {
	mu       sync.Mutex
	Patterns []hal.LEDPattern
}

func (l *LED) SetPattern(p hal.LEDPattern) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Patterns = append(l.Patterns, p)
}

func (l *LED) Last() (hal.LEDPattern, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.Patterns) == 0 {
		return 0, false
	}
	return l.Patterns[len(l.Patterns)-1], true
}

var _ hal.LED = (*LED)(nil)
