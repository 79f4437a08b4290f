// Package transport arbitrates between the physical transports an
// authenticator exposes. Only one transport may run an operation at a time;
// a locked transport keeps the others out until it unlocks.
package transport

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/openfido/fidokey/pkg/hal"
)

type Type uint8

const (
	TypeUSB Type = iota + 1
	TypeBLE
)

func (t Type) String() string {
	switch t {
	case TypeUSB:
		return "usb"
	case TypeBLE:
		return "ble"
	default:
		return "unknown"
	}
}

var (
	ErrNotRegistered  = errors.New("transport: not registered")
	ErrNotConnected   = errors.New("transport: not connected")
	ErrLocked         = errors.New("transport: locked by another transport")
	ErrBusy           = errors.New("transport: operation in progress")
	ErrPairingBlocked = errors.New("transport: pairing temporarily blocked")
)

// Sender pushes raw frames out over a physical transport.
type Sender interface {
	Send(payload []byte) error
}

// EventKind tags transport lifecycle notifications.
type EventKind uint8

const (
	EventConnected EventKind = iota + 1
	EventDisconnected
	EventNotifyEnabled
	EventPairingCompleted
	EventPairingFailed
	EventEncryptionLost
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventNotifyEnabled:
		return "notify-enabled"
	case EventPairingCompleted:
		return "pairing-completed"
	case EventPairingFailed:
		return "pairing-failed"
	case EventEncryptionLost:
		return "encryption-lost"
	default:
		return "unknown"
	}
}

// Event is a tagged transport notification delivered to the arbiter.
type Event struct {
	Kind      EventKind
	Transport Type
}

const (
	pairingMaxFailures = 3
	pairingBlockPeriod = 60 * time.Second
)

type state struct {
	sender    Sender
	connected bool
}

// Arbiter tracks which transport owns the authenticator. SetActive fails
// while another transport holds the lock; Acquire fails while any operation
// is in flight.
type Arbiter struct {
	mu     sync.Mutex
	logger *slog.Logger
	clock  hal.Clock

	transports map[Type]*state
	active     Type
	lockedBy   Type
	busy       bool

	pairingFailures     int
	pairingBlockedUntil time.Time
}

func NewArbiter(logger *slog.Logger, clock hal.Clock) *Arbiter {
	if logger == nil {
		logger = slog.Default()
	}
	if clock == nil {
		clock = hal.SystemClock()
	}
	return &Arbiter{
		logger:     logger,
		clock:      clock,
		transports: make(map[Type]*state),
	}
}

func (a *Arbiter) Register(t Type, s Sender) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.transports[t] = &state{sender: s}
	a.logger.Debug("transport registered", slog.String("transport", t.String()))
}

// HandleEvent applies a lifecycle notification. Disconnection and encryption
// loss drop the connection and release any session lock the transport held.
// An in-flight operation keeps the arbiter busy until it unwinds through
// Release; aborting it is the dispatcher's job.
func (a *Arbiter) HandleEvent(ev Event) {
	a.mu.Lock()
	defer a.mu.Unlock()

	st, ok := a.transports[ev.Transport]
	if !ok {
		a.logger.Warn("event for unregistered transport",
			slog.String("transport", ev.Transport.String()),
			slog.String("event", ev.Kind.String()),
		)
		return
	}

	a.logger.Debug("transport event",
		slog.String("transport", ev.Transport.String()),
		slog.String("event", ev.Kind.String()),
	)

	switch ev.Kind {
	case EventConnected, EventNotifyEnabled:
		st.connected = true
	case EventDisconnected, EventEncryptionLost:
		st.connected = false
		if a.lockedBy == ev.Transport {
			a.lockedBy = 0
		}
	case EventPairingCompleted:
		a.pairingFailures = 0
	case EventPairingFailed:
		a.pairingFailures++
		if a.pairingFailures >= pairingMaxFailures {
			a.pairingBlockedUntil = a.clock.Now().Add(pairingBlockPeriod)
			a.pairingFailures = 0
			a.logger.Warn("pairing blocked after repeated failures")
		}
	}
}

// PairingAllowed reports whether a new pairing attempt may proceed.
func (a *Arbiter) PairingAllowed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return !a.clock.Now().Before(a.pairingBlockedUntil) || a.pairingBlockedUntil.IsZero()
}

// Acquire marks the transport active for one operation. It fails with
// ErrLocked when another transport holds the lock and with ErrBusy while an
// operation is already in flight.
func (a *Arbiter) Acquire(t Type) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	st, ok := a.transports[t]
	if !ok {
		return ErrNotRegistered
	}
	if !st.connected {
		return ErrNotConnected
	}
	if a.lockedBy != 0 && a.lockedBy != t {
		return ErrLocked
	}
	if a.busy {
		return ErrBusy
	}

	a.busy = true
	a.active = t
	return nil
}

// Release ends the in-flight operation.
func (a *Arbiter) Release(t Type) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.active == t {
		a.busy = false
	}
}

// Lock reserves the authenticator for a transport across multiple
// operations, e.g. for the duration of a BLE session.
func (a *Arbiter) Lock(t Type) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.transports[t]; !ok {
		return ErrNotRegistered
	}
	if a.lockedBy != 0 && a.lockedBy != t {
		return ErrLocked
	}
	a.lockedBy = t
	return nil
}

func (a *Arbiter) Unlock(t Type) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.lockedBy == t {
		a.lockedBy = 0
	}
}

// Active returns the transport owning the in-flight operation, if any.
func (a *Arbiter) Active() (Type, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.active, a.busy
}

func (a *Arbiter) Connected(t Type) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	st, ok := a.transports[t]
	return ok && st.connected
}

// Send pushes a frame out through the given transport.
func (a *Arbiter) Send(t Type, payload []byte) error {
	a.mu.Lock()
	st, ok := a.transports[t]
	a.mu.Unlock()

	if !ok {
		return ErrNotRegistered
	}
	return st.sender.Send(payload)
}
