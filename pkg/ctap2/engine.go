// Package ctap2 implements the CTAP2 command engine: request decoding,
// authorization, user-presence gating and response encoding for every
// authenticator command. Transport framing stays outside; the engine consumes
// a command byte plus CBOR and produces a status byte plus CBOR.
package ctap2

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"

	"github.com/openfido/fidokey/pkg/crypto"
	"github.com/openfido/fidokey/pkg/ctaptypes"
	"github.com/openfido/fidokey/pkg/hal"
	"github.com/openfido/fidokey/pkg/options"
	"github.com/openfido/fidokey/pkg/storage"
)

const (
	// MaxMsgSize is the largest CTAP2 request the engine accepts.
	MaxMsgSize = 1024
	// MaxCredentialCountInList caps allowList and excludeList processing.
	MaxCredentialCountInList = 10
	// MaxCredBlobLength caps the credBlob extension payload.
	MaxCredBlobLength = 32

	userPresenceTimeout = 30 * time.Second
	resetTimeout        = 10 * time.Second
	resetWindow         = 10 * time.Second
	keepaliveInterval   = 100 * time.Millisecond

	maxPendingAssertions = 10
	maxPINLength         = 63
)

// AAGUID identifies this authenticator model in attested credential data.
var AAGUID = uuid.MustParse("5a3f8e6b-22d4-4c39-9d1e-7b0a41c85f12")

// KeepaliveStatus is reported to the transport layer while the engine waits
// on the user.
type KeepaliveStatus byte

const (
	KeepaliveProcessing   KeepaliveStatus = 1
	KeepaliveUserPresence KeepaliveStatus = 2
)

// KeepaliveFunc is invoked at most every 100 ms during a user-presence wait
// so the transport can emit keepalive frames.
type KeepaliveFunc func(status KeepaliveStatus)

// Engine executes CTAP2 commands against the persistent store and the
// hardware collaborators. It is owned by a single dispatch loop and is not
// safe for concurrent use.
type Engine struct {
	logger  *slog.Logger
	encMode cbor.EncMode

	store  *storage.Store
	clock  hal.Clock
	button hal.Button
	led    hal.LED

	bootTime  time.Time
	keepalive KeepaliveFunc

	keyAgreement       *crypto.KeyAgreement
	pinToken           []byte
	sessionPINFailures int

	pending   *assertionSession
	enum      *enumSession
	blobWrite *largeBlobWrite
}

// New assembles an engine. The reset window opens at construction, which is
// the device's power-on for this purpose.
func New(store *storage.Store, clock hal.Clock, button hal.Button, led hal.LED, opts ...options.Option) (*Engine, error) {
	oo := options.NewOptions(opts...)

	ka, err := crypto.NewKeyAgreement()
	if err != nil {
		return nil, err
	}

	if led == nil {
		led = hal.NopLED{}
	}

	return &Engine{
		logger:       oo.Logger,
		encMode:      oo.EncMode,
		store:        store,
		clock:        clock,
		button:       button,
		led:          led,
		bootTime:     clock.Now(),
		keyAgreement: ka,
	}, nil
}

// SetKeepaliveFunc installs the transport keepalive callback.
func (e *Engine) SetKeepaliveFunc(fn KeepaliveFunc) {
	e.keepalive = fn
}

// HandleCBOR executes one CTAP2 request. The first byte of request selects
// the command, the rest is its CBOR parameter map. The returned slice starts
// with the CTAP2 status byte, followed by the response map on success.
// Cancelling ctx aborts a user-presence wait with CTAP2_ERR_KEEPALIVE_CANCEL.
func (e *Engine) HandleCBOR(ctx context.Context, request []byte) []byte {
	if len(request) == 0 {
		return []byte{byte(ctaptypes.CTAP1_ERR_INVALID_LENGTH)}
	}
	if len(request) > MaxMsgSize {
		return []byte{byte(ctaptypes.CTAP2_ERR_REQUEST_TOO_LARGE)}
	}

	cmd := ctaptypes.Command(request[0])
	e.abortSessions(cmd)

	e.led.SetPattern(hal.LEDPatternProcessing)
	defer e.led.SetPattern(hal.LEDPatternIdle)

	resp, err := e.dispatch(ctx, cmd, request[1:])
	if err != nil {
		status := ctaptypes.CTAP2_ERR_PROCESSING
		var ctapErr *ctaptypes.CTAPError
		if errors.As(err, &ctapErr) {
			status = ctapErr.StatusCode
		}
		e.logger.Debug("command failed",
			slog.String("command", cmd.String()),
			slog.String("status", status.String()),
		)
		return []byte{byte(status)}
	}

	if resp == nil {
		return []byte{byte(ctaptypes.CTAP2_OK)}
	}

	data, err := e.encMode.Marshal(resp)
	if err != nil {
		e.logger.Error("cannot encode response", slog.String("command", cmd.String()))
		return []byte{byte(ctaptypes.CTAP2_ERR_PROCESSING)}
	}
	return append([]byte{byte(ctaptypes.CTAP2_OK)}, data...)
}

func (e *Engine) dispatch(ctx context.Context, cmd ctaptypes.Command, params []byte) (any, error) {
	switch cmd {
	case ctaptypes.AuthenticatorMakeCredential:
		return e.makeCredential(ctx, params)
	case ctaptypes.AuthenticatorGetAssertion:
		return e.getAssertion(ctx, params)
	case ctaptypes.AuthenticatorGetNextAssertion:
		return e.getNextAssertion()
	case ctaptypes.AuthenticatorGetInfo:
		return e.getInfo()
	case ctaptypes.AuthenticatorClientPIN:
		return e.clientPIN(params)
	case ctaptypes.AuthenticatorReset:
		return nil, e.reset(ctx)
	case ctaptypes.AuthenticatorCredentialManagement:
		return e.credentialManagement(params)
	case ctaptypes.AuthenticatorLargeBlobs:
		return e.largeBlobs(params)
	case ctaptypes.AuthenticatorConfig:
		return nil, e.config(params)
	default:
		return nil, ctaptypes.NewCTAPError(cmd, ctaptypes.CTAP1_ERR_INVALID_COMMAND)
	}
}

// abortSessions drops per-session iteration state invalidated by an
// intervening command.
func (e *Engine) abortSessions(cmd ctaptypes.Command) {
	if cmd != ctaptypes.AuthenticatorGetNextAssertion {
		e.pending = nil
	}
	if cmd != ctaptypes.AuthenticatorCredentialManagement {
		e.enum = nil
	}
	if cmd != ctaptypes.AuthenticatorLargeBlobs {
		e.blobWrite = nil
	}
}

// decode unmarshals the request parameter map, mapping malformed CBOR onto
// the protocol error the platform expects.
func (e *Engine) decode(cmd ctaptypes.Command, params []byte, v any) error {
	if err := cbor.Unmarshal(params, v); err != nil {
		return ctaptypes.NewCTAPError(cmd, ctaptypes.CTAP2_ERR_INVALID_CBOR)
	}
	return nil
}

// waitUserPresence blocks until the button is pressed, the timeout passes or
// ctx is cancelled, emitting keepalives while waiting.
func (e *Engine) waitUserPresence(ctx context.Context, cmd ctaptypes.Command, timeout time.Duration) error {
	e.led.SetPattern(hal.LEDPatternUserPresenceRequired)
	defer e.led.SetPattern(hal.LEDPatternProcessing)

	deadline := e.clock.Now().Add(timeout)
	for {
		if ctx.Err() != nil {
			return ctaptypes.NewCTAPError(cmd, ctaptypes.CTAP2_ERR_KEEPALIVE_CANCEL)
		}
		if e.button.Pressed() {
			return nil
		}
		if !e.clock.Now().Before(deadline) {
			return ctaptypes.NewCTAPError(cmd, ctaptypes.CTAP2_ERR_USER_ACTION_TIMEOUT)
		}
		if e.keepalive != nil {
			e.keepalive(KeepaliveUserPresence)
		}
		e.clock.Sleep(keepaliveInterval)
	}
}

// reset wipes the authenticator. It is only honored inside the first ten
// seconds after power-on, so a plugged-in key cannot be wiped by a drive-by
// request later in the session.
func (e *Engine) reset(ctx context.Context) error {
	const cmd = ctaptypes.AuthenticatorReset

	if e.clock.Now().Sub(e.bootTime) > resetWindow {
		return ctaptypes.NewCTAPError(cmd, ctaptypes.CTAP2_ERR_NOT_ALLOWED)
	}

	if err := e.waitUserPresence(ctx, cmd, resetTimeout); err != nil {
		return err
	}

	if err := e.store.Format(); err != nil {
		return ctaptypes.NewCTAPError(cmd, ctaptypes.CTAP2_ERR_PROCESSING)
	}

	ka, err := crypto.NewKeyAgreement()
	if err != nil {
		return ctaptypes.NewCTAPError(cmd, ctaptypes.CTAP2_ERR_PROCESSING)
	}

	crypto.Zeroize(e.pinToken)
	e.keyAgreement = ka
	e.pinToken = nil
	e.sessionPINFailures = 0
	e.pending = nil
	e.enum = nil

	e.logger.Info("authenticator reset")
	return nil
}
