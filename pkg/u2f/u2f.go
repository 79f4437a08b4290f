// Package u2f implements the CTAP1/U2F command engine. Requests arrive as
// raw APDUs from the CTAPHID MSG pipeline; responses carry their status word
// in the trailing two bytes.
// https://fidoalliance.org/specs/fido-u2f-v1.2-ps-20170411/fido-u2f-raw-message-formats-v1.2-ps-20170411.html
package u2f

import (
	"bytes"
	"context"
	"crypto/x509"
	"encoding/binary"
	"errors"
	"log/slog"
	"time"

	"github.com/ldclabs/cose/iana"

	"github.com/openfido/fidokey/pkg/crypto"
	"github.com/openfido/fidokey/pkg/ctap2"
	"github.com/openfido/fidokey/pkg/hal"
	"github.com/openfido/fidokey/pkg/options"
	"github.com/openfido/fidokey/pkg/storage"
)

const (
	insRegister     = 0x01
	insAuthenticate = 0x02
	insVersion      = 0x03

	// P1 values for AUTHENTICATE.
	authCheckOnly           = 0x07
	authEnforceUserPresence = 0x03
	authDontEnforcePresence = 0x08

	userPresenceTimeout = 30 * time.Second
	keepaliveInterval   = 100 * time.Millisecond

	registerReserved = 0x05
	uncompressedTag  = 0x04
	userPresenceFlag = 0x01
)

// Status words per the U2F raw message format.
const (
	swNoError                = 0x9000
	swConditionsNotSatisfied = 0x6985
	swWrongData              = 0x6a80
	swInsNotSupported        = 0x6d00
)

var (
	errWrongData              = errors.New("u2f: wrong data")
	errConditionsNotSatisfied = errors.New("u2f: conditions not satisfied")
	errInsNotSupported        = errors.New("u2f: instruction not supported")
)

func statusWord(err error) uint16 {
	switch {
	case err == nil:
		return swNoError
	case errors.Is(err, errConditionsNotSatisfied):
		return swConditionsNotSatisfied
	case errors.Is(err, errInsNotSupported):
		return swInsNotSupported
	default:
		return swWrongData
	}
}

// Engine executes U2F commands against the shared credential store. Like the
// CTAP2 engine it is owned by a single dispatch loop.
type Engine struct {
	logger *slog.Logger

	store  *storage.Store
	clock  hal.Clock
	button hal.Button
	led    hal.LED

	keepalive ctap2.KeepaliveFunc
}

func New(store *storage.Store, clock hal.Clock, button hal.Button, led hal.LED, opts ...options.Option) *Engine {
	oo := options.NewOptions(opts...)

	if led == nil {
		led = hal.NopLED{}
	}

	return &Engine{
		logger: oo.Logger,
		store:  store,
		clock:  clock,
		button: button,
		led:    led,
	}
}

// SetKeepaliveFunc installs the transport keepalive callback.
func (e *Engine) SetKeepaliveFunc(fn ctap2.KeepaliveFunc) {
	e.keepalive = fn
}

// HandleAPDU executes one raw APDU and returns the response data with the
// status word appended. Errors never escape as Go errors; they become status
// words.
func (e *Engine) HandleAPDU(ctx context.Context, raw []byte) []byte {
	data, err := e.dispatch(ctx, raw)
	sw := statusWord(err)
	if err != nil {
		e.logger.Warn("APDU failed", slog.Int("sw", int(sw)))
		data = nil
	}
	return binary.BigEndian.AppendUint16(data, sw)
}

func (e *Engine) dispatch(ctx context.Context, raw []byte) ([]byte, error) {
	apdu, err := parseAPDU(raw)
	if err != nil {
		return nil, err
	}

	e.led.SetPattern(hal.LEDPatternProcessing)
	defer e.led.SetPattern(hal.LEDPatternIdle)

	switch apdu.INS {
	case insVersion:
		return e.version(apdu)
	case insRegister:
		return e.register(ctx, apdu)
	case insAuthenticate:
		return e.authenticate(ctx, apdu)
	default:
		return nil, errInsNotSupported
	}
}

func (e *Engine) version(apdu *APDU) ([]byte, error) {
	if len(apdu.Data) != 0 {
		return nil, errWrongData
	}
	return []byte("U2F_V2"), nil
}

// register creates a non-resident P-256 credential bound to the application
// parameter and returns the raw registration response.
func (e *Engine) register(ctx context.Context, apdu *APDU) ([]byte, error) {
	if len(apdu.Data) != 64 {
		return nil, errWrongData
	}
	challenge, application := apdu.Data[:32], apdu.Data[32:]

	if err := e.waitUserPresence(ctx); err != nil {
		return nil, err
	}

	priv, err := crypto.ECDSAGenerateKey()
	if err != nil {
		return nil, err
	}
	privDER, err := x509.MarshalECPrivateKey(priv)
	if err != nil {
		return nil, err
	}
	defer crypto.Zeroize(privDER)

	handle, err := crypto.Random(storage.CredentialIDLength)
	if err != nil {
		return nil, err
	}

	cred := &storage.Credential{
		ID:         handle,
		RPIDHash:   bytes.Clone(application),
		Algorithm:  iana.AlgorithmES256,
		PrivateKey: bytes.Clone(privDER),
	}
	if err := e.store.AddCredential(cred); err != nil {
		return nil, err
	}

	ecdhPub, err := priv.PublicKey.ECDH()
	if err != nil {
		return nil, err
	}
	pub := ecdhPub.Bytes()

	attKey, err := e.store.AttestationKey()
	if err != nil {
		return nil, err
	}
	cert := e.store.AttestationCert()

	// Signature base per the raw message format: a reserved zero byte, the
	// application and challenge parameters, the key handle and the public key.
	digest := crypto.SHA256([]byte{0x00}, application, challenge, handle, pub)
	sig, err := crypto.ECDSASignASN1(attKey, digest)
	if err != nil {
		return nil, err
	}

	resp := make([]byte, 0, 2+len(pub)+1+len(handle)+len(cert)+len(sig))
	resp = append(resp, registerReserved)
	resp = append(resp, pub...)
	resp = append(resp, byte(len(handle)))
	resp = append(resp, handle...)
	resp = append(resp, cert...)
	resp = append(resp, sig...)

	e.logger.Info("U2F credential registered", slog.Int("handleLen", len(handle)))
	return resp, nil
}

func (e *Engine) authenticate(ctx context.Context, apdu *APDU) ([]byte, error) {
	if len(apdu.Data) < 65 {
		return nil, errWrongData
	}
	challenge := apdu.Data[:32]
	application := apdu.Data[32:64]
	handleLen := int(apdu.Data[64])
	handle := apdu.Data[65:]
	if len(handle) != handleLen {
		return nil, errWrongData
	}

	cred, err := e.store.CredentialByID(handle)
	if err != nil {
		return nil, errWrongData
	}
	if !bytes.Equal(cred.RPIDHash, application) {
		return nil, errWrongData
	}

	if apdu.P1 == authCheckOnly {
		// The handle is valid; tell the host to retry with presence.
		return nil, errConditionsNotSatisfied
	}
	if apdu.P1 != authEnforceUserPresence && apdu.P1 != authDontEnforcePresence {
		return nil, errWrongData
	}

	flags := byte(0)
	if apdu.P1 == authEnforceUserPresence {
		if err := e.waitUserPresence(ctx); err != nil {
			return nil, err
		}
		flags |= userPresenceFlag
	}

	counter, err := e.store.NextSignCount()
	if err != nil {
		return nil, err
	}
	if err := e.store.UpdateSignCount(cred.ID, counter); err != nil {
		return nil, err
	}
	var counterBE [4]byte
	binary.BigEndian.PutUint32(counterBE[:], counter)

	priv, err := cred.ECDSAPrivateKey()
	if err != nil {
		return nil, err
	}
	digest := crypto.SHA256(application, []byte{flags}, counterBE[:], challenge)
	sig, err := crypto.ECDSASignASN1(priv, digest)
	if err != nil {
		return nil, err
	}

	resp := make([]byte, 0, 5+len(sig))
	resp = append(resp, flags)
	resp = append(resp, counterBE[:]...)
	resp = append(resp, sig...)
	return resp, nil
}

func (e *Engine) waitUserPresence(ctx context.Context) error {
	e.led.SetPattern(hal.LEDPatternUserPresenceRequired)
	defer e.led.SetPattern(hal.LEDPatternProcessing)

	deadline := e.clock.Now().Add(userPresenceTimeout)
	for {
		if ctx.Err() != nil {
			return errConditionsNotSatisfied
		}
		if e.button.Pressed() {
			return nil
		}
		if !e.clock.Now().Before(deadline) {
			return errConditionsNotSatisfied
		}
		if e.keepalive != nil {
			e.keepalive(ctap2.KeepaliveUserPresence)
		}
		e.clock.Sleep(keepaliveInterval)
	}
}
