package ctap2

import (
	"context"

	"github.com/openfido/fidokey/pkg/crypto/protocolone"
	"github.com/openfido/fidokey/pkg/ctaptypes"
)

// verifyPinAuth checks a pinUvAuthParam computed as
// HMAC-SHA-256(pinToken, message)[:16] under PIN protocol one.
func (e *Engine) verifyPinAuth(cmd ctaptypes.Command, protocol ctaptypes.PinUvAuthProtocol, message, pinAuth []byte) error {
	if protocol != ctaptypes.PinUvAuthProtocolOne {
		return ctaptypes.NewCTAPError(cmd, ctaptypes.CTAP2_ERR_PIN_AUTH_INVALID)
	}
	if e.pinToken == nil {
		return ctaptypes.NewCTAPError(cmd, ctaptypes.CTAP2_ERR_PIN_AUTH_INVALID)
	}
	if !protocolone.Verify(e.pinToken, message, pinAuth) {
		return ctaptypes.NewCTAPError(cmd, ctaptypes.CTAP2_ERR_PIN_AUTH_INVALID)
	}
	return nil
}

// handlePinAuthProbe answers a zero-length pinUvAuthParam, which platforms
// send to discover whether a PIN is set. User presence is collected first so
// the probe cannot be used to fingerprint the device silently.
func (e *Engine) handlePinAuthProbe(ctx context.Context, cmd ctaptypes.Command) error {
	if err := e.waitUserPresence(ctx, cmd, userPresenceTimeout); err != nil {
		return err
	}
	if e.store.PINSet() {
		return ctaptypes.NewCTAPError(cmd, ctaptypes.CTAP2_ERR_PIN_INVALID)
	}
	return ctaptypes.NewCTAPError(cmd, ctaptypes.CTAP2_ERR_PIN_NOT_SET)
}
