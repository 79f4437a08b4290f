package ctap2

import (
	"bytes"
	"crypto/subtle"

	"github.com/openfido/fidokey/pkg/crypto"
	"github.com/openfido/fidokey/pkg/crypto/protocolone"
	"github.com/openfido/fidokey/pkg/ctaptypes"
)

// maxSessionPINFailures forces a replug after three consecutive PIN
// mismatches in one power cycle, independent of the persistent retry budget.
const maxSessionPINFailures = 3

func (e *Engine) clientPIN(params []byte) (*ctaptypes.AuthenticatorClientPINResponse, error) {
	const cmd = ctaptypes.AuthenticatorClientPIN

	req := new(ctaptypes.AuthenticatorClientPINRequest)
	if err := e.decode(cmd, params, req); err != nil {
		return nil, err
	}

	switch req.SubCommand {
	case ctaptypes.ClientPINSubCommandGetPINRetries:
		retries := uint(e.store.PINRetries())
		return &ctaptypes.AuthenticatorClientPINResponse{PinRetries: &retries}, nil
	case ctaptypes.ClientPINSubCommandGetKeyAgreement:
		if req.PinUvAuthProtocol != ctaptypes.PinUvAuthProtocolOne {
			return nil, ctaptypes.NewCTAPError(cmd, ctaptypes.CTAP2_ERR_PIN_INVALID)
		}
		return &ctaptypes.AuthenticatorClientPINResponse{
			KeyAgreement: e.keyAgreement.PublicKey(),
		}, nil
	case ctaptypes.ClientPINSubCommandSetPIN:
		return nil, e.setPIN(req)
	case ctaptypes.ClientPINSubCommandChangePIN:
		return nil, e.changePIN(req)
	case ctaptypes.ClientPINSubCommandGetPinToken:
		return e.getPINToken(req)
	default:
		return nil, ctaptypes.NewCTAPError(cmd, ctaptypes.CTAP2_ERR_INVALID_SUBCOMMAND)
	}
}

// pinSharedSecret runs the authenticator half of the protocol-one key
// agreement against the platform key in the request.
func (e *Engine) pinSharedSecret(req *ctaptypes.AuthenticatorClientPINRequest) ([]byte, error) {
	const cmd = ctaptypes.AuthenticatorClientPIN

	if req.PinUvAuthProtocol != ctaptypes.PinUvAuthProtocolOne {
		return nil, ctaptypes.NewCTAPError(cmd, ctaptypes.CTAP2_ERR_PIN_INVALID)
	}
	if req.KeyAgreement == nil {
		return nil, ctaptypes.NewCTAPError(cmd, ctaptypes.CTAP2_ERR_MISSING_PARAMETER)
	}

	z, err := e.keyAgreement.SharedSecret(req.KeyAgreement)
	if err != nil {
		return nil, ctaptypes.NewCTAPError(cmd, ctaptypes.CTAP1_ERR_INVALID_PARAMETER)
	}
	defer crypto.Zeroize(z)

	return protocolone.KDF(z), nil
}

func (e *Engine) setPIN(req *ctaptypes.AuthenticatorClientPINRequest) error {
	const cmd = ctaptypes.AuthenticatorClientPIN

	if e.store.PINSet() {
		return ctaptypes.NewCTAPError(cmd, ctaptypes.CTAP2_ERR_PIN_AUTH_INVALID)
	}
	if len(req.NewPinEnc) == 0 || len(req.PinUvAuthParam) == 0 {
		return ctaptypes.NewCTAPError(cmd, ctaptypes.CTAP2_ERR_MISSING_PARAMETER)
	}

	sharedSecret, err := e.pinSharedSecret(req)
	if err != nil {
		return err
	}
	defer crypto.Zeroize(sharedSecret)

	if !protocolone.Verify(sharedSecret, req.NewPinEnc, req.PinUvAuthParam) {
		return ctaptypes.NewCTAPError(cmd, ctaptypes.CTAP2_ERR_PIN_AUTH_INVALID)
	}

	pin, err := e.decryptNewPIN(sharedSecret, req.NewPinEnc)
	if err != nil {
		return err
	}
	defer crypto.Zeroize(pin)

	if err := e.store.SetPINHash(crypto.SHA256(pin)); err != nil {
		return ctaptypes.NewCTAPError(cmd, ctaptypes.CTAP2_ERR_PROCESSING)
	}
	e.logger.Info("PIN set")
	return nil
}

func (e *Engine) changePIN(req *ctaptypes.AuthenticatorClientPINRequest) error {
	const cmd = ctaptypes.AuthenticatorClientPIN

	if len(req.NewPinEnc) == 0 || len(req.PinHashEnc) == 0 || len(req.PinUvAuthParam) == 0 {
		return ctaptypes.NewCTAPError(cmd, ctaptypes.CTAP2_ERR_MISSING_PARAMETER)
	}

	sharedSecret, err := e.pinSharedSecret(req)
	if err != nil {
		return err
	}
	defer crypto.Zeroize(sharedSecret)

	message := make([]byte, 0, len(req.NewPinEnc)+len(req.PinHashEnc))
	message = append(message, req.NewPinEnc...)
	message = append(message, req.PinHashEnc...)
	if !protocolone.Verify(sharedSecret, message, req.PinUvAuthParam) {
		return ctaptypes.NewCTAPError(cmd, ctaptypes.CTAP2_ERR_PIN_AUTH_INVALID)
	}

	if err := e.verifyPINHashEnc(sharedSecret, req.PinHashEnc); err != nil {
		return err
	}

	pin, err := e.decryptNewPIN(sharedSecret, req.NewPinEnc)
	if err != nil {
		return err
	}
	defer crypto.Zeroize(pin)

	if err := e.store.SetPINHash(crypto.SHA256(pin)); err != nil {
		return ctaptypes.NewCTAPError(cmd, ctaptypes.CTAP2_ERR_PROCESSING)
	}
	e.logger.Info("PIN changed")
	return nil
}

func (e *Engine) getPINToken(req *ctaptypes.AuthenticatorClientPINRequest) (*ctaptypes.AuthenticatorClientPINResponse, error) {
	const cmd = ctaptypes.AuthenticatorClientPIN

	if len(req.PinHashEnc) == 0 {
		return nil, ctaptypes.NewCTAPError(cmd, ctaptypes.CTAP2_ERR_MISSING_PARAMETER)
	}
	if e.store.ForcePINChange() {
		return nil, ctaptypes.NewCTAPError(cmd, ctaptypes.CTAP2_ERR_PIN_POLICY_VIOLATION)
	}

	sharedSecret, err := e.pinSharedSecret(req)
	if err != nil {
		return nil, err
	}
	defer crypto.Zeroize(sharedSecret)

	if err := e.verifyPINHashEnc(sharedSecret, req.PinHashEnc); err != nil {
		return nil, err
	}

	token, err := crypto.Random(32)
	if err != nil {
		return nil, ctaptypes.NewCTAPError(cmd, ctaptypes.CTAP2_ERR_PROCESSING)
	}
	crypto.Zeroize(e.pinToken)
	e.pinToken = token

	tokenEnc, err := protocolone.Encrypt(sharedSecret, token)
	if err != nil {
		return nil, ctaptypes.NewCTAPError(cmd, ctaptypes.CTAP2_ERR_PROCESSING)
	}

	return &ctaptypes.AuthenticatorClientPINResponse{PinUvAuthToken: tokenEnc}, nil
}

// verifyPINHashEnc decrements the retry budget before the comparison, so a
// pulled plug cannot preserve retries, and restores it on a match.
func (e *Engine) verifyPINHashEnc(sharedSecret, pinHashEnc []byte) error {
	const cmd = ctaptypes.AuthenticatorClientPIN

	if !e.store.PINSet() {
		return ctaptypes.NewCTAPError(cmd, ctaptypes.CTAP2_ERR_PIN_NOT_SET)
	}
	if e.store.PINRetries() == 0 {
		return ctaptypes.NewCTAPError(cmd, ctaptypes.CTAP2_ERR_PIN_BLOCKED)
	}
	if e.sessionPINFailures >= maxSessionPINFailures {
		return ctaptypes.NewCTAPError(cmd, ctaptypes.CTAP2_ERR_PIN_AUTH_BLOCKED)
	}

	if err := e.store.DecrementPINRetries(); err != nil {
		return ctaptypes.NewCTAPError(cmd, ctaptypes.CTAP2_ERR_PROCESSING)
	}

	pinHash, err := protocolone.Decrypt(sharedSecret, pinHashEnc)
	if err != nil || len(pinHash) != 16 {
		return ctaptypes.NewCTAPError(cmd, ctaptypes.CTAP1_ERR_INVALID_PARAMETER)
	}
	defer crypto.Zeroize(pinHash)

	if subtle.ConstantTimeCompare(pinHash, e.store.PINHash()[:16]) != 1 {
		// A mismatch invalidates the key agreement so the platform has to
		// renegotiate before retrying.
		ka, kaErr := crypto.NewKeyAgreement()
		if kaErr == nil {
			e.keyAgreement = ka
		}
		e.sessionPINFailures++

		switch {
		case e.store.PINRetries() == 0:
			return ctaptypes.NewCTAPError(cmd, ctaptypes.CTAP2_ERR_PIN_BLOCKED)
		case e.sessionPINFailures >= maxSessionPINFailures:
			return ctaptypes.NewCTAPError(cmd, ctaptypes.CTAP2_ERR_PIN_AUTH_BLOCKED)
		default:
			return ctaptypes.NewCTAPError(cmd, ctaptypes.CTAP2_ERR_PIN_INVALID)
		}
	}

	e.sessionPINFailures = 0
	if err := e.store.ResetPINRetries(); err != nil {
		return ctaptypes.NewCTAPError(cmd, ctaptypes.CTAP2_ERR_PROCESSING)
	}
	return nil
}

// decryptNewPIN unwraps the padded 64-byte newPinEnc block and applies the
// PIN length policy.
func (e *Engine) decryptNewPIN(sharedSecret, newPinEnc []byte) ([]byte, error) {
	const cmd = ctaptypes.AuthenticatorClientPIN

	if len(newPinEnc) != 64 {
		return nil, ctaptypes.NewCTAPError(cmd, ctaptypes.CTAP1_ERR_INVALID_PARAMETER)
	}

	padded, err := protocolone.Decrypt(sharedSecret, newPinEnc)
	if err != nil {
		return nil, ctaptypes.NewCTAPError(cmd, ctaptypes.CTAP1_ERR_INVALID_PARAMETER)
	}

	pin := bytes.TrimRight(padded, "\x00")
	if uint(len(pin)) < e.store.MinPINLength() || len(pin) > maxPINLength {
		crypto.Zeroize(padded)
		return nil, ctaptypes.NewCTAPError(cmd, ctaptypes.CTAP2_ERR_PIN_POLICY_VIOLATION)
	}
	return pin, nil
}
