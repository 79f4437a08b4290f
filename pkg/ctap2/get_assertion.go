package ctap2

import (
	"bytes"
	"context"
	"crypto/ed25519"

	"github.com/fxamacker/cbor/v2"
	"github.com/ldclabs/cose/iana"
	"github.com/samber/mo"

	"github.com/openfido/fidokey/pkg/crypto"
	"github.com/openfido/fidokey/pkg/crypto/protocolone"
	"github.com/openfido/fidokey/pkg/ctaptypes"
	"github.com/openfido/fidokey/pkg/storage"
	"github.com/openfido/fidokey/pkg/webauthntypes"
)

// assertionSession holds the candidates queued for GetNextAssertion together
// with the request state every assertion in the batch shares. Any intervening
// command drops it.
type assertionSession struct {
	queue          []*storage.Credential
	clientDataHash []byte
	rpIDHash       []byte
	verified       bool
	userPresent    bool

	// hmac-secret state, nil when the extension was not requested
	salts        []byte
	sharedSecret []byte

	credBlob     bool
	largeBlobKey bool
}

func (s *assertionSession) next() mo.Option[*storage.Credential] {
	if len(s.queue) == 0 {
		return mo.None[*storage.Credential]()
	}
	cred := s.queue[0]
	s.queue = s.queue[1:]
	return mo.Some(cred)
}

func (e *Engine) getAssertion(ctx context.Context, params []byte) (*ctaptypes.AuthenticatorGetAssertionResponse, error) {
	const cmd = ctaptypes.AuthenticatorGetAssertion

	req := new(ctaptypes.AuthenticatorGetAssertionRequest)
	if err := e.decode(cmd, params, req); err != nil {
		return nil, err
	}
	if req.RPID == "" || len(req.ClientDataHash) != 32 {
		return nil, ctaptypes.NewCTAPError(cmd, ctaptypes.CTAP2_ERR_MISSING_PARAMETER)
	}

	userPresence := true
	if up, ok := req.Options[ctaptypes.OptionUserPresence]; ok {
		userPresence = up
	}
	uvRequested := req.Options[ctaptypes.OptionUserVerification]

	if req.PinUvAuthParam != nil && len(req.PinUvAuthParam) == 0 {
		return nil, e.handlePinAuthProbe(ctx, cmd)
	}

	verified := false
	if len(req.PinUvAuthParam) > 0 {
		if err := e.verifyPinAuth(cmd, req.PinUvAuthProtocol, req.ClientDataHash, req.PinUvAuthParam); err != nil {
			return nil, err
		}
		verified = true
	}
	if (uvRequested || e.store.AlwaysUV()) && !verified {
		if !e.store.PINSet() {
			return nil, ctaptypes.NewCTAPError(cmd, ctaptypes.CTAP2_ERR_PIN_NOT_SET)
		}
		return nil, ctaptypes.NewCTAPError(cmd, ctaptypes.CTAP2_ERR_PUAT_REQUIRED)
	}

	rpIDHash := crypto.SHA256([]byte(req.RPID))

	candidates, err := e.collectCandidates(cmd, req, rpIDHash, verified)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, ctaptypes.NewCTAPError(cmd, ctaptypes.CTAP2_ERR_NO_CREDENTIALS)
	}
	if len(candidates) > maxPendingAssertions {
		candidates = candidates[:maxPendingAssertions]
	}

	session := &assertionSession{
		queue:          candidates,
		clientDataHash: req.ClientDataHash,
		rpIDHash:       rpIDHash,
		verified:       verified,
		userPresent:    userPresence,
	}
	if err := e.parseAssertionExtensions(cmd, req.Extensions, session); err != nil {
		return nil, err
	}

	if userPresence {
		if err := e.waitUserPresence(ctx, cmd, userPresenceTimeout); err != nil {
			return nil, err
		}
	}

	cred, _ := session.next().Get()
	resp, err := e.buildAssertion(cmd, session, cred, true)
	if err != nil {
		return nil, err
	}
	if len(session.queue) > 0 {
		resp.NumberOfCredentials = uint(len(session.queue)) + 1
		e.pending = session
	}
	return resp, nil
}

func (e *Engine) getNextAssertion() (*ctaptypes.AuthenticatorGetAssertionResponse, error) {
	const cmd = ctaptypes.AuthenticatorGetNextAssertion

	if e.pending == nil {
		return nil, ctaptypes.NewCTAPError(cmd, ctaptypes.CTAP2_ERR_NO_OPERATIONS)
	}

	cred, ok := e.pending.next().Get()
	if !ok {
		e.pending = nil
		return nil, ctaptypes.NewCTAPError(cmd, ctaptypes.CTAP2_ERR_NO_OPERATIONS)
	}
	if len(e.pending.queue) == 0 {
		defer func() { e.pending = nil }()
	}

	// User presence applies to the batch, not to each follow-up assertion.
	return e.buildAssertion(cmd, e.pending, cred, false)
}

// collectCandidates resolves the allowList or falls back to resident-key
// discovery, applying the credProtect policy of each credential.
func (e *Engine) collectCandidates(cmd ctaptypes.Command, req *ctaptypes.AuthenticatorGetAssertionRequest, rpIDHash []byte, verified bool) ([]*storage.Credential, error) {
	if len(req.AllowList) > 0 {
		var creds []*storage.Credential
		for i, desc := range req.AllowList {
			if i == MaxCredentialCountInList {
				break
			}
			cred, err := e.store.CredentialByID(desc.ID)
			if err != nil {
				continue
			}
			if !bytes.Equal(cred.RPIDHash, rpIDHash) {
				continue
			}
			if cred.CredProtect == ctaptypes.CredProtectUserVerificationRequired && !verified {
				continue
			}
			creds = append(creds, cred)
		}
		return creds, nil
	}

	// Resident-key discovery requires a verified PIN when one is set.
	if e.store.PINSet() && !verified {
		return nil, ctaptypes.NewCTAPError(cmd, ctaptypes.CTAP2_ERR_PUAT_REQUIRED)
	}

	residents, err := e.store.ResidentCredentials(rpIDHash)
	if err != nil {
		return nil, ctaptypes.NewCTAPError(cmd, ctaptypes.CTAP2_ERR_PROCESSING)
	}

	var creds []*storage.Credential
	for _, cred := range residents {
		if cred.CredProtect >= ctaptypes.CredProtectUserVerificationOptionalWithCredentialIDList && !verified {
			continue
		}
		creds = append(creds, cred)
	}
	return creds, nil
}

// buildAssertion signs one candidate with a fresh counter value and packages
// the response.
func (e *Engine) buildAssertion(cmd ctaptypes.Command, s *assertionSession, cred *storage.Credential, first bool) (*ctaptypes.AuthenticatorGetAssertionResponse, error) {
	var flags ctaptypes.AuthDataFlag
	if first && s.userPresent {
		flags |= ctaptypes.AuthDataFlagUserPresent
	}
	if s.verified {
		flags |= ctaptypes.AuthDataFlagUserVerified
	}

	extensions, err := e.assertionExtensionOutputs(cmd, s, cred)
	if err != nil {
		return nil, err
	}

	signCount, err := e.store.NextSignCount()
	if err != nil {
		return nil, ctaptypes.NewCTAPError(cmd, ctaptypes.CTAP2_ERR_PROCESSING)
	}
	if err := e.store.UpdateSignCount(cred.ID, signCount); err != nil {
		return nil, ctaptypes.NewCTAPError(cmd, ctaptypes.CTAP2_ERR_PROCESSING)
	}

	authData := &ctaptypes.AuthData{
		RPIDHash:   s.rpIDHash,
		Flags:      flags,
		SignCount:  signCount,
		Extensions: extensions,
	}
	authDataBytes, err := authData.Encode(e.encMode)
	if err != nil {
		return nil, ctaptypes.NewCTAPError(cmd, ctaptypes.CTAP2_ERR_PROCESSING)
	}

	sig, err := signAssertion(cred, authDataBytes, s.clientDataHash)
	if err != nil {
		return nil, ctaptypes.NewCTAPError(cmd, ctaptypes.CTAP2_ERR_PROCESSING)
	}

	resp := &ctaptypes.AuthenticatorGetAssertionResponse{
		Credential: webauthntypes.PublicKeyCredentialDescriptor{
			Type: webauthntypes.PublicKeyCredentialTypePublicKey,
			ID:   cred.ID,
		},
		AuthData:  authDataBytes,
		Signature: sig,
	}
	if cred.Resident {
		user := cred.User
		if !s.verified {
			// Without user verification only the id may leave the device.
			user = webauthntypes.PublicKeyCredentialUserEntity{ID: cred.User.ID}
		}
		resp.User = &user
	}
	if s.largeBlobKey && len(cred.LargeBlobKey) > 0 {
		resp.LargeBlobKey = cred.LargeBlobKey
	}
	return resp, nil
}

func signAssertion(cred *storage.Credential, authData, clientDataHash []byte) ([]byte, error) {
	switch cred.Algorithm {
	case iana.AlgorithmES256:
		priv, err := cred.ECDSAPrivateKey()
		if err != nil {
			return nil, err
		}
		return crypto.ECDSASignASN1(priv, crypto.SHA256(authData, clientDataHash))
	case iana.AlgorithmEdDSA:
		message := make([]byte, 0, len(authData)+len(clientDataHash))
		message = append(message, authData...)
		message = append(message, clientDataHash...)
		return ed25519.Sign(cred.Ed25519PrivateKey(), message), nil
	default:
		return nil, crypto.ErrInvalidPublicKey
	}
}

// parseAssertionExtensions validates the requested extensions once per batch
// and stashes the derived state on the session.
func (e *Engine) parseAssertionExtensions(cmd ctaptypes.Command, in map[webauthntypes.ExtensionIdentifier]cbor.RawMessage, s *assertionSession) error {
	if len(in) == 0 {
		return nil
	}

	if raw, ok := in[webauthntypes.ExtensionIdentifierCredentialBlob]; ok {
		var requested bool
		if err := cbor.Unmarshal(raw, &requested); err != nil {
			return ctaptypes.NewCTAPError(cmd, ctaptypes.CTAP1_ERR_INVALID_PARAMETER)
		}
		s.credBlob = requested
	}

	if raw, ok := in[webauthntypes.ExtensionIdentifierLargeBlobKey]; ok {
		var requested bool
		if err := cbor.Unmarshal(raw, &requested); err != nil || !requested {
			return ctaptypes.NewCTAPError(cmd, ctaptypes.CTAP1_ERR_INVALID_PARAMETER)
		}
		s.largeBlobKey = true
	}

	if raw, ok := in[webauthntypes.ExtensionIdentifierHMACSecret]; ok {
		input := new(ctaptypes.HMACSecretInput)
		if err := cbor.Unmarshal(raw, input); err != nil {
			return ctaptypes.NewCTAPError(cmd, ctaptypes.CTAP1_ERR_INVALID_PARAMETER)
		}
		if input.PinUvAuthProtocol != 0 && input.PinUvAuthProtocol != ctaptypes.PinUvAuthProtocolOne {
			return ctaptypes.NewCTAPError(cmd, ctaptypes.CTAP1_ERR_INVALID_PARAMETER)
		}

		z, err := e.keyAgreement.SharedSecret(input.KeyAgreement)
		if err != nil {
			return ctaptypes.NewCTAPError(cmd, ctaptypes.CTAP1_ERR_INVALID_PARAMETER)
		}
		sharedSecret := protocolone.KDF(z)
		crypto.Zeroize(z)

		if !protocolone.Verify(sharedSecret, input.SaltEnc, input.SaltAuth) {
			return ctaptypes.NewCTAPError(cmd, ctaptypes.CTAP2_ERR_PIN_AUTH_INVALID)
		}
		salts, err := protocolone.Decrypt(sharedSecret, input.SaltEnc)
		if err != nil || (len(salts) != 32 && len(salts) != 64) {
			return ctaptypes.NewCTAPError(cmd, ctaptypes.CTAP1_ERR_INVALID_PARAMETER)
		}

		s.salts = salts
		s.sharedSecret = sharedSecret
	}

	return nil
}

// assertionExtensionOutputs computes the per-credential extension outputs
// embedded in the authenticator data.
func (e *Engine) assertionExtensionOutputs(cmd ctaptypes.Command, s *assertionSession, cred *storage.Credential) ([]byte, error) {
	out := make(map[webauthntypes.ExtensionIdentifier]any)

	if s.credBlob {
		out[webauthntypes.ExtensionIdentifierCredentialBlob] = cred.CredBlob
	}

	if s.salts != nil && len(cred.HMACSecretKey) > 0 {
		outputs := crypto.HMACSHA256(cred.HMACSecretKey, s.salts[:32])
		if len(s.salts) == 64 {
			outputs = append(outputs, crypto.HMACSHA256(cred.HMACSecretKey, s.salts[32:])...)
		}
		encrypted, err := protocolone.Encrypt(s.sharedSecret, outputs)
		crypto.Zeroize(outputs)
		if err != nil {
			return nil, ctaptypes.NewCTAPError(cmd, ctaptypes.CTAP2_ERR_PROCESSING)
		}
		out[webauthntypes.ExtensionIdentifierHMACSecret] = encrypted
	}

	if len(out) == 0 {
		return nil, nil
	}
	encoded, err := e.encMode.Marshal(out)
	if err != nil {
		return nil, ctaptypes.NewCTAPError(cmd, ctaptypes.CTAP2_ERR_PROCESSING)
	}
	return encoded, nil
}
