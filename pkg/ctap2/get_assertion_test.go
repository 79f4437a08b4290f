package ctap2

import (
	"crypto/ecdsa"
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfido/fidokey/pkg/crypto"
	"github.com/openfido/fidokey/pkg/crypto/protocolone"
	"github.com/openfido/fidokey/pkg/ctaptypes"
	"github.com/openfido/fidokey/pkg/webauthntypes"
)

func getAssertionRequest(rpID string, credIDs ...[]byte) *ctaptypes.AuthenticatorGetAssertionRequest {
	req := &ctaptypes.AuthenticatorGetAssertionRequest{
		RPID:           rpID,
		ClientDataHash: crypto.SHA256([]byte("assertion client data")),
	}
	for _, id := range credIDs {
		req.AllowList = append(req.AllowList, webauthntypes.PublicKeyCredentialDescriptor{
			Type: webauthntypes.PublicKeyCredentialTypePublicKey,
			ID:   id,
		})
	}
	return req
}

func credentialID(t *testing.T, resp *ctaptypes.AuthenticatorMakeCredentialResponse) []byte {
	t.Helper()
	authData, err := ctaptypes.ParseAuthData(resp.AuthData)
	require.NoError(t, err)
	return authData.AttestedCredentialData.CredentialID
}

func TestGetAssertionHappyPath(t *testing.T) {
	env := newTestEnv(t)

	created := env.makeCredential(t, makeCredentialRequest("example.com", []byte{1}))
	credID := credentialID(t, created)

	req := getAssertionRequest("example.com", credID)
	env.button.Press()
	status, body := env.run(t, ctaptypes.AuthenticatorGetAssertion, req)
	require.Equal(t, ctaptypes.CTAP2_OK, status)

	resp := new(ctaptypes.AuthenticatorGetAssertionResponse)
	require.NoError(t, cbor.Unmarshal(body, resp))
	assert.Equal(t, credID, resp.Credential.ID)
	assert.Zero(t, resp.NumberOfCredentials)

	authData, err := ctaptypes.ParseAuthData(resp.AuthData)
	require.NoError(t, err)
	assert.True(t, authData.Flags.UserPresent())

	// The assertion must verify under the stored credential key, and the
	// signed counter value sticks to the credential.
	cred, err := env.store.CredentialByID(credID)
	require.NoError(t, err)
	assert.Equal(t, authData.SignCount, cred.SignCount)
	priv, err := cred.ECDSAPrivateKey()
	require.NoError(t, err)
	digest := crypto.SHA256(resp.AuthData, req.ClientDataHash)
	assert.True(t, ecdsa.VerifyASN1(&priv.PublicKey, digest, resp.Signature))
}

func TestGetAssertionRPMismatch(t *testing.T) {
	env := newTestEnv(t)

	created := env.makeCredential(t, makeCredentialRequest("example.com", []byte{1}))

	// The credential exists but is bound to a different relying party.
	req := getAssertionRequest("other.com", credentialID(t, created))
	env.button.Press()
	status, _ := env.run(t, ctaptypes.AuthenticatorGetAssertion, req)
	assert.Equal(t, ctaptypes.CTAP2_ERR_NO_CREDENTIALS, status)
}

func TestGetAssertionNoCredentials(t *testing.T) {
	env := newTestEnv(t)

	env.button.Press()
	status, _ := env.run(t, ctaptypes.AuthenticatorGetAssertion,
		getAssertionRequest("example.com"))
	assert.Equal(t, ctaptypes.CTAP2_ERR_NO_CREDENTIALS, status)
}

func TestGetAssertionMissingParameter(t *testing.T) {
	env := newTestEnv(t)

	req := getAssertionRequest("example.com")
	req.ClientDataHash = req.ClientDataHash[:16]
	status, _ := env.run(t, ctaptypes.AuthenticatorGetAssertion, req)
	assert.Equal(t, ctaptypes.CTAP2_ERR_MISSING_PARAMETER, status)
}

func TestGetAssertionWithoutUserPresence(t *testing.T) {
	env := newTestEnv(t)

	created := env.makeCredential(t, makeCredentialRequest("example.com", []byte{1}))

	req := getAssertionRequest("example.com", credentialID(t, created))
	req.Options = map[ctaptypes.Option]bool{ctaptypes.OptionUserPresence: false}

	// No button press: up=false must not block.
	status, body := env.run(t, ctaptypes.AuthenticatorGetAssertion, req)
	require.Equal(t, ctaptypes.CTAP2_OK, status)

	resp := new(ctaptypes.AuthenticatorGetAssertionResponse)
	require.NoError(t, cbor.Unmarshal(body, resp))
	authData, err := ctaptypes.ParseAuthData(resp.AuthData)
	require.NoError(t, err)
	assert.False(t, authData.Flags.UserPresent())
}

// residentSetup stores resident credentials for one RP under a verified PIN
// and returns the pin token.
func residentSetup(t *testing.T, env *testEnv, userIDs ...[]byte) []byte {
	t.Helper()

	client := newPINClient(t, env)
	require.Equal(t, ctaptypes.CTAP2_OK, client.setPIN(t, "123456"))
	token, status := client.getToken(t, "123456")
	require.Equal(t, ctaptypes.CTAP2_OK, status)

	for _, userID := range userIDs {
		req := makeCredentialRequest("example.com", userID)
		req.Options = map[ctaptypes.Option]bool{ctaptypes.OptionResidentKeys: true}
		req.PinUvAuthParam = protocolone.Authenticate(token, req.ClientDataHash)
		req.PinUvAuthProtocol = ctaptypes.PinUvAuthProtocolOne
		env.makeCredential(t, req)
	}
	return token
}

func TestGetAssertionResidentDiscovery(t *testing.T) {
	env := newTestEnv(t)
	token := residentSetup(t, env, []byte{1}, []byte{2}, []byte{3})

	req := getAssertionRequest("example.com")
	req.PinUvAuthParam = protocolone.Authenticate(token, req.ClientDataHash)
	req.PinUvAuthProtocol = ctaptypes.PinUvAuthProtocolOne

	env.button.Press()
	status, body := env.run(t, ctaptypes.AuthenticatorGetAssertion, req)
	require.Equal(t, ctaptypes.CTAP2_OK, status)

	first := new(ctaptypes.AuthenticatorGetAssertionResponse)
	require.NoError(t, cbor.Unmarshal(body, first))
	assert.Equal(t, uint(3), first.NumberOfCredentials)
	require.NotNil(t, first.User)
	assert.Equal(t, []byte{1}, first.User.ID)

	// Remaining candidates come back in insertion order.
	for _, wantUser := range [][]byte{{2}, {3}} {
		status, body = env.run(t, ctaptypes.AuthenticatorGetNextAssertion, nil)
		require.Equal(t, ctaptypes.CTAP2_OK, status)
		next := new(ctaptypes.AuthenticatorGetAssertionResponse)
		require.NoError(t, cbor.Unmarshal(body, next))
		require.NotNil(t, next.User)
		assert.Equal(t, wantUser, next.User.ID)
	}

	status, _ = env.run(t, ctaptypes.AuthenticatorGetNextAssertion, nil)
	assert.Equal(t, ctaptypes.CTAP2_ERR_NO_OPERATIONS, status)
}

func TestGetAssertionDiscoveryRequiresPIN(t *testing.T) {
	env := newTestEnv(t)
	residentSetup(t, env, []byte{1})

	env.button.Press()
	status, _ := env.run(t, ctaptypes.AuthenticatorGetAssertion,
		getAssertionRequest("example.com"))
	assert.Equal(t, ctaptypes.CTAP2_ERR_PUAT_REQUIRED, status)
}

func TestGetNextAssertionAbortedByInterveningCommand(t *testing.T) {
	env := newTestEnv(t)
	token := residentSetup(t, env, []byte{1}, []byte{2})

	req := getAssertionRequest("example.com")
	req.PinUvAuthParam = protocolone.Authenticate(token, req.ClientDataHash)
	req.PinUvAuthProtocol = ctaptypes.PinUvAuthProtocolOne

	env.button.Press()
	status, _ := env.run(t, ctaptypes.AuthenticatorGetAssertion, req)
	require.Equal(t, ctaptypes.CTAP2_OK, status)

	// Any other command drops the queue.
	status, _ = env.run(t, ctaptypes.AuthenticatorGetInfo, nil)
	require.Equal(t, ctaptypes.CTAP2_OK, status)

	status, _ = env.run(t, ctaptypes.AuthenticatorGetNextAssertion, nil)
	assert.Equal(t, ctaptypes.CTAP2_ERR_NO_OPERATIONS, status)
}

func TestGetNextAssertionWithoutPending(t *testing.T) {
	env := newTestEnv(t)

	status, _ := env.run(t, ctaptypes.AuthenticatorGetNextAssertion, nil)
	assert.Equal(t, ctaptypes.CTAP2_ERR_NO_OPERATIONS, status)
}

func TestGetAssertionCredProtectUVRequired(t *testing.T) {
	env := newTestEnv(t)
	token := residentSetup(t, env)

	// A level-3 credential must stay invisible without user verification.
	req := makeCredentialRequest("example.com", []byte{7})
	req.Options = map[ctaptypes.Option]bool{ctaptypes.OptionResidentKeys: true}
	req.PinUvAuthParam = protocolone.Authenticate(token, req.ClientDataHash)
	req.PinUvAuthProtocol = ctaptypes.PinUvAuthProtocolOne
	policy, err := env.encMode.Marshal(uint(ctaptypes.CredProtectUserVerificationRequired))
	require.NoError(t, err)
	req.Extensions = map[webauthntypes.ExtensionIdentifier]cbor.RawMessage{
		webauthntypes.ExtensionIdentifierCredentialProtection: policy,
	}
	created := env.makeCredential(t, req)

	get := getAssertionRequest("example.com", credentialID(t, created))
	env.button.Press()
	status, _ := env.run(t, ctaptypes.AuthenticatorGetAssertion, get)
	assert.Equal(t, ctaptypes.CTAP2_ERR_NO_CREDENTIALS, status)
}

func TestGetAssertionHMACSecret(t *testing.T) {
	env := newTestEnv(t)

	req := makeCredentialRequest("example.com", []byte{1})
	requested, err := env.encMode.Marshal(true)
	require.NoError(t, err)
	req.Extensions = map[webauthntypes.ExtensionIdentifier]cbor.RawMessage{
		webauthntypes.ExtensionIdentifierHMACSecret: requested,
	}
	created := env.makeCredential(t, req)
	createdData, err := ctaptypes.ParseAuthData(created.AuthData)
	require.NoError(t, err)
	assert.True(t, createdData.Flags.ExtensionDataIncluded())

	// Platform side of the extension key agreement.
	client := newPINClient(t, env)
	salt := crypto.SHA256([]byte("salt"))
	saltEnc, err := protocolone.Encrypt(client.sharedSecret, salt)
	require.NoError(t, err)

	input, err := env.encMode.Marshal(&ctaptypes.HMACSecretInput{
		KeyAgreement: client.platformKey,
		SaltEnc:      saltEnc,
		SaltAuth:     protocolone.Authenticate(client.sharedSecret, saltEnc),
	})
	require.NoError(t, err)

	get := getAssertionRequest("example.com", credentialID(t, created))
	get.Extensions = map[webauthntypes.ExtensionIdentifier]cbor.RawMessage{
		webauthntypes.ExtensionIdentifierHMACSecret: input,
	}

	env.button.Press()
	status, body := env.run(t, ctaptypes.AuthenticatorGetAssertion, get)
	require.Equal(t, ctaptypes.CTAP2_OK, status)

	resp := new(ctaptypes.AuthenticatorGetAssertionResponse)
	require.NoError(t, cbor.Unmarshal(body, resp))
	authData, err := ctaptypes.ParseAuthData(resp.AuthData)
	require.NoError(t, err)
	require.True(t, authData.Flags.ExtensionDataIncluded())

	var outputs map[webauthntypes.ExtensionIdentifier][]byte
	require.NoError(t, cbor.Unmarshal(authData.Extensions, &outputs))
	encrypted := outputs[webauthntypes.ExtensionIdentifierHMACSecret]
	require.Len(t, encrypted, 32)

	// The decrypted output is HMAC(credRandom, salt) and must be stable for
	// the same salt.
	output, err := protocolone.Decrypt(client.sharedSecret, encrypted)
	require.NoError(t, err)

	cred, err := env.store.CredentialByID(credentialID(t, created))
	require.NoError(t, err)
	assert.Equal(t, crypto.HMACSHA256(cred.HMACSecretKey, salt), output)
}
