package ctap2

import (
	"context"
	"crypto/ecdsa"
	"crypto/x509"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/ldclabs/cose/iana"
	"github.com/ldclabs/cose/key"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfido/fidokey/pkg/crypto"
	"github.com/openfido/fidokey/pkg/ctaptypes"
	"github.com/openfido/fidokey/pkg/hal/haltest"
	"github.com/openfido/fidokey/pkg/storage"
	"github.com/openfido/fidokey/pkg/webauthntypes"
)

type testEnv struct {
	engine  *Engine
	store   *storage.Store
	clock   *haltest.ManualClock
	button  *haltest.Button
	led     *haltest.LED
	encMode cbor.EncMode
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	store, err := storage.Open(storage.NewMemBackend())
	require.NoError(t, err)

	clock := haltest.NewManualClock()
	button := &haltest.Button{}
	led := &haltest.LED{}

	engine, err := New(store, clock, button, led)
	require.NoError(t, err)

	encMode, err := cbor.CTAP2EncOptions().EncMode()
	require.NoError(t, err)

	return &testEnv{
		engine:  engine,
		store:   store,
		clock:   clock,
		button:  button,
		led:     led,
		encMode: encMode,
	}
}

// run encodes req, executes the command and splits the response into status
// byte and body.
func (env *testEnv) run(t *testing.T, cmd ctaptypes.Command, req any) (ctaptypes.StatusCode, []byte) {
	t.Helper()

	payload := []byte{byte(cmd)}
	if req != nil {
		data, err := env.encMode.Marshal(req)
		require.NoError(t, err)
		payload = append(payload, data...)
	}

	out := env.engine.HandleCBOR(context.Background(), payload)
	require.NotEmpty(t, out)
	return ctaptypes.StatusCode(out[0]), out[1:]
}

func makeCredentialRequest(rpID string, userID []byte) *ctaptypes.AuthenticatorMakeCredentialRequest {
	return &ctaptypes.AuthenticatorMakeCredentialRequest{
		ClientDataHash: crypto.SHA256([]byte("client data")),
		RP:             webauthntypes.PublicKeyCredentialRpEntity{ID: rpID, Name: rpID},
		User: webauthntypes.PublicKeyCredentialUserEntity{
			ID:   userID,
			Name: "alice",
		},
		PubKeyCredParams: []webauthntypes.PublicKeyCredentialParameters{
			{
				Type:      webauthntypes.PublicKeyCredentialTypePublicKey,
				Algorithm: key.Alg(iana.AlgorithmES256),
			},
		},
	}
}

// makeCredential registers a credential with the button pre-armed and
// returns the decoded response.
func (env *testEnv) makeCredential(t *testing.T, req *ctaptypes.AuthenticatorMakeCredentialRequest) *ctaptypes.AuthenticatorMakeCredentialResponse {
	t.Helper()

	env.button.Press()
	status, body := env.run(t, ctaptypes.AuthenticatorMakeCredential, req)
	require.Equal(t, ctaptypes.CTAP2_OK, status)

	resp := new(ctaptypes.AuthenticatorMakeCredentialResponse)
	require.NoError(t, cbor.Unmarshal(body, resp))
	return resp
}

func TestGetInfo(t *testing.T) {
	env := newTestEnv(t)

	status, body := env.run(t, ctaptypes.AuthenticatorGetInfo, nil)
	require.Equal(t, ctaptypes.CTAP2_OK, status)

	info := new(ctaptypes.AuthenticatorGetInfoResponse)
	require.NoError(t, cbor.Unmarshal(body, info))

	assert.True(t, info.Versions.Supports(ctaptypes.FIDO_2_0))
	assert.True(t, info.Versions.Supports(ctaptypes.FIDO_2_1))
	assert.True(t, info.Versions.Supports(ctaptypes.U2F_V2))
	assert.Equal(t, AAGUID, info.AAGUID)
	assert.False(t, info.Options[ctaptypes.OptionClientPIN])
	assert.True(t, info.Options[ctaptypes.OptionResidentKeys])
	assert.Equal(t, uint(MaxMsgSize), info.MaxMsgSize)
	assert.Equal(t, []ctaptypes.PinUvAuthProtocol{ctaptypes.PinUvAuthProtocolOne}, info.PinUvAuthProtocols)
	assert.Equal(t, uint(storage.CredentialIDLength), info.MaxCredentialLength)
	assert.Len(t, info.Algorithms, 2)
}

func TestUnknownCommand(t *testing.T) {
	env := newTestEnv(t)

	out := env.engine.HandleCBOR(context.Background(), []byte{0x42})
	assert.Equal(t, []byte{byte(ctaptypes.CTAP1_ERR_INVALID_COMMAND)}, out)

	// Selection and bio enrollment are unimplemented commands, not errors in
	// framing.
	out = env.engine.HandleCBOR(context.Background(), []byte{byte(ctaptypes.AuthenticatorSelection)})
	assert.Equal(t, []byte{byte(ctaptypes.CTAP1_ERR_INVALID_COMMAND)}, out)
}

func TestMakeCredentialHappyPath(t *testing.T) {
	env := newTestEnv(t)

	req := makeCredentialRequest("example.com", []byte{0xa1, 0xa2})
	resp := env.makeCredential(t, req)

	assert.Equal(t, webauthntypes.AttestationStatementFormatIdentifierPacked, resp.Format)

	authData, err := ctaptypes.ParseAuthData(resp.AuthData)
	require.NoError(t, err)
	assert.Equal(t, crypto.SHA256([]byte("example.com")), authData.RPIDHash)
	assert.True(t, authData.Flags.UserPresent())
	assert.False(t, authData.Flags.UserVerified())
	require.NotNil(t, authData.AttestedCredentialData)
	assert.Equal(t, AAGUID[:], authData.AttestedCredentialData.AAGUID[:])
	assert.Len(t, authData.AttestedCredentialData.CredentialID, storage.CredentialIDLength)

	// The self-signed statement must verify against the attestation
	// certificate the store carries.
	cert, err := x509.ParseCertificate(env.store.AttestationCert())
	require.NoError(t, err)
	pub, ok := cert.PublicKey.(*ecdsa.PublicKey)
	require.True(t, ok)
	digest := crypto.SHA256(resp.AuthData, req.ClientDataHash)
	assert.True(t, ecdsa.VerifyASN1(pub, digest, resp.AttestationStatement.Signature))
}

func TestMakeCredentialMissingParameter(t *testing.T) {
	env := newTestEnv(t)

	req := makeCredentialRequest("example.com", []byte{1})
	req.ClientDataHash = nil

	status, _ := env.run(t, ctaptypes.AuthenticatorMakeCredential, req)
	assert.Equal(t, ctaptypes.CTAP2_ERR_MISSING_PARAMETER, status)
}

func TestMakeCredentialUnsupportedAlgorithm(t *testing.T) {
	env := newTestEnv(t)

	req := makeCredentialRequest("example.com", []byte{1})
	req.PubKeyCredParams = []webauthntypes.PublicKeyCredentialParameters{
		{Type: webauthntypes.PublicKeyCredentialTypePublicKey, Algorithm: key.Alg(-257)},
	}

	status, _ := env.run(t, ctaptypes.AuthenticatorMakeCredential, req)
	assert.Equal(t, ctaptypes.CTAP2_ERR_UNSUPPORTED_ALGORITHM, status)
}

func TestMakeCredentialResidentRequiresPIN(t *testing.T) {
	env := newTestEnv(t)

	req := makeCredentialRequest("example.com", []byte{1})
	req.Options = map[ctaptypes.Option]bool{ctaptypes.OptionResidentKeys: true}

	status, _ := env.run(t, ctaptypes.AuthenticatorMakeCredential, req)
	assert.Equal(t, ctaptypes.CTAP2_ERR_PIN_NOT_SET, status)
}

func TestMakeCredentialExcluded(t *testing.T) {
	env := newTestEnv(t)

	first := env.makeCredential(t, makeCredentialRequest("example.com", []byte{1}))
	authData, err := ctaptypes.ParseAuthData(first.AuthData)
	require.NoError(t, err)

	req := makeCredentialRequest("example.com", []byte{2})
	req.ExcludeList = []webauthntypes.PublicKeyCredentialDescriptor{
		{
			Type: webauthntypes.PublicKeyCredentialTypePublicKey,
			ID:   authData.AttestedCredentialData.CredentialID,
		},
	}

	env.button.Press()
	status, _ := env.run(t, ctaptypes.AuthenticatorMakeCredential, req)
	assert.Equal(t, ctaptypes.CTAP2_ERR_CREDENTIAL_EXCLUDED, status)
}

func TestMakeCredentialUserPresenceTimeout(t *testing.T) {
	env := newTestEnv(t)

	// Button never pressed; the manual clock advances through Sleep until
	// the 30 s deadline passes.
	status, _ := env.run(t, ctaptypes.AuthenticatorMakeCredential,
		makeCredentialRequest("example.com", []byte{1}))
	assert.Equal(t, ctaptypes.CTAP2_ERR_USER_ACTION_TIMEOUT, status)
}

func TestMakeCredentialCancelled(t *testing.T) {
	env := newTestEnv(t)

	data, err := env.encMode.Marshal(makeCredentialRequest("example.com", []byte{1}))
	require.NoError(t, err)
	payload := append([]byte{byte(ctaptypes.AuthenticatorMakeCredential)}, data...)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out := env.engine.HandleCBOR(ctx, payload)
	assert.Equal(t, []byte{byte(ctaptypes.CTAP2_ERR_KEEPALIVE_CANCEL)}, out)
}

func TestMakeCredentialKeepalives(t *testing.T) {
	env := newTestEnv(t)

	var statuses []KeepaliveStatus
	env.engine.SetKeepaliveFunc(func(s KeepaliveStatus) {
		statuses = append(statuses, s)
	})
	env.button.PressAfter = 3
	env.button.Press()

	status, _ := env.run(t, ctaptypes.AuthenticatorMakeCredential,
		makeCredentialRequest("example.com", []byte{1}))
	require.Equal(t, ctaptypes.CTAP2_OK, status)

	require.NotEmpty(t, statuses)
	for _, s := range statuses {
		assert.Equal(t, KeepaliveUserPresence, s)
	}
}

func TestResetInsideWindow(t *testing.T) {
	env := newTestEnv(t)

	env.makeCredential(t, makeCredentialRequest("example.com", []byte{1}))
	stored, _ := env.store.CredentialCounts()
	require.Equal(t, uint(1), stored)

	env.button.Press()
	status, _ := env.run(t, ctaptypes.AuthenticatorReset, nil)
	require.Equal(t, ctaptypes.CTAP2_OK, status)

	stored, _ = env.store.CredentialCounts()
	assert.Equal(t, uint(0), stored)
	assert.False(t, env.store.PINSet())
	assert.Equal(t, uint32(0), env.store.SignCount())
}

func TestResetOutsideWindow(t *testing.T) {
	env := newTestEnv(t)

	env.clock.Advance(resetWindow + time.Second)

	env.button.Press()
	status, _ := env.run(t, ctaptypes.AuthenticatorReset, nil)
	assert.Equal(t, ctaptypes.CTAP2_ERR_NOT_ALLOWED, status)
}

func TestSignCountMonotonic(t *testing.T) {
	env := newTestEnv(t)

	resp := env.makeCredential(t, makeCredentialRequest("example.com", []byte{1}))
	first, err := ctaptypes.ParseAuthData(resp.AuthData)
	require.NoError(t, err)

	resp = env.makeCredential(t, makeCredentialRequest("example.com", []byte{2}))
	second, err := ctaptypes.ParseAuthData(resp.AuthData)
	require.NoError(t, err)

	assert.Greater(t, second.SignCount, first.SignCount)
}

func TestRequestTooLarge(t *testing.T) {
	env := newTestEnv(t)

	out := env.engine.HandleCBOR(context.Background(), make([]byte, MaxMsgSize+1))
	assert.Equal(t, []byte{byte(ctaptypes.CTAP2_ERR_REQUEST_TOO_LARGE)}, out)
}
