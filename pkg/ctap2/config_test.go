package ctap2

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfido/fidokey/pkg/crypto/protocolone"
	"github.com/openfido/fidokey/pkg/ctaptypes"
)

func configRequest(t *testing.T, env *testEnv, token []byte, sub ctaptypes.ConfigSubCommand, params any) *ctaptypes.AuthenticatorConfigRequest {
	t.Helper()

	req := &ctaptypes.AuthenticatorConfigRequest{
		SubCommand:        sub,
		PinUvAuthProtocol: ctaptypes.PinUvAuthProtocolOne,
	}
	if params != nil {
		raw, err := env.encMode.Marshal(params)
		require.NoError(t, err)
		req.SubCommandParams = raw
	}

	message := append(bytes.Repeat([]byte{0xff}, 32), 0x0d, byte(sub))
	message = append(message, req.SubCommandParams...)
	req.PinUvAuthParam = protocolone.Authenticate(token, message)
	return req
}

// configSetup sets a PIN and returns a token for config operations.
func configSetup(t *testing.T, env *testEnv) []byte {
	t.Helper()

	client := newPINClient(t, env)
	require.Equal(t, ctaptypes.CTAP2_OK, client.setPIN(t, "123456"))
	token, status := client.getToken(t, "123456")
	require.Equal(t, ctaptypes.CTAP2_OK, status)
	return token
}

func TestConfigRequiresPIN(t *testing.T) {
	env := newTestEnv(t)

	status, _ := env.run(t, ctaptypes.AuthenticatorConfig, &ctaptypes.AuthenticatorConfigRequest{
		SubCommand: ctaptypes.ConfigSubCommandToggleAlwaysUv,
	})
	assert.Equal(t, ctaptypes.CTAP2_ERR_PIN_NOT_SET, status)
}

func TestConfigToggleAlwaysUv(t *testing.T) {
	env := newTestEnv(t)
	token := configSetup(t, env)

	require.False(t, env.store.AlwaysUV())

	status, _ := env.run(t, ctaptypes.AuthenticatorConfig,
		configRequest(t, env, token, ctaptypes.ConfigSubCommandToggleAlwaysUv, nil))
	require.Equal(t, ctaptypes.CTAP2_OK, status)
	assert.True(t, env.store.AlwaysUV())

	status, _ = env.run(t, ctaptypes.AuthenticatorConfig,
		configRequest(t, env, token, ctaptypes.ConfigSubCommandToggleAlwaysUv, nil))
	require.Equal(t, ctaptypes.CTAP2_OK, status)
	assert.False(t, env.store.AlwaysUV())
}

func TestConfigEnterpriseAttestationUnsupported(t *testing.T) {
	env := newTestEnv(t)
	token := configSetup(t, env)

	status, _ := env.run(t, ctaptypes.AuthenticatorConfig,
		configRequest(t, env, token, ctaptypes.ConfigSubCommandEnableEnterpriseAttestation, nil))
	assert.Equal(t, ctaptypes.CTAP2_ERR_UNSUPPORTED_OPTION, status)
}

func TestConfigBadAuth(t *testing.T) {
	env := newTestEnv(t)
	token := configSetup(t, env)

	req := configRequest(t, env, token, ctaptypes.ConfigSubCommandToggleAlwaysUv, nil)
	req.PinUvAuthParam[0] ^= 0xff
	status, _ := env.run(t, ctaptypes.AuthenticatorConfig, req)
	assert.Equal(t, ctaptypes.CTAP2_ERR_PIN_AUTH_INVALID, status)
	assert.False(t, env.store.AlwaysUV())
}

func TestConfigSetMinPINLength(t *testing.T) {
	env := newTestEnv(t)
	token := configSetup(t, env)

	status, _ := env.run(t, ctaptypes.AuthenticatorConfig,
		configRequest(t, env, token, ctaptypes.ConfigSubCommandSetMinPINLength,
			&ctaptypes.SetMinPINLengthConfigSubCommandParams{NewMinPINLength: 8}))
	require.Equal(t, ctaptypes.CTAP2_OK, status)
	assert.Equal(t, uint(8), env.store.MinPINLength())

	// Raising the floor with a PIN set forces a change on next token.
	assert.True(t, env.store.ForcePINChange())
	client := newPINClient(t, env)
	_, status = client.getToken(t, "123456")
	assert.Equal(t, ctaptypes.CTAP2_ERR_PIN_POLICY_VIOLATION, status)

	// The new floor now binds setPIN.
	require.Equal(t, ctaptypes.CTAP2_OK, client.changePIN(t, "123456", "12345678"))
	token, status = client.getToken(t, "12345678")
	require.Equal(t, ctaptypes.CTAP2_OK, status)

	// No decreases.
	status, _ = env.run(t, ctaptypes.AuthenticatorConfig,
		configRequest(t, env, token, ctaptypes.ConfigSubCommandSetMinPINLength,
			&ctaptypes.SetMinPINLengthConfigSubCommandParams{NewMinPINLength: 4}))
	assert.Equal(t, ctaptypes.CTAP2_ERR_PIN_POLICY_VIOLATION, status)
}

func TestConfigSetMinPINLengthRejectsRPIDs(t *testing.T) {
	env := newTestEnv(t)
	token := configSetup(t, env)

	status, _ := env.run(t, ctaptypes.AuthenticatorConfig,
		configRequest(t, env, token, ctaptypes.ConfigSubCommandSetMinPINLength,
			&ctaptypes.SetMinPINLengthConfigSubCommandParams{
				NewMinPINLength:   8,
				MinPinLengthRPIDs: []string{"example.com"},
			}))
	assert.Equal(t, ctaptypes.CTAP1_ERR_INVALID_PARAMETER, status)
}

func TestConfigUnknownSubCommand(t *testing.T) {
	env := newTestEnv(t)
	token := configSetup(t, env)

	status, _ := env.run(t, ctaptypes.AuthenticatorConfig,
		configRequest(t, env, token, ctaptypes.ConfigSubCommandVendorPrototype, nil))
	assert.Equal(t, ctaptypes.CTAP2_ERR_INVALID_SUBCOMMAND, status)
}
