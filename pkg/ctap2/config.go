package ctap2

import (
	"bytes"

	"github.com/fxamacker/cbor/v2"

	"github.com/openfido/fidokey/pkg/ctaptypes"
)

func (e *Engine) config(params []byte) error {
	const cmd = ctaptypes.AuthenticatorConfig

	req := new(ctaptypes.AuthenticatorConfigRequest)
	if err := e.decode(cmd, params, req); err != nil {
		return err
	}

	if err := e.verifyConfigAuth(cmd, req); err != nil {
		return err
	}

	switch req.SubCommand {
	case ctaptypes.ConfigSubCommandEnableEnterpriseAttestation:
		return ctaptypes.NewCTAPError(cmd, ctaptypes.CTAP2_ERR_UNSUPPORTED_OPTION)
	case ctaptypes.ConfigSubCommandToggleAlwaysUv:
		if err := e.store.ToggleAlwaysUV(); err != nil {
			return ctaptypes.NewCTAPError(cmd, ctaptypes.CTAP2_ERR_PROCESSING)
		}
		return nil
	case ctaptypes.ConfigSubCommandSetMinPINLength:
		return e.setMinPINLength(req)
	default:
		return ctaptypes.NewCTAPError(cmd, ctaptypes.CTAP2_ERR_INVALID_SUBCOMMAND)
	}
}

// verifyConfigAuth checks pinUvAuthParam over
// 32 x 0xff || 0x0d || subCommand || subCommandParams.
func (e *Engine) verifyConfigAuth(cmd ctaptypes.Command, req *ctaptypes.AuthenticatorConfigRequest) error {
	if !e.store.PINSet() {
		return ctaptypes.NewCTAPError(cmd, ctaptypes.CTAP2_ERR_PIN_NOT_SET)
	}
	if len(req.PinUvAuthParam) == 0 {
		return ctaptypes.NewCTAPError(cmd, ctaptypes.CTAP2_ERR_PUAT_REQUIRED)
	}

	message := make([]byte, 0, 32+2+len(req.SubCommandParams))
	message = append(message, bytes.Repeat([]byte{0xff}, 32)...)
	message = append(message, 0x0d, byte(req.SubCommand))
	message = append(message, req.SubCommandParams...)

	return e.verifyPinAuth(cmd, req.PinUvAuthProtocol, message, req.PinUvAuthParam)
}

func (e *Engine) setMinPINLength(req *ctaptypes.AuthenticatorConfigRequest) error {
	const cmd = ctaptypes.AuthenticatorConfig

	if len(req.SubCommandParams) == 0 {
		return ctaptypes.NewCTAPError(cmd, ctaptypes.CTAP2_ERR_MISSING_PARAMETER)
	}
	params := new(ctaptypes.SetMinPINLengthConfigSubCommandParams)
	if err := cbor.Unmarshal(req.SubCommandParams, params); err != nil {
		return ctaptypes.NewCTAPError(cmd, ctaptypes.CTAP2_ERR_INVALID_CBOR)
	}
	if len(params.MinPinLengthRPIDs) > 0 {
		return ctaptypes.NewCTAPError(cmd, ctaptypes.CTAP1_ERR_INVALID_PARAMETER)
	}

	current := e.store.MinPINLength()
	if params.NewMinPINLength < current || params.NewMinPINLength > maxPINLength {
		return ctaptypes.NewCTAPError(cmd, ctaptypes.CTAP2_ERR_PIN_POLICY_VIOLATION)
	}

	// Raising the floor above the current PIN's possible length forces a
	// change on next use.
	forceChange := params.ForceChangePin ||
		(e.store.PINSet() && params.NewMinPINLength > current)

	if err := e.store.SetMinPINLength(params.NewMinPINLength, forceChange); err != nil {
		return ctaptypes.NewCTAPError(cmd, ctaptypes.CTAP2_ERR_PROCESSING)
	}
	return nil
}
