package ctaptypes

import "github.com/fxamacker/cbor/v2"

type AuthenticatorConfigRequest struct {
	SubCommand        ConfigSubCommand  `cbor:"1,keyasint"`
	SubCommandParams  cbor.RawMessage   `cbor:"2,keyasint,omitempty"`
	PinUvAuthProtocol PinUvAuthProtocol `cbor:"3,keyasint,omitempty"`
	PinUvAuthParam    []byte            `cbor:"4,keyasint,omitempty"`
}

type SetMinPINLengthConfigSubCommandParams struct {
	NewMinPINLength   uint     `cbor:"1,keyasint,omitempty"`
	MinPinLengthRPIDs []string `cbor:"2,keyasint,omitempty"`
	ForceChangePin    bool     `cbor:"3,keyasint,omitempty"`
}
