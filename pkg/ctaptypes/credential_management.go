package ctaptypes

import (
	"github.com/fxamacker/cbor/v2"
	"github.com/ldclabs/cose/key"

	"github.com/openfido/fidokey/pkg/webauthntypes"
)

type AuthenticatorCredentialManagementRequest struct {
	SubCommand CredentialManagementSubCommand `cbor:"1,keyasint"`
	// SubCommandParams stays raw so pinUvAuthParam can be verified over the
	// exact bytes the platform sent.
	SubCommandParams  cbor.RawMessage   `cbor:"2,keyasint,omitempty"`
	PinUvAuthProtocol PinUvAuthProtocol `cbor:"3,keyasint,omitempty"`
	PinUvAuthParam    []byte            `cbor:"4,keyasint,omitempty"`
}

type CredentialManagementSubCommandParams struct {
	RPIDHash     []byte                                       `cbor:"1,keyasint,omitempty"`
	CredentialID *webauthntypes.PublicKeyCredentialDescriptor `cbor:"2,keyasint,omitempty"`
	User         *webauthntypes.PublicKeyCredentialUserEntity `cbor:"3,keyasint,omitempty"`
}

type AuthenticatorCredentialManagementResponse struct {
	ExistingResidentCredentialsCount             *uint                                        `cbor:"1,keyasint,omitempty"`
	MaxPossibleRemainingResidentCredentialsCount *uint                                        `cbor:"2,keyasint,omitempty"`
	RP                                           *webauthntypes.PublicKeyCredentialRpEntity   `cbor:"3,keyasint,omitempty"`
	RPIDHash                                     []byte                                       `cbor:"4,keyasint,omitempty"`
	TotalRPs                                     *uint                                        `cbor:"5,keyasint,omitempty"`
	User                                         *webauthntypes.PublicKeyCredentialUserEntity `cbor:"6,keyasint,omitempty"`
	CredentialID                                 *webauthntypes.PublicKeyCredentialDescriptor `cbor:"7,keyasint,omitempty"`
	PublicKey                                    key.Key                                      `cbor:"8,keyasint,omitzero"`
	TotalCredentials                             *uint                                        `cbor:"9,keyasint,omitempty"`
	CredProtect                                  uint                                         `cbor:"10,keyasint,omitempty"`
	LargeBlobKey                                 []byte                                       `cbor:"11,keyasint,omitempty"`
}
