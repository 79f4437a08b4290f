package ctaptypes

import (
	"github.com/fxamacker/cbor/v2"

	"github.com/openfido/fidokey/pkg/webauthntypes"
)

type AuthenticatorMakeCredentialRequest struct {
	ClientDataHash    []byte                                                `cbor:"1,keyasint"`
	RP                webauthntypes.PublicKeyCredentialRpEntity             `cbor:"2,keyasint"`
	User              webauthntypes.PublicKeyCredentialUserEntity           `cbor:"3,keyasint"`
	PubKeyCredParams  []webauthntypes.PublicKeyCredentialParameters         `cbor:"4,keyasint"`
	ExcludeList       []webauthntypes.PublicKeyCredentialDescriptor         `cbor:"5,keyasint,omitempty"`
	Extensions        map[webauthntypes.ExtensionIdentifier]cbor.RawMessage `cbor:"6,keyasint,omitempty"`
	Options           map[Option]bool                                       `cbor:"7,keyasint,omitempty"`
	PinUvAuthParam    []byte                                                `cbor:"8,keyasint,omitempty"`
	PinUvAuthProtocol PinUvAuthProtocol                                     `cbor:"9,keyasint,omitempty"`
}

type AuthenticatorMakeCredentialResponse struct {
	Format               webauthntypes.AttestationStatementFormatIdentifier `cbor:"1,keyasint"`
	AuthData             []byte                                             `cbor:"2,keyasint"`
	AttestationStatement webauthntypes.PackedAttestationStatementFormat     `cbor:"3,keyasint"`
	LargeBlobKey         []byte                                             `cbor:"5,keyasint,omitempty"`
}
