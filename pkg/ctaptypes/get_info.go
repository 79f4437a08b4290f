package ctaptypes

import (
	"github.com/google/uuid"

	"github.com/openfido/fidokey/pkg/webauthntypes"
)

type (
	Version           string
	Versions          []Version
	PinUvAuthProtocol uint
)

const (
	FIDO_2_0     Version = "FIDO_2_0"
	FIDO_2_1_PRE Version = "FIDO_2_1_PRE"
	FIDO_2_1     Version = "FIDO_2_1"
	U2F_V2       Version = "U2F_V2"
)

const (
	PinUvAuthProtocolOne PinUvAuthProtocol = iota + 1
	PinUvAuthProtocolTwo
)

type AuthenticatorGetInfoResponse struct {
	Versions                         Versions                                      `cbor:"1,keyasint"`
	Extensions                       []webauthntypes.ExtensionIdentifier           `cbor:"2,keyasint,omitempty"`
	AAGUID                           uuid.UUID                                     `cbor:"3,keyasint"`
	Options                          map[Option]bool                               `cbor:"4,keyasint,omitempty"`
	MaxMsgSize                       uint                                          `cbor:"5,keyasint,omitempty"`
	PinUvAuthProtocols               []PinUvAuthProtocol                           `cbor:"6,keyasint,omitempty"`
	MaxCredentialCountInList         uint                                          `cbor:"7,keyasint,omitempty"`
	MaxCredentialLength              uint                                          `cbor:"8,keyasint,omitempty"`
	Transports                       []webauthntypes.AuthenticatorTransport        `cbor:"9,keyasint,omitempty"`
	Algorithms                       []webauthntypes.PublicKeyCredentialParameters `cbor:"10,keyasint,omitempty"`
	MaxSerializedLargeBlobArray      uint                                          `cbor:"11,keyasint,omitempty"`
	ForcePinChange                   bool                                          `cbor:"12,keyasint,omitempty"`
	MinPinLength                     uint                                          `cbor:"13,keyasint,omitempty"`
	FirmwareVersion                  uint                                          `cbor:"14,keyasint,omitempty"`
	MaxCredBlobLength                uint                                          `cbor:"15,keyasint,omitempty"`
	MaxRPIDsForSetMinPINLength       uint                                          `cbor:"16,keyasint,omitempty"`
	RemainingDiscoverableCredentials *uint                                         `cbor:"20,keyasint,omitempty"`
}
