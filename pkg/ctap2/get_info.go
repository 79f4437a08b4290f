package ctap2

import (
	"github.com/ldclabs/cose/iana"
	"github.com/ldclabs/cose/key"

	"github.com/openfido/fidokey/pkg/ctaptypes"
	"github.com/openfido/fidokey/pkg/storage"
	"github.com/openfido/fidokey/pkg/webauthntypes"
)

func (e *Engine) getInfo() (*ctaptypes.AuthenticatorGetInfoResponse, error) {
	pinSet := e.store.PINSet()
	_, remaining := e.store.CredentialCounts()

	return &ctaptypes.AuthenticatorGetInfoResponse{
		Versions: ctaptypes.Versions{
			ctaptypes.FIDO_2_1,
			ctaptypes.FIDO_2_0,
			ctaptypes.U2F_V2,
		},
		Extensions: []webauthntypes.ExtensionIdentifier{
			webauthntypes.ExtensionIdentifierHMACSecret,
			webauthntypes.ExtensionIdentifierCredentialProtection,
			webauthntypes.ExtensionIdentifierCredentialBlob,
			webauthntypes.ExtensionIdentifierLargeBlobKey,
		},
		AAGUID: AAGUID,
		Options: map[ctaptypes.Option]bool{
			ctaptypes.OptionPlatformDevice:              false,
			ctaptypes.OptionResidentKeys:                true,
			ctaptypes.OptionUserPresence:                true,
			ctaptypes.OptionClientPIN:                   pinSet,
			ctaptypes.OptionCredentialManagement:        true,
			ctaptypes.OptionLargeBlobs:                  true,
			ctaptypes.OptionAuthenticatorConfig:         true,
			ctaptypes.OptionSetMinPINLength:             true,
			ctaptypes.OptionMakeCredentialUvNotRequired: true,
			ctaptypes.OptionAlwaysUv:                    e.store.AlwaysUV(),
		},
		MaxMsgSize:               MaxMsgSize,
		PinUvAuthProtocols:       []ctaptypes.PinUvAuthProtocol{ctaptypes.PinUvAuthProtocolOne},
		MaxCredentialCountInList: MaxCredentialCountInList,
		MaxCredentialLength:      storage.CredentialIDLength,
		Transports: []webauthntypes.AuthenticatorTransport{
			webauthntypes.AuthenticatorTransportUSB,
			webauthntypes.AuthenticatorTransportBLE,
		},
		Algorithms: []webauthntypes.PublicKeyCredentialParameters{
			{
				Type:      webauthntypes.PublicKeyCredentialTypePublicKey,
				Algorithm: key.Alg(iana.AlgorithmES256),
			},
			{
				Type:      webauthntypes.PublicKeyCredentialTypePublicKey,
				Algorithm: key.Alg(iana.AlgorithmEdDSA),
			},
		},
		MaxSerializedLargeBlobArray:      storage.MaxLargeBlobSize,
		ForcePinChange:                   e.store.ForcePINChange(),
		MinPinLength:                     e.store.MinPINLength(),
		FirmwareVersion:                  1,
		MaxCredBlobLength:                MaxCredBlobLength,
		RemainingDiscoverableCredentials: &remaining,
	}, nil
}
