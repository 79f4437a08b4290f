package ctaptypes

import "github.com/ldclabs/cose/key"

// HMACSecretInput is the "hmac-secret" extension input on authenticatorGetAssertion.
// SaltEnc holds one or two 32-byte salts encrypted under the shared secret,
// SaltAuth authenticates them.
type HMACSecretInput struct {
	KeyAgreement      key.Key           `cbor:"1,keyasint"`
	SaltEnc           []byte            `cbor:"2,keyasint"`
	SaltAuth          []byte            `cbor:"3,keyasint"`
	PinUvAuthProtocol PinUvAuthProtocol `cbor:"4,keyasint,omitempty"`
}
