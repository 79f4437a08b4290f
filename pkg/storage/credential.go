package storage

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/x509"
	"fmt"

	"github.com/ldclabs/cose/iana"
	"github.com/ldclabs/cose/key"

	"github.com/openfido/fidokey/pkg/crypto"
	"github.com/openfido/fidokey/pkg/ctaptypes"
	"github.com/openfido/fidokey/pkg/webauthntypes"
)

// CredentialIDLength is the fixed length of credential IDs. IDs are random
// lookup handles, not wrapped key material.
const CredentialIDLength = 16

// Credential is one stored key. It is serialized to CBOR and sealed under
// the device master key before reaching the backend.
type Credential struct {
	ID        []byte                                      `cbor:"1,keyasint"`
	RPID      string                                      `cbor:"2,keyasint"`
	RPIDHash  []byte                                      `cbor:"3,keyasint"`
	RPName    string                                      `cbor:"4,keyasint,omitempty"`
	User      webauthntypes.PublicKeyCredentialUserEntity `cbor:"5,keyasint"`
	Algorithm int                                         `cbor:"6,keyasint"`
	// PrivateKey is SEC1 DER for ES256 and the 32-byte seed for EdDSA.
	PrivateKey    []byte                      `cbor:"7,keyasint"`
	Resident      bool                        `cbor:"8,keyasint,omitempty"`
	CredProtect   ctaptypes.CredProtectPolicy `cbor:"9,keyasint,omitempty"`
	CredBlob      []byte                      `cbor:"10,keyasint,omitempty"`
	LargeBlobKey  []byte                      `cbor:"11,keyasint,omitempty"`
	HMACSecretKey []byte                      `cbor:"12,keyasint,omitempty"`
	CreatedSeq    uint64                      `cbor:"13,keyasint"`
	// SignCount is the value last put on the wire for this credential. It
	// never decreases.
	SignCount uint32 `cbor:"14,keyasint,omitempty"`
}

// ECDSAPrivateKey parses the stored ES256 key.
func (c *Credential) ECDSAPrivateKey() (*ecdsa.PrivateKey, error) {
	priv, err := x509.ParseECPrivateKey(c.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("cannot parse stored EC key: %w", err)
	}
	return priv, nil
}

// Ed25519PrivateKey expands the stored EdDSA seed.
func (c *Credential) Ed25519PrivateKey() ed25519.PrivateKey {
	return ed25519.NewKeyFromSeed(c.PrivateKey)
}

// PublicKey returns the credential public key as a COSE_Key.
func (c *Credential) PublicKey() (key.Key, error) {
	switch c.Algorithm {
	case iana.AlgorithmES256:
		priv, err := c.ECDSAPrivateKey()
		if err != nil {
			return nil, err
		}
		return crypto.ECDSAPublicKeyToCOSE(&priv.PublicKey), nil
	case iana.AlgorithmEdDSA:
		priv := c.Ed25519PrivateKey()
		return crypto.Ed25519PublicKeyToCOSE(priv.Public().(ed25519.PublicKey)), nil
	default:
		return nil, fmt.Errorf("storage: unsupported algorithm %d", c.Algorithm)
	}
}
