package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"math/big"

	"github.com/ldclabs/cose/iana"
	"github.com/ldclabs/cose/key"
	cosekey "github.com/ldclabs/cose/key/ecdh"
	"golang.org/x/crypto/hkdf"
)

var (
	ErrInvalidPublicKey = errors.New("crypto: invalid public key")
	ErrInvalidSignature = errors.New("crypto: invalid signature length")
)

func SHA256(data ...[]byte) []byte {
	hasher := sha256.New()
	for _, d := range data {
		hasher.Write(d)
	}
	return hasher.Sum(nil)
}

func HMACSHA256(key []byte, data ...[]byte) []byte {
	hasher := hmac.New(sha256.New, key)
	for _, d := range data {
		hasher.Write(d)
	}
	return hasher.Sum(nil)
}

func HKDFSHA256(secret, salt, info []byte, l int) ([]byte, error) {
	out := make([]byte, l)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, salt, info), out); err != nil {
		return nil, fmt.Errorf("cannot expand HKDF output: %w", err)
	}
	return out, nil
}

func Random(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("cannot read from system RNG: %w", err)
	}
	return buf, nil
}

// Zeroize overwrites key material in place. Callers defer it on every path
// that held a private scalar or derived secret.
func Zeroize(bufs ...[]byte) {
	for _, buf := range bufs {
		for i := range buf {
			buf[i] = 0
		}
	}
}

func ECDSAGenerateKey() (*ecdsa.PrivateKey, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("cannot generate P-256 keypair: %w", err)
	}
	return priv, nil
}

// ECDSASign signs a 32-byte digest and returns the raw r||s form, each half
// left-padded to 32 bytes.
func ECDSASign(priv *ecdsa.PrivateKey, digest []byte) ([]byte, error) {
	r, s, err := ecdsa.Sign(rand.Reader, priv, digest)
	if err != nil {
		return nil, fmt.Errorf("cannot sign digest: %w", err)
	}

	sig := make([]byte, 64)
	r.FillBytes(sig[:32])
	s.FillBytes(sig[32:])
	return sig, nil
}

// ECDSASignASN1 signs a 32-byte digest and returns the ASN.1 DER form used
// by U2F and attestation statements.
func ECDSASignASN1(priv *ecdsa.PrivateKey, digest []byte) ([]byte, error) {
	sig, err := ecdsa.SignASN1(rand.Reader, priv, digest)
	if err != nil {
		return nil, fmt.Errorf("cannot sign digest: %w", err)
	}
	return sig, nil
}

func ECDSAVerify(pub *ecdsa.PublicKey, digest []byte, sig []byte) bool {
	if len(sig) != 64 {
		return false
	}
	r := new(big.Int).SetBytes(sig[:32])
	s := new(big.Int).SetBytes(sig[32:])
	return ecdsa.Verify(pub, digest, r, s)
}

func Ed25519GenerateKey() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("cannot generate Ed25519 keypair: %w", err)
	}
	return pub, priv, nil
}

// ECDSAPublicKeyToCOSE builds an EC2 COSE_Key carrying only the parameters
// the CTAP2 canonical form allows.
func ECDSAPublicKeyToCOSE(pub *ecdsa.PublicKey) key.Key {
	x := make([]byte, 32)
	y := make([]byte, 32)
	pub.X.FillBytes(x)
	pub.Y.FillBytes(y)

	return key.Key{
		iana.KeyParameterKty:    iana.KeyTypeEC2,
		iana.KeyParameterAlg:    iana.AlgorithmES256,
		iana.EC2KeyParameterCrv: iana.EllipticCurveP_256,
		iana.EC2KeyParameterX:   x,
		iana.EC2KeyParameterY:   y,
	}
}

func Ed25519PublicKeyToCOSE(pub ed25519.PublicKey) key.Key {
	return key.Key{
		iana.KeyParameterKty:    iana.KeyTypeOKP,
		iana.KeyParameterAlg:    iana.AlgorithmEdDSA,
		iana.OKPKeyParameterCrv: iana.EllipticCurveEd25519,
		iana.OKPKeyParameterX:   []byte(pub),
	}
}

// KeyAgreement is the authenticator half of the PIN protocol key agreement.
// A fresh keypair is generated at power-up and regenerated on reset.
type KeyAgreement struct {
	privateKey *ecdh.PrivateKey
	coseKey    key.Key
}

func NewKeyAgreement() (*KeyAgreement, error) {
	privkey, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("cannot generate P-256 keypair: %w", err)
	}

	pubkey, err := cosekey.KeyFromPublic(privkey.Public().(*ecdh.PublicKey))
	if err != nil {
		return nil, fmt.Errorf("cannot convert public key to COSE_Key: %w", err)
	}
	if err := pubkey.Set(iana.KeyParameterAlg, -25); err != nil {
		return nil, fmt.Errorf("cannot set alg parameter for COSE_Key: %w", err)
	}

	// Platforms reject COSE_Keys carrying parameters beyond the required set.
	delete(pubkey, iana.KeyParameterKid)

	return &KeyAgreement{
		privateKey: privkey,
		coseKey:    pubkey,
	}, nil
}

// PublicKey returns the COSE_Key the authenticator exposes through
// authenticatorClientPIN getKeyAgreement.
func (k *KeyAgreement) PublicKey() key.Key {
	return k.coseKey
}

// SharedSecret derives the raw ECDH shared point X coordinate with the
// platform key. The caller applies the PIN protocol KDF.
func (k *KeyAgreement) SharedSecret(peerCoseKey key.Key) ([]byte, error) {
	peerPubkey, err := cosekey.KeyToPublic(peerCoseKey)
	if err != nil {
		return nil, fmt.Errorf("cannot convert peer public key to Go *ecdh.PublicKey: %w", err)
	}

	sharedSecret, err := k.privateKey.ECDH(peerPubkey)
	if err != nil {
		return nil, fmt.Errorf("cannot derive shared secret: %w", err)
	}

	return sharedSecret, nil
}

// AESGCMSeal encrypts plaintext and prepends the random 12-byte nonce.
func AESGCMSeal(key, plaintext, aad []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	nonce, err := Random(gcm.NonceSize())
	if err != nil {
		return nil, err
	}

	return gcm.Seal(nonce, nonce, plaintext, aad), nil
}

// AESGCMOpen is the inverse of AESGCMSeal.
func AESGCMOpen(key, ciphertext, aad []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	if len(ciphertext) < gcm.NonceSize() {
		return nil, errors.New("crypto: ciphertext shorter than nonce")
	}

	return gcm.Open(nil, ciphertext[:gcm.NonceSize()], ciphertext[gcm.NonceSize():], aad)
}
