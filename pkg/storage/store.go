// Package storage implements the authenticator's persistent state: stored
// credentials, PIN state, the global signature counter, the attestation key
// and the serialized large-blob array. Credentials are sealed with
// AES-256-GCM under a device master key before they reach the backend.
package storage

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/openfido/fidokey/pkg/crypto"
	"github.com/openfido/fidokey/pkg/options"
	"github.com/openfido/fidokey/pkg/webauthntypes"
)

const (
	// MaxCredentials caps the key store.
	MaxCredentials = 50
	// MaxLargeBlobSize caps the serialized large-blob array.
	MaxLargeBlobSize = 2048
	// DefaultMinPINLength is the factory PIN length floor.
	DefaultMinPINLength = 4
	// MaxPINRetries is the factory retry budget.
	MaxPINRetries = 8

	metaRecord = "meta"
	credPrefix = "cred/"
)

var (
	ErrStoreFull         = errors.New("storage: credential store full")
	ErrCredNotFound      = errors.New("storage: credential not found")
	ErrLargeBlobSize     = errors.New("storage: large blob exceeds maximum size")
	ErrSignCountRollback = errors.New("storage: sign count may not decrease")
)

type meta struct {
	MasterKey       []byte   `cbor:"1,keyasint"`
	AttestationKey  []byte   `cbor:"2,keyasint"`
	AttestationCert []byte   `cbor:"3,keyasint"`
	Counter         uint32   `cbor:"4,keyasint"`
	PINHash         []byte   `cbor:"5,keyasint,omitempty"`
	PINRetries      uint8    `cbor:"6,keyasint"`
	MinPINLength    uint     `cbor:"7,keyasint"`
	ForcePINChange  bool     `cbor:"8,keyasint,omitempty"`
	AlwaysUV        bool     `cbor:"9,keyasint,omitempty"`
	CredentialIDs   [][]byte `cbor:"10,keyasint,omitempty"`
	LargeBlob       []byte   `cbor:"11,keyasint"`
	NextSeq         uint64   `cbor:"12,keyasint"`
}

// Store owns the persistent authenticator state. Every mutating method
// persists before returning, so a response never outruns its state change.
type Store struct {
	logger  *slog.Logger
	encMode cbor.EncMode
	backend Backend
	meta    *meta
}

// Open loads existing state from the backend or provisions fresh state on
// first boot.
func Open(backend Backend, opts ...options.Option) (*Store, error) {
	oo := options.NewOptions(opts...)

	s := &Store{
		logger:  oo.Logger,
		encMode: oo.EncMode,
		backend: backend,
	}

	data, err := backend.Load(metaRecord)
	switch {
	case errors.Is(err, ErrNotFound):
		s.logger.Info("no persistent state found, provisioning")
		if err := s.provision(); err != nil {
			return nil, err
		}
	case err != nil:
		return nil, fmt.Errorf("cannot load persistent state: %w", err)
	default:
		m := new(meta)
		if err := cbor.Unmarshal(data, m); err != nil {
			return nil, fmt.Errorf("cannot decode persistent state: %w", err)
		}
		s.meta = m
	}

	return s, nil
}

func (s *Store) provision() error {
	masterKey, err := crypto.Random(32)
	if err != nil {
		return err
	}

	attKey, attCert, err := generateAttestation()
	if err != nil {
		return err
	}

	s.meta = &meta{
		MasterKey:       masterKey,
		AttestationKey:  attKey,
		AttestationCert: attCert,
		PINRetries:      MaxPINRetries,
		MinPINLength:    DefaultMinPINLength,
		LargeBlob:       initialLargeBlob(),
		NextSeq:         1,
	}

	return s.persistMeta()
}

func generateAttestation() (keyDER []byte, certDER []byte, err error) {
	priv, err := crypto.ECDSAGenerateKey()
	if err != nil {
		return nil, nil, err
	}

	keyDER, err = x509.MarshalECPrivateKey(priv)
	if err != nil {
		return nil, nil, fmt.Errorf("cannot serialize attestation key: %w", err)
	}

	serial, err := crypto.Random(16)
	if err != nil {
		return nil, nil, err
	}

	template := &x509.Certificate{
		SerialNumber: new(big.Int).SetBytes(serial),
		Subject: pkix.Name{
			Organization: []string{"OpenFIDO"},
			CommonName:   "OpenFIDO Key Attestation",
		},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().AddDate(30, 0, 0),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
	}

	certDER, err = x509.CreateCertificate(rand.Reader, template, template, priv.Public(), priv)
	if err != nil {
		return nil, nil, fmt.Errorf("cannot self-sign attestation certificate: %w", err)
	}

	return keyDER, certDER, nil
}

// initialLargeBlob is the serialized empty large-blob array: an empty CBOR
// array followed by the first 16 bytes of its SHA-256.
func initialLargeBlob() []byte {
	payload := []byte{0x80}
	return append(payload, crypto.SHA256(payload)[:16]...)
}

func (s *Store) persistMeta() error {
	data, err := s.encMode.Marshal(s.meta)
	if err != nil {
		return fmt.Errorf("cannot encode persistent state: %w", err)
	}
	if err := s.backend.Store(metaRecord, data); err != nil {
		return fmt.Errorf("cannot persist state: %w", err)
	}
	return nil
}

func credRecord(id []byte) string {
	return credPrefix + hex.EncodeToString(id)
}

// AddCredential seals and stores a credential. An existing resident
// credential for the same RP and user is replaced instead of duplicated.
func (s *Store) AddCredential(cred *Credential) error {
	if cred.Resident {
		for _, id := range s.meta.CredentialIDs {
			existing, err := s.loadCredential(id)
			if err != nil {
				continue
			}
			if existing.Resident && existing.RPID == cred.RPID &&
				bytes.Equal(existing.User.ID, cred.User.ID) {
				if err := s.DeleteCredential(existing.ID); err != nil {
					return err
				}
				break
			}
		}
	}

	if len(s.meta.CredentialIDs) >= MaxCredentials {
		return ErrStoreFull
	}

	cred.CreatedSeq = s.meta.NextSeq

	if err := s.storeCredential(cred); err != nil {
		return err
	}

	s.meta.NextSeq++
	s.meta.CredentialIDs = append(s.meta.CredentialIDs, cred.ID)
	if err := s.persistMeta(); err != nil {
		// Roll the orphaned record back so the store stays consistent.
		_ = s.backend.Delete(credRecord(cred.ID))
		return err
	}

	s.logger.Debug("credential stored",
		slog.String("rpId", cred.RPID),
		slog.Bool("resident", cred.Resident),
	)
	return nil
}

func (s *Store) storeCredential(cred *Credential) error {
	plaintext, err := s.encMode.Marshal(cred)
	if err != nil {
		return fmt.Errorf("cannot encode credential: %w", err)
	}
	defer crypto.Zeroize(plaintext)

	sealed, err := crypto.AESGCMSeal(s.meta.MasterKey, plaintext, credAAD(cred.ID))
	if err != nil {
		return fmt.Errorf("cannot seal credential: %w", err)
	}

	return s.backend.Store(credRecord(cred.ID), sealed)
}

func credAAD(id []byte) []byte {
	return append([]byte("cred"), id...)
}

func (s *Store) loadCredential(id []byte) (*Credential, error) {
	sealed, err := s.backend.Load(credRecord(id))
	if errors.Is(err, ErrNotFound) {
		return nil, ErrCredNotFound
	}
	if err != nil {
		return nil, err
	}

	plaintext, err := crypto.AESGCMOpen(s.meta.MasterKey, sealed, credAAD(id))
	if err != nil {
		return nil, fmt.Errorf("cannot unseal credential: %w", err)
	}
	defer crypto.Zeroize(plaintext)

	cred := new(Credential)
	if err := cbor.Unmarshal(plaintext, cred); err != nil {
		return nil, fmt.Errorf("cannot decode credential: %w", err)
	}
	return cred, nil
}

// CredentialByID resolves a credential ID, returning ErrCredNotFound for
// unknown or wrong-length IDs.
func (s *Store) CredentialByID(id []byte) (*Credential, error) {
	if len(id) != CredentialIDLength {
		return nil, ErrCredNotFound
	}
	for _, known := range s.meta.CredentialIDs {
		if bytes.Equal(known, id) {
			return s.loadCredential(id)
		}
	}
	return nil, ErrCredNotFound
}

// CredentialsByRP returns every credential bound to the given rpIdHash in
// insertion order.
func (s *Store) CredentialsByRP(rpIDHash []byte) ([]*Credential, error) {
	var creds []*Credential
	for _, id := range s.meta.CredentialIDs {
		cred, err := s.loadCredential(id)
		if err != nil {
			return nil, err
		}
		if bytes.Equal(cred.RPIDHash, rpIDHash) {
			creds = append(creds, cred)
		}
	}
	return creds, nil
}

// ResidentCredentials returns the discoverable credentials, optionally
// filtered by rpIdHash.
func (s *Store) ResidentCredentials(rpIDHash []byte) ([]*Credential, error) {
	var creds []*Credential
	for _, id := range s.meta.CredentialIDs {
		cred, err := s.loadCredential(id)
		if err != nil {
			return nil, err
		}
		if !cred.Resident {
			continue
		}
		if rpIDHash != nil && !bytes.Equal(cred.RPIDHash, rpIDHash) {
			continue
		}
		creds = append(creds, cred)
	}
	return creds, nil
}

// RP pairs a relying party with the rpIdHash its credentials are stored
// under.
type RP struct {
	Entity webauthntypes.PublicKeyCredentialRpEntity
	IDHash []byte
}

// RPs lists the distinct relying parties holding resident credentials, in
// first-seen order.
func (s *Store) RPs() ([]RP, error) {
	var rps []RP
	seen := make(map[string]struct{})
	for _, id := range s.meta.CredentialIDs {
		cred, err := s.loadCredential(id)
		if err != nil {
			return nil, err
		}
		if !cred.Resident {
			continue
		}
		if _, ok := seen[cred.RPID]; ok {
			continue
		}
		seen[cred.RPID] = struct{}{}
		rps = append(rps, RP{
			Entity: webauthntypes.PublicKeyCredentialRpEntity{
				ID:   cred.RPID,
				Name: cred.RPName,
			},
			IDHash: cred.RPIDHash,
		})
	}
	return rps, nil
}

// CredentialCounts reports stored and remaining credential slots.
func (s *Store) CredentialCounts() (stored uint, remaining uint) {
	stored = uint(len(s.meta.CredentialIDs))
	return stored, MaxCredentials - stored
}

// DeleteCredential removes a credential and its backing record.
func (s *Store) DeleteCredential(id []byte) error {
	idx := -1
	for i, known := range s.meta.CredentialIDs {
		if bytes.Equal(known, id) {
			idx = i
			break
		}
	}
	if idx < 0 {
		return ErrCredNotFound
	}

	if err := s.backend.Delete(credRecord(id)); err != nil {
		return err
	}
	s.meta.CredentialIDs = append(s.meta.CredentialIDs[:idx], s.meta.CredentialIDs[idx+1:]...)
	return s.persistMeta()
}

// UpdateUser rewrites the user entity of a stored credential.
func (s *Store) UpdateUser(id []byte, user webauthntypes.PublicKeyCredentialUserEntity) error {
	cred, err := s.CredentialByID(id)
	if err != nil {
		return err
	}
	cred.User = user
	return s.storeCredential(cred)
}

// NextSignCount increments the global signature counter and persists it
// before returning the new value.
func (s *Store) NextSignCount() (uint32, error) {
	s.meta.Counter++
	if err := s.persistMeta(); err != nil {
		s.meta.Counter--
		return 0, err
	}
	return s.meta.Counter, nil
}

// SignCount returns the current counter without incrementing.
func (s *Store) SignCount() uint32 {
	return s.meta.Counter
}

// UpdateSignCount records the value last signed with a credential. Lowering
// a stored sign count fails with ErrSignCountRollback.
func (s *Store) UpdateSignCount(id []byte, n uint32) error {
	cred, err := s.CredentialByID(id)
	if err != nil {
		return err
	}
	if n < cred.SignCount {
		return ErrSignCountRollback
	}
	cred.SignCount = n
	return s.storeCredential(cred)
}

// PIN state accessors. The stored value is the full SHA-256 of the PIN;
// comparisons use its first 16 bytes per the PIN protocol.

func (s *Store) PINSet() bool {
	return len(s.meta.PINHash) > 0
}

func (s *Store) PINHash() []byte {
	return s.meta.PINHash
}

func (s *Store) SetPINHash(hash []byte) error {
	s.meta.PINHash = hash
	s.meta.PINRetries = MaxPINRetries
	s.meta.ForcePINChange = false
	return s.persistMeta()
}

func (s *Store) PINRetries() uint8 {
	return s.meta.PINRetries
}

func (s *Store) DecrementPINRetries() error {
	if s.meta.PINRetries > 0 {
		s.meta.PINRetries--
	}
	return s.persistMeta()
}

func (s *Store) ResetPINRetries() error {
	s.meta.PINRetries = MaxPINRetries
	return s.persistMeta()
}

func (s *Store) MinPINLength() uint {
	return s.meta.MinPINLength
}

func (s *Store) SetMinPINLength(length uint, forceChange bool) error {
	s.meta.MinPINLength = length
	if forceChange {
		s.meta.ForcePINChange = true
	}
	return s.persistMeta()
}

func (s *Store) ForcePINChange() bool {
	return s.meta.ForcePINChange
}

func (s *Store) AlwaysUV() bool {
	return s.meta.AlwaysUV
}

func (s *Store) ToggleAlwaysUV() error {
	s.meta.AlwaysUV = !s.meta.AlwaysUV
	return s.persistMeta()
}

// LargeBlob returns the serialized large-blob array.
func (s *Store) LargeBlob() []byte {
	return s.meta.LargeBlob
}

// SetLargeBlob replaces the serialized large-blob array.
func (s *Store) SetLargeBlob(data []byte) error {
	if len(data) > MaxLargeBlobSize {
		return ErrLargeBlobSize
	}
	s.meta.LargeBlob = append([]byte(nil), data...)
	return s.persistMeta()
}

// AttestationKey parses the device attestation key.
func (s *Store) AttestationKey() (*ecdsa.PrivateKey, error) {
	priv, err := x509.ParseECPrivateKey(s.meta.AttestationKey)
	if err != nil {
		return nil, fmt.Errorf("cannot parse attestation key: %w", err)
	}
	return priv, nil
}

// AttestationCert returns the self-signed attestation certificate, DER form.
func (s *Store) AttestationCert() []byte {
	return s.meta.AttestationCert
}

// Format erases all credentials and PIN state, zeroes the signature counter
// and regenerates the master and attestation keys.
func (s *Store) Format() error {
	for _, id := range s.meta.CredentialIDs {
		if err := s.backend.Delete(credRecord(id)); err != nil {
			return err
		}
	}

	crypto.Zeroize(s.meta.MasterKey, s.meta.AttestationKey)

	s.logger.Info("store formatted")
	return s.provision()
}
