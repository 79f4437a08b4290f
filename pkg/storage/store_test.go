package storage

import (
	"crypto/x509"
	"fmt"
	"testing"

	"github.com/ldclabs/cose/iana"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfido/fidokey/pkg/crypto"
	"github.com/openfido/fidokey/pkg/webauthntypes"
)

func newTestStore(t *testing.T) (*Store, *MemBackend) {
	t.Helper()
	backend := NewMemBackend()
	s, err := Open(backend)
	require.NoError(t, err)
	return s, backend
}

func newTestCredential(t *testing.T, rpID string, userID []byte, resident bool) *Credential {
	t.Helper()

	id, err := crypto.Random(CredentialIDLength)
	require.NoError(t, err)

	priv, err := crypto.ECDSAGenerateKey()
	require.NoError(t, err)
	keyDER, err := x509.MarshalECPrivateKey(priv)
	require.NoError(t, err)

	return &Credential{
		ID:       id,
		RPID:     rpID,
		RPIDHash: crypto.SHA256([]byte(rpID)),
		User: webauthntypes.PublicKeyCredentialUserEntity{
			ID:   userID,
			Name: "alice",
		},
		Algorithm:  iana.AlgorithmES256,
		PrivateKey: keyDER,
		Resident:   resident,
	}
}

func TestAddAndLookupCredential(t *testing.T) {
	s, _ := newTestStore(t)

	cred := newTestCredential(t, "example.com", []byte{1}, true)
	require.NoError(t, s.AddCredential(cred))

	got, err := s.CredentialByID(cred.ID)
	require.NoError(t, err)
	assert.Equal(t, cred.RPID, got.RPID)
	assert.Equal(t, cred.PrivateKey, got.PrivateKey)

	_, err = s.CredentialByID(make([]byte, CredentialIDLength))
	assert.ErrorIs(t, err, ErrCredNotFound)

	_, err = s.CredentialByID([]byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrCredNotFound)
}

func TestCredentialSealedAtRest(t *testing.T) {
	s, backend := newTestStore(t)

	cred := newTestCredential(t, "example.com", []byte{1}, true)
	require.NoError(t, s.AddCredential(cred))

	raw, err := backend.Load(credRecord(cred.ID))
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "example.com")
	assert.NotContains(t, string(raw), "alice")
}

func TestResidentReplacementSameRPAndUser(t *testing.T) {
	s, _ := newTestStore(t)

	first := newTestCredential(t, "example.com", []byte{1}, true)
	require.NoError(t, s.AddCredential(first))
	second := newTestCredential(t, "example.com", []byte{1}, true)
	require.NoError(t, s.AddCredential(second))

	stored, _ := s.CredentialCounts()
	assert.Equal(t, uint(1), stored)

	_, err := s.CredentialByID(first.ID)
	assert.ErrorIs(t, err, ErrCredNotFound)
	_, err = s.CredentialByID(second.ID)
	assert.NoError(t, err)
}

func TestStoreFull(t *testing.T) {
	s, _ := newTestStore(t)

	for i := 0; i < MaxCredentials; i++ {
		cred := newTestCredential(t, fmt.Sprintf("rp%d.example", i), []byte{byte(i)}, false)
		require.NoError(t, s.AddCredential(cred))
	}

	cred := newTestCredential(t, "one-too-many.example", []byte{0xff}, false)
	assert.ErrorIs(t, s.AddCredential(cred), ErrStoreFull)
}

func TestCredentialsByRPInsertionOrder(t *testing.T) {
	s, _ := newTestStore(t)

	a := newTestCredential(t, "example.com", []byte{1}, true)
	b := newTestCredential(t, "other.example", []byte{2}, true)
	c := newTestCredential(t, "example.com", []byte{3}, true)
	for _, cred := range []*Credential{a, b, c} {
		require.NoError(t, s.AddCredential(cred))
	}

	creds, err := s.CredentialsByRP(crypto.SHA256([]byte("example.com")))
	require.NoError(t, err)
	require.Len(t, creds, 2)
	assert.Equal(t, a.ID, creds[0].ID)
	assert.Equal(t, c.ID, creds[1].ID)

	rps, err := s.RPs()
	require.NoError(t, err)
	require.Len(t, rps, 2)
	assert.Equal(t, "example.com", rps[0].Entity.ID)
	assert.Equal(t, "other.example", rps[1].Entity.ID)
}

func TestSignCountMonotonicAndPersisted(t *testing.T) {
	s, backend := newTestStore(t)

	n1, err := s.NextSignCount()
	require.NoError(t, err)
	n2, err := s.NextSignCount()
	require.NoError(t, err)
	assert.Greater(t, n2, n1)

	// A reopened store continues from the persisted value.
	reopened, err := Open(backend)
	require.NoError(t, err)
	n3, err := reopened.NextSignCount()
	require.NoError(t, err)
	assert.Greater(t, n3, n2)
}

func TestUpdateSignCountPerCredential(t *testing.T) {
	s, backend := newTestStore(t)

	cred := newTestCredential(t, "example.com", []byte{1}, false)
	require.NoError(t, s.AddCredential(cred))

	require.NoError(t, s.UpdateSignCount(cred.ID, 7))

	got, err := s.CredentialByID(cred.ID)
	require.NoError(t, err)
	assert.Equal(t, uint32(7), got.SignCount)

	// Equal is allowed, lower is not.
	assert.NoError(t, s.UpdateSignCount(cred.ID, 7))
	assert.ErrorIs(t, s.UpdateSignCount(cred.ID, 6), ErrSignCountRollback)

	assert.ErrorIs(t, s.UpdateSignCount(make([]byte, CredentialIDLength), 1), ErrCredNotFound)

	// The recorded value survives a reopen.
	reopened, err := Open(backend)
	require.NoError(t, err)
	got, err = reopened.CredentialByID(cred.ID)
	require.NoError(t, err)
	assert.Equal(t, uint32(7), got.SignCount)
}

func TestPINState(t *testing.T) {
	s, _ := newTestStore(t)

	assert.False(t, s.PINSet())
	assert.Equal(t, uint8(MaxPINRetries), s.PINRetries())

	hash := crypto.SHA256([]byte("123456"))
	require.NoError(t, s.SetPINHash(hash))
	assert.True(t, s.PINSet())
	assert.Equal(t, hash, s.PINHash())

	require.NoError(t, s.DecrementPINRetries())
	assert.Equal(t, uint8(MaxPINRetries-1), s.PINRetries())

	require.NoError(t, s.ResetPINRetries())
	assert.Equal(t, uint8(MaxPINRetries), s.PINRetries())
}

func TestLargeBlobInitialValue(t *testing.T) {
	s, _ := newTestStore(t)

	blob := s.LargeBlob()
	require.Len(t, blob, 17)
	assert.Equal(t, byte(0x80), blob[0])
	assert.Equal(t, crypto.SHA256([]byte{0x80})[:16], blob[1:])

	assert.ErrorIs(t, s.SetLargeBlob(make([]byte, MaxLargeBlobSize+1)), ErrLargeBlobSize)
}

func TestFormat(t *testing.T) {
	s, backend := newTestStore(t)

	cred := newTestCredential(t, "example.com", []byte{1}, true)
	require.NoError(t, s.AddCredential(cred))
	require.NoError(t, s.SetPINHash(crypto.SHA256([]byte("123456"))))
	_, err := s.NextSignCount()
	require.NoError(t, err)

	attBefore := s.AttestationCert()

	require.NoError(t, s.Format())

	assert.False(t, s.PINSet())
	assert.Equal(t, uint32(0), s.SignCount())
	stored, _ := s.CredentialCounts()
	assert.Equal(t, uint(0), stored)
	assert.NotEqual(t, attBefore, s.AttestationCert())

	// The credential record is gone from the backend too.
	_, err = backend.Load(credRecord(cred.ID))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateUser(t *testing.T) {
	s, _ := newTestStore(t)

	cred := newTestCredential(t, "example.com", []byte{1}, true)
	require.NoError(t, s.AddCredential(cred))

	updated := webauthntypes.PublicKeyCredentialUserEntity{
		ID:          []byte{1},
		Name:        "alice@example.com",
		DisplayName: "Alice",
	}
	require.NoError(t, s.UpdateUser(cred.ID, updated))

	got, err := s.CredentialByID(cred.ID)
	require.NoError(t, err)
	assert.Equal(t, updated, got.User)
}

func TestAttestationKeyMatchesCert(t *testing.T) {
	s, _ := newTestStore(t)

	priv, err := s.AttestationKey()
	require.NoError(t, err)

	cert, err := x509.ParseCertificate(s.AttestationCert())
	require.NoError(t, err)
	assert.Equal(t, priv.Public(), cert.PublicKey)
}
