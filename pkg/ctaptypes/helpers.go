package ctaptypes

import (
	"bytes"
	"encoding/binary"
	"errors"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
)

func (f AuthDataFlag) UserPresent() bool {
	return f&AuthDataFlagUserPresent != 0
}
func (f AuthDataFlag) UserVerified() bool {
	return f&AuthDataFlagUserVerified != 0
}
func (f AuthDataFlag) AttestedCredentialDataIncluded() bool {
	return f&AuthDataFlagAttestedCredentialDataIncluded != 0
}
func (f AuthDataFlag) ExtensionDataIncluded() bool {
	return f&AuthDataFlagExtensionDataIncluded != 0
}

// AuthData is the authenticator data structure embedded in attestation and
// assertion responses.
// https://www.w3.org/TR/webauthn-3/#sctn-authenticator-data
type AuthData struct {
	RPIDHash               []byte
	Flags                  AuthDataFlag
	SignCount              uint32
	AttestedCredentialData *AttestedCredentialData
	Extensions             []byte
}

var ErrInvalidAuthData = errors.New("ctaptypes: malformed authenticator data")

// Encode serializes the authenticator data: rpIdHash (32) | flags (1) |
// signCount (4, big-endian) | attested credential data | extensions.
// The attested-credential-data and extension-data flags are set from the
// populated fields. encMode must produce CTAP2 canonical CBOR.
func (d *AuthData) Encode(encMode cbor.EncMode) ([]byte, error) {
	if len(d.RPIDHash) != 32 {
		return nil, ErrInvalidAuthData
	}

	flags := d.Flags
	if d.AttestedCredentialData != nil {
		flags |= AuthDataFlagAttestedCredentialDataIncluded
	}
	if len(d.Extensions) > 0 {
		flags |= AuthDataFlagExtensionDataIncluded
	}

	buf := bytes.NewBuffer(nil)
	buf.Write(d.RPIDHash)
	buf.WriteByte(byte(flags))

	signCount := make([]byte, 4)
	binary.BigEndian.PutUint32(signCount, d.SignCount)
	buf.Write(signCount)

	if cd := d.AttestedCredentialData; cd != nil {
		buf.Write(cd.AAGUID[:])

		credIDLen := make([]byte, 2)
		binary.BigEndian.PutUint16(credIDLen, uint16(len(cd.CredentialID)))
		buf.Write(credIDLen)
		buf.Write(cd.CredentialID)

		pubKey, err := encMode.Marshal(cd.CredentialPublicKey)
		if err != nil {
			return nil, err
		}
		buf.Write(pubKey)
	}

	buf.Write(d.Extensions)

	return buf.Bytes(), nil
}

// ParseAuthData is the inverse of Encode.
func ParseAuthData(data []byte) (*AuthData, error) {
	if len(data) < 37 {
		return nil, ErrInvalidAuthData
	}

	d := &AuthData{
		RPIDHash:  data[:32],
		Flags:     AuthDataFlag(data[32]),
		SignCount: binary.BigEndian.Uint32(data[33:37]),
	}
	offset := 37
	if d.Flags.AttestedCredentialDataIncluded() {
		if len(data) < offset+18 {
			return nil, ErrInvalidAuthData
		}
		credData := &AttestedCredentialData{
			AAGUID: uuid.UUID(data[offset : offset+16]),
		}
		offset += 16

		length := binary.BigEndian.Uint16(data[offset : offset+2])
		offset += 2
		if len(data) < offset+int(length) {
			return nil, ErrInvalidAuthData
		}
		credData.CredentialID = data[offset : offset+int(length)]
		offset += int(length)

		dec := cbor.NewDecoder(bytes.NewReader(data[offset:]))
		if err := dec.Decode(&credData.CredentialPublicKey); err != nil {
			return nil, err
		}
		offset += dec.NumBytesRead()

		d.AttestedCredentialData = credData
	}

	if d.Flags.ExtensionDataIncluded() {
		d.Extensions = data[offset:]
	}

	return d, nil
}

func (vv Versions) Supports(ver Version) bool {
	for _, v := range vv {
		if v == ver {
			return true
		}
	}

	return false
}
