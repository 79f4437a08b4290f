package ctap2

import (
	"bytes"
	"encoding/binary"

	"github.com/openfido/fidokey/pkg/crypto"
	"github.com/openfido/fidokey/pkg/ctaptypes"
	"github.com/openfido/fidokey/pkg/storage"
)

// maxBlobFragment is the largest get/set fragment, leaving headroom for the
// CBOR framing inside maxMsgSize.
const maxBlobFragment = MaxMsgSize - 64

// largeBlobWrite tracks a multi-fragment set operation. It survives only
// consecutive authenticatorLargeBlobs commands.
type largeBlobWrite struct {
	buf      []byte
	expected uint
}

func (e *Engine) largeBlobs(params []byte) (*ctaptypes.AuthenticatorLargeBlobsResponse, error) {
	const cmd = ctaptypes.AuthenticatorLargeBlobs

	req := new(ctaptypes.AuthenticatorLargeBlobsRequest)
	if err := e.decode(cmd, params, req); err != nil {
		return nil, err
	}

	switch {
	case req.Get != nil && req.Set != nil:
		return nil, ctaptypes.NewCTAPError(cmd, ctaptypes.CTAP1_ERR_INVALID_PARAMETER)
	case req.Get != nil:
		return e.largeBlobGet(req)
	case req.Set != nil:
		return nil, e.largeBlobSet(req)
	default:
		return nil, ctaptypes.NewCTAPError(cmd, ctaptypes.CTAP1_ERR_INVALID_PARAMETER)
	}
}

func (e *Engine) largeBlobGet(req *ctaptypes.AuthenticatorLargeBlobsRequest) (*ctaptypes.AuthenticatorLargeBlobsResponse, error) {
	const cmd = ctaptypes.AuthenticatorLargeBlobs

	if *req.Get > maxBlobFragment {
		return nil, ctaptypes.NewCTAPError(cmd, ctaptypes.CTAP1_ERR_INVALID_LENGTH)
	}

	blob := e.store.LargeBlob()
	if req.Offset > uint(len(blob)) {
		return nil, ctaptypes.NewCTAPError(cmd, ctaptypes.CTAP1_ERR_INVALID_PARAMETER)
	}

	end := req.Offset + *req.Get
	if end > uint(len(blob)) {
		end = uint(len(blob))
	}
	return &ctaptypes.AuthenticatorLargeBlobsResponse{
		Config: blob[req.Offset:end],
	}, nil
}

func (e *Engine) largeBlobSet(req *ctaptypes.AuthenticatorLargeBlobsRequest) error {
	const cmd = ctaptypes.AuthenticatorLargeBlobs

	if len(req.Set) > maxBlobFragment {
		return ctaptypes.NewCTAPError(cmd, ctaptypes.CTAP1_ERR_INVALID_LENGTH)
	}

	if req.Offset == 0 {
		if req.Length == 0 {
			return ctaptypes.NewCTAPError(cmd, ctaptypes.CTAP1_ERR_INVALID_PARAMETER)
		}
		if req.Length > storage.MaxLargeBlobSize {
			return ctaptypes.NewCTAPError(cmd, ctaptypes.CTAP2_ERR_LARGE_BLOB_STORAGE_FULL)
		}
		// The smallest valid serialization is the empty array plus its
		// 16-byte checksum.
		if req.Length < 17 {
			return ctaptypes.NewCTAPError(cmd, ctaptypes.CTAP1_ERR_INVALID_PARAMETER)
		}
		e.blobWrite = &largeBlobWrite{expected: req.Length}
	} else {
		if e.blobWrite == nil || req.Offset != uint(len(e.blobWrite.buf)) {
			return ctaptypes.NewCTAPError(cmd, ctaptypes.CTAP1_ERR_INVALID_SEQ)
		}
	}

	if err := e.verifyLargeBlobAuth(cmd, req); err != nil {
		e.blobWrite = nil
		return err
	}

	e.blobWrite.buf = append(e.blobWrite.buf, req.Set...)
	if uint(len(e.blobWrite.buf)) > e.blobWrite.expected {
		e.blobWrite = nil
		return ctaptypes.NewCTAPError(cmd, ctaptypes.CTAP1_ERR_INVALID_PARAMETER)
	}
	if uint(len(e.blobWrite.buf)) < e.blobWrite.expected {
		return nil
	}

	blob := e.blobWrite.buf
	e.blobWrite = nil

	// Trailing 16 bytes are the truncated SHA-256 of the preceding data.
	body, checksum := blob[:len(blob)-16], blob[len(blob)-16:]
	if !bytes.Equal(crypto.SHA256(body)[:16], checksum) {
		return ctaptypes.NewCTAPError(cmd, ctaptypes.CTAP2_ERR_INTEGRITY_FAILURE)
	}

	if err := e.store.SetLargeBlob(blob); err != nil {
		return ctaptypes.NewCTAPError(cmd, ctaptypes.CTAP2_ERR_PROCESSING)
	}
	return nil
}

// verifyLargeBlobAuth checks the set-fragment pinUvAuthParam computed over
// 32 x 0xff || 0x0c00 || uint32LE(offset) || SHA-256(fragment).
func (e *Engine) verifyLargeBlobAuth(cmd ctaptypes.Command, req *ctaptypes.AuthenticatorLargeBlobsRequest) error {
	if !e.store.PINSet() {
		return nil
	}
	if len(req.PinUvAuthParam) == 0 {
		return ctaptypes.NewCTAPError(cmd, ctaptypes.CTAP2_ERR_PUAT_REQUIRED)
	}

	message := make([]byte, 0, 32+2+4+32)
	message = append(message, bytes.Repeat([]byte{0xff}, 32)...)
	message = append(message, 0x0c, 0x00)
	message = binary.LittleEndian.AppendUint32(message, uint32(req.Offset))
	message = append(message, crypto.SHA256(req.Set)...)

	return e.verifyPinAuth(cmd, req.PinUvAuthProtocol, message, req.PinUvAuthParam)
}
