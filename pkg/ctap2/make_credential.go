package ctap2

import (
	"bytes"
	"context"
	"crypto/x509"
	"errors"
	"log/slog"

	"github.com/fxamacker/cbor/v2"
	"github.com/ldclabs/cose/iana"
	"github.com/ldclabs/cose/key"

	"github.com/openfido/fidokey/pkg/crypto"
	"github.com/openfido/fidokey/pkg/ctaptypes"
	"github.com/openfido/fidokey/pkg/storage"
	"github.com/openfido/fidokey/pkg/webauthntypes"
)

func (e *Engine) makeCredential(ctx context.Context, params []byte) (*ctaptypes.AuthenticatorMakeCredentialResponse, error) {
	const cmd = ctaptypes.AuthenticatorMakeCredential

	req := new(ctaptypes.AuthenticatorMakeCredentialRequest)
	if err := e.decode(cmd, params, req); err != nil {
		return nil, err
	}
	if len(req.ClientDataHash) != 32 || req.RP.ID == "" ||
		len(req.User.ID) == 0 || len(req.PubKeyCredParams) == 0 {
		return nil, ctaptypes.NewCTAPError(cmd, ctaptypes.CTAP2_ERR_MISSING_PARAMETER)
	}

	if up, ok := req.Options[ctaptypes.OptionUserPresence]; ok && !up {
		return nil, ctaptypes.NewCTAPError(cmd, ctaptypes.CTAP2_ERR_INVALID_OPTION)
	}
	resident := req.Options[ctaptypes.OptionResidentKeys]
	uvRequested := req.Options[ctaptypes.OptionUserVerification]

	if req.PinUvAuthParam != nil && len(req.PinUvAuthParam) == 0 {
		return nil, e.handlePinAuthProbe(ctx, cmd)
	}

	alg, err := selectAlgorithm(req.PubKeyCredParams)
	if err != nil {
		return nil, ctaptypes.NewCTAPError(cmd, ctaptypes.CTAP2_ERR_UNSUPPORTED_ALGORITHM)
	}

	verified := false
	if len(req.PinUvAuthParam) > 0 {
		if err := e.verifyPinAuth(cmd, req.PinUvAuthProtocol, req.ClientDataHash, req.PinUvAuthParam); err != nil {
			return nil, err
		}
		verified = true
	}
	if (resident || uvRequested || e.store.AlwaysUV()) && !verified {
		if !e.store.PINSet() {
			return nil, ctaptypes.NewCTAPError(cmd, ctaptypes.CTAP2_ERR_PIN_NOT_SET)
		}
		return nil, ctaptypes.NewCTAPError(cmd, ctaptypes.CTAP2_ERR_PUAT_REQUIRED)
	}

	rpIDHash := crypto.SHA256([]byte(req.RP.ID))

	for i, desc := range req.ExcludeList {
		if i == MaxCredentialCountInList {
			break
		}
		existing, err := e.store.CredentialByID(desc.ID)
		if err != nil {
			continue
		}
		if bytes.Equal(existing.RPIDHash, rpIDHash) {
			if err := e.waitUserPresence(ctx, cmd, userPresenceTimeout); err != nil {
				return nil, err
			}
			return nil, ctaptypes.NewCTAPError(cmd, ctaptypes.CTAP2_ERR_CREDENTIAL_EXCLUDED)
		}
	}

	ext, err := e.parseCreateExtensions(cmd, req.Extensions, resident)
	if err != nil {
		return nil, err
	}

	if err := e.waitUserPresence(ctx, cmd, userPresenceTimeout); err != nil {
		return nil, err
	}

	privKey, pubKey, err := generateCredentialKey(alg)
	if err != nil {
		return nil, ctaptypes.NewCTAPError(cmd, ctaptypes.CTAP2_ERR_PROCESSING)
	}
	defer crypto.Zeroize(privKey)

	credID, err := crypto.Random(storage.CredentialIDLength)
	if err != nil {
		return nil, ctaptypes.NewCTAPError(cmd, ctaptypes.CTAP2_ERR_PROCESSING)
	}

	cred := &storage.Credential{
		ID:            credID,
		RPID:          req.RP.ID,
		RPIDHash:      rpIDHash,
		RPName:        req.RP.Name,
		User:          req.User,
		Algorithm:     alg,
		PrivateKey:    bytes.Clone(privKey),
		Resident:      resident,
		CredProtect:   ext.credProtect,
		CredBlob:      ext.credBlob,
		LargeBlobKey:  ext.largeBlobKey,
		HMACSecretKey: ext.hmacSecretKey,
	}
	defer crypto.Zeroize(cred.PrivateKey, cred.HMACSecretKey)

	signCount, err := e.store.NextSignCount()
	if err != nil {
		return nil, ctaptypes.NewCTAPError(cmd, ctaptypes.CTAP2_ERR_PROCESSING)
	}

	if err := e.store.AddCredential(cred); err != nil {
		if errors.Is(err, storage.ErrStoreFull) {
			return nil, ctaptypes.NewCTAPError(cmd, ctaptypes.CTAP2_ERR_KEY_STORE_FULL)
		}
		return nil, ctaptypes.NewCTAPError(cmd, ctaptypes.CTAP2_ERR_PROCESSING)
	}

	flags := ctaptypes.AuthDataFlagUserPresent
	if verified {
		flags |= ctaptypes.AuthDataFlagUserVerified
	}

	authData := &ctaptypes.AuthData{
		RPIDHash:  rpIDHash,
		Flags:     flags,
		SignCount: signCount,
		AttestedCredentialData: &ctaptypes.AttestedCredentialData{
			AAGUID:              AAGUID,
			CredentialID:        credID,
			CredentialPublicKey: pubKey,
		},
		Extensions: ext.outputs,
	}
	authDataBytes, err := authData.Encode(e.encMode)
	if err != nil {
		return nil, ctaptypes.NewCTAPError(cmd, ctaptypes.CTAP2_ERR_PROCESSING)
	}

	attKey, err := e.store.AttestationKey()
	if err != nil {
		return nil, ctaptypes.NewCTAPError(cmd, ctaptypes.CTAP2_ERR_PROCESSING)
	}
	sig, err := crypto.ECDSASignASN1(attKey, crypto.SHA256(authDataBytes, req.ClientDataHash))
	if err != nil {
		return nil, ctaptypes.NewCTAPError(cmd, ctaptypes.CTAP2_ERR_PROCESSING)
	}

	e.logger.Info("credential created",
		slog.String("rpId", req.RP.ID),
		slog.Bool("resident", resident),
	)

	return &ctaptypes.AuthenticatorMakeCredentialResponse{
		Format:   webauthntypes.AttestationStatementFormatIdentifierPacked,
		AuthData: authDataBytes,
		AttestationStatement: webauthntypes.PackedAttestationStatementFormat{
			Algorithm: key.Alg(iana.AlgorithmES256),
			Signature: sig,
		},
		LargeBlobKey: ext.largeBlobKey,
	}, nil
}

// selectAlgorithm picks the first supported algorithm from the
// platform-preferred parameter list.
func selectAlgorithm(params []webauthntypes.PublicKeyCredentialParameters) (int, error) {
	for _, p := range params {
		if p.Type != webauthntypes.PublicKeyCredentialTypePublicKey {
			continue
		}
		switch int(p.Algorithm) {
		case iana.AlgorithmES256, iana.AlgorithmEdDSA:
			return int(p.Algorithm), nil
		}
	}
	return 0, crypto.ErrInvalidPublicKey
}

// generateCredentialKey returns the serialized private key (SEC1 DER for
// ES256, the 32-byte seed for EdDSA) and the matching COSE public key.
func generateCredentialKey(alg int) ([]byte, key.Key, error) {
	switch alg {
	case iana.AlgorithmES256:
		priv, err := crypto.ECDSAGenerateKey()
		if err != nil {
			return nil, nil, err
		}
		der, err := x509.MarshalECPrivateKey(priv)
		if err != nil {
			return nil, nil, err
		}
		return der, crypto.ECDSAPublicKeyToCOSE(&priv.PublicKey), nil
	case iana.AlgorithmEdDSA:
		pub, priv, err := crypto.Ed25519GenerateKey()
		if err != nil {
			return nil, nil, err
		}
		return priv.Seed(), crypto.Ed25519PublicKeyToCOSE(pub), nil
	default:
		return nil, nil, crypto.ErrInvalidPublicKey
	}
}

// createExtensions carries the per-credential state the create-time
// extensions produced, plus the encoded extension outputs for the auth data.
type createExtensions struct {
	credProtect   ctaptypes.CredProtectPolicy
	credBlob      []byte
	largeBlobKey  []byte
	hmacSecretKey []byte
	outputs       []byte
}

func (e *Engine) parseCreateExtensions(cmd ctaptypes.Command, in map[webauthntypes.ExtensionIdentifier]cbor.RawMessage, resident bool) (*createExtensions, error) {
	ext := new(createExtensions)
	if len(in) == 0 {
		return ext, nil
	}

	out := make(map[webauthntypes.ExtensionIdentifier]any)

	if raw, ok := in[webauthntypes.ExtensionIdentifierCredentialProtection]; ok {
		var policy ctaptypes.CredProtectPolicy
		if err := cbor.Unmarshal(raw, &policy); err != nil ||
			policy < ctaptypes.CredProtectUserVerificationOptional ||
			policy > ctaptypes.CredProtectUserVerificationRequired {
			return nil, ctaptypes.NewCTAPError(cmd, ctaptypes.CTAP1_ERR_INVALID_PARAMETER)
		}
		ext.credProtect = policy
		out[webauthntypes.ExtensionIdentifierCredentialProtection] = uint(policy)
	}

	if raw, ok := in[webauthntypes.ExtensionIdentifierCredentialBlob]; ok {
		var blob []byte
		stored := cbor.Unmarshal(raw, &blob) == nil && len(blob) <= MaxCredBlobLength
		if stored {
			ext.credBlob = blob
		}
		out[webauthntypes.ExtensionIdentifierCredentialBlob] = stored
	}

	if raw, ok := in[webauthntypes.ExtensionIdentifierLargeBlobKey]; ok {
		var requested bool
		if err := cbor.Unmarshal(raw, &requested); err != nil || !requested {
			return nil, ctaptypes.NewCTAPError(cmd, ctaptypes.CTAP1_ERR_INVALID_PARAMETER)
		}
		// Large-blob entries are keyed per discoverable credential.
		if !resident {
			return nil, ctaptypes.NewCTAPError(cmd, ctaptypes.CTAP2_ERR_INVALID_OPTION)
		}
		blobKey, err := crypto.Random(32)
		if err != nil {
			return nil, ctaptypes.NewCTAPError(cmd, ctaptypes.CTAP2_ERR_PROCESSING)
		}
		ext.largeBlobKey = blobKey
	}

	if raw, ok := in[webauthntypes.ExtensionIdentifierHMACSecret]; ok {
		var requested bool
		if err := cbor.Unmarshal(raw, &requested); err != nil || !requested {
			return nil, ctaptypes.NewCTAPError(cmd, ctaptypes.CTAP1_ERR_INVALID_PARAMETER)
		}
		secretKey, err := crypto.Random(32)
		if err != nil {
			return nil, ctaptypes.NewCTAPError(cmd, ctaptypes.CTAP2_ERR_PROCESSING)
		}
		ext.hmacSecretKey = secretKey
		out[webauthntypes.ExtensionIdentifierHMACSecret] = true
	}

	if len(out) > 0 {
		encoded, err := e.encMode.Marshal(out)
		if err != nil {
			return nil, ctaptypes.NewCTAPError(cmd, ctaptypes.CTAP2_ERR_PROCESSING)
		}
		ext.outputs = encoded
	}
	return ext, nil
}
