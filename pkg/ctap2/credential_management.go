package ctap2

import (
	"errors"

	"github.com/fxamacker/cbor/v2"

	"github.com/openfido/fidokey/pkg/ctaptypes"
	"github.com/openfido/fidokey/pkg/storage"
	"github.com/openfido/fidokey/pkg/webauthntypes"
)

// enumSession is the cursor state for RP and credential enumeration. Any
// command other than authenticatorCredentialManagement drops it.
type enumSession struct {
	rps     []storage.RP
	rpIndex int

	creds     []*storage.Credential
	credIndex int
}

func (e *Engine) credentialManagement(params []byte) (*ctaptypes.AuthenticatorCredentialManagementResponse, error) {
	const cmd = ctaptypes.AuthenticatorCredentialManagement

	req := new(ctaptypes.AuthenticatorCredentialManagementRequest)
	if err := e.decode(cmd, params, req); err != nil {
		return nil, err
	}

	switch req.SubCommand {
	case ctaptypes.CredentialManagementSubCommandGetCredsMetadata:
		if err := e.verifyManagementAuth(cmd, req); err != nil {
			return nil, err
		}
		return e.credsMetadata()
	case ctaptypes.CredentialManagementSubCommandEnumerateRPsBegin:
		if err := e.verifyManagementAuth(cmd, req); err != nil {
			return nil, err
		}
		return e.enumerateRPsBegin()
	case ctaptypes.CredentialManagementSubCommandEnumerateRPsGetNextRP:
		return e.enumerateRPsNext()
	case ctaptypes.CredentialManagementSubCommandEnumerateCredentialsBegin:
		if err := e.verifyManagementAuth(cmd, req); err != nil {
			return nil, err
		}
		return e.enumerateCredentialsBegin(req)
	case ctaptypes.CredentialManagementSubCommandEnumerateCredentialsGetNextCredential:
		return e.enumerateCredentialsNext()
	case ctaptypes.CredentialManagementSubCommandDeleteCredential:
		if err := e.verifyManagementAuth(cmd, req); err != nil {
			return nil, err
		}
		return nil, e.deleteCredential(req)
	case ctaptypes.CredentialManagementSubCommandUpdateUserInformation:
		if err := e.verifyManagementAuth(cmd, req); err != nil {
			return nil, err
		}
		return nil, e.updateUserInformation(req)
	default:
		return nil, ctaptypes.NewCTAPError(cmd, ctaptypes.CTAP2_ERR_INVALID_SUBCOMMAND)
	}
}

// verifyManagementAuth checks pinUvAuthParam over the exact bytes
// subCommand || subCommandParams the platform signed.
func (e *Engine) verifyManagementAuth(cmd ctaptypes.Command, req *ctaptypes.AuthenticatorCredentialManagementRequest) error {
	if !e.store.PINSet() {
		return ctaptypes.NewCTAPError(cmd, ctaptypes.CTAP2_ERR_PIN_NOT_SET)
	}
	if len(req.PinUvAuthParam) == 0 {
		return ctaptypes.NewCTAPError(cmd, ctaptypes.CTAP2_ERR_PUAT_REQUIRED)
	}

	message := append([]byte{byte(req.SubCommand)}, req.SubCommandParams...)
	return e.verifyPinAuth(cmd, req.PinUvAuthProtocol, message, req.PinUvAuthParam)
}

func (e *Engine) decodeManagementParams(cmd ctaptypes.Command, req *ctaptypes.AuthenticatorCredentialManagementRequest) (*ctaptypes.CredentialManagementSubCommandParams, error) {
	if len(req.SubCommandParams) == 0 {
		return nil, ctaptypes.NewCTAPError(cmd, ctaptypes.CTAP2_ERR_MISSING_PARAMETER)
	}
	params := new(ctaptypes.CredentialManagementSubCommandParams)
	if err := cbor.Unmarshal(req.SubCommandParams, params); err != nil {
		return nil, ctaptypes.NewCTAPError(cmd, ctaptypes.CTAP2_ERR_INVALID_CBOR)
	}
	return params, nil
}

func (e *Engine) credsMetadata() (*ctaptypes.AuthenticatorCredentialManagementResponse, error) {
	const cmd = ctaptypes.AuthenticatorCredentialManagement

	residents, err := e.store.ResidentCredentials(nil)
	if err != nil {
		return nil, ctaptypes.NewCTAPError(cmd, ctaptypes.CTAP2_ERR_PROCESSING)
	}
	existing := uint(len(residents))
	_, remaining := e.store.CredentialCounts()

	return &ctaptypes.AuthenticatorCredentialManagementResponse{
		ExistingResidentCredentialsCount:             &existing,
		MaxPossibleRemainingResidentCredentialsCount: &remaining,
	}, nil
}

func (e *Engine) enumerateRPsBegin() (*ctaptypes.AuthenticatorCredentialManagementResponse, error) {
	const cmd = ctaptypes.AuthenticatorCredentialManagement

	rps, err := e.store.RPs()
	if err != nil {
		return nil, ctaptypes.NewCTAPError(cmd, ctaptypes.CTAP2_ERR_PROCESSING)
	}
	if len(rps) == 0 {
		return nil, ctaptypes.NewCTAPError(cmd, ctaptypes.CTAP2_ERR_NO_CREDENTIALS)
	}

	e.enum = &enumSession{rps: rps, rpIndex: 1}

	total := uint(len(rps))
	return &ctaptypes.AuthenticatorCredentialManagementResponse{
		RP:       &rps[0].Entity,
		RPIDHash: rps[0].IDHash,
		TotalRPs: &total,
	}, nil
}

func (e *Engine) enumerateRPsNext() (*ctaptypes.AuthenticatorCredentialManagementResponse, error) {
	const cmd = ctaptypes.AuthenticatorCredentialManagement

	if e.enum == nil || e.enum.rpIndex >= len(e.enum.rps) {
		return nil, ctaptypes.NewCTAPError(cmd, ctaptypes.CTAP2_ERR_NOT_ALLOWED)
	}

	rp := e.enum.rps[e.enum.rpIndex]
	e.enum.rpIndex++

	return &ctaptypes.AuthenticatorCredentialManagementResponse{
		RP:       &rp.Entity,
		RPIDHash: rp.IDHash,
	}, nil
}

func (e *Engine) enumerateCredentialsBegin(req *ctaptypes.AuthenticatorCredentialManagementRequest) (*ctaptypes.AuthenticatorCredentialManagementResponse, error) {
	const cmd = ctaptypes.AuthenticatorCredentialManagement

	params, err := e.decodeManagementParams(cmd, req)
	if err != nil {
		return nil, err
	}
	if len(params.RPIDHash) != 32 {
		return nil, ctaptypes.NewCTAPError(cmd, ctaptypes.CTAP2_ERR_MISSING_PARAMETER)
	}

	creds, err := e.store.ResidentCredentials(params.RPIDHash)
	if err != nil {
		return nil, ctaptypes.NewCTAPError(cmd, ctaptypes.CTAP2_ERR_PROCESSING)
	}
	if len(creds) == 0 {
		return nil, ctaptypes.NewCTAPError(cmd, ctaptypes.CTAP2_ERR_NO_CREDENTIALS)
	}

	if e.enum == nil {
		e.enum = new(enumSession)
	}
	e.enum.creds = creds
	e.enum.credIndex = 1

	total := uint(len(creds))
	return e.credentialResponse(creds[0], &total)
}

func (e *Engine) enumerateCredentialsNext() (*ctaptypes.AuthenticatorCredentialManagementResponse, error) {
	const cmd = ctaptypes.AuthenticatorCredentialManagement

	if e.enum == nil || e.enum.credIndex >= len(e.enum.creds) {
		return nil, ctaptypes.NewCTAPError(cmd, ctaptypes.CTAP2_ERR_NOT_ALLOWED)
	}

	cred := e.enum.creds[e.enum.credIndex]
	e.enum.credIndex++

	return e.credentialResponse(cred, nil)
}

func (e *Engine) credentialResponse(cred *storage.Credential, total *uint) (*ctaptypes.AuthenticatorCredentialManagementResponse, error) {
	const cmd = ctaptypes.AuthenticatorCredentialManagement

	pubKey, err := cred.PublicKey()
	if err != nil {
		return nil, ctaptypes.NewCTAPError(cmd, ctaptypes.CTAP2_ERR_PROCESSING)
	}

	return &ctaptypes.AuthenticatorCredentialManagementResponse{
		User: &cred.User,
		CredentialID: &webauthntypes.PublicKeyCredentialDescriptor{
			Type: webauthntypes.PublicKeyCredentialTypePublicKey,
			ID:   cred.ID,
		},
		PublicKey:        pubKey,
		TotalCredentials: total,
		CredProtect:      uint(cred.CredProtect),
		LargeBlobKey:     cred.LargeBlobKey,
	}, nil
}

func (e *Engine) deleteCredential(req *ctaptypes.AuthenticatorCredentialManagementRequest) error {
	const cmd = ctaptypes.AuthenticatorCredentialManagement

	params, err := e.decodeManagementParams(cmd, req)
	if err != nil {
		return err
	}
	if params.CredentialID == nil {
		return ctaptypes.NewCTAPError(cmd, ctaptypes.CTAP2_ERR_MISSING_PARAMETER)
	}

	if err := e.store.DeleteCredential(params.CredentialID.ID); err != nil {
		if errors.Is(err, storage.ErrCredNotFound) {
			return ctaptypes.NewCTAPError(cmd, ctaptypes.CTAP2_ERR_NO_CREDENTIALS)
		}
		return ctaptypes.NewCTAPError(cmd, ctaptypes.CTAP2_ERR_PROCESSING)
	}
	return nil
}

func (e *Engine) updateUserInformation(req *ctaptypes.AuthenticatorCredentialManagementRequest) error {
	const cmd = ctaptypes.AuthenticatorCredentialManagement

	params, err := e.decodeManagementParams(cmd, req)
	if err != nil {
		return err
	}
	if params.CredentialID == nil || params.User == nil {
		return ctaptypes.NewCTAPError(cmd, ctaptypes.CTAP2_ERR_MISSING_PARAMETER)
	}

	if err := e.store.UpdateUser(params.CredentialID.ID, *params.User); err != nil {
		if errors.Is(err, storage.ErrCredNotFound) {
			return ctaptypes.NewCTAPError(cmd, ctaptypes.CTAP2_ERR_NO_CREDENTIALS)
		}
		return ctaptypes.NewCTAPError(cmd, ctaptypes.CTAP2_ERR_PROCESSING)
	}
	return nil
}
