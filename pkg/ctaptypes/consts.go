package ctaptypes

type Command byte

const (
	AuthenticatorMakeCredential       Command = 0x01
	AuthenticatorGetAssertion         Command = 0x02
	AuthenticatorGetInfo              Command = 0x04
	AuthenticatorClientPIN            Command = 0x06
	AuthenticatorReset                Command = 0x07
	AuthenticatorGetNextAssertion     Command = 0x08
	AuthenticatorBioEnrollment        Command = 0x09
	AuthenticatorCredentialManagement Command = 0x0a
	AuthenticatorSelection            Command = 0x0b
	AuthenticatorLargeBlobs           Command = 0x0c
	AuthenticatorConfig               Command = 0x0d
)

var commandNames = map[Command]string{
	AuthenticatorMakeCredential:       "authenticatorMakeCredential",
	AuthenticatorGetAssertion:         "authenticatorGetAssertion",
	AuthenticatorGetInfo:              "authenticatorGetInfo",
	AuthenticatorClientPIN:            "authenticatorClientPIN",
	AuthenticatorReset:                "authenticatorReset",
	AuthenticatorGetNextAssertion:     "authenticatorGetNextAssertion",
	AuthenticatorBioEnrollment:        "authenticatorBioEnrollment",
	AuthenticatorCredentialManagement: "authenticatorCredentialManagement",
	AuthenticatorSelection:            "authenticatorSelection",
	AuthenticatorLargeBlobs:           "authenticatorLargeBlobs",
	AuthenticatorConfig:               "authenticatorConfig",
}

func (c Command) String() string {
	if name, ok := commandNames[c]; ok {
		return name
	}
	return "Command(0x" + hexByte(byte(c)) + ")"
}

type ClientPINSubCommand byte

const (
	ClientPINSubCommandGetPINRetries ClientPINSubCommand = iota + 1
	ClientPINSubCommandGetKeyAgreement
	ClientPINSubCommandSetPIN
	ClientPINSubCommandChangePIN
	ClientPINSubCommandGetPinToken
	ClientPINSubCommandGetPinUvAuthTokenUsingUvWithPermissions
	ClientPINSubCommandGetUVRetries
	_
	ClientPINSubCommandGetPinUvAuthTokenUsingPinWithPermissions
)

type CredentialManagementSubCommand byte

const (
	CredentialManagementSubCommandGetCredsMetadata CredentialManagementSubCommand = iota + 1
	CredentialManagementSubCommandEnumerateRPsBegin
	CredentialManagementSubCommandEnumerateRPsGetNextRP
	CredentialManagementSubCommandEnumerateCredentialsBegin
	CredentialManagementSubCommandEnumerateCredentialsGetNextCredential
	CredentialManagementSubCommandDeleteCredential
	CredentialManagementSubCommandUpdateUserInformation
)

type ConfigSubCommand byte

const (
	ConfigSubCommandEnableEnterpriseAttestation ConfigSubCommand = iota + 1
	ConfigSubCommandToggleAlwaysUv
	ConfigSubCommandSetMinPINLength
	ConfigSubCommandVendorPrototype ConfigSubCommand = 0xff
)

type Option string

const (
	OptionPlatformDevice              Option = "plat"
	OptionResidentKeys                Option = "rk"
	OptionClientPIN                   Option = "clientPin"
	OptionUserPresence                Option = "up"
	OptionUserVerification            Option = "uv"
	OptionPinUvAuthToken              Option = "pinUvAuthToken"
	OptionLargeBlobs                  Option = "largeBlobs"
	OptionAuthenticatorConfig         Option = "authnrCfg"
	OptionCredentialManagement        Option = "credMgmt"
	OptionSetMinPINLength             Option = "setMinPINLength"
	OptionMakeCredentialUvNotRequired Option = "makeCredUvNotRqd"
	OptionAlwaysUv                    Option = "alwaysUv"
)

type Permission byte

const (
	PermissionNone                       Permission = 0x00
	PermissionMakeCredential             Permission = 0x01
	PermissionGetAssertion               Permission = 0x02
	PermissionCredentialManagement       Permission = 0x04
	PermissionBioEnrollment              Permission = 0x08
	PermissionLargeBlobWrite             Permission = 0x10
	PermissionAuthenticatorConfiguration Permission = 0x20
)

const hexDigits = "0123456789abcdef"

func hexByte(b byte) string {
	return string([]byte{hexDigits[b>>4], hexDigits[b&0x0f]})
}
