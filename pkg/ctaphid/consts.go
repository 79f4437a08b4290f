package ctaphid

// Command represents a CTAPHID command.
type Command byte

const (
	CTAPHID_MSG       Command = 0x03
	CTAPHID_CBOR      Command = 0x10
	CTAPHID_INIT      Command = 0x06
	CTAPHID_PING      Command = 0x01
	CTAPHID_CANCEL    Command = 0x11
	CTAPHID_ERROR     Command = 0x3f
	CTAPHID_KEEPALIVE Command = 0x3b
	CTAPHID_WINK      Command = 0x08
	CTAPHID_LOCK      Command = 0x04
)

var commandNames = map[Command]string{
	CTAPHID_MSG:       "CTAPHID_MSG",
	CTAPHID_CBOR:      "CTAPHID_CBOR",
	CTAPHID_INIT:      "CTAPHID_INIT",
	CTAPHID_PING:      "CTAPHID_PING",
	CTAPHID_CANCEL:    "CTAPHID_CANCEL",
	CTAPHID_ERROR:     "CTAPHID_ERROR",
	CTAPHID_KEEPALIVE: "CTAPHID_KEEPALIVE",
	CTAPHID_WINK:      "CTAPHID_WINK",
	CTAPHID_LOCK:      "CTAPHID_LOCK",
}

func (c Command) String() string {
	if name, ok := commandNames[c]; ok {
		return name
	}
	return "CTAPHID_UNKNOWN"
}

type CapabilityFlag byte

const (
	CAPABILITY_WINK CapabilityFlag = 0x01
	CAPABILITY_CBOR CapabilityFlag = 0x04
	CAPABILITY_NMSG CapabilityFlag = 0x08
)

type Error byte

const (
	ERR_INVALID_CMD     Error = 0x01
	ERR_INVALID_PAR     Error = 0x02
	ERR_INVALID_LEN     Error = 0x03
	ERR_INVALID_SEQ     Error = 0x04
	ERR_MSG_TIMEOUT     Error = 0x05
	ERR_CHANNEL_BUSY    Error = 0x06
	ERR_LOCK_REQUIRED   Error = 0x0A
	ERR_INVALID_CHANNEL Error = 0x0B
	ERR_OTHER           Error = 0x7F
)

type KeepaliveStatusCode byte

const (
	STATUS_PROCESSING KeepaliveStatusCode = 1
	STATUS_UPNEEDED   KeepaliveStatusCode = 2
)

const INIT_PACKET_BIT byte = 0x80

const (
	// ReportSize is the fixed HID report length.
	ReportSize = 64
	// MaxMessageSize is the largest reassembled payload: one initial packet
	// plus 128 continuations.
	MaxMessageSize = 7609
	// InitNonceSize is the CTAPHID_INIT nonce length.
	InitNonceSize = 8
	// ProtocolVersion is the CTAPHID protocol version identifier.
	ProtocolVersion = 2
)
