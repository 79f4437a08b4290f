package ctaphid

// Message is a sequence of packets.
type Message []*packet

// packet represents a single 64-byte CTAPHID report.
type packet struct {
	cid          ChannelID
	command      Command
	sequence     byte
	length       uint16
	data         []byte
	continuation bool
}

// ChannelID represents a CTAPHID channel ID.
type ChannelID [4]byte

// BROADCAST_CID is the channel new clients use for CTAPHID_INIT.
var BROADCAST_CID = ChannelID{0xff, 0xff, 0xff, 0xff}

// Request is a fully reassembled message awaiting dispatch.
type Request struct {
	CID     ChannelID
	Command Command
	Payload []byte
}

// InitResponse is the CTAPHID_INIT response payload.
// https://fidoalliance.org/specs/fido-v2.2-ps-20250228/fido-client-to-authenticator-protocol-v2.2-ps-20250228.html#usb-hid-init
type InitResponse struct {
	Nonce              []byte
	CID                ChannelID
	ProtocolVersion    byte
	MajorDeviceVersion byte
	MinorDeviceVersion byte
	BuildDeviceVersion byte
	CapabilityFlags    byte
}

func (r *InitResponse) encode() []byte {
	payload := make([]byte, 0, 17)
	payload = append(payload, r.Nonce...)
	payload = append(payload, r.CID[:]...)
	payload = append(payload,
		r.ProtocolVersion,
		r.MajorDeviceVersion,
		r.MinorDeviceVersion,
		r.BuildDeviceVersion,
		r.CapabilityFlags,
	)
	return payload
}

// ParseInitResponse decodes a CTAPHID_INIT response payload. Used by
// platform-side test drivers.
func ParseInitResponse(payload []byte) (*InitResponse, error) {
	if len(payload) < 17 {
		return nil, ErrInvalidResponseMessage
	}
	return &InitResponse{
		Nonce:              payload[:8],
		CID:                ChannelID(payload[8:12]),
		ProtocolVersion:    payload[12],
		MajorDeviceVersion: payload[13],
		MinorDeviceVersion: payload[14],
		BuildDeviceVersion: payload[15],
		CapabilityFlags:    payload[16],
	}, nil
}

func (r *InitResponse) ImplementsWink() bool {
	return r.CapabilityFlags&byte(CAPABILITY_WINK) != 0
}

func (r *InitResponse) ImplementsCBOR() bool {
	return r.CapabilityFlags&byte(CAPABILITY_CBOR) != 0
}
