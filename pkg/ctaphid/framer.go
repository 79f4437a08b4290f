package ctaphid

import (
	"bytes"
	"encoding/binary"
	"log/slog"
	"time"

	"github.com/openfido/fidokey/pkg/hal"
	"github.com/openfido/fidokey/pkg/options"
)

// ReassemblyTimeout is how long a transaction may sit between packets before
// the channel gets an ERR_MSG_TIMEOUT.
const ReassemblyTimeout = 500 * time.Millisecond

// assembly is one in-flight reassembly. The CTAPHID layer allows a single
// transaction at a time device-wide; other channels get ERR_CHANNEL_BUSY.
type assembly struct {
	cid      ChannelID
	command  Command
	total    int
	buf      []byte
	nextSeq  byte
	deadline time.Time
}

// Framer is the device side of the CTAPHID framing layer: it allocates
// channels, reassembles requests from 64-byte reports and frames responses.
type Framer struct {
	logger *slog.Logger
	clock  hal.Clock

	channels map[ChannelID]struct{}
	nextCID  uint32
	pending  *assembly

	versionMajor byte
	versionMinor byte
	versionBuild byte
	capabilities byte
}

func NewFramer(clock hal.Clock, opts ...options.Option) *Framer {
	oo := options.NewOptions(opts...)
	if clock == nil {
		clock = hal.SystemClock()
	}
	return &Framer{
		logger:       oo.Logger,
		clock:        clock,
		channels:     make(map[ChannelID]struct{}),
		nextCID:      1,
		versionMajor: 1,
		capabilities: byte(CAPABILITY_WINK | CAPABILITY_CBOR),
	}
}

// HandleReport consumes one 64-byte output report. It returns a completed
// Request once a transaction is fully reassembled, and any frames the framer
// answers itself (INIT responses, ERROR frames) for immediate transmission.
func (f *Framer) HandleReport(report []byte) (*Request, Message, error) {
	p, err := parseReport(report)
	if err != nil {
		return nil, nil, err
	}

	// Expire a stalled transaction before looking at the new packet.
	var expired Message
	if f.pending != nil && f.clock.Now().After(f.pending.deadline) {
		f.logger.Debug("reassembly timed out", slog.String("cid", cidString(f.pending.cid)))
		expired = f.errorMessage(f.pending.cid, ERR_MSG_TIMEOUT)
		f.pending = nil
	}

	req, out := f.handlePacket(p)
	if expired != nil {
		out = append(expired, out...)
	}
	return req, out, nil
}

func (f *Framer) handlePacket(p *packet) (*Request, Message) {
	if p.cid == (ChannelID{}) {
		return nil, f.errorMessage(p.cid, ERR_INVALID_CHANNEL)
	}

	if p.continuation {
		return f.handleContinuation(p)
	}

	if p.command == CTAPHID_INIT {
		return nil, f.handleInit(p)
	}

	if p.cid == BROADCAST_CID {
		return nil, f.errorMessage(p.cid, ERR_INVALID_CHANNEL)
	}
	if _, ok := f.channels[p.cid]; !ok {
		return nil, f.errorMessage(p.cid, ERR_INVALID_CHANNEL)
	}

	if f.pending != nil && f.pending.cid != p.cid {
		// CANCEL for a foreign transaction is ignored rather than answered.
		if p.command == CTAPHID_CANCEL {
			return nil, nil
		}
		return nil, f.errorMessage(p.cid, ERR_CHANNEL_BUSY)
	}

	total := int(p.length)
	if total > MaxMessageSize {
		return nil, f.errorMessage(p.cid, ERR_INVALID_LEN)
	}

	// A new initial packet aborts any reassembly in progress on the channel.
	f.pending = nil

	if total <= len(p.data) {
		return &Request{
			CID:     p.cid,
			Command: p.command,
			Payload: append([]byte(nil), p.data[:total]...),
		}, nil
	}

	f.pending = &assembly{
		cid:      p.cid,
		command:  p.command,
		total:    total,
		buf:      append([]byte(nil), p.data...),
		deadline: f.clock.Now().Add(ReassemblyTimeout),
	}
	return nil, nil
}

func (f *Framer) handleContinuation(p *packet) (*Request, Message) {
	// Spurious continuations are dropped without a response.
	if f.pending == nil || f.pending.cid != p.cid {
		return nil, nil
	}

	if p.sequence != f.pending.nextSeq {
		cid := f.pending.cid
		f.pending = nil
		return nil, f.errorMessage(cid, ERR_INVALID_SEQ)
	}
	f.pending.nextSeq++

	remaining := f.pending.total - len(f.pending.buf)
	data := p.data
	if len(data) > remaining {
		data = data[:remaining]
	}
	f.pending.buf = append(f.pending.buf, data...)
	f.pending.deadline = f.clock.Now().Add(ReassemblyTimeout)

	if len(f.pending.buf) < f.pending.total {
		return nil, nil
	}

	req := &Request{
		CID:     f.pending.cid,
		Command: f.pending.command,
		Payload: f.pending.buf,
	}
	f.pending = nil
	return req, nil
}

func (f *Framer) handleInit(p *packet) Message {
	if len(p.data) != InitNonceSize || int(p.length) != InitNonceSize {
		return f.errorMessage(p.cid, ERR_INVALID_LEN)
	}

	respCID := p.cid
	switch p.cid {
	case BROADCAST_CID:
		respCID = f.allocateChannel()
	default:
		if _, ok := f.channels[p.cid]; !ok {
			return f.errorMessage(p.cid, ERR_INVALID_CHANNEL)
		}
		// INIT on an existing channel resynchronizes it.
		if f.pending != nil && f.pending.cid == p.cid {
			f.pending = nil
		}
	}

	resp := &InitResponse{
		Nonce:              bytes.Clone(p.data),
		CID:                respCID,
		ProtocolVersion:    ProtocolVersion,
		MajorDeviceVersion: f.versionMajor,
		MinorDeviceVersion: f.versionMinor,
		BuildDeviceVersion: f.versionBuild,
		CapabilityFlags:    f.capabilities,
	}

	// The response is addressed to the channel the request came in on.
	msg, _ := NewMessage(p.cid, CTAPHID_INIT, resp.encode())
	return msg
}

func (f *Framer) allocateChannel() ChannelID {
	for {
		var cid ChannelID
		binary.BigEndian.PutUint32(cid[:], f.nextCID)
		f.nextCID++
		if f.nextCID == 0xffffffff {
			f.nextCID = 1
		}
		if cid == (ChannelID{}) {
			continue
		}
		if _, taken := f.channels[cid]; taken {
			continue
		}
		f.channels[cid] = struct{}{}
		f.logger.Debug("channel allocated", slog.String("cid", cidString(cid)))
		return cid
	}
}

// Response frames a reply on the given channel.
func (f *Framer) Response(cid ChannelID, cmd Command, payload []byte) (Message, error) {
	return NewMessage(cid, cmd, payload)
}

// Keepalive frames the out-of-band status packet sent at most every 100 ms
// while an operation is in flight.
func (f *Framer) Keepalive(cid ChannelID, status KeepaliveStatusCode) Message {
	msg, _ := NewMessage(cid, CTAPHID_KEEPALIVE, []byte{byte(status)})
	return msg
}

// ErrorMessage frames a CTAPHID ERROR response. The channel survives;
// framing errors never tear it down.
func (f *Framer) ErrorMessage(cid ChannelID, code Error) Message {
	return f.errorMessage(cid, code)
}

func (f *Framer) errorMessage(cid ChannelID, code Error) Message {
	msg, _ := NewMessage(cid, CTAPHID_ERROR, []byte{byte(code)})
	return msg
}

func cidString(cid ChannelID) string {
	const digits = "0123456789abcdef"
	buf := make([]byte, 0, 8)
	for _, b := range cid {
		buf = append(buf, digits[b>>4], digits[b&0x0f])
	}
	return string(buf)
}
