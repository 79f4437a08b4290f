// Package blefrag implements the FIDO BLE framing layer: messages are split
// across GATT control point writes, an initial fragment carrying the command
// and a 16-bit length, continuation fragments a 7-bit rolling sequence.
// https://fidoalliance.org/specs/fido-v2.2-ps-20250228/fido-client-to-authenticator-protocol-v2.2-ps-20250228.html#ble-framing
package blefrag

import (
	"encoding/binary"
	"errors"

	"github.com/samber/lo"
)

// Command is the first byte of an initial fragment. Bit 7 is always set,
// which is how initial fragments are told apart from continuations.
type Command byte

const (
	CommandPing      Command = 0x81
	CommandKeepalive Command = 0x82
	CommandMsg       Command = 0x83
	CommandCancel    Command = 0xbe
	CommandError     Command = 0xbf
)

const (
	// MaxMessageSize caps a reassembled message.
	MaxMessageSize = 7609
	// MaxFragments caps how many control point writes one message may span.
	MaxFragments = 128

	initialPacketBit = 0x80
	sequenceMask     = 0x7f
)

var (
	ErrMessageTooLarge  = errors.New("blefrag: message exceeds maximum size")
	ErrTooManyFragments = errors.New("blefrag: message needs too many fragments")
	ErrNoInitialPacket  = errors.New("blefrag: continuation before initial fragment")
	ErrInvalidSeq       = errors.New("blefrag: unexpected sequence number")
	ErrFragmentTooShort = errors.New("blefrag: fragment too short")
	ErrMTUTooSmall      = errors.New("blefrag: MTU too small")
)

// Fragment splits a message into control point writes for the given MTU.
// The initial fragment carries cmd, a big-endian length and mtu-3 payload
// bytes; continuations carry a sequence byte starting at zero and mtu-1
// payload bytes.
func Fragment(cmd Command, data []byte, mtu int) ([][]byte, error) {
	if mtu < 4 {
		return nil, ErrMTUTooSmall
	}
	if len(data) > MaxMessageSize {
		return nil, ErrMessageTooLarge
	}

	frags := make([][]byte, 0, 1)

	initial := make([]byte, 3, mtu)
	initial[0] = byte(cmd) | initialPacketBit
	binary.BigEndian.PutUint16(initial[1:3], uint16(len(data)))
	initial = append(initial, lo.Slice(data, 0, mtu-3)...)
	frags = append(frags, initial)

	if len(data) > mtu-3 {
		chunks := lo.Chunk(data[mtu-3:], mtu-1)
		for i, chunk := range chunks {
			frag := make([]byte, 1, mtu)
			frag[0] = byte(i % (sequenceMask + 1))
			frag = append(frag, chunk...)
			frags = append(frags, frag)
		}
	}

	if len(frags) > MaxFragments {
		return nil, ErrTooManyFragments
	}

	return frags, nil
}

// Message is a reassembled control point exchange.
type Message struct {
	Command Command
	Data    []byte
}

// Reassembler rebuilds messages from control point writes. Any framing
// violation resets it, so the next initial fragment starts clean.
type Reassembler struct {
	command   Command
	total     int
	buf       []byte
	nextSeq   byte
	fragments int
	active    bool
}

// Push consumes one fragment. It returns a non-nil Message once the declared
// length has been received.
func (r *Reassembler) Push(frag []byte) (*Message, error) {
	if len(frag) == 0 {
		return nil, ErrFragmentTooShort
	}

	if frag[0]&initialPacketBit != 0 {
		if len(frag) < 3 {
			r.Reset()
			return nil, ErrFragmentTooShort
		}

		total := int(binary.BigEndian.Uint16(frag[1:3]))
		if total > MaxMessageSize {
			r.Reset()
			return nil, ErrMessageTooLarge
		}

		// A new initial fragment aborts any reassembly in progress.
		r.command = Command(frag[0])
		r.total = total
		r.buf = append([]byte(nil), frag[3:]...)
		r.nextSeq = 0
		r.fragments = 1
		r.active = true
	} else {
		if !r.active {
			return nil, ErrNoInitialPacket
		}
		if frag[0]&sequenceMask != r.nextSeq {
			r.Reset()
			return nil, ErrInvalidSeq
		}
		if r.fragments >= MaxFragments {
			r.Reset()
			return nil, ErrTooManyFragments
		}
		r.nextSeq = (r.nextSeq + 1) & sequenceMask
		r.fragments++
		r.buf = append(r.buf, frag[1:]...)
	}

	if len(r.buf) >= r.total {
		msg := &Message{
			Command: r.command,
			Data:    r.buf[:r.total],
		}
		r.Reset()
		return msg, nil
	}

	return nil, nil
}

// Reset discards any partial message.
func (r *Reassembler) Reset() {
	r.command = 0
	r.total = 0
	r.buf = nil
	r.nextSeq = 0
	r.fragments = 0
	r.active = false
}
