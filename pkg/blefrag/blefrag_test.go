package blefrag

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFragmentSingleWrite(t *testing.T) {
	frags, err := Fragment(CommandMsg, []byte{0x04}, 20)
	require.NoError(t, err)
	require.Len(t, frags, 1)

	assert.Equal(t, []byte{0x83, 0x00, 0x01, 0x04}, frags[0])
}

func TestFragmentRoundTrip(t *testing.T) {
	data := bytes.Repeat([]byte{0xab}, 300)

	frags, err := Fragment(CommandMsg, data, 20)
	require.NoError(t, err)
	require.Greater(t, len(frags), 1)

	// First continuation carries sequence zero.
	assert.Equal(t, byte(0x00), frags[1][0])
	assert.Equal(t, byte(0x01), frags[2][0])

	r := new(Reassembler)
	var msg *Message
	for _, frag := range frags {
		require.LessOrEqual(t, len(frag), 20)
		msg, err = r.Push(frag)
		require.NoError(t, err)
	}

	require.NotNil(t, msg)
	assert.Equal(t, CommandMsg, msg.Command)
	assert.Equal(t, data, msg.Data)
}

func TestReassemblerFragmentCap(t *testing.T) {
	r := new(Reassembler)

	_, err := r.Push([]byte{0x83, 0x1d, 0xb9}) // full 7609-byte message declared
	require.NoError(t, err)

	// Empty continuations never complete the message; the cap stops them.
	var seq byte
	for i := 1; i < MaxFragments; i++ {
		_, err = r.Push([]byte{seq})
		require.NoError(t, err)
		seq = (seq + 1) & 0x7f
	}
	_, err = r.Push([]byte{seq})
	assert.ErrorIs(t, err, ErrTooManyFragments)
}

func TestReassemblerContinuationBeforeInitial(t *testing.T) {
	r := new(Reassembler)
	_, err := r.Push([]byte{0x00, 0x01, 0x02})
	assert.ErrorIs(t, err, ErrNoInitialPacket)
}

func TestReassemblerSequenceSkip(t *testing.T) {
	r := new(Reassembler)

	_, err := r.Push([]byte{0x83, 0x00, 0x40, 0x01, 0x02})
	require.NoError(t, err)

	_, err = r.Push([]byte{0x01, 0x03})
	assert.ErrorIs(t, err, ErrInvalidSeq)

	// The violation reset the buffer, so continuations are orphaned now.
	_, err = r.Push([]byte{0x00, 0x03})
	assert.ErrorIs(t, err, ErrNoInitialPacket)
}

func TestReassemblerNewInitialAborts(t *testing.T) {
	r := new(Reassembler)

	_, err := r.Push([]byte{0x83, 0x00, 0x40, 0x01})
	require.NoError(t, err)

	msg, err := r.Push([]byte{0x81, 0x00, 0x02, 0xaa, 0xbb})
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, CommandPing, msg.Command)
	assert.Equal(t, []byte{0xaa, 0xbb}, msg.Data)
}

func TestReassemblerTruncatesOverflow(t *testing.T) {
	r := new(Reassembler)

	msg, err := r.Push([]byte{0x83, 0x00, 0x02, 0xaa, 0xbb, 0xcc})
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, []byte{0xaa, 0xbb}, msg.Data)
}

func TestFragmentTooLarge(t *testing.T) {
	_, err := Fragment(CommandMsg, make([]byte, MaxMessageSize+1), 512)
	assert.ErrorIs(t, err, ErrMessageTooLarge)
}

func TestFragmentTooManyFragments(t *testing.T) {
	_, err := Fragment(CommandMsg, make([]byte, 2000), 6)
	assert.ErrorIs(t, err, ErrTooManyFragments)
}

func TestReassemblerRejectsOversizedDeclaredLength(t *testing.T) {
	r := new(Reassembler)
	frag := []byte{0x83, 0x1e, 0x00} // 7680 > 7609
	_, err := r.Push(frag)
	assert.ErrorIs(t, err, ErrMessageTooLarge)
}
