package ctaphid

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfido/fidokey/pkg/hal/haltest"
)

func newTestFramer(t *testing.T) (*Framer, *haltest.ManualClock) {
	t.Helper()
	clock := haltest.NewManualClock()
	return NewFramer(clock), clock
}

// initChannel performs the CTAPHID_INIT handshake and returns the allocated
// channel.
func initChannel(t *testing.T, f *Framer) ChannelID {
	t.Helper()

	nonce := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	msg, err := NewMessage(BROADCAST_CID, CTAPHID_INIT, nonce)
	require.NoError(t, err)

	req, out, err := f.HandleReport(msg.Reports()[0])
	require.NoError(t, err)
	require.Nil(t, req)
	require.NotEmpty(t, out)

	require.Equal(t, BROADCAST_CID, out.CID())
	require.Equal(t, CTAPHID_INIT, out.Command())

	resp, err := ParseInitResponse(out.Payload())
	require.NoError(t, err)
	require.Equal(t, nonce, resp.Nonce)
	require.NotEqual(t, BROADCAST_CID, resp.CID)
	require.NotEqual(t, ChannelID{}, resp.CID)
	require.True(t, resp.ImplementsCBOR())
	require.True(t, resp.ImplementsWink())

	return resp.CID
}

func TestInitHandshake(t *testing.T) {
	f, _ := newTestFramer(t)

	first := initChannel(t, f)
	second := initChannel(t, f)
	assert.NotEqual(t, first, second)
}

func TestInitNonceLength(t *testing.T) {
	f, _ := newTestFramer(t)

	msg, err := NewMessage(BROADCAST_CID, CTAPHID_INIT, []byte{1, 2, 3})
	require.NoError(t, err)

	_, out, err := f.HandleReport(msg.Reports()[0])
	require.NoError(t, err)
	assert.Equal(t, CTAPHID_ERROR, out.Command())
	assert.Equal(t, []byte{byte(ERR_INVALID_LEN)}, out.Payload())
}

func TestSinglePacketRequest(t *testing.T) {
	f, _ := newTestFramer(t)
	cid := initChannel(t, f)

	msg, err := NewMessage(cid, CTAPHID_CBOR, []byte{0x04})
	require.NoError(t, err)

	req, out, err := f.HandleReport(msg.Reports()[0])
	require.NoError(t, err)
	require.Nil(t, out)
	require.NotNil(t, req)
	assert.Equal(t, cid, req.CID)
	assert.Equal(t, CTAPHID_CBOR, req.Command)
	assert.Equal(t, []byte{0x04}, req.Payload)
}

func TestMultiPacketReassembly(t *testing.T) {
	f, _ := newTestFramer(t)
	cid := initChannel(t, f)

	payload := bytes.Repeat([]byte{0xaa}, 300)
	msg, err := NewMessage(cid, CTAPHID_CBOR, payload)
	require.NoError(t, err)

	var req *Request
	for _, report := range msg.Reports() {
		var out Message
		req, out, err = f.HandleReport(report)
		require.NoError(t, err)
		require.Nil(t, out)
	}

	require.NotNil(t, req)
	assert.Equal(t, payload, req.Payload)
}

func TestInvalidSequence(t *testing.T) {
	f, _ := newTestFramer(t)
	cid := initChannel(t, f)

	payload := bytes.Repeat([]byte{0xaa}, 300)
	msg, err := NewMessage(cid, CTAPHID_CBOR, payload)
	require.NoError(t, err)
	reports := msg.Reports()

	_, _, err = f.HandleReport(reports[0])
	require.NoError(t, err)

	// skip sequence 0, deliver sequence 1
	req, out, err := f.HandleReport(reports[2])
	require.NoError(t, err)
	require.Nil(t, req)
	require.Equal(t, CTAPHID_ERROR, out.Command())
	assert.Equal(t, []byte{byte(ERR_INVALID_SEQ)}, out.Payload())

	// reassembly was aborted: the late continuation is dropped silently
	req, out, err = f.HandleReport(reports[1])
	require.NoError(t, err)
	assert.Nil(t, req)
	assert.Nil(t, out)
}

func TestUnknownChannel(t *testing.T) {
	f, _ := newTestFramer(t)

	msg, err := NewMessage(ChannelID{0xde, 0xad, 0xbe, 0xef}, CTAPHID_CBOR, []byte{0x04})
	require.NoError(t, err)

	req, out, err := f.HandleReport(msg.Reports()[0])
	require.NoError(t, err)
	require.Nil(t, req)
	assert.Equal(t, CTAPHID_ERROR, out.Command())
	assert.Equal(t, []byte{byte(ERR_INVALID_CHANNEL)}, out.Payload())
}

func TestChannelBusy(t *testing.T) {
	f, _ := newTestFramer(t)
	first := initChannel(t, f)
	second := initChannel(t, f)

	payload := bytes.Repeat([]byte{0xaa}, 300)
	msg, err := NewMessage(first, CTAPHID_CBOR, payload)
	require.NoError(t, err)

	_, _, err = f.HandleReport(msg.Reports()[0])
	require.NoError(t, err)

	// another channel interleaving gets busy-rejected
	other, err := NewMessage(second, CTAPHID_CBOR, []byte{0x04})
	require.NoError(t, err)
	req, out, err := f.HandleReport(other.Reports()[0])
	require.NoError(t, err)
	require.Nil(t, req)
	assert.Equal(t, second, out.CID())
	assert.Equal(t, []byte{byte(ERR_CHANNEL_BUSY)}, out.Payload())

	// the original transaction is unaffected
	var req2 *Request
	for _, report := range msg.Reports()[1:] {
		req2, _, err = f.HandleReport(report)
		require.NoError(t, err)
	}
	require.NotNil(t, req2)
	assert.Equal(t, payload, req2.Payload)
}

func TestReassemblyTimeout(t *testing.T) {
	f, clock := newTestFramer(t)
	cid := initChannel(t, f)

	payload := bytes.Repeat([]byte{0xaa}, 300)
	msg, err := NewMessage(cid, CTAPHID_CBOR, payload)
	require.NoError(t, err)
	reports := msg.Reports()

	_, _, err = f.HandleReport(reports[0])
	require.NoError(t, err)

	clock.Advance(ReassemblyTimeout + time.Millisecond)

	// the stalled transaction dies with ERR_MSG_TIMEOUT; the late
	// continuation is then spurious and dropped
	req, out, err := f.HandleReport(reports[1])
	require.NoError(t, err)
	require.Nil(t, req)
	require.NotEmpty(t, out)
	assert.Equal(t, CTAPHID_ERROR, out.Command())
	assert.Equal(t, []byte{byte(ERR_MSG_TIMEOUT)}, out.Payload())
}

func TestNewInitAbortsReassembly(t *testing.T) {
	f, _ := newTestFramer(t)
	cid := initChannel(t, f)

	payload := bytes.Repeat([]byte{0xaa}, 300)
	msg, err := NewMessage(cid, CTAPHID_CBOR, payload)
	require.NoError(t, err)

	_, _, err = f.HandleReport(msg.Reports()[0])
	require.NoError(t, err)

	// resync INIT on the same channel
	nonce := []byte{9, 9, 9, 9, 9, 9, 9, 9}
	initMsg, err := NewMessage(cid, CTAPHID_INIT, nonce)
	require.NoError(t, err)
	req, out, err := f.HandleReport(initMsg.Reports()[0])
	require.NoError(t, err)
	require.Nil(t, req)
	require.Equal(t, CTAPHID_INIT, out.Command())

	resp, err := ParseInitResponse(out.Payload())
	require.NoError(t, err)
	assert.Equal(t, cid, resp.CID)

	// continuation of the aborted transaction is dropped
	req, out, err = f.HandleReport(msg.Reports()[1])
	require.NoError(t, err)
	assert.Nil(t, req)
	assert.Nil(t, out)
}

func TestOversizedDeclaredLength(t *testing.T) {
	f, _ := newTestFramer(t)
	cid := initChannel(t, f)

	report := make([]byte, ReportSize)
	copy(report[:4], cid[:])
	report[4] = byte(CTAPHID_CBOR) | INIT_PACKET_BIT
	report[5] = 0x1e // 7680 > 7609
	report[6] = 0x00

	req, out, err := f.HandleReport(report)
	require.NoError(t, err)
	require.Nil(t, req)
	assert.Equal(t, []byte{byte(ERR_INVALID_LEN)}, out.Payload())
}

func TestKeepaliveFrame(t *testing.T) {
	f, _ := newTestFramer(t)
	cid := initChannel(t, f)

	msg := f.Keepalive(cid, STATUS_UPNEEDED)
	require.Len(t, msg, 1)
	assert.Equal(t, CTAPHID_KEEPALIVE, msg.Command())
	assert.Equal(t, []byte{byte(STATUS_UPNEEDED)}, msg.Payload())
}
