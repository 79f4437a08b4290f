// Command fidokey runs a software authenticator end to end: a GetInfo and a
// MakeCredential round trip over a loopback CTAPHID pipe, with the button
// auto-pressed.
package main

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"

	"github.com/fxamacker/cbor/v2"

	"github.com/openfido/fidokey/pkg/ctap2"
	"github.com/openfido/fidokey/pkg/ctaphid"
	"github.com/openfido/fidokey/pkg/ctaptypes"
	"github.com/openfido/fidokey/pkg/dispatch"
	"github.com/openfido/fidokey/pkg/hal"
	"github.com/openfido/fidokey/pkg/hal/haltest"
	"github.com/openfido/fidokey/pkg/options"
	"github.com/openfido/fidokey/pkg/storage"
	"github.com/openfido/fidokey/pkg/transport"
	"github.com/openfido/fidokey/pkg/u2f"
	"github.com/openfido/fidokey/pkg/webauthntypes"
)

// loopbackSender collects the device's outgoing reports for the host side.
type loopbackSender struct {
	reports [][]byte
}

func (s *loopbackSender) Send(payload []byte) error {
	s.reports = append(s.reports, append([]byte(nil), payload...))
	return nil
}

func (s *loopbackSender) drain() [][]byte {
	reports := s.reports
	s.reports = nil
	return reports
}

// host is the platform half of the loopback pipe.
type host struct {
	dispatcher *Authenticator
	cid        ctaphid.ChannelID
}

// Authenticator bundles the device-side pieces.
type Authenticator struct {
	*dispatch.Dispatcher
	sender *loopbackSender
	button *haltest.Button
}

func newAuthenticator(logger *slog.Logger) (*Authenticator, error) {
	store, err := storage.Open(storage.NewMemBackend())
	if err != nil {
		return nil, err
	}

	clock := hal.SystemClock()
	button := &haltest.Button{}
	led := &haltest.LED{}

	ctap2Engine, err := ctap2.New(store, clock, button, led, options.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	u2fEngine := u2f.New(store, clock, button, led, options.WithLogger(logger))

	arbiter := transport.NewArbiter(logger, clock)
	sender := &loopbackSender{}
	arbiter.Register(transport.TypeUSB, sender)
	arbiter.HandleEvent(transport.Event{Kind: transport.EventConnected, Transport: transport.TypeUSB})

	framer := ctaphid.NewFramer(clock, options.WithLogger(logger))

	return &Authenticator{
		Dispatcher: dispatch.New(arbiter, framer, ctap2Engine, u2fEngine, led, options.WithLogger(logger)),
		sender:     sender,
		button:     button,
	}, nil
}

// roundTrip frames a request, feeds it to the device and reassembles the
// reply, skipping keepalives.
func (h *host) roundTrip(cmd ctaphid.Command, payload []byte) ([]byte, error) {
	msg, err := ctaphid.NewMessage(h.cid, cmd, payload)
	if err != nil {
		return nil, err
	}
	for _, report := range msg.Reports() {
		if err := h.dispatcher.HandleUSBReport(report); err != nil {
			return nil, err
		}
	}

	var (
		buf  []byte
		want = -1
	)
	for _, report := range h.dispatcher.sender.drain() {
		if report[4]&0x80 != 0 {
			if ctaphid.Command(report[4]&0x7f) == ctaphid.CTAPHID_KEEPALIVE {
				continue
			}
			want = int(binary.BigEndian.Uint16(report[5:7]))
			buf = append([]byte(nil), report[7:]...)
		} else {
			buf = append(buf, report[5:]...)
		}
		if want >= 0 && len(buf) >= want {
			return buf[:want], nil
		}
	}
	return nil, fmt.Errorf("no reply for %s", cmd)
}

func (h *host) init() error {
	nonce := []byte{0xde, 0xad, 0xbe, 0xef, 0x01, 0x02, 0x03, 0x04}
	h.cid = ctaphid.BROADCAST_CID
	payload, err := h.roundTrip(ctaphid.CTAPHID_INIT, nonce)
	if err != nil {
		return err
	}
	resp, err := ctaphid.ParseInitResponse(payload)
	if err != nil {
		return err
	}
	h.cid = resp.CID
	return nil
}

func (h *host) cbor(request []byte) ([]byte, error) {
	resp, err := h.roundTrip(ctaphid.CTAPHID_CBOR, request)
	if err != nil {
		return nil, err
	}
	if len(resp) == 0 {
		return nil, fmt.Errorf("empty CBOR reply")
	}
	if resp[0] != byte(ctaptypes.CTAP2_OK) {
		return nil, fmt.Errorf("CTAP2 error: %s", ctaptypes.StatusCode(resp[0]))
	}
	return resp[1:], nil
}

func main() {
	lvl := new(slog.LevelVar)
	lvl.Set(slog.LevelDebug)
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: lvl,
	}))

	authenticator, err := newAuthenticator(logger)
	if err != nil {
		panic(err)
	}
	h := &host{dispatcher: authenticator}

	if err := h.init(); err != nil {
		panic(err)
	}
	fmt.Printf("channel: %x\n", h.cid)

	infoBody, err := h.cbor([]byte{byte(ctaptypes.AuthenticatorGetInfo)})
	if err != nil {
		panic(err)
	}
	info := new(ctaptypes.AuthenticatorGetInfoResponse)
	if err := cbor.Unmarshal(infoBody, info); err != nil {
		panic(err)
	}
	fmt.Printf("versions: %v\n", info.Versions)
	fmt.Printf("AAGUID: %s\n", info.AAGUID)

	encMode, err := cbor.CTAP2EncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	clientDataHash := sha256.Sum256([]byte(`{"type":"webauthn.create"}`))
	mcRequest, err := encMode.Marshal(&ctaptypes.AuthenticatorMakeCredentialRequest{
		ClientDataHash: clientDataHash[:],
		RP: webauthntypes.PublicKeyCredentialRpEntity{
			ID:   "demo.example.com",
			Name: "Demo",
		},
		User: webauthntypes.PublicKeyCredentialUserEntity{
			ID:   []byte{0x01},
			Name: "demo",
		},
		PubKeyCredParams: []webauthntypes.PublicKeyCredentialParameters{
			{Type: webauthntypes.PublicKeyCredentialTypePublicKey, Algorithm: -7},
		},
	})
	if err != nil {
		panic(err)
	}

	// The demo has no physical button; arm the simulated one.
	authenticator.button.Press()

	mcBody, err := h.cbor(append([]byte{byte(ctaptypes.AuthenticatorMakeCredential)}, mcRequest...))
	if err != nil {
		panic(err)
	}
	mc := new(ctaptypes.AuthenticatorMakeCredentialResponse)
	if err := cbor.Unmarshal(mcBody, mc); err != nil {
		panic(err)
	}

	authData, err := ctaptypes.ParseAuthData(mc.AuthData)
	if err != nil {
		panic(err)
	}
	fmt.Printf("fmt: %s\n", mc.Format)
	fmt.Printf("credential: %s\n", hex.EncodeToString(authData.AttestedCredentialData.CredentialID))
}
