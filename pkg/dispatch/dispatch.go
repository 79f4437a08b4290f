// Package dispatch routes reassembled transport messages to the protocol
// engines. It owns the arbiter lifecycle around every operation: acquire,
// run with a cancellable context, release, and reply on the transport the
// request arrived on.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/openfido/fidokey/pkg/blefrag"
	"github.com/openfido/fidokey/pkg/ctap2"
	"github.com/openfido/fidokey/pkg/ctaphid"
	"github.com/openfido/fidokey/pkg/ctaptypes"
	"github.com/openfido/fidokey/pkg/hal"
	"github.com/openfido/fidokey/pkg/options"
	"github.com/openfido/fidokey/pkg/transport"
	"github.com/openfido/fidokey/pkg/u2f"
)

// DefaultBLEMTU matches the control point length characteristic.
const DefaultBLEMTU = 512

// Dispatcher feeds raw transport input through the framing layers and runs
// completed messages on the engines. Input methods may be called from one
// goroutine per transport; CANCEL from any transport aborts the in-flight
// operation.
type Dispatcher struct {
	logger *slog.Logger

	arbiter *transport.Arbiter
	ctap2   *ctap2.Engine
	u2f     *u2f.Engine
	led     hal.LED

	usbMu  sync.Mutex
	framer *ctaphid.Framer

	bleMu  sync.Mutex
	ble    *blefrag.Reassembler
	bleMTU int

	cancelMu sync.Mutex
	cancel   context.CancelFunc
}

func New(arbiter *transport.Arbiter, framer *ctaphid.Framer, ctap2Engine *ctap2.Engine, u2fEngine *u2f.Engine, led hal.LED, opts ...options.Option) *Dispatcher {
	oo := options.NewOptions(opts...)

	if led == nil {
		led = hal.NopLED{}
	}

	return &Dispatcher{
		logger:  oo.Logger,
		arbiter: arbiter,
		ctap2:   ctap2Engine,
		u2f:     u2fEngine,
		led:     led,
		framer:  framer,
		ble:     &blefrag.Reassembler{},
		bleMTU:  DefaultBLEMTU,
	}
}

// HandleEvent feeds a transport lifecycle notification through the
// dispatcher. When the transport owning the in-flight operation disconnects
// or loses link encryption, the operation's context is cancelled; the
// arbiter stays busy until the aborted operation unwinds through Release, so
// no other transport can start one concurrently.
func (d *Dispatcher) HandleEvent(ev transport.Event) {
	switch ev.Kind {
	case transport.EventDisconnected, transport.EventEncryptionLost:
		if active, busy := d.arbiter.Active(); busy && active == ev.Transport {
			d.cancelInFlight()
		}
	}
	d.arbiter.HandleEvent(ev)
}

// SetBLEMTU overrides the negotiated control point write size.
func (d *Dispatcher) SetBLEMTU(mtu int) {
	d.bleMu.Lock()
	defer d.bleMu.Unlock()
	d.bleMTU = mtu
}

// HandleUSBReport consumes one HID output report. Framing replies and the
// response to a completed request go out through the arbiter's USB sender.
func (d *Dispatcher) HandleUSBReport(report []byte) error {
	d.usbMu.Lock()
	req, frames, err := d.framer.HandleReport(report)
	d.usbMu.Unlock()
	if err != nil {
		return err
	}

	if err := d.sendUSB(frames); err != nil {
		return err
	}
	if req == nil {
		return nil
	}
	return d.dispatchUSB(req)
}

func (d *Dispatcher) sendUSB(msg ctaphid.Message) error {
	for _, report := range msg.Reports() {
		if err := d.arbiter.Send(transport.TypeUSB, report); err != nil {
			return err
		}
	}
	return nil
}

func (d *Dispatcher) replyUSB(cid ctaphid.ChannelID, cmd ctaphid.Command, payload []byte) error {
	msg, err := d.framer.Response(cid, cmd, payload)
	if err != nil {
		return d.sendUSB(d.framer.ErrorMessage(cid, ctaphid.ERR_OTHER))
	}
	return d.sendUSB(msg)
}

func (d *Dispatcher) dispatchUSB(req *ctaphid.Request) error {
	d.logger.Debug("USB request", slog.String("command", req.Command.String()))

	switch req.Command {
	case ctaphid.CTAPHID_PING:
		return d.replyUSB(req.CID, ctaphid.CTAPHID_PING, req.Payload)

	case ctaphid.CTAPHID_WINK:
		d.led.SetPattern(hal.LEDPatternUserPresenceRequired)
		d.led.SetPattern(hal.LEDPatternIdle)
		return d.replyUSB(req.CID, ctaphid.CTAPHID_WINK, nil)

	case ctaphid.CTAPHID_CANCEL:
		d.cancelInFlight()
		return nil

	case ctaphid.CTAPHID_MSG:
		resp, ok := d.run(transport.TypeUSB, nil, func(ctx context.Context) []byte {
			return d.u2f.HandleAPDU(ctx, req.Payload)
		})
		if !ok {
			return d.sendUSB(d.framer.ErrorMessage(req.CID, ctaphid.ERR_CHANNEL_BUSY))
		}
		return d.replyUSB(req.CID, ctaphid.CTAPHID_MSG, resp)

	case ctaphid.CTAPHID_CBOR:
		keepalive := func(status ctap2.KeepaliveStatus) {
			_ = d.sendUSB(d.framer.Keepalive(req.CID, ctaphid.KeepaliveStatusCode(status)))
		}
		resp, ok := d.run(transport.TypeUSB, keepalive, func(ctx context.Context) []byte {
			return d.ctap2.HandleCBOR(ctx, req.Payload)
		})
		if !ok {
			return d.sendUSB(d.framer.ErrorMessage(req.CID, ctaphid.ERR_CHANNEL_BUSY))
		}
		return d.replyUSB(req.CID, ctaphid.CTAPHID_CBOR, resp)

	default:
		return d.sendUSB(d.framer.ErrorMessage(req.CID, ctaphid.ERR_INVALID_CMD))
	}
}

// HandleBLEFragment consumes one control point write. Reassembly errors are
// answered with a BLE error frame carrying the closest CTAP status and reset
// the reassembler.
func (d *Dispatcher) HandleBLEFragment(frag []byte) error {
	d.bleMu.Lock()
	msg, err := d.ble.Push(frag)
	mtu := d.bleMTU
	d.bleMu.Unlock()

	if err != nil {
		return d.replyBLE(mtu, blefrag.CommandError, []byte{byte(bleErrorStatus(err))})
	}
	if msg == nil {
		return nil
	}

	d.logger.Debug("BLE request", slog.Int("command", int(msg.Command)))

	switch msg.Command {
	case blefrag.CommandPing:
		return d.replyBLE(mtu, blefrag.CommandPing, msg.Data)

	case blefrag.CommandCancel:
		d.cancelInFlight()
		return nil

	case blefrag.CommandMsg:
		keepalive := func(status ctap2.KeepaliveStatus) {
			_ = d.replyBLE(mtu, blefrag.CommandKeepalive, []byte{byte(status)})
		}
		resp, ok := d.run(transport.TypeBLE, keepalive, func(ctx context.Context) []byte {
			return d.ctap2.HandleCBOR(ctx, msg.Data)
		})
		if !ok {
			return d.replyBLE(mtu, blefrag.CommandError, []byte{byte(ctaptypes.CTAP1_ERR_CHANNEL_BUSY)})
		}
		return d.replyBLE(mtu, blefrag.CommandMsg, resp)

	default:
		return d.replyBLE(mtu, blefrag.CommandError, []byte{byte(ctaptypes.CTAP1_ERR_INVALID_COMMAND)})
	}
}

func (d *Dispatcher) replyBLE(mtu int, cmd blefrag.Command, data []byte) error {
	frags, err := blefrag.Fragment(cmd, data, mtu)
	if err != nil {
		return err
	}
	for _, frag := range frags {
		if err := d.arbiter.Send(transport.TypeBLE, frag); err != nil {
			return err
		}
	}
	return nil
}

func bleErrorStatus(err error) ctaptypes.StatusCode {
	switch {
	case errors.Is(err, blefrag.ErrInvalidSeq):
		return ctaptypes.CTAP1_ERR_INVALID_SEQ
	case errors.Is(err, blefrag.ErrMessageTooLarge), errors.Is(err, blefrag.ErrTooManyFragments):
		return ctaptypes.CTAP2_ERR_REQUEST_TOO_LARGE
	default:
		return ctaptypes.CTAP1_ERR_INVALID_COMMAND
	}
}

// run executes one engine operation under the arbiter lock. The reported
// keepalive callback is installed for the duration of the operation. A false
// return means the transport could not acquire the authenticator.
func (d *Dispatcher) run(t transport.Type, keepalive ctap2.KeepaliveFunc, op func(ctx context.Context) []byte) ([]byte, bool) {
	if err := d.arbiter.Acquire(t); err != nil {
		d.logger.Warn("operation rejected",
			slog.String("transport", t.String()),
			slog.String("reason", err.Error()),
		)
		return nil, false
	}
	defer d.arbiter.Release(t)

	ctx, cancel := context.WithCancel(context.Background())
	d.cancelMu.Lock()
	d.cancel = cancel
	d.cancelMu.Unlock()
	defer func() {
		d.cancelMu.Lock()
		d.cancel = nil
		d.cancelMu.Unlock()
		cancel()
	}()

	d.ctap2.SetKeepaliveFunc(keepalive)
	d.u2f.SetKeepaliveFunc(keepalive)

	return op(ctx), true
}

func (d *Dispatcher) cancelInFlight() {
	d.cancelMu.Lock()
	defer d.cancelMu.Unlock()
	if d.cancel != nil {
		d.logger.Debug("cancelling in-flight operation")
		d.cancel()
	}
}
