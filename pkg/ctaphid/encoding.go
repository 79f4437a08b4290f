package ctaphid

import (
	"encoding/binary"
	"io"

	"github.com/samber/lo"
)

// NewMessage splits a payload into an initial packet and however many
// continuation packets it needs.
func NewMessage(cid ChannelID, cmd Command, data []byte) (Message, error) {
	if len(data) > MaxMessageSize {
		return nil, ErrMessageTooLarge
	}

	msg := make(Message, 0, 1)
	msg = append(msg, &packet{
		cid:     cid,
		command: cmd,
		length:  uint16(len(data)),
		// DATA starts at offset 7
		data: lo.Slice(data, 0, ReportSize-7),
	})

	// data beyond the initial packet goes into continuation packets,
	// 59 bytes each
	if len(data) > ReportSize-7 {
		chunks := lo.Chunk(data[ReportSize-7:], ReportSize-5)
		for i, chunk := range chunks {
			msg = append(msg, &packet{
				cid:          cid,
				sequence:     byte(i),
				data:         chunk,
				continuation: true,
			})
		}
	}

	return msg, nil
}

// Reports renders the message as fixed-size HID reports.
func (m Message) Reports() [][]byte {
	reports := make([][]byte, 0, len(m))
	for _, p := range m {
		reports = append(reports, p.encode())
	}
	return reports
}

// WriteTo writes the message as consecutive 64-byte reports.
func (m Message) WriteTo(w io.Writer) (int64, error) {
	var total int64
	for _, report := range m.Reports() {
		n, err := w.Write(report)
		total += int64(n)
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// encode renders the packet as one zero-padded 64-byte report.
func (p *packet) encode() []byte {
	report := make([]byte, ReportSize)

	// CID: offset 0; length 4
	copy(report[:4], p.cid[:])

	if !p.continuation {
		// CMD with the initial packet bit, then BCNTH and BCNTL
		report[4] = byte(p.command) | INIT_PACKET_BIT
		binary.BigEndian.PutUint16(report[5:7], p.length)
		copy(report[7:], p.data)
	} else {
		// SEQ, then data
		report[4] = p.sequence
		copy(report[5:], p.data)
	}

	return report
}
