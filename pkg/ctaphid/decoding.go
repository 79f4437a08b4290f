package ctaphid

import (
	"encoding/binary"
	"io"
)

// parseReport decodes one 64-byte report.
func parseReport(report []byte) (*packet, error) {
	if len(report) != ReportSize {
		return nil, ErrInvalidReportSize
	}

	p := &packet{cid: ChannelID(report[:4])}

	if report[4]&INIT_PACKET_BIT != 0 {
		p.command = Command(report[4] &^ INIT_PACKET_BIT)
		p.length = binary.BigEndian.Uint16(report[5:7])
		n := int(p.length)
		if n > ReportSize-7 {
			n = ReportSize - 7
		}
		p.data = report[7 : 7+n]
	} else {
		p.continuation = true
		p.sequence = report[4]
		p.data = report[5:]
	}

	return p, nil
}

// ReadFrom reads 64-byte reports until one message is complete. Used by
// platform-side test drivers to collect a device response.
func (m *Message) ReadFrom(r io.Reader) (int64, error) {
	var total int64
	remaining := -1

	for remaining != 0 {
		report := make([]byte, ReportSize)
		n, err := io.ReadFull(r, report)
		total += int64(n)
		if err != nil {
			return total, err
		}

		p, err := parseReport(report)
		if err != nil {
			return total, err
		}

		if !p.continuation {
			remaining = int(p.length)
		}
		if len(p.data) > remaining {
			p.data = p.data[:remaining]
		}
		remaining -= len(p.data)

		*m = append(*m, p)
	}

	return total, nil
}

// Payload concatenates the message data up to the declared length.
func (m Message) Payload() []byte {
	if len(m) == 0 {
		return nil
	}
	out := make([]byte, 0, m[0].length)
	for _, p := range m {
		out = append(out, p.data...)
	}
	return out
}

// CID returns the channel the message arrived on.
func (m Message) CID() ChannelID {
	if len(m) == 0 {
		return ChannelID{}
	}
	return m[0].cid
}

// Command returns the message command.
func (m Message) Command() Command {
	if len(m) == 0 {
		return 0
	}
	return m[0].command
}
