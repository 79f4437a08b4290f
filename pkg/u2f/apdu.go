package u2f

import "encoding/binary"

// APDU is one parsed command unit. Le is not retained; every command here
// returns as much as it has.
type APDU struct {
	CLA  byte
	INS  byte
	P1   byte
	P2   byte
	Data []byte
}

// parseAPDU accepts the short encoding and the extended encoding selected by
// a zero Lc marker byte. A trailing Le field of the matching width is
// tolerated and ignored.
func parseAPDU(raw []byte) (*APDU, error) {
	if len(raw) < 4 {
		return nil, errWrongData
	}

	apdu := &APDU{
		CLA: raw[0],
		INS: raw[1],
		P1:  raw[2],
		P2:  raw[3],
	}
	body := raw[4:]

	switch {
	case len(body) == 0:
		return apdu, nil
	case body[0] != 0:
		// Short form.
		lc := int(body[0])
		body = body[1:]
		if len(body) < lc || len(body) > lc+1 {
			return nil, errWrongData
		}
		apdu.Data = body[:lc]
		return apdu, nil
	default:
		// Extended form.
		if len(body) < 3 {
			// Lone short-form Le.
			if len(body) == 1 {
				return apdu, nil
			}
			return nil, errWrongData
		}
		lc := int(binary.BigEndian.Uint16(body[1:3]))
		body = body[3:]
		if lc == 0 {
			// A zero marker with two more bytes is an extended Le.
			if len(body) != 0 {
				return nil, errWrongData
			}
			return apdu, nil
		}
		if len(body) < lc || len(body) > lc+2 {
			return nil, errWrongData
		}
		apdu.Data = body[:lc]
		return apdu, nil
	}
}
