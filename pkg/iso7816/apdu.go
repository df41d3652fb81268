package iso7816

import (
	"bytes"
	"errors"
	"fmt"
)

// Command APDU layout (ISO/IEC 7816-3):
//
//	CLA INS P1 P2 [Lc Data] [Le]
//
// Short form carries Lc/Le on one byte, extended form on two bytes behind a
// leading 00. Extended form is used when Nc > 255 or Ne > 256, or when the
// command asks for it with ForceExtended.
//
// A response is an optional data field followed by SW1 SW2.

// APDU Limits and Constants according to ISO 7816-3.
const (
	MaxShortLc = 255

	// MaxShortLe is encoded as 00 in short form.
	MaxShortLe = 256

	MaxExtendedLc = 65535

	// MaxExtendedLe is encoded as 00 00 in extended form.
	MaxExtendedLe = 65536

	// MaxAPDUBufferSize covers header, extended Lc, data and extended Le.
	MaxAPDUBufferSize = 4 + 3 + MaxExtendedLc + 2 + 1
)

var (
	// ErrDataTooLong is returned when Nc does not fit in an extended Lc.
	ErrDataTooLong = errors.New("iso7816: command data exceeds 65535 bytes")
	// ErrMalformedCommand is returned by ParseCommandAPDU.
	ErrMalformedCommand = errors.New("iso7816: malformed command APDU")
)

// CommandAPDU represents a command sent to the card.
type CommandAPDU struct {
	Class       Class
	Instruction Instruction
	P1, P2      byte
	Data        []byte
	Ne          int // Expected response length (0 means none)

	// ForceExtended selects extended length encoding regardless of Nc and Ne.
	ForceExtended bool
}

// NewCommandAPDU creates a basic command.
func NewCommandAPDU(cla Class, ins Instruction, p1, p2 byte, data []byte, ne int) *CommandAPDU {
	return &CommandAPDU{
		Class:       cla,
		Instruction: ins,
		P1:          p1,
		P2:          p2,
		Data:        data,
		Ne:          ne,
	}
}

// NewExtendedCommand creates a command that always uses extended length
// encoding and expects up to MaxExtendedLe response bytes.
func NewExtendedCommand(cla Class, ins Instruction, p1, p2 byte, data []byte) *CommandAPDU {
	cmd := NewCommandAPDU(cla, ins, p1, p2, data, MaxExtendedLe)
	cmd.ForceExtended = true
	return cmd
}

// IsExtended reports whether Bytes will use extended length encoding.
func (c *CommandAPDU) IsExtended() bool {
	return c.ForceExtended || len(c.Data) > MaxShortLc || c.Ne > MaxShortLe
}

// Bytes encodes the command (C-APDU).
func (c *CommandAPDU) Bytes() ([]byte, error) {
	nc := len(c.Data)
	if nc > MaxExtendedLc {
		return nil, fmt.Errorf("%w: %d", ErrDataTooLong, nc)
	}
	if c.Ne < 0 || c.Ne > MaxExtendedLe {
		return nil, fmt.Errorf("iso7816: Ne %d out of range", c.Ne)
	}

	buf := bytes.NewBuffer(make([]byte, 0, 4+3+nc+2))
	buf.Write([]byte{byte(c.Class), byte(c.Instruction.Raw), c.P1, c.P2})

	extended := c.IsExtended()

	if nc > 0 {
		if extended {
			buf.Write([]byte{0x00, byte(nc >> 8), byte(nc)})
		} else {
			buf.WriteByte(byte(nc))
		}
		buf.Write(c.Data)
	}

	if c.Ne > 0 {
		switch {
		case !extended:
			// 256 wraps to 00.
			buf.WriteByte(byte(c.Ne))
		default:
			// Without Lc, a leading 00 tells Le apart from a short Lc.
			if nc == 0 {
				buf.WriteByte(0x00)
			}
			// 65536 wraps to 00 00.
			buf.Write([]byte{byte(c.Ne >> 8), byte(c.Ne)})
		}
	}

	return buf.Bytes(), nil
}

// ParseCommandAPDU decodes a C-APDU in any of the four ISO 7816-3 cases,
// short or extended.
func ParseCommandAPDU(raw []byte) (*CommandAPDU, error) {
	if len(raw) < 4 {
		return nil, fmt.Errorf("%w: length %d", ErrMalformedCommand, len(raw))
	}

	cla, err := NewClass(raw[0])
	if err != nil {
		return nil, err
	}
	ins, err := NewInstruction(InsCode(raw[1]))
	if err != nil {
		return nil, err
	}
	cmd := &CommandAPDU{Class: cla, Instruction: ins, P1: raw[2], P2: raw[3]}

	body := raw[4:]
	switch {
	case len(body) == 0:
		return cmd, nil

	case len(body) == 1:
		cmd.Ne = shortLe(body[0])
		return cmd, nil

	case body[0] != 0x00:
		lc := int(body[0])
		switch len(body) {
		case 1 + lc:
			cmd.Data = body[1:]
		case 2 + lc:
			cmd.Data = body[1 : 1+lc]
			cmd.Ne = shortLe(body[1+lc])
		default:
			return nil, fmt.Errorf("%w: short Lc %d with %d body bytes", ErrMalformedCommand, lc, len(body))
		}
		return cmd, nil

	case len(body) == 3:
		cmd.ForceExtended = true
		cmd.Ne = extendedLe(body[1], body[2])
		return cmd, nil

	default:
		cmd.ForceExtended = true
		lc := int(body[1])<<8 | int(body[2])
		if lc == 0 {
			return nil, fmt.Errorf("%w: extended Lc of zero", ErrMalformedCommand)
		}
		switch len(body) {
		case 3 + lc:
			cmd.Data = body[3:]
		case 5 + lc:
			cmd.Data = body[3 : 3+lc]
			cmd.Ne = extendedLe(body[3+lc], body[4+lc])
		default:
			return nil, fmt.Errorf("%w: extended Lc %d with %d body bytes", ErrMalformedCommand, lc, len(body))
		}
		return cmd, nil
	}
}

func shortLe(b byte) int {
	if b == 0 {
		return MaxShortLe
	}
	return int(b)
}

func extendedLe(hi, lo byte) int {
	n := int(hi)<<8 | int(lo)
	if n == 0 {
		return MaxExtendedLe
	}
	return n
}

// String returns a readable representation of the command meta-data.
func (c *CommandAPDU) String() string {
	return fmt.Sprintf("%s | P1: %02X, P2: %02X | Lc: %d | Le: %d",
		c.Instruction.Verbose(), c.P1, c.P2, len(c.Data), c.Ne)
}

// ResponseAPDU represents the reply from the card (R-APDU).
type ResponseAPDU struct {
	Data   []byte
	Status StatusWord
}

// ParseResponseAPDU splits raw bytes into data and status word.
// The input must contain at least 2 bytes (SW1, SW2).
func ParseResponseAPDU(raw []byte) (*ResponseAPDU, error) {
	if len(raw) < 2 {
		return nil, fmt.Errorf("response too short: length %d", len(raw))
	}

	n := len(raw) - 2
	return &ResponseAPDU{
		Data:   raw[:n],
		Status: NewStatusWord(raw[n], raw[n+1]),
	}, nil
}

// Bytes re-encodes the response as Data || SW1 SW2.
func (r *ResponseAPDU) Bytes() []byte {
	out := make([]byte, 0, len(r.Data)+2)
	out = append(out, r.Data...)
	return append(out, r.Status.SW1(), r.Status.SW2())
}

// String returns a readable representation of the response.
func (r *ResponseAPDU) String() string {
	return fmt.Sprintf("Data (%d bytes) | Status: %s", len(r.Data), r.Status.Verbose())
}
