package iso7816

import (
	"fmt"

	"github.com/gregLibert/strongbox-bridge/pkg/bits"
)

// CLA byte layouts (ISO/IEC 7816-4 section 5.4.1):
//
//	000C SSLL  first interindustry, SM on b4-b3, channel 0-3
//	01SC LLLL  further interindustry, SM on b6, channel 4 + b4-b1
//	100C xxLL  proprietary, channel 0-3 (KeyMint applets use 0x80)
//	11xC LLLL  proprietary, channel 4 + b4-b1
//
// C (b5) flags command chaining in every layout. 0xFF is reserved.

// MaxChannel is the highest logical channel a CLA can address.
const MaxChannel = 19

// SecureMessaging is the SM indication of an interindustry class.
type SecureMessaging int

const (
	SMNone         SecureMessaging = 0
	SMProprietary  SecureMessaging = 1
	SMHeaderNoProc SecureMessaging = 2
	SMHeaderAuth   SecureMessaging = 3
)

func (sm SecureMessaging) String() string {
	switch sm {
	case SMNone:
		return "none"
	case SMProprietary:
		return "proprietary"
	case SMHeaderNoProc:
		return "ISO, header not processed"
	case SMHeaderAuth:
		return "ISO, header authenticated"
	}
	return fmt.Sprintf("SM(%d)", int(sm))
}

// Class is a CLA byte.
type Class byte

// NewClass validates cla.
func NewClass(cla byte) (Class, error) {
	if cla == 0xFF {
		return 0, fmt.Errorf("iso7816: CLA 0xFF is reserved")
	}
	return Class(cla), nil
}

func (c Class) Proprietary() bool { return bits.IsSet(byte(c), 8) }

func (c Class) Chained() bool { return bits.IsSet(byte(c), 5) }

// further reports the layout addressing channels 4-19.
func (c Class) further() bool { return bits.IsSet(byte(c), 7) }

// Channel returns the logical channel number.
func (c Class) Channel() uint8 {
	if c.further() {
		return bits.GetRange(byte(c), 4, 1) + 4
	}
	return bits.GetRange(byte(c), 2, 1)
}

// SecureMessaging returns SMNone for proprietary classes.
func (c Class) SecureMessaging() SecureMessaging {
	switch {
	case c.Proprietary():
		return SMNone
	case c.further():
		if bits.IsSet(byte(c), 6) {
			return SMHeaderNoProc
		}
		return SMNone
	default:
		return SecureMessaging(bits.GetRange(byte(c), 4, 3))
	}
}

// WithChaining returns c with the chaining bit set or cleared.
func (c Class) WithChaining(chained bool) Class {
	if chained {
		return Class(bits.Set(byte(c), 5))
	}
	return Class(bits.Clear(byte(c), 5))
}

// OnChannel returns c re-encoded for logical channel ch, switching layout
// when ch crosses the 0-3 / 4-19 boundary.
func (c Class) OnChannel(ch uint8) (Class, error) {
	if ch > MaxChannel {
		return 0, fmt.Errorf("iso7816: channel %d out of range (max %d)", ch, MaxChannel)
	}

	raw := byte(c)
	if c.Proprietary() {
		if ch <= 3 {
			raw = bits.SetRange(bits.Clear(raw, 7), 2, 1, ch)
		} else {
			raw = bits.SetRange(bits.Set(raw, 7), 4, 1, ch-4)
		}
		if raw == 0xFF {
			return 0, fmt.Errorf("iso7816: channel %d would encode reserved CLA 0xFF", ch)
		}
		return Class(raw), nil
	}

	sm := c.SecureMessaging()
	raw = 0
	if c.Chained() {
		raw = bits.Set(raw, 5)
	}
	if ch <= 3 {
		raw = bits.SetRange(raw, 4, 3, byte(sm))
		raw = bits.SetRange(raw, 2, 1, ch)
		return Class(raw), nil
	}
	switch sm {
	case SMNone:
	case SMHeaderNoProc:
		raw = bits.Set(raw, 6)
	default:
		return 0, fmt.Errorf("iso7816: SM %q cannot be encoded on channel %d", sm, ch)
	}
	raw = bits.Set(raw, 7)
	raw = bits.SetRange(raw, 4, 1, ch-4)
	return Class(raw), nil
}

// Verbose describes the class on one line.
func (c Class) Verbose() string {
	kind := "interindustry"
	if c.Proprietary() {
		kind = "proprietary"
	}
	s := fmt.Sprintf("CLA %02X (%s, channel %d", byte(c), kind, c.Channel())
	if sm := c.SecureMessaging(); sm != SMNone {
		s += ", SM " + sm.String()
	}
	if c.Chained() {
		s += ", chained"
	}
	return s + ")"
}
