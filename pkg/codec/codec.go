/*
Package codec converts between the keymint data model and the CBOR payloads
exchanged with the StrongBox applet.

# Envelope

Every request and every response is a CBOR array. In a response, element 0 is an
unsigned integer holding the negated KeyMint error code: 0 is success, 49 is
SECURE_HW_COMMUNICATION_FAILED, and so on. The elements that follow are
positional and specific to the instruction.

# Key Parameter Maps

A key parameter set is a CBOR map keyed by tag. Entries are written in a fixed order:

 1. Singular tags (ENUM, UINT, ULONG, DATE, BOOL, BIGNUM, BYTES), in insertion order.
 2. ENUM_REP tags, one byte string per tag holding every value, in order of first occurrence.
 3. UINT_REP and ULONG_REP tags, one array per tag, in order of first occurrence.

Booleans are written as the unsigned integer 1 and only when true.

# Positional Access

Decoded arrays are read through accessors that take a zero-based position and
return (value, ok). A missing element or an element of the wrong CBOR type both
report ok == false.
*/
package codec

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// CBOR major types.
const (
	majorUint  byte = 0
	majorBytes byte = 2
	majorText  byte = 3
	majorArray byte = 4
	majorMap   byte = 5
)

var (
	// ErrStructure reports a payload that does not have the expected CBOR shape.
	ErrStructure = errors.New("codec: malformed structure")

	// ErrDuplicateTag reports a singular tag that appears more than once in a parameter set.
	ErrDuplicateTag = errors.New("codec: duplicate singular tag")
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	// Absent blobs are empty byte strings on the wire, never null.
	encMode, err = cbor.EncOptions{NilContainers: cbor.NilContainerAsEmpty}.EncMode()
	if err != nil {
		panic(fmt.Sprintf("codec: cbor encoder options: %v", err))
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("codec: cbor decoder options: %v", err))
	}
}

func marshal(v any) (cbor.RawMessage, error) {
	b, err := encMode.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("cbor marshal %T: %w", v, err)
	}
	return b, nil
}

// majorOf returns the major type of the first data item in b.
func majorOf(b []byte) (byte, bool) {
	if len(b) == 0 {
		return 0, false
	}
	return b[0] >> 5, true
}

// appendHead writes a definite-length CBOR head.
func appendHead(b []byte, major byte, n uint64) []byte {
	m := major << 5
	switch {
	case n < 24:
		return append(b, m|byte(n))
	case n <= 0xFF:
		return append(b, m|24, byte(n))
	case n <= 0xFFFF:
		return binary.BigEndian.AppendUint16(append(b, m|25), uint16(n))
	case n <= 0xFFFFFFFF:
		return binary.BigEndian.AppendUint32(append(b, m|26), uint32(n))
	default:
		return binary.BigEndian.AppendUint64(append(b, m|27), n)
	}
}

// readHead parses a definite-length CBOR head. Indefinite lengths are rejected:
// the applet never produces them.
func readHead(b []byte) (major byte, n uint64, rest []byte, err error) {
	if len(b) == 0 {
		return 0, 0, nil, fmt.Errorf("%w: empty input", ErrStructure)
	}
	major = b[0] >> 5
	info := b[0] & 0x1F
	b = b[1:]

	size := 0
	switch {
	case info < 24:
		return major, uint64(info), b, nil
	case info == 24:
		size = 1
	case info == 25:
		size = 2
	case info == 26:
		size = 4
	case info == 27:
		size = 8
	default:
		return 0, 0, nil, fmt.Errorf("%w: unsupported additional info %d", ErrStructure, info)
	}

	if len(b) < size {
		return 0, 0, nil, fmt.Errorf("%w: truncated head", ErrStructure)
	}
	for _, c := range b[:size] {
		n = n<<8 | uint64(c)
	}
	return major, n, b[size:], nil
}

// splitFirst returns the first complete data item of b and what follows it.
func splitFirst(b []byte) (cbor.RawMessage, []byte, error) {
	var item cbor.RawMessage
	rest, err := decMode.UnmarshalFirst(b, &item)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrStructure, err)
	}
	return item, rest, nil
}
