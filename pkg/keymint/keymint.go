/*
Package keymint holds the data model exchanged with the StrongBox KeyMint applet.

# Tags and Type Classes

Every key parameter is identified by a 32-bit tag. The top four bits of the tag
carry its type class, so the way a value is encoded never has to be stored next
to it:

  - ENUM, UINT, ULONG, DATE: a single unsigned integer.
  - BOOL: presence means true. A false boolean is never sent.
  - BIGNUM, BYTES: a byte string.
  - ENUM_REP: every occurrence of the tag is packed into one byte string.
  - UINT_REP, ULONG_REP: every occurrence of the tag is packed into one array.

TypeOf is the single place where a tag is mapped to its class. Both the encoder
and the decoder in package codec switch over its result.

# Versions

The applet speaks one APDU dialect per KeyMint generation. The generation is
carried in P1 of every command and is fixed for the lifetime of a session.
*/
package keymint

import "fmt"

// Version identifies the KeyMint generation spoken with the applet.
type Version int

const (
	KeyMint1 Version = 1
	KeyMint2 Version = 2
	KeyMint3 Version = 3
	KeyMint4 Version = 4
)

// P1 values understood by the applet.
const (
	P1_KEYMINT_3 byte = 0x60
	P1_KEYMINT_4 byte = 0x70
)

// P1 returns the APDU P1 byte for the version.
// Generations the applet does not implement yield ErrorUnimplemented.
func (v Version) P1() (byte, error) {
	switch v {
	case KeyMint3:
		return P1_KEYMINT_3, nil
	case KeyMint4:
		return P1_KEYMINT_4, nil
	default:
		return 0, ErrorUnimplemented
	}
}

func (v Version) String() string {
	return fmt.Sprintf("KeyMint%d", int(v))
}

// ParseVersion maps a numeric generation (3, 4) to a Version.
func ParseVersion(n int) (Version, error) {
	switch Version(n) {
	case KeyMint3, KeyMint4:
		return Version(n), nil
	default:
		return 0, fmt.Errorf("unsupported KeyMint version %d: %w", n, ErrorUnimplemented)
	}
}

// CryptoOperationState reports the lifecycle of a begin/update/finish sequence.
type CryptoOperationState int

const (
	OperationStarted CryptoOperationState = iota
	OperationFinished
)

func (s CryptoOperationState) String() string {
	if s == OperationStarted {
		return "started"
	}
	return "finished"
}

// SecurityLevel names an enforcement domain.
type SecurityLevel int32

const (
	SecuritySoftware           SecurityLevel = 0
	SecurityTrustedEnvironment SecurityLevel = 1
	SecurityStrongBox          SecurityLevel = 2
	SecurityKeystore           SecurityLevel = 100
)

func (l SecurityLevel) String() string {
	switch l {
	case SecuritySoftware:
		return "SOFTWARE"
	case SecurityTrustedEnvironment:
		return "TRUSTED_ENVIRONMENT"
	case SecurityStrongBox:
		return "STRONGBOX"
	case SecurityKeystore:
		return "KEYSTORE"
	default:
		return fmt.Sprintf("SecurityLevel(%d)", int32(l))
	}
}
