package keymint

import (
	"bytes"
	"errors"
	"fmt"
)

// Enumerated values carried by ENUM and ENUM_REP tags.
const (
	PurposeEncrypt   uint32 = 0
	PurposeDecrypt   uint32 = 1
	PurposeSign      uint32 = 2
	PurposeVerify    uint32 = 3
	PurposeWrapKey   uint32 = 5
	PurposeAgreeKey  uint32 = 6
	PurposeAttestKey uint32 = 7

	AlgorithmRSA       uint32 = 1
	AlgorithmEC        uint32 = 3
	AlgorithmAES       uint32 = 32
	AlgorithmTripleDES uint32 = 33
	AlgorithmHMAC      uint32 = 128

	BlockModeECB uint32 = 1
	BlockModeCBC uint32 = 2
	BlockModeCTR uint32 = 3
	BlockModeGCM uint32 = 32

	DigestNone     uint32 = 0
	DigestMD5      uint32 = 1
	DigestSHA1     uint32 = 2
	DigestSHA2_224 uint32 = 3
	DigestSHA2_256 uint32 = 4
	DigestSHA2_384 uint32 = 5
	DigestSHA2_512 uint32 = 6

	PaddingNone            uint32 = 1
	PaddingRSAOAEP         uint32 = 2
	PaddingRSAPSS          uint32 = 3
	PaddingRSAPKCS1Encrypt uint32 = 4
	PaddingRSAPKCS1Sign    uint32 = 5
	PaddingPKCS7           uint32 = 64

	CurveP224       uint32 = 0
	CurveP256       uint32 = 1
	CurveP384       uint32 = 2
	CurveP521       uint32 = 3
	CurveCurve25519 uint32 = 4

	OriginGenerated        uint32 = 0
	OriginDerived          uint32 = 1
	OriginImported         uint32 = 2
	OriginSecurelyImported uint32 = 4
)

// HardwareAuthenticatorType is a bit set of authenticators.
type HardwareAuthenticatorType uint32

const (
	AuthenticatorNone        HardwareAuthenticatorType = 0
	AuthenticatorPassword    HardwareAuthenticatorType = 1 << 0
	AuthenticatorFingerprint HardwareAuthenticatorType = 1 << 1
	AuthenticatorAny         HardwareAuthenticatorType = 0xFFFFFFFF
)

// KeyFormat identifies the encoding of imported key material.
type KeyFormat uint32

const (
	KeyFormatX509  KeyFormat = 0
	KeyFormatPKCS8 KeyFormat = 1
	KeyFormatRaw   KeyFormat = 3
)

// ErrUnsupportedEnumTag is returned when an ENUM or ENUM_REP tag has no wire mapping.
var ErrUnsupportedEnumTag = errors.New("unsupported enum tag")

// enumTags lists the enumerated tags the applet understands.
var enumTags = map[Tag]bool{
	TAG_PURPOSE:             true,
	TAG_ALGORITHM:           true,
	TAG_BLOCK_MODE:          true,
	TAG_DIGEST:              true,
	TAG_RSA_OAEP_MGF_DIGEST: true,
	TAG_PADDING:             true,
	TAG_EC_CURVE:            true,
	TAG_USER_AUTH_TYPE:      true,
	TAG_ORIGIN:              true,
}

// IsLegacyTag reports tags that older frameworks still send but the applet
// never consumes. They are dropped on encode.
func IsLegacyTag(t Tag) bool {
	return t == TAG_BLOB_USAGE_REQUIREMENTS || t == TAG_KDF
}

// CheckEnumTag returns ErrUnsupportedEnumTag for enumerated tags without a wire mapping.
func CheckEnumTag(t Tag) error {
	if enumTags[t] {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrUnsupportedEnumTag, t)
}

// KeyParameter is a single tagged value. Which field is meaningful depends on TypeOf(Tag):
// Integer for ENUM, ENUM_REP, UINT, UINT_REP, ULONG, ULONG_REP and DATE; Bool for BOOL;
// Blob for BIGNUM and BYTES.
type KeyParameter struct {
	Tag     Tag
	Integer uint64
	Bool    bool
	Blob    []byte
}

// EnumParam builds an ENUM or ENUM_REP parameter.
func EnumParam(t Tag, v uint32) KeyParameter {
	return KeyParameter{Tag: t, Integer: uint64(v)}
}

// IntParam builds a UINT or UINT_REP parameter.
func IntParam(t Tag, v uint32) KeyParameter {
	return KeyParameter{Tag: t, Integer: uint64(v)}
}

// LongParam builds a ULONG or ULONG_REP parameter.
func LongParam(t Tag, v uint64) KeyParameter {
	return KeyParameter{Tag: t, Integer: v}
}

// DateParam builds a DATE parameter from milliseconds since the epoch.
func DateParam(t Tag, millis uint64) KeyParameter {
	return KeyParameter{Tag: t, Integer: millis}
}

// BoolParam builds a BOOL parameter. Booleans are only ever true on the wire.
func BoolParam(t Tag) KeyParameter {
	return KeyParameter{Tag: t, Bool: true}
}

// BlobParam builds a BYTES or BIGNUM parameter.
func BlobParam(t Tag, b []byte) KeyParameter {
	return KeyParameter{Tag: t, Blob: b}
}

// Equal reports whether two parameters carry the same tag and value.
func (p KeyParameter) Equal(o KeyParameter) bool {
	if p.Tag != o.Tag {
		return false
	}
	switch TypeOf(p.Tag) {
	case TypeBool:
		return p.Bool == o.Bool
	case TypeBytes, TypeBignum:
		return bytes.Equal(p.Blob, o.Blob)
	default:
		return p.Integer == o.Integer
	}
}

func (p KeyParameter) String() string {
	switch TypeOf(p.Tag) {
	case TypeBool:
		return fmt.Sprintf("%s=%t", p.Tag, p.Bool)
	case TypeBytes, TypeBignum:
		return fmt.Sprintf("%s=%X", p.Tag, p.Blob)
	default:
		return fmt.Sprintf("%s=%d", p.Tag, p.Integer)
	}
}

// Find returns the first parameter with the given tag.
func Find(params []KeyParameter, t Tag) (KeyParameter, bool) {
	for _, p := range params {
		if p.Tag == t {
			return p, true
		}
	}
	return KeyParameter{}, false
}

// HasBool reports whether a BOOL tag is present, which is the only way it can be true.
func HasBool(params []KeyParameter, t Tag) bool {
	p, ok := Find(params, t)
	return ok && p.Bool
}

// KeyCharacteristics is the set of authorizations enforced at one security level.
type KeyCharacteristics struct {
	SecurityLevel  SecurityLevel
	Authorizations []KeyParameter
}

// KeyCreationResult is returned by key generation and import.
type KeyCreationResult struct {
	KeyBlob            []byte
	KeyCharacteristics []KeyCharacteristics
	CertificateChain   [][]byte
}

// AttestationKey designates a key used to sign the attestation of another key.
type AttestationKey struct {
	KeyBlob           []byte
	AttestKeyParams   []KeyParameter
	IssuerSubjectName []byte
}
