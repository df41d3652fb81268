package codec

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/gregLibert/strongbox-bridge/pkg/keymint"
)

// Array is a decoded CBOR array whose elements are kept in their encoded form
// until an accessor asks for a typed value.
type Array []cbor.RawMessage

// Key characteristic buckets, in the order the applet sends them.
const (
	strongBoxEnforced = 0
	teeEnforced       = 1
	keystoreEnforced  = 2
)

// DecodeArray decodes data whose first item must be a CBOR array.
// Bytes after that item are ignored.
func DecodeArray(data []byte) (Array, error) {
	if m, ok := majorOf(data); !ok || m != majorArray {
		return nil, fmt.Errorf("%w: expected array", ErrStructure)
	}
	var arr []cbor.RawMessage
	if _, err := decMode.UnmarshalFirst(data, &arr); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStructure, err)
	}
	return Array(arr), nil
}

// DecodeEnvelope decodes a response payload. A payload that is not an array, or
// whose element 0 is not an unsigned integer, yields keymint.ErrorUnknown.
// Otherwise the array is returned together with the application status, which is
// nil on success and a keymint.ErrorCode on failure.
func DecodeEnvelope(data []byte) (Array, error) {
	arr, err := DecodeArray(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", keymint.ErrorUnknown, err)
	}
	code, ok := arr.ErrorCode(0)
	if !ok {
		return nil, fmt.Errorf("%w: envelope has no status element", keymint.ErrorUnknown)
	}
	return arr, code.AsError()
}

// Raw returns the encoded element at pos.
func (a Array) Raw(pos int) (cbor.RawMessage, bool) {
	if pos < 0 || pos >= len(a) {
		return nil, false
	}
	return a[pos], true
}

func (a Array) major(pos int, want byte) (cbor.RawMessage, bool) {
	raw, ok := a.Raw(pos)
	if !ok {
		return nil, false
	}
	if m, ok := majorOf(raw); !ok || m != want {
		return nil, false
	}
	return raw, true
}

// Uint64 returns the unsigned integer at pos.
func (a Array) Uint64(pos int) (uint64, bool) {
	raw, ok := a.Raw(pos)
	if !ok {
		return 0, false
	}
	return decodeUint(raw)
}

// ErrorCode returns the negated status stored at pos.
func (a Array) ErrorCode(pos int) (keymint.ErrorCode, bool) {
	v, ok := a.Uint64(pos)
	if !ok {
		return 0, false
	}
	return keymint.ErrorFromWire(v), true
}

// Bytes returns the byte string at pos.
func (a Array) Bytes(pos int) ([]byte, bool) {
	raw, ok := a.Raw(pos)
	if !ok {
		return nil, false
	}
	return decodeBytes(raw)
}

// Text returns the text string at pos.
func (a Array) Text(pos int) (string, bool) {
	raw, ok := a.major(pos, majorText)
	if !ok {
		return "", false
	}
	var s string
	if err := decMode.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}

// Array returns the nested array at pos.
func (a Array) Array(pos int) (Array, bool) {
	raw, ok := a.major(pos, majorArray)
	if !ok {
		return nil, false
	}
	arr, err := DecodeArray(raw)
	if err != nil {
		return nil, false
	}
	return arr, true
}

// Map returns the encoded map at pos.
func (a Array) Map(pos int) (cbor.RawMessage, bool) {
	return a.major(pos, majorMap)
}

// KeyParameters decodes the parameter map at pos.
func (a Array) KeyParameters(pos int) ([]keymint.KeyParameter, bool) {
	raw, ok := a.Map(pos)
	if !ok {
		return nil, false
	}
	params, err := DecodeKeyParameters(raw)
	if err != nil {
		return nil, false
	}
	return params, true
}

// KeyCharacteristics decodes the array of three enforcement maps at pos
// (StrongBox, TEE, keystore). Empty buckets are left out of the result.
func (a Array) KeyCharacteristics(pos int) ([]keymint.KeyCharacteristics, bool) {
	buckets, ok := a.Array(pos)
	if !ok {
		return nil, false
	}

	levels := []struct {
		pos   int
		level keymint.SecurityLevel
	}{
		{strongBoxEnforced, keymint.SecurityStrongBox},
		{teeEnforced, keymint.SecurityTrustedEnvironment},
		{keystoreEnforced, keymint.SecurityKeystore},
	}

	out := []keymint.KeyCharacteristics{}
	for _, l := range levels {
		params, ok := buckets.KeyParameters(l.pos)
		if !ok {
			return nil, false
		}
		if len(params) == 0 {
			continue
		}
		out = append(out, keymint.KeyCharacteristics{SecurityLevel: l.level, Authorizations: params})
	}
	return out, true
}

// MultiByteArray returns the array of byte strings at pos.
func (a Array) MultiByteArray(pos int) ([][]byte, bool) {
	arr, ok := a.Array(pos)
	if !ok {
		return nil, false
	}
	out := make([][]byte, 0, len(arr))
	for i := range arr {
		b, ok := arr.Bytes(i)
		if !ok {
			return nil, false
		}
		out = append(out, b)
	}
	return out, true
}

// CertificateChain returns the DER certificates stored at pos.
func (a Array) CertificateChain(pos int) ([][]byte, bool) {
	return a.MultiByteArray(pos)
}

// SharedSecretParameters decodes the [seed, nonce] pair at pos.
func (a Array) SharedSecretParameters(pos int) (keymint.SharedSecretParameters, bool) {
	var w sharedSecretWire
	if !a.fixed(pos, &w) {
		return keymint.SharedSecretParameters{}, false
	}
	return w.model(), true
}

// SharedSecretParametersList decodes an array of [seed, nonce] pairs at pos.
func (a Array) SharedSecretParametersList(pos int) ([]keymint.SharedSecretParameters, bool) {
	arr, ok := a.Array(pos)
	if !ok {
		return nil, false
	}
	out := make([]keymint.SharedSecretParameters, 0, len(arr))
	for i := range arr {
		p, ok := arr.SharedSecretParameters(i)
		if !ok {
			return nil, false
		}
		out = append(out, p)
	}
	return out, true
}

// TimeStampToken decodes the [challenge, timestamp, mac] triple at pos.
func (a Array) TimeStampToken(pos int) (keymint.TimeStampToken, bool) {
	var w timeStampWire
	if !a.fixed(pos, &w) {
		return keymint.TimeStampToken{}, false
	}
	return w.model(), true
}

// HardwareAuthToken decodes the six-element auth token at pos.
func (a Array) HardwareAuthToken(pos int) (keymint.HardwareAuthToken, bool) {
	var w authTokenWire
	if !a.fixed(pos, &w) {
		return keymint.HardwareAuthToken{}, false
	}
	return w.model(), true
}

// AttestationKey decodes the three flattened elements starting at pos:
// key blob, parameter map, issuer subject. An empty key blob means no key.
func (a Array) AttestationKey(pos int) (*keymint.AttestationKey, bool) {
	blob, ok := a.Bytes(pos)
	if !ok {
		return nil, false
	}
	params, ok := a.KeyParameters(pos + 1)
	if !ok {
		return nil, false
	}
	issuer, ok := a.Bytes(pos + 2)
	if !ok {
		return nil, false
	}
	if len(blob) == 0 {
		return nil, true
	}
	return &keymint.AttestationKey{KeyBlob: blob, AttestKeyParams: params, IssuerSubjectName: issuer}, true
}

// fixed decodes a fixed-shape array. A wrong element count or element type
// fails the whole structure.
func (a Array) fixed(pos int, v any) bool {
	raw, ok := a.major(pos, majorArray)
	if !ok {
		return false
	}
	return decMode.Unmarshal(raw, v) == nil
}
