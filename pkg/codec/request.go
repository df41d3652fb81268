package codec

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/gregLibert/strongbox-bridge/pkg/keymint"
)

// Request builds the positional CBOR array sent with an instruction.
// The first error encountered is kept and returned by Encode.
type Request struct {
	items []cbor.RawMessage
	err   error
}

// NewRequest returns an empty request array.
func NewRequest() *Request {
	return &Request{}
}

// NewEnvelope returns a response array whose element 0 is the wire form of code.
func NewEnvelope(code keymint.ErrorCode) *Request {
	return NewRequest().AddUint(code.Wire())
}

// Len returns the number of elements added so far.
func (r *Request) Len() int {
	return len(r.items)
}

func (r *Request) add(v any) *Request {
	if r.err != nil {
		return r
	}
	raw, err := marshal(v)
	if err != nil {
		r.err = err
		return r
	}
	r.items = append(r.items, raw)
	return r
}

// AddUint appends an unsigned integer.
func (r *Request) AddUint(v uint64) *Request {
	return r.add(v)
}

// AddBool appends 1 for true and 0 for false.
func (r *Request) AddBool(v bool) *Request {
	if v {
		return r.add(uint64(1))
	}
	return r.add(uint64(0))
}

// AddBytes appends a byte string. A nil slice is sent as an empty string.
func (r *Request) AddBytes(b []byte) *Request {
	return r.add(b)
}

// AddText appends a text string.
func (r *Request) AddText(s string) *Request {
	return r.add(s)
}

// AddRaw appends an already encoded data item.
func (r *Request) AddRaw(raw cbor.RawMessage) *Request {
	if r.err == nil {
		r.items = append(r.items, raw)
	}
	return r
}

// AddArray appends a nested array.
func (r *Request) AddArray(nested *Request) *Request {
	if r.err != nil {
		return r
	}
	raw, err := nested.Encode()
	if err != nil {
		r.err = err
		return r
	}
	return r.AddRaw(raw)
}

// AddByteArrays appends an array of byte strings.
func (r *Request) AddByteArrays(list [][]byte) *Request {
	nested := NewRequest()
	for _, b := range list {
		nested.AddBytes(b)
	}
	return r.AddArray(nested)
}

// AddKeyParameters appends a parameter set encoded as a map.
func (r *Request) AddKeyParameters(params []keymint.KeyParameter) *Request {
	if r.err != nil {
		return r
	}
	raw, err := EncodeKeyParameters(params)
	if err != nil {
		r.err = err
		return r
	}
	return r.AddRaw(raw)
}

// AddKeyCharacteristics appends the array of three enforcement maps.
func (r *Request) AddKeyCharacteristics(strongBox, tee, keystore []keymint.KeyParameter) *Request {
	return r.AddArray(NewRequest().
		AddKeyParameters(strongBox).
		AddKeyParameters(tee).
		AddKeyParameters(keystore))
}

// AddHardwareAuthToken appends a six-element auth token. A nil token is sent zeroed.
func (r *Request) AddHardwareAuthToken(t *keymint.HardwareAuthToken) *Request {
	if t == nil {
		t = &keymint.HardwareAuthToken{}
	}
	return r.add(authTokenWire{
		Challenge:         uint64(t.Challenge),
		UserID:            uint64(t.UserID),
		AuthenticatorID:   uint64(t.AuthenticatorID),
		AuthenticatorType: uint64(t.AuthenticatorType),
		Timestamp:         uint64(t.TimestampMillis),
		MAC:               t.MAC,
	})
}

// AddTimeStampToken appends a [challenge, timestamp, mac] triple. A nil token is sent zeroed.
func (r *Request) AddTimeStampToken(t *keymint.TimeStampToken) *Request {
	if t == nil {
		t = &keymint.TimeStampToken{}
	}
	return r.add(timeStampWire{
		Challenge: uint64(t.Challenge),
		Timestamp: uint64(t.TimestampMillis),
		MAC:       t.MAC,
	})
}

// AddSharedSecretParameter appends a single [seed, nonce] pair.
func (r *Request) AddSharedSecretParameter(p keymint.SharedSecretParameters) *Request {
	return r.add(sharedSecretWire{Seed: p.Seed, Nonce: p.Nonce})
}

// AddSharedSecretParameters appends an array of [seed, nonce] pairs.
func (r *Request) AddSharedSecretParameters(params []keymint.SharedSecretParameters) *Request {
	nested := NewRequest()
	for _, p := range params {
		nested.AddSharedSecretParameter(p)
	}
	return r.AddArray(nested)
}

// AddAttestationKey appends the key blob, parameter map and issuer subject as
// three consecutive elements. A nil key is sent as empty values.
func (r *Request) AddAttestationKey(k *keymint.AttestationKey) *Request {
	if k == nil {
		return r.AddBytes(nil).AddKeyParameters(nil).AddBytes(nil)
	}
	return r.AddBytes(k.KeyBlob).AddKeyParameters(k.AttestKeyParams).AddBytes(k.IssuerSubjectName)
}

// Encode returns the CBOR array.
func (r *Request) Encode() ([]byte, error) {
	if r.err != nil {
		return nil, fmt.Errorf("building request: %w", r.err)
	}
	items := r.items
	if items == nil {
		items = []cbor.RawMessage{}
	}
	return marshal(items)
}
