package tlv

import (
	"fmt"
	"reflect"

	"github.com/moov-io/bertlv"
)

// Marshaler allows custom types to produce their own TLV value.
type Marshaler interface {
	MarshalTLV() ([]byte, error)
}

// Marshal encodes the tagged fields of src as BER-TLV, in declaration order.
// Empty byte slices and nil pointers are omitted; unknown packets are appended
// unchanged.
func Marshal(src any) ([]byte, error) {
	packets, err := MarshalToPackets(src)
	if err != nil {
		return nil, err
	}
	return bertlv.Encode(packets)
}

// MarshalToPackets is Marshal without the final encoding step.
func MarshalToPackets(src any) ([]bertlv.TLV, error) {
	v, ok := structValue(src)
	if !ok {
		return nil, ErrTarget
	}

	var out, unknown []bertlv.TLV
	for _, f := range fieldsOf(v.Type()) {
		fv := v.Field(f.index)
		if f.unknown {
			unknown, _ = fv.Interface().([]bertlv.TLV)
			continue
		}
		if fv.Kind() == reflect.Slice && !isByteSlice(fv) {
			for i := 0; i < fv.Len(); i++ {
				p, ok, err := encodeValue(f.tag, fv.Index(i))
				if err != nil {
					return nil, err
				}
				if ok {
					out = append(out, p)
				}
			}
			continue
		}
		p, ok, err := encodeValue(f.tag, fv)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, p)
		}
	}
	return append(out, unknown...), nil
}

func encodeValue(tag string, fv reflect.Value) (bertlv.TLV, bool, error) {
	if m, ok := fv.Interface().(Marshaler); ok {
		b, err := m.MarshalTLV()
		if err != nil {
			return bertlv.TLV{}, false, fmt.Errorf("tag %s: %w", tag, err)
		}
		return bertlv.TLV{Tag: tag, Value: b}, true, nil
	}

	switch {
	case isByteSlice(fv):
		if fv.Len() == 0 {
			return bertlv.TLV{}, false, nil
		}
		return bertlv.TLV{Tag: tag, Value: fv.Bytes()}, true, nil
	case isStructOrPtrToStruct(fv):
		if fv.Kind() == reflect.Ptr && fv.IsNil() {
			return bertlv.TLV{}, false, nil
		}
		children, err := MarshalToPackets(fv.Interface())
		if err != nil {
			return bertlv.TLV{}, false, fmt.Errorf("tag %s: %w", tag, err)
		}
		return bertlv.TLV{Tag: tag, TLVs: children}, true, nil
	}
	return bertlv.TLV{}, false, nil
}
