package tlv

import (
	"encoding/hex"
	"errors"
	"fmt"
	"reflect"

	"github.com/moov-io/bertlv"
)

// ErrTarget is returned when the unmarshal target is not a non-nil struct pointer.
var ErrTarget = errors.New("tlv: target must be a non-nil pointer to a struct")

// Unmarshaler allows custom types to implement their own TLV parsing logic.
type Unmarshaler interface {
	UnmarshalTLV(data []byte) error
}

// Unmarshal parses raw BER-TLV data into target.
func Unmarshal(data []byte, target any) error {
	packets, err := bertlv.Decode(data)
	if err != nil {
		return fmt.Errorf("bertlv decode failed: %w", err)
	}
	return UnmarshalFromPackets(packets, target)
}

// UnmarshalFromPackets maps pre-decoded packets into target. A tag occurring
// several times fills a slice field element by element.
func UnmarshalFromPackets(packets []bertlv.TLV, target any) error {
	if reflect.ValueOf(target).Kind() != reflect.Ptr {
		return ErrTarget
	}
	v, ok := structValue(target)
	if !ok {
		return ErrTarget
	}

	consumed := make([]bool, len(packets))
	var unknown *reflect.Value

	for _, f := range fieldsOf(v.Type()) {
		fv := v.Field(f.index)
		if f.unknown {
			unknown = &fv
			continue
		}
		for i, p := range packets {
			if !sameTag(p.Tag, f.tag) {
				continue
			}
			if err := assign(p, fv); err != nil {
				return fmt.Errorf("tag %s: %w", f.tag, err)
			}
			consumed[i] = true
		}
	}

	if unknown == nil || !unknown.CanSet() {
		return nil
	}
	var rest []bertlv.TLV
	for i, p := range packets {
		if !consumed[i] {
			rest = append(rest, p)
		}
	}
	if len(rest) > 0 {
		unknown.Set(reflect.ValueOf(rest))
	}
	return nil
}

func assign(p bertlv.TLV, fv reflect.Value) error {
	if fv.Kind() == reflect.Slice && !isByteSlice(fv) {
		elem := reflect.New(fv.Type().Elem()).Elem()
		if err := decodeValue(p, elem); err != nil {
			return err
		}
		fv.Set(reflect.Append(fv, elem))
		return nil
	}
	return decodeValue(p, fv)
}

func decodeValue(p bertlv.TLV, fv reflect.Value) error {
	if fv.CanAddr() {
		if u, ok := fv.Addr().Interface().(Unmarshaler); ok {
			return u.UnmarshalTLV(rawValue(p))
		}
	}

	switch {
	case isByteSlice(fv):
		fv.SetBytes(rawValue(p))
	case fv.Kind() == reflect.String:
		fv.SetString(hex.EncodeToString(p.Value))
	case isStructOrPtrToStruct(fv):
		target := fv
		if fv.Kind() == reflect.Ptr {
			if fv.IsNil() {
				fv.Set(reflect.New(fv.Type().Elem()))
			}
		} else {
			target = fv.Addr()
		}
		if len(p.TLVs) > 0 {
			return UnmarshalFromPackets(p.TLVs, target.Interface())
		}
		return Unmarshal(p.Value, target.Interface())
	}
	return nil
}

// rawValue returns the value of p, re-encoding children of constructed tags.
func rawValue(p bertlv.TLV) []byte {
	if len(p.TLVs) > 0 {
		if enc, err := bertlv.Encode(p.TLVs); err == nil {
			return enc
		}
	}
	return p.Value
}
