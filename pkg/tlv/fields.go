// Package tlv maps BER-TLV data to Go structs using `tlv` struct tags.
//
// A field tagged `tlv:"84"` binds to tag 84. A []bertlv.TLV field tagged
// `tlv:",unknown"` (or named Unknown) collects the tags no other field claimed.
// Byte slices receive the raw value, strings its hex form, and struct or
// pointer-to-struct fields recurse into constructed tags.
package tlv

import (
	"reflect"
	"strings"

	"github.com/moov-io/bertlv"
)

var tlvSliceType = reflect.TypeOf([]bertlv.TLV{})

// field is one struct field bound to a BER-TLV tag.
type field struct {
	index   int
	tag     string
	format  string
	unknown bool
}

// fieldsOf lists the tagged fields of struct type t in declaration order.
func fieldsOf(t reflect.Type) []field {
	var out []field
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		conf := sf.Tag.Get("tlv")

		if conf == ",unknown" || (sf.Name == "Unknown" && sf.Type == tlvSliceType) {
			out = append(out, field{index: i, unknown: true})
			continue
		}
		if conf == "" {
			continue
		}
		out = append(out, field{
			index:  i,
			tag:    strings.ToUpper(strings.Split(conf, ",")[0]),
			format: sf.Tag.Get("fmt"),
		})
	}
	return out
}

func sameTag(a, b string) bool {
	return strings.EqualFold(a, b)
}

func isByteSlice(v reflect.Value) bool {
	return v.Kind() == reflect.Slice && v.Type().Elem().Kind() == reflect.Uint8
}

func isStructOrPtrToStruct(v reflect.Value) bool {
	if v.Kind() == reflect.Struct {
		return true
	}
	return v.Kind() == reflect.Ptr && v.Type().Elem().Kind() == reflect.Struct
}

// structValue dereferences a non-nil pointer to a struct.
func structValue(target any) (reflect.Value, bool) {
	v := reflect.ValueOf(target)
	if v.Kind() == reflect.Ptr {
		if v.IsNil() {
			return reflect.Value{}, false
		}
		v = v.Elem()
	}
	return v, v.Kind() == reflect.Struct
}
