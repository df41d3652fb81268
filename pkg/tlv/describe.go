package tlv

import (
	"encoding/hex"
	"fmt"
	"reflect"
	"strings"

	"github.com/moov-io/bertlv"
)

// Describe lists the populated fields of s, one line per value, recursing into
// nested templates with a dotted prefix. A `fmt:"ascii"` or `fmt:"int"` struct
// tag adds a decoded rendering next to the hex.
func Describe(prefix string, s any) []string {
	v, ok := structValue(s)
	if !ok {
		return nil
	}
	t := v.Type()

	var lines []string
	for i := 0; i < v.NumField(); i++ {
		fv := v.Field(i)
		sf := t.Field(i)
		if !sf.IsExported() {
			continue
		}

		name := sf.Name
		if tag := sf.Tag.Get("tlv"); tag != "" && !strings.HasPrefix(tag, ",") {
			name = fmt.Sprintf("%s (%s)", name, strings.Split(tag, ",")[0])
		}

		switch {
		case fv.Type() == tlvSliceType:
			for _, p := range fv.Interface().([]bertlv.TLV) {
				lines = append(lines, fmt.Sprintf("    - %s.Unknown Tag %s: %s", prefix, p.Tag, upperHex(rawValue(p))))
			}
		case isByteSlice(fv):
			if fv.Len() == 0 {
				continue
			}
			lines = append(lines, fmt.Sprintf("    - %s.%s: %s", prefix, name, formatBytes(fv.Bytes(), sf.Tag.Get("fmt"))))
		case isStructOrPtrToStruct(fv):
			if fv.Kind() == reflect.Ptr && fv.IsNil() {
				continue
			}
			lines = append(lines, Describe(prefix+"."+sf.Name, fv.Interface())...)
		}
	}
	return lines
}

// WriteStructFields appends the Describe lines of s to sb, separated from any
// previous content by a newline. No trailing newline is written.
func WriteStructFields(sb *strings.Builder, prefix string, s any) {
	lines := Describe(prefix, s)
	if len(lines) == 0 {
		return
	}
	if sb.Len() > 0 {
		sb.WriteString("\n")
	}
	sb.WriteString(strings.Join(lines, "\n"))
}

func formatBytes(data []byte, format string) string {
	switch format {
	case "ascii":
		return fmt.Sprintf("%X (%q)", data, MakeSafeASCII(data))
	case "int":
		var n uint64
		for _, b := range data {
			n = n<<8 | uint64(b)
		}
		return fmt.Sprintf("%X (Dec: %d)", data, n)
	default:
		return upperHex(data)
	}
}

func upperHex(b []byte) string {
	return strings.ToUpper(hex.EncodeToString(b))
}

// MakeSafeASCII replaces non-printable bytes with '.'.
func MakeSafeASCII(data []byte) string {
	return strings.Map(func(r rune) rune {
		if r >= 32 && r <= 126 {
			return r
		}
		return '.'
	}, string(data))
}
