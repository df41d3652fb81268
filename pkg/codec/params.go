package codec

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/gregLibert/strongbox-bridge/pkg/keymint"
)

type mapEntry struct {
	key   cbor.RawMessage
	value cbor.RawMessage
}

type repeatedGroup struct {
	tag    keymint.Tag
	enums  []byte
	values []uint64
}

// EncodeKeyParameters encodes a parameter set as a CBOR map.
//
// Enumerated tags without a wire mapping fail with keymint.ErrUnsupportedEnumTag,
// except the legacy BLOB_USAGE_REQUIREMENTS and KDF tags which are skipped.
// Tags of the INVALID class are skipped too; unknown classes fail.
func EncodeKeyParameters(params []keymint.KeyParameter) (cbor.RawMessage, error) {
	var (
		singular  []mapEntry
		enumReps  []*repeatedGroup
		valueReps []*repeatedGroup
	)
	seen := make(map[keymint.Tag]bool)
	groups := make(map[keymint.Tag]*repeatedGroup)

	group := func(list *[]*repeatedGroup, tag keymint.Tag) *repeatedGroup {
		g, ok := groups[tag]
		if !ok {
			g = &repeatedGroup{tag: tag}
			groups[tag] = g
			*list = append(*list, g)
		}
		return g
	}

	for _, p := range params {
		var value any

		switch keymint.TypeOf(p.Tag) {
		case keymint.TypeInvalid:
			continue

		case keymint.TypeEnum:
			if keymint.IsLegacyTag(p.Tag) {
				continue
			}
			if err := keymint.CheckEnumTag(p.Tag); err != nil {
				return nil, err
			}
			value = p.Integer

		case keymint.TypeUint, keymint.TypeUlong, keymint.TypeDate:
			value = p.Integer

		case keymint.TypeBool:
			if !p.Bool {
				continue
			}
			value = uint64(1)

		case keymint.TypeBytes, keymint.TypeBignum:
			value = p.Blob

		case keymint.TypeEnumRep:
			if keymint.IsLegacyTag(p.Tag) {
				continue
			}
			if err := keymint.CheckEnumTag(p.Tag); err != nil {
				return nil, err
			}
			if p.Integer > 0xFF {
				return nil, fmt.Errorf("%s: enum value %d does not fit in a byte: %w",
					p.Tag, p.Integer, keymint.ErrorInvalidArgument)
			}
			g := group(&enumReps, p.Tag)
			g.enums = append(g.enums, byte(p.Integer))
			continue

		case keymint.TypeUintRep, keymint.TypeUlongRep:
			g := group(&valueReps, p.Tag)
			g.values = append(g.values, p.Integer)
			continue

		default:
			return nil, fmt.Errorf("%s: %w", p.Tag, keymint.ErrorInvalidTag)
		}

		if seen[p.Tag] {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateTag, p.Tag)
		}
		seen[p.Tag] = true

		entry, err := newEntry(p.Tag, value)
		if err != nil {
			return nil, err
		}
		singular = append(singular, entry)
	}

	entries := singular
	for _, g := range enumReps {
		entry, err := newEntry(g.tag, g.enums)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	for _, g := range valueReps {
		entry, err := newEntry(g.tag, g.values)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}

	out := appendHead(nil, majorMap, uint64(len(entries)))
	for _, e := range entries {
		out = append(out, e.key...)
		out = append(out, e.value...)
	}
	return out, nil
}

func newEntry(tag keymint.Tag, value any) (mapEntry, error) {
	k, err := marshal(uint64(tag))
	if err != nil {
		return mapEntry{}, err
	}
	v, err := marshal(value)
	if err != nil {
		return mapEntry{}, err
	}
	return mapEntry{key: k, value: v}, nil
}

// DecodeKeyParameters decodes a CBOR map into a parameter set. Repeated tags are
// expanded back into one parameter per value, keeping their wire order.
func DecodeKeyParameters(data []byte) ([]keymint.KeyParameter, error) {
	major, n, rest, err := readHead(data)
	if err != nil {
		return nil, err
	}
	if major != majorMap {
		return nil, fmt.Errorf("%w: expected map, got major type %d", ErrStructure, major)
	}

	params := []keymint.KeyParameter{}
	for i := uint64(0); i < n; i++ {
		var key, value cbor.RawMessage
		if key, rest, err = splitFirst(rest); err != nil {
			return nil, err
		}
		if value, rest, err = splitFirst(rest); err != nil {
			return nil, err
		}

		var tag uint64
		if m, _ := majorOf(key); m != majorUint {
			return nil, fmt.Errorf("%w: map key is not an unsigned integer", ErrStructure)
		}
		if err := decMode.Unmarshal(key, &tag); err != nil || tag > 0xFFFFFFFF {
			return nil, fmt.Errorf("%w: invalid tag", ErrStructure)
		}

		decoded, err := decodeParameter(keymint.Tag(tag), value)
		if err != nil {
			return nil, err
		}
		params = append(params, decoded...)
	}
	return params, nil
}

func decodeParameter(tag keymint.Tag, value cbor.RawMessage) ([]keymint.KeyParameter, error) {
	fail := func(want string) error {
		return fmt.Errorf("%w: %s expects %s", ErrStructure, tag, want)
	}

	switch keymint.TypeOf(tag) {
	case keymint.TypeEnum, keymint.TypeUint, keymint.TypeUlong, keymint.TypeDate:
		v, ok := decodeUint(value)
		if !ok {
			return nil, fail("an unsigned integer")
		}
		return []keymint.KeyParameter{{Tag: tag, Integer: v}}, nil

	case keymint.TypeBool:
		if _, ok := decodeUint(value); !ok {
			return nil, fail("an unsigned integer")
		}
		return []keymint.KeyParameter{keymint.BoolParam(tag)}, nil

	case keymint.TypeBytes, keymint.TypeBignum:
		b, ok := decodeBytes(value)
		if !ok {
			return nil, fail("a byte string")
		}
		return []keymint.KeyParameter{keymint.BlobParam(tag, b)}, nil

	case keymint.TypeEnumRep:
		b, ok := decodeBytes(value)
		if !ok {
			return nil, fail("a byte string")
		}
		out := make([]keymint.KeyParameter, 0, len(b))
		for _, e := range b {
			out = append(out, keymint.KeyParameter{Tag: tag, Integer: uint64(e)})
		}
		return out, nil

	case keymint.TypeUintRep, keymint.TypeUlongRep:
		arr, err := DecodeArray(value)
		if err != nil {
			return nil, fail("an array")
		}
		out := make([]keymint.KeyParameter, 0, len(arr))
		for i := range arr {
			v, ok := arr.Uint64(i)
			if !ok {
				return nil, fail("an array of unsigned integers")
			}
			out = append(out, keymint.KeyParameter{Tag: tag, Integer: v})
		}
		return out, nil

	default:
		return nil, fmt.Errorf("%w: tag %s has an invalid type class", ErrStructure, tag)
	}
}

func decodeUint(raw cbor.RawMessage) (uint64, bool) {
	if m, ok := majorOf(raw); !ok || m != majorUint {
		return 0, false
	}
	var v uint64
	if err := decMode.Unmarshal(raw, &v); err != nil {
		return 0, false
	}
	return v, true
}

func decodeBytes(raw cbor.RawMessage) ([]byte, bool) {
	if m, ok := majorOf(raw); !ok || m != majorBytes {
		return nil, false
	}
	v := []byte{}
	if err := decMode.Unmarshal(raw, &v); err != nil {
		return nil, false
	}
	return v, true
}
