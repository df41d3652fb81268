package tlv

import (
	"encoding/hex"
	"fmt"
	"strings"
	"unicode"
)

// Hex decodes space separated hex fragments, e.g. Hex("80 21 70 00", "00 00 00").
// It panics on malformed input and is meant for test vectors.
func Hex(parts ...string) []byte {
	s := strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, strings.Join(parts, ""))

	data, err := hex.DecodeString(s)
	if err != nil {
		panic(fmt.Sprintf("tlv.Hex(%q): %v", s, err))
	}
	return data
}
