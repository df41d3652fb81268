package tlv

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestHex(t *testing.T) {
	got := Hex("80 21 70 00", "\t00 00 03\n", "a1b2c3")
	want := []byte{0x80, 0x21, 0x70, 0x00, 0x00, 0x00, 0x03, 0xA1, 0xB2, 0xC3}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Hex mismatch (-want +got):\n%s", diff)
	}

	if got := Hex(); len(got) != 0 {
		t.Errorf("Hex() = %X; want empty", got)
	}
}

func TestHex_Panics(t *testing.T) {
	for _, in := range []string{"9G", "900"} {
		func() {
			defer func() {
				if recover() == nil {
					t.Errorf("Hex(%q) did not panic", in)
				}
			}()
			Hex(in)
		}()
	}
}
