package tlv

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/moov-io/bertlv"
)

type appletInfo struct {
	Label   []byte `tlv:"50" fmt:"ascii"`
	Version []byte `tlv:"C0" fmt:"int"`
	Extra   []bertlv.TLV
}

type selectAnswer struct {
	AID   []byte      `tlv:"84"`
	Info  *appletInfo `tlv:"A5"`
	Spare *appletInfo `tlv:"A6"`
	Notes []byte
	Unset []byte `tlv:"99"`
}

func TestDescribe(t *testing.T) {
	in := selectAnswer{
		AID: Hex("A0 00 00 00 62 03 01 0C 01"),
		Info: &appletInfo{
			Label:   []byte("KM\x00"),
			Version: Hex("01 90"),
			Extra:   []bertlv.TLV{{Tag: "DF01", Value: Hex("02")}},
		},
		Notes: Hex("CA FE"),
	}

	want := []string{
		"    - FCI.AID (84): A00000006203010C01",
		`    - FCI.Info.Label (50): 4B4D00 ("KM.")`,
		"    - FCI.Info.Version (C0): 0190 (Dec: 400)",
		"    - FCI.Info.Unknown Tag DF01: 02",
		"    - FCI.Notes: CAFE",
	}

	for _, v := range []any{in, &in} {
		if diff := cmp.Diff(want, Describe("FCI", v)); diff != "" {
			t.Errorf("Describe(%T) mismatch (-want +got):\n%s", v, diff)
		}
	}

	if got := Describe("FCI", (*selectAnswer)(nil)); got != nil {
		t.Errorf("Describe(nil) = %q; want nil", got)
	}
}

func TestWriteStructFields(t *testing.T) {
	var sb strings.Builder
	sb.WriteString("SELECT")
	WriteStructFields(&sb, "FCI", selectAnswer{AID: Hex("A0 01")})
	WriteStructFields(&sb, "FCI", selectAnswer{})

	want := "SELECT\n    - FCI.AID (84): A001"
	if got := sb.String(); got != want {
		t.Errorf("WriteStructFields() = %q; want %q", got, want)
	}
}

func TestMakeSafeASCII(t *testing.T) {
	if got := MakeSafeASCII([]byte("Strong\x00Box\x7F")); got != "Strong.Box." {
		t.Errorf("MakeSafeASCII() = %q", got)
	}
}
