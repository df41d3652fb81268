package codec

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/gregLibert/strongbox-bridge/pkg/keymint"
	"github.com/gregLibert/strongbox-bridge/pkg/tlv"
)

func mustEncode(t *testing.T, r *Request) []byte {
	t.Helper()
	b, err := r.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return b
}

func TestDecodeEnvelope(t *testing.T) {
	t.Run("Success exposes positional payload", func(t *testing.T) {
		raw := mustEncode(t, NewEnvelope(keymint.ErrorOK).AddBytes([]byte{0xCA, 0xFE}).AddUint(7))
		if diff := cmp.Diff(tlv.Hex("83 00 42CAFE 07"), raw); diff != "" {
			t.Fatalf("envelope encoding mismatch (-want +got):\n%s", diff)
		}

		arr, err := DecodeEnvelope(raw)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if b, ok := arr.Bytes(1); !ok || !cmp.Equal(b, []byte{0xCA, 0xFE}) {
			t.Errorf("Bytes(1) = %X, %v", b, ok)
		}
		if v, ok := arr.Uint64(2); !ok || v != 7 {
			t.Errorf("Uint64(2) = %d, %v", v, ok)
		}
	})

	t.Run("Application error is returned with the array", func(t *testing.T) {
		raw := mustEncode(t, NewEnvelope(keymint.ErrorInvalidKeyBlob))
		// INVALID_KEY_BLOB is -33, sent as 33.
		if diff := cmp.Diff(tlv.Hex("81 1821"), raw); diff != "" {
			t.Fatalf("envelope encoding mismatch (-want +got):\n%s", diff)
		}

		arr, err := DecodeEnvelope(raw)
		if !errors.Is(err, keymint.ErrorInvalidKeyBlob) {
			t.Errorf("expected INVALID_KEY_BLOB, got %v", err)
		}
		if arr == nil {
			t.Error("array must be returned alongside an application error")
		}
	})

	malformed := []struct {
		name  string
		input []byte
	}{
		{"Not an array", tlv.Hex("01")},
		{"Empty input", nil},
		{"Empty array", tlv.Hex("80")},
		{"Status is text", tlv.Hex("81 6161")},
		{"Status is negative", tlv.Hex("81 20")},
		{"Truncated array", tlv.Hex("82 00")},
	}
	for _, tt := range malformed {
		t.Run(tt.name, func(t *testing.T) {
			arr, err := DecodeEnvelope(tt.input)
			if !errors.Is(err, keymint.ErrorUnknown) {
				t.Errorf("expected UNKNOWN_ERROR, got %v", err)
			}
			if arr != nil {
				t.Error("no array must be produced for a malformed envelope")
			}
		})
	}
}

func TestArray_AbsentAndMismatched(t *testing.T) {
	arr, err := DecodeArray(mustEncode(t, NewRequest().AddUint(1).AddBytes([]byte{1}).AddText("x")))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	if _, ok := arr.Uint64(1); ok {
		t.Error("Uint64 on a byte string must report no value")
	}
	if _, ok := arr.Bytes(0); ok {
		t.Error("Bytes on an integer must report no value")
	}
	if _, ok := arr.Text(5); ok {
		t.Error("Text past the end must report no value")
	}
	if _, ok := arr.Array(-1); ok {
		t.Error("negative position must report no value")
	}
	if s, ok := arr.Text(2); !ok || s != "x" {
		t.Errorf("Text(2) = %q, %v", s, ok)
	}
	if _, ok := arr.KeyParameters(0); ok {
		t.Error("KeyParameters on an integer must report no value")
	}
}

func TestArray_FixedShapes(t *testing.T) {
	seed := []byte{1, 2, 3}
	nonce := []byte{4, 5, 6}

	raw := mustEncode(t, NewRequest().
		AddSharedSecretParameter(keymint.SharedSecretParameters{Seed: seed, Nonce: nonce}).
		AddTimeStampToken(&keymint.TimeStampToken{Challenge: 9, TimestampMillis: 1000, MAC: []byte{0xAB}}).
		AddHardwareAuthToken(&keymint.HardwareAuthToken{
			Challenge: 1, UserID: 2, AuthenticatorID: 3,
			AuthenticatorType: keymint.AuthenticatorFingerprint, TimestampMillis: 4, MAC: []byte{0xCD},
		}).
		AddArray(NewRequest().AddBytes(seed)).
		AddArray(NewRequest().AddBytes(seed).AddUint(5)))

	arr, err := DecodeArray(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	ss, ok := arr.SharedSecretParameters(0)
	if !ok {
		t.Fatal("SharedSecretParameters(0) reported no value")
	}
	if diff := cmp.Diff(keymint.SharedSecretParameters{Seed: seed, Nonce: nonce}, ss); diff != "" {
		t.Errorf("shared secret mismatch (-want +got):\n%s", diff)
	}

	ts, ok := arr.TimeStampToken(1)
	if !ok {
		t.Fatal("TimeStampToken(1) reported no value")
	}
	if diff := cmp.Diff(keymint.TimeStampToken{Challenge: 9, TimestampMillis: 1000, MAC: []byte{0xAB}}, ts); diff != "" {
		t.Errorf("timestamp token mismatch (-want +got):\n%s", diff)
	}

	at, ok := arr.HardwareAuthToken(2)
	if !ok {
		t.Fatal("HardwareAuthToken(2) reported no value")
	}
	if at.AuthenticatorType != keymint.AuthenticatorFingerprint || at.UserID != 2 {
		t.Errorf("unexpected auth token %+v", at)
	}

	if _, ok := arr.SharedSecretParameters(3); ok {
		t.Error("a one-element pair must fail the whole structure")
	}
	if _, ok := arr.SharedSecretParameters(4); ok {
		t.Error("a pair with an integer nonce must fail the whole structure")
	}
	if _, ok := arr.TimeStampToken(0); ok {
		t.Error("a two-element array is not a timestamp token")
	}
}

func TestArray_KeyCharacteristics(t *testing.T) {
	sb := []keymint.KeyParameter{keymint.EnumParam(keymint.TAG_ALGORITHM, keymint.AlgorithmEC)}
	ks := []keymint.KeyParameter{keymint.DateParam(keymint.TAG_CREATION_DATETIME, 42)}

	raw := mustEncode(t, NewEnvelope(keymint.ErrorOK).AddKeyCharacteristics(sb, nil, ks))
	arr, err := DecodeEnvelope(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	got, ok := arr.KeyCharacteristics(1)
	if !ok {
		t.Fatal("KeyCharacteristics(1) reported no value")
	}

	expected := []keymint.KeyCharacteristics{
		{SecurityLevel: keymint.SecurityStrongBox, Authorizations: sb},
		{SecurityLevel: keymint.SecurityKeystore, Authorizations: ks},
	}
	if diff := cmp.Diff(expected, got); diff != "" {
		t.Errorf("characteristics mismatch (-want +got):\n%s", diff)
	}

	short, _ := DecodeArray(mustEncode(t, NewRequest().AddArray(NewRequest().AddKeyParameters(sb))))
	if _, ok := short.KeyCharacteristics(0); ok {
		t.Error("characteristics need all three buckets")
	}
}

func TestArray_CertificateChain(t *testing.T) {
	chain := [][]byte{{0x30, 0x01}, {0x30, 0x02}}
	arr, err := DecodeArray(mustEncode(t, NewRequest().
		AddByteArrays(chain).
		AddArray(NewRequest().AddBytes([]byte{1}).AddUint(2))))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	got, ok := arr.CertificateChain(0)
	if !ok {
		t.Fatal("CertificateChain(0) reported no value")
	}
	if diff := cmp.Diff(chain, got); diff != "" {
		t.Errorf("chain mismatch (-want +got):\n%s", diff)
	}
	if _, ok := arr.CertificateChain(1); ok {
		t.Error("a chain holding an integer must report no value")
	}
}

func TestRequest_AttestationKey(t *testing.T) {
	t.Run("Absent key is three empty values", func(t *testing.T) {
		raw := mustEncode(t, NewRequest().AddAttestationKey(nil))
		if diff := cmp.Diff(tlv.Hex("83 40 A0 40"), raw); diff != "" {
			t.Errorf("encoding mismatch (-want +got):\n%s", diff)
		}
		arr, _ := DecodeArray(raw)
		key, ok := arr.AttestationKey(0)
		if !ok || key != nil {
			t.Errorf("AttestationKey(0) = %+v, %v; want nil, true", key, ok)
		}
	})

	t.Run("Present key round trips", func(t *testing.T) {
		in := &keymint.AttestationKey{
			KeyBlob:           []byte{0x01},
			AttestKeyParams:   []keymint.KeyParameter{keymint.IntParam(keymint.TAG_KEY_SIZE, 256)},
			IssuerSubjectName: []byte{0x30, 0x00},
		}
		arr, err := DecodeArray(mustEncode(t, NewRequest().AddAttestationKey(in)))
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		out, ok := arr.AttestationKey(0)
		if !ok {
			t.Fatal("AttestationKey(0) reported no value")
		}
		if diff := cmp.Diff(in, out); diff != "" {
			t.Errorf("attestation key mismatch (-want +got):\n%s", diff)
		}
	})
}

func TestRequest_StickyError(t *testing.T) {
	_, err := NewRequest().
		AddKeyParameters([]keymint.KeyParameter{keymint.EnumParam(keymint.Tag(keymint.TypeEnum)|999, 0)}).
		AddUint(1).
		Encode()
	if !errors.Is(err, keymint.ErrUnsupportedEnumTag) {
		t.Errorf("expected the first error to be kept, got %v", err)
	}
}

func TestRequest_Empty(t *testing.T) {
	if diff := cmp.Diff(tlv.Hex("80"), mustEncode(t, NewRequest())); diff != "" {
		t.Errorf("empty request mismatch (-want +got):\n%s", diff)
	}
}
