package service

import (
	"bytes"
	"errors"
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/gregLibert/strongbox-bridge/pkg/codec"
	"github.com/gregLibert/strongbox-bridge/pkg/keymint"
	"github.com/gregLibert/strongbox-bridge/pkg/tlv"
)

type call struct {
	ins     keymint.Instruction
	payload []byte
}

// fakeRequester answers from canned envelopes and records every call.
type fakeRequester struct {
	t         *testing.T
	responses map[keymint.Instruction]*codec.Request
	errs      map[keymint.Instruction]error

	calls            []call
	states           []keymint.CryptoOperationState
	deleteAllPending bool
	earlyBootPending bool
}

func newRequester(t *testing.T) *fakeRequester {
	return &fakeRequester{
		t:         t,
		responses: map[keymint.Instruction]*codec.Request{},
		errs:      map[keymint.Instruction]error{},
	}
}

func (f *fakeRequester) Request(ins keymint.Instruction, payload []byte) (codec.Array, error) {
	f.calls = append(f.calls, call{ins: ins, payload: payload})
	if err := f.errs[ins]; err != nil {
		return nil, err
	}
	resp, ok := f.responses[ins]
	if !ok {
		resp = codec.NewEnvelope(keymint.ErrorOK)
	}
	raw, err := resp.Encode()
	if err != nil {
		f.t.Fatalf("encoding canned response for %s: %v", ins, err)
	}
	return codec.DecodeEnvelope(raw)
}

func (f *fakeRequester) RequestArray(ins keymint.Instruction, req *codec.Request) (codec.Array, error) {
	payload, err := req.Encode()
	if err != nil {
		return nil, err
	}
	return f.Request(ins, payload)
}

func (f *fakeRequester) SetOperationState(s keymint.CryptoOperationState) {
	f.states = append(f.states, s)
}

func (f *fakeRequester) SetDeleteAllKeysPending() { f.deleteAllPending = true }

func (f *fakeRequester) SetEarlyBootEndedPending() { f.earlyBootPending = true }

func (f *fakeRequester) instructions() []keymint.Instruction {
	out := make([]keymint.Instruction, 0, len(f.calls))
	for _, c := range f.calls {
		out = append(out, c.ins)
	}
	return out
}

func encode(t *testing.T, req *codec.Request) []byte {
	t.Helper()
	raw, err := req.Encode()
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	return raw
}

var commFailure = fmt.Errorf("GET_SHARED_SECRET_PARAM: %w", keymint.ErrorSecureHwCommunicationFailed)

func TestSharedSecret_Parameters(t *testing.T) {
	r := newRequester(t)
	want := keymint.SharedSecretParameters{Seed: bytes.Repeat([]byte{1}, 32), Nonce: bytes.Repeat([]byte{2}, 32)}
	r.responses[keymint.INS_GET_SHARED_SECRET_PARAM] = codec.NewEnvelope(keymint.ErrorOK).AddSharedSecretParameter(want)

	got, err := NewSharedSecret(r, 0, nil).GetSharedSecretParameters()
	if err != nil {
		t.Fatalf("GetSharedSecretParameters failed: %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("parameters mismatch (-want +got):\n%s", diff)
	}
	if len(r.calls[0].payload) != 0 {
		t.Errorf("request payload = %X; want none", r.calls[0].payload)
	}
}

func TestSharedSecret_RetryBudget(t *testing.T) {
	r := newRequester(t)
	r.errs[keymint.INS_GET_SHARED_SECRET_PARAM] = commFailure
	s := NewSharedSecret(r, 3, nil)

	for i := 0; i < 3; i++ {
		if _, err := s.GetSharedSecretParameters(); !errors.Is(err, keymint.ErrorSecureHwCommunicationFailed) {
			t.Fatalf("call %d: expected communication failure, got %v", i, err)
		}
	}

	got, err := s.GetSharedSecretParameters()
	if err != nil {
		t.Fatalf("exhausted budget must fall back, got %v", err)
	}
	if diff := cmp.Diff(keymint.ZeroSharedSecretParameters(), got); diff != "" {
		t.Errorf("fallback mismatch (-want +got):\n%s", diff)
	}
}

func TestSharedSecret_OtherErrorFallsBack(t *testing.T) {
	r := newRequester(t)
	r.errs[keymint.INS_GET_SHARED_SECRET_PARAM] = keymint.ErrorUnknown

	got, err := NewSharedSecret(r, 0, nil).GetSharedSecretParameters()
	if err != nil {
		t.Fatalf("expected fallback, got %v", err)
	}
	if len(got.Seed) != keymint.SharedSecretFallbackSize || len(got.Nonce) != keymint.SharedSecretFallbackSize {
		t.Errorf("fallback sizes = %d/%d", len(got.Seed), len(got.Nonce))
	}
}

func TestSharedSecret_Compute(t *testing.T) {
	r := newRequester(t)
	r.responses[keymint.INS_COMPUTE_SHARED_SECRET] = codec.NewEnvelope(keymint.ErrorOK).AddBytes(tlv.Hex("C0FFEE"))

	params := []keymint.SharedSecretParameters{
		{Seed: tlv.Hex("01"), Nonce: tlv.Hex("02")},
		{Seed: nil, Nonce: tlv.Hex("03")},
	}
	check, err := NewSharedSecret(r, 0, nil).ComputeSharedSecret(params)
	if err != nil {
		t.Fatalf("ComputeSharedSecret failed: %v", err)
	}
	if diff := cmp.Diff(tlv.Hex("C0FFEE"), check); diff != "" {
		t.Errorf("check mismatch (-want +got):\n%s", diff)
	}
	// [[[h'01', h'02'], [h'', h'03']]]
	want := tlv.Hex("81 82 82 4101 4102 82 40 4103")
	if diff := cmp.Diff(want, r.calls[0].payload); diff != "" {
		t.Errorf("payload mismatch (-want +got):\n%s", diff)
	}
}

func TestKeyMint_GetHardwareInfo(t *testing.T) {
	r := newRequester(t)
	r.responses[keymint.INS_GET_HW_INFO] = codec.NewEnvelope(keymint.ErrorOK).
		AddUint(400).AddUint(2).AddText("JavacardKeymintDevice").AddText("Google").AddUint(1)

	got, err := NewKeyMint(r, nil).GetHardwareInfo()
	if err != nil {
		t.Fatalf("GetHardwareInfo failed: %v", err)
	}
	want := keymint.HardwareInfo{
		Version:                400,
		SecurityLevel:          keymint.SecurityStrongBox,
		KeyMintName:            "JavacardKeymintDevice",
		KeyMintAuthor:          "Google",
		TimestampTokenRequired: true,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("hardware info mismatch (-want +got):\n%s", diff)
	}

	r.responses[keymint.INS_GET_HW_INFO] = codec.NewEnvelope(keymint.ErrorOK).AddUint(400)
	if _, err := NewKeyMint(r, nil).GetHardwareInfo(); !errors.Is(err, keymint.ErrorUnknown) {
		t.Errorf("truncated response: expected ErrorUnknown, got %v", err)
	}
}

func TestKeyMint_GenerateKey(t *testing.T) {
	r := newRequester(t)
	params := []keymint.KeyParameter{
		keymint.EnumParam(keymint.TAG_ALGORITHM, keymint.AlgorithmEC),
		keymint.EnumParam(keymint.TAG_EC_CURVE, keymint.CurveP256),
		keymint.BoolParam(keymint.TAG_NO_AUTH_REQUIRED),
		keymint.EnumParam(keymint.TAG_PURPOSE, keymint.PurposeSign),
	}
	r.responses[keymint.INS_GENERATE_KEY] = codec.NewEnvelope(keymint.ErrorOK).
		AddBytes(tlv.Hex("B10B")).
		AddKeyCharacteristics(params, nil, nil).
		AddByteArrays([][]byte{tlv.Hex("3082"), tlv.Hex("3081")})

	got, err := NewKeyMint(r, nil).GenerateKey(params, nil)
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}

	want := keymint.KeyCreationResult{
		KeyBlob:            tlv.Hex("B10B"),
		KeyCharacteristics: []keymint.KeyCharacteristics{{SecurityLevel: keymint.SecurityStrongBox, Authorizations: params}},
		CertificateChain:   [][]byte{tlv.Hex("3082"), tlv.Hex("3081")},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("creation result mismatch (-want +got):\n%s", diff)
	}

	wantPayload := encode(t, codec.NewRequest().AddKeyParameters(params).AddAttestationKey(nil))
	if diff := cmp.Diff(wantPayload, r.calls[0].payload); diff != "" {
		t.Errorf("payload mismatch (-want +got):\n%s", diff)
	}
}

func TestKeyMint_ImportWrappedKey(t *testing.T) {
	r := newRequester(t)
	r.responses[keymint.INS_FINISH_IMPORT_WRAPPED] = codec.NewEnvelope(keymint.ErrorOK).
		AddBytes(tlv.Hex("B10B")).
		AddKeyCharacteristics(nil, nil, nil).
		AddByteArrays(nil)

	got, err := NewKeyMint(r, nil).ImportWrappedKey(WrappedKey{
		WrappedKeyData:  tlv.Hex("30"),
		WrappingKeyBlob: tlv.Hex("AA"),
		MaskingKey:      tlv.Hex("00"),
		PasswordSID:     1,
	})
	if err != nil {
		t.Fatalf("ImportWrappedKey failed: %v", err)
	}
	if diff := cmp.Diff(tlv.Hex("B10B"), got.KeyBlob); diff != "" {
		t.Errorf("key blob mismatch (-want +got):\n%s", diff)
	}
	want := []keymint.Instruction{keymint.INS_BEGIN_IMPORT_WRAPPED, keymint.INS_FINISH_IMPORT_WRAPPED}
	if diff := cmp.Diff(want, r.instructions()); diff != "" {
		t.Errorf("instructions mismatch (-want +got):\n%s", diff)
	}

	r = newRequester(t)
	r.errs[keymint.INS_BEGIN_IMPORT_WRAPPED] = keymint.ErrorInvalidKeyBlob
	if _, err := NewKeyMint(r, nil).ImportWrappedKey(WrappedKey{}); !errors.Is(err, keymint.ErrorInvalidKeyBlob) {
		t.Fatalf("expected ErrorInvalidKeyBlob, got %v", err)
	}
	if len(r.calls) != 1 {
		t.Errorf("finish sent after a failed begin")
	}
}

func TestKeyMint_OperationState(t *testing.T) {
	r := newRequester(t)
	r.responses[keymint.INS_BEGIN_OPERATION] = codec.NewEnvelope(keymint.ErrorOK).
		AddKeyParameters(nil).AddUint(0x1234).AddUint(0).AddUint(128)
	r.responses[keymint.INS_UPDATE_OPERATION] = codec.NewEnvelope(keymint.ErrorOK).AddBytes(tlv.Hex("0102"))
	r.responses[keymint.INS_FINISH_OPERATION] = codec.NewEnvelope(keymint.ErrorOK).AddBytes(tlv.Hex("0304"))
	k := NewKeyMint(r, nil)

	begin, err := k.Begin(keymint.PurposeSign, tlv.Hex("B10B"), nil, nil)
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	if begin.OpHandle != 0x1234 || begin.MacLength != 128 {
		t.Errorf("begin result = %+v", begin)
	}
	if _, err := k.Update(begin.OpHandle, tlv.Hex("AA"), nil, nil); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	out, err := k.Finish(begin.OpHandle, nil, nil, nil, nil, nil)
	if err != nil {
		t.Fatalf("Finish failed: %v", err)
	}
	if diff := cmp.Diff(tlv.Hex("0304"), out); diff != "" {
		t.Errorf("finish output mismatch (-want +got):\n%s", diff)
	}

	want := []keymint.CryptoOperationState{keymint.OperationStarted, keymint.OperationFinished}
	if diff := cmp.Diff(want, r.states); diff != "" {
		t.Errorf("operation states mismatch (-want +got):\n%s", diff)
	}
}

func TestKeyMint_OperationEndsOnError(t *testing.T) {
	tests := []struct {
		name string
		run  func(k *KeyMint) error
	}{
		{"update", func(k *KeyMint) error {
			_, err := k.Update(1, nil, nil, nil)
			return err
		}},
		{"finish", func(k *KeyMint) error {
			_, err := k.Finish(1, nil, nil, nil, nil, nil)
			return err
		}},
		{"abort", func(k *KeyMint) error { return k.Abort(1) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newRequester(t)
			for _, ins := range []keymint.Instruction{keymint.INS_UPDATE_OPERATION, keymint.INS_FINISH_OPERATION, keymint.INS_ABORT_OPERATION} {
				r.errs[ins] = keymint.ErrorInvalidOperationHandle
			}
			if err := tt.run(NewKeyMint(r, nil)); !errors.Is(err, keymint.ErrorInvalidOperationHandle) {
				t.Fatalf("expected ErrorInvalidOperationHandle, got %v", err)
			}
			if diff := cmp.Diff([]keymint.CryptoOperationState{keymint.OperationFinished}, r.states); diff != "" {
				t.Errorf("operation states mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestKeyMint_LatchedEvents(t *testing.T) {
	r := newRequester(t)
	k := NewKeyMint(r, nil)

	if err := k.DeleteAllKeys(); err != nil || r.deleteAllPending {
		t.Fatalf("successful delete-all-keys: err=%v pending=%v", err, r.deleteAllPending)
	}

	r.errs[keymint.INS_DELETE_ALL_KEYS] = keymint.ErrorSecureHwCommunicationFailed
	r.errs[keymint.INS_EARLY_BOOT_ENDED] = keymint.ErrorSecureHwCommunicationFailed
	if err := k.DeleteAllKeys(); err != nil {
		t.Errorf("DeleteAllKeys: %v", err)
	}
	if err := k.EarlyBootEnded(); err != nil {
		t.Errorf("EarlyBootEnded: %v", err)
	}
	if !r.deleteAllPending || !r.earlyBootPending {
		t.Errorf("pending delete-all=%v early-boot=%v; want both latched", r.deleteAllPending, r.earlyBootPending)
	}
}

func TestKeyMint_SetAdditionalAttestationInfo(t *testing.T) {
	r := newRequester(t)
	hash := keymint.BlobParam(keymint.TAG_MODULE_HASH, tlv.Hex("DEADBEEF"))

	err := NewKeyMint(r, nil).SetAdditionalAttestationInfo([]keymint.KeyParameter{
		keymint.BlobParam(keymint.TAG_ATTESTATION_ID_BRAND, []byte("brand")),
		hash,
		keymint.IntParam(keymint.TAG_OS_VERSION, 14),
	})
	if err != nil {
		t.Fatalf("SetAdditionalAttestationInfo failed: %v", err)
	}

	want := encode(t, codec.NewRequest().AddKeyParameters([]keymint.KeyParameter{hash}))
	if diff := cmp.Diff(want, r.calls[0].payload); diff != "" {
		t.Errorf("payload mismatch (-want +got):\n%s", diff)
	}
}

func TestKeyMint_RootOfTrust(t *testing.T) {
	r := newRequester(t)
	challenge := bytes.Repeat([]byte{0x5A}, RootOfTrustChallengeSize)
	r.responses[keymint.INS_GET_ROT_CHALLENGE] = codec.NewEnvelope(keymint.ErrorOK).AddBytes(challenge)
	k := NewKeyMint(r, nil)

	got, err := k.GetRootOfTrustChallenge()
	if err != nil {
		t.Fatalf("GetRootOfTrustChallenge failed: %v", err)
	}
	if diff := cmp.Diff(challenge, got[:]); diff != "" {
		t.Errorf("challenge mismatch (-want +got):\n%s", diff)
	}

	r.responses[keymint.INS_GET_ROT_CHALLENGE] = codec.NewEnvelope(keymint.ErrorOK).AddBytes(challenge[:8])
	if _, err := k.GetRootOfTrustChallenge(); !errors.Is(err, keymint.ErrorUnknown) {
		t.Errorf("short challenge: expected ErrorUnknown, got %v", err)
	}

	if _, err := k.GetRootOfTrust(got); !errors.Is(err, keymint.ErrorUnimplemented) {
		t.Errorf("GetRootOfTrust: expected ErrorUnimplemented, got %v", err)
	}
}

func TestProvisioning_GenerateCertificateRequest(t *testing.T) {
	r := newRequester(t)
	r.responses[keymint.INS_FINISH_SEND_DATA] = codec.NewEnvelope(keymint.ErrorOK).AddBytes(tlv.Hex("84CAFE"))

	csr, err := NewProvisioning(r, nil).GenerateCertificateRequest([][]byte{tlv.Hex("01"), tlv.Hex("02")}, tlv.Hex("CC"))
	if err != nil {
		t.Fatalf("GenerateCertificateRequest failed: %v", err)
	}
	if diff := cmp.Diff(tlv.Hex("84CAFE"), csr); diff != "" {
		t.Errorf("csr mismatch (-want +got):\n%s", diff)
	}

	want := []call{
		{keymint.INS_BEGIN_SEND_DATA, tlv.Hex("82 02 41CC")},
		{keymint.INS_UPDATE_KEY, tlv.Hex("81 4101")},
		{keymint.INS_UPDATE_KEY, tlv.Hex("81 4102")},
		{keymint.INS_FINISH_SEND_DATA, nil},
	}
	if diff := cmp.Diff(want, r.calls, cmp.AllowUnexported(call{})); diff != "" {
		t.Errorf("calls mismatch (-want +got):\n%s", diff)
	}
}

func TestProvisioning_HardwareInfoAndKeyPair(t *testing.T) {
	r := newRequester(t)
	r.responses[keymint.INS_GET_RKP_HARDWARE_INFO] = codec.NewEnvelope(keymint.ErrorOK).
		AddUint(3).AddText("Google").AddUint(0).AddText("strongbox").AddUint(20)
	r.responses[keymint.INS_GENERATE_RKP_KEY] = codec.NewEnvelope(keymint.ErrorOK).
		AddBytes(tlv.Hex("A5")).AddBytes(tlv.Hex("0F"))
	p := NewProvisioning(r, nil)

	info, err := p.GetHardwareInfo()
	if err != nil {
		t.Fatalf("GetHardwareInfo failed: %v", err)
	}
	want := RpcHardwareInfo{VersionNumber: 3, AuthorName: "Google", UniqueID: "strongbox", SupportedNumKeysInCsr: 20}
	if diff := cmp.Diff(want, info); diff != "" {
		t.Errorf("hardware info mismatch (-want +got):\n%s", diff)
	}

	pair, err := p.GenerateEcdsaP256KeyPair(true)
	if err != nil {
		t.Fatalf("GenerateEcdsaP256KeyPair failed: %v", err)
	}
	if diff := cmp.Diff(MacedPublicKey{MacedKey: tlv.Hex("A5"), KeyHandle: tlv.Hex("0F")}, pair); diff != "" {
		t.Errorf("key pair mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(tlv.Hex("81 01"), r.calls[1].payload); diff != "" {
		t.Errorf("test mode payload mismatch (-want +got):\n%s", diff)
	}
}
