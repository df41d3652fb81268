package session

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/gregLibert/strongbox-bridge/pkg/access"
	"github.com/gregLibert/strongbox-bridge/pkg/codec"
	"github.com/gregLibert/strongbox-bridge/pkg/keymint"
	"github.com/gregLibert/strongbox-bridge/pkg/timer"
	"github.com/gregLibert/strongbox-bridge/pkg/tlv"
	"github.com/gregLibert/strongbox-bridge/pkg/transport"
)

// okEnvelope is the CBOR array [0] followed by 90 00.
var okEnvelope = tlv.Hex("81 00 9000")

type fakeTransport struct {
	handle func(apdu []byte) ([]byte, error)
	sent   [][]byte
	closed int
}

func (f *fakeTransport) Open() error { return nil }

func (f *fakeTransport) Send(apdu []byte) ([]byte, error) {
	f.sent = append(f.sent, append([]byte(nil), apdu...))
	if f.handle == nil {
		return okEnvelope, nil
	}
	return f.handle(apdu)
}

func (f *fakeTransport) Close() error {
	f.closed++
	return nil
}

func (f *fakeTransport) IsConnected() bool { return true }

func (f *fakeTransport) instructions() []keymint.Instruction {
	out := make([]keymint.Instruction, 0, len(f.sent))
	for _, apdu := range f.sent {
		out = append(out, keymint.Instruction(apdu[1]))
	}
	return out
}

func deviceStatus(sw string) ([]byte, error) {
	return tlv.Hex(sw), fmt.Errorf("%w: %s", transport.ErrStatus, sw)
}

// fixedPolicy allows everything and reports a fixed timeout.
type fixedPolicy struct {
	timeout time.Duration
}

func (p fixedPolicy) IsOperationAllowed(keymint.Instruction) bool { return true }

func (p fixedPolicy) SessionTimeout() time.Duration { return p.timeout }

func (p fixedPolicy) SetCryptoOperationState(keymint.CryptoOperationState) {}

type fixture struct {
	m     *Manager
	tr    *fakeTransport
	ac    *access.Controller
	clock *timer.Fake
}

// newFixture returns a KeyMint4 session whose card initialisation already went through.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := timer.NewFake()
	ac := access.New(access.Config{Scheduler: clock})
	tr := &fakeTransport{}

	m, err := New(Config{Transport: tr, Access: ac, Version: keymint.KeyMint4, Scheduler: clock})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	m.SendPendingEvents()
	if m.Pending().CardInit {
		t.Fatal("setup: card initialisation still pending")
	}
	tr.sent = nil
	tr.closed = 0
	return &fixture{m: m, tr: tr, ac: ac, clock: clock}
}

func TestNew_Version(t *testing.T) {
	tr := &fakeTransport{}
	for _, v := range []keymint.Version{keymint.KeyMint1, keymint.KeyMint2} {
		if _, err := New(Config{Transport: tr, Version: v}); !errors.Is(err, keymint.ErrorUnimplemented) {
			t.Errorf("New(%s): expected ErrorUnimplemented, got %v", v, err)
		}
	}
	if _, err := New(Config{Version: keymint.KeyMint3}); err == nil {
		t.Error("New without transport must fail")
	}
}

func TestManager_Frame(t *testing.T) {
	tests := []struct {
		name    string
		version keymint.Version
		ins     keymint.Instruction
		payload []byte
		want    []byte
	}{
		{"empty payload", keymint.KeyMint3, keymint.INS_GET_SHARED_SECRET_PARAM, nil, tlv.Hex("80 2D 60 00 00 00 00")},
		{"empty array", keymint.KeyMint4, keymint.INS_GET_HW_INFO, tlv.Hex("80"), tlv.Hex("80 2F 70 00 00 00 01 80 00 00")},
		{"vendor range", keymint.KeyMint4, keymint.INS_INIT_STRONGBOX, tlv.Hex("83 00 00 00"), tlv.Hex("80 D9 70 00 00 00 04 83000000 00 00")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := New(Config{Transport: &fakeTransport{}, Version: tt.version})
			if err != nil {
				t.Fatalf("New failed: %v", err)
			}
			got, err := m.frame(tt.ins, tt.payload)
			if err != nil {
				t.Fatalf("frame failed: %v", err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("APDU mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestRequest_CardInitFirst(t *testing.T) {
	clock := timer.NewFake()
	tr := &fakeTransport{}
	m, err := New(Config{
		Transport:  tr,
		Version:    keymint.KeyMint4,
		Scheduler:  clock,
		SystemInfo: StaticSystemInfo{OSVersion: 140000, OSPatchLevel: 202409, VendorPatchLevel: 20240905},
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if !m.Pending().CardInit {
		t.Fatal("card initialisation must be pending from the start")
	}

	if _, err := m.Request(keymint.INS_GET_HW_INFO, nil); err != nil {
		t.Fatalf("Request failed: %v", err)
	}

	want := [][]byte{
		tlv.Hex("80 D9 70 00 00 00 10 83 1A000222E0 1A000316A9 1A0134DA09 00 00"),
		tlv.Hex("80 2F 70 00 00 00 00"),
	}
	if diff := cmp.Diff(want, tr.sent); diff != "" {
		t.Errorf("commands mismatch (-want +got):\n%s", diff)
	}

	if _, err := m.Request(keymint.INS_GET_HW_INFO, nil); err != nil {
		t.Fatalf("second Request failed: %v", err)
	}
	if len(tr.sent) != 3 {
		t.Errorf("card initialisation resent: %d commands", len(tr.sent))
	}
}

func TestRequest_Envelope(t *testing.T) {
	f := newFixture(t)
	f.tr.handle = func([]byte) ([]byte, error) {
		return tlv.Hex("82 00 43 010203 9000"), nil
	}

	arr, err := f.m.Request(keymint.INS_GET_ROT_CHALLENGE, nil)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	got, ok := arr.Bytes(1)
	if !ok {
		t.Fatal("element 1 is not a byte string")
	}
	if diff := cmp.Diff(tlv.Hex("010203"), got); diff != "" {
		t.Errorf("payload mismatch (-want +got):\n%s", diff)
	}
}

func TestRequest_ApplicationError(t *testing.T) {
	f := newFixture(t)
	f.tr.handle = func([]byte) ([]byte, error) {
		// [21] is INVALID_INPUT_LENGTH.
		return tlv.Hex("81 15 9000"), nil
	}

	arr, err := f.m.Request(keymint.INS_GENERATE_KEY, tlv.Hex("80"))
	if !errors.Is(err, keymint.ErrorInvalidInputLength) {
		t.Fatalf("expected ErrorInvalidInputLength, got %v", err)
	}
	if len(arr) != 1 {
		t.Errorf("decoded array must be returned with the error, got %d elements", len(arr))
	}
}

func TestRequest_Failures(t *testing.T) {
	tests := []struct {
		name   string
		handle func([]byte) ([]byte, error)
		want   error
	}{
		{
			name:   "device status",
			handle: func([]byte) ([]byte, error) { return deviceStatus("6F00") },
			want:   keymint.ErrorSecureHwCommunicationFailed,
		},
		{
			name:   "nothing received",
			handle: func([]byte) ([]byte, error) { return nil, transport.ErrNotConnected },
			want:   keymint.ErrorSecureHwCommunicationFailed,
		},
		{
			name:   "synthesized status",
			handle: func([]byte) ([]byte, error) { return transport.StatusBytes(transport.StatusIOError), transport.ErrNotConnected },
			want:   keymint.ErrorSecureHwCommunicationFailed,
		},
		{
			name:   "not an envelope",
			handle: func([]byte) ([]byte, error) { return tlv.Hex("01 9000"), nil },
			want:   keymint.ErrorUnknown,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.tr.handle = tt.handle

			arr, err := f.m.Request(keymint.INS_GET_HW_INFO, nil)
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
			if arr != nil {
				t.Errorf("no array expected, got %d elements", len(arr))
			}
		})
	}
}

func TestRequest_PayloadTooLarge(t *testing.T) {
	f := newFixture(t)

	_, err := f.m.Request(keymint.INS_IMPORT_KEY, make([]byte, 65536))
	if !errors.Is(err, keymint.ErrorInvalidInputLength) {
		t.Fatalf("expected ErrorInvalidInputLength, got %v", err)
	}
	if len(f.tr.sent) != 0 {
		t.Errorf("%d commands reached the transport", len(f.tr.sent))
	}
}

func TestRequest_PolicyDenied(t *testing.T) {
	f := newFixture(t)
	f.ac.ParseResponse(tlv.Hex("02 9000"))

	_, err := f.m.Request(keymint.INS_GENERATE_KEY, tlv.Hex("80"))
	if !errors.Is(err, keymint.ErrorSecureHwCommunicationFailed) {
		t.Fatalf("expected ErrorSecureHwCommunicationFailed, got %v", err)
	}
	if len(f.tr.sent) != 0 {
		t.Errorf("%d commands reached the transport", len(f.tr.sent))
	}

	if _, err := f.m.Request(keymint.INS_GET_SHARED_SECRET_PARAM, nil); err != nil {
		t.Errorf("allow-listed command rejected: %v", err)
	}
}

func TestIdle_ArmedAfterPolicyDenial(t *testing.T) {
	f := newFixture(t)

	if _, err := f.m.Request(keymint.INS_GET_HW_INFO, nil); err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	f.ac.ParseResponse(tlv.Hex("02 9000"))

	if _, err := f.m.Request(keymint.INS_GET_HW_INFO, nil); !errors.Is(err, keymint.ErrorSecureHwCommunicationFailed) {
		t.Fatalf("expected ErrorSecureHwCommunicationFailed, got %v", err)
	}
	if len(f.tr.sent) != 1 {
		t.Fatalf("%d commands reached the transport; want 1", len(f.tr.sent))
	}
	if f.tr.closed != 0 {
		t.Fatal("channel closed before the upgrade timeout")
	}

	f.clock.Advance(access.DefaultConfig().UpgradeTimeout)
	if f.tr.closed != 1 {
		t.Errorf("closed %d times after a denied command; want 1", f.tr.closed)
	}
}

func TestIdle_CloseAfterTimeout(t *testing.T) {
	f := newFixture(t)

	if _, err := f.m.Request(keymint.INS_GET_HW_INFO, nil); err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	f.clock.Advance(2999 * time.Millisecond)
	if f.tr.closed != 0 {
		t.Fatal("channel closed before the regular timeout")
	}
	f.clock.Advance(time.Millisecond)
	if f.tr.closed != 1 {
		t.Errorf("closed %d times after the regular timeout; want 1", f.tr.closed)
	}
}

func TestIdle_RearmedByEachExchange(t *testing.T) {
	f := newFixture(t)

	f.m.Request(keymint.INS_GET_HW_INFO, nil)
	f.clock.Advance(2 * time.Second)
	f.m.Request(keymint.INS_GET_HW_INFO, nil)
	f.clock.Advance(2 * time.Second)
	if f.tr.closed != 0 {
		t.Fatal("idle task not rearmed by the second exchange")
	}
	f.clock.Advance(time.Second)
	if f.tr.closed != 1 {
		t.Errorf("closed %d times; want 1", f.tr.closed)
	}
}

func TestIdle_CryptoOperationTimeout(t *testing.T) {
	f := newFixture(t)

	f.m.SetOperationState(keymint.OperationStarted)
	if _, err := f.m.Request(keymint.INS_BEGIN_OPERATION, tlv.Hex("80")); err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	f.clock.Advance(3 * time.Second)
	if f.tr.closed != 0 {
		t.Fatal("channel closed while a crypto operation is running")
	}
	f.clock.Advance(17 * time.Second)
	if f.tr.closed != 1 {
		t.Errorf("closed %d times after the crypto timeout; want 1", f.tr.closed)
	}
}

func TestIdle_CloseImmediately(t *testing.T) {
	tests := []struct {
		name    string
		timeout time.Duration
		handle  func([]byte) ([]byte, error)
	}{
		{"zero timeout", 0, nil},
		{"channel not available", 3 * time.Second, func([]byte) ([]byte, error) { return deviceStatus("6881") }},
		{"broken link", 3 * time.Second, func([]byte) ([]byte, error) { return nil, transport.ErrNotConnected }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := timer.NewFake()
			tr := &fakeTransport{}
			m, err := New(Config{Transport: tr, Access: fixedPolicy{tt.timeout}, Version: keymint.KeyMint4, Scheduler: clock})
			if err != nil {
				t.Fatalf("New failed: %v", err)
			}
			m.SendPendingEvents()
			tr.closed = 0
			tr.handle = tt.handle

			m.Request(keymint.INS_GET_HW_INFO, nil)
			if tr.closed != 1 {
				t.Errorf("closed %d times; want an immediate close", tr.closed)
			}
			if clock.Pending() != 0 {
				t.Error("idle task armed despite the immediate close")
			}
		})
	}
}

func TestPending_RetriedUntilAccepted(t *testing.T) {
	f := newFixture(t)
	f.m.SetDeleteAllKeysPending()
	f.m.SetEarlyBootEndedPending()

	refuse := true
	f.tr.handle = func(apdu []byte) ([]byte, error) {
		if keymint.Instruction(apdu[1]) == keymint.INS_DELETE_ALL_KEYS && refuse {
			return deviceStatus("6F00")
		}
		return okEnvelope, nil
	}

	if _, err := f.m.Request(keymint.INS_GET_HW_INFO, nil); err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	want := []keymint.Instruction{keymint.INS_DELETE_ALL_KEYS, keymint.INS_EARLY_BOOT_ENDED, keymint.INS_GET_HW_INFO}
	if diff := cmp.Diff(want, f.tr.instructions()); diff != "" {
		t.Errorf("first round mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(PendingEvents{DeleteAllKeys: true}, f.m.Pending()); diff != "" {
		t.Errorf("pending mismatch (-want +got):\n%s", diff)
	}

	refuse = false
	f.tr.sent = nil
	if _, err := f.m.Request(keymint.INS_GET_HW_INFO, nil); err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	want = []keymint.Instruction{keymint.INS_DELETE_ALL_KEYS, keymint.INS_GET_HW_INFO}
	if diff := cmp.Diff(want, f.tr.instructions()); diff != "" {
		t.Errorf("second round mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(PendingEvents{}, f.m.Pending()); diff != "" {
		t.Errorf("pending mismatch (-want +got):\n%s", diff)
	}
}

func TestPending_NotRepeatedByOwnInstruction(t *testing.T) {
	tests := []struct {
		name  string
		latch func(*Manager)
		ins   keymint.Instruction
	}{
		{"delete all keys", (*Manager).SetDeleteAllKeysPending, keymint.INS_DELETE_ALL_KEYS},
		{"early boot ended", (*Manager).SetEarlyBootEndedPending, keymint.INS_EARLY_BOOT_ENDED},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			tt.latch(f.m)

			if _, err := f.m.Request(tt.ins, nil); err != nil {
				t.Fatalf("Request failed: %v", err)
			}
			if diff := cmp.Diff([]keymint.Instruction{tt.ins}, f.tr.instructions()); diff != "" {
				t.Errorf("sent mismatch (-want +got):\n%s", diff)
			}
			if diff := cmp.Diff(PendingEvents{}, f.m.Pending()); diff != "" {
				t.Errorf("pending mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestRequestArray(t *testing.T) {
	f := newFixture(t)

	req := codec.NewRequest().AddUint(7).AddBytes(tlv.Hex("AA"))
	if _, err := f.m.RequestArray(keymint.INS_ADD_RNG_ENTROPY, req); err != nil {
		t.Fatalf("RequestArray failed: %v", err)
	}
	want := tlv.Hex("80 29 70 00 00 00 04 82 07 41AA 00 00")
	if diff := cmp.Diff(want, f.tr.sent[0]); diff != "" {
		t.Errorf("APDU mismatch (-want +got):\n%s", diff)
	}

	bad := codec.NewRequest().AddKeyParameters([]keymint.KeyParameter{keymint.EnumParam(keymint.Tag(keymint.TypeEnum)|9999, 1)})
	if _, err := f.m.RequestArray(keymint.INS_GENERATE_KEY, bad); !errors.Is(err, keymint.ErrUnsupportedEnumTag) {
		t.Errorf("expected ErrUnsupportedEnumTag, got %v", err)
	}
}

func TestClose(t *testing.T) {
	f := newFixture(t)

	f.m.Request(keymint.INS_GET_HW_INFO, nil)
	if err := f.m.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if f.tr.closed != 1 {
		t.Errorf("transport closed %d times; want 1", f.tr.closed)
	}
	f.clock.Advance(time.Minute)
	if f.tr.closed != 1 {
		t.Error("idle task fired after Close")
	}
}
