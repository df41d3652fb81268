package transport

import (
	"errors"
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/gregLibert/strongbox-bridge/pkg/tlv"
)

// stubTransport answers every Send with resp and err.
type stubTransport struct {
	resp    []byte
	err     error
	openErr error

	opened, sent, closed int
	connected            bool
}

func (s *stubTransport) Open() error {
	s.opened++
	if s.openErr != nil {
		return s.openErr
	}
	s.connected = true
	return nil
}

func (s *stubTransport) Send([]byte) ([]byte, error) {
	s.sent++
	return s.resp, s.err
}

func (s *stubTransport) Close() error {
	s.closed++
	s.connected = false
	return nil
}

func (s *stubTransport) IsConnected() bool { return s.connected }

func TestFallback_PrimaryHealthy(t *testing.T) {
	primary := &stubTransport{resp: tlv.Hex("9000")}
	secondary := &stubTransport{resp: tlv.Hex("9000")}
	f := NewFallback(primary, secondary, nil)

	if _, err := f.Send(tlv.Hex("80 2D 70 00 00 00 00")); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if primary.sent != 1 || secondary.sent != 0 || secondary.opened != 0 {
		t.Errorf("primary sent %d, secondary opened %d sent %d", primary.sent, secondary.opened, secondary.sent)
	}
}

func TestFallback_DeviceStatusStaysOnPrimary(t *testing.T) {
	primary := &stubTransport{resp: tlv.Hex("6A80"), err: fmt.Errorf("%w: 6A80", ErrStatus)}
	secondary := &stubTransport{resp: tlv.Hex("9000")}
	f := NewFallback(primary, secondary, nil)

	resp, err := f.Send(tlv.Hex("80 2D 70 00 00 00 00"))
	if !errors.Is(err, ErrStatus) {
		t.Fatalf("expected ErrStatus, got %v", err)
	}
	if diff := cmp.Diff(tlv.Hex("6A80"), resp); diff != "" {
		t.Errorf("response mismatch (-want +got):\n%s", diff)
	}
	if f.UsingSecondary() {
		t.Error("device refusal must not switch transports")
	}
}

func TestFallback_SwitchUntilRelease(t *testing.T) {
	primary := &stubTransport{resp: StatusBytes(StatusIOError), err: ErrNotConnected}
	secondary := &stubTransport{resp: tlv.Hex("01 9000")}
	f := NewFallback(primary, secondary, nil)

	for i := 0; i < 2; i++ {
		resp, err := f.Send(tlv.Hex("80 2D 70 00 00 00 00"))
		if err != nil {
			t.Fatalf("Send #%d failed: %v", i, err)
		}
		if diff := cmp.Diff(tlv.Hex("01 9000"), resp); diff != "" {
			t.Errorf("response mismatch (-want +got):\n%s", diff)
		}
	}
	if primary.sent != 1 {
		t.Errorf("primary sent %d; want 1 before switching", primary.sent)
	}
	if secondary.opened != 1 || secondary.sent != 2 {
		t.Errorf("secondary opened %d sent %d; want 1 and 2", secondary.opened, secondary.sent)
	}
	if !f.UsingSecondary() || !f.IsConnected() {
		t.Fatal("traffic should be on the connected secondary")
	}

	if err := f.Release(); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if f.UsingSecondary() || secondary.closed != 1 {
		t.Errorf("Release: using secondary %v, secondary closed %d", f.UsingSecondary(), secondary.closed)
	}

	primary.resp, primary.err = tlv.Hex("9000"), nil
	if _, err := f.Send(tlv.Hex("80 2D 70 00 00 00 00")); err != nil {
		t.Fatalf("Send after Release failed: %v", err)
	}
	if primary.sent != 2 {
		t.Errorf("primary sent %d; want 2 after Release", primary.sent)
	}
}

func TestFallback_SecondaryUnavailable(t *testing.T) {
	primary := &stubTransport{resp: StatusBytes(StatusIOError), err: ErrNotConnected}
	secondary := &stubTransport{openErr: errors.New("no relay")}
	f := NewFallback(primary, secondary, nil)

	resp, err := f.Send(tlv.Hex("80 2D 70 00 00 00 00"))
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected the primary error, got %v", err)
	}
	if diff := cmp.Diff(StatusBytes(StatusIOError), resp); diff != "" {
		t.Errorf("response mismatch (-want +got):\n%s", diff)
	}
	if f.UsingSecondary() || secondary.sent != 0 {
		t.Error("an unavailable secondary must not be used")
	}
}

func TestFallback_Open(t *testing.T) {
	primary := &stubTransport{openErr: ErrNotConnected}
	secondary := &stubTransport{}
	f := NewFallback(primary, secondary, nil)

	if err := f.Open(); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if !f.UsingSecondary() || !secondary.connected {
		t.Error("Open should have fallen back to the secondary")
	}
	if err := f.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if secondary.closed != 1 {
		t.Errorf("secondary closed %d times; want 1", secondary.closed)
	}
}
