/*
Package authsecret hands the primary user credential to the IAR applet that
gates StrongBox key use on user authentication.

# Commands

Both commands use CLA 80 with P1 = P2 = 00 and a short Le of 00:

	80 20 00 00 Lc <data> 00   VERIFY PIN (carries the secret)
	80 30 00 00 00             CLEAR APPROVED STATUS

# Framing

Applets speak one of two VERIFY PIN layouts. FramingCBOR, the default, sends a
CBOR array [secret, timeout?] and answers with [status, timeout?]. A status of 0
approves the credential and the optional four-byte timeout reads as
[hours hi, hours lo, seconds hi, seconds lo]; without it the approval lasts
DefaultApprovalTimeout. FramingTagged is the older layout: the secret follows
the bytes 81 50, or 82 50 when a timeout rides behind tag 42. Its response
carries no data.

# Approval

Once an approval with a non-zero lifetime is granted, CLEAR APPROVED STATUS
is scheduled for when it lapses. A new credential replaces the schedule.
*/
package authsecret

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/gregLibert/strongbox-bridge/pkg/iso7816"
	"github.com/gregLibert/strongbox-bridge/pkg/timer"
	"github.com/gregLibert/strongbox-bridge/pkg/transport"
)

// AID of the IAR applet.
var AID = []byte{0xA0, 0x00, 0x00, 0x03, 0x96, 0x54, 0x53, 0x00, 0x00, 0x00, 0x01, 0x00, 0x52}

const (
	cla iso7816.Class = 0x80

	InsVerifyPin           iso7816.InsCode = 0x20
	InsClearApprovedStatus iso7816.InsCode = 0x30
)

// DefaultApprovalTimeout applies when the applet approves without a timeout.
const DefaultApprovalTimeout = 60 * time.Second

var (
	tagVerifyPin            = []byte{0x81, 0x50}
	tagVerifyPinWithTimeout = []byte{0x82, 0x50}
	tagTimeout              = []byte{0x42}
)

// Framing selects the VERIFY PIN data layout.
type Framing int

const (
	FramingCBOR Framing = iota
	FramingTagged
)

func (f Framing) String() string {
	switch f {
	case FramingCBOR:
		return "cbor"
	case FramingTagged:
		return "tagged"
	default:
		return fmt.Sprintf("Framing(%d)", int(f))
	}
}

// ParseFraming maps a framing name to its value.
func ParseFraming(name string) (Framing, error) {
	switch name {
	case "cbor":
		return FramingCBOR, nil
	case "tagged":
		return FramingTagged, nil
	default:
		return 0, fmt.Errorf("unknown auth secret framing %q", name)
	}
}

var (
	// ErrNotApproved is returned when the applet rejects the credential.
	ErrNotApproved = errors.New("authsecret: credential not approved")
	// ErrSecretTooLong is returned when the data field exceeds a short APDU.
	ErrSecretTooLong = errors.New("authsecret: secret too long")
)

// Config configures a Client.
type Config struct {
	// Transport reaches the IAR applet; its AID must be AID.
	Transport transport.Transport
	Framing   Framing

	// RequestTimeout, when non-zero, is sent along with the secret.
	RequestTimeout time.Duration

	Scheduler timer.Scheduler
	Log       *slog.Logger
}

// Client sends credentials to the IAR applet.
type Client struct {
	mu      sync.Mutex
	tr      transport.Transport
	framing Framing
	timeout []byte
	clear   *timer.Task
	log     *slog.Logger
}

// New returns a client over cfg.Transport.
func New(cfg Config) *Client {
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	c := &Client{
		tr:      cfg.Transport,
		framing: cfg.Framing,
		log:     cfg.Log,
	}
	if cfg.RequestTimeout > 0 {
		c.timeout = EncodeTimeout(cfg.RequestTimeout)
	}
	c.clear = timer.NewTask(cfg.Scheduler, c.clearOnExpiry)
	return c
}

// EncodeTimeout writes d as [hours hi, hours lo, seconds hi, seconds lo],
// truncated to whole seconds.
func EncodeTimeout(d time.Duration) []byte {
	hours := uint16(d / time.Hour)
	secs := uint16((d % time.Hour) / time.Second)
	return []byte{byte(hours >> 8), byte(hours), byte(secs >> 8), byte(secs)}
}

// DecodeTimeout reads the four-byte layout of EncodeTimeout.
func DecodeTimeout(b []byte) (time.Duration, bool) {
	if len(b) != 4 {
		return 0, false
	}
	hours := time.Duration(b[0])<<8 | time.Duration(b[1])
	secs := time.Duration(b[2])<<8 | time.Duration(b[3])
	return hours*time.Hour + secs*time.Second, true
}

// VerifyPinCommand builds the VERIFY PIN command for secret.
func VerifyPinCommand(f Framing, secret, timeout []byte) (*iso7816.CommandAPDU, error) {
	var data []byte
	switch f {
	case FramingCBOR:
		arr := make([]any, 0, 2)
		if len(secret) > 0 {
			arr = append(arr, secret)
		}
		if len(timeout) > 0 {
			arr = append(arr, timeout)
		}
		enc, err := cbor.Marshal(arr)
		if err != nil {
			return nil, fmt.Errorf("authsecret: encoding request: %w", err)
		}
		data = enc
	case FramingTagged:
		if len(timeout) > 0 {
			data = append(append(append(append([]byte{}, tagVerifyPinWithTimeout...), secret...), tagTimeout...), timeout...)
		} else {
			data = append(append([]byte{}, tagVerifyPin...), secret...)
		}
	default:
		return nil, fmt.Errorf("authsecret: unknown framing %d", int(f))
	}
	if len(data) > iso7816.MaxShortLc {
		return nil, fmt.Errorf("%w: %d data bytes", ErrSecretTooLong, len(data))
	}
	return iso7816.NewCommandAPDU(cla, iso7816.Instruction{Raw: InsVerifyPin}, 0x00, 0x00, data, iso7816.MaxShortLe), nil
}

// ClearApprovedStatusCommand builds the CLEAR APPROVED STATUS command.
func ClearApprovedStatusCommand() *iso7816.CommandAPDU {
	return iso7816.NewCommandAPDU(cla, iso7816.Instruction{Raw: InsClearApprovedStatus}, 0x00, 0x00, nil, iso7816.MaxShortLe)
}

// ParseVerifyResponse checks the CBOR answer to VERIFY PIN and returns how long
// the approval lasts. A timeout element of the wrong size yields
// DefaultApprovalTimeout.
func ParseVerifyResponse(data []byte) (time.Duration, error) {
	var items []cbor.RawMessage
	if err := cbor.Unmarshal(data, &items); err != nil {
		return 0, fmt.Errorf("%w: response is not a CBOR array: %v", ErrNotApproved, err)
	}
	if len(items) == 0 {
		return 0, fmt.Errorf("%w: empty response", ErrNotApproved)
	}
	var status uint64
	if err := cbor.Unmarshal(items[0], &status); err != nil {
		return 0, fmt.Errorf("%w: status is not an unsigned integer", ErrNotApproved)
	}
	if status != 0 {
		return 0, fmt.Errorf("%w: status %d", ErrNotApproved, status)
	}
	if len(items) > 1 {
		var raw []byte
		if cbor.Unmarshal(items[1], &raw) == nil {
			if d, ok := DecodeTimeout(raw); ok {
				return d, nil
			}
		}
	}
	return DefaultApprovalTimeout, nil
}

// SetPrimaryUserCredential sends secret to the applet and returns how long the
// approval lasts. Tagged applets report no lifetime and return zero.
func (c *Client) SetPrimaryUserCredential(secret []byte) (time.Duration, error) {
	cmd, err := VerifyPinCommand(c.framing, secret, c.timeout)
	if err != nil {
		return 0, err
	}
	resp, err := c.transmit(cmd)
	if err != nil {
		return 0, err
	}

	var lifetime time.Duration
	if c.framing == FramingCBOR {
		if lifetime, err = ParseVerifyResponse(resp.Data); err != nil {
			return 0, err
		}
	}

	if lifetime > 0 {
		c.clear.Arm(lifetime)
	} else {
		c.clear.Cancel()
	}
	c.log.Info("primary user credential set", "framing", c.framing, "approval", lifetime)
	return lifetime, nil
}

// ClearApprovedStatus withdraws any approval held by the applet.
func (c *Client) ClearApprovedStatus() error {
	c.clear.Cancel()
	_, err := c.transmit(ClearApprovedStatusCommand())
	return err
}

func (c *Client) clearOnExpiry() {
	if _, err := c.transmit(ClearApprovedStatusCommand()); err != nil {
		c.log.Warn("clearing approved status failed", "error", err)
		return
	}
	c.log.Debug("approved status cleared")
}

// Close drops the pending clear and the channel.
func (c *Client) Close() error {
	c.clear.Cancel()
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tr.Close()
}

func (c *Client) transmit(cmd *iso7816.CommandAPDU) (*iso7816.ResponseAPDU, error) {
	raw, err := cmd.Bytes()
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	out, err := c.tr.Send(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", cmd.Instruction.Raw, err)
	}
	return iso7816.ParseResponseAPDU(out)
}
