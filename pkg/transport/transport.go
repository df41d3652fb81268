/*
Package transport carries command APDUs to the StrongBox applet and brings the
response APDUs back.

# Connection Lifecycle

A Transport connects lazily: the first Send on a closed transport runs Open
exactly once. When Open fails, Send fails without any exchange with the secure
element. Open selects the applet; Close releases the logical channel and every
handle held on the reader. Closing is cheap and the next Send reconnects, which
lets the session layer drop idle channels.

# Responses

Send returns the response with a nil error only when it ends with 90 00. A
device status other than 90 00 is returned together with an error wrapping
ErrStatus. When nothing usable came back from the secure element, Send
synthesizes a two-byte status:

	FF FF   generic failure
	6A 82   applet not found (selection failed)
	6A 81   logical channel not available
	6A 86   unsupported request
	64 FF   I/O failure

# Applet Selection

Selection is gated: IsSelectAllowed is consulted before each SELECT and every
successful SELECT response is fed to ParseResponse. A round sends SELECT for the
first occurrence of the AID (P2 = 00) and then for the next occurrence
(P2 = 02). Failed rounds are separated by SelectRetryDelay, up to SelectRetries
rounds.
*/
package transport

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gregLibert/strongbox-bridge/pkg/iso7816"
	"github.com/gregLibert/strongbox-bridge/pkg/timer"
)

// Transport is a channel to the StrongBox applet.
type Transport interface {
	Open() error
	Send(apdu []byte) ([]byte, error)
	Close() error
	IsConnected() bool
}

// SelectGate decides whether the applet may be selected and inspects the
// response of every successful selection.
type SelectGate interface {
	IsSelectAllowed() bool
	ParseResponse(selectResponse []byte)
}

var (
	// ErrNotConnected is returned when the secure element cannot be reached.
	ErrNotConnected = errors.New("transport: not connected")
	// ErrStatus wraps a device status word other than 90 00.
	ErrStatus = errors.New("transport: unexpected status word")
	// ErrSelectNotAllowed is returned when the gate refuses applet selection.
	ErrSelectNotAllowed = errors.New("transport: applet selection not allowed")
	// ErrAppletNotFound is returned when every selection round failed.
	ErrAppletNotFound = errors.New("transport: applet not found")
	// ErrEmptyCommand is returned by Send for a zero-length APDU.
	ErrEmptyCommand = errors.New("transport: empty command")
)

// Status words synthesized when the secure element returned nothing usable.
const (
	StatusGeneric             iso7816.StatusWord = 0xFFFF
	StatusAppletNotFound      iso7816.StatusWord = iso7816.SW_ERR_FILE_NOT_FOUND
	StatusChannelNotAvailable iso7816.StatusWord = iso7816.SW_ERR_FUNC_NOT_SUPPORTED
	StatusUnsupported         iso7816.StatusWord = iso7816.SW_ERR_INCORRECT_PARAMS_P1P2
	StatusIOError             iso7816.StatusWord = 0x64FF
)

// StatusBytes encodes sw as SW1 SW2.
func StatusBytes(sw iso7816.StatusWord) []byte {
	return []byte{sw.SW1(), sw.SW2()}
}

// DefaultAID is the StrongBox KeyMint applet.
var DefaultAID = []byte{0xA0, 0x00, 0x00, 0x00, 0x62}

// Config holds the settings shared by every transport.
type Config struct {
	// AID of the applet to select. Defaults to DefaultAID.
	AID []byte

	SelectRetries    int
	SelectRetryDelay time.Duration

	// Gate, when set, is consulted before each SELECT.
	Gate SelectGate

	Scheduler timer.Scheduler
	Log       *slog.Logger
}

// DefaultConfig returns the production selection policy.
func DefaultConfig() Config {
	return Config{
		AID:              append([]byte(nil), DefaultAID...),
		SelectRetries:    20,
		SelectRetryDelay: 2 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if len(c.AID) == 0 {
		c.AID = def.AID
	}
	if c.SelectRetries <= 0 {
		c.SelectRetries = def.SelectRetries
	}
	if c.SelectRetryDelay <= 0 {
		c.SelectRetryDelay = def.SelectRetryDelay
	}
	if c.Scheduler == nil {
		c.Scheduler = timer.System()
	}
	if c.Log == nil {
		c.Log = slog.Default()
	}
	return c
}

// checkStatus enforces the Send contract on a response from the device.
func checkStatus(resp []byte) ([]byte, error) {
	if len(resp) < 2 {
		return StatusBytes(StatusIOError), fmt.Errorf("%w: response of %d bytes", ErrNotConnected, len(resp))
	}
	sw := iso7816.NewStatusWord(resp[len(resp)-2], resp[len(resp)-1])
	if sw != iso7816.SW_NO_ERROR {
		return resp, fmt.Errorf("%w: %s", ErrStatus, sw)
	}
	return resp, nil
}

// selectApplet runs the selection rounds over client with cla and returns the
// full SELECT response (data and status word). An exchange error aborts the
// loop since the link itself is gone.
func selectApplet(cfg Config, client *iso7816.Client, cla iso7816.Class) ([]byte, error) {
	log := cfg.Log
	occurrences := []iso7816.FileOccurrence{iso7816.FirstOrOnlyOccurrence, iso7816.NextOccurrence}

	for round := 0; round < cfg.SelectRetries; round++ {
		if round > 0 {
			log.Debug("retrying applet selection", "round", round, "delay", cfg.SelectRetryDelay)
			cfg.Scheduler.Sleep(cfg.SelectRetryDelay)
		}
		for _, occ := range occurrences {
			if cfg.Gate != nil && !cfg.Gate.IsSelectAllowed() {
				return nil, ErrSelectNotAllowed
			}

			trace, err := client.Send(iso7816.SelectOccurrence(cla, cfg.AID, occ))
			if err != nil {
				return nil, fmt.Errorf("selecting applet: %w", err)
			}
			if trace.IsSuccess() {
				resp := trace.Bytes()
				if cfg.Gate != nil {
					cfg.Gate.ParseResponse(resp)
				}
				log.Debug("applet selected", "aid", fmt.Sprintf("%X", cfg.AID), "occurrence", occ.String())
				return resp, nil
			}
			log.Debug("applet selection failed", "occurrence", occ.String(), "sw", trace.Status().String())
		}
	}
	return nil, fmt.Errorf("%w: %X after %d rounds", ErrAppletNotFound, cfg.AID, cfg.SelectRetries)
}
