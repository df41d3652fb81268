package transport

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/ebfe/scard"

	"github.com/gregLibert/strongbox-bridge/pkg/iso7816"
)

// PC/SC ACCESS:
// The applet lives behind a reader managed by the PC/SC service. Open performs
//
//  1. SCardEstablishContext and reader lookup (exact name, else name prefix),
//  2. SCardConnect in shared mode,
//  3. MANAGE CHANNEL open on the basic channel,
//  4. SELECT of the applet on the new channel, inside a transaction so no other
//     client interleaves its own commands.
//
// Every APDU passed to Send has its CLA rewritten to address the channel.
// Errors meaning the service or the card went away drop every handle, so the
// next Send starts again from step 1.

// pcscContext is the part of *scard.Context used here.
type pcscContext interface {
	ListReaders() ([]string, error)
	Connect(reader string, mode scard.ShareMode, proto scard.Protocol) (pcscCard, error)
	Release() error
}

// pcscCard is the part of *scard.Card used here.
type pcscCard interface {
	Transmit(cmd []byte) ([]byte, error)
	BeginTransaction() error
	EndTransaction(d scard.Disposition) error
	Disconnect(d scard.Disposition) error
}

type scardContext struct {
	*scard.Context
}

func (c scardContext) Connect(reader string, mode scard.ShareMode, proto scard.Protocol) (pcscCard, error) {
	return c.Context.Connect(reader, mode, proto)
}

func establishContext() (pcscContext, error) {
	ctx, err := scard.EstablishContext()
	if err != nil {
		return nil, err
	}
	return scardContext{ctx}, nil
}

// PCSCConfig configures a PCSCTransport.
type PCSCConfig struct {
	Config

	// Reader is matched exactly first, then as a prefix. Empty picks the first reader.
	Reader string

	establish func() (pcscContext, error)
}

// PCSCTransport reaches the applet through a PC/SC reader on a logical channel.
type PCSCTransport struct {
	cfg PCSCConfig
	log *slog.Logger

	mu      sync.Mutex
	ctx     pcscContext
	card    pcscCard
	client  *iso7816.Client
	channel uint8
	reader  string
}

// NewPCSC returns a disconnected PC/SC transport.
func NewPCSC(cfg PCSCConfig) *PCSCTransport {
	cfg.Config = cfg.Config.withDefaults()
	if cfg.establish == nil {
		cfg.establish = establishContext
	}
	return &PCSCTransport{
		cfg: cfg,
		log: cfg.Log.With("component", "transport", "reader", cfg.Reader),
	}
}

// FindReader returns the reader matching name exactly, or else the first one
// starting with name.
func FindReader(readers []string, name string) (string, error) {
	if len(readers) == 0 {
		return "", fmt.Errorf("%w: no reader available", ErrNotConnected)
	}
	if name == "" {
		return readers[0], nil
	}
	for _, r := range readers {
		if r == name {
			return r, nil
		}
	}
	for _, r := range readers {
		if strings.HasPrefix(r, name) {
			return r, nil
		}
	}
	return "", fmt.Errorf("%w: no reader matching %q", ErrNotConnected, name)
}

func (t *PCSCTransport) Open() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.openLocked()
}

func (t *PCSCTransport) openLocked() error {
	if t.card != nil {
		return nil
	}

	ctx, err := t.cfg.establish()
	if err != nil {
		return fmt.Errorf("%w: establishing context: %v", ErrNotConnected, err)
	}
	t.ctx = ctx

	readers, err := ctx.ListReaders()
	if err != nil {
		t.resetLocked()
		return fmt.Errorf("%w: listing readers: %v", ErrNotConnected, err)
	}
	reader, err := FindReader(readers, t.cfg.Reader)
	if err != nil {
		t.resetLocked()
		return err
	}

	card, err := ctx.Connect(reader, scard.ShareShared, scard.ProtocolT0|scard.ProtocolT1)
	if err != nil {
		t.resetLocked()
		return fmt.Errorf("%w: connecting to %q: %v", ErrNotConnected, reader, err)
	}
	t.card = card
	t.reader = reader
	t.client = iso7816.NewClient(card)

	if err := t.openChannelLocked(); err != nil {
		t.resetLocked()
		return err
	}
	t.log.Info("connected to secure element", "reader", reader, "channel", t.channel)
	return nil
}

func (t *PCSCTransport) openChannelLocked() error {
	basic, _ := iso7816.NewClass(0x00)
	trace, err := t.client.Send(iso7816.OpenChannelCommand(basic))
	if err != nil {
		return fmt.Errorf("%w: manage channel: %v", ErrNotConnected, err)
	}
	ch, err := iso7816.ParseOpenChannel(trace)
	if err != nil {
		return err
	}
	t.channel = ch

	cla, err := basic.OnChannel(ch)
	if err != nil {
		return err
	}

	if err := t.card.BeginTransaction(); err != nil {
		return fmt.Errorf("%w: begin transaction: %v", ErrNotConnected, err)
	}
	_, err = selectApplet(t.cfg.Config, t.client, cla)
	if endErr := t.card.EndTransaction(scard.LeaveCard); endErr != nil && err == nil {
		err = fmt.Errorf("%w: end transaction: %v", ErrNotConnected, endErr)
	}
	return err
}

// Send transmits apdu on the applet channel, connecting first if needed.
func (t *PCSCTransport) Send(apdu []byte) ([]byte, error) {
	if len(apdu) == 0 {
		return StatusBytes(StatusUnsupported), ErrEmptyCommand
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.card == nil {
		if err := t.openLocked(); err != nil {
			return StatusBytes(statusForOpen(err)), err
		}
	}

	cmd, err := iso7816.ParseCommandAPDU(apdu)
	if err != nil {
		return StatusBytes(StatusUnsupported), err
	}
	if cmd.Class, err = cmd.Class.OnChannel(t.channel); err != nil {
		return StatusBytes(StatusChannelNotAvailable), err
	}

	trace, err := t.client.Send(cmd)
	if err != nil {
		if IsServiceDeath(err) {
			t.log.Warn("secure element service lost", "error", err)
			t.resetLocked()
		}
		return StatusBytes(StatusIOError), fmt.Errorf("%w: %v", ErrNotConnected, err)
	}
	return checkStatus(trace.Bytes())
}

// Channel returns the logical channel in use, 0 when disconnected.
func (t *PCSCTransport) Channel() uint8 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.channel
}

// Close closes the logical channel and releases the reader.
func (t *PCSCTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.card == nil {
		t.resetLocked()
		return nil
	}

	var errs []error
	if t.channel != 0 {
		basic, _ := iso7816.NewClass(0x00)
		if cmd, err := iso7816.CloseChannelCommand(basic, t.channel); err == nil {
			if _, err := t.client.Send(cmd); err != nil {
				errs = append(errs, fmt.Errorf("closing channel %d: %w", t.channel, err))
			}
		}
	}
	if err := t.card.Disconnect(scard.LeaveCard); err != nil {
		errs = append(errs, fmt.Errorf("disconnecting: %w", err))
	}
	t.card = nil
	t.resetLocked()
	t.log.Debug("connection closed")
	return errors.Join(errs...)
}

func (t *PCSCTransport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.card != nil
}

// resetLocked drops every handle without talking to the card.
func (t *PCSCTransport) resetLocked() {
	if t.card != nil {
		_ = t.card.Disconnect(scard.LeaveCard)
	}
	if t.ctx != nil {
		_ = t.ctx.Release()
	}
	t.ctx = nil
	t.card = nil
	t.client = nil
	t.channel = 0
	t.reader = ""
}

// IsServiceDeath reports whether err means the PC/SC service, the reader or
// the card went away.
func IsServiceDeath(err error) bool {
	var se scard.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se {
	case scard.ErrNoService, scard.ErrServiceStopped, scard.ErrReaderUnavailable,
		scard.ErrRemovedCard, scard.ErrResetCard:
		return true
	}
	return false
}
