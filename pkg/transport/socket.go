package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/gregLibert/strongbox-bridge/pkg/iso7816"
)

// SOCKET FRAMING:
// Each APDU, in both directions, travels as
//
//	Length (4 bytes, big endian) || APDU
//
// The peer is a simulated applet (see package emulator) or any relay speaking
// the same framing. The applet is selected on the basic channel.

// MaxFrameSize bounds the payload of a single frame.
const MaxFrameSize = iso7816.MaxAPDUBufferSize

// ErrFrameTooLarge is returned when a frame header announces more than MaxFrameSize bytes.
var ErrFrameTooLarge = errors.New("transport: frame too large")

// WriteFrame writes one length-prefixed APDU.
func WriteFrame(w io.Writer, apdu []byte) error {
	if len(apdu) > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(apdu))
	}
	buf := make([]byte, 4+len(apdu))
	binary.BigEndian.PutUint32(buf, uint32(len(apdu)))
	copy(buf[4:], apdu)
	_, err := w.Write(buf)
	return err
}

// ReadFrame reads one length-prefixed APDU.
func ReadFrame(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// SocketConfig configures a SocketTransport.
type SocketConfig struct {
	Config

	// Network is "tcp" or "unix".
	Network string
	Addr    string

	// IOTimeout bounds each exchange. Zero selects 10s.
	IOTimeout time.Duration

	// Dial replaces net.Dial, mainly for tests.
	Dial func(network, addr string) (net.Conn, error)
}

// SocketTransport reaches the applet over a stream socket.
type SocketTransport struct {
	cfg SocketConfig
	log *slog.Logger

	mu             sync.Mutex
	conn           net.Conn
	client         *iso7816.Client
	selectResponse []byte
}

// NewSocket returns a disconnected socket transport.
func NewSocket(cfg SocketConfig) *SocketTransport {
	cfg.Config = cfg.Config.withDefaults()
	if cfg.Network == "" {
		cfg.Network = "tcp"
	}
	if cfg.IOTimeout <= 0 {
		cfg.IOTimeout = 10 * time.Second
	}
	if cfg.Dial == nil {
		cfg.Dial = net.Dial
	}
	return &SocketTransport{
		cfg: cfg,
		log: cfg.Log.With("component", "transport", "network", cfg.Network, "addr", cfg.Addr),
	}
}

// frameConn adapts a framed connection to iso7816.Transmitter.
type frameConn struct {
	conn    net.Conn
	timeout time.Duration
}

func (f frameConn) Transmit(cmd []byte) ([]byte, error) {
	if err := f.conn.SetDeadline(time.Now().Add(f.timeout)); err != nil {
		return nil, err
	}
	if err := WriteFrame(f.conn, cmd); err != nil {
		return nil, err
	}
	return ReadFrame(f.conn)
}

// Open dials the peer and selects the applet.
func (t *SocketTransport) Open() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.openLocked()
}

func (t *SocketTransport) openLocked() error {
	if t.conn != nil {
		return nil
	}

	conn, err := t.cfg.Dial(t.cfg.Network, t.cfg.Addr)
	if err != nil {
		return fmt.Errorf("%w: dial %s %s: %v", ErrNotConnected, t.cfg.Network, t.cfg.Addr, err)
	}
	t.conn = conn
	t.client = iso7816.NewClient(frameConn{conn: conn, timeout: t.cfg.IOTimeout})

	basic, _ := iso7816.NewClass(0x00)
	resp, err := selectApplet(t.cfg.Config, t.client, basic)
	if err != nil {
		t.resetLocked()
		return err
	}
	t.selectResponse = resp
	t.log.Info("connected to secure element")
	return nil
}

// Send transmits apdu, connecting first if needed.
func (t *SocketTransport) Send(apdu []byte) ([]byte, error) {
	if len(apdu) == 0 {
		return StatusBytes(StatusUnsupported), ErrEmptyCommand
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn == nil {
		if err := t.openLocked(); err != nil {
			return StatusBytes(statusForOpen(err)), err
		}
	}

	resp, err := t.client.Transmit(apdu)
	if err != nil {
		// A broken stream cannot be resynchronised on a frame boundary.
		t.log.Warn("connection lost", "error", err)
		t.resetLocked()
		return StatusBytes(StatusIOError), fmt.Errorf("%w: %v", ErrNotConnected, err)
	}
	return checkStatus(resp)
}

// SelectResponse returns the response of the last successful selection.
func (t *SocketTransport) SelectResponse() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]byte(nil), t.selectResponse...)
}

func (t *SocketTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return nil
	}
	err := t.conn.Close()
	t.conn = nil
	t.client = nil
	t.log.Debug("connection closed")
	return err
}

func (t *SocketTransport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn != nil
}

func (t *SocketTransport) resetLocked() {
	if t.conn != nil {
		_ = t.conn.Close()
	}
	t.conn = nil
	t.client = nil
	t.selectResponse = nil
}

func statusForOpen(err error) iso7816.StatusWord {
	switch {
	case errors.Is(err, ErrAppletNotFound):
		return StatusAppletNotFound
	case errors.Is(err, ErrSelectNotAllowed):
		return StatusGeneric
	default:
		return StatusIOError
	}
}
