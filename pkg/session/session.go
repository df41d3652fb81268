/*
Package session turns KeyMint requests into APDUs, sends them over a transport
and decodes the CBOR envelope that comes back.

# Framing

Every request is sent as an extended-length command, since the size of the
answer is never known in advance:

	80 INS P1 00 | 00 Lc(2) payload | 00 00     payload present
	80 INS P1 00 | 00 00 00                     empty payload

P1 carries the KeyMint generation. Payloads above 65535 bytes are refused with
INVALID_INPUT_LENGTH.

# Failures

A command refused by the access policy never reaches the transport and fails
with SECURE_HW_COMMUNICATION_FAILED, as does any exchange that does not end
with 90 00. Application errors carried in the envelope are returned as they
are, next to the decoded array.

# Pending Events

Card initialisation, delete-all-keys and early-boot-ended are latched and sent
ahead of every request until the applet accepts them. Card initialisation is
pending from the start.

# Idle Channels

After each exchange the idle task is armed with the policy's session timeout.
When it fires the transport is closed; the next request reopens it. A zero
timeout, a 68 81 status or a broken link close the transport at once.
*/
package session

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gregLibert/strongbox-bridge/pkg/access"
	"github.com/gregLibert/strongbox-bridge/pkg/codec"
	"github.com/gregLibert/strongbox-bridge/pkg/iso7816"
	"github.com/gregLibert/strongbox-bridge/pkg/keymint"
	"github.com/gregLibert/strongbox-bridge/pkg/timer"
	"github.com/gregLibert/strongbox-bridge/pkg/transport"
)

// CLA of every KeyMint command.
const claKeyMint byte = 0x80

// Policy is the access policy consulted by the session.
// *access.Controller implements it.
type Policy interface {
	IsOperationAllowed(ins keymint.Instruction) bool
	SessionTimeout() time.Duration
	SetCryptoOperationState(state keymint.CryptoOperationState)
}

// SystemInfo provides the platform versions sent with card initialisation.
type SystemInfo interface {
	Versions() (osVersion, osPatchLevel, vendorPatchLevel uint32)
}

// StaticSystemInfo is a SystemInfo with fixed values.
type StaticSystemInfo struct {
	OSVersion        uint32
	OSPatchLevel     uint32
	VendorPatchLevel uint32
}

func (s StaticSystemInfo) Versions() (uint32, uint32, uint32) {
	return s.OSVersion, s.OSPatchLevel, s.VendorPatchLevel
}

// Config configures a Manager.
type Config struct {
	Transport transport.Transport
	// Access defaults to a fresh access.Controller.
	Access  Policy
	Version keymint.Version

	SystemInfo SystemInfo
	Scheduler  timer.Scheduler
	Log        *slog.Logger
}

// PendingEvents lists the events still waiting to be accepted by the applet.
type PendingEvents struct {
	CardInit       bool
	DeleteAllKeys  bool
	EarlyBootEnded bool
}

// Manager owns the conversation with the applet. It is safe for concurrent use;
// requests are serialised.
type Manager struct {
	cfg Config
	log *slog.Logger
	p1  byte

	mu      sync.Mutex
	pending PendingEvents
	idle    *timer.Task
}

// New returns a Manager for cfg.Version. Versions the applet does not speak
// yield keymint.ErrorUnimplemented.
func New(cfg Config) (*Manager, error) {
	if cfg.Transport == nil {
		return nil, errors.New("session: no transport")
	}
	p1, err := cfg.Version.P1()
	if err != nil {
		return nil, fmt.Errorf("session: %s: %w", cfg.Version, err)
	}
	if cfg.Scheduler == nil {
		cfg.Scheduler = timer.System()
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	if cfg.Access == nil {
		cfg.Access = access.New(access.Config{Scheduler: cfg.Scheduler, Log: cfg.Log})
	}
	if cfg.SystemInfo == nil {
		cfg.SystemInfo = StaticSystemInfo{}
	}

	m := &Manager{
		cfg:     cfg,
		log:     cfg.Log.With("component", "session", "version", cfg.Version.String()),
		p1:      p1,
		pending: PendingEvents{CardInit: true},
	}
	m.idle = timer.NewTask(cfg.Scheduler, m.closeIdle)
	return m, nil
}

func (m *Manager) closeIdle() {
	m.log.Debug("closing idle channel")
	if err := m.cfg.Transport.Close(); err != nil {
		m.log.Warn("closing idle channel failed", "error", err)
	}
}

// Request sends ins with an already encoded payload, after any pending event.
func (m *Manager) Request(ins keymint.Instruction, payload []byte) (codec.Array, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.sendPendingLocked(ins)
	arr, err := m.requestLocked(ins, payload)
	if err == nil {
		m.clearPendingLocked(ins)
	}
	return arr, err
}

// RequestArray encodes req and sends it. A nil req sends an empty payload.
func (m *Manager) RequestArray(ins keymint.Instruction, req *codec.Request) (codec.Array, error) {
	var payload []byte
	if req != nil {
		var err error
		if payload, err = req.Encode(); err != nil {
			return nil, fmt.Errorf("%s: %w", ins, err)
		}
	}
	return m.Request(ins, payload)
}

// SetDeleteAllKeysPending latches delete-all-keys for the next request.
func (m *Manager) SetDeleteAllKeysPending() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending.DeleteAllKeys = true
}

// SetEarlyBootEndedPending latches early-boot-ended for the next request.
func (m *Manager) SetEarlyBootEndedPending() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending.EarlyBootEnded = true
}

// Pending returns the events not yet accepted by the applet.
func (m *Manager) Pending() PendingEvents {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pending
}

// SendPendingEvents tries every latched event once.
func (m *Manager) SendPendingEvents() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sendPendingLocked(0)
}

// SetOperationState reports the start or end of a crypto operation to the policy.
func (m *Manager) SetOperationState(state keymint.CryptoOperationState) {
	m.cfg.Access.SetCryptoOperationState(state)
}

// Version returns the KeyMint generation of the session.
func (m *Manager) Version() keymint.Version {
	return m.cfg.Version
}

// Close stops the idle task and closes the transport.
func (m *Manager) Close() error {
	m.idle.Cancel()

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg.Transport.Close()
}

// sendPendingLocked replays latched events. The event carried by current itself
// is left to the request in progress.
func (m *Manager) sendPendingLocked(current keymint.Instruction) {
	if m.pending.CardInit {
		osVersion, osPatch, vendorPatch := m.cfg.SystemInfo.Versions()
		payload, err := codec.NewRequest().
			AddUint(uint64(osVersion)).
			AddUint(uint64(osPatch)).
			AddUint(uint64(vendorPatch)).
			Encode()
		if err == nil {
			_, err = m.requestLocked(keymint.INS_INIT_STRONGBOX, payload)
		}
		if err != nil {
			m.log.Error("sending system properties failed", "error", err)
		} else {
			m.pending.CardInit = false
		}
	}

	if m.pending.DeleteAllKeys && current != keymint.INS_DELETE_ALL_KEYS {
		if _, err := m.requestLocked(keymint.INS_DELETE_ALL_KEYS, nil); err != nil {
			m.log.Error("sending pending delete-all-keys failed", "error", err)
		} else {
			m.pending.DeleteAllKeys = false
		}
	}

	if m.pending.EarlyBootEnded && current != keymint.INS_EARLY_BOOT_ENDED {
		if _, err := m.requestLocked(keymint.INS_EARLY_BOOT_ENDED, nil); err != nil {
			m.log.Error("sending pending early-boot-ended failed", "error", err)
		} else {
			m.pending.EarlyBootEnded = false
		}
	}
}

// clearPendingLocked drops the latch of an event the applet just accepted.
func (m *Manager) clearPendingLocked(ins keymint.Instruction) {
	switch ins {
	case keymint.INS_DELETE_ALL_KEYS:
		m.pending.DeleteAllKeys = false
	case keymint.INS_EARLY_BOOT_ENDED:
		m.pending.EarlyBootEnded = false
	}
}

func (m *Manager) requestLocked(ins keymint.Instruction, payload []byte) (codec.Array, error) {
	apdu, err := m.frame(ins, payload)
	if err != nil {
		return nil, err
	}

	data, err := m.exchangeLocked(ins, apdu)
	if err != nil {
		return nil, err
	}
	return codec.DecodeEnvelope(data)
}

// frame builds the extended-length command for ins.
func (m *Manager) frame(ins keymint.Instruction, payload []byte) ([]byte, error) {
	if len(payload) > iso7816.MaxExtendedLc {
		return nil, fmt.Errorf("%s: payload of %d bytes: %w", ins, len(payload), keymint.ErrorInvalidInputLength)
	}
	cla, err := iso7816.NewClass(claKeyMint)
	if err != nil {
		return nil, err
	}
	code, err := iso7816.NewInstruction(iso7816.InsCode(ins))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", ins, keymint.ErrorUnimplemented)
	}

	raw, err := iso7816.NewExtendedCommand(cla, code, m.p1, 0x00, payload).Bytes()
	if errors.Is(err, iso7816.ErrDataTooLong) {
		return nil, fmt.Errorf("%s: %w", ins, keymint.ErrorInvalidInputLength)
	}
	return raw, err
}

// exchangeLocked sends apdu and returns the response with its status word removed.
func (m *Manager) exchangeLocked(ins keymint.Instruction, apdu []byte) ([]byte, error) {
	m.idle.Cancel()

	if !m.cfg.Access.IsOperationAllowed(ins) {
		resp := transport.StatusBytes(transport.StatusGeneric)
		m.log.Error("command not allowed", "ins", ins.String(), "sw", fmt.Sprintf("%X", resp))
		m.scheduleCloseLocked(resp, nil)
		return nil, fmt.Errorf("%s not allowed: %w", ins, keymint.ErrorSecureHwCommunicationFailed)
	}

	m.log.Debug("sending command", "ins", ins.String(), "len", len(apdu))
	resp, sendErr := m.cfg.Transport.Send(apdu)
	m.scheduleCloseLocked(resp, sendErr)

	if len(resp) < 2 {
		m.log.Error("sending command failed", "ins", ins.String(), "error", sendErr)
		return nil, fmt.Errorf("%s: %w", ins, keymint.ErrorSecureHwCommunicationFailed)
	}

	n := len(resp) - 2
	sw := iso7816.NewStatusWord(resp[n], resp[n+1])
	if sw != iso7816.SW_NO_ERROR {
		m.log.Error("unexpected response status", "ins", ins.String(), "sw", sw.String())
		return nil, fmt.Errorf("%s: status %s: %w", ins, sw, keymint.ErrorSecureHwCommunicationFailed)
	}
	return resp[:n], nil
}

func (m *Manager) scheduleCloseLocked(resp []byte, sendErr error) {
	timeout := m.cfg.Access.SessionTimeout()

	channelGone := len(resp) >= 2 &&
		iso7816.NewStatusWord(resp[len(resp)-2], resp[len(resp)-1]) == iso7816.SW_ERR_LOGICAL_CHANNEL_NOT_SUPP
	linkBroken := sendErr != nil && !errors.Is(sendErr, transport.ErrStatus)

	if timeout <= 0 || channelGone || linkBroken {
		m.log.Debug("closing channel immediately", "timeout", timeout, "channelGone", channelGone, "linkBroken", linkBroken)
		if err := m.cfg.Transport.Close(); err != nil {
			m.log.Warn("closing channel failed", "error", err)
		}
		return
	}
	m.idle.Arm(timeout)
}
