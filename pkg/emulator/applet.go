/*
Package emulator simulates a StrongBox applet behind the socket framing of
package transport.

The simulation covers the commands the bridge exchanges on its own (card
init, the shared-secret handshake, early-boot-ended, delete-all-keys) and a
minimal key store able to generate keys and run begin/update/finish. It is a
test and development peer, not a KeyMint implementation: keys carry no
material and "signatures" are digests of the processed input.

Selection, class and P1 checks follow the real applet so that transport and
session failures can be reproduced without hardware.
*/
package emulator

import (
	"bytes"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/skythen/apdu"
	"golang.org/x/crypto/hkdf"

	"github.com/gregLibert/strongbox-bridge/pkg/codec"
	"github.com/gregLibert/strongbox-bridge/pkg/iso7816"
	"github.com/gregLibert/strongbox-bridge/pkg/keymint"
	"github.com/gregLibert/strongbox-bridge/pkg/transport"
)

const (
	claKeyMint byte = 0x80
	insSelect  byte = 0xA4

	// MaxEntropy bounds the data accepted by ADD_RNG_ENTROPY.
	MaxEntropy = 2048

	keyBlobSize = 16
)

// Config describes the simulated applet.
type Config struct {
	AID     []byte
	Version keymint.Version

	// Label and AppletVersion are reported in the FCI.
	Label         string
	AppletVersion []byte

	Log *slog.Logger
}

// DefaultConfig returns a KeyMint 4 applet under transport.DefaultAID.
func DefaultConfig() Config {
	return Config{
		AID:           transport.DefaultAID,
		Version:       keymint.KeyMint4,
		Label:         "StrongBox",
		AppletVersion: []byte{0x04, 0x00},
	}
}

type keyEntry struct {
	params []keymint.KeyParameter
}

type operation struct {
	purpose uint64
	blob    string
	input   bytes.Buffer
}

// SystemInfo is what the host sent with INIT_STRONGBOX.
type SystemInfo struct {
	OSVersion        uint64
	OSPatchLevel     uint64
	VendorPatchLevel uint64
}

// Applet is the simulated card. It is safe for concurrent use.
type Applet struct {
	cfg Config
	p1  byte
	log *slog.Logger

	mu             sync.Mutex
	selected       bool
	upgrading      bool
	initialized    bool
	systemInfo     SystemInfo
	earlyBootEnded bool
	seed           []byte
	nonce          []byte
	entropy        int
	keys           map[string]keyEntry
	ops            map[uint64]*operation
	nextHandle     uint64
	history        []keymint.Instruction
}

// New returns an unselected applet.
func New(cfg Config) (*Applet, error) {
	def := DefaultConfig()
	if len(cfg.AID) == 0 {
		cfg.AID = def.AID
	}
	if cfg.Version == 0 {
		cfg.Version = def.Version
	}
	if cfg.Label == "" {
		cfg.Label = def.Label
	}
	if cfg.AppletVersion == nil {
		cfg.AppletVersion = def.AppletVersion
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}

	p1, err := cfg.Version.P1()
	if err != nil {
		return nil, fmt.Errorf("emulator: %s: %w", cfg.Version, err)
	}

	nonce := make([]byte, keymint.SharedSecretFallbackSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("emulator: generating nonce: %w", err)
	}

	return &Applet{
		cfg:        cfg,
		p1:         p1,
		log:        cfg.Log.With("component", "emulator"),
		seed:       make([]byte, keymint.SharedSecretFallbackSize),
		nonce:      nonce,
		keys:       make(map[string]keyEntry),
		ops:        make(map[uint64]*operation),
		nextHandle: 1,
	}, nil
}

// SetUpgrading flags (or clears) an applet upgrade in the SELECT response.
func (a *Applet) SetUpgrading(upgrading bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.upgrading = upgrading
}

// Reset deselects the applet, as a card reset or a new connection would.
func (a *Applet) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.selected = false
}

// SystemInfo returns the values received with INIT_STRONGBOX and whether
// they were received at all.
func (a *Applet) SystemInfo() (SystemInfo, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.systemInfo, a.initialized
}

// EarlyBootEnded reports whether EARLY_BOOT_ENDED was received.
func (a *Applet) EarlyBootEnded() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.earlyBootEnded
}

// KeyCount returns the number of stored keys.
func (a *Applet) KeyCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.keys)
}

// History returns the KeyMint instructions processed so far.
func (a *Applet) History() []keymint.Instruction {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]keymint.Instruction(nil), a.history...)
}

// Process handles one command APDU and returns the response APDU.
func (a *Applet) Process(cmd []byte) []byte {
	capdu, err := apdu.ParseCapdu(cmd)
	if err != nil {
		a.log.Debug("unparseable command", "apdu", hex.EncodeToString(cmd), "error", err)
		return statusOnly(iso7816.SW_ERR_WRONG_LENGTH)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if capdu.Cla&0x80 == 0 && capdu.Ins == insSelect {
		return a.selectLocked(*capdu)
	}
	if !a.selected {
		return statusOnly(iso7816.SW_ERR_COND_OF_USE_NOT_SAT)
	}
	if capdu.Cla != claKeyMint {
		return statusOnly(iso7816.SW_ERR_CLA_NOT_SUPPORTED)
	}
	if capdu.P1 != a.p1 || capdu.P2 != 0 {
		return statusOnly(iso7816.SW_ERR_INCORRECT_PARAMS_P1P2)
	}

	var req codec.Array
	if len(capdu.Data) > 0 {
		if req, err = codec.DecodeArray(capdu.Data); err != nil {
			a.log.Debug("malformed request", "ins", keymint.Instruction(capdu.Ins), "error", err)
			return a.respond(codec.NewEnvelope(keymint.ErrorInvalidArgument))
		}
	}

	ins := keymint.Instruction(capdu.Ins)
	handler, ok := a.handlers()[ins]
	if !ok {
		return statusOnly(iso7816.SW_ERR_INS_INVALID)
	}
	a.history = append(a.history, ins)
	a.log.Debug("processing", "ins", ins, "elements", len(req))
	return a.respond(handler(req))
}

func (a *Applet) selectLocked(c apdu.Capdu) []byte {
	if c.P1 != iso7816.SelectByDFName || !bytes.Equal(c.Data, a.cfg.AID) {
		return statusOnly(iso7816.SW_ERR_FILE_NOT_FOUND)
	}
	// A single instance: there is no next occurrence.
	if _, occ := iso7816.ParseSelectP2(c.P2); occ != iso7816.FirstOrOnlyOccurrence {
		return statusOnly(iso7816.SW_ERR_FILE_NOT_FOUND)
	}

	var status byte
	if a.upgrading {
		status = iso7816.UpgradeInProgressMask
	}
	resp := &iso7816.AppletSelectResponse{
		FCI: &iso7816.AppletFCI{
			DFName: a.cfg.AID,
			Proprietary: &iso7816.AppletProprietary{
				Label:   []byte(a.cfg.Label),
				Version: a.cfg.AppletVersion,
			},
		},
		Status: status,
	}
	data, err := resp.Bytes()
	if err != nil {
		a.log.Error("encoding select response failed", "error", err)
		return statusOnly(iso7816.SW_ERR_UNKNOWN)
	}

	a.selected = true
	a.log.Info("applet selected", "upgrading", a.upgrading)
	return withStatus(data, iso7816.SW_NO_ERROR)
}

type handlerFunc func(req codec.Array) *codec.Request

func (a *Applet) handlers() map[keymint.Instruction]handlerFunc {
	return map[keymint.Instruction]handlerFunc{
		keymint.INS_INIT_STRONGBOX:          a.initStrongBox,
		keymint.INS_GET_SHARED_SECRET_PARAM: a.getSharedSecretParameters,
		keymint.INS_COMPUTE_SHARED_SECRET:   a.computeSharedSecret,
		keymint.INS_EARLY_BOOT_ENDED:        a.earlyBootEndedCmd,
		keymint.INS_DELETE_ALL_KEYS:         a.deleteAllKeys,
		keymint.INS_GET_HW_INFO:             a.getHardwareInfo,
		keymint.INS_ADD_RNG_ENTROPY:         a.addRngEntropy,
		keymint.INS_GENERATE_KEY:            a.generateKey,
		keymint.INS_DELETE_KEY:              a.deleteKey,
		keymint.INS_GET_KEY_CHARACTERISTICS: a.getKeyCharacteristics,
		keymint.INS_BEGIN_OPERATION:         a.begin,
		keymint.INS_UPDATE_OPERATION:        a.update,
		keymint.INS_FINISH_OPERATION:        a.finish,
		keymint.INS_ABORT_OPERATION:         a.abort,
		keymint.INS_DEVICE_LOCKED:           a.acknowledge,
	}
}

func (a *Applet) acknowledge(codec.Array) *codec.Request {
	return codec.NewEnvelope(keymint.ErrorOK)
}

func (a *Applet) initStrongBox(req codec.Array) *codec.Request {
	osVersion, ok1 := req.Uint64(0)
	osPatch, ok2 := req.Uint64(1)
	vendorPatch, ok3 := req.Uint64(2)
	if !ok1 || !ok2 || !ok3 {
		return codec.NewEnvelope(keymint.ErrorInvalidArgument)
	}
	a.systemInfo = SystemInfo{OSVersion: osVersion, OSPatchLevel: osPatch, VendorPatchLevel: vendorPatch}
	a.initialized = true
	return codec.NewEnvelope(keymint.ErrorOK)
}

func (a *Applet) getSharedSecretParameters(codec.Array) *codec.Request {
	return codec.NewEnvelope(keymint.ErrorOK).
		AddSharedSecretParameter(keymint.SharedSecretParameters{Seed: a.seed, Nonce: a.nonce})
}

// computeSharedSecret answers a digest of all parameters in place of the
// HMAC sharing check.
func (a *Applet) computeSharedSecret(req codec.Array) *codec.Request {
	params, ok := req.SharedSecretParametersList(0)
	if !ok {
		return codec.NewEnvelope(keymint.ErrorInvalidArgument)
	}
	check, err := SharingCheck(params)
	if err != nil {
		a.log.Warn("shared key derivation failed", "error", err)
		return codec.NewEnvelope(keymint.ErrorUnknown)
	}
	return codec.NewEnvelope(keymint.ErrorOK).AddBytes(check)
}

const (
	sharedMacLabel    = "KeymasterSharedMac"
	sharingCheckLabel = "Keymaster HMAC Verification"
	sharedKeySize     = 32
)

// SharingCheck derives the shared HMAC key from the parameters of every
// participant, in order, with HKDF-SHA256 over an all-zero pre-shared key, and
// returns HMAC-SHA256(key, "Keymaster HMAC Verification"). Participants that
// agree on the parameter list produce identical checks.
func SharingCheck(params []keymint.SharedSecretParameters) ([]byte, error) {
	info := []byte(sharedMacLabel)
	for _, p := range params {
		info = append(info, p.Seed...)
		info = append(info, p.Nonce...)
	}

	key := make([]byte, sharedKeySize)
	kdf := hkdf.New(sha256.New, make([]byte, sharedKeySize), nil, info)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("emulator: derive shared key: %w", err)
	}

	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(sharingCheckLabel))
	return mac.Sum(nil), nil
}

func (a *Applet) earlyBootEndedCmd(codec.Array) *codec.Request {
	a.earlyBootEnded = true
	return codec.NewEnvelope(keymint.ErrorOK)
}

func (a *Applet) deleteAllKeys(codec.Array) *codec.Request {
	clear(a.keys)
	clear(a.ops)
	return codec.NewEnvelope(keymint.ErrorOK)
}

func (a *Applet) getHardwareInfo(codec.Array) *codec.Request {
	return codec.NewEnvelope(keymint.ErrorOK).
		AddUint(uint64(a.cfg.Version) * 100).
		AddUint(uint64(keymint.SecurityStrongBox)).
		AddText("StrongBoxEmulator").
		AddText("strongbox-bridge").
		AddUint(1)
}

func (a *Applet) addRngEntropy(req codec.Array) *codec.Request {
	data, ok := req.Bytes(0)
	if !ok {
		return codec.NewEnvelope(keymint.ErrorInvalidArgument)
	}
	if len(data) > MaxEntropy {
		return codec.NewEnvelope(keymint.ErrorInvalidInputLength)
	}
	a.entropy += len(data)
	return codec.NewEnvelope(keymint.ErrorOK)
}

func (a *Applet) generateKey(req codec.Array) *codec.Request {
	params, ok := req.KeyParameters(0)
	if !ok {
		return codec.NewEnvelope(keymint.ErrorInvalidArgument)
	}
	if _, ok := keymint.Find(params, keymint.TAG_ALGORITHM); !ok {
		return codec.NewEnvelope(keymint.ErrorUnsupportedAlgorithm)
	}

	blob := make([]byte, keyBlobSize)
	if _, err := rand.Read(blob); err != nil {
		return codec.NewEnvelope(keymint.ErrorUnknown)
	}
	a.keys[string(blob)] = keyEntry{params: params}
	return codec.NewEnvelope(keymint.ErrorOK).
		AddBytes(blob).
		AddKeyCharacteristics(params, nil, nil).
		AddByteArrays(nil)
}

func (a *Applet) lookupKey(req codec.Array, pos int) (string, keyEntry, bool) {
	blob, ok := req.Bytes(pos)
	if !ok {
		return "", keyEntry{}, false
	}
	key, ok := a.keys[string(blob)]
	return string(blob), key, ok
}

func (a *Applet) deleteKey(req codec.Array) *codec.Request {
	blob, _, ok := a.lookupKey(req, 0)
	if !ok {
		return codec.NewEnvelope(keymint.ErrorInvalidKeyBlob)
	}
	delete(a.keys, blob)
	return codec.NewEnvelope(keymint.ErrorOK)
}

func (a *Applet) getKeyCharacteristics(req codec.Array) *codec.Request {
	_, key, ok := a.lookupKey(req, 0)
	if !ok {
		return codec.NewEnvelope(keymint.ErrorInvalidKeyBlob)
	}
	return codec.NewEnvelope(keymint.ErrorOK).AddKeyCharacteristics(key.params, nil, nil)
}

func (a *Applet) begin(req codec.Array) *codec.Request {
	purpose, ok := req.Uint64(0)
	if !ok {
		return codec.NewEnvelope(keymint.ErrorInvalidArgument)
	}
	blob, key, ok := a.lookupKey(req, 1)
	if !ok {
		return codec.NewEnvelope(keymint.ErrorInvalidKeyBlob)
	}
	if !hasPurpose(key.params, purpose) {
		return codec.NewEnvelope(keymint.ErrorIncompatiblePurpose)
	}

	handle := a.nextHandle
	a.nextHandle++
	a.ops[handle] = &operation{purpose: purpose, blob: blob}
	return codec.NewEnvelope(keymint.ErrorOK).
		AddKeyParameters(nil).
		AddUint(handle).
		AddUint(0).
		AddUint(0)
}

func hasPurpose(params []keymint.KeyParameter, purpose uint64) bool {
	for _, p := range params {
		if p.Tag == keymint.TAG_PURPOSE && p.Integer == purpose {
			return true
		}
	}
	return false
}

func (a *Applet) lookupOperation(req codec.Array) (uint64, *operation, bool) {
	handle, ok := req.Uint64(0)
	if !ok {
		return 0, nil, false
	}
	op, ok := a.ops[handle]
	return handle, op, ok
}

func (a *Applet) update(req codec.Array) *codec.Request {
	handle, op, ok := a.lookupOperation(req)
	if !ok {
		return codec.NewEnvelope(keymint.ErrorInvalidOperationHandle)
	}
	input, ok := req.Bytes(1)
	if !ok {
		delete(a.ops, handle)
		return codec.NewEnvelope(keymint.ErrorInvalidArgument)
	}
	op.input.Write(input)
	return codec.NewEnvelope(keymint.ErrorOK).AddBytes(nil)
}

func (a *Applet) finish(req codec.Array) *codec.Request {
	handle, op, ok := a.lookupOperation(req)
	if !ok {
		return codec.NewEnvelope(keymint.ErrorInvalidOperationHandle)
	}
	delete(a.ops, handle)

	if input, ok := req.Bytes(1); ok {
		op.input.Write(input)
	}
	sum := sha256.Sum256(op.input.Bytes())
	return codec.NewEnvelope(keymint.ErrorOK).AddBytes(sum[:])
}

func (a *Applet) abort(req codec.Array) *codec.Request {
	handle, _, ok := a.lookupOperation(req)
	if !ok {
		return codec.NewEnvelope(keymint.ErrorInvalidOperationHandle)
	}
	delete(a.ops, handle)
	return codec.NewEnvelope(keymint.ErrorOK)
}

func (a *Applet) respond(env *codec.Request) []byte {
	data, err := env.Encode()
	if err != nil {
		a.log.Error("encoding response failed", "error", err)
		return statusOnly(iso7816.SW_ERR_UNKNOWN)
	}
	return withStatus(data, iso7816.SW_NO_ERROR)
}

func withStatus(data []byte, sw iso7816.StatusWord) []byte {
	r := apdu.Rapdu{Data: data, SW1: sw.SW1(), SW2: sw.SW2()}
	b, err := r.Bytes()
	if err != nil {
		return statusOnly(iso7816.SW_ERR_UNKNOWN)
	}
	return b
}

func statusOnly(sw iso7816.StatusWord) []byte {
	return []byte{sw.SW1(), sw.SW2()}
}
