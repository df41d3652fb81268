package service

import (
	"log/slog"

	"github.com/gregLibert/strongbox-bridge/pkg/codec"
	"github.com/gregLibert/strongbox-bridge/pkg/keymint"
)

// RootOfTrustChallengeSize is the size of the challenge returned by GetRootOfTrustChallenge.
const RootOfTrustChallengeSize = 16

// additionalAttestationTags are the only tags forwarded by SetAdditionalAttestationInfo.
var additionalAttestationTags = map[keymint.Tag]bool{
	keymint.TAG_MODULE_HASH: true,
}

// KeyMint is the key management service of the applet.
type KeyMint struct {
	req Requester
	log *slog.Logger
}

// NewKeyMint returns the KeyMint service. A nil logger selects slog.Default.
func NewKeyMint(req Requester, log *slog.Logger) *KeyMint {
	if log == nil {
		log = slog.Default()
	}
	return &KeyMint{req: req, log: log.With("component", "keymint")}
}

func (k *KeyMint) GetHardwareInfo() (keymint.HardwareInfo, error) {
	const ins = keymint.INS_GET_HW_INFO
	arr, err := k.req.Request(ins, nil)
	if err != nil {
		return keymint.HardwareInfo{}, err
	}

	version, ok1 := arr.Uint64(1)
	level, ok2 := arr.Uint64(2)
	name, ok3 := arr.Text(3)
	author, ok4 := arr.Text(4)
	tsRequired, ok5 := arr.Uint64(5)
	if !ok1 || !ok2 || !ok3 || !ok4 || !ok5 {
		return keymint.HardwareInfo{}, malformed(ins, "hardware info")
	}
	return keymint.HardwareInfo{
		Version:                int32(version),
		SecurityLevel:          keymint.SecurityLevel(level),
		KeyMintName:            name,
		KeyMintAuthor:          author,
		TimestampTokenRequired: tsRequired == 1,
	}, nil
}

func (k *KeyMint) AddRngEntropy(data []byte) error {
	_, err := k.req.RequestArray(keymint.INS_ADD_RNG_ENTROPY, codec.NewRequest().AddBytes(data))
	return err
}

func (k *KeyMint) GenerateKey(params []keymint.KeyParameter, attestKey *keymint.AttestationKey) (keymint.KeyCreationResult, error) {
	req := codec.NewRequest().
		AddKeyParameters(params).
		AddAttestationKey(attestKey)
	return k.createKey(keymint.INS_GENERATE_KEY, req)
}

func (k *KeyMint) ImportKey(params []keymint.KeyParameter, format keymint.KeyFormat, keyData []byte, attestKey *keymint.AttestationKey) (keymint.KeyCreationResult, error) {
	req := codec.NewRequest().
		AddKeyParameters(params).
		AddUint(uint64(format)).
		AddBytes(keyData).
		AddAttestationKey(attestKey)
	return k.createKey(keymint.INS_IMPORT_KEY, req)
}

// WrappedKey holds the inputs of ImportWrappedKey.
type WrappedKey struct {
	WrappedKeyData   []byte
	WrappingKeyBlob  []byte
	MaskingKey       []byte
	UnwrappingParams []keymint.KeyParameter
	PasswordSID      int64
	BiometricSID     int64
}

// ImportWrappedKey unwraps a key in two exchanges: the wrapping key and
// unwrapping parameters first, then the wrapped key itself.
func (k *KeyMint) ImportWrappedKey(w WrappedKey) (keymint.KeyCreationResult, error) {
	begin := codec.NewRequest().
		AddBytes(w.WrappingKeyBlob).
		AddBytes(w.MaskingKey).
		AddKeyParameters(w.UnwrappingParams)
	if _, err := k.req.RequestArray(keymint.INS_BEGIN_IMPORT_WRAPPED, begin); err != nil {
		return keymint.KeyCreationResult{}, err
	}

	finish := codec.NewRequest().
		AddBytes(w.WrappedKeyData).
		AddUint(uint64(w.PasswordSID)).
		AddUint(uint64(w.BiometricSID))
	return k.createKey(keymint.INS_FINISH_IMPORT_WRAPPED, finish)
}

func (k *KeyMint) createKey(ins keymint.Instruction, req *codec.Request) (keymint.KeyCreationResult, error) {
	arr, err := k.req.RequestArray(ins, req)
	if err != nil {
		return keymint.KeyCreationResult{}, err
	}

	blob, ok := arr.Bytes(1)
	if !ok {
		return keymint.KeyCreationResult{}, malformed(ins, "key blob")
	}
	chars, ok := arr.KeyCharacteristics(2)
	if !ok {
		return keymint.KeyCreationResult{}, malformed(ins, "key characteristics")
	}
	chain, ok := arr.CertificateChain(3)
	if !ok {
		return keymint.KeyCreationResult{}, malformed(ins, "certificate chain")
	}
	return keymint.KeyCreationResult{KeyBlob: blob, KeyCharacteristics: chars, CertificateChain: chain}, nil
}

func (k *KeyMint) UpgradeKey(keyBlob []byte, params []keymint.KeyParameter) ([]byte, error) {
	const ins = keymint.INS_UPGRADE_KEY
	arr, err := k.req.RequestArray(ins, codec.NewRequest().AddBytes(keyBlob).AddKeyParameters(params))
	if err != nil {
		return nil, err
	}
	blob, ok := arr.Bytes(1)
	if !ok {
		return nil, malformed(ins, "key blob")
	}
	return blob, nil
}

func (k *KeyMint) DeleteKey(keyBlob []byte) error {
	_, err := k.req.RequestArray(keymint.INS_DELETE_KEY, codec.NewRequest().AddBytes(keyBlob))
	return err
}

// DeleteAllKeys wipes every key. When the applet cannot be reached the command
// is latched and sent ahead of the next request.
func (k *KeyMint) DeleteAllKeys() error {
	if _, err := k.req.Request(keymint.INS_DELETE_ALL_KEYS, nil); err != nil {
		k.log.Warn("delete all keys deferred", "error", err)
		k.req.SetDeleteAllKeysPending()
	}
	return nil
}

func (k *KeyMint) DestroyAttestationIds() error {
	_, err := k.req.Request(keymint.INS_DESTROY_ATT_IDS, nil)
	return err
}

// Begin starts an operation. A successful begin counts as a running crypto
// operation until Finish, Abort or a failed Update.
func (k *KeyMint) Begin(purpose uint32, keyBlob []byte, params []keymint.KeyParameter, authToken *keymint.HardwareAuthToken) (keymint.BeginResult, error) {
	const ins = keymint.INS_BEGIN_OPERATION
	req := codec.NewRequest().
		AddUint(uint64(purpose)).
		AddBytes(keyBlob).
		AddKeyParameters(params).
		AddHardwareAuthToken(authToken)
	arr, err := k.req.RequestArray(ins, req)
	if err != nil {
		return keymint.BeginResult{}, err
	}

	outParams, ok1 := arr.KeyParameters(1)
	handle, ok2 := arr.Uint64(2)
	bufMode, ok3 := arr.Uint64(3)
	macLength, ok4 := arr.Uint64(4)
	if !ok1 || !ok2 || !ok3 || !ok4 {
		return keymint.BeginResult{}, malformed(ins, "operation")
	}

	k.req.SetOperationState(keymint.OperationStarted)
	return keymint.BeginResult{
		Challenge: int64(handle),
		Params:    outParams,
		OpHandle:  handle,
		BufMode:   bufMode,
		MacLength: macLength,
	}, nil
}

func (k *KeyMint) UpdateAAD(opHandle uint64, aad []byte, authToken *keymint.HardwareAuthToken, tsToken *keymint.TimeStampToken) error {
	req := codec.NewRequest().
		AddUint(opHandle).
		AddBytes(aad).
		AddHardwareAuthToken(authToken).
		AddTimeStampToken(tsToken)
	if _, err := k.req.RequestArray(keymint.INS_UPDATE_AAD_OPERATION, req); err != nil {
		k.req.SetOperationState(keymint.OperationFinished)
		return err
	}
	return nil
}

func (k *KeyMint) Update(opHandle uint64, input []byte, authToken *keymint.HardwareAuthToken, tsToken *keymint.TimeStampToken) ([]byte, error) {
	const ins = keymint.INS_UPDATE_OPERATION
	req := codec.NewRequest().
		AddUint(opHandle).
		AddBytes(input).
		AddHardwareAuthToken(authToken).
		AddTimeStampToken(tsToken)
	arr, err := k.req.RequestArray(ins, req)
	if err != nil {
		k.req.SetOperationState(keymint.OperationFinished)
		return nil, err
	}
	out, ok := arr.Bytes(1)
	if !ok {
		k.req.SetOperationState(keymint.OperationFinished)
		return nil, malformed(ins, "output")
	}
	return out, nil
}

func (k *KeyMint) Finish(opHandle uint64, input, signature []byte, authToken *keymint.HardwareAuthToken, tsToken *keymint.TimeStampToken, confirmationToken []byte) ([]byte, error) {
	const ins = keymint.INS_FINISH_OPERATION
	defer k.req.SetOperationState(keymint.OperationFinished)

	req := codec.NewRequest().
		AddUint(opHandle).
		AddBytes(input).
		AddBytes(signature).
		AddHardwareAuthToken(authToken).
		AddTimeStampToken(tsToken).
		AddBytes(confirmationToken)
	arr, err := k.req.RequestArray(ins, req)
	if err != nil {
		return nil, err
	}
	out, ok := arr.Bytes(1)
	if !ok {
		return nil, malformed(ins, "output")
	}
	return out, nil
}

func (k *KeyMint) Abort(opHandle uint64) error {
	defer k.req.SetOperationState(keymint.OperationFinished)
	_, err := k.req.RequestArray(keymint.INS_ABORT_OPERATION, codec.NewRequest().AddUint(opHandle))
	return err
}

func (k *KeyMint) DeviceLocked(passwordOnly bool, tsToken *keymint.TimeStampToken) error {
	req := codec.NewRequest().AddBool(passwordOnly).AddTimeStampToken(tsToken)
	_, err := k.req.RequestArray(keymint.INS_DEVICE_LOCKED, req)
	return err
}

// EarlyBootEnded tells the applet the device left early boot. When the applet
// cannot be reached the event is latched and sent ahead of the next request.
func (k *KeyMint) EarlyBootEnded() error {
	if _, err := k.req.Request(keymint.INS_EARLY_BOOT_ENDED, nil); err != nil {
		k.log.Warn("early boot ended deferred", "error", err)
		k.req.SetEarlyBootEndedPending()
	}
	return nil
}

func (k *KeyMint) GetKeyCharacteristics(keyBlob, appID, appData []byte) ([]keymint.KeyCharacteristics, error) {
	const ins = keymint.INS_GET_KEY_CHARACTERISTICS
	req := codec.NewRequest().AddBytes(keyBlob).AddBytes(appID).AddBytes(appData)
	arr, err := k.req.RequestArray(ins, req)
	if err != nil {
		return nil, err
	}
	chars, ok := arr.KeyCharacteristics(1)
	if !ok {
		return nil, malformed(ins, "key characteristics")
	}
	return chars, nil
}

func (k *KeyMint) GetRootOfTrustChallenge() ([RootOfTrustChallengeSize]byte, error) {
	const ins = keymint.INS_GET_ROT_CHALLENGE
	var challenge [RootOfTrustChallengeSize]byte

	arr, err := k.req.Request(ins, nil)
	if err != nil {
		return challenge, err
	}
	b, ok := arr.Bytes(1)
	if !ok || len(b) != RootOfTrustChallengeSize {
		return challenge, malformed(ins, "challenge")
	}
	copy(challenge[:], b)
	return challenge, nil
}

// GetRootOfTrust is served by the TEE, never by StrongBox.
func (k *KeyMint) GetRootOfTrust([RootOfTrustChallengeSize]byte) ([]byte, error) {
	return nil, keymint.ErrorUnimplemented
}

func (k *KeyMint) SendRootOfTrust(rootOfTrust []byte) error {
	_, err := k.req.RequestArray(keymint.INS_SEND_ROT_DATA, codec.NewRequest().AddBytes(rootOfTrust))
	return err
}

// SetAdditionalAttestationInfo forwards the MODULE_HASH parameters and drops the rest.
func (k *KeyMint) SetAdditionalAttestationInfo(params []keymint.KeyParameter) error {
	filtered := make([]keymint.KeyParameter, 0, len(params))
	for _, p := range params {
		if additionalAttestationTags[p.Tag] {
			filtered = append(filtered, p)
		}
	}
	req := codec.NewRequest().AddKeyParameters(filtered)
	_, err := k.req.RequestArray(keymint.INS_SET_ADDITIONAL_ATTESTATION_INFO, req)
	return err
}

// ConvertStorageKeyToEphemeral is not supported by StrongBox.
func (k *KeyMint) ConvertStorageKeyToEphemeral([]byte) ([]byte, error) {
	return nil, keymint.ErrorUnimplemented
}
