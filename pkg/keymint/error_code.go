package keymint

import "fmt"

// ErrorCode is the status carried in element 0 of every response envelope,
// after negation. It implements error so it can travel through errors.Is/As.
type ErrorCode int32

// KeyMint error codes. Values are fixed by the HAL interface.
const (
	ErrorOK                            ErrorCode = 0
	ErrorRootOfTrustAlreadySet         ErrorCode = -1
	ErrorUnsupportedPurpose            ErrorCode = -2
	ErrorIncompatiblePurpose           ErrorCode = -3
	ErrorUnsupportedAlgorithm          ErrorCode = -4
	ErrorIncompatibleAlgorithm         ErrorCode = -5
	ErrorUnsupportedKeySize            ErrorCode = -6
	ErrorUnsupportedBlockMode          ErrorCode = -7
	ErrorIncompatibleBlockMode         ErrorCode = -8
	ErrorUnsupportedMacLength          ErrorCode = -9
	ErrorUnsupportedPaddingMode        ErrorCode = -10
	ErrorIncompatiblePaddingMode       ErrorCode = -11
	ErrorUnsupportedDigest             ErrorCode = -12
	ErrorIncompatibleDigest            ErrorCode = -13
	ErrorUnsupportedKeyFormat          ErrorCode = -17
	ErrorInvalidInputLength            ErrorCode = -21
	ErrorKeyNotYetValid                ErrorCode = -24
	ErrorKeyExpired                    ErrorCode = -25
	ErrorKeyUserNotAuthenticated       ErrorCode = -26
	ErrorInvalidOperationHandle        ErrorCode = -28
	ErrorVerificationFailed            ErrorCode = -30
	ErrorTooManyOperations             ErrorCode = -31
	ErrorInvalidKeyBlob                ErrorCode = -33
	ErrorInvalidArgument               ErrorCode = -38
	ErrorUnsupportedTag                ErrorCode = -39
	ErrorInvalidTag                    ErrorCode = -40
	ErrorSecureHwAccessDenied          ErrorCode = -45
	ErrorOperationCancelled            ErrorCode = -46
	ErrorSecureHwBusy                  ErrorCode = -48
	ErrorSecureHwCommunicationFailed   ErrorCode = -49
	ErrorKeyRequiresUpgrade            ErrorCode = -62
	ErrorAttestationChallengeMissing   ErrorCode = -63
	ErrorKeyMintNotConfigured          ErrorCode = -64
	ErrorCannotAttestIDs               ErrorCode = -66
	ErrorDeviceLocked                  ErrorCode = -72
	ErrorEarlyBootEnded                ErrorCode = -73
	ErrorAttestationKeysNotProvisioned ErrorCode = -74
	ErrorInvalidOperation              ErrorCode = -76
	ErrorHardwareNotYetAvailable       ErrorCode = -85
	ErrorModuleHashAlreadySet          ErrorCode = -86
	ErrorUnimplemented                 ErrorCode = -100
	ErrorVersionMismatch               ErrorCode = -101
	ErrorUnknown                       ErrorCode = -1000
)

var errorNames = map[ErrorCode]string{
	ErrorOK:                            "OK",
	ErrorRootOfTrustAlreadySet:         "ROOT_OF_TRUST_ALREADY_SET",
	ErrorUnsupportedPurpose:            "UNSUPPORTED_PURPOSE",
	ErrorIncompatiblePurpose:           "INCOMPATIBLE_PURPOSE",
	ErrorUnsupportedAlgorithm:          "UNSUPPORTED_ALGORITHM",
	ErrorIncompatibleAlgorithm:         "INCOMPATIBLE_ALGORITHM",
	ErrorUnsupportedKeySize:            "UNSUPPORTED_KEY_SIZE",
	ErrorUnsupportedBlockMode:          "UNSUPPORTED_BLOCK_MODE",
	ErrorIncompatibleBlockMode:         "INCOMPATIBLE_BLOCK_MODE",
	ErrorUnsupportedMacLength:          "UNSUPPORTED_MAC_LENGTH",
	ErrorUnsupportedPaddingMode:        "UNSUPPORTED_PADDING_MODE",
	ErrorIncompatiblePaddingMode:       "INCOMPATIBLE_PADDING_MODE",
	ErrorUnsupportedDigest:             "UNSUPPORTED_DIGEST",
	ErrorIncompatibleDigest:            "INCOMPATIBLE_DIGEST",
	ErrorUnsupportedKeyFormat:          "UNSUPPORTED_KEY_FORMAT",
	ErrorInvalidInputLength:            "INVALID_INPUT_LENGTH",
	ErrorKeyNotYetValid:                "KEY_NOT_YET_VALID",
	ErrorKeyExpired:                    "KEY_EXPIRED",
	ErrorKeyUserNotAuthenticated:       "KEY_USER_NOT_AUTHENTICATED",
	ErrorInvalidOperationHandle:        "INVALID_OPERATION_HANDLE",
	ErrorVerificationFailed:            "VERIFICATION_FAILED",
	ErrorTooManyOperations:             "TOO_MANY_OPERATIONS",
	ErrorInvalidKeyBlob:                "INVALID_KEY_BLOB",
	ErrorInvalidArgument:               "INVALID_ARGUMENT",
	ErrorUnsupportedTag:                "UNSUPPORTED_TAG",
	ErrorInvalidTag:                    "INVALID_TAG",
	ErrorSecureHwAccessDenied:          "SECURE_HW_ACCESS_DENIED",
	ErrorOperationCancelled:            "OPERATION_CANCELLED",
	ErrorSecureHwBusy:                  "SECURE_HW_BUSY",
	ErrorSecureHwCommunicationFailed:   "SECURE_HW_COMMUNICATION_FAILED",
	ErrorKeyRequiresUpgrade:            "KEY_REQUIRES_UPGRADE",
	ErrorAttestationChallengeMissing:   "ATTESTATION_CHALLENGE_MISSING",
	ErrorKeyMintNotConfigured:          "KEYMINT_NOT_CONFIGURED",
	ErrorCannotAttestIDs:               "CANNOT_ATTEST_IDS",
	ErrorDeviceLocked:                  "DEVICE_LOCKED",
	ErrorEarlyBootEnded:                "EARLY_BOOT_ENDED",
	ErrorAttestationKeysNotProvisioned: "ATTESTATION_KEYS_NOT_PROVISIONED",
	ErrorInvalidOperation:              "INVALID_OPERATION",
	ErrorHardwareNotYetAvailable:       "HARDWARE_NOT_YET_AVAILABLE",
	ErrorModuleHashAlreadySet:          "MODULE_HASH_ALREADY_SET",
	ErrorUnimplemented:                 "UNIMPLEMENTED",
	ErrorVersionMismatch:               "VERSION_MISMATCH",
	ErrorUnknown:                       "UNKNOWN_ERROR",
}

// ErrorFromWire converts the unsigned status of a response envelope into an ErrorCode.
func ErrorFromWire(v uint64) ErrorCode {
	return ErrorCode(int32(0 - v))
}

// Wire returns the unsigned value the applet uses to encode the code.
func (e ErrorCode) Wire() uint64 {
	return uint64(-int64(e))
}

func (e ErrorCode) String() string {
	if name, ok := errorNames[e]; ok {
		return name
	}
	return fmt.Sprintf("ErrorCode(%d)", int32(e))
}

func (e ErrorCode) Error() string {
	return fmt.Sprintf("keymint: %s (%d)", e.String(), int32(e))
}

// AsError returns nil for ErrorOK and the code itself otherwise.
func (e ErrorCode) AsError() error {
	if e == ErrorOK {
		return nil
	}
	return e
}
