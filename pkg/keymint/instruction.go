package keymint

import "fmt"

// Instruction is the INS byte of a StrongBox command. Values are a compatibility
// contract with the applet firmware and must never be renumbered.
type Instruction byte

const (
	insBase       = 0x20
	insVendorBase = 0xD0
)

// Key lifecycle, shared secret and device lifecycle.
const (
	INS_GENERATE_KEY            Instruction = insBase + 1
	INS_IMPORT_KEY              Instruction = insBase + 2
	INS_IMPORT_WRAPPED_KEY      Instruction = insBase + 3
	INS_EXPORT_KEY              Instruction = insBase + 4
	INS_ATTEST_KEY              Instruction = insBase + 5
	INS_UPGRADE_KEY             Instruction = insBase + 6
	INS_DELETE_KEY              Instruction = insBase + 7
	INS_DELETE_ALL_KEYS         Instruction = insBase + 8
	INS_ADD_RNG_ENTROPY         Instruction = insBase + 9
	INS_COMPUTE_SHARED_SECRET   Instruction = insBase + 10
	INS_DESTROY_ATT_IDS         Instruction = insBase + 11
	INS_VERIFY_AUTHORIZATION    Instruction = insBase + 12
	INS_GET_SHARED_SECRET_PARAM Instruction = insBase + 13
	INS_GET_KEY_CHARACTERISTICS Instruction = insBase + 14
	INS_GET_HW_INFO             Instruction = insBase + 15
	INS_BEGIN_OPERATION         Instruction = insBase + 16
	INS_UPDATE_OPERATION        Instruction = insBase + 17
	INS_FINISH_OPERATION        Instruction = insBase + 18
	INS_ABORT_OPERATION         Instruction = insBase + 19
	INS_DEVICE_LOCKED           Instruction = insBase + 20
	INS_EARLY_BOOT_ENDED        Instruction = insBase + 21
	INS_GET_CERT_CHAIN          Instruction = insBase + 22
	INS_UPDATE_AAD_OPERATION    Instruction = insBase + 23
	INS_BEGIN_IMPORT_WRAPPED    Instruction = insBase + 24
	INS_FINISH_IMPORT_WRAPPED   Instruction = insBase + 25
)

// Remote key provisioning.
const (
	INS_GET_RKP_HARDWARE_INFO Instruction = insBase + 27
	INS_GENERATE_RKP_KEY      Instruction = insBase + 28
	INS_BEGIN_SEND_DATA       Instruction = insBase + 29
	INS_UPDATE_KEY            Instruction = insBase + 30
	INS_UPDATE_EEK_CHAIN      Instruction = insBase + 31
	INS_UPDATE_CHALLENGE      Instruction = insBase + 32
	INS_FINISH_SEND_DATA      Instruction = insBase + 33
	INS_GET_RESPONSE          Instruction = insBase + 34
	INS_GET_UDS_CERTS         Instruction = insBase + 35
	INS_GET_DICE_CERT_CHAIN   Instruction = insBase + 36
)

// Root of trust and attestation info.
const (
	INS_GET_ROT_CHALLENGE               Instruction = insBase + 45
	INS_GET_ROT_DATA                    Instruction = insBase + 46
	INS_SEND_ROT_DATA                   Instruction = insBase + 47
	INS_SET_ADDITIONAL_ATTESTATION_INFO Instruction = insBase + 49
)

// Vendor range.
const (
	INS_INIT_STRONGBOX Instruction = insVendorBase + 9
)

var instructionNames = map[Instruction]string{
	INS_GENERATE_KEY:                    "GENERATE_KEY",
	INS_IMPORT_KEY:                      "IMPORT_KEY",
	INS_IMPORT_WRAPPED_KEY:              "IMPORT_WRAPPED_KEY",
	INS_EXPORT_KEY:                      "EXPORT_KEY",
	INS_ATTEST_KEY:                      "ATTEST_KEY",
	INS_UPGRADE_KEY:                     "UPGRADE_KEY",
	INS_DELETE_KEY:                      "DELETE_KEY",
	INS_DELETE_ALL_KEYS:                 "DELETE_ALL_KEYS",
	INS_ADD_RNG_ENTROPY:                 "ADD_RNG_ENTROPY",
	INS_COMPUTE_SHARED_SECRET:           "COMPUTE_SHARED_SECRET",
	INS_DESTROY_ATT_IDS:                 "DESTROY_ATT_IDS",
	INS_VERIFY_AUTHORIZATION:            "VERIFY_AUTHORIZATION",
	INS_GET_SHARED_SECRET_PARAM:         "GET_SHARED_SECRET_PARAM",
	INS_GET_KEY_CHARACTERISTICS:         "GET_KEY_CHARACTERISTICS",
	INS_GET_HW_INFO:                     "GET_HW_INFO",
	INS_BEGIN_OPERATION:                 "BEGIN_OPERATION",
	INS_UPDATE_OPERATION:                "UPDATE_OPERATION",
	INS_FINISH_OPERATION:                "FINISH_OPERATION",
	INS_ABORT_OPERATION:                 "ABORT_OPERATION",
	INS_DEVICE_LOCKED:                   "DEVICE_LOCKED",
	INS_EARLY_BOOT_ENDED:                "EARLY_BOOT_ENDED",
	INS_GET_CERT_CHAIN:                  "GET_CERT_CHAIN",
	INS_UPDATE_AAD_OPERATION:            "UPDATE_AAD_OPERATION",
	INS_BEGIN_IMPORT_WRAPPED:            "BEGIN_IMPORT_WRAPPED",
	INS_FINISH_IMPORT_WRAPPED:           "FINISH_IMPORT_WRAPPED",
	INS_GET_RKP_HARDWARE_INFO:           "GET_RKP_HARDWARE_INFO",
	INS_GENERATE_RKP_KEY:                "GENERATE_RKP_KEY",
	INS_BEGIN_SEND_DATA:                 "BEGIN_SEND_DATA",
	INS_UPDATE_KEY:                      "UPDATE_KEY",
	INS_UPDATE_EEK_CHAIN:                "UPDATE_EEK_CHAIN",
	INS_UPDATE_CHALLENGE:                "UPDATE_CHALLENGE",
	INS_FINISH_SEND_DATA:                "FINISH_SEND_DATA",
	INS_GET_RESPONSE:                    "GET_RESPONSE",
	INS_GET_UDS_CERTS:                   "GET_UDS_CERTS",
	INS_GET_DICE_CERT_CHAIN:             "GET_DICE_CERT_CHAIN",
	INS_GET_ROT_CHALLENGE:               "GET_ROT_CHALLENGE",
	INS_GET_ROT_DATA:                    "GET_ROT_DATA",
	INS_SEND_ROT_DATA:                   "SEND_ROT_DATA",
	INS_SET_ADDITIONAL_ATTESTATION_INFO: "SET_ADDITIONAL_ATTESTATION_INFO",
	INS_INIT_STRONGBOX:                  "INIT_STRONGBOX",
}

func (i Instruction) String() string {
	if name, ok := instructionNames[i]; ok {
		return name
	}
	return fmt.Sprintf("Instruction(0x%02X)", byte(i))
}

// EarlyBootAllowList holds the commands the applet accepts before the framework
// has finished provisioning it: card init and the shared-secret handshake.
var EarlyBootAllowList = []Instruction{
	INS_INIT_STRONGBOX,
	INS_COMPUTE_SHARED_SECRET,
	INS_GET_SHARED_SECRET_PARAM,
}

// AlwaysAllowed is accepted even after early boot has ended and access is revoked.
const AlwaysAllowed = INS_EARLY_BOOT_ENDED
