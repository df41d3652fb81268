package iso7816

import (
	"fmt"

	"github.com/gregLibert/strongbox-bridge/pkg/bits"
)

// STATUS WORDS (ISO/IEC 7816-4 section 5.6):
//
//	90 00        success
//	61 XX        success, XX more bytes to fetch with GET RESPONSE
//	62 XX, 63 XX warning, the command was processed
//	64 XX..6F XX error, the command was not processed
//
// Three families carry a value in SW2:
//
//	6C XX         wrong Le, XX is the right one
//	62 XX / 64 XX XX in [02, 80]: the card asks for XX bytes to be queried
//	63 CX         counter X, typically remaining PIN tries

// StatusWord is SW1 || SW2.
type StatusWord uint16

func NewStatusWord(sw1, sw2 byte) StatusWord {
	return StatusWord(uint16(sw1)<<8 | uint16(sw2))
}

func (sw StatusWord) SW1() byte { return byte(sw >> 8) }

func (sw StatusWord) SW2() byte { return byte(sw) }

// Status words the bridge produces or reacts to.
const (
	SW_NO_ERROR StatusWord = 0x9000

	SW_ERR_EXEC_NO_INFO             StatusWord = 0x6400
	SW_ERR_WRONG_LENGTH             StatusWord = 0x6700
	SW_ERR_LOGICAL_CHANNEL_NOT_SUPP StatusWord = 0x6881
	SW_ERR_SECURITY_STATUS_NOT_SAT  StatusWord = 0x6982
	SW_ERR_COND_OF_USE_NOT_SAT      StatusWord = 0x6985
	SW_ERR_INCORRECT_PARAMS_DATA    StatusWord = 0x6A80
	SW_ERR_FUNC_NOT_SUPPORTED       StatusWord = 0x6A81
	SW_ERR_FILE_NOT_FOUND           StatusWord = 0x6A82
	SW_ERR_INCORRECT_PARAMS_P1P2    StatusWord = 0x6A86
	SW_ERR_INS_INVALID              StatusWord = 0x6D00
	SW_ERR_CLA_NOT_SUPPORTED        StatusWord = 0x6E00
	SW_ERR_UNKNOWN                  StatusWord = 0x6F00
)

var statusWordNames = map[StatusWord]string{
	SW_NO_ERROR:                     "SW_NO_ERROR",
	SW_ERR_EXEC_NO_INFO:             "SW_ERR_EXEC_NO_INFO",
	SW_ERR_WRONG_LENGTH:             "SW_ERR_WRONG_LENGTH",
	SW_ERR_LOGICAL_CHANNEL_NOT_SUPP: "SW_ERR_LOGICAL_CHANNEL_NOT_SUPP",
	SW_ERR_SECURITY_STATUS_NOT_SAT:  "SW_ERR_SECURITY_STATUS_NOT_SAT",
	SW_ERR_COND_OF_USE_NOT_SAT:      "SW_ERR_COND_OF_USE_NOT_SAT",
	SW_ERR_INCORRECT_PARAMS_DATA:    "SW_ERR_INCORRECT_PARAMS_DATA",
	SW_ERR_FUNC_NOT_SUPPORTED:       "SW_ERR_FUNC_NOT_SUPPORTED",
	SW_ERR_FILE_NOT_FOUND:           "SW_ERR_FILE_NOT_FOUND",
	SW_ERR_INCORRECT_PARAMS_P1P2:    "SW_ERR_INCORRECT_PARAMS_P1P2",
	SW_ERR_INS_INVALID:              "SW_ERR_INS_INVALID",
	SW_ERR_CLA_NOT_SUPPORTED:        "SW_ERR_CLA_NOT_SUPPORTED",
	SW_ERR_UNKNOWN:                  "SW_ERR_UNKNOWN",
}

// families describes every status by SW1 when no exact name is known.
var families = map[byte]string{
	0x62: "warning, non-volatile memory unchanged",
	0x63: "warning, non-volatile memory changed",
	0x64: "execution error, non-volatile memory unchanged",
	0x65: "execution error, non-volatile memory changed",
	0x66: "execution error, security related",
	0x67: "checking error, wrong length",
	0x68: "checking error, CLA function not supported",
	0x69: "checking error, command not allowed",
	0x6A: "checking error, wrong parameters P1-P2",
	0x6B: "checking error, wrong parameters P1-P2",
	0x6D: "checking error, INS not supported",
	0x6E: "checking error, CLA not supported",
	0x6F: "checking error, no precise diagnosis",
}

// IsTriggeringByCard reports a 62XX or 64XX status asking for XX bytes to be queried.
func (sw StatusWord) IsTriggeringByCard() bool {
	sw2 := sw.SW2()
	return (sw.SW1() == 0x62 || sw.SW1() == 0x64) && sw2 >= 0x02 && sw2 <= 0x80
}

// IsCounter reports a 63CX status.
func (sw StatusWord) IsCounter() bool {
	return sw.SW1() == 0x63 && bits.GetRange(sw.SW2(), 8, 5) == 0x0C
}

// IsSuccess reports 9000 or 61XX.
func (sw StatusWord) IsSuccess() bool {
	return sw == SW_NO_ERROR || sw.SW1() == 0x61
}

func (sw StatusWord) IsWarning() bool {
	return sw.SW1() == 0x62 || sw.SW1() == 0x63
}

func (sw StatusWord) IsError() bool {
	return sw.SW1() >= 0x64 && sw.SW1() <= 0x6F
}

// Verbose describes the status for traces and logs.
func (sw StatusWord) Verbose() string {
	sw1, sw2 := sw.SW1(), sw.SW2()

	var desc string
	switch {
	case sw1 == 0x61:
		desc = fmt.Sprintf("%d bytes available", sw2)
	case sw1 == 0x6C:
		desc = fmt.Sprintf("wrong Le, expected %d", sw2)
	case sw.IsTriggeringByCard():
		desc = fmt.Sprintf("card expects a query of %d bytes", sw2)
	case sw.IsCounter():
		desc = fmt.Sprintf("counter = %d", bits.GetRange(sw2, 4, 1))
	default:
		if name, ok := statusWordNames[sw]; ok {
			desc = name
		} else if family, ok := families[sw1]; ok {
			desc = family
		} else {
			desc = "unknown status"
		}
	}
	return fmt.Sprintf("[%04X] %s", uint16(sw), desc)
}

// String returns the constant name of a known status word, or its hex value.
func (sw StatusWord) String() string {
	if name, ok := statusWordNames[sw]; ok {
		return name
	}
	return fmt.Sprintf("StatusWord(0x%04X)", uint16(sw))
}
