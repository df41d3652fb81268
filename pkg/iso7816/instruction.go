package iso7816

import (
	"fmt"

	"github.com/gregLibert/strongbox-bridge/pkg/bits"
)

// INSTRUCTION BYTE (ISO/IEC 7816-4 section 5.1.2):
// INS values 6X and 9X collide with procedure bytes and status words on T=0
// and are refused. For interindustry commands an odd INS announces a BER-TLV
// data field.
//
// Proprietary classes such as the KeyMint CLA '80' define their own INS space;
// those codes are named by the layer that owns them.

// InsCode is the raw instruction byte.
type InsCode byte

// Interindustry instructions exchanged with the applet or its card manager.
const (
	INS_MANAGE_CHANNEL InsCode = 0x70
	INS_SELECT         InsCode = 0xA4
	INS_READ_BINARY    InsCode = 0xB0
	INS_GET_RESPONSE   InsCode = 0xC0
	INS_GET_DATA       InsCode = 0xCA
)

var insNames = map[InsCode]string{
	INS_MANAGE_CHANNEL: "MANAGE CHANNEL",
	INS_SELECT:         "SELECT",
	INS_READ_BINARY:    "READ BINARY",
	INS_GET_RESPONSE:   "GET RESPONSE",
	INS_GET_DATA:       "GET DATA",
}

func (i InsCode) String() string {
	if name, ok := insNames[i]; ok {
		return name
	}
	return fmt.Sprintf("INS %02X", byte(i))
}

// Instruction is a validated INS byte.
type Instruction struct {
	Raw      InsCode
	IsBERTLV bool
}

// NewInstruction validates ins.
func NewInstruction(ins InsCode) (Instruction, error) {
	switch byte(ins) & 0xF0 {
	case 0x60, 0x90:
		return Instruction{}, fmt.Errorf("invalid INS %02X: 6X and 9X are reserved", byte(ins))
	}
	return Instruction{Raw: ins, IsBERTLV: bits.IsSet(byte(ins), 1)}, nil
}

// Verbose describes the instruction for traces.
func (i Instruction) Verbose() string {
	format := "plain"
	if i.IsBERTLV {
		format = "BER-TLV"
	}
	return fmt.Sprintf("INS %02X (%s, %s)", byte(i.Raw), i.Raw, format)
}
