package iso7816

import (
	"fmt"
)

// SELECT BY DF NAME (INS 'A4', P1 '04'):
// Applets are only ever selected by AID. P2 packs two fields:
//
//	b4-b3  what the card returns (FCI, FCP, nothing)
//	b2-b1  which instance answers when several applets share the AID prefix
//
// A host that finds the first instance busy retries with NextOccurrence.

// SelectByDFName is the P1 value of a SELECT by AID.
const SelectByDFName byte = 0x04

const (
	occurrenceMask byte = 0b0000_00_11
	controlMask    byte = 0b0000_11_00
)

// FileOccurrence selects the instance among applets matching the AID (P2 b2-b1).
type FileOccurrence byte

const (
	FirstOrOnlyOccurrence FileOccurrence = 0b00
	LastOccurrence        FileOccurrence = 0b01
	NextOccurrence        FileOccurrence = 0b10
	PreviousOccurrence    FileOccurrence = 0b11
)

func (f FileOccurrence) String() string {
	switch f {
	case FirstOrOnlyOccurrence:
		return "First/Only"
	case LastOccurrence:
		return "Last"
	case NextOccurrence:
		return "Next"
	case PreviousOccurrence:
		return "Previous"
	default:
		return fmt.Sprintf("Occurrence(%02b)", byte(f))
	}
}

// SelectionControl is the response template requested from the card (P2 b4-b3).
type SelectionControl byte

const (
	ReturnFCI    SelectionControl = 0b00_00
	ReturnFCP    SelectionControl = 0b01_00
	ReturnNoData SelectionControl = 0b11_00
)

func (s SelectionControl) String() string {
	switch s {
	case ReturnFCI:
		return "Return FCI"
	case ReturnFCP:
		return "Return FCP"
	case ReturnNoData:
		return "No Response Data"
	default:
		return fmt.Sprintf("Control(%04b)", byte(s))
	}
}

// SelectCommand builds a SELECT by DF name.
//
// Le is left out: on T=0 a command cannot carry both Lc and Le, and the card
// signals its FCI with '61 XX', which the Client fetches.
func SelectCommand(cla Class, aid []byte, occurrence FileOccurrence, ctrl SelectionControl) *CommandAPDU {
	ins, _ := NewInstruction(INS_SELECT)
	p2 := byte(ctrl)&controlMask | byte(occurrence)&occurrenceMask
	return NewCommandAPDU(cla, ins, SelectByDFName, p2, aid, 0)
}

// SelectOccurrence selects the given instance of aid and asks for its FCI.
func SelectOccurrence(cla Class, aid []byte, occurrence FileOccurrence) *CommandAPDU {
	return SelectCommand(cla, aid, occurrence, ReturnFCI)
}

// SelectByAID selects the first or only instance of aid.
func SelectByAID(cla Class, aid []byte) *CommandAPDU {
	return SelectOccurrence(cla, aid, FirstOrOnlyOccurrence)
}

// ParseSelectP2 splits the P2 byte of a SELECT.
func ParseSelectP2(p2 byte) (SelectionControl, FileOccurrence) {
	return SelectionControl(p2 & controlMask), FileOccurrence(p2 & occurrenceMask)
}
