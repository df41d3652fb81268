package iso7816

import "fmt"

// MANAGE CHANNEL (INS '70'), ISO/IEC 7816-4 section 11.1.2.
//
//	P1 = 00  open a channel. P2 = 00 lets the card pick the number and
//	         return it as a single data byte.
//	P1 = 80  close the channel numbered by P2.
//
// The command itself is sent on the basic channel (or on any open channel).

const (
	manageChannelOpen  byte = 0x00
	manageChannelClose byte = 0x80
)

// OpenChannelCommand asks the card to open a logical channel and report its number.
func OpenChannelCommand(cla Class) *CommandAPDU {
	ins, _ := NewInstruction(INS_MANAGE_CHANNEL)
	return NewCommandAPDU(cla, ins, manageChannelOpen, 0x00, nil, 1)
}

// CloseChannelCommand closes logical channel ch. The basic channel cannot be closed.
func CloseChannelCommand(cla Class, ch uint8) (*CommandAPDU, error) {
	if ch == 0 {
		return nil, fmt.Errorf("the basic channel cannot be closed")
	}
	ins, _ := NewInstruction(INS_MANAGE_CHANNEL)
	return NewCommandAPDU(cla, ins, manageChannelClose, ch, nil, 0), nil
}

// ParseOpenChannel extracts the channel number from a MANAGE CHANNEL open trace.
func ParseOpenChannel(t Trace) (uint8, error) {
	last := t.Last()
	if last == nil || !t.IsSuccess() {
		return 0, fmt.Errorf("manage channel failed: %s", t.Status())
	}
	data := t.Data()
	if len(data) != 1 {
		return 0, fmt.Errorf("manage channel returned %d bytes, want 1", len(data))
	}
	if data[0] == 0 || data[0] > 19 {
		return 0, fmt.Errorf("manage channel returned invalid channel %d", data[0])
	}
	return data[0], nil
}
