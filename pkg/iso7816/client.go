package iso7816

import (
	"fmt"
)

// The Client drives a Transmitter and hides the T=0 procedure status words:
//
//   - 61XX: XX more bytes wait on the card. A GET RESPONSE on the same logical
//     channel fetches them (XX = 00 means 256).
//   - 6CXX: Le was wrong. The command is re-issued with Le = XX.
//
// Send returns the Trace of every exchange made for the logical command.

// Transmitter abstracts the physical card connection.
type Transmitter interface {
	Transmit(cmd []byte) ([]byte, error)
}

// Client manages the high-level communication with the card.
type Client struct {
	Card Transmitter
}

// NewClient creates a new Client instance.
func NewClient(card Transmitter) *Client {
	return &Client{Card: card}
}

// Send transmits a command and handles protocol logic (61xx, 6Cxx).
func (c *Client) Send(cmd *CommandAPDU) (Trace, error) {
	rawCmd, err := cmd.Bytes()
	if err != nil {
		return nil, fmt.Errorf("encoding error: %w", err)
	}

	rawResp, err := c.Card.Transmit(rawCmd)
	if err != nil {
		return nil, fmt.Errorf("transmission error: %w", err)
	}

	resp, err := ParseResponseAPDU(rawResp)
	if err != nil {
		return nil, err
	}

	trace := Trace{{Command: cmd, Response: resp}}

	var next *CommandAPDU
	switch resp.Status.SW1() {
	case 0x61:
		cls := cmd.Class.WithChaining(false)
		ins, _ := NewInstruction(INS_GET_RESPONSE)
		next = NewCommandAPDU(cls, ins, 0x00, 0x00, nil, shortLe(resp.Status.SW2()))
	case 0x6C:
		retry := *cmd
		retry.Ne = shortLe(resp.Status.SW2())
		if retry.Ne == cmd.Ne {
			return trace, nil
		}
		next = &retry
	default:
		return trace, nil
	}

	sub, err := c.Send(next)
	trace = append(trace, sub...)
	return trace, err
}

// Transmit sends an already encoded C-APDU through Send and returns the
// logical response: the data of every round followed by the final status word.
func (c *Client) Transmit(raw []byte) ([]byte, error) {
	cmd, err := ParseCommandAPDU(raw)
	if err != nil {
		return nil, err
	}
	trace, err := c.Send(cmd)
	if err != nil {
		return nil, err
	}
	return trace.Bytes(), nil
}
