/*
Package service exposes the KeyMint, SharedSecret and remote provisioning
operations of the StrongBox applet on top of a session.

Each method builds the positional request array for one instruction, sends it
and reads the positional response. Only ImportWrappedKey and
GenerateCertificateRequest need more than one exchange.

A response that lacks an expected element fails with keymint.ErrorUnknown.
*/
package service

import (
	"fmt"

	"github.com/gregLibert/strongbox-bridge/pkg/codec"
	"github.com/gregLibert/strongbox-bridge/pkg/keymint"
)

// Requester sends requests to the applet. *session.Manager implements it.
type Requester interface {
	Request(ins keymint.Instruction, payload []byte) (codec.Array, error)
	RequestArray(ins keymint.Instruction, req *codec.Request) (codec.Array, error)
	SetOperationState(state keymint.CryptoOperationState)
	SetDeleteAllKeysPending()
	SetEarlyBootEndedPending()
}

func malformed(ins keymint.Instruction, element string) error {
	return fmt.Errorf("%s: response has no valid %s: %w", ins, element, keymint.ErrorUnknown)
}
