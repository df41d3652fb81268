package service

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/gregLibert/strongbox-bridge/pkg/codec"
	"github.com/gregLibert/strongbox-bridge/pkg/keymint"
)

// DefaultSharedSecretRetries is the number of communication failures reported
// to the caller before GetSharedSecretParameters falls back to zeros.
const DefaultSharedSecretRetries = 60

// SharedSecret negotiates the HMAC key shared with the other KeyMint instances.
type SharedSecret struct {
	req     Requester
	log     *slog.Logger
	retries int

	mu       sync.Mutex
	failures int
}

// NewSharedSecret returns the shared-secret service. A retries value of zero
// or less selects DefaultSharedSecretRetries.
func NewSharedSecret(req Requester, retries int, log *slog.Logger) *SharedSecret {
	if retries <= 0 {
		retries = DefaultSharedSecretRetries
	}
	if log == nil {
		log = slog.Default()
	}
	return &SharedSecret{req: req, retries: retries, log: log.With("component", "sharedsecret")}
}

// GetSharedSecretParameters returns the applet's seed and nonce. Communication
// failures are returned until the retry budget is spent; from then on, and for
// any other failure, the all-zero parameters are returned so the framework
// can complete its handshake.
func (s *SharedSecret) GetSharedSecretParameters() (keymint.SharedSecretParameters, error) {
	arr, err := s.req.Request(keymint.INS_GET_SHARED_SECRET_PARAM, nil)
	if err != nil {
		s.mu.Lock()
		defer s.mu.Unlock()

		if errors.Is(err, keymint.ErrorSecureHwCommunicationFailed) && s.failures < s.retries {
			s.failures++
			s.log.Warn("shared secret parameters unavailable", "attempt", s.failures, "error", err)
			return keymint.SharedSecretParameters{}, err
		}
		s.log.Error("falling back to zero shared secret parameters", "error", err)
		return keymint.ZeroSharedSecretParameters(), nil
	}

	params, ok := arr.SharedSecretParameters(1)
	if !ok {
		return keymint.SharedSecretParameters{}, malformed(keymint.INS_GET_SHARED_SECRET_PARAM, "parameters")
	}
	return params, nil
}

// ComputeSharedSecret sends every participant's parameters and returns the
// sharing check value.
func (s *SharedSecret) ComputeSharedSecret(params []keymint.SharedSecretParameters) ([]byte, error) {
	req := codec.NewRequest().AddSharedSecretParameters(params)
	arr, err := s.req.RequestArray(keymint.INS_COMPUTE_SHARED_SECRET, req)
	if err != nil {
		return nil, err
	}
	check, ok := arr.Bytes(1)
	if !ok {
		return nil, malformed(keymint.INS_COMPUTE_SHARED_SECRET, "sharing check")
	}
	return check, nil
}
