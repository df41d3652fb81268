package codec

import "github.com/gregLibert/strongbox-bridge/pkg/keymint"

// Fixed-shape structures. Signed model fields travel as unsigned integers.

type sharedSecretWire struct {
	_     struct{} `cbor:",toarray"`
	Seed  []byte
	Nonce []byte
}

func (w sharedSecretWire) model() keymint.SharedSecretParameters {
	return keymint.SharedSecretParameters{Seed: w.Seed, Nonce: w.Nonce}
}

type timeStampWire struct {
	_         struct{} `cbor:",toarray"`
	Challenge uint64
	Timestamp uint64
	MAC       []byte
}

func (w timeStampWire) model() keymint.TimeStampToken {
	return keymint.TimeStampToken{
		Challenge:       int64(w.Challenge),
		TimestampMillis: int64(w.Timestamp),
		MAC:             w.MAC,
	}
}

type authTokenWire struct {
	_                 struct{} `cbor:",toarray"`
	Challenge         uint64
	UserID            uint64
	AuthenticatorID   uint64
	AuthenticatorType uint64
	Timestamp         uint64
	MAC               []byte
}

func (w authTokenWire) model() keymint.HardwareAuthToken {
	return keymint.HardwareAuthToken{
		Challenge:         int64(w.Challenge),
		UserID:            int64(w.UserID),
		AuthenticatorID:   int64(w.AuthenticatorID),
		AuthenticatorType: keymint.HardwareAuthenticatorType(w.AuthenticatorType),
		TimestampMillis:   int64(w.Timestamp),
		MAC:               w.MAC,
	}
}
