package keymint

// HardwareAuthToken proves that a user authenticated recently.
type HardwareAuthToken struct {
	Challenge         int64
	UserID            int64
	AuthenticatorID   int64
	AuthenticatorType HardwareAuthenticatorType
	TimestampMillis   int64
	MAC               []byte
}

// TimeStampToken binds a challenge to the secure clock.
type TimeStampToken struct {
	Challenge       int64
	TimestampMillis int64
	MAC             []byte
}

// SharedSecretParameters is one participant's contribution to the shared HMAC key agreement.
type SharedSecretParameters struct {
	Seed  []byte
	Nonce []byte
}

// SharedSecretFallbackSize is the size of the all-zero seed and nonce reported
// when the applet could not be reached at boot.
const SharedSecretFallbackSize = 32

// ZeroSharedSecretParameters returns the all-zero parameters used when the applet
// never answered the shared-secret query.
func ZeroSharedSecretParameters() SharedSecretParameters {
	return SharedSecretParameters{
		Seed:  make([]byte, SharedSecretFallbackSize),
		Nonce: make([]byte, SharedSecretFallbackSize),
	}
}

// HardwareInfo describes the KeyMint implementation hosted by the applet.
type HardwareInfo struct {
	Version                int32
	SecurityLevel          SecurityLevel
	KeyMintName            string
	KeyMintAuthor          string
	TimestampTokenRequired bool
}

// BeginResult is returned when an operation is started.
type BeginResult struct {
	Challenge int64
	Params    []KeyParameter
	OpHandle  uint64
	BufMode   uint64
	MacLength uint64
}
