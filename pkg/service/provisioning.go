package service

import (
	"log/slog"

	"github.com/gregLibert/strongbox-bridge/pkg/codec"
	"github.com/gregLibert/strongbox-bridge/pkg/keymint"
)

// RpcHardwareInfo describes the remote provisioning component of the applet.
type RpcHardwareInfo struct {
	VersionNumber         int32
	AuthorName            string
	SupportedEekCurve     int32
	UniqueID              string
	SupportedNumKeysInCsr int32
}

// MacedPublicKey is a freshly generated attestation key pair as seen by the host:
// the MACed COSE public key and the opaque private key handle.
type MacedPublicKey struct {
	MacedKey  []byte
	KeyHandle []byte
}

// Provisioning is the remote key provisioning service of the applet.
type Provisioning struct {
	req Requester
	log *slog.Logger
}

// NewProvisioning returns the provisioning service. A nil logger selects slog.Default.
func NewProvisioning(req Requester, log *slog.Logger) *Provisioning {
	if log == nil {
		log = slog.Default()
	}
	return &Provisioning{req: req, log: log.With("component", "provisioning")}
}

func (p *Provisioning) GetHardwareInfo() (RpcHardwareInfo, error) {
	const ins = keymint.INS_GET_RKP_HARDWARE_INFO
	arr, err := p.req.Request(ins, nil)
	if err != nil {
		return RpcHardwareInfo{}, err
	}

	version, ok1 := arr.Uint64(1)
	author, ok2 := arr.Text(2)
	curve, ok3 := arr.Uint64(3)
	uniqueID, ok4 := arr.Text(4)
	numKeys, ok5 := arr.Uint64(5)
	if !ok1 || !ok2 || !ok3 || !ok4 || !ok5 {
		return RpcHardwareInfo{}, malformed(ins, "hardware info")
	}
	return RpcHardwareInfo{
		VersionNumber:         int32(version),
		AuthorName:            author,
		SupportedEekCurve:     int32(curve),
		UniqueID:              uniqueID,
		SupportedNumKeysInCsr: int32(numKeys),
	}, nil
}

func (p *Provisioning) GenerateEcdsaP256KeyPair(testMode bool) (MacedPublicKey, error) {
	const ins = keymint.INS_GENERATE_RKP_KEY
	arr, err := p.req.RequestArray(ins, codec.NewRequest().AddBool(testMode))
	if err != nil {
		return MacedPublicKey{}, err
	}
	maced, ok1 := arr.Bytes(1)
	handle, ok2 := arr.Bytes(2)
	if !ok1 || !ok2 {
		return MacedPublicKey{}, malformed(ins, "key pair")
	}
	return MacedPublicKey{MacedKey: maced, KeyHandle: handle}, nil
}

// GenerateCertificateRequest streams the keys to sign to the applet and
// returns the signed CSR: one begin exchange announcing the key count and
// challenge, one exchange per key, then the finishing exchange.
func (p *Provisioning) GenerateCertificateRequest(keys [][]byte, challenge []byte) ([]byte, error) {
	begin := codec.NewRequest().AddUint(uint64(len(keys))).AddBytes(challenge)
	if _, err := p.req.RequestArray(keymint.INS_BEGIN_SEND_DATA, begin); err != nil {
		return nil, err
	}

	for i, key := range keys {
		if _, err := p.req.RequestArray(keymint.INS_UPDATE_KEY, codec.NewRequest().AddBytes(key)); err != nil {
			p.log.Error("sending key to sign failed", "index", i, "error", err)
			return nil, err
		}
	}

	const ins = keymint.INS_FINISH_SEND_DATA
	arr, err := p.req.Request(ins, nil)
	if err != nil {
		return nil, err
	}
	csr, ok := arr.Bytes(1)
	if !ok {
		return nil, malformed(ins, "certificate request")
	}
	return csr, nil
}
