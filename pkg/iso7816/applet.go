package iso7816

import (
	"errors"
	"fmt"
	"strings"

	"github.com/moov-io/bertlv"

	"github.com/gregLibert/strongbox-bridge/pkg/tlv"
)

// APPLET SELECTION RESPONSE:
// A successful SELECT of the StrongBox applet answers
//
//	[FCI '6F' template] || upgrade status || 90 00
//
// The status byte is the last data byte. Bit 0x02 set means the applet is being
// upgraded and only the early-boot commands are served until the upgrade ends.

// UpgradeInProgressMask flags an applet upgrade in the status byte.
const UpgradeInProgressMask byte = 0x02

var ErrEmptySelectResponse = errors.New("iso7816: empty applet select response")

// AppletFCI is the FCI template ('6F') of the applet.
type AppletFCI struct {
	DFName      []byte             `tlv:"84"`
	Proprietary *AppletProprietary `tlv:"A5"`

	Unknown []bertlv.TLV `tlv:",unknown"`
}

// AppletProprietary is the proprietary data ('A5') of the applet FCI.
type AppletProprietary struct {
	Label   []byte `tlv:"50" fmt:"ascii"`
	Version []byte `tlv:"9F08" fmt:"int"`

	Unknown []bertlv.TLV `tlv:",unknown"`
}

// AppletSelectResponse is the parsed data field of an applet SELECT response.
type AppletSelectResponse struct {
	FCI    *AppletFCI
	Status byte
}

type fciEnvelope struct {
	FCI *AppletFCI `tlv:"6F"`
}

// ParseAppletSelect parses the data field (status word removed) of a SELECT
// response. A response made of the status byte alone has no FCI.
func ParseAppletSelect(data []byte) (*AppletSelectResponse, error) {
	if len(data) == 0 {
		return nil, ErrEmptySelectResponse
	}

	r := &AppletSelectResponse{Status: data[len(data)-1]}
	body := data[:len(data)-1]
	if len(body) == 0 {
		return r, nil
	}

	packets, err := bertlv.Decode(body)
	if err != nil {
		return nil, fmt.Errorf("BER-TLV decode failed: %w", err)
	}

	var env fciEnvelope
	if err := tlv.UnmarshalFromPackets(packets, &env); err != nil {
		return nil, err
	}
	if env.FCI == nil {
		// No '6F' wrapper: the template content was sent flat.
		env.FCI = &AppletFCI{}
		if err := tlv.UnmarshalFromPackets(packets, env.FCI); err != nil {
			return nil, err
		}
	}
	r.FCI = env.FCI
	return r, nil
}

// UpgradeInProgress reports whether the applet flagged an ongoing upgrade.
func (r *AppletSelectResponse) UpgradeInProgress() bool {
	return r.Status&UpgradeInProgressMask != 0
}

// Bytes encodes the data field: the FCI, if any, then the status byte.
func (r *AppletSelectResponse) Bytes() ([]byte, error) {
	var out []byte
	if r.FCI != nil {
		enc, err := tlv.Marshal(&fciEnvelope{FCI: r.FCI})
		if err != nil {
			return nil, err
		}
		out = enc
	}
	return append(out, r.Status), nil
}

// Describe returns a human-readable report of the selection.
func (r *AppletSelectResponse) Describe() string {
	var sb strings.Builder

	sb.WriteString("=== APPLET SELECT REPORT ===\n")
	state := "Idle"
	if r.UpgradeInProgress() {
		state = "Upgrade in progress"
	}
	fmt.Fprintf(&sb, "    - Status: %02X (%s)", r.Status, state)

	if r.FCI == nil {
		sb.WriteString("\n    - No FCI returned")
		return sb.String()
	}
	tlv.WriteStructFields(&sb, "FCI", r.FCI)
	return sb.String()
}
