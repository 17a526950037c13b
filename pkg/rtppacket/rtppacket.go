// Package rtppacket implements the RTP fixed-header wire format
// (spec.md section 4.1), wrapping github.com/pion/rtp for the bit-level
// marshal/unmarshal and adding the validation contract the spec requires
// on top: version/padding/CSRC bounds checking, the RTP/RTCP marker+
// payload-type disambiguation check, and a configurable maximum packet
// size on the builder side.
package rtppacket

import (
	"time"

	"github.com/pion/rtp"

	"github.com/nanortp/rtpsession/pkg/rtperrors"
)

const component = "rtppacket"

// fixedHeaderSize is the minimum size of a well-formed RTP packet: the
// 12-byte fixed header with zero CSRCs.
const fixedHeaderSize = 12

// maxCSRCCount is the largest CSRC count representable in the 4-bit CC
// field.
const maxCSRCCount = 15

// ambiguousPayloadTypes are the low 7 bits of RTCP SR (200) and RR (201),
// reserved by RFC 3550 so that RTP and RTCP can be told apart on a shared
// port even when demultiplexing by the marker bit.
var ambiguousPayloadTypes = map[uint8]bool{72: true, 73: true}

// Packet is a parsed RTP packet together with the time it was received.
type Packet struct {
	*rtp.Packet
	ReceivedAt time.Time
}

// Extension is a single RTP header extension (spec.md section 4.1): a
// 16-bit identifying profile, and the payload carried under it. The spec's
// wire format has exactly one such extension block per packet (the plain
// RFC 3550 extension mechanism, not RFC 8285 multiplexing).
type Extension struct {
	ID      uint16
	Payload []byte
}

// GetExtension returns the packet's header extension, if present.
func (p *Packet) GetExtension() (Extension, bool) {
	if !p.Header.Extension || len(p.Header.Extensions) == 0 {
		return Extension{}, false
	}
	return Extension{ID: p.Header.ExtensionProfile, Payload: p.Header.GetExtension(0)}, true
}

// Parse parses a raw RTP packet per spec.md section 4.1's parser contract.
func Parse(buf []byte, receivedAt time.Time) (*Packet, error) {
	if len(buf) < fixedHeaderSize {
		return nil, rtperrors.ProtocolError(component, "packet shorter than fixed header")
	}

	version := buf[0] >> 6
	if version != 2 {
		return nil, rtperrors.ProtocolError(component, "unsupported RTP version")
	}

	hasPadding := buf[0]&0x20 != 0
	csrcCount := int(buf[0] & 0x0F)
	marker := buf[1]&0x80 != 0
	payloadType := buf[1] & 0x7F

	if marker && ambiguousPayloadTypes[payloadType] {
		return nil, rtperrors.ProtocolError(component,
			"marker set with RTCP SR/RR payload type: ambiguous with RTCP")
	}

	// pion/rtp validates CSRC/extension/padding bounds against the total
	// length internally and returns an error if they overrun; surface that
	// as our own ProtocolError rather than pion's.
	if fixedHeaderSize+4*csrcCount > len(buf) {
		return nil, rtperrors.ProtocolError(component, "CSRC list exceeds packet length")
	}

	if hasPadding {
		padLen := int(buf[len(buf)-1])
		if padLen == 0 || padLen > len(buf) {
			return nil, rtperrors.ProtocolError(component, "invalid padding length")
		}
	}

	pkt := &rtp.Packet{}
	if err := pkt.Unmarshal(buf); err != nil {
		return nil, rtperrors.ProtocolErrorWrap(component, "malformed RTP packet", err)
	}

	return &Packet{Packet: pkt, ReceivedAt: receivedAt}, nil
}

// Builder assembles outgoing RTP packets, enforcing the builder-side
// validation contract of spec.md section 4.1.
type Builder struct {
	// MaxPacketSize bounds the marshaled packet size. Zero disables the
	// check.
	MaxPacketSize int
}

// Marshal validates and serializes an RTP packet.
func (b Builder) Marshal(pkt *rtp.Packet) ([]byte, error) {
	if pkt.PayloadType > 127 || ambiguousPayloadTypes[pkt.PayloadType] {
		return nil, rtperrors.InvalidParameter(component, "invalid or ambiguous payload type")
	}
	if len(pkt.CSRC) > maxCSRCCount {
		return nil, rtperrors.InvalidParameter(component, "too many CSRCs")
	}

	buf, err := pkt.Marshal()
	if err != nil {
		return nil, rtperrors.ProtocolErrorWrap(component, "failed to marshal RTP packet", err)
	}

	if b.MaxPacketSize > 0 && len(buf) > b.MaxPacketSize {
		return nil, rtperrors.ResourceError(component, "packet exceeds maximum size")
	}

	return buf, nil
}

// SetExtension attaches a single RTP header extension to pkt, per spec.md
// section 4.1's generic (non RFC-8285) extension mechanism.
func SetExtension(pkt *rtp.Packet, ext Extension) error {
	pkt.Header.ExtensionProfile = ext.ID
	if err := pkt.Header.SetExtension(0, ext.Payload); err != nil {
		return rtperrors.InvalidParameter(component, "failed to set header extension")
	}
	return nil
}
