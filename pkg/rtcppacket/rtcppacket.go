// Package rtcppacket implements the RTCP compound packet wire format
// (spec.md section 4.1), wrapping github.com/pion/rtcp for per-packet
// marshal/unmarshal and adding the compound-level validation rules the
// spec requires: the first constituent must be SR or RR, only the last
// constituent may carry the padding bit, and any other packet type is
// surfaced as Unknown rather than rejected.
package rtcppacket

import (
	"github.com/pion/rtcp"

	"github.com/nanortp/rtpsession/pkg/rtperrors"
)

const component = "rtcppacket"

// MaxSDESItemLen is the largest value length an SDES item can carry
// (spec.md section 4.1: "8-bit [length field]; max 255 bytes of value").
const MaxSDESItemLen = 255

// Parse decodes a compound RTCP packet and validates it per spec.md
// section 4.1. It returns the ordered list of constituent packets as
// pion/rtcp decodes them; a packet type pion/rtcp does not recognise is
// returned unmodified as a *rtcp.RawPacket rather than rejected.
func Parse(buf []byte) ([]rtcp.Packet, error) {
	packets, err := rtcp.Unmarshal(buf)
	if err != nil {
		return nil, rtperrors.ProtocolErrorWrap(component, "malformed RTCP compound packet", err)
	}
	if len(packets) == 0 {
		return nil, rtperrors.ProtocolError(component, "empty RTCP compound packet")
	}

	switch packets[0].(type) {
	case *rtcp.SenderReport, *rtcp.ReceiverReport:
	default:
		return nil, rtperrors.ProtocolError(component,
			"first packet in compound must be SR or RR")
	}

	for i, p := range packets {
		if headerOf(p).Padding && i != len(packets)-1 {
			return nil, rtperrors.ProtocolError(component,
				"only the last packet in a compound may carry padding")
		}
	}

	return packets, nil
}

func headerOf(p rtcp.Packet) rtcp.Header {
	if h, ok := p.(interface{ Header() rtcp.Header }); ok {
		return h.Header()
	}
	return rtcp.Header{}
}

// Build serializes an ordered list of RTCP packets into a single compound
// packet. The caller is responsible for ordering per spec.md section 4.4
// (SR/RR first, SDES next, BYE last).
func Build(packets []rtcp.Packet) ([]byte, error) {
	if len(packets) == 0 {
		return nil, rtperrors.InvalidParameter(component, "compound packet must not be empty")
	}
	switch packets[0].(type) {
	case *rtcp.SenderReport, *rtcp.ReceiverReport:
	default:
		return nil, rtperrors.InvalidParameter(component, "first packet in compound must be SR or RR")
	}

	buf, err := rtcp.Marshal(packets)
	if err != nil {
		return nil, rtperrors.ProtocolErrorWrap(component, "failed to marshal RTCP compound packet", err)
	}
	return buf, nil
}

// PackPriv encodes a PRIV SDES item's prefix and value into the raw byte
// form carried in SourceDescriptionItem.Text, per RFC 3550 section 6.5.7:
// an 8-bit prefix length, the prefix bytes, then the value bytes.
func PackPriv(prefix string, value []byte) (string, error) {
	if len(prefix) > 255 {
		return "", rtperrors.InvalidParameter(component, "PRIV prefix too long")
	}
	if len(prefix)+1+len(value) > MaxSDESItemLen {
		return "", rtperrors.InvalidParameter(component, "PRIV item exceeds 255 bytes")
	}
	buf := make([]byte, 0, 1+len(prefix)+len(value))
	buf = append(buf, byte(len(prefix)))
	buf = append(buf, prefix...)
	buf = append(buf, value...)
	return string(buf), nil
}

// UnpackPriv decodes a PRIV SDES item's raw text back into prefix and
// value.
func UnpackPriv(text string) (prefix string, value []byte, err error) {
	if len(text) == 0 {
		return "", nil, rtperrors.ProtocolError(component, "empty PRIV item")
	}
	n := int(text[0])
	if 1+n > len(text) {
		return "", nil, rtperrors.ProtocolError(component, "PRIV prefix length exceeds item")
	}
	return text[1 : 1+n], []byte(text[1+n:]), nil
}
