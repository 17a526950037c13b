package rtppacket

import (
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/require"
)

// spec.md section 8, scenario 1: minimal RTP parse.
func TestParseMinimal(t *testing.T) {
	buf := []byte{
		0x80, 0x60, 0x00, 0x01,
		0x00, 0x00, 0x00, 0x10,
		0xAA, 0xBB, 0xCC, 0xDD,
		0x01, 0x02, 0x03, 0x04,
	}

	pkt, err := Parse(buf, time.Time{})
	require.NoError(t, err)
	require.EqualValues(t, 2, pkt.Version)
	require.EqualValues(t, 96, pkt.PayloadType)
	require.EqualValues(t, 1, pkt.SequenceNumber)
	require.EqualValues(t, 16, pkt.Timestamp)
	require.EqualValues(t, 0xAABBCCDD, pkt.SSRC)
	require.Equal(t, []byte{0x01, 0x02, 0x03, 0x04}, pkt.Payload)
	require.False(t, pkt.Marker)
	require.False(t, pkt.Extension)
	_, ok := pkt.GetExtension()
	require.False(t, ok)
}

// spec.md section 8, scenario 2: invalid version.
func TestParseInvalidVersion(t *testing.T) {
	buf := []byte{
		0x00, 0x60, 0x00, 0x01,
		0x00, 0x00, 0x00, 0x10,
		0xAA, 0xBB, 0xCC, 0xDD,
		0x01, 0x02, 0x03, 0x04,
	}

	_, err := Parse(buf, time.Time{})
	require.Error(t, err)
}

func TestParseTooShort(t *testing.T) {
	_, err := Parse([]byte{0x80, 0x60, 0x00}, time.Time{})
	require.Error(t, err)
}

func TestParseAmbiguousMarkerPayloadType(t *testing.T) {
	buf := []byte{
		0x80, 0x80 | 72, 0x00, 0x01,
		0x00, 0x00, 0x00, 0x10,
		0xAA, 0xBB, 0xCC, 0xDD,
	}
	_, err := Parse(buf, time.Time{})
	require.Error(t, err)
}

func TestRoundTrip(t *testing.T) {
	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			Marker:         true,
			PayloadType:    96,
			SequenceNumber: 1000,
			Timestamp:      9000,
			SSRC:           0x1234,
			CSRC:           []uint32{1, 2},
		},
		Payload: []byte{1, 2, 3, 4, 5},
	}

	b := Builder{}
	buf, err := b.Marshal(pkt)
	require.NoError(t, err)

	parsed, err := Parse(buf, time.Time{})
	require.NoError(t, err)
	require.Equal(t, pkt.SequenceNumber, parsed.SequenceNumber)
	require.Equal(t, pkt.Timestamp, parsed.Timestamp)
	require.Equal(t, pkt.SSRC, parsed.SSRC)
	require.Equal(t, pkt.CSRC, parsed.CSRC)
	require.Equal(t, pkt.Payload, parsed.Payload)

	buf2, err := parsed.Marshal()
	require.NoError(t, err)
	require.Equal(t, buf, buf2)
}

func TestBuilderRejectsAmbiguousPayloadType(t *testing.T) {
	pkt := &rtp.Packet{Header: rtp.Header{Version: 2, PayloadType: 72}}
	_, err := (Builder{}).Marshal(pkt)
	require.Error(t, err)
}

func TestBuilderRejectsTooManyCSRCs(t *testing.T) {
	pkt := &rtp.Packet{Header: rtp.Header{Version: 2, PayloadType: 96, CSRC: make([]uint32, 16)}}
	_, err := (Builder{}).Marshal(pkt)
	require.Error(t, err)
}

func TestBuilderMaxPacketSize(t *testing.T) {
	pkt := &rtp.Packet{
		Header:  rtp.Header{Version: 2, PayloadType: 96},
		Payload: make([]byte, 2000),
	}
	b := Builder{MaxPacketSize: 100}
	_, err := b.Marshal(pkt)
	require.Error(t, err)
}

func TestSetAndGetExtension(t *testing.T) {
	pkt := &rtp.Packet{Header: rtp.Header{Version: 2, PayloadType: 96, Extension: true}}
	require.NoError(t, SetExtension(pkt, Extension{ID: 0xBEDF, Payload: []byte{1, 2, 3, 4}}))

	buf, err := (Builder{}).Marshal(pkt)
	require.NoError(t, err)

	parsed, err := Parse(buf, time.Time{})
	require.NoError(t, err)

	ext, ok := parsed.GetExtension()
	require.True(t, ok)
	require.Equal(t, uint16(0xBEDF), ext.ID)
	require.Equal(t, []byte{1, 2, 3, 4}, ext.Payload)
}
