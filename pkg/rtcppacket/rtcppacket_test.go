package rtcppacket

import (
	"testing"

	"github.com/pion/rtcp"
	"github.com/stretchr/testify/require"
)

// spec.md section 8, scenario 3: SR + SDES + BYE compound.
func TestBuildAndParseScenario3(t *testing.T) {
	sr := &rtcp.SenderReport{
		SSRC:        0x01020304,
		NTPTime:     0x1122334455667788,
		RTPTime:     0xAABBCCDD,
		PacketCount: 10,
		OctetCount:  20,
	}
	sdes := &rtcp.SourceDescription{
		Chunks: []rtcp.SourceDescriptionChunk{
			{
				Source: 0x01020304,
				Items: []rtcp.SourceDescriptionItem{
					{Type: rtcp.SDESCNAME, Text: "bob"},
				},
			},
		},
	}
	bye := &rtcp.Goodbye{Sources: []uint32{0x01020304}}

	buf, err := Build([]rtcp.Packet{sr, sdes, bye})
	require.NoError(t, err)

	parsed, err := Parse(buf)
	require.NoError(t, err)
	require.Len(t, parsed, 3)

	gotSR, ok := parsed[0].(*rtcp.SenderReport)
	require.True(t, ok)
	require.Equal(t, uint32(0x01020304), gotSR.SSRC)
	require.Equal(t, uint64(0x1122334455667788), gotSR.NTPTime)
	require.Equal(t, uint32(0xAABBCCDD), gotSR.RTPTime)
	require.Equal(t, uint32(10), gotSR.PacketCount)
	require.Equal(t, uint32(20), gotSR.OctetCount)

	gotSDES, ok := parsed[1].(*rtcp.SourceDescription)
	require.True(t, ok)
	require.Len(t, gotSDES.Chunks, 1)
	require.Equal(t, "bob", gotSDES.Chunks[0].Items[0].Text)
	require.Equal(t, rtcp.SDESCNAME, gotSDES.Chunks[0].Items[0].Type)

	gotBYE, ok := parsed[2].(*rtcp.Goodbye)
	require.True(t, ok)
	require.Equal(t, []uint32{0x01020304}, gotBYE.Sources)
	require.Empty(t, gotBYE.Reason)

	buf2, err := Build(parsed)
	require.NoError(t, err)
	require.Equal(t, buf, buf2)
}

func TestParseRejectsNonSRRRFirst(t *testing.T) {
	sdes := &rtcp.SourceDescription{
		Chunks: []rtcp.SourceDescriptionChunk{
			{Source: 1, Items: []rtcp.SourceDescriptionItem{{Type: rtcp.SDESCNAME, Text: "a"}}},
		},
	}
	buf, err := rtcp.Marshal([]rtcp.Packet{sdes})
	require.NoError(t, err)

	_, err = Parse(buf)
	require.Error(t, err)
}

func TestParseRejectsTruncatedCompound(t *testing.T) {
	sr := &rtcp.SenderReport{SSRC: 1}
	buf, err := rtcp.Marshal([]rtcp.Packet{sr})
	require.NoError(t, err)

	_, err = Parse(buf[:len(buf)-2])
	require.Error(t, err)
}

func TestBuildRejectsEmpty(t *testing.T) {
	_, err := Build(nil)
	require.Error(t, err)
}

func TestBuildRejectsNonSRRRFirst(t *testing.T) {
	bye := &rtcp.Goodbye{Sources: []uint32{1}}
	_, err := Build([]rtcp.Packet{bye})
	require.Error(t, err)
}

func TestPrivRoundTrip(t *testing.T) {
	text, err := PackPriv("com.example", []byte("payload"))
	require.NoError(t, err)

	prefix, value, err := UnpackPriv(text)
	require.NoError(t, err)
	require.Equal(t, "com.example", prefix)
	require.Equal(t, []byte("payload"), value)
}

func TestUnpackPrivRejectsTruncated(t *testing.T) {
	_, _, err := UnpackPriv(string([]byte{10, 'a'}))
	require.Error(t, err)
}
