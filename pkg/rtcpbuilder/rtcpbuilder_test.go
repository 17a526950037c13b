package rtcpbuilder

import (
	"testing"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/stretchr/testify/require"

	"github.com/nanortp/rtpsession/pkg/rtcppacket"
	"github.com/nanortp/rtpsession/pkg/rtppacket"
	"github.com/nanortp/rtpsession/pkg/sourcetable"
)

func rtpPkt(seq uint16, ts uint32, ssrc uint32, at time.Time) *rtppacket.Packet {
	return &rtppacket.Packet{
		Packet: &rtp.Packet{
			Header: rtp.Header{Version: 2, SequenceNumber: seq, Timestamp: ts, SSRC: ssrc},
		},
		ReceivedAt: at,
	}
}

func TestBuildNextReceiverReportWithCNAME(t *testing.T) {
	tbl := sourcetable.New(sourcetable.Config{ProbationMode: sourcetable.NoProbation, TimestampUnit: 1.0 / 8000}, sourcetable.Callbacks{})
	now := time.Now()

	pkt := rtpPkt(1, 100, 0x12345, now)
	tbl.IngestRTP(pkt, "10.0.0.1:5004", now)

	b := New(Config{CNAME: "bob@example.com", MaxPacketSize: 1400}, tbl)

	buf, err := b.BuildNext(now, SenderState{IsSender: false, OwnSSRC: 0x99}, false, "")
	require.NoError(t, err)

	parsed, err := rtcppacket.Parse(buf)
	require.NoError(t, err)
	require.Len(t, parsed, 2)

	rr, ok := parsed[0].(*rtcp.ReceiverReport)
	require.True(t, ok)
	require.Equal(t, uint32(0x99), rr.SSRC)
	require.Len(t, rr.Reports, 1)
	require.Equal(t, uint32(0x12345), rr.Reports[0].SSRC)

	sdes, ok := parsed[1].(*rtcp.SourceDescription)
	require.True(t, ok)
	require.Equal(t, "bob@example.com", sdes.Chunks[0].Items[0].Text)
}

func TestBuildNextSenderReportWhenSending(t *testing.T) {
	tbl := sourcetable.New(sourcetable.Config{ProbationMode: sourcetable.NoProbation, TimestampUnit: 1.0 / 8000}, sourcetable.Callbacks{})
	now := time.Now()

	b := New(Config{CNAME: "bob"}, tbl)
	buf, err := b.BuildNext(now, SenderState{
		IsSender:    true,
		OwnSSRC:     0x99,
		PacketCount: 10,
		OctetCount:  2000,
	}, false, "")
	require.NoError(t, err)

	parsed, err := rtcppacket.Parse(buf)
	require.NoError(t, err)

	sr, ok := parsed[0].(*rtcp.SenderReport)
	require.True(t, ok)
	require.Equal(t, uint32(10), sr.PacketCount)
	require.Equal(t, uint32(2000), sr.OctetCount)
}

func TestBuildNextAppendsByeOnShutdown(t *testing.T) {
	tbl := sourcetable.New(sourcetable.Config{ProbationMode: sourcetable.NoProbation, TimestampUnit: 1.0 / 8000}, sourcetable.Callbacks{})
	now := time.Now()

	b := New(Config{CNAME: "bob"}, tbl)
	buf, err := b.BuildNext(now, SenderState{OwnSSRC: 0x99}, true, "leaving")
	require.NoError(t, err)

	parsed, err := rtcppacket.Parse(buf)
	require.NoError(t, err)
	require.Len(t, parsed, 3)

	bye, ok := parsed[2].(*rtcp.Goodbye)
	require.True(t, ok)
	require.Equal(t, []uint32{0x99}, bye.Sources)
	require.Equal(t, "leaving", bye.Reason)
}

func TestBuildNextOptionalSDESItemOnConfiguredInterval(t *testing.T) {
	tbl := sourcetable.New(sourcetable.Config{ProbationMode: sourcetable.NoProbation, TimestampUnit: 1.0 / 8000}, sourcetable.Callbacks{})
	now := time.Now()

	b := New(Config{
		CNAME:     "bob",
		Tool:      "nanortp",
		Intervals: SDESItemConfig{Tool: 1},
	}, tbl)

	buf, err := b.BuildNext(now, SenderState{OwnSSRC: 0x99}, false, "")
	require.NoError(t, err)

	parsed, err := rtcppacket.Parse(buf)
	require.NoError(t, err)

	sdes := parsed[1].(*rtcp.SourceDescription)
	require.Len(t, sdes.Chunks[0].Items, 2)
	require.Equal(t, rtcp.SDESTool, sdes.Chunks[0].Items[1].Type)
}
