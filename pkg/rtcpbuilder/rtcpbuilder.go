// Package rtcpbuilder assembles the next outgoing RTCP compound packet
// from the source table, the RTCP scheduler, and the local packet
// builder's sender state (spec.md section 4.4). It follows RFC 3550
// section 6.4's packet order (SR-or-RR, SDES, optional BYE), selects
// report blocks from foreign non-CSRC sources that have sent validated
// RTP since the previous build, and enforces a caller-supplied size
// budget with a forward-progress guarantee.
//
// The sender-report field derivation (NTP now, RTP timestamp extrapolated
// from the last emitted packet) is grounded on the teacher's
// internal/rtcpsender.RTCPSender.report, generalized from a single-remote
// two-participant report into the N-member compound this spec needs.
package rtcpbuilder

import (
	"sync"
	"time"

	"github.com/pion/rtcp"

	"github.com/nanortp/rtpsession/pkg/clock"
	"github.com/nanortp/rtpsession/pkg/rtcppacket"
	"github.com/nanortp/rtpsession/pkg/rtperrors"
	"github.com/nanortp/rtpsession/pkg/sourcetable"
)

const component = "rtcpbuilder"

// maxReportsPerPacket is RFC 3550's 5-bit report-count field limit.
const maxReportsPerPacket = 31

// SDESItemConfig configures how often an optional local SDES item is
// included, in units of "every Kth compound packet built". Zero or
// negative disables the item (spec.md section 4.4).
type SDESItemConfig struct {
	Name, Email, Phone, Location, Tool, Note int
}

// Config holds the builder's fixed local-participant metadata.
type Config struct {
	CNAME         string
	Name          string
	Email         string
	Phone         string
	Location      string
	Tool          string
	Note          string
	Intervals     SDESItemConfig
	MaxPacketSize int
}

// SenderState is the local packet builder's state needed to derive SR
// fields, supplied fresh on every build call so this package never holds
// a reference to the packet builder itself.
type SenderState struct {
	IsSender          bool
	OwnSSRC           uint32
	PacketCount       uint32
	OctetCount        uint32
	LastRTPTimestamp  uint32
	LastPacketTime    time.Time
	TimestampUnit     float64 // seconds per RTP tick
	PreTransmitDelay  time.Duration
}

// Builder assembles compound RTCP packets.
type Builder struct {
	cfg   Config
	table *sourcetable.Table

	mu            sync.Mutex
	compoundCount int
	pendingSSRCs  []uint32 // nil when no continuation is in progress
}

// New constructs a Builder.
func New(cfg Config, table *sourcetable.Table) *Builder {
	return &Builder{cfg: cfg, table: table}
}

// BuildNext assembles the next compound RTCP packet. When sendBye is true a
// BYE packet naming sender.OwnSSRC, carrying byeReason, is appended after
// SDES (spec.md section 4.4, "BYE packet, only on shutdown").
func (b *Builder) BuildNext(now time.Time, sender SenderState, sendBye bool, byeReason string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.pendingSSRCs == nil {
		b.pendingSSRCs = b.table.ForeignReportable()
	}

	budget := b.cfg.MaxPacketSize
	var packets []rtcp.Packet

	first, consumed := b.buildFirstPacket(now, sender)
	packets = append(packets, first)
	progressed := consumed > 0

	for budget <= 0 || sizeOf(packets) < budget {
		if len(b.pendingSSRCs) == 0 {
			break
		}
		reports, n := b.drainReports(now, maxReportsPerPacket)
		if n == 0 {
			break
		}
		candidate := append(append([]rtcp.Packet{}, packets...), &rtcp.ReceiverReport{SSRC: sender.OwnSSRC, Reports: reports})
		if budget > 0 && sizeOf(candidate) > budget {
			// forward-progress guarantee: a single extra RR packet doesn't
			// fit even though there is still pending work.
			if !progressed {
				return nil, rtperrors.ProtocolError(component, "size budget too small to make progress")
			}
			break
		}
		packets = candidate
		progressed = true
	}

	sdes, sdesAdded := b.buildSDES(sender.OwnSSRC)
	packets = append(packets, sdes)
	if sdesAdded > 0 {
		progressed = true
	}

	if sendBye {
		packets = append(packets, &rtcp.Goodbye{Sources: []uint32{sender.OwnSSRC}, Reason: byeReason})
		progressed = true
	}

	if budget > 0 && sizeOf(packets) > budget && !progressed {
		return nil, rtperrors.ProtocolError(component, "size budget too small to make progress")
	}

	b.compoundCount++
	if len(b.pendingSSRCs) == 0 {
		b.pendingSSRCs = nil
	}

	return rtcppacket.Build(packets)
}

// HasPendingWork reports whether a continuation build is still owed
// (more report blocks remain from the current reporting round).
func (b *Builder) HasPendingWork() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pendingSSRCs) > 0
}

func sizeOf(packets []rtcp.Packet) int {
	buf, err := rtcp.Marshal(packets)
	if err != nil {
		return 0
	}
	return len(buf)
}

func (b *Builder) buildFirstPacket(now time.Time, sender SenderState) (rtcp.Packet, int) {
	reports, n := b.drainReports(now, maxReportsPerPacket)

	if sender.IsSender {
		ntpNow := clock.EncodeNTP(now)
		rtpTime := sender.LastRTPTimestamp
		if !sender.LastPacketTime.IsZero() && sender.TimestampUnit > 0 {
			elapsed := now.Sub(sender.LastPacketTime) + sender.PreTransmitDelay
			rtpTime += uint32(elapsed.Seconds() / sender.TimestampUnit)
		}
		return &rtcp.SenderReport{
			SSRC:        sender.OwnSSRC,
			NTPTime:     ntpNow,
			RTPTime:     rtpTime,
			PacketCount: sender.PacketCount,
			OctetCount:  sender.OctetCount,
			Reports:     reports,
		}, n
	}

	return &rtcp.ReceiverReport{SSRC: sender.OwnSSRC, Reports: reports}, n
}

func (b *Builder) drainReports(now time.Time, max int) ([]rtcp.ReceptionReport, int) {
	var reports []rtcp.ReceptionReport
	for len(reports) < max && len(b.pendingSSRCs) > 0 {
		ssrc := b.pendingSSRCs[0]
		b.pendingSSRCs = b.pendingSSRCs[1:]

		stat, ok := b.table.Stats(ssrc)
		if !ok {
			continue
		}
		dlsr := b.table.DLSRNow(ssrc, now)

		reports = append(reports, rtcp.ReceptionReport{
			SSRC:               ssrc,
			FractionLost:       stat.FractionLost,
			TotalLost:          uint32(stat.PacketsLost),
			LastSequenceNumber: stat.ExtHighestSeq,
			Jitter:             stat.Jitter,
			LastSenderReport:   stat.LSR,
			Delay:              dlsr,
		})
		b.table.MarkProcessed(ssrc, true)
		b.table.ResetInterval(ssrc)
	}
	return reports, len(reports)
}

func (b *Builder) buildSDES(ownSSRC uint32) (rtcp.Packet, int) {
	items := []rtcp.SourceDescriptionItem{{Type: rtcp.SDESCNAME, Text: b.cfg.CNAME}}
	added := 1

	addIfDue := func(kind rtcp.SDESType, interval int, value string) {
		if interval <= 0 || value == "" {
			return
		}
		if b.compoundCount%interval == 0 {
			items = append(items, rtcp.SourceDescriptionItem{Type: kind, Text: value})
			added++
		}
	}

	addIfDue(rtcp.SDESName, b.cfg.Intervals.Name, b.cfg.Name)
	addIfDue(rtcp.SDESEmail, b.cfg.Intervals.Email, b.cfg.Email)
	addIfDue(rtcp.SDESPhone, b.cfg.Intervals.Phone, b.cfg.Phone)
	addIfDue(rtcp.SDESLocation, b.cfg.Intervals.Location, b.cfg.Location)
	addIfDue(rtcp.SDESTool, b.cfg.Intervals.Tool, b.cfg.Tool)
	addIfDue(rtcp.SDESNote, b.cfg.Intervals.Note, b.cfg.Note)

	return &rtcp.SourceDescription{
		Chunks: []rtcp.SourceDescriptionChunk{{Source: ownSSRC, Items: items}},
	}, added
}
