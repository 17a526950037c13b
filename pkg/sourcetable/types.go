// Package sourcetable implements the RTP/RTCP source record set (spec.md
// sections 3 and 4.2): source creation, probation and validation,
// extended sequence number reconstruction, interarrival jitter, ordered
// packet delivery, CSRC propagation, collision detection, and per-source
// statistics for the RTCP builder.
//
// The jitter/sequence-cycle algorithm is grounded on the teacher's
// pkg/rtpreceiver.Receiver.ProcessPacket2: this package keeps the same
// "lock, mutate a value type, unlock" shape but replaces the
// two-participant assumption with a full N-source table, explicit
// extended-sequence reconstruction (the teacher tracks only a cycle
// counter against the last-seen raw sequence) and the three probation
// policies spec.md requires.
package sourcetable

import (
	"time"

	"github.com/nanortp/rtpsession/pkg/rtppacket"
)

// ProbationMode selects how a newly observed SSRC is validated.
type ProbationMode int

const (
	// NoProbation validates and accepts a source's first packet immediately.
	NoProbation ProbationMode = iota
	// ProbationStore buffers packets while requiring ProbationCount
	// consecutive in-sequence packets before validating.
	ProbationStore
	// ProbationDiscard applies the same counting discipline as
	// ProbationStore but discards packets until validation.
	ProbationDiscard
)

// Channel distinguishes the RTP and RTCP transport addresses tracked per
// source for collision detection.
type Channel int

const (
	ChannelRTP Channel = iota
	ChannelRTCP
)

// maxProbationQueue is the probation packet-queue bound (spec.md section 4.2
// step 5 and the section 8 boundary property).
const maxProbationQueue = 32

// SRSummary is a snapshot of one received RTCP sender report.
type SRSummary struct {
	NTPTime     uint64
	RTPTime     uint32
	PacketCount uint32
	OctetCount  uint32
	ReceivedAt  time.Time
}

// RRSummary is a snapshot of one received reception-report block about the
// local participant's own SSRC.
type RRSummary struct {
	FractionLost       uint8
	TotalLost          uint32
	LastSequenceNumber uint32
	Jitter             uint32
	LastSenderReport   uint32
	Delay              uint32
	ReceivedAt         time.Time
}

// packetEntry is one slot in a source's packet queue.
type packetEntry struct {
	extSeq uint32
	pkt    *rtppacket.Packet
}

// Source is one observed SSRC's full record (spec.md section 3).
type Source struct {
	SSRC    uint32
	IsOwn   bool
	IsCSRC  bool
	Created time.Time

	Validated bool
	Active    bool
	Sender    bool

	probationCount int
	probationSeq   uint16

	BaseSeq       uint32
	ExtHighestSeq uint32
	Cycles        uint16

	PacketsReceived  uint64
	JitterQ4         float64
	LastRTPArrival   time.Time
	LastAnyArrival   time.Time
	PrevRTPTimestamp uint32
	PrevArrival      time.Time

	IntervalPackets  uint32
	IntervalSavedSeq uint32

	SRCurrent, SRPrevious *SRSummary
	RRCurrent, RRPrevious *RRSummary

	CNAME, Name, Email, Phone, Location, Tool, Note string
	Priv                                             map[string][]byte
	NoteLastUpdate                                   time.Time

	RTPAddr, RTCPAddr string

	ReceivedBye bool
	ByeTime     time.Time
	ByeReason   string

	packetQueue []packetEntry

	// ProcessedInRTCP is a transient flag the RTCP builder uses to iterate
	// sources across multiple compound packets.
	ProcessedInRTCP bool
}

// Stats is the per-source statistics exposed to the RTCP builder (spec.md
// section 4.2). PacketsLost is clamped to [0, 0xFFFFFF]: when duplicates
// make received exceed expected it is reported as 0, never negative.
type Stats struct {
	FractionLost  uint8
	PacketsLost   int32
	ExtHighestSeq uint32
	Jitter        uint32
	LSR           uint32
	DLSR          uint32
}

// Callbacks lets the session engine observe table events without the
// table holding a reference back to the session (spec.md section 9,
// "source table back-references").
type Callbacks struct {
	OnNewSource    func(ssrc uint32)
	OnValidated    func(ssrc uint32)
	OnCollision    func(ssrc uint32, isOwn bool)
	OnMemberRemove func(ssrc uint32)
}

// Config holds the table's session-wide parameters.
type Config struct {
	ProbationMode  ProbationMode
	ProbationCount int // consecutive in-sequence packets required; default 2

	// TimestampUnit is seconds per RTP clock tick (spec.md's
	// own_timestamp_unit), used by the interarrival jitter formula.
	TimestampUnit float64

	SenderTimeoutMultiplier     int // default 2
	MemberTimeoutMultiplier     int // default 5
	ByeTimeoutMultiplier        int // default 1
	NoteTimeoutMultiplier       int // default 25
	CollisionTimeoutMultiplier  int // default 10
}

// withDefaults fills zero-valued fields with spec.md's documented
// defaults.
func (c Config) withDefaults() Config {
	if c.ProbationCount == 0 {
		c.ProbationCount = 2
	}
	if c.SenderTimeoutMultiplier == 0 {
		c.SenderTimeoutMultiplier = 2
	}
	if c.MemberTimeoutMultiplier == 0 {
		c.MemberTimeoutMultiplier = 5
	}
	if c.ByeTimeoutMultiplier == 0 {
		c.ByeTimeoutMultiplier = 1
	}
	if c.NoteTimeoutMultiplier == 0 {
		c.NoteTimeoutMultiplier = 25
	}
	if c.CollisionTimeoutMultiplier == 0 {
		c.CollisionTimeoutMultiplier = 10
	}
	return c
}
