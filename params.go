package rtpsession

import (
	"time"

	"github.com/nanortp/rtpsession/pkg/sourcetable"
)

// ReceiveMode selects which remote addresses the transport accepts packets
// from (spec.md section 6, "receive_mode").
type ReceiveMode int

const (
	// AcceptAll accepts packets from any address. This is the default.
	AcceptAll ReceiveMode = iota
	// AcceptSome accepts packets only from addresses on the accept list.
	AcceptSome
	// IgnoreSome accepts packets from any address except those on the
	// ignore list.
	IgnoreSome
)

// ProbationPolicy selects how a newly observed SSRC is validated (spec.md
// section 3). ProbationStore is the RFC 3550 appendix A.8-recommended
// default and deliberately the zero value, so a zero-valued Params gets
// the documented default without an explicit withDefaults step for this
// field.
type ProbationPolicy int

const (
	// ProbationStore buffers packets while requiring two consecutive
	// in-sequence packets before validating a source. Default.
	ProbationStore ProbationPolicy = iota
	// ProbationDiscard applies the same counting discipline but discards
	// packets until validation instead of buffering them.
	ProbationDiscard
	// NoProbation validates a source's first packet immediately.
	NoProbation
)

func (p ProbationPolicy) toTable() sourcetable.ProbationMode {
	switch p {
	case ProbationDiscard:
		return sourcetable.ProbationDiscard
	case NoProbation:
		return sourcetable.NoProbation
	default:
		return sourcetable.ProbationStore
	}
}

// Params is the full session parameter surface (spec.md section 6). A zero
// Params is invalid only in that OwnTimestampUnit must be set by the
// caller; every other field has a documented default applied by
// withDefaults. Boolean fields that default to "on" are named as their
// negation (DisableX) so the Go zero value matches the documented default,
// following the teacher's ClientOptions.RedirectDisable convention.
type Params struct {
	// MaxPacketSize bounds both outgoing RTP and RTCP packets. Default 1400.
	MaxPacketSize int

	// OwnTimestampUnit is seconds per RTP clock tick for packets this
	// session originates. Required; New returns an error if zero.
	OwnTimestampUnit float64

	// SessionBandwidth is the total estimated session bandwidth in
	// bytes/sec, used to derive the RTCP interval. Default 10000.
	SessionBandwidth float64
	// ControlTrafficFraction is the fraction of SessionBandwidth reserved
	// for RTCP. Default 0.05.
	ControlTrafficFraction float64
	// SenderControlBandwidthFraction is the share of RTCP bandwidth
	// reserved for senders when they are a minority of the membership.
	// Default 0.25.
	SenderControlBandwidthFraction float64
	// MinRTCPInterval floors the deterministic RTCP interval. Default 5s.
	MinRTCPInterval time.Duration

	DisableStartupHalving bool // default: halve MinRTCPInterval for the first interval
	DisableImmediateBye   bool // default: send BYE immediately when membership <= 50
	DisableSenderReportForBye bool // default: prefer a final SR over RR when sending BYE as a sender

	SenderTimeoutMultiplier    int // default 2
	MemberTimeoutMultiplier    int // default 5
	ByeTimeoutMultiplier       int // default 1
	CollisionTimeoutMultiplier int // default 10
	NoteTimeoutMultiplier      int // default 25

	ReceiveMode      ReceiveMode
	AcceptOwnPackets bool

	ProbationMode  ProbationPolicy
	ProbationCount int // default 2

	ResolveLocalHostname bool

	// PredefinedSSRC, when non-nil, fixes the session's own SSRC instead
	// of drawing one at random (spec.md section 6).
	PredefinedSSRC *uint32

	// CNAME overrides the default generated CNAME SDES item.
	CNAME string

	DisablePollThread bool // default: Create starts a background poll goroutine
	SingleThreaded    bool // default: every exported method is safe for concurrent use

	// SDESIntervals configures how often optional local SDES items are
	// attached to an outgoing compound packet.
	SDESName, SDESEmail, SDESPhone, SDESLocation, SDESTool, SDESNote string
	SDESIntervals                                                   SDESItemIntervals
}

// SDESItemIntervals is the "every Kth compound packet" cadence for each
// optional local SDES item (spec.md section 4.4).
type SDESItemIntervals struct {
	Name, Email, Phone, Location, Tool, Note int
}

func (p Params) withDefaults() Params {
	if p.MaxPacketSize == 0 {
		p.MaxPacketSize = 1400
	}
	if p.SessionBandwidth == 0 {
		p.SessionBandwidth = 10000
	}
	if p.ControlTrafficFraction == 0 {
		p.ControlTrafficFraction = 0.05
	}
	if p.SenderControlBandwidthFraction == 0 {
		p.SenderControlBandwidthFraction = 0.25
	}
	if p.MinRTCPInterval == 0 {
		p.MinRTCPInterval = 5 * time.Second
	}
	if p.SenderTimeoutMultiplier == 0 {
		p.SenderTimeoutMultiplier = 2
	}
	if p.MemberTimeoutMultiplier == 0 {
		p.MemberTimeoutMultiplier = 5
	}
	if p.ByeTimeoutMultiplier == 0 {
		p.ByeTimeoutMultiplier = 1
	}
	if p.CollisionTimeoutMultiplier == 0 {
		p.CollisionTimeoutMultiplier = 10
	}
	if p.NoteTimeoutMultiplier == 0 {
		p.NoteTimeoutMultiplier = 25
	}
	if p.ProbationCount == 0 {
		p.ProbationCount = 2
	}
	return p
}
