// Package packetbuilder assembles outgoing RTP packets: it assigns the
// session's own SSRC, advances the sequence number and timestamp, and
// regenerates a collision-checked SSRC when the session engine detects a
// collision on its own identifier (spec.md section 4.5, "SSRC-collision
// resolution", step 2).
//
// The SSRC/sequence/timestamp initialization is grounded on the teacher's
// example pion-webrtc RTPSender construction pattern
// (other_examples/32fb325b_pion-webrtc__rtpsender.go.go), which seeds its
// SSRC from randutil.NewMathRandomGenerator().Uint32(); this package
// extends that single draw into the session's own initial SSRC, sequence
// number, and timestamp (spec.md section 4.7).
package packetbuilder

import (
	"sync"

	"github.com/pion/rtp"

	"github.com/nanortp/rtpsession/pkg/rtperrors"
	"github.com/nanortp/rtpsession/pkg/rtppacket"
	"github.com/nanortp/rtpsession/pkg/rtprand"
)

const component = "packetbuilder"

// CollisionChecker reports whether ssrc is already in use by another
// source, so the builder can regenerate a colliding SSRC (spec.md section
// 4.5).
type CollisionChecker interface {
	InUse(ssrc uint32) bool
}

// Builder assembles outgoing RTP packets for the local participant.
type Builder struct {
	rng *rtprand.Source
	rtp rtppacket.Builder

	mu            sync.Mutex
	ssrc          uint32
	seq           uint16
	timestamp     uint32
	lastTimestamp uint32
	packetCount   uint32
	octetCount    uint32
}

// New constructs a Builder with a freshly drawn sequence number and
// timestamp (spec.md section 4.7). The SSRC is drawn at random unless
// predefined is non-nil, in which case it is used as-is (spec.md section
// 6, "use_predefined_ssrc"/"predefined_ssrc") without consulting
// collisions: a caller supplying a fixed SSRC is assumed to own it.
func New(rng *rtprand.Source, maxPacketSize int, collisions CollisionChecker, predefined *uint32) *Builder {
	b := &Builder{
		rng: rng,
		rtp: rtppacket.Builder{MaxPacketSize: maxPacketSize},
	}
	if predefined != nil {
		b.ssrc = *predefined
	} else {
		b.ssrc = b.drawSSRC(collisions)
	}
	b.seq = rng.Uint16()
	b.timestamp = rng.Uint32()
	return b
}

func (b *Builder) drawSSRC(collisions CollisionChecker) uint32 {
	for {
		candidate := b.rng.Uint32()
		if collisions == nil || !collisions.InUse(candidate) {
			return candidate
		}
	}
}

// SSRC returns the builder's current SSRC.
func (b *Builder) SSRC() uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ssrc
}

// Counts returns the packets/octets sent under the current SSRC.
func (b *Builder) Counts() (packets, octets uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.packetCount, b.octetCount
}

// LastTimestamp returns the RTP timestamp used by the most recently built
// packet, for the RTCP builder's sender-report RTP-timestamp
// extrapolation (spec.md section 4.4).
func (b *Builder) LastTimestamp() uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastTimestamp
}

// Regenerate assigns a fresh, collision-checked SSRC and resets the
// packet/octet counters, per spec.md section 4.5 step 2.
func (b *Builder) Regenerate(collisions CollisionChecker) uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.ssrc = b.drawSSRC(collisions)
	b.seq = b.rng.Uint16()
	b.timestamp = b.rng.Uint32()
	b.packetCount = 0
	b.octetCount = 0
	return b.ssrc
}

// Build assembles and marshals the next outgoing RTP packet, advancing
// the sequence number and the timestamp by tsIncrement.
func (b *Builder) Build(payload []byte, payloadType uint8, marker bool, tsIncrement uint32) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			Marker:         marker,
			PayloadType:    payloadType,
			SequenceNumber: b.seq,
			Timestamp:      b.timestamp,
			SSRC:           b.ssrc,
		},
		Payload: payload,
	}

	buf, err := b.rtp.Marshal(pkt)
	if err != nil {
		return nil, rtperrors.Wrap(rtperrors.KindResourceError, component, "failed to build outgoing RTP packet", err)
	}

	b.lastTimestamp = b.timestamp
	b.seq++
	b.timestamp += tsIncrement
	b.packetCount++
	b.octetCount += uint32(len(payload))

	return buf, nil
}
