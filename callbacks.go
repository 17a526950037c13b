package rtpsession

import (
	"time"

	"github.com/nanortp/rtpsession/pkg/rtppacket"
)

// Callbacks lets the application observe session events. Every field is
// optional; nil callbacks are simply skipped. Callbacks run synchronously
// on the poll goroutine (or the caller's goroutine, when DisablePollThread
// is set) and must not block or call back into the Session.
type Callbacks struct {
	// OnRTPPacket fires once per packet delivered from a validated
	// source's ordered queue, in ascending sequence order.
	OnRTPPacket func(ssrc uint32, pkt *rtppacket.Packet)
	// OnNewSource fires the first time a previously unknown SSRC is seen,
	// on either the RTP or RTCP channel.
	OnNewSource func(ssrc uint32)
	// OnSourceValidated fires when a source transitions from probation
	// (or immediate acceptance) to validated.
	OnSourceValidated func(ssrc uint32)
	// OnCollision fires on every detected SSRC/address collision, for
	// both foreign and the session's own SSRC. The session already
	// resolves its own collisions internally; this callback is purely
	// informational.
	OnCollision func(ssrc uint32, isOwn bool)
	// OnMemberRemove fires when a source times out or is removed after
	// its BYE grace period.
	OnMemberRemove func(ssrc uint32)
	// OnBye fires when a BYE is received from a source.
	OnBye func(ssrc uint32, reason string, at time.Time)
	// OnLoopbackIgnored fires when a packet is dropped because it came
	// from this transmitter's own address and AcceptOwnPackets is false.
	OnLoopbackIgnored func(addr string)
	// OnPollError fires when the background poll goroutine's transport
	// call returns an error. The goroutine keeps running after reporting.
	OnPollError func(err error)
}
