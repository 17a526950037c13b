package rtpsession

import (
	"time"

	"github.com/nanortp/rtpsession/pkg/rtcpbuilder"
	"github.com/nanortp/rtpsession/pkg/rtperrors"
)

// handleCollision is the sourcetable.Callbacks.OnCollision hook: it always
// reports the collision to the application and, when it names the
// session's own SSRC, resolves it per spec.md section 4.5 step 2.
//
// It runs after sourcetable.Table has released its internal lock (see
// Table.CheckCollision), so resolveOwnCollision is free to call back into
// Table.Delete/CreateOwn without deadlocking.
func (s *Session) handleCollision(ssrc uint32, isOwn bool) {
	s.metrics.collisions.Inc()

	if s.callbacks.OnCollision != nil {
		s.callbacks.OnCollision(ssrc, isOwn)
	}

	if isOwn {
		s.resolveOwnCollision(ssrc)
	}
}

// resolveOwnCollision resolves a collision on the session's own SSRC
// (spec.md section 4.5, "SSRC collision resolution"). If at least one RTP
// packet has already been sent under oldSSRC, it first builds and sends a
// BYE compound naming that SSRC (step 1), then regenerates the session's
// own SSRC, sequence number, and timestamp, replaces its source-table
// record under the new identifier, and resets the sender-state bookkeeping
// so the next compound packet reports under the new SSRC (step 2).
func (s *Session) resolveOwnCollision(oldSSRC uint32) {
	s.sourcesMtx.Lock()
	defer s.sourcesMtx.Unlock()

	if s.state != stateCreated {
		return
	}

	s.builderMtx.Lock()
	packets, octets := s.builder.Counts()
	lastTS := s.lastRTPTimestamp
	lastAt := s.lastPacketTime
	s.builderMtx.Unlock()

	s.packsentMtx.Lock()
	hadSent := s.hasSentAnything
	s.packsentMtx.Unlock()

	now := s.clock.Wall()

	if hadSent {
		s.sendByeForOldSSRC(now, rtcpbuilder.SenderState{
			IsSender:         true,
			OwnSSRC:          oldSSRC,
			PacketCount:      packets,
			OctetCount:       octets,
			LastRTPTimestamp: lastTS,
			LastPacketTime:   lastAt,
			TimestampUnit:    s.params.OwnTimestampUnit,
		}, "SSRC collision")
	}

	s.builderMtx.Lock()
	newSSRC := s.builder.Regenerate(s.table)
	s.lastRTPTimestamp = 0
	s.lastPacketTime = s.clock.Wall()
	s.builderMtx.Unlock()

	s.table.Delete(oldSSRC)
	s.table.CreateOwn(newSSRC, s.cname, s.clock.Wall())

	s.packsentMtx.Lock()
	s.hasSentAnything = false
	s.packsentMtx.Unlock()
}

// sendByeForOldSSRC builds and transmits a compound BYE naming sender's
// SSRC, draining any continuation report blocks. It bypasses the RTCP
// scheduler entirely: the SSRC is being abandoned rather than following
// its normal send schedule, so there is nothing to reconsider or mark
// sent.
func (s *Session) sendByeForOldSSRC(now time.Time, sender rtcpbuilder.SenderState, reason string) {
	for {
		buf, err := s.rtcpBuilder.BuildNext(now, sender, true, reason)
		if err != nil {
			s.reportPollError(rtperrors.OperationFailed(component, "failed to build collision BYE packet", err))
			return
		}

		if _, err := s.metrics.rtcpOut.Write(buf); err != nil {
			s.reportPollError(rtperrors.OperationFailed(component, "failed to send collision BYE packet", err))
			return
		}
		s.metrics.rtcpPacketsSent.Inc()
		s.metrics.refreshBytesSent()

		if !s.rtcpBuilder.HasPendingWork() {
			return
		}
	}
}
