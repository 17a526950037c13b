package rtpsession

import (
	"time"

	"github.com/pion/rtcp"
	"github.com/rs/zerolog/log"

	"github.com/nanortp/rtpsession/pkg/rtcppacket"
	"github.com/nanortp/rtpsession/pkg/rtperrors"
	"github.com/nanortp/rtpsession/pkg/rtppacket"
	"github.com/nanortp/rtpsession/pkg/sourcetable"
)

// pollInterval bounds how long WaitForIncomingData blocks between RTCP
// schedule checks when DisablePollThread is unset.
const pollInterval = 100 * time.Millisecond

// pollLoop drives Poll continuously on a background goroutine, started by
// Create unless Params.DisablePollThread is set.
func (s *Session) pollLoop() {
	defer close(s.pollDone)
	for {
		select {
		case <-s.pollStop:
			return
		default:
		}
		if err := s.pollOnce(pollInterval); err != nil {
			s.reportPollError(err)
		}
	}
}

// Poll performs one non-blocking pass: drain pending transport I/O,
// dispatch any buffered packets, and send RTCP if the schedule is due.
// Applications call this directly only when Params.DisablePollThread is
// set.
func (s *Session) Poll() error {
	if err := s.requireState(stateCreated); err != nil {
		return err
	}
	return s.pollOnce(0)
}

func (s *Session) pollOnce(waitFor time.Duration) error {
	if waitFor > 0 {
		if _, err := s.transport.WaitForIncomingData(waitFor); err != nil {
			return rtperrors.OperationFailed(component, "wait for incoming data failed", err)
		}
	}

	if err := s.transport.Poll(); err != nil {
		return rtperrors.OperationFailed(component, "transport poll failed", err)
	}

	for {
		raw, ok := s.transport.NextPacket()
		if !ok {
			break
		}
		s.dispatch(raw)
	}

	now := s.clock.Wall()
	s.maybeSendRTCP(now)
	s.maybeSendQueuedBye(now)

	return nil
}

// WaitForIncomingData blocks until the transport reports data is ready or
// delay elapses, for applications driving their own poll loop
// (Params.DisablePollThread).
func (s *Session) WaitForIncomingData(delay time.Duration) (bool, error) {
	if err := s.requireState(stateCreated); err != nil {
		return false, err
	}

	s.waitMtx.Lock()
	if s.abortPending {
		s.abortPending = false
		s.waitMtx.Unlock()
		return false, nil
	}
	s.waitPending = true
	s.waitMtx.Unlock()

	ready, err := s.transport.WaitForIncomingData(delay)

	s.waitMtx.Lock()
	s.waitPending = false
	s.waitMtx.Unlock()

	if err != nil {
		return false, rtperrors.OperationFailed(component, "wait for incoming data failed", err)
	}
	return ready, nil
}

// AbortWait unblocks a concurrent WaitForIncomingData call.
func (s *Session) AbortWait() error {
	s.waitMtx.Lock()
	if !s.waitPending {
		s.abortPending = true
	}
	s.waitMtx.Unlock()

	if err := s.transport.AbortWait(); err != nil {
		return rtperrors.OperationFailed(component, "abort wait failed", err)
	}
	return nil
}

func (s *Session) dispatch(raw RawPacket) {
	if s.transport.ComesFromThisTransmitter(raw.Addr) {
		if !s.params.AcceptOwnPackets {
			s.metrics.loopbackIgnored.Inc()
			if s.callbacks.OnLoopbackIgnored != nil {
				s.callbacks.OnLoopbackIgnored(raw.Addr)
			}
			return
		}
		// Accepted loopback packets skip collision detection: with an empty
		// address Table.CheckCollision accepts them without recording one.
		raw.Addr = ""
	}

	s.metrics.recordReceived(raw.Data)

	if raw.IsRTP {
		s.dispatchRTP(raw)
	} else {
		s.dispatchRTCP(raw)
	}
}

func (s *Session) dispatchRTP(raw RawPacket) {
	pkt, err := rtppacket.Parse(raw.Data, raw.ReceivedAt)
	if err != nil {
		log.Debug().Err(err).Msg("rtpsession: dropping malformed RTP packet")
		return
	}

	if !s.table.IngestRTP(pkt, raw.Addr, raw.ReceivedAt) {
		return
	}

	s.metrics.rtpPacketsRecv.Inc()

	if s.callbacks.OnRTPPacket == nil {
		s.table.DequeueAll(pkt.SSRC)
		return
	}
	for _, queued := range s.table.DequeueAll(pkt.SSRC) {
		s.callbacks.OnRTPPacket(pkt.SSRC, queued)
	}
}

func (s *Session) dispatchRTCP(raw RawPacket) {
	packets, err := rtcppacket.Parse(raw.Data)
	if err != nil {
		log.Debug().Err(err).Msg("rtpsession: dropping malformed RTCP compound packet")
		return
	}

	s.schedMtx.Lock()
	s.scheduler.RecordIncomingSize(len(raw.Data))
	s.schedMtx.Unlock()

	s.metrics.rtcpPacketsRecv.Inc()

	for _, p := range packets {
		switch pkt := p.(type) {
		case *rtcp.SenderReport:
			if s.table.CheckCollision(pkt.SSRC, sourcetable.ChannelRTCP, raw.Addr, raw.ReceivedAt) {
				continue
			}
			s.table.ProcessSenderReport(pkt.SSRC, pkt.NTPTime, pkt.RTPTime, pkt.PacketCount, pkt.OctetCount, raw.ReceivedAt)
			s.applyReceptionReports(pkt.SSRC, pkt.Reports, raw.ReceivedAt)

		case *rtcp.ReceiverReport:
			s.applyReceptionReports(pkt.SSRC, pkt.Reports, raw.ReceivedAt)

		case *rtcp.SourceDescription:
			s.applySDES(pkt, raw.ReceivedAt)

		case *rtcp.Goodbye:
			reason := pkt.Reason
			for _, ssrc := range pkt.Sources {
				s.table.ApplyBye(ssrc, reason, raw.ReceivedAt)
				if s.callbacks.OnBye != nil {
					s.callbacks.OnBye(ssrc, reason, raw.ReceivedAt)
				}
			}

		default:
			// APP and any other constituent type is informational only;
			// spec.md section 4.4 doesn't require surfacing it.
		}
	}
}

func (s *Session) applyReceptionReports(reporterSSRC uint32, reports []rtcp.ReceptionReport, now time.Time) {
	for _, r := range reports {
		if r.SSRC != s.builder.SSRC() {
			continue
		}
		s.table.ProcessReceiverReport(reporterSSRC, r.FractionLost, r.TotalLost, r.LastSequenceNumber, r.Jitter, r.LastSenderReport, r.Delay, now)
	}
}

func (s *Session) applySDES(pkt *rtcp.SourceDescription, now time.Time) {
	for _, chunk := range pkt.Chunks {
		for _, item := range chunk.Items {
			if item.Type == rtcp.SDESPrivate {
				prefix, value, err := rtcppacket.UnpackPriv(item.Text)
				if err != nil {
					continue
				}
				s.table.ApplyPriv(chunk.Source, prefix, value, now)
				continue
			}
			if kind, ok := sdesKindName(item.Type); ok {
				s.table.ApplySDES(chunk.Source, kind, item.Text, now)
			}
		}
	}
}

func sdesKindName(t rtcp.SDESType) (string, bool) {
	switch t {
	case rtcp.SDESCNAME:
		return "CNAME", true
	case rtcp.SDESName:
		return "NAME", true
	case rtcp.SDESEmail:
		return "EMAIL", true
	case rtcp.SDESPhone:
		return "PHONE", true
	case rtcp.SDESLocation:
		return "LOC", true
	case rtcp.SDESTool:
		return "TOOL", true
	case rtcp.SDESNote:
		return "NOTE", true
	default:
		return "", false
	}
}

func (s *Session) schedulerInterval() time.Duration {
	nSenders, nMembers := s.memberCounts()
	s.schedMtx.Lock()
	defer s.schedMtx.Unlock()
	return s.scheduler.DeterministicInterval(nSenders, nMembers, s.weSent())
}

func (s *Session) maybeSendRTCP(now time.Time) {
	nSenders, nMembers := s.memberCounts()
	weSent := s.weSent()

	s.schedMtx.Lock()
	due := s.scheduler.IsTime(now, nSenders, nMembers, weSent)
	s.schedMtx.Unlock()

	if !due {
		return
	}
	s.sendRTCP(now, false, "")

	s.table.Timeout(now, s.schedulerInterval())
	s.table.ClearProcessed()

	s.schedMtx.Lock()
	s.scheduler.ReconsiderMembers(now, s.table.TotalCount())
	s.schedMtx.Unlock()
}

func (s *Session) maybeSendQueuedBye(now time.Time) {
	s.packsentMtx.Lock()
	reason := s.byeReason
	s.packsentMtx.Unlock()
	if reason == "" {
		return
	}

	_, nMembers := s.memberCounts()
	s.schedMtx.Lock()
	due := s.scheduler.IsByeTime(now, nMembers)
	s.schedMtx.Unlock()
	if due {
		s.sendQueuedBye(now)
	}
}

func (s *Session) sendBye(now time.Time, reason string) {
	s.sendRTCP(now, true, reason)
}

func (s *Session) sendQueuedBye(now time.Time) {
	s.packsentMtx.Lock()
	reason := s.byeReason
	s.byeReason = ""
	s.packsentMtx.Unlock()

	s.sendRTCP(now, true, reason)

	s.schedMtx.Lock()
	s.scheduler.MarkByeSent(0)
	s.schedMtx.Unlock()
}

// sendRTCP builds and transmits the next compound RTCP packet, draining
// any continuation report blocks the size budget couldn't fit in one
// packet (spec.md section 4.4's forward-progress guarantee).
func (s *Session) sendRTCP(now time.Time, sendBye bool, byeReason string) {
	sender := s.senderState()
	if sendBye && s.params.DisableSenderReportForBye {
		sender.IsSender = false
	}
	nSenders, nMembers := s.memberCounts()

	for {
		buf, err := s.rtcpBuilder.BuildNext(now, sender, sendBye, byeReason)
		if err != nil {
			s.reportPollError(rtperrors.OperationFailed(component, "failed to build RTCP packet", err))
			return
		}

		if _, err := s.metrics.rtcpOut.Write(buf); err != nil {
			s.reportPollError(rtperrors.OperationFailed(component, "failed to send RTCP packet", err))
			return
		}
		s.metrics.rtcpPacketsSent.Inc()
		s.metrics.refreshBytesSent()
		s.metrics.refreshSourceCounts(s.table.TotalCount(), s.table.SenderCount(), s.table.ActiveCount())

		s.schedMtx.Lock()
		s.scheduler.MarkSent(now, len(buf), nSenders, nMembers, sender.IsSender)
		interval := s.scheduler.DeterministicInterval(nSenders, nMembers, sender.IsSender)
		s.schedMtx.Unlock()
		s.metrics.rtcpInterval.Set(interval.Seconds())

		if !s.rtcpBuilder.HasPendingWork() {
			return
		}
	}
}
