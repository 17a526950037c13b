// Package rtcpscheduler implements the RFC 3550 section 6.3 adaptive RTCP
// transmission interval algorithm (spec.md section 4.3): the deterministic
// bandwidth-share interval, randomized jitter with the e-1.5 compensation
// factor, forward and reverse reconsideration, and the parallel BYE
// scheduler.
//
// The mutex-guarded value-type shape (lock, mutate, unlock, no goroutine
// of its own) is grounded on the teacher's internal/rtcpsender.RTCPSender,
// generalized from its one-shot periodic timer into the full multi-member
// adaptive algorithm this spec requires.
package rtcpscheduler

import (
	"math"
	"sync"
	"time"

	"github.com/nanortp/rtpsession/pkg/rtprand"
)

// compensationFactor is RFC 3550's correction for the bias introduced by
// scaling the deterministic interval by a uniform [0.5, 1.5] factor.
const compensationFactor = math.E - 1.5

// Params are the session-wide scheduler parameters (spec.md section 4.3).
type Params struct {
	SessionBandwidth float64 // bytes/sec, default 10000
	RTCPFraction     float64 // control_traffic_fraction, default 0.05
	SenderFraction   float64 // sender_control_bandwidth_fraction, default 0.25
	MinInterval      time.Duration
	UseHalfAtStartup bool
	ImmediateBye     bool
	HeaderOverhead   int // bytes added per packet by the transport
}

func (p Params) withDefaults() Params {
	if p.SessionBandwidth == 0 {
		p.SessionBandwidth = 10000
	}
	if p.RTCPFraction == 0 {
		p.RTCPFraction = 0.05
	}
	if p.SenderFraction == 0 {
		p.SenderFraction = 0.25
	}
	if p.MinInterval == 0 {
		p.MinInterval = 5 * time.Second
	}
	return p
}

// Scheduler holds the adaptive algorithm's mutable state. It never reads
// the source table directly: every call takes the current sender/member
// counts from whoever owns the dispatch (spec.md section 9, "scheduler
// ↔ source table coupling").
type Scheduler struct {
	params Params
	rng    *rtprand.Source

	mu           sync.Mutex
	avgRTCPSize  float64
	prevMembers  int
	hasSentRTCP  bool
	firstCall    bool
	prevRTCPTime time.Time
	nextRTCPTime time.Time

	byeScheduled   bool
	sendByeNow     bool
	byeMembers     int
	prevByeMembers int
	avgByeSize     float64
	byeFirstCall   bool
	prevByeTime    time.Time
	nextByeTime    time.Time
}

// New constructs a Scheduler. rng supplies the uniform jitter factor U and
// must be locked for multi-threaded use (spec.md section 4.7); rtprand.Source
// already does this.
func New(params Params, rng *rtprand.Source) *Scheduler {
	return &Scheduler{
		params:      params.withDefaults(),
		rng:         rng,
		firstCall:   true,
		avgRTCPSize: float64(params.withDefaults().HeaderOverhead + 48), // RFC 3550 appendix A.7 default seed
	}
}

// Initialize sets the starting point for the scheduler's timeline.
func (s *Scheduler) Initialize(now time.Time, nSenders, nMembers int, weSent bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.prevMembers = nMembers
	s.prevRTCPTime = now
	s.nextRTCPTime = now.Add(s.nextIntervalLocked(nSenders, nMembers, weSent))
}

// deterministicIntervalLocked computes T_d (spec.md section 4.3).
func (s *Scheduler) deterministicIntervalLocked(nSenders, nMembers int, weSent bool) time.Duration {
	rtcpBandwidth := s.params.SessionBandwidth * s.params.RTCPFraction
	if rtcpBandwidth == 0 {
		return s.params.MinInterval
	}

	n := nMembers
	bandwidth := rtcpBandwidth
	if nSenders > 0 && float64(nSenders) < float64(nMembers)*s.params.SenderFraction {
		if weSent {
			n = nSenders
			bandwidth = rtcpBandwidth * s.params.SenderFraction
		} else {
			n = nMembers - nSenders
			bandwidth = rtcpBandwidth * (1 - s.params.SenderFraction)
		}
	}
	if n <= 0 || bandwidth <= 0 {
		return s.params.MinInterval
	}

	packetSize := s.avgRTCPSize + float64(s.params.HeaderOverhead)
	interval := time.Duration(packetSize * float64(n) / bandwidth * float64(time.Second))

	minInterval := s.params.MinInterval
	if s.params.UseHalfAtStartup && s.firstCall {
		minInterval /= 2
	}
	if interval < minInterval {
		interval = minInterval
	}
	return interval
}

// nextIntervalLocked scales T_d by a uniform U in [0.5, 1.5] and the
// compensation factor.
func (s *Scheduler) nextIntervalLocked(nSenders, nMembers int, weSent bool) time.Duration {
	td := s.deterministicIntervalLocked(nSenders, nMembers, weSent)
	u := s.rng.UniformRange(0.5, 1.5)
	return time.Duration(float64(td) * u / compensationFactor)
}

// DeterministicInterval exposes T_d without the randomization factor, for
// callers that scale other timeouts off the scheduler's current interval
// (e.g. the source table's member/sender/BYE timeout sweep).
func (s *Scheduler) DeterministicInterval(nSenders, nMembers int, weSent bool) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deterministicIntervalLocked(nSenders, nMembers, weSent)
}

// NextInterval is the exported, locked form of nextIntervalLocked, usable
// by callers that need the value without mutating scheduler state (e.g.
// the section 8 minimum-interval property test).
func (s *Scheduler) NextInterval(nSenders, nMembers int, weSent bool) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextIntervalLocked(nSenders, nMembers, weSent)
}

// IsTime reports whether now >= the scheduled next RTCP time. On a true
// result it performs forward reconsideration per RFC 3550 section 6.3.3:
// recompute with current counts and draw a fresh U; if the recomputed
// schedule says it isn't time yet after all, reschedule and return false.
func (s *Scheduler) IsTime(now time.Time, nSenders, nMembers int, weSent bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if now.Before(s.nextRTCPTime) {
		return false
	}

	candidate := s.prevRTCPTime.Add(s.nextIntervalLocked(nSenders, nMembers, weSent))
	if !now.Before(candidate) {
		return true
	}

	s.nextRTCPTime = candidate
	return false
}

// MarkSent records that an RTCP compound packet of the given size was just
// transmitted at now, advancing the schedule.
func (s *Scheduler) MarkSent(now time.Time, size int, nSenders, nMembers int, weSent bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.recordSizeLocked(size)
	s.hasSentRTCP = true
	s.firstCall = false
	s.prevMembers = nMembers
	s.prevRTCPTime = now
	s.nextRTCPTime = now.Add(s.nextIntervalLocked(nSenders, nMembers, weSent))
}

// RecordIncomingSize updates the average RTCP packet size EWMA for a
// received compound packet (spec.md section 4.3, "ingress accounting").
func (s *Scheduler) RecordIncomingSize(size int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recordSizeLocked(size)
}

func (s *Scheduler) recordSizeLocked(size int) {
	s.avgRTCPSize = s.avgRTCPSize*15.0/16.0 + float64(size)/16.0
}

// ReconsiderMembers implements reverse reconsideration (spec.md section
// 4.3): when membership shrinks, scale both the previous and next RTCP
// times toward the present.
func (s *Scheduler) ReconsiderMembers(now time.Time, nMembers int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.prevMembers == 0 || nMembers >= s.prevMembers {
		s.prevMembers = nMembers
		return
	}

	factor := float64(nMembers) / float64(s.prevMembers)
	s.nextRTCPTime = now.Add(time.Duration(float64(s.nextRTCPTime.Sub(now)) * factor))
	s.prevRTCPTime = now.Add(time.Duration(float64(s.prevRTCPTime.Sub(now)) * factor))
	s.prevMembers = nMembers
}

// ScheduleBye decides whether a BYE should be sent immediately (bypassing
// the interval, per spec.md section 4.3's BYE-scheduling rule) or
// enqueued onto the parallel BYE scheduler.
func (s *Scheduler) ScheduleBye(now time.Time, nMembers int) (immediate bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.params.ImmediateBye && nMembers <= 50 {
		s.sendByeNow = true
		return true
	}

	s.byeScheduled = true
	s.byeMembers = nMembers
	s.prevByeMembers = nMembers
	s.byeFirstCall = true
	s.prevByeTime = now
	s.nextByeTime = now.Add(s.byeIntervalLocked(nMembers))
	return false
}

func (s *Scheduler) byeIntervalLocked(nMembers int) time.Duration {
	rtcpBandwidth := s.params.SessionBandwidth * s.params.RTCPFraction
	if rtcpBandwidth == 0 || nMembers <= 0 {
		return s.params.MinInterval
	}
	packetSize := s.avgByeSize + float64(s.params.HeaderOverhead)
	interval := time.Duration(packetSize * float64(nMembers) / rtcpBandwidth * float64(time.Second))

	minInterval := s.params.MinInterval
	if s.params.UseHalfAtStartup && s.byeFirstCall {
		minInterval /= 2
	}
	if interval < minInterval {
		interval = minInterval
	}

	u := s.rng.UniformRange(0.5, 1.5)
	return time.Duration(float64(interval) * u / compensationFactor)
}

// IsByeTime reports whether the parallel BYE scheduler says it is time to
// send the queued BYE.
func (s *Scheduler) IsByeTime(now time.Time, nMembers int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sendByeNow {
		return true
	}
	if !s.byeScheduled {
		return false
	}
	return !now.Before(s.nextByeTime)
}

// MarkByeSent records that the queued BYE, of the given size, was
// transmitted.
func (s *Scheduler) MarkByeSent(size int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.avgByeSize = s.avgByeSize*15.0/16.0 + float64(size)/16.0
	s.byeScheduled = false
	s.sendByeNow = false
}
