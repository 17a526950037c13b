package sourcetable

import (
	"net"
	"sort"
	"sync"
	"time"

	"github.com/nanortp/rtpsession/pkg/collisionlist"
	"github.com/nanortp/rtpsession/pkg/rtppacket"
)

// Table is the set of observed source records, keyed by SSRC.
type Table struct {
	cfg       Config
	callbacks Callbacks

	mu         sync.Mutex
	sources    map[uint32]*Source
	collisions *collisionlist.List

	totalCount  int
	senderCount int
	activeCount int
}

// New constructs an empty Table.
func New(cfg Config, callbacks Callbacks) *Table {
	return &Table{
		cfg:        cfg.withDefaults(),
		callbacks:  callbacks,
		sources:    make(map[uint32]*Source),
		collisions: collisionlist.New(),
	}
}

// TotalCount, SenderCount and ActiveCount report the three counts
// maintained incrementally per spec.md section 3 invariant 2.
func (t *Table) TotalCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.totalCount
}

func (t *Table) SenderCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.senderCount
}

func (t *Table) ActiveCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.activeCount
}

// Lookup returns the source record for ssrc, if any.
func (t *Table) Lookup(ssrc uint32) (*Source, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sources[ssrc]
	return s, ok
}

// Snapshot returns a copy of the current source list, for read-only
// inspection (e.g. the session engine's SourceSnapshots API).
func (t *Table) Snapshot() []Source {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Source, 0, len(t.sources))
	for _, s := range t.sources {
		c := *s
		if s.Priv != nil {
			c.Priv = make(map[string][]byte, len(s.Priv))
			for k, v := range s.Priv {
				c.Priv[k] = v
			}
		}
		out = append(out, c)
	}
	return out
}

func (t *Table) newSourceLocked(ssrc uint32, now time.Time) *Source {
	s := &Source{
		SSRC:          ssrc,
		Created:       now,
		BaseSeq:       0,
		ExtHighestSeq: 0,
	}
	t.sources[ssrc] = s
	t.totalCount++
	if t.callbacks.OnNewSource != nil {
		t.callbacks.OnNewSource(ssrc)
	}
	return s
}

// CreateOwn creates the local participant's own source record, marking it
// validated and active per spec.md section 4.2.
func (t *Table) CreateOwn(ssrc uint32, cname string, now time.Time) *Source {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := t.newSourceLocked(ssrc, now)
	s.IsOwn = true
	s.Validated = true
	s.Active = true
	s.CNAME = cname
	t.activeCount++
	return s
}

func (t *Table) validateLocked(s *Source, now time.Time) {
	if s.Validated {
		return
	}
	s.Validated = true
	s.Active = true
	t.activeCount++
	if !s.IsOwn {
		s.Sender = true
		t.senderCount++
	}
	if t.callbacks.OnValidated != nil {
		t.callbacks.OnValidated(s.SSRC)
	}
}

func sameHost(a, b string) bool {
	ha, _, errA := net.SplitHostPort(a)
	hb, _, errB := net.SplitHostPort(b)
	if errA != nil {
		ha = a
	}
	if errB != nil {
		hb = b
	}
	return ha == hb
}

// CheckCollision implements spec.md section 4.2's per-packet collision
// check. It records addr as the source's address on channel when none was
// previously recorded, accepts it when the other channel's address is
// from the same host, and otherwise reports a collision and returns true
// (the caller must drop the packet).
// OnCollision fires after the table's internal lock is released (not from
// a deferred unlock) because the session engine's own-SSRC resolution
// handler calls back into Delete/CreateOwn synchronously; invoking it
// while still locked would deadlock on the same goroutine.
func (t *Table) CheckCollision(ssrc uint32, channel Channel, addr string, now time.Time) bool {
	if addr == "" {
		return false
	}

	t.mu.Lock()

	s, ok := t.sources[ssrc]
	if !ok {
		s = t.newSourceLocked(ssrc, now)
	}

	stored, other := &s.RTPAddr, s.RTCPAddr
	if channel == ChannelRTCP {
		stored, other = &s.RTCPAddr, s.RTPAddr
	}

	if *stored == "" {
		if other != "" && !sameHost(other, addr) {
			t.collisions.UpdateAddress(addr, now)
			isOwn := s.IsOwn
			t.mu.Unlock()

			if t.callbacks.OnCollision != nil {
				t.callbacks.OnCollision(ssrc, isOwn)
			}
			return true
		}
		*stored = addr
		t.mu.Unlock()
		return false
	}

	if *stored == addr {
		t.mu.Unlock()
		return false
	}

	t.collisions.UpdateAddress(addr, now)
	isOwn := s.IsOwn
	t.mu.Unlock()

	if t.callbacks.OnCollision != nil {
		t.callbacks.OnCollision(ssrc, isOwn)
	}
	return true
}

// InUse reports whether ssrc already names a known source, satisfying
// packetbuilder.CollisionChecker for own-SSRC regeneration after a
// collision.
func (t *Table) InUse(ssrc uint32) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.sources[ssrc]
	return ok
}

// HasCollidingAddress reports whether addr is a currently-tracked colliding
// address.
func (t *Table) HasCollidingAddress(addr string) bool {
	return t.collisions.HasAddress(addr)
}

// insertQueue inserts pkt into s.packetQueue in ascending extended-sequence
// order, dropping exact duplicates and, while onProbation, enforcing the
// 32-packet bound by evicting the lowest sequence number first (spec.md
// section 4.2 step 5).
func insertQueue(s *Source, extSeq uint32, pkt *rtppacket.Packet, onProbation bool) {
	for _, e := range s.packetQueue {
		if e.extSeq == extSeq {
			return
		}
	}

	if onProbation && len(s.packetQueue) >= maxProbationQueue {
		s.packetQueue = s.packetQueue[1:]
	}

	pos := len(s.packetQueue)
	for pos > 0 && s.packetQueue[pos-1].extSeq > extSeq {
		pos--
	}
	s.packetQueue = append(s.packetQueue, packetEntry{})
	copy(s.packetQueue[pos+1:], s.packetQueue[pos:])
	s.packetQueue[pos] = packetEntry{extSeq: extSeq, pkt: pkt}
}

// updateJitter applies the RFC 3550 section 6.4.1 Q4 interarrival jitter
// update, skipping the update when the wrap-safe RTP-timestamp difference
// is ill-defined (spec.md section 4.2 steps 3-4).
func (t *Table) updateJitter(s *Source, pkt *rtppacket.Packet, now time.Time) {
	if s.LastRTPArrival.IsZero() {
		return
	}

	diff, ok := rtpTimestampDiff(pkt.Timestamp, s.PrevRTPTimestamp)
	if !ok {
		return
	}

	arrivalDeltaSeconds := now.Sub(s.PrevArrival).Seconds()
	unit := t.cfg.TimestampUnit
	if unit == 0 {
		return
	}

	d := arrivalDeltaSeconds/unit - float64(diff)
	if d < 0 {
		d = -d
	}
	s.JitterQ4 += (d - s.JitterQ4) / 16
}

// IngestRTP processes a validated-address RTP packet per spec.md section
// 4.2: extended sequence reconstruction, probation, jitter, CSRC
// propagation, and ordered queue insertion. It returns false if the
// packet was dropped (address collision).
func (t *Table) IngestRTP(pkt *rtppacket.Packet, addr string, now time.Time) bool {
	ssrc := pkt.SSRC

	if t.CheckCollision(ssrc, ChannelRTP, addr, now) {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.sources[ssrc]
	if !ok {
		s = t.newSourceLocked(ssrc, now)
	}
	s.LastAnyArrival = now

	switch {
	case !s.Validated && t.cfg.ProbationMode == NoProbation:
		s.BaseSeq = uint32(pkt.SequenceNumber)
		s.ExtHighestSeq = uint32(pkt.SequenceNumber)
		t.validateLocked(s, now)
		insertQueue(s, s.ExtHighestSeq, pkt, false)

	case !s.Validated:
		t.ingestProbationLocked(s, pkt, now)

	default:
		t.ingestValidatedLocked(s, pkt, now)
	}

	s.PacketsReceived++
	s.IntervalPackets++
	s.LastRTPArrival = now
	s.PrevRTPTimestamp = pkt.Timestamp
	s.PrevArrival = now

	if s.Validated {
		t.propagateCSRCLocked(pkt, now)
	}

	return true
}

func (t *Table) ingestProbationLocked(s *Source, pkt *rtppacket.Packet, now time.Time) {
	seq := pkt.SequenceNumber
	onDiscard := t.cfg.ProbationMode == ProbationDiscard

	if s.probationCount == 0 {
		s.probationCount = 1
		s.probationSeq = seq
		s.BaseSeq = uint32(seq)
		s.ExtHighestSeq = uint32(seq)
		if !onDiscard {
			insertQueue(s, uint32(seq), pkt, true)
		}
		return
	}

	if seq == s.probationSeq+1 {
		s.probationCount++
		s.probationSeq = seq
		if uint32(seq) > s.ExtHighestSeq {
			s.ExtHighestSeq = uint32(seq)
		}
		if !onDiscard {
			insertQueue(s, uint32(seq), pkt, true)
		}
		t.updateJitter(s, pkt, now)

		if s.probationCount >= t.cfg.ProbationCount {
			t.validateLocked(s, now)
		}
		return
	}

	// gap: reset, most recent packet becomes the new reference
	s.probationCount = 1
	s.probationSeq = seq
	s.BaseSeq = uint32(seq)
	s.ExtHighestSeq = uint32(seq)
	if !onDiscard {
		insertQueue(s, uint32(seq), pkt, true)
	}
}

func (t *Table) ingestValidatedLocked(s *Source, pkt *rtppacket.Packet, now time.Time) {
	extSeq := reconstructExtendedSeq(s.ExtHighestSeq, pkt.SequenceNumber)
	if extSeq > s.ExtHighestSeq {
		s.ExtHighestSeq = extSeq
		s.Cycles = uint16(extSeq >> 16)
	}

	t.updateJitter(s, pkt, now)
	insertQueue(s, extSeq, pkt, false)
}

func (t *Table) propagateCSRCLocked(pkt *rtppacket.Packet, now time.Time) {
	for _, csrc := range pkt.CSRC {
		if _, ok := t.sources[csrc]; ok {
			continue
		}
		cs := t.newSourceLocked(csrc, now)
		cs.IsCSRC = true
		cs.Validated = true
	}
}

// DequeueAll drains a validated source's packet queue in ascending
// extended-sequence order. It returns nil for unknown or unvalidated
// sources (probation-discard and probation-store sources withhold
// delivery until validation).
func (t *Table) DequeueAll(ssrc uint32) []*rtppacket.Packet {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.sources[ssrc]
	if !ok || !s.Validated {
		return nil
	}

	out := make([]*rtppacket.Packet, len(s.packetQueue))
	for i, e := range s.packetQueue {
		out[i] = e.pkt
	}
	s.packetQueue = s.packetQueue[:0]
	return out
}

// ProcessSenderReport records a received RTCP sender report against its
// source, shifting SRCurrent into SRPrevious.
func (t *Table) ProcessSenderReport(ssrc uint32, ntpTime uint64, rtpTime, packetCount, octetCount uint32, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.sources[ssrc]
	if !ok {
		s = t.newSourceLocked(ssrc, now)
	}

	s.SRPrevious = s.SRCurrent
	s.SRCurrent = &SRSummary{
		NTPTime:     ntpTime,
		RTPTime:     rtpTime,
		PacketCount: packetCount,
		OctetCount:  octetCount,
		ReceivedAt:  now,
	}
	s.LastAnyArrival = now
	if !s.IsOwn {
		s.Sender = true
	}
}

// ProcessReceiverReport records a reception-report block about the local
// participant's own SSRC, received from the reporter identified by
// reporterSSRC.
func (t *Table) ProcessReceiverReport(
	reporterSSRC uint32,
	fractionLost uint8,
	totalLost, lastSeq, jitter, lsr, dlsr uint32,
	now time.Time,
) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.sources[reporterSSRC]
	if !ok {
		s = t.newSourceLocked(reporterSSRC, now)
	}

	s.RRPrevious = s.RRCurrent
	s.RRCurrent = &RRSummary{
		FractionLost:       fractionLost,
		TotalLost:          totalLost,
		LastSequenceNumber: lastSeq,
		Jitter:             jitter,
		LastSenderReport:   lsr,
		Delay:              dlsr,
		ReceivedAt:         now,
	}
	s.LastAnyArrival = now
}

// ApplySDES applies one SDES item to its source. A CNAME item validates
// the source immediately if it wasn't already (spec.md section 3,
// "validated becomes true ... upon receipt of any SDES CNAME item").
func (t *Table) ApplySDES(ssrc uint32, kind string, value string, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.sources[ssrc]
	if !ok {
		s = t.newSourceLocked(ssrc, now)
	}
	s.LastAnyArrival = now

	switch kind {
	case "CNAME":
		s.CNAME = value
		t.validateLocked(s, now)
	case "NAME":
		s.Name = value
	case "EMAIL":
		s.Email = value
	case "PHONE":
		s.Phone = value
	case "LOC":
		s.Location = value
	case "TOOL":
		s.Tool = value
	case "NOTE":
		s.Note = value
		s.NoteLastUpdate = now
	}
}

// ApplyPriv records a PRIV SDES item's prefix/value pair.
func (t *Table) ApplyPriv(ssrc uint32, prefix string, value []byte, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.sources[ssrc]
	if !ok {
		s = t.newSourceLocked(ssrc, now)
	}
	if s.Priv == nil {
		s.Priv = make(map[string][]byte)
	}
	s.Priv[prefix] = value
	s.LastAnyArrival = now
}

// ApplyBye marks a source as having sent BYE.
func (t *Table) ApplyBye(ssrc uint32, reason string, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.sources[ssrc]
	if !ok {
		return
	}
	s.ReceivedBye = true
	s.ByeTime = now
	s.ByeReason = reason
	s.LastAnyArrival = now

	if s.Active {
		s.Active = false
		t.activeCount--
	}
}

// Stats computes the per-source statistics the RTCP builder needs for a
// reception report block (spec.md section 4.2, final paragraph).
func (t *Table) Stats(ssrc uint32) (Stats, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.sources[ssrc]
	if !ok {
		return Stats{}, false
	}

	expected := s.ExtHighestSeq - s.IntervalSavedSeq
	var fractionLost uint8
	if expected > 0 && s.IntervalPackets < expected {
		lost := expected - s.IntervalPackets
		fractionLost = uint8(min(uint32(lost)*256/expected, 255))
	}

	expectedTotal := int64(s.ExtHighestSeq) - int64(s.BaseSeq) + 1
	cumulativeLost := expectedTotal - int64(s.PacketsReceived)
	if cumulativeLost < 0 {
		// spec.md section 9 open question: clamp to 0 rather than report
		// a negative cumulative loss when duplicates outnumber expected.
		cumulativeLost = 0
	}
	if cumulativeLost > 0xFFFFFF {
		cumulativeLost = 0xFFFFFF
	}

	var lsr, dlsr uint32
	if s.SRCurrent != nil {
		lsr = uint32(s.SRCurrent.NTPTime >> 16)
	}

	return Stats{
		FractionLost:  fractionLost,
		PacketsLost:   int32(cumulativeLost),
		ExtHighestSeq: s.ExtHighestSeq,
		Jitter:        uint32(s.JitterQ4),
		LSR:           lsr,
		DLSR:          dlsr,
	}, true
}

// DLSRNow computes DLSR (delay since last SR, in 1/65536 s units) as of
// now; split out from Stats since it depends on the RTCP builder's
// current wall-clock time rather than the source record alone.
func (t *Table) DLSRNow(ssrc uint32, now time.Time) uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.sources[ssrc]
	if !ok || s.SRCurrent == nil {
		return 0
	}
	return uint32(now.Sub(s.SRCurrent.ReceivedAt).Seconds() * 65536)
}

// ResetInterval clears a source's RR interval counters after the RTCP
// builder has emitted a report block for it (spec.md section 4.4).
func (t *Table) ResetInterval(ssrc uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.sources[ssrc]
	if !ok {
		return
	}
	s.IntervalSavedSeq = s.ExtHighestSeq
	s.IntervalPackets = 0
}

// ForeignReportable returns the SSRCs of foreign, non-CSRC sources that
// have sent validated RTP since the last RTCP build and have not yet been
// marked processed in the current compound packet (spec.md section 4.4,
// "report block selection"), in ascending SSRC order.
func (t *Table) ForeignReportable() []uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []uint32
	for ssrc, s := range t.sources {
		if s.IsOwn || s.IsCSRC || !s.Validated || s.ProcessedInRTCP {
			continue
		}
		if s.IntervalPackets == 0 {
			continue
		}
		out = append(out, ssrc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// MarkProcessed sets/clears the transient ProcessedInRTCP flag.
func (t *Table) MarkProcessed(ssrc uint32, processed bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.sources[ssrc]; ok {
		s.ProcessedInRTCP = processed
	}
}

// ClearProcessed clears ProcessedInRTCP on every source, called once a
// full RTCP report cycle across every member has completed.
func (t *Table) ClearProcessed() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, s := range t.sources {
		s.ProcessedInRTCP = false
	}
}

// Delete removes a source outright (used by the session's own-SSRC
// collision-resolution flow).
func (t *Table) Delete(ssrc uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.deleteLocked(ssrc)
}

func (t *Table) deleteLocked(ssrc uint32) {
	s, ok := t.sources[ssrc]
	if !ok {
		return
	}
	delete(t.sources, ssrc)
	t.totalCount--
	if s.Active {
		t.activeCount--
	}
	if s.Sender {
		t.senderCount--
	}
}

// Timeout sweeps every source for the five lifecycle timeouts of spec.md
// section 3 ("Lifecycle"): sender -> non-sender, general member removal,
// BYE removal, SDES NOTE clearing, and the collision list's own timeout.
// deterministicInterval is the scheduler's current RTCP interval; each
// timeout is that interval scaled by its configured multiplier.
func (t *Table) Timeout(now time.Time, deterministicInterval time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	senderTimeout := deterministicInterval * time.Duration(t.cfg.SenderTimeoutMultiplier)
	memberTimeout := deterministicInterval * time.Duration(t.cfg.MemberTimeoutMultiplier)
	byeTimeout := deterministicInterval * time.Duration(t.cfg.ByeTimeoutMultiplier)
	noteTimeout := deterministicInterval * time.Duration(t.cfg.NoteTimeoutMultiplier)
	collisionTimeout := deterministicInterval * time.Duration(t.cfg.CollisionTimeoutMultiplier)

	t.collisions.Timeout(now, collisionTimeout)

	var toRemove []uint32
	for ssrc, s := range t.sources {
		if s.IsOwn {
			continue
		}

		if s.ReceivedBye && now.Sub(s.ByeTime) >= byeTimeout {
			toRemove = append(toRemove, ssrc)
			continue
		}

		if now.Sub(s.LastAnyArrival) >= memberTimeout {
			toRemove = append(toRemove, ssrc)
			continue
		}

		if s.Sender && now.Sub(s.LastRTPArrival) >= senderTimeout {
			s.Sender = false
			t.senderCount--
		}

		if s.Note != "" && !s.NoteLastUpdate.IsZero() && now.Sub(s.NoteLastUpdate) >= noteTimeout {
			s.Note = ""
		}
	}

	for _, ssrc := range toRemove {
		t.deleteLocked(ssrc)
		if t.callbacks.OnMemberRemove != nil {
			t.callbacks.OnMemberRemove(ssrc)
		}
	}
}

func min(a, b uint32) uint32 {
	if a < b {
		return a
	}
	return b
}
