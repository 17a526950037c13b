// Package rtpsession implements an RFC 3550 RTP/RTCP session engine: a
// source table tracking every participant seen on a session, adaptive RTCP
// scheduling, compound RTCP assembly, and outgoing RTP packet construction,
// all driven over an application-supplied Transport.
//
// The engine never opens a socket itself (spec.md section 1's Non-goal:
// "the concrete network transport implementations are external
// collaborators"); callers implement Transport against UDP, RTSP
// interleaving, WebRTC data channels, or anything else that can move
// datagrams.
package rtpsession

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"

	"github.com/nanortp/rtpsession/pkg/clock"
	"github.com/nanortp/rtpsession/pkg/packetbuilder"
	"github.com/nanortp/rtpsession/pkg/rtcpbuilder"
	"github.com/nanortp/rtpsession/pkg/rtcpscheduler"
	"github.com/nanortp/rtpsession/pkg/rtperrors"
	"github.com/nanortp/rtpsession/pkg/rtprand"
	"github.com/nanortp/rtpsession/pkg/sourcetable"
)

// Version identifies this module's implementation of the session engine,
// for diagnostic logging and SDES TOOL items.
const Version = "0.1.0"

type sessionState int

const (
	stateNew sessionState = iota
	stateCreated
	stateDestroyed
)

// Session is one RTP/RTCP session: a source table, an adaptive RTCP
// scheduler, and the packet builders for this participant's own outgoing
// traffic.
//
// The five named mutexes below are acquired in a single fixed order —
// sourcesMtx, then builderMtx, then schedMtx, then packsentMtx, then
// waitMtx — and no code path holding a later lock acquires an earlier
// one. Each leaf package (sourcetable, packetbuilder, rtcpscheduler,
// rtcpbuilder) guards its own state with its own mutex; those are always
// innermost relative to the five below, except for sourcetable's
// OnCollision callback, which releases its lock before calling back into
// the session specifically so resolveOwnCollision can call Table.Delete/
// CreateOwn without deadlocking.
type Session struct {
	transport Transport
	params    Params
	cname     string

	clock *clock.Clock
	rng   *rtprand.Source

	table       *sourcetable.Table
	scheduler   *rtcpscheduler.Scheduler
	rtcpBuilder *rtcpbuilder.Builder
	builder     *packetbuilder.Builder

	callbacks Callbacks
	metrics   *metrics

	sourcesMtx  sync.Mutex // guards state and own-collision resolution
	builderMtx  sync.Mutex // guards lastRTPTimestamp/lastPacketTime sender-state snapshot
	schedMtx    sync.Mutex // serializes the scheduler decide-and-send sequence
	packsentMtx sync.Mutex // guards hasSentAnything and the pending BYE reason
	waitMtx     sync.Mutex // guards waitPending/abortPending

	state sessionState

	lastRTPTimestamp uint32
	lastPacketTime   time.Time

	hasSentAnything bool
	byeReason       string

	waitPending  bool
	abortPending bool

	pollStop chan struct{}
	pollDone chan struct{}
}

// New validates params and assembles a Session's internal components. The
// transport is not initialized or created until Create is called (spec.md
// section 6, "Create" is a distinct lifecycle step from construction); New
// only queries its HeaderOverhead, and its LocalHostName when
// ResolveLocalHostname is set and no CNAME is given.
func New(transport Transport, params Params, callbacks Callbacks) (*Session, error) {
	if transport == nil {
		return nil, rtperrors.InvalidParameter(component, "transport must not be nil")
	}
	if params.OwnTimestampUnit <= 0 {
		return nil, rtperrors.InvalidParameter(component, "OwnTimestampUnit must be set to seconds per RTP tick")
	}

	p := params.withDefaults()

	s := &Session{
		transport: transport,
		params:    p,
		clock:     clock.New(),
		rng:       rtprand.New(),
		callbacks: callbacks,
	}

	s.cname = p.CNAME
	if s.cname == "" {
		s.cname = s.defaultCNAME()
	}

	s.table = sourcetable.New(sourcetable.Config{
		ProbationMode:              p.ProbationMode.toTable(),
		ProbationCount:             p.ProbationCount,
		TimestampUnit:              p.OwnTimestampUnit,
		SenderTimeoutMultiplier:    p.SenderTimeoutMultiplier,
		MemberTimeoutMultiplier:    p.MemberTimeoutMultiplier,
		ByeTimeoutMultiplier:       p.ByeTimeoutMultiplier,
		NoteTimeoutMultiplier:      p.NoteTimeoutMultiplier,
		CollisionTimeoutMultiplier: p.CollisionTimeoutMultiplier,
	}, sourcetable.Callbacks{
		OnNewSource: func(ssrc uint32) {
			if s.callbacks.OnNewSource != nil {
				s.callbacks.OnNewSource(ssrc)
			}
		},
		OnValidated: func(ssrc uint32) {
			if s.callbacks.OnSourceValidated != nil {
				s.callbacks.OnSourceValidated(ssrc)
			}
		},
		OnCollision: s.handleCollision,
		OnMemberRemove: func(ssrc uint32) {
			if s.callbacks.OnMemberRemove != nil {
				s.callbacks.OnMemberRemove(ssrc)
			}
		},
	})

	s.metrics = newMetrics("rtpsession", transport)
	s.builder = packetbuilder.New(s.rng, p.MaxPacketSize, s.table, p.PredefinedSSRC)

	s.scheduler = rtcpscheduler.New(rtcpscheduler.Params{
		SessionBandwidth: p.SessionBandwidth,
		RTCPFraction:     p.ControlTrafficFraction,
		SenderFraction:   p.SenderControlBandwidthFraction,
		MinInterval:      p.MinRTCPInterval,
		UseHalfAtStartup: !p.DisableStartupHalving,
		ImmediateBye:     !p.DisableImmediateBye,
		HeaderOverhead:   transport.HeaderOverhead(),
	}, s.rng)

	s.rtcpBuilder = rtcpbuilder.New(rtcpbuilder.Config{
		CNAME:    s.cname,
		Name:     p.SDESName,
		Email:    p.SDESEmail,
		Phone:    p.SDESPhone,
		Location: p.SDESLocation,
		Tool:     p.SDESTool,
		Note:     p.SDESNote,
		Intervals: rtcpbuilder.SDESItemConfig{
			Name:     p.SDESIntervals.Name,
			Email:    p.SDESIntervals.Email,
			Phone:    p.SDESIntervals.Phone,
			Location: p.SDESIntervals.Location,
			Tool:     p.SDESIntervals.Tool,
			Note:     p.SDESIntervals.Note,
		},
		MaxPacketSize: p.MaxPacketSize,
	}, s.table)

	return s, nil
}

func (s *Session) defaultCNAME() string {
	if s.params.ResolveLocalHostname {
		if host, err := s.transport.LocalHostName(); err == nil && host != "" {
			return uuid.NewString() + "@" + host
		}
	}
	return uuid.NewString()
}

// Create brings the transport up and starts the session's own source
// record and RTCP schedule (spec.md section 4.5). Unless
// Params.DisablePollThread is set, it also starts a background goroutine
// that drives Poll for the application.
func (s *Session) Create() error {
	s.sourcesMtx.Lock()
	defer s.sourcesMtx.Unlock()

	if s.state != stateNew {
		return rtperrors.InvalidState(component, "session already created")
	}

	if err := s.transport.Init(!s.params.SingleThreaded); err != nil {
		return rtperrors.OperationFailed(component, "transport init failed", err)
	}
	if err := s.transport.Create(s.params.MaxPacketSize); err != nil {
		return rtperrors.OperationFailed(component, "transport create failed", err)
	}

	now := s.clock.Wall()
	s.table.CreateOwn(s.builder.SSRC(), s.cname, now)
	s.scheduler.Initialize(now, 0, 1, false)

	s.state = stateCreated

	if !s.params.DisablePollThread {
		s.pollStop = make(chan struct{})
		s.pollDone = make(chan struct{})
		go s.pollLoop()
	}

	return nil
}

// Destroy tears the session down without sending a final BYE. Use
// BYEDestroy when the application is leaving the session cleanly.
func (s *Session) Destroy() error {
	s.sourcesMtx.Lock()
	if s.state != stateCreated {
		s.sourcesMtx.Unlock()
		return rtperrors.InvalidState(component, "session not created")
	}
	s.state = stateDestroyed
	s.sourcesMtx.Unlock()

	if s.pollStop != nil {
		close(s.pollStop)
		_ = s.transport.AbortWait()
		<-s.pollDone
	}

	if err := s.transport.Destroy(); err != nil {
		return rtperrors.OperationFailed(component, "transport destroy failed", err)
	}
	return nil
}

// BYEDestroy sends a BYE per the RTCP scheduler's rule (immediate when
// membership is small, otherwise scheduled like any other RTCP packet),
// waits up to maxWait for that send to happen, and then destroys the
// session (spec.md section 4.5, "graceful leave").
func (s *Session) BYEDestroy(reason string, maxWait time.Duration) error {
	if err := s.requireState(stateCreated); err != nil {
		return err
	}

	now := s.clock.Wall()
	_, nMembers := s.memberCounts()

	s.schedMtx.Lock()
	immediate := s.scheduler.ScheduleBye(now, nMembers)
	s.schedMtx.Unlock()

	if immediate {
		s.sendBye(now, reason)
	} else {
		s.packsentMtx.Lock()
		s.byeReason = reason
		s.packsentMtx.Unlock()

		deadline := time.Now().Add(maxWait)
		for time.Now().Before(deadline) {
			s.schedMtx.Lock()
			due := s.scheduler.IsByeTime(s.clock.Wall(), nMembers)
			s.schedMtx.Unlock()
			if due {
				s.sendQueuedBye(s.clock.Wall())
				break
			}
			time.Sleep(50 * time.Millisecond)
		}
	}

	return s.Destroy()
}

// SendPacket builds and transmits one outgoing RTP packet under this
// session's own SSRC (spec.md section 4.5).
func (s *Session) SendPacket(payload []byte, payloadType uint8, marker bool, tsIncrement uint32) error {
	if err := s.requireState(stateCreated); err != nil {
		return err
	}

	buf, err := s.builder.Build(payload, payloadType, marker, tsIncrement)
	if err != nil {
		return err
	}

	if _, err := s.metrics.rtpOut.Write(buf); err != nil {
		return rtperrors.OperationFailed(component, "failed to send RTP packet", err)
	}
	s.metrics.rtpPacketsSent.Inc()
	s.metrics.refreshBytesSent()

	now := s.clock.Wall()
	s.builderMtx.Lock()
	s.lastRTPTimestamp = s.builder.LastTimestamp()
	s.lastPacketTime = now
	s.builderMtx.Unlock()

	s.packsentMtx.Lock()
	s.hasSentAnything = true
	s.packsentMtx.Unlock()

	return nil
}

func (s *Session) senderState() rtcpbuilder.SenderState {
	s.builderMtx.Lock()
	ownSSRC := s.builder.SSRC()
	packets, octets := s.builder.Counts()
	lastTS := s.lastRTPTimestamp
	lastAt := s.lastPacketTime
	s.builderMtx.Unlock()

	s.packsentMtx.Lock()
	isSender := s.hasSentAnything
	s.packsentMtx.Unlock()

	return rtcpbuilder.SenderState{
		IsSender:         isSender,
		OwnSSRC:          ownSSRC,
		PacketCount:      packets,
		OctetCount:       octets,
		LastRTPTimestamp: lastTS,
		LastPacketTime:   lastAt,
		TimestampUnit:    s.params.OwnTimestampUnit,
	}
}

func (s *Session) memberCounts() (nSenders, nMembers int) {
	return s.table.SenderCount(), s.table.TotalCount()
}

func (s *Session) weSent() bool {
	s.packsentMtx.Lock()
	defer s.packsentMtx.Unlock()
	return s.hasSentAnything
}

func (s *Session) requireState(want sessionState) error {
	s.sourcesMtx.Lock()
	defer s.sourcesMtx.Unlock()
	if s.state != want {
		return rtperrors.InvalidState(component, "operation not valid in the session's current lifecycle state")
	}
	return nil
}

func (s *Session) reportPollError(err error) {
	log.Warn().Err(err).Msg("rtpsession: poll error")
	if s.callbacks.OnPollError != nil {
		s.callbacks.OnPollError(err)
	}
}

// SourceSnapshots returns a read-only copy of every source this session
// currently tracks (spec.md section 9 open question: a read API over the
// source table).
func (s *Session) SourceSnapshots() []sourcetable.Source {
	return s.table.Snapshot()
}

// Metrics returns the session's Prometheus registry, for the application
// to expose alongside its own metrics.
func (s *Session) Metrics() *prometheus.Registry {
	return s.metrics.registry
}

// --- Transport passthroughs (spec.md section 6) ---

func (s *Session) AddDestination(addr string) error {
	if err := s.requireState(stateCreated); err != nil {
		return err
	}
	if err := s.transport.AddDestination(addr); err != nil {
		return rtperrors.OperationFailed(component, "add destination failed", err)
	}
	return nil
}

func (s *Session) DeleteDestination(addr string) error {
	if err := s.requireState(stateCreated); err != nil {
		return err
	}
	if err := s.transport.DeleteDestination(addr); err != nil {
		return rtperrors.OperationFailed(component, "delete destination failed", err)
	}
	return nil
}

func (s *Session) ClearDestinations() error {
	if err := s.requireState(stateCreated); err != nil {
		return err
	}
	if err := s.transport.ClearDestinations(); err != nil {
		return rtperrors.OperationFailed(component, "clear destinations failed", err)
	}
	return nil
}

func (s *Session) JoinMulticastGroup(addr string) error {
	if err := s.requireState(stateCreated); err != nil {
		return err
	}
	if err := s.transport.JoinMulticastGroup(addr); err != nil {
		return rtperrors.OperationFailed(component, "join multicast group failed", err)
	}
	return nil
}

func (s *Session) LeaveMulticastGroup(addr string) error {
	if err := s.requireState(stateCreated); err != nil {
		return err
	}
	if err := s.transport.LeaveMulticastGroup(addr); err != nil {
		return rtperrors.OperationFailed(component, "leave multicast group failed", err)
	}
	return nil
}

func (s *Session) LeaveAllMulticastGroups() error {
	if err := s.requireState(stateCreated); err != nil {
		return err
	}
	if err := s.transport.LeaveAllMulticastGroups(); err != nil {
		return rtperrors.OperationFailed(component, "leave all multicast groups failed", err)
	}
	return nil
}

func (s *Session) SetReceiveMode(mode ReceiveMode) error {
	if err := s.requireState(stateCreated); err != nil {
		return err
	}
	if err := s.transport.SetReceiveMode(mode); err != nil {
		return rtperrors.OperationFailed(component, "set receive mode failed", err)
	}
	return nil
}

func (s *Session) AddToAcceptList(addr string) error {
	if err := s.requireState(stateCreated); err != nil {
		return err
	}
	return wrapOp("add to accept list", s.transport.AddToAcceptList(addr))
}

func (s *Session) DeleteFromAcceptList(addr string) error {
	if err := s.requireState(stateCreated); err != nil {
		return err
	}
	return wrapOp("delete from accept list", s.transport.DeleteFromAcceptList(addr))
}

func (s *Session) ClearAcceptList() error {
	if err := s.requireState(stateCreated); err != nil {
		return err
	}
	return wrapOp("clear accept list", s.transport.ClearAcceptList())
}

func (s *Session) AddToIgnoreList(addr string) error {
	if err := s.requireState(stateCreated); err != nil {
		return err
	}
	return wrapOp("add to ignore list", s.transport.AddToIgnoreList(addr))
}

func (s *Session) DeleteFromIgnoreList(addr string) error {
	if err := s.requireState(stateCreated); err != nil {
		return err
	}
	return wrapOp("delete from ignore list", s.transport.DeleteFromIgnoreList(addr))
}

func (s *Session) ClearIgnoreList() error {
	if err := s.requireState(stateCreated); err != nil {
		return err
	}
	return wrapOp("clear ignore list", s.transport.ClearIgnoreList())
}

func wrapOp(detail string, err error) error {
	if err == nil {
		return nil
	}
	return rtperrors.OperationFailed(component, detail+" failed", err)
}
