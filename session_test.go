package rtpsession

import (
	"sync"
	"testing"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/stretchr/testify/require"

	"github.com/nanortp/rtpsession/pkg/rtcppacket"
	rtppkt "github.com/nanortp/rtpsession/pkg/rtppacket"
)

// fakeTransport is a minimal in-memory Transport double: Create/Destroy
// are no-ops, sent datagrams land in queues the test can inspect, and
// NextPacket drains a queue the test fills to simulate incoming traffic.
type fakeTransport struct {
	mu sync.Mutex

	rtpSent  [][]byte
	rtcpSent [][]byte

	incoming []RawPacket

	acceptList []string
	ignoreList []string
	destAddrs  []string
	multicast  []string
	mode       ReceiveMode
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{}
}

func (f *fakeTransport) Init(threadSafe bool) error         { return nil }
func (f *fakeTransport) Create(maxPacketSize int) error     { return nil }
func (f *fakeTransport) Destroy() error                     { return nil }
func (f *fakeTransport) HeaderOverhead() int                { return 28 }
func (f *fakeTransport) LocalHostName() (string, error)     { return "test-host", nil }
func (f *fakeTransport) ComesFromThisTransmitter(string) bool { return false }

func (f *fakeTransport) SendRTPData(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := append([]byte(nil), data...)
	f.rtpSent = append(f.rtpSent, cp)
	return nil
}

func (f *fakeTransport) SendRTCPData(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := append([]byte(nil), data...)
	f.rtcpSent = append(f.rtcpSent, cp)
	return nil
}

func (f *fakeTransport) Poll() error { return nil }

func (f *fakeTransport) WaitForIncomingData(delay time.Duration) (bool, error) {
	return false, nil
}

func (f *fakeTransport) AbortWait() error { return nil }

func (f *fakeTransport) NextPacket() (RawPacket, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.incoming) == 0 {
		return RawPacket{}, false
	}
	raw := f.incoming[0]
	f.incoming = f.incoming[1:]
	return raw, true
}

func (f *fakeTransport) pushIncoming(raw RawPacket) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.incoming = append(f.incoming, raw)
}

func (f *fakeTransport) AddDestination(addr string) error {
	f.destAddrs = append(f.destAddrs, addr)
	return nil
}
func (f *fakeTransport) DeleteDestination(addr string) error { return nil }
func (f *fakeTransport) ClearDestinations() error            { f.destAddrs = nil; return nil }

func (f *fakeTransport) JoinMulticastGroup(addr string) error {
	f.multicast = append(f.multicast, addr)
	return nil
}
func (f *fakeTransport) LeaveMulticastGroup(addr string) error { return nil }
func (f *fakeTransport) LeaveAllMulticastGroups() error        { f.multicast = nil; return nil }

func (f *fakeTransport) SetReceiveMode(mode ReceiveMode) error { f.mode = mode; return nil }
func (f *fakeTransport) AddToAcceptList(addr string) error {
	f.acceptList = append(f.acceptList, addr)
	return nil
}
func (f *fakeTransport) DeleteFromAcceptList(addr string) error { return nil }
func (f *fakeTransport) ClearAcceptList() error                 { f.acceptList = nil; return nil }
func (f *fakeTransport) AddToIgnoreList(addr string) error {
	f.ignoreList = append(f.ignoreList, addr)
	return nil
}
func (f *fakeTransport) DeleteFromIgnoreList(addr string) error { return nil }
func (f *fakeTransport) ClearIgnoreList() error                 { f.ignoreList = nil; return nil }

func newTestSession(t *testing.T, transport Transport, params Params) *Session {
	t.Helper()
	params.DisablePollThread = true
	params.OwnTimestampUnit = 1.0 / 8000
	s, err := New(transport, params, Callbacks{})
	require.NoError(t, err)
	return s
}

func TestSessionCreateDestroyLifecycle(t *testing.T) {
	ft := newFakeTransport()
	s := newTestSession(t, ft, Params{})

	require.Equal(t, stateNew, s.state)
	require.NoError(t, s.Create())
	require.Equal(t, stateCreated, s.state)

	require.Error(t, s.Create()) // already created

	require.NoError(t, s.Destroy())
	require.Equal(t, stateDestroyed, s.state)
	require.Error(t, s.Destroy()) // already destroyed
}

func TestSessionSendPacketRequiresCreated(t *testing.T) {
	ft := newFakeTransport()
	s := newTestSession(t, ft, Params{})

	err := s.SendPacket([]byte("payload"), 96, false, 160)
	require.Error(t, err)

	require.NoError(t, s.Create())
	require.NoError(t, s.SendPacket([]byte("payload"), 96, false, 160))

	ft.mu.Lock()
	require.Len(t, ft.rtpSent, 1)
	ft.mu.Unlock()

	require.NoError(t, s.Destroy())
}

func TestSessionSendPacketAdvancesSenderState(t *testing.T) {
	ft := newFakeTransport()
	s := newTestSession(t, ft, Params{})
	require.NoError(t, s.Create())
	defer s.Destroy()

	before := s.senderState()
	require.False(t, before.IsSender)
	require.Zero(t, before.PacketCount)

	require.NoError(t, s.SendPacket([]byte("abcd"), 96, false, 160))
	require.NoError(t, s.SendPacket([]byte("efgh"), 96, false, 160))

	after := s.senderState()
	require.True(t, after.IsSender)
	require.Equal(t, uint32(2), after.PacketCount)
	require.Equal(t, uint32(8), after.OctetCount)
}

func TestSessionBYEDestroySendsBye(t *testing.T) {
	ft := newFakeTransport()
	s := newTestSession(t, ft, Params{})
	require.NoError(t, s.Create())

	require.NoError(t, s.BYEDestroy("leaving", 200*time.Millisecond))
	require.Equal(t, stateDestroyed, s.state)

	ft.mu.Lock()
	defer ft.mu.Unlock()
	require.NotEmpty(t, ft.rtcpSent)

	packets, err := rtcppacket.Parse(ft.rtcpSent[len(ft.rtcpSent)-1])
	require.NoError(t, err)

	var sawBye bool
	for _, p := range packets {
		if bye, ok := p.(*rtcp.Goodbye); ok {
			sawBye = true
			require.Equal(t, "leaving", bye.Reason)
		}
	}
	require.True(t, sawBye, "expected a Goodbye packet in the final compound RTCP send")
}

func TestSessionDispatchDeliversRTPFromValidatedSource(t *testing.T) {
	ft := newFakeTransport()

	var mu sync.Mutex
	var delivered []uint32

	params := Params{ProbationMode: NoProbation}
	params.DisablePollThread = true
	params.OwnTimestampUnit = 1.0 / 8000
	s, err := New(ft, params, Callbacks{
		OnRTPPacket: func(ssrc uint32, pkt *rtppkt.Packet) {
			mu.Lock()
			delivered = append(delivered, ssrc)
			mu.Unlock()
		},
	})
	require.NoError(t, err)
	require.NoError(t, s.Create())
	defer s.Destroy()

	const peerSSRC = 0xCAFEBABE
	buf, err := (&rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    96,
			SequenceNumber: 1000,
			Timestamp:      1,
			SSRC:           peerSSRC,
		},
		Payload: []byte("hello"),
	}).Marshal()
	require.NoError(t, err)

	ft.pushIncoming(RawPacket{Data: buf, Addr: "peer:5004", ReceivedAt: time.Now(), IsRTP: true})
	require.NoError(t, s.Poll())

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []uint32{peerSSRC}, delivered)
}

func TestSessionResolvesOwnSSRCCollision(t *testing.T) {
	ft := newFakeTransport()
	s := newTestSession(t, ft, Params{})
	require.NoError(t, s.Create())
	defer s.Destroy()

	ownSSRC := s.builder.SSRC()

	var collidedSSRC uint32
	var isOwnCollision bool
	s.callbacks.OnCollision = func(ssrc uint32, isOwn bool) {
		collidedSSRC = ssrc
		isOwnCollision = isOwn
	}

	sr := &rtcp.SenderReport{SSRC: ownSSRC, NTPTime: 1, RTPTime: 1}
	buf, err := rtcppacket.Build([]rtcp.Packet{sr})
	require.NoError(t, err)

	// The first report from a given address merely records it; the
	// collision only fires once a second address claims the same SSRC.
	ft.pushIncoming(RawPacket{Data: buf, Addr: "first:5004", ReceivedAt: time.Now(), IsRTP: false})
	require.NoError(t, s.Poll())
	require.Zero(t, collidedSSRC, "a single reporting address must not be treated as a collision")

	ft.pushIncoming(RawPacket{Data: buf, Addr: "impostor:5004", ReceivedAt: time.Now(), IsRTP: false})
	require.NoError(t, s.Poll())

	require.Equal(t, ownSSRC, collidedSSRC)
	require.True(t, isOwnCollision)
	require.NotEqual(t, ownSSRC, s.builder.SSRC(), "own SSRC should have been regenerated after the collision")

	_, found := s.table.Lookup(ownSSRC)
	require.False(t, found, "the old SSRC's record should have been removed")
	_, found = s.table.Lookup(s.builder.SSRC())
	require.True(t, found, "the new SSRC should have its own source record")
}

func TestSessionCollisionSendsByeForOldSSRCWhenAlreadySending(t *testing.T) {
	ft := newFakeTransport()
	s := newTestSession(t, ft, Params{})
	require.NoError(t, s.Create())
	defer s.Destroy()

	ownSSRC := s.builder.SSRC()
	require.NoError(t, s.SendPacket([]byte("payload"), 96, false, 160))

	sr := &rtcp.SenderReport{SSRC: ownSSRC, NTPTime: 1, RTPTime: 1}
	buf, err := rtcppacket.Build([]rtcp.Packet{sr})
	require.NoError(t, err)

	ft.pushIncoming(RawPacket{Data: buf, Addr: "first:5004", ReceivedAt: time.Now(), IsRTP: false})
	require.NoError(t, s.Poll())

	ft.pushIncoming(RawPacket{Data: buf, Addr: "impostor:5004", ReceivedAt: time.Now(), IsRTP: false})
	require.NoError(t, s.Poll())

	require.NotEqual(t, ownSSRC, s.builder.SSRC())

	ft.mu.Lock()
	defer ft.mu.Unlock()

	var sawByeForOldSSRC bool
	for _, sent := range ft.rtcpSent {
		packets, err := rtcppacket.Parse(sent)
		require.NoError(t, err)
		for _, p := range packets {
			if bye, ok := p.(*rtcp.Goodbye); ok {
				for _, src := range bye.Sources {
					if src == ownSSRC {
						sawByeForOldSSRC = true
					}
				}
			}
		}
	}
	require.True(t, sawByeForOldSSRC, "a BYE naming the old SSRC should have been sent before it was regenerated")
}
