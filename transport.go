package rtpsession

import "time"

// RawPacket is one datagram read off the transport, tagged with enough
// metadata for the poll cycle to dispatch it (spec.md section 6,
// "GetNextPacket").
type RawPacket struct {
	Data       []byte
	Addr       string
	ReceivedAt time.Time
	IsRTP      bool
}

// Transport is the contract the session engine consumes (spec.md section
// 6, "Transport interface"). This module never implements a concrete
// transport: UDP sockets, RTSP-interleaved channels, and WebRTC data
// channels are all external collaborators that satisfy this interface.
type Transport interface {
	// Init prepares the transport, informing it whether the session needs
	// thread-safe access (Params.SingleThreaded false).
	Init(threadSafe bool) error
	// Create allocates the transport's send/receive resources.
	Create(maxPacketSize int) error
	// Destroy releases every resource Create allocated.
	Destroy() error

	SendRTPData(data []byte) error
	SendRTCPData(data []byte) error

	// Poll performs one non-blocking pass over pending I/O.
	Poll() error
	// WaitForIncomingData blocks until data is available, delay elapses,
	// or AbortWait is called from another goroutine. It returns whether
	// data is ready.
	WaitForIncomingData(delay time.Duration) (bool, error)
	// AbortWait unblocks a concurrent WaitForIncomingData call.
	AbortWait() error

	// NextPacket returns the next buffered raw packet, if any.
	NextPacket() (RawPacket, bool)

	AddDestination(addr string) error
	DeleteDestination(addr string) error
	ClearDestinations() error

	JoinMulticastGroup(addr string) error
	LeaveMulticastGroup(addr string) error
	LeaveAllMulticastGroups() error

	SetReceiveMode(mode ReceiveMode) error
	AddToAcceptList(addr string) error
	DeleteFromAcceptList(addr string) error
	ClearAcceptList() error
	AddToIgnoreList(addr string) error
	DeleteFromIgnoreList(addr string) error
	ClearIgnoreList() error

	LocalHostName() (string, error)
	// ComesFromThisTransmitter reports whether addr is one of this
	// transmitter's own local addresses, for loopback detection (spec.md
	// section 6, "accept_own_packets").
	ComesFromThisTransmitter(addr string) bool
	// HeaderOverhead is the per-packet framing overhead (e.g. UDP/IP
	// headers) the RTCP bandwidth-share calculation must account for.
	HeaderOverhead() int
}
