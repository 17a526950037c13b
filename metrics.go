package rtpsession

import (
	"bytes"
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/nanortp/rtpsession/pkg/bytecounter"
)

// transportWriter adapts one Transport send method to io.Writer so it can
// be wrapped in pkg/bytecounter, the teacher's read/write byte-counting
// utility (kept verbatim). Read is never called: the transport's receive
// path delivers whole datagrams rather than a stream, so only the write
// side of the wrapper is exercised; received bytes are counted instead by
// feeding each datagram through a throwaway ByteCounter's Read in
// recordReceived.
type transportWriter struct {
	send func([]byte) error
}

func (w *transportWriter) Write(p []byte) (int, error) {
	if err := w.send(p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (w *transportWriter) Read(p []byte) (int, error) { return 0, io.EOF }

// metrics holds the session's Prometheus instrumentation. Each Session
// owns its own registry rather than registering into the global default
// one, so that more than one Session can coexist in a process (arzzra/
// soft_phone's promauto-based MetricsCollector informed this shape, minus
// its enable/disable toggle: this module's ambient stack is always on).
type metrics struct {
	registry *prometheus.Registry

	totalSources  prometheus.Gauge
	senderSources prometheus.Gauge
	activeSources prometheus.Gauge
	rtcpInterval  prometheus.Gauge

	collisions      prometheus.Counter
	loopbackIgnored prometheus.Counter
	rtpPacketsSent  prometheus.Counter
	rtpPacketsRecv  prometheus.Counter
	rtcpPacketsSent prometheus.Counter
	rtcpPacketsRecv prometheus.Counter
	bytesSent       prometheus.Gauge
	bytesReceived   prometheus.Gauge

	rtpOut, rtcpOut           *bytecounter.ByteCounter
	sentBytes                 *uint64
	recvBytes, recvReadErrors uint64
}

func newMetrics(namespace string, transport Transport) *metrics {
	registry := prometheus.NewRegistry()
	f := promauto.With(registry)

	sent := new(uint64)
	m := &metrics{
		registry: registry,
		totalSources: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "sources_total",
			Help: "Sources currently tracked in the source table.",
		}),
		senderSources: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "sources_sender",
			Help: "Sources currently flagged as senders.",
		}),
		activeSources: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "sources_active",
			Help: "Sources currently active (validated, not timed out).",
		}),
		rtcpInterval: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "rtcp_interval_seconds",
			Help: "Current deterministic RTCP interval.",
		}),
		collisions: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "collisions_total",
			Help: "SSRC/address collisions detected.",
		}),
		loopbackIgnored: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "loopback_packets_ignored_total",
			Help: "Packets dropped as originating from this transmitter's own address.",
		}),
		rtpPacketsSent: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "rtp_packets_sent_total", Help: "RTP packets sent.",
		}),
		rtpPacketsRecv: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "rtp_packets_received_total", Help: "RTP packets received.",
		}),
		rtcpPacketsSent: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "rtcp_packets_sent_total", Help: "RTCP compound packets sent.",
		}),
		rtcpPacketsRecv: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "rtcp_packets_received_total", Help: "RTCP compound packets received.",
		}),
		bytesSent: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "bytes_sent_total", Help: "Bytes sent on the RTP and RTCP channels.",
		}),
		bytesReceived: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "bytes_received_total", Help: "Bytes received on the RTP and RTCP channels.",
		}),
		sentBytes: sent,
	}

	m.rtpOut = bytecounter.New(&transportWriter{send: transport.SendRTPData}, nil, sent, nil, nil)
	m.rtcpOut = bytecounter.New(&transportWriter{send: transport.SendRTCPData}, nil, sent, nil, nil)
	return m
}

// recordReceived counts a received datagram's bytes through pkg/bytecounter
// by replaying it through a Reader, so the same counting/error-tracking
// logic backs both directions.
func (m *metrics) recordReceived(data []byte) {
	rc := bytecounter.New(bytes.NewReader(data), &m.recvBytes, nil, &m.recvReadErrors, nil)
	buf := make([]byte, len(data))
	_, _ = rc.Read(buf)
	m.bytesReceived.Set(float64(rc.BytesReceived()))
}

func (m *metrics) refreshBytesSent() {
	m.bytesSent.Set(float64(*m.sentBytes))
}

func (m *metrics) refreshSourceCounts(total, sender, active int) {
	m.totalSources.Set(float64(total))
	m.senderSources.Set(float64(sender))
	m.activeSources.Set(float64(active))
}
