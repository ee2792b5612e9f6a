package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rdtlink",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"service", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "rdtlink",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"service", "method", "path", "status"},
	)
	framesSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rdtlink",
			Subsystem: "frames",
			Name:      "sent_total",
			Help:      "Frames handed to the unreliable channel.",
		},
		[]string{"level", "kind", "retransmit"},
	)
	framesReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rdtlink",
			Subsystem: "frames",
			Name:      "received_total",
			Help:      "Frames decoded from the unreliable channel.",
		},
		[]string{"level", "kind"},
	)
	framesCorrupt = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rdtlink",
			Subsystem: "frames",
			Name:      "corrupt_total",
			Help:      "Frames discarded for failing checksum or framing validation.",
		},
		[]string{"level", "path"},
	)
	duplicates = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rdtlink",
			Subsystem: "arq",
			Name:      "duplicates_total",
			Help:      "Stale data frames re-acknowledged without delivery.",
		},
		[]string{"level"},
	)
	timeouts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rdtlink",
			Subsystem: "arq",
			Name:      "timeouts_total",
			Help:      "Reply timeouts that triggered a retransmission.",
		},
		[]string{"level"},
	)
	linkFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rdtlink",
			Subsystem: "arq",
			Name:      "link_failures_total",
			Help:      "Sends abandoned after exhausting the retransmit ceiling.",
		},
		[]string{"level"},
	)
	sendDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "rdtlink",
			Subsystem: "arq",
			Name:      "send_duration_seconds",
			Help:      "Time from first transmission to acknowledgment.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"level"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests, httpDuration,
			framesSent, framesReceived, framesCorrupt,
			duplicates, timeouts, linkFailures, sendDuration,
		)
	})
}

func RecordHTTPRequest(service, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(service, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(service, method, path, statusLabel).Observe(duration.Seconds())
}

func RecordFrameSent(level, kind string, retransmit bool) {
	RegisterMetrics()
	framesSent.WithLabelValues(level, kind, strconv.FormatBool(retransmit)).Inc()
}

func RecordFrameReceived(level, kind string) {
	RegisterMetrics()
	framesReceived.WithLabelValues(level, kind).Inc()
}

// RecordCorruptFrame counts a discarded frame; path is "send" or "receive".
func RecordCorruptFrame(level, path string) {
	RegisterMetrics()
	framesCorrupt.WithLabelValues(level, path).Inc()
}

func RecordDuplicate(level string) {
	RegisterMetrics()
	duplicates.WithLabelValues(level).Inc()
}

func RecordTimeout(level string) {
	RegisterMetrics()
	timeouts.WithLabelValues(level).Inc()
}

func RecordLinkFailure(level string) {
	RegisterMetrics()
	linkFailures.WithLabelValues(level).Inc()
}

func RecordSendDuration(level string, duration time.Duration) {
	RegisterMetrics()
	sendDuration.WithLabelValues(level).Observe(duration.Seconds())
}
