package monitoring

import (
	"net/http"
	"time"

	"github.com/mezonai/peerpay/logx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type SendResult string

var (
	SendDelivered SendResult = "delivered"
	SendUnknown   SendResult = "unknown"
	SendFailed    SendResult = "failed"
)

type walletPromMetrics struct {
	sessionUpUnixSeconds prometheus.Gauge
	queueSize            *prometheus.GaugeVec
	syncRuns             *prometheus.CounterVec
	syncDuration         prometheus.Histogram
	syncErrorCount       prometheus.Gauge
	envelopeSent         *prometheus.CounterVec
	envelopeReceived     *prometheus.CounterVec
	envelopeSizeBytes    prometheus.Histogram
	nonceReservations    *prometheus.CounterVec
	peerCount            *prometheus.GaugeVec
	panicCount           prometheus.Counter
	timeToSettlement     prometheus.Histogram
	eventsDropped        *prometheus.CounterVec
}

func newWalletPromMetrics() *walletPromMetrics {
	return &walletPromMetrics{
		sessionUpUnixSeconds: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "peerpay_session_up_timestamp_unix_seconds",
				Help: "Unix timestamp of the wallet session start",
			},
		),
		queueSize: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "peerpay_queue_size",
				Help: "Number of queued transactions by status",
			},
			[]string{"status"},
		),
		syncRuns: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "peerpay_sync_runs_total",
				Help: "Number of sync runs by outcome",
			},
			[]string{"outcome"},
		),
		syncDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name: "peerpay_sync_duration_seconds",
				Help: "Duration of a sync run in seconds",
			},
		),
		syncErrorCount: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "peerpay_sync_error_count",
				Help: "Visible sync error counter, cleared by the user",
			},
		),
		envelopeSent: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "peerpay_envelope_sent_total",
				Help: "Envelopes handed to a transport by transport and result",
			},
			[]string{"transport", "result"},
		),
		envelopeReceived: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "peerpay_envelope_received_total",
				Help: "Envelopes received by transport and result",
			},
			[]string{"transport", "result"},
		),
		envelopeSizeBytes: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "peerpay_envelope_size_bytes",
				Help:    "Encoded envelope size in bytes",
				Buckets: []float64{256, 512, 1024, 1536, 2048, 2953, 4096},
			},
		),
		nonceReservations: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "peerpay_nonce_reservations_total",
				Help: "Nonce reservations by source (reused or created)",
			},
			[]string{"source"},
		),
		peerCount: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "peerpay_peer_count",
				Help: "Discovered peers by transport",
			},
			[]string{"transport"},
		),
		panicCount: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "peerpay_panic_count",
				Help: "The total number of recovered panics",
			},
		),
		timeToSettlement: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "peerpay_time_to_settlement_seconds",
				Help:    "Latency in second from enqueue until the transaction is confirmed",
				Buckets: prometheus.ExponentialBuckets(1, 4, 10),
			},
		),
		eventsDropped: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "peerpay_events_dropped_total",
				Help: "Wallet events not delivered because a subscriber was full",
			},
			[]string{"type"},
		),
	}
}

// Registered on import so collaborators never see a nil collector.
var walletMetrics = newWalletPromMetrics()

// MarkSessionStart records the session start time.
func MarkSessionStart() {
	walletMetrics.sessionUpUnixSeconds.SetToCurrentTime()
}

func RegisterMetrics(mux *http.ServeMux) {
	logx.Info("MONITORING", "Registering prometheus metrics")
	mux.Handle("/metrics", promhttp.Handler())
}

func SetQueueSize(status string, size int) {
	walletMetrics.queueSize.With(prometheus.Labels{"status": status}).Set(float64(size))
}

func RecordSyncRun(outcome string, duration time.Duration) {
	walletMetrics.syncRuns.With(prometheus.Labels{"outcome": outcome}).Inc()
	walletMetrics.syncDuration.Observe(duration.Seconds())
}

func SetSyncErrorCount(n int) {
	walletMetrics.syncErrorCount.Set(float64(n))
}

func RecordEnvelopeSent(transport string, result SendResult) {
	walletMetrics.envelopeSent.With(prometheus.Labels{
		"transport": transport,
		"result":    string(result),
	}).Inc()
}

func RecordEnvelopeReceived(transport, result string) {
	walletMetrics.envelopeReceived.With(prometheus.Labels{
		"transport": transport,
		"result":    result,
	}).Inc()
}

func RecordEnvelopeSize(size int) {
	walletMetrics.envelopeSizeBytes.Observe(float64(size))
}

func IncreaseNonceReservation(source string) {
	walletMetrics.nonceReservations.With(prometheus.Labels{"source": source}).Inc()
}

func SetPeerCount(transport string, peers int) {
	walletMetrics.peerCount.With(prometheus.Labels{"transport": transport}).Set(float64(peers))
}

func IncreasePanicCount() {
	walletMetrics.panicCount.Inc()
}

func RecordTimeToSettlement(duration time.Duration) {
	walletMetrics.timeToSettlement.Observe(duration.Seconds())
}

func IncreaseEventsDropped(eventType string) {
	walletMetrics.eventsDropped.With(prometheus.Labels{"type": eventType}).Inc()
}
