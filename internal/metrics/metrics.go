package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Recorder groups the searcher's prometheus collectors. A nil *Recorder is
// valid and records nothing
type Recorder struct {
	blocksScanned    prometheus.Counter
	pathsProbed      prometheus.Counter
	pathErrors       prometheus.Counter
	opportunities    prometheus.Counter
	scanSeconds      prometheus.Histogram
	bundles          *prometheus.CounterVec
	streamEvents     *prometheus.CounterVec
	streamReconnects prometheus.Counter
	reserveErrors    prometheus.Counter
}

func New(reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		blocksScanned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "triarb",
			Name:      "blocks_scanned_total",
			Help:      "Blocks run through the scanner.",
		}),
		pathsProbed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "triarb",
			Name:      "paths_probed_total",
			Help:      "Paths simulated at the one-unit probe.",
		}),
		pathErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "triarb",
			Name:      "path_errors_total",
			Help:      "Paths skipped because simulation failed.",
		}),
		opportunities: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "triarb",
			Name:      "opportunities_total",
			Help:      "Opportunities with positive net profit.",
		}),
		scanSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "triarb",
			Name:      "scan_duration_seconds",
			Help:      "Time spent scanning one block.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
		bundles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "triarb",
			Name:      "bundle_results_total",
			Help:      "Bundle attempts by terminal state.",
		}, []string{"state"}),
		streamEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "triarb",
			Name:      "stream_events_total",
			Help:      "Events received from the node subscription.",
		}, []string{"kind"}),
		streamReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "triarb",
			Name:      "stream_reconnects_total",
			Help:      "Websocket reconnect attempts.",
		}),
		reserveErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "triarb",
			Name:      "reserve_diff_errors_total",
			Help:      "Block diffs that could not be fetched or applied.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			r.blocksScanned,
			r.pathsProbed,
			r.pathErrors,
			r.opportunities,
			r.scanSeconds,
			r.bundles,
			r.streamEvents,
			r.streamReconnects,
			r.reserveErrors,
		)
	}
	return r
}

func (r *Recorder) ObserveScan(took time.Duration, probed, failed, found int) {
	if r == nil {
		return
	}
	r.blocksScanned.Inc()
	r.pathsProbed.Add(float64(probed))
	r.pathErrors.Add(float64(failed))
	r.opportunities.Add(float64(found))
	r.scanSeconds.Observe(took.Seconds())
}

func (r *Recorder) BundleResult(state string) {
	if r == nil {
		return
	}
	r.bundles.WithLabelValues(state).Inc()
}

func (r *Recorder) StreamEvent(kind string) {
	if r == nil {
		return
	}
	r.streamEvents.WithLabelValues(kind).Inc()
}

func (r *Recorder) StreamReconnect() {
	if r == nil {
		return
	}
	r.streamReconnects.Inc()
}

func (r *Recorder) ReserveError() {
	if r == nil {
		return
	}
	r.reserveErrors.Inc()
}
