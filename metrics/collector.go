package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	LabelResult = "result"
	LabelCurve  = "curve"
	LabelKind   = "kind"
	LabelState  = "state"

	ResultOK       = "ok"
	ResultRejected = "rejected"
	ResultFailed   = "failed"
)

// Collector records restore activity. A nil *Collector is valid and
// records nothing, so components can be built without a registry.
type Collector struct {
	blinderUploads   *prometheus.CounterVec
	bundleUploads    *prometheus.CounterVec
	shareSubmissions *prometheus.CounterVec
	reconstructions  *prometheus.CounterVec
	rebinds          *prometheus.CounterVec
	rebindDuration   *prometheus.HistogramVec
	lifecycleState   prometheus.Gauge
	quarantined      prometheus.Gauge
}

// NewCollector registers the restore metrics with reg.
func NewCollector(namespace string, reg prometheus.Registerer) *Collector {
	f := promauto.With(reg)
	return &Collector{
		blinderUploads: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "restore",
			Name:      "blinder_uploads_total",
			Help:      "set_blinders requests by result",
		}, []string{LabelResult}),
		bundleUploads: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "restore",
			Name:      "bundle_uploads_total",
			Help:      "set_key_backup requests by result",
		}, []string{LabelResult}),
		shareSubmissions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "restore",
			Name:      "share_submissions_total",
			Help:      "recovery-party decryption share submissions by result",
		}, []string{LabelResult}),
		reconstructions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "restore",
			Name:      "reconstructions_total",
			Help:      "root-key share reconstructions by curve and result",
		}, []string{LabelCurve, LabelResult}),
		rebinds: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rebind",
			Name:      "attempts_total",
			Help:      "epoch rebind attempts by result and error kind",
		}, []string{LabelResult, LabelKind}),
		rebindDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "rebind",
			Name:      "duration_seconds",
			Help:      "time to rebind one root key",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{LabelCurve}),
		lifecycleState: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "lifecycle",
			Name:      "state",
			Help:      "node lifecycle state (0 Active, 1 Restore, 2 RestoreReady, 3 Rebinding, 4 Rejoining)",
		}),
		quarantined: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "restore",
			Name:      "quarantined_keysets",
			Help:      "number of keysets halted by a fatal error",
		}),
	}
}

func (c *Collector) BlindersUploaded(result string) {
	if c == nil {
		return
	}
	c.blinderUploads.WithLabelValues(result).Inc()
}

func (c *Collector) BundleUploaded(result string) {
	if c == nil {
		return
	}
	c.bundleUploads.WithLabelValues(result).Inc()
}

func (c *Collector) ShareSubmitted(result string) {
	if c == nil {
		return
	}
	c.shareSubmissions.WithLabelValues(result).Inc()
}

func (c *Collector) Reconstructed(curve, result string) {
	if c == nil {
		return
	}
	c.reconstructions.WithLabelValues(curve, result).Inc()
}

func (c *Collector) Rebound(curve, result, kind string, d time.Duration) {
	if c == nil {
		return
	}
	c.rebinds.WithLabelValues(result, kind).Inc()
	if result == ResultOK {
		c.rebindDuration.WithLabelValues(curve).Observe(d.Seconds())
	}
}

func (c *Collector) LifecycleState(state int) {
	if c == nil {
		return
	}
	c.lifecycleState.Set(float64(state))
}

func (c *Collector) QuarantinedKeysets(n int) {
	if c == nil {
		return
	}
	c.quarantined.Set(float64(n))
}

// Result maps an error to a result label.
func Result(err error) string {
	if err == nil {
		return ResultOK
	}
	return ResultRejected
}
