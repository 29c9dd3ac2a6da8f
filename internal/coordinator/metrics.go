package coordinator

import (
	"strconv"
	"time"

	"github.com/annel0/spatial-core/internal/apperr"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics — prometheus-метрики координаторов. Один экземпляр разделяется
// всеми картами; карта передаётся меткой.
type Metrics struct {
	ops      *prometheus.CounterVec
	duration *prometheus.HistogramVec
	lockWait prometheus.Histogram
	filled   *prometheus.GaugeVec
}

// NewMetrics регистрирует метрики в reg. nil означает prometheus.DefaultRegisterer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		ops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "spatial_coordinator_ops_total",
			Help: "Coordinator operations by type and result",
		}, []string{"op", "result"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "spatial_coordinator_op_duration_seconds",
			Help:    "Coordinator operation latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"op"}),
		lockWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "spatial_coordinator_lock_wait_seconds",
			Help:    "Time spent waiting for position locks",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1},
		}),
		filled: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "spatial_filled_positions",
			Help: "Number of positions with at least one object",
		}, []string{"map"}),
	}
	reg.MustRegister(m.ops, m.duration, m.lockWait, m.filled)
	return m
}

func (m *Metrics) observe(op string, started time.Time, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = apperr.KindOf(err).String()
	}
	m.ops.WithLabelValues(op, result).Inc()
	m.duration.WithLabelValues(op).Observe(time.Since(started).Seconds())
}

func (m *Metrics) observeLockWait(d time.Duration) {
	if m == nil {
		return
	}
	m.lockWait.Observe(d.Seconds())
}

func (m *Metrics) setFilled(mapID uint64, n int) {
	if m == nil {
		return
	}
	m.filled.WithLabelValues(strconv.FormatUint(mapID, 10)).Set(float64(n))
}
