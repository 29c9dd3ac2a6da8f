package eventbus

import (
	"github.com/prometheus/client_golang/prometheus"
)

// RegisterMetrics публикует Stats шины как метрики Prometheus.
// Значения снимаются с шины при каждом опросе /metrics.
func RegisterMetrics(bus EventBus, reg prometheus.Registerer) error {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	counter := func(name, help string, v func(Stats) uint64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "spatial_eventbus",
			Name:      name,
			Help:      help,
		}, func() float64 { return float64(v(bus.Metrics())) })
	}
	gauge := func(name, help string, v func(Stats) int) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "spatial_eventbus",
			Name:      name,
			Help:      help,
		}, func() float64 { return float64(v(bus.Metrics())) })
	}

	for _, c := range []prometheus.Collector{
		counter("messages_published_total", "Опубликованные события.",
			func(s Stats) uint64 { return s.Published }),
		counter("messages_consumed_total", "События, доставленные подписчикам.",
			func(s Stats) uint64 { return s.Consumed }),
		counter("messages_dropped_total", "События, отброшенные из-за переполнения очередей или ошибок публикации.",
			func(s Stats) uint64 { return s.Dropped }),
		gauge("messages_inflight", "События в очередях подписчиков.",
			func(s Stats) int { return s.InFlight }),
		gauge("subscribers", "Активные подписки.",
			func(s Stats) int { return s.Subscribers }),
	} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
