package middleware

import (
	"strconv"
	"time"

	"github.com/annel0/spatial-core/internal/apperr"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusMiddleware собирает HTTP-метрики адаптера:
//
//	<ns>_http_request_duration_seconds{method,path,map,status}
//	<ns>_http_requests_inflight
//	<ns>_http_request_errors_total{method,path,status,kind}
//
// kind — вид ошибки домена, прикреплённой обработчиком через c.Error.
type PrometheusMiddleware struct {
	reqDuration *prometheus.HistogramVec
	reqInflight prometheus.Gauge
	reqErrors   *prometheus.CounterVec

	// Маршруты, длительность которых не наблюдается (долгоживущие websocket)
	streaming map[string]struct{}
}

// NewPrometheusMiddleware регистрирует метрики в reg (nil — регистр по умолчанию).
// streamingPaths — шаблоны маршрутов gin вида "/api/maps/:map/events".
func NewPrometheusMiddleware(namespace string, reg prometheus.Registerer, streamingPaths ...string) *PrometheusMiddleware {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	pm := &PrometheusMiddleware{
		reqDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Длительность HTTP-запросов.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 5},
		}, []string{"method", "path", "map", "status"}),
		reqInflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "http_requests_inflight",
			Help:      "Запросы в обработке, включая открытые ленты событий.",
		}),
		reqErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_request_errors_total",
			Help:      "Ответы 4xx/5xx по виду ошибки.",
		}, []string{"method", "path", "status", "kind"}),
		streaming: make(map[string]struct{}, len(streamingPaths)),
	}
	for _, p := range streamingPaths {
		pm.streaming[p] = struct{}{}
	}

	reg.MustRegister(pm.reqDuration, pm.reqInflight, pm.reqErrors)
	return pm
}

// Handler возвращает gin.HandlerFunc для router.Use()
func (pm *PrometheusMiddleware) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		pm.reqInflight.Inc()
		defer pm.reqInflight.Dec()

		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		code := c.Writer.Status()
		status := strconv.Itoa(code)
		method := c.Request.Method

		if _, ok := pm.streaming[path]; !ok {
			pm.reqDuration.WithLabelValues(method, path, c.Param("map"), status).Observe(time.Since(start).Seconds())
		}
		if code >= 400 {
			kind := "request"
			if last := c.Errors.Last(); last != nil {
				kind = apperr.KindOf(last.Err).String()
			}
			pm.reqErrors.WithLabelValues(method, path, status, kind).Inc()
		}
	}
}

// RegisterMetricsEndpoint добавляет GET /metrics, отдающий метрики из g
// (nil — регистр по умолчанию).
func (pm *PrometheusMiddleware) RegisterMetricsEndpoint(r *gin.Engine, g prometheus.Gatherer) {
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(g, promhttp.HandlerOpts{})))
}
