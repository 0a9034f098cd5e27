package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	HttpRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
	HttpRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})
	GenerationTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "petportrait_generation_transitions_total",
		Help: "Generation status transitions by provider and target status",
	}, []string{"provider", "status"})
	VendorCallDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "petportrait_vendor_call_duration_seconds",
		Help:    "Duration of calls to image vendors",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
	}, []string{"provider", "operation", "outcome"})
	RateLimitRejections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "petportrait_rate_limit_rejections_total",
		Help: "Requests rejected by the rate limiter",
	}, []string{"policy"})
)

func init() {
	prometheus.MustRegister(HttpRequestsTotal, HttpRequestDuration, GenerationTransitions, VendorCallDuration, RateLimitRejections)
}

// GinMiddleware 统计基础请求指标，供 Prometheus 拉取。
func GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		status := strconv.Itoa(c.Writer.Status())
		path := c.FullPath()
		if path == "" {
			// 未匹配路由统一归类，避免标签基数失控
			path = "unmatched"
		}
		labels := prometheus.Labels{"method": c.Request.Method, "path": path, "status": status}
		HttpRequestsTotal.With(labels).Inc()
		HttpRequestDuration.With(labels).Observe(time.Since(start).Seconds())
	}
}

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveGeneration records a generation entering status.
func ObserveGeneration(provider, status string) {
	GenerationTransitions.WithLabelValues(provider, status).Inc()
}

// ObserveVendorCall records one vendor round trip.
func ObserveVendorCall(provider, operation string, started time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	VendorCallDuration.WithLabelValues(provider, operation, outcome).Observe(time.Since(started).Seconds())
}
