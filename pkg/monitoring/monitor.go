package monitoring

import (
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	RequestCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: []float64{0.1, 0.5, 1, 2, 5},
		},
		[]string{"method", "endpoint"},
	)

	AICalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ai_gateway_calls_total",
			Help: "AI gateway calls by purpose and outcome",
		},
		[]string{"purpose", "mode", "status"},
	)

	AILatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ai_gateway_latency_seconds",
			Help:    "AI gateway call latency",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 60},
		},
		[]string{"purpose", "mode"},
	)

	AITokens = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ai_gateway_tokens_total",
			Help: "Tokens consumed through the AI gateway",
		},
		[]string{"purpose"},
	)

	MistakesCreated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "error_book_mistakes_created_total",
			Help: "Mistakes created by source",
		},
		[]string{"source"},
	)

	ReviewOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "error_book_review_outcomes_total",
			Help: "Review outcomes by result",
		},
		[]string{"result"},
	)

	SnapshotBatch = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "error_book_snapshot_batch_pairs_total",
			Help: "Daily snapshot batch pairs by outcome",
		},
		[]string{"status"},
	)
)

var registerOnce sync.Once

func Init() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			RequestCounter, RequestDuration,
			AICalls, AILatency, AITokens,
			MistakesCreated, ReviewOutcomes, SnapshotBatch,
		)
	})
}

// ObserveAICall 记录一次 AI 网关调用
func ObserveAICall(purpose, mode string, latency time.Duration, tokens int, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	AICalls.WithLabelValues(purpose, mode, status).Inc()
	AILatency.WithLabelValues(purpose, mode).Observe(latency.Seconds())
	if tokens > 0 {
		AITokens.WithLabelValues(purpose).Add(float64(tokens))
	}
}

func MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		duration := time.Since(start).Seconds()
		status := c.Writer.Status()

		RequestCounter.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			strconv.Itoa(status),
		).Inc()

		RequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
		).Observe(duration)
	}
}

func PrometheusHandler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}
