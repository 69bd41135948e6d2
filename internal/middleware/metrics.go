package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

func Metrics(reg prometheus.Registerer) gin.HandlerFunc {
	requests := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests (Rate)",
		},
		[]string{"method", "path", "status"},
	)
	failures := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_request_errors_total",
			Help: "Total number of HTTP request errors",
		},
		[]string{"method", "path", "status", "error_type"},
	)
	duration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds (Duration)",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
	if reg != nil {
		reg.MustRegister(requests, failures, duration)
	}

	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		status := c.Writer.Status()
		statusStr := strconv.Itoa(status)
		// Route template keeps label cardinality bounded.
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		method := c.Request.Method

		requests.WithLabelValues(method, path, statusStr).Inc()

		if status >= 400 && status < 500 {
			failures.WithLabelValues(method, path, statusStr, "client").Inc()
		} else if status >= 500 {
			failures.WithLabelValues(method, path, statusStr, "server").Inc()
		}

		duration.WithLabelValues(method, path, statusStr).Observe(time.Since(start).Seconds())
	}
}
