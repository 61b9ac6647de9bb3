package security

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// StoreLatency can be used by store implementations to record operation latency.
	StoreLatency *prometheus.HistogramVec

	counterFallbackTotal  *prometheus.CounterVec
	spamRejectedTotal     prometheus.Counter
	quotaRejectedTotal    *prometheus.CounterVec
	quotaEvalFailureTotal prometheus.Counter
	notifyFailureTotal    *prometheus.CounterVec
	messagesSentTotal     prometheus.Counter
)

var validLabelKey = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// ParseMetricsLabels parses a comma-separated list of key=value pairs into
// Prometheus labels. Values support ${VAR} / $VAR environment variable expansion.
// Label values may not contain commas. Returns nil for an empty string.
func ParseMetricsLabels(s string) (prometheus.Labels, error) {
	s = os.Expand(s, os.Getenv)
	if s == "" {
		return nil, nil
	}
	labels := prometheus.Labels{}
	for _, pair := range strings.Split(s, ",") {
		idx := strings.IndexByte(pair, '=')
		if idx < 0 {
			return nil, fmt.Errorf("invalid label %q: expected key=value", pair)
		}
		k, v := pair[:idx], pair[idx+1:]
		if !validLabelKey.MatchString(k) {
			return nil, fmt.Errorf("invalid label key %q: must match [a-zA-Z_][a-zA-Z0-9_]*", k)
		}
		labels[k] = v
	}
	return labels, nil
}

var initMetricsOnce sync.Once

// InitMetrics registers all Prometheus metrics with the given constant labels.
// Must be called before starting the HTTP server or any store/cache initialization
// that records metrics. Safe to call multiple times; only the first call registers.
func InitMetrics(constLabels prometheus.Labels) {
	initMetricsOnce.Do(func() {
		initMetricsInner(constLabels)
	})
}

func initMetricsInner(constLabels prometheus.Labels) {
	reg := prometheus.WrapRegistererWith(constLabels, prometheus.DefaultRegisterer)
	f := promauto.With(reg)

	httpRequestsTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messaging_service_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "status"},
	)

	httpRequestDuration = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "messaging_service_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	StoreLatency = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "messaging_service_store_latency_seconds",
			Help:    "Store operation latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	counterFallbackTotal = f.NewCounterVec(prometheus.CounterOpts{
		Name: "messaging_service_counter_fallback_total",
		Help: "Spam counter calls answered by the in-process fallback after a shared store error",
	}, []string{"operation"})

	spamRejectedTotal = f.NewCounter(prometheus.CounterOpts{
		Name: "messaging_service_spam_rejected_total",
		Help: "Messages rejected by the spam detector",
	})

	quotaRejectedTotal = f.NewCounterVec(prometheus.CounterOpts{
		Name: "messaging_service_quota_rejected_total",
		Help: "Actions rejected by a tier quota",
	}, []string{"quota"})

	quotaEvalFailureTotal = f.NewCounter(prometheus.CounterOpts{
		Name: "messaging_service_quota_evaluation_failures_total",
		Help: "Quota checks that could not be evaluated",
	})

	notifyFailureTotal = f.NewCounterVec(prometheus.CounterOpts{
		Name: "messaging_service_notify_failures_total",
		Help: "Notification dispatches that failed",
	}, []string{"event"})

	messagesSentTotal = f.NewCounter(prometheus.CounterOpts{
		Name: "messaging_service_messages_sent_total",
		Help: "Messages persisted",
	})
}

// The recorders below are no-ops until InitMetrics has run.

// CounterFallback records a spam counter call served by the fallback store.
func CounterFallback(op string) {
	if counterFallbackTotal != nil {
		counterFallbackTotal.WithLabelValues(op).Inc()
	}
}

// SpamRejected records a message rejected as spam.
func SpamRejected() {
	if spamRejectedTotal != nil {
		spamRejectedTotal.Inc()
	}
}

// QuotaRejected records an action rejected by the named quota.
func QuotaRejected(quota string) {
	if quotaRejectedTotal != nil {
		quotaRejectedTotal.WithLabelValues(quota).Inc()
	}
}

// QuotaEvaluationFailed records a quota check that errored.
func QuotaEvaluationFailed() {
	if quotaEvalFailureTotal != nil {
		quotaEvalFailureTotal.Inc()
	}
}

// NotifyFailed records a failed notification dispatch.
func NotifyFailed(event string) {
	if notifyFailureTotal != nil {
		notifyFailureTotal.WithLabelValues(event).Inc()
	}
}

// MessageSent records a persisted message.
func MessageSent() {
	if messagesSentTotal != nil {
		messagesSentTotal.Inc()
	}
}

// MetricsMiddleware records HTTP request metrics for Prometheus.
func MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if httpRequestsTotal == nil {
			c.Next()
			return
		}
		start := time.Now()
		c.Next()
		duration := time.Since(start)

		httpRequestsTotal.WithLabelValues(c.Request.Method, strconv.Itoa(c.Writer.Status())).Inc()
		httpRequestDuration.WithLabelValues(c.Request.Method).Observe(duration.Seconds())
	}
}
