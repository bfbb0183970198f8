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
	// Registry holds the mail service's Prometheus collectors.
	Registry = prometheus.NewRegistry()

	mailSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mail",
			Name:      "sent_total",
			Help:      "Mail send attempts by result.",
		},
		[]string{"result"},
	)

	mailClaims = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mail",
			Name:      "claims_total",
			Help:      "Claim attempts by result.",
		},
		[]string{"result"},
	)

	mailExpired = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mail",
			Name:      "expired_total",
			Help:      "Mail expired by the sweeper, split by whether a return mail was written.",
		},
		[]string{"returned"},
	)

	deadLetters = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mail",
			Subsystem: "dead_letter",
			Name:      "events_total",
			Help:      "Dead-letter entries by kind and outcome.",
		},
		[]string{"kind", "outcome"},
	)

	cacheLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mail",
			Subsystem: "cache",
			Name:      "lookups_total",
			Help:      "Mailbox snapshot lookups by result.",
		},
		[]string{"result"},
	)

	queueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "mail",
			Subsystem: "delivery",
			Name:      "queue_depth",
			Help:      "Tasks queued or running in the delivery coordinator.",
		},
	)

	queueRejected = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "mail",
			Subsystem: "delivery",
			Name:      "rejected_total",
			Help:      "Tasks rejected because the coordinator was overloaded.",
		},
	)

	taskDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "mail",
			Subsystem: "scheduler",
			Name:      "task_duration_seconds",
			Help:      "Duration of background task runs.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~16s
		},
		[]string{"task", "success"},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mail",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "mail",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "path"},
	)
)

func init() {
	Registry.MustRegister(
		mailSent,
		mailClaims,
		mailExpired,
		deadLetters,
		cacheLookups,
		queueDepth,
		queueRejected,
		taskDuration,
		httpRequests,
		httpDuration,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// GinMiddleware records request counts and latency by route template.
func GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		httpRequests.WithLabelValues(c.Request.Method, path, strconv.Itoa(c.Writer.Status())).Inc()
		httpDuration.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}

func RecordSend(result string)  { mailSent.WithLabelValues(result).Inc() }
func RecordClaim(result string) { mailClaims.WithLabelValues(result).Inc() }

func RecordExpired(returned bool) {
	mailExpired.WithLabelValues(strconv.FormatBool(returned)).Inc()
}

// RecordDeadLetter counts an enqueue, delivery, retry or failure.
func RecordDeadLetter(kind, outcome string) {
	deadLetters.WithLabelValues(kind, outcome).Inc()
}

func RecordCacheLookup(hit bool) {
	if hit {
		cacheLookups.WithLabelValues("hit").Inc()
		return
	}
	cacheLookups.WithLabelValues("miss").Inc()
}

func SetQueueDepth(n int) { queueDepth.Set(float64(n)) }
func RecordRejected()     { queueRejected.Inc() }

// RecordTask matches scheduler.Observer.
func RecordTask(name string, took time.Duration, err error) {
	taskDuration.WithLabelValues(name, strconv.FormatBool(err == nil)).Observe(took.Seconds())
}
