package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Ingestion
	FilesIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_files_total",
			Help: "Files handed to the ingester, by source and outcome",
		},
		[]string{"source", "outcome"}, // outcome: success, already_processed, in_progress, or an error kind
	)

	RecordsNormalized = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ingest_records_normalized_total",
			Help: "Rows normalized from worksheets",
		},
	)

	RecordsDuplicate = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ingest_records_duplicate_total",
			Help: "Rows dropped by in-file deduplication",
		},
	)

	RecordsPersisted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_records_persisted_total",
			Help: "Message rows written, or skipped because the dedup key already existed",
		},
		[]string{"result"}, // inserted, skipped
	)

	IngestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ingest_duration_seconds",
			Help:    "Wall time of one file ingestion",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"source"},
	)

	// Remote polling
	PollCycles = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "remote_poll_cycles_total",
			Help: "Remote poll cycles, by result",
		},
		[]string{"result"}, // ok, error, skipped
	)

	PollNewFiles = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "remote_poll_new_files_total",
			Help: "Unprocessed files found by the poller",
		},
	)

	// Task queue
	QueueTasks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_tasks_total",
			Help: "Task queue transitions",
		},
		[]string{"type", "event"}, // event: enqueued, succeeded, retried, failed, recovered
	)

	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "queue_depth",
			Help: "Tasks waiting in each queue list",
		},
		[]string{"list"}, // ready, processing, delayed
	)

	// HTTP
	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)
)

// ObserveIngest records the outcome of one ingestion.
func ObserveIngest(source, outcome string, elapsed time.Duration) {
	FilesIngested.WithLabelValues(source, outcome).Inc()
	IngestDuration.WithLabelValues(source).Observe(elapsed.Seconds())
}

// ObserveRecords records normalization and persistence counts for one file.
func ObserveRecords(normalized, duplicates, inserted, skipped int) {
	RecordsNormalized.Add(float64(normalized))
	RecordsDuplicate.Add(float64(duplicates))
	RecordsPersisted.WithLabelValues("inserted").Add(float64(inserted))
	RecordsPersisted.WithLabelValues("skipped").Add(float64(skipped))
}

// Middleware records request latency labelled by chi route pattern, so
// path parameters do not explode label cardinality.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				route = p
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		APIRequestDuration.WithLabelValues(r.Method, route, strconv.Itoa(status)).Observe(time.Since(start).Seconds())
	})
}
