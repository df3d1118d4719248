package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	ResultOK            = "ok"
	ResultBadRequest    = "bad_request"
	ResultUpstreamError = "upstream_error"
)

var Registry = prometheus.NewRegistry()

var (
	Requests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "imagebot_requests_total",
			Help: "Requests dispatched, by route and status code",
		},
		[]string{"route", "status"},
	)
	Generations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "imagebot_generations_total",
			Help: "Image generation attempts by result",
		},
		[]string{"result"},
	)
	GenerationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "imagebot_generation_duration_seconds",
			Help:    "Time spent waiting on the inference provider",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 8), // 0.5s..64s
		},
	)
	ImageBytes = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "imagebot_image_bytes",
			Help:    "Size of generated images",
			Buckets: prometheus.ExponentialBuckets(64<<10, 2, 7), // 64KiB..4MiB
		},
	)
	ArchiveFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "imagebot_archive_failures_total",
			Help: "Generated images that could not be archived",
		},
	)
)

func init() {
	Registry.MustRegister(
		Requests,
		Generations,
		GenerationSeconds,
		ImageBytes,
		ArchiveFailures,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

func ObserveGeneration(result string, started time.Time, size int) {
	Generations.WithLabelValues(result).Inc()
	if result == ResultBadRequest {
		return
	}
	GenerationSeconds.Observe(time.Since(started).Seconds())
	if result == ResultOK {
		ImageBytes.Observe(float64(size))
	}
}

func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{Registry: Registry})
}
