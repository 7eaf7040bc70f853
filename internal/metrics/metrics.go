package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	PagesIngestedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "frontier_pages_ingested_total",
			Help: "Total number of crawled pages ingested",
		},
		[]string{"domain"},
	)

	LinksDiscoveredTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "frontier_links_discovered_total",
			Help: "Total number of pages first seen as link targets",
		},
	)

	RequestsReturnedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "frontier_requests_returned_total",
			Help: "Total number of URLs handed out by a scheduler",
		},
		[]string{"scheduler"},
	)

	AdmissionSkippedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "frontier_admission_skipped_total",
			Help: "Candidates requeued because their domain was over the crawl rate limit",
		},
		[]string{"limit"},
	)

	UpdateDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "frontier_update_duration_seconds",
			Help:    "Duration of background re-scoring passes in seconds",
			Buckets: []float64{0.01, 0.1, 0.5, 1, 5, 30, 120},
		},
		[]string{"outcome"},
	)

	ScorerIterations = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "frontier_scorer_iterations",
			Help:    "Iterations run by a link-analysis scorer until convergence or cap",
			Buckets: []float64{1, 5, 10, 20, 50, 100, 200},
		},
		[]string{"scorer"},
	)

	TxnTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "frontier_txn_total",
			Help: "Transactions finished, by mode and outcome",
		},
		[]string{"mode", "outcome"},
	)
)

// RecordIngest counts one crawled page and the link targets it created.
func RecordIngest(domain string, newLinks int) {
	PagesIngestedTotal.WithLabelValues(domain).Inc()
	if newLinks > 0 {
		LinksDiscoveredTotal.Add(float64(newLinks))
	}
}

// RecordRequests counts URLs returned by a scheduler.
func RecordRequests(scheduler string, n int) {
	RequestsReturnedTotal.WithLabelValues(scheduler).Add(float64(n))
}

// Server encapsulates an HTTP server for Prometheus metrics.
type Server struct {
	srv *http.Server
}

// Start begins listening on the specified port and exposes /metrics.
func Start(port int, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server failed", "addr", srv.Addr, "err", err)
		}
	}()

	return &Server{srv: srv}
}

// Stop gracefully shuts down the metrics server.
func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.srv.Shutdown(ctx)
}
