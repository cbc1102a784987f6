// Package metrics defines and serves the coordinator's Prometheus metrics
// (C12): package-level collectors registered at init, and an optional
// HTTP server exposing them when --metrics-addr is configured.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ActiveClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fhir_ig_agent_active_clients",
			Help: "Number of clients currently connected to the coordinator",
		},
	)

	ActiveJobs = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fhir_ig_agent_active_jobs",
			Help: "Number of downloads currently in flight",
		},
	)

	DownloadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fhir_ig_agent_downloads_total",
			Help: "Total number of downloads attempted, by outcome",
		},
		[]string{"outcome"},
	)

	CacheHitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fhir_ig_agent_cache_hits_total",
			Help: "Total number of requests satisfied from the existing cache",
		},
	)

	DownloadBytesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fhir_ig_agent_download_bytes_total",
			Help: "Total number of tarball bytes streamed from registries",
		},
	)

	VerificationFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fhir_ig_agent_verification_failures_total",
			Help: "Total number of tarball integrity verification failures",
		},
	)

	ResolutionRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fhir_ig_agent_resolution_retries_total",
			Help: "Total number of registry resolution retries performed",
		},
	)
)

func init() {
	prometheus.MustRegister(
		ActiveClients,
		ActiveJobs,
		DownloadsTotal,
		CacheHitsTotal,
		DownloadBytesTotal,
		VerificationFailuresTotal,
		ResolutionRetriesTotal,
	)
}

// Server optionally exposes the registered metrics over HTTP at --metrics-addr.
type Server struct {
	http *http.Server
}

// NewServer builds (but does not start) a metrics HTTP server on addr.
func NewServer(addr string) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return &Server{http: &http.Server{Addr: addr, Handler: mux}}
}

// Start runs the server until Shutdown is called, reporting ListenAndServe
// errors other than the expected post-shutdown one on errCh.
func (s *Server) Start(errCh chan<- error) {
	go func() {
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("metrics: serve: %w", err)
		}
	}()
}

// Shutdown gracefully stops the metrics server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
