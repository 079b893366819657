// SPDX-License-Identifier: MIT

// Package metrics holds the process-wide prometheus collectors of the cache
// engine. Collectors are global only (no per-spectrogram labels) so the label
// cardinality stays bounded no matter how many configurations are in use.
package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	PrefetchRequests = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "spectral_prefetch_requests_total",
		Help: "Prefetch requests queued with the prefetch worker",
	})
	PrefetchCancelled = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "spectral_prefetch_cancelled_total",
		Help: "Prefetch requests cancelled before their data was consumed",
	})
	PrefetchFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "spectral_prefetch_failures_total",
		Help: "Prefetch requests whose disk read failed",
	})
	PrefetchBytes = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "spectral_prefetch_bytes_total",
		Help: "Bytes read from disk by the prefetch worker",
	})
	WindowHits = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "spectral_window_hits_total",
		Help: "Column reads served from a matrix store's read-ahead window",
	})
	DirectReads = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "spectral_direct_reads_total",
		Help: "Column reads that fell back to a direct blocking disk read",
	})
	ColumnsFilled = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "spectral_columns_filled_total",
		Help: "Columns computed and written by fill workers",
	})
	SyncFills = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "spectral_sync_fills_total",
		Help: "Columns computed on demand because a reader outran the fill",
	})
	FillFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "spectral_fill_failures_total",
		Help: "Fill workers stopped by a source or transform error",
	})
	ResidentChunks = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "spectral_resident_chunks",
		Help: "Chunks currently resident across all spectrograms",
	})
	ChunkSuspensions = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "spectral_chunk_suspensions_total",
		Help: "Chunks suspended by the residency policy",
	})
	ActiveSpectrograms = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "spectral_active_spectrograms",
		Help: "Spectrogram managers currently alive",
	})
	OpenStores = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "spectral_open_matrix_stores",
		Help: "Matrix store identities currently registered",
	})
)

func init() {
	prometheus.MustRegister(
		PrefetchRequests, PrefetchCancelled, PrefetchFailures, PrefetchBytes,
		WindowHits, DirectReads,
		ColumnsFilled, SyncFills, FillFailures,
		ResidentChunks, ChunkSuspensions, ActiveSpectrograms, OpenStores,
	)
}

// Serve exposes /metrics on addr in a background goroutine and returns the
// server so the caller can shut it down. An empty addr disables the endpoint.
func Serve(addr string, errf func(format string, v ...any)) *http.Server {
	if addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) && errf != nil {
			errf("metrics endpoint %s: %v", addr, err)
		}
	}()
	return server
}
