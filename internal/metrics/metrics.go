package metrics

import (
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	// Tick metrics
	TicksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "focusd_ticks_total",
			Help: "Total ticks processed by the session tracker",
		},
		[]string{"result"},
	)

	ClockAnomalies = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "focusd_clock_anomalies_total",
			Help: "Tick deltas clamped to zero (negative or exceeding the max gap)",
		},
		[]string{"kind"},
	)

	// Session metrics
	SessionsStarted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "focusd_sessions_started_total",
			Help: "Total sessions opened",
		},
	)

	SessionsFinalized = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "focusd_sessions_finalized_total",
			Help: "Total sessions finalized",
		},
		[]string{"reason"},
	)

	TrackedSeconds = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "focusd_tracked_seconds_total",
			Help: "Total seconds accumulated into sessions",
		},
		[]string{"subject"},
	)

	// Flush metrics
	FlushRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "focusd_flush_retries_total",
			Help: "Store flush attempts that needed a retry",
		},
	)

	FlushFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "focusd_flush_failures_total",
			Help: "Store flushes that exhausted their retries",
		},
	)

	SyncDegraded = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "focusd_sync_degraded",
			Help: "1 while flushes are failing and in-memory state is ahead of the store",
		},
	)

	// Lease metrics
	LeaseAcquired = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "focusd_lease_acquired_total",
			Help: "Lease acquisitions by kind",
		},
		[]string{"kind"},
	)

	LeaseConflicts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "focusd_lease_conflicts_total",
			Help: "Operations rejected because another device holds the lease",
		},
	)

	// Migration metrics
	MigrationEntries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "focusd_migration_entries_total",
			Help: "Migration entries processed by outcome",
		},
		[]string{"outcome"},
	)

	// Event metrics
	EventsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "focusd_events_dropped_total",
			Help: "Events dropped because a subscriber buffer was full",
		},
		[]string{"kind"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(
		TicksTotal,
		ClockAnomalies,
		SessionsStarted,
		SessionsFinalized,
		TrackedSeconds,
		FlushRetries,
		FlushFailures,
		SyncDegraded,
		LeaseAcquired,
		LeaseConflicts,
		MigrationEntries,
		EventsDropped,
	)
}

// Server is the metrics HTTP server
type Server struct {
	server   *http.Server
	logger   zerolog.Logger
	listener net.Listener
}

// NewServer creates a new metrics server
func NewServer(addr string, logger zerolog.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	return &Server{
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
		logger: logger.With().Str("component", "metrics").Logger(),
	}
}

// Start starts the metrics server
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("Starting metrics server")
	go func() {
		var err error
		if s.listener != nil {
			err = s.server.Serve(s.listener)
		} else {
			err = s.server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Metrics server error")
		}
	}()
	return nil
}

// Stop stops the metrics server
func (s *Server) Stop() error {
	s.logger.Info().Msg("Stopping metrics server")
	return s.server.Close()
}
