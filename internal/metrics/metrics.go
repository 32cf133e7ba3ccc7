package metrics

import (
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	// Pipeline metrics
	AccumulatorPasses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "appsentry_accumulator_passes_total",
			Help: "Total successful today-accumulator passes",
		},
	)

	RecordsReconciled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "appsentry_records_reconciled_total",
			Help: "Total daily usage records reconciled from telemetry",
		},
	)

	RolloversTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "appsentry_rollovers_total",
			Help: "Total daily rollover attempts",
		},
		[]string{"result"},
	)

	RecordsRetired = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "appsentry_records_retired_total",
			Help: "Total daily records deleted by the retention sweep",
		},
	)

	// Profile metrics
	ProfileGenerations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "appsentry_profile_generations_total",
			Help: "Total profile generation attempts",
		},
		[]string{"result"},
	)

	ProfiledApps = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "appsentry_profiled_apps",
			Help: "Apps covered by the current behaviour profile",
		},
	)

	// Detection metrics
	Evaluations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "appsentry_evaluations_total",
			Help: "Total anomaly evaluations by verdict level",
		},
		[]string{"level"},
	)

	AnomalyScore = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "appsentry_anomaly_score",
			Help:    "Anomaly score distribution",
			Buckets: []float64{0, 5, 10, 15, 20, 30, 45, 60, 90},
		},
	)

	EvaluationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "appsentry_evaluation_duration_seconds",
			Help:    "Anomaly evaluation duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
	)

	// Remote scoring metrics
	ScoringRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "appsentry_scoring_requests_total",
			Help: "Total remote scoring service requests",
		},
		[]string{"endpoint", "result"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(
		AccumulatorPasses,
		RecordsReconciled,
		RolloversTotal,
		RecordsRetired,
		ProfileGenerations,
		ProfiledApps,
		Evaluations,
		AnomalyScore,
		EvaluationDuration,
		ScoringRequests,
	)
}

// Server is the metrics HTTP server
type Server struct {
	server   *http.Server
	logger   zerolog.Logger
	listener net.Listener // Optional pre-created listener (for systemd socket activation)
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

// SetListener sets a pre-created listener for systemd socket activation
func (s *Server) SetListener(ln net.Listener) {
	s.listener = ln
}

// Start starts the metrics server
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("Starting metrics server")
	go func() {
		var err error
		if s.listener != nil {
			// Use systemd socket-activated listener
			s.logger.Debug().Msg("Using systemd socket-activated metrics listener")
			err = s.server.Serve(s.listener)
		} else {
			// Create and bind listener ourselves
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
