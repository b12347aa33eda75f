package handlers

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"bitespeed-identity/internal/config"
	"bitespeed-identity/internal/middleware"
)

// RouterDeps are the handlers and collaborators the router mounts.
type RouterDeps struct {
	Identify *IdentifyHandler
	Health   *HealthHandler
	Gatherer prometheus.Gatherer
	Log      *slog.Logger
}

// NewRouter wires every endpoint behind request id, recovery and access log
// middleware.
func NewRouter(deps RouterDeps) http.Handler {
	router := mux.NewRouter()
	router.HandleFunc("/identify", deps.Identify.Handle).Methods(http.MethodPost)

	router.HandleFunc("/health", deps.Health.Health).Methods(http.MethodGet)
	router.HandleFunc("/health/live", deps.Health.Live).Methods(http.MethodGet)
	router.HandleFunc("/health/ready", deps.Health.Ready).Methods(http.MethodGet)

	if deps.Gatherer != nil {
		router.Handle("/metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}

	return middleware.Chain(
		middleware.RequestID(),
		middleware.Recovery(deps.Log),
		middleware.Logger(deps.Log),
	)(router)
}

// NewServer builds the HTTP server for handler with the configured timeouts.
func NewServer(cfg config.ServerConfig, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:         cfg.Addr(),
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
}
