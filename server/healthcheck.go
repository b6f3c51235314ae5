package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// ReadinessReporter reports whether the bot is connected.
type ReadinessReporter interface {
	Ready() bool
}

type healthStatus struct {
	Status       string `json:"status"`
	DiscordReady bool   `json:"discord_ready"`
	UptimeSec    int64  `json:"uptime_sec"`
}

// HealthcheckServer answers liveness pings and serves metrics.
type HealthcheckServer struct {
	logger    *zap.Logger
	server    *http.Server
	readiness ReadinessReporter
	startedAt time.Time
}

func NewHealthcheckServer(logger *zap.Logger, config *HTTPConfig, readiness ReadinessReporter, gatherer prometheus.Gatherer) *HealthcheckServer {
	h := &HealthcheckServer{
		logger:    logger.With(zap.String("component", "healthcheck")),
		readiness: readiness,
		startedAt: time.Now(),
	}

	router := mux.NewRouter()
	router.HandleFunc("/", h.handleRoot).Methods(http.MethodGet, http.MethodHead)
	router.HandleFunc("/healthz", h.handleHealthz).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	handler := handlers.RecoveryHandler(
		handlers.PrintRecoveryStack(false),
		handlers.RecoveryLogger(zap.NewStdLog(h.logger)),
	)(router)

	h.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", config.Port),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return h
}

func (h *HealthcheckServer) Handler() http.Handler {
	return h.server.Handler
}

func (h *HealthcheckServer) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("Bot is running\n"))
}

func (h *HealthcheckServer) handleHealthz(w http.ResponseWriter, r *http.Request) {
	status := healthStatus{
		Status:       "ok",
		DiscordReady: h.readiness.Ready(),
		UptimeSec:    int64(time.Since(h.startedAt).Seconds()),
	}
	code := http.StatusOK
	if !status.DiscordReady {
		status.Status = "starting"
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(status); err != nil {
		h.logger.Warn("Failed to write health status", zap.Error(err))
	}
}

// Start serves in the background until Stop.
func (h *HealthcheckServer) Start() {
	go func() {
		h.logger.Info("Healthcheck server listening", zap.String("addr", h.server.Addr))
		if err := h.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.logger.Error("Healthcheck server failed", zap.Error(err))
		}
	}()
}

func (h *HealthcheckServer) Stop(ctx context.Context) error {
	return h.server.Shutdown(ctx)
}
