// internal/handler/service_handler.go
package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/unclebandit/smsleopard-relay/internal/controller"
	appErrors "github.com/unclebandit/smsleopard-relay/internal/errors"
)

// ServiceHandler exposes the lifecycle controller over HTTP.
type ServiceHandler struct {
	Controller  *controller.ServiceController
	Gatherer    prometheus.Gatherer
	StopTimeout time.Duration
	Logger      logrus.FieldLogger
}

// NewServiceHandler creates a ServiceHandler. A nil gatherer falls back to
// the default prometheus registry.
func NewServiceHandler(c *controller.ServiceController, g prometheus.Gatherer, logger logrus.FieldLogger) *ServiceHandler {
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &ServiceHandler{
		Controller:  c,
		Gatherer:    g,
		StopTimeout: 30 * time.Second,
		Logger:      logger,
	}
}

// NewRouter wires the lifecycle endpoints.
func NewRouter(h *ServiceHandler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", h.HealthHandler)
	r.Get("/status", h.StatusHandler)
	r.Post("/start", h.StartHandler)
	r.Post("/stop", h.StopHandler)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(h.Gatherer, promhttp.HandlerOpts{}))

	return r
}

// HealthHandler reports that the process is up, whatever the loop state.
func (h *ServiceHandler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (h *ServiceHandler) StatusHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Controller.Status())
}

// StartHandler answers 409 when the configuration keeps the loop from starting.
func (h *ServiceHandler) StartHandler(w http.ResponseWriter, r *http.Request) {
	if err := h.Controller.Start(r.Context()); err != nil {
		status := http.StatusConflict
		if !isConfigurationError(err) {
			status = http.StatusInternalServerError
		}
		writeJSON(w, status, map[string]interface{}{
			"error":  err.Error(),
			"status": h.Controller.Status(),
		})
		return
	}
	writeJSON(w, http.StatusOK, h.Controller.Status())
}

// StopHandler waits for an in-flight tick, but not longer than StopTimeout.
func (h *ServiceHandler) StopHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), h.StopTimeout)
	defer cancel()

	if err := h.Controller.Stop(ctx); err != nil {
		h.Logger.WithError(err).Error("failed to stop SMS service")
		writeJSON(w, http.StatusGatewayTimeout, map[string]interface{}{
			"error":  err.Error(),
			"status": h.Controller.Status(),
		})
		return
	}
	writeJSON(w, http.StatusOK, h.Controller.Status())
}

func isConfigurationError(err error) bool {
	switch appErrors.KindOf(err) {
	case appErrors.ConfigurationMissing, appErrors.ConfigurationInvalid:
		return true
	}
	return false
}

func writeJSON(w http.ResponseWriter, status int, response interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(response)
}
