package handler

import (
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/devrev/pairdb/locator/internal/health"
)

// NewRouter wires the handlers, health endpoints and middleware chain.
func NewRouter(h *Handlers, hc *health.HealthCheck, logger *zap.Logger) *mux.Router {
	router := mux.NewRouter()
	router.Use(Recovery(logger), RequestID, Logging(logger))

	router.HandleFunc("/health", hc.LivenessHandler).Methods(http.MethodGet)
	router.HandleFunc("/ready", hc.ReadinessHandler).Methods(http.MethodGet)

	v1 := router.PathPrefix("/v1").Subrouter()

	buckets := v1.PathPrefix("/buckets/{bucket}").Subrouter()
	buckets.HandleFunc("/nodes", h.ListNodes).Methods(http.MethodGet)
	buckets.HandleFunc("/route", h.RouteKey).Methods(http.MethodGet)
	buckets.HandleFunc("/replicas/{replica:[0-9]+}", h.ReplicaNode).Methods(http.MethodGet)
	buckets.HandleFunc("/config", h.BucketConfig).Methods(http.MethodGet)
	buckets.HandleFunc("/documents", h.Mutate).Methods(http.MethodPost)
	buckets.HandleFunc("/durability", h.ConfirmDurability).Methods(http.MethodPost)

	v1.HandleFunc("/confirmations/{id}", h.GetConfirmation).Methods(http.MethodGet)

	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.writeErrorResponse(w, http.StatusNotFound, "INVALID_ARGUMENT", "endpoint not found", r.Header.Get(requestIDHeader))
	})
	router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.writeErrorResponse(w, http.StatusMethodNotAllowed, "INVALID_ARGUMENT", "method not allowed", r.Header.Get(requestIDHeader))
	})
	return router
}
