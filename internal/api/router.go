// Package api exposes the administrative HTTP surface of the store.
package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/ansforge/annuaire-sante-fhir-serveur-sub000/internal/api/recovery"
)

// NewRouter creates the admin router.
func NewRouter(h *Handlers, log zerolog.Logger) *mux.Router {
	router := mux.NewRouter()

	// Global middlewares
	router.Use(recovery.New(log))

	router.HandleFunc("/api/health", h.CheckHealth).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	admin := router.PathPrefix("/admin").Subrouter()
	admin.HandleFunc("/indexes/refresh", h.RefreshIndexes).Methods(http.MethodPost)
	admin.HandleFunc("/indexes/refresh", h.RefreshStatus).Methods(http.MethodGet)
	admin.HandleFunc("/retention", h.Retention).Methods(http.MethodPost)
	admin.HandleFunc("/cursors/cleanup", h.CleanupCursors).Methods(http.MethodPost)
	admin.HandleFunc("/explain", h.Explain).Methods(http.MethodPost)

	return router
}
