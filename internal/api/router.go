package api

import (
	"net/http"

	"mailpush/internal/utils"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter creates a new router with all the necessary routes. A nil
// gatherer leaves /metrics unrouted.
func NewRouter(handler *APIHandler, gatherer prometheus.Gatherer) http.Handler {
	router := mux.NewRouter()
	logger := utils.NewLogger("HTTP")
	router.Use(RecoveryMiddleware(logger))
	router.Use(utils.HTTPLoggingMiddleware(logger))

	if gatherer != nil {
		router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods("GET")
	}

	// Create API subrouter with /api prefix
	apiRouter := router.PathPrefix("/api").Subrouter()

	// Health check
	apiRouter.HandleFunc("/health", handler.HealthCheck).Methods("GET")

	// Push scheduling
	apiRouter.HandleFunc("/push/accounts", handler.GetPushAccountsHandler).Methods("GET")
	apiRouter.HandleFunc("/accounts/{id:[0-9]+}/sync", handler.SyncAccountHandler).Methods("POST")
	apiRouter.HandleFunc("/accounts/{id:[0-9]+}/push", handler.PushModifyHandler).Methods("POST")
	apiRouter.HandleFunc("/accounts/{id:[0-9]+}/push", handler.PushStopHandler).Methods("DELETE")

	// Activities
	apiRouter.HandleFunc("/activities", handler.GetRecentActivitiesHandler).Methods("GET")

	// WebSocket
	apiRouter.HandleFunc("/ws/events", handler.EventStreamHandler).Methods("GET")

	return enableCORS(router)
}
