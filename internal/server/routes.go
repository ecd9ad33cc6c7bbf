// Package server wires HTTP handlers into a gorilla/mux router.
package server

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SetupRoutes configures the router with the health check, WebSocket
// endpoint, history and presence reads, metrics, and the test page.
func SetupRoutes(h *Handlers) *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/", h.Health)
	r.HandleFunc("/ws", h.WebSocket)
	r.HandleFunc("/test", h.TestPage).Methods(http.MethodGet)
	r.HandleFunc("/channels/{channelID}/messages", h.History).Methods(http.MethodGet)
	r.HandleFunc("/presence/{userID}", h.Presence).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	return r
}
