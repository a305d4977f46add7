// Package server wires the HTTP handlers into a router for the chatdesk
// application.
package server

import (
	"net/http"

	"github.com/gorilla/mux"
)

// SetupRoutes configures and returns the application router: health check,
// WebSocket endpoint, broker request API, and availability listings.
func SetupRoutes(api *API) *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/", api.Health).Methods(http.MethodGet)
	r.HandleFunc("/healthz", api.Health).Methods(http.MethodGet)
	r.HandleFunc("/ws", api.WebSocket).Methods(http.MethodGet)
	r.HandleFunc("/join", api.Join).Methods(http.MethodPost)
	r.HandleFunc("/send-request", api.SendRequest).Methods(http.MethodPost)
	r.HandleFunc("/accept-request", api.AcceptRequest).Methods(http.MethodPost)
	r.HandleFunc("/cancel-request", api.CancelRequest).Methods(http.MethodPost)
	r.HandleFunc("/decline-request", api.DeclineRequest).Methods(http.MethodPost)
	r.HandleFunc("/available/{class}", api.ListParticipants).Methods(http.MethodGet)
	return r
}
