// Package server wires the messaging server's HTTP handlers into a chi router.
package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Handler returns the router served on the messaging listener.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.MethodNotAllowed(methodNotAllowed)

	r.Get("/", HealthHandler)
	r.Get("/ws", s.WebSocketHandler)
	return r
}
