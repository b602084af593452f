package bootstrap

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
)

type response struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// Handler returns the bootstrap endpoint for l. POST starts the messaging
// server if needed; GET is a no-op probe.
func Handler(l *Launcher) http.Handler {
	r := chi.NewRouter()
	r.Post("/", func(w http.ResponseWriter, r *http.Request) {
		if _, err := l.EnsureStarted(r.Context()); err != nil {
			writeJSON(w, http.StatusInternalServerError, response{Error: err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, response{Success: true})
	})
	r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, response{Success: true})
	})
	return r
}

func writeJSON(w http.ResponseWriter, status int, body response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Warn().Err(err).Msg("Failed to write bootstrap response")
	}
}
