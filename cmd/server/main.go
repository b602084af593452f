package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	gfshutdown "github.com/gelmium/graceful-shutdown"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Tyrowin/taskchat/internal/bootstrap"
	"github.com/Tyrowin/taskchat/internal/server"
)

const shutdownTimeout = 10 * time.Second

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	v, err := server.NewViper()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	cfg := server.LoadConfig(v)
	server.ApplyLogLevel(cfg.LogLevel)

	if err := bootstrap.Default.Configure(cfg); err != nil {
		log.Fatal().Err(err).Msg("Failed to configure messaging server")
	}

	webAddr := v.GetString(server.KeyWebAddr)
	web := &http.Server{
		Addr:         webAddr,
		Handler:      routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go serve(web, func(err error) {
		log.Error().Err(err).Msg("Web application stopped")
		// The web server is already gone; stop the messaging server before exiting.
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := bootstrap.Default.Shutdown(ctx); err != nil {
			log.Error().Err(err).Msg("Messaging server shutdown failed")
		}
		cancel()
		os.Exit(1)
	})

	wait := gfshutdown.GracefulShutdown(
		context.Background(),
		shutdownTimeout,
		map[string]gfshutdown.Operation{
			"web": func(ctx context.Context) error {
				return web.Shutdown(ctx)
			},
			"messaging": func(ctx context.Context) error {
				return bootstrap.Default.Shutdown(ctx)
			},
		},
	)

	exitCode := <-wait
	log.Info().Int("code", exitCode).Msg("Exited")
	os.Exit(exitCode)
}

// serve blocks in ListenAndServe. Any failure other than a regular close is
// handed to fail.
func serve(srv *http.Server, fail func(error)) {
	log.Info().Str("addr", srv.Addr).Msg("Web application listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		fail(err)
	}
}

func routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Mount("/api/socket", bootstrap.Handler(bootstrap.Default))
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())
	return r
}
