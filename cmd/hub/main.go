package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gaspardpetit/tunnelbridge/internal/apierr"
	"github.com/gaspardpetit/tunnelbridge/internal/config"
	"github.com/gaspardpetit/tunnelbridge/internal/logx"
	"github.com/gaspardpetit/tunnelbridge/internal/metrics"
	"github.com/gaspardpetit/tunnelbridge/internal/pubsub"
)

var (
	version   = "dev"
	buildSHA  = "unknown"
	buildDate = "unknown"
)

func main() {
	fs := flag.NewFlagSet("tunnelbridge-hub", flag.ExitOnError)
	showVersion := fs.Bool("version", false, "print version and exit")
	cfg, err := config.LoadHub(fs, os.Args[1:])
	if err != nil {
		logx.Log.Fatal().Err(err).Msg("load config")
	}
	if *showVersion {
		fmt.Printf("tunnelbridge-hub version=%s sha=%s date=%s\n", version, buildSHA, buildDate)
		return
	}
	logx.Configure(cfg.LogLevel)
	if err := cfg.Validate(); err != nil {
		logx.Log.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	preg := prometheus.NewRegistry()
	metrics.Register(preg)
	metrics.SetBuildInfo("hub", version, buildSHA, buildDate)

	hub := pubsub.NewHub(pubsub.HubOptions{
		Name:      cfg.HubName,
		Key:       []byte(cfg.HubAccessKey),
		Upstreams: cfg.UpstreamURLs,
		QueueSize: cfg.QueueSize,
	})
	hub.Start(ctx)

	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	hub.Routes(r)
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		apierr.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.HandlerFor(preg, promhttp.HandlerOpts{}))

	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Port), Handler: r, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		logx.Log.Info().Msg("termination requested")
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			logx.Log.Error().Err(err).Msg("server shutdown")
		}
	}()

	logx.Log.Info().Int("port", cfg.Port).Str("hub", cfg.HubName).Strs("upstreams", cfg.UpstreamURLs).Msg("hub starting")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logx.Log.Fatal().Err(err).Msg("server error")
	}
}
