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

	"github.com/gaspardpetit/tunnelbridge/internal/access"
	"github.com/gaspardpetit/tunnelbridge/internal/cluster"
	"github.com/gaspardpetit/tunnelbridge/internal/config"
	"github.com/gaspardpetit/tunnelbridge/internal/drain"
	"github.com/gaspardpetit/tunnelbridge/internal/envelope"
	"github.com/gaspardpetit/tunnelbridge/internal/events"
	"github.com/gaspardpetit/tunnelbridge/internal/gateway"
	"github.com/gaspardpetit/tunnelbridge/internal/logx"
	"github.com/gaspardpetit/tunnelbridge/internal/metrics"
	"github.com/gaspardpetit/tunnelbridge/internal/pending"
	"github.com/gaspardpetit/tunnelbridge/internal/pubsub"
	"github.com/gaspardpetit/tunnelbridge/internal/readiness"
	"github.com/gaspardpetit/tunnelbridge/internal/server"
)

var (
	version   = "dev"
	buildSHA  = "unknown"
	buildDate = "unknown"
)

func main() {
	fs := flag.NewFlagSet("tunnelbridge-bridge", flag.ExitOnError)
	showVersion := fs.Bool("version", false, "print version and exit")
	// cfg resolves defaults <- file <- env <- args
	cfg, err := config.LoadBridge(fs, os.Args[1:])
	if err != nil {
		logx.Log.Fatal().Err(err).Msg("load config")
	}
	if *showVersion {
		fmt.Printf("tunnelbridge-bridge version=%s sha=%s date=%s\n", version, buildSHA, buildDate)
		return
	}
	logx.Configure(cfg.LogLevel)
	if err := cfg.Validate(); err != nil {
		logx.Log.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if _, err := server.OpenAPI(ctx); err != nil {
		logx.Log.Fatal().Err(err).Msg("openapi document")
	}
	metrics.SetBuildInfo("bridge", version, buildSHA, buildDate)

	ready := readiness.Open(ctx, readiness.Options{
		Backend:   cfg.ReadinessStore,
		RedisAddr: cfg.RedisAddr,
		KeyPrefix: readiness.KeyPrefix(cfg.ChannelPrefix),
		TTL:       cfg.ReadyTTL,
	})
	channels := envelope.Channels{Prefix: cfg.ChannelPrefix}
	table := pending.NewTable()
	cred := pubsub.KeyCredential{Endpoint: cfg.HubURL, Hub: cfg.HubName, Key: []byte(cfg.HubAccessKey)}

	var relay events.Relay
	if rs, ok := ready.(*readiness.RedisStore); ok {
		defer func() { _ = rs.Close() }()
		fan := cluster.NewFanout(rs.Client(), "tunnelbridge:"+channels.Responses(), cfg.InstanceID, table)
		if err := fan.Start(ctx); err != nil {
			logx.Log.Warn().Err(err).Msg("cluster fan-out unavailable; responses for other instances will be dropped")
		} else {
			relay = fan
			defer func() { _ = fan.Close() }()
		}
	}

	var draining drain.State
	handler := server.New(server.Options{
		Gateway: gateway.New(gateway.Options{
			Readiness: ready,
			Table:     table,
			Publisher: pubsub.NewServiceClient(cred, nil),
			Channels:  channels,
			Timeout:   cfg.RequestTimeout,
		}),
		Events: events.NewRouter(events.Options{
			Table:     table,
			Readiness: ready,
			Channels:  channels,
			Key:       cred.Key,
			Relay:     relay,
		}),
		Issuer: access.NewIssuer(cred, access.Options{
			AllowList: cfg.AllowList,
			APIKey:    cfg.APIKey,
			TokenTTL:  cfg.TokenTTL,
			Channels:  channels,
		}),
		Readiness:      ready,
		Table:          table,
		AllowedOrigins: cfg.AllowedOrigins,
		Drain:          &draining,
	})
	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Port), Handler: handler, ReadHeaderTimeout: 10 * time.Second}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		for range sigCh {
			if draining.IsDraining() || cfg.DrainTimeout == 0 {
				logx.Log.Warn().Msg("termination requested")
				cancel()
				return
			}
			draining.Start()
			logx.Log.Info().Int("pending", table.Len()).Dur("timeout", cfg.DrainTimeout).Msg("draining; send SIGTERM again to terminate immediately")
			go func() {
				wctx, stop := context.WithTimeout(ctx, cfg.DrainTimeout)
				defer stop()
				if drain.Wait(wctx, table.Len, 100*time.Millisecond) {
					logx.Log.Info().Msg("drain complete; terminating")
				} else if errors.Is(wctx.Err(), context.DeadlineExceeded) {
					logx.Log.Warn().Int("pending", table.Len()).Msg("drain timeout exceeded; terminating")
				}
				cancel()
			}()
		}
	}()
	go func() {
		<-ctx.Done()
		sctx, stop := context.WithTimeout(context.Background(), 5*time.Second)
		defer stop()
		if err := srv.Shutdown(sctx); err != nil {
			logx.Log.Error().Err(err).Msg("server shutdown")
		}
		table.Close()
	}()

	if len(cfg.AllowList) > 0 {
		logx.Log.Info().Strs("allow_list", cfg.AllowList).Msg("allow-list enabled")
	}
	if cfg.APIKey != "" {
		logx.Log.Info().Msg("API key required for /auth")
	}
	logx.Log.Info().Int("port", cfg.Port).Str("instance_id", cfg.InstanceID).Str("hub", cfg.HubURL).Msg("bridge starting")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logx.Log.Fatal().Err(err).Msg("server error")
	}
}
