package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gaspardpetit/tunnelbridge/internal/config"
	"github.com/gaspardpetit/tunnelbridge/internal/forwarder"
	"github.com/gaspardpetit/tunnelbridge/internal/logx"
)

var (
	version   = "dev"
	buildSHA  = "unknown"
	buildDate = "unknown"
)

func main() {
	fs := flag.NewFlagSet("tunnelbridge-worker", flag.ExitOnError)
	showVersion := fs.Bool("version", false, "print version and exit")
	cfg, err := config.LoadWorker(fs, os.Args[1:])
	if err != nil {
		logx.Log.Fatal().Err(err).Msg("load config")
	}
	if *showVersion {
		fmt.Printf("tunnelbridge-worker version=%s sha=%s date=%s\n", version, buildSHA, buildDate)
		return
	}
	logx.Configure(cfg.LogLevel)
	if err := cfg.Validate(); err != nil {
		logx.Log.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		logx.Log.Info().Dur("timeout", cfg.DrainTimeout).Msg("signal received; draining (send again to exit)")
		// restore default handling so a second signal terminates
		stop()
	}()

	meta := map[string]string{"version": version}
	for k, v := range cfg.Meta {
		meta[k] = v
	}
	f := forwarder.New(forwarder.Options{
		BridgeURL: cfg.BridgeURL,
		WorkerID:  cfg.WorkerID,
		APIKey:    cfg.APIKey,
		LocalURL:  cfg.LocalURL,
		Timeout:   cfg.RequestTimeout,
		Heartbeat: cfg.HeartbeatInterval,
		Reconnect: cfg.Reconnect,
		Meta:      meta,

		DrainTimeout: cfg.DrainTimeout,
	})
	logx.Log.Info().Str("worker_id", cfg.WorkerID).Str("bridge", cfg.BridgeURL).Str("local", cfg.LocalURL).Msg("worker starting")
	if err := f.Run(ctx); err != nil {
		logx.Log.Fatal().Err(err).Msg("worker stopped")
	}
	logx.Log.Info().Msg("worker stopped")
}
