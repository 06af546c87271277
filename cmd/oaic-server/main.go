package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gaspardpetit/oaic/core/logx"
	"github.com/gaspardpetit/oaic/internal/config"
	"github.com/gaspardpetit/oaic/internal/gateway"
	"github.com/gaspardpetit/oaic/internal/metrics"
)

var (
	version   = "dev"
	buildSHA  = "unknown"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.CommandLine.Bool("version", false, "print version and exit")
	var cfg config.ServerConfig
	if err := cfg.Load(flag.CommandLine, os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if *showVersion {
		fmt.Printf("oaic-server %s (%s, %s)\n", version, buildSHA, buildDate)
		return
	}
	logx.Configure(cfg.LogLevel)
	metrics.SetServerBuildInfo(version, buildSHA, buildDate)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := gateway.RunAuto(ctx, cfg); err != nil {
		logx.Log.Error().Err(err).Msg("server exited")
		os.Exit(1)
	}
}
