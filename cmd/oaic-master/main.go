package main

import (
	"context"
	"flag"
	"fmt"
	"net"
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
		fmt.Printf("oaic-master %s (%s, %s)\n", version, buildSHA, buildDate)
		return
	}
	logx.Configure(cfg.LogLevel)
	metrics.SetServerBuildInfo(version, buildSHA, buildDate)

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Port))
	if err != nil {
		logx.Log.Error().Err(err).Int("port", cfg.Port).Msg("bind public port")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := gateway.RunMaster(ctx, cfg, ln); err != nil {
		logx.Log.Error().Err(err).Msg("master exited")
		os.Exit(1)
	}
}
