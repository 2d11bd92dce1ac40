package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"copaynet/internal/config"
	"copaynet/internal/pprofutil"
	"copaynet/internal/relay"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	config.LoadEnv()
	var cfg config.Relay
	if _, err := config.Parse(&cfg, args); err != nil {
		if config.IsHelp(err) {
			fmt.Fprintln(stdout, err)
			return 0
		}
		fmt.Fprintln(stderr, err)
		return 1
	}
	log, err := cfg.Logger()
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	defer func() { _ = log.Sync() }()

	prof, err := pprofutil.Start(cfg.Pprof, cfg.PprofPublic, log)
	if err != nil {
		log.Error("pprof", zap.Error(err))
		return 1
	}
	defer prof.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	srv := relay.NewServer(cfg.ServerConfig(log, reg))
	if err := srv.Run(ctx); err != nil {
		log.Error("relay stopped", zap.Error(err))
		return 1
	}
	log.Info("relay stopped")
	return 0
}
