package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"wrkloop/internal/bench"
	"wrkloop/internal/config"
	"wrkloop/internal/log"
)

import (
	_ "net/http/pprof"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	cfg, err := config.Load(args)
	if errors.Is(err, pflag.ErrHelp) {
		fmt.Print(config.Usage())
		return 0
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n\n%s", err, config.Usage())
		return 1
	}

	logger, err := log.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	defer logger.Sync() //nolint:errcheck

	if cfg.Pprof != "" {
		go func() {
			if err := http.ListenAndServe(cfg.Pprof, nil); err != nil {
				logger.Warn("pprof listener stopped", zap.String("addr", cfg.Pprof), zap.Error(err))
			}
		}()
	}

	b, err := bench.New(cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bench.PrintHeader(os.Stdout, cfg.URL, cfg.Duration, cfg.Threads, cfg.Connections)

	r, err := b.Run(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	r.Print(os.Stdout, cfg.Latency)

	if cfg.MetricsFile != "" {
		if err := bench.WriteMetrics(cfg.MetricsFile, r); err != nil {
			fmt.Fprintf(os.Stderr, "write metrics: %v\n", err)
			return 1
		}
	}
	if cfg.LatencyCSV != "" {
		if err := bench.WriteBucketsCSV(cfg.LatencyCSV, r.Latency); err != nil {
			fmt.Fprintf(os.Stderr, "write latency csv: %v\n", err)
			return 1
		}
	}

	return 0
}
