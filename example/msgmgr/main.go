// Copyright 2025 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command msgmgr runs the RTMA message manager.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/destiny/rtma/config"
	"github.com/destiny/rtma/manager"
)

func main() {
	var (
		addr      = flag.String("addr", "", "listen address (overrides the config file)")
		cfgPath   = flag.String("config", "", "path to a TOML configuration file")
		noTiming  = flag.Bool("disable-timing", false, "do not send TIMING_MESSAGE")
		debug     = flag.Bool("debug", false, "enable debug logging")
		statsTick = flag.Duration("stats", 0, "period of stats reports (0 disables)")
	)
	flag.Parse()

	cfg := config.DefaultManagerConfig()
	if *cfgPath != "" {
		var err error
		if cfg, err = config.LoadManager(*cfgPath); err != nil {
			log.Fatalf("msgmgr: %v", err)
		}
	}
	if *addr != "" {
		cfg.Addr = *addr
	}
	if *noTiming {
		cfg.TimingPeriod = 0
	}
	if *debug {
		cfg.LogLevel = "debug"
	}

	zl, err := config.NewZapLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("msgmgr: %v", err)
	}
	defer zl.Sync()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	mgr, err := manager.New(cfg, manager.WithLogger(zl), manager.WithRegisterer(reg))
	if err != nil {
		zl.Fatal("invalid configuration", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := mgr.Start(ctx); err != nil {
		zl.Fatal("could not start", zap.Error(err))
	}

	if cfg.MetricsAddr != "" {
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{})}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				zl.Error("metrics endpoint failed", zap.Error(err))
			}
		}()
		defer srv.Close()
		zl.Info("serving metrics", zap.String("addr", cfg.MetricsAddr))
	}

	if *statsTick > 0 {
		go func() {
			ticker := time.NewTicker(*statsTick)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					_ = mgr.Stats().Report(os.Stderr)
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	if err := mgr.Wait(); err != nil {
		zl.Error("manager stopped", zap.Error(err))
	}
	_ = mgr.Close()
	zl.Info("message manager stopped")
	_ = mgr.Stats().Report(os.Stdout)
}
