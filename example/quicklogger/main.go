// Copyright 2025 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command quicklogger buffers every message forwarded by an RTMA message
// manager and writes the buffer to disk on SAVE_MESSAGE_LOG.
package main

import (
	"context"
	"flag"
	"log"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/destiny/rtma"
	"github.com/destiny/rtma/config"
	"github.com/destiny/rtma/quicklogger"
)

func main() {
	var (
		server  = flag.String("server", "", "message manager address (overrides the config file)")
		cfgPath = flag.String("config", "", "path to a TOML configuration file")
		dir     = flag.String("dir", "", "directory for relative log paths")
		save    = flag.String("save-on-exit", "", "write the buffer to this path on shutdown")
		scan    = flag.String("scan", "", "summarize a saved message log and exit")
		debug   = flag.Bool("debug", false, "enable debug logging")
	)
	flag.Parse()

	if *scan != "" {
		if err := summarize(*scan); err != nil {
			log.Fatalf("quicklogger: %v", err)
		}
		return
	}

	cfg := config.DefaultLoggerConfig()
	if *cfgPath != "" {
		var err error
		if cfg, err = config.LoadLogger(*cfgPath); err != nil {
			log.Fatalf("quicklogger: %v", err)
		}
	}
	if *server != "" {
		cfg.Server = *server
	}
	if *dir != "" {
		cfg.LogDir = *dir
	}
	if *debug {
		cfg.LogLevel = "debug"
	}

	zl, err := config.NewZapLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("quicklogger: %v", err)
	}
	defer zl.Sync()

	ql, err := quicklogger.New(cfg,
		quicklogger.WithZap(zl),
		quicklogger.WithClientOptions(rtma.WithDialerMaxRetries(-1)),
	)
	if err != nil {
		zl.Fatal("invalid configuration", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// the run loop outlives the signal so the final save can reach it
	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errc := make(chan error, 1)
	go func() { errc <- ql.Run(runCtx) }()

	select {
	case err = <-errc:
	case <-ctx.Done():
		if *save != "" {
			if n, err := ql.Save(*save); err != nil {
				zl.Error("final save failed", zap.Error(err))
			} else {
				zl.Info("final save", zap.String("path", *save), zap.Int("messages", n))
			}
		}
		cancel()
		err = <-errc
	}
	if err != nil {
		zl.Error("logger stopped", zap.Error(err))
	}
}

func summarize(path string) error {
	sum, err := quicklogger.ScanLog(path)
	if err != nil {
		return err
	}
	p := message.NewPrinter(language.English)
	span := time.Duration((sum.Last - sum.First) * float64(time.Second))
	p.Printf("%s: %d messages in %d frames, %d payload bytes over %v\n", path, sum.Messages, sum.Frames, sum.Bytes, span)

	types := make([]int32, 0, len(sum.ByType))
	for mt := range sum.ByType {
		types = append(types, mt)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	for _, mt := range types {
		p.Printf("  %6d  %d\n", mt, sum.ByType[mt])
	}
	return nil
}
