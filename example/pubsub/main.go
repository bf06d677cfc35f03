// Copyright 2025 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command pubsub publishes or subscribes to one RTMA message type.
//
//	pubsub -mode sub -type 5000
//	pubsub -mode pub -type 5000 -n 10 -size 20000
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/destiny/rtma"
	"github.com/destiny/rtma/core"
)

func main() {
	var (
		server = flag.String("server", "127.0.0.1:7111", "message manager address")
		mode   = flag.String("mode", "sub", "pub or sub")
		mt     = flag.Int("type", 5000, "message type")
		n      = flag.Int("n", 10, "messages to publish")
		size   = flag.Int("size", 64, "payload size in bytes")
		period = flag.Duration("period", 100*time.Millisecond, "delay between publications")
		debug  = flag.Bool("debug", false, "enable debug logging")
	)
	flag.Parse()

	level := rtma.LogLevelInfo
	if *debug {
		level = rtma.LogLevelDebug
	}
	logger := rtma.NewLogger(level)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c, err := rtma.NewClient(rtma.WithLogger(logger))
	if err != nil {
		log.Fatal(err)
	}
	if err := c.Connect(ctx, *server); err != nil {
		log.Fatal(err)
	}
	defer c.Close()
	if err := c.SendModuleReady(); err != nil {
		log.Fatal(err)
	}

	switch *mode {
	case "pub":
		publish(ctx, c, int32(*mt), *n, *size, *period, logger)
	case "sub":
		subscribe(ctx, c, int32(*mt), logger)
	default:
		log.Fatalf("unknown mode %q", *mode)
	}
}

func publish(ctx context.Context, c *rtma.Client, mt int32, n, size int, period time.Duration, logger *rtma.Logger) {
	if err := c.Subscribe(core.MTFailedMessage); err != nil {
		logger.Warn("could not subscribe to failures: %v", err)
	}
	payload := make([]byte, size)
	for i := 0; i < n; i++ {
		copy(payload, fmt.Sprintf("message %d", i))
		if err := c.SendMessage(mt, payload, 0, 0); err != nil {
			logger.Error("send %d: %v", i, err)
			return
		}
		logger.Info("sent type %d count %d (%d bytes)", mt, c.MessageCount(), size)

		select {
		case <-ctx.Done():
			return
		case <-time.After(period):
		}
		if msg, ok, err := c.ReadMessage(0); err == nil && ok {
			logger.Warn("delivery failure: %+v", msg.Header)
		}
	}
}

func subscribe(ctx context.Context, c *rtma.Client, mt int32, logger *rtma.Logger) {
	if err := c.Subscribe(mt); err != nil {
		logger.Error("subscribe %d: %v", mt, err)
		return
	}
	for ctx.Err() == nil {
		msg, ok, err := c.ReadMessage(250 * time.Millisecond)
		if err != nil {
			logger.Error("read: %v", err)
			return
		}
		if !ok {
			continue
		}
		h := msg.Header
		latency := time.Duration((h.RecvTime - h.SendTime) * float64(time.Second))
		logger.Info("type %d count %d from module %d: %d bytes, latency %v", h.MsgType, h.MsgCount, h.SrcModID, len(msg.Data), latency)
	}
}
