// Copyright 2025 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package manager

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"

	"github.com/destiny/rtma/core"
)

type metrics struct {
	framesReceived   prometheus.Counter
	messagesReceived *prometheus.CounterVec
	forwarded        *prometheus.CounterVec
	failed           *prometheus.CounterVec
	forced           prometheus.Counter
	modules          prometheus.Gauge
	subscriptions    prometheus.Gauge
	dispatch         prometheus.Histogram
}

func newMetrics() *metrics {
	return &metrics{
		framesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rtma",
			Subsystem: "manager",
			Name:      "frames_received_total",
			Help:      "Physical frames read from modules.",
		}),
		messagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rtma",
			Subsystem: "manager",
			Name:      "messages_received_total",
			Help:      "Logical messages received from modules.",
		}, []string{"class"}),
		forwarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rtma",
			Subsystem: "manager",
			Name:      "messages_forwarded_total",
			Help:      "Messages queued for delivery to a module.",
		}, []string{"class"}),
		failed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rtma",
			Subsystem: "manager",
			Name:      "messages_failed_total",
			Help:      "Messages that could not be delivered or honoured.",
		}, []string{"reason"}),
		forced: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rtma",
			Subsystem: "manager",
			Name:      "forced_disconnects_total",
			Help:      "Modules disconnected by the manager.",
		}),
		modules: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "rtma",
			Subsystem: "manager",
			Name:      "connected_modules",
			Help:      "Modules currently connected.",
		}),
		subscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "rtma",
			Subsystem: "manager",
			Name:      "subscriptions",
			Help:      "Subscriptions held, active or paused.",
		}),
		dispatch: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "rtma",
			Subsystem: "manager",
			Name:      "dispatch_duration_seconds",
			Help:      "Time spent routing one logical message.",
			Buckets:   prometheus.ExponentialBuckets(1e-6, 4, 10),
		}),
	}
}

func (m *metrics) register(reg prometheus.Registerer) error {
	var err error
	for _, c := range []prometheus.Collector{
		m.framesReceived, m.messagesReceived, m.forwarded, m.failed,
		m.forced, m.modules, m.subscriptions, m.dispatch,
	} {
		err = multierr.Append(err, reg.Register(c))
	}
	return err
}

func classLabel(mt core.MessageType) string {
	return mt.Class().String()
}
