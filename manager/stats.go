// Copyright 2025 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package manager

import (
	"io"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// Stats is a point in time view of the manager counters.
type Stats struct {
	Received      uint64 // logical messages read from modules
	Forwarded     uint64 // messages queued for delivery, ACKs included
	Failed        uint64
	Acks          uint64
	Forced        uint64
	TimingSent    uint64
	Modules       int
	Subscriptions int
	Connects      uint64
	Disconnects   uint64
	Refused       uint64
}

// Stats returns the current counters. It is safe to call at any time,
// including after Close.
func (m *Manager) Stats() Stats {
	ts := m.table.Stats()
	return Stats{
		Received:      m.stats.received.Load(),
		Forwarded:     m.stats.forwarded.Load(),
		Failed:        m.stats.failed.Load(),
		Acks:          m.stats.acks.Load(),
		Forced:        m.stats.forced.Load(),
		TimingSent:    m.stats.timing.Load(),
		Modules:       m.table.Len(),
		Subscriptions: m.table.Subscriptions(),
		Connects:      ts.Connects,
		Disconnects:   ts.Disconnects,
		Refused:       ts.Refused,
	}
}

// Report prints the counters for an operator.
func (s Stats) Report(w io.Writer) error {
	p := message.NewPrinter(language.English)
	_, err := p.Fprintf(w,
		"received %d, forwarded %d, failed %d, acks %d\n"+
			"connects %d, disconnects %d, refused %d, forced %d\n"+
			"modules %d, subscriptions %d, timing snapshots %d\n",
		s.Received, s.Forwarded, s.Failed, s.Acks,
		s.Connects, s.Disconnects, s.Refused, s.Forced,
		s.Modules, s.Subscriptions, s.TimingSent,
	)
	return err
}
