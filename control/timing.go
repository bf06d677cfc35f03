// Copyright 2025 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package control

import (
	"fmt"
	"io"
	"math"
	"sort"

	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/destiny/rtma/core"
)

// TimingMessageSize is larger than one contiguous frame, so a timing
// snapshot always travels fragmented.
const TimingMessageSize = 2*core.MaxMessageTypes + 4*core.MaxModules + 8

// TimingMessage is the relay's periodic snapshot of per-type message
// counts and module process ids.
type TimingMessage struct {
	Timing    [core.MaxMessageTypes]uint16
	ModulePID [core.MaxModules]int32
	SendTime  float64
}

func (*TimingMessage) Type() int32 { return core.MTTimingMessage }

func (t *TimingMessage) MarshalBinary() ([]byte, error) {
	b := make([]byte, TimingMessageSize)
	off := 0
	for _, n := range t.Timing {
		byteOrder.PutUint16(b[off:], n)
		off += 2
	}
	for _, pid := range t.ModulePID {
		byteOrder.PutUint32(b[off:], uint32(pid))
		off += 4
	}
	byteOrder.PutUint64(b[off:], math.Float64bits(t.SendTime))
	return b, nil
}

func (t *TimingMessage) UnmarshalBinary(data []byte) error {
	if err := checkSize(core.MTTimingMessage, data); err != nil {
		return err
	}
	off := 0
	for i := range t.Timing {
		t.Timing[i] = byteOrder.Uint16(data[off:])
		off += 2
	}
	for i := range t.ModulePID {
		t.ModulePID[i] = int32(byteOrder.Uint32(data[off:]))
		off += 4
	}
	t.SendTime = math.Float64frombits(byteOrder.Uint64(data[off:]))
	return nil
}

// TypeCount is one non-zero entry of a timing snapshot.
type TypeCount struct {
	Type  core.MessageType
	Count uint16
}

// Counts lists the types seen during the period, busiest first.
func (t *TimingMessage) Counts() []TypeCount {
	var out []TypeCount
	for id, n := range t.Timing {
		if n == 0 {
			continue
		}
		out = append(out, TypeCount{Type: core.MustMessageType(int32(id)), Count: n})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Count > out[j].Count })
	return out
}

// Total is the number of messages counted during the period.
func (t *TimingMessage) Total() int {
	total := 0
	for _, n := range t.Timing {
		total += int(n)
	}
	return total
}

// Report writes a human readable summary of the snapshot, with numbers
// formatted for the given language.
func (t *TimingMessage) Report(w io.Writer, tag language.Tag) error {
	p := message.NewPrinter(tag)
	if _, err := p.Fprintf(w, "timing snapshot at %.3f: %d messages\n", t.SendTime, t.Total()); err != nil {
		return err
	}
	for _, c := range t.Counts() {
		if _, err := p.Fprintf(w, "  %-24s %8d\n", c.Type, c.Count); err != nil {
			return err
		}
	}
	for id, pid := range t.ModulePID {
		if pid == 0 {
			continue
		}
		if _, err := fmt.Fprintf(w, "  module %3d pid %d\n", id, pid); err != nil {
			return err
		}
	}
	return nil
}

// Counter accumulates per-type counts for one timing period. Counts
// saturate at the uint16 limit of the snapshot.
type Counter struct {
	counts [core.MaxMessageTypes]uint16
}

// Add counts one message of type mt. Out of range types are ignored.
func (c *Counter) Add(mt int32) {
	if mt < 0 || mt >= core.MaxMessageTypes {
		return
	}
	if c.counts[mt] < math.MaxUint16 {
		c.counts[mt]++
	}
}

// Snapshot builds a timing message from the counts and resets them.
func (c *Counter) Snapshot(pids [core.MaxModules]int32, sendTime float64) *TimingMessage {
	t := &TimingMessage{
		Timing:    c.counts,
		ModulePID: pids,
		SendTime:  sendTime,
	}
	c.counts = [core.MaxMessageTypes]uint16{}
	return t
}
