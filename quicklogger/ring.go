// Copyright 2025 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package quicklogger

import "github.com/destiny/rtma/envelope"

// ring keeps the most recent messages. Once full, each push overwrites
// the oldest entry.
type ring struct {
	buf     []envelope.Envelope
	head    int // index of the oldest entry
	n       int
	bytes   int
	dropped uint64
}

func newRing(capacity int) *ring {
	return &ring{buf: make([]envelope.Envelope, capacity)}
}

func (r *ring) push(env envelope.Envelope) {
	if r.n < len(r.buf) {
		r.buf[(r.head+r.n)%len(r.buf)] = env
		r.n++
		r.bytes += env.Len()
		return
	}
	r.bytes += env.Len() - r.buf[r.head].Len()
	r.buf[r.head] = env
	r.head = (r.head + 1) % len(r.buf)
	r.dropped++
}

// snapshot returns the buffered messages oldest first.
func (r *ring) snapshot() []envelope.Envelope {
	out := make([]envelope.Envelope, r.n)
	for i := range out {
		out[i] = r.buf[(r.head+i)%len(r.buf)]
	}
	return out
}

func (r *ring) reset() {
	clear(r.buf)
	r.head, r.n, r.bytes = 0, 0, 0
}

func (r *ring) len() int { return r.n }
