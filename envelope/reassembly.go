// Copyright 2025 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package envelope

import (
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/golang-lru/v2/simplelru"
)

const (
	DefaultReassemblySlots = 1024
	DefaultReassemblyTTL   = 5 * time.Second
	DefaultMaxMessageSize  = 16 * 1024 * 1024
)

// Key identifies one logical message in flight.
type Key struct {
	SrcHost  int16
	SrcMod   int16
	DestHost int16
	DestMod  int16
	Type     int32
	Count    int32
}

// KeyOf derives the reassembly key of a frame header.
func KeyOf(h Header) Key {
	return Key{
		SrcHost:  h.SrcHostID,
		SrcMod:   h.SrcModID,
		DestHost: h.DestHostID,
		DestMod:  h.DestModID,
		Type:     h.MsgType,
		Count:    h.MsgCount,
	}
}

// pending is a partially received message.
type pending struct {
	first     Header    // header of the first fragment
	total     int       // logical payload size
	remaining int32     // remaining_bytes of the last accepted fragment
	buf       []byte    // nil when only tracking
	deadline  time.Time // eviction time
}

// ReassemblerOption configures a Reassembler.
type ReassemblerOption func(r *Reassembler)

// WithClock sets the time source used for expiry.
func WithClock(c clock.Clock) ReassemblerOption {
	return func(r *Reassembler) {
		r.clock = c
	}
}

// WithTTL sets how long a partial message may wait for its next fragment.
func WithTTL(ttl time.Duration) ReassemblerOption {
	return func(r *Reassembler) {
		r.ttl = ttl
	}
}

// WithSlots bounds the number of partial messages held at once. When the
// table is full the least recently extended message is evicted.
func WithSlots(n int) ReassemblerOption {
	return func(r *Reassembler) {
		r.slots = n
	}
}

// WithMaxMessageSize bounds the logical size announced by a first fragment.
func WithMaxMessageSize(n int) ReassemblerOption {
	return func(r *Reassembler) {
		r.maxSize = n
	}
}

// TrackOnly makes the reassembler validate fragment sequences without
// buffering payload bytes. Completed messages are returned with a nil
// payload.
func TrackOnly() ReassemblerOption {
	return func(r *Reassembler) {
		r.retain = false
	}
}

// Reassembler rebuilds logical messages from fragments. Its table is
// bounded in size and every entry expires when no fragment extends it
// within the TTL.
type Reassembler struct {
	mu      sync.Mutex
	table   *simplelru.LRU[Key, *pending]
	clock   clock.Clock
	ttl     time.Duration
	slots   int
	maxSize int
	retain  bool
	stale   []Header // dropped partial messages not yet reported

	// keys of dropped partial messages whose remaining fragments must be
	// rejected, mapped to when they are forgotten
	dead *simplelru.LRU[Key, time.Time]
}

// NewReassembler returns an empty reassembler.
func NewReassembler(opts ...ReassemblerOption) *Reassembler {
	r := &Reassembler{
		clock:   clock.New(),
		ttl:     DefaultReassemblyTTL,
		slots:   DefaultReassemblySlots,
		maxSize: DefaultMaxMessageSize,
		retain:  true,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.slots <= 0 {
		r.slots = DefaultReassemblySlots
	}
	table, err := simplelru.NewLRU[Key, *pending](r.slots, nil)
	if err != nil {
		// only fails for a non-positive size
		panic(err)
	}
	r.table = table
	dead, err := simplelru.NewLRU[Key, time.Time](r.slots, nil)
	if err != nil {
		panic(err)
	}
	r.dead = dead
	return r
}

// Add feeds one frame. It returns the logical envelope and true once the
// frame completes a message. A frame that does not belong to a pending
// message and is not dynamic is a complete message by itself.
func (r *Reassembler) Add(f Frame) (Envelope, bool, error) {
	if err := Validate(f.Header, len(f.Data)); err != nil {
		return Envelope{}, false, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	r.expire(now)

	key := KeyOf(f.Header)
	p, ok := r.table.Get(key)
	if !ok {
		// later fragments of a dropped message must not pass as new ones
		if until, dead := r.dead.Peek(key); dead && now.Before(until) {
			if !f.Header.Dynamic() || f.Header.RemainingBytes == 0 {
				r.dead.Remove(key)
			} else {
				r.dead.Add(key, now.Add(r.ttl))
			}
			return Envelope{}, false, fmt.Errorf("%w: type %d count %d",
				ErrDroppedFragment, key.Type, key.Count)
		}
		if !f.Header.Dynamic() {
			env := Envelope{Header: f.Header}
			if r.retain {
				env.Payload = f.Data
			}
			return env, true, nil
		}
		return Envelope{}, false, r.start(key, f, now)
	}

	want := p.remaining - f.Header.NumDataBytes
	if f.Header.RemainingBytes >= p.remaining || f.Header.RemainingBytes != want {
		r.table.Remove(key)
		if f.Header.RemainingBytes > 0 {
			r.dead.Add(key, now.Add(r.ttl))
		}
		return Envelope{}, false, fmt.Errorf("%w: remaining_bytes %d after %d (want %d) for type %d count %d",
			ErrFragmentMismatch, f.Header.RemainingBytes, p.remaining, want, key.Type, key.Count)
	}

	if r.retain {
		p.buf = append(p.buf, f.Data...)
	}
	p.remaining = f.Header.RemainingBytes
	p.deadline = now.Add(r.ttl)
	if p.remaining > 0 {
		return Envelope{}, false, nil
	}

	r.table.Remove(key)
	h := p.first
	h.NumDataBytes = int32(p.total)
	h.RemainingBytes = 0
	h.IsDynamic = 0
	return Envelope{Header: h, Payload: p.buf}, true, nil
}

func (r *Reassembler) start(key Key, f Frame, now time.Time) error {
	total := int(f.Header.NumDataBytes) + int(f.Header.RemainingBytes)
	if total > r.maxSize {
		return fmt.Errorf("%w: %d bytes announced", ErrMessageTooLarge, total)
	}
	p := &pending{
		first:     f.Header,
		total:     total,
		remaining: f.Header.RemainingBytes,
		deadline:  now.Add(r.ttl),
	}
	if r.retain {
		p.buf = make([]byte, 0, total)
		p.buf = append(p.buf, f.Data...)
	}
	if r.table.Len() >= r.slots {
		if k, old, ok := r.table.RemoveOldest(); ok {
			r.stale = append(r.stale, old.first)
			r.dead.Add(k, now.Add(r.ttl))
		}
	}
	r.table.Add(key, p)
	return nil
}

// expire drops entries whose deadline has passed. The LRU order is the
// order of last extension, so the scan stops at the first live entry.
func (r *Reassembler) expire(now time.Time) {
	for {
		k, p, ok := r.table.GetOldest()
		if !ok || now.Before(p.deadline) {
			break
		}
		r.table.RemoveOldest()
		r.stale = append(r.stale, p.first)
		r.dead.Add(k, now.Add(r.ttl))
	}
	for {
		_, until, ok := r.dead.GetOldest()
		if !ok || now.Before(until) {
			return
		}
		r.dead.RemoveOldest()
	}
}

// Sweep expires overdue partial messages and returns the first-fragment
// headers of every message dropped since the previous call, whether by
// expiry or because the table was full.
func (r *Reassembler) Sweep() []Header {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.expire(r.clock.Now())
	out := r.stale
	r.stale = nil
	return out
}

// DropSource discards every partial message sent by the given module and
// returns how many were dropped.
func (r *Reassembler) DropSource(host, mod int16) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, key := range r.table.Keys() {
		if key.SrcHost == host && key.SrcMod == mod {
			r.table.Remove(key)
			n++
		}
	}
	return n
}

// Len is the number of partial messages held.
func (r *Reassembler) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.table.Len()
}
