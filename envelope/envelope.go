// Copyright 2025 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package envelope

import (
	"github.com/destiny/rtma/core"
)

// Envelope is one logical message: its header and the complete payload.
// In a logical envelope Header.NumDataBytes is the full payload size and
// the fragmentation fields are zero.
type Envelope struct {
	Header  Header
	Payload []byte
}

// New builds a logical envelope for payload.
func New(h Header, payload []byte) Envelope {
	h.NumDataBytes = int32(len(payload))
	h.RemainingBytes = 0
	h.IsDynamic = 0
	return Envelope{Header: h, Payload: payload}
}

// Len is the logical payload size.
func (e Envelope) Len() int { return len(e.Payload) }

// Key identifies the logical message for reassembly.
func (e Envelope) Key() Key { return KeyOf(e.Header) }

// Split breaks the envelope into physical frames. Payloads up to
// MaxContiguousMessageData bytes travel in a single frame. Larger payloads
// are carried by full-size fragments marked dynamic, each announcing the
// bytes still to come, followed by a final non-dynamic fragment with no
// remaining bytes.
func Split(e Envelope) []Frame {
	const chunk = core.MaxContiguousMessageData
	total := len(e.Payload)

	if total <= chunk {
		h := e.Header
		h.NumDataBytes = int32(total)
		h.RemainingBytes = 0
		h.IsDynamic = 0
		return []Frame{{Header: h, Data: e.Payload}}
	}

	frames := make([]Frame, 0, (total+chunk-1)/chunk)
	for off := 0; off < total; off += chunk {
		n := chunk
		if total-off < n {
			n = total - off
		}
		rem := total - off - n

		h := e.Header
		h.NumDataBytes = int32(n)
		h.RemainingBytes = int32(rem)
		h.IsDynamic = 0
		if rem > 0 {
			h.IsDynamic = 1
		}
		frames = append(frames, Frame{Header: h, Data: e.Payload[off : off+n]})
	}
	return frames
}

// FrameCount is the number of frames Split produces for size bytes.
func FrameCount(size int) int {
	if size <= core.MaxContiguousMessageData {
		return 1
	}
	return (size + core.MaxContiguousMessageData - 1) / core.MaxContiguousMessageData
}
