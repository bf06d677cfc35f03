// Copyright 2025 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package envelope implements the RTMA wire envelope: the fixed 48-byte
// message header, physical frames, fragmentation of large payloads and
// receiver-side reassembly.
//
// Wire layout (little-endian, no padding):
//
//	offset size field
//	0      4    msg_type        int32
//	4      4    msg_count       int32
//	8      8    send_time       float64
//	16     8    recv_time       float64
//	24     2    src_host_id     int16
//	26     2    src_mod_id      int16
//	28     2    dest_host_id    int16
//	30     2    dest_mod_id     int16
//	32     4    num_data_bytes  int32
//	36     4    remaining_bytes int32
//	40     4    is_dynamic      int32
//	44     4    reserved        int32
//
// The header is followed by num_data_bytes of payload.
package envelope

import (
	"encoding/binary"
	"fmt"
	"math"
)

// HeaderSize is the encoded size of a Header.
const HeaderSize = 48

var byteOrder = binary.LittleEndian

// Header is the fixed message header.
type Header struct {
	MsgType        int32
	MsgCount       int32
	SendTime       float64
	RecvTime       float64
	SrcHostID      int16
	SrcModID       int16
	DestHostID     int16
	DestModID      int16
	NumDataBytes   int32 // payload bytes carried by this frame
	RemainingBytes int32 // payload bytes still to come after this frame
	IsDynamic      int32 // non-zero on every fragment but the last
	Reserved       int32 // message definition version hash, 0 if unused
}

// Dynamic reports whether the frame is a non-final fragment.
func (h Header) Dynamic() bool { return h.IsDynamic != 0 }

// Version is the message definition hash carried in the reserved field.
func (h Header) Version() uint32 { return uint32(h.Reserved) }

// SetVersion stores a message definition hash in the reserved field.
func (h *Header) SetVersion(v uint32) { h.Reserved = int32(v) }

// MarshalBinary encodes the header into HeaderSize bytes.
func (h Header) MarshalBinary() ([]byte, error) {
	buf := make([]byte, HeaderSize)
	h.put(buf)
	return buf, nil
}

// UnmarshalBinary decodes exactly HeaderSize bytes.
func (h *Header) UnmarshalBinary(b []byte) error {
	if len(b) != HeaderSize {
		return fmt.Errorf("%w: header length %d", ErrMalformedFrame, len(b))
	}
	h.get(b)
	return nil
}

func (h Header) put(buf []byte) {
	byteOrder.PutUint32(buf[0:4], uint32(h.MsgType))
	byteOrder.PutUint32(buf[4:8], uint32(h.MsgCount))
	byteOrder.PutUint64(buf[8:16], math.Float64bits(h.SendTime))
	byteOrder.PutUint64(buf[16:24], math.Float64bits(h.RecvTime))
	byteOrder.PutUint16(buf[24:26], uint16(h.SrcHostID))
	byteOrder.PutUint16(buf[26:28], uint16(h.SrcModID))
	byteOrder.PutUint16(buf[28:30], uint16(h.DestHostID))
	byteOrder.PutUint16(buf[30:32], uint16(h.DestModID))
	byteOrder.PutUint32(buf[32:36], uint32(h.NumDataBytes))
	byteOrder.PutUint32(buf[36:40], uint32(h.RemainingBytes))
	byteOrder.PutUint32(buf[40:44], uint32(h.IsDynamic))
	byteOrder.PutUint32(buf[44:48], uint32(h.Reserved))
}

func (h *Header) get(buf []byte) {
	h.MsgType = int32(byteOrder.Uint32(buf[0:4]))
	h.MsgCount = int32(byteOrder.Uint32(buf[4:8]))
	h.SendTime = math.Float64frombits(byteOrder.Uint64(buf[8:16]))
	h.RecvTime = math.Float64frombits(byteOrder.Uint64(buf[16:24]))
	h.SrcHostID = int16(byteOrder.Uint16(buf[24:26]))
	h.SrcModID = int16(byteOrder.Uint16(buf[26:28]))
	h.DestHostID = int16(byteOrder.Uint16(buf[28:30]))
	h.DestModID = int16(byteOrder.Uint16(buf[30:32]))
	h.NumDataBytes = int32(byteOrder.Uint32(buf[32:36]))
	h.RemainingBytes = int32(byteOrder.Uint32(buf[36:40]))
	h.IsDynamic = int32(byteOrder.Uint32(buf[40:44]))
	h.Reserved = int32(byteOrder.Uint32(buf[44:48]))
}
