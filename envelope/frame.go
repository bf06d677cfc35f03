// Copyright 2025 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package envelope

import (
	"errors"
	"fmt"
	"io"

	"github.com/destiny/rtma/core"
)

var (
	ErrMalformedFrame   = errors.New("envelope: malformed frame")
	ErrFragmentMismatch = errors.New("envelope: fragment mismatch")
	ErrMessageTooLarge  = errors.New("envelope: message too large")

	// ErrDroppedFragment marks a fragment of a message the reassembler
	// already dropped. It also matches ErrFragmentMismatch.
	ErrDroppedFragment = fmt.Errorf("%w: message already dropped", ErrFragmentMismatch)
)

// Frame is one physical unit on the wire: a header and the payload bytes
// it carries.
type Frame struct {
	Header Header
	Data   []byte
}

// Validate checks the structural invariants of a frame header given the
// number of payload bytes actually present.
func Validate(h Header, present int) error {
	switch {
	case h.NumDataBytes < 0:
		return fmt.Errorf("%w: negative num_data_bytes %d", ErrMalformedFrame, h.NumDataBytes)
	case h.RemainingBytes < 0:
		return fmt.Errorf("%w: negative remaining_bytes %d", ErrMalformedFrame, h.RemainingBytes)
	case int(h.NumDataBytes) != present:
		return fmt.Errorf("%w: declared %d data bytes, got %d", ErrMalformedFrame, h.NumDataBytes, present)
	}
	return validateSizes(h)
}

func validateSizes(h Header) error {
	switch {
	case h.NumDataBytes > core.MaxContiguousMessageData:
		return fmt.Errorf("%w: %d data bytes exceed frame limit", ErrMalformedFrame, h.NumDataBytes)
	case h.Dynamic() && h.RemainingBytes == 0:
		return fmt.Errorf("%w: dynamic fragment with no remaining bytes", ErrMalformedFrame)
	case h.Dynamic() && h.NumDataBytes != core.MaxContiguousMessageData:
		return fmt.Errorf("%w: short non-final fragment (%d bytes)", ErrMalformedFrame, h.NumDataBytes)
	case !h.Dynamic() && h.RemainingBytes != 0:
		return fmt.Errorf("%w: remaining_bytes %d on a final frame", ErrMalformedFrame, h.RemainingBytes)
	}
	return nil
}

// MarshalBinary encodes the frame as header followed by data.
func (f Frame) MarshalBinary() ([]byte, error) {
	if err := Validate(f.Header, len(f.Data)); err != nil {
		return nil, err
	}
	buf := make([]byte, HeaderSize+len(f.Data))
	f.Header.put(buf)
	copy(buf[HeaderSize:], f.Data)
	return buf, nil
}

// DecodeFrame decodes one complete frame from b.
func DecodeFrame(b []byte) (Frame, error) {
	if len(b) < HeaderSize {
		return Frame{}, fmt.Errorf("%w: %d bytes is shorter than a header", ErrMalformedFrame, len(b))
	}
	var f Frame
	f.Header.get(b[:HeaderSize])
	if err := Validate(f.Header, len(b)-HeaderSize); err != nil {
		return Frame{}, err
	}
	f.Data = make([]byte, len(b)-HeaderSize)
	copy(f.Data, b[HeaderSize:])
	return f, nil
}

// WriteFrame writes f to w.
func WriteFrame(w io.Writer, f Frame) error {
	buf, err := f.MarshalBinary()
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}

// ReadFrame reads one frame from r. A clean end of stream before any header
// byte is reported as io.EOF.
func ReadFrame(r io.Reader) (Frame, error) {
	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Frame{}, fmt.Errorf("%w: truncated header", ErrMalformedFrame)
		}
		return Frame{}, err
	}

	var f Frame
	f.Header.get(hdr[:])
	if f.Header.NumDataBytes < 0 || f.Header.RemainingBytes < 0 {
		return Frame{}, fmt.Errorf("%w: negative byte counts", ErrMalformedFrame)
	}
	if err := validateSizes(f.Header); err != nil {
		return Frame{}, err
	}

	f.Data = make([]byte, f.Header.NumDataBytes)
	if len(f.Data) > 0 {
		if _, err := io.ReadFull(r, f.Data); err != nil {
			if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
				return Frame{}, fmt.Errorf("%w: truncated payload", ErrMalformedFrame)
			}
			return Frame{}, err
		}
	}
	return f, nil
}
