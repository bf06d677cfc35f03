// Copyright 2025 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package quicklogger

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
	"go.uber.org/multierr"

	"github.com/destiny/rtma/envelope"
)

// CompressedExt marks a zstd-compressed message log.
const CompressedExt = ".zst"

var ErrTruncatedLog = errors.New("quicklogger: message log ends inside a fragmented message")

var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

// WriteLog writes msgs to path as a sequence of wire frames, the same
// bytes a module would read from the manager. Large messages are stored
// fragmented. The file is written next to path and renamed into place
// once complete.
func WriteLog(path string, msgs []envelope.Envelope, compress bool) (err error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("quicklogger: create log directory: %w", err)
	}
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("quicklogger: create log: %w", err)
	}
	defer func() {
		if err != nil {
			_ = os.Remove(tmp)
		}
	}()

	var (
		sink io.Writer = f
		zw   *zstd.Encoder
	)
	if compress {
		zw, err = zstd.NewWriter(f)
		if err != nil {
			return multierr.Append(err, f.Close())
		}
		sink = zw
	}
	w := bufio.NewWriter(sink)

	for _, env := range msgs {
		for _, fr := range envelope.Split(env) {
			if err = envelope.WriteFrame(w, fr); err != nil {
				err = fmt.Errorf("quicklogger: write type %d count %d: %w", env.Header.MsgType, env.Header.MsgCount, err)
				break
			}
		}
		if err != nil {
			break
		}
	}

	if err == nil {
		err = w.Flush()
	}
	if zw != nil {
		err = multierr.Append(err, zw.Close())
	}
	err = multierr.Append(err, f.Close())
	if err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// ReadLog loads a message log written by WriteLog. Compressed logs are
// detected from their content.
func ReadLog(path string) ([]envelope.Envelope, error) {
	var msgs []envelope.Envelope
	err := walkLog(path, nil, func(env envelope.Envelope) {
		msgs = append(msgs, env)
	})
	return msgs, err
}

// Summary describes a message log without its payloads.
type Summary struct {
	Messages int
	Frames   int
	Bytes    int64 // logical payload bytes
	ByType   map[int32]int
	First    float64 // earliest send_time
	Last     float64 // latest send_time
}

// ScanLog checks the framing of a message log and summarizes it.
func ScanLog(path string) (Summary, error) {
	s := Summary{ByType: make(map[int32]int)}
	err := walkLog(path, &s.Frames, func(env envelope.Envelope) {
		h := env.Header
		if s.Messages == 0 || h.SendTime < s.First {
			s.First = h.SendTime
		}
		if h.SendTime > s.Last {
			s.Last = h.SendTime
		}
		s.Messages++
		s.Bytes += int64(h.NumDataBytes)
		s.ByType[h.MsgType]++
	}, envelope.TrackOnly())
	return s, err
}

func walkLog(path string, frames *int, fn func(envelope.Envelope), opts ...envelope.ReassemblerOption) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	br := bufio.NewReader(f)
	var r io.Reader = br
	if magic, _ := br.Peek(len(zstdMagic)); bytes.Equal(magic, zstdMagic) {
		zr, err := zstd.NewReader(br)
		if err != nil {
			return fmt.Errorf("quicklogger: open %s: %w", path, err)
		}
		defer zr.Close()
		r = zr
	}

	reasm := envelope.NewReassembler(opts...)
	for {
		fr, err := envelope.ReadFrame(r)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("quicklogger: read %s: %w", path, err)
		}
		if frames != nil {
			*frames++
		}
		env, complete, err := reasm.Add(fr)
		if err != nil {
			return fmt.Errorf("quicklogger: read %s: %w", path, err)
		}
		if complete {
			fn(env)
		}
	}
	if reasm.Len() > 0 {
		return ErrTruncatedLog
	}
	return nil
}

// resolve places relative paths under dir and reports whether the log
// should be compressed.
func resolve(dir, path string, compress bool) (string, bool) {
	if !filepath.IsAbs(path) {
		path = filepath.Join(dir, path)
	}
	return path, compress || strings.HasSuffix(path, CompressedExt)
}
