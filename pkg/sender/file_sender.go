// Copyright 2024 The Parca Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package sender

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/parca-dev/orbit/pkg/capturepb"
)

type Compression string

const (
	CompressionSnappy Compression = "snappy"
	CompressionZstd   Compression = "zstd"
)

var (
	zstdMagic   = []byte{0x28, 0xb5, 0x2f, 0xfd}
	snappyMagic = []byte("\xff\x06\x00\x00sNaPpY")
)

// maxFrameSize bounds a single frame when reading a capture file back.
const maxFrameSize = 256 << 20

type flushWriteCloser interface {
	io.WriteCloser
	Flush() error
}

// FileSender mirrors every batch into a file as a sequence of
// length-prefixed CaptureResponse frames inside a compressed stream.
type FileSender struct {
	logger log.Logger
	path   string

	f   *os.File
	w   flushWriteCloser
	buf []byte

	events  uint64
	written uint64
}

func NewFileSender(logger log.Logger, path string, c Compression) (*FileSender, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create capture file: %w", err)
	}

	var w flushWriteCloser
	switch c {
	case CompressionZstd:
		zw, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("create zstd writer: %w", err)
		}
		w = zw
	case CompressionSnappy, "":
		w = snappy.NewBufferedWriter(f)
	default:
		f.Close()
		return nil, fmt.Errorf("unknown capture file compression %q", c)
	}

	return &FileSender{
		logger: logger,
		path:   path,
		f:      f,
		w:      w,
	}, nil
}

func (s *FileSender) SendEvents(events []capturepb.ClientCaptureEvent) error {
	resp := &capturepb.CaptureResponse{CaptureEvents: events}
	b, err := resp.MarshalVT()
	if err != nil {
		return fmt.Errorf("marshal capture response: %w", err)
	}

	s.buf = protowire.AppendVarint(s.buf[:0], uint64(len(b)))
	if _, err := s.w.Write(s.buf); err != nil {
		return fmt.Errorf("write frame header: %w", err)
	}
	if _, err := s.w.Write(b); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	if err := s.w.Flush(); err != nil {
		return fmt.Errorf("flush capture file: %w", err)
	}

	s.events += uint64(len(events))
	s.written += uint64(len(s.buf) + len(b))
	return nil
}

// Close finishes the compressed stream and closes the file.
func (s *FileSender) Close() error {
	err := s.w.Close()
	if cerr := s.f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("close capture file: %w", err)
	}

	level.Info(s.logger).Log(
		"msg", "capture file written",
		"path", s.path,
		"events", humanize.Comma(int64(s.events)),
		"uncompressed", humanize.IBytes(s.written),
	)
	return nil
}

// ReadFile decodes every frame of a file written by FileSender. The
// compression is detected from the stream header.
func ReadFile(path string) ([]*capturepb.CaptureResponse, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open capture file: %w", err)
	}
	defer f.Close()

	br := bufio.NewReader(f)
	head, err := br.Peek(len(snappyMagic))
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("read capture file header: %w", err)
	}

	var r *bufio.Reader
	switch {
	case len(head) == 0:
		return nil, nil
	case bytes.HasPrefix(head, zstdMagic):
		zr, err := zstd.NewReader(br, zstd.WithDecoderConcurrency(1))
		if err != nil {
			return nil, fmt.Errorf("create zstd reader: %w", err)
		}
		defer zr.Close()
		r = bufio.NewReader(zr)
	case bytes.HasPrefix(head, snappyMagic):
		r = bufio.NewReader(snappy.NewReader(br))
	default:
		return nil, errors.New("capture file has unknown compression")
	}

	var responses []*capturepb.CaptureResponse
	for {
		n, err := binary.ReadUvarint(r)
		if errors.Is(err, io.EOF) {
			return responses, nil
		}
		if err != nil {
			return nil, fmt.Errorf("read frame header: %w", err)
		}
		if n > maxFrameSize {
			return nil, fmt.Errorf("frame of %s exceeds limit", humanize.IBytes(n))
		}

		b := make([]byte, n)
		if _, err := io.ReadFull(r, b); err != nil {
			return nil, fmt.Errorf("read frame: %w", err)
		}
		resp := &capturepb.CaptureResponse{}
		if err := resp.UnmarshalVT(b); err != nil {
			return nil, fmt.Errorf("decode frame %d: %w", len(responses), err)
		}
		responses = append(responses, resp)
	}
}
