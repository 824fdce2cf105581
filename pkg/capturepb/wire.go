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

// Package capturepb holds the messages and gRPC services of the capture
// protocol. The messages are encoded by hand with protowire following the
// layout in capture.proto.
package capturepb

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// message is implemented by every type of this package that can be nested
// inside another message.
type message interface {
	appendFields(b []byte) []byte
	unmarshalField(num protowire.Number, f field) error
}

// field is a single decoded key/value pair of the wire format.
type field struct {
	typ   protowire.Type
	u64   uint64
	bytes []byte
}

func (f field) uint64() uint64   { return f.u64 }
func (f field) uint32() uint32   { return uint32(f.u64) }
func (f field) int64() int64     { return int64(f.u64) }
func (f field) int32() int32     { return int32(f.u64) }
func (f field) bool() bool       { return f.u64 != 0 }
func (f field) double() float64  { return math.Float64frombits(f.u64) }
func (f field) string() string   { return string(f.bytes) }
func (f field) isPacked() bool   { return f.typ == protowire.BytesType }
func (f field) isVarint() bool   { return f.typ == protowire.VarintType }
func (f field) wireType() string { return fmt.Sprintf("%d", f.typ) }

// appendUint64s accepts both the packed and the unpacked encoding of a
// repeated varint field.
func (f field) appendUint64s(dst []uint64) ([]uint64, error) {
	if f.isVarint() {
		return append(dst, f.u64), nil
	}
	if !f.isPacked() {
		return dst, fmt.Errorf("unexpected wire type %s for repeated varint", f.wireType())
	}
	b := f.bytes
	for len(b) > 0 {
		v, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return dst, protowire.ParseError(n)
		}
		dst = append(dst, v)
		b = b[n:]
	}
	return dst, nil
}

func appendUint64(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendUint32(b []byte, num protowire.Number, v uint32) []byte {
	return appendUint64(b, num, uint64(v))
}

func appendInt64(b []byte, num protowire.Number, v int64) []byte {
	return appendUint64(b, num, uint64(v))
}

// Negative int32 values are sign extended to ten bytes, as protobuf does.
func appendInt32(b []byte, num protowire.Number, v int32) []byte {
	return appendUint64(b, num, uint64(int64(v)))
}

func appendBool(b []byte, num protowire.Number, v bool) []byte {
	if !v {
		return b
	}
	return appendUint64(b, num, 1)
}

func appendDouble(b []byte, num protowire.Number, v float64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.Fixed64Type)
	return protowire.AppendFixed64(b, math.Float64bits(v))
}

func appendString(b []byte, num protowire.Number, v string) []byte {
	if v == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

func appendPackedUint64s(b []byte, num protowire.Number, vs []uint64) []byte {
	if len(vs) == 0 {
		return b
	}
	var packed []byte
	for _, v := range vs {
		packed = protowire.AppendVarint(packed, v)
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, packed)
}

// appendMessage writes m as a length-delimited field. A nil m is omitted, a
// non-nil empty m is written so that its presence survives a round trip.
func appendMessage[T any, M interface {
	*T
	message
}](b []byte, num protowire.Number, m M) []byte {
	if m == nil {
		return b
	}
	return appendNested(b, num, m)
}

func appendNested(b []byte, num protowire.Number, m message) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, m.appendFields(nil))
}

// unmarshalMessage walks the fields of b and hands every one of them to m.
// Fields of unknown wire types are skipped.
func unmarshalMessage(b []byte, m message) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		f := field{typ: typ}
		switch typ {
		case protowire.VarintType:
			f.u64, n = protowire.ConsumeVarint(b)
		case protowire.Fixed64Type:
			f.u64, n = protowire.ConsumeFixed64(b)
		case protowire.Fixed32Type:
			var v uint32
			v, n = protowire.ConsumeFixed32(b)
			f.u64 = uint64(v)
		case protowire.BytesType:
			f.bytes, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			b = b[n:]
			continue
		}
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		if err := m.unmarshalField(num, f); err != nil {
			return fmt.Errorf("field %d: %w", num, err)
		}
	}
	return nil
}

func decodeMessage[T any, M interface {
	*T
	message
}](f field) (M, error) {
	if !f.isPacked() {
		return nil, fmt.Errorf("unexpected wire type %s for message", f.wireType())
	}
	m := M(new(T))
	if err := unmarshalMessage(f.bytes, m); err != nil {
		return nil, err
	}
	return m, nil
}
