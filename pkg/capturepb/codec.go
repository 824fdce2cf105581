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

package capturepb

import (
	"fmt"
	"sync"

	"google.golang.org/grpc/encoding"
	"google.golang.org/protobuf/proto"
)

type vtprotoMessage interface {
	MarshalVT() ([]byte, error)
	UnmarshalVT([]byte) error
}

// vtprotoCodec replaces the default "proto" codec so that the messages of
// this package, which are not generated proto.Message types, can be sent.
type vtprotoCodec struct{}

func (vtprotoCodec) Marshal(v interface{}) ([]byte, error) {
	switch v := v.(type) {
	case vtprotoMessage:
		return v.MarshalVT()
	case proto.Message:
		return proto.Marshal(v)
	default:
		return nil, fmt.Errorf("failed to marshal, message is %T, must satisfy the vtprotoMessage interface or want proto.Message", v)
	}
}

func (vtprotoCodec) Unmarshal(data []byte, v interface{}) error {
	switch v := v.(type) {
	case vtprotoMessage:
		return v.UnmarshalVT(data)
	case proto.Message:
		return proto.Unmarshal(data, v)
	default:
		return fmt.Errorf("failed to unmarshal, message is %T, must satisfy the vtprotoMessage interface or want proto.Message", v)
	}
}

func (vtprotoCodec) Name() string {
	return "proto"
}

var registerCodec sync.Once

// RegisterCodec installs the codec with gRPC. It must be called before any
// server or connection using this package is created.
func RegisterCodec() {
	registerCodec.Do(func() {
		encoding.RegisterCodec(vtprotoCodec{})
	})
}
