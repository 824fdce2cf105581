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
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	CaptureServiceCaptureFullMethodName                           = "/orbit_grpc_protos.CaptureService/Capture"
	ProducerSideServiceReceiveCommandsAndSendEventsFullMethodName = "/orbit_grpc_protos.ProducerSideService/ReceiveCommandsAndSendEvents"
)

// CaptureService streams the events of one capture to the client. The client
// sends the options in its first request and half-closes to stop the capture.
type CaptureServiceServer interface {
	Capture(CaptureService_CaptureServer) error
}

type CaptureService_CaptureServer interface {
	Send(*CaptureResponse) error
	Recv() (*CaptureRequest, error)
	grpc.ServerStream
}

type UnimplementedCaptureServiceServer struct{}

func (UnimplementedCaptureServiceServer) Capture(CaptureService_CaptureServer) error {
	return status.Errorf(codes.Unimplemented, "method Capture not implemented")
}

func RegisterCaptureServiceServer(s grpc.ServiceRegistrar, srv CaptureServiceServer) {
	s.RegisterService(&CaptureServiceDesc, srv)
}

type captureServiceCaptureServer struct {
	grpc.ServerStream
}

func (x *captureServiceCaptureServer) Send(m *CaptureResponse) error {
	return x.ServerStream.SendMsg(m)
}

func (x *captureServiceCaptureServer) Recv() (*CaptureRequest, error) {
	m := new(CaptureRequest)
	if err := x.ServerStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func captureServiceCaptureHandler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(CaptureServiceServer).Capture(&captureServiceCaptureServer{stream})
}

var CaptureServiceDesc = grpc.ServiceDesc{
	ServiceName: "orbit_grpc_protos.CaptureService",
	HandlerType: (*CaptureServiceServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Capture",
			Handler:       captureServiceCaptureHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "capture_service.proto",
}

type CaptureServiceClient interface {
	Capture(ctx context.Context, opts ...grpc.CallOption) (CaptureService_CaptureClient, error)
}

type CaptureService_CaptureClient interface {
	Send(*CaptureRequest) error
	Recv() (*CaptureResponse, error)
	grpc.ClientStream
}

type captureServiceClient struct {
	cc grpc.ClientConnInterface
}

func NewCaptureServiceClient(cc grpc.ClientConnInterface) CaptureServiceClient {
	return &captureServiceClient{cc}
}

func (c *captureServiceClient) Capture(ctx context.Context, opts ...grpc.CallOption) (CaptureService_CaptureClient, error) {
	stream, err := c.cc.NewStream(ctx, &CaptureServiceDesc.Streams[0], CaptureServiceCaptureFullMethodName, opts...)
	if err != nil {
		return nil, err
	}
	return &captureServiceCaptureClient{stream}, nil
}

type captureServiceCaptureClient struct {
	grpc.ClientStream
}

func (x *captureServiceCaptureClient) Send(m *CaptureRequest) error {
	return x.ClientStream.SendMsg(m)
}

func (x *captureServiceCaptureClient) Recv() (*CaptureResponse, error) {
	m := new(CaptureResponse)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

// ProducerSideService lets producers outside of the service take part in
// captures. The service writes commands, the producer writes events.
type ProducerSideServiceServer interface {
	ReceiveCommandsAndSendEvents(ProducerSideService_ReceiveCommandsAndSendEventsServer) error
}

type ProducerSideService_ReceiveCommandsAndSendEventsServer interface {
	Send(*ReceiveCommandsAndSendEventsResponse) error
	Recv() (*ReceiveCommandsAndSendEventsRequest, error)
	grpc.ServerStream
}

type UnimplementedProducerSideServiceServer struct{}

func (UnimplementedProducerSideServiceServer) ReceiveCommandsAndSendEvents(ProducerSideService_ReceiveCommandsAndSendEventsServer) error {
	return status.Errorf(codes.Unimplemented, "method ReceiveCommandsAndSendEvents not implemented")
}

func RegisterProducerSideServiceServer(s grpc.ServiceRegistrar, srv ProducerSideServiceServer) {
	s.RegisterService(&ProducerSideServiceDesc, srv)
}

type producerSideServiceReceiveCommandsAndSendEventsServer struct {
	grpc.ServerStream
}

func (x *producerSideServiceReceiveCommandsAndSendEventsServer) Send(m *ReceiveCommandsAndSendEventsResponse) error {
	return x.ServerStream.SendMsg(m)
}

func (x *producerSideServiceReceiveCommandsAndSendEventsServer) Recv() (*ReceiveCommandsAndSendEventsRequest, error) {
	m := new(ReceiveCommandsAndSendEventsRequest)
	if err := x.ServerStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func producerSideServiceReceiveCommandsAndSendEventsHandler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(ProducerSideServiceServer).ReceiveCommandsAndSendEvents(&producerSideServiceReceiveCommandsAndSendEventsServer{stream})
}

var ProducerSideServiceDesc = grpc.ServiceDesc{
	ServiceName: "orbit_grpc_protos.ProducerSideService",
	HandlerType: (*ProducerSideServiceServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "ReceiveCommandsAndSendEvents",
			Handler:       producerSideServiceReceiveCommandsAndSendEventsHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "producer_side_services.proto",
}

type ProducerSideServiceClient interface {
	ReceiveCommandsAndSendEvents(ctx context.Context, opts ...grpc.CallOption) (ProducerSideService_ReceiveCommandsAndSendEventsClient, error)
}

type ProducerSideService_ReceiveCommandsAndSendEventsClient interface {
	Send(*ReceiveCommandsAndSendEventsRequest) error
	Recv() (*ReceiveCommandsAndSendEventsResponse, error)
	grpc.ClientStream
}

type producerSideServiceClient struct {
	cc grpc.ClientConnInterface
}

func NewProducerSideServiceClient(cc grpc.ClientConnInterface) ProducerSideServiceClient {
	return &producerSideServiceClient{cc}
}

func (c *producerSideServiceClient) ReceiveCommandsAndSendEvents(ctx context.Context, opts ...grpc.CallOption) (ProducerSideService_ReceiveCommandsAndSendEventsClient, error) {
	stream, err := c.cc.NewStream(ctx, &ProducerSideServiceDesc.Streams[0], ProducerSideServiceReceiveCommandsAndSendEventsFullMethodName, opts...)
	if err != nil {
		return nil, err
	}
	return &producerSideServiceReceiveCommandsAndSendEventsClient{stream}, nil
}

type producerSideServiceReceiveCommandsAndSendEventsClient struct {
	grpc.ClientStream
}

func (x *producerSideServiceReceiveCommandsAndSendEventsClient) Send(m *ReceiveCommandsAndSendEventsRequest) error {
	return x.ClientStream.SendMsg(m)
}

func (x *producerSideServiceReceiveCommandsAndSendEventsClient) Recv() (*ReceiveCommandsAndSendEventsResponse, error) {
	m := new(ReceiveCommandsAndSendEventsResponse)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}
