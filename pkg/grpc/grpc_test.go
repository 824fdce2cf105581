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

package grpc

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/goleak"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/parca-dev/orbit/pkg/capturepb"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type panickingProducerSide struct {
	capturepb.UnimplementedProducerSideServiceServer
}

func (panickingProducerSide) ReceiveCommandsAndSendEvents(capturepb.ProducerSideService_ReceiveCommandsAndSendEventsServer) error {
	panic("boom")
}

type echoCapture struct {
	capturepb.UnimplementedCaptureServiceServer
}

func (echoCapture) Capture(stream capturepb.CaptureService_CaptureServer) error {
	req, err := stream.Recv()
	if err != nil {
		return err
	}
	return stream.Send(&capturepb.CaptureResponse{
		CaptureEvents: []capturepb.ClientCaptureEvent{
			&capturepb.CaptureStarted{ProcessID: req.CaptureOptions.TargetPid},
		},
	})
}

func newTestConn(t *testing.T, reg *prometheus.Registry) *grpc.ClientConn {
	t.Helper()

	logger := log.NewNopLogger()
	tp := noop.NewTracerProvider()

	lis := bufconn.Listen(1 << 20)
	srv := NewServer(logger, reg, tp, func(s *grpc.Server) {
		capturepb.RegisterCaptureServiceServer(s, echoCapture{})
		capturepb.RegisterProducerSideServiceServer(s, panickingProducerSide{})
	})
	go func() {
		_ = srv.Serve(lis)
	}()

	conn, err := Conn(logger, reg, tp, "passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		conn.Close()
		srv.Stop()
	})
	return conn
}

func TestServerAndConn(t *testing.T) {
	reg := prometheus.NewRegistry()
	conn := newTestConn(t, reg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, err := capturepb.NewCaptureServiceClient(conn).Capture(ctx)
	require.NoError(t, err)
	require.NoError(t, stream.Send(&capturepb.CaptureRequest{
		CaptureOptions: &capturepb.CaptureOptions{TargetPid: 42},
	}))
	resp, err := stream.Recv()
	require.NoError(t, err)
	require.Len(t, resp.CaptureEvents, 1)
	require.Equal(t, uint32(42), resp.CaptureEvents[0].(*capturepb.CaptureStarted).ProcessID)

	n, err := testutil.GatherAndCount(reg, "grpc_server_started_total", "grpc_client_started_total")
	require.NoError(t, err)
	require.Positive(t, n)
}

func TestServerRecoversFromPanic(t *testing.T) {
	conn := newTestConn(t, prometheus.NewRegistry())

	stream, err := capturepb.NewProducerSideServiceClient(conn).ReceiveCommandsAndSendEvents(context.Background())
	require.NoError(t, err)
	_, err = stream.Recv()
	require.Equal(t, codes.Internal, status.Code(err))
}

func TestListenUnixReplacesStaleSocket(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "producer.sock")
	require.NoError(t, os.WriteFile(path, nil, 0o600))

	lis, err := Listen("unix://" + path)
	require.NoError(t, err)
	defer lis.Close()
	require.Equal(t, "unix", lis.Addr().Network())
	require.Equal(t, path, lis.Addr().String())
}

func TestListenTCP(t *testing.T) {
	t.Parallel()

	lis, err := Listen("127.0.0.1:0")
	require.NoError(t, err)
	defer lis.Close()
	require.Equal(t, "tcp", lis.Addr().Network())
}
