package client

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/23skdu/longbow-abs/internal/device"
	"github.com/23skdu/longbow-abs/internal/dtype"
)

type testFlightServer struct {
	flight.BaseFlightServer
	proc  *RecordProcessor
	fail  error
	calls atomic.Int32
}

func (s *testFlightServer) DoExchange(stream flight.FlightService_DoExchangeServer) error {
	s.calls.Add(1)
	if s.fail != nil {
		return s.fail
	}
	reader, err := flight.NewRecordReader(stream)
	if err != nil {
		return err
	}
	defer reader.Release()

	var writer *flight.Writer
	for reader.Next() {
		out, err := s.proc.Process(stream.Context(), reader.Record())
		if err != nil {
			return status.Error(codes.InvalidArgument, err.Error())
		}
		if writer == nil {
			writer = flight.NewRecordWriter(stream, ipc.WithSchema(out.Schema()))
			defer writer.Close()
		}
		err = writer.Write(out)
		out.Release()
		if err != nil {
			return err
		}
	}
	return reader.Err()
}

func startTestServer(t *testing.T, srv *testFlightServer) string {
	t.Helper()
	server := flight.NewServerWithMiddleware(nil)
	server.RegisterFlightService(srv)
	require.NoError(t, server.Init("localhost:0"))

	go func() {
		_ = server.Serve()
	}()
	t.Cleanup(server.Shutdown)
	return server.Addr().String()
}

func TestFlightClient_Exchange(t *testing.T) {
	mem := memory.NewGoAllocator()
	addr := startTestServer(t, &testFlightServer{proc: newProcessor(t, mem)})

	client, err := NewFlightClient(addr)
	require.NoError(t, err)
	defer client.Close()

	in := make([]float32, 1000)
	for i := range in {
		in[i] = -float32(i)
	}
	rec, err := NewColumnRecord(mem, "x", dtype.Float, dtype.Bytes(in))
	require.NoError(t, err)
	defer rec.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	out, err := client.Exchange(ctx, rec)
	require.NoError(t, err)
	defer out.Release()

	require.Equal(t, int64(1000), out.NumRows())
	got := out.Column(0).(*array.Float32).Float32Values()
	for i, v := range got {
		require.Equal(t, float32(i), v)
	}
	assert.Equal(t, StateClosed, client.breaker.State())
}

func TestFlightClient_InvalidArgumentKeepsCircuitClosed(t *testing.T) {
	mem := memory.NewGoAllocator()
	// A scratch budget that cannot hold one double per slot
	q, err := device.NewQueue(device.NewHostEngine(), device.Config{ScratchBytes: 8, AlignBytes: 8, CoresPerCluster: 4})
	require.NoError(t, err)
	proc := NewRecordProcessor(mem, q, 3, device.Dim3{X: 1, Y: 1, Z: 1}, device.FuncBlock)
	addr := startTestServer(t, &testFlightServer{proc: proc})

	client, err := NewFlightClient(addr)
	require.NoError(t, err)
	defer client.Close()
	client.breaker = NewCircuitBreaker(1, time.Minute)

	rec, err := NewColumnRecord(mem, "x", dtype.Double, dtype.Bytes([]float64{-1, -2}))
	require.NoError(t, err)
	defer rec.Release()

	_, err = client.Exchange(context.Background(), rec)
	assert.ErrorIs(t, err, device.ErrInvalidArgument)
	assert.Equal(t, StateClosed, client.breaker.State())
}

func TestFlightClient_CircuitOpensOnServerErrors(t *testing.T) {
	srv := &testFlightServer{fail: status.Error(codes.Unavailable, "device lost")}
	addr := startTestServer(t, srv)

	client, err := NewFlightClient(addr)
	require.NoError(t, err)
	defer client.Close()
	client.breaker = NewCircuitBreaker(2, time.Minute)

	mem := memory.NewGoAllocator()
	rec, err := NewColumnRecord(mem, "x", dtype.Int32, dtype.Bytes([]int32{-1}))
	require.NoError(t, err)
	defer rec.Release()

	for i := 0; i < 2; i++ {
		_, err := client.Exchange(context.Background(), rec)
		require.Error(t, err)
		assert.False(t, errors.Is(err, ErrCircuitOpen))
	}
	assert.Equal(t, StateOpen, client.breaker.State())

	_, err = client.Exchange(context.Background(), rec)
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, int32(2), srv.calls.Load(), "an open circuit does not reach the server")
}
