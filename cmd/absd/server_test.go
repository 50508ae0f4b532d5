package main

import (
	"bytes"
	"context"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-abs/internal/client"
	"github.com/23skdu/longbow-abs/internal/device"
	"github.com/23skdu/longbow-abs/internal/dtype"
)

type mockExchanger struct {
	mock.Mock
}

func (m *mockExchanger) Exchange(ctx context.Context, rec arrow.RecordBatch) (arrow.RecordBatch, error) {
	args := m.Called(ctx, rec)
	out, _ := args.Get(0).(arrow.RecordBatch)
	return out, args.Error(1)
}

func (m *mockExchanger) Close() error {
	return nil
}

func newTestServer(t *testing.T, fc Exchanger) *Server {
	t.Helper()
	q, err := device.NewQueue(device.NewHostEngine(), device.Config{ScratchBytes: 1024, AlignBytes: 16, CoresPerCluster: 4})
	require.NoError(t, err)
	grid := device.Dim3{X: 4, Y: 1, Z: 1}
	proc := client.NewRecordProcessor(memory.NewGoAllocator(), q, 3, grid, device.FuncBlock)
	return NewServer(q, proc, fc, 3, grid, device.FuncBlock, 4)
}

func postCBOR(t *testing.T, srv *Server, v any) *httptest.ResponseRecorder {
	t.Helper()
	data, err := cbor.Marshal(v)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/abs", bytes.NewReader(data))
	rr := httptest.NewRecorder()
	srv.routes().ServeHTTP(rr, req)
	return rr
}

func TestServer_Abs(t *testing.T) {
	srv := newTestServer(t, nil)

	for _, stages := range []int{0, 3, 5} {
		in := []float32{-1, 2, -3, -4.5}
		rr := postCBOR(t, srv, AbsRequest{DType: "Float32", Stages: stages, Data: dtype.Bytes(in)})
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
		assert.Equal(t, "application/cbor", rr.Header().Get("Content-Type"))

		var resp AbsResponse
		require.NoError(t, cbor.Unmarshal(rr.Body.Bytes(), &resp))
		assert.Equal(t, "float", resp.DType)
		got, err := dtype.Values[float32](resp.Data)
		require.NoError(t, err)
		assert.Equal(t, []float32{1, 2, 3, 4.5}, got)
	}
}

func TestServer_AbsErrors(t *testing.T) {
	srv := newTestServer(t, nil)

	tests := []struct {
		name string
		body any
		code int
	}{
		{"unknown dtype", AbsRequest{DType: "quaternion", Data: []byte{1, 2}}, http.StatusBadRequest},
		{"unsupported dtype", AbsRequest{DType: "bool", Data: []byte{1, 0}}, http.StatusBadRequest},
		{"partial element", AbsRequest{DType: "int32", Data: []byte{1, 2, 3}}, http.StatusBadRequest},
		{"bad stage count", AbsRequest{DType: "int8", Stages: 4, Data: []byte{0xff}}, http.StatusBadRequest},
		{"not a request", []string{"abs"}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := postCBOR(t, srv, tt.body)
			assert.Equal(t, tt.code, rr.Code, rr.Body.String())
		})
	}

	req := httptest.NewRequest(http.MethodGet, "/abs", nil)
	rr := httptest.NewRecorder()
	srv.routes().ServeHTTP(rr, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}

func TestHTTPStatus(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, httpStatus(device.ErrUnsupportedType))
	assert.Equal(t, http.StatusBadRequest, httpStatus(errors.Join(errors.New("ctx"), device.ErrInvalidArgument)))
	assert.Equal(t, http.StatusInternalServerError, httpStatus(device.ErrOperationFailed))
	assert.Equal(t, http.StatusInternalServerError, httpStatus(errors.New("boom")))
}

func arrowBody(t *testing.T, recs ...arrow.RecordBatch) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	w := ipc.NewWriter(&buf, ipc.WithSchema(recs[0].Schema()))
	for _, rec := range recs {
		require.NoError(t, w.Write(rec))
	}
	require.NoError(t, w.Close())
	return &buf
}

func readArrow(t *testing.T, body []byte) []arrow.RecordBatch {
	t.Helper()
	reader, err := ipc.NewReader(bytes.NewReader(body))
	require.NoError(t, err)
	defer reader.Release()

	var out []arrow.RecordBatch
	for reader.Next() {
		rec := reader.Record()
		rec.Retain()
		out = append(out, rec)
	}
	require.NoError(t, reader.Err())
	return out
}

func TestServer_AbsArrow(t *testing.T) {
	srv := newTestServer(t, nil)
	mem := memory.NewGoAllocator()

	a, err := client.NewColumnRecord(mem, "v", dtype.Int64, dtype.Bytes([]int64{-1, -2, 3}))
	require.NoError(t, err)
	defer a.Release()
	b, err := client.NewColumnRecord(mem, "v", dtype.Int64, dtype.Bytes([]int64{-40}))
	require.NoError(t, err)
	defer b.Release()

	req := httptest.NewRequest(http.MethodPost, "/abs/arrow", arrowBody(t, a, b))
	rr := httptest.NewRecorder()
	srv.routes().ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	recs := readArrow(t, rr.Body.Bytes())
	defer func() {
		for _, r := range recs {
			r.Release()
		}
	}()
	require.Len(t, recs, 2)
	assert.Equal(t, []int64{1, 2, 3}, recs[0].Column(0).(*array.Int64).Int64Values())
	assert.Equal(t, []int64{40}, recs[1].Column(0).(*array.Int64).Int64Values())
}

func TestServer_AbsArrowForwarded(t *testing.T) {
	mfc := &mockExchanger{}
	srv := newTestServer(t, mfc)
	mem := memory.NewGoAllocator()

	in, err := client.NewColumnRecord(mem, "v", dtype.Float, dtype.Bytes([]float32{-7}))
	require.NoError(t, err)
	defer in.Release()
	reply, err := client.NewColumnRecord(mem, "v", dtype.Float, dtype.Bytes([]float32{7}))
	require.NoError(t, err)

	mfc.On("Exchange", mock.Anything, mock.Anything).Return(reply, nil).Once()

	req := httptest.NewRequest(http.MethodPost, "/abs/arrow", arrowBody(t, in))
	rr := httptest.NewRecorder()
	srv.routes().ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	mfc.AssertExpectations(t)

	recs := readArrow(t, rr.Body.Bytes())
	require.Len(t, recs, 1)
	defer recs[0].Release()
	assert.Equal(t, []float32{7}, recs[0].Column(0).(*array.Float32).Float32Values())
}

func TestServer_AbsArrowForwardError(t *testing.T) {
	mfc := &mockExchanger{}
	srv := newTestServer(t, mfc)

	in, err := client.NewColumnRecord(memory.NewGoAllocator(), "v", dtype.Float, dtype.Bytes([]float32{-7}))
	require.NoError(t, err)
	defer in.Release()

	mfc.On("Exchange", mock.Anything, mock.Anything).Return(nil, client.ErrCircuitOpen)

	req := httptest.NewRequest(http.MethodPost, "/abs/arrow", arrowBody(t, in))
	rr := httptest.NewRecorder()
	srv.routes().ServeHTTP(rr, req)
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
}

func TestServer_AbsArrowBadBody(t *testing.T) {
	srv := newTestServer(t, nil)
	req := httptest.NewRequest(http.MethodPost, "/abs/arrow", bytes.NewReader([]byte("not arrow")))
	rr := httptest.NewRecorder()
	srv.routes().ServeHTTP(rr, req)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestServer_HealthAndMetrics(t *testing.T) {
	srv := newTestServer(t, nil)

	rr := httptest.NewRecorder()
	srv.routes().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "OK", rr.Body.String())

	// Make sure at least one launch has been counted
	postCBOR(t, srv, AbsRequest{DType: "int8", Data: []byte{0xfe}})

	rr = httptest.NewRecorder()
	srv.routes().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "longbow_abs_launches_total")
	assert.Contains(t, rr.Body.String(), "absd_requests_total")
}

func TestFlightServer_DoExchange(t *testing.T) {
	srv := newTestServer(t, nil)
	server := flight.NewServerWithMiddleware(nil)
	server.RegisterFlightService(NewAbsFlightServer(srv.proc))
	require.NoError(t, server.Init("localhost:0"))
	go func() {
		_ = server.Serve()
	}()
	defer server.Shutdown()

	fc, err := client.NewFlightClient(server.Addr().String())
	require.NoError(t, err)
	defer fc.Close()

	mem := memory.NewGoAllocator()
	rec, err := client.NewColumnRecord(mem, "v", dtype.Int16, dtype.Bytes([]int16{-300, 5, -32768}))
	require.NoError(t, err)
	defer rec.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	out, err := fc.Exchange(ctx, rec)
	require.NoError(t, err)
	defer out.Release()
	assert.Equal(t, []int16{300, 5, -32768}, out.Column(0).(*array.Int16).Int16Values())

	// Unsupported columns are passed through, so errors only come from the
	// launch itself: a grid the device cannot run.
	badProc := client.NewRecordProcessor(mem, srv.queue, 3, device.Dim3{X: 3, Y: 1, Z: 1}, device.FuncUnion1)
	bad := flight.NewServerWithMiddleware(nil)
	bad.RegisterFlightService(NewAbsFlightServer(badProc))
	require.NoError(t, bad.Init("localhost:0"))
	go func() {
		_ = bad.Serve()
	}()
	defer bad.Shutdown()

	fc2, err := client.NewFlightClient(bad.Addr().String())
	require.NoError(t, err)
	defer fc2.Close()
	_, err = fc2.Exchange(ctx, rec)
	assert.ErrorIs(t, err, device.ErrInvalidArgument)
}

func TestParseBytes(t *testing.T) {
	tests := []struct {
		in   string
		want int64
	}{
		{"", 0},
		{"0", 0},
		{"1024", 1024},
		{"512KB", 512 << 10},
		{"64K", 64 << 10},
		{"2MB", 2 << 20},
		{"1G", 1 << 30},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, parseBytes(tt.in), tt.in)
	}
}

func TestLaunchGrid(t *testing.T) {
	grid, err := launchGrid(8)
	require.NoError(t, err)
	assert.Equal(t, device.Dim3{X: 8, Y: 1, Z: 1}, grid)

	grid, err = launchGrid(math.MaxUint32)
	require.NoError(t, err)
	assert.Equal(t, uint32(math.MaxUint32), grid.X)

	for _, units := range []int{0, -1, math.MaxUint32 + 1} {
		_, err := launchGrid(units)
		assert.ErrorIs(t, err, device.ErrInvalidArgument, "units %d", units)
	}
}

func TestSummarize(t *testing.T) {
	mean, p50, p99 := summarize([]float64{4, 1, 3, 2})
	assert.InDelta(t, 2.5, mean, 1e-12)
	assert.Equal(t, 2.0, p50)
	assert.Equal(t, 4.0, p99)

	mean, p50, p99 = summarize(nil)
	assert.Zero(t, mean+p50+p99)
}

func TestVerify(t *testing.T) {
	in := dtype.Bytes([]int32{-1, 2})
	assert.NoError(t, verify(dtype.Int32, in, dtype.Bytes([]int32{1, 2})))
	assert.Error(t, verify(dtype.Int32, in, dtype.Bytes([]int32{1, -2})))
	assert.Error(t, verify(dtype.Int32, in, dtype.Bytes([]int32{1})))
	assert.ErrorIs(t, verify(dtype.Bool, in, in), device.ErrUnsupportedType)
}
