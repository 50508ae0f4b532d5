package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/fxamacker/cbor/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/semaphore"

	"github.com/23skdu/longbow-abs/internal/client"
	"github.com/23skdu/longbow-abs/internal/device"
	"github.com/23skdu/longbow-abs/internal/dtype"
	"github.com/23skdu/longbow-abs/internal/kernels/abs"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "absd_requests_total",
		Help: "The total number of HTTP requests by route and status code",
	}, []string{"route", "code"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "absd_request_duration_seconds",
		Help:    "Time spent processing abs requests",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
)

// AbsRequest is the CBOR body of POST /abs. Data holds little-endian
// elements of DType. Stages defaults to the server's -stages.
type AbsRequest struct {
	DType  string `cbor:"dtype"`
	Stages int    `cbor:"stages,omitempty"`
	Data   []byte `cbor:"data"`
}

// AbsResponse is the CBOR body answering POST /abs.
type AbsResponse struct {
	DType string `cbor:"dtype"`
	Data  []byte `cbor:"data"`
}

// Exchanger forwards Arrow batches to a remote absd.
type Exchanger interface {
	Exchange(ctx context.Context, rec arrow.RecordBatch) (arrow.RecordBatch, error)
	Close() error
}

type Server struct {
	queue   *device.Queue
	proc    *client.RecordProcessor
	forward Exchanger
	stages  int
	grid    device.Dim3
	fn      device.FunctionType
	alloc   memory.Allocator
	sem     *semaphore.Weighted
}

func NewServer(q *device.Queue, proc *client.RecordProcessor, fc Exchanger, stages int, grid device.Dim3, fn device.FunctionType, maxConcurrent int) *Server {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Server{
		queue:   q,
		proc:    proc,
		forward: fc,
		stages:  stages,
		grid:    grid,
		fn:      fn,
		alloc:   memory.NewGoAllocator(),
		sem:     semaphore.NewWeighted(int64(maxConcurrent)),
	}
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/abs", s.handleAbs)
	mux.HandleFunc("/abs/arrow", s.handleAbsArrow)
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

func startServer(addr string, srv *Server) {
	log.Info().Str("addr", addr).Msg("Starting absd HTTP server")
	if srv.forward != nil {
		log.Info().Msg("Arrow requests are forwarded to the remote Flight server")
	}

	if err := http.ListenAndServe(addr, srv.routes()); err != nil {
		log.Fatal().Err(err).Msg("Server failed")
	}
}

var tracer = otel.Tracer("absd-server")

// httpStatus maps a launch error to a response code. Bad requests are the
// caller's fault; anything that failed mid-flight is ours.
func httpStatus(err error) int {
	switch {
	case errors.Is(err, device.ErrUnsupportedType), errors.Is(err, device.ErrInvalidArgument):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(w http.ResponseWriter, route string, code int, msg string) {
	requestsTotal.WithLabelValues(route, strconv.Itoa(code)).Inc()
	http.Error(w, msg, code)
}

func (s *Server) handleAbs(w http.ResponseWriter, r *http.Request) {
	const route = "/abs"
	ctx, span := tracer.Start(r.Context(), "handleAbs")
	defer span.End()

	start := time.Now()
	defer func() {
		requestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	}()

	if r.Method != http.MethodPost {
		s.fail(w, route, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	var req AbsRequest
	if err := cbor.NewDecoder(r.Body).Decode(&req); err != nil {
		span.RecordError(err)
		s.fail(w, route, http.StatusBadRequest, fmt.Sprintf("Bad Request (CBOR decode): %v", err))
		return
	}

	dt, err := dtype.Parse(req.DType)
	if err != nil {
		s.fail(w, route, http.StatusBadRequest, err.Error())
		return
	}
	width := dt.Size()
	if width == 0 || len(req.Data)%width != 0 {
		s.fail(w, route, http.StatusBadRequest,
			fmt.Sprintf("data holds %d bytes, not a whole number of %s elements", len(req.Data), dt))
		return
	}
	num := len(req.Data) / width
	stages := req.Stages
	if stages == 0 {
		stages = s.stages
	}
	span.SetAttributes(
		attribute.String("dtype", dt.String()),
		attribute.Int("num", num),
		attribute.Int("stages", stages),
	)

	// Admission Control
	if err := s.sem.Acquire(ctx, 1); err != nil {
		log.Error().Err(err).Msg("Failed to acquire semaphore")
		s.fail(w, route, http.StatusServiceUnavailable, "Server busy")
		return
	}
	out := make([]byte, len(req.Data))
	err = abs.Launch(ctx, stages, s.grid, s.fn, s.queue, dt,
		device.WrapHostBuffer(req.Data), device.WrapHostBuffer(out), num)
	s.sem.Release(1)
	if err != nil {
		span.RecordError(err)
		log.Error().Err(err).Str("dtype", dt.String()).Int("num", num).Msg("Abs launch failed")
		s.fail(w, route, httpStatus(err), err.Error())
		return
	}

	body, err := cbor.Marshal(AbsResponse{DType: dt.String(), Data: out})
	if err != nil {
		s.fail(w, route, http.StatusInternalServerError, err.Error())
		return
	}
	requestsTotal.WithLabelValues(route, "200").Inc()
	w.Header().Set("Content-Type", "application/cbor")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func (s *Server) handleAbsArrow(w http.ResponseWriter, r *http.Request) {
	const route = "/abs/arrow"
	ctx, span := tracer.Start(r.Context(), "handleAbsArrow")
	defer span.End()

	start := time.Now()
	defer func() {
		requestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	}()

	if r.Method != http.MethodPost {
		s.fail(w, route, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	reader, err := ipc.NewReader(r.Body, ipc.WithAllocator(s.alloc))
	if err != nil {
		s.fail(w, route, http.StatusBadRequest, fmt.Sprintf("Failed to create IPC reader: %v", err))
		return
	}
	defer reader.Release()

	// Every batch is processed before anything is written, so a failure
	// can still be reported with a status code.
	var results []arrow.RecordBatch
	defer func() {
		for _, rec := range results {
			rec.Release()
		}
	}()

	rows := int64(0)
	for reader.Next() {
		rec := reader.Record()
		out, err := s.processRecord(ctx, rec)
		if err != nil {
			span.RecordError(err)
			log.Error().Err(err).Msg("Failed to process Arrow batch")
			s.fail(w, route, httpStatus(err), err.Error())
			return
		}
		results = append(results, out)
		rows += rec.NumRows()
	}
	if err := reader.Err(); err != nil {
		log.Error().Err(err).Msg("Error reading Arrow stream")
		s.fail(w, route, http.StatusBadRequest, "Stream error")
		return
	}
	span.SetAttributes(attribute.Int64("rows", rows), attribute.Int("batches", len(results)))

	requestsTotal.WithLabelValues(route, "200").Inc()
	w.Header().Set("Content-Type", "application/vnd.apache.arrow.stream")
	w.WriteHeader(http.StatusOK)

	writer := ipc.NewWriter(w, ipc.WithSchema(reader.Schema()), ipc.WithAllocator(s.alloc))
	for _, rec := range results {
		if err := writer.Write(rec); err != nil {
			log.Warn().Err(err).Msg("Failed to write Arrow response")
			break
		}
	}
	if err := writer.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close Arrow response")
	}
}

func (s *Server) processRecord(ctx context.Context, rec arrow.RecordBatch) (arrow.RecordBatch, error) {
	if s.forward != nil {
		return s.forward.Exchange(ctx, rec)
	}
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer s.sem.Release(1)
	return s.proc.Process(ctx, rec)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}
