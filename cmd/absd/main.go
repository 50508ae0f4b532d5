package main

import (
	"context"
	"flag"
	"fmt"
	"math"
	"math/rand/v2"
	"os"
	"runtime/pprof"
	"sort"
	"time"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gonum.org/v1/gonum/stat"

	"github.com/23skdu/longbow-abs/internal/client"
	"github.com/23skdu/longbow-abs/internal/device"
	"github.com/23skdu/longbow-abs/internal/dtype"
	"github.com/23skdu/longbow-abs/internal/kernels/abs"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
)

var (
	dtypeName     = flag.String("dtype", "float", "Element type (half, float, double, int8..int64, uint8..uint64)")
	numElements   = flag.Int("num", 1<<20, "Number of elements per launch")
	units         = flag.Int("units", 8, "Number of parallel units (grid X)")
	funcType      = flag.String("func", "block", "Function type (block, union1, union2, union4, union8)")
	stages        = flag.Int("stages", 5, "Pipeline depth (3 or 5)")
	scratch       = flag.String("scratch", "512KB", "Per-unit scratch budget (e.g. 512KB, 2MB)")
	align         = flag.Int("align", 128, "Scratch slot alignment in bytes")
	cores         = flag.Int("cores", 4, "Cores per cluster, for union launches")
	latency       = flag.Duration("latency", 0, "Simulated latency per transfer (e.g. 20us)")
	inflight      = flag.Int("inflight", device.DefaultMaxInflight, "Maximum concurrent transfers")
	duration      = flag.Duration("duration", 0, "Run soak test for specified duration (e.g. 10s, 20m)")
	cpuProfile    = flag.String("cpuprofile", "", "Write cpu profile to file")
	enableOTel    = flag.Bool("otel", false, "Enable OpenTelemetry tracing (stdout)")
	listenAddr    = flag.String("listen", "", "Address to listen on for HTTP Server (e.g. :8080)")
	flightAddr    = flag.String("flight", "", "Address to listen on for Flight Server (e.g. :9090)")
	serverAddr    = flag.String("server", "", "Remote absd Flight address (e.g. localhost:9090)")
	maxConcurrent = flag.Int("max-concurrent", 64, "Maximum number of concurrent HTTP launches")
)

func parseBytes(s string) int64 {
	// 4GB, 100MB, 1024
	if s == "" || s == "0" {
		return 0
	}
	var val int64
	var unit string
	_, _ = fmt.Sscanf(s, "%d%s", &val, &unit)

	switch unit {
	case "GB", "G":
		return val * 1024 * 1024 * 1024
	case "MB", "M":
		return val * 1024 * 1024
	case "KB", "K":
		return val * 1024
	default:
		return val
	}
}

// launchGrid maps -units onto a one-dimensional grid.
func launchGrid(units int) (device.Dim3, error) {
	if units < 1 || int64(units) > math.MaxUint32 {
		return device.Dim3{}, fmt.Errorf("%w: units %d outside [1, %d]", device.ErrInvalidArgument, units, uint32(math.MaxUint32))
	}
	return device.Dim3{X: uint32(units), Y: 1, Z: 1}, nil
}

func main() {
	// Initialize logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Caller().Logger()

	flag.Parse()

	if *enableOTel {
		shutdown, err := initTracer()
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize tracer")
		}
		defer shutdown(context.Background())
	}

	if *cpuProfile != "" {
		f, err := os.Create(*cpuProfile)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create CPU profile file")
		}
		if err := pprof.StartCPUProfile(f); err != nil {
			log.Fatal().Err(err).Msg("Could not start CPU profile")
		}
		defer pprof.StopCPUProfile()
	}

	dt, err := dtype.Parse(*dtypeName)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid -dtype")
	}
	ft, err := device.ParseFunctionType(*funcType)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid -func")
	}
	grid, err := launchGrid(*units)
	if err != nil {
		log.Fatal().Err(err).Int("units", *units).Msg("Invalid -units")
	}

	cfg := device.Config{
		ScratchBytes:    int(parseBytes(*scratch)),
		AlignBytes:      *align,
		CoresPerCluster: *cores,
	}
	engine := device.NewHostEngine(device.WithLatency(*latency), device.WithMaxInflight(*inflight))
	queue, err := device.NewQueue(engine, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create queue")
	}
	log.Info().
		Str("scratch", *scratch).
		Int("scratch_bytes", cfg.ScratchBytes).
		Int("align", cfg.AlignBytes).
		Str("grid", grid.String()).
		Str("func", ft.String()).
		Int("stages", *stages).
		Msg("Device configuration")

	proc := client.NewRecordProcessor(memory.NewGoAllocator(), queue, *stages, grid, ft)

	// Server Mode
	if *listenAddr != "" {
		var fc Exchanger
		if *serverAddr != "" {
			c, err := client.NewFlightClient(*serverAddr)
			if err != nil {
				log.Fatal().Err(err).Msg("Failed to create flight client")
			}
			log.Info().Str("addr", *serverAddr).Msg("Forwarding Arrow batches to Flight server")
			fc = c
		}

		srv := NewServer(queue, proc, fc, *stages, grid, ft, *maxConcurrent)
		if *flightAddr == "" {
			startServer(*listenAddr, srv)
			return
		}
		go startServer(*listenAddr, srv)
	}

	if *flightAddr != "" {
		StartFlightServer(*flightAddr, proc)
		return
	}

	// Client Mode
	if *serverAddr != "" {
		if err := runRemote(*serverAddr, dt, *numElements); err != nil {
			log.Fatal().Err(err).Msg("Remote exchange failed")
		}
		return
	}

	// Bench / soak
	if err := runLocal(queue, dt, grid, ft, *stages, *numElements, *duration); err != nil {
		log.Fatal().Err(err).Msg("Local run failed")
	}
}

// randomInput returns num elements of random bits, so every sign, NaN and
// infinity shows up for float types.
func randomInput(dt dtype.DataType, num int) []byte {
	in := make([]byte, num*dt.Size())
	for i := range in {
		in[i] = byte(rand.Uint32())
	}
	return in
}

// verify compares out against the dispatcher's own routine applied to in.
func verify(dt dtype.DataType, in, out []byte) error {
	k, err := dtype.Lookup(dt)
	if err != nil {
		return err
	}
	want := make([]byte, len(in))
	k.Abs(want, in)
	if len(out) != len(want) {
		return fmt.Errorf("output holds %d bytes, want %d", len(out), len(want))
	}
	for i := range want {
		if out[i] != want[i] {
			return fmt.Errorf("mismatch in element %d", i/k.Width)
		}
	}
	return nil
}

func runLocal(q *device.Queue, dt dtype.DataType, grid device.Dim3, ft device.FunctionType, stages, num int, soak time.Duration) error {
	in := randomInput(dt, num)
	x := device.WrapHostBuffer(in)
	y := device.NewHostBuffer(len(in))
	ctx := context.Background()

	launch := func() (time.Duration, error) {
		start := time.Now()
		err := abs.Launch(ctx, stages, grid, ft, q, dt, x, y, num)
		return time.Since(start), err
	}

	if soak <= 0 {
		elapsed, err := launch()
		if err != nil {
			return err
		}
		if err := verify(dt, in, y.Bytes()); err != nil {
			return err
		}
		log.Info().
			Str("dtype", dt.String()).
			Int("num", num).
			Dur("elapsed", elapsed).
			Float64("gbps", float64(2*len(in))/elapsed.Seconds()/1e9).
			Msg("Abs complete")
		return nil
	}

	log.Info().Str("duration", soak.String()).Msg("Starting soak test")
	startTime := time.Now()
	endTime := startTime.Add(soak)
	var samples []float64
	var totalElements int64

	for time.Now().Before(endTime) {
		elapsed, err := launch()
		if err != nil {
			return err
		}
		samples = append(samples, elapsed.Seconds())
		totalElements += int64(num)

		if len(samples)%100 == 0 {
			elapsed := time.Since(startTime)
			log.Info().
				Str("elapsed", elapsed.Round(time.Second).String()).
				Int("iter", len(samples)).
				Int64("total_elements", totalElements).
				Float64("eps", float64(totalElements)/elapsed.Seconds()).
				Msg("Soak test progress")
		}
	}
	if err := verify(dt, in, y.Bytes()); err != nil {
		return err
	}

	mean, p50, p99 := summarize(samples)
	totalElapsed := time.Since(startTime)
	log.Info().
		Int("launches", len(samples)).
		Int64("total_elements", totalElements).
		Dur("total_time", totalElapsed).
		Float64("avg_eps", float64(totalElements)/totalElapsed.Seconds()).
		Float64("mean_ms", mean*1e3).
		Float64("stddev_ms", stat.StdDev(samples, nil)*1e3).
		Float64("p50_ms", p50*1e3).
		Float64("p99_ms", p99*1e3).
		Msg("Soak test complete")
	return nil
}

// summarize returns the mean, median and 99th percentile of samples.
func summarize(samples []float64) (mean, p50, p99 float64) {
	if len(samples) == 0 {
		return 0, 0, 0
	}
	sorted := append([]float64(nil), samples...)
	sort.Float64s(sorted)
	return stat.Mean(sorted, nil),
		stat.Quantile(0.5, stat.Empirical, sorted, nil),
		stat.Quantile(0.99, stat.Empirical, sorted, nil)
}

func runRemote(addr string, dt dtype.DataType, num int) error {
	log.Info().Int("num", num).Str("server", addr).Msg("Sending batch to absd")
	fc, err := client.NewFlightClient(addr)
	if err != nil {
		return err
	}
	defer func() {
		if err := fc.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close flight client")
		}
	}()

	in := randomInput(dt, num)
	rec, err := client.NewColumnRecord(memory.NewGoAllocator(), "x", dt, in)
	if err != nil {
		return err
	}
	defer rec.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	start := time.Now()
	out, err := fc.Exchange(ctx, rec)
	if err != nil {
		return err
	}
	defer out.Release()

	got, err := client.ColumnBytes(out.Column(0))
	if err != nil {
		return err
	}
	if err := verify(dt, in, got); err != nil {
		return err
	}
	log.Info().Dur("elapsed", time.Since(start)).Int64("rows", out.NumRows()).Msg("Remote abs verified")
	return nil
}

func initTracer() (func(context.Context) error, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String("absd"),
		)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	return tp.Shutdown, nil
}
