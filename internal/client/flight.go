package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/23skdu/longbow-abs/internal/device"
)

// ErrCircuitOpen is returned without contacting the server while the
// breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker open")

// AbsCommand is the descriptor command an absd Flight server answers.
const AbsCommand = "abs"

// FlightClient sends record batches to a remote absd Flight server and reads
// back the abs'd batches.
type FlightClient struct {
	client  flight.Client
	conn    *grpc.ClientConn
	breaker *CircuitBreaker
	alloc   memory.Allocator
}

// NewFlightClient creates a new Flight client connected to the given address.
func NewFlightClient(addr string) (*FlightClient, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}

	client := flight.NewClientFromConn(conn, nil)
	return &FlightClient{
		client:  client,
		conn:    conn,
		breaker: NewCircuitBreaker(5, 10*time.Second),
		alloc:   memory.NewGoAllocator(),
	}, nil
}

// Exchange sends rec over DoExchange and returns the first batch the server
// answers with. Server-side argument errors come back wrapped in
// device.ErrInvalidArgument.
func (c *FlightClient) Exchange(ctx context.Context, rec arrow.RecordBatch) (arrow.RecordBatch, error) {
	if !c.breaker.Allow() {
		exchangesTotal.WithLabelValues("rejected").Inc()
		return nil, ErrCircuitOpen
	}
	defer func() { breakerState.Set(float64(c.breaker.State())) }()

	out, err := c.exchange(ctx, rec)
	if err != nil {
		if status.Code(err) == codes.InvalidArgument {
			// The request was bad, the server is fine.
			c.breaker.Success()
			exchangesTotal.WithLabelValues("invalid").Inc()
			return nil, fmt.Errorf("%w: %s", device.ErrInvalidArgument, status.Convert(err).Message())
		}
		c.breaker.Failure()
		exchangesTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	c.breaker.Success()
	exchangesTotal.WithLabelValues("ok").Inc()
	return out, nil
}

func (c *FlightClient) exchange(ctx context.Context, rec arrow.RecordBatch) (arrow.RecordBatch, error) {
	stream, err := c.client.DoExchange(ctx)
	if err != nil {
		return nil, err
	}

	writer := flight.NewRecordWriter(stream, ipc.WithSchema(rec.Schema()))
	writer.SetFlightDescriptor(&flight.FlightDescriptor{
		Type: flight.DescriptorCMD,
		Cmd:  []byte(AbsCommand),
	})
	// A send can fail with io.EOF when the server has already ended the
	// call; the real status then comes from the read side.
	sendErr := writer.Write(rec)
	if err := writer.Close(); sendErr == nil {
		sendErr = err
	}
	if sendErr != nil && !errors.Is(sendErr, io.EOF) {
		return nil, sendErr
	}
	_ = stream.CloseSend()

	reader, err := flight.NewRecordReader(stream, ipc.WithAllocator(c.alloc))
	if err != nil {
		return nil, err
	}
	defer reader.Release()

	if !reader.Next() {
		if err := reader.Err(); err != nil {
			return nil, err
		}
		return nil, errors.New("flight exchange: server sent no batch")
	}
	out := reader.Record()
	out.Retain()
	for reader.Next() {
	}
	if err := reader.Err(); err != nil {
		out.Release()
		return nil, err
	}
	return out, nil
}

// Close closes the client connection.
func (c *FlightClient) Close() error {
	return c.conn.Close()
}
