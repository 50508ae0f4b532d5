package main

import (
	"errors"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/23skdu/longbow-abs/internal/client"
	"github.com/23skdu/longbow-abs/internal/device"
)

type AbsFlightServer struct {
	flight.BaseFlightServer
	proc  *client.RecordProcessor
	alloc memory.Allocator
}

func NewAbsFlightServer(proc *client.RecordProcessor) *AbsFlightServer {
	return &AbsFlightServer{
		proc:  proc,
		alloc: memory.NewGoAllocator(),
	}
}

// grpcError gives launch errors a status code the client can act on.
func grpcError(err error) error {
	if errors.Is(err, device.ErrUnsupportedType) || errors.Is(err, device.ErrInvalidArgument) {
		return status.Error(codes.InvalidArgument, err.Error())
	}
	return status.Error(codes.Internal, err.Error())
}

// DoExchange answers every batch with its abs, in order.
func (s *AbsFlightServer) DoExchange(stream flight.FlightService_DoExchangeServer) error {
	reader, err := flight.NewRecordReader(stream, ipc.WithAllocator(s.alloc))
	if err != nil {
		return err
	}
	defer reader.Release()

	if desc := reader.LatestFlightDescriptor(); desc != nil && desc.Type == flight.DescriptorCMD &&
		string(desc.Cmd) != client.AbsCommand {
		return status.Errorf(codes.InvalidArgument, "unknown command %q", desc.Cmd)
	}

	var writer *flight.Writer
	defer func() {
		if writer != nil {
			_ = writer.Close()
		}
	}()

	for reader.Next() {
		rec := reader.Record()
		out, err := s.proc.Process(stream.Context(), rec)
		if err != nil {
			log.Error().Err(err).Int64("rows", rec.NumRows()).Msg("DoExchange batch failed")
			return grpcError(err)
		}
		if writer == nil {
			writer = flight.NewRecordWriter(stream, ipc.WithSchema(out.Schema()))
		}
		err = writer.Write(out)
		out.Release()
		if err != nil {
			return err
		}
		log.Debug().Int64("rows", rec.NumRows()).Msg("DoExchange answered batch")
	}
	return reader.Err()
}

func StartFlightServer(addr string, proc *client.RecordProcessor) {
	// Create the generic Flight Server which manages the GRPC lifecycle
	server := flight.NewFlightServer()

	server.RegisterFlightService(NewAbsFlightServer(proc))

	// Init handles the listener creation internally
	if err := server.Init(addr); err != nil {
		log.Fatal().Err(err).Msg("Failed to init Flight server")
	}

	log.Info().Str("addr", addr).Msg("Starting absd Flight server")
	if err := server.Serve(); err != nil {
		log.Fatal().Err(err).Msg("Flight server failed")
	}
}
