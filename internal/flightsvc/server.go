// Package flightsvc serves activation extractions as Arrow Flight streams.
//
// A DoGet ticket carries a JSON Request. The stream holds one record per
// input text in the layout of package arrowio.
package flightsvc

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/goccy/go-json"
	"golang.org/x/sync/semaphore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/samcharles93/grabber/internal/activations"
	"github.com/samcharles93/grabber/internal/arrowio"
	"github.com/samcharles93/grabber/internal/logger"
	"github.com/samcharles93/grabber/internal/metrics"
)

// Request is the JSON body of a DoGet ticket or a GetSchema command.
type Request struct {
	Inputs []string `json:"inputs"`
	// Layers to capture. Omitted means every layer.
	Layers []int `json:"layers,omitempty"`
}

// Server implements the Flight DoGet and GetSchema calls.
type Server struct {
	flight.BaseFlightServer

	grabber *activations.Grabber
	sem     *semaphore.Weighted
	log     logger.Logger
	mem     memory.Allocator
	srv     flight.Server
}

// NewServer returns a server that runs at most maxConcurrent extractions at
// once. Values below one mean one.
func NewServer(g *activations.Grabber, maxConcurrent int, log logger.Logger) *Server {
	if log == nil {
		log = logger.Nop()
	}
	return &Server{
		grabber: g,
		sem:     semaphore.NewWeighted(int64(max(maxConcurrent, 1))),
		log:     log.With("component", "flight"),
		mem:     memory.NewGoAllocator(),
	}
}

// Listen binds addr and registers the service. Call Serve to accept
// connections.
func (s *Server) Listen(addr string) error {
	s.srv = flight.NewServerWithMiddleware(nil)
	if err := s.srv.Init(addr); err != nil {
		return fmt.Errorf("flight listen %s: %w", addr, err)
	}
	s.srv.RegisterFlightService(s)
	return nil
}

// Addr is the bound address. It is nil before Listen.
func (s *Server) Addr() net.Addr {
	if s.srv == nil {
		return nil
	}
	return s.srv.Addr()
}

// Serve blocks until Shutdown.
func (s *Server) Serve() error {
	if s.srv == nil {
		return errors.New("flight: Serve called before Listen")
	}
	s.log.Info("flight server listening", "addr", s.srv.Addr().String())
	return s.srv.Serve()
}

func (s *Server) Shutdown() {
	if s.srv != nil {
		s.srv.Shutdown()
	}
}

func (s *Server) DoGet(tkt *flight.Ticket, fs flight.FlightService_DoGetServer) (err error) {
	ctx := logger.WithContext(fs.Context(), s.log)
	defer func() {
		if err != nil {
			metrics.RecordFlightStream("error")
		} else {
			metrics.RecordFlightStream(metrics.OutcomeOK)
		}
	}()

	var req Request
	if err := json.Unmarshal(tkt.GetTicket(), &req); err != nil {
		return status.Errorf(codes.InvalidArgument, "decode ticket: %v", err)
	}
	res, err := s.extract(ctx, req)
	if err != nil {
		return err
	}

	recs, err := arrowio.Records(s.mem, res)
	if err != nil {
		return status.Error(codes.Internal, err.Error())
	}
	defer func() {
		for _, r := range recs {
			r.Release()
		}
	}()

	w := flight.NewRecordWriter(fs, ipc.WithSchema(arrowio.ResultSchema(res)), ipc.WithAllocator(s.mem))
	for _, rec := range recs {
		if err := w.Write(rec); err != nil {
			w.Close()
			return status.Errorf(codes.Internal, "write record: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		return status.Errorf(codes.Internal, "close stream: %v", err)
	}
	s.log.Debug("flight stream sent", "batch", res.BatchSize(), "layers", len(res.Layers))
	return nil
}

// GetSchema returns the record schema for the layers named in the
// descriptor command. Shape metadata is left empty since it depends on the
// inputs.
func (s *Server) GetSchema(_ context.Context, desc *flight.FlightDescriptor) (*flight.SchemaResult, error) {
	var req Request
	if cmd := desc.GetCmd(); len(cmd) > 0 {
		if err := json.Unmarshal(cmd, &req); err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "decode command: %v", err)
		}
	}
	n := s.grabber.Subject().NumLayers()
	for _, l := range req.Layers {
		if l < 0 || l >= n {
			return nil, status.Error(codes.InvalidArgument, (&activations.InvalidLayerError{Index: l, NumLayers: n}).Error())
		}
	}
	schema := arrowio.Schema(s.grabber.Subject().HiddenSize(), req.Layers, nil)
	return &flight.SchemaResult{Schema: flight.SerializeSchema(schema, s.mem)}, nil
}

func (s *Server) extract(ctx context.Context, req Request) (*activations.Result, error) {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return nil, status.FromContextError(err).Err()
	}
	defer s.sem.Release(1)

	res, err := s.grabber.Extract(ctx, req.Inputs, activations.Config{Layers: req.Layers, Format: activations.FormatNative})
	if err != nil {
		return nil, status.Error(grpcCode(err), err.Error())
	}
	return res, nil
}

func grpcCode(err error) codes.Code {
	switch {
	case errors.Is(err, activations.ErrEmptyInput), errors.Is(err, activations.ErrInvalidLayer):
		return codes.InvalidArgument
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	default:
		return codes.Internal
	}
}
