package flightsvc

import (
	"context"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/goccy/go-json"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/samcharles93/grabber/internal/activations"
	"github.com/samcharles93/grabber/internal/arrowio"
)

// Client fetches extractions from a Server.
type Client struct {
	fc flight.Client
}

// Dial connects to addr without transport security.
func Dial(addr string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	fc, err := flight.NewClientWithMiddleware(addr, nil, nil, opts...)
	if err != nil {
		return nil, fmt.Errorf("flight dial %s: %w", addr, err)
	}
	return &Client{fc: fc}, nil
}

// Extract runs req on the server. Activations come back in native format.
func (c *Client) Extract(ctx context.Context, req Request) (*activations.Result, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	stream, err := c.fc.DoGet(ctx, &flight.Ticket{Ticket: body})
	if err != nil {
		return nil, err
	}
	rdr, err := flight.NewRecordReader(stream)
	if err != nil {
		return nil, err
	}
	defer rdr.Release()
	return arrowio.Collect(rdr)
}

// Schema asks the server for the record schema of req.
func (c *Client) Schema(ctx context.Context, req Request) (*arrow.Schema, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	res, err := c.fc.GetSchema(ctx, &flight.FlightDescriptor{Type: flight.DescriptorCMD, Cmd: body})
	if err != nil {
		return nil, err
	}
	return flight.DeserializeSchema(res.GetSchema(), memory.DefaultAllocator)
}

func (c *Client) Close() error {
	return c.fc.Close()
}
