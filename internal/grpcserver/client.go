package grpcserver

import (
	"context"
	"fmt"
	"time"

	"focusstack/internal/pipeline"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client calls a remote FocusStack service.
type Client struct {
	cc   grpc.ClientConnInterface
	conn *grpc.ClientConn
}

// Dial connects to addr without transport security.
func Dial(addr string, opts ...grpc.DialOption) (*Client, error) {
	base := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                30 * time.Second,
			Timeout:             5 * time.Second,
			PermitWithoutStream: true,
		}),
		grpc.WithDefaultCallOptions(
			grpc.MaxCallRecvMsgSize(maxMsgSize),
			grpc.MaxCallSendMsgSize(maxMsgSize),
		),
	}
	conn, err := grpc.NewClient(addr, append(base, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", addr, err)
	}
	return &Client{cc: conn, conn: conn}, nil
}

// NewClient wraps an existing connection.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// Close closes a connection opened by Dial.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// Submit queues job remotely and returns its id.
func (c *Client) Submit(ctx context.Context, job pipeline.Job) (string, error) {
	req := map[string]any{
		"id":     job.ID,
		"type":   string(job.Type),
		"input":  job.InputPath,
		"output": job.Output,
	}
	if job.Options != nil {
		req["options"] = job.Options
	}
	in, err := toStruct(req)
	if err != nil {
		return "", err
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, methodSubmit, in, out); err != nil {
		return "", err
	}
	return out.GetFields()["id"].GetStringValue(), nil
}

// GetJob fetches a job record, its meta and frame alignments.
func (c *Client) GetJob(ctx context.Context, id string) (map[string]any, error) {
	in, err := structpb.NewStruct(map[string]any{"id": id})
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, methodGetJob, in, out); err != nil {
		return nil, err
	}
	return out.AsMap(), nil
}

// ResultStream receives job results.
type ResultStream struct {
	stream grpc.ClientStream
}

// Recv blocks for the next result.
func (r *ResultStream) Recv() (map[string]any, error) {
	out := new(structpb.Struct)
	if err := r.stream.RecvMsg(out); err != nil {
		return nil, err
	}
	return out.AsMap(), nil
}

// Results subscribes to job results until ctx is done.
func (c *Client) Results(ctx context.Context) (*ResultStream, error) {
	stream, err := c.cc.NewStream(ctx, &serviceDesc.Streams[0], methodResults)
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(&structpb.Struct{}); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return &ResultStream{stream: stream}, nil
}
