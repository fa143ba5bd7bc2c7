package server

import (
	"context"

	"github.com/chazu/zerovm/vm/snapshot"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Client calls the inspection service over gRPC.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to a server at addr ("host:port"). The connection is made
// lazily on the first call.
func Dial(addr string) (*Client, error) {
	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(cborCodec{})),
	)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn}, nil
}

// Close releases the connection.
func (c *Client) Close() error { return c.conn.Close() }

// Threads lists the server's threads.
func (c *Client) Threads(ctx context.Context) ([]ThreadInfo, error) {
	var resp ThreadsResponse
	if err := c.conn.Invoke(ctx, ThreadsProcedure, &ThreadsRequest{}, &resp); err != nil {
		return nil, err
	}
	return resp.Threads, nil
}

// Snapshot captures every thread of the server's runtime.
func (c *Client) Snapshot(ctx context.Context, req *SnapshotRequest) (*snapshot.Snapshot, error) {
	var resp SnapshotResponse
	if err := c.conn.Invoke(ctx, SnapshotProcedure, req, &resp); err != nil {
		return nil, err
	}
	return resp.Snapshot, nil
}

// Safepoint returns the server's safepoint counters.
func (c *Client) Safepoint(ctx context.Context) (*SafepointResponse, error) {
	var resp SafepointResponse
	if err := c.conn.Invoke(ctx, SafepointProcedure, &SafepointRequest{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Invoke runs a static method on the server.
func (c *Client) Invoke(ctx context.Context, req *InvokeRequest) (*InvokeResponse, error) {
	var resp InvokeResponse
	if err := c.conn.Invoke(ctx, InvokeProcedure, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Methods lists the methods class declares.
func (c *Client) Methods(ctx context.Context, class string) ([]MethodInfo, error) {
	var resp MethodsResponse
	if err := c.conn.Invoke(ctx, MethodsProcedure, &MethodsRequest{Class: class}, &resp); err != nil {
		return nil, err
	}
	return resp.Methods, nil
}
