// Package client is the Go client of the daemon's control service.
package client

import (
	"context"
	"fmt"

	"github.com/matheus3301/dmsync/internal/api"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client wraps the gRPC connection to a daemon.
type Client struct {
	conn *grpc.ClientConn
}

// New dials the daemon's Unix domain socket.
func New(socketPath string) (*Client, error) {
	conn, err := grpc.NewClient(
		"unix://"+socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("dial daemon: %w", err)
	}
	return &Client{conn: conn}, nil
}

// NewFromConn wraps an existing connection.
func NewFromConn(conn *grpc.ClientConn) *Client {
	return &Client{conn: conn}
}

// Close closes the gRPC connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Call invokes a unary control method.
func (c *Client) Call(ctx context.Context, method string, args map[string]any) (*structpb.Struct, error) {
	if args == nil {
		args = map[string]any{}
	}
	req, err := structpb.NewStruct(args)
	if err != nil {
		return nil, fmt.Errorf("encode %s request: %w", method, err)
	}
	resp := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, api.FullMethod(method), req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// Status returns the daemon status.
func (c *Client) Status(ctx context.Context) (*structpb.Struct, error) {
	return c.Call(ctx, api.MethodStatus, nil)
}

// Send submits a message and returns its client temp id.
func (c *Client) Send(ctx context.Context, conversationID, body string) (string, error) {
	resp, err := c.Call(ctx, api.MethodSend, map[string]any{"conversation_id": conversationID, "body": body})
	if err != nil {
		return "", err
	}
	return resp.GetFields()["client_temp_id"].GetStringValue(), nil
}

// Conversation runs a method that takes a conversation id.
func (c *Client) Conversation(ctx context.Context, method, conversationID string) (*structpb.Struct, error) {
	return c.Call(ctx, method, map[string]any{"conversation_id": conversationID})
}

// Watch opens the event stream. Recv blocks for the next event until ctx is
// cancelled or the daemon goes away.
func (c *Client) Watch(ctx context.Context, prefix string) (recv func() (*structpb.Struct, error), err error) {
	stream, err := c.conn.NewStream(ctx, &api.WatchStreamDesc, api.FullMethod(api.MethodWatch))
	if err != nil {
		return nil, err
	}
	req, err := structpb.NewStruct(map[string]any{"prefix": prefix})
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(req); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return func() (*structpb.Struct, error) {
		evt := new(structpb.Struct)
		if err := stream.RecvMsg(evt); err != nil {
			return nil, err
		}
		return evt, nil
	}, nil
}
