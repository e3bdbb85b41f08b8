package control

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client wraps a gRPC connection to the daemon's control socket.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to the daemon's Unix domain socket. The connection is
// established lazily on the first call.
func Dial(socketPath string) (*Client, error) {
	conn, err := grpc.NewClient(
		"unix://"+socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("dial daemon: %w", err)
	}
	return &Client{conn: conn}, nil
}

// Close closes the gRPC connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) invoke(ctx context.Context, method string, in *structpb.Struct) (*structpb.Struct, error) {
	if in == nil {
		in = &structpb.Struct{}
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, "/"+ServiceName+"/"+method, in, out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetStatus returns the sync status snapshot.
func (c *Client) GetStatus(ctx context.Context) (*structpb.Struct, error) {
	return c.invoke(ctx, "GetStatus", nil)
}

// StartGlobalSync starts a catch-up over every conversation.
func (c *Client) StartGlobalSync(ctx context.Context) (*structpb.Struct, error) {
	return c.invoke(ctx, "StartGlobalSync", nil)
}

// CancelGlobalSync asks the running global sync to stop.
func (c *Client) CancelGlobalSync(ctx context.Context) (*structpb.Struct, error) {
	return c.invoke(ctx, "CancelGlobalSync", nil)
}

// StartConversationSync starts a catch-up of one conversation.
func (c *Client) StartConversationSync(ctx context.Context, conversationID int64) (*structpb.Struct, error) {
	in, err := structpb.NewStruct(map[string]any{"conversationId": conversationID})
	if err != nil {
		return nil, err
	}
	return c.invoke(ctx, "StartConversationSync", in)
}
