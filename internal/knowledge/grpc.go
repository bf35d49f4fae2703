package knowledge

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

// gRPC service and method names. Messages are google.protobuf.Struct values
// shaped {"topic": string, "payload": object}.
const (
	ServiceName   = "patternscan.knowledge.v1.KnowledgeStore"
	queryMethod   = "/" + ServiceName + "/Query"
	publishMethod = "/" + ServiceName + "/Publish"
)

// GRPCClient is a Client over a gRPC connection.
type GRPCClient struct {
	conn *grpc.ClientConn
}

// Dial creates a client for addr. The connection is established lazily.
func Dial(addr string, opts ...grpc.DialOption) (*GRPCClient, error) {
	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("grpc dial %s: %w", addr, err)
	}
	return &GRPCClient{conn: conn}, nil
}

// NewGRPCClient wraps an existing connection.
func NewGRPCClient(conn *grpc.ClientConn) *GRPCClient {
	return &GRPCClient{conn: conn}
}

// Close closes the connection.
func (c *GRPCClient) Close() error {
	return c.conn.Close()
}

// Query implements Client.
func (c *GRPCClient) Query(ctx context.Context, topic string, payload map[string]any, timeout time.Duration) (Response, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	req, err := envelope(topic, payload)
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, queryMethod, req, out); err != nil {
		return nil, fmt.Errorf("query %s: %w", topic, err)
	}
	return Response(out.AsMap()), nil
}

// Publish implements Client.
func (c *GRPCClient) Publish(ctx context.Context, topic string, payload map[string]any) error {
	req, err := envelope(topic, payload)
	if err != nil {
		return err
	}
	if err := c.conn.Invoke(ctx, publishMethod, req, new(structpb.Struct)); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

func envelope(topic string, payload map[string]any) (*structpb.Struct, error) {
	norm, err := Normalize(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	if norm == nil {
		norm = map[string]any{}
	}
	s, err := structpb.NewStruct(map[string]any{"topic": topic, "payload": norm})
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return s, nil
}

func openEnvelope(s *structpb.Struct) (string, map[string]any) {
	m := s.AsMap()
	topic, _ := m["topic"].(string)
	payload, _ := m["payload"].(map[string]any)
	return topic, payload
}

// Store is the server side of the knowledge protocol.
type Store interface {
	HandleQuery(ctx context.Context, topic string, payload map[string]any) (Response, error)
	HandlePublish(ctx context.Context, topic string, payload map[string]any) error
}

// RegisterStore exposes store on s.
func RegisterStore(s *grpc.Server, store Store) {
	s.RegisterService(&serviceDesc, store)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*Store)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Query", Handler: queryHandler},
		{MethodName: "Publish", Handler: publishHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "patternscan/knowledge.proto",
}

func queryHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	handle := func(ctx context.Context, req any) (any, error) {
		topic, payload := openEnvelope(req.(*structpb.Struct))
		resp, err := srv.(Store).HandleQuery(ctx, topic, payload)
		if err != nil {
			return nil, err
		}
		norm, err := Normalize(resp)
		if err != nil {
			return nil, err
		}
		return structpb.NewStruct(norm)
	}
	if interceptor == nil {
		return handle(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: queryMethod}
	return interceptor(ctx, in, info, handle)
}

func publishHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	handle := func(ctx context.Context, req any) (any, error) {
		topic, payload := openEnvelope(req.(*structpb.Struct))
		if err := srv.(Store).HandlePublish(ctx, topic, payload); err != nil {
			return nil, err
		}
		return structpb.NewStruct(map[string]any{KeyStatus: StatusOK})
	}
	if interceptor == nil {
		return handle(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: publishMethod}
	return interceptor(ctx, in, info, handle)
}
