package network

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"quartzdb/internal/metrics"
)

const (
	messagingServiceName = "quartzdb.Messaging"
	invokeMethod         = "/" + messagingServiceName + "/Invoke"
)

type messagingServer interface {
	Invoke(ctx context.Context, in *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error)
}

func invokeUnaryHandler(
	srv interface{},
	ctx context.Context,
	dec func(interface{}) error,
	interceptor grpc.UnaryServerInterceptor,
) (interface{}, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(messagingServer).Invoke(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: invokeMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(messagingServer).Invoke(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

var messagingServiceDesc = grpc.ServiceDesc{
	ServiceName: messagingServiceName,
	HandlerType: (*messagingServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Invoke", Handler: invokeUnaryHandler},
	},
}

// Server accepts messages from remote nodes and dispatches them to the
// handler registered for the message type.
type Server struct {
	network              string
	address              string
	maxConcurrentStreams uint32

	grpcServer *grpc.Server

	mu       sync.RWMutex
	handlers map[string]Handler
}

type ServerConfig struct {
	Network              string
	Address              string
	MaxConcurrentStreams uint32
}

func NewServer(cfg ServerConfig) *Server {
	return &Server{
		network:              cfg.Network,
		address:              cfg.Address,
		maxConcurrentStreams: cfg.MaxConcurrentStreams,
		handlers:             make(map[string]Handler),
	}
}

// RegisterHandler binds a handler to a message type. Registering the same
// type twice replaces the previous handler.
func (s *Server) RegisterHandler(msgType string, h Handler) {
	s.mu.Lock()
	s.handlers[msgType] = h
	s.mu.Unlock()
}

func (s *Server) Start() (net.Listener, error) {
	lis, err := net.Listen(s.network, s.address)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", s.address, err)
	}

	opts := []grpc.ServerOption{
		grpc.MaxConcurrentStreams(s.maxConcurrentStreams),
		grpc.UnaryInterceptor(metrics.UnaryServerInterceptor()),
	}

	s.grpcServer = grpc.NewServer(opts...)
	s.grpcServer.RegisterService(&messagingServiceDesc, s)

	slog.Info("messaging server listening", "addr", lis.Addr())

	go func() {
		if err := s.grpcServer.Serve(lis); err != nil {
			slog.Error("messaging server stopped serving", "error", err)
		}
	}()

	return lis, nil
}

func (s *Server) Stop() {
	if s.grpcServer != nil {
		s.grpcServer.GracefulStop()
	}
	slog.Info("messaging server stopped")
}

// Invoke implements the wire contract: the bytes value wraps one json
// encoded Message, the response wraps the handler's reply.
func (s *Server) Invoke(ctx context.Context, in *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error) {
	var msg Message
	if err := json.Unmarshal(in.GetValue(), &msg); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "unmarshal message: %v", err)
	}

	s.mu.RLock()
	handler, ok := s.handlers[msg.Type]
	s.mu.RUnlock()

	if !ok {
		return nil, status.Errorf(codes.Unimplemented, "no handler for message type %q", msg.Type)
	}

	resp, err := handler(ctx, &msg)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "%v", err)
	}
	if resp == nil {
		resp = &Message{Type: msg.Type + ".ack", CorrelationID: msg.CorrelationID}
	} else {
		resp.CorrelationID = msg.CorrelationID
	}

	out, err := json.Marshal(resp)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "marshal response: %v", err)
	}

	return wrapperspb.Bytes(out), nil
}
