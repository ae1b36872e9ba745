package network

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// GRPCMessaging is the grpc-backed messaging substrate. Connections are
// dialed lazily per destination address and reused.
type GRPCMessaging struct {
	mu    sync.Mutex
	conns map[string]*grpc.ClientConn
}

func NewGRPCMessaging() *GRPCMessaging {
	return &GRPCMessaging{conns: make(map[string]*grpc.ClientConn)}
}

func (g *GRPCMessaging) conn(addr string) (*grpc.ClientConn, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if conn, ok := g.conns[addr]; ok {
		return conn, nil
	}

	conn, err := dialPeer(addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	g.conns[addr] = conn
	return conn, nil
}

func dialPeer(addr string) (*grpc.ClientConn, error) {
	return grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                30 * time.Second,
			Timeout:             5 * time.Second,
			PermitWithoutStream: true,
		}))
}

func (g *GRPCMessaging) Invoke(ctx context.Context, addr string, msg *Message, timeout time.Duration) (*Message, error) {
	conn, err := g.conn(addr)
	if err != nil {
		return nil, err
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal message: %w", err)
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	in := wrapperspb.Bytes(data)
	out := new(wrapperspb.BytesValue)

	if err := conn.Invoke(ctx, invokeMethod, in, out); err != nil {
		return nil, err
	}

	var resp Message
	if err := json.Unmarshal(out.GetValue(), &resp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}

	return &resp, nil
}

func (g *GRPCMessaging) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()

	for addr, conn := range g.conns {
		conn.Close()
		delete(g.conns, addr)
	}
}
