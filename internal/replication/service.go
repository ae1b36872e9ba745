package replication

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"go.etcd.io/raft/v3/raftpb"

	"quartzdb/internal/network"
	"quartzdb/internal/replication/rpc"
)

// Service fronts the node's replication groups. Commands submitted through
// Run are routed to the group leader, locally or over the wire, and retried
// on timeouts and leader changes.
type Service struct {
	localName string
	localAddr string

	invokeTimeout time.Duration
	maxRetries    int
	retryBackoff  time.Duration

	groups *xsync.MapOf[string, *Group]
	client *rpc.Client
}

type ServiceConfig struct {
	LocalName     string
	LocalAddr     string
	InvokeTimeout time.Duration
	MaxRetries    int
	RetryBackoff  time.Duration
}

func NewService(cfg ServiceConfig, client *rpc.Client) *Service {
	if cfg.InvokeTimeout == 0 {
		cfg.InvokeTimeout = 5 * time.Second
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 5
	}
	if cfg.RetryBackoff == 0 {
		cfg.RetryBackoff = 50 * time.Millisecond
	}
	return &Service{
		localName:     cfg.LocalName,
		localAddr:     cfg.LocalAddr,
		invokeTimeout: cfg.InvokeTimeout,
		maxRetries:    cfg.MaxRetries,
		retryBackoff:  cfg.RetryBackoff,
		groups:        xsync.NewMapOf[string, *Group](),
		client:        client,
	}
}

func (s *Service) AddGroup(g *Group) {
	s.groups.Store(g.ID(), g)
}

func (s *Service) Group(id string) (*Group, bool) {
	return s.groups.Load(id)
}

// StopAll stops every local group.
func (s *Service) StopAll() {
	s.groups.Range(func(_ string, g *Group) bool {
		g.Stop()
		return true
	})
}

// RegisterHandlers wires the replication message types into the node's
// server.
func (s *Service) RegisterHandlers(srv *network.Server) {
	srv.RegisterHandler(MsgTypeRaft, s.handleRaft)
	srv.RegisterHandler(MsgTypeCommand, s.handleCommand)
}

func (s *Service) handleRaft(ctx context.Context, msg *network.Message) (*network.Message, error) {
	var env raftEnvelope
	if err := msg.DecodePayload(&env); err != nil {
		return nil, fmt.Errorf("decode raft envelope: %w", err)
	}

	g, ok := s.groups.Load(env.Group)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownGroup, env.Group)
	}

	var m raftpb.Message
	if err := m.Unmarshal(env.Data); err != nil {
		return nil, fmt.Errorf("unmarshal raft message: %w", err)
	}

	if err := g.Step(ctx, m); err != nil {
		return nil, fmt.Errorf("step: %w", err)
	}
	return nil, nil
}

func (s *Service) handleCommand(ctx context.Context, msg *network.Message) (*network.Message, error) {
	var req CommandRequest
	if err := msg.DecodePayload(&req); err != nil {
		return nil, fmt.Errorf("decode command request: %w", err)
	}

	resp := s.execLocal(ctx, req.Group, req.Command)
	return network.NewMessage(MsgTypeCommand, s.localName, resp)
}

func (s *Service) execLocal(ctx context.Context, groupID string, cmd []byte) CommandResponse {
	g, ok := s.groups.Load(groupID)
	if !ok {
		return CommandResponse{Error: fmt.Sprintf("unknown replication group %q", groupID)}
	}
	if !g.IsLeader() {
		return CommandResponse{NotLeader: true, LeaderAddr: g.LeaderAddr()}
	}

	type outcome struct {
		result []byte
		err    error
	}
	ch := make(chan outcome, 1)
	err := g.Propose(ctx, cmd, func(result []byte, err error) {
		ch <- outcome{result: result, err: err}
	})
	if err != nil {
		if errors.Is(err, ErrNoLeader) {
			return CommandResponse{NotLeader: true}
		}
		return CommandResponse{Error: err.Error()}
	}

	select {
	case out := <-ch:
		if out.err != nil {
			return CommandResponse{Error: out.err.Error()}
		}
		return CommandResponse{OK: true, Result: out.result}
	case <-ctx.Done():
		return CommandResponse{Error: ctx.Err().Error()}
	}
}

// Run executes one encoded command against a group and returns the apply
// result. Leader redirects are followed; timeouts and missing leaders retry
// with exponential backoff until ctx expires or attempts run out.
func (s *Service) Run(ctx context.Context, groupID string, cmd []byte) ([]byte, error) {
	backoff := s.retryBackoff
	redirect := ""
	var lastErr error

	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		resp, err := s.runOnce(ctx, groupID, cmd, redirect)
		switch {
		case err == nil && resp.OK:
			return resp.Result, nil

		case err == nil && resp.NotLeader:
			redirect = resp.LeaderAddr
			lastErr = ErrNotLeader

		case err == nil:
			return nil, errors.New(resp.Error)

		case errors.Is(err, rpc.ErrInvokeTimeout),
			errors.Is(err, rpc.ErrRemoting),
			errors.Is(err, ErrNoLeader):
			redirect = ""
			lastErr = err

		default:
			return nil, err
		}

		slog.Debug("command attempt failed, retrying",
			"group", groupID, "attempt", attempt, "error", lastErr)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}

	return nil, fmt.Errorf("command not applied after %d attempts: %w", s.maxRetries+1, lastErr)
}

func (s *Service) runOnce(ctx context.Context, groupID string, cmd []byte, redirect string) (CommandResponse, error) {
	target := redirect

	if g, ok := s.groups.Load(groupID); ok {
		if g.IsLeader() {
			return s.execLocal(ctx, groupID, cmd), nil
		}
		if target == "" {
			target = g.LeaderAddr()
		}
	}

	if target == "" {
		return CommandResponse{}, ErrNoLeader
	}

	msg, err := network.NewMessage(MsgTypeCommand, s.localName, CommandRequest{
		Group:   groupID,
		Command: cmd,
	})
	if err != nil {
		return CommandResponse{}, err
	}

	respMsg, err := s.client.Invoke(ctx, target, msg, s.invokeTimeout)
	if err != nil {
		return CommandResponse{}, err
	}

	var resp CommandResponse
	if err := respMsg.DecodePayload(&resp); err != nil {
		return CommandResponse{}, fmt.Errorf("decode command response: %w", err)
	}
	return resp, nil
}
