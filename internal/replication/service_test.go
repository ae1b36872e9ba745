package replication

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"quartzdb/internal/network"
	"quartzdb/internal/replication/rpc"
)

type scriptedReply struct {
	resp  CommandResponse
	err   error
	delay time.Duration
}

// scriptedMessaging plays back one reply per invocation and records where
// each request went.
type scriptedMessaging struct {
	mu     sync.Mutex
	script []scriptedReply
	dests  []string
}

func (m *scriptedMessaging) Invoke(_ context.Context, addr string, _ *network.Message, _ time.Duration) (*network.Message, error) {
	m.mu.Lock()
	m.dests = append(m.dests, addr)
	var r scriptedReply
	if len(m.script) > 0 {
		r = m.script[0]
		m.script = m.script[1:]
	}
	m.mu.Unlock()

	if r.delay > 0 {
		time.Sleep(r.delay)
	}
	if r.err != nil {
		return nil, r.err
	}
	return network.NewMessage(MsgTypeCommand, "node-2", r.resp)
}

func (m *scriptedMessaging) destinations() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.dests...)
}

// newFollowerService builds a service whose only local group follows node 2,
// so every command goes over the wire.
func newFollowerService(t *testing.T, messaging network.MessagingService, maxRetries int, invokeTimeout time.Duration) *Service {
	t.Helper()

	topo := network.NewTopologyService()
	topo.AddMember(network.Member{ID: 1, Name: "node-1", Address: "node-1:9401"})
	topo.AddMember(network.Member{ID: 2, Name: "node-2", Address: "node-2:9401"})
	client := rpc.NewClient(messaging, topo, "node-1")

	tr := NewTransport(messaging, "node-1", map[uint64]string{2: "node-2:9401"}, 8)
	t.Cleanup(tr.Stop)

	g := &Group{
		id:        "g1",
		nodeID:    1,
		raftNode:  &fakeRaftNode{status: followerStatus(2)},
		transport: tr,
	}

	svc := NewService(ServiceConfig{
		LocalName:     "node-1",
		LocalAddr:     "node-1:9401",
		InvokeTimeout: invokeTimeout,
		MaxRetries:    maxRetries,
		RetryBackoff:  time.Millisecond,
	}, client)
	svc.AddGroup(g)
	return svc
}

func TestService_RunRetriesTransportFailureAndFollowsRedirect(t *testing.T) {
	messaging := &scriptedMessaging{script: []scriptedReply{
		{err: errors.New("connection refused")},
		{resp: CommandResponse{NotLeader: true, LeaderAddr: "node-3:9401"}},
		{resp: CommandResponse{OK: true, Result: []byte("applied")}},
	}}
	svc := newFollowerService(t, messaging, 5, time.Second)

	result, err := svc.Run(context.Background(), "g1", []byte("cmd"))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if string(result) != "applied" {
		t.Fatalf("result = %q, want %q", result, "applied")
	}

	want := []string{"node-2:9401", "node-2:9401", "node-3:9401"}
	dests := messaging.destinations()
	if len(dests) != len(want) {
		t.Fatalf("invocations = %v, want %v", dests, want)
	}
	for i := range want {
		if dests[i] != want[i] {
			t.Fatalf("invocation %d went to %s, want %s", i, dests[i], want[i])
		}
	}
}

func TestService_RunRetriesAfterInvokeTimeout(t *testing.T) {
	messaging := &scriptedMessaging{script: []scriptedReply{
		{delay: 300 * time.Millisecond, resp: CommandResponse{OK: true}},
		{resp: CommandResponse{OK: true, Result: []byte("second try")}},
	}}
	svc := newFollowerService(t, messaging, 3, 50*time.Millisecond)

	result, err := svc.Run(context.Background(), "g1", []byte("cmd"))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if string(result) != "second try" {
		t.Fatalf("result = %q, want the retried attempt's answer", result)
	}
	if n := len(messaging.destinations()); n != 2 {
		t.Fatalf("invocations = %d, want 2", n)
	}
}

func TestService_RunReturnsApplyErrorWithoutRetry(t *testing.T) {
	messaging := &scriptedMessaging{script: []scriptedReply{
		{resp: CommandResponse{Error: "constraint violated"}},
	}}
	svc := newFollowerService(t, messaging, 5, time.Second)

	_, err := svc.Run(context.Background(), "g1", []byte("cmd"))
	if err == nil || err.Error() != "constraint violated" {
		t.Fatalf("err = %v, want the apply error surfaced verbatim", err)
	}
	if n := len(messaging.destinations()); n != 1 {
		t.Fatalf("invocations = %d, want no retry on apply errors", n)
	}
}

func TestService_RunGivesUpAfterMaxRetries(t *testing.T) {
	messaging := &scriptedMessaging{script: []scriptedReply{
		{resp: CommandResponse{NotLeader: true}},
		{resp: CommandResponse{NotLeader: true}},
	}}
	svc := newFollowerService(t, messaging, 1, time.Second)

	_, err := svc.Run(context.Background(), "g1", []byte("cmd"))
	if !errors.Is(err, ErrNotLeader) {
		t.Fatalf("err = %v, want ErrNotLeader once attempts run out", err)
	}
}
