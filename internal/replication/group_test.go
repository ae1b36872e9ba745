package replication

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	etcdraft "go.etcd.io/raft/v3"
	"go.etcd.io/raft/v3/raftpb"

	"quartzdb/internal/network"
	"quartzdb/internal/replication/snapshot"
)

// fakeRaftNode satisfies the consensus engine interface with canned status.
type fakeRaftNode struct {
	status etcdraft.Status

	mu      sync.Mutex
	reports []etcdraft.SnapshotStatus
}

func (f *fakeRaftNode) Tick()                                                       {}
func (f *fakeRaftNode) Campaign(context.Context) error                              { return nil }
func (f *fakeRaftNode) Propose(context.Context, []byte) error                       { return nil }
func (f *fakeRaftNode) ProposeConfChange(context.Context, raftpb.ConfChangeI) error { return nil }
func (f *fakeRaftNode) Step(context.Context, raftpb.Message) error                  { return nil }
func (f *fakeRaftNode) Ready() <-chan etcdraft.Ready                                { return nil }
func (f *fakeRaftNode) Advance()                                                    {}
func (f *fakeRaftNode) ApplyConfChange(raftpb.ConfChangeI) *raftpb.ConfState {
	return &raftpb.ConfState{}
}
func (f *fakeRaftNode) TransferLeadership(context.Context, uint64, uint64) {}
func (f *fakeRaftNode) ForgetLeader(context.Context) error                 { return nil }
func (f *fakeRaftNode) ReadIndex(context.Context, []byte) error            { return nil }
func (f *fakeRaftNode) Status() etcdraft.Status                            { return f.status }
func (f *fakeRaftNode) ReportUnreachable(uint64)                           {}
func (f *fakeRaftNode) ReportSnapshot(_ uint64, st etcdraft.SnapshotStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reports = append(f.reports, st)
}
func (f *fakeRaftNode) Stop() {}

func (f *fakeRaftNode) snapshotReports() []etcdraft.SnapshotStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]etcdraft.SnapshotStatus(nil), f.reports...)
}

func followerStatus(lead uint64) etcdraft.Status {
	var st etcdraft.Status
	st.ID = 1
	st.Lead = lead
	st.RaftState = etcdraft.StateFollower
	return st
}

// captureMessaging hands every outbound envelope to the test.
type captureMessaging struct {
	ch chan *network.Message
}

func (c *captureMessaging) Invoke(_ context.Context, _ string, msg *network.Message, _ time.Duration) (*network.Message, error) {
	c.ch <- msg
	return &network.Message{Type: msg.Type + ".ack", CorrelationID: msg.CorrelationID}, nil
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestSplitSnapshotMessages(t *testing.T) {
	msgs := []raftpb.Message{
		{Type: raftpb.MsgApp, To: 2},
		{Type: raftpb.MsgSnap, To: 3},
		{Type: raftpb.MsgHeartbeat, To: 2},
	}

	rest, snaps := splitSnapshotMessages(msgs)
	if len(rest) != 2 || len(snaps) != 1 {
		t.Fatalf("split = %d regular, %d snapshots; want 2 and 1", len(rest), len(snaps))
	}
	if snaps[0].To != 3 {
		t.Fatalf("snapshot message addressed to %d, want 3", snaps[0].To)
	}
}

func TestGroup_OutgoingSnapshotRegisteredDuringSend(t *testing.T) {
	messaging := &captureMessaging{ch: make(chan *network.Message, 1)}
	tr := NewTransport(messaging, "node-1", map[uint64]string{2: "node-2:9401"}, 8)
	defer tr.Stop()

	fn := &fakeRaftNode{status: followerStatus(1)}
	reg := snapshot.NewManager()
	key := snapshot.PartitionKey{TableID: uuid.New(), PartitionIndex: 3}
	g := &Group{
		id:        "partition-3",
		nodeID:    1,
		raftNode:  fn,
		transport: tr,
		snapshots: reg,
		snapKey:   key,
	}

	data := []byte("serialized partition state")
	g.sendSnapshot(raftpb.Message{
		Type: raftpb.MsgSnap,
		To:   2,
		From: 1,
		Snapshot: &raftpb.Snapshot{
			Data:     data,
			Metadata: raftpb.SnapshotMetadata{Index: 42, Term: 1},
		},
	})

	select {
	case env := <-messaging.ch:
		if env.Type != MsgTypeRaft {
			t.Fatalf("envelope type = %q, want %q", env.Type, MsgTypeRaft)
		}
		var re raftEnvelope
		if err := env.DecodePayload(&re); err != nil {
			t.Fatalf("decode envelope: %v", err)
		}
		var m raftpb.Message
		if err := m.Unmarshal(re.Data); err != nil {
			t.Fatalf("unmarshal raft message: %v", err)
		}
		if m.Snapshot == nil || string(m.Snapshot.Data) != string(data) {
			t.Fatal("snapshot payload corrupted in transit")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("snapshot message never reached the transport")
	}

	waitUntil(t, "transfer to unregister", func() bool { return reg.Ongoing(key) == 0 })
	waitUntil(t, "snapshot outcome report", func() bool {
		reports := fn.snapshotReports()
		return len(reports) == 1 && reports[0] == etcdraft.SnapshotFinish
	})
}
