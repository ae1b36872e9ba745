// Package replication runs one consensus group per partition. Each group owns
// a durable log, an ordered apply pipeline and a queue of completion closures
// keyed by log index. Commands enter through the leader, are replicated,
// applied in log order and their closures fire with the apply result.
package replication

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	etcdraft "go.etcd.io/raft/v3"
	"go.etcd.io/raft/v3/raftpb"
	"go.etcd.io/raft/v3/tracker"

	"quartzdb/internal/metrics"
	"quartzdb/internal/replication/fsm"
	grouplog "quartzdb/internal/replication/log"
	"quartzdb/internal/replication/snapshot"
)

// StateMachine applies decoded commands. Snapshotter captures and restores
// the machine's full state for log truncation and follower catch-up.
type StateMachine interface {
	Apply(cmd []byte) ([]byte, error)
}

type Snapshotter interface {
	Snapshot() ([]byte, error)
	Restore(data []byte) error
}

type stepRequest struct {
	ctx  context.Context
	msg  raftpb.Message
	resp chan error
}

type GroupConfig struct {
	ID     string
	NodeID uint64
	Peers  map[uint64]string
	Dir    string

	// Snapshots, when set, registers every outgoing state transfer under
	// SnapshotKey so partition teardown waits for in-flight sends.
	Snapshots   *snapshot.Manager
	SnapshotKey snapshot.PartitionKey

	WalNoSync       bool
	TickInterval    time.Duration
	SnapCount       uint64
	StepInboxSize   int
	ApplyQueueDepth int
	DrainTimeout    time.Duration

	ElectionTick              int
	HeartbeatTick             int
	MaxSizePerMsg             uint64
	MaxInflightMsgs           int
	MaxUncommittedEntriesSize uint64
}

func (c *GroupConfig) applyDefaults() {
	if c.TickInterval == 0 {
		c.TickInterval = 100 * time.Millisecond
	}
	if c.StepInboxSize <= 0 {
		c.StepInboxSize = 256
	}
	if c.DrainTimeout == 0 {
		c.DrainTimeout = 5 * time.Second
	}
	if c.ElectionTick == 0 {
		c.ElectionTick = 10
	}
	if c.HeartbeatTick == 0 {
		c.HeartbeatTick = 1
	}
	if c.MaxSizePerMsg == 0 {
		c.MaxSizePerMsg = 1024 * 1024
	}
	if c.MaxInflightMsgs == 0 {
		c.MaxInflightMsgs = 256
	}
	if c.MaxUncommittedEntriesSize == 0 {
		c.MaxUncommittedEntriesSize = 1 << 30
	}
}

// Group is one local replica of a replication group.
type Group struct {
	id     string
	nodeID uint64
	cfg    GroupConfig

	raftNode    etcdraft.Node
	logman      *grouplog.Manager
	caller      *fsm.Caller
	closures    *fsm.ClosureQueue
	transport   *Transport
	sm          StateMachine
	snapshotter Snapshotter
	snapshots   *snapshot.Manager
	snapKey     snapshot.PartitionKey

	idGen     ProposalIDGenerator
	pendingMu sync.Mutex
	pending   map[uint64]fsm.Closure

	lastApplied  atomic.Uint64
	shuttingDown atomic.Bool
	faulted      atomic.Bool

	stepInbox chan stepRequest
	stopCh    chan struct{}
	stoppedWg sync.WaitGroup
}

// NewGroup opens the group's log, recovers the state machine from the last
// snapshot plus committed entries, and starts or restarts the consensus node.
func NewGroup(cfg GroupConfig, sm StateMachine, snap Snapshotter, transport *Transport) (*Group, error) {
	cfg.applyDefaults()

	logman, committed, err := grouplog.Open(cfg.ID, cfg.Dir, cfg.WalNoSync)
	if err != nil {
		return nil, fmt.Errorf("open group log: %w", err)
	}

	g := &Group{
		id:          cfg.ID,
		nodeID:      cfg.NodeID,
		cfg:         cfg,
		logman:      logman,
		transport:   transport,
		sm:          sm,
		snapshotter: snap,
		snapshots:   cfg.Snapshots,
		snapKey:     cfg.SnapshotKey,
		pending:     make(map[uint64]fsm.Closure),
		stepInbox:   make(chan stepRequest, cfg.StepInboxSize),
		stopCh:      make(chan struct{}),
	}

	applied, err := g.recoverState()
	if err != nil {
		logman.Close()
		return nil, fmt.Errorf("recover group %s: %w", cfg.ID, err)
	}
	if committed > applied {
		slog.Debug("committed entries beyond recovered state will re-apply on restart",
			"group", cfg.ID, "committed", committed, "applied", applied)
	}
	g.lastApplied.Store(applied)

	raftCfg := &etcdraft.Config{
		ID:                        cfg.NodeID,
		ElectionTick:              cfg.ElectionTick,
		HeartbeatTick:             cfg.HeartbeatTick,
		Storage:                   logman.RaftStorage(),
		MaxSizePerMsg:             cfg.MaxSizePerMsg,
		MaxInflightMsgs:           cfg.MaxInflightMsgs,
		MaxUncommittedEntriesSize: cfg.MaxUncommittedEntriesSize,
		Applied:                   applied,
		Logger:                    newRaftLogger(cfg.ID),
	}

	if logman.HasState() {
		slog.Debug("restarting group from saved state", "group", cfg.ID)
		g.raftNode = etcdraft.RestartNode(raftCfg)
	} else {
		peers := make([]etcdraft.Peer, 0, len(cfg.Peers))
		for id, addr := range cfg.Peers {
			peers = append(peers, etcdraft.Peer{ID: id, Context: []byte(addr)})
		}
		slog.Debug("starting new group", "group", cfg.ID, "peers", len(peers))
		g.raftNode = etcdraft.StartNode(raftCfg, peers)
	}

	g.closures = fsm.NewClosureQueue()
	g.caller = fsm.NewCaller(fsm.CallerConfig{
		GroupID:      cfg.ID,
		StateMachine: proposalApplier{sm: sm},
		Queue:        g.closures,
		QueueDepth:   cfg.ApplyQueueDepth,
		OnConfChange: g.applyConfChange,
		OnApplied:    g.setLastApplied,
		OnFatal:      g.onFatal,
	})

	return g, nil
}

// proposalApplier unwraps proposal envelopes before handing the command to
// the state machine.
type proposalApplier struct {
	sm StateMachine
}

func (a proposalApplier) Apply(data []byte) ([]byte, error) {
	p, err := decodeProposal(data)
	if err != nil {
		return nil, err
	}
	return a.sm.Apply(p.Command)
}

func (g *Group) recoverState() (uint64, error) {
	applied := g.logman.SnapshotIndex()

	if data := g.logman.SnapshotData(); len(data) > 0 {
		if err := g.snapshotter.Restore(data); err != nil {
			return 0, fmt.Errorf("restore snapshot: %w", err)
		}
		slog.Info("restored state machine from snapshot", "group", g.id, "index", applied)
	}

	entries, err := g.logman.EntriesAfter(applied)
	if err != nil {
		return 0, err
	}

	applier := proposalApplier{sm: g.sm}
	for _, e := range entries {
		if e.Type != raftpb.EntryNormal || len(e.Data) == 0 {
			applied = e.Index
			continue
		}
		if _, err := applier.Apply(e.Data); err != nil {
			return 0, fmt.Errorf("replay entry %d: %w", e.Index, err)
		}
		applied = e.Index
	}

	if len(entries) > 0 {
		slog.Info("replayed committed entries", "group", g.id, "count", len(entries), "applied", applied)
	}

	return applied, nil
}

func (g *Group) Start() {
	g.stoppedWg.Add(2)
	go func() {
		defer g.stoppedWg.Done()
		g.runLoop()
	}()
	go func() {
		defer g.stoppedWg.Done()
		g.collectMetrics()
	}()
	slog.Info("replication group started", "group", g.id, "node_id", g.nodeID)
}

func (g *Group) runLoop() {
	ticker := time.NewTicker(g.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-g.stopCh:
			return

		case <-ticker.C:
			g.raftNode.Tick()

		case req := <-g.stepInbox:
			err := g.raftNode.Step(req.ctx, req.msg)
			select {
			case req.resp <- err:
			default:
			}

		case rd, ok := <-g.raftNode.Ready():
			if !ok {
				slog.Warn("ready channel closed", "group", g.id)
				return
			}
			if err := g.processReady(rd); err != nil {
				slog.Error("processing ready failed, group halted", "group", g.id, "error", err)
				g.onFatal(err)
				return
			}
		}
	}
}

func (g *Group) processReady(rd etcdraft.Ready) error {
	if err := g.logman.SaveReady(rd); err != nil {
		return err
	}

	msgs, snapMsgs := splitSnapshotMessages(rd.Messages)
	g.transport.Send(g.id, g.nodeID, msgs)
	for _, m := range snapMsgs {
		g.sendSnapshot(m)
	}

	if !etcdraft.IsEmptySnap(rd.Snapshot) {
		if err := g.restoreFromLeaderSnapshot(rd.Snapshot); err != nil {
			return err
		}
	}

	g.bindProposals(rd.Entries)

	if err := g.caller.OnCommitted(rd.CommittedEntries); err != nil {
		return err
	}

	g.raftNode.Advance()

	if g.cfg.SnapCount > 0 {
		g.maybeSnapshot()
	}

	return nil
}

func (g *Group) restoreFromLeaderSnapshot(snap raftpb.Snapshot) error {
	if len(snap.Data) > 0 {
		if err := g.snapshotter.Restore(snap.Data); err != nil {
			return fmt.Errorf("restore from leader snapshot: %w", err)
		}
	}
	g.setLastApplied(snap.Metadata.Index)
	slog.Info("state machine replaced by leader snapshot",
		"group", g.id, "index", snap.Metadata.Index)
	return nil
}

const snapshotChunkSize = 1 << 20

func splitSnapshotMessages(msgs []raftpb.Message) (rest, snaps []raftpb.Message) {
	for _, m := range msgs {
		if m.Type == raftpb.MsgSnap {
			snaps = append(snaps, m)
		} else {
			rest = append(rest, m)
		}
	}
	return rest, snaps
}

// sendSnapshot ships one full-state snapshot to a lagging follower off the
// Ready loop. The transfer is registered with the snapshot manager, so
// partition teardown blocks while the state is read, and the engine learns
// the outcome through ReportSnapshot.
func (g *Group) sendSnapshot(m raftpb.Message) {
	if g.snapshots == nil || m.Snapshot == nil {
		g.transport.Send(g.id, g.nodeID, []raftpb.Message{m})
		return
	}

	transferID := uuid.New()
	out := g.snapshots.StartOutgoingSnapshot(transferID, g.snapKey, m.Snapshot.Data)
	size := len(m.Snapshot.Data)

	go func() {
		defer g.snapshots.FinishOutgoingSnapshot(transferID, g.snapKey)
		defer out.Close()

		data := make([]byte, 0, size)
		for {
			chunk, err := out.NextChunk(snapshotChunkSize)
			if err == io.EOF {
				break
			}
			data = append(data, chunk...)
		}

		// A short read means the transfer was closed underneath us.
		if len(data) != size {
			slog.Warn("outgoing snapshot aborted",
				"group", g.id, "to", m.To, "read", len(data), "size", size)
			g.raftNode.ReportSnapshot(m.To, etcdraft.SnapshotFailure)
			return
		}

		m.Snapshot.Data = data
		g.transport.Send(g.id, g.nodeID, []raftpb.Message{m})
		g.raftNode.ReportSnapshot(m.To, etcdraft.SnapshotFinish)
		slog.Info("outgoing snapshot sent",
			"group", g.id, "to", m.To, "index", m.Snapshot.Metadata.Index, "bytes", size)
	}()
}

// bindProposals attaches pending closures to entries this node proposed, now
// that their log indices are known. Entries arrive in index order, matching
// the closure queue's ordering requirement.
func (g *Group) bindProposals(entries []raftpb.Entry) {
	for _, e := range entries {
		if e.Type != raftpb.EntryNormal || len(e.Data) == 0 {
			continue
		}
		p, err := decodeProposal(e.Data)
		if err != nil || p.Origin != g.nodeID {
			continue
		}

		g.pendingMu.Lock()
		cl, ok := g.pending[p.ID]
		if ok {
			delete(g.pending, p.ID)
		}
		g.pendingMu.Unlock()
		if !ok {
			continue
		}

		if err := g.closures.Append(e.Index, cl); err != nil {
			cl(nil, err)
		}
	}
}

// Propose submits an encoded command. The closure fires once with the apply
// result, or with an error if the group faults or shuts down first.
func (g *Group) Propose(ctx context.Context, cmd []byte, done fsm.Closure) error {
	if g.shuttingDown.Load() {
		return ErrShuttingDown
	}
	if g.faulted.Load() {
		return fsm.ErrGroupFaulted
	}
	if g.raftNode.Status().Lead == 0 {
		return ErrNoLeader
	}

	id := g.idGen.Next()
	data, err := encodeProposal(proposal{ID: id, Origin: g.nodeID, Command: cmd})
	if err != nil {
		return err
	}

	g.pendingMu.Lock()
	g.pending[id] = done
	g.pendingMu.Unlock()

	if err := g.raftNode.Propose(ctx, data); err != nil {
		g.pendingMu.Lock()
		delete(g.pending, id)
		g.pendingMu.Unlock()
		return fmt.Errorf("propose: %w", err)
	}
	return nil
}

// Step feeds one consensus message from a peer into the group's loop.
func (g *Group) Step(ctx context.Context, msg raftpb.Message) error {
	req := stepRequest{ctx: ctx, msg: msg, resp: make(chan error, 1)}

	select {
	case g.stepInbox <- req:
	case <-g.stopCh:
		return ErrShuttingDown
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-req.resp:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *Group) applyConfChange(cc raftpb.ConfChange) {
	cs := g.raftNode.ApplyConfChange(cc)
	if err := g.logman.SaveConfState(*cs); err != nil {
		slog.Error("failed to persist conf state", "group", g.id, "error", err)
	}

	switch cc.Type {
	case raftpb.ConfChangeAddNode, raftpb.ConfChangeAddLearnerNode:
		if len(cc.Context) > 0 && cc.NodeID != g.nodeID {
			g.transport.AddPeer(cc.NodeID, string(cc.Context))
		}
	case raftpb.ConfChangeRemoveNode:
		if cc.NodeID != g.nodeID {
			g.transport.RemovePeer(cc.NodeID)
		}
	}
}

func (g *Group) setLastApplied(index uint64) {
	for {
		cur := g.lastApplied.Load()
		if index <= cur || g.lastApplied.CompareAndSwap(cur, index) {
			return
		}
	}
}

func (g *Group) LastApplied() uint64 {
	return g.lastApplied.Load()
}

func (g *Group) onFatal(cause error) {
	if g.faulted.Swap(true) {
		return
	}
	g.failPending(fmt.Errorf("%w: %v", fsm.ErrGroupFaulted, cause))
}

func (g *Group) failPending(err error) {
	g.pendingMu.Lock()
	pending := g.pending
	g.pending = make(map[uint64]fsm.Closure)
	g.pendingMu.Unlock()

	for _, cl := range pending {
		cl(nil, err)
	}
}

func (g *Group) maybeSnapshot() {
	applied := g.lastApplied.Load()
	snapIndex := g.logman.SnapshotIndex()

	if applied <= snapIndex || applied-snapIndex < g.cfg.SnapCount {
		return
	}

	start := time.Now()

	data, err := g.snapshotter.Snapshot()
	if err != nil {
		slog.Warn("snapshot capture failed", "group", g.id, "error", err)
		return
	}
	if len(data) == 0 {
		return
	}

	snap, err := g.logman.CreateSnapshot(applied, nil, data)
	if err != nil {
		if err != etcdraft.ErrSnapOutOfDate {
			slog.Warn("create snapshot failed", "group", g.id, "error", err)
		}
		return
	}
	if err := g.logman.SaveSnapshot(snap); err != nil {
		slog.Warn("save snapshot failed", "group", g.id, "error", err)
		return
	}

	compactIndex := uint64(1)
	if applied > g.cfg.SnapCount {
		compactIndex = applied - g.cfg.SnapCount
	}
	if err := g.logman.Compact(compactIndex); err != nil {
		slog.Warn("compact failed", "group", g.id, "error", err)
	}

	metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
}

func (g *Group) ID() string { return g.id }

func (g *Group) IsLeader() bool {
	return g.raftNode.Status().RaftState == etcdraft.StateLeader
}

func (g *Group) LeaderID() uint64 {
	return g.raftNode.Status().Lead
}

// LeaderAddr returns the current leader's address, or "" when unknown.
func (g *Group) LeaderAddr() string {
	lead := g.raftNode.Status().Lead
	if lead == 0 || lead == g.nodeID {
		return ""
	}
	return g.transport.PeerAddr(lead)
}

func (g *Group) Faulted() bool {
	return g.faulted.Load()
}

func (g *Group) collectMetrics() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-g.stopCh:
			return
		case <-ticker.C:
			status := g.raftNode.Status()
			if status.RaftState == etcdraft.StateLeader {
				metrics.GroupIsLeader.WithLabelValues(g.id).Set(1)
			} else {
				metrics.GroupIsLeader.WithLabelValues(g.id).Set(0)
			}
			metrics.GroupTerm.WithLabelValues(g.id).Set(float64(status.Term))
			metrics.GroupCommitIndex.WithLabelValues(g.id).Set(float64(status.Commit))
			metrics.GroupAppliedIndex.WithLabelValues(g.id).Set(float64(g.lastApplied.Load()))
		}
	}
}

// Stop shuts the group down gracefully: leadership is handed off, queued
// applies drain, pending closures fail, then the consensus node and log
// close.
func (g *Group) Stop() {
	if g.shuttingDown.Swap(true) {
		return
	}

	if g.IsLeader() {
		g.tryTransferLeadership()
	}

	g.waitForPendingApplies()

	close(g.stopCh)
	g.stoppedWg.Wait()

	g.caller.Shutdown()
	g.failPending(ErrShuttingDown)
	g.closures.FailAll(ErrShuttingDown)

	g.raftNode.Stop()
	if err := g.logman.Close(); err != nil {
		slog.Error("failed to close group log", "group", g.id, "error", err)
	}

	slog.Info("replication group stopped", "group", g.id)
}

func (g *Group) tryTransferLeadership() {
	status := g.raftNode.Status()

	var targetID, maxMatch uint64
	for id, pr := range status.Progress {
		if id == g.nodeID {
			continue
		}
		if pr.State == tracker.StateReplicate && pr.Match > maxMatch {
			maxMatch = pr.Match
			targetID = id
		}
	}
	if targetID == 0 {
		return
	}

	slog.Info("transferring leadership", "group", g.id, "target", targetID)
	g.raftNode.TransferLeadership(context.Background(), g.nodeID, targetID)

	deadline := time.Now().Add(2 * time.Second)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for time.Now().Before(deadline) {
		<-ticker.C
		if g.raftNode.Status().RaftState != etcdraft.StateLeader {
			return
		}
	}
	slog.Warn("leadership transfer timed out", "group", g.id)
}

func (g *Group) waitForPendingApplies() {
	target := g.raftNode.Status().Commit
	if g.lastApplied.Load() >= target {
		return
	}

	deadline := time.Now().Add(g.cfg.DrainTimeout)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for time.Now().Before(deadline) {
		if g.lastApplied.Load() >= target {
			return
		}
		<-ticker.C
	}
	slog.Warn("timed out waiting for pending applies",
		"group", g.id, "applied", g.lastApplied.Load(), "target", target)
}
