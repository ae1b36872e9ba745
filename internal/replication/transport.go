package replication

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.etcd.io/raft/v3/raftpb"

	"quartzdb/internal/network"
)

const raftSendTimeout = 2 * time.Second

// Transport fans consensus messages out to peers. Each peer gets its own
// bounded send queue and worker so a slow peer never stalls a group's Ready
// loop; when a queue fills the oldest message is dropped, consensus retries.
type Transport struct {
	messaging network.MessagingService
	localName string
	queueSize int

	mu     sync.Mutex
	peers  map[uint64]string
	queues map[uint64]chan *network.Message
	wg     sync.WaitGroup
	stopCh chan struct{}
}

func NewTransport(messaging network.MessagingService, localName string, peers map[uint64]string, queueSize int) *Transport {
	if queueSize <= 0 {
		queueSize = 512
	}
	t := &Transport{
		messaging: messaging,
		localName: localName,
		queueSize: queueSize,
		peers:     make(map[uint64]string, len(peers)),
		queues:    make(map[uint64]chan *network.Message),
		stopCh:    make(chan struct{}),
	}
	for id, addr := range peers {
		t.peers[id] = addr
	}
	return t
}

func (t *Transport) PeerAddr(nodeID uint64) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.peers[nodeID]
}

func (t *Transport) AddPeer(nodeID uint64, addr string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.peers[nodeID] = addr
}

func (t *Transport) RemovePeer(nodeID uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.peers, nodeID)
	if q, ok := t.queues[nodeID]; ok {
		close(q)
		delete(t.queues, nodeID)
	}
}

// Send enqueues a group's outbound consensus messages.
func (t *Transport) Send(group string, localID uint64, msgs []raftpb.Message) {
	for i := range msgs {
		m := &msgs[i]
		if m.To == 0 || m.To == localID {
			continue
		}

		data, err := m.Marshal()
		if err != nil {
			slog.Error("failed to marshal raft message", "group", group, "error", err)
			continue
		}

		env, err := network.NewMessage(MsgTypeRaft, t.localName, raftEnvelope{
			Group: group,
			From:  localID,
			Data:  data,
		})
		if err != nil {
			slog.Error("failed to build raft envelope", "group", group, "error", err)
			continue
		}

		t.enqueue(m.To, env)
	}
}

func (t *Transport) enqueue(to uint64, msg *network.Message) {
	t.mu.Lock()
	q, ok := t.queues[to]
	if !ok {
		if _, known := t.peers[to]; !known {
			t.mu.Unlock()
			slog.Warn("no address for peer, dropping raft message", "to", to)
			return
		}
		q = make(chan *network.Message, t.queueSize)
		t.queues[to] = q
		t.wg.Add(1)
		go t.runSender(to, q)
	}
	t.mu.Unlock()

	select {
	case q <- msg:
	default:
		// Queue full: drop the oldest to keep heartbeats flowing.
		select {
		case <-q:
		default:
		}
		select {
		case q <- msg:
		default:
		}
	}
}

func (t *Transport) runSender(to uint64, q chan *network.Message) {
	defer t.wg.Done()

	for {
		select {
		case <-t.stopCh:
			return
		case msg, ok := <-q:
			if !ok {
				return
			}

			t.mu.Lock()
			addr := t.peers[to]
			t.mu.Unlock()
			if addr == "" {
				continue
			}

			ctx, cancel := context.WithTimeout(context.Background(), raftSendTimeout)
			_, err := t.messaging.Invoke(ctx, addr, msg, raftSendTimeout)
			cancel()
			if err != nil {
				slog.Debug("raft message send failed", "to", to, "addr", addr, "error", err)
			}
		}
	}
}

// Drain lets queued messages flush for at most timeout before Stop.
func (t *Transport) Drain(timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	for time.Now().Before(deadline) {
		t.mu.Lock()
		pending := 0
		for _, q := range t.queues {
			pending += len(q)
		}
		t.mu.Unlock()
		if pending == 0 {
			return
		}
		<-ticker.C
	}
}

func (t *Transport) Stop() {
	close(t.stopCh)
	t.wg.Wait()
}
