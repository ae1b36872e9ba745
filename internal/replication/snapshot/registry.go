// Package snapshot tracks outgoing state transfers to lagging replicas. A
// partition cannot be destroyed while a transfer is reading it, so all reads
// go through a per-partition read lock owned by the registry.
package snapshot

import (
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"

	"quartzdb/internal/metrics"
)

// PartitionKey identifies one partition of one table.
type PartitionKey struct {
	TableID        uuid.UUID
	PartitionIndex int
}

func (k PartitionKey) String() string {
	return fmt.Sprintf("%s:%d", k.TableID, k.PartitionIndex)
}

// PartitionSnapshots is the registry entry for one partition. Its lock
// arbitrates between snapshot readers and partition removal.
type PartitionSnapshots struct {
	mu        sync.RWMutex
	snapshots map[uuid.UUID]*OutgoingSnapshot
}

func newPartitionSnapshots() *PartitionSnapshots {
	return &PartitionSnapshots{snapshots: make(map[uuid.UUID]*OutgoingSnapshot)}
}

// AcquireReadLock blocks partition removal until the returned release func is
// called. Snapshot readers hold it for the duration of each read.
func (p *PartitionSnapshots) AcquireReadLock() (release func()) {
	p.mu.RLock()
	return p.mu.RUnlock
}

// AcquireWriteLock blocks until no reader holds the partition. Removal takes
// it before destroying partition state.
func (p *PartitionSnapshots) AcquireWriteLock() (release func()) {
	p.mu.Lock()
	return p.mu.Unlock
}

func (p *PartitionSnapshots) IsEmpty() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.snapshots) == 0
}

func (p *PartitionSnapshots) add(s *OutgoingSnapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.snapshots[s.id] = s
}

func (p *PartitionSnapshots) remove(id uuid.UUID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.snapshots[id]; !ok {
		return false
	}
	delete(p.snapshots, id)
	return true
}

// Manager is the node-wide registry of outgoing snapshots.
type Manager struct {
	partitions *xsync.MapOf[PartitionKey, *PartitionSnapshots]
}

func NewManager() *Manager {
	return &Manager{
		partitions: xsync.NewMapOf[PartitionKey, *PartitionSnapshots](),
	}
}

// PartitionSnapshots returns the registry entry for key, creating it on
// first use. Repeated calls with the same key return the same entry.
func (m *Manager) PartitionSnapshots(key PartitionKey) *PartitionSnapshots {
	ps, _ := m.partitions.LoadOrCompute(key, newPartitionSnapshots)
	return ps
}

// StartOutgoingSnapshot registers a new transfer over the given serialized
// partition state and returns the streaming handle.
func (m *Manager) StartOutgoingSnapshot(id uuid.UUID, key PartitionKey, data []byte) *OutgoingSnapshot {
	ps := m.PartitionSnapshots(key)
	s := &OutgoingSnapshot{
		id:        id,
		key:       key,
		partition: ps,
		data:      data,
	}
	ps.add(s)
	metrics.SnapshotsOutgoing.Inc()
	return s
}

// FinishOutgoingSnapshot removes a transfer. The partition entry is dropped
// once its last transfer finishes. Finishing an unknown transfer is a no-op.
func (m *Manager) FinishOutgoingSnapshot(id uuid.UUID, key PartitionKey) {
	ps, ok := m.partitions.Load(key)
	if !ok {
		return
	}
	if !ps.remove(id) {
		return
	}
	metrics.SnapshotsOutgoing.Dec()

	if ps.IsEmpty() {
		m.partitions.Delete(key)
	}
}

// Ongoing reports how many transfers are in flight for key.
func (m *Manager) Ongoing(key PartitionKey) int {
	ps, ok := m.partitions.Load(key)
	if !ok {
		return 0
	}
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return len(ps.snapshots)
}

// OutgoingSnapshot streams one partition's serialized state in chunks. Each
// read holds the partition read lock so concurrent removal waits.
type OutgoingSnapshot struct {
	id        uuid.UUID
	key       PartitionKey
	partition *PartitionSnapshots

	mu     sync.Mutex
	data   []byte
	offset int
	closed bool
}

func (s *OutgoingSnapshot) ID() uuid.UUID     { return s.id }
func (s *OutgoingSnapshot) Key() PartitionKey { return s.key }

// NextChunk returns up to maxSize bytes of the remaining state, or io.EOF
// once the transfer is exhausted or closed.
func (s *OutgoingSnapshot) NextChunk(maxSize int) ([]byte, error) {
	release := s.partition.AcquireReadLock()
	defer release()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || s.offset >= len(s.data) {
		return nil, io.EOF
	}

	end := s.offset + maxSize
	if end > len(s.data) {
		end = len(s.data)
	}
	chunk := s.data[s.offset:end]
	s.offset = end
	return chunk, nil
}

// Close marks the transfer exhausted. Closing twice is harmless.
func (s *OutgoingSnapshot) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}
