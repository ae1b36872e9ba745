package storage

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"quartzdb/internal/hlc"
)

// PartitionStore holds the externally observable state of one partition:
// committed key-value entries plus write intents awaiting transaction
// cleanup.
type PartitionStore struct {
	mu      sync.RWMutex
	data    map[string][]byte
	intents map[uuid.UUID]map[string][]byte

	lastCommitTs hlc.Timestamp
}

func NewPartitionStore() *PartitionStore {
	return &PartitionStore{
		data:    make(map[string][]byte),
		intents: make(map[uuid.UUID]map[string][]byte),
	}
}

func (s *PartitionStore) Get(key string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[key]
	return v, ok
}

func (s *PartitionStore) Put(key string, value []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = value
}

func (s *PartitionStore) Remove(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
}

// PutIntent records a write belonging to an open transaction. The write is
// invisible until the transaction's cleanup command commits it.
func (s *PartitionStore) PutIntent(txID uuid.UUID, key string, value []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.intents[txID]
	if !ok {
		m = make(map[string][]byte)
		s.intents[txID] = m
	}
	m[key] = value
}

// Cleanup resolves all intents of a transaction: committed intents become
// visible entries, aborted intents are dropped.
func (s *PartitionStore) Cleanup(txID uuid.UUID, commit bool, commitTs hlc.Timestamp) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.intents[txID]
	if !ok {
		return 0
	}
	delete(s.intents, txID)

	if !commit {
		return len(m)
	}

	for k, v := range m {
		if v == nil {
			delete(s.data, k)
		} else {
			s.data[k] = v
		}
	}
	if s.lastCommitTs.Before(commitTs) {
		s.lastCommitTs = commitTs
	}
	return len(m)
}

func (s *PartitionStore) LastCommitTimestamp() hlc.Timestamp {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastCommitTs
}

func (s *PartitionStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

// SortedKeys returns the keys with the given prefix in lexicographic order.
// Used to materialize server-side range cursors.
func (s *PartitionStore) SortedKeys(prefix string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

type snapshotState struct {
	Data         map[string][]byte `json:"data"`
	LastCommitTs hlc.Timestamp     `json:"lastCommitTs"`
}

func (s *PartitionStore) Snapshot() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	state := snapshotState{
		Data:         make(map[string][]byte, len(s.data)),
		LastCommitTs: s.lastCommitTs,
	}
	for k, v := range s.data {
		state.Data[k] = v
	}

	return json.Marshal(&state)
}

func (s *PartitionStore) Restore(data []byte) error {
	var state snapshotState
	if err := json.Unmarshal(data, &state); err != nil {
		return fmt.Errorf("unmarshal partition snapshot: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.data = state.Data
	if s.data == nil {
		s.data = make(map[string][]byte)
	}
	s.intents = make(map[uuid.UUID]map[string][]byte)
	s.lastCommitTs = state.LastCommitTs

	return nil
}
