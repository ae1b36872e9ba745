package network

import (
	"log/slog"
	"sync"
)

// Member is one node of the cluster topology.
type Member struct {
	ID      uint64
	Name    string
	Address string
}

// TopologyEventHandler is notified when members join or leave the logical
// topology.
type TopologyEventHandler interface {
	OnAppeared(member Member)
	OnDisappeared(member Member)
}

// TopologyService tracks the current cluster membership. Liveness checks go
// through membership lookups rather than a separate heartbeat: a destination
// is reachable exactly while it is present in the topology.
type TopologyService struct {
	mu       sync.RWMutex
	members  map[uint64]Member
	byAddr   map[string]Member
	handlers []TopologyEventHandler
}

func NewTopologyService() *TopologyService {
	return &TopologyService{
		members: make(map[uint64]Member),
		byAddr:  make(map[string]Member),
	}
}

func (t *TopologyService) AddMember(m Member) {
	t.mu.Lock()
	_, known := t.members[m.ID]
	t.members[m.ID] = m
	t.byAddr[m.Address] = m
	handlers := append([]TopologyEventHandler(nil), t.handlers...)
	t.mu.Unlock()

	if known {
		return
	}

	slog.Info("member appeared", "node_id", m.ID, "name", m.Name, "addr", m.Address)
	for _, h := range handlers {
		h.OnAppeared(m)
	}
}

func (t *TopologyService) RemoveMember(id uint64) {
	t.mu.Lock()
	m, known := t.members[id]
	if known {
		delete(t.members, id)
		delete(t.byAddr, m.Address)
	}
	handlers := append([]TopologyEventHandler(nil), t.handlers...)
	t.mu.Unlock()

	if !known {
		return
	}

	slog.Info("member disappeared", "node_id", m.ID, "name", m.Name)
	for _, h := range handlers {
		h.OnDisappeared(m)
	}
}

func (t *TopologyService) GetByAddress(addr string) (Member, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	m, ok := t.byAddr[addr]
	return m, ok
}

func (t *TopologyService) GetByName(name string) (Member, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, m := range t.members {
		if m.Name == name {
			return m, true
		}
	}
	return Member{}, false
}

func (t *TopologyService) GetByID(id uint64) (Member, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	m, ok := t.members[id]
	return m, ok
}

func (t *TopologyService) Members() []Member {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Member, 0, len(t.members))
	for _, m := range t.members {
		out = append(out, m)
	}
	return out
}

func (t *TopologyService) AddEventHandler(h TopologyEventHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers = append(t.handlers, h)
}
