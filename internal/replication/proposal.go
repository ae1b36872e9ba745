package replication

import (
	"encoding/json"
	"fmt"
	"sync/atomic"
)

// proposal wraps a command so the proposing node can recognize its own
// entry when it surfaces in the log and bind the completion closure to the
// entry's now-known index.
type proposal struct {
	ID      uint64          `json:"id"`
	Origin  uint64          `json:"origin"`
	Command json.RawMessage `json:"command"`
}

func encodeProposal(p proposal) ([]byte, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode proposal: %w", err)
	}
	return data, nil
}

func decodeProposal(data []byte) (proposal, error) {
	var p proposal
	if err := json.Unmarshal(data, &p); err != nil {
		return p, fmt.Errorf("decode proposal: %w", err)
	}
	return p, nil
}

// ProposalIDGenerator hands out node-local, strictly increasing proposal ids.
type ProposalIDGenerator struct {
	next atomic.Uint64
}

func (g *ProposalIDGenerator) Next() uint64 {
	return g.next.Add(1)
}
