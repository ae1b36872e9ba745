package rpc

import "sync/atomic"

// CorrelationIDGenerator issues monotonically increasing correlation ids,
// scoped to one client instance.
type CorrelationIDGenerator struct {
	ctr atomic.Uint64
}

func NewCorrelationIDGenerator() *CorrelationIDGenerator {
	return &CorrelationIDGenerator{}
}

func (g *CorrelationIDGenerator) Next() uint64 {
	return g.ctr.Add(1)
}
