package fsm

import (
	"fmt"
	"sync"

	"quartzdb/internal/metrics"
)

// Closure is invoked exactly once when the log entry it was registered for
// has been applied, or when the group can no longer make progress.
type Closure func(result []byte, err error)

// ClosureQueue holds the pending completion callbacks of proposed entries,
// keyed by log index. Indices are appended in strictly increasing order and
// fired in the same order as entries are applied.
type ClosureQueue struct {
	mu        sync.Mutex
	firstIdx  uint64
	pending   []Closure
	indexes   []uint64
	failedErr error
}

func NewClosureQueue() *ClosureQueue {
	return &ClosureQueue{}
}

// Append registers a closure for the entry at the given log index. The index
// must be greater than any previously appended index. If the queue has
// already been failed the closure fires immediately with the stored error.
func (q *ClosureQueue) Append(index uint64, c Closure) error {
	q.mu.Lock()
	if q.failedErr != nil {
		err := q.failedErr
		q.mu.Unlock()
		c(nil, err)
		return nil
	}
	if n := len(q.indexes); n > 0 && index <= q.indexes[n-1] {
		q.mu.Unlock()
		return fmt.Errorf("closure index %d not after %d", index, q.indexes[n-1])
	}
	if len(q.indexes) == 0 {
		q.firstIdx = index
	}
	q.indexes = append(q.indexes, index)
	q.pending = append(q.pending, c)
	q.mu.Unlock()
	return nil
}

// OnApplied fires, in registration order, every closure whose index is at
// most appliedIndex. Closures are invoked outside the lock.
func (q *ClosureQueue) OnApplied(appliedIndex uint64, results map[uint64][]byte) {
	q.mu.Lock()
	var fired []Closure
	var firedIdx []uint64
	for len(q.indexes) > 0 && q.indexes[0] <= appliedIndex {
		fired = append(fired, q.pending[0])
		firedIdx = append(firedIdx, q.indexes[0])
		q.pending = q.pending[1:]
		q.indexes = q.indexes[1:]
	}
	q.mu.Unlock()

	for i, c := range fired {
		c(results[firedIdx[i]], nil)
		metrics.ClosuresFiredTotal.Inc()
	}
}

// FailAll fails every pending closure with err and makes the queue reject
// future appends with the same error.
func (q *ClosureQueue) FailAll(err error) {
	q.mu.Lock()
	fired := q.pending
	q.pending = nil
	q.indexes = nil
	q.failedErr = err
	q.mu.Unlock()

	for _, c := range fired {
		c(nil, err)
	}
}

// Len reports how many closures are waiting.
func (q *ClosureQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}
