// Package fsm drives command application for one replication group. A single
// consumer goroutine pulls batches of committed entries off a bounded queue
// and applies them to the state machine, so application is strictly ordered
// and never concurrent within a group.
package fsm

import (
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"go.etcd.io/raft/v3/raftpb"

	"quartzdb/internal/metrics"
)

// StateMachine is the replicated state a group applies committed commands to.
type StateMachine interface {
	// Apply executes one committed command and returns its result. An error
	// means the state machine diverged and the group must stop.
	Apply(data []byte) ([]byte, error)
}

type taskKind int

const (
	taskApply taskKind = iota
	taskShutdown
)

type task struct {
	kind    taskKind
	entries []raftpb.Entry
}

// Caller owns the apply pipeline of one group.
type Caller struct {
	groupID string
	sm      StateMachine
	queue   *ClosureQueue

	// onConfChange applies a committed configuration change to the
	// consensus engine. onApplied reports the new applied index after each
	// batch. onFatal fires once when application fails.
	onConfChange func(raftpb.ConfChange)
	onApplied    func(index uint64)
	onFatal      func(err error)

	tasks   chan task
	done    chan struct{}
	faulted atomic.Bool
	stopped atomic.Bool
}

type CallerConfig struct {
	GroupID      string
	StateMachine StateMachine
	Queue        *ClosureQueue
	QueueDepth   int
	OnConfChange func(raftpb.ConfChange)
	OnApplied    func(index uint64)
	OnFatal      func(err error)
}

func NewCaller(cfg CallerConfig) *Caller {
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 256
	}
	c := &Caller{
		groupID:      cfg.GroupID,
		sm:           cfg.StateMachine,
		queue:        cfg.Queue,
		onConfChange: cfg.OnConfChange,
		onApplied:    cfg.OnApplied,
		onFatal:      cfg.OnFatal,
		tasks:        make(chan task, cfg.QueueDepth),
		done:         make(chan struct{}),
	}
	go c.run()
	return c
}

// OnCommitted enqueues a batch of committed entries for application. Batches
// are applied in submission order by the single consumer.
func (c *Caller) OnCommitted(entries []raftpb.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	if c.stopped.Load() {
		return ErrCallerStopped
	}
	c.tasks <- task{kind: taskApply, entries: entries}
	metrics.ApplyTasksQueued.WithLabelValues(c.groupID).Inc()
	return nil
}

// Shutdown enqueues the stop sentinel and waits until the consumer has
// drained every task submitted before it.
func (c *Caller) Shutdown() {
	if c.stopped.Swap(true) {
		<-c.done
		return
	}
	c.tasks <- task{kind: taskShutdown}
	<-c.done
}

// Faulted reports whether a state machine apply has failed.
func (c *Caller) Faulted() bool {
	return c.faulted.Load()
}

func (c *Caller) run() {
	defer close(c.done)

	for t := range c.tasks {
		switch t.kind {
		case taskShutdown:
			return
		case taskApply:
			metrics.ApplyTasksQueued.WithLabelValues(c.groupID).Dec()
			if c.faulted.Load() {
				continue
			}
			c.applyBatch(t.entries)
		}
	}
}

func (c *Caller) applyBatch(entries []raftpb.Entry) {
	start := time.Now()
	results := make(map[uint64][]byte)
	lastIndex := uint64(0)

	for _, e := range entries {
		switch e.Type {
		case raftpb.EntryConfChange:
			var cc raftpb.ConfChange
			if err := cc.Unmarshal(e.Data); err != nil {
				c.fault(fmt.Errorf("unmarshal conf change at index %d: %w", e.Index, err))
				return
			}
			if c.onConfChange != nil {
				c.onConfChange(cc)
			}

		case raftpb.EntryNormal:
			if len(e.Data) == 0 {
				break
			}
			res, err := c.sm.Apply(e.Data)
			if err != nil {
				c.fault(fmt.Errorf("apply entry %d: %w", e.Index, err))
				return
			}
			results[e.Index] = res
			metrics.AppliedEntriesTotal.WithLabelValues("ok").Inc()
		}
		lastIndex = e.Index
	}

	metrics.ApplyDuration.Observe(time.Since(start).Seconds())

	if c.queue != nil && lastIndex > 0 {
		c.queue.OnApplied(lastIndex, results)
	}
	if c.onApplied != nil && lastIndex > 0 {
		c.onApplied(lastIndex)
	}
}

func (c *Caller) fault(cause error) {
	if c.faulted.Swap(true) {
		return
	}
	slog.Error("state machine apply failed, group faulted",
		"group", c.groupID,
		"error", cause,
	)
	metrics.GroupsFaulted.Inc()
	if c.queue != nil {
		c.queue.FailAll(fmt.Errorf("%w: %v", ErrGroupFaulted, cause))
	}
	if c.onFatal != nil {
		c.onFatal(cause)
	}
}
