package exchange

import (
	"fmt"

	"quartzdb/internal/metrics"
)

// SendFunc transmits one batch to a target node.
type SendFunc func(target string, exchangeID string, batchID int64, last bool, rows []Row) error

// Outbox streams rows to consuming nodes in fixed-size batches. Each target
// has a credit window of unacknowledged batches; when the window is full the
// outbox holds rows until the target's inbox consumes a batch and
// acknowledges it. All methods must run on the exchange executor.
type Outbox struct {
	id        string
	batchSize int
	window    int
	send      SendFunc
	onError   func(err error)

	targets map[string]*outboxTarget
	done    bool
}

type outboxTarget struct {
	name      string
	nextID    int64
	unacked   int
	pending   []Row
	finishing bool
	endSent   bool
}

func NewOutbox(id string, targets []string, batchSize, window int, send SendFunc, onError func(error)) *Outbox {
	if batchSize <= 0 {
		batchSize = 256
	}
	if window <= 0 {
		window = 4
	}
	out := &Outbox{
		id:        id,
		batchSize: batchSize,
		window:    window,
		send:      send,
		onError:   onError,
		targets:   make(map[string]*outboxTarget, len(targets)),
	}
	for _, t := range targets {
		out.targets[t] = &outboxTarget{name: t}
	}
	return out
}

func (o *Outbox) ID() string { return o.id }

// Push queues rows for a target and sends as much as the credit window
// allows.
func (o *Outbox) Push(target string, rows []Row) error {
	if o.done {
		return ErrClosed
	}
	t, ok := o.targets[target]
	if !ok {
		return fmt.Errorf("unknown exchange target %q", target)
	}
	if t.finishing {
		return ErrClosed
	}
	t.pending = append(t.pending, rows...)
	return o.flush(t)
}

// End marks every target's stream finished. The final batch carries the last
// flag, possibly with zero rows.
func (o *Outbox) End() error {
	if o.done {
		return ErrClosed
	}
	for _, t := range o.targets {
		t.finishing = true
		if err := o.flush(t); err != nil {
			return err
		}
	}
	return nil
}

// OnAck returns one batch's credit and resumes sending to the target.
func (o *Outbox) OnAck(target string, batchID int64) {
	if o.done {
		return
	}
	t, ok := o.targets[target]
	if !ok {
		return
	}
	if t.unacked > 0 {
		t.unacked--
	}
	if err := o.flush(t); err != nil {
		o.fail(err)
	}
}

// OnNodeLeft fails the outbox if the departed node had not received its
// final batch.
func (o *Outbox) OnNodeLeft(node string) {
	if o.done {
		return
	}
	t, ok := o.targets[node]
	if !ok || t.endSent {
		return
	}
	o.fail(fmt.Errorf("%w: %s", ErrNodeLeft, node))
}

// OnSendFailed fails the outbox after an in-flight batch could not be
// delivered.
func (o *Outbox) OnSendFailed(err error) {
	if o.done {
		return
	}
	o.fail(err)
}

func (o *Outbox) Close() {
	o.done = true
}

func (o *Outbox) fail(err error) {
	o.done = true
	if o.onError != nil {
		o.onError(err)
	}
}

func (o *Outbox) flush(t *outboxTarget) error {
	for t.unacked < o.window && !t.endSent {
		var rows []Row
		last := false

		switch {
		case len(t.pending) >= o.batchSize:
			rows = t.pending[:o.batchSize:o.batchSize]
			t.pending = t.pending[o.batchSize:]
			last = t.finishing && len(t.pending) == 0
		case t.finishing:
			rows = t.pending
			t.pending = nil
			last = true
		default:
			return nil
		}

		id := t.nextID
		t.nextID++
		if last {
			t.endSent = true
		}

		if err := o.send(t.name, o.id, id, last, rows); err != nil {
			return fmt.Errorf("send batch %d to %s: %w", id, t.name, err)
		}
		t.unacked++
		metrics.ExchangeBatchesTotal.WithLabelValues("sent").Inc()
	}
	return nil
}
