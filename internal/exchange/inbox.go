// Package exchange moves row streams between nodes with pull-based flow
// control. An outbox on the producing node sends fixed-size batches inside a
// credit window; the consuming inbox sequences them per source, merges the
// sources on demand and acknowledges each batch once fully consumed.
package exchange

import (
	"container/heap"
	"fmt"
	"log/slog"

	"quartzdb/internal/metrics"
)

// Downstream consumes the inbox's merged output.
type Downstream interface {
	// Push hands over consumable rows. It may call Request re-entrantly.
	Push(rows []Row)
	// End signals that every source finished and all rows were delivered.
	End()
	// OnError terminates the exchange.
	OnError(err error)
}

// Inbox merges the batch streams of several sources for one exchange. With a
// comparator the merge is ordered and only makes progress while every
// unfinished source has a consumable row; without one, rows are drained
// round-robin. All methods must run on the exchange executor.
type Inbox struct {
	id         string
	comparator Comparator
	downstream Downstream

	order   []string
	buffers map[string]*buffer

	// rr is the round-robin position for unordered draining.
	rr int

	requested int64
	// inLoop suppresses re-entrant pushes when Downstream.Push calls
	// Request synchronously.
	inLoop bool
	done   bool
}

func NewInbox(id string, sources []string, cmp Comparator, down Downstream, onBatchDone func(source string, batchID int64)) *Inbox {
	in := &Inbox{
		id:         id,
		comparator: cmp,
		downstream: down,
		order:      append([]string(nil), sources...),
		buffers:    make(map[string]*buffer, len(sources)),
	}
	for _, src := range sources {
		in.buffers[src] = newBuffer(src, onBatchDone)
	}
	return in
}

func (in *Inbox) ID() string { return in.id }

// Request asks for up to n more rows. Delivery happens via Downstream.Push
// as rows become consumable.
func (in *Inbox) Request(n int64) {
	if in.done || n <= 0 {
		return
	}
	in.requested += n
	if in.inLoop {
		return
	}
	in.push()
}

// OnBatchReceived feeds one batch from a source into its buffer and resumes
// delivery.
func (in *Inbox) OnBatchReceived(source string, batchID int64, last bool, rows []Row) {
	if in.done {
		return
	}
	buf, ok := in.buffers[source]
	if !ok {
		slog.Warn("batch from unknown source", "exchange", in.id, "source", source)
		return
	}
	buf.offer(batchID, last, rows)
	metrics.ExchangeBatchesTotal.WithLabelValues("received").Inc()

	if !in.inLoop {
		in.push()
	}
}

// OnNodeLeft fails the exchange if the departed node still owed batches. A
// source whose stream already ended is ignored.
func (in *Inbox) OnNodeLeft(node string) {
	if in.done {
		return
	}
	buf, ok := in.buffers[node]
	if !ok {
		return
	}
	if buf.state() == stateEnd {
		return
	}
	in.fail(fmt.Errorf("%w: %s", ErrNodeLeft, node))
}

// OnSendFailed fails the exchange after an ack could not be delivered. The
// source would stall on the missing credit otherwise.
func (in *Inbox) OnSendFailed(err error) {
	if in.done {
		return
	}
	in.fail(err)
}

// Close terminates the exchange without delivering further rows.
func (in *Inbox) Close() {
	in.done = true
}

func (in *Inbox) fail(err error) {
	in.done = true
	in.downstream.OnError(err)
}

func (in *Inbox) push() {
	in.inLoop = true
	defer func() { in.inLoop = false }()

	for in.requested > 0 && !in.done {
		var rows []Row
		if in.comparator != nil {
			rows = in.pollOrdered()
		} else {
			rows = in.pollUnordered()
		}
		if len(rows) == 0 {
			break
		}

		in.requested -= int64(len(rows))
		metrics.ExchangeRowsTotal.Add(float64(len(rows)))
		in.downstream.Push(rows)
	}

	if !in.done && in.allEnded() {
		in.done = true
		in.downstream.End()
	}
}

// pollOrdered merges by comparator. Any unfinished source without a
// consumable row stalls the merge until its next batch arrives.
func (in *Inbox) pollOrdered() []Row {
	h := bufferHeap{cmp: in.comparator}
	for _, src := range in.order {
		switch buf := in.buffers[src]; buf.state() {
		case stateWaiting:
			return nil
		case stateReady:
			h.items = append(h.items, buf)
		}
	}
	if len(h.items) == 0 {
		return nil
	}
	heap.Init(&h)

	var rows []Row
	for int64(len(rows)) < in.requested && h.Len() > 0 {
		buf := h.items[0]
		rows = append(rows, buf.poll())

		switch buf.state() {
		case stateReady:
			heap.Fix(&h, 0)
		case stateEnd:
			heap.Pop(&h)
		case stateWaiting:
			// The source ran dry mid-merge; stop until it catches up.
			return rows
		}
	}
	return rows
}

// pollUnordered drains sources round-robin until the request is satisfied or
// a full cycle makes no progress.
func (in *Inbox) pollUnordered() []Row {
	var rows []Row
	noProgress := 0

	for int64(len(rows)) < in.requested && noProgress < len(in.order) {
		buf := in.buffers[in.order[in.rr]]
		in.rr = (in.rr + 1) % len(in.order)

		if buf.state() == stateReady {
			rows = append(rows, buf.poll())
			noProgress = 0
		} else {
			noProgress++
		}
	}
	return rows
}

func (in *Inbox) allEnded() bool {
	for _, buf := range in.buffers {
		if buf.state() != stateEnd {
			return false
		}
	}
	return true
}

// bufferHeap orders ready buffers by their next row.
type bufferHeap struct {
	cmp   Comparator
	items []*buffer
}

func (h *bufferHeap) Len() int { return len(h.items) }

func (h *bufferHeap) Less(i, j int) bool {
	return h.cmp(h.items[i].peek(), h.items[j].peek()) < 0
}

func (h *bufferHeap) Swap(i, j int) {
	h.items[i], h.items[j] = h.items[j], h.items[i]
}

func (h *bufferHeap) Push(x any) {
	h.items = append(h.items, x.(*buffer))
}

func (h *bufferHeap) Pop() any {
	n := len(h.items)
	item := h.items[n-1]
	h.items = h.items[:n-1]
	return item
}
