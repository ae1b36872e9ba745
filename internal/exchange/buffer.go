package exchange

import "quartzdb/internal/metrics"

// Row is one opaque exchange row. A Comparator orders rows for merging
// sorted streams; nil means arrival order.
type Row []byte

type Comparator func(a, b Row) int

type bufferState int

const (
	// stateReady means a row is available to consume right now.
	stateReady bufferState = iota
	// stateWaiting means the next in-sequence batch has not arrived.
	stateWaiting
	// stateEnd means the source's final batch has been fully consumed.
	stateEnd
)

type batch struct {
	id   int64
	last bool
	rows []Row
	pos  int
}

// buffer sequences one source's batches. Batches carry consecutive ids
// starting at 0 and may arrive out of order; rows are only consumable once
// every earlier batch has been consumed.
type buffer struct {
	source string

	// lastEnqueued is the id of the newest batch admitted to the in-order
	// queue. Later arrivals stage in pending until their turn.
	lastEnqueued int64
	pending      map[int64]*batch
	queue        []*batch
	ended        bool

	// onBatchDone fires exactly once per batch, after its last row is
	// consumed. The source interprets it as permission to send more.
	onBatchDone func(source string, batchID int64)
}

func newBuffer(source string, onBatchDone func(source string, batchID int64)) *buffer {
	return &buffer{
		source:       source,
		lastEnqueued: -1,
		pending:      make(map[int64]*batch),
		onBatchDone:  onBatchDone,
	}
}

// offer admits one received batch. In-sequence batches enter the queue
// immediately, together with any staged successors they unblock.
func (b *buffer) offer(id int64, last bool, rows []Row) {
	nb := &batch{id: id, last: last, rows: rows}

	if id != b.lastEnqueued+1 {
		b.pending[id] = nb
		metrics.ExchangeBufferedBatches.Inc()
		return
	}

	b.enqueue(nb)
	for {
		next, ok := b.pending[b.lastEnqueued+1]
		if !ok {
			break
		}
		delete(b.pending, next.id)
		metrics.ExchangeBufferedBatches.Dec()
		b.enqueue(next)
	}
}

func (b *buffer) enqueue(nb *batch) {
	b.lastEnqueued = nb.id
	b.queue = append(b.queue, nb)
	// An empty final batch ends the source with no row to consume.
	b.trim()
}

// trim drops exhausted batches off the queue front, firing their done
// callbacks and latching the end state.
func (b *buffer) trim() {
	for len(b.queue) > 0 && b.queue[0].pos >= len(b.queue[0].rows) {
		done := b.queue[0]
		b.queue = b.queue[1:]
		if done.last {
			b.ended = true
		}
		b.onBatchDone(b.source, done.id)
	}
}

func (b *buffer) state() bufferState {
	if len(b.queue) > 0 {
		return stateReady
	}
	if b.ended {
		return stateEnd
	}
	return stateWaiting
}

// peek returns the next consumable row. Only valid in stateReady.
func (b *buffer) peek() Row {
	head := b.queue[0]
	return head.rows[head.pos]
}

// poll consumes and returns the next row. Only valid in stateReady.
func (b *buffer) poll() Row {
	head := b.queue[0]
	row := head.rows[head.pos]
	head.pos++
	b.trim()
	return row
}
