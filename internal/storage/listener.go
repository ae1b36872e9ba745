package storage

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"quartzdb/internal/command"
	"quartzdb/internal/metrics"
)

// Entry is one key-value pair returned through a cursor.
type Entry struct {
	Key   string `json:"key"`
	Value []byte `json:"value"`
}

// CursorInitResult acknowledges cursor creation.
type CursorInitResult struct {
	CursorID uuid.UUID `json:"cursorId"`
}

// CursorHasNextResult reports whether a cursor has more entries.
type CursorHasNextResult struct {
	HasNext bool `json:"hasNext"`
}

// CursorNextResult carries a batch of entries. EndOfData is set when the
// cursor was already exhausted and no entries remain.
type CursorNextResult struct {
	Items     []Entry `json:"items,omitempty"`
	EndOfData bool    `json:"endOfData,omitempty"`
}

type rangeCursor struct {
	keys []string
	pos  int
}

// PartitionListener applies committed commands to a partition store. It is
// the state machine behind one replication group: Apply is only ever invoked
// from that group's apply pipeline, strictly in log order.
type PartitionListener struct {
	store *PartitionStore

	cursorMu sync.Mutex
	cursors  map[uuid.UUID]*rangeCursor
}

func NewPartitionListener(store *PartitionStore) *PartitionListener {
	return &PartitionListener{
		store:   store,
		cursors: make(map[uuid.UUID]*rangeCursor),
	}
}

func (l *PartitionListener) Store() *PartitionStore { return l.store }

func (l *PartitionListener) Apply(data []byte) ([]byte, error) {
	cmd, err := command.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("decode committed command: %w", err)
	}

	switch cmd.Kind {
	case command.KindPut:
		if cmd.TxID != uuid.Nil {
			l.store.PutIntent(cmd.TxID, cmd.Key, cmd.Value)
		} else {
			l.store.Put(cmd.Key, cmd.Value)
		}
		return nil, nil

	case command.KindRemove:
		if cmd.TxID != uuid.Nil {
			l.store.PutIntent(cmd.TxID, cmd.Key, nil)
		} else {
			l.store.Remove(cmd.Key)
		}
		return nil, nil

	case command.KindTxCleanup:
		l.store.Cleanup(cmd.TxID, cmd.Commit, cmd.CommitTimestamp)
		return nil, nil

	case command.KindCursorInit:
		return l.cursorInit(cmd)

	case command.KindCursorHasNext:
		metrics.CursorCommandsTotal.WithLabelValues("has-next").Inc()
		return l.cursorHasNext(cmd)

	case command.KindCursorNext:
		metrics.CursorCommandsTotal.WithLabelValues("next").Inc()
		return l.cursorNext(cmd)

	case command.KindCursorClose:
		metrics.CursorCommandsTotal.WithLabelValues("close").Inc()
		return l.cursorClose(cmd)

	default:
		return nil, fmt.Errorf("unsupported command kind %d", cmd.Kind)
	}
}

func (l *PartitionListener) cursorInit(cmd command.Command) ([]byte, error) {
	metrics.CursorCommandsTotal.WithLabelValues("init").Inc()

	l.cursorMu.Lock()
	l.cursors[cmd.CursorID] = &rangeCursor{keys: l.store.SortedKeys(cmd.Prefix)}
	l.cursorMu.Unlock()

	return json.Marshal(&CursorInitResult{CursorID: cmd.CursorID})
}

func (l *PartitionListener) cursorHasNext(cmd command.Command) ([]byte, error) {
	l.cursorMu.Lock()
	cur, ok := l.cursors[cmd.CursorID]
	l.cursorMu.Unlock()

	hasNext := ok && cur.pos < len(cur.keys)
	return json.Marshal(&CursorHasNextResult{HasNext: hasNext})
}

func (l *PartitionListener) cursorNext(cmd command.Command) ([]byte, error) {
	l.cursorMu.Lock()
	cur, ok := l.cursors[cmd.CursorID]
	l.cursorMu.Unlock()

	if !ok {
		return nil, fmt.Errorf("cursor %s not found", cmd.CursorID)
	}

	if cur.pos >= len(cur.keys) {
		return json.Marshal(&CursorNextResult{EndOfData: true})
	}

	batchSize := cmd.BatchSize
	if batchSize <= 0 {
		batchSize = 1
	}

	items := make([]Entry, 0, batchSize)
	for cur.pos < len(cur.keys) && len(items) < batchSize {
		key := cur.keys[cur.pos]
		cur.pos++

		// Entries removed since the cursor materialized are skipped.
		if v, found := l.store.Get(key); found {
			items = append(items, Entry{Key: key, Value: v})
		}
	}

	if len(items) == 0 {
		return json.Marshal(&CursorNextResult{EndOfData: true})
	}

	return json.Marshal(&CursorNextResult{Items: items})
}

func (l *PartitionListener) cursorClose(cmd command.Command) ([]byte, error) {
	l.cursorMu.Lock()
	delete(l.cursors, cmd.CursorID)
	l.cursorMu.Unlock()

	return nil, nil
}
