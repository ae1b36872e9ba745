// Package metastore provides replicated metadata access on top of a
// replication group. Range scans go through remote cursors: the cursor state
// lives in the group's state machine and the client pages through it with
// replicated commands.
package metastore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"

	"quartzdb/internal/command"
	"quartzdb/internal/replication/rpc"
	"quartzdb/internal/storage"
)

// ErrCursorClosed rejects reads on a closed cursor.
var ErrCursorClosed = errors.New("cursor closed")

// CommandRunner executes one encoded command against a replication group and
// returns the apply result.
type CommandRunner interface {
	Run(ctx context.Context, group string, cmd []byte) ([]byte, error)
}

// Cursor iterates a key range held by a remote replication group. The
// server-side cursor is created lazily on first use; entries are fetched in
// batches and served from a local cache between round trips.
type Cursor struct {
	runner    CommandRunner
	group     string
	prefix    string
	batchSize int

	mu          sync.Mutex
	id          uuid.UUID
	initialized bool
	cache       []storage.Entry
	exhausted   bool
	closed      bool
}

func NewCursor(runner CommandRunner, group, prefix string, batchSize int) *Cursor {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Cursor{
		runner:    runner,
		group:     group,
		prefix:    prefix,
		batchSize: batchSize,
	}
}

func (c *Cursor) ensureInit(ctx context.Context) error {
	if c.initialized {
		return nil
	}

	c.id = uuid.New()
	result, err := c.run(ctx, command.CursorInit(c.id, c.prefix))
	if err != nil {
		return fmt.Errorf("init cursor: %w", err)
	}

	var res storage.CursorInitResult
	if err := json.Unmarshal(result, &res); err != nil {
		return fmt.Errorf("decode cursor init result: %w", err)
	}
	if res.CursorID != c.id {
		return fmt.Errorf("cursor id mismatch: sent %s, got %s", c.id, res.CursorID)
	}

	c.initialized = true
	return nil
}

// HasNext reports whether another entry is available, consulting the local
// cache before asking the remote group.
func (c *Cursor) HasNext(ctx context.Context) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false, ErrCursorClosed
	}
	if len(c.cache) > 0 {
		return true, nil
	}
	if c.exhausted {
		return false, nil
	}
	if err := c.ensureInit(ctx); err != nil {
		return false, err
	}

	result, err := c.run(ctx, command.CursorHasNext(c.id))
	if err != nil {
		return false, err
	}

	var res storage.CursorHasNextResult
	if err := json.Unmarshal(result, &res); err != nil {
		return false, fmt.Errorf("decode has-next result: %w", err)
	}
	if !res.HasNext {
		c.exhausted = true
	}
	return res.HasNext, nil
}

// Next returns the next entry, fetching a new batch when the cache runs dry.
// io.EOF signals the end of the range.
func (c *Cursor) Next(ctx context.Context) (storage.Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return storage.Entry{}, ErrCursorClosed
	}

	if len(c.cache) == 0 {
		if c.exhausted {
			return storage.Entry{}, io.EOF
		}
		if err := c.ensureInit(ctx); err != nil {
			return storage.Entry{}, err
		}

		result, err := c.run(ctx, command.CursorNext(c.id, c.batchSize))
		if err != nil {
			return storage.Entry{}, err
		}

		var res storage.CursorNextResult
		if err := json.Unmarshal(result, &res); err != nil {
			return storage.Entry{}, fmt.Errorf("decode next result: %w", err)
		}
		if res.EndOfData || len(res.Items) == 0 {
			c.exhausted = true
			return storage.Entry{}, io.EOF
		}
		c.cache = res.Items
	}

	entry := c.cache[0]
	c.cache = c.cache[1:]
	return entry, nil
}

// Close releases the remote cursor. Closing twice is a no-op, and a node
// already shutting down counts as released.
func (c *Cursor) Close(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	c.cache = nil

	if !c.initialized {
		return nil
	}

	if _, err := c.run(ctx, command.CursorClose(c.id)); err != nil {
		if errors.Is(err, rpc.ErrStopping) {
			return nil
		}
		return fmt.Errorf("close cursor: %w", err)
	}
	return nil
}

func (c *Cursor) run(ctx context.Context, cmd command.Command) ([]byte, error) {
	data, err := command.Encode(cmd)
	if err != nil {
		return nil, err
	}
	return c.runner.Run(ctx, c.group, data)
}
