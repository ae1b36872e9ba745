// Package rpc implements the invoke-with-timeout client used by the
// replication and query layers. Every invocation resolves exactly once:
// with a response, a translated remoting error, or a timeout error enforced
// by the client's own timer regardless of transport behavior.
package rpc

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"quartzdb/internal/metrics"
	"quartzdb/internal/network"
)

// Executor runs completion callbacks. Callbacks are never invoked inline on
// the transport goroutine: a callback issuing further network calls must not
// be able to deadlock the transport.
type Executor func(fn func())

// GoExecutor runs each callback on its own goroutine.
func GoExecutor(fn func()) { go fn() }

// Callback receives the single resolution of a call.
type Callback func(resp *network.Message, err error)

// Predicate selects messages by content and destination for recording or
// blocking.
type Predicate func(msg *network.Message, dest string) bool

// RecordedMessage is one message observed by a record predicate.
type RecordedMessage struct {
	Msg           *network.Message
	Dest          string
	CorrelationID uint64
	At            time.Time
}

type blockedMessage struct {
	RecordedMessage
	send func()
}

// Call is the handle for one in-flight invocation.
type Call struct {
	done     chan struct{}
	resolved atomic.Bool

	resp *network.Message
	err  error
}

// Await blocks until the call resolves or the context is cancelled.
func (c *Call) Await(ctx context.Context) (*network.Message, error) {
	select {
	case <-c.done:
		return c.resp, c.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Client sends correlated requests over the messaging substrate.
type Client struct {
	messaging network.MessagingService
	topology  *network.TopologyService
	sender    string

	idGen    *CorrelationIDGenerator
	stopping atomic.Bool

	mu         sync.Mutex
	recordPred Predicate
	blockPred  Predicate
	recorded   []RecordedMessage
	blocked    []blockedMessage
}

func NewClient(messaging network.MessagingService, topology *network.TopologyService, sender string) *Client {
	return &Client{
		messaging: messaging,
		topology:  topology,
		sender:    sender,
		idGen:     NewCorrelationIDGenerator(),
	}
}

// CheckConnection reports whether the destination is currently part of the
// cluster topology. No separate heartbeat is maintained.
func (c *Client) CheckConnection(addr string) bool {
	_, ok := c.topology.GetByAddress(addr)
	return ok
}

// Topology exposes the client's membership view for event registration.
func (c *Client) Topology() *network.TopologyService {
	return c.topology
}

// InvokeAsync sends the request to dest and arranges for cb to run exactly
// once on exec: with the response, with ErrInvokeTimeout after timeout, or
// with a wrapped ErrRemoting on transport failure. The timeout timer is
// armed before any transport interaction, so a request that never gets a
// transport-level response still resolves.
func (c *Client) InvokeAsync(
	ctx context.Context,
	dest string,
	msg *network.Message,
	exec Executor,
	timeout time.Duration,
	cb Callback,
) *Call {
	call := &Call{done: make(chan struct{})}

	if exec == nil {
		exec = GoExecutor
	}

	corrID := c.idGen.Next()
	msg.CorrelationID = corrID
	if msg.Sender == "" {
		msg.Sender = c.sender
	}

	if c.stopping.Load() {
		c.resolve(call, nil, ErrStopping, exec, cb, time.Now())
		return call
	}

	start := time.Now()

	timer := time.AfterFunc(timeout, func() {
		c.resolve(call, nil, ErrInvokeTimeout, exec, cb, start)
	})

	c.maybeRecord(msg, dest, corrID)

	doSend := func() {
		go func() {
			resp, err := c.messaging.Invoke(ctx, dest, msg, timeout)
			if err != nil {
				err = fmt.Errorf("%w: %v", ErrRemoting, err)
			} else {
				c.maybeRecord(resp, dest, corrID)
			}
			timer.Stop()
			c.resolve(call, resp, err, exec, cb, start)
		}()
	}

	c.mu.Lock()
	if c.blockPred != nil && c.blockPred(msg, dest) {
		c.blocked = append(c.blocked, blockedMessage{
			RecordedMessage: RecordedMessage{Msg: msg, Dest: dest, CorrelationID: corrID, At: time.Now()},
			send:            doSend,
		})
		metrics.RPCBlockedMessages.Set(float64(len(c.blocked)))
		c.mu.Unlock()

		slog.Info("blocked outbound message", "dest", dest, "correlation_id", corrID, "type", msg.Type)
		return call
	}
	c.mu.Unlock()

	doSend()
	return call
}

// Invoke is the synchronous form of InvokeAsync.
func (c *Client) Invoke(ctx context.Context, dest string, msg *network.Message, timeout time.Duration) (*network.Message, error) {
	call := c.InvokeAsync(ctx, dest, msg, GoExecutor, timeout, nil)
	return call.Await(ctx)
}

func (c *Client) resolve(call *Call, resp *network.Message, err error, exec Executor, cb Callback, start time.Time) {
	if !call.resolved.CompareAndSwap(false, true) {
		// A late response after timeout, or a timeout racing the response.
		return
	}

	call.resp = resp
	call.err = err
	close(call.done)

	switch {
	case err == nil:
		metrics.RPCInvocationsTotal.WithLabelValues("success").Inc()
	case err == ErrInvokeTimeout:
		metrics.RPCInvocationsTotal.WithLabelValues("timeout").Inc()
	case err == ErrStopping:
		metrics.RPCInvocationsTotal.WithLabelValues("stopping").Inc()
	default:
		metrics.RPCInvocationsTotal.WithLabelValues("error").Inc()
	}
	metrics.RPCInvokeDuration.Observe(time.Since(start).Seconds())

	if cb != nil {
		exec(func() { cb(resp, err) })
	}
}

// Stop fails all future invocations fast with ErrStopping. In-flight calls
// still resolve through their timers.
func (c *Client) Stop() {
	c.stopping.Store(true)
}

// RecordMessages captures messages matching the predicate, outbound and
// inbound, in arrival order.
func (c *Client) RecordMessages(pred Predicate) {
	c.mu.Lock()
	c.recordPred = pred
	c.mu.Unlock()
}

func (c *Client) StopRecord() {
	c.mu.Lock()
	c.recordPred = nil
	c.mu.Unlock()
}

func (c *Client) RecordedMessages() []RecordedMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]RecordedMessage(nil), c.recorded...)
}

func (c *Client) maybeRecord(msg *network.Message, dest string, corrID uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.recordPred != nil && c.recordPred(msg, dest) {
		c.recorded = append(c.recorded, RecordedMessage{
			Msg: msg, Dest: dest, CorrelationID: corrID, At: time.Now(),
		})
	}
}

// BlockMessages defers the actual send of matching messages until released.
// Blocked calls still observe their timeout.
func (c *Client) BlockMessages(pred Predicate) {
	c.mu.Lock()
	c.blockPred = pred
	c.mu.Unlock()
}

// StopBlock clears the block predicate and replays every blocked message in
// original arrival order.
func (c *Client) StopBlock() {
	c.mu.Lock()
	msgs := c.blocked
	c.blocked = nil
	c.blockPred = nil
	metrics.RPCBlockedMessages.Set(0)
	c.mu.Unlock()

	for _, m := range msgs {
		slog.Info("unblocked message", "dest", m.Dest, "correlation_id", m.CorrelationID)
		m.send()
	}
}

// StopBlockCount releases the first n blocked messages in arrival order,
// leaving the rest blocked and the predicate in place.
func (c *Client) StopBlockCount(n int) {
	c.mu.Lock()
	if n < 0 {
		n = 0
	}
	if n > len(c.blocked) {
		n = len(c.blocked)
	}
	msgs := c.blocked[:n]
	c.blocked = append([]blockedMessage(nil), c.blocked[n:]...)
	metrics.RPCBlockedMessages.Set(float64(len(c.blocked)))
	c.mu.Unlock()

	for _, m := range msgs {
		slog.Info("unblocked message", "dest", m.Dest, "correlation_id", m.CorrelationID)
		m.send()
	}
}

// BlockedMessages returns a snapshot of currently blocked messages.
func (c *Client) BlockedMessages() []RecordedMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]RecordedMessage, 0, len(c.blocked))
	for _, m := range c.blocked {
		out = append(out, m.RecordedMessage)
	}
	return out
}
