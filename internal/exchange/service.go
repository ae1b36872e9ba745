package exchange

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"quartzdb/internal/metrics"
	"quartzdb/internal/network"
	"quartzdb/internal/replication/rpc"
)

const (
	MsgTypeBatch = "exchange.batch"
	MsgTypeAck   = "exchange.ack"

	sendTimeout = 10 * time.Second
)

// BatchMessage carries one outbox batch over the wire.
type BatchMessage struct {
	ExchangeID string `json:"exchangeId"`
	BatchID    int64  `json:"batchId"`
	Last       bool   `json:"last"`
	Rows       []Row  `json:"rows,omitempty"`
}

type AckMessage struct {
	ExchangeID string `json:"exchangeId"`
	BatchID    int64  `json:"batchId"`
}

// Service owns the node's inboxes and outboxes, routes their wire traffic
// and feeds topology departures into every open exchange.
type Service struct {
	localName string
	batchSize int
	window    int
	client    *rpc.Client
	topology  *network.TopologyService
	exec      *Executor

	inboxes  *xsync.MapOf[string, *Inbox]
	outboxes *xsync.MapOf[string, *Outbox]
}

type ServiceConfig struct {
	LocalName string
	// BatchSize and CreditWindow apply to every outbox the service opens.
	// Zero falls back to the outbox defaults.
	BatchSize    int
	CreditWindow int
}

func NewService(cfg ServiceConfig, client *rpc.Client, topology *network.TopologyService, exec *Executor) *Service {
	s := &Service{
		localName: cfg.LocalName,
		batchSize: cfg.BatchSize,
		window:    cfg.CreditWindow,
		client:    client,
		topology:  topology,
		exec:      exec,
		inboxes:   xsync.NewMapOf[string, *Inbox](),
		outboxes:  xsync.NewMapOf[string, *Outbox](),
	}
	topology.AddEventHandler(s)
	return s
}

// RegisterHandlers wires the exchange message types into the node's server.
func (s *Service) RegisterHandlers(srv *network.Server) {
	srv.RegisterHandler(MsgTypeBatch, s.handleBatch)
	srv.RegisterHandler(MsgTypeAck, s.handleAck)
}

// CreateInbox opens the consuming side of an exchange. Batch acks go back to
// each source as its batches are consumed.
func (s *Service) CreateInbox(id string, sources []string, cmp Comparator, down Downstream) *Inbox {
	in := NewInbox(id, sources, cmp, down, func(source string, batchID int64) {
		s.sendAck(source, id, batchID)
	})
	s.inboxes.Store(id, in)
	return in
}

// CreateOutbox opens the producing side of an exchange with the service's
// configured batch size and credit window.
func (s *Service) CreateOutbox(id string, targets []string, onError func(error)) *Outbox {
	out := NewOutbox(id, targets, s.batchSize, s.window, s.sendBatch, onError)
	s.outboxes.Store(id, out)
	return out
}

func (s *Service) CloseInbox(id string) {
	if in, ok := s.inboxes.LoadAndDelete(id); ok {
		s.exec.Execute(in.Close)
	}
}

func (s *Service) CloseOutbox(id string) {
	if out, ok := s.outboxes.LoadAndDelete(id); ok {
		s.exec.Execute(out.Close)
	}
}

// Alive reports whether a node is still part of the topology.
func (s *Service) Alive(node string) bool {
	_, ok := s.topology.GetByName(node)
	return ok
}

// Execute runs fn on the exchange executor. Callers use it to drive inbox
// and outbox methods from outside the exchange's own callbacks.
func (s *Service) Execute(fn func()) {
	s.exec.Execute(fn)
}

func (s *Service) handleBatch(_ context.Context, msg *network.Message) (*network.Message, error) {
	var bm BatchMessage
	if err := msg.DecodePayload(&bm); err != nil {
		return nil, fmt.Errorf("decode batch: %w", err)
	}

	in, ok := s.inboxes.Load(bm.ExchangeID)
	if !ok {
		return nil, fmt.Errorf("no inbox for exchange %q", bm.ExchangeID)
	}

	source := msg.Sender
	s.exec.Execute(func() {
		in.OnBatchReceived(source, bm.BatchID, bm.Last, bm.Rows)
	})
	return nil, nil
}

func (s *Service) handleAck(_ context.Context, msg *network.Message) (*network.Message, error) {
	var am AckMessage
	if err := msg.DecodePayload(&am); err != nil {
		return nil, fmt.Errorf("decode ack: %w", err)
	}

	out, ok := s.outboxes.Load(am.ExchangeID)
	if !ok {
		// The outbox may have closed after its final batch; acks for it
		// are harmless.
		return nil, nil
	}

	target := msg.Sender
	s.exec.Execute(func() {
		out.OnAck(target, am.BatchID)
	})
	return nil, nil
}

func (s *Service) sendBatch(target, exchangeID string, batchID int64, last bool, rows []Row) error {
	member, ok := s.topology.GetByName(target)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNodeLeft, target)
	}

	msg, err := network.NewMessage(MsgTypeBatch, s.localName, BatchMessage{
		ExchangeID: exchangeID,
		BatchID:    batchID,
		Last:       last,
		Rows:       rows,
	})
	if err != nil {
		return err
	}

	// The callback runs on the exchange executor so the failure is applied
	// under the same serialization as every other outbox transition.
	s.client.InvokeAsync(context.Background(), member.Address, msg, s.exec.Execute, sendTimeout,
		func(_ *network.Message, err error) {
			if err == nil {
				return
			}
			slog.Warn("batch delivery failed",
				"exchange", exchangeID, "target", target, "batch", batchID, "error", err)
			s.failOutbox(exchangeID, fmt.Errorf("deliver batch %d to %s: %w", batchID, target, err))
		})
	return nil
}

// failOutbox runs on the exchange executor. The lost batch's credit would
// never return, so the stream cannot make progress.
func (s *Service) failOutbox(id string, cause error) {
	if out, ok := s.outboxes.Load(id); ok {
		out.OnSendFailed(cause)
	}
}

func (s *Service) sendAck(source, exchangeID string, batchID int64) {
	member, ok := s.topology.GetByName(source)
	if !ok {
		return
	}

	msg, err := network.NewMessage(MsgTypeAck, s.localName, AckMessage{
		ExchangeID: exchangeID,
		BatchID:    batchID,
	})
	if err != nil {
		slog.Error("failed to build ack", "exchange", exchangeID, "error", err)
		return
	}

	metrics.ExchangeAcksTotal.Inc()
	s.client.InvokeAsync(context.Background(), member.Address, msg, s.exec.Execute, sendTimeout,
		func(_ *network.Message, err error) {
			if err == nil {
				return
			}
			slog.Warn("ack delivery failed",
				"exchange", exchangeID, "source", source, "batch", batchID, "error", err)
			s.failInbox(exchangeID, fmt.Errorf("ack batch %d to %s: %w", batchID, source, err))
		})
}

// failInbox runs on the exchange executor. A lost ack stalls the source on a
// missing credit, so the inbox surfaces the failure instead of hanging.
func (s *Service) failInbox(id string, cause error) {
	if in, ok := s.inboxes.Load(id); ok {
		in.OnSendFailed(cause)
	}
}

// OnAppeared implements network.TopologyEventHandler.
func (s *Service) OnAppeared(network.Member) {}

// OnDisappeared fails every exchange still expecting traffic from the
// departed node.
func (s *Service) OnDisappeared(m network.Member) {
	s.inboxes.Range(func(_ string, in *Inbox) bool {
		s.exec.Execute(func() { in.OnNodeLeft(m.Name) })
		return true
	})
	s.outboxes.Range(func(_ string, out *Outbox) bool {
		s.exec.Execute(func() { out.OnNodeLeft(m.Name) })
		return true
	})
}

// Stop closes every open exchange and stops the executor.
func (s *Service) Stop() {
	s.inboxes.Range(func(id string, in *Inbox) bool {
		s.exec.Execute(in.Close)
		s.inboxes.Delete(id)
		return true
	})
	s.outboxes.Range(func(id string, out *Outbox) bool {
		s.exec.Execute(out.Close)
		s.outboxes.Delete(id)
		return true
	})
	s.exec.Stop()
}
