package exchange

import (
	"errors"
	"testing"
)

type sentBatch struct {
	target string
	id     int64
	last   bool
	rows   []Row
}

type batchRecorder struct {
	batches []sentBatch
	fail    error
}

func (r *batchRecorder) send(target, _ string, id int64, last bool, rows []Row) error {
	if r.fail != nil {
		return r.fail
	}
	r.batches = append(r.batches, sentBatch{target: target, id: id, last: last, rows: rows})
	return nil
}

func TestOutbox_SendsFullBatchesWithinWindow(t *testing.T) {
	rec := &batchRecorder{}
	out := NewOutbox("ex1", []string{"t"}, 2, 2, rec.send, nil)

	if err := out.Push("t", rowsOf("1", "2", "3", "4", "5", "6")); err != nil {
		t.Fatalf("push: %v", err)
	}

	// Three full batches are pending, but the credit window admits two.
	if len(rec.batches) != 2 {
		t.Fatalf("sent %d batches, want 2", len(rec.batches))
	}
	if rec.batches[0].id != 0 || rec.batches[1].id != 1 {
		t.Fatalf("batch ids %d,%d, want 0,1", rec.batches[0].id, rec.batches[1].id)
	}

	out.OnAck("t", 0)
	if len(rec.batches) != 3 {
		t.Fatalf("ack did not resume sending: %d batches", len(rec.batches))
	}
	if rec.batches[2].id != 2 {
		t.Fatalf("resumed batch id=%d, want 2", rec.batches[2].id)
	}
}

func TestOutbox_EndFlagsFinalBatch(t *testing.T) {
	rec := &batchRecorder{}
	out := NewOutbox("ex1", []string{"t"}, 4, 4, rec.send, nil)

	if err := out.Push("t", rowsOf("1", "2")); err != nil {
		t.Fatalf("push: %v", err)
	}
	if len(rec.batches) != 0 {
		t.Fatal("partial batch sent before End")
	}

	if err := out.End(); err != nil {
		t.Fatalf("end: %v", err)
	}

	if len(rec.batches) != 1 {
		t.Fatalf("sent %d batches, want 1", len(rec.batches))
	}
	final := rec.batches[0]
	if !final.last || len(final.rows) != 2 {
		t.Fatalf("final batch last=%v rows=%d, want last with 2 rows", final.last, len(final.rows))
	}
}

func TestOutbox_EndWithoutRowsSendsEmptyFinalBatch(t *testing.T) {
	rec := &batchRecorder{}
	out := NewOutbox("ex1", []string{"t"}, 4, 4, rec.send, nil)

	if err := out.End(); err != nil {
		t.Fatalf("end: %v", err)
	}
	if len(rec.batches) != 1 || !rec.batches[0].last || len(rec.batches[0].rows) != 0 {
		t.Fatalf("expected one empty final batch, got %+v", rec.batches)
	}
}

func TestOutbox_WindowHoldsFinalBatchUntilAck(t *testing.T) {
	rec := &batchRecorder{}
	out := NewOutbox("ex1", []string{"t"}, 2, 1, rec.send, nil)

	if err := out.Push("t", rowsOf("1", "2", "3")); err != nil {
		t.Fatalf("push: %v", err)
	}
	if err := out.End(); err != nil {
		t.Fatalf("end: %v", err)
	}

	// One batch in flight fills the window; the final one waits for an ack.
	if len(rec.batches) != 1 || rec.batches[0].last {
		t.Fatalf("unexpected batches %+v", rec.batches)
	}

	out.OnAck("t", 0)
	if len(rec.batches) != 2 || !rec.batches[1].last {
		t.Fatalf("final batch not released after ack: %+v", rec.batches)
	}
}

func TestOutbox_PushAfterEndRejected(t *testing.T) {
	rec := &batchRecorder{}
	out := NewOutbox("ex1", []string{"t"}, 2, 2, rec.send, nil)

	if err := out.End(); err != nil {
		t.Fatalf("end: %v", err)
	}
	if err := out.Push("t", rowsOf("late")); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestOutbox_UnknownTargetRejected(t *testing.T) {
	out := NewOutbox("ex1", []string{"t"}, 2, 2, (&batchRecorder{}).send, nil)

	if err := out.Push("stranger", rowsOf("1")); err == nil {
		t.Fatal("expected error for unknown target")
	}
}

func TestOutbox_NodeLeftBeforeFinalBatchFails(t *testing.T) {
	var failed error
	rec := &batchRecorder{}
	out := NewOutbox("ex1", []string{"t"}, 2, 2, rec.send, func(err error) { failed = err })

	if err := out.Push("t", rowsOf("1", "2")); err != nil {
		t.Fatalf("push: %v", err)
	}

	out.OnNodeLeft("t")
	if !errors.Is(failed, ErrNodeLeft) {
		t.Fatalf("expected ErrNodeLeft, got %v", failed)
	}
	if err := out.Push("t", rowsOf("3")); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed after failure, got %v", err)
	}
}

func TestOutbox_NodeLeftAfterFinalBatchIgnored(t *testing.T) {
	var failed error
	rec := &batchRecorder{}
	out := NewOutbox("ex1", []string{"t"}, 2, 2, rec.send, func(err error) { failed = err })

	if err := out.End(); err != nil {
		t.Fatalf("end: %v", err)
	}
	out.OnNodeLeft("t")
	if failed != nil {
		t.Fatalf("departure after final batch must be harmless, got %v", failed)
	}
}
