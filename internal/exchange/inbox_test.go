package exchange

import (
	"bytes"
	"errors"
	"testing"
)

type fakeDownstream struct {
	rows  []Row
	ended bool
	err   error

	// requestMore re-requests rows from inside Push to exercise the
	// re-entrancy guard.
	requestMore func(n int64)
}

func (d *fakeDownstream) Push(rows []Row) {
	d.rows = append(d.rows, rows...)
	if d.requestMore != nil {
		d.requestMore(int64(len(rows)))
	}
}

func (d *fakeDownstream) End()              { d.ended = true }
func (d *fakeDownstream) OnError(err error) { d.err = err }

type ackRecorder struct {
	acks []string
}

func (a *ackRecorder) record(source string, batchID int64) {
	a.acks = append(a.acks, source+"#"+string(rune('0'+batchID)))
}

func rowsOf(vals ...string) []Row {
	rows := make([]Row, len(vals))
	for i, v := range vals {
		rows[i] = Row(v)
	}
	return rows
}

func rowStrings(rows []Row) []string {
	out := make([]string, len(rows))
	for i, r := range rows {
		out[i] = string(r)
	}
	return out
}

func byteCompare(a, b Row) int { return bytes.Compare(a, b) }

func TestInbox_OrderedMergeAcrossSources(t *testing.T) {
	down := &fakeDownstream{}
	acks := &ackRecorder{}
	in := NewInbox("ex1", []string{"a", "b"}, byteCompare, down, acks.record)

	in.Request(10)

	// Only one source has data: the ordered merge must not start.
	in.OnBatchReceived("a", 0, true, rowsOf("1", "3", "5"))
	if len(down.rows) != 0 {
		t.Fatalf("merge ran with a waiting source: %v", rowStrings(down.rows))
	}

	in.OnBatchReceived("b", 0, true, rowsOf("2", "4", "6"))

	want := []string{"1", "2", "3", "4", "5", "6"}
	got := rowStrings(down.rows)
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
	if !down.ended {
		t.Fatal("expected End after all sources finished")
	}
	if len(acks.acks) != 2 {
		t.Fatalf("expected one ack per batch, got %v", acks.acks)
	}
}

func TestInbox_OutOfOrderBatchesAreSequenced(t *testing.T) {
	down := &fakeDownstream{}
	acks := &ackRecorder{}
	in := NewInbox("ex1", []string{"a"}, nil, down, acks.record)

	in.Request(10)

	// Batch 1 arrives before batch 0 and must wait its turn.
	in.OnBatchReceived("a", 1, true, rowsOf("3", "4"))
	if len(down.rows) != 0 {
		t.Fatalf("rows delivered out of sequence: %v", rowStrings(down.rows))
	}

	in.OnBatchReceived("a", 0, false, rowsOf("1", "2"))

	got := rowStrings(down.rows)
	want := []string{"1", "2", "3", "4"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}

	// Acks fire in batch order, exactly once each.
	if len(acks.acks) != 2 || acks.acks[0] != "a#0" || acks.acks[1] != "a#1" {
		t.Fatalf("acks %v, want [a#0 a#1]", acks.acks)
	}
	if !down.ended {
		t.Fatal("expected End")
	}
}

func TestInbox_EmptyFinalBatchEndsSourceEarly(t *testing.T) {
	down := &fakeDownstream{}
	in := NewInbox("ex1", []string{"a", "b"}, byteCompare, down, func(string, int64) {})

	in.Request(10)

	// Source b finishes immediately with no rows; the merge only waits on a.
	in.OnBatchReceived("b", 0, true, nil)
	in.OnBatchReceived("a", 0, true, rowsOf("1", "2"))

	got := rowStrings(down.rows)
	if len(got) != 2 || got[0] != "1" || got[1] != "2" {
		t.Fatalf("got %v, want [1 2]", got)
	}
	if !down.ended {
		t.Fatal("expected End")
	}
}

func TestInbox_RespectsRequestedAmount(t *testing.T) {
	down := &fakeDownstream{}
	in := NewInbox("ex1", []string{"a"}, nil, down, func(string, int64) {})

	in.OnBatchReceived("a", 0, true, rowsOf("1", "2", "3"))
	if len(down.rows) != 0 {
		t.Fatal("rows delivered without a request")
	}

	in.Request(2)
	if len(down.rows) != 2 {
		t.Fatalf("delivered %d rows, want 2", len(down.rows))
	}
	if down.ended {
		t.Fatal("ended with a row still buffered")
	}

	in.Request(2)
	if len(down.rows) != 3 {
		t.Fatalf("delivered %d rows, want 3", len(down.rows))
	}
	if !down.ended {
		t.Fatal("expected End once drained")
	}
}

func TestInbox_ReentrantRequestFromPush(t *testing.T) {
	down := &fakeDownstream{}
	in := NewInbox("ex1", []string{"a"}, nil, down, func(string, int64) {})

	// Every Push immediately re-requests, like a consumer reading row by
	// row. The inLoop guard must absorb this without recursing.
	down.requestMore = in.Request

	in.OnBatchReceived("a", 0, true, rowsOf("1", "2", "3", "4"))
	in.Request(1)

	if len(down.rows) != 4 {
		t.Fatalf("delivered %d rows, want 4", len(down.rows))
	}
	if !down.ended {
		t.Fatal("expected End")
	}
}

func TestInbox_UnorderedRoundRobin(t *testing.T) {
	down := &fakeDownstream{}
	in := NewInbox("ex1", []string{"a", "b"}, nil, down, func(string, int64) {})

	in.OnBatchReceived("a", 0, true, rowsOf("a1", "a2"))
	in.OnBatchReceived("b", 0, true, rowsOf("b1", "b2"))
	in.Request(10)

	got := rowStrings(down.rows)
	if len(got) != 4 {
		t.Fatalf("delivered %d rows, want 4", len(got))
	}
	// Round-robin alternates between the sources.
	if got[0][0] == got[1][0] {
		t.Fatalf("expected alternating sources, got %v", got)
	}
	if !down.ended {
		t.Fatal("expected End")
	}
}

func TestInbox_NodeLeftBeforeEndFailsExchange(t *testing.T) {
	down := &fakeDownstream{}
	in := NewInbox("ex1", []string{"a", "b"}, byteCompare, down, func(string, int64) {})

	in.Request(10)
	in.OnBatchReceived("a", 0, true, rowsOf("1"))

	in.OnNodeLeft("b")
	if !errors.Is(down.err, ErrNodeLeft) {
		t.Fatalf("expected ErrNodeLeft, got %v", down.err)
	}

	// The failed inbox delivers nothing further.
	in.OnBatchReceived("b", 0, true, rowsOf("2"))
	if len(down.rows) != 0 {
		t.Fatalf("rows delivered after failure: %v", rowStrings(down.rows))
	}
}

func TestInbox_NodeLeftAfterEndIsIgnored(t *testing.T) {
	down := &fakeDownstream{}
	in := NewInbox("ex1", []string{"a", "b"}, nil, down, func(string, int64) {})

	in.Request(10)
	in.OnBatchReceived("a", 0, true, rowsOf("1"))
	in.OnBatchReceived("b", 0, true, rowsOf("2"))
	if !down.ended {
		t.Fatal("expected End")
	}

	in.OnNodeLeft("a")
	if down.err != nil {
		t.Fatalf("departure after end must be harmless, got %v", down.err)
	}
}

func TestInbox_NodeLeftUnknownSourceIgnored(t *testing.T) {
	down := &fakeDownstream{}
	in := NewInbox("ex1", []string{"a"}, nil, down, func(string, int64) {})

	in.OnNodeLeft("stranger")
	if down.err != nil {
		t.Fatalf("unexpected error: %v", down.err)
	}
}
