package command

import (
	"bytes"
	"testing"

	"github.com/google/uuid"

	"quartzdb/internal/hlc"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	tx := uuid.New()
	cmd := TxCleanup(tx, true, hlc.Timestamp{Physical: 123, Logical: 4})

	data, err := Encode(cmd)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	got, err := Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Kind != KindTxCleanup || got.TxID != tx || !got.Commit {
		t.Fatalf("decoded = %+v", got)
	}
	if got.CommitTimestamp.Physical != 123 || got.CommitTimestamp.Logical != 4 {
		t.Fatalf("commit ts = %+v", got.CommitTimestamp)
	}
}

func TestPutRoundTripPreservesValue(t *testing.T) {
	data, err := Encode(Put("k", []byte{0x00, 0xff, 0x7f}))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Key != "k" || !bytes.Equal(got.Value, []byte{0x00, 0xff, 0x7f}) {
		t.Fatalf("decoded = %+v", got)
	}
}

func TestEncodeRejectsUnknownKind(t *testing.T) {
	if _, err := Encode(Command{Key: "k"}); err == nil {
		t.Fatal("encoded command without a kind")
	}
}

func TestDecodeRejectsUnknownKind(t *testing.T) {
	if _, err := Decode([]byte(`{"key":"k"}`)); err == nil {
		t.Fatal("decoded command without a kind")
	}
	if _, err := Decode([]byte("garbage")); err == nil {
		t.Fatal("decoded malformed payload")
	}
}

func TestKindString(t *testing.T) {
	cases := map[Kind]string{
		KindPut:           "put",
		KindRemove:        "remove",
		KindTxCleanup:     "tx-cleanup",
		KindCursorInit:    "cursor-init",
		KindCursorHasNext: "cursor-has-next",
		KindCursorNext:    "cursor-next",
		KindCursorClose:   "cursor-close",
		KindUnknown:       "unknown",
		Kind(200):         "unknown",
	}
	for kind, want := range cases {
		if got := kind.String(); got != want {
			t.Fatalf("Kind(%d).String() = %q, want %q", kind, got, want)
		}
	}
}
