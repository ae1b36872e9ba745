package storage

import (
	"bytes"
	"testing"

	"github.com/google/uuid"

	"quartzdb/internal/hlc"
)

func TestPartitionStore_PutGetRemove(t *testing.T) {
	s := NewPartitionStore()

	s.Put("a", []byte("1"))
	s.Put("b", []byte("2"))

	if v, ok := s.Get("a"); !ok || !bytes.Equal(v, []byte("1")) {
		t.Fatalf("get a = %q, %v", v, ok)
	}
	if s.Len() != 2 {
		t.Fatalf("len = %d, want 2", s.Len())
	}

	s.Remove("a")
	if _, ok := s.Get("a"); ok {
		t.Fatal("a still present after remove")
	}
	if s.Len() != 1 {
		t.Fatalf("len = %d, want 1", s.Len())
	}
}

func TestPartitionStore_IntentsInvisibleUntilCommit(t *testing.T) {
	s := NewPartitionStore()
	tx := uuid.New()

	s.PutIntent(tx, "k", []byte("v"))
	if _, ok := s.Get("k"); ok {
		t.Fatal("intent visible before cleanup")
	}

	ts := hlc.Timestamp{Physical: 100, Logical: 1}
	if n := s.Cleanup(tx, true, ts); n != 1 {
		t.Fatalf("cleanup resolved %d intents, want 1", n)
	}
	if v, ok := s.Get("k"); !ok || !bytes.Equal(v, []byte("v")) {
		t.Fatalf("get k after commit = %q, %v", v, ok)
	}
	if s.LastCommitTimestamp() != ts {
		t.Fatalf("last commit ts = %+v, want %+v", s.LastCommitTimestamp(), ts)
	}
}

func TestPartitionStore_AbortDropsIntents(t *testing.T) {
	s := NewPartitionStore()
	s.Put("k", []byte("old"))

	tx := uuid.New()
	s.PutIntent(tx, "k", []byte("new"))
	s.PutIntent(tx, "other", []byte("x"))

	if n := s.Cleanup(tx, false, hlc.Timestamp{Physical: 5}); n != 2 {
		t.Fatalf("cleanup resolved %d intents, want 2", n)
	}
	if v, _ := s.Get("k"); !bytes.Equal(v, []byte("old")) {
		t.Fatalf("k = %q after abort, want old value", v)
	}
	if _, ok := s.Get("other"); ok {
		t.Fatal("aborted intent leaked into committed state")
	}
	if !s.LastCommitTimestamp().IsZero() {
		t.Fatal("abort advanced the commit timestamp")
	}
}

func TestPartitionStore_NilIntentRemovesOnCommit(t *testing.T) {
	s := NewPartitionStore()
	s.Put("k", []byte("v"))

	tx := uuid.New()
	s.PutIntent(tx, "k", nil)
	s.Cleanup(tx, true, hlc.Timestamp{Physical: 7})

	if _, ok := s.Get("k"); ok {
		t.Fatal("k still present after committed removal intent")
	}
}

func TestPartitionStore_CleanupUnknownTxIsNoop(t *testing.T) {
	s := NewPartitionStore()
	if n := s.Cleanup(uuid.New(), true, hlc.Timestamp{Physical: 1}); n != 0 {
		t.Fatalf("cleanup of unknown tx resolved %d intents", n)
	}
	if !s.LastCommitTimestamp().IsZero() {
		t.Fatal("no-op cleanup advanced the commit timestamp")
	}
}

func TestPartitionStore_CommitTimestampOnlyMovesForward(t *testing.T) {
	s := NewPartitionStore()

	tx1 := uuid.New()
	s.PutIntent(tx1, "a", []byte("1"))
	s.Cleanup(tx1, true, hlc.Timestamp{Physical: 100})

	tx2 := uuid.New()
	s.PutIntent(tx2, "b", []byte("2"))
	s.Cleanup(tx2, true, hlc.Timestamp{Physical: 50})

	if got := s.LastCommitTimestamp(); got.Physical != 100 {
		t.Fatalf("commit ts moved backwards: %+v", got)
	}
}

func TestPartitionStore_SortedKeys(t *testing.T) {
	s := NewPartitionStore()
	for _, k := range []string{"user/3", "user/1", "account/9", "user/2"} {
		s.Put(k, []byte("x"))
	}

	keys := s.SortedKeys("user/")
	want := []string{"user/1", "user/2", "user/3"}
	if len(keys) != len(want) {
		t.Fatalf("keys = %v, want %v", keys, want)
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Fatalf("keys = %v, want %v", keys, want)
		}
	}

	if all := s.SortedKeys(""); len(all) != 4 {
		t.Fatalf("empty prefix matched %d keys, want 4", len(all))
	}
}

func TestPartitionStore_SnapshotRestore(t *testing.T) {
	s := NewPartitionStore()
	s.Put("a", []byte("1"))
	s.Put("b", []byte("2"))

	tx := uuid.New()
	s.PutIntent(tx, "c", []byte("3"))
	s.Cleanup(tx, true, hlc.Timestamp{Physical: 42, Logical: 3})

	// An intent still open when the snapshot is taken must not survive it.
	s.PutIntent(uuid.New(), "d", []byte("4"))

	data, err := s.Snapshot()
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}

	restored := NewPartitionStore()
	if err := restored.Restore(data); err != nil {
		t.Fatalf("restore: %v", err)
	}

	for k, want := range map[string]string{"a": "1", "b": "2", "c": "3"} {
		if v, ok := restored.Get(k); !ok || string(v) != want {
			t.Fatalf("restored %s = %q, %v", k, v, ok)
		}
	}
	if _, ok := restored.Get("d"); ok {
		t.Fatal("open intent survived snapshot round trip")
	}
	if got := restored.LastCommitTimestamp(); got.Physical != 42 || got.Logical != 3 {
		t.Fatalf("restored commit ts = %+v", got)
	}
}

func TestPartitionStore_RestoreRejectsGarbage(t *testing.T) {
	s := NewPartitionStore()
	if err := s.Restore([]byte("not json")); err == nil {
		t.Fatal("expected error restoring garbage snapshot")
	}
}
