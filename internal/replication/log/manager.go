// Package log implements the durable, ordered command log backing one
// replication group. Entries live in a segmented write-ahead log on disk and
// are mirrored into an in-memory raft storage for fast reads by the
// consensus engine. Committed indices are gapless and strictly increasing.
package log

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/tidwall/wal"
	"go.etcd.io/etcd/pkg/v3/pbutil"
	etcdraft "go.etcd.io/raft/v3"
	"go.etcd.io/raft/v3/raftpb"

	"quartzdb/internal/metrics"
)

const (
	recordTypeEntry     byte = 1
	recordTypeHardState byte = 2
	recordTypeSnapshot  byte = 3
	recordTypeConfState byte = 4
)

const (
	snapshotFolder = "snapshot"
	walFolder      = "wal"
)

// Manager owns the log of a single replication group.
type Manager struct {
	mu sync.Mutex

	groupID string
	dir     string
	log     *wal.Log
	ms      *etcdraft.MemoryStorage

	hs        raftpb.HardState
	snap      raftpb.Snapshot
	confState raftpb.ConfState

	nextWALIdx uint64
	entryIndex map[uint64]uint64
}

// Open creates or reopens the group's log under dir, replaying any existing
// records. It returns the manager and the highest index known committed.
func Open(groupID, dir string, noSync bool) (*Manager, uint64, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, 0, fmt.Errorf("mkdir %s: %w", dir, err)
	}
	if err := os.MkdirAll(filepath.Join(dir, snapshotFolder), 0o750); err != nil {
		return nil, 0, fmt.Errorf("mkdir snapshot dir: %w", err)
	}

	opts := *wal.DefaultOptions
	opts.NoSync = noSync
	l, err := wal.Open(filepath.Join(dir, walFolder), &opts)
	if err != nil {
		return nil, 0, fmt.Errorf("wal.Open: %w", err)
	}

	m := &Manager{
		groupID:    groupID,
		dir:        dir,
		log:        l,
		ms:         etcdraft.NewMemoryStorage(),
		entryIndex: make(map[uint64]uint64),
		nextWALIdx: 1,
	}

	committed, err := m.replay()
	if err != nil {
		l.Close()
		return nil, 0, err
	}

	return m, committed, nil
}

func (m *Manager) replay() (uint64, error) {
	empty, err := m.log.IsEmpty()
	if err != nil {
		return 0, fmt.Errorf("wal.IsEmpty: %w", err)
	}
	if empty {
		return 0, nil
	}

	first, err := m.log.FirstIndex()
	if err != nil {
		return 0, fmt.Errorf("wal.FirstIndex: %w", err)
	}
	last, err := m.log.LastIndex()
	if err != nil {
		return 0, fmt.Errorf("wal.LastIndex: %w", err)
	}

	var allEntries []raftpb.Entry
	var snapMeta *raftpb.SnapshotMetadata
	var snapData []byte

	for idx := first; idx <= last; idx++ {
		data, err := m.log.Read(idx)
		if err != nil {
			return 0, fmt.Errorf("wal.Read(%d): %w", idx, err)
		}

		recType, payload, err := unmarshalRecord(data)
		if err != nil {
			return 0, fmt.Errorf("unmarshal record %d: %w", idx, err)
		}

		switch recType {
		case recordTypeEntry:
			var e raftpb.Entry
			pbutil.MustUnmarshal(&e, payload)
			m.entryIndex[e.Index] = idx
			allEntries = append(allEntries, e)

		case recordTypeHardState:
			m.hs = raftpb.HardState{}
			pbutil.MustUnmarshal(&m.hs, payload)

		case recordTypeConfState:
			m.confState = raftpb.ConfState{}
			pbutil.MustUnmarshal(&m.confState, payload)

		case recordTypeSnapshot:
			var meta raftpb.SnapshotMetadata
			pbutil.MustUnmarshal(&meta, payload)

			if data, err := m.loadSnapshotData(meta.Index); err == nil {
				snapMeta = &meta
				snapData = data
				m.confState = meta.ConfState
			} else {
				slog.Warn("snapshot data file missing, probably compacted, skipping",
					"group", m.groupID,
					"index", meta.Index,
					"error", err,
				)
			}
		}

		m.nextWALIdx = idx + 1
	}

	var snapIndex uint64
	if snapMeta != nil {
		m.snap.Metadata = *snapMeta
		m.snap.Data = snapData
		snapIndex = snapMeta.Index

		for ri := range m.entryIndex {
			if ri <= snapIndex {
				delete(m.entryIndex, ri)
			}
		}
	}

	var entries []raftpb.Entry
	for _, e := range allEntries {
		if e.Index > snapIndex {
			entries = append(entries, e)
		}
	}

	if !etcdraft.IsEmptySnap(m.snap) {
		if err := m.ms.ApplySnapshot(m.snap); err != nil &&
			!errors.Is(err, etcdraft.ErrSnapOutOfDate) {
			return 0, fmt.Errorf("apply snapshot: %w", err)
		}
	} else if len(m.confState.Voters) > 0 {
		// MemoryStorage only learns the configuration through a snapshot.
		confSnap := raftpb.Snapshot{
			Metadata: raftpb.SnapshotMetadata{
				Index:     m.hs.Commit,
				Term:      m.hs.Term,
				ConfState: m.confState,
			},
		}
		if err := m.ms.ApplySnapshot(confSnap); err != nil &&
			!errors.Is(err, etcdraft.ErrSnapOutOfDate) {
			return 0, fmt.Errorf("apply confState snapshot: %w", err)
		}
	}

	if !etcdraft.IsEmptyHardState(m.hs) {
		if err := m.ms.SetHardState(m.hs); err != nil {
			return 0, fmt.Errorf("set hardstate: %w", err)
		}
	}

	if len(entries) > 0 {
		if err := m.ms.Append(entries); err != nil {
			return 0, fmt.Errorf("append entries: %w", err)
		}
	}

	committed := m.snap.Metadata.Index
	if m.hs.Commit > committed {
		committed = m.hs.Commit
	}

	slog.Info("replayed group log",
		"group", m.groupID,
		"wal_first", first,
		"wal_last", last,
		"entries", len(entries),
		"snap_index", snapIndex,
		"committed", committed,
	)

	return committed, nil
}

func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.log != nil {
		return m.log.Close()
	}
	return nil
}

// SaveReady persists the durable parts of one consensus Ready batch: new
// entries (the in-memory mirror truncates any conflicting suffix), hard
// state changes and received snapshots.
func (m *Manager) SaveReady(rd etcdraft.Ready) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !etcdraft.IsEmptySnap(rd.Snapshot) {
		if err := m.applyReceivedSnapshotLocked(rd.Snapshot); err != nil {
			return err
		}
	}

	start := time.Now()
	for i := range rd.Entries {
		if err := m.appendRecordLocked(recordTypeEntry, &rd.Entries[i]); err != nil {
			return err
		}
		m.entryIndex[rd.Entries[i].Index] = m.nextWALIdx - 1
	}
	if len(rd.Entries) > 0 {
		if err := m.ms.Append(rd.Entries); err != nil {
			return fmt.Errorf("MemoryStorage.Append: %w", err)
		}
		metrics.WALWritesTotal.Add(float64(len(rd.Entries)))
	}

	hsChanged := !etcdraft.IsEmptyHardState(rd.HardState) &&
		!isHardStateEqual(m.hs, rd.HardState)
	if hsChanged {
		if err := m.appendRecordLocked(recordTypeHardState, &rd.HardState); err != nil {
			return err
		}
		m.hs = rd.HardState
		if err := m.ms.SetHardState(rd.HardState); err != nil {
			return fmt.Errorf("MemoryStorage.SetHardState: %w", err)
		}
	}

	if rd.MustSync {
		if err := m.log.Sync(); err != nil {
			return fmt.Errorf("wal.Sync: %w", err)
		}
	}
	metrics.WALWriteDuration.Observe(time.Since(start).Seconds())

	return nil
}

func (m *Manager) applyReceivedSnapshotLocked(snap raftpb.Snapshot) error {
	if len(snap.Data) > 0 {
		if err := m.saveSnapshotData(snap); err != nil {
			return fmt.Errorf("save snapshot data: %w", err)
		}
	}

	if err := m.appendRecordLocked(recordTypeSnapshot, &snap.Metadata); err != nil {
		return fmt.Errorf("append snapshot record: %w", err)
	}

	if err := m.log.Sync(); err != nil {
		return fmt.Errorf("wal.Sync: %w", err)
	}

	if err := m.ms.ApplySnapshot(snap); err != nil &&
		!errors.Is(err, etcdraft.ErrSnapOutOfDate) {
		return fmt.Errorf("ApplySnapshot: %w", err)
	}

	m.snap = snap
	m.confState = snap.Metadata.ConfState

	for ri := range m.entryIndex {
		if ri <= snap.Metadata.Index {
			delete(m.entryIndex, ri)
		}
	}

	slog.Info("applied snapshot from leader",
		"group", m.groupID,
		"index", snap.Metadata.Index,
		"term", snap.Metadata.Term,
	)

	return nil
}

func (m *Manager) SaveConfState(cs raftpb.ConfState) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.appendRecordLocked(recordTypeConfState, &cs); err != nil {
		return fmt.Errorf("append confState record: %w", err)
	}
	if err := m.log.Sync(); err != nil {
		return fmt.Errorf("wal.Sync: %w", err)
	}

	m.confState = cs
	return nil
}

func (m *Manager) CreateSnapshot(index uint64, confState *raftpb.ConfState, data []byte) (raftpb.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.ms.CreateSnapshot(index, confState, data)
}

func (m *Manager) SaveSnapshot(snap raftpb.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(snap.Data) > 0 {
		if err := m.saveSnapshotData(snap); err != nil {
			return fmt.Errorf("save snapshot data: %w", err)
		}
	}

	if err := m.appendRecordLocked(recordTypeSnapshot, &snap.Metadata); err != nil {
		return fmt.Errorf("append snapshot record: %w", err)
	}
	if err := m.log.Sync(); err != nil {
		return fmt.Errorf("wal.Sync: %w", err)
	}

	m.snap = snap
	m.confState = snap.Metadata.ConfState

	for ri := range m.entryIndex {
		if ri <= snap.Metadata.Index {
			delete(m.entryIndex, ri)
		}
	}

	slog.Info("saved snapshot", "group", m.groupID, "index", snap.Metadata.Index)
	return nil
}

// Compact drops log entries up to and including compactIndex. Entries below
// the last snapshot can always be dropped; the WAL front is truncated to the
// closest retained record.
func (m *Manager) Compact(compactIndex uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.ms.Compact(compactIndex); err != nil {
		if !errors.Is(err, etcdraft.ErrCompacted) {
			return fmt.Errorf("MemoryStorage.Compact: %w", err)
		}
	}

	walIdx := m.findWALIndexForCompaction(compactIndex)
	if walIdx > 0 {
		if err := m.log.TruncateFront(walIdx); err != nil {
			return fmt.Errorf("wal.TruncateFront: %w", err)
		}

		for ri, wi := range m.entryIndex {
			if wi <= walIdx {
				delete(m.entryIndex, ri)
			}
		}
	}

	m.cleanupOldSnapshots(compactIndex)
	return nil
}

func (m *Manager) findWALIndexForCompaction(compactIndex uint64) uint64 {
	if walIdx, ok := m.entryIndex[compactIndex]; ok {
		return walIdx
	}

	var best uint64
	for ri, wi := range m.entryIndex {
		if ri <= compactIndex && wi > best {
			best = wi
		}
	}
	return best
}

// EntriesAfter returns the committed entries with index greater than
// afterIndex, in index order. Used to replay state on recovery.
func (m *Manager) EntriesAfter(afterIndex uint64) ([]raftpb.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	empty, err := m.log.IsEmpty()
	if err != nil {
		return nil, fmt.Errorf("wal.IsEmpty: %w", err)
	}
	if empty {
		return nil, nil
	}

	first, err := m.log.FirstIndex()
	if err != nil {
		return nil, fmt.Errorf("wal.FirstIndex: %w", err)
	}
	last, err := m.log.LastIndex()
	if err != nil {
		return nil, fmt.Errorf("wal.LastIndex: %w", err)
	}

	commitIndex := m.hs.Commit
	if commitIndex == 0 {
		return nil, nil
	}

	var entries []raftpb.Entry
	for idx := first; idx <= last; idx++ {
		data, err := m.log.Read(idx)
		if err != nil {
			return nil, fmt.Errorf("wal.Read(%d): %w", idx, err)
		}

		recType, payload, err := unmarshalRecord(data)
		if err != nil {
			return nil, fmt.Errorf("unmarshal record %d: %w", idx, err)
		}
		if recType != recordTypeEntry {
			continue
		}

		var e raftpb.Entry
		pbutil.MustUnmarshal(&e, payload)

		if e.Index <= afterIndex {
			continue
		}
		if e.Index > commitIndex {
			break
		}
		entries = append(entries, e)
	}

	return entries, nil
}

// Term returns the term of the entry at the given index.
func (m *Manager) Term(index uint64) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ms.Term(index)
}

func (m *Manager) FirstIndex() (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ms.FirstIndex()
}

func (m *Manager) LastIndex() (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ms.LastIndex()
}

// HasState reports whether any record was replayed on open. A fresh log
// means the group bootstraps instead of restarting from saved state.
func (m *Manager) HasState() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nextWALIdx > 1
}

// RaftStorage exposes the in-memory mirror consumed by the consensus engine.
func (m *Manager) RaftStorage() *etcdraft.MemoryStorage {
	return m.ms
}

func (m *Manager) SnapshotIndex() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snap.Metadata.Index
}

func (m *Manager) SnapshotData() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snap.Data
}

func (m *Manager) ConfState() raftpb.ConfState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.confState
}

func (m *Manager) saveSnapshotData(snap raftpb.Snapshot) error {
	path := filepath.Join(m.dir, snapshotFolder, fmt.Sprintf("%016x", snap.Metadata.Index))

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := f.Write(snap.Data); err != nil {
		return err
	}
	return f.Sync()
}

func (m *Manager) loadSnapshotData(index uint64) ([]byte, error) {
	path := filepath.Join(m.dir, snapshotFolder, fmt.Sprintf("%016x", index))
	return os.ReadFile(path)
}

func (m *Manager) cleanupOldSnapshots(keepAfterIndex uint64) {
	snapDir := filepath.Join(m.dir, snapshotFolder)
	entries, err := os.ReadDir(snapDir)
	if err != nil {
		return
	}

	currentSnapIndex := m.snap.Metadata.Index

	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		var idx uint64
		if _, err := fmt.Sscanf(e.Name(), "%016x", &idx); err != nil {
			continue
		}
		if idx < keepAfterIndex && idx != currentSnapIndex {
			path := filepath.Join(snapDir, e.Name())
			if err := os.Remove(path); err != nil {
				slog.Warn("failed to remove old snapshot", "path", path, "error", err)
			}
		}
	}
}

func (m *Manager) appendRecordLocked(recType byte, msg interface{ Marshal() ([]byte, error) }) error {
	payload, err := msg.Marshal()
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	data := marshalRecord(recType, payload)
	if err := m.log.Write(m.nextWALIdx, data); err != nil {
		return fmt.Errorf("wal.Write(%d): %w", m.nextWALIdx, err)
	}
	m.nextWALIdx++
	return nil
}

func marshalRecord(recType byte, payload []byte) []byte {
	buf := make([]byte, 1+binary.MaxVarintLen64+len(payload))
	buf[0] = recType
	n := binary.PutUvarint(buf[1:], uint64(len(payload)))
	copy(buf[1+n:], payload)
	return buf[:1+n+len(payload)]
}

func unmarshalRecord(data []byte) (byte, []byte, error) {
	if len(data) < 2 {
		return 0, nil, io.ErrUnexpectedEOF
	}
	recType := data[0]
	length, n := binary.Uvarint(data[1:])
	if n <= 0 {
		return 0, nil, io.ErrUnexpectedEOF
	}
	start := 1 + n
	end := start + int(length)
	if end > len(data) {
		return 0, nil, io.ErrUnexpectedEOF
	}
	return recType, data[start:end], nil
}

func isHardStateEqual(a, b raftpb.HardState) bool {
	return a.Term == b.Term && a.Vote == b.Vote && a.Commit == b.Commit
}
