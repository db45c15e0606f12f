package storage

import (
	"bytes"
	"sync"

	"github.com/google/btree"
)

// AllVersions tells Get/GetKeys to return every version found rather
// than capping the result count.
const AllVersions = -1

const btreeDegree = 32

// cellID is the comparable identity of a tree entry, used as the key of
// the parallel hash map that holds each entry's value -- the same
// tree-plus-hashmap shape the teacher's Memtable uses, generalized from
// a single string key to the composite (row, column, timestamp) key.
type cellID struct {
	Row       string
	Column    string
	Timestamp int64
}

func (k Key) id() cellID {
	return cellID{Row: string(k.Row), Column: string(k.Column), Timestamp: k.Timestamp}
}

// mtable is one generation of the memtable's backing store: an ordered
// index over composite keys plus a parallel value map. MemTable holds
// two of these -- current and snapshot.
type mtable struct {
	mu   sync.Mutex
	tree *btree.BTreeG[Key]
	vals map[cellID][]byte
}

func newMtable() *mtable {
	return &mtable{
		tree: btree.NewG[Key](btreeDegree, func(a, b Key) bool { return a.Less(b) }),
		vals: make(map[cellID][]byte),
	}
}

func (t *mtable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.tree.Len()
}

// MemTable holds in-memory modifications to a column family. It keeps a
// currently-active generation and a snapshot set aside for a flush,
// matching spec.md §4.1's current/snapshot protocol.
type MemTable struct {
	mcLock sync.RWMutex

	current  *mtable
	snapshot *mtable

	logger Logger
}

// NewMemTable returns an empty MemTable.
func NewMemTable(logger Logger) *MemTable {
	if logger == nil {
		logger = nopLogger{}
	}
	return &MemTable{current: newMtable(), snapshot: newMtable(), logger: logger}
}

// Add inserts a value at k, holding the lock in shared mode: concurrent
// adds are allowed, and the last writer at an equal key wins. Taking the
// snapshot requires the exclusive lock, so no add can race a swap.
func (m *MemTable) Add(k Key, v []byte) {
	m.mcLock.RLock()
	defer m.mcLock.RUnlock()

	cur := m.current
	cur.mu.Lock()
	defer cur.mu.Unlock()
	cur.tree.ReplaceOrInsert(k)
	cur.vals[k.id()] = v
}

// Snapshot moves the current generation aside for a flush to read. If a
// snapshot is already pending, this is a no-op: the previous flush
// attempt never cleared it, and creating a second one would lose data.
func (m *MemTable) Snapshot() {
	m.mcLock.Lock()
	defer m.mcLock.Unlock()

	if m.snapshot.tree.Len() > 0 {
		m.logger.Warnf("snapshot requested while a previous snapshot is still pending; ignoring")
		return
	}
	if m.current.tree.Len() == 0 {
		return
	}
	m.snapshot = m.current
	m.current = newMtable()
}

// GetSnapshot returns the pending snapshot generation, which may be
// empty if none is pending.
func (m *MemTable) GetSnapshot() *mtable {
	m.mcLock.RLock()
	defer m.mcLock.RUnlock()
	return m.snapshot
}

// ClearSnapshot discards ss, which must be the generation most recently
// returned by GetSnapshot. A mismatch means a caller is trying to clear
// a snapshot that has already moved on, a programmer error surfaced
// rather than silently absorbed.
func (m *MemTable) ClearSnapshot(ss *mtable) error {
	m.mcLock.Lock()
	defer m.mcLock.Unlock()

	if m.snapshot != ss {
		return ErrUnexpectedSnapshot
	}
	if m.snapshot.tree.Len() != 0 {
		m.snapshot = newMtable()
	}
	return nil
}

// Get returns up to nVersions values matching k's row and column with
// timestamp <= k.Timestamp, newest first, skipping tombstones and any
// version shadowed by a tombstone recorded in deletes. deletes is
// updated with any tombstone this MemTable contributes, so a caller
// merging in older StoreFile versions afterward honors it too
// (HStore.get's checkMemcache=true path into isDeleted).
func (m *MemTable) Get(k Key, nVersions int, deletes map[string]int64) [][]byte {
	m.mcLock.RLock()
	defer m.mcLock.RUnlock()

	out := internalGet(m.current, k, nVersions, deletes)
	remaining := nVersions
	if nVersions != AllVersions {
		remaining = nVersions - len(out)
	}
	out = append(out, internalGet(m.snapshot, k, remaining, deletes)...)
	return out
}

func internalGet(t *mtable, k Key, nVersions int, deletes map[string]int64) [][]byte {
	if nVersions != AllVersions && nVersions <= 0 {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	col := string(k.Column)
	var out [][]byte
	t.tree.AscendGreaterOrEqual(k, func(item Key) bool {
		if !item.MatchesRowCol(k) {
			return false
		}
		val := t.vals[item.id()]
		if IsTombstone(val) {
			if ts, ok := deletes[col]; !ok || ts < item.Timestamp {
				deletes[col] = item.Timestamp
			}
			return true
		}
		if ts, ok := deletes[col]; ok && item.Timestamp <= ts {
			return true
		}
		out = append(out, val)
		if nVersions != AllVersions && len(out) >= nVersions {
			return false
		}
		return true
	})
	return out
}

// GetKeys returns up to versions Keys matching origin's row (and
// column, unless origin's column is empty, in which case any column on
// the row matches) with timestamp <= origin.Timestamp, newest first.
func (m *MemTable) GetKeys(origin Key, versions int) []Key {
	m.mcLock.RLock()
	defer m.mcLock.RUnlock()

	out := internalGetKeys(m.current, origin, versions)
	remaining := versions
	if versions != AllVersions {
		remaining = versions - len(out)
	}
	out = append(out, internalGetKeys(m.snapshot, origin, remaining)...)
	return out
}

func internalGetKeys(t *mtable, origin Key, versions int) []Key {
	if versions != AllVersions && versions <= 0 {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	emptyColumn := len(origin.Column) == 0
	var out []Key
	t.tree.AscendGreaterOrEqual(origin, func(item Key) bool {
		if emptyColumn {
			if !bytes.Equal(item.Row, origin.Row) {
				return false
			}
			if item.Timestamp > origin.Timestamp {
				return true
			}
		} else if !item.MatchesRowCol(origin) {
			return false
		}

		if !IsTombstone(t.vals[item.id()]) {
			out = append(out, item)
			if versions != AllVersions && len(out) >= versions {
				return false
			}
		}
		return true
	})
	return out
}

// GetFull records, into out, the first non-tombstone value for every
// column seen at or after k on k's row with timestamp <= k.Timestamp,
// skipping columns already in out
// or shadowed by a tombstone recorded in deletes. It returns the
// largest observed timestamp excluding LatestTimestamp, or -1 if
// nothing on the row was seen.
func (m *MemTable) GetFull(k Key, deletes map[string]int64, out map[string][]byte) int64 {
	m.mcLock.RLock()
	defer m.mcLock.RUnlock()

	rowtime := internalGetFull(m.current, k, deletes, out)
	if snap := internalGetFull(m.snapshot, k, deletes, out); snap > rowtime {
		rowtime = snap
	}
	return rowtime
}

func internalGetFull(t *mtable, k Key, deletes map[string]int64, out map[string][]byte) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	rowtime := int64(-1)
	t.tree.AscendGreaterOrEqual(k, func(item Key) bool {
		if !bytes.Equal(item.Row, k.Row) {
			return false
		}
		col := string(item.Column)
		if _, present := out[col]; present || item.Timestamp > k.Timestamp {
			return true
		}
		if item.Timestamp != LatestTimestamp && item.Timestamp > rowtime {
			rowtime = item.Timestamp
		}
		val := t.vals[item.id()]
		if IsTombstone(val) {
			if cur, ok := deletes[col]; !ok || cur < item.Timestamp {
				deletes[col] = item.Timestamp
			}
		} else if cur, ok := deletes[col]; !ok || cur < item.Timestamp {
			out[col] = val
		}
		return true
	})
	return rowtime
}

// GetRowKeyAtOrBefore folds this MemTable's contribution into the
// shared candidate map used by closest-row-at-or-before queries
// (spec.md §4.6).
func (m *MemTable) GetRowKeyAtOrBefore(row []byte, candidates map[StrippedKey]int64) {
	m.mcLock.RLock()
	defer m.mcLock.RUnlock()

	internalGetRowKeyAtOrBefore(m.current, row, candidates)
	internalGetRowKeyAtOrBefore(m.snapshot, row, candidates)
}

// internalGetRowKeyAtOrBefore mirrors HStore.internalGetRowKeyAtOrBefore:
// search starting from the smallest row already known to be a candidate
// (or from row itself if none yet), using a tail scan when that search
// key lands on or before row, falling back to the rows below it
// otherwise: with no candidate yet, rows are tried from the nearest one
// downward until one leaves a surviving candidate; with a candidate
// already held, only the single nearest row is scanned. A tombstone
// evicts a same-identity candidate only when that candidate is no newer
// than the tombstone.
//
// This is a best-effort proximity search, not an exhaustive one: per
// spec.md §4.6 it assumes strictly increasing timestamps per cell and
// is not guaranteed to pick the right row across two live versions of
// the same column competing with an intervening delete.
func internalGetRowKeyAtOrBefore(t *mtable, row []byte, candidates map[StrippedKey]int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.tree.Len() == 0 {
		return
	}

	searchRow := row
	if len(candidates) > 0 {
		searchRow = []byte(minCandidateRow(candidates))
	}
	searchKey := RowKey(searchRow)

	var firstInTail Key
	haveTail := false
	t.tree.AscendGreaterOrEqual(searchKey, func(item Key) bool {
		firstInTail, haveTail = item, true
		return false
	})

	if haveTail && bytes.Compare(firstInTail.Row, row) <= 0 {
		t.tree.AscendGreaterOrEqual(searchKey, func(item Key) bool {
			if bytes.Compare(item.Row, row) > 0 {
				return false
			}
			applyCandidate(item, t.vals[item.id()], candidates)
			return true
		})
		return
	}

	var head []Key
	t.tree.AscendLessThan(searchKey, func(item Key) bool {
		head = append(head, item)
		return true
	})
	if len(head) == 0 {
		return
	}

	if len(candidates) == 0 {
		entries := make([]candidateEntry, len(head))
		for i, item := range head {
			entries[i] = candidateEntry{Key: item, Value: t.vals[item.id()]}
		}
		applyCandidatesFromTail(entries, candidates)
		return
	}

	// A candidate already exists, so any better (smaller-row) match
	// would already have been found earlier; only this map's last row
	// below the search key is worth examining.
	lastRow := head[len(head)-1].Row
	start := len(head) - 1
	for start > 0 && bytes.Equal(head[start-1].Row, lastRow) {
		start--
	}
	for _, item := range head[start:] {
		applyCandidate(item, t.vals[item.id()], candidates)
	}
}

// GetNextRow returns the smallest row strictly greater than row present
// in either generation.
func (m *MemTable) GetNextRow(row []byte) ([]byte, bool) {
	m.mcLock.RLock()
	defer m.mcLock.RUnlock()

	r1, ok1 := nextRowIn(m.current, row)
	r2, ok2 := nextRowIn(m.snapshot, row)
	switch {
	case ok1 && ok2:
		if bytes.Compare(r1, r2) <= 0 {
			return r1, true
		}
		return r2, true
	case ok1:
		return r1, true
	case ok2:
		return r2, true
	default:
		return nil, false
	}
}

func nextRowIn(t *mtable, row []byte) ([]byte, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var result []byte
	t.tree.AscendGreaterOrEqual(RowKey(row), func(item Key) bool {
		if bytes.Equal(item.Row, row) {
			return true
		}
		result = append([]byte(nil), item.Row...)
		return false
	})
	return result, result != nil
}

// memCursor walks the MemTable row by row for the merge scanner, built
// on top of GetFull/GetNextRow exactly as spec.md §4.1 describes
// getScanner.
type memCursor struct {
	mt   *MemTable
	ts   int64
	row  []byte
	done bool
}

// newCursor returns a cursor starting at firstRow.
func (m *MemTable) newCursor(ts int64, firstRow []byte) *memCursor {
	return &memCursor{mt: m, ts: ts, row: append([]byte(nil), firstRow...)}
}

func (c *memCursor) currentRow() ([]byte, bool) {
	if c.done {
		return nil, false
	}
	return c.row, true
}

func (c *memCursor) fetch(deletes map[string]int64, out map[string][]byte) int64 {
	k := Key{Row: c.row, Timestamp: c.ts}
	return c.mt.GetFull(k, deletes, out)
}

func (c *memCursor) advance() {
	next, ok := c.mt.GetNextRow(c.row)
	if !ok {
		c.done = true
		return
	}
	c.row = next
}
