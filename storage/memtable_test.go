package storage

import (
	"bytes"
	"testing"
)

func k(row, col string, ts int64) Key {
	return NewKey([]byte(row), []byte(col), ts)
}

func TestMemTableAddGet(t *testing.T) {
	m := NewMemTable(nil)
	m.Add(k("row1", "a", 100), []byte("v100"))
	m.Add(k("row1", "a", 200), []byte("v200"))
	m.Add(k("row1", "b", 50), []byte("vb"))

	t.Run("newest version first", func(t *testing.T) {
		got := m.Get(k("row1", "a", LatestTimestamp), 1, map[string]int64{})
		if len(got) != 1 || string(got[0]) != "v200" {
			t.Fatalf("got %v", got)
		}
	})

	t.Run("AllVersions returns every version", func(t *testing.T) {
		got := m.Get(k("row1", "a", LatestTimestamp), AllVersions, map[string]int64{})
		if len(got) != 2 {
			t.Fatalf("expected 2 versions, got %d", len(got))
		}
	})

	t.Run("different column is not matched", func(t *testing.T) {
		got := m.Get(k("row1", "c", LatestTimestamp), 1, map[string]int64{})
		if len(got) != 0 {
			t.Fatalf("expected no match, got %v", got)
		}
	})
}

func TestMemTableTombstoneHidesValue(t *testing.T) {
	m := NewMemTable(nil)
	m.Add(k("row1", "a", 100), []byte("v100"))
	m.Add(k("row1", "a", 200), Tombstone())

	got := m.Get(k("row1", "a", LatestTimestamp), AllVersions, map[string]int64{})
	if len(got) != 0 {
		t.Fatalf("expected tombstone to hide older version, got %v", got)
	}
}

func TestMemTableSnapshotLifecycle(t *testing.T) {
	m := NewMemTable(nil)
	m.Add(k("row1", "a", 1), []byte("v1"))

	m.Snapshot()
	ss := m.GetSnapshot()
	if ss.len() != 1 {
		t.Fatalf("expected snapshot to hold moved entry, got len %d", ss.len())
	}
	if m.current.len() != 0 {
		t.Fatalf("expected fresh current generation, got len %d", m.current.len())
	}

	m.Add(k("row2", "a", 1), []byte("v2"))
	m.Snapshot() // pending snapshot, should be a no-op
	if m.current.len() != 1 {
		t.Fatalf("expected second snapshot call to be ignored, current len %d", m.current.len())
	}

	if err := m.ClearSnapshot(ss); err != nil {
		t.Fatalf("clear snapshot: %v", err)
	}
	if m.GetSnapshot().len() != 0 {
		t.Fatalf("expected snapshot cleared")
	}

	if err := m.ClearSnapshot(ss); err != ErrUnexpectedSnapshot {
		t.Fatalf("expected ErrUnexpectedSnapshot, got %v", err)
	}
}

func TestMemTableGetKeysEmptyColumn(t *testing.T) {
	m := NewMemTable(nil)
	m.Add(k("row1", "a", 10), []byte("va"))
	m.Add(k("row1", "b", 20), []byte("vb"))
	m.Add(k("row2", "a", 10), []byte("other-row"))

	origin := Key{Row: []byte("row1"), Timestamp: LatestTimestamp}
	keys := m.GetKeys(origin, AllVersions)
	if len(keys) != 2 {
		t.Fatalf("expected 2 keys on row1, got %d", len(keys))
	}
}

func TestMemTableGetFullDeleteMasking(t *testing.T) {
	m := NewMemTable(nil)
	m.Add(k("row1", "a", 100), []byte("older-a"))
	m.Add(k("row1", "a", 200), Tombstone()) // delete shadows the older value
	m.Add(k("row1", "b", 50), []byte("vb"))

	deletes := map[string]int64{}
	out := map[string][]byte{}
	rowtime := m.GetFull(Key{Row: []byte("row1"), Timestamp: LatestTimestamp}, deletes, out)

	if _, ok := out["a"]; ok {
		t.Fatalf("expected column a to be masked by its tombstone, got %q", out["a"])
	}
	if string(out["b"]) != "vb" {
		t.Fatalf("expected column b present, got %v", out)
	}
	if rowtime != 200 {
		t.Fatalf("expected rowtime 200, got %d", rowtime)
	}
}

func TestMemTableGetNextRow(t *testing.T) {
	m := NewMemTable(nil)
	m.Add(k("row1", "a", 1), []byte("v"))
	m.Add(k("row3", "a", 1), []byte("v"))

	next, ok := m.GetNextRow([]byte("row1"))
	if !ok || !bytes.Equal(next, []byte("row3")) {
		t.Fatalf("expected row3, got %q ok=%v", next, ok)
	}

	_, ok = m.GetNextRow([]byte("row3"))
	if ok {
		t.Fatalf("expected no row after the last one")
	}
}

func TestMemTableGetRowKeyAtOrBefore(t *testing.T) {
	// rows 010/020/030 each carry one live version; row 035 carries only
	// a tombstone (no value ever recorded for it in this generation),
	// matching the single-version-per-cell precondition spec.md §4.6
	// documents for this operation.
	newFixture := func() *MemTable {
		m := NewMemTable(nil)
		for _, row := range []string{"010", "020", "030"} {
			m.Add(k(row, "a", 1), []byte("v-"+row))
		}
		m.Add(k("035", "a", 1), Tombstone())
		return m
	}

	t.Run("exact match on a live row", func(t *testing.T) {
		m := newFixture()
		candidates := map[StrippedKey]int64{}
		m.GetRowKeyAtOrBefore([]byte("030"), candidates)
		if got := maxCandidateRow(candidates); got != "030" {
			t.Fatalf("expected row 030, got %q (%v)", got, candidates)
		}
	})

	t.Run("tombstoned closest row falls back to the previous live row", func(t *testing.T) {
		m := newFixture()
		candidates := map[StrippedKey]int64{}
		m.GetRowKeyAtOrBefore([]byte("038"), candidates)
		if got := maxCandidateRow(candidates); got != "030" {
			t.Fatalf("expected fallback to row 030, got %q (%v)", got, candidates)
		}
	})

	t.Run("row past every entry returns the greatest live row", func(t *testing.T) {
		m := newFixture()
		candidates := map[StrippedKey]int64{}
		m.GetRowKeyAtOrBefore([]byte("999"), candidates)
		if got := maxCandidateRow(candidates); got != "030" {
			t.Fatalf("expected greatest live row 030, got %q (%v)", got, candidates)
		}
	})
}
