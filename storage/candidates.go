package storage

import "bytes"

// candidateEntry pairs a Key with its value, letting
// applyCandidatesFromTail work the same way whether the entries came
// from a MemTable generation's value map or a StoreFile's Cells.
type candidateEntry struct {
	Key   Key
	Value []byte
}

// applyCandidatesFromTail folds entries (ascending composite order,
// already known to lie at or before the query row) into candidates,
// processing complete rows from the last one backward until a row
// yields at least one surviving candidate or entries run out. A
// tombstone can evict every candidate a row would otherwise have
// contributed, in which case the next-lower row must still be tried --
// this is the fallback used when no candidate exists yet, spec.md
// §4.6's "search backwards until we find at least one candidate or run
// out" (HStore.java's internalGetRowKeyAtOrBefore, candidates-empty
// branch).
func applyCandidatesFromTail(entries []candidateEntry, candidates map[StrippedKey]int64) {
	i := len(entries)
	for i > 0 {
		row := entries[i-1].Key.Row
		start := i - 1
		for start > 0 && bytes.Equal(entries[start-1].Key.Row, row) {
			start--
		}
		// entries is in composite order (timestamp descending within a
		// column), but applyCandidate's eviction only works if a
		// tombstone is folded in after the value it shadows -- walk
		// this row oldest first.
		for j := i - 1; j >= start; j-- {
			e := entries[j]
			applyCandidate(e.Key, e.Value, candidates)
		}
		if len(candidates) > 0 {
			return
		}
		i = start
	}
}

// applyCandidate folds one cell into the shared candidate map used by
// getRowKeyAtOrBefore (spec.md §4.6): a non-tombstone records or
// refreshes its stripped key's timestamp; a tombstone evicts a
// previously recorded candidate only if that candidate is no newer than
// the tombstone itself.
func applyCandidate(k Key, val []byte, candidates map[StrippedKey]int64) {
	stripped := k.Strip()
	if IsTombstone(val) {
		if ts, ok := candidates[stripped]; ok && ts <= k.Timestamp {
			delete(candidates, stripped)
		}
		return
	}
	candidates[stripped] = k.Timestamp
}

// minCandidateRow returns the lexicographically smallest row among the
// current candidates -- "the earliest candidate's row" spec.md §4.6
// step 2 resumes scanning from, so a map or file already holding a
// better (smaller-row) candidate is never re-scanned from its start.
func minCandidateRow(candidates map[StrippedKey]int64) string {
	var min string
	first := true
	for sk := range candidates {
		if first || sk.Row < min {
			min = sk.Row
			first = false
		}
	}
	return min
}

// maxCandidateRow returns the lexicographically largest row among the
// current candidates -- the final answer once every map and file has
// contributed (spec.md §4.6 step 3: "candidates.lastKey().row").
func maxCandidateRow(candidates map[StrippedKey]int64) string {
	var max string
	first := true
	for sk := range candidates {
		if first || sk.Row > max {
			max = sk.Row
			first = false
		}
	}
	return max
}
