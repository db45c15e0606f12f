package storage

import (
	"bytes"
	"sync"
)

// storeCursor walks the StoreFiles row by row for the merge scanner,
// mirroring memCursor's shape but sourced from the live file set
// instead of a memtable generation. Every fetch/advance re-reads
// FileSet.Snapshot(), so a compaction or flush mid-scan is absorbed
// automatically -- there is no file identity cached across calls that
// a reader-set change could invalidate.
type storeCursor struct {
	store *Store
	ts    int64
	row   []byte
	done  bool
}

func (s *Store) newStoreCursor(ts int64, firstRow []byte) *storeCursor {
	return &storeCursor{store: s, ts: ts, row: append([]byte(nil), firstRow...)}
}

func (c *storeCursor) currentRow() ([]byte, bool) {
	if c.done {
		return nil, false
	}
	return c.row, true
}

// fetch folds every live StoreFile's contribution to c's current row
// into deletes/out, newest file first, and returns the largest
// timestamp observed.
func (c *storeCursor) fetch(deletes map[string]int64, out map[string][]byte) (int64, error) {
	k := Key{Row: c.row, Timestamp: c.ts}
	rowtime := int64(-1)
	for _, f := range c.store.files.Snapshot() {
		if f.Reference != nil && !f.Reference.includesRow(c.row) {
			continue
		}
		ts, err := getFullFromFile(f, k, deletes, out)
		if err != nil {
			return rowtime, err
		}
		if ts > rowtime {
			rowtime = ts
		}
	}
	return rowtime, nil
}

func (c *storeCursor) advance() error {
	next, ok, err := nextRowAcrossFiles(c.store, c.row)
	if err != nil {
		return err
	}
	if !ok {
		c.done = true
		return nil
	}
	c.row = next
	return nil
}

// nextRowAcrossFiles returns the smallest row strictly greater than row
// present in any live StoreFile.
func nextRowAcrossFiles(s *Store, row []byte) ([]byte, bool, error) {
	var best []byte
	haveBest := false
	for _, f := range s.files.Snapshot() {
		next, ok, err := nextRowInFile(f, row)
		if err != nil {
			return nil, false, err
		}
		if !ok {
			continue
		}
		if !haveBest || bytes.Compare(next, best) < 0 {
			best, haveBest = next, true
		}
	}
	return best, haveBest, nil
}

func nextRowInFile(f *StoreFile, row []byte) ([]byte, bool, error) {
	var result []byte
	err := f.withReader(func(r *Reader) error {
		ok, err := r.Seek(RowKey(row))
		if err != nil {
			return err
		}
		for ok {
			cur, _ := r.Current()
			if !bytes.Equal(cur.Key.Row, row) {
				result = append([]byte(nil), cur.Key.Row...)
				return nil
			}
			ok, err = r.Next()
			if err != nil {
				return err
			}
		}
		return nil
	})
	return result, result != nil, err
}

// Scanner merges the memtable's live rows with the on-disk StoreFiles'
// live rows, newest-wins, yielding one row at a time in ascending row
// order. Mirrors HStore's merge scanner: two cooperating cursors driven
// by getFull/getNextRow, the behind one advanced each step.
type Scanner struct {
	store *Store

	mem   *memCursor
	files *storeCursor

	filter func(row []byte) bool

	obsMu    sync.Mutex
	obsID    int
	obsDirty bool
}

// NewScanner opens a scanner over store starting at firstRow, returning
// only column values at or before ts. filter, if non-nil, is consulted
// on every candidate row; a row it rejects is skipped without being
// materialized, though cursors still advance past it.
func (s *Store) NewScanner(ts int64, firstRow []byte, filter func(row []byte) bool) *Scanner {
	sc := &Scanner{
		store:  s,
		mem:    s.mem.newCursor(ts, firstRow),
		files:  s.newStoreCursor(ts, firstRow),
		filter: filter,
	}
	sc.obsID = s.files.Observe(func([]*StoreFile) {
		sc.obsMu.Lock()
		sc.obsDirty = true
		sc.obsMu.Unlock()
	})
	return sc
}

// ReaderSetChanged reports, and clears, whether a flush or compaction
// installed since the last call. Informational only: fetch/advance
// already re-read the live file set on every call, so nothing needs to
// be redone in response, but a long-lived caller may want to know its
// scan crossed a compaction boundary.
func (sc *Scanner) ReaderSetChanged() bool {
	sc.obsMu.Lock()
	defer sc.obsMu.Unlock()
	dirty := sc.obsDirty
	sc.obsDirty = false
	return dirty
}

// Close unregisters the scanner's file-set observer.
func (sc *Scanner) Close() {
	sc.store.files.Unobserve(sc.obsID)
}

// Next yields the next live row in ascending order: the row key and its
// column map. It returns ok=false once both cursors are exhausted.
func (sc *Scanner) Next() (row []byte, cols map[string][]byte, ok bool, err error) {
	for {
		memRow, memOK := sc.mem.currentRow()
		fileRow, fileOK := sc.files.currentRow()
		if !memOK && !fileOK {
			return nil, nil, false, nil
		}

		var chosen []byte
		switch {
		case memOK && fileOK:
			if bytes.Compare(memRow, fileRow) <= 0 {
				chosen = memRow
			} else {
				chosen = fileRow
			}
		case memOK:
			chosen = memRow
		default:
			chosen = fileRow
		}

		keep := sc.filter == nil || sc.filter(chosen)
		var rowCols map[string][]byte
		if keep {
			rowCols = make(map[string][]byte)
			deletes := make(map[string]int64)
			// MemTable first: it is always the newer generation, so its
			// values win the skip-if-already-present race in fetch.
			if memOK && bytes.Equal(memRow, chosen) {
				sc.mem.fetch(deletes, rowCols)
			}
			if fileOK && bytes.Equal(fileRow, chosen) {
				if _, ferr := sc.files.fetch(deletes, rowCols); ferr != nil {
					return nil, nil, false, ferr
				}
			}
		}

		if memOK && bytes.Compare(memRow, chosen) <= 0 {
			sc.mem.advance()
		}
		if fileOK && bytes.Compare(fileRow, chosen) <= 0 {
			if aerr := sc.files.advance(); aerr != nil {
				return nil, nil, false, aerr
			}
		}

		// A row every one of whose columns was tombstoned fetches an
		// empty map; HBase's merge scanner treats that the same as a
		// row the filter rejected, skipping it rather than yielding a
		// column-less result.
		if keep && len(rowCols) > 0 {
			return chosen, rowCols, true, nil
		}
	}
}
