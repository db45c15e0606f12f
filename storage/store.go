package storage

import (
	"bytes"
	"fmt"
	"sync"
)

// Store is a single column family's live storage: a MemTable taking
// writes, an on-disk FileSet of flushed/compacted StoreFiles, and the
// Flusher/Compactor that move data between the two. One Store exists
// per column family, mirroring HStore, and coordinates the lock order
// spec.md §5 documents: engine lock -> memtable lock -> flush mutex ->
// compact mutex -> observer mutex.
type Store struct {
	root   string
	cfg    Config
	logger Logger

	mem       *MemTable
	files     *FileSet
	bloom     *bloomOracle
	flusher   *Flusher
	compactor *Compactor

	flushMu   sync.Mutex
	compactMu sync.Mutex

	closeMu sync.RWMutex
	closed  bool
}

// Open loads (or creates, if root is empty) a column family store
// rooted at root.
func Open(root string, cfg Config) (*Store, error) {
	cfg = cfg.withDefaults()

	files, err := loadFileSet(root, cfg.Logger)
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", root, err)
	}

	var bloom *bloomOracle
	if cfg.BloomFilterSize > 0 {
		loaded, err := loadBloomOracle(filterPath(root))
		if err != nil {
			cfg.Logger.Warnf("discarding unreadable bloom filter: %v", err)
			loaded = nil
		}
		switch {
		case loaded != nil:
			bloom = loaded
		case len(files.Snapshot()) == 0:
			// Nothing on disk yet, so an empty filter is accurate, not
			// just convenient.
			bloom = newBloomOracle(cfg.BloomFilterSize, cfg.BloomFilterFPR)
		default:
			// The filter sidecar is gone but the files it would have
			// described are not: an empty filter would tell Get every
			// one of those rows is definitely absent. Fall back to no
			// filter at all (bloom stays nil, Get's gate treats that as
			// "maybe") rather than silently hiding existing data.
			cfg.Logger.Warnf("no bloom filter for %d existing store files, reads will not be filtered", len(files.Snapshot()))
		}
	}

	s := &Store{
		root:      root,
		cfg:       cfg,
		logger:    cfg.Logger,
		mem:       NewMemTable(cfg.Logger),
		files:     files,
		bloom:     bloom,
		flusher:   newFlusher(root, files, bloom, cfg.FamilyName, cfg.Logger),
		compactor: newCompactor(root, files, cfg.CompactionThreshold, cfg.MaxVersions, cfg.Logger),
	}

	if cfg.ReplayStream != nil {
		if err := s.recover(cfg.ReplayStream, cfg.ReplayReporter); err != nil {
			return nil, fmt.Errorf("storage: recovering %s: %w", root, err)
		}
	}

	return s, nil
}

// Put records v at k. Pass Tombstone() as v to record a deletion.
func (s *Store) Put(k Key, v []byte) error {
	if s.isClosed() {
		return ErrStoreClosed
	}
	s.mem.Add(k, v)
	return nil
}

// Delete records a tombstone at k.
func (s *Store) Delete(k Key) error {
	return s.Put(k, Tombstone())
}

func (s *Store) isClosed() bool {
	s.closeMu.RLock()
	defer s.closeMu.RUnlock()
	return s.closed
}

// Flush snapshots the memtable and drains it to a new StoreFile. It is
// a no-op if the memtable holds nothing pending. Serialized by
// flushMu so only one flush runs at a time; may proceed concurrently
// with reads and with a compaction.
func (s *Store) Flush() (*StoreFile, bool, error) {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	s.mem.Snapshot()
	ss := s.mem.GetSnapshot()

	seqID := s.files.NextSeqID()
	sf, flushed, err := s.flusher.Flush(ss, seqID)
	if err != nil {
		// Snapshot survives for the next flush attempt to retry,
		// matching spec.md §8's flush-idempotence-on-retry invariant.
		return nil, false, err
	}
	if err := s.mem.ClearSnapshot(ss); err != nil {
		s.logger.Warnf("flush %d: clearing snapshot: %v", seqID, err)
	}
	return sf, flushed, nil
}

// NeedsCompaction reports whether the file set currently meets the
// compaction trigger.
func (s *Store) NeedsCompaction() bool {
	return s.compactor.NeedsCompaction()
}

// Compact runs a compaction if the trigger fires, or unconditionally
// when force is set. Serialized by compactMu so only one compaction
// runs at a time; coexists with ongoing reads and flushes.
func (s *Store) Compact(force bool) (bool, error) {
	s.compactMu.Lock()
	defer s.compactMu.Unlock()
	return s.compactor.Compact(force)
}

// Get returns up to nVersions values at k (row, column, timestamp <=
// k.Timestamp), newest first: the memtable first, then each StoreFile
// newest-first, stopping as soon as nVersions values have been found.
// A tombstone seen in the memtable or in a newer StoreFile shadows
// every older version of the same column, tracked via a per-call
// deletes map threaded across the whole scan -- spec.md §4.5 step 2,
// HStore.get's deletes accumulator (HStore.java:1946-1994).
func (s *Store) Get(k Key, nVersions int) ([][]byte, error) {
	deletes := make(map[string]int64)
	out := s.mem.Get(k, nVersions, deletes)
	if nVersions != AllVersions && len(out) >= nVersions {
		return out, nil
	}

	files := s.files.Snapshot()
	if s.bloom != nil && !hasReference(files) && !s.bloom.contains(k.Row, k.Column) {
		return out, nil
	}

	for _, f := range files {
		if f.Reference != nil && !f.Reference.includesRow(k.Row) {
			continue
		}
		remaining := AllVersions
		if nVersions != AllVersions {
			remaining = nVersions - len(out)
			if remaining <= 0 {
				break
			}
		}
		vals, err := getFromFile(f, k, remaining, deletes)
		if err != nil {
			return nil, err
		}
		out = append(out, vals...)
	}
	return out, nil
}

// hasReference reports whether any file in files is a region-split
// reference. Reference rows are never trained into the store's shared
// bloom filter (nothing currently writes references), so the filter
// cannot be trusted to say "definitely absent" about a row that might
// only live in one -- the bloom gate has to be skipped rather than risk
// silently dropping a post-split read.
func hasReference(files []*StoreFile) bool {
	for _, f := range files {
		if f.Reference != nil {
			return true
		}
	}
	return false
}

func getFromFile(f *StoreFile, k Key, nVersions int, deletes map[string]int64) ([][]byte, error) {
	col := string(k.Column)
	var out [][]byte
	err := f.withReader(func(r *Reader) error {
		ok, err := r.Seek(k)
		if err != nil {
			return err
		}
		for ok {
			cur, _ := r.Current()
			if !cur.Key.MatchesRowCol(k) {
				break
			}
			if cur.IsTombstone() {
				if ts, ok := deletes[col]; !ok || ts < cur.Key.Timestamp {
					deletes[col] = cur.Key.Timestamp
				}
			} else if ts, ok := deletes[col]; !ok || cur.Key.Timestamp > ts {
				out = append(out, cur.Value)
				if nVersions != AllVersions && len(out) >= nVersions {
					break
				}
			}
			ok, err = r.Next()
			if err != nil {
				return err
			}
		}
		return nil
	})
	return out, err
}

// GetFull returns every live column's value on k's row (newest version
// at or before k.Timestamp wins), and the largest timestamp observed
// across the row excluding LatestTimestamp (tombstones included), or -1
// if nothing on the row was seen. The bloom filter is keyed on (row, column) and cannot
// usefully skip a file here, since every column on the row is wanted.
func (s *Store) GetFull(k Key) (map[string][]byte, int64, error) {
	out := make(map[string][]byte)
	deletes := make(map[string]int64)

	rowtime := s.mem.GetFull(k, deletes, out)

	for _, f := range s.files.Snapshot() {
		if f.Reference != nil && !f.Reference.includesRow(k.Row) {
			continue
		}
		ts, err := getFullFromFile(f, k, deletes, out)
		if err != nil {
			return nil, -1, err
		}
		if ts > rowtime {
			rowtime = ts
		}
	}
	return out, rowtime, nil
}

func getFullFromFile(f *StoreFile, k Key, deletes map[string]int64, out map[string][]byte) (int64, error) {
	rowtime := int64(-1)
	err := f.withReader(func(r *Reader) error {
		ok, err := r.Seek(k)
		if err != nil {
			return err
		}
		for ok {
			cur, _ := r.Current()
			if string(cur.Key.Row) != string(k.Row) {
				break
			}
			col := string(cur.Key.Column)
			if _, present := out[col]; !present && cur.Key.Timestamp <= k.Timestamp {
				if cur.Key.Timestamp != LatestTimestamp && cur.Key.Timestamp > rowtime {
					rowtime = cur.Key.Timestamp
				}
				if cur.IsTombstone() {
					if ts, ok := deletes[col]; !ok || ts < cur.Key.Timestamp {
						deletes[col] = cur.Key.Timestamp
					}
				} else if ts, ok := deletes[col]; !ok || ts < cur.Key.Timestamp {
					out[col] = cur.Value
				}
			}
			ok, err = r.Next()
			if err != nil {
				return err
			}
		}
		return nil
	})
	return rowtime, err
}

// GetKeys returns up to versions Keys matching origin's row (and
// column, unless origin's column is empty, in which case any column on
// the row matches) with timestamp <= origin.Timestamp, newest first.
func (s *Store) GetKeys(origin Key, versions int) ([]Key, error) {
	out := s.mem.GetKeys(origin, versions)

	for _, f := range s.files.Snapshot() {
		if versions != AllVersions && len(out) >= versions {
			break
		}
		if f.Reference != nil && !f.Reference.includesRow(origin.Row) {
			continue
		}
		remaining := AllVersions
		if versions != AllVersions {
			remaining = versions - len(out)
		}
		keys, err := getKeysFromFile(f, origin, remaining)
		if err != nil {
			return nil, err
		}
		out = append(out, keys...)
	}
	return out, nil
}

func getKeysFromFile(f *StoreFile, origin Key, versions int) ([]Key, error) {
	if versions != AllVersions && versions <= 0 {
		return nil, nil
	}
	emptyColumn := len(origin.Column) == 0

	var out []Key
	err := f.withReader(func(r *Reader) error {
		ok, err := r.Seek(origin)
		if err != nil {
			return err
		}
		for ok {
			cur, _ := r.Current()
			item := cur.Key

			if emptyColumn {
				if string(item.Row) != string(origin.Row) {
					break
				}
				if item.Timestamp > origin.Timestamp {
					ok, err = r.Next()
					if err != nil {
						return err
					}
					continue
				}
			} else if !item.MatchesRowCol(origin) {
				break
			}

			if !cur.IsTombstone() {
				out = append(out, item)
				if versions != AllVersions && len(out) >= versions {
					break
				}
			}
			ok, err = r.Next()
			if err != nil {
				return err
			}
		}
		return nil
	})
	return out, err
}

// GetRowKeyAtOrBefore returns the largest row r <= row that has any
// live cell, across the memtable and every StoreFile.
func (s *Store) GetRowKeyAtOrBefore(row []byte) ([]byte, bool, error) {
	candidates := make(map[StrippedKey]int64)
	s.mem.GetRowKeyAtOrBefore(row, candidates)

	for _, f := range s.files.Snapshot() {
		if err := getRowKeyAtOrBeforeFromFile(f, row, candidates); err != nil {
			return nil, false, err
		}
	}
	if len(candidates) == 0 {
		return nil, false, nil
	}
	return []byte(maxCandidateRow(candidates)), true, nil
}

// getRowKeyAtOrBeforeFromFile applies the same search-key-follows-
// candidates algorithm the memtable uses, but over a sorted on-disk
// run via Seek instead of an in-memory tree.
func getRowKeyAtOrBeforeFromFile(f *StoreFile, row []byte, candidates map[StrippedKey]int64) error {
	return f.withReader(func(r *Reader) error {
		searchRow := row
		if len(candidates) > 0 {
			searchRow = []byte(minCandidateRow(candidates))
		}

		ok, err := r.Seek(RowKey(searchRow))
		if err != nil {
			return err
		}

		if ok {
			cur, _ := r.Current()
			if string(cur.Key.Row) <= string(row) {
				for ok {
					cur, _ = r.Current()
					if string(cur.Key.Row) > string(row) {
						break
					}
					applyCandidate(cur.Key, cur.Value, candidates)
					ok, err = r.Next()
					if err != nil {
						return err
					}
				}
				return nil
			}
		}

		// No entry between searchRow and row: fall back to the file's
		// last row at or before searchRow, resetting to scan from the
		// start since references are small sorted runs rather than an
		// in-memory tree with head/tail views.
		return scanLastRowBefore(r, searchRow, candidates)
	})
}

// scanLastRowBefore rescans r from the beginning to collect every entry
// strictly before upTo. With no candidate yet, it folds rows in from
// the end backward until one yields a surviving candidate -- a
// tombstone can empty out its whole row, in which case the next-lower
// row must still be tried. With a candidate already in hand, only the
// single last row below upTo is worth examining, exactly as the
// in-memory headMap branch does.
func scanLastRowBefore(r *Reader, upTo []byte, candidates map[StrippedKey]int64) error {
	if err := r.Reset(); err != nil {
		return err
	}

	ok, err := r.Next()
	if err != nil {
		return err
	}

	var entries []candidateEntry
	for ok {
		cur, _ := r.Current()
		if string(cur.Key.Row) >= string(upTo) {
			break
		}
		entries = append(entries, candidateEntry{Key: cur.Key, Value: cur.Value})
		ok, err = r.Next()
		if err != nil {
			return err
		}
	}
	if len(entries) == 0 {
		return nil
	}

	if len(candidates) == 0 {
		applyCandidatesFromTail(entries, candidates)
		return nil
	}

	lastRow := entries[len(entries)-1].Key.Row
	start := len(entries) - 1
	for start > 0 && bytes.Equal(entries[start-1].Key.Row, lastRow) {
		start--
	}
	for _, e := range entries[start:] {
		applyCandidate(e.Key, e.Value, candidates)
	}
	return nil
}

// Size reports the aggregate on-disk byte size across all StoreFiles,
// the largest single file, and whether that largest file may be chosen
// as input to a further region split (spec.md §6, §D).
func (s *Store) Size() (aggregate int64, largest *StoreFile, splittable bool) {
	files := s.files.Snapshot()
	for _, f := range files {
		aggregate += f.Info.DataSize
		if largest == nil || f.Info.DataSize > largest.Info.DataSize {
			largest = f
		}
	}
	if largest != nil {
		splittable = largest.Splittable()
	}
	return aggregate, largest, splittable
}

// AddChangedReaderObserver registers fn to be called with the new file
// snapshot whenever a flush or compaction installs. Returns an id to
// pass to DeleteChangedReaderObserver.
func (s *Store) AddChangedReaderObserver(fn func([]*StoreFile)) int {
	return s.files.Observe(fn)
}

// DeleteChangedReaderObserver unregisters a previously added observer.
func (s *Store) DeleteChangedReaderObserver(id int) {
	s.files.Unobserve(id)
}

// Close marks the store closed to further writes and returns the files
// that were live at close time.
func (s *Store) Close() []*StoreFile {
	s.closeMu.Lock()
	s.closed = true
	s.closeMu.Unlock()
	return s.files.Snapshot()
}
