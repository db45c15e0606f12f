package storage

import "bytes"

// Flusher drains a MemTable's snapshot generation to a new immutable
// StoreFile, training the store's shared bloom filter as it goes and
// installing the result into the live FileSet. Mirrors HStore's
// flushCache: write data in key order, write the info sidecar, flush
// the bloom filter, install the reader, notify observers.
type Flusher struct {
	root       string
	files      *FileSet
	bloom      *bloomOracle
	familyName string
	logger     Logger
}

func newFlusher(root string, files *FileSet, bloom *bloomOracle, familyName string, logger Logger) *Flusher {
	if logger == nil {
		logger = nopLogger{}
	}
	return &Flusher{root: root, files: files, bloom: bloom, familyName: familyName, logger: logger}
}

// Flush writes ss's contents to a new StoreFile and installs it. It is
// a no-op returning (nil, false, nil) if ss is empty -- spec.md §4.4:
// "an empty snapshot produces no file". seqID is the log sequence id
// this flush reflects (flushCache(logSeqId)).
func (fl *Flusher) Flush(ss *mtable, seqID int64) (*StoreFile, bool, error) {
	ss.mu.Lock()
	entries := make([]Key, 0, ss.tree.Len())
	ss.tree.Ascend(func(item Key) bool {
		// A Put for a column outside this family has no business in
		// this store's memtable, but recovery already filters those
		// out on replay -- this guard only matters for a caller that
		// puts a foreign-family column directly.
		if fl.familyName != "" && !bytes.Equal(columnFamily(item.Column), []byte(fl.familyName)) {
			return true
		}
		entries = append(entries, item)
		return true
	})
	vals := make(map[cellID][]byte, len(entries))
	for _, e := range entries {
		vals[e.id()] = ss.vals[e.id()]
	}
	ss.mu.Unlock()

	if len(entries) == 0 {
		return nil, false, nil
	}

	b, err := NewStoreFileBuilder(fl.root)
	if err != nil {
		return nil, false, err
	}
	for _, e := range entries {
		v := vals[e.id()]
		if err := b.Add(Cell{Key: e, Value: v}); err != nil {
			b.Abandon()
			return nil, false, err
		}
		if fl.bloom != nil {
			fl.bloom.add(e.Row, e.Column)
		}
	}

	sf, err := b.Install(fl.root, seqID, seqID, nil)
	if err != nil {
		b.Abandon()
		return nil, false, err
	}

	if fl.bloom != nil {
		if err := fl.bloom.writeTo(filterPath(fl.root)); err != nil {
			fl.logger.Warnf("flush %d: failed to persist bloom filter: %v", seqID, err)
		}
	}

	fl.files.InstallFlushed(sf)
	fl.logger.Debugf("flush %d installed: %d cells, rows %s..%s", seqID, sf.Info.Count, sf.Info.FirstRow, sf.Info.LastRow)
	return sf, true, nil
}
