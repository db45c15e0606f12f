package storage

import (
	"bytes"
)

// Compactor merges several StoreFiles into one, discarding versions
// beyond the column family's retention ceiling, tombstones themselves,
// and any value whose exact (row, column, timestamp) carries a tombstone
// earlier in the merge. A tombstone does not discard values of the same
// column at older timestamps. Mirrors HStore's
// compactStores/completeCompaction pair.
type Compactor struct {
	root        string
	files       *FileSet
	threshold   int
	maxVersions int
	logger      Logger
}

func newCompactor(root string, files *FileSet, threshold, maxVersions int, logger Logger) *Compactor {
	if logger == nil {
		logger = nopLogger{}
	}
	return &Compactor{root: root, files: files, threshold: threshold, maxVersions: maxVersions, logger: logger}
}

// NeedsCompaction reports whether the current file set meets the
// compaction trigger: file count at or above the threshold, or any file
// is a reference (produced by a region split, always eligible).
func (c *Compactor) NeedsCompaction() bool {
	return needsCompaction(c.files.Snapshot(), c.threshold)
}

func needsCompaction(files []*StoreFile, threshold int) bool {
	if len(files) >= threshold {
		return true
	}
	for _, f := range files {
		if f.Reference != nil {
			return true
		}
	}
	return false
}

// Compact merges the current file set into one StoreFile if the
// trigger fires (file-count threshold, a reference present, or force).
// It reports whether a compaction actually ran.
func (c *Compactor) Compact(force bool) (bool, error) {
	snap := c.files.Snapshot()
	if len(snap) == 0 {
		if force {
			return false, ErrNoFilesToCompact
		}
		return false, nil
	}
	if !force && !needsCompaction(snap, c.threshold) {
		return false, nil
	}
	if err := c.merge(snap); err != nil {
		return false, err
	}
	return true, nil
}

type compactCursor struct {
	r   *Reader
	ok  bool
	cur Cell
}

func openCompactCursors(files []*StoreFile) ([]*compactCursor, error) {
	cursors := make([]*compactCursor, 0, len(files))
	for _, f := range files {
		r, err := OpenReader(f)
		if err != nil {
			for _, c := range cursors {
				c.r.Close()
			}
			return nil, err
		}
		cc := &compactCursor{r: r}
		ok, err := r.Next()
		if err != nil {
			for _, c := range cursors {
				c.r.Close()
			}
			r.Close()
			return nil, err
		}
		if ok {
			cc.cur, _ = r.Current()
		}
		cc.ok = ok
		cursors = append(cursors, cc)
	}
	return cursors, nil
}

func closeCompactCursors(cursors []*compactCursor) {
	for _, c := range cursors {
		c.r.Close()
	}
}

// merge performs the multi-way newest-first merge over files (already
// ordered newest-first by FileSet.Snapshot) and installs the result.
func (c *Compactor) merge(files []*StoreFile) error {
	cursors, err := openCompactCursors(files)
	if err != nil {
		return err
	}
	defer closeCompactCursors(cursors)

	b, err := NewStoreFileBuilder(c.root)
	if err != nil {
		return err
	}

	var lastRow, lastCol []byte
	haveLast := false
	timesSeen := 0
	deletes := map[string]map[int64]bool{}

	for {
		chosen := -1
		for i, cc := range cursors {
			if !cc.ok {
				continue
			}
			if chosen == -1 || CompareKeys(cc.cur.Key, cursors[chosen].cur.Key) < 0 {
				chosen = i
			}
		}
		if chosen == -1 {
			break
		}

		key := cursors[chosen].cur.Key
		val := cursors[chosen].cur.Value

		rowChanged := !haveLast || !bytes.Equal(key.Row, lastRow)
		colChanged := rowChanged || !bytes.Equal(key.Column, lastCol)
		if rowChanged {
			deletes = map[string]map[int64]bool{}
		}
		if colChanged {
			timesSeen = 0
		}
		lastRow, lastCol, haveLast = key.Row, key.Column, true
		timesSeen++

		col := string(key.Column)
		switch {
		case IsTombstone(val):
			set := deletes[col]
			if set == nil {
				set = map[int64]bool{}
				deletes[col] = set
			}
			set[key.Timestamp] = true
		case deletes[col][key.Timestamp]:
			// shadowed duplicate of an exact tombstoned version
		case timesSeen <= c.maxVersions && len(key.Row) > 0 && len(key.Column) > 0:
			if err := b.Add(Cell{Key: key, Value: val}); err != nil {
				b.Abandon()
				return err
			}
		}

		// Every cursor currently positioned on this exact key is a
		// duplicate of the one just consumed; advance them together.
		for _, cc := range cursors {
			if cc.ok && CompareKeys(cc.cur.Key, key) == 0 {
				ok, err := cc.r.Next()
				if err != nil {
					b.Abandon()
					return err
				}
				cc.ok = ok
				if ok {
					cc.cur, _ = cc.r.Current()
				}
			}
		}
	}

	outSeqID := int64(-1)
	for _, f := range files {
		if f.SeqID > outSeqID {
			outSeqID = f.SeqID
		}
	}

	// The merged file's content is tagged with maxSeqId across inputs,
	// but it gets its own fresh on-disk identity rather than reusing
	// any input's -- installing under a borrowed path would make the
	// merged file briefly indistinguishable from (or, worse, collide
	// with) a file still live in the file set. HStore does the same:
	// obtainNewHStoreFileNumber() for the file's name, writeInfo(fs,
	// maxId) for its content.
	fileID := c.files.NextSeqID()
	merged, err := b.Install(c.root, fileID, outSeqID, nil)
	if err != nil {
		b.Abandon()
		return err
	}

	// InstallCompacted swaps merged in and notifies observers before any
	// retired input is touched, so a concurrent read always finds either
	// the old files or the new one, never a path that has been removed
	// out from under it (spec.md §5).
	retired := c.files.InstallCompacted(merged, files)
	if err := c.files.DeleteRetired(retired); err != nil {
		c.logger.Warnf("compaction %d: failed to delete retired files: %v", outSeqID, err)
	}
	c.logger.Debugf("compaction %d installed (file %d), replacing %d files", outSeqID, fileID, len(files))
	return nil
}
