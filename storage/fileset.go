package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
)

// FileSet is the live, installed collection of StoreFiles backing one
// column family. Reads take an immutable snapshot of it; flush and
// compaction install new generations under a lock and notify observers
// before any retired file is deleted, per spec.md §5's lock ordering.
type FileSet struct {
	root   string
	logger Logger

	mu    sync.RWMutex
	files []*StoreFile // newest (highest SeqID) first

	seqGen int64 // next sequence id to hand out, accessed atomically

	obsMu     sync.Mutex
	observers map[int]func([]*StoreFile)
	nextObsID int
}

// loadFileSet loads every StoreFile described under root's info/ and
// mapfiles/ directories, mirroring HStore's loadHStoreFiles: a file
// whose name does not match the reference grammar is a fatal error,
// but a file that fails its own consistency check (missing or
// zero-length data, empty or corrupt info) is skipped with a warning so
// the rest of the store can still open. Files are found through their
// info/ sidecars only: a mapfiles/ entry with no sidecar is neither
// loaded nor deleted.
func loadFileSet(root string, logger Logger) (*FileSet, error) {
	if logger == nil {
		logger = nopLogger{}
	}
	fs := &FileSet{root: root, logger: logger}

	entries, err := os.ReadDir(infoDir(root))
	if err != nil {
		if os.IsNotExist(err) {
			return fs, nil
		}
		return nil, err
	}

	var maxFileID int64
	for _, ent := range entries {
		if ent.IsDir() {
			continue
		}
		name := ent.Name()
		fileID, parentRegion, isRef, err := parseFileName(name)
		if err != nil {
			return nil, err
		}

		fi, err := readFileInfo(filepath.Join(infoDir(root), name))
		if err != nil {
			logger.Warnf("skipping store file %q: bad info sidecar: %v", name, err)
			continue
		}

		var ref *Reference
		if isRef {
			if fi.Reference == nil {
				logger.Warnf("skipping store file %q: reference name without reference info", name)
				continue
			}
			ref = &Reference{
				ParentRegion: parentRegion,
				SplitRow:     fi.Reference.SplitRow,
				Half:         fi.Reference.Half,
			}
		}

		sf := openStoreFile(root, fileID, fi.SeqID, ref, fi)
		st, err := os.Stat(dataPath(sf.Dir))
		if err != nil {
			logger.Warnf("skipping store file %q: missing data file: %v", name, err)
			continue
		}
		if st.Size() == 0 {
			logger.Warnf("skipping store file %q: zero-length data file, treating as data loss", name)
			if fileID > maxFileID {
				maxFileID = fileID
			}
			continue
		}

		fs.files = append(fs.files, sf)
		if fileID > maxFileID {
			maxFileID = fileID
		}
	}

	sortFilesNewestFirst(fs.files)
	fs.seqGen = maxFileID + 1
	return fs, nil
}

func sortFilesNewestFirst(files []*StoreFile) {
	sort.Slice(files, func(i, j int) bool { return files[i].SeqID > files[j].SeqID })
}

// NextSeqID hands out the next monotonically increasing id, used both
// as a flush's content sequence id and as any new StoreFile's on-disk
// identity (fileID) -- the two coincide for an ordinary flush, so one
// generator serves both purposes.
func (fs *FileSet) NextSeqID() int64 {
	return atomic.AddInt64(&fs.seqGen, 1) - 1
}

// bumpSeqGen ensures the next NextSeqID() call returns at least next.
// Recovery installs a synthetic flush tagged maxSeqIdInLog+1, a value
// computed independently of the generator; without this the generator
// could later hand out a fileID already used by that flush.
func (fs *FileSet) bumpSeqGen(next int64) {
	for {
		cur := atomic.LoadInt64(&fs.seqGen)
		if cur >= next {
			return
		}
		if atomic.CompareAndSwapInt64(&fs.seqGen, cur, next) {
			return
		}
	}
}

// Snapshot returns the currently installed files, newest first. The
// returned slice is never mutated in place, so callers may iterate it
// without holding any lock.
func (fs *FileSet) Snapshot() []*StoreFile {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	out := make([]*StoreFile, len(fs.files))
	copy(out, fs.files)
	return out
}

// Observe registers fn to be called, with the new snapshot, every time
// the file set changes (addChangedReaderObserver, spec.md §6). Used by
// open scanners to notice a compaction happened underneath them
// (spec.md §4.7). The returned id unregisters fn via Unobserve.
func (fs *FileSet) Observe(fn func([]*StoreFile)) int {
	fs.obsMu.Lock()
	defer fs.obsMu.Unlock()
	if fs.observers == nil {
		fs.observers = make(map[int]func([]*StoreFile))
	}
	id := fs.nextObsID
	fs.nextObsID++
	fs.observers[id] = fn
	return id
}

// Unobserve removes a previously registered observer
// (deleteChangedReaderObserver, spec.md §6).
func (fs *FileSet) Unobserve(id int) {
	fs.obsMu.Lock()
	defer fs.obsMu.Unlock()
	delete(fs.observers, id)
}

func (fs *FileSet) notify(snap []*StoreFile) {
	fs.obsMu.Lock()
	obs := make([]func([]*StoreFile), 0, len(fs.observers))
	for _, fn := range fs.observers {
		obs = append(obs, fn)
	}
	fs.obsMu.Unlock()
	for _, fn := range obs {
		fn(snap)
	}
}

// InstallFlushed adds a newly flushed file to the set and notifies
// observers. There is nothing to retire: a flush only ever adds.
func (fs *FileSet) InstallFlushed(f *StoreFile) {
	fs.mu.Lock()
	fs.files = append(fs.files, f)
	sortFilesNewestFirst(fs.files)
	snap := make([]*StoreFile, len(fs.files))
	copy(snap, fs.files)
	fs.mu.Unlock()

	fs.notify(snap)
}

// InstallCompacted atomically swaps replaced for the single merged
// file, notifies observers of the new snapshot, and returns replaced so
// the caller can delete those files' directories only after every
// observer has had a chance to stop using them.
func (fs *FileSet) InstallCompacted(merged *StoreFile, replaced []*StoreFile) []*StoreFile {
	retiring := make(map[int64]bool, len(replaced))
	for _, f := range replaced {
		retiring[f.SeqID] = true
	}

	fs.mu.Lock()
	kept := fs.files[:0:0]
	for _, f := range fs.files {
		if !retiring[f.SeqID] {
			kept = append(kept, f)
		}
	}
	kept = append(kept, merged)
	sortFilesNewestFirst(kept)
	fs.files = kept
	snap := make([]*StoreFile, len(fs.files))
	copy(snap, fs.files)
	fs.mu.Unlock()

	fs.notify(snap)
	return replaced
}

// DeleteRetired removes the on-disk directories for files that
// InstallCompacted has already swapped out of the live set. Closing
// each file's cached reader first blocks until any read already in
// flight against it finishes, so deletion never races an open read.
func (fs *FileSet) DeleteRetired(retired []*StoreFile) error {
	for _, f := range retired {
		if err := f.closeReader(); err != nil {
			fs.logger.Warnf("closing reader for retired store file %d: %v", f.SeqID, err)
		}
		if err := os.RemoveAll(f.Dir); err != nil {
			return fmt.Errorf("storage: deleting retired store file %d: %w", f.SeqID, err)
		}
		infoPath := f.infoFilePath(fs.root)
		if err := os.Remove(infoPath); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("storage: deleting retired info sidecar %d: %w", f.SeqID, err)
		}
	}
	return nil
}
