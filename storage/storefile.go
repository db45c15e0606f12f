package storage

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"sync"

	"github.com/golang/snappy"
)

// indexInterval is how many data records separate consecutive sparse
// index entries. Small enough to make seeks cheap, large enough to keep
// the index itself tiny relative to the data it describes.
const indexInterval = 32

// referenceNamePattern is the reference file name grammar from spec.md
// §6: group 1 is the file's own id (FileID), the optional group 2 names
// the parent region and marks the file as a reference.
var referenceNamePattern = regexp.MustCompile(`^(\d+)(?:\.(.+))?$`)

// Half identifies which side of a split a reference file exposes.
type Half int

const (
	// NoHalf marks a non-reference StoreFile.
	NoHalf Half = iota
	// TopHalf excludes rows strictly less than the split row.
	TopHalf
	// BottomHalf excludes rows greater than or equal to the split row.
	BottomHalf
)

// Reference narrows an existing StoreFile to one half of its row range.
// References are produced by region splits (out of scope here -- the
// engine only has to read them) and are never themselves split further.
type Reference struct {
	ParentRegion string
	SplitRow     []byte
	Half         Half
}

// includesRow reports whether row belongs to this reference's half.
func (r *Reference) includesRow(row []byte) bool {
	if r == nil {
		return true
	}
	cmp := bytes.Compare(row, r.SplitRow)
	if r.Half == TopHalf {
		return cmp >= 0
	}
	return cmp < 0
}

// fileName builds the on-disk mapfiles/ or info/ entry name from a
// StoreFile's own identity -- independent of the sequence id its
// contents reflect, per HStore's obtainNewHStoreFileNumber: the file's
// name is a freshly obtained number, never a log sequence id borrowed
// from one of its inputs.
func fileName(fileID int64, ref *Reference) string {
	if ref == nil {
		return strconv.FormatInt(fileID, 10)
	}
	return fmt.Sprintf("%d.%s", fileID, ref.ParentRegion)
}

// parseFileName applies the reference grammar to a mapfiles/ or info/
// entry name. isReference reports whether group 2 (the parent region)
// was present.
func parseFileName(name string) (fileID int64, parentRegion string, isReference bool, err error) {
	m := referenceNamePattern.FindStringSubmatch(name)
	if m == nil {
		return 0, "", false, fmt.Errorf("%w: %q", ErrBadName, name)
	}
	fileID, err = strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, "", false, fmt.Errorf("%w: %q: %v", ErrBadName, name, err)
	}
	if m[2] != "" {
		return fileID, m[2], true, nil
	}
	return fileID, "", false, nil
}

func mapfilesDir(root string) string   { return filepath.Join(root, "mapfiles") }
func infoDir(root string) string       { return filepath.Join(root, "info") }
func filterPath(root string) string    { return filepath.Join(root, "filter", "filter") }
func compactionDir(root string) string { return filepath.Join(root, "compaction.dir") }

func dataPath(tableDir string) string  { return filepath.Join(tableDir, "data") }
func indexPath(tableDir string) string { return filepath.Join(tableDir, "index") }

// fileInfo is the info/ sidecar: the sequence id the file's contents
// reflect, the file's row bounds, cell count and data size, and -- for
// reference files -- the parent split. The row bounds are recorded but
// not consulted by any read path.
type fileInfo struct {
	SeqID     int64     `json:"seqId"`
	FirstRow  []byte    `json:"firstRow,omitempty"`
	LastRow   []byte    `json:"lastRow,omitempty"`
	Count     int64     `json:"count"`
	DataSize  int64     `json:"dataSize"`
	Reference *refInfo  `json:"reference,omitempty"`
}

type refInfo struct {
	ParentRegion string `json:"parentRegion"`
	SplitRow     []byte `json:"splitRow"`
	Half         Half   `json:"half"`
}

func readFileInfo(path string) (fileInfo, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return fileInfo{}, err
	}
	if len(b) == 0 {
		return fileInfo{}, fmt.Errorf("%w: %s is empty", ErrCorruptFile, path)
	}
	var fi fileInfo
	if err := json.Unmarshal(b, &fi); err != nil {
		return fileInfo{}, fmt.Errorf("%w: %s: %v", ErrCorruptFile, path, err)
	}
	return fi, nil
}

func writeFileInfo(path string, fi fileInfo) error {
	b, err := json.Marshal(fi)
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0644)
}

// indexEntry is one sparse index record: the key of a data-file record
// and the byte offset at which that record's frame begins.
type indexEntry struct {
	Key    Key   `json:"key"`
	Offset int64 `json:"offset"`
}

// StoreFileBuilder writes a new immutable StoreFile under a temporary
// directory. The caller appends Cells in ascending key order (spec.md
// §4.3 step 3), then calls Install, which finishes the file and renames
// the temp directory into place under its assigned file id.
type StoreFileBuilder struct {
	tempDir string

	dataFile *os.File
	dataW    *bufio.Writer
	offset   int64

	index       []indexEntry
	sinceIndex  int
	firstRow    []byte
	lastRow     []byte
	count       int64
}

// NewStoreFileBuilder creates a builder writing under root/mapfiles/<temp>.
func NewStoreFileBuilder(root string) (*StoreFileBuilder, error) {
	name, err := newTempName()
	if err != nil {
		return nil, err
	}
	dir := filepath.Join(mapfilesDir(root), name)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	f, err := os.Create(dataPath(dir))
	if err != nil {
		return nil, err
	}
	return &StoreFileBuilder{
		tempDir:  dir,
		dataFile: f,
		dataW:    bufio.NewWriter(f),
	}, nil
}

// Add appends a cell to the file being built. Cells must arrive in
// ascending composite-key order.
func (b *StoreFileBuilder) Add(c Cell) error {
	if b.count == 0 || b.sinceIndex == 0 {
		b.index = append(b.index, indexEntry{Key: c.Key, Offset: b.offset})
		b.sinceIndex = indexInterval
	}
	b.sinceIndex--

	payload, err := json.Marshal(c)
	if err != nil {
		return err
	}
	compressed := snappy.Encode(nil, payload)

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(compressed)))
	n1, err := b.dataW.Write(lenBuf[:])
	if err != nil {
		return err
	}
	n2, err := b.dataW.Write(compressed)
	if err != nil {
		return err
	}
	b.offset += int64(n1 + n2)

	if b.firstRow == nil {
		b.firstRow = append([]byte(nil), c.Key.Row...)
	}
	b.lastRow = append([]byte(nil), c.Key.Row...)
	b.count++
	return nil
}

// Finish flushes the data file and writes the sparse index, returning
// the temporary directory path and the metadata the caller needs to
// write the info sidecar once a sequence id is assigned.
func (b *StoreFileBuilder) Finish() (dir string, fi fileInfo, err error) {
	if err = b.dataW.Flush(); err != nil {
		return "", fileInfo{}, err
	}
	if err = b.dataFile.Close(); err != nil {
		return "", fileInfo{}, err
	}

	idxFile, err := os.Create(indexPath(b.tempDir))
	if err != nil {
		return "", fileInfo{}, err
	}
	enc := json.NewEncoder(idxFile)
	for _, e := range b.index {
		if err = enc.Encode(e); err != nil {
			idxFile.Close()
			return "", fileInfo{}, err
		}
	}
	if err = idxFile.Close(); err != nil {
		return "", fileInfo{}, err
	}

	fi = fileInfo{
		FirstRow: b.firstRow,
		LastRow:  b.lastRow,
		Count:    b.count,
		DataSize: b.offset,
	}
	return b.tempDir, fi, nil
}

// Abandon removes the builder's temporary directory without finishing.
// Used when a flush or compaction fails partway through.
func (b *StoreFileBuilder) Abandon() error {
	if b.dataFile != nil {
		b.dataFile.Close()
	}
	return os.RemoveAll(b.tempDir)
}

// Install finishes the builder and renames its temporary directory into
// its permanent home under mapfiles/<fileID>, writing the info/ sidecar
// (tagged with seqID, the log sequence id this file's contents reflect)
// alongside it. This is the only way a StoreFile becomes visible on
// disk under its real name.
//
// fileID and seqID are deliberately separate: fileID only has to be an
// identity nothing else on disk currently uses, while seqID is content
// the recovery/ordering logic reads back out of the sidecar. A flush
// has no reason for these to differ and passes the same value for both;
// a compaction's output is tagged with the max seqID of its inputs
// while still getting its own fresh fileID, so its directory never
// collides with an input's path mid-install (HStore's
// obtainNewHStoreFileNumber plus writeInfo(fs, maxId)).
func (b *StoreFileBuilder) Install(root string, fileID, seqID int64, ref *Reference) (*StoreFile, error) {
	dir, fi, err := b.Finish()
	if err != nil {
		return nil, err
	}
	fi.SeqID = seqID
	if ref != nil {
		fi.Reference = &refInfo{ParentRegion: ref.ParentRegion, SplitRow: ref.SplitRow, Half: ref.Half}
	}

	finalDir := filepath.Join(mapfilesDir(root), fileName(fileID, ref))
	if err := os.Rename(dir, finalDir); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(infoDir(root), 0755); err != nil {
		return nil, err
	}
	sf := openStoreFile(root, fileID, seqID, ref, fi)
	if err := writeFileInfo(sf.infoFilePath(root), fi); err != nil {
		return nil, err
	}
	return sf, nil
}

// StoreFile is a handle on an installed, immutable on-disk sorted run:
// its directory, its info sidecar, and (if it is a reference) the split
// it narrows to. FileID is the on-disk identity (the mapfiles/info entry
// name); SeqID is the log sequence id its contents reflect, used for
// recovery and for newest-first ordering. The two coincide for a flush
// but not for a compaction's output.
type StoreFile struct {
	FileID    int64
	SeqID     int64
	Dir       string
	Info      fileInfo
	Reference *Reference

	readerMu sync.Mutex
	reader   *Reader
}

// openStoreFile builds a StoreFile handle from an already-read info
// sidecar and resolves its directory; it does not open a Reader.
func openStoreFile(root string, fileID, seqID int64, ref *Reference, fi fileInfo) *StoreFile {
	return &StoreFile{
		FileID:    fileID,
		SeqID:     seqID,
		Dir:       filepath.Join(mapfilesDir(root), fileName(fileID, ref)),
		Info:      fi,
		Reference: ref,
	}
}

// withReader runs fn against this file's lazily-opened, long-lived
// Reader, serializing access on readerMu -- per spec.md §5, "individual
// reader access is serialized on that reader's monitor because the
// underlying reader object is stateful". Keeping one Reader per live
// StoreFile (rather than opening a fresh one per call) also means a
// Get in flight when a compaction retires this file never races the
// retirement's directory removal: DeleteRetired blocks on the same
// mutex until any in-flight read finishes before it closes and deletes.
func (f *StoreFile) withReader(fn func(*Reader) error) error {
	f.readerMu.Lock()
	defer f.readerMu.Unlock()
	if f.reader == nil {
		r, err := OpenReader(f)
		if err != nil {
			return err
		}
		f.reader = r
	}
	return fn(f.reader)
}

// closeReader closes and discards this file's cached Reader, if one was
// ever opened. Called only once the file has been retired and every
// observer has had a chance to notice (FileSet.DeleteRetired).
func (f *StoreFile) closeReader() error {
	f.readerMu.Lock()
	defer f.readerMu.Unlock()
	if f.reader == nil {
		return nil
	}
	err := f.reader.Close()
	f.reader = nil
	return err
}

func (f *StoreFile) infoFilePath(root string) string {
	return filepath.Join(infoDir(root), fileName(f.FileID, f.Reference))
}

// Splittable reports whether this file may be chosen as input to a
// further region split. References are never splittable further.
func (f *StoreFile) Splittable() bool {
	return f.Reference == nil
}

// Reader reads a StoreFile's entries in ascending composite-key order,
// optionally filtering to a reference's half. It is stateful (tracks a
// seek position) and is not safe for concurrent use by multiple callers
// -- per spec.md §5, access is serialized on the reader's own monitor.
//
// br wraps data and is only ever replaced at a point that also
// explicitly repositions data (Seek, Reset) -- Next must keep reading
// through the same br rather than wrapping a fresh bufio.Reader around
// data each call, since bufio prefetches past the frame just returned
// and data's OS-level offset no longer marks where the next frame
// starts.
type Reader struct {
	file  *StoreFile
	data  *os.File
	index []indexEntry
	br    *bufio.Reader

	current Cell
	valid   bool
	atEOF   bool
}

// OpenReader opens a Reader over file, positioned before its first
// entry: Current reports nothing until the first Next or Seek.
func OpenReader(file *StoreFile) (*Reader, error) {
	data, err := os.Open(dataPath(file.Dir))
	if err != nil {
		return nil, err
	}
	idx, err := readIndex(file.Dir, data)
	if err != nil {
		data.Close()
		return nil, err
	}
	r := &Reader{file: file, data: data, index: idx}
	if err := r.Reset(); err != nil {
		data.Close()
		return nil, err
	}
	return r, nil
}

func readIndex(dir string, dataFile *os.File) ([]indexEntry, error) {
	f, err := os.Open(indexPath(dir))
	if err != nil {
		if os.IsNotExist(err) {
			return rebuildIndex(dataFile)
		}
		return nil, err
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if st.Size() == 0 {
		return rebuildIndex(dataFile)
	}

	var entries []indexEntry
	dec := json.NewDecoder(f)
	for dec.More() {
		var e indexEntry
		if err := dec.Decode(&e); err != nil {
			return nil, fmt.Errorf("%w: index: %v", ErrCorruptFile, err)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// rebuildIndex scans the data file from the start, recomputing sparse
// index entries at the same cadence the builder used. Used when the
// index sidecar is missing (spec.md §4.2: "attempt to rebuild once; on
// failure skip with warning" -- the "skip" half of that is the caller's
// responsibility when this returns an error).
func rebuildIndex(dataFile *os.File) ([]indexEntry, error) {
	if _, err := dataFile.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	var entries []indexEntry
	var offset int64
	var count int64
	r := bufio.NewReader(dataFile)
	for {
		frameOffset := offset
		c, n, err := readFrame(r)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: rebuilding index: %v", ErrCorruptFile, err)
		}
		if count%indexInterval == 0 {
			entries = append(entries, indexEntry{Key: c.Key, Offset: frameOffset})
		}
		offset += n
		count++
	}
	if _, err := dataFile.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	return entries, nil
}

// readFrame reads one length-prefixed, snappy-compressed record from r,
// returning the decoded Cell and the number of bytes the frame occupied.
func readFrame(r *bufio.Reader) (Cell, int64, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			err = io.EOF
		}
		return Cell{}, 0, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	compressed := make([]byte, n)
	if _, err := io.ReadFull(r, compressed); err != nil {
		return Cell{}, 0, err
	}
	payload, err := snappy.Decode(nil, compressed)
	if err != nil {
		return Cell{}, 0, fmt.Errorf("%w: decompress record: %v", ErrCorruptFile, err)
	}
	var c Cell
	if err := json.Unmarshal(payload, &c); err != nil {
		return Cell{}, 0, fmt.Errorf("%w: decode record: %v", ErrCorruptFile, err)
	}
	return c, int64(4 + len(compressed)), nil
}

// Seek positions the reader at the first entry whose key is greater than
// or equal to k, honoring any reference half filter. It reports false if
// no such entry exists.
func (r *Reader) Seek(k Key) (bool, error) {
	off := r.seekOffset(k)
	if _, err := r.data.Seek(off, io.SeekStart); err != nil {
		return false, err
	}
	r.br = bufio.NewReader(r.data)
	r.atEOF = false
	for {
		c, _, err := readFrame(r.br)
		if err == io.EOF {
			r.valid = false
			r.atEOF = true
			return false, nil
		}
		if err != nil {
			return false, err
		}
		if CompareKeys(c.Key, k) >= 0 {
			if r.file.Reference != nil && !r.file.Reference.includesRow(c.Key.Row) {
				continue
			}
			r.current = c
			r.valid = true
			return true, nil
		}
	}
}

// seekOffset returns the largest index offset known not to exceed k.
func (r *Reader) seekOffset(k Key) int64 {
	lo, hi := 0, len(r.index)-1
	best := int64(0)
	for lo <= hi {
		mid := (lo + hi) / 2
		if CompareKeys(r.index[mid].Key, k) <= 0 {
			best = r.index[mid].Offset
			lo = mid + 1
		} else {
			hi = mid - 1
		}
	}
	return best
}

// Current returns the entry the reader is positioned on.
func (r *Reader) Current() (Cell, bool) {
	if !r.valid {
		return Cell{}, false
	}
	return r.current, true
}

// Next advances to the next entry in key order, honoring the reference
// half filter. It reports false when the file is exhausted.
//
// It reads through the same br left by the last Seek/Reset rather than
// wrapping a new bufio.Reader around data: bufio prefetches past the
// frame boundary, so re-wrapping data on every call would silently
// desync the logical read position from data's buffered-ahead OS
// offset.
func (r *Reader) Next() (bool, error) {
	if r.atEOF {
		r.valid = false
		return false, nil
	}
	for {
		c, _, err := readFrame(r.br)
		if err == io.EOF {
			r.valid = false
			r.atEOF = true
			return false, nil
		}
		if err != nil {
			return false, err
		}
		if r.file.Reference != nil && !r.file.Reference.includesRow(c.Key.Row) {
			continue
		}
		r.current = c
		r.valid = true
		return true, nil
	}
}

// Reset repositions the reader at the beginning of the file.
func (r *Reader) Reset() error {
	r.valid = false
	r.atEOF = false
	if _, err := r.data.Seek(0, io.SeekStart); err != nil {
		return err
	}
	r.br = bufio.NewReader(r.data)
	return nil
}

// Close closes the reader's open file handle.
func (r *Reader) Close() error {
	return r.data.Close()
}
