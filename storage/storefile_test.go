package storage

import (
	"os"
	"path/filepath"
	"testing"
)

func buildStoreFile(t *testing.T, root string, seqID int64, cells []Cell) *StoreFile {
	t.Helper()
	b, err := NewStoreFileBuilder(root)
	if err != nil {
		t.Fatalf("new builder: %v", err)
	}
	for _, c := range cells {
		if err := b.Add(c); err != nil {
			t.Fatalf("add cell: %v", err)
		}
	}
	sf, err := b.Install(root, seqID, seqID, nil)
	if err != nil {
		t.Fatalf("install: %v", err)
	}
	return sf
}

func TestStoreFileRoundTrip(t *testing.T) {
	root := t.TempDir()
	cells := []Cell{
		{Key: k("row1", "a", 100), Value: []byte("v1")},
		{Key: k("row2", "a", 100), Value: []byte("v2")},
		{Key: k("row3", "a", 100), Value: []byte("v3")},
	}
	sf := buildStoreFile(t, root, 1, cells)

	if sf.Info.Count != 3 {
		t.Fatalf("expected count 3, got %d", sf.Info.Count)
	}
	if string(sf.Info.FirstRow) != "row1" || string(sf.Info.LastRow) != "row3" {
		t.Fatalf("unexpected row bounds: %s..%s", sf.Info.FirstRow, sf.Info.LastRow)
	}

	r, err := OpenReader(sf)
	if err != nil {
		t.Fatalf("open reader: %v", err)
	}
	defer r.Close()

	ok, err := r.Seek(k("row2", "a", LatestTimestamp))
	if err != nil || !ok {
		t.Fatalf("seek row2: ok=%v err=%v", ok, err)
	}
	cur, ok := r.Current()
	if !ok || string(cur.Value) != "v2" {
		t.Fatalf("expected v2, got %+v", cur)
	}

	ok, err = r.Next()
	if err != nil || !ok {
		t.Fatalf("next: ok=%v err=%v", ok, err)
	}
	cur, _ = r.Current()
	if string(cur.Value) != "v3" {
		t.Fatalf("expected v3, got %+v", cur)
	}
}

func TestStoreFileSeekPastEnd(t *testing.T) {
	root := t.TempDir()
	sf := buildStoreFile(t, root, 1, []Cell{{Key: k("row1", "a", 100), Value: []byte("v1")}})

	r, err := OpenReader(sf)
	if err != nil {
		t.Fatalf("open reader: %v", err)
	}
	defer r.Close()

	ok, err := r.Seek(k("row9", "a", LatestTimestamp))
	if err != nil {
		t.Fatalf("seek: %v", err)
	}
	if ok {
		t.Fatalf("expected no entry past the file's last row")
	}
}

func TestStoreFileReferenceFiltersRows(t *testing.T) {
	root := t.TempDir()
	b, err := NewStoreFileBuilder(root)
	if err != nil {
		t.Fatalf("new builder: %v", err)
	}
	for _, row := range []string{"a", "m", "z"} {
		if err := b.Add(Cell{Key: k(row, "c", 1), Value: []byte(row)}); err != nil {
			t.Fatalf("add: %v", err)
		}
	}
	ref := &Reference{ParentRegion: "parent", SplitRow: []byte("m"), Half: TopHalf}
	sf, err := b.Install(root, 1, 1, ref)
	if err != nil {
		t.Fatalf("install: %v", err)
	}

	r, err := OpenReader(sf)
	if err != nil {
		t.Fatalf("open reader: %v", err)
	}
	defer r.Close()

	var rows []string
	ok, err := r.Seek(Key{Row: []byte{}, Timestamp: LatestTimestamp})
	if err != nil {
		t.Fatalf("seek: %v", err)
	}
	for ok {
		cur, _ := r.Current()
		rows = append(rows, string(cur.Key.Row))
		ok, err = r.Next()
		if err != nil {
			t.Fatalf("next: %v", err)
		}
	}
	if len(rows) != 2 || rows[0] != "m" || rows[1] != "z" {
		t.Fatalf("expected top-half rows [m z], got %v", rows)
	}
}

func TestRebuildIndexWhenSidecarMissing(t *testing.T) {
	root := t.TempDir()
	cells := []Cell{
		{Key: k("row1", "a", 1), Value: []byte("v1")},
		{Key: k("row2", "a", 1), Value: []byte("v2")},
	}
	sf := buildStoreFile(t, root, 1, cells)
	if err := os.Remove(indexPath(sf.Dir)); err != nil {
		t.Fatalf("remove index: %v", err)
	}

	r, err := OpenReader(sf)
	if err != nil {
		t.Fatalf("open reader with missing index: %v", err)
	}
	defer r.Close()

	ok, err := r.Seek(k("row2", "a", LatestTimestamp))
	if err != nil || !ok {
		t.Fatalf("seek after rebuild: ok=%v err=%v", ok, err)
	}
	cur, _ := r.Current()
	if string(cur.Value) != "v2" {
		t.Fatalf("expected v2, got %+v", cur)
	}
}

func TestParseFileName(t *testing.T) {
	t.Run("plain file", func(t *testing.T) {
		seqID, parent, isRef, err := parseFileName("42")
		if err != nil || seqID != 42 || isRef || parent != "" {
			t.Fatalf("unexpected parse: %d %q %v %v", seqID, parent, isRef, err)
		}
	})
	t.Run("reference file", func(t *testing.T) {
		seqID, parent, isRef, err := parseFileName("7.some-region")
		if err != nil || seqID != 7 || !isRef || parent != "some-region" {
			t.Fatalf("unexpected parse: %d %q %v %v", seqID, parent, isRef, err)
		}
	})
	t.Run("bad name", func(t *testing.T) {
		if _, _, _, err := parseFileName("not-a-number"); err == nil {
			t.Fatalf("expected ErrBadName")
		}
	})
}

func TestStoreFileInfoPaths(t *testing.T) {
	root := t.TempDir()
	sf := buildStoreFile(t, root, 5, []Cell{{Key: k("r", "c", 1), Value: []byte("v")}})
	wantDir := filepath.Join(mapfilesDir(root), "5")
	if sf.Dir != wantDir {
		t.Fatalf("expected dir %q, got %q", wantDir, sf.Dir)
	}
	if !sf.Splittable() {
		t.Fatalf("expected a plain store file to be splittable")
	}
}
