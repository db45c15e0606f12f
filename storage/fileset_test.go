package storage

import (
	"os"
	"testing"
)

func TestLoadFileSetEmpty(t *testing.T) {
	root := t.TempDir()
	fs, err := loadFileSet(root, nil)
	if err != nil {
		t.Fatalf("load empty file set: %v", err)
	}
	if len(fs.Snapshot()) != 0 {
		t.Fatalf("expected no files")
	}
}

func TestLoadFileSetSkipsCorruptEntry(t *testing.T) {
	root := t.TempDir()
	sf1 := buildStoreFile(t, root, 1, []Cell{{Key: k("row1", "a", 1), Value: []byte("v1")}})
	_ = buildStoreFile(t, root, 2, []Cell{{Key: k("row2", "a", 1), Value: []byte("v2")}})

	// Corrupt file 1's info sidecar; load should skip it, not fail outright.
	if err := os.WriteFile(sf1.infoFilePath(root), []byte{}, 0644); err != nil {
		t.Fatalf("corrupt info: %v", err)
	}

	fs, err := loadFileSet(root, nil)
	if err != nil {
		t.Fatalf("load with one corrupt entry: %v", err)
	}
	files := fs.Snapshot()
	if len(files) != 1 || files[0].SeqID != 2 {
		t.Fatalf("expected only seqID 2 to survive, got %+v", files)
	}
}

func TestLoadFileSetRejectsBadName(t *testing.T) {
	root := t.TempDir()
	_ = buildStoreFile(t, root, 1, []Cell{{Key: k("row1", "a", 1), Value: []byte("v1")}})
	if err := os.WriteFile(infoDir(root)+"/not-a-number", []byte("{}"), 0644); err != nil {
		t.Fatalf("write bad name: %v", err)
	}

	if _, err := loadFileSet(root, nil); err == nil {
		t.Fatalf("expected a bad file name to be fatal")
	}
}

func TestFileSetInstallAndNotify(t *testing.T) {
	root := t.TempDir()
	fs, err := loadFileSet(root, nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	var notified []*StoreFile
	fs.Observe(func(snap []*StoreFile) { notified = snap })

	sf1 := buildStoreFile(t, root, fs.NextSeqID(), []Cell{{Key: k("row1", "a", 1), Value: []byte("v1")}})
	fs.InstallFlushed(sf1)
	if len(notified) != 1 {
		t.Fatalf("expected a notification after flush install, got %d", len(notified))
	}

	sf2 := buildStoreFile(t, root, fs.NextSeqID(), []Cell{{Key: k("row1", "a", 2), Value: []byte("v2")}})
	fs.InstallFlushed(sf2)

	merged := buildStoreFile(t, root, fs.NextSeqID(), []Cell{{Key: k("row1", "a", 2), Value: []byte("v2")}})
	retired := fs.InstallCompacted(merged, []*StoreFile{sf1, sf2})
	if len(retired) != 2 {
		t.Fatalf("expected 2 retired files, got %d", len(retired))
	}

	live := fs.Snapshot()
	if len(live) != 1 || live[0].SeqID != merged.SeqID {
		t.Fatalf("expected only the merged file live, got %+v", live)
	}
	if len(notified) != 1 || notified[0].SeqID != merged.SeqID {
		t.Fatalf("expected notify to carry the post-compaction snapshot, got %+v", notified)
	}

	if err := fs.DeleteRetired(retired); err != nil {
		t.Fatalf("delete retired: %v", err)
	}
	if _, err := os.Stat(sf1.Dir); !os.IsNotExist(err) {
		t.Fatalf("expected retired file's directory to be gone")
	}
}
