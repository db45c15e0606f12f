package storage

import (
	"errors"
	"testing"
)

func TestStoreRecoverAppliesEditsAboveMaxSeqID(t *testing.T) {
	edits := []ReplayEdit{
		{RegionName: "r1", Row: []byte("row1"), Column: []byte("cf:a"), Timestamp: 1, Value: []byte("v1"), SeqID: 1},
		{RegionName: "r1", Row: []byte("row1"), Column: []byte("cf:a"), Timestamp: 2, Value: []byte("v2"), SeqID: 2},
	}
	stream := streamOf(edits)

	s := openTestStore(t, Config{RegionName: "r1", FamilyName: "cf", ReplayStream: stream})

	got, err := s.Get(k("row1", "cf:a", LatestTimestamp), 1)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(got) != 1 || string(got[0]) != "v2" {
		t.Fatalf("expected recovered newest value v2, got %v", got)
	}

	files := s.files.Snapshot()
	if len(files) != 1 {
		t.Fatalf("expected recovery to install exactly one synthetic flush, got %d files", len(files))
	}
	if files[0].SeqID != 3 {
		t.Fatalf("expected the synthetic flush to be tagged maxSeqIdInLog+1 = 3, got %d", files[0].SeqID)
	}
}

func TestStoreRecoverSkipsEditsAtOrBelowMaxSeqID(t *testing.T) {
	root := t.TempDir()

	s1, err := Open(root, Config{RegionName: "r1", FamilyName: "cf"})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	s1.Put(k("row1", "cf:a", 1), []byte("v1"))
	if _, flushed, err := s1.Flush(); err != nil || !flushed {
		t.Fatalf("flush: flushed=%v err=%v", flushed, err)
	}
	installedSeqID := s1.files.Snapshot()[0].SeqID

	edits := []ReplayEdit{
		{RegionName: "r1", Row: []byte("row1"), Column: []byte("cf:a"), Timestamp: 1, Value: []byte("already-durable"), SeqID: installedSeqID},
		{RegionName: "r1", Row: []byte("row2"), Column: []byte("cf:a"), Timestamp: 1, Value: []byte("v2"), SeqID: installedSeqID + 1},
	}

	s2, err := Open(root, Config{RegionName: "r1", FamilyName: "cf", ReplayStream: streamOf(edits)})
	if err != nil {
		t.Fatalf("reopen with recovery: %v", err)
	}

	got, err := s2.Get(k("row2", "cf:a", LatestTimestamp), 1)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(got) != 1 || string(got[0]) != "v2" {
		t.Fatalf("expected the above-maxSeqId edit to be applied, got %v", got)
	}

	if len(s2.files.Snapshot()) != 2 {
		t.Fatalf("expected the durable file plus one recovered flush, got %d", len(s2.files.Snapshot()))
	}
}

func TestStoreRecoverSkipsForeignRegionFamilyAndMetaColumn(t *testing.T) {
	edits := []ReplayEdit{
		{RegionName: "other-region", Row: []byte("row1"), Column: []byte("cf:a"), Timestamp: 1, Value: []byte("foreign-region"), SeqID: 1},
		{RegionName: "r1", Row: []byte("row1"), Column: []byte("othercf:a"), Timestamp: 1, Value: []byte("foreign-family"), SeqID: 2},
		{RegionName: "r1", Row: []byte("row1"), Column: metaColumn, Timestamp: 1, Value: []byte("meta"), SeqID: 3},
	}

	s := openTestStore(t, Config{RegionName: "r1", FamilyName: "cf", ReplayStream: streamOf(edits)})

	if len(s.files.Snapshot()) != 0 {
		t.Fatalf("expected no edits to survive filtering, got %d files", len(s.files.Snapshot()))
	}
}

func TestStoreRecoverTruncatedStreamStopsButStillOpens(t *testing.T) {
	calls := 0
	applied := []ReplayEdit{
		{RegionName: "r1", Row: []byte("row1"), Column: []byte("cf:a"), Timestamp: 1, Value: []byte("v1"), SeqID: 1},
	}
	stream := func() (ReplayEdit, bool, error) {
		if calls < len(applied) {
			e := applied[calls]
			calls++
			return e, true, nil
		}
		return ReplayEdit{}, false, ErrReplayTruncated
	}

	s := openTestStore(t, Config{RegionName: "r1", FamilyName: "cf", ReplayStream: stream})

	got, err := s.Get(k("row1", "cf:a", LatestTimestamp), 1)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(got) != 1 || string(got[0]) != "v1" {
		t.Fatalf("expected the edits applied before truncation to survive, got %v", got)
	}
}

func TestStoreRecoverFailOnReplayTruncated(t *testing.T) {
	stream := func() (ReplayEdit, bool, error) {
		return ReplayEdit{}, false, ErrReplayTruncated
	}

	_, err := Open(t.TempDir(), Config{
		RegionName:            "r1",
		FamilyName:            "cf",
		ReplayStream:          stream,
		FailOnReplayTruncated: true,
	})
	if !errors.Is(err, ErrReplayTruncated) {
		t.Fatalf("expected ErrReplayTruncated to propagate, got %v", err)
	}
}

func TestStoreRecoverReportsProgress(t *testing.T) {
	edits := []ReplayEdit{
		{RegionName: "r1", Row: []byte("row1"), Column: []byte("cf:a"), Timestamp: 1, Value: []byte("v1"), SeqID: 1},
		{RegionName: "r1", Row: []byte("row2"), Column: []byte("cf:a"), Timestamp: 1, Value: []byte("v2"), SeqID: 2},
	}

	var reports int
	_, err := Open(t.TempDir(), Config{
		RegionName:             "r1",
		FamilyName:             "cf",
		ReplayStream:           streamOf(edits),
		ReplayReporter:         func() { reports++ },
		RecoveryReportInterval: 1,
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if reports != 2 {
		t.Fatalf("expected a report after every edit at interval 1, got %d", reports)
	}
}

func streamOf(edits []ReplayEdit) ReplayStream {
	i := 0
	return func() (ReplayEdit, bool, error) {
		if i >= len(edits) {
			return ReplayEdit{}, false, nil
		}
		e := edits[i]
		i++
		return e, true, nil
	}
}
