package storage

import (
	"bytes"
	"errors"
)

// columnFamilySeparator divides a column's family prefix from its
// qualifier (HStoreKey's family:qualifier convention).
const columnFamilySeparator = ':'

// columnFamily returns the family prefix of column, or the whole column
// if it carries no separator.
func columnFamily(column []byte) []byte {
	if i := bytes.IndexByte(column, columnFamilySeparator); i >= 0 {
		return column[:i]
	}
	return column
}

// metaColumn marks WAL entries that record cache-flush bookkeeping
// rather than user data (HLog.METACOLUMN); recovery always skips them.
var metaColumn = []byte("METACOLUMN")

// ReplayEdit is one parsed entry from a caller-supplied WAL replay
// stream. The engine only consumes an already-parsed stream -- parsing
// the WAL's own on-disk format is the surrounding region manager's job.
type ReplayEdit struct {
	RegionName string
	Row        []byte
	Column     []byte
	Timestamp  int64
	Value      []byte
	SeqID      int64
}

// ReplayStream yields the next edit in sequence id order, or ok=false
// once the stream is exhausted. A non-nil error other than
// ErrReplayTruncated aborts recovery and is returned from Open.
type ReplayStream func() (edit ReplayEdit, ok bool, err error)

// ReplayReporter is invoked every Config.RecoveryReportInterval applied
// edits so a hosting process can heartbeat during a long recovery.
type ReplayReporter func()

// recover replays edits into a synthetic flush, mirroring
// HStore.doReconstructionLog: any edit at or below the file set's
// current max sequence id is already durable and is skipped, along
// with edits for a foreign region, a foreign column family, or the
// meta column. Surviving edits accumulate into a throwaway mtable and
// are flushed as a single new StoreFile tagged maxSeqIdInLog+1 -- never
// with the edits' own sequence ids. Holds no locks: it runs from Open,
// before the Store is handed to any caller.
func (s *Store) recover(edits ReplayStream, report ReplayReporter) error {
	if edits == nil {
		return nil
	}

	maxSeqID := s.maxInstalledSeqID()
	recovered := newMtable()
	maxSeqIDInLog := int64(-1)
	var applied, skipped int64

	for {
		edit, ok, err := edits()
		if err != nil {
			if errors.Is(err, ErrReplayTruncated) {
				s.logger.Warnf("recovery: replay stream truncated mid-record after %d applied edits", applied)
				if s.cfg.FailOnReplayTruncated {
					return err
				}
				break
			}
			return err
		}
		if !ok {
			break
		}

		if edit.SeqID > maxSeqIDInLog {
			maxSeqIDInLog = edit.SeqID
		}
		if edit.SeqID <= maxSeqID {
			skipped++
			continue
		}
		if bytes.Equal(edit.Column, metaColumn) ||
			(s.cfg.RegionName != "" && edit.RegionName != s.cfg.RegionName) ||
			(s.cfg.FamilyName != "" && !bytes.Equal(columnFamily(edit.Column), []byte(s.cfg.FamilyName))) {
			continue
		}

		k := NewKey(edit.Row, edit.Column, edit.Timestamp)
		recovered.tree.ReplaceOrInsert(k)
		recovered.vals[k.id()] = edit.Value
		applied++

		if report != nil && s.cfg.RecoveryReportInterval > 0 && applied%int64(s.cfg.RecoveryReportInterval) == 0 {
			report()
		}
	}

	s.logger.Debugf("recovery: applied %d edits, skipped %d at or below seq %d", applied, skipped, maxSeqID)

	if applied == 0 {
		return nil
	}

	seqID := maxSeqIDInLog + 1
	if _, _, err := s.flusher.Flush(recovered, seqID); err != nil {
		return err
	}
	s.files.bumpSeqGen(seqID + 1)
	return nil
}

func (s *Store) maxInstalledSeqID() int64 {
	max := int64(-1)
	for _, f := range s.files.Snapshot() {
		if f.SeqID > max {
			max = f.SeqID
		}
	}
	return max
}
