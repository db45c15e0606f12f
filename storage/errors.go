package storage

import "errors"

var (
	// ErrUnexpectedSnapshot is returned by clearSnapshot when the passed
	// snapshot is not the memtable's current one. It is a programmer
	// error and is propagated rather than recovered from.
	ErrUnexpectedSnapshot = errors.New("storage: clearSnapshot called with a snapshot that is not current")

	// ErrCorruptFile marks a StoreFile whose info sidecar is empty or
	// unparseable, or whose data or index records cannot be decoded. At
	// load time such a sidecar makes loadFileSet skip the file (as does a
	// missing or zero-length data file) rather than fail outright. The
	// index is read, or rebuilt from the data, only when a Reader opens;
	// a decode failure there is returned to the read's caller.
	ErrCorruptFile = errors.New("storage: store file failed consistency check")

	// ErrBadName is returned when a file under info/ does not match the
	// reference-name grammar. Unlike ErrCorruptFile this is
	// fatal at load time: a silent skip would hide corruption in the
	// naming scheme itself.
	ErrBadName = errors.New("storage: file name does not match reference grammar")

	// ErrReplayTruncated is returned when recovery hits EOF mid-record in
	// the replay stream. Recovery stops but the store still opens, unless
	// Config.FailOnReplayTruncated is set, in which case Open returns it.
	ErrReplayTruncated = errors.New("storage: replay stream truncated mid-record")

	// ErrNoFilesToCompact is returned by a forced Compact when the file
	// set is empty and there is nothing to merge; an unforced Compact on
	// an empty file set reports no compaction and no error.
	ErrNoFilesToCompact = errors.New("storage: no store files to compact")

	// ErrStoreClosed is returned by Put/Delete once Close has been
	// called on the Store.
	ErrStoreClosed = errors.New("storage: store is closed")
)
