// Package storage implements a per-column-family LSM storage engine: an
// in-memory MemTable absorbing writes, immutable on-disk StoreFiles
// holding sealed generations, a Flusher sealing the MemTable, a
// Compactor merging StoreFiles, and a unified read path (Get, GetFull,
// GetKeys, GetRowKeyAtOrBefore, Scanner) that fans out across both.
//
// # Disk layout
//
// A Store is rooted at a directory with the following structure:
//
//	root/
//	├── mapfiles/
//	│   └── {{ FILE_ID }}[.{{ PARENT_REGION }}]/
//	│       ├── data
//	│       └── index
//	├── info/
//	│   └── {{ FILE_ID }}[.{{ PARENT_REGION }}]
//	└── filter/
//	    └── filter
//
// Every StoreFile is named by its file id, which for a flush equals its
// sequence id and for a compaction's output is a fresh id; the sequence
// id itself is recorded in the info sidecar. A dotted suffix marks a
// file as a reference to a parent region's file, narrowed to a row-range
// half by a split. Flushes and compactions both build their output under
// mapfiles/ with a temporary tmp-<uuid> name and rename it into place;
// no compaction.dir/ staging directory is created. The file set orders
// files newest-first (by sequence id) for reads.
package storage
