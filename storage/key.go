package storage

import (
	"bytes"
	"math"
)

// LatestTimestamp is the sentinel timestamp used to build "start-of-row"
// probes that sort before any real entry for a row, and to mean "give me
// whatever is newest" on a read.
const LatestTimestamp int64 = math.MaxInt64

// Key is the composite coordinate of a cell: a row, a column within that
// row, and a version timestamp. Keys sort ascending by row, then ascending
// by column, then descending by timestamp -- newer versions of the same
// cell sort before older ones.
type Key struct {
	Row       []byte
	Column    []byte
	Timestamp int64
}

// NewKey builds a Key, cloning the row and column so the caller's buffers
// can be reused or mutated afterward.
func NewKey(row, column []byte, ts int64) Key {
	return Key{
		Row:       append([]byte(nil), row...),
		Column:    append([]byte(nil), column...),
		Timestamp: ts,
	}
}

// RowKey builds a "start-of-row" probe: a Key with no column and the
// latest-timestamp sentinel, which sorts before any real entry belonging
// to row.
func RowKey(row []byte) Key {
	return Key{Row: append([]byte(nil), row...), Timestamp: LatestTimestamp}
}

// CompareKeys implements the total order over composite keys: row
// ascending, column ascending, timestamp descending.
func CompareKeys(a, b Key) int {
	if c := bytes.Compare(a.Row, b.Row); c != 0 {
		return c
	}
	if c := bytes.Compare(a.Column, b.Column); c != 0 {
		return c
	}
	switch {
	case a.Timestamp > b.Timestamp:
		return -1
	case a.Timestamp < b.Timestamp:
		return 1
	default:
		return 0
	}
}

// Less reports whether k sorts strictly before other. Satisfies the
// ordering required by btree.BTreeG.
func (k Key) Less(other Key) bool {
	return CompareKeys(k, other) < 0
}

// MatchesRowCol reports whether k and other share the same row and column,
// ignoring timestamp.
func (k Key) MatchesRowCol(other Key) bool {
	return bytes.Equal(k.Row, other.Row) && bytes.Equal(k.Column, other.Column)
}

// StrippedKey is a Key with its timestamp removed -- the identity of a
// cell across versions, used to track getRowKeyAtOrBefore candidates.
type StrippedKey struct {
	Row    string
	Column string
}

// Strip discards k's timestamp, leaving only its row+column identity.
func (k Key) Strip() StrippedKey {
	return StrippedKey{Row: string(k.Row), Column: string(k.Column)}
}

// tombstoneMarker is the distinguished byte pattern that denotes a
// deletion marker. It is vanishingly unlikely to collide with a real
// application value, mirroring HBase's HLogEdit.deleteBytes sentinel.
var tombstoneMarker = []byte("\xffcfstore:tombstone:v1\xff")

// Tombstone returns the distinguished value that marks a cell as deleted.
func Tombstone() []byte {
	return append([]byte(nil), tombstoneMarker...)
}

// IsTombstone reports whether v is the distinguished deletion marker.
func IsTombstone(v []byte) bool {
	return bytes.Equal(v, tombstoneMarker)
}
