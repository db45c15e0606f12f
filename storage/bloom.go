package storage

import (
	"os"
	"path/filepath"

	"github.com/bits-and-blooms/bloom/v3"
)

// bloomKey is the row+column pair the store's shared bloom filter is
// keyed on; the filter answers "does any version of this cell definitely
// not appear in any flushed StoreFile", never "definitely does".
func bloomKey(row, column []byte) []byte {
	// Length-prefix the row so (row="ab", col="c") and (row="a", col="bc")
	// never collide on the concatenation.
	buf := make([]byte, 0, len(row)+len(column)+8)
	buf = append(buf, byte(len(row)>>24), byte(len(row)>>16), byte(len(row)>>8), byte(len(row)))
	buf = append(buf, row...)
	buf = append(buf, column...)
	return buf
}

// bloomOracle wraps a bits-and-blooms filter as the "definitely absent"
// oracle spec.md describes: Contains answers false only when it is safe
// to skip scanning every StoreFile.
type bloomOracle struct {
	f *bloom.BloomFilter
}

func newBloomOracle(size int, fpr float64) *bloomOracle {
	return &bloomOracle{f: bloom.NewWithEstimates(uint(size), fpr)}
}

func (b *bloomOracle) add(row, column []byte) {
	if b == nil {
		return
	}
	b.f.Add(bloomKey(row, column))
}

// contains reports whether row+column might be present. A nil oracle
// (bloom filters disabled or missing) always answers true -- "maybe".
func (b *bloomOracle) contains(row, column []byte) bool {
	if b == nil {
		return true
	}
	return b.f.Test(bloomKey(row, column))
}

func (b *bloomOracle) writeTo(path string) error {
	data, err := b.f.MarshalBinary()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// loadBloomOracle loads a bloom filter sidecar. Per spec.md's preference
// for availability over refusing to open, a missing or empty filter file
// is not an error -- it degrades to "no filter" (nil oracle, always
// "maybe") rather than failing the store's Open. It is never
// retrained on load; exactly the bytes written are trusted (open question
// resolved in DESIGN.md).
func loadBloomOracle(path string) (*bloomOracle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}
	f := &bloom.BloomFilter{}
	if err := f.UnmarshalBinary(data); err != nil {
		return nil, err
	}
	return &bloomOracle{f: f}, nil
}
