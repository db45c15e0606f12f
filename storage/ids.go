package storage

import (
	"fmt"

	"github.com/google/uuid"
)

// newTempName returns a unique name for a StoreFile directory that is
// being built under mapfiles/ by a flush or a compaction, before it is
// installed. The builder renames the finished directory into place under
// its file id; compaction.dir/ is not used for staging.
func newTempName() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("storage: generate temp name: %w", err)
	}
	return "tmp-" + id.String(), nil
}
