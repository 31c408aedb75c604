package export

import (
	"context"

	"github.com/coffersTech/nanolog-export/internal/engine"
)

// Store is the log store an export reads from. *engine.QueryEngine implements it.
type Store interface {
	CurrentSession() string
	Fetch(ctx context.Context, filter *engine.Filter) ([]engine.Entry, error)
	CopyFiltered(ctx context.Context, filter *engine.Filter, path string) (*engine.ArchiveInfo, error)
}

// Verifier checks a written container against its recorded checksum.
type Verifier interface {
	Verify(path string) error
}

// SnapshotReader runs a predicate against the store and returns a
// consistent, ordered, task-grouped result.
type SnapshotReader struct {
	Store Store
}

func (r SnapshotReader) Read(ctx context.Context, filter *engine.Filter) ([]engine.Entry, error) {
	entries, err := r.Store.Fetch(ctx, filter)
	if err != nil {
		return nil, storeReadError("fetch", err)
	}
	return entries, nil
}
