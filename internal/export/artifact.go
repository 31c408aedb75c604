package export

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/coffersTech/nanolog-export/internal/engine"
)

// Artifact is a finished export file inside a temporary directory owned by
// the coordinator. The directory is removed exactly once, when the artifact
// has been released and no hand-off holds a lease on it.
type Artifact struct {
	Path       string
	Size       int64
	Info       *engine.ArchiveInfo // nil for text exports
	Options    Options
	Generation uint64

	dir string

	mu       sync.Mutex
	leases   int
	released bool
	removed  bool
	onRemove func(dir string, err error)
}

func newArtifact(dir, path string, size int64, info *engine.ArchiveInfo, opts Options, gen uint64, onRemove func(string, error)) *Artifact {
	return &Artifact{
		Path:       path,
		Size:       size,
		Info:       info,
		Options:    opts,
		Generation: gen,
		dir:        dir,
		onRemove:   onRemove,
	}
}

// Name is the base name of the export file.
func (a *Artifact) Name() string {
	return filepath.Base(a.Path)
}

// acquire takes a hand-off lease. It fails once the artifact is released.
func (a *Artifact) acquire() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.released {
		return false
	}
	a.leases++
	return true
}

// returnLease gives a lease back and removes the directory if the artifact
// was released in the meantime.
func (a *Artifact) returnLease() {
	a.mu.Lock()
	a.leases--
	remove := a.released && a.leases == 0
	a.mu.Unlock()
	if remove {
		a.remove()
	}
}

// Release marks the artifact as no longer wanted. Removal is deferred while
// a lease is held. Calling Release more than once is a no-op.
func (a *Artifact) Release() {
	a.mu.Lock()
	if a.released {
		a.mu.Unlock()
		return
	}
	a.released = true
	remove := a.leases == 0
	a.mu.Unlock()
	if remove {
		a.remove()
	}
}

// Removed reports whether the backing directory has been deleted.
func (a *Artifact) Removed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.removed
}

func (a *Artifact) remove() {
	a.mu.Lock()
	if a.removed {
		a.mu.Unlock()
		return
	}
	a.removed = true
	a.mu.Unlock()

	err := os.RemoveAll(a.dir)
	if a.onRemove != nil {
		a.onRemove(a.dir, err)
	}
}
