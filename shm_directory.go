package mesh

import (
	"os"

	"github.com/nexus-actors/cluster-swoole/internal/shmtable"
)

// ShmDirectory adapts an internal/shmtable.Table to the same Register/
// Lookup/Has/Remove shape as Directory (it has no Len), so Bootstrap.RunForked's real
// OS processes can share one directory the way Bootstrap.Run's goroutines
// share a *Directory. This is spec.md §9's option (a) ("shared memory
// segment"), used only by the experimental forked path; see
// SPEC_FULL.md §3.
type ShmDirectory struct {
	table *shmtable.Table
}

// CreateShmDirectory allocates a new backing table sized for capacity
// entries and returns both the directory and the file whose descriptor
// must be passed to every forked worker (e.g. via exec.Cmd.ExtraFiles).
func CreateShmDirectory(capacity int) (*ShmDirectory, *os.File, error) {
	table, f, err := shmtable.Create(capacity)
	if err != nil {
		return nil, nil, err
	}
	return &ShmDirectory{table: table}, f, nil
}

// OpenShmDirectory attaches to an existing backing table via an inherited
// file descriptor, for use inside a forked worker process.
func OpenShmDirectory(f *os.File, capacity int) (*ShmDirectory, error) {
	table, err := shmtable.Open(f, capacity)
	if err != nil {
		return nil, err
	}
	return &ShmDirectory{table: table}, nil
}

// Register writes path -> workerID, matching Directory.Register's
// idempotent semantics.
func (d *ShmDirectory) Register(path string, workerID int) error {
	if err := d.table.Register(path, workerID); err != nil {
		if err == shmtable.ErrFull {
			return ErrDirectoryFull
		}
		return err
	}
	return nil
}

// Lookup matches Directory.Lookup.
func (d *ShmDirectory) Lookup(path string) (int, bool) {
	return d.table.Lookup(path)
}

// Has matches Directory.Has.
func (d *ShmDirectory) Has(path string) bool {
	_, ok := d.table.Lookup(path)
	return ok
}

// Remove matches Directory.Remove.
func (d *ShmDirectory) Remove(path string) {
	d.table.Remove(path)
}

// Close unmaps the underlying table.
func (d *ShmDirectory) Close() error {
	return d.table.Close()
}
