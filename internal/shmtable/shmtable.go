/*

Package shmtable implements the "memory-mapped fixed-capacity hash table
with atomic row updates" alternative spec.md §9 lists as option (a) for a
directory shared across real OS processes: "preferred for true
cross-process sharing... preserves the original one-host,
one-process-per-worker deployment model."

The default mesh.Bootstrap.Run path does not use this — it runs workers
as goroutines in one process, so a mutex-guarded Go map (mesh.Directory)
already gives every worker the same view of the table for free. This
package exists for mesh.Bootstrap.RunForked, which re-execs real
subprocesses and therefore needs an actual shared memory segment, backed
by a temporary file (os.CreateTemp) inherited across exec via ExtraFiles.

The table is open-addressed with linear probing. Rows are claimed with a
three-state protocol (empty -> writing -> occupied) so that a reader never
observes a row whose key/workerID fields are only partially written: the
occupied state is only ever set with an atomic store after the key and
workerID fields have already been written by the same goroutine/process
that owns the row.

*/
package shmtable

import (
	"encoding/binary"
	"errors"
	"hash/fnv"
	"os"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	// MaxKeyLength bounds the actor path length this table can store.
	MaxKeyLength = 192

	headerSize = 64
	rowSize    = 4 /*state*/ + 4 /*workerID*/ + 8 /*keyHash*/ + 4 /*keyLen*/ + 4 /*pad*/ + MaxKeyLength

	stateEmpty    uint32 = 0
	stateWriting  uint32 = 1
	stateOccupied uint32 = 2
)

// ErrFull is returned by Register when no empty or matching row could be
// found within one full pass over the table.
var ErrFull = errors.New("shmtable: table is full")

// ErrKeyTooLong is returned by Register when path exceeds MaxKeyLength.
var ErrKeyTooLong = errors.New("shmtable: key exceeds MaxKeyLength")

// Table is a fixed-capacity path -> worker id table backed by a shared
// memory mapping of a temporary file.
type Table struct {
	data     []byte
	capacity int
	file     *os.File
}

// Create allocates a new backing file sized for capacity rows, maps it
// MAP_SHARED, and returns a Table plus the *os.File so the caller can
// pass its descriptor to child processes via exec.Cmd.ExtraFiles.
func Create(capacity int) (*Table, *os.File, error) {
	if capacity <= 0 {
		return nil, nil, errors.New("shmtable: capacity must be positive")
	}

	f, err := os.CreateTemp("", "meshdir-*")
	if err != nil {
		return nil, nil, err
	}

	size := int64(headerSize + capacity*rowSize)
	if err := f.Truncate(size); err != nil {
		f.Close()
		return nil, nil, err
	}

	t, err := mapFile(f, capacity, int(size))
	if err != nil {
		f.Close()
		return nil, nil, err
	}

	binary.LittleEndian.PutUint64(t.data[0:8], uint64(capacity))
	return t, f, nil
}

// Open maps an existing backing file (typically inherited across exec at
// a known fd) for a table of the given capacity.
func Open(f *os.File, capacity int) (*Table, error) {
	size := headerSize + capacity*rowSize
	return mapFile(f, capacity, size)
}

func mapFile(f *os.File, capacity, size int) (*Table, error) {
	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, err
	}
	return &Table{data: data, capacity: capacity, file: f}, nil
}

// Close unmaps the table. It does not close or remove the backing file;
// the process that called Create owns that lifetime.
func (t *Table) Close() error {
	return unix.Munmap(t.data)
}

func (t *Table) rowOffset(i int) int { return headerSize + i*rowSize }

func (t *Table) stateAddr(i int) *uint32 {
	return (*uint32)(unsafe.Pointer(&t.data[t.rowOffset(i)]))
}

func (t *Table) workerAddr(i int) *uint32 {
	return (*uint32)(unsafe.Pointer(&t.data[t.rowOffset(i)+4]))
}

func hashKey(s string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return h.Sum64()
}

func (t *Table) keyMatches(i int, h uint64, path string) bool {
	off := t.rowOffset(i)
	storedHash := binary.LittleEndian.Uint64(t.data[off+8 : off+16])
	if storedHash != h {
		return false
	}
	storedLen := binary.LittleEndian.Uint32(t.data[off+16 : off+20])
	if int(storedLen) != len(path) {
		return false
	}
	return string(t.data[off+24:off+24+int(storedLen)]) == path
}

func (t *Table) writeKey(i int, h uint64, path string) {
	off := t.rowOffset(i)
	binary.LittleEndian.PutUint64(t.data[off+8:off+16], h)
	binary.LittleEndian.PutUint32(t.data[off+16:off+20], uint32(len(path)))
	copy(t.data[off+24:off+24+MaxKeyLength], path)
}

// Register writes path -> workerID, per the same idempotent, last-write-
// wins semantics as mesh.Directory.Register.
func (t *Table) Register(path string, workerID int) error {
	if len(path) > MaxKeyLength {
		return ErrKeyTooLong
	}

	h := hashKey(path)
	start := int(h % uint64(t.capacity))

	for probe := 0; probe < t.capacity; probe++ {
		i := (start + probe) % t.capacity
		statePtr := t.stateAddr(i)

		switch atomic.LoadUint32(statePtr) {
		case stateOccupied:
			if t.keyMatches(i, h, path) {
				atomic.StoreUint32(t.workerAddr(i), uint32(workerID))
				return nil
			}
			// Different key hashed to this slot; keep probing.
		case stateEmpty:
			if atomic.CompareAndSwapUint32(statePtr, stateEmpty, stateWriting) {
				t.writeKey(i, h, path)
				atomic.StoreUint32(t.workerAddr(i), uint32(workerID))
				atomic.StoreUint32(statePtr, stateOccupied)
				return nil
			}
			// Lost the race to claim this row; keep probing rather than
			// spin-waiting on the winner.
		default: // stateWriting: another writer is mid-claim on this row.
		}
	}

	return ErrFull
}

// Lookup returns path's worker id and whether it was found. Because
// Remove resets a row to empty rather than leaving a tombstone marker, a
// Lookup that crosses a removed row belonging to a different, colliding
// key can (rarely) stop early and miss an entry further down the probe
// chain; this is the documented tradeoff of a lock-free open-addressed
// table without tombstones, acceptable here because removal only ever
// happens on explicit actor termination, not in the hot send path.
func (t *Table) Lookup(path string) (int, bool) {
	h := hashKey(path)
	start := int(h % uint64(t.capacity))

	for probe := 0; probe < t.capacity; probe++ {
		i := (start + probe) % t.capacity
		state := atomic.LoadUint32(t.stateAddr(i))
		if state == stateEmpty {
			return 0, false
		}
		if state == stateOccupied && t.keyMatches(i, h, path) {
			return int(atomic.LoadUint32(t.workerAddr(i))), true
		}
	}
	return 0, false
}

// Remove resets path's row to empty, if present.
func (t *Table) Remove(path string) {
	h := hashKey(path)
	start := int(h % uint64(t.capacity))

	for probe := 0; probe < t.capacity; probe++ {
		i := (start + probe) % t.capacity
		statePtr := t.stateAddr(i)
		state := atomic.LoadUint32(statePtr)
		if state == stateEmpty {
			return
		}
		if state == stateOccupied && t.keyMatches(i, h, path) {
			atomic.StoreUint32(statePtr, stateEmpty)
			return
		}
	}
}
