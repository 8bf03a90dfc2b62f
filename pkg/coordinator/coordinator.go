// Package coordinator arbitrates access to one blob storage file across
// however many Engine instances have it open — within one process or across
// several. It hands out a single-writer lock, holds the authoritative
// storage-info snapshot in a form every attached Engine can read without
// going back to disk, and lets a writer wait for in-flight readers to drain
// before reclaiming space.
//
// Two implementations are provided: InProcess, for Engines sharing an
// address space, and CrossProcess, for Engines in separate OS processes
// sharing nothing but the filesystem. Both satisfy the same Coordinator
// interface so pkg/engine never needs to know which one it was handed.
package coordinator

import (
	"context"
	"errors"
	"time"

	"github.com/mojoe-playground/blobcache/pkg/storageinfo"
)

// ErrLockTimeout is returned by Lock when the coordinator's lock could not
// be acquired before its configured timeout elapsed.
var ErrLockTimeout = errors.New("blobcache: coordinator lock timeout")

// Unlock releases a lock acquired via Coordinator.Lock.
type Unlock func()

// Coordinator serializes access to a storage file's metadata and signals
// read quiescence so a writer can safely reclaim chunk space.
//
// All methods are safe for concurrent use. Lock must be held for the
// duration of any storage-info mutation; ReadInfo may be called either
// inside or outside that critical section, matching how pkg/engine uses it
// (it reads the snapshot to decide what to do, then re-reads it again once
// the lock is held, since another attached Engine may have changed it in
// between). WriteInfo is called only with the lock held.
type Coordinator interface {
	// Lock acquires the single-writer lock for this storage file, blocking
	// until acquired, ctx is done, or the coordinator's internal timeout
	// elapses (whichever comes first). The returned Unlock must be called
	// exactly once to release it.
	Lock(ctx context.Context) (Unlock, error)

	// ReadInfo returns the current storage-info snapshot.
	ReadInfo() (*storageinfo.Info, error)

	// WriteInfo publishes a new storage-info snapshot. Callers must hold
	// the lock.
	WriteInfo(info *storageinfo.Info) error

	// WaitForReadFinish blocks until every chunk's ReadCount in the most
	// recently published info reaches zero, or ctx is done. Used by
	// remove_chunk before reclaiming space a reader might still be
	// streaming from.
	WaitForReadFinish(ctx context.Context) error

	// SignalReadFinish notifies any waiter that a reader has finished and
	// it may be worth re-checking read counts.
	SignalReadFinish()

	// Attach registers this process/goroutine as a user of the storage
	// file identified by fileID. Must be paired with Detach.
	Attach(fileID [16]byte) error

	// Detach unregisters a prior Attach. Once the last attachment for a
	// fileID is detached, the coordinator frees any resources (shared
	// memory, OS mutex handles) dedicated to it.
	Detach(fileID [16]byte) error
}

// pollInterval is the cooperative retry delay used by both coordinator
// variants while spinning on a contended lock or an unsatisfied read-wait,
// matching spec.md §5's "cooperative try-lock bursts, not blocking kernel
// waits" guidance.
const pollInterval = 75 * time.Millisecond
