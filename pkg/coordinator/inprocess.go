package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/mojoe-playground/blobcache/pkg/storageinfo"
)

// DefaultInProcessLockTimeout is the per-call lock acquisition timeout used
// by InProcess when none is configured, matching spec.md §5's in-process
// default.
const DefaultInProcessLockTimeout = 1000 * time.Millisecond

// entry is the per-file-id shared state underlying InProcess: the
// single-writer lock handed out by Lock, a separate plain mutex guarding the
// storage-info (so ReadInfo/WriteInfo work while the writer lock is held), a
// condition-variable-like broadcast channel standing in for the spec's
// "manual-reset event", and a reference count tracking how many Engines are
// currently attached.
type entry struct {
	lock     sync.Mutex
	mu       sync.Mutex
	info     *storageinfo.Info
	refCount int

	readDone chan struct{} // closed and replaced on every SignalReadFinish
}

func newEntry() *entry {
	return &entry{
		info:     storageinfo.New(),
		readDone: make(chan struct{}),
	}
}

// processTable is the process-wide registry of per-file-id entries, shared
// by every InProcess handle in this process (spec.md §4.2: "per-file-id
// entry keyed by file-id, shared by all engines in the same process").
// Engines that construct independent InProcess values but attach to the
// same file-id still contend on the same mutex and see the same
// storage-info through this shared table.
var (
	processTableMu sync.Mutex
	processTable    = make(map[[16]byte]*entry)
)

// InProcess is the Coordinator variant for Engines sharing one address
// space. Each attached file-id's state (the process-wide entry) is
// reference-counted across Attach/Detach so the last detach can free it
// (spec.md §9 "global state... process-wide state with reference
// counting").
//
// Because no real OS lock backs this variant, Lock uses short try-acquire
// bursts with a cooperative delay between attempts rather than blocking
// indefinitely on the mutex, so a context cancellation or timeout can
// interrupt a long wait (spec.md §4.2: "short try_acquire bursts with
// cooperative delays (≈50-100ms)").
type InProcess struct {
	timeout time.Duration

	mu     sync.Mutex // guards active/set below; set by Attach
	active [16]byte
	set    bool
}

// NewInProcess returns an InProcess coordinator using the given lock
// timeout, or DefaultInProcessLockTimeout if timeout is zero.
func NewInProcess(timeout time.Duration) *InProcess {
	if timeout <= 0 {
		timeout = DefaultInProcessLockTimeout
	}
	return &InProcess{timeout: timeout}
}

func (c *InProcess) entryFor(fileID [16]byte) *entry {
	processTableMu.Lock()
	defer processTableMu.Unlock()
	e, ok := processTable[fileID]
	if !ok {
		e = newEntry()
		processTable[fileID] = e
	}
	return e
}

func (c *InProcess) current() *entry {
	c.mu.Lock()
	fileID := c.active
	ok := c.set
	c.mu.Unlock()
	if !ok {
		return nil
	}
	return c.entryFor(fileID)
}

// Attach registers this coordinator as a user of fileID, creating its
// shared entry on first attach.
func (c *InProcess) Attach(fileID [16]byte) error {
	e := c.entryFor(fileID)
	e.mu.Lock()
	e.refCount++
	e.mu.Unlock()

	c.mu.Lock()
	c.active = fileID
	c.set = true
	c.mu.Unlock()
	return nil
}

// Detach releases this coordinator's reference to fileID, freeing the
// shared entry once the last attachment drops.
func (c *InProcess) Detach(fileID [16]byte) error {
	processTableMu.Lock()
	defer processTableMu.Unlock()

	e, ok := processTable[fileID]
	if !ok {
		return nil
	}
	e.mu.Lock()
	e.refCount--
	remaining := e.refCount
	e.mu.Unlock()

	if remaining <= 0 {
		delete(processTable, fileID)
	}
	return nil
}

// Lock acquires the per-file-id mutex for the currently attached file,
// using cooperative try-acquire bursts so ctx cancellation and the
// configured timeout can both interrupt a contended wait.
func (c *InProcess) Lock(ctx context.Context) (Unlock, error) {
	e := c.current()
	if e == nil {
		return nil, ErrLockTimeout
	}

	deadline := time.Now().Add(c.timeout)
	for {
		if e.lock.TryLock() {
			return func() { e.lock.Unlock() }, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		if time.Now().After(deadline) {
			return nil, ErrLockTimeout
		}

		t := time.NewTimer(pollInterval)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	}
}

// ReadInfo returns a read-only clone of the current storage-info.
func (c *InProcess) ReadInfo() (*storageinfo.Info, error) {
	e := c.current()
	if e == nil {
		return storageinfo.New(), nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.info.Clone(), nil
}

// WriteInfo publishes a new storage-info snapshot. Callers must hold the
// lock returned by Lock.
func (c *InProcess) WriteInfo(info *storageinfo.Info) error {
	e := c.current()
	if e == nil {
		return nil
	}
	e.mu.Lock()
	e.info = info
	e.mu.Unlock()
	return nil
}

// WaitForReadFinish blocks until every chunk's ReadCount in the current
// snapshot is zero, rechecking each time SignalReadFinish fires.
func (c *InProcess) WaitForReadFinish(ctx context.Context) error {
	e := c.current()
	if e == nil {
		return nil
	}

	for {
		e.mu.Lock()
		clear := true
		for _, ch := range e.info.Chunks() {
			if ch.ReadCount > 0 {
				clear = false
				break
			}
		}
		done := e.readDone
		e.mu.Unlock()

		if clear {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-done:
		}
	}
}

// SignalReadFinish wakes any goroutine blocked in WaitForReadFinish so it
// re-checks read counts.
func (c *InProcess) SignalReadFinish() {
	e := c.current()
	if e == nil {
		return
	}
	e.mu.Lock()
	old := e.readDone
	e.readDone = make(chan struct{})
	e.mu.Unlock()
	close(old)
}
