package coordinator

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/mojoe-playground/blobcache/pkg/storageinfo"
)

// DefaultCrossProcessLockTimeout is the per-call lock acquisition timeout
// used by CrossProcess when none is configured (spec.md §4.2: "the default
// timeout is 15s").
const DefaultCrossProcessLockTimeout = 15 * time.Second

// DefaultSharedMemorySize is the size of the mapping backing each attached
// file's storage-info (spec.md §6: "shared memory sized >= 1 MiB
// (cross-process default 25 MiB)").
const DefaultSharedMemorySize = 25 * 1024 * 1024

// MinSharedMemorySize is the smallest mapping size CrossProcess will honor.
const MinSharedMemorySize = 1 * 1024 * 1024

// CrossProcess is the Coordinator variant for Engines in separate OS
// processes. It uses three named, filesystem-backed OS primitives per
// attached file-id, all living in a sidecar directory next to the storage
// file itself (named ".<file-id-hex>.lock", ".<file-id-hex>.map",
// ".<file-id-hex>.event"):
//
//   - a named mutex: an flock(2) advisory lock on a dedicated lock file,
//     acquired with non-blocking tries and a cooperative polling delay so a
//     context cancellation or the configured timeout can interrupt a wait
//     (mirroring the flock-with-backoff shape used elsewhere in this
//     codebase's reference material, adapted here to golang.org/x/sys/unix
//     to match this module's mmap dependency).
//   - a shared memory mapping: an mmap(2) MAP_SHARED region over a
//     regular file, holding the storage-info wire image (pkg/storageinfo).
//   - a named manual-reset event: the ".event" file is created on Attach,
//     but nothing reads or writes it; WaitForReadFinish instead polls the
//     ReadCount values in the shared mapping.
//
// Dir must be the same directory across every process attaching to a given
// file-id; typically it is the directory containing the storage file.
type CrossProcess struct {
	dir     string
	timeout time.Duration
	mapSize int

	mu       sync.Mutex
	lockFile *os.File
	mapFile  *os.File
	mapData  []byte
	eventGen uint64
	fileID   [16]byte
	attached bool
}

// NewCrossProcess returns a CrossProcess coordinator rooted at dir, using
// timeout (or DefaultCrossProcessLockTimeout if zero) for lock acquisition
// and mapSize bytes (or DefaultSharedMemorySize if zero, raised to
// MinSharedMemorySize if smaller) for the shared memory mapping.
func NewCrossProcess(dir string, timeout time.Duration, mapSize int) *CrossProcess {
	if timeout <= 0 {
		timeout = DefaultCrossProcessLockTimeout
	}
	if mapSize <= 0 {
		mapSize = DefaultSharedMemorySize
	}
	if mapSize < MinSharedMemorySize {
		mapSize = MinSharedMemorySize
	}
	return &CrossProcess{dir: dir, timeout: timeout, mapSize: mapSize}
}

func (c *CrossProcess) paths(fileID [16]byte) (lock, mapp, event string) {
	base := filepath.Join(c.dir, "."+hex.EncodeToString(fileID[:]))
	return base + ".lock", base + ".map", base + ".event"
}

// Attach opens (creating if necessary) the three sidecar files for fileID.
// Their permissions are world-readable/writable (spec.md §5: "world
// readable ACLs on systems that require them") since any process sharing
// this directory is assumed to be a trusted cooperating Engine.
func (c *CrossProcess) Attach(fileID [16]byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.attached {
		return fmt.Errorf("blobcache: coordinator already attached")
	}

	lockPath, mapPath, eventPath := c.paths(fileID)

	lockFile, err := os.OpenFile(lockPath, os.O_RDWR|os.O_CREATE, 0o666)
	if err != nil {
		return fmt.Errorf("blobcache: open lock file: %w", err)
	}

	mapFile, err := os.OpenFile(mapPath, os.O_RDWR|os.O_CREATE, 0o666)
	if err != nil {
		lockFile.Close()
		return fmt.Errorf("blobcache: open shared memory file: %w", err)
	}
	if st, err := mapFile.Stat(); err != nil || st.Size() < int64(c.mapSize) {
		if err := mapFile.Truncate(int64(c.mapSize)); err != nil {
			lockFile.Close()
			mapFile.Close()
			return fmt.Errorf("blobcache: size shared memory file: %w", err)
		}
	}

	data, err := unix.Mmap(int(mapFile.Fd()), 0, c.mapSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		lockFile.Close()
		mapFile.Close()
		return fmt.Errorf("blobcache: mmap shared memory: %w", err)
	}

	if _, err := os.OpenFile(eventPath, os.O_RDWR|os.O_CREATE, 0o666); err != nil {
		unix.Munmap(data)
		lockFile.Close()
		mapFile.Close()
		return fmt.Errorf("blobcache: open event file: %w", err)
	}

	c.lockFile = lockFile
	c.mapFile = mapFile
	c.mapData = data
	c.fileID = fileID
	c.attached = true
	return nil
}

// Detach unmaps and closes this process's handles to fileID's sidecar
// files. It does not delete them: other processes may still be attached.
func (c *CrossProcess) Detach(fileID [16]byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.attached || c.fileID != fileID {
		return nil
	}

	var firstErr error
	if err := unix.Munmap(c.mapData); err != nil {
		firstErr = err
	}
	if err := c.mapFile.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := c.lockFile.Close(); err != nil && firstErr == nil {
		firstErr = err
	}

	c.mapData = nil
	c.mapFile = nil
	c.lockFile = nil
	c.attached = false
	return firstErr
}

// Lock acquires the named mutex (an flock on the sidecar lock file) using
// non-blocking tries and a cooperative polling delay, so ctx or the
// configured timeout can interrupt a contended wait.
func (c *CrossProcess) Lock(ctx context.Context) (Unlock, error) {
	c.mu.Lock()
	if !c.attached {
		c.mu.Unlock()
		return nil, ErrLockTimeout
	}
	fd := int(c.lockFile.Fd())
	c.mu.Unlock()

	deadline := time.Now().Add(c.timeout)
	for {
		err := unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			return func() { unix.Flock(fd, unix.LOCK_UN) }, nil
		}
		if !errors.Is(err, unix.EWOULDBLOCK) && !errors.Is(err, unix.EAGAIN) {
			return nil, fmt.Errorf("blobcache: flock: %w", err)
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

// ReadInfo decodes the storage-info currently published in the shared
// memory mapping.
func (c *CrossProcess) ReadInfo() (*storageinfo.Info, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.attached {
		return storageinfo.New(), nil
	}

	info, err := storageinfo.Decode(c.mapData)
	if err != nil {
		return storageinfo.New(), nil
	}
	return info, nil
}

// WriteInfo serializes info into the shared memory mapping and flushes it
// to the backing file. Callers must hold the lock from Lock.
func (c *CrossProcess) WriteInfo(info *storageinfo.Info) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.attached {
		return nil
	}

	needed := info.EncodedSize()
	if needed > len(c.mapData) {
		return fmt.Errorf("blobcache: storage-info (%d bytes) exceeds shared memory mapping (%d bytes)", needed, len(c.mapData))
	}

	info.Encode(c.mapData)
	return unix.Msync(c.mapData, unix.MS_ASYNC)
}

// WaitForReadFinish polls the shared storage-info until every chunk's
// ReadCount reaches zero, sleeping pollInterval between checks (there is no
// cheap cross-process condition variable, so the named manual-reset event
// is replaced by polling the read counts rather than a blocking wait).
func (c *CrossProcess) WaitForReadFinish(ctx context.Context) error {
	for {
		info, err := c.ReadInfo()
		if err != nil {
			return err
		}
		clear := true
		for _, ch := range info.Chunks() {
			if ch.ReadCount > 0 {
				clear = false
				break
			}
		}
		if clear {
			return nil
		}

		t := time.NewTimer(pollInterval)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// SignalReadFinish is a no-op for CrossProcess: readers finishing simply
// update ReadCount in shared memory, and waiters discover that on their
// next poll. The method exists so CrossProcess satisfies Coordinator
// alongside InProcess, whose in-memory waiters need an explicit wakeup.
func (c *CrossProcess) SignalReadFinish() {}
