// Package engine implements the chunked blob storage allocator: a
// file-backed append/reuse allocator over variable-length typed chunk
// records, with free-space coalescing, crash-safe writes, and an in-memory
// index reconstructable from the file on restart.
//
// An Engine is attached to exactly one backing file and one Coordinator.
// Multiple Engines (in this process or others) may share a file by
// attaching to the same coordinator variant with the same file-id.
package engine

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/mojoe-playground/blobcache/pkg/blobcache"
	"github.com/mojoe-playground/blobcache/pkg/chunk"
	"github.com/mojoe-playground/blobcache/pkg/coordinator"
	"github.com/mojoe-playground/blobcache/pkg/storageinfo"
)

const prefixSize = chunk.PrefixSize

// ReadSelector chooses, from the currently visible (non-free,
// non-changing) chunks, the ordered list of chunk ids ReadChunks should
// stream. Returning a non-nil error aborts the whole read_chunks call
// before any I/O happens. Returning an empty list streams nothing — the
// cache layer uses this to turn "a referenced chunk id isn't visible" into
// a single "not found" outcome.
type ReadSelector func(visible []chunk.Chunk) ([]uint32, error)

// RemoveSelector chooses, from the currently visible (non-free,
// non-changing) chunks, at most one chunk to remove. ok=false means "do
// nothing", which RemoveChunk treats as a successful no-op.
type RemoveSelector func(visible []chunk.Chunk) (id uint32, ok bool)

// Sink receives one chosen chunk's payload as a stream, in selector order.
// r yields exactly size bytes.
type Sink func(id uint32, r io.Reader, size int64) error

// Clock is re-exported so callers configuring an Engine don't need to
// import pkg/blobcache directly.
type Clock = blobcache.Clock

// Metrics receives engine-level observability events. A nil Metrics is
// valid and every call becomes a no-op; pkg/metrics/prometheus provides a
// concrete implementation.
type Metrics interface {
	ChunkAdded(size int)
	ChunkRemoved(size int)
	ChunkRead(size int)
	LockWait()
}

type noopMetrics struct{}

func (noopMetrics) ChunkAdded(int) {}
func (noopMetrics) ChunkRemoved(int) {}
func (noopMetrics) ChunkRead(int)  {}
func (noopMetrics) LockWait()      {}

// Config configures a new Engine.
type Config struct {
	// Coordinator is required: it owns the storage-info for this file-id
	// and arbitrates the single-writer lock. Use coordinator.NewInProcess
	// or coordinator.NewCrossProcess.
	Coordinator coordinator.Coordinator

	// Clock defaults to blobcache.SystemClock{}.
	Clock Clock

	// Logger defaults to slog.Default(). The engine logs sparingly: only
	// torn-tail truncation during recovery, never per-operation traffic.
	Logger *slog.Logger

	// Metrics defaults to a no-op implementation.
	Metrics Metrics
}

// Engine is a file-backed chunk allocator. The zero value is not usable;
// construct with New.
type Engine struct {
	path    string
	coord   coordinator.Coordinator
	clock   Clock
	logger  *slog.Logger
	metrics Metrics

	// fileMu serializes Initialize and Close, which open and close the
	// file handle, against each other. Layout changes (including
	// CutBackPadding's truncation) are guarded by the coordinator lock
	// instead, and concurrent ReadAt/WriteAt calls at disjoint offsets need
	// no extra synchronization.
	fileMu sync.Mutex

	file   *os.File
	fileID [16]byte
	ready  bool
}

// New returns an Engine for the storage file at path. Call Initialize
// before any other method.
func New(path string, cfg Config) (*Engine, error) {
	if cfg.Coordinator == nil {
		return nil, blobcache.New(blobcache.CodeInvalidArgument, "engine: Config.Coordinator is required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = blobcache.SystemClock{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = noopMetrics{}
	}

	return &Engine{
		path:    path,
		coord:   cfg.Coordinator,
		clock:   clock,
		logger:  logger,
		metrics: metrics,
	}, nil
}

// Close detaches this engine from its coordinator and closes the backing
// file handle.
func (e *Engine) Close() error {
	e.fileMu.Lock()
	defer e.fileMu.Unlock()

	var err error
	if e.ready {
		err = e.coord.Detach(e.fileID)
	}
	if e.file != nil {
		if cerr := e.file.Close(); err == nil {
			err = cerr
		}
		e.file = nil
	}
	e.ready = false
	return err
}

// Initialize opens or creates the backing file, attaches the coordinator,
// and rebuilds the in-memory index from disk if the coordinator reports it
// isn't initialized yet (first attach in the process, or first attach
// anywhere for a cross-process coordinator). It returns false, nil (not an
// error) for a short file, bad magic, or unsupported version.
func (e *Engine) Initialize(ctx context.Context) (bool, error) {
	e.fileMu.Lock()
	defer e.fileMu.Unlock()

	f, err := os.OpenFile(e.path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return false, blobcache.Wrap(blobcache.CodeIO, "engine: open storage file", err)
	}

	st, err := f.Stat()
	if err != nil {
		f.Close()
		return false, blobcache.Wrap(blobcache.CodeIO, "engine: stat storage file", err)
	}

	var prefix filePrefix
	if st.Size() == 0 {
		prefix = filePrefix{Version: formatVersion, FileID: newFileID()}
		if _, err := f.WriteAt(encodePrefix(prefix), 0); err != nil {
			f.Close()
			return false, blobcache.Wrap(blobcache.CodeIO, "engine: write file prefix", err)
		}
	} else {
		buf := make([]byte, prefixSize)
		if _, err := f.ReadAt(buf, 0); err != nil {
			f.Close()
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return false, nil
			}
			return false, blobcache.Wrap(blobcache.CodeIO, "engine: read file prefix", err)
		}
		var ok bool
		prefix, ok = decodePrefix(buf)
		if !ok {
			f.Close()
			return false, nil
		}
	}

	e.file = f
	e.fileID = prefix.FileID

	if err := e.coord.Attach(e.fileID); err != nil {
		f.Close()
		e.file = nil
		return false, blobcache.Wrap(blobcache.CodeIO, "engine: attach coordinator", err)
	}

	info, err := e.coord.ReadInfo()
	if err != nil {
		return false, blobcache.Wrap(blobcache.CodeIO, "engine: read storage info", err)
	}

	if !info.Initialized {
		if err := e.recover(ctx); err != nil {
			return false, err
		}
	}

	e.ready = true
	return true, nil
}

// recover scans the file from offset 24, appending every decodable chunk
// to info in storage order, and truncates the file at the first
// invalid_chunk (a torn tail left by a crash). It marks info initialized
// and publishes it under the coordinator lock.
//
// The pre-lock ReadInfo in Initialize is only a hint that recovery might be
// needed: two Engines sharing a coordinator can both observe
// !Initialized before either takes the lock. recover re-reads storage-info
// after acquiring the lock and re-checks Initialized there — the
// authoritative check — so only the first engine to actually hold the lock
// scans and publishes; any engine that loses that race sees the winner's
// already-initialized info and returns without touching it, avoiding
// duplicate Appends and a clobbered index (spec.md §5).
func (e *Engine) recover(ctx context.Context) error {
	unlock, err := e.coord.Lock(ctx)
	if err != nil {
		return blobcache.Wrap(blobcache.CodeTimeout, "engine: lock for recovery", err)
	}
	defer unlock()

	info, err := e.coord.ReadInfo()
	if err != nil {
		return blobcache.Wrap(blobcache.CodeIO, "engine: read storage info", err)
	}
	if info.Initialized {
		return nil
	}

	st, err := e.file.Stat()
	if err != nil {
		return blobcache.Wrap(blobcache.CodeIO, "engine: stat during recovery", err)
	}
	fileSize := st.Size()

	pos := int64(prefixSize)
	for pos < fileSize {
		c, err := chunk.ReadHeaderAt(e.file, pos, fileSize)
		if err != nil {
			e.logger.Warn("blobcache: truncating torn tail during recovery", "position", pos, "error", err)
			if terr := e.file.Truncate(pos); terr != nil {
				return blobcache.Wrap(blobcache.CodeIO, "engine: truncate torn tail", terr)
			}
			break
		}
		info.Append(c)
		pos = c.NextPosition()
	}

	info.Initialized = true
	return e.publish(info)
}

// publish increments the storage-info's modified_version and writes it
// through the coordinator, matching the wire format's "modified_version:
// incremented on every serialization of the info" (spec.md §3).
func (e *Engine) publish(info *storageinfo.Info) error {
	info.ModifiedVersion++
	if err := e.coord.WriteInfo(info); err != nil {
		return blobcache.Wrap(blobcache.CodeIO, "engine: publish storage info", err)
	}
	return nil
}

// Snapshot returns the currently visible (non-free, non-changing) chunks
// together with the storage-info's added_version/removed_version
// counters. It takes no coordinator lock: callers that only need a
// point-in-time read-through cache key (pkg/cache's head-index) can
// tolerate a snapshot that's a moment stale, since a real change always
// shows up on the next call.
func (e *Engine) Snapshot() (chunks []chunk.Chunk, addedVersion, removedVersion uint64, err error) {
	info, err := e.coord.ReadInfo()
	if err != nil {
		return nil, 0, 0, blobcache.Wrap(blobcache.CodeIO, "engine: read storage info", err)
	}
	return visibleChunks(info), info.AddedVersion, info.RemovedVersion, nil
}

func visibleChunks(info *storageinfo.Info) []chunk.Chunk {
	all := info.Chunks()
	visible := make([]chunk.Chunk, 0, len(all))
	for _, c := range all {
		if !c.IsFree() && !c.Changing {
			visible = append(visible, c)
		}
	}
	return visible
}

func checkCancel(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return blobcache.Wrap(blobcache.CodeCancelled, "engine: operation cancelled", ctx.Err())
	default:
		return nil
	}
}
