package wal

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"redo/common"
	"redo/config"
	"redo/walfile"
)

var (
	// ErrLogFatal is returned by every operation after a write or flush of
	// the log device has failed. The engine cannot guarantee durability past
	// that point, so the log stops accepting new data.
	ErrLogFatal = errors.New("log device failed, log is no longer accepting writes")

	ErrLogClosed = errors.New("log system is closed")
)

// drain is one buffer half handed to the write path. Its data slice stays
// immutable until the drain is cleared; appenders wanting to switch again
// wait for that.
type drain struct {
	base LSN
	data []byte
}

// LogSystem is the write-ahead log engine: a monotonic LSN space, a double
// buffered append path, a coalescing write/flush protocol and the checkpoint
// protocol that bounds recovery work. One instance per engine, created at
// startup and closed at shutdown; collaborators receive it by reference.
//
// All mutable state is protected by mu except lsn, flushedLSN and
// checkFlushOrCheckpoint, which are atomics readable without the lock for
// fast-path checks. Writes to them that participate in multi-field
// transitions happen while holding mu.
type LogSystem struct {
	lsn                    atomic.Uint64
	flushedLSN             atomic.Uint64
	checkFlushOrCheckpoint atomic.Bool

	// mu is the log mutex: it serializes the append sequence, buffer half
	// switching and reference pair mutation in the file set.
	mu sync.Mutex

	// flushOrderMu serializes insertion into the buffer pool's dirty page
	// list relative to log writes. Always acquired after mu, may be released
	// before it.
	flushOrderMu sync.Mutex

	bufs       [2][]byte
	active     int // index of the half writers append into
	bufFree    int // next free byte offset within the active half
	bufBase    LSN // LSN of the first byte of the active half
	maxBufFree int // crossing this sets the flush-request flag

	pending   *drain
	drainDone *common.Event // bound to mu, broadcast when pending clears
	cpAdvance *common.Event // bound to mu, broadcast when a checkpoint lands

	// writeMu serializes physical log writes; at most one write is in flight
	// and late arrivals coalesce onto it by blocking here.
	writeMu  sync.Mutex
	writeLSN LSN    // all payload below this was handed to the file
	tail     []byte // payload bytes of the incomplete last block

	// currentFlushLSN is the end LSN of the write in flight, 0 when idle.
	// Written by the write path under mu so diagnostics can read it without
	// touching writeMu.
	currentFlushLSN LSN

	pendingFlushes atomic.Int64
	flushes        atomic.Uint64
	checkpoints    atomic.Uint64
	nLogIOs        atomic.Uint64

	lastCheckpointLSN LSN
	nextCheckpointLSN LSN
	nextCheckpointNo  uint64
	checkpointPending bool

	logCapacity           LSN
	maxCheckpointAge      LSN
	maxCheckpointAgeAsync LSN
	maxModifiedAgeSync    LSN
	maxModifiedAgeAsync   LSN

	threadCount int
	noSync      bool

	files  *FileSet
	pool   BufferPool
	logger zerolog.Logger

	nLogIOsOld   uint64
	lastPrintout time.Time

	closed bool
	fatal  atomic.Bool
}

func newLogSystem(cfg config.Config, files *FileSet, pool BufferPool, logger zerolog.Logger) (*LogSystem, error) {
	if pool == nil {
		pool = NoopBufferPool{}
	}

	l := &LogSystem{
		files:        files,
		pool:         pool,
		logger:       logger,
		threadCount:  cfg.ThreadCount,
		noSync:       cfg.NoSync,
		lastPrintout: time.Now(),
	}

	half := cfg.BufferSize / 2
	l.bufs[0] = make([]byte, half)
	l.bufs[1] = make([]byte, half)
	l.maxBufFree = half / 2
	l.drainDone = common.NewEvent(&l.mu)
	l.cpAdvance = common.NewEvent(&l.mu)

	if err := l.SetCapacity(cfg.FileSize); err != nil {
		return nil, err
	}

	return l, nil
}

// Create initializes a fresh log in cfg.Dir and writes the first checkpoint
// at LSN zero.
func Create(cfg config.Config, pool BufferPool, logger zerolog.Logger) (*LogSystem, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.Dir, cfg.DirMode()); err != nil {
		return nil, err
	}

	files, err := CreateFileSet(FileSetOptions{
		Dir:           cfg.Dir,
		Format:        cfg.Format(),
		KeyVersion:    cfg.KeyVersion,
		FileSize:      cfg.FileSize,
		DurableWrites: cfg.DurableWrites,
		FilePerms:     cfg.FileMode(),
	})
	if err != nil {
		return nil, err
	}

	l, err := newLogSystem(cfg, files, pool, logger)
	if err != nil {
		files.CloseFiles()
		return nil, err
	}

	files.InitFields(0, 0)
	if err := files.WriteCheckpoint(walfile.CheckpointSlot{No: 0, LSN: 0}); err != nil {
		files.CloseFiles()
		return nil, err
	}
	l.nextCheckpointNo = 1

	l.logger.Info().
		Str("dir", cfg.Dir).
		Int64("file_size", cfg.FileSize).
		Uint64("capacity", uint64(l.logCapacity)).
		Msg("log created")
	return l, nil
}

// Open opens an existing log and resumes the LSN space at the newest
// checkpoint. Replaying records past the checkpoint is the recovery layer's
// job.
func Open(cfg config.Config, pool BufferPool, logger zerolog.Logger) (*LogSystem, error) {
	files, hdr, err := OpenFileSet(FileSetOptions{
		Dir:           cfg.Dir,
		DurableWrites: cfg.DurableWrites,
		FilePerms:     cfg.FileMode(),
	})
	if err != nil {
		return nil, err
	}

	cfg.FileSize = int64(hdr.Size)
	l, err := newLogSystem(cfg, files, pool, logger)
	if err != nil {
		files.CloseFiles()
		return nil, err
	}

	cp, err := files.ReadCheckpoint()
	if err != nil {
		files.CloseFiles()
		return nil, err
	}

	lsn := LSN(cp.LSN)
	files.InitFields(lsn, uint64(lsn)%uint64(files.Capacity()))

	l.lsn.Store(uint64(lsn))
	l.flushedLSN.Store(uint64(lsn))
	l.writeLSN = lsn
	l.bufBase = lsn
	l.lastCheckpointLSN = lsn
	l.nextCheckpointNo = cp.No + 1

	// Seed the carried partial block so the next write can rewrite it whole.
	if rem := uint64(lsn) % walfile.BlockDataSize; rem > 0 {
		data, _, ok, err := files.ReadLogSeg(lsn-LSN(rem), lsn)
		if err != nil {
			files.CloseFiles()
			return nil, err
		}
		if !ok {
			files.CloseFiles()
			return nil, fmt.Errorf("log is truncated before checkpoint lsn %v", lsn)
		}
		l.tail = data
	}

	l.logger.Info().
		Str("dir", cfg.Dir).
		Uint64("checkpoint_no", cp.No).
		Uint64("checkpoint_lsn", cp.LSN).
		Msg("log opened")
	return l, nil
}

// Close flushes everything appended so far, takes the final shutdown
// checkpoint at the true current LSN and closes the files.
func (l *LogSystem) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrLogClosed
	}
	l.mu.Unlock()

	if !l.fatal.Load() {
		if err := l.BufferFlushToDisk(true); err != nil {
			return err
		}
		if err := l.MakeCheckpoint(); err != nil && !errors.Is(err, ErrCheckpointBusy) {
			return err
		}
	}

	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()

	l.logger.Info().
		Uint64("lsn", uint64(l.CurrentLSN())).
		Uint64("flushed_lsn", uint64(l.FlushedLSN())).
		Msg("log closed")
	return l.files.CloseFiles()
}

// CurrentLSN is the logical end of all log data appended so far, durable or
// not. Lock free.
func (l *LogSystem) CurrentLSN() LSN {
	return LSN(l.lsn.Load())
}

// FlushedLSN is the highest LSN guaranteed durable on disk. Lock free and
// never greater than CurrentLSN.
func (l *LogSystem) FlushedLSN() LSN {
	return LSN(l.flushedLSN.Load())
}

// advanceFlushed moves the durable watermark forward, never backward.
func (l *LogSystem) advanceFlushed(lsn LSN) {
	for {
		cur := l.flushedLSN.Load()
		if uint64(lsn) <= cur {
			return
		}
		if l.flushedLSN.CompareAndSwap(cur, uint64(lsn)) {
			return
		}
	}
}

// LastCheckpointLSN is the newest LSN below which no log data is needed for
// recovery.
func (l *LogSystem) LastCheckpointLSN() LSN {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastCheckpointLSN
}

// Capacity is the derived log capacity; checkpoint age beyond it means the
// tail is overwriting data still needed for recovery.
func (l *LogSystem) Capacity() LSN { return l.logCapacity }

// PendingFlushes is the number of flush syscalls currently in progress.
func (l *LogSystem) PendingFlushes() int64 { return l.pendingFlushes.Load() }

// Flushes is the total number of completed flush syscalls.
func (l *LogSystem) Flushes() uint64 { return l.flushes.Load() }

// Checkpoints is the total number of completed checkpoint writes.
func (l *LogSystem) Checkpoints() uint64 { return l.checkpoints.Load() }

// Files exposes the owned file set.
func (l *LogSystem) Files() *FileSet { return l.files }

// FlushOrderLock serializes insertion into the buffer pool's dirty page list
// relative to log writes, so a page is never queued dirty at an LSN the log
// has not accounted for. Acquire it after the append sequence started and
// release it in any order relative to AppendFinish.
func (l *LogSystem) FlushOrderLock() { l.flushOrderMu.Lock() }

// FlushOrderUnlock releases the flush order lock.
func (l *LogSystem) FlushOrderUnlock() { l.flushOrderMu.Unlock() }

func (l *LogSystem) setFatal(err error) {
	if l.fatal.CompareAndSwap(false, true) {
		l.logger.WithLevel(zerolog.FatalLevel).
			Err(err).
			Msg("log write failed, durability can no longer be guaranteed")
	}

	// unblock margin waiters; they will observe the fatal flag
	l.mu.Lock()
	l.cpAdvance.Broadcast()
	l.drainDone.Broadcast()
	l.mu.Unlock()
}

func (l *LogSystem) fatalErr() error {
	if l.fatal.Load() {
		return ErrLogFatal
	}
	return nil
}

// PrintInfo writes a snapshot of log state and the per-second I/O rate since
// the previous call to RefreshStats or PrintInfo.
func (l *LogSystem) PrintInfo(w io.Writer) {
	l.mu.Lock()
	last := l.lastCheckpointLSN
	nextNo := l.nextCheckpointNo
	cpPending := l.checkpointPending
	flushingTo := l.currentFlushLSN
	since := time.Since(l.lastPrintout)
	iosOld := l.nLogIOsOld
	l.mu.Unlock()

	ios := l.nLogIOs.Load()
	rate := 0.0
	if s := since.Seconds(); s > 0 {
		rate = float64(ios-iosOld) / s
	}

	fmt.Fprintf(w, "log sequence number          %d\n", l.CurrentLSN())
	fmt.Fprintf(w, "log flushed up to            %d\n", l.FlushedLSN())
	fmt.Fprintf(w, "write in progress up to      %d\n", flushingTo)
	fmt.Fprintf(w, "last checkpoint at           %d\n", last)
	fmt.Fprintf(w, "next checkpoint number       %d\n", nextNo)
	fmt.Fprintf(w, "checkpoint write in progress %v\n", cpPending)
	fmt.Fprintf(w, "pending log flushes          %d\n", l.PendingFlushes())
	fmt.Fprintf(w, "log i/o's done               %d (%.2f/s)\n", ios, rate)

	l.RefreshStats()
}

// RefreshStats resets the reference point of the per-second averages.
func (l *LogSystem) RefreshStats() {
	l.mu.Lock()
	l.nLogIOsOld = l.nLogIOs.Load()
	l.lastPrintout = time.Now()
	l.mu.Unlock()
}
