package wal

import (
	"errors"
	"fmt"

	"redo/walfile"
)

// PageSize is the unit the margin constants are expressed in.
const PageSize = 4096

const (
	// headroom reserved below capacity per concurrent mutating thread
	checkpointFreePerThread = 4 * PageSize
	// headroom reserved once, on top of the per-thread share
	checkpointExtraFree = 8 * PageSize
)

// ErrCapacityTooSmall rejects a configuration whose file size leaves no
// positive margin for the configured thread count.
var ErrCapacityTooSmall = errors.New("wal: log file size too small for thread count")

// SetCapacity derives the log capacity and the four age thresholds from the
// file size. The thresholds order as
// maxModifiedAgeAsync < maxModifiedAgeSync < maxCheckpointAgeAsync <
// maxCheckpointAge = capacity.
func (l *LogSystem) SetCapacity(fileSize int64) error {
	blocks := fileSize / walfile.BlockSize
	if !l.files.IsPhysical() {
		blocks -= walfile.HeaderRegionSize / walfile.BlockSize
	}
	smallest := LSN(blocks) * walfile.BlockDataSize

	free := LSN(checkpointFreePerThread*l.threadCount + checkpointExtraFree)
	if smallest <= free {
		return fmt.Errorf("%w: %d byte file leaves no margin for %d threads",
			ErrCapacityTooSmall, fileSize, l.threadCount)
	}

	margin := smallest - free
	margin -= margin / 10

	l.logCapacity = margin
	l.maxCheckpointAge = margin
	l.maxCheckpointAgeAsync = margin - margin/32
	l.maxModifiedAgeSync = margin - margin/16
	l.maxModifiedAgeAsync = margin - margin/8
	return nil
}

// FreeCheck must be called by mutation paths before modifying more than a
// few pages, holding no other synchronization objects. It is a no-op unless
// an append has raised the flush-or-checkpoint flag.
func (l *LogSystem) FreeCheck() error {
	if !l.checkFlushOrCheckpoint.Load() {
		return nil
	}
	return l.CheckMargins()
}

// CheckMargins writes out the log buffer, preflushes old dirty pages and
// advances the checkpoint until every age is back under its threshold. When
// the checkpoint age has reached the synchronous limit the caller blocks
// here until enough headroom exists; this is the sole backpressure against
// overrunning the circular file.
func (l *LogSystem) CheckMargins() error {
	for {
		if err := l.fatalErr(); err != nil {
			return err
		}
		l.checkFlushOrCheckpoint.Store(false)

		if err := l.InitiateWrite(false); err != nil {
			return err
		}

		lsn := l.CurrentLSN()
		if oldest, ok := l.pool.OldestModificationLSN(); ok {
			if lsn-oldest > l.maxModifiedAgeAsync {
				if err := l.pool.FlushPagesOlderThan(lsn - l.maxModifiedAgeAsync); err != nil {
					return err
				}
			}
		}

		l.mu.Lock()
		cpAge := lsn - l.lastCheckpointLSN
		l.mu.Unlock()

		switch {
		case cpAge > l.maxCheckpointAge:
			if err := l.checkpointUntil(lsn - l.maxCheckpointAge); err != nil {
				return err
			}
		case cpAge > l.maxCheckpointAgeAsync:
			if err := l.Checkpoint(); err != nil && !errors.Is(err, ErrCheckpointBusy) {
				return err
			}
		}

		// an append may have re-raised the flag while we worked
		if !l.checkFlushOrCheckpoint.Load() {
			return nil
		}
	}
}

// checkpointUntil drives checkpoints until lastCheckpointLSN reaches min,
// waiting behind a concurrent checkpoint rather than racing it.
func (l *LogSystem) checkpointUntil(min LSN) error {
	for {
		l.mu.Lock()
		if l.fatal.Load() {
			l.mu.Unlock()
			return ErrLogFatal
		}
		if l.closed {
			l.mu.Unlock()
			return ErrLogClosed
		}
		if l.lastCheckpointLSN >= min {
			l.mu.Unlock()
			return nil
		}
		l.mu.Unlock()

		err := l.Checkpoint()
		if errors.Is(err, ErrCheckpointBusy) {
			l.mu.Lock()
			if l.lastCheckpointLSN < min && l.checkpointPending && !l.fatal.Load() {
				l.cpAdvance.Wait()
			}
			l.mu.Unlock()
			continue
		}
		if err != nil {
			return err
		}
	}
}

// BufferExtend grows the log buffer to size bytes (two halves of size/2).
// It waits out any in-flight drain first so no reader holds a slice into the
// old allocation; appended but unwritten bytes carry over. Shrinking is a
// no-op.
func (l *LogSystem) BufferExtend(size int) error {
	half := size / 2

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ErrLogClosed
	}
	if half <= len(l.bufs[0]) {
		return nil
	}
	for l.pending != nil && !l.fatal.Load() {
		l.drainDone.Wait()
	}
	if l.fatal.Load() {
		return ErrLogFatal
	}

	grown := [2][]byte{make([]byte, half), make([]byte, half)}
	copy(grown[l.active], l.bufs[l.active][:l.bufFree])
	l.bufs = grown
	l.maxBufFree = half / 2

	l.logger.Info().Int("buffer_size", size).Msg("log buffer extended")
	return nil
}
