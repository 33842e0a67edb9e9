package wal

import (
	"fmt"

	"github.com/rs/zerolog"
)

// AppendPrepare reserves room for up to size bytes in the active buffer half.
// It acquires the log mutex and returns holding it; the caller must follow
// with any number of Append calls totalling at most size bytes and exactly
// one AppendFinish, which releases the mutex.
//
// When the active half lacks room it is handed to the write path to drain
// and the halves switch, so an appender is never blocked behind a flush that
// has not started; it only waits when both halves are busy at once.
func (l *LogSystem) AppendPrepare(size int) error {
	l.mu.Lock()

	if l.closed {
		l.mu.Unlock()
		return ErrLogClosed
	}
	if err := l.fatalErr(); err != nil {
		l.mu.Unlock()
		return err
	}

	half := len(l.bufs[l.active])
	if size > half {
		l.mu.Unlock()
		return fmt.Errorf("append of %v bytes cannot fit a log buffer half of %v bytes", size, half)
	}

	for l.bufFree+size > half {
		l.switchBufLocked()
		if err := l.fatalErr(); err != nil {
			l.mu.Unlock()
			return err
		}
	}

	return nil
}

// Append copies bytes into the active half. AppendPrepare must have reserved
// the room; overflowing the half is an invariant violation, not a recoverable
// error.
func (l *LogSystem) Append(b []byte) {
	if l.bufFree+len(b) > len(l.bufs[l.active]) {
		panic(fmt.Sprintf("log buffer overflow: %v bytes appended at offset %v of a %v byte half",
			len(b), l.bufFree, len(l.bufs[l.active])))
	}

	copy(l.bufs[l.active][l.bufFree:], b)
	l.bufFree += len(b)
}

// AppendFinish publishes endLSN as the new end of the log and releases the
// log mutex. It is the single origin of append-time back-pressure signaling:
// it may set the sticky flush-request flag but never blocks; blocking is
// CheckMargins' job.
func (l *LogSystem) AppendFinish(endLSN LSN) {
	l.lsn.Store(uint64(endLSN))

	setCheck := l.bufFree > l.maxBufFree
	if setCheck {
		l.checkFlushOrCheckpoint.Store(true)
	}

	checkpointAge := endLSN - l.lastCheckpointLSN
	if checkpointAge >= l.logCapacity {
		l.overwriteWarning(checkpointAge)
	}

	if setCheck || l.checkFlushOrCheckpoint.Load() || checkpointAge <= l.maxModifiedAgeSync {
		l.mu.Unlock()
		return
	}

	oldest, ok := l.pool.OldestModificationLSN()
	if !ok || endLSN-oldest > l.maxModifiedAgeSync || checkpointAge > l.maxCheckpointAgeAsync {
		l.checkFlushOrCheckpoint.Store(true)
	}

	l.mu.Unlock()
}

// switchBufLocked hands the active half to the write path and makes the
// other half active. No appender can hold a reservation here since the whole
// append sequence runs under the log mutex. May release and reacquire the
// mutex while waiting for the previous drain.
func (l *LogSystem) switchBufLocked() {
	for l.pending != nil && !l.fatal.Load() {
		l.drainDone.Wait()
	}
	if l.bufFree == 0 || l.fatal.Load() {
		return
	}

	d := &drain{base: l.bufBase, data: l.bufs[l.active][:l.bufFree]}
	l.pending = d
	l.active = 1 - l.active
	l.bufBase += LSN(l.bufFree)
	l.bufFree = 0

	go l.drainHalf(d)
}

// drainHalf writes one handed-off buffer half to the file. It runs without
// the log mutex so appends proceed concurrently; writeMu keeps at most one
// physical write in flight.
func (l *LogSystem) drainHalf(d *drain) {
	l.writeMu.Lock()

	end := d.base + LSN(len(d.data))
	if l.writeLSN < end {
		// a coalesced write may have covered part or all of this half already
		if err := l.writeSeg(l.writeLSN, d.data[l.writeLSN-d.base:]); err != nil {
			l.writeMu.Unlock()
			l.setFatal(err)
			l.clearPending(d)
			return
		}
	}
	l.writeMu.Unlock()

	l.clearPending(d)
}

func (l *LogSystem) clearPending(d *drain) {
	l.mu.Lock()
	if l.pending == d {
		l.pending = nil
		l.drainDone.Broadcast()
	}
	l.mu.Unlock()
}

// overwriteWarning reports that the log tail is about to overwrite data not
// yet checkpointed, making the engine crash unsafe. The write itself still
// proceeds; availability wins over self-protection here.
func (l *LogSystem) overwriteWarning(age LSN) {
	l.logger.WithLevel(zerolog.FatalLevel).
		Uint64("checkpoint_age", uint64(age)).
		Uint64("log_capacity", uint64(l.logCapacity)).
		Msg("checkpoint age overran the log capacity, crash recovery may be impossible")
}
