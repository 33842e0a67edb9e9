package wal

import (
	"errors"

	"redo/walfile"
)

// ErrCheckpointBusy is returned by Checkpoint when another checkpoint is
// already being written.
var ErrCheckpointBusy = errors.New("wal: checkpoint already in progress")

// Checkpoint writes a new checkpoint at the oldest modification LSN the
// buffer pool still holds dirty, or at the current LSN when nothing is
// dirty. The log is flushed up to the chosen LSN before the checkpoint slot
// is written, so the slot never points past durable log. Only one checkpoint
// runs at a time; a second caller gets ErrCheckpointBusy rather than
// queueing.
func (l *LogSystem) Checkpoint() error {
	if err := l.fatalErr(); err != nil {
		return err
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrLogClosed
	}
	if l.checkpointPending {
		l.mu.Unlock()
		return ErrCheckpointBusy
	}

	target := LSN(l.lsn.Load())
	if oldest, ok := l.pool.OldestModificationLSN(); ok && oldest < target {
		target = oldest
	}
	// a page flushed and re-dirtied can report an oldest modification behind
	// the last checkpoint; never move the checkpoint backwards
	if target < l.lastCheckpointLSN {
		target = l.lastCheckpointLSN
	}

	l.checkpointPending = true
	l.nextCheckpointLSN = target
	no := l.nextCheckpointNo
	l.mu.Unlock()

	err := l.WriteUpTo(target, true)
	if err == nil {
		err = l.files.WriteCheckpoint(walfile.CheckpointSlot{No: no, LSN: uint64(target)})
		if err != nil {
			l.setFatal(err)
			err = ErrLogFatal
		}
	}

	l.mu.Lock()
	l.checkpointPending = false
	if err == nil {
		l.lastCheckpointLSN = target
		l.nextCheckpointNo = no + 1
		l.cpAdvance.Broadcast()
	}
	l.mu.Unlock()

	if err == nil {
		l.checkpoints.Add(1)
		l.logger.Debug().
			Uint64("checkpoint_no", no).
			Uint64("checkpoint_lsn", uint64(target)).
			Msg("checkpoint written")
	}
	return err
}

// MakeCheckpoint flushes every dirty page up to the current LSN and then
// checkpoints, yielding a checkpoint at (or past) the LSN current when the
// call was made. Used at clean shutdown.
func (l *LogSystem) MakeCheckpoint() error {
	lsn := l.CurrentLSN()
	if err := l.pool.FlushPagesOlderThan(lsn); err != nil {
		return err
	}
	return l.Checkpoint()
}
