package wal

import "redo/walfile"

// WriteUpTo ensures buffered bytes up to targetLSN have been handed to the
// file and, when durable is set, flushed, before returning. Concurrent
// callers with overlapping ranges coalesce onto a single physical write: a
// caller arriving while a covering write runs blocks on its completion and
// returns without issuing a duplicate. A failed write or flush is fatal to
// the log.
func (l *LogSystem) WriteUpTo(targetLSN LSN, durable bool) error {
	if err := l.fatalErr(); err != nil {
		return err
	}
	if durable && l.FlushedLSN() >= targetLSN {
		return nil
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	if err := l.fatalErr(); err != nil {
		return err
	}
	// the write we were blocked behind may have covered the request
	if durable {
		if l.FlushedLSN() >= targetLSN {
			return nil
		}
	} else if l.writeLSN >= targetLSN {
		return nil
	}

	// Collect everything appended so far: the pending half, if any, plus the
	// active half. The collected slices stay immutable while writeMu is held:
	// appends only go past bufFree and a half is never reused before its
	// drain record clears. The drain record must stay set until its bytes hit
	// the file, or a waiting switch would hand the half back to appenders
	// while this write is still reading it.
	l.mu.Lock()
	end := l.CurrentLSN()
	d := l.pending
	var segs [][]byte
	if d != nil {
		if dEnd := d.base + LSN(len(d.data)); l.writeLSN < dEnd {
			segs = append(segs, d.data[l.writeLSN-d.base:])
		}
	}
	if end > l.bufBase {
		from := l.bufBase
		if l.writeLSN > from {
			from = l.writeLSN
		}
		if from < end {
			segs = append(segs, l.bufs[l.active][from-l.bufBase:end-l.bufBase])
		}
	}
	l.currentFlushLSN = end
	l.mu.Unlock()

	for _, s := range segs {
		if err := l.writeSeg(l.writeLSN, s); err != nil {
			l.setFatal(err)
			return ErrLogFatal
		}
	}

	// end covers the whole pending half, so it is drained now
	l.mu.Lock()
	if d != nil && l.pending == d {
		l.pending = nil
		l.drainDone.Broadcast()
	}
	l.currentFlushLSN = 0
	l.mu.Unlock()

	if durable {
		if err := l.flushData(); err != nil {
			l.setFatal(err)
			return ErrLogFatal
		}
		l.advanceFlushed(end)
	}

	return nil
}

// BufferFlushToDisk writes everything appended so far, waiting for
// durability when sync is set.
func (l *LogSystem) BufferFlushToDisk(sync bool) error {
	return l.WriteUpTo(l.CurrentLSN(), sync)
}

// InitiateWrite starts a write of the log buffer if anything is not yet
// written (or not yet durable, when flush is set).
func (l *LogSystem) InitiateWrite(flush bool) error {
	lsn := l.CurrentLSN()
	if flush && l.FlushedLSN() >= lsn {
		return nil
	}
	return l.WriteUpTo(lsn, flush)
}

// writeSeg writes the payload range [from, from+len(data)) as whole blocks,
// carrying the incomplete last block across calls. Callers hold writeMu.
func (l *LogSystem) writeSeg(from LSN, data []byte) error {
	if len(data) == 0 {
		return nil
	}

	l.mu.Lock()
	cpNo := l.nextCheckpointNo
	l.mu.Unlock()

	if err := l.files.WriteLogSeg(from, l.tail, data, cpNo); err != nil {
		return err
	}

	end := from + LSN(len(data))
	rem := int(uint64(end) % walfile.BlockDataSize)

	// keep the last rem stream bytes as the new carried tail; they must be
	// copied since data aliases a reusable buffer half
	tail := l.tail[:len(l.tail):len(l.tail)]
	joined := append(tail, data...)
	l.tail = append([]byte(nil), joined[len(joined)-rem:]...)

	l.writeLSN = end
	l.nLogIOs.Add(1)

	if l.files.DataWritesAreDurable() {
		l.advanceFlushed(end)
	}

	return nil
}

// flushData runs the flush syscall on the data-bearing file. The pending
// flush gauge brackets the syscall exactly.
func (l *LogSystem) flushData() error {
	if l.noSync || l.files.DataWritesAreDurable() {
		return nil
	}

	l.pendingFlushes.Add(1)
	err := l.files.FlushData()
	l.pendingFlushes.Add(-1)
	if err != nil {
		return err
	}

	l.flushes.Add(1)
	l.nLogIOs.Add(1)
	return nil
}
