package wal

// BufferPool is the log engine's view of the buffer pool. The log only ever
// asks for the oldest unflushed modification and requests preflushes; dirty
// page tracking and eviction live elsewhere.
type BufferPool interface {
	// OldestModificationLSN returns the LSN of the oldest modification of any
	// dirty page, or false when there are no dirty pages.
	OldestModificationLSN() (LSN, bool)

	// FlushPagesOlderThan flushes dirty pages whose oldest modification is
	// older than the given LSN, so a checkpoint at that LSN becomes truthful.
	FlushPagesOlderThan(lsn LSN) error
}

// NoopBufferPool serves engines that redo everything from the log and for
// tests; it reports no dirty pages.
type NoopBufferPool struct{}

var _ BufferPool = NoopBufferPool{}

func (NoopBufferPool) OldestModificationLSN() (LSN, bool) { return 0, false }
func (NoopBufferPool) FlushPagesOlderThan(LSN) error      { return nil }
