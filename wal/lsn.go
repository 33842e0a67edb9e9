package wal

// LSN is the monotonically increasing logical byte address of the write-ahead
// log stream. It addresses log payload bytes; block framing never consumes
// LSN space.
type LSN uint64

const ZeroLSN LSN = 0
