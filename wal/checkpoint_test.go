package wal

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakePool reports a fixed oldest dirty page and records preflush requests.
type fakePool struct {
	oldest    LSN
	hasDirty  bool
	flushedTo LSN
}

func (p *fakePool) OldestModificationLSN() (LSN, bool) {
	return p.oldest, p.hasDirty
}

func (p *fakePool) FlushPagesOlderThan(lsn LSN) error {
	p.flushedTo = lsn
	if p.hasDirty && p.oldest < lsn {
		p.oldest = lsn
	}
	return nil
}

func TestCheckpoint_Is_Monotonic(t *testing.T) {
	l := newTestLog(t, testConfig(t))

	appendRecord(t, l, pattern(0, 500))
	require.NoError(t, l.Checkpoint())
	first := l.LastCheckpointLSN()
	assert.EqualValues(t, 500, first)

	appendRecord(t, l, pattern(500, 200))
	require.NoError(t, l.Checkpoint())
	assert.GreaterOrEqual(t, l.LastCheckpointLSN(), first)
	assert.EqualValues(t, 700, l.LastCheckpointLSN())
}

func TestCheckpoint_While_One_Is_In_Flight_Fails(t *testing.T) {
	l := newTestLog(t, testConfig(t))

	l.mu.Lock()
	l.checkpointPending = true
	l.mu.Unlock()

	assert.ErrorIs(t, l.Checkpoint(), ErrCheckpointBusy)

	l.mu.Lock()
	l.checkpointPending = false
	l.mu.Unlock()

	assert.NoError(t, l.Checkpoint())
}

func TestCheckpoint_Respects_The_Oldest_Dirty_Page(t *testing.T) {
	cfg := testConfig(t)
	pool := &fakePool{oldest: 300, hasDirty: true}

	l, err := Create(cfg, pool, zerolog.Nop())
	require.NoError(t, err)
	defer l.Close()

	appendRecord(t, l, pattern(0, 1000))
	require.NoError(t, l.Checkpoint())

	// the checkpoint cannot claim more than the oldest dirty page allows
	assert.EqualValues(t, 300, l.LastCheckpointLSN())

	cp, err := l.files.ReadCheckpoint()
	require.NoError(t, err)
	assert.EqualValues(t, 300, cp.LSN)
}

func TestCheckpoint_Flushes_The_Log_First(t *testing.T) {
	l := newTestLog(t, testConfig(t))

	appendRecord(t, l, pattern(0, 800))
	require.NoError(t, l.Checkpoint())

	// everything up to the checkpoint LSN must be durable
	assert.GreaterOrEqual(t, l.FlushedLSN(), l.LastCheckpointLSN())
	assert.EqualValues(t, 800, l.FlushedLSN())
}

func TestCheckpoints_Alternate_Slots(t *testing.T) {
	l := newTestLog(t, testConfig(t))

	appendRecord(t, l, pattern(0, 100))
	require.NoError(t, l.Checkpoint())
	appendRecord(t, l, pattern(100, 100))
	require.NoError(t, l.Checkpoint())

	// both checkpoints must be independently readable: the newest wins, and
	// that implies the older slot was not overwritten
	cp, err := l.files.ReadCheckpoint()
	require.NoError(t, err)
	assert.EqualValues(t, 200, cp.LSN)
	assert.EqualValues(t, 2, l.Checkpoints())
}

func TestMakeCheckpoint_Preflushes_Dirty_Pages(t *testing.T) {
	cfg := testConfig(t)
	pool := &fakePool{oldest: 100, hasDirty: true}

	l, err := Create(cfg, pool, zerolog.Nop())
	require.NoError(t, err)
	defer l.Close()

	appendRecord(t, l, pattern(0, 900))
	require.NoError(t, l.MakeCheckpoint())

	assert.EqualValues(t, 900, pool.flushedTo)
	assert.EqualValues(t, 900, l.LastCheckpointLSN())
}
