package walfile

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeader_Round_Trip(t *testing.T) {
	h := FileHeader{
		Format:     FormatLegacy,
		KeyVersion: 0,
		Size:       1048576,
		Creator:    "test-1.0",
	}

	buf := make([]byte, BlockSize)
	require.NoError(t, EncodeHeader(h, buf))

	got := DecodeHeader(buf)
	assert.Equal(t, h, got)
	assert.NoError(t, got.Validate())
}

func TestHeader_Validate(t *testing.T) {
	testCases := []struct {
		name string
		h    FileHeader
		err  error
	}{
		{
			name: "legacy format",
			h:    FileHeader{Format: FormatLegacy, Size: 1 << 20},
		},
		{
			name: "physical format",
			h:    FileHeader{Format: FormatPhysical, Size: 1 << 26},
		},
		{
			name: "unknown format",
			h:    FileHeader{Format: 42, Size: 1 << 20},
			err:  ErrBadFormat,
		},
		{
			name: "size with low bits set",
			h:    FileHeader{Format: FormatLegacy, Size: 1<<20 + 100},
			err:  ErrBadSize,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.h.Validate()
			if tc.err == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tc.err)
			}
		})
	}
}

func TestHeader_Creator_Too_Long_Is_Rejected(t *testing.T) {
	h := FileHeader{
		Format:  FormatLegacy,
		Size:    1 << 20,
		Creator: "this creator string is way too long for the header field",
	}

	err := EncodeHeader(h, make([]byte, BlockSize))
	assert.Error(t, err)
}

func TestCheckpoint_Slot_Round_Trip(t *testing.T) {
	c := CheckpointSlot{No: 7, LSN: 123456}

	buf := make([]byte, BlockSize)
	EncodeCheckpoint(c, buf, DefaultChecksum)

	got, ok := DecodeCheckpoint(buf, DefaultChecksum)
	require.True(t, ok)
	assert.Equal(t, c, got)
}

func TestCheckpoint_Slot_Corruption_Is_Detected(t *testing.T) {
	buf := make([]byte, BlockSize)
	EncodeCheckpoint(CheckpointSlot{No: 1, LSN: 999}, buf, DefaultChecksum)

	buf[8] ^= 0xff

	_, ok := DecodeCheckpoint(buf, DefaultChecksum)
	assert.False(t, ok)
}
