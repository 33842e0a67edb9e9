package walfile

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Log layout formats. The legacy format interleaves header, checkpoint slots
// and data blocks in one file; the physical format keeps data blocks in a
// separate pure data file.
const (
	FormatLegacy   uint32 = 103
	FormatPhysical uint32 = 0x50485953
)

const (
	// HeaderRegionSize is the fixed region at the start of the main file
	// holding the file header block and the two checkpoint slots.
	HeaderRegionSize = 4 * BlockSize

	// CheckpointSlot1 and CheckpointSlot2 are block-aligned offsets of the two
	// alternating checkpoint fields. Checkpoints ping-pong between them so a
	// crash mid-write never corrupts both copies.
	CheckpointSlot1 = BlockSize
	CheckpointSlot2 = 3 * BlockSize

	// CreatorSize is the length of the NUL-padded creator field.
	CreatorSize = 32
)

var (
	ErrBadFormat      = errors.New("unknown log file format")
	ErrBadSize        = errors.New("log file size has reserved low bits set")
	ErrNoCheckpoint   = errors.New("no valid checkpoint slot")
	errCreatorTooLong = errors.New("creator string exceeds field size")
)

// FileHeader is the first physical block of the main log file. All fields are
// big endian: FORMAT at 0, KEY_VERSION at 4, SIZE at 8, CREATOR at 16.
type FileHeader struct {
	Format     uint32
	KeyVersion uint32 // 0 means unencrypted
	Size       uint64 // configured file size, low 9 bits must be zero
	Creator    string // producing engine version string, NUL padded
}

func (h FileHeader) Validate() error {
	switch h.Format {
	case FormatLegacy, FormatPhysical:
	default:
		return fmt.Errorf("%w: %#x", ErrBadFormat, h.Format)
	}
	if h.Size&(BlockSize-1) != 0 {
		return fmt.Errorf("%w: %v", ErrBadSize, h.Size)
	}
	return nil
}

// EncodeHeader writes the header into a BlockSize sized destination.
func EncodeHeader(h FileHeader, dest []byte) error {
	if len(h.Creator) > CreatorSize {
		return errCreatorTooLong
	}

	binary.BigEndian.PutUint32(dest, h.Format)
	binary.BigEndian.PutUint32(dest[4:], h.KeyVersion)
	binary.BigEndian.PutUint64(dest[8:], h.Size)
	creator := dest[16 : 16+CreatorSize]
	for i := range creator {
		creator[i] = 0
	}
	copy(creator, h.Creator)
	return nil
}

func DecodeHeader(src []byte) FileHeader {
	creator := src[16 : 16+CreatorSize]
	end := 0
	for end < len(creator) && creator[end] != 0 {
		end++
	}

	return FileHeader{
		Format:     binary.BigEndian.Uint32(src),
		KeyVersion: binary.BigEndian.Uint32(src[4:]),
		Size:       binary.BigEndian.Uint64(src[8:]),
		Creator:    string(creator[:end]),
	}
}

// CheckpointSlot is one of the two alternating checkpoint records. No is the
// checkpoint sequence number, LSN the oldest log position still needed for
// recovery.
type CheckpointSlot struct {
	No  uint64
	LSN uint64
}

func EncodeCheckpoint(c CheckpointSlot, dest []byte, sum Checksum) {
	binary.BigEndian.PutUint64(dest, c.No)
	binary.BigEndian.PutUint64(dest[8:], c.LSN)
	binary.BigEndian.PutUint32(dest[16:], sum(dest[:16]))
}

func DecodeCheckpoint(src []byte, sum Checksum) (CheckpointSlot, bool) {
	if binary.BigEndian.Uint32(src[16:]) != sum(src[:16]) {
		return CheckpointSlot{}, false
	}

	return CheckpointSlot{
		No:  binary.BigEndian.Uint64(src),
		LSN: binary.BigEndian.Uint64(src[8:]),
	}, true
}
