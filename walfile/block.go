package walfile

import (
	"encoding/binary"
	"hash/crc32"
)

const (
	// BlockSize is the unit of physical log I/O.
	BlockSize = 512

	// BlockHeaderSize covers the block number, data length, first record
	// offset and checkpoint number fields.
	BlockHeaderSize = 12

	// BlockTrailerSize holds the block checksum.
	BlockTrailerSize = 4

	// BlockDataSize is the log payload capacity of one block.
	BlockDataSize = BlockSize - BlockHeaderSize - BlockTrailerSize
)

// Checksum computes a 32-bit checksum of block bytes excluding the trailer.
// The algorithm is pluggable; DefaultChecksum is CRC-32C.
type Checksum func(b []byte) uint32

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

func DefaultChecksum(b []byte) uint32 {
	return crc32.Checksum(b, castagnoli)
}

// BlockHeader describes one physical log block. BlockNo is derived from the
// block's start LSN so that a stale block left over from a previous pass over
// the circular file is detectable.
type BlockHeader struct {
	BlockNo      uint32
	DataLen      uint16
	FirstRecOff  uint16
	CheckpointNo uint32
}

func writeBlockHeader(h BlockHeader, dest []byte) {
	binary.BigEndian.PutUint32(dest, h.BlockNo)
	binary.BigEndian.PutUint16(dest[4:], h.DataLen)
	binary.BigEndian.PutUint16(dest[6:], h.FirstRecOff)
	binary.BigEndian.PutUint32(dest[8:], h.CheckpointNo)
}

func readBlockHeader(src []byte) BlockHeader {
	return BlockHeader{
		BlockNo:      binary.BigEndian.Uint32(src),
		DataLen:      binary.BigEndian.Uint16(src[4:]),
		FirstRecOff:  binary.BigEndian.Uint16(src[6:]),
		CheckpointNo: binary.BigEndian.Uint32(src[8:]),
	}
}

// SealBlock writes the header and checksum trailer of a complete block image.
func SealBlock(block []byte, h BlockHeader, sum Checksum) {
	writeBlockHeader(h, block)
	binary.BigEndian.PutUint32(block[BlockSize-BlockTrailerSize:], sum(block[:BlockSize-BlockTrailerSize]))
}

// VerifyBlock checks the trailer checksum and returns the decoded header.
func VerifyBlock(block []byte, sum Checksum) (BlockHeader, bool) {
	stored := binary.BigEndian.Uint32(block[BlockSize-BlockTrailerSize:])
	if stored != sum(block[:BlockSize-BlockTrailerSize]) {
		return BlockHeader{}, false
	}

	return readBlockHeader(block), true
}
