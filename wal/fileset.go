package wal

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"redo/walfile"
)

// CreatorCurrent is written into the CREATOR field of newly created log files.
const CreatorCurrent = "redo-1.0"

var (
	ErrNotInitialized = errors.New("log file set reference pair is not initialized")
	ErrNoDataFile     = errors.New("operation requires the physical layout with a separate data file")
)

// FileSetOptions configures creation or opening of the physical log files.
type FileSetOptions struct {
	Dir        string
	Format     uint32
	KeyVersion uint32
	FileSize   int64
	FilePerms  os.FileMode
	Creator    string

	// DurableWrites opens the files with synchronous write semantics
	// (O_DSYNC); log writes then need no separate flush syscall.
	DurableWrites bool

	// Checksum and Cipher default to CRC-32C and a pass-through cipher.
	Checksum walfile.Checksum
	Cipher   walfile.Cipher
}

func (o *FileSetOptions) fillDefaults() {
	if o.Checksum == nil {
		o.Checksum = walfile.DefaultChecksum
	}
	if o.Cipher == nil {
		o.Cipher = walfile.NopCipher{}
	}
	if o.Creator == "" {
		o.Creator = CreatorCurrent
	}
	if o.FilePerms == 0 {
		o.FilePerms = 0640
	}
}

// FileSet owns the physical log files and maps LSNs to byte offsets on the
// circular layout. The (refLSN, refOff) reference pair is mutated only by
// SetFields and only while the owning LogSystem's mutex is held; that lock
// requirement is a documented precondition, not a runtime check.
type FileSet struct {
	format     uint32
	keyVersion uint32
	fileSize   int64

	nBlocks uint64

	refLSN      LSN
	refOff      uint64 // payload byte offset of refLSN within the circular payload
	initialized bool

	main *walfile.LogFile
	data *walfile.LogFile

	checksum walfile.Checksum
	cipher   walfile.Cipher

	// fdMu protects the main file append cursor.
	fdMu     sync.Mutex
	fdOffset int64
}

func payloadBlocks(format uint32, fileSize int64) uint64 {
	if format == walfile.FormatLegacy {
		return uint64(fileSize-walfile.HeaderRegionSize) / walfile.BlockSize
	}
	return uint64(fileSize) / walfile.BlockSize
}

// CreateFileSet creates fresh log files: a main file holding the header and
// checkpoint slots (plus the data blocks in the legacy format) and, in the
// physical format, a separate pure data file.
func CreateFileSet(o FileSetOptions) (*FileSet, error) {
	o.fillDefaults()

	hdr := walfile.FileHeader{
		Format:     o.Format,
		KeyVersion: o.KeyVersion,
		Size:       uint64(o.FileSize),
		Creator:    o.Creator,
	}
	if err := hdr.Validate(); err != nil {
		return nil, err
	}

	mainSize := int64(walfile.HeaderRegionSize)
	if o.Format == walfile.FormatLegacy {
		mainSize = o.FileSize
	}

	main, err := walfile.CreateLogFile(walfile.LogFilePath(o.Dir, walfile.MainFileName), mainSize, o.DurableWrites, o.FilePerms)
	if err != nil {
		return nil, err
	}

	var hdrBlock [walfile.BlockSize]byte
	if err := walfile.EncodeHeader(hdr, hdrBlock[:]); err != nil {
		return nil, err
	}
	if err := main.Write(0, hdrBlock[:]); err != nil {
		return nil, err
	}
	if err := main.FlushDataOnly(); err != nil {
		return nil, err
	}

	var data *walfile.LogFile
	if o.Format == walfile.FormatPhysical {
		data, err = walfile.CreateLogFile(walfile.LogFilePath(o.Dir, walfile.DataFileName), o.FileSize, o.DurableWrites, o.FilePerms)
		if err != nil {
			main.Close()
			return nil, err
		}
	}

	return &FileSet{
		format:     o.Format,
		keyVersion: o.KeyVersion,
		fileSize:   o.FileSize,
		nBlocks:    payloadBlocks(o.Format, o.FileSize),
		main:       main,
		data:       data,
		checksum:   o.Checksum,
		cipher:     o.Cipher,
		fdOffset:   walfile.HeaderRegionSize,
	}, nil
}

// OpenFileSet opens an existing file set; format, key version and file size
// are taken from the on-disk header, not the options.
func OpenFileSet(o FileSetOptions) (*FileSet, walfile.FileHeader, error) {
	o.fillDefaults()

	main := walfile.NewLogFile(walfile.LogFilePath(o.Dir, walfile.MainFileName))
	if err := main.Open(false, o.DurableWrites, o.FilePerms); err != nil {
		return nil, walfile.FileHeader{}, err
	}

	var hdrBlock [walfile.BlockSize]byte
	if err := main.Read(0, hdrBlock[:]); err != nil {
		main.Close()
		return nil, walfile.FileHeader{}, err
	}

	hdr := walfile.DecodeHeader(hdrBlock[:])
	if err := hdr.Validate(); err != nil {
		main.Close()
		return nil, walfile.FileHeader{}, err
	}

	var data *walfile.LogFile
	if hdr.Format == walfile.FormatPhysical {
		data = walfile.NewLogFile(walfile.LogFilePath(o.Dir, walfile.DataFileName))
		if err := data.Open(false, o.DurableWrites, o.FilePerms); err != nil {
			main.Close()
			return nil, walfile.FileHeader{}, err
		}
	}

	mainSize, err := main.Size()
	if err != nil {
		main.Close()
		return nil, walfile.FileHeader{}, err
	}

	return &FileSet{
		format:     hdr.Format,
		keyVersion: hdr.KeyVersion,
		fileSize:   int64(hdr.Size),
		nBlocks:    payloadBlocks(hdr.Format, int64(hdr.Size)),
		main:       main,
		data:       data,
		checksum:   o.Checksum,
		cipher:     o.Cipher,
		fdOffset:   mainSize,
	}, hdr, nil
}

func (fs *FileSet) Format() uint32     { return fs.format }
func (fs *FileSet) KeyVersion() uint32 { return fs.keyVersion }
func (fs *FileSet) FileSize() int64    { return fs.fileSize }

func (fs *FileSet) IsEncrypted() bool { return fs.keyVersion != 0 }

func (fs *FileSet) IsPhysical() bool { return fs.format == walfile.FormatPhysical }

// Capacity is the payload capacity of the circular file in LSN bytes.
func (fs *FileSet) Capacity() LSN {
	return LSN(fs.nBlocks * walfile.BlockDataSize)
}

// dataTarget is the file holding the log blocks.
func (fs *FileSet) dataTarget() *walfile.LogFile {
	if fs.data != nil {
		return fs.data
	}
	return fs.main
}

// dataStart is the physical offset of payload block zero inside dataTarget.
func (fs *FileSet) dataStart() int64 {
	if fs.data != nil {
		return 0
	}
	return walfile.HeaderRegionSize
}

// DataWritesAreDurable reports whether log block writes need no flush call.
func (fs *FileSet) DataWritesAreDurable() bool {
	return fs.dataTarget().WritesAreDurable()
}

// FlushData flushes the file holding the log blocks.
func (fs *FileSet) FlushData() error {
	return fs.dataTarget().FlushDataOnly()
}

// InitFields establishes the reference pair for a file set whose mapping has
// never been computed. Caller must hold the LogSystem mutex.
func (fs *FileSet) InitFields(lsn LSN, payloadOff uint64) {
	fs.refLSN = lsn
	fs.refOff = payloadOff % uint64(fs.Capacity())
	fs.initialized = true
}

// SetFields recomputes and stores the reference pair for the given LSN.
// Caller must hold the LogSystem mutex.
func (fs *FileSet) SetFields(lsn LSN) {
	off := fs.CalcLSNOffset(lsn)
	fs.refLSN = lsn
	fs.refOff = off
}

// CalcLSNOffset maps an LSN to its payload byte offset on the circular
// layout. The mapping is purely modular and holds for arbitrarily large
// forward and backward distances from the reference pair.
func (fs *FileSet) CalcLSNOffset(lsn LSN) uint64 {
	if !fs.initialized {
		panic(ErrNotInitialized)
	}

	size := uint64(fs.Capacity())
	delta := uint64(lsn) - uint64(fs.refLSN)
	if int64(delta) < 0 {
		delta = (-delta) % size
		delta = size - delta
	}

	return (fs.refOff + delta) % size
}

// blockPhysOffset converts a payload block index to a physical file offset.
func (fs *FileSet) blockPhysOffset(blockIdx uint64) int64 {
	return fs.dataStart() + int64(blockIdx*walfile.BlockSize)
}

// blockNoForLSN derives the header block number from a block's start LSN so
// stale blocks from an earlier pass over the circular file are recognizable.
func blockNoForLSN(blockLSN LSN) uint32 {
	return uint32(uint64(blockLSN)/walfile.BlockDataSize) + 1
}

// WriteLogSeg writes the payload byte range [start, start+len(data)) as whole
// physical blocks. tail must contain the bytes of the block holding start
// that precede it, i.e. len(tail) == start mod BlockDataSize; they are
// rewritten together with the new data since blocks only land on disk whole.
func (fs *FileSet) WriteLogSeg(start LSN, tail, data []byte, checkpointNo uint64) error {
	if uint64(len(tail)) != uint64(start)%walfile.BlockDataSize {
		panic("carried tail does not align with segment start")
	}

	blockLSN := start - LSN(len(tail))
	total := len(tail) + len(data)
	byteAt := func(i int) []byte {
		// returns the remaining bytes of the virtual tail+data concatenation
		if i < len(tail) {
			return tail[i:]
		}
		return data[i-len(tail):]
	}

	var block [walfile.BlockSize]byte
	pos := 0
	for pos < total {
		payload := block[walfile.BlockHeaderSize : walfile.BlockHeaderSize+walfile.BlockDataSize]
		for i := range payload {
			payload[i] = 0
		}

		n := 0
		for n < walfile.BlockDataSize && pos+n < total {
			n += copy(payload[n:], byteAt(pos+n))
		}

		hdr := walfile.BlockHeader{
			BlockNo:      blockNoForLSN(blockLSN),
			DataLen:      uint16(n),
			FirstRecOff:  0,
			CheckpointNo: uint32(checkpointNo),
		}
		if fs.IsEncrypted() {
			if err := fs.cipher.Encrypt(payload, hdr, fs.keyVersion); err != nil {
				return fmt.Errorf("failed to encrypt log block %v: %w", hdr.BlockNo, err)
			}
		}

		walfile.SealBlock(block[:], hdr, fs.checksum)

		blockIdx := fs.CalcLSNOffset(blockLSN) / walfile.BlockDataSize
		if err := fs.dataTarget().Write(fs.blockPhysOffset(blockIdx), block[:]); err != nil {
			return err
		}

		pos += n
		blockLSN += LSN(n)
	}

	return nil
}

// ReadLogSeg reads the payload byte range [start, end), verifying each
// covering block's checksum and block number. On an invalid block it stops at
// the last valid byte and returns ok=false with the bytes read so far; this
// partial success lets startup scans find the true end of usable log.
func (fs *FileSet) ReadLogSeg(start, end LSN) (payload []byte, lastValid LSN, ok bool, err error) {
	if start > end {
		return nil, start, false, fmt.Errorf("read area start %v is past end %v", start, end)
	}

	lastValid = start
	var block [walfile.BlockSize]byte

	for blockLSN := start - start%walfile.BlockDataSize; blockLSN < end; blockLSN += walfile.BlockDataSize {
		blockIdx := fs.CalcLSNOffset(blockLSN) / walfile.BlockDataSize
		if err := fs.dataTarget().Read(fs.blockPhysOffset(blockIdx), block[:]); err != nil {
			return payload, lastValid, false, err
		}

		hdr, valid := walfile.VerifyBlock(block[:], fs.checksum)
		if !valid || hdr.BlockNo != blockNoForLSN(blockLSN) {
			return payload, lastValid, false, nil
		}

		blockData := block[walfile.BlockHeaderSize : walfile.BlockHeaderSize+walfile.BlockDataSize]
		if fs.IsEncrypted() {
			if err := fs.cipher.Decrypt(blockData, hdr, fs.keyVersion); err != nil {
				return payload, lastValid, false, err
			}
		}

		blockEnd := blockLSN + LSN(hdr.DataLen)
		from := LSN(0)
		if blockLSN < start {
			from = start - blockLSN
		}
		upTo := blockEnd
		if upTo > end {
			upTo = end
		}
		if upTo > blockLSN+from {
			payload = append(payload, blockData[from:upTo-blockLSN]...)
			lastValid = upTo
		}

		// an incomplete block is the current end of the log
		if hdr.DataLen < walfile.BlockDataSize {
			return payload, lastValid, lastValid >= end, nil
		}
	}

	return payload, lastValid, true, nil
}

// AppendToMainLog appends small auxiliary records to the main file at its
// write cursor. Bulk log data never goes through here; the physical layout
// keeps it in the data file.
func (fs *FileSet) AppendToMainLog(b []byte) error {
	if fs.data == nil {
		return ErrNoDataFile
	}

	fs.fdMu.Lock()
	defer fs.fdMu.Unlock()

	if err := fs.main.Write(fs.fdOffset, b); err != nil {
		return err
	}

	fs.fdOffset += int64(len(b))
	return nil
}

// MainFileSize is the current main file append cursor.
func (fs *FileSet) MainFileSize() int64 {
	fs.fdMu.Lock()
	defer fs.fdMu.Unlock()
	return fs.fdOffset
}

// WriteCheckpoint durably writes a checkpoint record into one of the two
// alternating header slots; even checkpoint numbers go to the first slot,
// odd ones to the second, so a crash mid-write never corrupts both.
func (fs *FileSet) WriteCheckpoint(c walfile.CheckpointSlot) error {
	off := int64(walfile.CheckpointSlot1)
	if c.No%2 == 1 {
		off = walfile.CheckpointSlot2
	}

	var block [walfile.BlockSize]byte
	walfile.EncodeCheckpoint(c, block[:], fs.checksum)

	if err := fs.main.Write(off, block[:]); err != nil {
		return err
	}
	return fs.main.FlushDataOnly()
}

// ReadCheckpoint scans both checkpoint slots and returns the newest valid
// one.
func (fs *FileSet) ReadCheckpoint() (walfile.CheckpointSlot, error) {
	var block [walfile.BlockSize]byte
	var best walfile.CheckpointSlot
	found := false

	for _, off := range []int64{walfile.CheckpointSlot1, walfile.CheckpointSlot2} {
		if err := fs.main.Read(off, block[:]); err != nil {
			return walfile.CheckpointSlot{}, err
		}
		if c, valid := walfile.DecodeCheckpoint(block[:], fs.checksum); valid {
			if !found || c.No > best.No {
				best = c
				found = true
			}
		}
	}

	if !found {
		return walfile.CheckpointSlot{}, walfile.ErrNoCheckpoint
	}
	return best, nil
}

// RenameMain renames the main log file.
func (fs *FileSet) RenameMain(newPath string) error {
	return fs.main.Rename(newPath)
}

// CloseFiles closes all files of the set.
func (fs *FileSet) CloseFiles() error {
	err := fs.main.Close()
	if fs.data != nil {
		if derr := fs.data.Close(); err == nil {
			err = derr
		}
	}
	return err
}
