package v6fs

import (
	"fmt"
	"time"

	"github.com/tchajed/goose/machine"

	"github.com/mit-pdos/go-v6fs/bitmap"
	"github.com/mit-pdos/go-v6fs/dev"
	"github.com/mit-pdos/go-v6fs/layout"
	"github.com/mit-pdos/go-v6fs/util"
)

// readLoghdr reads and validates the log header at sector blockno.
func readLoghdr(d dev.Device, blockno uint32) (*layout.Loghdr, error) {
	b := make([]byte, layout.SectorSize)
	if err := dev.ReadBlock(d, blockno, b); err != nil {
		return nil, err
	}
	hdr := layout.DecodeLoghdr(b)
	if hdr.Magic != layout.LogMagic || hdr.Hdrblock != blockno ||
		hdr.Checkpoint < hdr.Logstart()*layout.SectorSize {
		return nil, fmt.Errorf("invalid log header: %w", ErrLogCorrupt)
	}
	return hdr, nil
}

// V6Log is the writer side of the journal.
type V6Log struct {
	fs *V6FS
	w  *dev.Writer

	InTx      bool
	Sequence  layout.Lsn // LSN of last written log record
	Committed layout.Lsn // highest LSN durable in the log
	Applied   layout.Lsn // highest LSN applied to the file system

	Hdr     layout.Loghdr
	Freemap *bitmap.Bitmap

	// SuppressCommit keeps Flush from advancing Committed, so the
	// cache eventually fills with undurable entries.  It exists only to
	// generate crash-test images; leave it false.
	SuppressCommit bool

	checkpointTime time.Time
	lastBalloc     layout.Bnum
	beginSequence  layout.Lsn
	freed          []layout.Bnum
}

func MkV6Log(fs *V6FS) (*V6Log, error) {
	hdr, err := readLoghdr(fs.Dev, uint32(fs.SB.Fsize))
	if err != nil {
		return nil, err
	}
	l := &V6Log{
		fs:      fs,
		w:       dev.NewWriter(fs.Dev),
		Hdr:     *hdr,
		Freemap: bitmap.New(uint32(fs.SB.Fsize), uint32(fs.SB.Datastart())),
	}
	// Subtract one from sequence because the first log record should
	// match the log header in case we crash before a checkpoint.
	l.Sequence = hdr.Sequence - 1
	l.Committed = l.Sequence
	l.Applied = l.Sequence
	if err := l.w.Seek(hdr.Checkpoint); err != nil {
		return nil, err
	}
	mapbytes := make([]byte, l.Freemap.Datasize())
	if err := dev.ReadAt(fs.Dev, int64(hdr.Mapstart())*int64(layout.SectorSize), mapbytes); err != nil {
		return nil, err
	}
	l.Freemap.Load(mapbytes)
	l.Freemap.Tidy()
	l.checkpointTime = time.Now()
	return l, nil
}

// Tx is a transaction handle.  Commit on the zero handle is a no-op,
// so nested Begins do not double-commit.
type Tx struct {
	log *V6Log
}

// Begin starts a transaction, or returns a no-op handle when one is
// already open.
func (l *V6Log) Begin() *Tx {
	if l.InTx {
		return &Tx{}
	}
	l.Append(&RecBegin{})
	l.beginSequence = l.Sequence
	l.InTx = true
	return &Tx{log: l}
}

// Commit ends the transaction.  Call it exactly once, usually
// deferred; errors inside the operation still commit whatever was
// journaled, leaving any half-made allocations for fsck to collect.
func (tx *Tx) Commit() {
	if tx.log != nil {
		tx.log.commit()
		tx.log = nil
	}
}

// Append assigns the next LSN and writes a record.  When the record
// would cross the end of the log area, a RecRewind is emitted first
// and writing resumes at the start.
func (l *V6Log) Append(rec Record) {
	l.Sequence++
	pos := l.w.Tell()
	if pos+RecordNbytes(rec)+rewindNbytes > l.Hdr.Logend()*layout.SectorSize {
		l.mustWrite(EncodeRecord(l.Sequence, &RecRewind{}))
		l.Sequence++
		if err := l.w.Seek(l.Hdr.Logstart() * layout.SectorSize); err != nil {
			panic(fmt.Sprintf("log: seek failed: %v", err))
		}
	}
	l.mustWrite(EncodeRecord(l.Sequence, rec))
}

func (l *V6Log) mustWrite(b []byte) {
	if err := l.w.Write(b); err != nil {
		panic(fmt.Sprintf("log: write failed: %v", err))
	}
}

// BallocNear allocates the first free block at or after near,
// wrapping to the start of the data region when none is free there,
// clearing its freemap bit and journaling the allocation.  Returns 0
// when the volume is full.
func (l *V6Log) BallocNear(near layout.Bnum, metadata bool) layout.Bnum {
	if l.fs.Badblock(near) {
		near = l.fs.SB.Datastart()
	}
	bn := l.Freemap.FindFirstSet(uint32(near))
	if bn < 0 && near > l.fs.SB.Datastart() {
		bn = l.Freemap.FindFirstSet(uint32(l.fs.SB.Datastart()))
	}
	if bn < 0 {
		return 0
	}
	l.Freemap.Set(uint32(bn), false)
	if l.InTx {
		zero := uint8(0)
		if metadata {
			zero = 1
		}
		l.Append(&RecBlockAlloc{Blockno: uint16(bn), ZeroOnReplay: zero})
	}
	return layout.Bnum(bn)
}

// Balloc allocates near the previous allocation to keep files
// roughly contiguous.
func (l *V6Log) Balloc(metadata bool) layout.Bnum {
	near := l.lastBalloc
	if l.SuppressCommit {
		near = 0
	}
	bn := l.BallocNear(near, metadata)
	l.lastBalloc = bn
	return bn
}

// Bfree journals the free but defers the freemap bit until commit,
// so no in-flight allocation can reuse the block before the free is
// durable.
func (l *V6Log) Bfree(blockno layout.Bnum) {
	if !l.InTx {
		panic("V6Log.Bfree outside transaction")
	}
	l.freed = append(l.freed, blockno)
	l.Append(&RecBlockFree{Blockno: uint16(blockno)})
}

func (l *V6Log) commit() {
	l.Append(&RecCommit{Sequence: l.beginSequence})
	for _, bn := range l.freed {
		l.Freemap.Set(uint32(bn), true)
	}
	l.freed = l.freed[:0]
	l.InTx = false
	if l.SuppressCommit {
		l.Flush()
		if l.Space() < layout.SectorSize {
			panic("log full, aborting")
		}
		return
	}
	if l.Space() < l.Hdr.Logbytes()/2 || time.Since(l.checkpointTime) > 30*time.Second {
		if err := l.Checkpoint(); err != nil {
			util.DPrintf(0, "checkpoint failed: %v", err)
		}
	}
}

// Flush forces buffered records to the device and advances Committed.
func (l *V6Log) Flush() {
	if err := l.w.Flush(); err != nil {
		panic(fmt.Sprintf("log: flush failed: %v", err))
	}
	if !l.SuppressCommit {
		if l.InTx {
			l.Committed = l.beginSequence - 1
		} else {
			l.Committed = l.Sequence
		}
	}
}

// Checkpoint makes all journaled changes reach their home locations
// and advances the on-disk checkpoint past them.
func (l *V6Log) Checkpoint() error {
	if l.InTx {
		panic("checkpoint inside transaction")
	}
	if l.SuppressCommit {
		if err := l.w.Flush(); err != nil {
			return err
		}
		return l.fs.Sync()
	}

	l.Hdr.Checkpoint = l.w.Tell()
	l.Hdr.Sequence = l.Sequence + 1
	// Stick a null transaction after the checkpoint so the log can
	// never read as empty after a rewind wrap.
	l.Append(&RecBegin{})
	l.Append(&RecCommit{Sequence: l.Sequence})

	l.Flush()
	if err := l.fs.Sync(); err != nil {
		return err
	}
	l.Applied = l.Committed

	freed := l.freed
	l.freed = nil
	for _, bn := range freed {
		l.Freemap.Set(uint32(bn), true)
	}
	if err := dev.WriteAt(l.fs.Dev, int64(l.Hdr.Mapstart())*int64(layout.SectorSize),
		l.Freemap.Serialize()); err != nil {
		return err
	}
	if err := l.fs.writeblock(l.Hdr.Encode(), l.Hdr.Hdrblock); err != nil {
		return err
	}
	l.checkpointTime = time.Now()
	return nil
}

// Space is the cyclic distance from the writer to the checkpoint.
func (l *V6Log) Space() uint32 {
	pos := l.w.Tell()
	cp := l.Hdr.Checkpoint
	if cp >= pos {
		return cp - pos
	}
	return l.Hdr.Logbytes() - (pos - cp)
}

// CreateLog initializes the journal region of a volume: log header,
// free-block bitmap, and an empty circular log.
func CreateLog(fs *V6FS, logBlocks uint16) error {
	sb := &fs.SB

	lh := layout.Loghdr{
		Magic:    layout.LogMagic,
		Hdrblock: uint32(sb.Fsize),
	}
	databits := uint32(sb.Fsize) - uint32(sb.Datastart())
	lh.Mapsize = uint16(util.RoundUp(uint64(databits), 8*uint64(layout.SectorSize)))
	if logBlocks == 0 {
		logBlocks = sb.Fsize/64 + 8
	}
	lh.Logsize = lh.Mapsize + logBlocks
	lh.Checkpoint = lh.Logstart() * layout.SectorSize
	lh.Sequence = layout.Lsn(machine.RandomUint64())

	if err := dev.Truncate(fs.Dev, int64(lh.Hdrblock)*int64(layout.SectorSize)); err != nil {
		return err
	}
	if err := dev.Truncate(fs.Dev, int64(lh.Logend())*int64(layout.SectorSize)); err != nil {
		return err
	}

	freemap, err := Freemap(fs)
	if err != nil {
		return err
	}
	if err := dev.WriteAt(fs.Dev, int64(lh.Mapstart())*int64(layout.SectorSize),
		freemap.Serialize()); err != nil {
		return err
	}
	if err := fs.writeblock(lh.Encode(), lh.Hdrblock); err != nil {
		return err
	}
	sb.Uselog = 1
	sb.Nfree = 0 // using the freemap now
	util.DPrintf(1, "created journal: %d map sectors, %d log sectors",
		lh.Mapsize, logBlocks)
	return fs.WriteSuper()
}
