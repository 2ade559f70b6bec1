package v6fs

import (
	"fmt"

	"github.com/mit-pdos/go-v6fs/bitmap"
	"github.com/mit-pdos/go-v6fs/dev"
	"github.com/mit-pdos/go-v6fs/layout"
	"github.com/mit-pdos/go-v6fs/util"
)

// V6Replay re-applies committed transactions after a crash.  It is
// the reader-side mirror of V6Log.
type V6Replay struct {
	fs       *V6FS
	r        *dev.Reader
	sequence layout.Lsn // next sequence number expected
	Hdr      layout.Loghdr
	Freemap  *bitmap.Bitmap
}

func MkReplay(fs *V6FS) (*V6Replay, error) {
	hdr, err := readLoghdr(fs.Dev, uint32(fs.SB.Fsize))
	if err != nil {
		return nil, err
	}
	r := &V6Replay{
		fs:      fs,
		r:       dev.NewReader(fs.Dev),
		Hdr:     *hdr,
		Freemap: bitmap.New(uint32(fs.SB.Fsize), uint32(fs.SB.Datastart())),
	}
	mapbytes := make([]byte, r.Freemap.Datasize())
	if err := dev.ReadAt(fs.Dev, int64(hdr.Mapstart())*int64(layout.SectorSize), mapbytes); err != nil {
		return nil, err
	}
	r.Freemap.Load(mapbytes)
	r.Freemap.Tidy()
	r.sequence = hdr.Sequence
	r.r.Seek(hdr.Checkpoint)
	return r, nil
}

// readNext reads one record, checks its LSN, and transparently
// follows a RecRewind to the start of the log area.
func (rp *V6Replay) readNext() (Record, error) {
	load := func() (Record, error) {
		lsn, rec, err := DecodeRecord(rp.r)
		if err != nil {
			return nil, err
		}
		if lsn != rp.sequence {
			return nil, fmt.Errorf("bad sequence number: %w", ErrLogCorrupt)
		}
		rp.sequence++
		return rec, nil
	}
	rec, err := load()
	if err != nil {
		return nil, err
	}
	if _, ok := rec.(*RecRewind); ok {
		rp.r.Seek(rp.Hdr.Logstart() * layout.SectorSize)
		return load()
	}
	return rec, nil
}

// checkTx scans forward from the current position and reports
// whether a complete transaction starts here.  The reader position is
// restored; the sequence counter is restored only on success, so that
// a later checkpoint lands above every LSN seen in a truncated tail.
func (rp *V6Replay) checkTx() bool {
	start := rp.r.Tell()
	startseq := rp.sequence
	defer rp.r.Seek(start)

	rec, err := rp.readNext()
	if err != nil {
		util.DPrintf(0, "reached log end: %v", err)
		return false
	}
	if _, ok := rec.(*RecBegin); !ok {
		util.DPrintf(0, "reached log end: no LogBegin")
		return false
	}
	beginseq := rp.sequence - 1

	for {
		rec, err := rp.readNext()
		if err != nil {
			util.DPrintf(0, "reached log end: %v", err)
			return false
		}
		if c, ok := rec.(*RecCommit); ok {
			if c.Sequence != beginseq {
				util.DPrintf(0, "reached log end: begin/commit sequence mismatch")
				return false
			}
			rp.sequence = startseq
			return true
		}
	}
}

func (rp *V6Replay) apply(rec Record) error {
	fs := rp.fs
	switch e := rec.(type) {
	case *RecPatch:
		bp, err := fs.Bread(layout.Bnum(e.Blockno))
		if err != nil {
			return err
		}
		copy(bp.Mem[e.Offset:], e.Bytes)
		bp.Bdwrite()
		fs.Brelse(bp)
	case *RecBlockAlloc:
		if e.ZeroOnReplay != 0 {
			// Metadata blocks have every subsequent update in the
			// log, so replay starts them from zero.
			bp, err := fs.Bget(layout.Bnum(e.Blockno))
			if err != nil {
				return err
			}
			for i := range bp.Mem {
				bp.Mem[i] = 0
			}
			bp.Bdwrite()
			fs.Brelse(bp)
		}
		rp.Freemap.Set(uint32(e.Blockno), false)
	case *RecBlockFree:
		rp.Freemap.Set(uint32(e.Blockno), true)
	case *RecBegin, *RecCommit:
		// Transaction brackets carry no state.
	case *RecRewind:
		// Handled inside readNext; never reaches apply.
	}
	return nil
}

// Replay applies every complete transaction from the checkpoint
// forward, stopping at the first incomplete one, then writes the
// reconstructed freemap and advances the on-disk checkpoint.
func (rp *V6Replay) Replay() error {
	first := rp.Hdr.Sequence
	for rp.checkTx() {
		for {
			rec, err := rp.readNext()
			if err != nil {
				return err
			}
			if err := rp.apply(rec); err != nil {
				return err
			}
			if _, ok := rec.(*RecCommit); ok {
				break
			}
		}
	}

	util.DPrintf(0, "played log entries %d to %d", first, rp.sequence)

	rp.Hdr.Sequence = rp.sequence
	rp.Hdr.Checkpoint = rp.r.Tell()
	if err := dev.WriteAt(rp.fs.Dev, int64(rp.Hdr.Mapstart())*int64(layout.SectorSize),
		rp.Freemap.Serialize()); err != nil {
		return err
	}
	// Inode allocations are not journaled; force a rescan.
	rp.fs.SB.Fmod = 1
	rp.fs.SB.Ninode = 0

	// Flush everything replay dirtied before the new checkpoint is
	// made visible.
	if err := rp.fs.Sync(); err != nil {
		return err
	}
	if err := rp.fs.writeblock(rp.Hdr.Encode(), uint32(rp.fs.SB.Fsize)); err != nil {
		return err
	}
	rp.fs.SB.Fmod = 1
	rp.fs.Unclean = false
	return nil
}
