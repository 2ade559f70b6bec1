// Package v6fs implements a read/write Unix Version 6 file system
// with an optional write-ahead journal for crash consistency.  The
// on-disk format is the classic V6 layout (see package layout); the
// journal occupies a region past the end of the file system proper
// and is replayed automatically when an uncleanly unmounted image is
// opened.
package v6fs

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/hashicorp/go-multierror"

	"github.com/mit-pdos/go-v6fs/cache"
	"github.com/mit-pdos/go-v6fs/dev"
	"github.com/mit-pdos/go-v6fs/layout"
	"github.com/mit-pdos/go-v6fs/util"
)

// Open flags.
const (
	RDONLY      = 0x1
	MUSTBECLEAN = 0x2
	NOLOG       = 0x4
	MKLOG       = 0x8
	REPLAY      = 0x10
)

// FSCache holds the buffer and inode pools.  Caches are shared: a
// single FSCache can back several open volumes at once.
type FSCache struct {
	B *cache.Cache
	I *cache.Cache
}

func MkFSCache(bsize int, isize int) *FSCache {
	return &FSCache{
		B: cache.New("buffer", bsize, func() cache.Entry { return &Buffer{} }),
		I: cache.New("inode", isize, func() cache.Entry { return &Inode{} }),
	}
}

// MkDefaultCache uses the conventional pool sizes.
func MkDefaultCache() *FSCache {
	return MkFSCache(16, 100)
}

type V6FS struct {
	Readonly bool
	Unclean  bool
	Dev      dev.Device
	Cache    *FSCache
	Log      *V6Log
	SB       layout.Superblock

	closer func() error
}

// Open opens a file system image by path.
func Open(path string, c *FSCache, flags int) (*V6FS, error) {
	mode := os.O_RDWR
	if flags&RDONLY != 0 {
		mode = os.O_RDONLY
	}
	f, err := os.OpenFile(path, mode, 0)
	if err != nil {
		return nil, err
	}
	fs, err := OpenDevice(f, c, flags)
	if err != nil {
		f.Close()
		return nil, err
	}
	fs.closer = f.Close
	return fs, nil
}

// OpenDevice opens a file system on an already-open device.
func OpenDevice(d dev.Device, c *FSCache, flags int) (*V6FS, error) {
	fs := &V6FS{
		Readonly: flags&RDONLY != 0,
		Dev:      d,
		Cache:    c,
	}

	sbbuf := make([]byte, layout.SectorSize)
	if err := dev.ReadBlock(d, uint32(layout.SuperblockSector), sbbuf); err != nil {
		return nil, err
	}
	fs.SB = *layout.DecodeSuperblock(sbbuf)

	magic := make([]byte, 2)
	if err := dev.ReadAt(d, 0, magic); err != nil {
		return nil, err
	}
	if layout.GetU16(magic) != layout.BootblockMagic {
		return nil, ErrBadMagic
	}
	fs.Unclean = fs.SB.Dirty != 0

	// Legacy V6 file systems seem to have garbage at the end of the
	// superblock, so verify the log header before trusting s_uselog.
	if fs.SB.Uselog != 0 {
		if _, err := readLoghdr(d, uint32(fs.SB.Fsize)); err != nil {
			util.DPrintf(0, "invalid log header, clearing s_uselog in superblock")
			fs.SB.Uselog = 0
		}
	}

	if flags&MUSTBECLEAN != 0 && fs.Unclean &&
		(fs.SB.Uselog == 0 || flags&(REPLAY|NOLOG) != REPLAY) {
		return nil, ErrUnclean
	}
	if !fs.Readonly {
		fs.SB.Fmod = 0
	}
	if flags&NOLOG == 0 && !fs.Readonly {
		if fs.SB.Uselog == 0 && flags&MKLOG != 0 {
			util.DPrintf(0, "creating journal and bitmap")
			if err := CreateLog(fs, 0); err != nil {
				return nil, err
			}
		}
		if fs.SB.Uselog != 0 {
			if fs.Unclean {
				r, err := MkReplay(fs)
				if err != nil {
					return nil, err
				}
				if err := r.Replay(); err != nil {
					return nil, err
				}
			}
			l, err := MkV6Log(fs)
			if err != nil {
				return nil, err
			}
			fs.Log = l
		}
	}
	if !fs.Readonly {
		fs.SB.Dirty = 1
		if err := fs.WriteSuper(); err != nil {
			return nil, err
		}
	}
	return fs, nil
}

// Close checkpoints the log, flushes the caches, and marks the
// superblock clean.
func (fs *V6FS) Close() error {
	var errs error
	if !fs.Readonly {
		suppress := false
		if fs.Log != nil {
			suppress = fs.Log.SuppressCommit
			if err := fs.Log.Checkpoint(); err != nil {
				errs = multierror.Append(errs, err)
			}
		} else if err := fs.Sync(); err != nil {
			errs = multierror.Append(errs, err)
		}
		fs.Log = nil
		fs.SB.Fmod = 0
		if !fs.Unclean && !suppress {
			fs.SB.Dirty = 0
		}
		if err := fs.WriteSuper(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	fs.Invalidate()
	if fs.closer != nil {
		if err := fs.closer(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs
}

// LogCommitted implements cache.Volume.
func (fs *V6FS) LogCommitted() (layout.Lsn, bool) {
	if fs.Log == nil {
		return 0, false
	}
	return fs.Log.Committed, true
}

// FlushLog implements cache.Volume.
func (fs *V6FS) FlushLog() {
	if fs.Log != nil {
		fs.Log.Flush()
	}
}

func (fs *V6FS) readblock(mem []byte, blockno uint32) error {
	return dev.ReadBlock(fs.Dev, blockno, mem)
}

func (fs *V6FS) writeblock(mem []byte, blockno uint32) error {
	return dev.WriteBlock(fs.Dev, blockno, mem)
}

func (fs *V6FS) WriteSuper() error {
	return fs.writeblock(fs.SB.Encode(), uint32(layout.SuperblockSector))
}

// Sync writes all dirty buffers.  With a journal, the superblock
// holds nothing interesting between checkpoints (the inode free list
// is rebuilt on remount and the block free list is unused), so it is
// only rewritten in the no-log case.
func (fs *V6FS) Sync() error {
	var errs error
	if err := fs.Cache.I.FlushVol(fs); err != nil {
		errs = multierror.Append(errs, err)
	}
	if err := fs.Cache.B.FlushVol(fs); err != nil {
		errs = multierror.Append(errs, err)
	}
	if fs.Log == nil && fs.SB.Fmod != 0 {
		fs.SB.Fmod = 0
		if err := fs.WriteSuper(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs
}

// Invalidate drops all cached state and re-reads the superblock.
func (fs *V6FS) Invalidate() {
	fs.Cache.I.InvalidateVol(fs)
	fs.Cache.B.InvalidateVol(fs)
	sbbuf := make([]byte, layout.SectorSize)
	if err := dev.ReadBlock(fs.Dev, uint32(layout.SuperblockSector), sbbuf); err == nil {
		fs.SB = *layout.DecodeSuperblock(sbbuf)
	}
}

// Bread returns the cached buffer for blockno, reading it from the
// device on first use.
func (fs *V6FS) Bread(blockno layout.Bnum) (*Buffer, error) {
	bp, err := fs.Bget(blockno)
	if err != nil {
		return nil, err
	}
	if !bp.Initialized {
		if err := fs.readblock(bp.Mem[:], uint32(blockno)); err != nil {
			fs.Brelse(bp)
			return nil, err
		}
		bp.Initialized = true
	}
	return bp, nil
}

// Bget returns the buffer for blockno without reading it, for callers
// about to overwrite the whole sector.
func (fs *V6FS) Bget(blockno layout.Bnum) (*Buffer, error) {
	e, err := fs.Cache.B.Lookup(fs, uint16(blockno))
	if err != nil {
		return nil, err
	}
	return e.(*Buffer), nil
}

func (fs *V6FS) Brelse(bp *Buffer) {
	fs.Cache.B.Release(bp)
}

// Bdup takes an extra reference on a buffer.
func (fs *V6FS) Bdup(bp *Buffer) *Buffer {
	e := fs.Cache.B.TryLookup(fs, uint16(bp.Blockno()))
	if e == nil {
		panic("Bdup: buffer not cached")
	}
	return e.(*Buffer)
}

// Iblock returns the sector containing inum.
func (fs *V6FS) Iblock(inum layout.Inum) layout.Bnum {
	if inum != 0 {
		blockno := uint32(inum-layout.RootInumber) / layout.InodesPerBlock
		if blockno < uint32(fs.SB.Isize) {
			return layout.Bnum(blockno) + layout.Bnum(layout.InodeStartSector)
		}
	}
	panic("Iblock: invalid inum")
}

// Iindex is the index of inum within sector Iblock(inum).
func Iindex(inum layout.Inum) uint32 {
	return uint32(inum-layout.RootInumber) % layout.InodesPerBlock
}

// Iget returns the cached inode, loading it from its containing
// sector on first use.
func (fs *V6FS) Iget(inum layout.Inum) (*Inode, error) {
	e, err := fs.Cache.I.Lookup(fs, uint16(inum))
	if err != nil {
		return nil, err
	}
	ip := e.(*Inode)
	if !ip.Initialized {
		bp, err := fs.Bread(fs.Iblock(inum))
		if err != nil {
			fs.IPut(ip)
			return nil, err
		}
		off := Iindex(inum) * layout.InodeSize
		ip.DInode = layout.DecodeInode(bp.Mem[off : off+layout.InodeSize])
		fs.Brelse(bp)
		ip.Initialized = true
	}
	return ip, nil
}

func (fs *V6FS) IPut(ip *Inode) {
	fs.Cache.I.Release(ip)
}

func (fs *V6FS) Idup(ip *Inode) *Inode {
	e := fs.Cache.I.TryLookup(fs, uint16(ip.Inum()))
	if e == nil {
		panic("Idup: inode not cached")
	}
	return e.(*Inode)
}

// Badblock reports whether blockno lies outside the data region.
func (fs *V6FS) Badblock(blockno layout.Bnum) bool {
	return blockno < fs.SB.Datastart() || blockno >= layout.Bnum(fs.SB.Fsize)
}

// Begin opens a transaction on the journal (a no-op handle when the
// volume is not logging, or when a transaction is already open).
func (fs *V6FS) Begin() *Tx {
	if fs.Log == nil {
		return &Tx{}
	}
	return fs.Log.Begin()
}

// Balloc allocates a zero-filled block and returns its buffer.
// Metadata is true for indirect and directory blocks, whose future
// updates are journaled, and false for regular file data blocks,
// which must not be re-zeroed when replaying the log.
func (fs *V6FS) Balloc(metadata bool) (*Buffer, error) {
	if !fs.Cache.B.CanAlloc(1) {
		util.DPrintf(0, "buffer cache is full")
		return nil, fmt.Errorf("block allocation out of buffers: %w", ErrNoMem)
	}
	var bn layout.Bnum
	if fs.Log != nil {
		bn = fs.Log.Balloc(metadata)
	} else {
		var err error
		bn, err = fs.ballocFreelist()
		if err != nil {
			return nil, err
		}
	}
	if bn == 0 {
		return nil, fmt.Errorf("no free blocks on device: %w", ErrNoSpace)
	}
	bp, err := fs.Bget(bn)
	if err != nil {
		return nil, err
	}
	for i := range bp.Mem {
		bp.Mem[i] = 0
	}
	bp.Bdwrite()
	return bp, nil
}

// Bfree releases a block.
func (fs *V6FS) Bfree(blockno layout.Bnum) {
	if fs.Badblock(blockno) {
		panic("attempt to free bad block")
	}
	if fs.Log != nil {
		fs.Log.Bfree(blockno)
	} else {
		fs.bfreeFreelist(blockno)
	}
	fs.Cache.B.Free(fs, uint16(blockno))
}

// ballocFreelist pops the legacy in-superblock stack of free blocks.
// When the stack empties, the popped block holds the next hundred
// free block numbers: the first entry links to the rest of the list.
func (fs *V6FS) ballocFreelist() (layout.Bnum, error) {
	sb := &fs.SB
	if sb.Nfree == 0 || (sb.Nfree == 1 && sb.Free[0] == 0) {
		return 0, nil
	}
	sb.Fmod = 1
	sb.Nfree--
	blockno := layout.Bnum(sb.Free[sb.Nfree])

	if sb.Nfree == 0 {
		bp, err := fs.Bread(blockno)
		if err != nil {
			return 0, err
		}
		for i := range sb.Free {
			sb.Free[i] = bp.GetU16(uint32(i))
		}
		sb.Nfree = layout.NicFree
		fs.Brelse(bp)
	}
	return blockno, nil
}

func (fs *V6FS) bfreeFreelist(blockno layout.Bnum) {
	sb := &fs.SB
	sb.Fmod = 1

	// Stack full: ship the hundred entries off to the freed block
	// and restart the stack with a link to it.
	if sb.Nfree == layout.NicFree {
		bp, err := fs.Bget(blockno)
		if err == nil {
			for i, v := range sb.Free {
				bp.PutU16(uint32(i), v)
			}
			for i := 2 * layout.NicFree; i < int(layout.SectorSize); i++ {
				bp.Mem[i] = 0
			}
			bp.Initialized = true
			bp.Bwrite()
			fs.Brelse(bp)
		}
		sb.Free[0] = uint16(blockno)
		sb.Nfree = 1
		return
	}

	// A fresh file system needs the terminating 0 in the first slot.
	if sb.Nfree == 0 {
		sb.Free[0] = 0
		sb.Nfree = 1
	}
	sb.Free[sb.Nfree] = uint16(blockno)
	sb.Nfree++
}

// Ialloc allocates a free inode.  When the superblock's free-inode
// cache is empty, the inode table is scanned from inumber 1 to refill
// it, stopping when the cache is full or the table ends.
func (fs *V6FS) Ialloc() (*Inode, error) {
	if !fs.Cache.I.CanAlloc(1) {
		util.DPrintf(0, "inode cache is full")
		return nil, fmt.Errorf("inode cache overflow: %w", ErrNoMem)
	}
	sb := &fs.SB
	if sb.Ninode == 0 {
		end := layout.Inum(uint32(sb.Isize) * layout.InodesPerBlock)
		for i := layout.Inum(1); i <= end && sb.Ninode < layout.NicInode; i++ {
			ip, err := fs.Iget(i)
			if err != nil {
				return nil, err
			}
			if !ip.IsAlloc() {
				sb.Inode[sb.Ninode] = uint16(i)
				sb.Ninode++
			}
			fs.IPut(ip)
		}
	}
	if sb.Ninode == 0 {
		return nil, fmt.Errorf("out of inodes: %w", ErrNoSpace)
	}
	sb.Ninode--
	inum := layout.Inum(sb.Inode[sb.Ninode])
	e, err := fs.Cache.I.Lookup(fs, uint16(inum))
	if err != nil {
		return nil, err
	}
	ip := e.(*Inode)
	sb.Fmod = 1
	ip.DInode = layout.DInode{}
	ip.Initialized = true
	return ip, nil
}

// Ifree returns an inumber to the superblock's free-inode cache.
func (fs *V6FS) Ifree(inum layout.Inum) {
	if inum < 1 || uint32(inum) > uint32(fs.SB.Isize)*layout.InodesPerBlock {
		panic("Ifree: invalid inum")
	}
	if fs.SB.Ninode >= layout.NicInode {
		return
	}
	fs.SB.Inode[fs.SB.Ninode] = uint16(inum)
	fs.SB.Ninode++
	fs.SB.Fmod = 1
}

// logPatch journals len bytes of an already-modified cache entry at
// absolute disk offset and records the entry's LSN.
func (fs *V6FS) logPatch(e *cache.EntryBase, diskOff uint32, bytes []byte) {
	if len(bytes) == 0 {
		panic("logPatch: empty patch")
	}
	e.MarkDirty()
	if fs.Log == nil {
		return
	}
	if !fs.Log.InTx {
		panic("logPatch: patch outside transaction")
	}
	b := make([]byte, len(bytes))
	copy(b, bytes)
	fs.Log.Append(&RecPatch{
		Blockno: uint16(diskOff / layout.SectorSize),
		Offset:  uint16(diskOff % layout.SectorSize),
		Bytes:   b,
	})
	e.SetLogged(fs.Log.Sequence)
}

// PatchBuf stores bytes into bp at off and journals the change.
func (fs *V6FS) PatchBuf(bp *Buffer, off uint32, bytes []byte) {
	if off+uint32(len(bytes)) > layout.SectorSize {
		panic("PatchBuf: patch spans sector boundary")
	}
	copy(bp.Mem[off:], bytes)
	fs.logPatch(bp.Hdr(), uint32(bp.Blockno())*layout.SectorSize+off, bytes)
}

// InodeDiskOffset is the absolute disk offset of ip's image.
func (fs *V6FS) InodeDiskOffset(ip *Inode) uint32 {
	return uint32(fs.Iblock(ip.Inum()))*layout.SectorSize +
		Iindex(ip.Inum())*layout.InodeSize
}

// patchInode journals n bytes of ip's on-disk image starting at
// field offset off.  The caller has already updated the field.
func (fs *V6FS) patchInode(ip *Inode, off uint32, n uint32) {
	img := ip.DInode.Encode()
	fs.logPatch(ip.Hdr(), fs.InodeDiskOffset(ip)+off, img[off:off+n])
}

// PatchWholeInode journals the entire inode image.
func (fs *V6FS) PatchWholeInode(ip *Inode) {
	fs.patchInode(ip, 0, layout.InodeSize)
}

// NameI resolves a path to an inode, starting from inumber start.
// Returns nil if any component is missing or not a directory.
func (fs *V6FS) NameI(path string, start layout.Inum) (*Inode, error) {
	ip, err := fs.Iget(start)
	if err != nil {
		return nil, err
	}
	for _, name := range PathComponents(path) {
		if !ip.IsDir() {
			fs.IPut(ip)
			return nil, nil
		}
		de, err := ip.Lookup(name)
		if err != nil {
			fs.IPut(ip)
			return nil, err
		}
		if de == nil {
			fs.IPut(ip)
			return nil, nil
		}
		inum := de.Inum()
		de.Release()
		fs.IPut(ip)
		ip, err = fs.Iget(inum)
		if err != nil {
			return nil, err
		}
	}
	return ip, nil
}

// PathComponents splits a slash-separated path, dropping empty
// components.
func PathComponents(path string) []string {
	var cs []string
	for _, c := range strings.Split(path, "/") {
		if c != "" {
			cs = append(cs, c)
		}
	}
	return cs
}

// IsLogCorrupt reports the routine end-of-log condition during
// replay and log dumping.
func IsLogCorrupt(err error) bool {
	return errors.Is(err, ErrLogCorrupt)
}
