package v6fs

import (
	"time"

	"github.com/mit-pdos/go-v6fs/bpath"
	"github.com/mit-pdos/go-v6fs/cache"
	"github.com/mit-pdos/go-v6fs/layout"
	"github.com/mit-pdos/go-v6fs/util"
)

// DoLog selects whether an inode mutation is journaled.
type DoLog bool

const (
	NoLog DoLog = false
	Log   DoLog = true
)

// Inode is the in-core cache of one on-disk inode.
type Inode struct {
	cache.EntryBase
	layout.DInode
}

func (ip *Inode) Hdr() *cache.EntryBase {
	return &ip.EntryBase
}

func (ip *Inode) Inum() layout.Inum {
	return layout.Inum(ip.ID())
}

func (ip *Inode) fs() *V6FS {
	return ip.Vol().(*V6FS)
}

// Writeback copies the in-core image into its home sector.
func (ip *Inode) Writeback() error {
	fs := ip.fs()
	bp, err := fs.Bread(fs.Iblock(ip.Inum()))
	if err != nil {
		return err
	}
	off := Iindex(ip.Inum()) * layout.InodeSize
	copy(bp.Mem[off:off+layout.InodeSize], ip.DInode.Encode())
	bp.Bdwrite()
	fs.Brelse(bp)
	return nil
}

// SetSizeLogged encodes the 24-bit length and journals the three
// affected bytes.
func (ip *Inode) SetSizeLogged(sz uint32) {
	ip.SetSize(sz)
	ip.fs().patchInode(ip, layout.DiSize0Off, 3)
}

// ATouch updates the access time.  atime updates are deliberately not
// journaled; a stale atime after a crash is acceptable and logging
// every read would swamp the log.
func (ip *Inode) ATouch() {
	if !ip.fs().Readonly {
		ip.Atime = uint32(time.Now().Unix())
		ip.MarkDirty()
	}
}

// MTouch updates the modification time.
func (ip *Inode) MTouch(dolog DoLog) {
	ip.Mtime = uint32(time.Now().Unix())
	if dolog == Log {
		ip.fs().patchInode(ip, layout.DiMtimeOff, 4)
	} else {
		ip.MarkDirty()
	}
}

// BlockPtrArray abstracts an array of block pointers, either an
// inode's i_addr (8 entries) or an indirect block (256 entries).  It
// hides the different sizes and dirty-marking of the two cases.
type BlockPtrArray struct {
	ip *Inode
	bp *Buffer
}

func InodePtrs(ip *Inode) BlockPtrArray   { return BlockPtrArray{ip: ip} }
func BufferPtrs(bp *Buffer) BlockPtrArray { return BlockPtrArray{bp: bp} }

func (ba BlockPtrArray) IsInode() bool { return ba.ip != nil }

func (ba BlockPtrArray) fs() *V6FS {
	if ba.ip != nil {
		return ba.ip.fs()
	}
	return ba.bp.fs()
}

func (ba BlockPtrArray) Size() uint16 {
	if ba.IsInode() {
		return layout.IAddrSize
	}
	return layout.IndblkSize
}

func (ba BlockPtrArray) At(i uint16) layout.Bnum {
	if i >= ba.Size() {
		panic("BlockPtrArray: index out of range")
	}
	if ba.IsInode() {
		return layout.Bnum(ba.ip.Addr[i])
	}
	return layout.Bnum(ba.bp.GetU16(uint32(i)))
}

// SetAt stores a pointer and journals the two bytes.
func (ba BlockPtrArray) SetAt(i uint16, blkno layout.Bnum) {
	if i >= ba.Size() {
		panic("BlockPtrArray: index out of range")
	}
	if ba.IsInode() {
		ba.ip.Addr[i] = uint16(blkno)
		ba.fs().patchInode(ba.ip, layout.DiAddrOff+2*uint32(i), 2)
		return
	}
	var b [2]byte
	layout.PutU16(b[:], uint16(blkno))
	ba.fs().PatchBuf(ba.bp, 2*uint32(i), b[:])
}

// PointerOffset is the absolute disk offset of the i-th pointer.
func (ba BlockPtrArray) PointerOffset(i uint16) uint32 {
	if ba.IsInode() {
		return ba.fs().InodeDiskOffset(ba.ip) + layout.DiAddrOff + 2*uint32(i)
	}
	return uint32(ba.bp.Blockno())*layout.SectorSize + 2*uint32(i)
}

// FetchAt reads the block the i-th pointer names, or nil for a hole.
func (ba BlockPtrArray) FetchAt(i uint16) (*Buffer, error) {
	bn := ba.At(i)
	if bn == 0 {
		return nil, nil
	}
	return ba.fs().Bread(bn)
}

// Check returns false if any pointer appears corrupted, as can
// happen when an indirect block was never properly initialized.  Block
// numbers within a file stop below 2^16, so the last IADDR_SIZE-1
// entries of a double-indirect block must be zero.
func (ba BlockPtrArray) Check(dblIndir bool) bool {
	fs := ba.fs()
	for i := uint16(0); i < ba.Size(); i++ {
		if bn := ba.At(i); bn != 0 {
			if fs.Badblock(bn) ||
				(dblIndir && i >= layout.IndblkSize-(layout.IAddrSize-1)) {
				return false
			}
		}
	}
	return true
}

// GetBlock maps a logical file block to its buffer.  With allocate
// set, missing blocks along the path are allocated (and the inode
// promoted to large addressing when the block number requires it);
// otherwise a hole returns nil.
func (ip *Inode) GetBlock(blockno uint32, allocate bool) (*Buffer, error) {
	fs := ip.fs()
	if allocate && blockno >= layout.IAddrSize {
		if err := ip.MakeLarge(); err != nil {
			return nil, err
		}
	}
	if allocate && fs.Log != nil && !fs.Log.InTx {
		panic("GetBlock: allocation outside transaction")
	}

	var bp *Buffer
	ba := InodePtrs(ip)
	for idx := bpath.BlocknoPath(ip.Mode, blockno); idx.Height() > 0; idx = idx.Tail() {
		i := idx.Index()
		var child *Buffer
		if bn := ba.At(i); bn == 0 {
			if !allocate {
				if bp != nil {
					fs.Brelse(bp)
				}
				return nil, nil
			}
			nbp, err := fs.Balloc(idx.Height() > 1 || ip.IsDir())
			if err != nil {
				if bp != nil {
					fs.Brelse(bp)
				}
				return nil, err
			}
			ba.SetAt(i, nbp.Blockno())
			child = nbp
		} else {
			nbp, err := fs.Bread(bn)
			if err != nil {
				if bp != nil {
					fs.Brelse(bp)
				}
				return nil, err
			}
			child = nbp
		}
		if bp != nil {
			fs.Brelse(bp)
		}
		bp = child
		ba = BufferPtrs(bp)
	}
	return bp, nil
}

// MakeLarge sets the large flag and moves the direct pointers into a
// freshly allocated indirect block.
func (ip *Inode) MakeLarge() error {
	if ip.IsLarge() {
		return nil
	}
	fs := ip.fs()
	bp, err := fs.Balloc(true)
	if err != nil {
		return err
	}
	for i, bn := range ip.Addr {
		bp.PutU16(uint32(i), bn)
	}
	// Log one extra byte (harmless in a 512-byte block) so this log
	// entry cannot be mistaken for a 16-byte directory entry.
	fs.logPatch(bp.Hdr(), uint32(bp.Blockno())*layout.SectorSize,
		bp.Mem[:2*layout.IAddrSize+1])
	for i := range ip.Addr {
		ip.Addr[i] = 0
	}
	ip.Addr[0] = uint16(bp.Blockno())
	ip.Mode |= layout.ILARG
	fs.PatchWholeInode(ip)
	fs.Brelse(bp)
	return nil
}

// MakeSmall clears the large flag, moving the first eight block
// pointers back into i_addr.  Only valid when size <= 8 sectors.
func (ip *Inode) MakeSmall(dolog DoLog) error {
	if !ip.IsLarge() {
		return nil
	}
	fs := ip.fs()

	var addrs [layout.IAddrSize]uint16
	if ip.Addr[0] != 0 {
		ibp, err := fs.Bread(layout.Bnum(ip.Addr[0]))
		if err != nil {
			return err
		}
		for i := range addrs {
			addrs[i] = ibp.GetU16(uint32(i))
			ibp.PutU16(uint32(i), 0)
		}
		ibp.Bdwrite()
		fs.Brelse(ibp)
	}

	if err := freeBlocks(InodePtrs(ip), bpath.BlocknoPath(ip.Mode, layout.IAddrSize)); err != nil {
		return err
	}
	if ip.Addr[0] != 0 {
		fs.Bfree(layout.Bnum(ip.Addr[0]))
	}
	ip.Addr = addrs
	ip.Mode &^= layout.ILARG
	if dolog == Log {
		fs.PatchWholeInode(ip)
	}
	return nil
}

// freeBlocks frees every block of the subtree at or beyond the
// sentinel path start, bottom up, including indirect blocks whose
// descendants are all gone.
func freeBlocks(ba BlockPtrArray, start bpath.BlockPath) error {
	fs := ba.fs()
	for i := int(ba.Size()); i > int(start.Index()); {
		i--
		bn := ba.At(uint16(i))
		if bn == 0 {
			continue
		}
		child := start.TailAt(uint16(i))
		if child.Height() > 0 {
			cbp, err := fs.Bread(bn)
			if err != nil {
				return err
			}
			err = freeBlocks(BufferPtrs(cbp), child)
			fs.Brelse(cbp)
			if err != nil {
				return err
			}
			if !child.IsZero() {
				continue
			}
		}
		fs.Bfree(bn)
		ba.SetAt(uint16(i), 0)
	}
	return nil
}

// Truncate frees all blocks at or beyond the new size, demoting the
// inode to small addressing first when the new size allows it.
func (ip *Inode) Truncate(sz uint32, dolog DoLog) error {
	fs := ip.fs()
	if sz > layout.MaxFileSize {
		return ErrFileTooLarge
	}
	convertedToSmall := false
	if sz <= layout.IAddrSize*layout.SectorSize {
		if err := ip.MakeSmall(NoLog); err != nil {
			return err
		}
		convertedToSmall = true
	}

	pth := bpath.SentinelPath(ip.Mode, sz)
	if err := freeBlocks(InodePtrs(ip), pth); err != nil {
		return err
	}

	if dolog == NoLog {
		ip.SetSize(sz)
		ip.MarkDirty()
	} else if !convertedToSmall {
		ip.SetSizeLogged(sz)
	} else {
		ip.SetSize(sz)
		fs.PatchWholeInode(ip)
	}
	return nil
}

// Clear truncates to zero length and wipes the inode image.
func (ip *Inode) Clear() error {
	if err := ip.Truncate(0, NoLog); err != nil {
		return err
	}
	ip.DInode = layout.DInode{}
	ip.fs().PatchWholeInode(ip)
	return nil
}

// Dirent is a handle on one 16-byte directory slot: the directory
// inode, the buffer holding the slot, and the slot's offset within
// that buffer.  Both references are owned by the handle.
type Dirent struct {
	Dir *Inode
	bp  *Buffer
	off uint32
}

func (de *Dirent) fs() *V6FS {
	return de.Dir.fs()
}

func (de *Dirent) slot() []byte {
	return de.bp.Mem[de.off : de.off+layout.DirentSize]
}

func (de *Dirent) Inum() layout.Inum {
	return layout.DirentInum(de.slot())
}

func (de *Dirent) Name() string {
	return layout.DirentName(de.slot())
}

// SetName writes the name into the slot without journaling; the
// following SetInum patches the whole entry.
func (de *Dirent) SetName(name string) {
	layout.PutDirent(de.slot(), de.Inum(), name)
}

// SetInum stores an inumber, journals the whole 16-byte entry, and
// bumps the directory's mtime.  Inumber 0 empties the slot.
func (de *Dirent) SetInum(inum layout.Inum) {
	fs := de.fs()
	if inum == 0 {
		layout.PutDirent(de.slot(), 0, "")
	} else {
		layout.PutU16(de.slot(), uint16(inum))
	}
	fs.PatchBuf(de.bp, de.off, de.slot())
	de.Dir.MTouch(Log)
}

// Release drops the handle's buffer and inode references.
func (de *Dirent) Release() {
	if de.bp != nil {
		de.fs().Brelse(de.bp)
		de.bp = nil
	}
	if de.Dir != nil {
		de.Dir.fs().IPut(de.Dir)
		de.Dir = nil
	}
}

// mkDirent builds a handle from a cursor positioned just past the
// slot, taking fresh references on the directory and buffer.
func mkDirent(ip *Inode, c *Cursor) *Dirent {
	fs := ip.fs()
	return &Dirent{
		Dir: fs.Idup(ip),
		bp:  fs.Bdup(c.bp),
		off: (c.pos - layout.DirentSize) % layout.SectorSize,
	}
}

// Lookup scans a directory for name.  Returns nil when absent.
func (ip *Inode) Lookup(name string) (*Dirent, error) {
	if !ip.IsDir() {
		panic("Inode.Lookup on non-directory")
	}
	c := MkCursor(ip)
	defer c.Close()
	for {
		b, err := c.ReadRef(layout.DirentSize)
		if err != nil {
			return nil, err
		}
		if b == nil {
			return nil, nil
		}
		if layout.DirentInum(b) != 0 && layout.DirentName(b) == name {
			return mkDirent(ip, c), nil
		}
	}
}

// Create returns the slot for name, reusing an empty slot or
// extending the directory when there is none.  The returned slot has
// the name filled in; the caller stores the inumber with SetInum.
func (ip *Inode) Create(name string) (*Dirent, error) {
	if !ip.IsDir() {
		panic("Inode.Create on non-directory")
	}
	var spare *Dirent
	c := MkCursor(ip)
	defer c.Close()
	for {
		b, err := c.ReadRef(layout.DirentSize)
		if err != nil {
			releaseDirent(spare)
			return nil, err
		}
		if b == nil {
			break
		}
		if layout.DirentName(b) == name && layout.DirentInum(b) != 0 {
			releaseDirent(spare)
			return mkDirent(ip, c), nil
		}
		if spare == nil && layout.DirentInum(b) == 0 {
			spare = mkDirent(ip, c)
		}
	}
	if spare == nil {
		b, err := c.WriteRef(layout.DirentSize)
		if err != nil {
			return nil, err
		}
		layout.PutDirent(b, 0, "")
		spare = mkDirent(ip, c)
	}
	spare.SetName(name)
	util.DPrintf(5, "Create %q in dir %d at off %d", name, ip.Inum(), spare.off)
	return spare, nil
}

func releaseDirent(de *Dirent) {
	if de != nil {
		de.Release()
	}
}
