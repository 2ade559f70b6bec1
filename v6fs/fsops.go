package v6fs

import (
	"time"

	"github.com/mit-pdos/go-v6fs/bitmap"
	"github.com/mit-pdos/go-v6fs/layout"
	"github.com/mit-pdos/go-v6fs/util"
)

// PermFn returns a 3-bit mask of allowed permissions on an inode
// (4=read, 2=write, 1=execute).
type PermFn func(*Inode) int

// NullPerm vacuously grants full permissions.
func NullPerm(*Inode) int { return 7 }

// Flags for Named.
const (
	// NDDotOK permits "." and ".." as the final component.
	NDDotOK = 0x1
	// NDCreate makes a directory entry (with inumber 0) if the name
	// does not exist.
	NDCreate = 0x2
	// NDExclusive, with NDCreate, requires that the name not exist.
	NDExclusive = 0x4
	// NDDirwrite requires write permission on the parent directory
	// (for deleting links).
	NDDirwrite = 0x8
)

// Named resolves path to a directory entry, starting from start (or
// the root when start is nil).  Each traversed directory needs the
// execute bit; creating needs the write bit on the parent.
func Named(fs *V6FS, start *Inode, path string, flags int, access PermFn) (*Dirent, error) {
	if flags&NDCreate != 0 && fs.Log != nil && !fs.Log.InTx {
		panic("Named: create outside transaction")
	}

	cs := PathComponents(path)
	if len(cs) == 0 {
		cs = []string{"."}
	}
	name := cs[len(cs)-1]
	cs = cs[:len(cs)-1]
	if len(name) > layout.MaxNameLen {
		return nil, ErrNameTooLong
	}
	if flags&(NDDotOK|NDCreate) != NDDotOK && (name == "." || name == "..") {
		return nil, ErrInval
	}

	var ip *Inode
	var err error
	if start == nil {
		ip, err = fs.Iget(layout.RootInumber)
		if err != nil {
			return nil, err
		}
	} else {
		ip = fs.Idup(start)
	}

	for i := 0; ; i++ {
		if !ip.IsDir() {
			fs.IPut(ip)
			return nil, ErrNotDir
		}
		if access(ip)&1 == 0 {
			fs.IPut(ip)
			return nil, ErrAcces
		}
		if i == len(cs) {
			break
		}
		de, err := ip.Lookup(cs[i])
		if err != nil {
			fs.IPut(ip)
			return nil, err
		}
		if de == nil {
			fs.IPut(ip)
			return nil, ErrNoEnt
		}
		inum := de.Inum()
		de.Release()
		fs.IPut(ip)
		ip, err = fs.Iget(inum)
		if err != nil {
			return nil, err
		}
	}

	perm := access(ip)
	if flags&NDDirwrite != 0 && perm&2 == 0 {
		fs.IPut(ip)
		return nil, ErrAcces
	}

	var de *Dirent
	if perm&2 != 0 && flags&NDCreate != 0 {
		de, err = ip.Create(name)
	} else {
		de, err = ip.Lookup(name)
	}
	fs.IPut(ip)
	if err != nil {
		return nil, err
	}
	if de == nil {
		return nil, ErrNoEnt
	}
	if flags&NDExclusive != 0 && de.Inum() != 0 {
		de.Release()
		return nil, ErrExist
	}
	return de, nil
}

// InodeInit sets up a freshly allocated inode (permissions, type,
// device numbers) inside the allocation transaction.
type InodeInit func(*layout.DInode)

// Mknod creates a non-directory file at the empty slot where.
func Mknod(where *Dirent, init InodeInit) error {
	if where.Inum() != 0 {
		return ErrExist
	}
	fs := where.fs()
	ip, err := fs.Ialloc()
	if err != nil {
		return err
	}
	defer fs.IPut(ip)
	tx := fs.Begin()
	defer tx.Commit()
	ip.Mode = layout.IALLOC
	ip.Nlink = 1
	ip.ATouch()
	ip.Mtime = ip.Atime
	if init != nil {
		init(&ip.DInode)
		ip.Mode |= layout.IALLOC
	} else {
		ip.Mode |= 0o666
	}
	fs.PatchWholeInode(ip)
	where.SetInum(ip.Inum())
	return nil
}

// Mkdir creates a directory with "." and ".." at the empty slot
// where, bumping the parent's link count.
func Mkdir(where *Dirent, init InodeInit) error {
	if where.Inum() != 0 {
		return ErrExist
	}
	if where.Dir.Nlink >= 255 {
		return ErrFbig
	}
	fs := where.fs()
	ip, err := fs.Ialloc()
	if err != nil {
		return err
	}
	defer fs.IPut(ip)
	tx := fs.Begin()
	defer tx.Commit()
	ip.Mode = layout.IFDIR | layout.IALLOC
	ip.Nlink = 2
	ip.ATouch()
	ip.Mtime = ip.Atime
	if init != nil {
		init(&ip.DInode)
		ip.Mode = (ip.Mode &^ layout.IFMT) | layout.IFDIR | layout.IALLOC
	} else {
		ip.Mode |= 0o777
	}
	where.SetInum(ip.Inum())
	dot, err := ip.Create(".")
	if err != nil {
		return err
	}
	dot.SetInum(ip.Inum())
	dot.Release()
	dotdot, err := ip.Create("..")
	if err != nil {
		return err
	}
	dotdot.SetInum(where.Dir.Inum())
	dotdot.Release()
	fs.PatchWholeInode(ip)
	where.Dir.Nlink++
	fs.patchInode(where.Dir, layout.DiNlinkOff, 1)
	return nil
}

// Rmdir removes the directory at where, which must contain nothing
// but "." and ".." and empty slots.
func Rmdir(where *Dirent) error {
	if where.Inum() == 0 {
		return ErrNoEnt
	}
	fs := where.fs()
	ip, err := fs.Iget(where.Inum())
	if err != nil {
		return err
	}
	defer fs.IPut(ip)
	if !ip.IsDir() {
		return ErrNotDir
	}

	c := MkCursor(ip)
	for {
		b, err := c.ReadRef(layout.DirentSize)
		if err != nil {
			c.Close()
			return err
		}
		if b == nil {
			break
		}
		if layout.DirentInum(b) != 0 {
			if n := layout.DirentName(b); n != "." && n != ".." {
				c.Close()
				return ErrNotEmpty
			}
		}
	}
	c.Close()

	// Truncation might need two buffers, for an indirect and a
	// direct block.
	if !fs.Cache.B.CanAlloc(2) {
		return ErrNoMem
	}
	tx := fs.Begin()
	defer tx.Commit()
	where.SetInum(0)
	where.Dir.Nlink--
	fs.patchInode(where.Dir, layout.DiNlinkOff, 1)
	where.Dir.MTouch(Log)
	if err := ip.Clear(); err != nil {
		return err
	}
	fs.Ifree(ip.Inum())
	return nil
}

// Link makes newde a hard link to the inode named by oldde.
func Link(oldde *Dirent, newde *Dirent) error {
	if oldde.Inum() == 0 {
		return ErrNoEnt
	}
	if newde.Inum() != 0 {
		return ErrExist
	}
	fs := oldde.fs()
	ip, err := fs.Iget(oldde.Inum())
	if err != nil {
		return err
	}
	defer fs.IPut(ip)
	if ip.Nlink >= 255 {
		return ErrFbig
	}

	tx := fs.Begin()
	defer tx.Commit()
	ip.MTouch(Log)
	ip.Nlink++
	fs.patchInode(ip, layout.DiNlinkOff, 1)
	newde.SetInum(oldde.Inum())
	return nil
}

// Unlink removes the directory entry at where; when the last link
// goes, the inode and its blocks are released.
func Unlink(where *Dirent) error {
	if where.Inum() == 0 {
		return ErrNoEnt
	}
	fs := where.fs()
	ip, err := fs.Iget(where.Inum())
	if err != nil {
		return err
	}
	defer fs.IPut(ip)
	tx := fs.Begin()
	defer tx.Commit()
	where.SetInum(0)
	if ip.Nlink > 1 {
		ip.Nlink--
		fs.patchInode(ip, layout.DiNlinkOff, 1)
		return nil
	}
	return ip.Clear()
}

// Rename moves the entry at oldde to newde, replacing any existing
// destination inline.  Both directories are updated in one
// best-effort transaction; a moved directory gets its ".." rewritten
// and the two parents' link counts rebalanced.
func Rename(oldde *Dirent, newde *Dirent) error {
	if oldde.Inum() == 0 {
		return ErrNoEnt
	}
	fs := oldde.fs()
	if oldde.Inum() == newde.Inum() {
		return nil
	}
	ip, err := fs.Iget(oldde.Inum())
	if err != nil {
		return err
	}
	defer fs.IPut(ip)

	var dst *Inode
	if newde.Inum() != 0 {
		dst, err = fs.Iget(newde.Inum())
		if err != nil {
			return err
		}
		defer fs.IPut(dst)
		if dst.IsDir() {
			if !ip.IsDir() {
				return ErrIsDir
			}
			empty, err := dirIsEmpty(dst)
			if err != nil {
				return err
			}
			if !empty {
				return ErrNotEmpty
			}
		} else if ip.IsDir() {
			return ErrNotDir
		}
	}
	crossDir := ip.IsDir() && oldde.Dir.Inum() != newde.Dir.Inum()
	if crossDir && dst == nil && newde.Dir.Nlink >= 255 {
		return ErrFbig
	}

	tx := fs.Begin()
	defer tx.Commit()

	util.DPrintf(5, "rename %d: dir %d -> dir %d", ip.Inum(),
		oldde.Dir.Inum(), newde.Dir.Inum())
	newde.SetInum(ip.Inum())
	oldde.SetInum(0)

	if dst != nil {
		if dst.IsDir() {
			// The displaced directory's "." and ".." go with it.
			newde.Dir.Nlink--
			fs.patchInode(newde.Dir, layout.DiNlinkOff, 1)
			if err := dst.Clear(); err != nil {
				return err
			}
			fs.Ifree(dst.Inum())
		} else if dst.Nlink > 1 {
			dst.Nlink--
			fs.patchInode(dst, layout.DiNlinkOff, 1)
		} else if err := dst.Clear(); err != nil {
			return err
		}
	}

	if crossDir {
		dotdot, err := ip.Lookup("..")
		if err != nil {
			return err
		}
		if dotdot != nil {
			dotdot.SetInum(newde.Dir.Inum())
			dotdot.Release()
		}
		oldde.Dir.Nlink--
		fs.patchInode(oldde.Dir, layout.DiNlinkOff, 1)
		// The destination parent gains the moved directory no matter
		// what it displaced; a displaced directory was already
		// subtracted above.
		newde.Dir.Nlink++
		fs.patchInode(newde.Dir, layout.DiNlinkOff, 1)
	}
	return nil
}

func dirIsEmpty(ip *Inode) (bool, error) {
	c := MkCursor(ip)
	defer c.Close()
	for {
		b, err := c.ReadRef(layout.DirentSize)
		if err != nil {
			return false, err
		}
		if b == nil {
			return true, nil
		}
		if layout.DirentInum(b) != 0 {
			if n := layout.DirentName(b); n != "." && n != ".." {
				return false, nil
			}
		}
	}
}

// NumFreeInodes counts unallocated inodes by scanning the table.
// Cached inodes take precedence over the on-disk image.
func NumFreeInodes(fs *V6FS) (int, error) {
	ninodes := 0
	for i := layout.Bnum(layout.InodeStartSector) + layout.Bnum(fs.SB.Isize); i > layout.Bnum(layout.InodeStartSector); {
		i--
		bp, err := fs.Bread(i)
		if err != nil {
			return 0, err
		}
		for j := uint32(0); j < layout.InodesPerBlock; j++ {
			inum := layout.Inum(uint32(i-layout.Bnum(layout.InodeStartSector))*layout.InodesPerBlock + j + 1)
			if e := fs.Cache.I.TryLookup(fs, uint16(inum)); e != nil {
				ip := e.(*Inode)
				if ip.Initialized {
					if !ip.IsAlloc() {
						ninodes++
					}
					fs.IPut(ip)
					continue
				}
				fs.IPut(ip)
			}
			di := layout.DecodeInode(bp.Mem[j*layout.InodeSize : (j+1)*layout.InodeSize])
			if !di.IsAlloc() {
				ninodes++
			}
		}
		fs.Brelse(bp)
	}
	return ninodes, nil
}

// NumFreeBlocks counts free blocks: from the in-core freemap when
// logging, from the on-disk freemap when the image has a journal, and
// by walking the legacy free list otherwise.
func NumFreeBlocks(fs *V6FS) (int, error) {
	if fs.Log != nil {
		return fs.Log.Freemap.Popcount(), nil
	}
	fm, err := Freemap(fs)
	if err != nil {
		return 0, err
	}
	if fs.SB.Uselog != 0 {
		return fm.Popcount(), nil
	}

	nblocks := int(fs.SB.Nfree)
	if nblocks == 0 {
		return 0, nil
	}
	for next := layout.Bnum(fs.SB.Free[0]); next != 0; {
		bp, err := fs.Bread(next)
		if err != nil {
			return 0, err
		}
		nblocks += layout.NicFree
		next = layout.Bnum(bp.GetU16(0))
		fs.Brelse(bp)
		fs.Cache.B.Free(fs, uint16(bp.Blockno()))
	}
	// Subtract 1 for the end-of-list marker block pointer 0.
	return nblocks - 1, nil
}

// Freemap returns a copy of the free-block bitmap.  When logging, it
// copies the in-core map; for a journaled image opened without the
// log it reads the on-disk map; otherwise it traverses the 1975-style
// 100-wide free list.
func Freemap(fs *V6FS) (*bitmap.Bitmap, error) {
	if fs.Log != nil {
		return fs.Log.Freemap.Clone(), nil
	}
	fm := bitmap.New(uint32(fs.SB.Fsize), uint32(fs.SB.Datastart()))
	if fs.SB.Uselog != 0 {
		mapbytes := make([]byte, fm.Datasize())
		mapstart := int64(uint32(fs.SB.Fsize)+1) * int64(layout.SectorSize)
		if err := readFull(fs, mapstart, mapbytes); err != nil {
			return nil, err
		}
		fm.Load(mapbytes)
		fm.Tidy()
		return fm, nil
	}
	if fs.SB.Nfree == 0 {
		return fm, nil
	}
	mark := func(bn layout.Bnum) {
		if !fs.Badblock(bn) {
			fm.Set(uint32(bn), true)
		}
	}
	for i := int(fs.SB.Nfree); i > 1; {
		i--
		mark(layout.Bnum(fs.SB.Free[i]))
	}
	for bn := layout.Bnum(fs.SB.Free[0]); bn != 0; {
		mark(bn)
		bp, err := fs.Bread(bn)
		if err != nil {
			return nil, err
		}
		for i := layout.NicFree; i > 1; {
			i--
			mark(layout.Bnum(bp.GetU16(uint32(i))))
		}
		bn = layout.Bnum(bp.GetU16(0))
		fs.Brelse(bp)
	}
	return fm, nil
}

func readFull(fs *V6FS, pos int64, b []byte) error {
	if _, err := fs.Dev.Seek(pos, 0); err != nil {
		return err
	}
	total := 0
	for total < len(b) {
		n, err := fs.Dev.Read(b[total:])
		total += n
		if err != nil {
			return err
		}
		if n == 0 {
			break
		}
	}
	return nil
}

// DirEntry is one live directory entry, for readdir.
type DirEntry struct {
	Inum layout.Inum
	Name string
}

// DirEntries lists the live entries of a directory.
func DirEntries(ip *Inode) ([]DirEntry, error) {
	if !ip.IsDir() {
		return nil, ErrNotDir
	}
	var ents []DirEntry
	c := MkCursor(ip)
	defer c.Close()
	for {
		b, err := c.ReadRef(layout.DirentSize)
		if err != nil {
			return nil, err
		}
		if b == nil {
			return ents, nil
		}
		if layout.DirentInum(b) != 0 {
			ents = append(ents, DirEntry{layout.DirentInum(b), layout.DirentName(b)})
		}
	}
}

// InitRegular is a convenience initializer for a plain file.
func InitRegular(mode uint16) InodeInit {
	return func(di *layout.DInode) {
		di.Mode = layout.IALLOC | layout.IFREG | (mode &^ layout.IFMT)
		di.Mtime = uint32(time.Now().Unix())
	}
}

// Getattr summarizes an inode for the mount shim.
type Attr struct {
	Inum  layout.Inum
	Mode  uint16
	Nlink uint8
	Uid   uint8
	Gid   uint8
	Size  uint32
	Atime uint32
	Mtime uint32
}

func Getattr(ip *Inode) Attr {
	return Attr{
		Inum:  ip.Inum(),
		Mode:  ip.Mode,
		Nlink: ip.Nlink,
		Uid:   ip.Uid,
		Gid:   ip.Gid,
		Size:  ip.Size(),
		Atime: ip.Atime,
		Mtime: ip.Mtime,
	}
}
