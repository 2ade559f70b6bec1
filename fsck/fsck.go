// Package fsck checks and repairs a V6 file system image: block use,
// link counts, directory sanity, and the free list.  Fixes are
// queued as byte patches and applied directly to the image, not
// through the journal.
package fsck

import (
	"fmt"
	"io"
	"sort"

	gobitmap "github.com/boljen/go-bitmap"
	"github.com/hashicorp/go-multierror"
	"github.com/rodaine/table"

	"github.com/mit-pdos/go-v6fs/bitmap"
	"github.com/mit-pdos/go-v6fs/bpath"
	"github.com/mit-pdos/go-v6fs/layout"
	"github.com/mit-pdos/go-v6fs/v6fs"
)

type newlink struct {
	dirino layout.Inum
	ino    layout.Inum
	name   string
}

type Fsck struct {
	fs      *v6fs.V6FS
	Freemap *bitmap.Bitmap
	nlinks  []uint8
	out     io.Writer
	ctx     string

	// dirVisited guards directory recursion against link cycles.
	dirVisited gobitmap.Bitmap

	patches  map[uint32][]byte
	newlinks []newlink

	inodesScanned int
	dirsScanned   int
	problems      int
}

func MkFsck(fs *v6fs.V6FS, out io.Writer) *Fsck {
	ninodes := layout.RootInumber + layout.Inum(uint32(fs.SB.Isize)*layout.InodesPerBlock)
	f := &Fsck{
		fs:         fs,
		Freemap:    bitmap.New(uint32(fs.SB.Fsize), uint32(fs.SB.Datastart())),
		nlinks:     make([]uint8, ninodes),
		out:        out,
		dirVisited: gobitmap.NewSlice(int(ninodes)),
		patches:    make(map[uint32][]byte),
	}
	f.Freemap.Fill()
	return f
}

func (f *Fsck) report(format string, a ...interface{}) {
	f.problems++
	if f.ctx != "" {
		fmt.Fprintf(f.out, "%s: ", f.ctx)
	}
	fmt.Fprintf(f.out, format+"\n", a...)
}

// patch queues n bytes at an absolute disk offset.  The first patch
// to an offset wins.
func (f *Fsck) patch(offset uint32, b []byte) {
	if _, ok := f.patches[offset]; !ok {
		f.patches[offset] = append([]byte(nil), b...)
	}
}

func (f *Fsck) patch16(offset uint32, v uint16) {
	var b [2]byte
	layout.PutU16(b[:], v)
	f.patch(offset, b[:])
}

func (f *Fsck) validInum(inum layout.Inum) bool {
	return inum >= layout.RootInumber && int(inum) < len(f.nlinks)
}

// scanInode walks one inode's block pointers.  Special files carry
// device numbers, not pointers, and are skipped.
func (f *Fsck) scanInode(ip *v6fs.Inode) (bool, error) {
	if ip.IsSpecial() {
		return true, nil
	}
	return f.scanBlocks(v6fs.InodePtrs(ip), bpath.SentinelPath(ip.Mode, ip.Size()))
}

// scanBlocks recursively audits a block-pointer array against the
// file's sentinel path, claiming each referenced block in the
// freemap.  Bad pointers are queued to be zeroed.
func (f *Fsck) scanBlocks(ba v6fs.BlockPtrArray, end bpath.BlockPath) (bool, error) {
	if !ba.IsInode() && !ba.Check(end.Height() == 2) {
		// Zero out the indirect block pointer in the parent.
		return false, nil
	}

	res := true
	for i := uint16(0); i < ba.Size(); i++ {
		bn := ba.At(i)
		if bn == 0 {
			continue
		}
		bad := true
		switch {
		case f.fs.Badblock(bn):
			f.report("block %d: bad block number in inode", bn)
		case i > end.Index() || (i == end.Index() && end.Tail().IsZero()):
			f.report("block %d: allocated beyond end of file", bn)
		default:
			free, err := f.Freemap.At(uint32(bn))
			if err != nil {
				return false, err
			}
			if !free {
				f.report("block %d: cross-allocated", bn)
			} else {
				f.Freemap.Set(uint32(bn), false)
				if end.Height() <= 1 {
					bad = false
				} else {
					bp, err := ba.FetchAt(i)
					if err != nil {
						return false, err
					}
					ok, err := f.scanBlocks(v6fs.BufferPtrs(bp), end.TailAt(i))
					f.fs.Brelse(bp)
					if err != nil {
						return false, err
					}
					bad = !ok
				}
			}
		}
		if bad {
			f.patch16(ba.PointerOffset(i), 0)
			res = false
		}
	}
	return res, nil
}

// ScanInodes audits the block pointers of every inode.
func (f *Fsck) ScanInodes() (bool, error) {
	res := true
	for ino := layout.RootInumber; int(ino) < len(f.nlinks); ino++ {
		f.ctx = fmt.Sprintf("inode %d", ino)
		ip, err := f.fs.Iget(ino)
		if err != nil {
			return false, err
		}
		f.inodesScanned++
		ok, err := f.scanInode(ip)
		f.fs.IPut(ip)
		if err != nil {
			return false, err
		}
		if !ok {
			res = false
		}
	}
	f.ctx = ""
	return res, nil
}

// ScanDirectory audits one directory: inumber validity, duplicate
// names, "." and "..", link counting, and recursion into
// subdirectories.  Hard links to directories are rejected.
func (f *Fsck) ScanDirectory(ip *v6fs.Inode, parent layout.Inum, path string) (bool, error) {
	f.ctx = path
	f.dirsScanned++
	if parent == 0 {
		parent = ip.Inum()
	}
	res, dotOK, dotdotOK := true, false, false
	names := make(map[string]bool)

	ents, offs, err := f.rawEntries(ip)
	if err != nil {
		return false, err
	}
	for k, e := range ents {
		if e.Inum == 0 {
			continue
		}
		f.ctx = path
		switch {
		case !f.validInum(e.Inum):
			f.report("invalid inumber %d for %s", e.Inum, e.Name)
			res = false
			f.patch16(offs[k], 0)
			continue
		case names[e.Name]:
			f.report("duplicate directory entry for %q", e.Name)
			res = false
			f.patch16(offs[k], 0)
			continue
		}
		names[e.Name] = true
		if e.Name == "." {
			if e.Inum != ip.Inum() {
				f.report("incorrect \".\" inumber")
				res = false
				f.patch16(offs[k], uint16(ip.Inum()))
			}
			dotOK = true
			f.nlinks[ip.Inum()]++
			continue
		}
		if e.Name == ".." {
			if e.Inum != parent {
				f.report("incorrect \"..\" inumber")
				res = false
				f.patch16(offs[k], uint16(parent))
			}
			dotdotOK = true
			f.nlinks[parent]++
			continue
		}
		f.nlinks[e.Inum]++
		eip, err := f.fs.Iget(e.Inum)
		if err != nil {
			return false, err
		}
		if !eip.IsAlloc() {
			f.report("directory entry %s for unallocated inode %d", e.Name, e.Inum)
			res = false
			f.nlinks[e.Inum]--
			f.patch16(offs[k], 0)
			f.fs.IPut(eip)
			continue
		}
		if eip.IsDir() {
			if f.nlinks[e.Inum] != 1 || f.dirVisited.Get(int(e.Inum)) {
				f.report("hard link %q to directory %d", e.Name, e.Inum)
				res = false
				f.nlinks[e.Inum]--
				f.patch16(offs[k], 0)
				f.fs.IPut(eip)
				continue
			}
			f.dirVisited.Set(int(e.Inum), true)
			ok, err := f.ScanDirectory(eip, ip.Inum(), path+e.Name+"/")
			f.fs.IPut(eip)
			if err != nil {
				return false, err
			}
			if !ok {
				res = false
			}
			continue
		}
		f.fs.IPut(eip)
	}
	f.ctx = path
	if !dotOK {
		f.report("missing \".\"")
		f.newlinks = append(f.newlinks, newlink{ip.Inum(), ip.Inum(), "."})
		f.nlinks[ip.Inum()]++
	}
	if !dotdotOK {
		f.report("missing \"..\"")
		f.newlinks = append(f.newlinks, newlink{ip.Inum(), parent, ".."})
		f.nlinks[parent]++
	}
	return res && dotOK && dotdotOK, nil
}

// rawEntries returns every slot of a directory, live or not, along
// with each slot's absolute disk offset for patching.
func (f *Fsck) rawEntries(ip *v6fs.Inode) ([]v6fs.DirEntry, []uint32, error) {
	var ents []v6fs.DirEntry
	var offs []uint32
	c := v6fs.MkCursor(ip)
	defer c.Close()
	for {
		b, err := c.ReadRef(layout.DirentSize)
		if err != nil {
			return nil, nil, err
		}
		if b == nil {
			return ents, offs, nil
		}
		// ReadRef may have skipped a hole, so recompute the slot
		// position from where the cursor ended up.
		pos := c.Tell() - layout.DirentSize
		bp, err := ip.GetBlock(pos/layout.SectorSize, false)
		if err != nil {
			return nil, nil, err
		}
		off := uint32(bp.Blockno())*layout.SectorSize + pos%layout.SectorSize
		f.fs.Brelse(bp)
		ents = append(ents, v6fs.DirEntry{Inum: layout.DirentInum(b), Name: layout.DirentName(b)})
		offs = append(offs, off)
	}
}

// FixNlink clears unreachable inodes and corrects link counts.
func (f *Fsck) FixNlink() (bool, error) {
	res := true
	zero := make([]byte, layout.InodeSize)
	for i := layout.RootInumber; int(i) < len(f.nlinks); i++ {
		ip, err := f.fs.Iget(i)
		if err != nil {
			return false, err
		}
		n := f.nlinks[i]
		if n == 0 {
			if ip.IsAlloc() {
				f.report("clearing unreachable inode %d", i)
				res = false
				f.patch(f.fs.InodeDiskOffset(ip), zero)
			}
		} else if n != ip.Nlink {
			f.report("inode %d: link count %d should be %d", i, ip.Nlink, n)
			res = false
			f.patch(f.fs.InodeDiskOffset(ip)+layout.DiNlinkOff, []byte{n})
		}
		f.fs.IPut(ip)
	}
	return res, nil
}

// Apply writes queued patches to the image, rebuilds the legacy free
// list from the audited freemap, and adds any missing "."/".." links
// as ordinary operations.
func (f *Fsck) Apply() error {
	f.fs.Invalidate()
	offsets := make([]uint32, 0, len(f.patches))
	for off := range f.patches {
		offsets = append(offsets, off)
	}
	sort.Slice(offsets, func(i, j int) bool { return offsets[i] < offsets[j] })
	for _, off := range offsets {
		contents := f.patches[off]
		if int(off%layout.SectorSize)+len(contents) > int(layout.SectorSize) {
			panic("fsck: patch spans sector boundary")
		}
		bp, err := f.fs.Bread(layout.Bnum(off / layout.SectorSize))
		if err != nil {
			return err
		}
		copy(bp.Mem[off%layout.SectorSize:], contents)
		bp.Bdwrite()
		f.fs.Brelse(bp)
	}
	f.patches = make(map[uint32][]byte)
	if err := f.fs.Sync(); err != nil {
		return err
	}

	// The rebuilt free list uses the 1975 format; journaled images
	// must be re-created with a fresh log afterwards.
	f.fs.SB.Uselog = 0
	f.rebuildFreelist()

	var errs error
	for _, nl := range f.newlinks {
		ip, err := f.fs.Iget(nl.dirino)
		if err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		de, err := ip.Create(nl.name)
		if err != nil {
			errs = multierror.Append(errs, err)
			f.fs.IPut(ip)
			continue
		}
		de.SetInum(nl.ino)
		de.Release()
		f.fs.IPut(ip)
	}
	f.newlinks = nil
	if err := f.fs.Sync(); err != nil {
		errs = multierror.Append(errs, err)
	}
	return errs
}

// rebuildFreelist pushes every free block onto the superblock free
// list.  The list is a stack (LIFO), so going backwards makes later
// allocations roughly contiguous.
func (f *Fsck) rebuildFreelist() {
	f.fs.SB.Nfree = 0
	start := layout.Bnum(layout.InodeStartSector) + layout.Bnum(f.fs.SB.Isize)
	for bn := layout.Bnum(f.fs.SB.Fsize); bn > start; {
		bn--
		if free, err := f.Freemap.At(uint32(bn)); err == nil && free {
			f.fs.Bfree(bn)
		}
	}
}

// Summary prints counters in tabular form.
func (f *Fsck) Summary() {
	tbl := table.New("pass", "count")
	tbl.WithWriter(f.out)
	tbl.AddRow("inodes scanned", f.inodesScanned)
	tbl.AddRow("directories scanned", f.dirsScanned)
	tbl.AddRow("blocks free", f.Freemap.Popcount())
	tbl.AddRow("problems found", f.problems)
	tbl.Print()
}

// Run performs all passes.  With write set, fixes are applied and
// the superblock cleaned; otherwise the image is left untouched.
// Returns 0 for a clean file system and 1 when corruption was found.
func Run(fs *v6fs.V6FS, write bool, out io.Writer) (int, error) {
	f := MkFsck(fs, out)
	res := true

	ok, err := f.ScanInodes()
	if err != nil {
		return 1, err
	}
	if !ok {
		fmt.Fprintln(out, "scan inodes required fixes")
		res = false
		if write {
			if err := f.Apply(); err != nil {
				return 1, err
			}
		}
	}

	if fm, err := v6fs.Freemap(fs); err != nil || !f.Freemap.Equal(fm) {
		fmt.Fprintln(out, "free list was incorrect")
		res = false
	}

	root, err := fs.Iget(layout.RootInumber)
	if err != nil {
		return 1, err
	}
	f.dirVisited.Set(int(layout.RootInumber), true)
	ok, err = f.ScanDirectory(root, layout.RootInumber, "/")
	fs.IPut(root)
	if err != nil {
		return 1, err
	}
	if !ok {
		fmt.Fprintln(out, "scan directories required fixes")
		res = false
		if write {
			if err := f.Apply(); err != nil {
				return 1, err
			}
		}
	}

	ok, err = f.FixNlink()
	if err != nil {
		return 1, err
	}
	if !ok {
		fmt.Fprintln(out, "fix link count required fixes")
		res = false
	}

	if fs.SB.Ninode > layout.NicInode {
		fmt.Fprintln(out, "invalid s_ninode")
		fs.SB.Ninode = 0
		res = false
	} else {
		for i := uint16(0); i < fs.SB.Ninode; i++ {
			in := layout.Inum(fs.SB.Inode[i])
			if !f.validInum(in) || f.nlinks[in] != 0 {
				fmt.Fprintf(out, "invalid inode %d in free list\n", in)
				fs.SB.Ninode = 0
				res = false
				break
			}
		}
	}

	if write {
		if err := f.Apply(); err != nil {
			return 1, err
		}
		// Force a rescan for free inodes on the next mount.
		fs.SB.Ninode = 0
		fs.SB.Fmod = 1
		fs.SB.Dirty = 0
		fs.Unclean = false
	} else {
		fs.SB.Fmod = 0
		fs.Invalidate()
	}

	f.Summary()
	if !res {
		fmt.Fprintln(out, "File system was corrupt")
		return 1, nil
	}
	return 0, nil
}
