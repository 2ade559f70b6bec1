// Package bpath represents positions in the block-pointer tree of an
// inode.  A BlockPath packs up to three 9-bit indices: the first is an
// index into the inode's i_addr array, later ones index indirect
// blocks.  Nine bits instead of eight allow sentinel values one beyond
// the end of a block, which bound truncation and scanning.
package bpath

import (
	"github.com/mit-pdos/go-v6fs/layout"
)

// BlockPath layout: index1 in bits 23-31, index2 in bits 14-22,
// index3 in bits 5-13, "from inode" in bit 2, height in bits 0-1.
type BlockPath uint32

// First file block number that requires the double-indirect block.
const firstDindrBlk = (layout.IAddrSize - 1) * layout.IndblkSize

func Make(b1 uint16) BlockPath {
	return BlockPath(uint32(b1)<<23 | 5)
}

func Make2(b1 uint16, b2 uint16) BlockPath {
	return BlockPath(uint32(b1)<<23 | uint32(b2)<<14 | 6)
}

func Make3(b1 uint16, b2 uint16, b3 uint16) BlockPath {
	return BlockPath(uint32(b1)<<23 | uint32(b2)<<14 | uint32(b3)<<5 | 7)
}

// Index is the highest (first) 9-bit value of the path.
func (p BlockPath) Index() uint16 {
	return uint16(p >> 23)
}

func (p BlockPath) Height() uint8 {
	return uint8(p & 3)
}

// FromInode reports whether the path starts at an inode's i_addr
// array rather than at an indirect block.
func (p BlockPath) FromInode() bool {
	return p&4 != 0
}

// Tail strips the top index, producing the path relative to the child
// named by Index.  Calling Tail on an empty path is a logic error.
func (p BlockPath) Tail() BlockPath {
	if p.Height() == 0 {
		panic("BlockPath.Tail: empty index list")
	}
	return BlockPath(uint32(p&^7)<<9 | uint32(p.Height()-1))
}

// TailAt treats p as a sentinel and returns the sentinel seen by
// child pointer i: a path greater than all children for i before p,
// p's own tail for i == Index, and an empty path for i after p.
func (p BlockPath) TailAt(i uint16) BlockPath {
	if p.Height() == 0 {
		panic("BlockPath.TailAt: empty index list")
	}
	if i == p.Index() {
		return p.Tail()
	}
	h := uint32(p.Height() - 1)
	// Special case for the asymmetry of ILARG inodes: i_addr[0..6]
	// hold single-indirect blocks, i_addr[7] the double indirect.
	if p.FromInode() && h > 0 {
		if i < layout.IAddrSize-1 {
			h = 1
		} else {
			h = 2
		}
	}
	if i < p.Index() {
		return BlockPath(0x80400000<<(9*(2-h)) | h)
	}
	return BlockPath(h)
}

// IsZero reports whether the Height most significant values are all 0.
func (p BlockPath) IsZero() bool {
	return p>>(5+9*(3-uint32(p.Height()))) == 0
}

// BlocknoPath computes the path to a file's logical block bn.  The
// mode supplies the ILARG flag.  The maximum block number in a file
// is 0xffff; bn is 32 bits so that 0x10000 can signal one beyond the
// last block of a file.
func BlocknoPath(mode uint16, bn uint32) BlockPath {
	if mode&layout.ILARG == 0 {
		if bn > layout.IAddrSize {
			panic("BlocknoPath: small-file length exceeded")
		}
		return Make(uint16(bn))
	}

	if bn < firstDindrBlk {
		return Make2(uint16(bn/layout.IndblkSize), uint16(bn%layout.IndblkSize))
	}
	bn -= firstDindrBlk
	return Make3(layout.IAddrSize-1, uint16(bn/layout.IndblkSize),
		uint16(bn%layout.IndblkSize))
}

// SentinelPath returns the first path beyond the end of a size-byte
// file.
func SentinelPath(mode uint16, size uint32) BlockPath {
	bn := size / layout.SectorSize
	if size%layout.SectorSize != 0 {
		bn++
	}
	if mode&layout.ILARG == 0 {
		if bn > layout.IAddrSize {
			bn = layout.IAddrSize
		}
		return BlocknoPath(mode, bn)
	}
	if bn > 0x10000 {
		bn = 0x10000
	}
	return BlocknoPath(mode, bn)
}

// PathBlockno converts a path rooted in an inode back to the logical
// block number, inferring ILARG from the height.  The shape is
// validated: a height-3 path must route through i_addr[7].
func PathBlockno(p BlockPath) uint32 {
	switch p.Height() {
	case 1:
		if p.Index() < layout.IAddrSize {
			return uint32(p.Index())
		}
	case 2:
		if p.Index() < layout.IAddrSize-1 {
			return layout.IndblkSize*uint32(p.Index()) + uint32(p.Tail().Index())
		}
	case 3:
		if p.Index() == layout.IAddrSize-1 {
			t := p.Tail()
			return firstDindrBlk + layout.IndblkSize*uint32(t.Index()) +
				uint32(t.Tail().Index())
		}
	}
	panic("PathBlockno: invalid path")
}
