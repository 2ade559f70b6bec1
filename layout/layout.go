// Package layout defines the on-disk byte layouts of the V6 file
// system: the superblock, inodes, directory entries, and the journal
// header.  All multi-byte fields are little-endian.  Encode/Decode
// methods produce exactly the byte images of this on-disk format,
// including its 64-byte inodes.
package layout

import (
	"github.com/tchajed/goose/machine"
)

const (
	SectorSize       uint32 = 512
	BootblockSector  uint16 = 0
	SuperblockSector uint16 = 1
	InodeStartSector uint16 = 2
	RootInumber      Inum   = 1
	BootblockMagic   uint16 = 0o407
	MaxFileSize      uint32 = 0xffffff

	// Block pointers in an inode, and in an indirect block.
	IAddrSize  = 8
	IndblkSize = 256

	InodeSize      = 64
	InodesPerBlock = SectorSize / InodeSize

	DirentSize = 16
	MaxNameLen = 14

	NicFree  = 100 // free blocks cached in the superblock
	NicInode = 100 // free inodes cached in the superblock
)

// Inum identifies an inode; inumber 1 is the root directory and
// inumber 0 marks an empty directory slot.
type Inum uint16

// Bnum is a physical sector number on the volume.
type Bnum uint16

const NullInum Inum = 0

// Mode bits.
const (
	IALLOC uint16 = 0o100000 // inode is used
	IFMT   uint16 = 0o60000  // mask for type of file
	IFDIR  uint16 = 0o40000  //  - directory
	IFCHR  uint16 = 0o20000  //  - character special
	IFBLK  uint16 = 0o60000  //  - block special
	IFREG  uint16 = 0o00000  //  - 0 means regular file
	ILARG  uint16 = 0o10000  // large addressing algorithm
	ISUID  uint16 = 0o4000   // set user id on execution
	ISGID  uint16 = 0o2000   // set group id on execution
	ISVTX  uint16 = 0o1000   // save swapped text even after use
	IREAD  uint16 = 0o400
	IWRITE uint16 = 0o200
	IEXEC  uint16 = 0o100
)

// machine has 32- and 64-bit primitives only; the V6 format is full of
// 16-bit fields, so these two complete the set in the same style.
func PutU16(b []byte, x uint16) {
	b[0] = byte(x)
	b[1] = byte(x >> 8)
}

func GetU16(b []byte) uint16 {
	return uint16(b[0]) | uint16(b[1])<<8
}

func PutU32(b []byte, x uint32) {
	machine.UInt32Put(b, x)
}

func GetU32(b []byte) uint32 {
	return machine.UInt32Get(b)
}

// Superblock is the in-core image of sector 1.
type Superblock struct {
	Isize  uint16 // size in sectors of the inode table
	Fsize  uint16 // size in sectors of entire volume (w/o log)
	Nfree  uint16 // number of in-core free blocks (0-100)
	Free   [NicFree]uint16
	Ninode uint16 // number of in-core free inodes (0-100)
	Inode  [NicInode]uint16
	Flock  uint8
	Ilock  uint8
	Fmod   uint8 // superblock modified flag
	Ronly  uint8 // mounted read-only flag
	Time   [2]uint16
	Uselog uint8 // journal present
	Dirty  uint8 // not cleanly unmounted
}

// Datastart returns the first data block of the volume.
func (sb *Superblock) Datastart() Bnum {
	return Bnum(InodeStartSector + sb.Isize)
}

func (sb *Superblock) NInodes() Inum {
	return Inum(uint32(sb.Isize) * InodesPerBlock)
}

func (sb *Superblock) SetTime(t uint32) {
	sb.Time[0] = uint16(t >> 16)
	sb.Time[1] = uint16(t)
}

func (sb *Superblock) Encode() []byte {
	b := make([]byte, SectorSize)
	PutU16(b[0:], sb.Isize)
	PutU16(b[2:], sb.Fsize)
	PutU16(b[4:], sb.Nfree)
	for i, bn := range sb.Free {
		PutU16(b[6+2*i:], bn)
	}
	PutU16(b[206:], sb.Ninode)
	for i, in := range sb.Inode {
		PutU16(b[208+2*i:], in)
	}
	b[408] = sb.Flock
	b[409] = sb.Ilock
	b[410] = sb.Fmod
	b[411] = sb.Ronly
	PutU16(b[412:], sb.Time[0])
	PutU16(b[414:], sb.Time[1])
	b[416] = sb.Uselog
	b[417] = sb.Dirty
	return b
}

func DecodeSuperblock(b []byte) *Superblock {
	sb := &Superblock{}
	sb.Isize = GetU16(b[0:])
	sb.Fsize = GetU16(b[2:])
	sb.Nfree = GetU16(b[4:])
	for i := range sb.Free {
		sb.Free[i] = GetU16(b[6+2*i:])
	}
	sb.Ninode = GetU16(b[206:])
	for i := range sb.Inode {
		sb.Inode[i] = GetU16(b[208+2*i:])
	}
	sb.Flock = b[408]
	sb.Ilock = b[409]
	sb.Fmod = b[410]
	sb.Ronly = b[411]
	sb.Time[0] = GetU16(b[412:])
	sb.Time[1] = GetU16(b[414:])
	sb.Uselog = b[416]
	sb.Dirty = b[417]
	return sb
}

// Byte offsets of DInode fields within the 64-byte on-disk image,
// for journaled patches.
const (
	DiModeOff  = 0
	DiNlinkOff = 2
	DiUidOff   = 3
	DiGidOff   = 4
	DiSize0Off = 5
	DiSize1Off = 6
	DiAddrOff  = 8 // + 2*k for Addr[k]
	DiAtimeOff = 24
	DiMtimeOff = 28
)

// DInode is the in-core image of one on-disk inode.  Atime and Mtime
// hold real Unix seconds; the on-disk encoding swaps the 16-bit
// halves, a quirk of the PDP-11 era format.
type DInode struct {
	Mode  uint16
	Nlink uint8
	Uid   uint8
	Gid   uint8
	Size0 uint8  // most significant byte of size
	Size1 uint16 // low two bytes of size
	Addr  [IAddrSize]uint16
	Atime uint32
	Mtime uint32
}

func (di *DInode) Size() uint32 {
	return uint32(di.Size0)<<16 | uint32(di.Size1)
}

func (di *DInode) SetSize(sz uint32) {
	di.Size0 = uint8(sz >> 16)
	di.Size1 = uint16(sz)
}

func (di *DInode) IsAlloc() bool {
	return di.Mode&IALLOC != 0
}

func (di *DInode) IsDir() bool {
	return di.Mode&IFMT == IFDIR
}

func (di *DInode) IsSpecial() bool {
	t := di.Mode & IFMT
	return t == IFCHR || t == IFBLK
}

func (di *DInode) IsLarge() bool {
	return di.Mode&ILARG != 0
}

// Device major/minor numbers of a special file live in Addr[0].
func (di *DInode) Minor() uint8 { return uint8(di.Addr[0]) }
func (di *DInode) Major() uint8 { return uint8(di.Addr[0] >> 8) }

func (di *DInode) SetDev(major uint8, minor uint8) {
	di.Addr[0] = uint16(major)<<8 | uint16(minor)
}

func swapHalves(t uint32) uint32 {
	return t<<16 | t>>16
}

func (di *DInode) Encode() []byte {
	b := make([]byte, InodeSize)
	PutU16(b[DiModeOff:], di.Mode)
	b[DiNlinkOff] = di.Nlink
	b[DiUidOff] = di.Uid
	b[DiGidOff] = di.Gid
	b[DiSize0Off] = di.Size0
	PutU16(b[DiSize1Off:], di.Size1)
	for i, bn := range di.Addr {
		PutU16(b[DiAddrOff+2*i:], bn)
	}
	PutU32(b[DiAtimeOff:], swapHalves(di.Atime))
	PutU32(b[DiMtimeOff:], swapHalves(di.Mtime))
	return b
}

func DecodeInode(b []byte) DInode {
	var di DInode
	di.Mode = GetU16(b[DiModeOff:])
	di.Nlink = b[DiNlinkOff]
	di.Uid = b[DiUidOff]
	di.Gid = b[DiGidOff]
	di.Size0 = b[DiSize0Off]
	di.Size1 = GetU16(b[DiSize1Off:])
	for i := range di.Addr {
		di.Addr[i] = GetU16(b[DiAddrOff+2*i:])
	}
	di.Atime = swapHalves(GetU32(b[DiAtimeOff:]))
	di.Mtime = swapHalves(GetU32(b[DiMtimeOff:]))
	return di
}

// DirentName extracts the NUL-padded name from a 16-byte directory
// entry image.
func DirentName(b []byte) string {
	n := b[2 : 2+MaxNameLen]
	end := MaxNameLen
	for i, c := range n {
		if c == 0 {
			end = i
			break
		}
	}
	return string(n[:end])
}

func DirentInum(b []byte) Inum {
	return Inum(GetU16(b))
}

func PutDirent(b []byte, inum Inum, name string) {
	if len(name) > MaxNameLen {
		panic("layout: maximum name length exceeded")
	}
	PutU16(b, uint16(inum))
	copy(b[2:2+MaxNameLen], name)
	for i := 2 + len(name); i < DirentSize; i++ {
		b[i] = 0
	}
}

// Journal layout.  The log region follows the V6 file system:
//
//	+-----+-----+--------+------------------+---+------+---------+
//	|boot |super| inodes |      data        |log| free | journal |
//	|block|block|        |      blocks      |hdr| map  |  (log)  |
//	+-----+-----+--------+------------------+---+------+---------+
//	0     1     2     2+s_isize         s_fsize      s_fsize+l_logsize
const (
	LogMagic   uint32 = 0x474c0636
	LogCRCSeed uint32 = 0x8ab27857
)

// Lsn is a log sequence number.  LSNs increase monotonically and wrap
// modulo 2^32; the LSN space is much larger than any log, so order is
// recoverable from the difference.
type Lsn = uint32

// LsnLE reports whether LSN a is earlier than or the same as b.
func LsnLE(a Lsn, b Lsn) bool {
	const halfRange = ^Lsn(0) >> 1
	return b-a <= halfRange
}

// Loghdr is the first sector after the conventional V6 file system,
// at sector s_fsize.
type Loghdr struct {
	Magic      uint32
	Hdrblock   uint32 // sector containing this header
	Logsize    uint16 // total log sectors, freemap included
	Mapsize    uint16 // freemap sectors at start of log region
	Checkpoint uint32 // byte offset of first unapplied record
	Sequence   uint32 // LSN expected at Checkpoint
}

func (lh *Loghdr) Mapstart() uint32 { return lh.Hdrblock + 1 }
func (lh *Loghdr) Logstart() uint32 { return lh.Mapstart() + uint32(lh.Mapsize) }
func (lh *Loghdr) Logend() uint32   { return lh.Hdrblock + uint32(lh.Logsize) }

// Logbytes is the byte capacity of the circular record area.
func (lh *Loghdr) Logbytes() uint32 {
	return SectorSize * (uint32(lh.Logsize) - uint32(lh.Mapsize) - 1)
}

func (lh *Loghdr) Encode() []byte {
	b := make([]byte, SectorSize)
	PutU32(b[0:], lh.Magic)
	PutU32(b[4:], lh.Hdrblock)
	PutU16(b[8:], lh.Logsize)
	PutU16(b[10:], lh.Mapsize)
	PutU32(b[12:], lh.Checkpoint)
	PutU32(b[16:], lh.Sequence)
	return b
}

func DecodeLoghdr(b []byte) *Loghdr {
	return &Loghdr{
		Magic:      GetU32(b[0:]),
		Hdrblock:   GetU32(b[4:]),
		Logsize:    GetU16(b[8:]),
		Mapsize:    GetU16(b[10:]),
		Checkpoint: GetU32(b[12:]),
		Sequence:   GetU32(b[16:]),
	}
}
