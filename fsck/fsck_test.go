package fsck

import (
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xaionaro-go/bytesextra"

	"github.com/mit-pdos/go-v6fs/layout"
	"github.com/mit-pdos/go-v6fs/v6fs"
)

const (
	testBlocks = 2000
	testInodes = 64
)

func mkImage(t *testing.T) []byte {
	t.Helper()
	storage := make([]byte, (testBlocks+80)*int(layout.SectorSize))
	d := bytesextra.NewReadWriteSeeker(storage)
	require.NoError(t, v6fs.Mkfs(d, v6fs.MkDefaultCache(), testBlocks, testInodes, -1))
	return storage
}

func open(t *testing.T, storage []byte, flags int) *v6fs.V6FS {
	t.Helper()
	fs, err := v6fs.OpenDevice(bytesextra.NewReadWriteSeeker(storage),
		v6fs.MkFSCache(30, 100), flags|v6fs.NOLOG)
	require.NoError(t, err)
	return fs
}

func runFsck(t *testing.T, storage []byte, write bool) int {
	t.Helper()
	flags := 0
	if !write {
		flags = v6fs.RDONLY
	}
	fs := open(t, storage, flags)
	res, err := Run(fs, write, io.Discard)
	require.NoError(t, err)
	require.NoError(t, fs.Close())
	return res
}

func createFile(t *testing.T, fs *v6fs.V6FS, path string, data []byte) {
	t.Helper()
	tx := fs.Begin()
	defer tx.Commit()
	de, err := v6fs.Named(fs, nil, path, v6fs.NDCreate, v6fs.NullPerm)
	require.NoError(t, err)
	require.NoError(t, v6fs.Mknod(de, nil))
	inum := de.Inum()
	de.Release()
	if len(data) > 0 {
		ip, err := fs.Iget(inum)
		require.NoError(t, err)
		c := v6fs.MkCursor(ip)
		_, err = c.Write(data)
		c.Close()
		fs.IPut(ip)
		require.NoError(t, err)
	}
}

func mkDir(t *testing.T, fs *v6fs.V6FS, path string) {
	t.Helper()
	tx := fs.Begin()
	defer tx.Commit()
	de, err := v6fs.Named(fs, nil, path, v6fs.NDCreate|v6fs.NDExclusive, v6fs.NullPerm)
	require.NoError(t, err)
	require.NoError(t, v6fs.Mkdir(de, nil))
	de.Release()
}

// inodeOff is the byte offset of inum's on-disk image.
func inodeOff(inum int) int {
	return 2*int(layout.SectorSize) + (inum-1)*layout.InodeSize
}

func TestCleanImage(t *testing.T) {
	storage := mkImage(t)
	fs := open(t, storage, 0)
	mkDir(t, fs, "/d")
	createFile(t, fs, "/d/f", []byte("hello"))
	createFile(t, fs, "/big", make([]byte, 6000))
	require.NoError(t, fs.Close())

	assert.Equal(t, 0, runFsck(t, storage, false))
}

func TestBadLinkCountFixed(t *testing.T) {
	storage := mkImage(t)
	fs := open(t, storage, 0)
	createFile(t, fs, "/f", []byte("x"))
	ip, err := fs.NameI("/f", layout.RootInumber)
	require.NoError(t, err)
	inum := int(ip.Inum())
	fs.IPut(ip)
	require.NoError(t, fs.Close())

	// Corrupt the on-disk link count.
	storage[inodeOff(inum)+layout.DiNlinkOff] = 9

	assert.Equal(t, 1, runFsck(t, storage, true))
	assert.Equal(t, byte(1), storage[inodeOff(inum)+layout.DiNlinkOff])
	assert.Equal(t, 0, runFsck(t, storage, false))
}

func TestUnreachableInodeCleared(t *testing.T) {
	storage := mkImage(t)
	fs := open(t, storage, 0)
	createFile(t, fs, "/f", nil)
	require.NoError(t, fs.Close())

	// Mark a random free inode allocated with garbage.
	off := inodeOff(20)
	layout.PutU16(storage[off:], layout.IALLOC|0o644)

	assert.Equal(t, 1, runFsck(t, storage, true))
	assert.Equal(t, uint16(0), layout.GetU16(storage[inodeOff(20):]))
	assert.Equal(t, 0, runFsck(t, storage, false))
}

func TestCrossAllocationDetected(t *testing.T) {
	storage := mkImage(t)
	fs := open(t, storage, 0)
	createFile(t, fs, "/a", []byte("aaaa"))
	createFile(t, fs, "/b", []byte("bbbb"))

	var aBlock uint16
	ip, err := fs.NameI("/a", layout.RootInumber)
	require.NoError(t, err)
	aBlock = ip.Addr[0]
	aInum := int(ip.Inum())
	fs.IPut(ip)
	ip, err = fs.NameI("/b", layout.RootInumber)
	require.NoError(t, err)
	bInum := int(ip.Inum())
	fs.IPut(ip)
	require.NoError(t, fs.Close())

	// Point b's first block at a's.
	layout.PutU16(storage[inodeOff(bInum)+layout.DiAddrOff:], aBlock)
	_ = aInum

	assert.Equal(t, 1, runFsck(t, storage, true))
	// One of the claims was zeroed.  Ialloc hands out the highest
	// cached inumber first, so /a has the higher inumber, is scanned
	// after /b, and loses the block.
	assert.Equal(t, uint16(0), layout.GetU16(storage[inodeOff(aInum)+layout.DiAddrOff:]))
	assert.Equal(t, 0, runFsck(t, storage, false))
}

func TestBadBlockPointerZeroed(t *testing.T) {
	storage := mkImage(t)
	fs := open(t, storage, 0)
	createFile(t, fs, "/f", []byte("data"))
	ip, err := fs.NameI("/f", layout.RootInumber)
	require.NoError(t, err)
	inum := int(ip.Inum())
	fs.IPut(ip)
	require.NoError(t, fs.Close())

	// A pointer outside the data region.
	layout.PutU16(storage[inodeOff(inum)+layout.DiAddrOff:], uint16(testBlocks+5))

	assert.Equal(t, 1, runFsck(t, storage, true))
	assert.Equal(t, uint16(0), layout.GetU16(storage[inodeOff(inum)+layout.DiAddrOff:]))
	assert.Equal(t, 0, runFsck(t, storage, false))
}

func TestBlockBeyondEOFFreed(t *testing.T) {
	storage := mkImage(t)
	fs := open(t, storage, 0)
	createFile(t, fs, "/f", []byte("data"))
	ip, err := fs.NameI("/f", layout.RootInumber)
	require.NoError(t, err)
	inum := int(ip.Inum())
	fs.IPut(ip)
	require.NoError(t, fs.Close())

	// Size says one block, but a second pointer is set.  Use an
	// otherwise-free data block so only the EOF rule fires.
	layout.PutU16(storage[inodeOff(inum)+layout.DiAddrOff+2:], uint16(testBlocks-3))

	assert.Equal(t, 1, runFsck(t, storage, true))
	assert.Equal(t, uint16(0),
		layout.GetU16(storage[inodeOff(inum)+layout.DiAddrOff+2:]))
	assert.Equal(t, 0, runFsck(t, storage, false))
}

func TestDirectoryRepairs(t *testing.T) {
	storage := mkImage(t)
	fs := open(t, storage, 0)
	mkDir(t, fs, "/d")
	createFile(t, fs, "/d/f", nil)

	// Find the directory's data block.
	ip, err := fs.NameI("/d", layout.RootInumber)
	require.NoError(t, err)
	dirBlock := int(ip.Addr[0])
	fs.IPut(ip)
	require.NoError(t, fs.Close())

	// Slot 1 is "..": point it at a bogus parent.
	off := dirBlock*int(layout.SectorSize) + layout.DirentSize
	require.Equal(t, "..", layout.DirentName(storage[off:off+layout.DirentSize]))
	layout.PutU16(storage[off:], 5)

	assert.Equal(t, 1, runFsck(t, storage, true))
	assert.Equal(t, uint16(layout.RootInumber),
		layout.GetU16(storage[off:]))
	assert.Equal(t, 0, runFsck(t, storage, false))
}

func TestDuplicateNameRemoved(t *testing.T) {
	storage := mkImage(t)
	fs := open(t, storage, 0)
	createFile(t, fs, "/a", nil)
	createFile(t, fs, "/b", nil)

	root, err := fs.Iget(layout.RootInumber)
	require.NoError(t, err)
	rootBlock := int(root.Addr[0])
	fs.IPut(root)
	require.NoError(t, fs.Close())

	// Rewrite /b's slot (slot 3) to duplicate the name "a" while
	// keeping its inumber, creating a duplicate entry.
	off := rootBlock*int(layout.SectorSize) + 3*layout.DirentSize
	slot := storage[off : off+layout.DirentSize]
	require.Equal(t, "b", layout.DirentName(slot))
	layout.PutDirent(slot, layout.DirentInum(slot), "a")

	assert.Equal(t, 1, runFsck(t, storage, true))
	assert.Equal(t, 0, runFsck(t, storage, false))
}

func TestFreelistRebuilt(t *testing.T) {
	storage := mkImage(t)
	fs := open(t, storage, 0)
	createFile(t, fs, "/f", make([]byte, 3000))
	require.NoError(t, fs.Close())

	// Wreck the free list.
	fs = open(t, storage, 0)
	fs.SB.Nfree = 1
	fs.SB.Free[0] = 0
	fs.SB.Fmod = 1
	require.NoError(t, fs.Close())

	require.Equal(t, 1, runFsck(t, storage, true))
	require.Equal(t, 0, runFsck(t, storage, false))

	// All blocks are allocatable again.
	fs = open(t, storage, 0)
	defer fs.Close()
	free, err := v6fs.NumFreeBlocks(fs)
	require.NoError(t, err)
	// 2000 sectors - boot - super - 8 inode sectors - root block -
	// 6 file blocks (3000 bytes is still a small file).
	assert.Equal(t, 2000-2-8-1-6, free)
}
