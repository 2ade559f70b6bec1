package v6fs

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xaionaro-go/bytesextra"

	"github.com/mit-pdos/go-v6fs/layout"
)

const (
	testBlocks = 2000
	testInodes = 64
)

// mkTestImage builds a file system in memory.  logBlocks < 0 means no
// journal.
func mkTestImage(t *testing.T, logBlocks int) []byte {
	t.Helper()
	storage := make([]byte, (testBlocks+80)*int(layout.SectorSize))
	d := bytesextra.NewReadWriteSeeker(storage)
	require.NoError(t, Mkfs(d, MkDefaultCache(), testBlocks, testInodes, logBlocks))
	return storage
}

func openImage(t *testing.T, storage []byte, flags int) *V6FS {
	t.Helper()
	fs, err := OpenDevice(bytesextra.NewReadWriteSeeker(storage), MkDefaultCache(), flags)
	require.NoError(t, err)
	return fs
}

func createFile(t *testing.T, fs *V6FS, path string, data []byte) {
	t.Helper()
	tx := fs.Begin()
	de, err := Named(fs, nil, path, NDCreate, NullPerm)
	require.NoError(t, err)
	if de.Inum() == 0 {
		require.NoError(t, Mknod(de, nil))
	}
	inum := de.Inum()
	de.Release()
	if len(data) > 0 {
		ip, err := fs.Iget(inum)
		require.NoError(t, err)
		c := MkCursor(ip)
		n, err := c.Write(data)
		c.Close()
		fs.IPut(ip)
		require.NoError(t, err)
		require.Equal(t, len(data), n)
	}
	tx.Commit()
}

func readFile(t *testing.T, fs *V6FS, path string) []byte {
	t.Helper()
	ip, err := fs.NameI(path, layout.RootInumber)
	require.NoError(t, err)
	require.NotNil(t, ip, "path %s not found", path)
	defer fs.IPut(ip)
	buf := make([]byte, ip.Size())
	c := MkCursor(ip)
	defer c.Close()
	n, err := c.Read(buf)
	require.NoError(t, err)
	require.Equal(t, len(buf), n)
	return buf
}

func mkDir(t *testing.T, fs *V6FS, path string) {
	t.Helper()
	tx := fs.Begin()
	de, err := Named(fs, nil, path, NDCreate|NDExclusive, NullPerm)
	require.NoError(t, err)
	require.NoError(t, Mkdir(de, nil))
	de.Release()
	tx.Commit()
}

func unlinkPath(t *testing.T, fs *V6FS, path string) {
	t.Helper()
	de, err := Named(fs, nil, path, NDDirwrite, NullPerm)
	require.NoError(t, err)
	require.NoError(t, Unlink(de))
	de.Release()
}

func pattern(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i % 251)
	}
	return b
}

func statPath(t *testing.T, fs *V6FS, path string) (layout.Inum, layout.DInode) {
	t.Helper()
	ip, err := fs.NameI(path, layout.RootInumber)
	require.NoError(t, err)
	require.NotNil(t, ip, "path %s not found", path)
	defer fs.IPut(ip)
	return ip.Inum(), ip.DInode
}

func TestOpenRejectsBadMagic(t *testing.T) {
	storage := mkTestImage(t, -1)
	storage[0] = 0
	_, err := OpenDevice(bytesextra.NewReadWriteSeeker(storage), MkDefaultCache(), NOLOG)
	assert.ErrorIs(t, err, ErrBadMagic)
}

func TestMkfsRoot(t *testing.T) {
	storage := mkTestImage(t, -1)
	fs := openImage(t, storage, NOLOG|RDONLY)
	defer fs.Close()

	root, err := fs.Iget(layout.RootInumber)
	require.NoError(t, err)
	defer fs.IPut(root)
	assert.True(t, root.IsDir())
	assert.Equal(t, uint8(2), root.Nlink)

	ents, err := DirEntries(root)
	require.NoError(t, err)
	require.Len(t, ents, 2)
	assert.Equal(t, ".", ents[0].Name)
	assert.Equal(t, layout.RootInumber, ents[0].Inum)
	assert.Equal(t, "..", ents[1].Name)
	assert.Equal(t, layout.RootInumber, ents[1].Inum)
}

func TestCreateWriteRemountRead(t *testing.T) {
	storage := mkTestImage(t, 0)
	data := pattern(1024)

	fs := openImage(t, storage, 0)
	createFile(t, fs, "/a", data)
	require.NoError(t, fs.Close())

	fs = openImage(t, storage, 0)
	defer fs.Close()
	assert.Equal(t, data, readFile(t, fs, "/a"))
	_, di := statPath(t, fs, "/a")
	assert.Equal(t, uint32(1024), di.Size())
	assert.False(t, di.IsLarge())
}

func TestGrowPastSmallThreshold(t *testing.T) {
	storage := mkTestImage(t, 0)
	fs := openImage(t, storage, 0)
	defer fs.Close()

	before, err := NumFreeBlocks(fs)
	require.NoError(t, err)

	data := pattern(4097)
	createFile(t, fs, "/big", data)

	_, di := statPath(t, fs, "/big")
	assert.True(t, di.IsLarge())
	assert.NotZero(t, di.Addr[0])
	assert.Equal(t, uint32(4097), di.Size())

	// ceil(4097/512) = 9 data blocks plus one indirect block.
	after, err := NumFreeBlocks(fs)
	require.NoError(t, err)
	assert.Equal(t, before-10, after)

	assert.Equal(t, data, readFile(t, fs, "/big"))
}

func TestSparseFile(t *testing.T) {
	storage := mkTestImage(t, 0)
	fs := openImage(t, storage, 0)
	defer fs.Close()

	before, err := NumFreeBlocks(fs)
	require.NoError(t, err)

	createFile(t, fs, "/s", nil)
	ip, err := fs.NameI("/s", layout.RootInumber)
	require.NoError(t, err)
	tx := fs.Begin()
	c := MkCursor(ip)
	require.NoError(t, c.Seek(100*layout.SectorSize))
	n, err := c.Write([]byte{0xab})
	c.Close()
	require.NoError(t, err)
	require.Equal(t, 1, n)
	tx.Commit()
	assert.Equal(t, uint32(100*512+1), ip.Size())
	fs.IPut(ip)

	// One data block plus one indirect block.
	after, err := NumFreeBlocks(fs)
	require.NoError(t, err)
	assert.Equal(t, before-2, after)

	// The hole reads as zeros.
	got := readFile(t, fs, "/s")
	require.Len(t, got, 100*512+1)
	assert.Equal(t, make([]byte, 100*512), got[:100*512])
	assert.Equal(t, byte(0xab), got[100*512])
}

func TestUnlinkReleasesBlocks(t *testing.T) {
	storage := mkTestImage(t, 0)
	fs := openImage(t, storage, 0)
	defer fs.Close()

	createFile(t, fs, "/f", pattern(50*512))
	c, err := NumFreeBlocks(fs)
	require.NoError(t, err)

	unlinkPath(t, fs, "/f")

	after, err := NumFreeBlocks(fs)
	require.NoError(t, err)
	assert.Equal(t, c+50+1, after)

	ip, err := fs.NameI("/f", layout.RootInumber)
	require.NoError(t, err)
	assert.Nil(t, ip)
}

func TestTruncateDemotesToSmall(t *testing.T) {
	storage := mkTestImage(t, 0)
	fs := openImage(t, storage, 0)
	defer fs.Close()

	createFile(t, fs, "/t", pattern(6000))
	ip, err := fs.NameI("/t", layout.RootInumber)
	require.NoError(t, err)
	assert.True(t, ip.IsLarge())

	tx := fs.Begin()
	require.NoError(t, ip.Truncate(1000, Log))
	tx.Commit()
	assert.False(t, ip.IsLarge())
	assert.Equal(t, uint32(1000), ip.Size())
	fs.IPut(ip)

	assert.Equal(t, pattern(6000)[:1000], readFile(t, fs, "/t"))
}

func TestMkdirLinkCounts(t *testing.T) {
	storage := mkTestImage(t, 0)
	fs := openImage(t, storage, 0)
	defer fs.Close()

	mkDir(t, fs, "/a")
	mkDir(t, fs, "/a/b")

	_, root := statPath(t, fs, "/")
	_, a := statPath(t, fs, "/a")
	_, b := statPath(t, fs, "/a/b")
	assert.Equal(t, uint8(3), root.Nlink)
	assert.Equal(t, uint8(3), a.Nlink)
	assert.Equal(t, uint8(2), b.Nlink)

	aInum, _ := statPath(t, fs, "/a")
	dotdot, _ := statPath(t, fs, "/a/b/..")
	assert.Equal(t, aInum, dotdot)
}

func TestRmdir(t *testing.T) {
	storage := mkTestImage(t, 0)
	fs := openImage(t, storage, 0)
	defer fs.Close()

	mkDir(t, fs, "/d")
	mkDir(t, fs, "/d/e")

	// Non-empty directory refuses.
	de, err := Named(fs, nil, "/d", NDDirwrite, NullPerm)
	require.NoError(t, err)
	assert.ErrorIs(t, Rmdir(de), ErrNotEmpty)
	de.Release()

	de, err = Named(fs, nil, "/d/e", NDDirwrite, NullPerm)
	require.NoError(t, err)
	require.NoError(t, Rmdir(de))
	de.Release()

	_, d := statPath(t, fs, "/d")
	assert.Equal(t, uint8(2), d.Nlink)

	de, err = Named(fs, nil, "/d", NDDirwrite, NullPerm)
	require.NoError(t, err)
	require.NoError(t, Rmdir(de))
	de.Release()

	_, root := statPath(t, fs, "/")
	assert.Equal(t, uint8(2), root.Nlink)
}

func TestHardLink(t *testing.T) {
	storage := mkTestImage(t, 0)
	fs := openImage(t, storage, 0)
	defer fs.Close()

	data := pattern(700)
	createFile(t, fs, "/a", data)

	tx := fs.Begin()
	oldde, err := Named(fs, nil, "/a", 0, NullPerm)
	require.NoError(t, err)
	newde, err := Named(fs, nil, "/b", NDCreate, NullPerm)
	require.NoError(t, err)
	require.NoError(t, Link(oldde, newde))
	oldde.Release()
	newde.Release()
	tx.Commit()

	aInum, a := statPath(t, fs, "/a")
	bInum, _ := statPath(t, fs, "/b")
	assert.Equal(t, aInum, bInum)
	assert.Equal(t, uint8(2), a.Nlink)

	unlinkPath(t, fs, "/a")
	_, b := statPath(t, fs, "/b")
	assert.Equal(t, uint8(1), b.Nlink)
	assert.Equal(t, data, readFile(t, fs, "/b"))
}

func TestLinkCountSoundness(t *testing.T) {
	storage := mkTestImage(t, 0)
	fs := openImage(t, storage, 0)
	defer fs.Close()

	createFile(t, fs, "/x", pattern(10))
	for _, p := range []string{"/y", "/z"} {
		tx := fs.Begin()
		oldde, err := Named(fs, nil, "/x", 0, NullPerm)
		require.NoError(t, err)
		newde, err := Named(fs, nil, p, NDCreate, NullPerm)
		require.NoError(t, err)
		require.NoError(t, Link(oldde, newde))
		oldde.Release()
		newde.Release()
		tx.Commit()
	}
	_, x := statPath(t, fs, "/x")
	assert.Equal(t, uint8(3), x.Nlink)

	// Count directory entries pointing at the inode.
	root, err := fs.Iget(layout.RootInumber)
	require.NoError(t, err)
	ents, err := DirEntries(root)
	require.NoError(t, err)
	fs.IPut(root)
	xInum, _ := statPath(t, fs, "/x")
	n := 0
	for _, e := range ents {
		if e.Inum == xInum {
			n++
		}
	}
	assert.Equal(t, 3, n)
}

func TestRename(t *testing.T) {
	storage := mkTestImage(t, 0)
	fs := openImage(t, storage, 0)
	defer fs.Close()

	mkDir(t, fs, "/a")
	mkDir(t, fs, "/a/b")

	tx := fs.Begin()
	oldde, err := Named(fs, nil, "/a/b", NDDirwrite, NullPerm)
	require.NoError(t, err)
	newde, err := Named(fs, nil, "/c", NDCreate, NullPerm)
	require.NoError(t, err)
	require.NoError(t, Rename(oldde, newde))
	oldde.Release()
	newde.Release()
	tx.Commit()

	rootInum, root := statPath(t, fs, "/")
	_, a := statPath(t, fs, "/a")
	cInum, c := statPath(t, fs, "/c")
	assert.Equal(t, uint8(4), root.Nlink, "root has subdirs a and c")
	assert.Equal(t, uint8(2), a.Nlink)
	assert.Equal(t, uint8(2), c.Nlink)

	dotdot, _ := statPath(t, fs, "/c/..")
	assert.Equal(t, rootInum, dotdot)
	_ = cInum

	gone, err := fs.NameI("/a/b", layout.RootInumber)
	require.NoError(t, err)
	assert.Nil(t, gone)
}

func TestRenameDirOntoEmptyDir(t *testing.T) {
	storage := mkTestImage(t, 0)
	fs := openImage(t, storage, 0)
	defer fs.Close()

	mkDir(t, fs, "/p1")
	mkDir(t, fs, "/p1/a")
	mkDir(t, fs, "/p2")
	mkDir(t, fs, "/p2/b")

	aInum, _ := statPath(t, fs, "/p1/a")
	bInum, _ := statPath(t, fs, "/p2/b")

	tx := fs.Begin()
	oldde, err := Named(fs, nil, "/p1/a", NDDirwrite, NullPerm)
	require.NoError(t, err)
	newde, err := Named(fs, nil, "/p2/b", NDCreate, NullPerm)
	require.NoError(t, err)
	require.NoError(t, Rename(oldde, newde))
	oldde.Release()
	newde.Release()
	tx.Commit()

	// p2 lost b but gained a, both directories: its link count is
	// unchanged.  p1 lost its only subdirectory.
	p2Inum, p2 := statPath(t, fs, "/p2")
	_, p1 := statPath(t, fs, "/p1")
	_, root := statPath(t, fs, "/")
	assert.Equal(t, uint8(3), p2.Nlink)
	assert.Equal(t, uint8(2), p1.Nlink)
	assert.Equal(t, uint8(4), root.Nlink)

	movedInum, moved := statPath(t, fs, "/p2/b")
	assert.Equal(t, aInum, movedInum)
	assert.Equal(t, uint8(2), moved.Nlink)
	dotdot, _ := statPath(t, fs, "/p2/b/..")
	assert.Equal(t, p2Inum, dotdot)

	// The displaced directory's inode was cleared.
	dst, err := fs.Iget(bInum)
	require.NoError(t, err)
	assert.False(t, dst.IsAlloc())
	fs.IPut(dst)

	gone, err := fs.NameI("/p1/a", layout.RootInumber)
	require.NoError(t, err)
	assert.Nil(t, gone)
}

func TestRenameReplacesFile(t *testing.T) {
	storage := mkTestImage(t, 0)
	fs := openImage(t, storage, 0)
	defer fs.Close()

	createFile(t, fs, "/src", pattern(100))
	createFile(t, fs, "/dst", pattern(300))
	srcInum, _ := statPath(t, fs, "/src")

	tx := fs.Begin()
	oldde, err := Named(fs, nil, "/src", NDDirwrite, NullPerm)
	require.NoError(t, err)
	newde, err := Named(fs, nil, "/dst", NDCreate, NullPerm)
	require.NoError(t, err)
	require.NoError(t, Rename(oldde, newde))
	oldde.Release()
	newde.Release()
	tx.Commit()

	dstInum, _ := statPath(t, fs, "/dst")
	assert.Equal(t, srcInum, dstInum)
	assert.Equal(t, pattern(100), readFile(t, fs, "/dst"))
	gone, err := fs.NameI("/src", layout.RootInumber)
	require.NoError(t, err)
	assert.Nil(t, gone)
}

func TestNamedErrors(t *testing.T) {
	storage := mkTestImage(t, 0)
	fs := openImage(t, storage, 0)
	defer fs.Close()

	createFile(t, fs, "/f", nil)

	_, err := Named(fs, nil, "/nope/x", 0, NullPerm)
	assert.ErrorIs(t, err, ErrNoEnt)

	_, err = Named(fs, nil, "/f/x", 0, NullPerm)
	assert.ErrorIs(t, err, ErrNotDir)

	_, err = Named(fs, nil, "/this-name-is-too-long", 0, NullPerm)
	assert.ErrorIs(t, err, ErrNameTooLong)

	_, err = Named(fs, nil, "/.", 0, NullPerm)
	assert.ErrorIs(t, err, ErrInval)

	de, err := Named(fs, nil, "/", NDDotOK, NullPerm)
	require.NoError(t, err)
	assert.Equal(t, layout.RootInumber, de.Inum())
	de.Release()

	tx := fs.Begin()
	_, err = Named(fs, nil, "/f", NDCreate|NDExclusive, NullPerm)
	assert.ErrorIs(t, err, ErrExist)
	tx.Commit()

	noexec := func(ip *Inode) int { return 6 }
	_, err = Named(fs, nil, "/f", 0, noexec)
	assert.ErrorIs(t, err, ErrAcces)

	nowrite := func(ip *Inode) int { return 5 }
	_, err = Named(fs, nil, "/f", NDDirwrite, nowrite)
	assert.ErrorIs(t, err, ErrAcces)
}

func TestMknodSpecial(t *testing.T) {
	storage := mkTestImage(t, 0)
	fs := openImage(t, storage, 0)
	defer fs.Close()

	tx := fs.Begin()
	de, err := Named(fs, nil, "/dev-tty", NDCreate, NullPerm)
	require.NoError(t, err)
	require.NoError(t, Mknod(de, func(di *layout.DInode) {
		di.Mode = layout.IALLOC | layout.IFCHR | 0o666
		di.SetDev(4, 2)
	}))
	de.Release()
	tx.Commit()

	_, di := statPath(t, fs, "/dev-tty")
	assert.True(t, di.IsSpecial())
	assert.Equal(t, uint8(4), di.Major())
	assert.Equal(t, uint8(2), di.Minor())
}

func TestRoundTripManyOps(t *testing.T) {
	storage := mkTestImage(t, 0)
	fs := openImage(t, storage, 0)

	files := map[string][]byte{
		"/one":     pattern(1),
		"/two":     pattern(512),
		"/three":   pattern(5000),
		"/d/inner": pattern(2048),
	}
	mkDir(t, fs, "/d")
	for p, data := range files {
		createFile(t, fs, p, data)
	}
	unlinkPath(t, fs, "/one")
	delete(files, "/one")
	require.NoError(t, fs.Close())

	fs = openImage(t, storage, 0)
	defer fs.Close()
	for p, data := range files {
		assert.Equal(t, data, readFile(t, fs, p), "file %s", p)
	}
	gone, err := fs.NameI("/one", layout.RootInumber)
	require.NoError(t, err)
	assert.Nil(t, gone)
}

func TestMaxFileSizeEnforced(t *testing.T) {
	storage := mkTestImage(t, 0)
	fs := openImage(t, storage, 0)
	defer fs.Close()

	createFile(t, fs, "/f", nil)
	ip, err := fs.NameI("/f", layout.RootInumber)
	require.NoError(t, err)
	defer fs.IPut(ip)

	c := MkCursor(ip)
	defer c.Close()
	assert.ErrorIs(t, c.Seek(layout.MaxFileSize+1), ErrFileTooLarge)

	require.NoError(t, c.Seek(layout.MaxFileSize))
	tx := fs.Begin()
	_, err = c.Write([]byte{1})
	tx.Commit()
	assert.ErrorIs(t, err, ErrFileTooLarge)
}

func TestFreelistExhaustion(t *testing.T) {
	storage := make([]byte, 300*int(layout.SectorSize))
	d := bytesextra.NewReadWriteSeeker(storage)
	require.NoError(t, Mkfs(d, MkDefaultCache(), 60, 16, -1))

	fs := openImage(t, storage, NOLOG)
	defer fs.Close()

	// 60 sectors, 2 inode sectors, boot+super: 56 data blocks, one
	// for the root directory.
	free, err := NumFreeBlocks(fs)
	require.NoError(t, err)

	tx := fs.Begin()
	var last error
	for i := 0; i <= free; i++ {
		bp, err := fs.Balloc(false)
		if err != nil {
			last = err
			break
		}
		fs.Brelse(bp)
	}
	tx.Commit()
	assert.ErrorIs(t, last, ErrNoSpace)
}

func TestDirentSlotReuse(t *testing.T) {
	storage := mkTestImage(t, 0)
	fs := openImage(t, storage, 0)
	defer fs.Close()

	createFile(t, fs, "/a", nil)
	createFile(t, fs, "/b", nil)
	unlinkPath(t, fs, "/a")

	root, err := fs.Iget(layout.RootInumber)
	require.NoError(t, err)
	sizeBefore := root.Size()
	fs.IPut(root)

	// The freed slot is reused; the directory does not grow.
	createFile(t, fs, "/c", nil)
	root, err = fs.Iget(layout.RootInumber)
	require.NoError(t, err)
	assert.Equal(t, sizeBefore, root.Size())
	fs.IPut(root)
}

func TestBlockPathDataIntegrity(t *testing.T) {
	// Writes spanning the single/double indirect boundary survive a
	// remount intact.
	storage := mkTestImage(t, 0)
	fs := openImage(t, storage, 0)

	const size = 1793 * 512 // first block beyond the single-indirect range
	createFile(t, fs, "/big", nil)
	ip, err := fs.NameI("/big", layout.RootInumber)
	require.NoError(t, err)
	tx := fs.Begin()
	c := MkCursor(ip)
	require.NoError(t, c.Seek(size-512))
	_, err = c.Write(pattern(512))
	c.Close()
	require.NoError(t, err)
	tx.Commit()
	assert.True(t, ip.IsLarge())
	fs.IPut(ip)
	require.NoError(t, fs.Close())

	fs = openImage(t, storage, 0)
	defer fs.Close()
	got := readFile(t, fs, "/big")
	require.Len(t, got, size)
	assert.True(t, bytes.Equal(pattern(512), got[size-512:]))
	assert.Equal(t, make([]byte, 512), got[:512])
}
