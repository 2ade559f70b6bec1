package v6fs

import (
	"time"

	"github.com/mit-pdos/go-v6fs/dev"
	"github.com/mit-pdos/go-v6fs/layout"
	"github.com/mit-pdos/go-v6fs/util"
)

// CreateImage writes the boot block and an empty superblock onto a
// device, sizing the inode table for ninodes.
func CreateImage(d dev.Device, nblocks uint32, ninodes uint32) error {
	if err := dev.Truncate(d, int64(nblocks)*int64(layout.SectorSize)); err != nil {
		return err
	}

	var sb layout.Superblock
	sb.Isize = uint16(util.RoundUp(uint64(ninodes), uint64(layout.InodesPerBlock)))
	sb.Fsize = uint16(nblocks)
	sb.SetTime(uint32(time.Now().Unix()))
	if err := dev.WriteBlock(d, uint32(layout.SuperblockSector), sb.Encode()); err != nil {
		return err
	}

	boot := make([]byte, layout.SectorSize)
	layout.PutU16(boot, layout.BootblockMagic)
	return dev.WriteBlock(d, uint32(layout.BootblockSector), boot)
}

// Mkfs builds a complete file system on a device: free list, root
// directory with "." and "..", and (when logBlocks >= 0) a journal.
// logBlocks of 0 picks the default journal size.
func Mkfs(d dev.Device, c *FSCache, nblocks uint32, ninodes uint32, logBlocks int) error {
	if err := CreateImage(d, nblocks, ninodes); err != nil {
		return err
	}

	fs, err := OpenDevice(d, c, NOLOG)
	if err != nil {
		return err
	}

	start := layout.Bnum(layout.InodeStartSector) + layout.Bnum(fs.SB.Isize)
	for bn := layout.Bnum(nblocks); bn > start; {
		bn--
		fs.Bfree(bn)
	}

	ip, err := fs.Iget(layout.RootInumber)
	if err != nil {
		fs.Close()
		return err
	}
	bp, err := fs.Balloc(true)
	if err != nil {
		fs.IPut(ip)
		fs.Close()
		return err
	}

	ip.Mode = layout.IALLOC | layout.IFDIR | 0o755
	ip.Nlink = 2
	ip.Addr[0] = uint16(bp.Blockno())
	ip.MTouch(NoLog)
	ip.ATouch()
	fs.Brelse(bp)

	dot, err := ip.Create(".")
	if err == nil {
		dot.SetInum(layout.RootInumber)
		dot.Release()
		var dotdot *Dirent
		dotdot, err = ip.Create("..")
		if err == nil {
			dotdot.SetInum(layout.RootInumber)
			dotdot.Release()
		}
	}
	fs.IPut(ip)
	if err != nil {
		fs.Close()
		return err
	}

	if logBlocks >= 0 {
		if err := CreateLog(fs, uint16(logBlocks)); err != nil {
			fs.Close()
			return err
		}
	}
	util.DPrintf(1, "mkfs: %d sectors, %d inode sectors, log=%v",
		nblocks, fs.SB.Isize, logBlocks >= 0)
	return fs.Close()
}
