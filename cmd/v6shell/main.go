// v6shell pokes at a V6 file system image: listing, reading and
// writing files, dumping raw blocks, and injecting corruption for
// exercising fsck.  The image is named by $V6IMG (default v6.img).
package main

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	gobitmap "github.com/boljen/go-bitmap"
	"github.com/rodaine/table"
	"github.com/urfave/cli/v2"

	"github.com/mit-pdos/go-v6fs/dev"
	"github.com/mit-pdos/go-v6fs/layout"
	"github.com/mit-pdos/go-v6fs/util"
	"github.com/mit-pdos/go-v6fs/v6fs"
)

func imagePath() string {
	if target := os.Getenv("V6IMG"); target != "" {
		return target
	}
	return "v6.img"
}

func openFS(flags int) (*v6fs.V6FS, error) {
	return v6fs.Open(imagePath(), v6fs.MkDefaultCache(), flags|v6fs.NOLOG)
}

// withFS runs f on the opened image and propagates the worse error.
func withFS(flags int, f func(*v6fs.V6FS) error) error {
	fs, err := openFS(flags)
	if err != nil {
		return err
	}
	err = f(fs)
	if cerr := fs.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

func main() {
	app := &cli.App{
		Name:  "v6shell",
		Usage: "inspect and modify a V6 file system image ($V6IMG)",
		Commands: []*cli.Command{
			{Name: "ls", Usage: "list a directory", ArgsUsage: "[path]", Action: cmdLs},
			{Name: "cat", Usage: "print a file", ArgsUsage: "path", Action: cmdCat},
			{Name: "stat", Usage: "show an inode", ArgsUsage: "path", Action: cmdStat},
			{Name: "put", Usage: "copy a local file into the image", ArgsUsage: "src dst", Action: cmdPut},
			{Name: "unlink", Usage: "remove a file", ArgsUsage: "path", Action: cmdUnlink},
			{Name: "truncate", Usage: "resize a file", ArgsUsage: "path size", Action: cmdTruncate},
			{Name: "block", Usage: "hex dump a sector", ArgsUsage: "blockno", Action: cmdBlock},
			{Name: "iblock", Usage: "show an inode's block pointers", ArgsUsage: "inum", Action: cmdIblock},
			{Name: "dump", Usage: "recursively dump directories", Action: cmdDump},
			{Name: "usedblocks", Usage: "list blocks in use", Action: cmdUsedblocks},
			{Name: "usedinodes", Usage: "list inodes in use", Action: cmdUsedinodes},
			{Name: "deface", Usage: "corrupt one byte of the image", ArgsUsage: "blockno offset byte", Action: cmdDeface},
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func modeString(mode uint16) string {
	b := []byte("----------")
	switch mode & layout.IFMT {
	case layout.IFDIR:
		b[0] = 'd'
	case layout.IFCHR:
		b[0] = 'c'
	case layout.IFBLK:
		b[0] = 'b'
	}
	rwx := []byte("rwx")
	for i := 0; i < 9; i++ {
		if mode&(1<<(8-i)) != 0 {
			b[1+i] = rwx[i%3]
		}
	}
	if mode&layout.ISUID != 0 {
		b[3] = 's'
	}
	if mode&layout.ISGID != 0 {
		b[6] = 's'
	}
	if mode&layout.ISVTX != 0 {
		b[9] = 't'
	}
	return string(b)
}

func fmttime(t uint32) string {
	return time.Unix(int64(t), 0).Format("Jan 02 2006 15:04:05")
}

func cmdLs(ctx *cli.Context) error {
	path := "/"
	if ctx.NArg() >= 1 {
		path = ctx.Args().Get(0)
	}
	return withFS(v6fs.RDONLY, func(fs *v6fs.V6FS) error {
		ip, err := fs.NameI(path, layout.RootInumber)
		if err != nil {
			return err
		}
		if ip == nil {
			return fmt.Errorf("%s: not found", path)
		}
		defer fs.IPut(ip)
		ents, err := v6fs.DirEntries(ip)
		if err != nil {
			return err
		}
		tbl := table.New("inum", "mode", "nlink", "uid", "gid", "size", "mtime", "name")
		for _, e := range ents {
			eip, err := fs.Iget(e.Inum)
			if err != nil {
				return err
			}
			tbl.AddRow(e.Inum, modeString(eip.Mode), eip.Nlink, eip.Uid,
				eip.Gid, eip.Size(), fmttime(eip.Mtime), e.Name)
			fs.IPut(eip)
		}
		tbl.Print()
		return nil
	})
}

func cmdCat(ctx *cli.Context) error {
	if ctx.NArg() != 1 {
		return cli.Exit("usage: cat path", 2)
	}
	return withFS(v6fs.RDONLY, func(fs *v6fs.V6FS) error {
		ip, err := fs.NameI(ctx.Args().Get(0), layout.RootInumber)
		if err != nil {
			return err
		}
		if ip == nil {
			return fmt.Errorf("%s: not found", ctx.Args().Get(0))
		}
		defer fs.IPut(ip)
		c := v6fs.MkCursor(ip)
		defer c.Close()
		buf := make([]byte, 4096)
		for {
			n, err := c.Read(buf)
			if err != nil {
				return err
			}
			if n == 0 {
				return nil
			}
			if _, err := os.Stdout.Write(buf[:n]); err != nil {
				return err
			}
		}
	})
}

func cmdStat(ctx *cli.Context) error {
	if ctx.NArg() != 1 {
		return cli.Exit("usage: stat path", 2)
	}
	return withFS(v6fs.RDONLY, func(fs *v6fs.V6FS) error {
		ip, err := fs.NameI(ctx.Args().Get(0), layout.RootInumber)
		if err != nil {
			return err
		}
		if ip == nil {
			return fmt.Errorf("%s: not found", ctx.Args().Get(0))
		}
		defer fs.IPut(ip)
		fmt.Printf("inode %d\n", ip.Inum())
		fmt.Printf("  mode:  %s (0%o)\n", modeString(ip.Mode), ip.Mode)
		fmt.Printf("  nlink: %d\n", ip.Nlink)
		fmt.Printf("  uid:   %d\n", ip.Uid)
		fmt.Printf("  gid:   %d\n", ip.Gid)
		fmt.Printf("  size:  %d\n", ip.Size())
		fmt.Printf("  addr:  %v\n", ip.Addr)
		fmt.Printf("  atime: %s\n", fmttime(ip.Atime))
		fmt.Printf("  mtime: %s\n", fmttime(ip.Mtime))
		return nil
	})
}

func cmdPut(ctx *cli.Context) error {
	if ctx.NArg() != 2 {
		return cli.Exit("usage: put src dst", 2)
	}
	src, err := os.Open(ctx.Args().Get(0))
	if err != nil {
		return err
	}
	defer src.Close()
	return withFS(0, func(fs *v6fs.V6FS) error {
		tx := fs.Begin()
		defer tx.Commit()
		de, err := v6fs.Named(fs, nil, ctx.Args().Get(1), v6fs.NDCreate, v6fs.NullPerm)
		if err != nil {
			return err
		}
		defer de.Release()
		if de.Inum() == 0 {
			if err := v6fs.Mknod(de, v6fs.InitRegular(0o644)); err != nil {
				return err
			}
		}
		ip, err := fs.Iget(de.Inum())
		if err != nil {
			return err
		}
		defer fs.IPut(ip)
		if err := ip.Truncate(0, v6fs.Log); err != nil {
			return err
		}
		c := v6fs.MkCursor(ip)
		defer c.Close()
		buf := make([]byte, 4096)
		for {
			n, err := src.Read(buf)
			if n > 0 {
				if _, werr := c.Write(buf[:n]); werr != nil {
					return werr
				}
			}
			if err == io.EOF {
				return nil
			}
			if err != nil {
				return err
			}
		}
	})
}

func cmdUnlink(ctx *cli.Context) error {
	if ctx.NArg() != 1 {
		return cli.Exit("usage: unlink path", 2)
	}
	return withFS(0, func(fs *v6fs.V6FS) error {
		tx := fs.Begin()
		defer tx.Commit()
		de, err := v6fs.Named(fs, nil, ctx.Args().Get(0), v6fs.NDDirwrite, v6fs.NullPerm)
		if err != nil {
			return err
		}
		defer de.Release()
		return v6fs.Unlink(de)
	})
}

func cmdTruncate(ctx *cli.Context) error {
	if ctx.NArg() != 2 {
		return cli.Exit("usage: truncate path size", 2)
	}
	size, err := strconv.ParseUint(ctx.Args().Get(1), 10, 32)
	if err != nil {
		return cli.Exit("bad size", 2)
	}
	return withFS(0, func(fs *v6fs.V6FS) error {
		tx := fs.Begin()
		defer tx.Commit()
		ip, err := fs.NameI(ctx.Args().Get(0), layout.RootInumber)
		if err != nil {
			return err
		}
		if ip == nil {
			return fmt.Errorf("%s: not found", ctx.Args().Get(0))
		}
		defer fs.IPut(ip)
		return ip.Truncate(uint32(size), v6fs.Log)
	})
}

func cmdBlock(ctx *cli.Context) error {
	if ctx.NArg() != 1 {
		return cli.Exit("usage: block blockno", 2)
	}
	bn, err := strconv.ParseUint(ctx.Args().Get(0), 10, 16)
	if err != nil {
		return cli.Exit("bad block number", 2)
	}
	return withFS(v6fs.RDONLY, func(fs *v6fs.V6FS) error {
		bp, err := fs.Bread(layout.Bnum(bn))
		if err != nil {
			return err
		}
		defer fs.Brelse(bp)
		for off := 0; off < int(layout.SectorSize); off += 16 {
			fmt.Printf("%04x ", off)
			for i := 0; i < 16; i++ {
				fmt.Printf(" %02x", bp.Mem[off+i])
			}
			fmt.Print("  ")
			for i := 0; i < 16; i++ {
				c := bp.Mem[off+i]
				if c < 32 || c > 126 {
					c = '.'
				}
				fmt.Printf("%c", c)
			}
			fmt.Println()
		}
		return nil
	})
}

func cmdIblock(ctx *cli.Context) error {
	if ctx.NArg() != 1 {
		return cli.Exit("usage: iblock inum", 2)
	}
	inum, err := strconv.ParseUint(ctx.Args().Get(0), 10, 16)
	if err != nil {
		return cli.Exit("bad inumber", 2)
	}
	return withFS(v6fs.RDONLY, func(fs *v6fs.V6FS) error {
		ip, err := fs.Iget(layout.Inum(inum))
		if err != nil {
			return err
		}
		defer fs.IPut(ip)
		large := ""
		if ip.IsLarge() {
			large = " (large)"
		}
		fmt.Printf("inode %d%s: i_addr %v\n", ip.Inum(), large, ip.Addr)
		return nil
	})
}

func dumpDir(fs *v6fs.V6FS, ip *v6fs.Inode, seen map[layout.Inum]bool) error {
	if seen[ip.Inum()] {
		return nil
	}
	seen[ip.Inum()] = true
	fmt.Printf(">>> directory entries in inode %d\n", ip.Inum())
	ents, err := v6fs.DirEntries(ip)
	if err != nil {
		return err
	}
	for _, e := range ents {
		fmt.Printf("%5d  %s\n", e.Inum, e.Name)
	}
	for _, e := range ents {
		if e.Name == "." || e.Name == ".." {
			continue
		}
		child, err := fs.Iget(e.Inum)
		if err != nil {
			return err
		}
		if child.IsDir() {
			if err := dumpDir(fs, child, seen); err != nil {
				fs.IPut(child)
				return err
			}
		}
		fs.IPut(child)
	}
	return nil
}

func cmdDump(ctx *cli.Context) error {
	return withFS(v6fs.RDONLY, func(fs *v6fs.V6FS) error {
		root, err := fs.Iget(layout.RootInumber)
		if err != nil {
			return err
		}
		defer fs.IPut(root)
		return dumpDir(fs, root, make(map[layout.Inum]bool))
	})
}

// markBlocks claims all blocks reachable from ip in used.
func markBlocks(fs *v6fs.V6FS, ip *v6fs.Inode, used gobitmap.Bitmap) error {
	if ip.IsSpecial() || !ip.IsAlloc() {
		return nil
	}
	nblocks := uint32(util.RoundUp(uint64(ip.Size()), uint64(layout.SectorSize)))
	if ip.IsLarge() {
		for _, bn := range ip.Addr {
			if bn != 0 {
				used.Set(int(bn), true)
			}
		}
		if ip.Addr[layout.IAddrSize-1] != 0 {
			bp, err := fs.Bread(layout.Bnum(ip.Addr[layout.IAddrSize-1]))
			if err != nil {
				return err
			}
			for i := uint32(0); i < layout.IndblkSize; i++ {
				if bn := bp.GetU16(i); bn != 0 {
					used.Set(int(bn), true)
				}
			}
			fs.Brelse(bp)
		}
	}
	for lb := uint32(0); lb < nblocks; lb++ {
		bp, err := ip.GetBlock(lb, false)
		if err != nil {
			return err
		}
		if bp != nil {
			used.Set(int(bp.Blockno()), true)
			fs.Brelse(bp)
		}
	}
	return nil
}

func cmdUsedblocks(ctx *cli.Context) error {
	return withFS(v6fs.RDONLY, func(fs *v6fs.V6FS) error {
		used := gobitmap.New(int(fs.SB.Fsize))
		end := layout.Inum(uint32(fs.SB.Isize) * layout.InodesPerBlock)
		for i := layout.RootInumber; i <= end; i++ {
			ip, err := fs.Iget(i)
			if err != nil {
				return err
			}
			err = markBlocks(fs, ip, used)
			fs.IPut(ip)
			if err != nil {
				return err
			}
		}
		count := 0
		tbl := table.New("blockno")
		for bn := int(fs.SB.Datastart()); bn < int(fs.SB.Fsize); bn++ {
			if used.Get(bn) {
				tbl.AddRow(bn)
				count++
			}
		}
		tbl.Print()
		fmt.Printf("%d blocks in use\n", count)
		return nil
	})
}

func cmdUsedinodes(ctx *cli.Context) error {
	return withFS(v6fs.RDONLY, func(fs *v6fs.V6FS) error {
		tbl := table.New("inum", "mode", "nlink", "size")
		count := 0
		end := layout.Inum(uint32(fs.SB.Isize) * layout.InodesPerBlock)
		for i := layout.RootInumber; i <= end; i++ {
			ip, err := fs.Iget(i)
			if err != nil {
				return err
			}
			if ip.IsAlloc() {
				tbl.AddRow(ip.Inum(), modeString(ip.Mode), ip.Nlink, ip.Size())
				count++
			}
			fs.IPut(ip)
		}
		tbl.Print()
		fmt.Printf("%d inodes in use\n", count)
		return nil
	})
}

func cmdDeface(ctx *cli.Context) error {
	if ctx.NArg() != 3 {
		return cli.Exit("usage: deface blockno offset byte", 2)
	}
	bn, err1 := strconv.ParseUint(ctx.Args().Get(0), 10, 32)
	off, err2 := strconv.ParseUint(ctx.Args().Get(1), 10, 32)
	val, err3 := strconv.ParseUint(ctx.Args().Get(2), 0, 8)
	if err1 != nil || err2 != nil || off >= uint64(layout.SectorSize) || err3 != nil {
		return cli.Exit("bad argument", 2)
	}
	f, err := os.OpenFile(imagePath(), os.O_RDWR, 0)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := dev.WriteAt(f, int64(bn)*int64(layout.SectorSize)+int64(off),
		[]byte{byte(val)}); err != nil {
		return err
	}
	fmt.Printf("defaced block %d offset %d\n", bn, off)
	return nil
}
