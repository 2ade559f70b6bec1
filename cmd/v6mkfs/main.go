package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/urfave/cli/v2"

	"github.com/mit-pdos/go-v6fs/v6fs"
)

func main() {
	app := &cli.App{
		Name:      "v6mkfs",
		Usage:     "create a V6 file system image",
		ArgsUsage: "file.img [#sectors [#inodes [#journal-blocks]]]",
		Action:    mkfs,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func mkfs(ctx *cli.Context) error {
	if ctx.NArg() < 1 || ctx.NArg() > 4 {
		cli.ShowAppHelp(ctx)
		return cli.Exit("", 2)
	}
	target := ctx.Args().Get(0)

	nblocks := 0xffff
	if ctx.NArg() >= 2 {
		n, err := strconv.Atoi(ctx.Args().Get(1))
		if err != nil || n <= 0 {
			return cli.Exit("bad sector count", 2)
		}
		if n > 0xffff {
			n = 0xffff
		}
		nblocks = n
	}

	ninodes := nblocks / 4
	if ctx.NArg() >= 3 {
		n, err := strconv.Atoi(ctx.Args().Get(2))
		if err != nil || n < 1 {
			return cli.Exit("bad inode count", 2)
		}
		if n > nblocks {
			n = nblocks
		}
		ninodes = n
	}

	logBlocks := -1
	if ctx.NArg() >= 4 {
		n, err := strconv.Atoi(ctx.Args().Get(3))
		if err != nil || n < 0 {
			return cli.Exit("bad journal size", 2)
		}
		logBlocks = n
	}

	f, err := os.OpenFile(target, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o666)
	if err != nil {
		return err
	}
	defer f.Close()

	return v6fs.Mkfs(f, v6fs.MkDefaultCache(), uint32(nblocks), uint32(ninodes), logBlocks)
}
