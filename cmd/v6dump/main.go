package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/urfave/cli/v2"

	"github.com/mit-pdos/go-v6fs/dev"
	"github.com/mit-pdos/go-v6fs/layout"
	"github.com/mit-pdos/go-v6fs/v6fs"
)

func main() {
	app := &cli.App{
		Name:      "v6dump",
		Usage:     "decode the journal of a V6 file system image",
		ArgsUsage: "fs-image [offset | c]",
		Action:    run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx *cli.Context) error {
	if ctx.NArg() < 1 || ctx.NArg() > 2 {
		cli.ShowAppHelp(ctx)
		return cli.Exit("", 2)
	}
	startpos := 0
	if ctx.NArg() == 2 {
		arg := ctx.Args().Get(1)
		if arg == "c" {
			startpos = -1 // start from the checkpoint
		} else {
			n, err := strconv.Atoi(arg)
			if err != nil {
				return cli.Exit("bad offset", 2)
			}
			startpos = n
		}
	}
	return readLog(ctx.Args().Get(0), startpos)
}

func readLog(image string, startpos int) error {
	f, err := os.Open(image)
	if err != nil {
		return err
	}
	defer f.Close()

	sbbuf := make([]byte, layout.SectorSize)
	if err := dev.ReadBlock(f, uint32(layout.SuperblockSector), sbbuf); err != nil {
		return fmt.Errorf("can't read superblock: %w", err)
	}
	sb := layout.DecodeSuperblock(sbbuf)

	hdrbuf := make([]byte, layout.SectorSize)
	if err := dev.ReadBlock(f, uint32(sb.Fsize), hdrbuf); err != nil {
		return err
	}
	lh := layout.DecodeLoghdr(hdrbuf)
	if lh.Magic != layout.LogMagic || lh.Hdrblock != uint32(sb.Fsize) {
		return fmt.Errorf("invalid log header")
	}

	r := dev.NewReader(f)
	switch {
	case startpos < 0:
		r.Seek(lh.Checkpoint)
	case uint32(startpos) <= lh.Logstart()*layout.SectorSize:
		r.Seek(lh.Logstart() * layout.SectorSize)
	default:
		r.Seek(uint32(startpos))
	}

	// Walk forward, wrapping at most once, until the checkpoint
	// comes back around.
	above := true
	pos := r.Tell()
	for above || pos < lh.Checkpoint {
		fmt.Printf("[offset %d]\n", r.Tell())
		lsn, rec, err := v6fs.DecodeRecord(r)
		if err != nil {
			fmt.Printf("* Exiting because: %v\n", err)
			return nil
		}
		fmt.Println(v6fs.ShowRecord(lsn, rec, sb))
		if _, ok := rec.(*v6fs.RecRewind); ok {
			r.Seek(lh.Logstart() * layout.SectorSize)
		}
		newpos := r.Tell()
		if newpos < pos {
			above = false
		}
		pos = newpos
	}
	return nil
}
