package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/mit-pdos/go-v6fs/fsck"
	"github.com/mit-pdos/go-v6fs/v6fs"
)

func main() {
	app := &cli.App{
		Name:      "v6fsck",
		Usage:     "check and repair a V6 file system image",
		ArgsUsage: "[-y] fs-image",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "y",
				Usage: "fix problems instead of only reporting them",
			},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx *cli.Context) error {
	if ctx.NArg() != 1 {
		cli.ShowAppHelp(ctx)
		return cli.Exit("", 2)
	}
	write := ctx.Bool("y")
	flags := v6fs.NOLOG
	if !write {
		flags |= v6fs.RDONLY
	}

	fs, err := v6fs.Open(ctx.Args().Get(0), v6fs.MkFSCache(30, 100), flags)
	if err != nil {
		return err
	}
	res, err := fsck.Run(fs, write, os.Stdout)
	if cerr := fs.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}
	if res != 0 {
		return cli.Exit("", res)
	}
	return nil
}
