package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/mit-pdos/go-v6fs/v6fs"
)

func main() {
	app := &cli.App{
		Name:      "v6apply",
		Usage:     "replay the journal of a V6 file system image",
		ArgsUsage: "fs-image",
		Action:    run,
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

	fs, err := v6fs.Open(ctx.Args().Get(0), v6fs.MkDefaultCache(), v6fs.NOLOG)
	if err != nil {
		return err
	}
	defer fs.Close()

	r, err := v6fs.MkReplay(fs)
	if err != nil {
		return err
	}
	return r.Replay()
}
