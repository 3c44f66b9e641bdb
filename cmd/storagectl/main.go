package main

import (
	"log"
	"os"
	"time"

	"github.com/ruteri/leasestore/cmd/flags"
	"github.com/urfave/cli/v2"
)

var flagOut *cli.StringFlag = &cli.StringFlag{
	Name:  "out",
	Usage: "write the value to this file instead of stdout",
}

var flagFile *cli.StringFlag = &cli.StringFlag{
	Name:  "file",
	Usage: "read the value from this file instead of stdin",
}

var flagContentType *cli.StringFlag = &cli.StringFlag{
	Name:  "content-type",
	Value: "application/octet-stream",
	Usage: "content type recorded by backends that keep one",
}

var flagLock *cli.StringFlag = &cli.StringFlag{
	Name:  "lock",
	Usage: "hold this lock resource for the duration of the operation",
}

var flagTimeout *cli.DurationFlag = &cli.DurationFlag{
	Name:  "timeout",
	Usage: "lock acquisition timeout, the configured one when unset",
}

var flagHold *cli.DurationFlag = &cli.DurationFlag{
	Name:  "hold",
	Value: 0,
	Usage: "how long to hold the lock before releasing it, renewing as needed",
}

var flagMonitor *cli.BoolFlag = &cli.BoolFlag{
	Name:  "monitor",
	Value: true,
	Usage: "record per-operation metrics and serve /api/stats, /api/advice and /metrics",
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "storagectl",
		Usage: "Read, write and lock keys in a leasestore backend",
		Flags: flags.CommonFlags,
		Commands: []*cli.Command{
			{
				Name:      "get",
				Usage:     "Print the value stored under a key",
				ArgsUsage: "KEY",
				Flags:     []cli.Flag{flagOut},
				Action:    getAction,
			},
			{
				Name:      "put",
				Usage:     "Store a value under a key",
				ArgsUsage: "KEY",
				Flags:     []cli.Flag{flagFile, flagContentType, flagLock, flagTimeout},
				Action:    putAction,
			},
			{
				Name:      "exists",
				Usage:     "Report whether a key is present",
				ArgsUsage: "KEY",
				Action:    existsAction,
			},
			{
				Name:      "rm",
				Usage:     "Delete a key",
				ArgsUsage: "KEY",
				Flags:     []cli.Flag{flagLock, flagTimeout},
				Action:    rmAction,
			},
			{
				Name:      "ls",
				Usage:     "List keys under a prefix",
				ArgsUsage: "[PREFIX]",
				Action:    lsAction,
			},
			{
				Name:      "lock",
				Usage:     "Acquire a lock, hold it and release it",
				ArgsUsage: "RESOURCE",
				Flags:     []cli.Flag{flagTimeout, flagHold},
				Action:    lockAction,
			},
			{
				Name:   "serve",
				Usage:  "Serve the storage API, health checks and metrics over HTTP",
				Flags:  append([]cli.Flag{flagMonitor}, flags.ServerFlags...),
				Action: serveAction,
			},
		},
	}
}

func main() {
	app := newApp()
	app.Compiled = time.Now()
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
