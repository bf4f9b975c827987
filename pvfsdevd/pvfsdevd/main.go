// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// The pvfsdevd program hosts the upcall dispatcher and its device socket.
//
//   pvfsdevd [--config FILE] [--dump-config] [Section.Option=Value ...]
package main

import (
	"fmt"
	"os"
	"sync"

	"github.com/spf13/pflag"
	"golang.org/x/sys/unix"

	"github.com/NVIDIA/pvfsdev/conf"
	"github.com/NVIDIA/pvfsdev/pvfsdevd"
)

func main() {
	var (
		confFile   string
		dumpConfig bool
	)

	flagSet := pflag.NewFlagSet("pvfsdevd", pflag.ContinueOnError)
	flagSet.StringVarP(&confFile, "config", "c", "", "path to the .conf file")
	flagSet.BoolVar(&dumpConfig, "dump-config", false, "print the effective configuration and exit")

	err := flagSet.Parse(os.Args[1:])
	if nil != err {
		if pflag.ErrHelp == err {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "pvfsdevd: %v\n", err)
		os.Exit(2)
	}

	confStrings := flagSet.Args()

	if dumpConfig {
		confMap := conf.MakeConfMap()
		if "" != confFile {
			err = confMap.UpdateFromFile(confFile)
		}
		if nil == err {
			err = confMap.UpdateFromStrings(confStrings)
		}
		if nil != err {
			fmt.Fprintf(os.Stderr, "pvfsdevd: %v\n", err)
			os.Exit(1)
		}
		fmt.Print(confMap.Dump())
		return
	}

	errChan := make(chan error, 1) // Must be buffered to avoid race
	var wg sync.WaitGroup

	go pvfsdevd.Daemon(confFile, confStrings, errChan, &wg, os.Args, unix.SIGINT, unix.SIGTERM, unix.SIGHUP)

	err = <-errChan
	if nil == err {
		// ready; the next value arrives once the Daemon has gone Down
		err = <-errChan
	}

	wg.Wait()

	if nil != err {
		fmt.Fprintf(os.Stderr, "pvfsdevd: Daemon(): returned error: %v\n", err)
		os.Exit(1)
	}
}
