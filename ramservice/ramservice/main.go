// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// The ramservice program attaches an in-memory service to a running pvfsdevd.
//
//   ramservice --config FILE [Section.Option=Value ...]
package main

import (
	"fmt"
	"os"

	"github.com/spf13/pflag"
	"golang.org/x/sys/unix"

	"github.com/NVIDIA/pvfsdev/ramservice"
)

func main() {
	var (
		confFile string
	)

	flagSet := pflag.NewFlagSet("ramservice", pflag.ContinueOnError)
	flagSet.StringVarP(&confFile, "config", "c", "", "path to the .conf file (required)")

	err := flagSet.Parse(os.Args[1:])
	if nil != err {
		if pflag.ErrHelp == err {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "ramservice: %v\n", err)
		os.Exit(2)
	}
	if "" == confFile {
		fmt.Fprintf(os.Stderr, "ramservice: no .conf file specified\n")
		os.Exit(2)
	}

	doneChan := make(chan bool, 1) // Must be buffered to avoid race

	go ramservice.Daemon(confFile, flagSet.Args(), nil, doneChan, unix.SIGINT, unix.SIGTERM, unix.SIGHUP)

	_ = <-doneChan
}
