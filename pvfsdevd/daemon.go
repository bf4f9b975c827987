// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package pvfsdevd hosts the upcall Dispatcher as a daemon.
//
// The daemon is configured by the following sections of the .conf file:
//
//   [Daemon]
//   SocketPath:        /var/run/pvfsdevd.sock
//   InProcessService:  false
//   HTTPServerIPAddr:  127.0.0.1
//   HTTPServerTCPPort: 15347
//   MountList:         scratch
//
//   [Dispatcher]
//   ...
//
//   [BufMap]
//   ...
//
//   [DirList]
//   ...
//
//   [StatsLogger]
//   Period: 10m
//
//   [Mount:scratch]
//   ConfigServer: tcp://meta0:3334/pvfs2-fs
//
// A service process connects to SocketPath, maps its shared buffer region and
// answers request messages. With InProcessService set, an in-memory service is
// run inside the daemon instead and the [RAMService] section applies.
package pvfsdevd

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/NVIDIA/pvfsdev/conf"
	"github.com/NVIDIA/pvfsdev/logger"
	"github.com/NVIDIA/pvfsdev/transitions"
)

// Daemon is launched as a goroutine. The parent reads errChan to learn when
// the Daemon is ready to handle the specified signal set; errors encountered
// before or after that point are also sent to errChan.
func Daemon(confFile string, confStrings []string, errChan chan error, wg *sync.WaitGroup, execArgs []string, signals ...os.Signal) {
	var (
		confMap        conf.ConfMap
		err            error
		signalReceived os.Signal
	)

	confMap, err = computeConfMap(confFile, confStrings)
	if nil != err {
		errChan <- err
		return
	}

	// buffered so a signal arriving before the loop below is not lost
	signalChan := make(chan os.Signal, 16)
	signal.Notify(signalChan, signals...)
	defer signal.Stop(signalChan)

	err = transitions.Up(confMap)
	if nil != err {
		errChan <- err
		return
	}
	wg.Add(1)
	logger.Infof("pvfsdevd is starting up (PID %d); invoked as '%s'", os.Getpid(), strings.Join(execArgs, "' '"))
	defer func() {
		logger.Infof("pvfsdevd is shutting down (PID %d)", os.Getpid())
		err = transitions.Down(confMap)
		if nil != err {
			logger.Errorf("transitions.Down() failed: %v", err)
		}
		errChan <- err
		wg.Done()
	}()

	errChan <- nil

	for {
		signalReceived = <-signalChan
		logger.Infof("Received signal: '%v'", signalReceived)

		if signalReceived == unix.SIGCHLD || signalReceived == unix.SIGURG ||
			signalReceived == unix.SIGWINCH || signalReceived == unix.SIGCONT ||
			signalReceived == unix.SIGPIPE {
			logger.Infof("Ignored signal: '%v'", signalReceived)
			continue
		}

		if unix.SIGHUP != signalReceived {
			if signalReceived != unix.SIGTERM && signalReceived != unix.SIGINT {
				logger.Errorf("pvfsdevd received unexpected signal: %v", signalReceived)
			}
			return
		}

		// SIGHUP: recompute confMap, picking up added and removed mounts
		confMap, err = computeConfMap(confFile, confStrings)
		if nil != err {
			logger.ErrorfWithError(err, "reload of %s failed; keeping the current configuration", confFile)
			continue
		}

		err = transitions.Signaled(confMap)
		if nil != err {
			err = fmt.Errorf("transitions.Signaled() failed: %v", err)
			errChan <- err
			return
		}
	}
}

func computeConfMap(confFile string, confStrings []string) (confMap conf.ConfMap, err error) {
	if "" == confFile {
		confMap = conf.MakeConfMap()
	} else {
		confMap, err = conf.MakeConfMapFromFile(confFile)
		if nil != err {
			return
		}
	}

	err = confMap.UpdateFromStrings(confStrings)
	return
}
