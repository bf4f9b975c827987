// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package ramservice

import (
	"context"
	"log"
	"os"
	"os/signal"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/NVIDIA/pvfsdev/bufmap"
	"github.com/NVIDIA/pvfsdev/conf"
	"github.com/NVIDIA/pvfsdev/logger"
)

const (
	dialRetryDelay = 100 * time.Millisecond
	dialRetryLimit = 100
)

func dialWithRetry(socketPath string) (device *SocketDevice, err error) {
	for attempt := 0; attempt < dialRetryLimit; attempt++ {
		device, err = Dial(socketPath)
		if nil == err {
			return
		}
		log.Printf("failed to attach to %s: %v", socketPath, err)
		time.Sleep(dialRetryDelay)
	}
	return
}

func computeConfMap(confFile string, confStrings []string) (confMap conf.ConfMap, err error) {
	confMap, err = conf.MakeConfMapFromFile(confFile)
	if nil != err {
		return
	}
	err = confMap.UpdateFromStrings(confStrings)
	return
}

// Daemon runs an emulated service process attached to the device socket named
// by Daemon.SocketPath. The region named by [BufMap] must be file-backed so
// both processes can map it. Daemon exits when one of signals other than
// SIGHUP arrives; SIGHUP reloads the [RAMService] options.
func Daemon(confFile string, confStrings []string, signalHandlerIsArmedWG *sync.WaitGroup, doneChan chan bool, signals ...os.Signal) {
	var (
		bufMapConfig   *bufmap.Config
		cancel         context.CancelFunc
		confMap        conf.ConfMap
		ctx            context.Context
		device         *SocketDevice
		err            error
		serveDone      chan error
		service        *Service
		serviceConfig  *Config
		signalChan     chan os.Signal
		signalReceived os.Signal
		socketPath     string
	)

	// Compute confMap

	confMap, err = computeConfMap(confFile, confStrings)
	if nil != err {
		log.Fatalf("failed to load config: %v", err)
	}

	err = logger.Up(confMap)
	if nil != err {
		log.Fatalf("logger.Up() failed: %v", err)
	}

	socketPath, err = confMap.FetchOptionValueString("Daemon", "SocketPath")
	if nil != err {
		log.Fatalf("failed fetch of Daemon.SocketPath: %v", err)
	}

	serviceConfig, err = ParseConfMap(confMap)
	if nil != err {
		log.Fatalf("failed to parse [RAMService]: %v", err)
	}

	bufMapConfig, err = bufmap.ParseConfMap(confMap)
	if nil != err {
		log.Fatalf("failed to parse [BufMap]: %v", err)
	}
	if "" == bufMapConfig.BackingFilePath {
		log.Fatalf("BufMap.BackingFilePath must be set")
	}

	service, err = New(serviceConfig)
	if nil != err {
		log.Fatalf("failed to create service: %v", err)
	}

	// Attach to pvfsdevd and map the shared region

	device, err = dialWithRetry(socketPath)
	if nil != err {
		log.Fatalf("failed to attach to %s: %v", socketPath, err)
	}

	bufMap, err := device.Map(bufMapConfig)
	if nil != err {
		log.Fatalf("failed to map %s: %v", bufMapConfig.BackingFilePath, err)
	}

	service.Attach(bufMap)

	ctx, cancel = context.WithCancel(context.Background())
	serveDone = make(chan error, 1)

	go func() {
		serveDone <- service.Serve(ctx, device)
	}()

	// A freshly started service knows nothing of existing mounts

	err = device.RemountAll()
	if nil != err {
		logger.WarnfWithError(err, "RemountAll failed")
	}

	// Arm signal handler used to indicate termination and wait on it
	//
	// Note: signalled chan must be buffered to avoid race with window between
	// arming handler and blocking on the chan read

	signalChan = make(chan os.Signal, 1)

	signal.Notify(signalChan, signals...)

	if nil != signalHandlerIsArmedWG {
		signalHandlerIsArmedWG.Done()
	}

	// Await a signal - reloading confFile each SIGHUP - exiting otherwise

	for {
		select {
		case signalReceived = <-signalChan:
		case err = <-serveDone:
			if nil != err {
				logger.WarnfWithError(err, "device socket lost")
			}
			serveDone = nil
			continue
		}

		if unix.SIGHUP == signalReceived {
			confMap, err = computeConfMap(confFile, confStrings)
			if nil != err {
				log.Fatalf("failed to load updated config: %v", err)
			}

			serviceConfig, err = ParseConfMap(confMap)
			if nil != err {
				log.Fatalf("failed to parse updated [RAMService]: %v", err)
			}

			service.Reconfigure(serviceConfig)

			logger.Infof("reloaded [RAMService] options")
		} else {
			// signalReceived either SIGINT or SIGTERM... so just exit

			cancel()
			_ = device.Close()
			if nil != serveDone {
				<-serveDone
			}
			service.Close()

			err = logger.Down(confMap)
			if nil != err {
				log.Printf("logger.Down() failed: %v", err)
			}

			doneChan <- true

			return
		}
	}
}
