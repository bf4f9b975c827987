// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package pvfsdevd

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"sync"

	"github.com/NVIDIA/pvfsdev/blunder"
	"github.com/NVIDIA/pvfsdev/bufmap"
	"github.com/NVIDIA/pvfsdev/conf"
	"github.com/NVIDIA/pvfsdev/dirlist"
	"github.com/NVIDIA/pvfsdev/logger"
	"github.com/NVIDIA/pvfsdev/ramservice"
	"github.com/NVIDIA/pvfsdev/statslogger"
	"github.com/NVIDIA/pvfsdev/trackedlock"
	"github.com/NVIDIA/pvfsdev/transitions"
	"github.com/NVIDIA/pvfsdev/upcall"
)

const (
	DefaultHTTPServerIPAddr = "127.0.0.1"
)

type globalsStruct struct {
	trackedlock.Mutex //                    protects bridge, confMap and the in-process service fields
	confMap           conf.ConfMap
	socketPath        string
	httpServerIPAddr  string
	httpServerTCPPort uint16
	inProcessService  bool
	dispatcher        *upcall.Dispatcher
	lister            *dirlist.Lister
	socketListener    net.Listener
	closing           bool
	bridge            *bridgeStruct // the attached service process, if any
	inProcess         *ramservice.Service
	inProcessDevice   *upcall.Device
	inProcessCancel   context.CancelFunc
	inProcessDone     chan error
	httpListener      net.Listener
	httpServer        *http.Server
	wg                sync.WaitGroup // accept loop, bridges and HTTP server
}

var globals globalsStruct

func init() {
	transitions.Register("pvfsdevd", &globals)
}

func (dummy *globalsStruct) Up(confMap conf.ConfMap) (err error) {
	var (
		dirListConfig    *dirlist.Config
		dispatcherConfig *upcall.Config
	)

	globals.confMap = confMap
	globals.closing = false

	globals.inProcessService, err = confMap.FetchOptionValueBool("Daemon", "InProcessService")
	if nil != err {
		globals.inProcessService = false
	}

	globals.socketPath, err = confMap.FetchOptionValueString("Daemon", "SocketPath")
	if (nil != err) && !globals.inProcessService {
		err = blunder.NewError(blunder.InvalidArgError, "Daemon.SocketPath is required unless Daemon.InProcessService is set")
		return
	}

	globals.httpServerIPAddr, err = confMap.FetchOptionValueString("Daemon", "HTTPServerIPAddr")
	if nil != err {
		globals.httpServerIPAddr = DefaultHTTPServerIPAddr
	}
	globals.httpServerTCPPort, err = confMap.FetchOptionValueUint16("Daemon", "HTTPServerTCPPort")
	if nil != err {
		globals.httpServerTCPPort = 0
	}

	dispatcherConfig, err = upcall.ParseConfMap(confMap)
	if nil != err {
		return
	}
	dispatcherConfig.Name = "pvfsdevd"

	globals.dispatcher, err = upcall.NewDispatcher(dispatcherConfig)
	if nil != err {
		return
	}

	dirListConfig, err = dirlist.ParseConfMap(confMap)
	if nil != err {
		return
	}
	dirListConfig.Name = "pvfsdevd"

	globals.lister, err = dirlist.New(globals.dispatcher, dirListConfig)
	if nil != err {
		return
	}

	statslogger.RegisterGauge("FreeSlots", freeSlots)
	statslogger.RegisterGauge("QueueDepth", func() int64 { return int64(globals.dispatcher.QueueDepth()) })
	statslogger.RegisterGauge("InFlight", func() int64 { return int64(len(globals.dispatcher.InFlight())) })

	if globals.inProcessService {
		err = startInProcessService(confMap)
	} else {
		err = startSocketListener()
	}
	if nil != err {
		return
	}

	if 0 != globals.httpServerTCPPort {
		err = startHTTPServer(net.JoinHostPort(globals.httpServerIPAddr, strconv.Itoa(int(globals.httpServerTCPPort))))
		if nil != err {
			return
		}
	}

	logger.Infof("pvfsdevd is up (socket %q, in-process service %v)", globals.socketPath, globals.inProcessService)

	err = nil
	return
}

func freeSlots() int64 {
	bufMap := globals.dispatcher.BufMap()
	if nil == bufMap {
		return 0
	}
	return int64(bufMap.FreeCount())
}

func startInProcessService(confMap conf.ConfMap) (err error) {
	var (
		bufMap        *bufmap.BufMap
		bufMapConfig  *bufmap.Config
		ctx           context.Context
		serviceConfig *ramservice.Config
	)

	bufMapConfig, err = bufmap.ParseConfMap(confMap)
	if nil != err {
		return
	}
	serviceConfig, err = ramservice.ParseConfMap(confMap)
	if nil != err {
		return
	}

	globals.inProcessDevice, err = globals.dispatcher.OpenDevice(false)
	if nil != err {
		return
	}

	bufMap, err = globals.inProcessDevice.Map(bufMapConfig)
	if nil != err {
		_ = globals.inProcessDevice.Close()
		return
	}

	globals.inProcess, err = ramservice.New(serviceConfig)
	if nil != err {
		_ = globals.inProcessDevice.Close()
		return
	}
	globals.inProcess.Attach(bufMap)

	ctx, globals.inProcessCancel = context.WithCancel(context.Background())
	globals.inProcessDone = make(chan error, 1)

	go func(service *ramservice.Service, device *upcall.Device) {
		globals.inProcessDone <- service.Serve(ctx, device)
	}(globals.inProcess, globals.inProcessDevice)

	err = nil
	return
}

func stopInProcessService() {
	if nil == globals.inProcess {
		return
	}

	globals.inProcessCancel()
	err := <-globals.inProcessDone
	if nil != err {
		logger.WarnfWithError(err, "in-process service exited with error")
	}
	err = globals.inProcessDevice.Close()
	if nil != err {
		logger.WarnfWithError(err, "closing in-process device failed")
	}
	globals.inProcess.Close()

	globals.inProcess = nil
	globals.inProcessDevice = nil
}

// serviceAttached reports whether FS_MOUNT can be answered now
func serviceAttached() bool {
	globals.Lock()
	defer globals.Unlock()
	return (nil != globals.inProcess) || (nil != globals.bridge)
}

// serviceContext returns a context cancelled once the currently attached
// service detaches. With no service attached it is already cancelled.
func serviceContext() (ctx context.Context, cancel context.CancelFunc) {
	globals.Lock()
	bridge := globals.bridge
	inProcess := globals.inProcess
	globals.Unlock()

	switch {
	case nil != bridge:
		ctx, cancel = context.WithCancel(bridge.detached)
	case nil != inProcess:
		ctx, cancel = context.WithCancel(context.Background())
	default:
		ctx, cancel = context.WithCancel(context.Background())
		cancel()
	}
	return
}

func (dummy *globalsStruct) MountAdded(confMap conf.ConfMap, mountName string) (err error) {
	var (
		configServer string
	)

	configServer, err = confMap.FetchOptionValueString("Mount:"+mountName, "ConfigServer")
	if nil != err {
		return
	}

	err = globals.dispatcher.AddMount(mountName, configServer)
	if nil != err {
		return
	}

	if !serviceAttached() {
		logger.Infof("mount %s pending until a service attaches", mountName)
		return
	}

	_, err = globals.dispatcher.Mount(context.Background(), mountName)
	if nil != err {
		logger.WarnfWithError(err, "FS_MOUNT of %s failed; it stays pending", mountName)
		err = nil
	}
	return
}

func (dummy *globalsStruct) MountRemoved(confMap conf.ConfMap, mountName string) (err error) {
	// FS_UMOUNT is abandoned if the service goes away; only the registration is dropped
	ctx, cancel := serviceContext()
	defer cancel()

	err = globals.dispatcher.RemoveMount(ctx, mountName)
	if nil != err {
		logger.WarnfWithError(err, "removal of mount %s failed", mountName)
		err = nil
	}
	return
}

func (dummy *globalsStruct) SignaledStart(confMap conf.ConfMap) (err error) {
	return nil
}

// SignaledFinish applies new [RAMService] settings to an in-process service
func (dummy *globalsStruct) SignaledFinish(confMap conf.ConfMap) (err error) {
	var (
		serviceConfig *ramservice.Config
	)

	globals.Lock()
	globals.confMap = confMap
	service := globals.inProcess
	globals.Unlock()

	if nil == service {
		return nil
	}

	serviceConfig, err = ramservice.ParseConfMap(confMap)
	if nil != err {
		return
	}
	service.Reconfigure(serviceConfig)

	return nil
}

func (dummy *globalsStruct) Down(confMap conf.ConfMap) (err error) {
	stopHTTPServer()
	stopSocketListener()
	stopInProcessService()

	globals.wg.Wait()

	statslogger.UnRegisterGauge("FreeSlots")
	statslogger.UnRegisterGauge("QueueDepth")
	statslogger.UnRegisterGauge("InFlight")

	globals.lister.Close()

	err = globals.dispatcher.Close()
	if nil != err {
		return
	}

	logger.Infof("pvfsdevd is down")

	err = nil
	return
}
