// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package pvfsdevd

import (
	"context"
	"io"
	"net"
	"os"
	"sync"

	"github.com/NVIDIA/pvfsdev/blunder"
	"github.com/NVIDIA/pvfsdev/bufmap"
	"github.com/NVIDIA/pvfsdev/devproto"
	"github.com/NVIDIA/pvfsdev/logger"
	"github.com/NVIDIA/pvfsdev/trackedlock"
	"github.com/NVIDIA/pvfsdev/upcall"
)

// bridgeStruct connects one service process on the device socket to the Dispatcher's Device
type bridgeStruct struct {
	conn      net.Conn
	device    *upcall.Device
	writeLock trackedlock.Mutex // serializes frames written to conn
	ctx       context.Context
	cancel    context.CancelFunc
	detached  context.Context // cancelled once the Device is closed
	detach    context.CancelFunc
	wg        sync.WaitGroup // pump and control handlers
}

func startSocketListener() (err error) {
	// a previous run may have left its socket behind
	err = os.Remove(globals.socketPath)
	if (nil != err) && !os.IsNotExist(err) {
		err = blunder.AddError(err, blunder.FileExistsError)
		return
	}

	globals.socketListener, err = net.Listen("unix", globals.socketPath)
	if nil != err {
		err = blunder.AddError(err, blunder.NoDeviceError)
		return
	}

	globals.wg.Add(1)
	go acceptLoop(globals.socketListener)

	err = nil
	return
}

func stopSocketListener() {
	globals.Lock()
	globals.closing = true
	listener := globals.socketListener
	bridge := globals.bridge
	globals.socketListener = nil
	globals.Unlock()

	if nil == listener {
		return
	}

	_ = listener.Close()
	if nil != bridge {
		// the bridge goroutine notices and cleans up
		_ = bridge.conn.Close()
	}

	_ = os.Remove(globals.socketPath)
}

func acceptLoop(listener net.Listener) {
	defer globals.wg.Done()

	for {
		conn, err := listener.Accept()
		if nil != err {
			globals.Lock()
			closing := globals.closing
			globals.Unlock()
			if closing {
				return
			}
			logger.WarnfWithError(err, "accept on %s failed", globals.socketPath)
			continue
		}

		device, err := globals.dispatcher.OpenDevice(false)
		if nil != err {
			logger.WarnfWithError(err, "refusing second service connection")
			_ = conn.Close()
			continue
		}

		bridge := &bridgeStruct{conn: conn, device: device}
		bridge.ctx, bridge.cancel = context.WithCancel(context.Background())
		bridge.detached, bridge.detach = context.WithCancel(context.Background())

		globals.Lock()
		if globals.closing {
			globals.Unlock()
			_ = device.Close()
			_ = conn.Close()
			return
		}
		globals.bridge = bridge
		globals.Unlock()

		logger.Infof("service attached on %s", globals.socketPath)

		globals.wg.Add(1)
		go bridge.run()
	}
}

func (bridge *bridgeStruct) writeFrame(kind devproto.FrameKind, body []byte) (err error) {
	bridge.writeLock.Lock()
	err = devproto.WriteFrame(bridge.conn, kind, body)
	bridge.writeLock.Unlock()
	return
}

// pump forwards request messages from the Device to the service process
func (bridge *bridgeStruct) pump() {
	defer bridge.wg.Done()

	buf := make([]byte, bridge.device.MaxUpsize())

	for {
		n, err := bridge.device.Read(bridge.ctx, buf)
		if nil != err {
			if nil == bridge.ctx.Err() {
				logger.WarnfWithError(err, "device read failed")
				_ = bridge.conn.Close()
			}
			return
		}
		if 0 == n {
			continue
		}

		err = bridge.writeFrame(devproto.FrameKindRequest, buf[:n])
		if nil != err {
			logger.WarnfWithError(err, "forwarding request to service failed")
			_ = bridge.conn.Close()
			return
		}
	}
}

// run reads frames from the service process until it disconnects, then closes the Device
func (bridge *bridgeStruct) run() {
	var (
		body     []byte
		err      error
		kind     devproto.FrameKind
		maxFrame = bridge.device.MaxDownsize()
	)

	defer globals.wg.Done()

	bridge.wg.Add(1)
	go bridge.pump()

	for {
		kind, body, err = devproto.ReadFrame(bridge.conn, maxFrame)
		if nil != err {
			if io.EOF != err {
				logger.TracefWithError(err, "device socket read ended")
			}
			break
		}

		switch kind {
		case devproto.FrameKindResponse:
			_, err = bridge.device.Write(body)
			if nil != err {
				logger.WarnfWithError(err, "response from service rejected")
			}
		case devproto.FrameKindControl:
			bridge.wg.Add(1)
			go bridge.control(body)
		default:
			logger.Warnf("dropped unexpected %v frame from service", kind)
		}
	}

	bridge.cancel()
	_ = bridge.conn.Close()

	// purges in-flight ops and fails any RemountAll still waiting
	err = bridge.device.Close()
	if nil != err {
		logger.WarnfWithError(err, "closing device failed")
	}
	bridge.detach()

	bridge.wg.Wait()

	globals.Lock()
	if bridge == globals.bridge {
		globals.bridge = nil
	}
	globals.Unlock()

	logger.Infof("service detached from %s", globals.socketPath)
}

func (bridge *bridgeStruct) control(body []byte) {
	var (
		bufMap       *bufmap.BufMap
		bufMapConfig *bufmap.Config
		err          error
		reply        *devproto.ControlReply
		replyBody    []byte
		request      devproto.ControlRequest
	)

	defer bridge.wg.Done()

	err = devproto.DecodeControl(body, &request)
	if nil != err {
		logger.WarnfWithError(err, "dropped undecodable control request")
		return
	}

	reply = &devproto.ControlReply{Op: request.Op}

	switch request.Op {
	case devproto.ControlGetInfo:
		reply.Magic = bridge.device.GetMagic()
		reply.MaxUpsize = uint32(bridge.device.MaxUpsize())
		reply.MaxDownsize = uint32(bridge.device.MaxDownsize())
		bufMap = globals.dispatcher.BufMap()
		if nil != bufMap {
			reply.BlockSize = bufMap.BlockSize()
			reply.BlockCount = bufMap.BlockCount()
		}
	case devproto.ControlMap:
		globals.Lock()
		bufMapConfig, err = bufmap.ParseConfMap(globals.confMap)
		globals.Unlock()
		if nil == err {
			bufMapConfig.Name = "pvfsdevd"
			bufMapConfig.BackingFilePath = request.BackingFilePath
			bufMapConfig.BlockSize = request.BlockSize
			bufMapConfig.BlockCount = request.BlockCount
			bufMap, err = bridge.device.Map(bufMapConfig)
		}
		if nil == err {
			reply.BlockSize = bufMap.BlockSize()
			reply.BlockCount = bufMap.BlockCount()
			logger.Infof("mapped %s (%d slots of %d bytes)", request.BackingFilePath, reply.BlockCount, reply.BlockSize)
		}
	case devproto.ControlRemountAll:
		err = bridge.device.RemountAll(bridge.ctx)
	default:
		err = blunder.NewError(blunder.NotImplementedError, "control op %v", request.Op)
	}

	if nil != err {
		errno := blunder.Errno(err)
		if 0 >= errno {
			errno = int(blunder.IOError)
		}
		reply.Status = -int32(errno)
		reply.Message = err.Error()
		logger.WarnfWithError(err, "control %v failed", request.Op)
	}

	replyBody, err = devproto.EncodeControl(reply)
	if nil != err {
		logger.ErrorfWithError(err, "encoding %v reply failed", request.Op)
		return
	}

	err = bridge.writeFrame(devproto.FrameKindControlReply, replyBody)
	if nil != err {
		logger.WarnfWithError(err, "sending %v reply failed", request.Op)
	}
}
