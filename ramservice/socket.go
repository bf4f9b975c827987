// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package ramservice

import (
	"context"
	"io"
	"net"
	"sync"

	"github.com/NVIDIA/pvfsdev/blunder"
	"github.com/NVIDIA/pvfsdev/bufmap"
	"github.com/NVIDIA/pvfsdev/devproto"
	"github.com/NVIDIA/pvfsdev/logger"
	"github.com/NVIDIA/pvfsdev/trackedlock"
)

// maxFrameBody bounds any frame body read from the socket
const maxFrameBody = 1024 * 1024

// SocketDevice is a Device reached over pvfsdevd's device socket
type SocketDevice struct {
	conn        net.Conn
	writeLock   trackedlock.Mutex // serializes frames written to conn
	controlLock trackedlock.Mutex // one control exchange at a time
	requests    chan []byte
	replies     chan *devproto.ControlReply
	done        chan struct{} // closed when the frame reader exits
	closing     chan struct{} // closed by Close
	closeOnce   sync.Once
	readErr     error // valid once done is closed
	maxUpsize   int
	maxDownsize int
	bufMap      *bufmap.BufMap
}

// Dial connects to pvfsdevd's device socket and queries the message limits.
func Dial(socketPath string) (device *SocketDevice, err error) {
	var (
		conn  net.Conn
		reply *devproto.ControlReply
	)

	conn, err = net.Dial("unix", socketPath)
	if nil != err {
		err = blunder.AddError(err, blunder.NoDeviceError)
		return
	}

	device = &SocketDevice{
		conn:     conn,
		requests: make(chan []byte, 64),
		replies:  make(chan *devproto.ControlReply, 1),
		done:     make(chan struct{}),
		closing:  make(chan struct{}),
	}

	go device.frameReader()

	reply, err = device.control(&devproto.ControlRequest{Op: devproto.ControlGetInfo})
	if nil != err {
		_ = device.Close()
		device = nil
		return
	}
	if devproto.Magic != reply.Magic {
		_ = device.Close()
		device = nil
		err = blunder.NewError(blunder.ProtocolMismatchError, "device magic 0x%08X", reply.Magic)
		return
	}

	device.maxUpsize = int(reply.MaxUpsize)
	device.maxDownsize = int(reply.MaxDownsize)

	logger.Infof("attached to %s (MaxUpsize %d, MaxDownsize %d)", socketPath, device.maxUpsize, device.maxDownsize)

	err = nil
	return
}

func (device *SocketDevice) frameReader() {
	var (
		body []byte
		err  error
		kind devproto.FrameKind
	)

	defer close(device.done)

	for {
		kind, body, err = devproto.ReadFrame(device.conn, maxFrameBody)
		if nil != err {
			if io.EOF != err {
				logger.WarnfWithError(err, "device socket read failed")
			}
			device.readErr = err
			return
		}

		switch kind {
		case devproto.FrameKindRequest:
			select {
			case device.requests <- body:
			case <-device.closing:
				return
			}
		case devproto.FrameKindControlReply:
			reply := &devproto.ControlReply{}
			err = devproto.DecodeControl(body, reply)
			if nil != err {
				logger.WarnfWithError(err, "dropped undecodable control reply")
				continue
			}
			select {
			case device.replies <- reply:
			case <-device.closing:
				return
			}
		default:
			logger.Warnf("dropped unexpected %v frame", kind)
		}
	}
}

func (device *SocketDevice) writeFrame(kind devproto.FrameKind, body []byte) (err error) {
	device.writeLock.Lock()
	err = devproto.WriteFrame(device.conn, kind, body)
	device.writeLock.Unlock()
	if nil != err {
		err = blunder.AddError(err, blunder.IOError)
	}
	return
}

func (device *SocketDevice) control(request *devproto.ControlRequest) (reply *devproto.ControlReply, err error) {
	var (
		body []byte
	)

	body, err = devproto.EncodeControl(request)
	if nil != err {
		return
	}

	device.controlLock.Lock()
	defer device.controlLock.Unlock()

	err = device.writeFrame(devproto.FrameKindControl, body)
	if nil != err {
		return
	}

	select {
	case reply = <-device.replies:
	case <-device.done:
		err = blunder.NewError(blunder.BadFileError, "device socket closed awaiting %v reply", request.Op)
		return
	}

	if 0 != reply.Status {
		err = blunder.NewServiceError(reply.Status, "%v failed: %s", request.Op, reply.Message)
		return
	}

	err = nil
	return
}

// Read returns the next request message
func (device *SocketDevice) Read(ctx context.Context, buf []byte) (n int, err error) {
	select {
	case body := <-device.requests:
		if len(body) > len(buf) {
			err = blunder.NewError(blunder.MessageTooLargeError, "request of %d bytes exceeds buffer of %d", len(body), len(buf))
			return
		}
		n = copy(buf, body)
	case <-device.done:
		err = blunder.NewError(blunder.BadFileError, "device socket closed: %v", device.readErr)
	case <-ctx.Done():
		err = blunder.NewError(blunder.InterruptedWaitError, "device read interrupted: %v", ctx.Err())
	}
	return
}

// Write sends a response message
func (device *SocketDevice) Write(msg []byte) (n int, err error) {
	if len(msg) > device.maxDownsize {
		err = blunder.NewError(blunder.MessageTooLargeError, "response of %d bytes exceeds MaxDownsize (%d)", len(msg), device.maxDownsize)
		return
	}
	err = device.writeFrame(devproto.FrameKindResponse, msg)
	if nil == err {
		n = len(msg)
	}
	return
}

// MaxUpsize returns the largest request message
func (device *SocketDevice) MaxUpsize() int {
	return device.maxUpsize
}

// MaxDownsize returns the largest response message
func (device *SocketDevice) MaxDownsize() int {
	return device.maxDownsize
}

// Map asks pvfsdevd to map a file-backed region described by config, then
// maps the same file locally. config.BackingFilePath must be set.
func (device *SocketDevice) Map(config *bufmap.Config) (bufMap *bufmap.BufMap, err error) {
	if "" == config.BackingFilePath {
		err = blunder.NewError(blunder.InvalidArgError, "a region shared over the device socket must be file-backed")
		return
	}

	_, err = device.control(&devproto.ControlRequest{
		Op:              devproto.ControlMap,
		BackingFilePath: config.BackingFilePath,
		BlockSize:       config.BlockSize,
		BlockCount:      config.BlockCount,
	})
	if nil != err {
		return
	}

	bufMap, err = bufmap.Map(config)
	if nil != err {
		return
	}

	device.bufMap = bufMap

	err = nil
	return
}

// RemountAll asks pvfsdevd to re-issue FS_MOUNT for every registered mount.
// The Service must already be answering requests.
func (device *SocketDevice) RemountAll() (err error) {
	_, err = device.control(&devproto.ControlRequest{Op: devproto.ControlRemountAll})
	return
}

// Close disconnects; pvfsdevd then closes its device.
func (device *SocketDevice) Close() (err error) {
	device.closeOnce.Do(func() {
		close(device.closing)
		err = device.conn.Close()
		<-device.done
		if nil != device.bufMap {
			_ = device.bufMap.Close()
		}
	})
	return
}
