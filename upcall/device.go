// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package upcall

import (
	"container/list"
	"context"
	"sync/atomic"
	"time"

	"github.com/NVIDIA/pvfsdev/blunder"
	"github.com/NVIDIA/pvfsdev/bufmap"
	"github.com/NVIDIA/pvfsdev/devproto"
	"github.com/NVIDIA/pvfsdev/logger"
)

// Device is the service process's end of a Dispatcher
type Device struct {
	dispatcher  *Dispatcher
	nonBlocking bool
	closed      int32 // updated atomically
	closedChan  chan struct{}
}

func (dispatcher *Dispatcher) openDevice(nonBlocking bool) (device *Device, err error) {
	if !atomic.CompareAndSwapInt32(&dispatcher.deviceOpen, 0, 1) {
		err = blunder.NewError(blunder.DevBusyError, "dispatcher %s device is already open", dispatcher.config.Name)
		return
	}

	device = &Device{
		dispatcher:  dispatcher,
		nonBlocking: nonBlocking,
		closedChan:  make(chan struct{}),
	}

	logger.Infof("dispatcher %s device opened (nonBlocking: %v)", dispatcher.config.Name, nonBlocking)

	err = nil
	return
}

func (device *Device) read(ctx context.Context, buf []byte) (n int, err error) {
	var (
		message []byte
		op      *Op
	)

	if 0 != atomic.LoadInt32(&device.closed) {
		err = blunder.NewError(blunder.BadFileError, "device is closed")
		return
	}
	if len(buf) < device.dispatcher.config.MaxUpcallSize {
		err = blunder.NewError(blunder.InvalidArgError, "read buffer of %d bytes is smaller than MaxUpsize (%d)", len(buf), device.dispatcher.config.MaxUpcallSize)
		return
	}

	op, message, err = device.dispatcher.dequeue(ctx, device.nonBlocking, device.closedChan)
	if (nil != err) || (nil == op) {
		return
	}

	n = copy(buf, message)

	logger.Tracef("device read %v op (%d bytes)", op.Upcall.Type, n)

	err = nil
	return
}

func (device *Device) write(msg []byte) (n int, err error) {
	var (
		dispatcher = device.dispatcher
		downcall   *devproto.Downcall
		op         *Op
		tag        uint64
	)

	if 0 != atomic.LoadInt32(&device.closed) {
		err = blunder.NewError(blunder.BadFileError, "device is closed")
		return
	}
	if len(msg) > dispatcher.config.MaxDowncallSize {
		dispatcher.stats.ProtocolMismatches.Increment()
		err = blunder.NewError(blunder.MessageTooLargeError, "response of %d bytes exceeds MaxDownsize (%d)", len(msg), dispatcher.config.MaxDowncallSize)
		return
	}

	tag, downcall, err = devproto.DecodeResponse(msg)
	if nil != err {
		dispatcher.stats.ProtocolMismatches.Increment()
		logger.WarnfWithError(err, "device write dropped undecodable response")
		return
	}

	n = len(msg)
	dispatcher.stats.Responses.Increment()
	dispatcher.stats.ResponseBytes.Add(uint64(n))

	op = dispatcher.table.lookupHold(Tag(tag))
	if nil == op {
		dispatcher.stats.UnmatchedResponses.Increment()
		logger.Warnf("device write dropped %v response for unknown tag %d", downcall.Type, tag)
		err = nil
		return
	}
	defer op.Release()

	op.Lock()

	state, ok := op.state.(stateInProgress)
	if !ok || (Tag(tag) != op.tag) {
		op.Unlock()
		dispatcher.stats.UnmatchedResponses.Increment()
		logger.Warnf("device write dropped %v response for tag %d no longer in flight", downcall.Type, tag)
		err = nil
		return
	}
	if downcall.Type != op.Upcall.Type {
		op.Unlock()
		dispatcher.stats.ProtocolMismatches.Increment()
		logger.Errorf("device write dropped %v response for %v op tag %d", downcall.Type, op.Upcall.Type, tag)
		err = nil
		return
	}

	dispatcher.table.remove(op.tag)
	op.Downcall = *downcall
	op.state = state.service()
	close(op.serviced)

	if nil != op.async {
		completion := op.async.completion
		_, resultErr := op.resultLocked()
		op.Unlock()

		dispatcher.complete(op, completion, resultErr)

		err = nil
		return
	}

	waitForIOCompleted := (devproto.OpFileIO == op.Upcall.Type) && (0 == downcall.Status)
	ioCompleted := op.ioCompleted

	op.Unlock()

	if waitForIOCompleted {
		timer := time.NewTimer(dispatcher.config.OpTimeout)
		select {
		case <-ioCompleted:
		case <-timer.C:
			logger.Warnf("FILE_IO tag %d: caller did not release its buffer within %v", tag, dispatcher.config.OpTimeout)
		}
		timer.Stop()
	}

	err = nil
	return
}

// complete runs an async op's completion, then releases anyone waiting on it,
// then drops the completion path's reference.
func (dispatcher *Dispatcher) complete(op *Op, completion Completion, resultErr error) {
	if nil != completion {
		completion(op, resultErr)
	}

	op.Lock()
	op.closeIOCompleted()
	op.Unlock()

	op.Release()
}

func (device *Device) mapRegion(config *bufmap.Config) (bufMap *bufmap.BufMap, err error) {
	var (
		dispatcher = device.dispatcher
	)

	if 0 != atomic.LoadInt32(&device.closed) {
		err = blunder.NewError(blunder.BadFileError, "device is closed")
		return
	}

	dispatcher.bufMapLock.Lock()
	defer dispatcher.bufMapLock.Unlock()

	if nil != dispatcher.bufMap {
		err = blunder.NewError(blunder.DevBusyError, "dispatcher %s already has a mapped region", dispatcher.config.Name)
		return
	}

	bufMap, err = bufmap.Map(config)
	if nil != err {
		return
	}

	dispatcher.bufMap = bufMap

	err = nil
	return
}

func (device *Device) close() (err error) {
	var (
		bufMap     *bufmap.BufMap
		dispatcher = device.dispatcher
	)

	if !atomic.CompareAndSwapInt32(&device.closed, 0, 1) {
		err = blunder.NewError(blunder.BadFileError, "device already closed")
		return
	}

	close(device.closedChan)

	dispatcher.bufMapLock.Lock()
	bufMap = dispatcher.bufMap
	dispatcher.bufMap = nil
	dispatcher.bufMapLock.Unlock()

	if nil != bufMap {
		err = bufMap.Close()
		if nil != err {
			logger.WarnfWithError(err, "dispatcher %s bufmap close failed", dispatcher.config.Name)
		}
	}

	queuedPurged := dispatcher.purgeQueuedFileIO()
	purged := dispatcher.purgeInFlight()

	atomic.StoreInt32(&dispatcher.deviceOpen, 0)

	logger.Infof("dispatcher %s device closed; %d in-flight and %d queued FILE_IO ops purged", dispatcher.config.Name, purged, queuedPurged)

	err = nil
	return
}

// purgeQueuedFileIO pulls every Waiting FILE_IO op out of the queue and wakes
// its waiter. Their BufIndex names a slot of the region just unmapped.
func (dispatcher *Dispatcher) purgeQueuedFileIO() (purged int) {
	var (
		asyncOps []*Op
		element  *list.Element
		next     *list.Element
	)

	dispatcher.queueLock.Lock()

	for element = dispatcher.queue.Front(); nil != element; element = next {
		next = element.Next()

		op := element.Value.(*Op)
		if devproto.OpFileIO != op.Upcall.Type {
			continue
		}

		op.Lock()
		state, ok := op.state.(stateWaiting)
		if !ok || (state.element != element) {
			op.Unlock()
			continue
		}

		dispatcher.queue.Remove(element)
		op.state = state.unqueue()
		op.purged = true
		close(op.serviced)
		purged++

		if nil != op.async {
			op.async.err = blunder.NewError(blunder.IOError, "%v op tag %d purged from the queue by device close", op.Upcall.Type, op.tag)
			asyncOps = append(asyncOps, op)
		}
		op.Unlock()
	}

	dispatcher.queueLock.Unlock()

	for _, op := range asyncOps {
		op.Lock()
		completion := op.async.completion
		resultErr := op.async.err
		op.Unlock()
		dispatcher.complete(op, completion, resultErr)
	}
	return
}

// purgeInFlight returns every InProgress op to Unknown and wakes its waiter.
func (dispatcher *Dispatcher) purgeInFlight() (purged int) {
	for _, op := range dispatcher.table.snapshotHold() {
		op.Lock()
		state, ok := op.state.(stateInProgress)
		if !ok {
			op.Unlock()
			op.Release()
			continue
		}

		dispatcher.table.remove(op.tag)
		op.state = state.abandon()
		op.purged = true
		close(op.serviced)
		purged++

		if nil != op.async {
			op.async.err = blunder.NewError(blunder.IOError, "%v op tag %d purged by device close", op.Upcall.Type, op.tag)
			completion := op.async.completion
			resultErr := op.async.err
			op.Unlock()
			dispatcher.complete(op, completion, resultErr)
		} else {
			op.Unlock()
		}

		op.Release()
	}
	return
}
