// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package upcall

import (
	"time"

	"github.com/NVIDIA/pvfsdev/blunder"
	"github.com/NVIDIA/pvfsdev/devproto"
	"github.com/NVIDIA/pvfsdev/logger"
)

func (dispatcher *Dispatcher) submitAsync(op *Op, flags devproto.Flags, completion Completion) (err error) {
	op.AssertIsHeld()

	op.Lock()
	op.async = &asyncCtx{completion: completion}
	op.Unlock()

	// reference for the completion path
	op.Hold()

	err = dispatcher.enqueue(op, flags&^devproto.FlagInterruptible)
	if nil != err {
		op.Lock()
		op.async = nil
		op.Unlock()
		op.Release()
		return
	}

	dispatcher.stats.AsyncSubmits.Increment()

	err = nil
	return
}

func (dispatcher *Dispatcher) cancel(op *Op) (outcome CancelOutcome, amtComplete int64, err error) {
	var (
		ioCompleted <-chan struct{}
		tag         Tag
		timer       *time.Timer
	)

	// reference for the canceller
	op.Hold()
	defer op.Release()

	dispatcher.stats.Cancels.Increment()

	dispatcher.queueLock.Lock()
	op.Lock()

	if nil == op.async {
		op.Unlock()
		dispatcher.queueLock.Unlock()
		err = blunder.NewError(blunder.InvalidArgError, "%v op was not submitted asynchronously", op.Upcall.Type)
		return
	}

	op.async.cancelled = true
	tag = op.tag

	switch op.state.(type) {
	case stateWaiting:
		dispatcher.pullBack(op)
		op.async.err = blunder.NewError(blunder.InterruptedWaitError, "%v op tag %d cancelled before the service read it", op.Upcall.Type, tag)
		err = op.async.err
		op.closeIOCompleted()
		op.Unlock()
		dispatcher.queueLock.Unlock()

		// the completion path will never run
		op.Release()

		logger.Tracef("cancel removed queued %v op tag %d", op.Upcall.Type, tag)
		outcome = CancelRemoved
		return

	case stateInProgress:
		ioCompleted = op.ioCompleted
		op.Unlock()
		dispatcher.queueLock.Unlock()

		_ = dispatcher.issueCancel(tag)

	case stateServiced:
		ioCompleted = op.ioCompleted
		op.Unlock()
		dispatcher.queueLock.Unlock()

	default:
		err = op.async.err
		op.Unlock()
		dispatcher.queueLock.Unlock()
		if nil == err {
			err = blunder.NewError(blunder.InvalidArgError, "%v op has not been submitted", op.Upcall.Type)
			return
		}
		outcome = CancelCompleted
		return
	}

	// wait for any in-progress completion to finish
	timer = time.NewTimer(dispatcher.config.OpTimeout)
	defer timer.Stop()

	select {
	case <-ioCompleted:
		amtComplete, err = op.Result()
		outcome = CancelCompleted
	case <-timer.C:
		dispatcher.stats.CancelTimeouts.Increment()
		outcome = CancelTimedOut
		err = blunder.NewError(blunder.TimeoutError, "cancel of %v op tag %d: no completion within %v", op.Upcall.Type, tag, dispatcher.config.OpTimeout)
		logger.WarnfWithError(err, "op remains in flight")
	}

	return
}
