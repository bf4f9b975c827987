// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package upcall

import (
	"context"
	"time"

	"github.com/NVIDIA/pvfsdev/blunder"
	"github.com/NVIDIA/pvfsdev/devproto"
	"github.com/NVIDIA/pvfsdev/logger"
	"github.com/NVIDIA/pvfsdev/utils"
)

type waitResult int

const (
	waitServiced waitResult = iota
	waitPurged
	waitTimedOut
	waitInterrupted
)

func (dispatcher *Dispatcher) service(ctx context.Context, op *Op, retries int, flags devproto.Flags) (err error) {
	var (
		ctxDone   <-chan struct{}
		retried   int
		stopwatch = utils.NewStopwatch()
		timer     *time.Timer
	)

	op.AssertIsHeld()

	if 0 > retries {
		err = blunder.NewError(blunder.InvalidArgError, "retries (%d) must not be negative", retries)
		return
	}

	if 0 != flags&devproto.FlagInterruptible {
		ctxDone = ctx.Done()
	}

	dispatcher.stats.Submits.Increment()

	defer func() {
		dispatcher.stats.ServiceUsec.Add(stopwatch.ElapsedUs())
	}()

	for {
		err = dispatcher.enqueue(op, flags)
		if nil != err {
			return
		}

		op.Lock()
		serviced := op.serviced
		tag := op.tag
		op.Unlock()

		timer = time.NewTimer(dispatcher.config.OpTimeout)

		var result waitResult

		select {
		case <-serviced:
			result = waitServiced
		case <-timer.C:
			result = waitTimedOut
		case <-ctxDone:
			result = waitInterrupted
		}

		timer.Stop()

		if waitServiced != result {
			// a response may have raced the timeout or the interrupt
			dispatcher.queueLock.Lock()
			op.Lock()
			if _, ok := op.state.(stateServiced); ok {
				result = waitServiced
			} else if op.purged {
				result = waitPurged
			}
		} else {
			dispatcher.queueLock.Lock()
			op.Lock()
			if op.purged {
				result = waitPurged
			}
		}

		switch result {
		case waitServiced:
			err = op.statusError()
			if nil != err {
				op.closeIOCompleted()
			}
			op.Unlock()
			dispatcher.queueLock.Unlock()
			if nil != err {
				dispatcher.stats.ServiceErrors.Increment()
			}
			logger.Tracef("%v op tag %d serviced (status %d)", op.Upcall.Type, tag, op.Downcall.Status)
			return

		case waitPurged:
			op.Unlock()
			dispatcher.queueLock.Unlock()
			dispatcher.stats.Purges.Increment()
			if devproto.OpFileIO == op.Upcall.Type {
				// its BufIndex names a slot of the unmapped region
				err = blunder.NewError(blunder.IOError, "%v op tag %d purged by device close", op.Upcall.Type, tag)
				return
			}
			if retried < retries {
				retried++
				dispatcher.stats.Retries.Increment()
				logger.Infof("%v op tag %d purged by device close; retry %d of %d", op.Upcall.Type, tag, retried, retries)
				continue
			}
			err = blunder.NewError(blunder.IOError, "%v op tag %d purged by device close after %d retries", op.Upcall.Type, tag, retried)
			return

		case waitTimedOut:
			dispatcher.pullBack(op)
			op.Unlock()
			dispatcher.queueLock.Unlock()
			if retried < retries {
				retried++
				dispatcher.stats.Retries.Increment()
				logger.Warnf("%v op tag %d timed out after %v; retry %d of %d", op.Upcall.Type, tag, dispatcher.config.OpTimeout, retried, retries)
				continue
			}
			dispatcher.stats.Timeouts.Increment()
			err = blunder.NewError(blunder.TimeoutError, "%v op tag %d timed out after %d retries", op.Upcall.Type, tag, retried)
			return

		default: // waitInterrupted
			previous := dispatcher.pullBack(op)
			op.Unlock()
			dispatcher.queueLock.Unlock()
			dispatcher.stats.Interrupts.Increment()
			if StateInProgress == previous {
				dispatcher.issueCancel(tag)
			}
			err = blunder.NewError(blunder.InterruptedWaitError, "%v op tag %d interrupted while %v: %v", op.Upcall.Type, tag, previous, ctx.Err())
			return
		}
	}
}

// issueCancel asks the service to abandon the op it holds under tag. The
// CANCEL upcall itself is neither retried nor interruptible.
func (dispatcher *Dispatcher) issueCancel(tag Tag) (err error) {
	var (
		cancelOp *Op
	)

	cancelOp, err = dispatcher.newOp(devproto.OpCancel)
	if nil != err {
		logger.ErrorfWithError(err, "unable to allocate CANCEL for tag %d", tag)
		return
	}
	defer cancelOp.Release()

	cancelOp.Upcall.Cancel = &devproto.CancelRequest{OpTag: uint64(tag)}

	dispatcher.stats.CancelUpcalls.Increment()

	err = dispatcher.service(context.Background(), cancelOp, 0, devproto.FlagCancellation|devproto.FlagPriority)
	if nil != err {
		logger.WarnfWithError(err, "CANCEL of tag %d failed", tag)
	}
	return
}
