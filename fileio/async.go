// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package fileio

import (
	"context"
	"io"

	"github.com/NVIDIA/pvfsdev/blunder"
	"github.com/NVIDIA/pvfsdev/bufmap"
	"github.com/NVIDIA/pvfsdev/devproto"
	"github.com/NVIDIA/pvfsdev/logger"
	"github.com/NVIDIA/pvfsdev/trackedlock"
	"github.com/NVIDIA/pvfsdev/upcall"
)

type asyncIO struct {
	lock     trackedlock.Mutex
	handle   *Handle
	op       *upcall.Op // the caller's reference, dropped by close()
	ioType   devproto.IOType
	buf      []byte
	done     chan struct{} // closed once n and err are final
	finished bool
	closed   bool
	n        int
	err      error
}

func (handle *Handle) submitAsync(ctx context.Context, ioType devproto.IOType, buf []byte, offset int64) (aio *AsyncIO, err error) {
	var (
		bufMap *bufmap.BufMap
		op     *upcall.Op
		slot   *bufmap.Slot
	)

	bufMap = handle.dispatcher.BufMap()
	if nil == bufMap {
		err = blunder.NewError(blunder.NoDeviceError, "no buffer region is mapped")
		return
	}
	if (0 == len(buf)) || (uint64(len(buf)) > bufMap.BlockSize()) {
		err = blunder.NewError(blunder.InvalidArgError, "async %v of %d bytes must fit in one %d byte slot", ioType, len(buf), bufMap.BlockSize())
		return
	}

	slot, err = handle.dispatcher.AcquireBuffer(ctx, handle.interruptible)
	if nil != err {
		return
	}

	if devproto.IOWrite == ioType {
		_, err = slot.CopyIn([][]byte{buf})
		if nil != err {
			slot.Release()
			return
		}
	}

	op, err = handle.dispatcher.NewOp(devproto.OpFileIO)
	if nil != err {
		slot.Release()
		return
	}

	// from here the slot goes back to the pool with the op's last reference
	op.AttachSlot(slot)

	op.Upcall.FileIO = &devproto.FileIORequest{
		Ref:      handle.ref,
		IOType:   ioType,
		Offset:   offset,
		Count:    uint64(len(buf)),
		BufIndex: int32(slot.Index()),
	}

	aio = &AsyncIO{
		asyncIO{
			handle: handle,
			op:     op,
			ioType: ioType,
			buf:    buf,
			done:   make(chan struct{}),
		},
	}

	err = handle.dispatcher.SubmitAsync(op, handle.flags(), aio.complete)
	if nil != err {
		op.Release()
		aio = nil
		return
	}

	globals.stats.AsyncSubmits.Increment()

	err = nil
	return
}

// complete is the op's Completion; it runs before the service may reuse the slot
func (aio *asyncIO) complete(op *upcall.Op, err error) {
	var (
		amt int64
		n   int
	)

	if nil == err {
		if nil == op.Downcall.FileIO {
			err = blunder.NewError(blunder.ProtocolMismatchError, "async FILE_IO answered without a body")
		} else {
			amt = op.Downcall.FileIO.AmtComplete
			if (0 > amt) || (amt > int64(len(aio.buf))) {
				err = blunder.NewError(blunder.ProtocolMismatchError, "async FILE_IO reported %d of %d bytes", amt, len(aio.buf))
			} else {
				n = int(amt)
				if devproto.IORead == aio.ioType {
					_, err = op.Slot().CopyOut([][]byte{aio.buf}, n)
				}
			}
		}
	}

	aio.finish(n, err)
}

func (aio *asyncIO) finish(n int, err error) {
	aio.lock.Lock()
	defer aio.lock.Unlock()

	if aio.finished {
		return
	}

	if (nil == err) && (0 == n) {
		if devproto.IOWrite == aio.ioType {
			err = blunder.NewError(blunder.IOError, "async write of %d bytes transferred nothing", len(aio.buf))
		} else {
			err = io.EOF
		}
	}

	aio.n = n
	aio.err = err
	aio.finished = true
	close(aio.done)
}

func (aio *asyncIO) result() (n int, err error) {
	aio.lock.Lock()
	defer aio.lock.Unlock()

	if !aio.finished {
		err = ErrQueued
		return
	}

	n = aio.n
	err = aio.err
	return
}

func (aio *asyncIO) wait(ctx context.Context) (n int, err error) {
	select {
	case <-aio.done:
		n, err = aio.result()
	case <-ctx.Done():
		err = blunder.NewError(blunder.InterruptedWaitError, "wait for async %v interrupted: %v", aio.ioType, ctx.Err())
	}
	return
}

func (aio *asyncIO) cancel() (n int, err error) {
	var (
		outcome upcall.CancelOutcome
	)

	globals.stats.AsyncCancels.Increment()

	outcome, _, err = aio.handle.dispatcher.Cancel(aio.op)

	switch outcome {
	case upcall.CancelRejected:
		return
	case upcall.CancelRemoved:
		// the completion will never run
		aio.finish(0, err)
	case upcall.CancelTimedOut:
		logger.WarnfWithError(err, "async %v of %+v still in flight after cancel", aio.ioType, aio.handle.ref)
		return
	}

	n, err = aio.result()
	return
}

func (aio *asyncIO) close() {
	aio.lock.Lock()
	if aio.closed {
		aio.lock.Unlock()
		return
	}
	aio.closed = true
	finished := aio.finished
	aio.lock.Unlock()

	if !finished {
		_, _ = aio.cancel()
	}

	aio.op.Release()
}
