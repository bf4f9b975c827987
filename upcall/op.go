// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package upcall

import (
	"github.com/NVIDIA/pvfsdev/blunder"
	"github.com/NVIDIA/pvfsdev/bufmap"
	"github.com/NVIDIA/pvfsdev/devproto"
	"github.com/NVIDIA/pvfsdev/refcntpool"
	"github.com/NVIDIA/pvfsdev/trackedlock"
)

// Op is one request/response exchange with the service process.
//
// The caller fills in Upcall before submitting and reads Downcall once the op
// is serviced. All other fields are protected by the Op's lock.
type Op struct {
	refcntpool.RefCntItem
	trackedlock.Mutex
	Upcall            devproto.Upcall
	Downcall          devproto.Downcall
	dispatcher        *Dispatcher
	tag               Tag
	state             opState
	flags             devproto.Flags
	message           []byte        // request message encoded under tag
	serviced          chan struct{} // closed when the current submission is serviced or purged
	purged            bool
	ioCompleted       chan struct{} // closed by IOCompleted() or after an async completion ran
	ioCompletedClosed bool
	slot              *bufmap.Slot
	async             *asyncCtx
	submissions       int
}

type asyncCtx struct {
	completion Completion
	cancelled  bool
	err        error
}

func (dispatcher *Dispatcher) newOp(opType devproto.OpType) (op *Op, err error) {
	var (
		item interface{}
	)

	item, err = dispatcher.opPool.Get()
	if nil != err {
		dispatcher.stats.OpAllocFailures.Increment()
		return
	}

	op = item.(*Op)
	op.dispatcher = dispatcher
	op.Upcall.Type = opType

	err = nil
	return
}

func resetOp(item interface{}) {
	var (
		op = item.(*Op)
	)

	if nil != op.slot {
		op.slot.Release()
	}

	op.Upcall = devproto.Upcall{}
	op.Downcall = devproto.Downcall{}
	op.tag = 0
	op.state = stateUnknown{}
	op.flags = 0
	op.message = nil
	op.serviced = nil
	op.purged = false
	op.ioCompleted = nil
	op.ioCompletedClosed = false
	op.slot = nil
	op.async = nil
	op.submissions = 0
}

// Tag returns the tag of the op's latest submission (0 if never submitted)
func (op *Op) Tag() Tag {
	op.Lock()
	defer op.Unlock()
	return op.tag
}

// State returns the op's lifecycle state
func (op *Op) State() State {
	op.Lock()
	defer op.Unlock()
	return op.state.State()
}

// Submissions returns how many times the op has been queued
func (op *Op) Submissions() int {
	op.Lock()
	defer op.Unlock()
	return op.submissions
}

// AttachSlot makes the op the owner of slot. The slot is released when the
// op's last reference is released.
func (op *Op) AttachSlot(slot *bufmap.Slot) {
	op.Lock()
	op.slot = slot
	op.Unlock()
}

// Slot returns the attached slot, or nil
func (op *Op) Slot() *bufmap.Slot {
	op.Lock()
	defer op.Unlock()
	return op.slot
}

// IOCompleted tells the device that the caller has finished with the op's
// slot, letting the service reuse it. It is idempotent.
func (op *Op) IOCompleted() {
	op.Lock()
	op.closeIOCompleted()
	op.Unlock()
}

// closeIOCompleted must be called with op locked
func (op *Op) closeIOCompleted() {
	if (nil != op.ioCompleted) && !op.ioCompletedClosed {
		close(op.ioCompleted)
		op.ioCompletedClosed = true
	}
}

// Result returns the op's outcome once Serviced: the FILE_IO byte count (0 for
// other op types) and the service status as an error.
func (op *Op) Result() (amtComplete int64, err error) {
	op.Lock()
	defer op.Unlock()

	switch op.state.(type) {
	case stateServiced:
		amtComplete, err = op.resultLocked()
	default:
		if (nil != op.async) && (nil != op.async.err) {
			err = op.async.err
			return
		}
		err = blunder.NewError(blunder.TryAgainError, "op tag %d is %v", op.tag, op.state.State())
	}
	return
}

// resultLocked must be called with op locked and Serviced
func (op *Op) resultLocked() (amtComplete int64, err error) {
	if nil != op.Downcall.FileIO {
		amtComplete = op.Downcall.FileIO.AmtComplete
	}
	err = op.statusError()
	return
}

func (op *Op) statusError() (err error) {
	if 0 != op.Downcall.Status {
		err = blunder.NewServiceError(op.Downcall.Status, "%v tag %d failed with service status %d", op.Upcall.Type, op.tag, op.Downcall.Status)
		return
	}
	if (op.Upcall.Type != op.Downcall.Type) && (devproto.OpInvalid != op.Downcall.Type) {
		err = blunder.NewError(blunder.ProtocolMismatchError, "%v tag %d answered with %v", op.Upcall.Type, op.tag, op.Downcall.Type)
		return
	}
	err = nil
	return
}
