// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package upcall

import (
	"container/list"
	"context"
	"sort"
	"sync/atomic"
	"time"

	"github.com/NVIDIA/pvfsdev/blunder"
	"github.com/NVIDIA/pvfsdev/bucketstats"
	"github.com/NVIDIA/pvfsdev/bufmap"
	"github.com/NVIDIA/pvfsdev/devproto"
	"github.com/NVIDIA/pvfsdev/logger"
	"github.com/NVIDIA/pvfsdev/refcntpool"
	"github.com/NVIDIA/pvfsdev/trackedlock"
)

type statsStruct struct {
	Submits            bucketstats.Total
	AsyncSubmits       bucketstats.Total
	Retries            bucketstats.Total
	Timeouts           bucketstats.Total
	Interrupts         bucketstats.Total
	Purges             bucketstats.Total
	CancelUpcalls      bucketstats.Total
	Cancels            bucketstats.Total
	CancelTimeouts     bucketstats.Total
	Dequeues           bucketstats.Total
	Responses          bucketstats.Total
	UnmatchedResponses bucketstats.Total
	ProtocolMismatches bucketstats.Total
	OpAllocFailures    bucketstats.Total
	ServiceErrors      bucketstats.Total
	ServiceUsec        bucketstats.BucketLog2
	QueueWaitUsec      bucketstats.BucketLog2
	RequestBytes       bucketstats.Average
	ResponseBytes      bucketstats.Average
}

// Dispatcher owns the request queue, the in-flight table, and the op pool
type Dispatcher struct {
	config  Config
	nextTag uint64 // updated atomically; last tag issued

	requestLock trackedlock.RWMutex // ordinary enqueues share it; RemountAll holds it exclusively

	queueLock  trackedlock.Mutex // protects queue; acquired before any op lock
	queue      *list.List        // of *Op in Waiting state
	queueReady chan struct{}     // one token wakes one blocked consumer

	table *inFlightTable // table lock is acquired after any op lock

	opPool *refcntpool.RefCntItemPool

	bufMapLock trackedlock.Mutex
	bufMap     *bufmap.BufMap

	deviceOpen int32 // updated atomically

	mountLock   trackedlock.Mutex
	mountByName map[string]*Mount

	stats *statsStruct
}

func (config *Config) validate() (err error) {
	if 0 >= config.OpTimeout {
		err = blunder.NewError(blunder.InvalidArgError, "Dispatcher.OpTimeout must be positive")
		return
	}
	if 0 > config.RetryCount {
		err = blunder.NewError(blunder.InvalidArgError, "Dispatcher.RetryCount must not be negative")
		return
	}
	if 0 == config.InFlightTableSize {
		err = blunder.NewError(blunder.InvalidArgError, "Dispatcher.InFlightTableSize must be non-zero")
		return
	}
	if devproto.RequestHeaderSize() >= config.MaxUpcallSize {
		err = blunder.NewError(blunder.InvalidArgError, "Dispatcher.MaxUpcallSize (%d) too small", config.MaxUpcallSize)
		return
	}
	if devproto.ResponseHeaderSize() >= config.MaxDowncallSize {
		err = blunder.NewError(blunder.InvalidArgError, "Dispatcher.MaxDowncallSize (%d) too small", config.MaxDowncallSize)
		return
	}
	err = nil
	return
}

func newDispatcher(config *Config) (dispatcher *Dispatcher, err error) {
	err = config.validate()
	if nil != err {
		return
	}

	dispatcher = &Dispatcher{
		config:      *config,
		queue:       list.New(),
		queueReady:  make(chan struct{}, 1),
		table:       newInFlightTable(config.InFlightTableSize),
		mountByName: make(map[string]*Mount),
		stats:       &statsStruct{},
	}
	if "" == dispatcher.config.Name {
		dispatcher.config.Name = "dispatcher"
	}

	dispatcher.opPool = &refcntpool.RefCntItemPool{
		New: func() interface{} {
			return &Op{state: stateUnknown{}}
		},
		Reset: resetOp,
		Limit: config.MaxOutstandingOps,
	}

	bucketstats.Register("upcall", dispatcher.config.Name, dispatcher.stats)

	err = nil
	return
}

func (dispatcher *Dispatcher) close() (err error) {
	if 0 != atomic.LoadInt32(&dispatcher.deviceOpen) {
		err = blunder.NewError(blunder.DevBusyError, "dispatcher %s still has its device open", dispatcher.config.Name)
		return
	}

	bucketstats.UnRegister("upcall", dispatcher.config.Name)

	err = nil
	return
}

func (dispatcher *Dispatcher) allocateTag() Tag {
	return Tag(atomic.AddUint64(&dispatcher.nextTag, 1))
}

// enqueue queues op under a fresh tag. The caller must not hold the queue or op lock.
func (dispatcher *Dispatcher) enqueue(op *Op, flags devproto.Flags) (err error) {
	var (
		element *list.Element
		message []byte
		tag     Tag
	)

	if 0 == flags&(devproto.FlagNoSemaphore|devproto.FlagCancellation) {
		dispatcher.requestLock.RLock()
		defer dispatcher.requestLock.RUnlock()
	}

	tag = dispatcher.allocateTag()

	message, err = devproto.EncodeRequest(uint64(tag), &op.Upcall, dispatcher.config.MaxUpcallSize)
	if nil != err {
		return
	}

	dispatcher.queueLock.Lock()
	op.Lock()

	switch state := op.state.(type) {
	case stateUnknown:
		if 0 != flags&devproto.FlagPriority {
			element = dispatcher.queue.PushFront(op)
		} else {
			element = dispatcher.queue.PushBack(op)
		}
		op.state = state.enqueue(element)
	case stateServiced:
		if 0 != flags&devproto.FlagPriority {
			element = dispatcher.queue.PushFront(op)
		} else {
			element = dispatcher.queue.PushBack(op)
		}
		op.state = state.reset().enqueue(element)
	default:
		op.Unlock()
		dispatcher.queueLock.Unlock()
		err = blunder.NewError(blunder.InconsistentError, "%v op tag %d submitted while %v", op.Upcall.Type, op.tag, state.State())
		logger.ErrorfWithError(err, "enqueue rejected")
		return
	}

	op.tag = tag
	op.flags = flags
	op.message = message
	op.serviced = make(chan struct{})
	op.purged = false
	op.ioCompleted = make(chan struct{})
	op.ioCompletedClosed = false
	op.Downcall = devproto.Downcall{}
	op.submissions++

	op.Unlock()
	dispatcher.queueLock.Unlock()

	dispatcher.wakeConsumer()

	logger.Tracef("queued %v op tag %d (flags 0x%X)", op.Upcall.Type, tag, uint32(flags))

	err = nil
	return
}

func (dispatcher *Dispatcher) wakeConsumer() {
	select {
	case dispatcher.queueReady <- struct{}{}:
	default:
	}
}

// dequeue moves the op at the head of the queue to InProgress and inserts it
// into the in-flight table. It returns nil if the queue is empty and either
// nonBlocking is set or done is closed.
func (dispatcher *Dispatcher) dequeue(ctx context.Context, nonBlocking bool, done <-chan struct{}) (op *Op, message []byte, err error) {
	var (
		element *list.Element
	)

	for {
		dispatcher.queueLock.Lock()

		element = dispatcher.queue.Front()
		if nil != element {
			op = dispatcher.queue.Remove(element).(*Op)
			if 0 < dispatcher.queue.Len() {
				// pass the wakeup on to the next blocked consumer
				dispatcher.wakeConsumer()
			}

			op.Lock()
			state, ok := op.state.(stateWaiting)
			if !ok || (state.element != element) {
				err = blunder.NewError(blunder.InconsistentError, "dequeued %v op tag %d in state %v", op.Upcall.Type, op.tag, op.state.State())
				logger.ErrorfWithError(err, "dequeue skipped op")
				op.Unlock()
				dispatcher.queueLock.Unlock()
				op = nil
				return
			}

			err = dispatcher.table.insert(op.tag, op)
			if nil != err {
				op.Unlock()
				dispatcher.queueLock.Unlock()
				op = nil
				return
			}

			op.state = state.dequeue()
			message = op.message

			dispatcher.stats.Dequeues.Increment()
			dispatcher.stats.QueueWaitUsec.Add(uint64(time.Since(state.queuedAt) / time.Microsecond))

			op.Unlock()
			dispatcher.queueLock.Unlock()

			err = nil
			return
		}

		dispatcher.queueLock.Unlock()

		if nonBlocking {
			op = nil
			err = nil
			return
		}

		select {
		case <-dispatcher.queueReady:
		case <-done:
			op = nil
			err = nil
			return
		case <-ctx.Done():
			op = nil
			err = blunder.NewError(blunder.InterruptedWaitError, "device read interrupted: %v", ctx.Err())
			return
		}
	}
}

// pullBack returns a Waiting or InProgress op to Unknown, removing it from the
// queue or in-flight table. The caller holds the queue lock and the op lock.
func (dispatcher *Dispatcher) pullBack(op *Op) (previous State) {
	previous = op.state.State()

	switch state := op.state.(type) {
	case stateWaiting:
		dispatcher.queue.Remove(state.element)
		op.state = state.unqueue()
	case stateInProgress:
		if !dispatcher.table.remove(op.tag) {
			logger.Errorf("%v op tag %d InProgress but not in flight", op.Upcall.Type, op.tag)
		}
		op.state = state.abandon()
	}
	return
}

func (dispatcher *Dispatcher) queueDepth() int {
	dispatcher.queueLock.Lock()
	defer dispatcher.queueLock.Unlock()
	return dispatcher.queue.Len()
}

func (dispatcher *Dispatcher) inFlight() (infos []InFlightInfo) {
	ops := dispatcher.table.snapshotHold()

	infos = make([]InFlightInfo, 0, len(ops))
	for _, op := range ops {
		op.Lock()
		state, ok := op.state.(stateInProgress)
		if ok {
			infos = append(infos, InFlightInfo{Tag: op.tag, Type: op.Upcall.Type.String(), Age: time.Since(state.dequeuedAt)})
		}
		op.Unlock()
		op.Release()
	}

	sort.Slice(infos, func(i, j int) bool { return infos[i].Tag < infos[j].Tag })
	return
}

func (dispatcher *Dispatcher) bufMapGet() *bufmap.BufMap {
	dispatcher.bufMapLock.Lock()
	defer dispatcher.bufMapLock.Unlock()
	return dispatcher.bufMap
}

func (dispatcher *Dispatcher) acquireBuffer(ctx context.Context, interruptible bool) (slot *bufmap.Slot, err error) {
	bufMap := dispatcher.bufMapGet()
	if nil == bufMap {
		err = blunder.NewError(blunder.NoDeviceError, "dispatcher %s has no mapped region", dispatcher.config.Name)
		return
	}
	slot, err = bufMap.Acquire(ctx, interruptible)
	return
}
