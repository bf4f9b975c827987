// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package upcall is the dispatcher between filesystem callers and the
// user-space service process. Callers build an Op, submit it with Service (and
// block until it is answered) or SubmitAsync (and are called back). The service
// process opens the dispatcher's Device, reads request messages from it and
// writes response messages back; responses are matched to their Op by tag.
//
// To configure a Dispatcher, use the following section of the .conf file:
//
//   [Dispatcher]
//   OpTimeout:         60s
//   RetryCount:        5
//   InFlightTableSize: 509
//   MaxOutstandingOps: 1024
//   MaxUpcallSize:     8KiB
//   MaxDowncallSize:   16KiB
//
// An Op moves Unknown -> Waiting (queued) -> InProgress (read by the service,
// present in the in-flight table) -> Serviced (response received). A timed out
// or interrupted Op is pulled back to Unknown; a retry then re-queues it under a
// fresh tag. Tags are never reused, so a late response for an abandoned tag is
// dropped rather than completing a different Op.
package upcall

import (
	"context"
	"time"

	"github.com/NVIDIA/pvfsdev/bufmap"
	"github.com/NVIDIA/pvfsdev/conf"
	"github.com/NVIDIA/pvfsdev/devproto"
)

// Tag uniquely identifies one submission of an Op
type Tag uint64

// Config holds the [Dispatcher] options
type Config struct {
	Name              string // statistics group name
	OpTimeout         time.Duration
	RetryCount        int
	InFlightTableSize uint32
	MaxOutstandingOps int64
	MaxUpcallSize     int
	MaxDowncallSize   int
}

const (
	DefaultOpTimeout         = 60 * time.Second
	DefaultRetryCount        = 5
	DefaultInFlightTableSize = uint32(509)
	DefaultMaxOutstandingOps = int64(1024)
)

// ParseConfMap fetches the [Dispatcher] section, supplying defaults for absent options.
func ParseConfMap(confMap conf.ConfMap) (config *Config, err error) {
	var (
		retryCount uint32
		size       uint64
	)

	config = &Config{Name: "dispatcher"}

	config.OpTimeout, err = confMap.FetchOptionValueDuration("Dispatcher", "OpTimeout")
	if nil != err {
		config.OpTimeout = DefaultOpTimeout
	}
	retryCount, err = confMap.FetchOptionValueUint32("Dispatcher", "RetryCount")
	if nil == err {
		config.RetryCount = int(retryCount)
	} else {
		config.RetryCount = DefaultRetryCount
	}
	config.InFlightTableSize, err = confMap.FetchOptionValueUint32("Dispatcher", "InFlightTableSize")
	if nil != err {
		config.InFlightTableSize = DefaultInFlightTableSize
	}
	size, err = confMap.FetchOptionValueUint64("Dispatcher", "MaxOutstandingOps")
	if nil == err {
		config.MaxOutstandingOps = int64(size)
	} else {
		config.MaxOutstandingOps = DefaultMaxOutstandingOps
	}
	size, err = confMap.FetchOptionValueByteSize("Dispatcher", "MaxUpcallSize")
	if nil == err {
		config.MaxUpcallSize = int(size)
	} else {
		config.MaxUpcallSize = devproto.DefaultMaxUpcallSize
	}
	size, err = confMap.FetchOptionValueByteSize("Dispatcher", "MaxDowncallSize")
	if nil == err {
		config.MaxDowncallSize = int(size)
	} else {
		config.MaxDowncallSize = devproto.DefaultMaxDowncallSize
	}

	err = config.validate()
	return
}

// NewDispatcher creates a Dispatcher with an empty queue and in-flight table.
func NewDispatcher(config *Config) (dispatcher *Dispatcher, err error) {
	dispatcher, err = newDispatcher(config)
	return
}

// Close unregisters the Dispatcher's statistics. The Device must be closed first.
func (dispatcher *Dispatcher) Close() (err error) {
	err = dispatcher.close()
	return
}

// Config returns a copy of the Dispatcher's configuration
func (dispatcher *Dispatcher) Config() Config {
	return dispatcher.config
}

// NewOp obtains an Op of the given type from the Dispatcher's pool. The caller
// holds the Op's first reference and must Release it. Fails with
// ResourceExhaustedError when MaxOutstandingOps Ops are outstanding.
func (dispatcher *Dispatcher) NewOp(opType devproto.OpType) (op *Op, err error) {
	op, err = dispatcher.newOp(opType)
	return
}

// Service submits op and waits for its response. On timeout the op is
// re-submitted under a fresh tag up to retries more times before TimeoutError
// is returned. With FlagInterruptible, cancellation of ctx stops the wait: an
// op the service already holds is cancelled with a CANCEL upcall, and
// InterruptedWaitError is returned. A non-zero service status is returned as a
// service error (see blunder.IsServiceError). A FILE_IO op purged by device
// close fails with IOError instead of being retried.
func (dispatcher *Dispatcher) Service(ctx context.Context, op *Op, retries int, flags devproto.Flags) (err error) {
	err = dispatcher.service(ctx, op, retries, flags)
	return
}

// Completion is invoked once an async op's response arrives (or the op is
// purged). err is nil, a service error, or an IOError for a purged op.
type Completion func(op *Op, err error)

// SubmitAsync queues op and returns at once. completion is invoked from the
// goroutine writing the response. The dispatcher takes its own reference on
// op for the completion path.
func (dispatcher *Dispatcher) SubmitAsync(op *Op, flags devproto.Flags, completion Completion) (err error) {
	err = dispatcher.submitAsync(op, flags, completion)
	return
}

// CancelOutcome reports how Cancel disposed of an async op
type CancelOutcome int

const (
	// CancelRejected means the op could not be cancelled (err says why)
	CancelRejected CancelOutcome = iota
	// CancelRemoved means the op was still queued and has been removed unsent
	CancelRemoved
	// CancelCompleted means the op's completion ran (possibly with ECANCELED)
	CancelCompleted
	// CancelTimedOut means the service did not answer in time; the op remains in flight
	CancelTimedOut
)

func (outcome CancelOutcome) String() string {
	switch outcome {
	case CancelRejected:
		return "rejected"
	case CancelRemoved:
		return "removed"
	case CancelCompleted:
		return "completed"
	default:
		return "timed-out"
	}
}

// Cancel cancels an op submitted with SubmitAsync. A queued op is removed and
// InterruptedWaitError returned. An op the service holds gets a CANCEL upcall;
// Cancel then waits (bounded by OpTimeout) for its completion to finish and
// returns the op's byte count and result. A serviced op's byte count is
// returned directly. An op the service holds stays in the in-flight table
// until its response arrives or the Device closes, so its completion still
// runs and releases its slot.
func (dispatcher *Dispatcher) Cancel(op *Op) (outcome CancelOutcome, amtComplete int64, err error) {
	outcome, amtComplete, err = dispatcher.cancel(op)
	return
}

// AcquireBuffer acquires a slot from the currently mapped region. It fails with
// NoDeviceError if no region is mapped.
func (dispatcher *Dispatcher) AcquireBuffer(ctx context.Context, interruptible bool) (slot *bufmap.Slot, err error) {
	slot, err = dispatcher.acquireBuffer(ctx, interruptible)
	return
}

// BufMap returns the currently mapped region, or nil
func (dispatcher *Dispatcher) BufMap() *bufmap.BufMap {
	return dispatcher.bufMapGet()
}

// QueueDepth returns the number of Waiting ops
func (dispatcher *Dispatcher) QueueDepth() int {
	return dispatcher.queueDepth()
}

// InFlightInfo describes an InProgress op
type InFlightInfo struct {
	Tag  Tag
	Type string
	Age  time.Duration
}

// InFlight lists the ops currently held by the service, ordered by tag
func (dispatcher *Dispatcher) InFlight() []InFlightInfo {
	return dispatcher.inFlight()
}

// Mount describes a registered mount
type Mount struct {
	Name         string
	ConfigServer string
	Pending      bool // FS_MOUNT has not yet succeeded
	ID           int32
	FsID         int32
	Root         devproto.ObjectRef
}

// AddMount registers a pending mount. It is resolved by Mount or RemountAll.
func (dispatcher *Dispatcher) AddMount(name string, configServer string) (err error) {
	err = dispatcher.addMount(name, configServer)
	return
}

// Mount issues FS_MOUNT for a registered mount and records the result.
func (dispatcher *Dispatcher) Mount(ctx context.Context, name string) (mount Mount, err error) {
	mount, err = dispatcher.mount(ctx, name)
	return
}

// RemoveMount issues FS_UMOUNT (if the mount was resolved) and forgets it.
func (dispatcher *Dispatcher) RemoveMount(ctx context.Context, name string) (err error) {
	err = dispatcher.removeMount(ctx, name)
	return
}

// Mounts returns the registered mounts ordered by name
func (dispatcher *Dispatcher) Mounts() []Mount {
	return dispatcher.mounts()
}

// OpenDevice opens the service side of the Dispatcher. Only one Device may be
// open at a time; a second open fails with DevBusyError. A nonBlocking Device
// returns an empty read instead of waiting for a request.
func (dispatcher *Dispatcher) OpenDevice(nonBlocking bool) (device *Device, err error) {
	device, err = dispatcher.openDevice(nonBlocking)
	return
}

// Read copies the next request message into buf, returning its length. buf
// must be at least MaxUpsize bytes. A nonBlocking Device returns (0, nil) when
// no request is queued.
func (device *Device) Read(ctx context.Context, buf []byte) (n int, err error) {
	n, err = device.read(ctx, buf)
	return
}

// Write delivers one response message. A response for an unknown tag, or one
// whose header or type does not match, is dropped; only an undecodable
// message is reported as an error.
func (device *Device) Write(msg []byte) (n int, err error) {
	n, err = device.write(msg)
	return
}

// Poll reports whether a request is ready to be read
func (device *Device) Poll() bool {
	return 0 < device.dispatcher.queueDepth()
}

// GetMagic returns the request header magic
func (device *Device) GetMagic() int32 {
	return devproto.Magic
}

// MaxUpsize returns the largest request message
func (device *Device) MaxUpsize() int {
	return device.dispatcher.config.MaxUpcallSize
}

// MaxDownsize returns the largest response message
func (device *Device) MaxDownsize() int {
	return device.dispatcher.config.MaxDowncallSize
}

// Map creates the shared bulk-transfer region and attaches it to the Dispatcher.
func (device *Device) Map(config *bufmap.Config) (bufMap *bufmap.BufMap, err error) {
	bufMap, err = device.mapRegion(config)
	return
}

// RemountAll re-issues FS_MOUNT for every registered mount ahead of any queued
// op, holding off ordinary submissions until it finishes. It is used when a
// (re)started service process has no memory of earlier mounts.
func (device *Device) RemountAll(ctx context.Context) (err error) {
	err = device.dispatcher.remountAll(ctx)
	return
}

// Close releases the Device. The mapped region is finalized and in-flight ops
// are purged: their waiters retry (under a fresh tag) if retries remain.
// Queued FILE_IO ops are purged as well, since their slots belong to the
// finalized region; they are not retried.
func (device *Device) Close() (err error) {
	err = device.close()
	return
}
