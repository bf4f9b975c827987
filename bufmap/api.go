// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package bufmap manages the region shared between the dispatcher and the
// user-space service for bulk file data. The region is carved into BlockCount
// slots of BlockSize bytes each. A FILE_IO request names the slot holding (or
// receiving) its data by index.
//
// To configure a BufMap, use the following section of the .conf file:
//
//   [BufMap]
//   BlockSize:       4MiB
//   BlockCount:      5
//   BackingFilePath:                # empty means an anonymous shared mapping
//   NonBlocking:     false
//   AcquireTimeout:  60s
//
// Slots are handed out lowest index first. Each acquired Slot must be released
// exactly once; Release is idempotent so it may be deferred on every exit path.
package bufmap

import (
	"context"
	"time"

	"github.com/NVIDIA/pvfsdev/bucketstats"
	"github.com/NVIDIA/pvfsdev/conf"
)

// Config describes the shared region
type Config struct {
	Name            string // statistics group name (defaults to a sequence number)
	BlockSize       uint64
	BlockCount      uint32
	BackingFilePath string
	NonBlocking     bool
	AcquireTimeout  time.Duration
}

const (
	DefaultBlockSize      = uint64(4 * 1024 * 1024)
	DefaultBlockCount     = uint32(5)
	DefaultAcquireTimeout = 60 * time.Second
)

type statsStruct struct {
	Acquires        bucketstats.Total
	AcquireWaits    bucketstats.Total
	AcquireFailures bucketstats.Total
	Releases        bucketstats.Total
	AcquireWaitUsec bucketstats.BucketLog2
	CopyInBytes     bucketstats.BucketLog2
	CopyOutBytes    bucketstats.BucketLog2
}

// ParseConfMap fetches the [BufMap] section, supplying defaults for absent options.
func ParseConfMap(confMap conf.ConfMap) (config *Config, err error) {
	config = &Config{}

	config.BlockSize, err = confMap.FetchOptionValueByteSize("BufMap", "BlockSize")
	if nil != err {
		config.BlockSize = DefaultBlockSize
	}
	config.BlockCount, err = confMap.FetchOptionValueUint32("BufMap", "BlockCount")
	if nil != err {
		config.BlockCount = DefaultBlockCount
	}
	config.BackingFilePath, err = confMap.FetchOptionValueString("BufMap", "BackingFilePath")
	if nil != err {
		config.BackingFilePath = ""
	}
	config.NonBlocking, err = confMap.FetchOptionValueBool("BufMap", "NonBlocking")
	if nil != err {
		config.NonBlocking = false
	}
	config.AcquireTimeout, err = confMap.FetchOptionValueDuration("BufMap", "AcquireTimeout")
	if nil != err {
		config.AcquireTimeout = DefaultAcquireTimeout
	}

	err = config.validate()
	return
}

// Map creates the shared region and its slot pool.
func Map(config *Config) (bufMap *BufMap, err error) {
	bufMap, err = mapRegion(config)
	return
}

// BlockSize returns the size of every slot
func (bufMap *BufMap) BlockSize() uint64 {
	return bufMap.config.BlockSize
}

// BlockCount returns the number of slots
func (bufMap *BufMap) BlockCount() uint32 {
	return bufMap.config.BlockCount
}

// Config returns a copy of the configuration the region was mapped with
func (bufMap *BufMap) Config() Config {
	return *bufMap.config
}

// Region returns the whole shared region (used by in-process services to stage data).
func (bufMap *BufMap) Region() []byte {
	return bufMap.region
}

// Block returns the bytes of slot index. The caller must own the slot.
func (bufMap *BufMap) Block(index int) (block []byte, err error) {
	block, err = bufMap.block(index)
	return
}

// Acquire obtains a free slot. It blocks until one is free unless the region is
// configured NonBlocking, in which case it fails with ResourceExhaustedError at
// once. Blocking waits are bounded by AcquireTimeout (TimeoutError) and, when
// interruptible is set, by ctx (InterruptedWaitError).
func (bufMap *BufMap) Acquire(ctx context.Context, interruptible bool) (slot *Slot, err error) {
	slot, err = bufMap.acquire(ctx, interruptible)
	return
}

// FreeCount returns the number of slots not currently acquired
func (bufMap *BufMap) FreeCount() int {
	return bufMap.freeCount()
}

// Close finalizes the region. No further Acquire succeeds; the memory is
// unmapped once every outstanding slot has been released.
func (bufMap *BufMap) Close() (err error) {
	err = bufMap.close()
	return
}

// Index returns the slot number named in FILE_IO requests
func (slot *Slot) Index() int {
	return slot.index
}

// Bytes returns the slot's memory
func (slot *Slot) Bytes() []byte {
	return slot.buf
}

// CopyIn gathers vec into the slot, returning the number of bytes staged. It
// fails with InvalidArgError if vec totals more than the slot size.
func (slot *Slot) CopyIn(vec [][]byte) (n int, err error) {
	n, err = slot.copyIn(vec)
	return
}

// CopyOut scatters the first n bytes of the slot into vec, returning the
// number of bytes copied (less than n if vec is shorter).
func (slot *Slot) CopyOut(vec [][]byte, n int) (copied int, err error) {
	copied, err = slot.copyOut(vec, n)
	return
}

// Release returns the slot to its BufMap. Calls after the first are no-ops.
func (slot *Slot) Release() {
	slot.release()
}
