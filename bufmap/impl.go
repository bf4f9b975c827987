// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package bufmap

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/google/btree"
	"golang.org/x/sys/unix"

	"github.com/NVIDIA/pvfsdev/blunder"
	"github.com/NVIDIA/pvfsdev/bucketstats"
	"github.com/NVIDIA/pvfsdev/logger"
	"github.com/NVIDIA/pvfsdev/trackedlock"
)

// BufMap is a mapped region and its pool of slots
type BufMap struct {
	trackedlock.Mutex
	config      *Config
	region      []byte
	backingFile *os.File
	freeSet     *btree.BTree  // of slotIndex; lowest index is handed out first
	freeWait    chan struct{} // closed (and replaced) each time a slot is released
	outstanding int
	closed      bool
	unmapped    bool
	stats       *statsStruct
}

// Slot is one acquired block of a BufMap
type Slot struct {
	bufMap   *BufMap
	index    int
	buf      []byte
	released int32 // updated atomically
}

type slotIndex int

func (index slotIndex) Less(than btree.Item) bool {
	return index < than.(slotIndex)
}

var mapSequence uint64 // updated atomically

func (config *Config) validate() (err error) {
	if 0 == config.BlockSize {
		err = blunder.NewError(blunder.InvalidArgError, "BufMap.BlockSize must be non-zero")
		return
	}
	if 0 == config.BlockCount {
		err = blunder.NewError(blunder.InvalidArgError, "BufMap.BlockCount must be non-zero")
		return
	}
	if (0 != config.BlockSize%uint64(os.Getpagesize())) && ("" != config.BackingFilePath) {
		err = blunder.NewError(blunder.InvalidArgError, "BufMap.BlockSize (%d) must be a multiple of the page size for a file backed region", config.BlockSize)
		return
	}
	err = nil
	return
}

func mapRegion(config *Config) (bufMap *BufMap, err error) {
	var (
		configCopy Config
		regionSize int
	)

	err = config.validate()
	if nil != err {
		return
	}

	configCopy = *config
	if "" == configCopy.Name {
		configCopy.Name = fmt.Sprintf("%d", atomic.AddUint64(&mapSequence, 1))
	}

	regionSize = int(configCopy.BlockSize) * int(configCopy.BlockCount)

	bufMap = &BufMap{
		config:   &configCopy,
		freeSet:  btree.New(2),
		freeWait: make(chan struct{}),
		stats:    &statsStruct{},
	}

	if "" == configCopy.BackingFilePath {
		bufMap.region, err = unix.Mmap(-1, 0, regionSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_ANON)
		if nil != err {
			err = blunder.NewError(blunder.OutOfMemoryError, "mmap of %d anonymous bytes failed: %v", regionSize, err)
			bufMap = nil
			return
		}
	} else {
		bufMap.backingFile, err = os.OpenFile(configCopy.BackingFilePath, os.O_RDWR|os.O_CREATE, 0600)
		if nil != err {
			err = blunder.AddError(err, blunder.NotFoundError)
			bufMap = nil
			return
		}
		err = bufMap.backingFile.Truncate(int64(regionSize))
		if nil != err {
			_ = bufMap.backingFile.Close()
			err = blunder.AddError(err, blunder.NoSpaceError)
			bufMap = nil
			return
		}
		bufMap.region, err = unix.Mmap(int(bufMap.backingFile.Fd()), 0, regionSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
		if nil != err {
			_ = bufMap.backingFile.Close()
			err = blunder.NewError(blunder.OutOfMemoryError, "mmap of %s (%d bytes) failed: %v", configCopy.BackingFilePath, regionSize, err)
			bufMap = nil
			return
		}
	}

	for i := 0; i < int(configCopy.BlockCount); i++ {
		bufMap.freeSet.ReplaceOrInsert(slotIndex(i))
	}

	bucketstats.Register("bufmap", configCopy.Name, bufMap.stats)

	logger.Infof("bufmap %s mapped %d slots of %d bytes (backing file %q)",
		configCopy.Name, configCopy.BlockCount, configCopy.BlockSize, configCopy.BackingFilePath)

	err = nil
	return
}

func (bufMap *BufMap) block(index int) (block []byte, err error) {
	if (0 > index) || (index >= int(bufMap.config.BlockCount)) {
		err = blunder.NewError(blunder.InvalidArgError, "slot index %d out of range [0,%d)", index, bufMap.config.BlockCount)
		return
	}
	start := uint64(index) * bufMap.config.BlockSize
	block = bufMap.region[start : start+bufMap.config.BlockSize : start+bufMap.config.BlockSize]
	err = nil
	return
}

func (bufMap *BufMap) freeCount() int {
	bufMap.Lock()
	defer bufMap.Unlock()
	return bufMap.freeSet.Len()
}

func (bufMap *BufMap) acquire(ctx context.Context, interruptible bool) (slot *Slot, err error) {
	var (
		ctxDone   <-chan struct{}
		deadline  *time.Timer
		freeWait  chan struct{}
		stopwatch time.Time
		waited    bool
	)

	stopwatch = time.Now()

	if interruptible {
		ctxDone = ctx.Done()
	}

	for {
		bufMap.Lock()

		if bufMap.closed {
			bufMap.Unlock()
			bufMap.stats.AcquireFailures.Increment()
			err = blunder.NewError(blunder.NoDeviceError, "bufmap %s is closed", bufMap.config.Name)
			break
		}

		if 0 < bufMap.freeSet.Len() {
			index := int(bufMap.freeSet.DeleteMin().(slotIndex))
			bufMap.outstanding++
			bufMap.Unlock()

			slot = &Slot{bufMap: bufMap, index: index}
			slot.buf, _ = bufMap.block(index)

			bufMap.stats.Acquires.Increment()
			err = nil
			break
		}

		if bufMap.config.NonBlocking {
			bufMap.Unlock()
			bufMap.stats.AcquireFailures.Increment()
			err = blunder.NewError(blunder.ResourceExhaustedError, "bufmap %s has no free slot", bufMap.config.Name)
			break
		}

		freeWait = bufMap.freeWait
		bufMap.Unlock()

		if nil == deadline {
			deadline = time.NewTimer(bufMap.config.AcquireTimeout)
		}
		waited = true

		select {
		case <-freeWait:
			continue
		case <-deadline.C:
			bufMap.stats.AcquireFailures.Increment()
			err = blunder.NewError(blunder.TimeoutError, "bufmap %s: no slot freed within %v", bufMap.config.Name, bufMap.config.AcquireTimeout)
		case <-ctxDone:
			bufMap.stats.AcquireFailures.Increment()
			err = blunder.NewError(blunder.InterruptedWaitError, "bufmap %s: slot wait interrupted: %v", bufMap.config.Name, ctx.Err())
		}
		break
	}

	if nil != deadline {
		deadline.Stop()
	}
	if waited {
		bufMap.stats.AcquireWaits.Increment()
		bufMap.stats.AcquireWaitUsec.Add(uint64(time.Since(stopwatch) / time.Microsecond))
	}

	if nil == err {
		logger.Tracef("bufmap %s slot %d acquired", bufMap.config.Name, slot.index)
	}

	return
}

func (slot *Slot) release() {
	var (
		bufMap *BufMap
		unmap  bool
	)

	if !atomic.CompareAndSwapInt32(&slot.released, 0, 1) {
		return
	}

	bufMap = slot.bufMap

	bufMap.Lock()
	bufMap.outstanding--
	if !bufMap.closed {
		bufMap.freeSet.ReplaceOrInsert(slotIndex(slot.index))
	}
	close(bufMap.freeWait)
	bufMap.freeWait = make(chan struct{})
	unmap = bufMap.closed && (0 == bufMap.outstanding) && !bufMap.unmapped
	if unmap {
		bufMap.unmapped = true
	}
	bufMap.Unlock()

	bufMap.stats.Releases.Increment()
	logger.Tracef("bufmap %s slot %d released", bufMap.config.Name, slot.index)

	if unmap {
		bufMap.unmap()
	}
}

func (slot *Slot) copyIn(vec [][]byte) (n int, err error) {
	for _, element := range vec {
		if n+len(element) > len(slot.buf) {
			err = blunder.NewError(blunder.InvalidArgError, "%d+%d bytes exceeds slot size %d", n, len(element), len(slot.buf))
			return
		}
		n += copy(slot.buf[n:], element)
	}
	slot.bufMap.stats.CopyInBytes.Add(uint64(n))
	err = nil
	return
}

func (slot *Slot) copyOut(vec [][]byte, n int) (copied int, err error) {
	if (0 > n) || (n > len(slot.buf)) {
		err = blunder.NewError(blunder.InvalidArgError, "copy of %d bytes out of slot of size %d", n, len(slot.buf))
		return
	}
	for _, element := range vec {
		if copied == n {
			break
		}
		copied += copy(element, slot.buf[copied:n])
	}
	slot.bufMap.stats.CopyOutBytes.Add(uint64(copied))
	err = nil
	return
}

func (bufMap *BufMap) close() (err error) {
	var (
		unmap bool
	)

	bufMap.Lock()
	if bufMap.closed {
		bufMap.Unlock()
		err = blunder.NewError(blunder.BadFileError, "bufmap %s already closed", bufMap.config.Name)
		return
	}
	bufMap.closed = true
	bufMap.freeSet = btree.New(2)
	close(bufMap.freeWait)
	bufMap.freeWait = make(chan struct{})
	unmap = (0 == bufMap.outstanding)
	if unmap {
		bufMap.unmapped = true
	} else {
		logger.Infof("bufmap %s closed with %d slots outstanding; unmap deferred", bufMap.config.Name, bufMap.outstanding)
	}
	bufMap.Unlock()

	bucketstats.UnRegister("bufmap", bufMap.config.Name)

	if unmap {
		bufMap.unmap()
	}

	err = nil
	return
}

func (bufMap *BufMap) unmap() {
	var (
		err error
	)

	err = unix.Munmap(bufMap.region)
	if nil != err {
		logger.ErrorfWithError(err, "bufmap %s munmap failed", bufMap.config.Name)
	}
	if nil != bufMap.backingFile {
		err = bufMap.backingFile.Close()
		if nil != err {
			logger.ErrorfWithError(err, "bufmap %s close of %s failed", bufMap.config.Name, bufMap.config.BackingFilePath)
		}
	}
	logger.Infof("bufmap %s unmapped", bufMap.config.Name)
}

// isUnmapped is used by tests
func (bufMap *BufMap) isUnmapped() bool {
	bufMap.Lock()
	defer bufMap.Unlock()
	return bufMap.unmapped
}
