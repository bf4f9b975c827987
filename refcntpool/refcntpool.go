// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package refcntpool

import (
	"fmt"
	"sync/atomic"

	"github.com/NVIDIA/pvfsdev/blunder"
)

// RefCntItem implementation
//
func (item *RefCntItem) Hold() {
	newCnt := atomic.AddInt32(&item.refCnt, 1)
	if newCnt < 2 {
		panic(fmt.Sprintf("RefCntItem.Hold(): item %T at %p was not held when called: newCnt %d",
			item.cntItem, item.cntItem, newCnt))
	}
}

func (item *RefCntItem) Release() {
	// Even if two goroutines do this concurrently, only one will see newCnt == 0
	newCnt := atomic.AddInt32(&item.refCnt, -1)

	if newCnt == 0 {
		item.pool.put(item.cntItem)
	} else if newCnt < 0 {
		panic(fmt.Sprintf("RefCntItem.Release(): item %T at %p was not held when called: newCnt %d",
			item.cntItem, item.cntItem, newCnt))
	}
}

func (item *RefCntItem) AssertIsHeld() {
	refCnt := atomic.LoadInt32(&item.refCnt)
	if refCnt < 1 {
		panic(fmt.Sprintf("(*RefCntItem).AssertIsHeld(): refCnt %d < 1 for RefCntItem at %p",
			refCnt, item))
	}
}

// RefCnt returns the current reference count (for logging and tests only)
func (item *RefCntItem) RefCnt() int32 {
	return atomic.LoadInt32(&item.refCnt)
}

func (item *RefCntItem) Init(pool RefCntItemPooler, cntItem interface{}) {
	newCnt := atomic.AddInt32(&item.refCnt, 1)
	if newCnt != 1 {
		panic(fmt.Sprintf("RefCntItem.Init(): item %T at %p in pool %T at %p was not free: newCnt %d",
			cntItem, cntItem, pool, pool, newCnt))
	}
	item.pool = pool
	item.cntItem = cntItem
}

// RefCntItemPool implementation
//
func (refCntPool *RefCntItemPool) Get() (item interface{}, err error) {
	newOutstanding := atomic.AddInt64(&refCntPool.outstanding, 1)
	if (0 != refCntPool.Limit) && (newOutstanding > refCntPool.Limit) {
		atomic.AddInt64(&refCntPool.outstanding, -1)
		err = blunder.NewError(blunder.ResourceExhaustedError, "pool limit of %d outstanding items reached", refCntPool.Limit)
		return
	}

	item = refCntPool.itemPool.Get()
	if item == nil {
		item = refCntPool.New()
	}

	refCntItem := item.(RefCntItemer)
	refCntItem.Init(refCntPool, item)

	err = nil
	return
}

func (refCntPool *RefCntItemPool) put(item interface{}) {
	if nil != refCntPool.Reset {
		refCntPool.Reset(item)
	}
	refCntPool.itemPool.Put(item)
	atomic.AddInt64(&refCntPool.outstanding, -1)
}

func (refCntPool *RefCntItemPool) outstandingGet() int64 {
	return atomic.LoadInt64(&refCntPool.outstanding)
}
