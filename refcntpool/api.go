// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package refcntpool provides interfaces and objects to implement pools of
// reference counted items, where the item is returned to the pool when its
// reference count drops to zero (upon a call to object.Release()).
//
// To use it, embed a RefCntItem object in the object you want reference counted
// and use the generic RefCntItemPool object with a custom New() routine that
// creates objects of the desired type. Operation objects in package upcall are
// pooled this way: the submitter, the completion path, and a canceller each
// hold a reference and whoever releases last returns the op to the pool.
//
// A RefCntItemPool may be given a Limit on the number of items outstanding
// (acquired but not yet finally released). Get() fails with a ResourceExhausted
// error once the limit is reached.
package refcntpool

import (
	"sync"
)

// A object implementing the RefCntItemer interface is acquired from a
// RefCntItemPooler.  Hold() increments the reference count and Release()
// decrements it.  Upon final release (when the reference count drops to zero) it
// is returned the pool from whence it came.
//
// An object returned by Get() starts with one hold.  When all the holds are
// released the object must not be accessed.
//
// Init() is invoked by the pool before the item is returned via Get().  It
// should only be called by the RefCntItemPooler.
//
type RefCntItemer interface {
	Init(RefCntItemPooler, interface{}) // invoked by RefCntItemPooler.Get() before the item is returned
	Hold()                              // get an additional hold on the item
	Release()                           // release a hold on the item
}

// The RefCntItemPooler interface defines Get() and put() methods for objects
// that support the RefCntItemer interface.
//
// While Get() is called to get a new object, put() should only be called via
// the object's Release() method and not called directly.
//
type RefCntItemPooler interface {
	Get() (item interface{}, err error)
	put(interface{})
}

// RefCntItem is an object that implements the RefCntItemer interface.  It can
// be embedded in other objects to allow them to be reference counted.
//
type RefCntItem struct {
	pool    RefCntItemPooler
	cntItem interface{} // the actual item this is embedded in
	refCnt  int32       // updated atomically
	_       sync.Mutex  // insure a RefCntItem is not copied
}

// RefCntItemPool is an object that implements a pool of reference counted items.
// The items must support the RefCntItemer interface.  Items are "allocated" by
// calling Get() on the pool.
//
// Like sync.Pool, the user must supply a New() routine to allocate new objects.
// Reset(), if supplied, is called on the final release before the item is
// returned to the pool. Limit, if non-zero, bounds the items outstanding.
//
type RefCntItemPool struct {
	itemPool    sync.Pool
	outstanding int64      // updated atomically
	_           sync.Mutex // insure a RefCntItemPool is not copied

	New   func() interface{}
	Reset func(item interface{})
	Limit int64
}

// Outstanding returns the number of items acquired via Get() and not yet finally released.
func (refCntPool *RefCntItemPool) Outstanding() int64 {
	return refCntPool.outstandingGet()
}
