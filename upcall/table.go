// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package upcall

import (
	"github.com/creachadair/cityhash"

	"github.com/NVIDIA/pvfsdev/blunder"
	"github.com/NVIDIA/pvfsdev/logger"
	"github.com/NVIDIA/pvfsdev/trackedlock"
	"github.com/NVIDIA/pvfsdev/utils"
)

// inFlightTable maps the tag of each InProgress op to the op
type inFlightTable struct {
	trackedlock.Mutex
	buckets []map[Tag]*Op
	count   int
}

func newInFlightTable(size uint32) (table *inFlightTable) {
	table = &inFlightTable{
		buckets: make([]map[Tag]*Op, size),
	}
	for i := range table.buckets {
		table.buckets[i] = make(map[Tag]*Op)
	}
	return
}

func (table *inFlightTable) bucket(tag Tag) map[Tag]*Op {
	return table.buckets[cityhash.Hash64(utils.Uint64ToByteSlice(uint64(tag)))%uint64(len(table.buckets))]
}

// insert adds op under tag. Inserting a tag twice is a consistency violation.
func (table *inFlightTable) insert(tag Tag, op *Op) (err error) {
	table.Lock()
	defer table.Unlock()

	bucket := table.bucket(tag)

	_, ok := bucket[tag]
	if ok {
		err = blunder.NewError(blunder.InconsistentError, "tag %d is already in flight", tag)
		logger.ErrorfWithError(err, "in-flight table insert of %v op rejected", op.Upcall.Type)
		return
	}

	bucket[tag] = op
	table.count++

	err = nil
	return
}

// lookupHold returns the op in flight under tag with an additional hold, or nil.
func (table *inFlightTable) lookupHold(tag Tag) (op *Op) {
	table.Lock()
	defer table.Unlock()

	op = table.bucket(tag)[tag]
	if nil != op {
		op.Hold()
	}
	return
}

// remove deletes tag, reporting whether it was present
func (table *inFlightTable) remove(tag Tag) (removed bool) {
	table.Lock()
	defer table.Unlock()

	bucket := table.bucket(tag)

	_, removed = bucket[tag]
	if removed {
		delete(bucket, tag)
		table.count--
	}
	return
}

func (table *inFlightTable) len() int {
	table.Lock()
	defer table.Unlock()
	return table.count
}

// snapshotHold returns every op in flight, each with an additional hold
func (table *inFlightTable) snapshotHold() (ops []*Op) {
	table.Lock()
	defer table.Unlock()

	ops = make([]*Op, 0, table.count)
	for _, bucket := range table.buckets {
		for _, op := range bucket {
			op.Hold()
			ops = append(ops, op)
		}
	}
	return
}
