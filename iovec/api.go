// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package iovec segments scatter/gather lists so that each segment group fits
// in a single bufmap slot. Each group then drives one request/response cycle.
//
// Groups are filled greedily: every group but the last totals exactly the slot
// size, an element is cut only where a group boundary falls inside it, and the
// concatenation of the groups reproduces the input in order. A list that
// already fits in one slot is returned unchanged as a single group.
package iovec

import (
	"github.com/NVIDIA/pvfsdev/blunder"
)

// Group is a run of memory elements totaling at most one slot
type Group struct {
	Vec [][]byte
	Len int
}

// StreamSeg is a (file offset, length) pair describing where bytes go in the stream
type StreamSeg struct {
	Offset int64
	Len    int
}

// StreamGroup is a run of stream segments totaling at most one slot
type StreamGroup struct {
	Segs []StreamSeg
	Len  int
}

// Total returns the byte count of vec
func Total(vec [][]byte) (total int) {
	for _, element := range vec {
		total += len(element)
	}
	return
}

// StreamTotal returns the byte count of segs
func StreamTotal(segs []StreamSeg) (total int) {
	for _, seg := range segs {
		total += seg.Len
	}
	return
}

// EstimateMaxGroups returns the group bound used when the caller supplies none
func EstimateMaxGroups(total int, slotSize int) int {
	return total/slotSize + 1
}

// Split segments vec into groups of at most slotSize bytes. It fails with
// InvalidArgError if more than maxGroups groups would be needed (maxGroups of
// zero means EstimateMaxGroups).
func Split(vec [][]byte, slotSize int, maxGroups int) (groups []Group, err error) {
	groups, err = split(vec, slotSize, maxGroups)
	return
}

// SplitStream segments segs the same way Split segments a memory vector.
func SplitStream(segs []StreamSeg, slotSize int, maxGroups int) (groups []StreamGroup, err error) {
	groups, err = splitStream(segs, slotSize, maxGroups)
	return
}

// SplitLockstep segments a memory vector and its companion stream vector
// under the same bound so that memGroups[i] and streamGroups[i] describe the
// same bytes. The two totals must be equal.
func SplitLockstep(vec [][]byte, segs []StreamSeg, slotSize int, maxGroups int) (memGroups []Group, streamGroups []StreamGroup, err error) {
	var (
		memTotal    = Total(vec)
		streamTotal = StreamTotal(segs)
	)

	if memTotal != streamTotal {
		err = blunder.NewError(blunder.InvalidArgError, "memory vector totals %d bytes but stream vector totals %d", memTotal, streamTotal)
		return
	}

	memGroups, err = split(vec, slotSize, maxGroups)
	if nil != err {
		return
	}
	streamGroups, err = splitStream(segs, slotSize, maxGroups)
	if nil != err {
		memGroups = nil
		return
	}

	if len(memGroups) != len(streamGroups) {
		err = blunder.NewError(blunder.InconsistentError, "lockstep split produced %d memory groups but %d stream groups", len(memGroups), len(streamGroups))
		memGroups = nil
		streamGroups = nil
		return
	}

	err = nil
	return
}
