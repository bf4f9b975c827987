// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package fileio

import (
	"context"
	"io"

	"github.com/NVIDIA/pvfsdev/blunder"
	"github.com/NVIDIA/pvfsdev/bucketstats"
	"github.com/NVIDIA/pvfsdev/bufmap"
	"github.com/NVIDIA/pvfsdev/devproto"
	"github.com/NVIDIA/pvfsdev/iovec"
	"github.com/NVIDIA/pvfsdev/logger"
	"github.com/NVIDIA/pvfsdev/upcall"
	"github.com/NVIDIA/pvfsdev/utils"
)

type statsStruct struct {
	Reads          bucketstats.Total
	Writes         bucketstats.Total
	Cycles         bucketstats.Total
	ShortTransfers bucketstats.Total
	AsyncSubmits   bucketstats.Total
	AsyncCancels   bucketstats.Total
	ReadBytes      bucketstats.BucketLog2
	WriteBytes     bucketstats.BucketLog2
	IOUsec         bucketstats.BucketLog2
}

type globalsStruct struct {
	stats statsStruct
}

var globals globalsStruct

func init() {
	bucketstats.Register("fileio", "", &globals.stats)
}

func (handle *Handle) flags() (flags devproto.Flags) {
	if handle.interruptible {
		flags = devproto.FlagInterruptible
	}
	return
}

func (handle *Handle) doIO(ctx context.Context, ioType devproto.IOType, vec [][]byte, offset int64, segs []iovec.StreamSeg) (n int, err error) {
	var (
		amt          int
		bufMap       *bufmap.BufMap
		memGroups    []iovec.Group
		slot         *bufmap.Slot
		slotSize     int
		stopwatch    = utils.NewStopwatch()
		streamGroups []iovec.StreamGroup
		total        = iovec.Total(vec)
	)

	if devproto.IOWrite == ioType {
		globals.stats.Writes.Increment()
	} else {
		globals.stats.Reads.Increment()
	}

	if 0 == total {
		if (nil != segs) && (0 != iovec.StreamTotal(segs)) {
			err = blunder.NewError(blunder.InvalidArgError, "empty memory vector with %d stream bytes", iovec.StreamTotal(segs))
		}
		return
	}

	bufMap = handle.dispatcher.BufMap()
	if nil == bufMap {
		err = blunder.NewError(blunder.NoDeviceError, "no buffer region is mapped")
		return
	}
	slotSize = int(bufMap.BlockSize())

	if nil == segs {
		memGroups, err = iovec.Split(vec, slotSize, 0)
	} else {
		memGroups, streamGroups, err = iovec.SplitLockstep(vec, segs, slotSize, 0)
	}
	if nil != err {
		return
	}

	slot, err = handle.dispatcher.AcquireBuffer(ctx, handle.interruptible)
	if nil != err {
		return
	}
	defer slot.Release()

	for i, group := range memGroups {
		request := devproto.FileIORequest{
			Ref:      handle.ref,
			IOType:   ioType,
			Offset:   offset + int64(n),
			Count:    uint64(group.Len),
			BufIndex: int32(slot.Index()),
		}
		if nil != streamGroups {
			request.Offset = 0
			request.Ranges = streamRanges(streamGroups[i].Segs)
		}

		amt, err = handle.cycle(ctx, slot, &request, group.Vec)
		if nil != err {
			if 0 < n {
				logger.WarnfWithError(err, "%v of %+v stopped after %d of %d bytes", ioType, handle.ref, n, total)
				err = nil
			}
			break
		}

		n += amt

		if amt < group.Len {
			globals.stats.ShortTransfers.Increment()
			logger.Tracef("short %v of %+v: %d of %d bytes in cycle %d", ioType, handle.ref, amt, group.Len, i)
			break
		}
	}

	if (nil == err) && (0 == n) {
		if devproto.IOWrite == ioType {
			err = blunder.NewError(blunder.IOError, "write of %d bytes to %+v transferred nothing", total, handle.ref)
		} else {
			err = io.EOF
		}
	}

	if devproto.IOWrite == ioType {
		globals.stats.WriteBytes.Add(uint64(n))
	} else {
		globals.stats.ReadBytes.Add(uint64(n))
	}
	globals.stats.IOUsec.Add(stopwatch.ElapsedUs())

	return
}

// cycle runs one FILE_IO exchange through slot. vec totals request.Count.
func (handle *Handle) cycle(ctx context.Context, slot *bufmap.Slot, request *devproto.FileIORequest, vec [][]byte) (amt int, err error) {
	var (
		op *upcall.Op
	)

	globals.stats.Cycles.Increment()

	if devproto.IOWrite == request.IOType {
		_, err = slot.CopyIn(vec)
		if nil != err {
			return
		}
	}

	op, err = handle.dispatcher.NewOp(devproto.OpFileIO)
	if nil != err {
		return
	}
	defer op.Release()

	op.Upcall.FileIO = request

	err = handle.dispatcher.Service(ctx, op, handle.retries, handle.flags())
	if nil != err {
		return
	}

	// let the service reuse the slot once we are done with it
	defer op.IOCompleted()

	if nil == op.Downcall.FileIO {
		err = blunder.NewError(blunder.ProtocolMismatchError, "FILE_IO tag %d answered without a body", op.Tag())
		return
	}
	if (0 > op.Downcall.FileIO.AmtComplete) || (uint64(op.Downcall.FileIO.AmtComplete) > request.Count) {
		err = blunder.NewError(blunder.ProtocolMismatchError, "FILE_IO tag %d reported %d of %d bytes", op.Tag(), op.Downcall.FileIO.AmtComplete, request.Count)
		return
	}

	amt = int(op.Downcall.FileIO.AmtComplete)

	if devproto.IORead == request.IOType {
		_, err = slot.CopyOut(vec, amt)
	}

	return
}

func streamRanges(segs []iovec.StreamSeg) (ranges []devproto.StreamRange) {
	ranges = make([]devproto.StreamRange, len(segs))
	for i, seg := range segs {
		ranges[i] = devproto.StreamRange{Offset: seg.Offset, Len: uint64(seg.Len)}
	}
	return
}

func (handle *Handle) simpleOp(ctx context.Context, opType devproto.OpType, fill func(request *devproto.Upcall)) (err error) {
	var (
		op *upcall.Op
	)

	op, err = handle.dispatcher.NewOp(opType)
	if nil != err {
		return
	}
	defer op.Release()

	fill(&op.Upcall)

	err = handle.dispatcher.Service(ctx, op, handle.retries, handle.flags())
	return
}
