// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package fileio moves file data between caller memory and the service process.
//
// Every call acquires one bufmap slot and holds it for the whole call. The
// caller's scatter/gather list is segmented into slot sized groups (see
// package iovec) and each group drives one FILE_IO submit/wait cycle through
// that slot. A transfer shorter than its group ends the call early; the bytes
// moved so far are returned without error. Only a call that moves nothing at
// all reports an error: io.EOF for reads, IOError for writes.
package fileio

import (
	"context"

	"github.com/NVIDIA/pvfsdev/blunder"
	"github.com/NVIDIA/pvfsdev/devproto"
	"github.com/NVIDIA/pvfsdev/iovec"
	"github.com/NVIDIA/pvfsdev/upcall"
)

// Handle issues file operations for one object
type Handle struct {
	dispatcher    *upcall.Dispatcher
	ref           devproto.ObjectRef
	retries       int
	interruptible bool
}

// ErrQueued is returned by AsyncIO.Result while the request is still queued or in progress
var ErrQueued = blunder.NewError(blunder.TryAgainError, "async I/O not yet complete")

// New returns a Handle for ref. Each FILE_IO cycle is retried up to retries
// times on timeout. If interruptible, cancelling the ctx passed to a call stops
// it with InterruptedWaitError.
func New(dispatcher *upcall.Dispatcher, ref devproto.ObjectRef, retries int, interruptible bool) (handle *Handle) {
	handle = &Handle{
		dispatcher:    dispatcher,
		ref:           ref,
		retries:       retries,
		interruptible: interruptible,
	}
	return
}

// Ref returns the object the Handle operates on
func (handle *Handle) Ref() devproto.ObjectRef {
	return handle.ref
}

// Read fills vec from the file starting at offset.
func (handle *Handle) Read(ctx context.Context, vec [][]byte, offset int64) (n int, err error) {
	n, err = handle.doIO(ctx, devproto.IORead, vec, offset, nil)
	return
}

// Write stores vec into the file starting at offset.
func (handle *Handle) Write(ctx context.Context, vec [][]byte, offset int64) (n int, err error) {
	n, err = handle.doIO(ctx, devproto.IOWrite, vec, offset, nil)
	return
}

// ReadX fills vec from the file ranges in segs. vec and segs must total the same length.
func (handle *Handle) ReadX(ctx context.Context, vec [][]byte, segs []iovec.StreamSeg) (n int, err error) {
	if 0 == len(segs) {
		err = blunder.NewError(blunder.InvalidArgError, "ReadX requires at least one stream segment")
		return
	}
	n, err = handle.doIO(ctx, devproto.IORead, vec, 0, segs)
	return
}

// WriteX stores vec into the file ranges in segs. vec and segs must total the same length.
func (handle *Handle) WriteX(ctx context.Context, vec [][]byte, segs []iovec.StreamSeg) (n int, err error) {
	if 0 == len(segs) {
		err = blunder.NewError(blunder.InvalidArgError, "WriteX requires at least one stream segment")
		return
	}
	n, err = handle.doIO(ctx, devproto.IOWrite, vec, 0, segs)
	return
}

// AsyncIO is a single-slot read or write submitted without waiting
type AsyncIO struct {
	asyncIO
}

// ReadAsync submits a read of len(buf) bytes at offset and returns at once.
// buf must fit in one slot. The caller must eventually Close the AsyncIO.
func (handle *Handle) ReadAsync(ctx context.Context, buf []byte, offset int64) (aio *AsyncIO, err error) {
	aio, err = handle.submitAsync(ctx, devproto.IORead, buf, offset)
	return
}

// WriteAsync submits a write of buf at offset and returns at once. buf must
// fit in one slot. The caller must eventually Close the AsyncIO.
func (handle *Handle) WriteAsync(ctx context.Context, buf []byte, offset int64) (aio *AsyncIO, err error) {
	aio, err = handle.submitAsync(ctx, devproto.IOWrite, buf, offset)
	return
}

// Result returns the outcome of a completed AsyncIO, or ErrQueued.
func (aio *AsyncIO) Result() (n int, err error) {
	n, err = aio.result()
	return
}

// Wait blocks until the AsyncIO completes or ctx is done.
func (aio *AsyncIO) Wait(ctx context.Context) (n int, err error) {
	n, err = aio.wait(ctx)
	return
}

// Cancel stops the AsyncIO. A request the service has not read yet is removed
// and reports InterruptedWaitError; one it is working on is cancelled with a
// CANCEL upcall and reports whatever the service answers.
func (aio *AsyncIO) Cancel() (n int, err error) {
	n, err = aio.cancel()
	return
}

// Close drops the caller's hold on the AsyncIO, cancelling it first if it is
// still pending. The slot is returned once the completion path is also done.
func (aio *AsyncIO) Close() {
	aio.close()
}

// Truncate sets the file size
func (handle *Handle) Truncate(ctx context.Context, size uint64) (err error) {
	err = handle.simpleOp(ctx, devproto.OpTruncate, func(request *devproto.Upcall) {
		request.Truncate = &devproto.TruncateRequest{Ref: handle.ref, Size: size}
	})
	return
}

// Fsync asks the service to make the file's data durable
func (handle *Handle) Fsync(ctx context.Context) (err error) {
	err = handle.simpleOp(ctx, devproto.OpFsync, func(request *devproto.Upcall) {
		request.Fsync = &devproto.FsyncRequest{Ref: handle.ref}
	})
	return
}

// RAFlush discards the service's read-ahead cache for the file
func (handle *Handle) RAFlush(ctx context.Context) (err error) {
	err = handle.simpleOp(ctx, devproto.OpRAFlush, func(request *devproto.Upcall) {
		request.RAFlush = &devproto.RAFlushRequest{Ref: handle.ref}
	})
	return
}
