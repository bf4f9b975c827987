// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package dirlist

import (
	"context"

	"github.com/NVIDIA/pvfsdev/blunder"
	"github.com/NVIDIA/pvfsdev/bucketstats"
	"github.com/NVIDIA/pvfsdev/devproto"
	"github.com/NVIDIA/pvfsdev/logger"
	"github.com/NVIDIA/pvfsdev/upcall"
	"github.com/NVIDIA/pvfsdev/utils"
)

type statsStruct struct {
	Pages          bucketstats.Total
	LocalPages     bucketstats.Total // answered without a READDIR
	Restarts       bucketstats.Total
	StaleListings  bucketstats.Total
	Stops          bucketstats.Total
	EntriesPerPage bucketstats.BucketLog2
	ReaddirUsec    bucketstats.BucketLog2
}

func newLister(dispatcher *upcall.Dispatcher, config *Config) (lister *Lister, err error) {
	if (nil == dispatcher) || (nil == config) {
		err = blunder.NewError(blunder.InvalidArgError, "dirlist requires a Dispatcher and a Config")
		return
	}
	if 0 == config.MaxDirentCount {
		err = blunder.NewError(blunder.InvalidArgError, "MaxDirentCount must be positive")
		return
	}
	if 0 > config.ReaddirRetries {
		err = blunder.NewError(blunder.InvalidArgError, "ReaddirRetries (%d) must not be negative", config.ReaddirRetries)
		return
	}

	lister = &Lister{
		dispatcher: dispatcher,
		config:     *config,
		stats:      &statsStruct{},
	}
	if "" == lister.config.Name {
		lister.config.Name = "dirlist"
	}

	bucketstats.Register("dirlist", lister.config.Name, lister.stats)

	err = nil
	return
}

func (lister *Lister) close() {
	bucketstats.UnRegister("dirlist", lister.config.Name)
}

func (lister *Lister) newCursor(ref devproto.ObjectRef, parent devproto.ObjectRef) (cursor *Cursor) {
	cursor = &Cursor{
		ref:         ref,
		parent:      parent,
		token:       devproto.ReaddirStart,
		retriesLeft: lister.config.ReaddirRetries,
	}
	return
}

// rewind returns cursor to position 0, keeping version as the one to expect
func (cursor *Cursor) rewind(version uint64) {
	cursor.pos = 0
	cursor.token = devproto.ReaddirStart
	cursor.version = version
	cursor.versionKnown = true
	cursor.end = false
}

// produce hands entry to emit, recording it in page if consumed
func (cursor *Cursor) produce(page *Page, emit func(entry Entry) bool, entry Entry) (consumed bool) {
	entry.Pos = cursor.pos
	if (nil != emit) && !emit(entry) {
		return false
	}
	page.Entries = append(page.Entries, entry)
	cursor.pos++
	return true
}

func (lister *Lister) listPage(ctx context.Context, cursor *Cursor, emit func(entry Entry) bool) (page Page, err error) {
	var (
		flags     devproto.Flags
		op        *upcall.Op
		response  *devproto.ReaddirResponse
		stopwatch *utils.Stopwatch
	)

	lister.stats.Pages.Increment()

	if cursor.end {
		lister.stats.LocalPages.Increment()
		page.End = true
		return
	}

	if 0 == cursor.pos {
		if !cursor.produce(&page, emit, Entry{Name: ".", Ref: cursor.ref}) {
			lister.stop(cursor, &page)
			return
		}
	}
	if 1 == cursor.pos {
		if !cursor.produce(&page, emit, Entry{Name: "..", Ref: cursor.parent}) {
			lister.stop(cursor, &page)
			return
		}
	}

	op, err = lister.dispatcher.NewOp(devproto.OpReaddir)
	if nil != err {
		return
	}
	defer op.Release()

	op.Upcall.Readdir = &devproto.ReaddirRequest{
		Ref:            cursor.ref,
		Token:          cursor.token,
		MaxDirentCount: lister.config.MaxDirentCount,
	}

	if lister.config.Interruptible {
		flags = devproto.FlagInterruptible
	}

	stopwatch = utils.NewStopwatch()
	err = lister.dispatcher.Service(ctx, op, lister.dispatcher.Config().RetryCount, flags)
	lister.stats.ReaddirUsec.Add(stopwatch.ElapsedUs())
	if nil != err {
		return
	}

	response = op.Downcall.Readdir
	if nil == response {
		err = blunder.NewError(blunder.ProtocolMismatchError, "READDIR of %+v answered without a body", cursor.ref)
		return
	}
	if uint32(len(response.Entries)) > lister.config.MaxDirentCount {
		err = blunder.NewError(blunder.ProtocolMismatchError, "READDIR of %+v returned %d entries (max %d)", cursor.ref, len(response.Entries), lister.config.MaxDirentCount)
		return
	}

	if !cursor.versionKnown {
		cursor.version = response.DirectoryVersion
		cursor.versionKnown = true
	} else if cursor.version != response.DirectoryVersion {
		if 0 < cursor.retriesLeft {
			cursor.retriesLeft--
			cursor.restarts++
			lister.stats.Restarts.Increment()
			logger.Tracef("directory %+v changed from version %d to %d at position %d; restarting (%d retries left)",
				cursor.ref, cursor.version, response.DirectoryVersion, cursor.pos, cursor.retriesLeft)
			cursor.rewind(response.DirectoryVersion)
			page = Page{Restarted: true}
			return
		}
		lister.stats.StaleListings.Increment()
		logger.Warnf("directory %+v still changing after %d restarts; listing may be inconsistent", cursor.ref, cursor.restarts)
		cursor.version = response.DirectoryVersion
	}

	for _, dirent := range response.Entries {
		if !cursor.produce(&page, emit, Entry{Name: dirent.Name, Ref: dirent.Ref}) {
			lister.stop(cursor, &page)
			lister.stats.EntriesPerPage.Add(uint64(len(page.Entries)))
			return
		}
	}

	lister.stats.EntriesPerPage.Add(uint64(len(response.Entries)))

	cursor.token = response.Token
	if (devproto.ReaddirEnd == response.Token) || (uint32(len(response.Entries)) < lister.config.MaxDirentCount) {
		cursor.end = true
		page.End = true
	}

	return
}

func (lister *Lister) stop(cursor *Cursor, page *Page) {
	lister.stats.Stops.Increment()
	cursor.end = true
	page.End = true
}

func (lister *Lister) list(ctx context.Context, cursor *Cursor) (entries []Entry, err error) {
	var (
		page Page
	)

	for !cursor.end {
		page, err = lister.listPage(ctx, cursor, nil)
		if nil != err {
			return
		}
		if page.Restarted {
			entries = entries[:0]
			continue
		}
		entries = append(entries, page.Entries...)
	}

	err = nil
	return
}
