// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package dirlist pages through directories held by the service process.
//
// To configure a Lister, use the following section of the .conf file:
//
//   [DirList]
//   MaxDirentCount: 32
//   ReaddirRetries: 10
//   Interruptible:  false
//
// A Cursor walks positions 0 ("."), 1 ("..") and then one position per entry
// returned by READDIR. The directory version reported with the first page is
// remembered; if a later page reports a different version the Cursor is
// rewound to position 0 and the Page is marked Restarted. After ReaddirRetries
// restarts a changing directory is listed anyway.
package dirlist

import (
	"context"

	"github.com/NVIDIA/pvfsdev/blunder"
	"github.com/NVIDIA/pvfsdev/conf"
	"github.com/NVIDIA/pvfsdev/devproto"
	"github.com/NVIDIA/pvfsdev/upcall"
)

// Config holds the [DirList] options
type Config struct {
	Name           string // statistics group name
	MaxDirentCount uint32
	ReaddirRetries int
	Interruptible  bool
}

const (
	DefaultMaxDirentCount = uint32(devproto.DefaultMaxDirentCount)
	DefaultReaddirRetries = 10
)

// ParseConfMap fetches the [DirList] section, supplying defaults for absent options.
func ParseConfMap(confMap conf.ConfMap) (config *Config, err error) {
	var (
		readdirRetries uint32
	)

	config = &Config{Name: "dirlist"}

	config.MaxDirentCount, err = confMap.FetchOptionValueUint32("DirList", "MaxDirentCount")
	if nil != err {
		config.MaxDirentCount = DefaultMaxDirentCount
	}
	readdirRetries, err = confMap.FetchOptionValueUint32("DirList", "ReaddirRetries")
	if nil == err {
		config.ReaddirRetries = int(readdirRetries)
	} else {
		config.ReaddirRetries = DefaultReaddirRetries
	}
	config.Interruptible, err = confMap.FetchOptionValueBool("DirList", "Interruptible")
	if nil != err {
		config.Interruptible = false
	}

	if 0 == config.MaxDirentCount {
		err = blunder.NewError(blunder.InvalidArgError, "DirList.MaxDirentCount must be positive")
		return
	}

	err = nil
	return
}

// Lister issues READDIR upcalls through a Dispatcher
type Lister struct {
	dispatcher *upcall.Dispatcher
	config     Config
	stats      *statsStruct
}

// New creates a Lister. Its statistics are registered under config.Name.
func New(dispatcher *upcall.Dispatcher, config *Config) (lister *Lister, err error) {
	lister, err = newLister(dispatcher, config)
	return
}

// Close unregisters the Lister's statistics
func (lister *Lister) Close() {
	lister.close()
}

// Entry is one name produced by a listing
type Entry struct {
	Name string
	Ref  devproto.ObjectRef
	Pos  int64 // position the entry was produced at
}

// Cursor is the resumable position of one listing
type Cursor struct {
	ref          devproto.ObjectRef
	parent       devproto.ObjectRef
	pos          int64
	token        uint64
	version      uint64
	versionKnown bool
	retriesLeft  int
	restarts     int
	end          bool
}

// NewCursor starts a listing of the directory ref, whose parent is parent (ref itself for a root).
func (lister *Lister) NewCursor(ref devproto.ObjectRef, parent devproto.ObjectRef) (cursor *Cursor) {
	cursor = lister.newCursor(ref, parent)
	return
}

// Pos returns the position the next entry will be produced at
func (cursor *Cursor) Pos() int64 {
	return cursor.pos
}

// End reports whether the listing is finished
func (cursor *Cursor) End() bool {
	return cursor.end
}

// Restarts returns how many times the listing was rewound by a version change
func (cursor *Cursor) Restarts() int {
	return cursor.restarts
}

// Page is the outcome of one ListPage call
type Page struct {
	Entries   []Entry
	Restarted bool // the directory changed; entries produced earlier are stale
	End       bool
}

// ListPage produces at most one READDIR page of entries (plus "." and ".." at
// position 0), passing each to emit. If emit returns false the entry is not
// consumed and the listing ends. emit may be nil. Once a Cursor is at its end,
// ListPage returns an empty Page without contacting the service.
func (lister *Lister) ListPage(ctx context.Context, cursor *Cursor, emit func(entry Entry) bool) (page Page, err error) {
	page, err = lister.listPage(ctx, cursor, emit)
	return
}

// List runs cursor to its end, discarding anything produced before a restart,
// and returns the complete listing.
func (lister *Lister) List(ctx context.Context, cursor *Cursor) (entries []Entry, err error) {
	entries, err = lister.list(ctx, cursor)
	return
}
