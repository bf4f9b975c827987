// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package ramservice

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/NVIDIA/pvfsdev/blunder"
	"github.com/NVIDIA/pvfsdev/bufmap"
	"github.com/NVIDIA/pvfsdev/conf"
	"github.com/NVIDIA/pvfsdev/devproto"
	"github.com/NVIDIA/pvfsdev/upcall"
)

type testBlocks [][]byte

func (blocks testBlocks) Block(index int) (block []byte, err error) {
	if (0 > index) || (len(blocks) <= index) {
		err = blunder.NewError(blunder.InvalidArgError, "no block %d", index)
		return
	}
	block = blocks[index]
	return
}

var rootRef = devproto.ObjectRef{Handle: RootHandle, FsID: DefaultFsID}

func testService(t *testing.T, config *Config) (service *Service) {
	var (
		err error
	)

	if nil == config {
		config = &Config{}
	}
	service, err = New(config)
	require.NoError(t, err)
	return
}

// call processes one request and returns its only reply, converting a failure
// status into the error a dispatcher would produce
func call(t *testing.T, service *Service, request *devproto.Upcall) (downcall *devproto.Downcall, err error) {
	replies := service.Process(1, request)
	require.Len(t, replies, 1)
	require.Equal(t, uint64(1), replies[0].Tag)
	downcall = replies[0].Downcall
	require.Equal(t, request.Type, downcall.Type)
	if 0 != downcall.Status {
		err = blunder.NewServiceError(downcall.Status, "%v failed", request.Type)
	}
	return
}

func mkdir(t *testing.T, service *Service, parent devproto.ObjectRef, name string) devproto.ObjectRef {
	downcall, err := call(t, service, &devproto.Upcall{Type: devproto.OpMkdir, Mkdir: &devproto.MkdirRequest{Parent: parent, Name: name, Attr: devproto.Attr{Mode: 0755}}})
	require.NoError(t, err)
	return downcall.Mkdir.Ref
}

func create(t *testing.T, service *Service, parent devproto.ObjectRef, name string) devproto.ObjectRef {
	downcall, err := call(t, service, &devproto.Upcall{Type: devproto.OpCreate, Create: &devproto.CreateRequest{Parent: parent, Name: name, Attr: devproto.Attr{Mode: 0644}}})
	require.NoError(t, err)
	return downcall.Create.Ref
}

func TestParseConfMap(t *testing.T) {
	assert := assert.New(t)

	confMap, err := conf.MakeConfMapFromStrings([]string{
		"RAMService.HoldEveryNthRequest=3",
		"RAMService.ResponseDelay=10ms",
	})
	require.NoError(t, err)

	config, err := ParseConfMap(confMap)
	require.NoError(t, err)
	assert.Equal(DefaultFsID, config.FsID)
	assert.Equal(uint64(3), config.HoldEveryNthRequest)
	assert.Equal(10*time.Millisecond, config.ResponseDelay)
	assert.False(config.BumpVersionOnReaddir)
}

func TestNamespace(t *testing.T) {
	assert := assert.New(t)

	service := testService(t, nil)
	defer service.Close()

	dirRef := mkdir(t, service, rootRef, "dir")
	fileRef := create(t, service, dirRef, "file")

	_, err := call(t, service, &devproto.Upcall{Type: devproto.OpCreate, Create: &devproto.CreateRequest{Parent: dirRef, Name: "file"}})
	assert.True(blunder.Is(err, blunder.FileExistsError))

	downcall, err := call(t, service, &devproto.Upcall{Type: devproto.OpLookup, Lookup: &devproto.LookupRequest{Parent: dirRef, Name: "file"}})
	require.NoError(t, err)
	assert.Equal(fileRef, downcall.Lookup.Ref)

	_, err = call(t, service, &devproto.Upcall{Type: devproto.OpLookup, Lookup: &devproto.LookupRequest{Parent: dirRef, Name: "missing"}})
	assert.True(blunder.Is(err, blunder.NotFoundError))

	_, err = call(t, service, &devproto.Upcall{Type: devproto.OpSymlink, Symlink: &devproto.SymlinkRequest{Parent: dirRef, Name: "link", Target: "file"}})
	require.NoError(t, err)
	downcall, err = call(t, service, &devproto.Upcall{Type: devproto.OpLookup, Lookup: &devproto.LookupRequest{Parent: dirRef, Name: "link", FollowSymlinks: true}})
	require.NoError(t, err)
	assert.Equal(fileRef, downcall.Lookup.Ref)

	_, err = call(t, service, &devproto.Upcall{Type: devproto.OpSetattr, Setattr: &devproto.SetattrRequest{Ref: fileRef, Mask: devproto.AttrMaskMode | devproto.AttrMaskSize, Attr: devproto.Attr{Mode: 0600, Size: 100}}})
	require.NoError(t, err)
	downcall, err = call(t, service, &devproto.Upcall{Type: devproto.OpGetattr, Getattr: &devproto.GetattrRequest{Ref: fileRef}})
	require.NoError(t, err)
	assert.Equal(devproto.ObjTypeFile, downcall.Getattr.Attr.ObjType)
	assert.Equal(uint32(0600), downcall.Getattr.Attr.Mode)
	assert.Equal(uint64(100), downcall.Getattr.Attr.Size)

	_, err = call(t, service, &devproto.Upcall{Type: devproto.OpTruncate, Truncate: &devproto.TruncateRequest{Ref: fileRef, Size: 7}})
	require.NoError(t, err)
	downcall, err = call(t, service, &devproto.Upcall{Type: devproto.OpGetattr, Getattr: &devproto.GetattrRequest{Ref: fileRef}})
	require.NoError(t, err)
	assert.Equal(uint64(7), downcall.Getattr.Attr.Size)

	_, err = call(t, service, &devproto.Upcall{Type: devproto.OpRemove, Remove: &devproto.RemoveRequest{Parent: rootRef, Name: "dir"}})
	assert.True(blunder.Is(err, blunder.NotEmptyError))

	_, err = call(t, service, &devproto.Upcall{Type: devproto.OpRename, Rename: &devproto.RenameRequest{OldParent: dirRef, OldName: "file", NewParent: rootRef, NewName: "moved"}})
	require.NoError(t, err)
	downcall, err = call(t, service, &devproto.Upcall{Type: devproto.OpLookup, Lookup: &devproto.LookupRequest{Parent: rootRef, Name: "moved"}})
	require.NoError(t, err)
	assert.Equal(fileRef, downcall.Lookup.Ref)

	_, err = call(t, service, &devproto.Upcall{Type: devproto.OpRemove, Remove: &devproto.RemoveRequest{Parent: dirRef, Name: "link"}})
	require.NoError(t, err)
	_, err = call(t, service, &devproto.Upcall{Type: devproto.OpRemove, Remove: &devproto.RemoveRequest{Parent: rootRef, Name: "dir"}})
	require.NoError(t, err)
	_, err = call(t, service, &devproto.Upcall{Type: devproto.OpGetattr, Getattr: &devproto.GetattrRequest{Ref: dirRef}})
	assert.True(blunder.Is(err, blunder.NotFoundError))

	_, err = call(t, service, &devproto.Upcall{Type: devproto.OpGetattr})
	assert.True(blunder.Is(err, blunder.InvalidArgError))
}

func TestXattrsAndParams(t *testing.T) {
	assert := assert.New(t)

	service := testService(t, nil)
	defer service.Close()

	fileRef := create(t, service, rootRef, "file")

	_, err := call(t, service, &devproto.Upcall{Type: devproto.OpGetxattr, Getxattr: &devproto.GetxattrRequest{Ref: fileRef, Key: "user.a"}})
	assert.True(blunder.Is(err, blunder.NoDataError))

	_, err = call(t, service, &devproto.Upcall{Type: devproto.OpSetxattr, Setxattr: &devproto.SetxattrRequest{Ref: fileRef, Key: "user.a", Value: []byte("alpha"), Flags: devproto.XattrReplace}})
	assert.True(blunder.Is(err, blunder.NoDataError))
	_, err = call(t, service, &devproto.Upcall{Type: devproto.OpSetxattr, Setxattr: &devproto.SetxattrRequest{Ref: fileRef, Key: "user.a", Value: []byte("alpha"), Flags: devproto.XattrCreate}})
	require.NoError(t, err)
	_, err = call(t, service, &devproto.Upcall{Type: devproto.OpSetxattr, Setxattr: &devproto.SetxattrRequest{Ref: fileRef, Key: "user.a", Value: []byte("again"), Flags: devproto.XattrCreate}})
	assert.True(blunder.Is(err, blunder.FileExistsError))
	_, err = call(t, service, &devproto.Upcall{Type: devproto.OpSetxattr, Setxattr: &devproto.SetxattrRequest{Ref: fileRef, Key: "user.b", Value: []byte("b")}})
	require.NoError(t, err)

	downcall, err := call(t, service, &devproto.Upcall{Type: devproto.OpGetxattr, Getxattr: &devproto.GetxattrRequest{Ref: fileRef, Key: "user.a", Size: 16}})
	require.NoError(t, err)
	assert.Equal([]byte("alpha"), downcall.Getxattr.Value)

	_, err = call(t, service, &devproto.Upcall{Type: devproto.OpGetxattr, Getxattr: &devproto.GetxattrRequest{Ref: fileRef, Key: "user.a", Size: 2}})
	assert.True(blunder.Is(err, blunder.RangeError))

	downcall, err = call(t, service, &devproto.Upcall{Type: devproto.OpListxattr, Listxattr: &devproto.ListxattrRequest{Ref: fileRef}})
	require.NoError(t, err)
	assert.Equal([]string{"user.a", "user.b"}, downcall.Listxattr.Keys)
	assert.Equal(devproto.ReaddirEnd, downcall.Listxattr.Token)

	_, err = call(t, service, &devproto.Upcall{Type: devproto.OpRemovexattr, Removexattr: &devproto.RemovexattrRequest{Ref: fileRef, Key: "user.a"}})
	require.NoError(t, err)
	_, err = call(t, service, &devproto.Upcall{Type: devproto.OpRemovexattr, Removexattr: &devproto.RemovexattrRequest{Ref: fileRef, Key: "user.a"}})
	assert.True(blunder.Is(err, blunder.NoDataError))

	_, err = call(t, service, &devproto.Upcall{Type: devproto.OpParam, Param: &devproto.ParamRequest{Op: devproto.ParamGet, Name: "timeout"}})
	assert.True(blunder.Is(err, blunder.NotFoundError))
	_, err = call(t, service, &devproto.Upcall{Type: devproto.OpParam, Param: &devproto.ParamRequest{Op: devproto.ParamSet, Name: "timeout", Value: 30}})
	require.NoError(t, err)
	downcall, err = call(t, service, &devproto.Upcall{Type: devproto.OpParam, Param: &devproto.ParamRequest{Op: devproto.ParamGet, Name: "timeout"}})
	require.NoError(t, err)
	assert.Equal(int64(30), downcall.Param.Value)

	downcall, err = call(t, service, &devproto.Upcall{Type: devproto.OpStatfs, Statfs: &devproto.StatfsRequest{FsID: DefaultFsID}})
	require.NoError(t, err)
	assert.Equal(statfsBlockSize, downcall.Statfs.BlockSize)
	assert.Equal(statfsFilesTotal-2, downcall.Statfs.FilesAvail)
}

func TestFileIO(t *testing.T) {
	assert := assert.New(t)

	service := testService(t, nil)
	defer service.Close()

	fileRef := create(t, service, rootRef, "file")

	fileIO := func(ioType devproto.IOType, offset int64, count uint64, ranges []devproto.StreamRange) (int64, error) {
		downcall, err := call(t, service, &devproto.Upcall{Type: devproto.OpFileIO, FileIO: &devproto.FileIORequest{Ref: fileRef, IOType: ioType, Offset: offset, Count: count, BufIndex: 1, Ranges: ranges}})
		if nil != err {
			return 0, err
		}
		return downcall.FileIO.AmtComplete, nil
	}

	_, err := fileIO(devproto.IOWrite, 0, 4, nil)
	assert.True(blunder.Is(err, blunder.NoDeviceError))

	blocks := testBlocks{make([]byte, 8), make([]byte, 8)}
	service.Attach(blocks)

	copy(blocks[1], "abcdefgh")
	amt, err := fileIO(devproto.IOWrite, 2, 8, nil)
	require.NoError(t, err)
	assert.Equal(int64(8), amt)

	_, err = fileIO(devproto.IOWrite, 0, 9, nil)
	assert.True(blunder.Is(err, blunder.InvalidArgError))

	// the hole at the front reads as zeros; the read is short at EOF
	amt, err = fileIO(devproto.IORead, 4, 8, nil)
	require.NoError(t, err)
	assert.Equal(int64(6), amt)
	assert.Equal([]byte("cdefgh"), blocks[1][:6])

	amt, err = fileIO(devproto.IORead, 10, 8, nil)
	require.NoError(t, err)
	assert.Equal(int64(0), amt)

	// scattered file ranges gather into one slot
	amt, err = fileIO(devproto.IORead, 0, 4, []devproto.StreamRange{{Offset: 2, Len: 2}, {Offset: 8, Len: 2}})
	require.NoError(t, err)
	assert.Equal(int64(4), amt)
	assert.Equal([]byte("abgh"), blocks[1][:4])

	copy(blocks[1], "XY")
	amt, err = fileIO(devproto.IOWrite, 0, 2, []devproto.StreamRange{{Offset: 0, Len: 1}, {Offset: 9, Len: 1}})
	require.NoError(t, err)
	assert.Equal(int64(2), amt)

	amt, err = fileIO(devproto.IORead, 0, 8, []devproto.StreamRange{{Offset: 0, Len: 1}, {Offset: 9, Len: 1}})
	assert.True(blunder.Is(err, blunder.InvalidArgError))
	assert.Equal(int64(0), amt)

	amt, err = fileIO(devproto.IORead, 0, 2, []devproto.StreamRange{{Offset: 0, Len: 1}, {Offset: 9, Len: 1}})
	require.NoError(t, err)
	assert.Equal(int64(2), amt)
	assert.Equal([]byte("XY"), blocks[1][:2])

	dirRef := mkdir(t, service, rootRef, "dir")
	_, err = call(t, service, &devproto.Upcall{Type: devproto.OpFileIO, FileIO: &devproto.FileIORequest{Ref: dirRef, Count: 1}})
	assert.True(blunder.Is(err, blunder.IsDirError))
}

func readdirPage(t *testing.T, service *Service, ref devproto.ObjectRef, token uint64) *devproto.ReaddirResponse {
	downcall, err := call(t, service, &devproto.Upcall{Type: devproto.OpReaddir, Readdir: &devproto.ReaddirRequest{Ref: ref, Token: token, MaxDirentCount: 2}})
	require.NoError(t, err)
	return downcall.Readdir
}

func TestReaddirPaging(t *testing.T) {
	assert := assert.New(t)

	service := testService(t, nil)
	defer service.Close()

	for _, name := range []string{"e", "d", "c", "b", "a"} {
		create(t, service, rootRef, name)
	}

	var names []string

	page := readdirPage(t, service, rootRef, devproto.ReaddirStart)
	version := page.DirectoryVersion
	for devproto.ReaddirEnd != page.Token {
		for _, dirent := range page.Entries {
			names = append(names, dirent.Name)
		}
		assert.Equal(version, page.DirectoryVersion)
		page = readdirPage(t, service, rootRef, page.Token)
	}
	for _, dirent := range page.Entries {
		names = append(names, dirent.Name)
	}
	assert.Equal([]string{"a", "b", "c", "d", "e"}, names)
	assert.Equal(version, page.DirectoryVersion)

	page = readdirPage(t, service, rootRef, devproto.ReaddirEnd)
	assert.Empty(page.Entries)
	assert.Equal(devproto.ReaddirEnd, page.Token)

	// a change to the directory changes its version
	create(t, service, rootRef, "f")
	page = readdirPage(t, service, rootRef, devproto.ReaddirStart)
	assert.NotEqual(version, page.DirectoryVersion)
}

func TestReaddirVersionBump(t *testing.T) {
	service := testService(t, &Config{BumpVersionOnReaddir: true})
	defer service.Close()

	for _, name := range []string{"a", "b", "c"} {
		create(t, service, rootRef, name)
	}

	first := readdirPage(t, service, rootRef, devproto.ReaddirStart)
	second := readdirPage(t, service, rootRef, first.Token)
	assert.NotEqual(t, first.DirectoryVersion, second.DirectoryVersion)
	assert.Equal(t, devproto.ReaddirEnd, second.Token)
}

func TestHoldAndCancel(t *testing.T) {
	assert := assert.New(t)

	service := testService(t, &Config{HoldEveryNthRequest: 2})
	defer service.Close()

	getattr := &devproto.Upcall{Type: devproto.OpGetattr, Getattr: &devproto.GetattrRequest{Ref: rootRef}}

	assert.Len(service.Process(10, getattr), 1)
	assert.Empty(service.Process(11, getattr))
	assert.Equal([]uint64{11}, service.HeldTags())

	// a CANCEL for an unheld tag is just acknowledged
	replies := service.Process(12, &devproto.Upcall{Type: devproto.OpCancel, Cancel: &devproto.CancelRequest{OpTag: 10}})
	require.Len(t, replies, 1)
	assert.Equal(uint64(12), replies[0].Tag)
	assert.Equal(int32(0), replies[0].Downcall.Status)

	replies = service.Process(13, &devproto.Upcall{Type: devproto.OpCancel, Cancel: &devproto.CancelRequest{OpTag: 11}})
	require.Len(t, replies, 2)
	assert.Equal(uint64(11), replies[0].Tag)
	assert.Equal(devproto.OpGetattr, replies[0].Downcall.Type)
	assert.Equal(-int32(unix.ECANCELED), replies[0].Downcall.Status)
	assert.Equal(uint64(13), replies[1].Tag)
	assert.Equal(devproto.OpCancel, replies[1].Downcall.Type)
	assert.Empty(service.HeldTags())

	// CANCELs do not count toward HoldEveryNthRequest
	assert.Len(service.Process(14, getattr), 1)
	assert.Equal(uint64(3), service.Requests()[devproto.OpGetattr])
	assert.Equal(uint64(2), service.Requests()[devproto.OpCancel])
}

func TestServeDispatcher(t *testing.T) {
	assert := assert.New(t)

	dispatcher, err := upcall.NewDispatcher(&upcall.Config{
		Name:              "ramservice_TestServeDispatcher",
		OpTimeout:         time.Second,
		RetryCount:        upcall.DefaultRetryCount,
		InFlightTableSize: 7,
		MaxOutstandingOps: 16,
		MaxUpcallSize:     devproto.DefaultMaxUpcallSize,
		MaxDowncallSize:   devproto.DefaultMaxDowncallSize,
	})
	require.NoError(t, err)
	defer dispatcher.Close()

	device, err := dispatcher.OpenDevice(false)
	require.NoError(t, err)

	bufMap, err := device.Map(&bufmap.Config{BlockSize: 8, BlockCount: 2, AcquireTimeout: time.Second})
	require.NoError(t, err)

	service := testService(t, nil)
	defer service.Close()
	service.Attach(bufMap)

	ctx, cancel := context.WithCancel(context.Background())
	serveDone := make(chan error, 1)
	go func() {
		serveDone <- service.Serve(ctx, device)
	}()

	require.NoError(t, dispatcher.AddMount("vol", "tcp://localhost:3334/pvfs2-fs"))
	mount, err := dispatcher.Mount(context.Background(), "vol")
	require.NoError(t, err)
	assert.Equal(rootRef, mount.Root)

	op, err := dispatcher.NewOp(devproto.OpMkdir)
	require.NoError(t, err)
	op.Upcall.Mkdir = &devproto.MkdirRequest{Parent: mount.Root, Name: "sub"}
	require.NoError(t, dispatcher.Service(context.Background(), op, 0, devproto.FlagInterruptible))
	require.NotNil(t, op.Downcall.Mkdir)
	subRef := op.Downcall.Mkdir.Ref
	op.Release()

	op, err = dispatcher.NewOp(devproto.OpGetattr)
	require.NoError(t, err)
	op.Upcall.Getattr = &devproto.GetattrRequest{Ref: subRef}
	require.NoError(t, dispatcher.Service(context.Background(), op, 0, 0))
	assert.Equal(devproto.ObjTypeDirectory, op.Downcall.Getattr.Attr.ObjType)
	op.Release()

	op, err = dispatcher.NewOp(devproto.OpLookup)
	require.NoError(t, err)
	op.Upcall.Lookup = &devproto.LookupRequest{Parent: mount.Root, Name: "nope"}
	err = dispatcher.Service(context.Background(), op, 0, 0)
	assert.True(blunder.Is(err, blunder.NotFoundError))
	assert.True(blunder.IsServiceError(err))
	op.Release()

	cancel()
	require.NoError(t, <-serveDone)
	require.NoError(t, device.Close())
}
