// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package ramservice

import (
	"sort"
	"time"

	"github.com/NVIDIA/sortedmap"

	"github.com/NVIDIA/pvfsdev/blunder"
	"github.com/NVIDIA/pvfsdev/bucketstats"
	"github.com/NVIDIA/pvfsdev/devproto"
)

// statfs reports a fixed capacity
const (
	statfsBlockSize   = uint64(4096)
	statfsBlocksTotal = uint64(1) << 28
	statfsFilesTotal  = uint64(1) << 24
)

func (service *serviceStruct) newObject(objType devproto.ObjType, mode uint32, uid uint32, gid uint32) (object *objectStruct) {
	now := time.Now().Unix()

	object = &objectStruct{
		ref:   devproto.ObjectRef{Handle: service.nextHandle, FsID: service.config.FsID},
		attr:  devproto.Attr{ObjType: objType, Mode: mode, UID: uid, GID: gid, ATime: now, MTime: now, CTime: now},
		nlink: 1,
	}
	if devproto.ObjTypeDirectory == objType {
		object.entries = sortedmap.NewLLRBTree(sortedmap.CompareString, service)
		object.version = 1
	}

	service.objects[object.ref.Handle] = object
	service.nextHandle++
	return
}

func (service *serviceStruct) objectLocked(ref devproto.ObjectRef) (object *objectStruct, err error) {
	if ref.FsID != service.config.FsID {
		err = blunder.NewError(blunder.NotFoundError, "fs_id %d is not served here", ref.FsID)
		return
	}
	object, ok := service.objects[ref.Handle]
	if !ok {
		err = blunder.NewError(blunder.NotFoundError, "handle 0x%016X not found", ref.Handle)
		return
	}
	err = nil
	return
}

func (service *serviceStruct) directoryLocked(ref devproto.ObjectRef) (directory *objectStruct, err error) {
	directory, err = service.objectLocked(ref)
	if nil != err {
		return
	}
	if devproto.ObjTypeDirectory != directory.attr.ObjType {
		err = blunder.NewError(blunder.NotDirError, "handle 0x%016X is not a directory", ref.Handle)
		return
	}
	return
}

func (service *serviceStruct) lookupLocked(directory *objectStruct, name string) (object *objectStruct, err error) {
	value, ok, err := directory.entries.GetByKey(name)
	if nil != err {
		err = blunder.AddError(err, blunder.IOError)
		return
	}
	if !ok {
		err = blunder.NewError(blunder.NotFoundError, "%q not found", name)
		return
	}
	object = service.objects[value.(uint64)]
	return
}

// linkLocked enters object into directory under name, which must not exist
func (service *serviceStruct) linkLocked(directory *objectStruct, name string, object *objectStruct) (err error) {
	err = devproto.ValidateName(name)
	if nil != err {
		return
	}
	_, ok, err := directory.entries.GetByKey(name)
	if nil != err {
		err = blunder.AddError(err, blunder.IOError)
		return
	}
	if ok {
		err = blunder.NewError(blunder.FileExistsError, "%q already exists", name)
		return
	}
	_, err = directory.entries.Put(name, object.ref.Handle)
	if nil != err {
		err = blunder.AddError(err, blunder.IOError)
		return
	}
	directory.touch()
	return
}

func (service *serviceStruct) unlinkLocked(directory *objectStruct, name string) (err error) {
	_, err = directory.entries.DeleteByKey(name)
	if nil != err {
		err = blunder.AddError(err, blunder.IOError)
		return
	}
	directory.touch()
	return
}

func (object *objectStruct) touch() {
	now := time.Now().Unix()
	object.attr.MTime = now
	object.attr.CTime = now
	if nil != object.entries {
		object.version++
	}
}

func (object *objectStruct) getattr() (attr devproto.Attr) {
	attr = object.attr
	switch attr.ObjType {
	case devproto.ObjTypeFile:
		attr.Size = uint64(len(object.data))
	case devproto.ObjTypeDirectory:
		count, _ := object.entries.Len()
		attr.Size = uint64(count)
	case devproto.ObjTypeSymlink:
		attr.Size = uint64(len(attr.LinkTarget))
	}
	attr.Blocks = (attr.Size + statfsBlockSize - 1) / statfsBlockSize
	return
}

func (service *serviceStruct) dispatchLocked(upcall *devproto.Upcall) (downcall *devproto.Downcall, err error) {
	downcall = &devproto.Downcall{Type: upcall.Type}

	switch upcall.Type {
	case devproto.OpFileIO:
		if nil == upcall.FileIO {
			break
		}
		downcall.FileIO, err = service.fileIOLocked(upcall.FileIO)
		return
	case devproto.OpLookup:
		if nil == upcall.Lookup {
			break
		}
		downcall.Lookup, err = service.lookup(upcall.Lookup)
		return
	case devproto.OpCreate:
		if nil == upcall.Create {
			break
		}
		var ref devproto.ObjectRef
		ref, err = service.create(upcall.Create.Parent, upcall.Create.Name, devproto.ObjTypeFile, upcall.Create.Attr, "")
		downcall.Create = &devproto.CreateResponse{Ref: ref}
		return
	case devproto.OpMkdir:
		if nil == upcall.Mkdir {
			break
		}
		var ref devproto.ObjectRef
		ref, err = service.create(upcall.Mkdir.Parent, upcall.Mkdir.Name, devproto.ObjTypeDirectory, upcall.Mkdir.Attr, "")
		downcall.Mkdir = &devproto.MkdirResponse{Ref: ref}
		return
	case devproto.OpSymlink:
		if nil == upcall.Symlink {
			break
		}
		var ref devproto.ObjectRef
		ref, err = service.create(upcall.Symlink.Parent, upcall.Symlink.Name, devproto.ObjTypeSymlink, upcall.Symlink.Attr, upcall.Symlink.Target)
		downcall.Symlink = &devproto.SymlinkResponse{Ref: ref}
		return
	case devproto.OpGetattr:
		if nil == upcall.Getattr {
			break
		}
		var object *objectStruct
		object, err = service.objectLocked(upcall.Getattr.Ref)
		if nil == err {
			downcall.Getattr = &devproto.GetattrResponse{Attr: object.getattr()}
		}
		return
	case devproto.OpSetattr:
		if nil == upcall.Setattr {
			break
		}
		err = service.setattr(upcall.Setattr)
		return
	case devproto.OpRemove:
		if nil == upcall.Remove {
			break
		}
		err = service.remove(upcall.Remove)
		return
	case devproto.OpRename:
		if nil == upcall.Rename {
			break
		}
		err = service.rename(upcall.Rename)
		return
	case devproto.OpReaddir:
		if nil == upcall.Readdir {
			break
		}
		downcall.Readdir, err = service.readdir(upcall.Readdir)
		return
	case devproto.OpStatfs:
		if nil == upcall.Statfs {
			break
		}
		downcall.Statfs, err = service.statfs(upcall.Statfs)
		return
	case devproto.OpTruncate:
		if nil == upcall.Truncate {
			break
		}
		err = service.truncate(upcall.Truncate)
		return
	case devproto.OpRAFlush:
		if nil == upcall.RAFlush {
			break
		}
		_, err = service.objectLocked(upcall.RAFlush.Ref)
		return
	case devproto.OpFsync:
		if nil == upcall.Fsync {
			break
		}
		_, err = service.objectLocked(upcall.Fsync.Ref)
		return
	case devproto.OpFsMount:
		if nil == upcall.FsMount {
			break
		}
		service.nextMountID++
		downcall.FsMount = &devproto.FsMountResponse{
			ID:      service.nextMountID,
			FsID:    service.config.FsID,
			RootRef: devproto.ObjectRef{Handle: RootHandle, FsID: service.config.FsID},
		}
		return
	case devproto.OpFsUmount:
		if nil == upcall.FsUmount {
			break
		}
		if upcall.FsUmount.FsID != service.config.FsID {
			err = blunder.NewError(blunder.NotFoundError, "fs_id %d is not mounted", upcall.FsUmount.FsID)
		}
		return
	case devproto.OpGetxattr:
		if nil == upcall.Getxattr {
			break
		}
		downcall.Getxattr, err = service.getxattr(upcall.Getxattr)
		return
	case devproto.OpSetxattr:
		if nil == upcall.Setxattr {
			break
		}
		err = service.setxattr(upcall.Setxattr)
		return
	case devproto.OpListxattr:
		if nil == upcall.Listxattr {
			break
		}
		downcall.Listxattr, err = service.listxattr(upcall.Listxattr)
		return
	case devproto.OpRemovexattr:
		if nil == upcall.Removexattr {
			break
		}
		err = service.removexattr(upcall.Removexattr)
		return
	case devproto.OpParam:
		if nil == upcall.Param {
			break
		}
		downcall.Param, err = service.param(upcall.Param)
		return
	case devproto.OpPerfCount:
		downcall.PerfCount = &devproto.PerfCountResponse{Buffer: bucketstats.SprintStats(bucketstats.StatFormatParsable1, "ramservice", service.statsName)}
		return
	default:
		err = blunder.NewError(blunder.NotImplementedError, "%v not implemented", upcall.Type)
		return
	}

	err = blunder.NewError(blunder.InvalidArgError, "%v request without a body", upcall.Type)
	return
}

func (service *serviceStruct) fileIOLocked(request *devproto.FileIORequest) (response *devproto.FileIOResponse, err error) {
	var (
		block  []byte
		file   *objectStruct
		ranges = request.Ranges
		done   uint64
	)

	file, err = service.objectLocked(request.Ref)
	if nil != err {
		return
	}
	if devproto.ObjTypeFile != file.attr.ObjType {
		err = blunder.NewError(blunder.IsDirError, "handle 0x%016X is not a regular file", request.Ref.Handle)
		return
	}
	if nil == service.blocks {
		err = blunder.NewError(blunder.NoDeviceError, "no region attached")
		return
	}
	block, err = service.blocks.Block(int(request.BufIndex))
	if nil != err {
		return
	}
	if request.Count > uint64(len(block)) {
		err = blunder.NewError(blunder.InvalidArgError, "count %d exceeds slot size %d", request.Count, len(block))
		return
	}
	if 0 == len(ranges) {
		ranges = []devproto.StreamRange{{Offset: request.Offset, Len: request.Count}}
	} else {
		total := uint64(0)
		for _, streamRange := range ranges {
			total += streamRange.Len
		}
		if total != request.Count {
			err = blunder.NewError(blunder.InvalidArgError, "ranges total %d but count is %d", total, request.Count)
			return
		}
	}

	for _, streamRange := range ranges {
		if 0 > streamRange.Offset {
			err = blunder.NewError(blunder.InvalidArgError, "negative offset %d", streamRange.Offset)
			return
		}
		offset := uint64(streamRange.Offset)
		slot := block[done : done+streamRange.Len]

		if devproto.IOWrite == request.IOType {
			end := offset + streamRange.Len
			if end > uint64(len(file.data)) {
				grown := make([]byte, end)
				copy(grown, file.data)
				file.data = grown
			}
			copy(file.data[offset:end], slot)
			done += streamRange.Len
			continue
		}

		if offset >= uint64(len(file.data)) {
			break
		}
		n := uint64(copy(slot, file.data[offset:]))
		done += n
		if n < streamRange.Len {
			break
		}
	}

	if devproto.IOWrite == request.IOType {
		file.touch()
		service.stats.WrittenBytes.Add(done)
	} else {
		file.attr.ATime = time.Now().Unix()
		service.stats.ReadBytes.Add(done)
	}

	response = &devproto.FileIOResponse{AmtComplete: int64(done)}
	return
}

func (service *serviceStruct) lookup(request *devproto.LookupRequest) (response *devproto.LookupResponse, err error) {
	var (
		directory *objectStruct
		object    *objectStruct
	)

	directory, err = service.directoryLocked(request.Parent)
	if nil != err {
		return
	}

	switch request.Name {
	case ".":
		object = directory
	default:
		object, err = service.lookupLocked(directory, request.Name)
		if nil != err {
			return
		}
	}

	if request.FollowSymlinks && (devproto.ObjTypeSymlink == object.attr.ObjType) {
		object, err = service.lookupLocked(directory, object.attr.LinkTarget)
		if nil != err {
			return
		}
	}

	response = &devproto.LookupResponse{Ref: object.ref}
	return
}

func (service *serviceStruct) create(parent devproto.ObjectRef, name string, objType devproto.ObjType, attr devproto.Attr, target string) (ref devproto.ObjectRef, err error) {
	var (
		directory *objectStruct
		object    *objectStruct
	)

	directory, err = service.directoryLocked(parent)
	if nil != err {
		return
	}
	if devproto.ObjTypeSymlink == objType {
		if (0 == len(target)) || (devproto.NameMax < len(target)) {
			err = blunder.NewError(blunder.InvalidArgError, "symlink target of %d bytes", len(target))
			return
		}
	}

	_, err = service.lookupLocked(directory, name)
	if nil == err {
		err = blunder.NewError(blunder.FileExistsError, "%q already exists", name)
		return
	}

	object = service.newObject(objType, attr.Mode, attr.UID, attr.GID)
	object.attr.LinkTarget = target

	err = service.linkLocked(directory, name, object)
	if nil != err {
		delete(service.objects, object.ref.Handle)
		return
	}
	if devproto.ObjTypeDirectory == objType {
		object.nlink = 2
		directory.nlink++
	}

	ref = object.ref
	return
}

func (service *serviceStruct) setattr(request *devproto.SetattrRequest) (err error) {
	object, err := service.objectLocked(request.Ref)
	if nil != err {
		return
	}

	if 0 != request.Mask&devproto.AttrMaskMode {
		object.attr.Mode = request.Attr.Mode
	}
	if 0 != request.Mask&devproto.AttrMaskUID {
		object.attr.UID = request.Attr.UID
	}
	if 0 != request.Mask&devproto.AttrMaskGID {
		object.attr.GID = request.Attr.GID
	}
	if 0 != request.Mask&devproto.AttrMaskSize {
		if devproto.ObjTypeFile != object.attr.ObjType {
			err = blunder.NewError(blunder.IsDirError, "size of a non-file cannot be set")
			return
		}
		object.resize(request.Attr.Size)
	}
	if 0 != request.Mask&devproto.AttrMaskATime {
		object.attr.ATime = request.Attr.ATime
	}
	if 0 != request.Mask&devproto.AttrMaskMTime {
		object.attr.MTime = request.Attr.MTime
	}
	object.attr.CTime = time.Now().Unix()
	return
}

func (object *objectStruct) resize(size uint64) {
	if size <= uint64(len(object.data)) {
		object.data = object.data[:size]
	} else {
		grown := make([]byte, size)
		copy(grown, object.data)
		object.data = grown
	}
	object.touch()
}

func (service *serviceStruct) truncate(request *devproto.TruncateRequest) (err error) {
	object, err := service.objectLocked(request.Ref)
	if nil != err {
		return
	}
	if devproto.ObjTypeFile != object.attr.ObjType {
		err = blunder.NewError(blunder.IsDirError, "handle 0x%016X is not a regular file", request.Ref.Handle)
		return
	}
	object.resize(request.Size)
	return
}

func (service *serviceStruct) remove(request *devproto.RemoveRequest) (err error) {
	var (
		count     int
		directory *objectStruct
		object    *objectStruct
	)

	directory, err = service.directoryLocked(request.Parent)
	if nil != err {
		return
	}
	object, err = service.lookupLocked(directory, request.Name)
	if nil != err {
		return
	}
	if devproto.ObjTypeDirectory == object.attr.ObjType {
		count, err = object.entries.Len()
		if nil != err {
			err = blunder.AddError(err, blunder.IOError)
			return
		}
		if 0 != count {
			err = blunder.NewError(blunder.NotEmptyError, "%q is not empty", request.Name)
			return
		}
		directory.nlink--
	}

	err = service.unlinkLocked(directory, request.Name)
	if nil != err {
		return
	}

	object.nlink--
	if (0 == object.nlink) || (devproto.ObjTypeDirectory == object.attr.ObjType) {
		delete(service.objects, object.ref.Handle)
	}
	return
}

func (service *serviceStruct) rename(request *devproto.RenameRequest) (err error) {
	var (
		newDirectory *objectStruct
		object       *objectStruct
		oldDirectory *objectStruct
		replaced     *objectStruct
	)

	oldDirectory, err = service.directoryLocked(request.OldParent)
	if nil != err {
		return
	}
	newDirectory, err = service.directoryLocked(request.NewParent)
	if nil != err {
		return
	}
	object, err = service.lookupLocked(oldDirectory, request.OldName)
	if nil != err {
		return
	}
	err = devproto.ValidateName(request.NewName)
	if nil != err {
		return
	}

	replaced, err = service.lookupLocked(newDirectory, request.NewName)
	if nil == err {
		if replaced == object {
			return
		}
		if devproto.ObjTypeDirectory == replaced.attr.ObjType {
			err = blunder.NewError(blunder.IsDirError, "rename over directory %q", request.NewName)
			return
		}
		err = service.unlinkLocked(newDirectory, request.NewName)
		if nil != err {
			return
		}
		replaced.nlink--
		if 0 == replaced.nlink {
			delete(service.objects, replaced.ref.Handle)
		}
	}

	err = service.unlinkLocked(oldDirectory, request.OldName)
	if nil != err {
		return
	}
	err = service.linkLocked(newDirectory, request.NewName, object)
	return
}

// readdir pages through a directory in name order. A token is the index of
// the next entry to return.
func (service *serviceStruct) readdir(request *devproto.ReaddirRequest) (response *devproto.ReaddirResponse, err error) {
	var (
		count     int
		directory *objectStruct
		index     int
		key       sortedmap.Key
		value     sortedmap.Value
	)

	directory, err = service.directoryLocked(request.Ref)
	if nil != err {
		return
	}

	switch request.Token {
	case devproto.ReaddirStart:
		index = 0
	case devproto.ReaddirEnd:
		response = &devproto.ReaddirResponse{Token: devproto.ReaddirEnd, DirectoryVersion: directory.version}
		return
	default:
		index = int(request.Token)
		if service.config.BumpVersionOnReaddir {
			directory.version++
		}
	}

	maxCount := int(request.MaxDirentCount)
	if 0 == maxCount {
		maxCount = devproto.DefaultMaxDirentCount
	}

	count, err = directory.entries.Len()
	if nil != err {
		err = blunder.AddError(err, blunder.IOError)
		return
	}

	response = &devproto.ReaddirResponse{DirectoryVersion: directory.version, Entries: make([]devproto.Dirent, 0, maxCount)}

	for (index < count) && (len(response.Entries) < maxCount) {
		key, value, _, err = directory.entries.GetByIndex(index)
		if nil != err {
			err = blunder.AddError(err, blunder.IOError)
			return
		}
		response.Entries = append(response.Entries, devproto.Dirent{
			Name: key.(string),
			Ref:  devproto.ObjectRef{Handle: value.(uint64), FsID: service.config.FsID},
		})
		index++
	}

	if index < count {
		response.Token = uint64(index)
	} else {
		response.Token = devproto.ReaddirEnd
	}

	service.stats.PagesReturned.Increment()
	return
}

func (service *serviceStruct) statfs(request *devproto.StatfsRequest) (response *devproto.StatfsResponse, err error) {
	var (
		used uint64
	)

	if request.FsID != service.config.FsID {
		err = blunder.NewError(blunder.NotFoundError, "fs_id %d is not served here", request.FsID)
		return
	}

	for _, object := range service.objects {
		used += (uint64(len(object.data)) + statfsBlockSize - 1) / statfsBlockSize
	}

	response = &devproto.StatfsResponse{
		BlockSize:   statfsBlockSize,
		BlocksTotal: statfsBlocksTotal,
		BlocksAvail: statfsBlocksTotal - used,
		FilesTotal:  statfsFilesTotal,
		FilesAvail:  statfsFilesTotal - uint64(len(service.objects)),
	}
	return
}

func (service *serviceStruct) getxattr(request *devproto.GetxattrRequest) (response *devproto.GetxattrResponse, err error) {
	object, err := service.objectLocked(request.Ref)
	if nil != err {
		return
	}
	value, ok := object.xattrs[request.Key]
	if !ok {
		err = blunder.NewError(blunder.NoDataError, "xattr %q not set", request.Key)
		return
	}
	if (0 != request.Size) && (uint32(len(value)) > request.Size) {
		err = blunder.NewError(blunder.RangeError, "xattr %q is %d bytes; buffer is %d", request.Key, len(value), request.Size)
		return
	}
	response = &devproto.GetxattrResponse{Value: append([]byte(nil), value...)}
	return
}

func (service *serviceStruct) setxattr(request *devproto.SetxattrRequest) (err error) {
	object, err := service.objectLocked(request.Ref)
	if nil != err {
		return
	}
	if 0 == len(request.Key) {
		err = blunder.NewError(blunder.InvalidArgError, "empty xattr key")
		return
	}
	_, exists := object.xattrs[request.Key]
	if exists && (0 != request.Flags&devproto.XattrCreate) {
		err = blunder.NewError(blunder.FileExistsError, "xattr %q exists", request.Key)
		return
	}
	if !exists && (0 != request.Flags&devproto.XattrReplace) {
		err = blunder.NewError(blunder.NoDataError, "xattr %q not set", request.Key)
		return
	}
	if nil == object.xattrs {
		object.xattrs = make(map[string][]byte)
	}
	object.xattrs[request.Key] = append([]byte(nil), request.Value...)
	object.attr.CTime = time.Now().Unix()
	return
}

// listxattr returns every key in one page; the token is the index of the first key
func (service *serviceStruct) listxattr(request *devproto.ListxattrRequest) (response *devproto.ListxattrResponse, err error) {
	object, err := service.objectLocked(request.Ref)
	if nil != err {
		return
	}

	keys := make([]string, 0, len(object.xattrs))
	for key := range object.xattrs {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	if request.Token > uint64(len(keys)) {
		err = blunder.NewError(blunder.InvalidArgError, "listxattr token %d beyond %d keys", request.Token, len(keys))
		return
	}

	response = &devproto.ListxattrResponse{Token: devproto.ReaddirEnd, Keys: keys[request.Token:]}
	return
}

func (service *serviceStruct) removexattr(request *devproto.RemovexattrRequest) (err error) {
	object, err := service.objectLocked(request.Ref)
	if nil != err {
		return
	}
	_, ok := object.xattrs[request.Key]
	if !ok {
		err = blunder.NewError(blunder.NoDataError, "xattr %q not set", request.Key)
		return
	}
	delete(object.xattrs, request.Key)
	return
}

func (service *serviceStruct) param(request *devproto.ParamRequest) (response *devproto.ParamResponse, err error) {
	switch request.Op {
	case devproto.ParamGet:
		value, ok := service.params[request.Name]
		if !ok {
			err = blunder.NewError(blunder.NotFoundError, "param %q not set", request.Name)
			return
		}
		response = &devproto.ParamResponse{Value: value}
	case devproto.ParamSet:
		service.params[request.Name] = request.Value
		response = &devproto.ParamResponse{Value: request.Value}
	default:
		err = blunder.NewError(blunder.InvalidArgError, "param op %d", request.Op)
	}
	return
}
