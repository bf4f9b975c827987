// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package devproto

import (
	"math"
)

// ObjectRef names a filesystem object in the service's namespace
type ObjectRef struct {
	Handle uint64 `cbor:"h"`
	FsID   int32  `cbor:"f"`
}

// ObjType is the type of a filesystem object
type ObjType uint32

const (
	ObjTypeNone ObjType = iota
	ObjTypeFile
	ObjTypeDirectory
	ObjTypeSymlink
)

// Attr carries object attributes
type Attr struct {
	ObjType    ObjType `cbor:"t"`
	Mode       uint32  `cbor:"m"`
	UID        uint32  `cbor:"u"`
	GID        uint32  `cbor:"g"`
	Size       uint64  `cbor:"s"`
	Blocks     uint64  `cbor:"b,omitempty"`
	ATime      int64   `cbor:"at"`
	MTime      int64   `cbor:"mt"`
	CTime      int64   `cbor:"ct"`
	LinkTarget string  `cbor:"l,omitempty"`
}

// AttrMask selects which Attr fields a SETATTR changes
type AttrMask uint32

const (
	AttrMaskMode AttrMask = 1 << iota
	AttrMaskUID
	AttrMaskGID
	AttrMaskSize
	AttrMaskATime
	AttrMaskMTime
)

// IOType selects the direction of a FILE_IO
type IOType uint32

const (
	IORead IOType = iota
	IOWrite
)

func (ioType IOType) String() string {
	if IOWrite == ioType {
		return "write"
	}
	return "read"
}

// Readdir continuation tokens
const (
	ReaddirStart uint64 = math.MaxInt32 - 1
	ReaddirEnd   uint64 = math.MaxInt32 - 2

	// DefaultMaxDirentCount is the most entries a single READDIR page returns
	DefaultMaxDirentCount = 32
)

// Request payloads

// StreamRange is one contiguous run of file offsets
type StreamRange struct {
	Offset int64  `cbor:"o"`
	Len    uint64 `cbor:"l"`
}

// FileIORequest moves Count bytes between the slot at BufIndex and the file.
// If Ranges is non-empty the file side is the concatenation of Ranges (whose
// lengths total Count) and Offset is ignored.
type FileIORequest struct {
	Ref      ObjectRef     `cbor:"r"`
	IOType   IOType        `cbor:"t"`
	Offset   int64         `cbor:"o"`
	Count    uint64        `cbor:"c"`
	BufIndex int32         `cbor:"i"`
	Ranges   []StreamRange `cbor:"x,omitempty"`
}

type LookupRequest struct {
	Parent         ObjectRef `cbor:"p"`
	Name           string    `cbor:"n"`
	FollowSymlinks bool      `cbor:"s,omitempty"`
}

type CreateRequest struct {
	Parent ObjectRef `cbor:"p"`
	Name   string    `cbor:"n"`
	Attr   Attr      `cbor:"a"`
}

type GetattrRequest struct {
	Ref ObjectRef `cbor:"r"`
}

type RemoveRequest struct {
	Parent ObjectRef `cbor:"p"`
	Name   string    `cbor:"n"`
}

type MkdirRequest struct {
	Parent ObjectRef `cbor:"p"`
	Name   string    `cbor:"n"`
	Attr   Attr      `cbor:"a"`
}

type ReaddirRequest struct {
	Ref            ObjectRef `cbor:"r"`
	Token          uint64    `cbor:"t"`
	MaxDirentCount uint32    `cbor:"m"`
}

type SetattrRequest struct {
	Ref  ObjectRef `cbor:"r"`
	Mask AttrMask  `cbor:"k"`
	Attr Attr      `cbor:"a"`
}

type SymlinkRequest struct {
	Parent ObjectRef `cbor:"p"`
	Name   string    `cbor:"n"`
	Target string    `cbor:"t"`
	Attr   Attr      `cbor:"a"`
}

type RenameRequest struct {
	OldParent ObjectRef `cbor:"op"`
	OldName   string    `cbor:"on"`
	NewParent ObjectRef `cbor:"np"`
	NewName   string    `cbor:"nn"`
}

type StatfsRequest struct {
	FsID int32 `cbor:"f"`
}

type TruncateRequest struct {
	Ref  ObjectRef `cbor:"r"`
	Size uint64    `cbor:"s"`
}

type RAFlushRequest struct {
	Ref ObjectRef `cbor:"r"`
}

type FsMountRequest struct {
	ConfigServer string `cbor:"c"`
}

type FsUmountRequest struct {
	ID           int32  `cbor:"i"`
	FsID         int32  `cbor:"f"`
	ConfigServer string `cbor:"c"`
}

type GetxattrRequest struct {
	Ref  ObjectRef `cbor:"r"`
	Key  string    `cbor:"k"`
	Size uint32    `cbor:"s"`
}

// SetxattrFlags mirror XATTR_CREATE and XATTR_REPLACE
type SetxattrFlags uint32

const (
	XattrCreate SetxattrFlags = 1 << iota
	XattrReplace
)

type SetxattrRequest struct {
	Ref   ObjectRef     `cbor:"r"`
	Key   string        `cbor:"k"`
	Value []byte        `cbor:"v"`
	Flags SetxattrFlags `cbor:"f,omitempty"`
}

type ListxattrRequest struct {
	Ref   ObjectRef `cbor:"r"`
	Token uint64    `cbor:"t"`
}

type RemovexattrRequest struct {
	Ref ObjectRef `cbor:"r"`
	Key string    `cbor:"k"`
}

// ParamOp selects get or set for a PARAM upcall
type ParamOp uint32

const (
	ParamGet ParamOp = iota
	ParamSet
)

type ParamRequest struct {
	Op    ParamOp `cbor:"o"`
	Name  string  `cbor:"n"`
	Value int64   `cbor:"v,omitempty"`
}

type PerfCountRequest struct {
	Kind uint32 `cbor:"k"`
}

type CancelRequest struct {
	OpTag uint64 `cbor:"t"`
}

type FsyncRequest struct {
	Ref ObjectRef `cbor:"r"`
}

// Upcall is the request payload. Exactly one of the per-type pointers,
// matching Type, is set.
type Upcall struct {
	Type OpType `cbor:"type"`
	UID  uint32 `cbor:"uid"`
	GID  uint32 `cbor:"gid"`
	PID  int32  `cbor:"pid"`

	FileIO      *FileIORequest      `cbor:"io,omitempty"`
	Lookup      *LookupRequest      `cbor:"lookup,omitempty"`
	Create      *CreateRequest      `cbor:"create,omitempty"`
	Getattr     *GetattrRequest     `cbor:"getattr,omitempty"`
	Remove      *RemoveRequest      `cbor:"remove,omitempty"`
	Mkdir       *MkdirRequest       `cbor:"mkdir,omitempty"`
	Readdir     *ReaddirRequest     `cbor:"readdir,omitempty"`
	Setattr     *SetattrRequest     `cbor:"setattr,omitempty"`
	Symlink     *SymlinkRequest     `cbor:"symlink,omitempty"`
	Rename      *RenameRequest      `cbor:"rename,omitempty"`
	Statfs      *StatfsRequest      `cbor:"statfs,omitempty"`
	Truncate    *TruncateRequest    `cbor:"truncate,omitempty"`
	RAFlush     *RAFlushRequest     `cbor:"raflush,omitempty"`
	FsMount     *FsMountRequest     `cbor:"fsmount,omitempty"`
	FsUmount    *FsUmountRequest    `cbor:"fsumount,omitempty"`
	Getxattr    *GetxattrRequest    `cbor:"getxattr,omitempty"`
	Setxattr    *SetxattrRequest    `cbor:"setxattr,omitempty"`
	Listxattr   *ListxattrRequest   `cbor:"listxattr,omitempty"`
	Removexattr *RemovexattrRequest `cbor:"removexattr,omitempty"`
	Param       *ParamRequest       `cbor:"param,omitempty"`
	PerfCount   *PerfCountRequest   `cbor:"perfcount,omitempty"`
	Cancel      *CancelRequest      `cbor:"cancel,omitempty"`
	Fsync       *FsyncRequest       `cbor:"fsync,omitempty"`
}

// Response payloads

type FileIOResponse struct {
	AmtComplete int64 `cbor:"a"`
}

type LookupResponse struct {
	Ref ObjectRef `cbor:"r"`
}

type CreateResponse struct {
	Ref ObjectRef `cbor:"r"`
}

type GetattrResponse struct {
	Attr Attr `cbor:"a"`
}

type MkdirResponse struct {
	Ref ObjectRef `cbor:"r"`
}

// Dirent is one directory entry
type Dirent struct {
	Name string    `cbor:"n"`
	Ref  ObjectRef `cbor:"r"`
}

type ReaddirResponse struct {
	Token            uint64   `cbor:"t"`
	DirectoryVersion uint64   `cbor:"v"`
	Entries          []Dirent `cbor:"e"`
}

type SymlinkResponse struct {
	Ref ObjectRef `cbor:"r"`
}

type StatfsResponse struct {
	BlockSize   uint64 `cbor:"bs"`
	BlocksTotal uint64 `cbor:"bt"`
	BlocksAvail uint64 `cbor:"ba"`
	FilesTotal  uint64 `cbor:"ft"`
	FilesAvail  uint64 `cbor:"fa"`
}

type FsMountResponse struct {
	ID      int32     `cbor:"i"`
	FsID    int32     `cbor:"f"`
	RootRef ObjectRef `cbor:"r"`
}

type GetxattrResponse struct {
	Value []byte `cbor:"v"`
}

type ListxattrResponse struct {
	Token uint64   `cbor:"t"`
	Keys  []string `cbor:"k"`
}

type ParamResponse struct {
	Value int64 `cbor:"v"`
}

type PerfCountResponse struct {
	Buffer string `cbor:"b"`
}

// Downcall is the response payload. Status is zero on success or a negative
// errno. On success, the pointer matching Type (if the op type has a
// response body) is set.
type Downcall struct {
	Type   OpType `cbor:"type"`
	Status int32  `cbor:"status"`

	FileIO    *FileIOResponse    `cbor:"io,omitempty"`
	Lookup    *LookupResponse    `cbor:"lookup,omitempty"`
	Create    *CreateResponse    `cbor:"create,omitempty"`
	Getattr   *GetattrResponse   `cbor:"getattr,omitempty"`
	Mkdir     *MkdirResponse     `cbor:"mkdir,omitempty"`
	Readdir   *ReaddirResponse   `cbor:"readdir,omitempty"`
	Symlink   *SymlinkResponse   `cbor:"symlink,omitempty"`
	Statfs    *StatfsResponse    `cbor:"statfs,omitempty"`
	FsMount   *FsMountResponse   `cbor:"fsmount,omitempty"`
	Getxattr  *GetxattrResponse  `cbor:"getxattr,omitempty"`
	Listxattr *ListxattrResponse `cbor:"listxattr,omitempty"`
	Param     *ParamResponse     `cbor:"param,omitempty"`
	PerfCount *PerfCountResponse `cbor:"perfcount,omitempty"`
}
