// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package devproto defines the messages exchanged between the dispatcher and
// the user-space service process.
//
// A request (upcall) message is a fixed little endian header followed by a
// CBOR encoded Upcall:
//
//   +----------------+----------------+--------------------------------+
//   | ProtoVersion   | Magic          | Tag                            |
//   | int32          | int32          | uint64                         |
//   +----------------+----------------+--------------------------------+
//   | CBOR(Upcall)                                                      |
//   +------------------------------------------------------------------+
//
// A response (downcall) message is {Tag uint64} followed by a CBOR encoded
// Downcall. Bulk file data never travels in a message; it is staged through a
// bufmap slot named by FileIORequest.BufIndex.
//
// When the device is bridged over a stream socket, each message is carried in
// a frame (see WriteFrame and ReadFrame).
package devproto

import (
	"github.com/NVIDIA/cstruct"
	"github.com/fxamacker/cbor/v2"

	"github.com/NVIDIA/pvfsdev/blunder"
)

const (
	// Magic identifies a request header
	Magic int32 = 0x20030529

	// ProtocolVersion is major*10000 + minor*100 + patch of the message layout
	ProtocolVersion int32 = 20900

	// DefaultMaxUpcallSize and DefaultMaxDowncallSize bound a single message
	DefaultMaxUpcallSize   = 8 * 1024
	DefaultMaxDowncallSize = 16 * 1024

	// NameMax is the longest permitted name component
	NameMax = 256
)

// OpType names the kind of an operation
type OpType uint32

const (
	OpInvalid     OpType = 0x00000000
	OpFileIO      OpType = 0xFF000001
	OpLookup      OpType = 0xFF000002
	OpCreate      OpType = 0xFF000003
	OpGetattr     OpType = 0xFF000004
	OpRemove      OpType = 0xFF000005
	OpMkdir       OpType = 0xFF000006
	OpReaddir     OpType = 0xFF000007
	OpSetattr     OpType = 0xFF000008
	OpSymlink     OpType = 0xFF000009
	OpRename      OpType = 0xFF00000A
	OpStatfs      OpType = 0xFF00000B
	OpTruncate    OpType = 0xFF00000C
	OpRAFlush     OpType = 0xFF00000D
	OpFsMount     OpType = 0xFF00000E
	OpFsUmount    OpType = 0xFF00000F
	OpGetxattr    OpType = 0xFF000010
	OpSetxattr    OpType = 0xFF000011
	OpListxattr   OpType = 0xFF000012
	OpRemovexattr OpType = 0xFF000013
	OpParam       OpType = 0xFF000014
	OpPerfCount   OpType = 0xFF000015
	OpCancel      OpType = 0xFF00EE00
	OpFsync       OpType = 0xFF00EE01
)

var opTypeNames = map[OpType]string{
	OpInvalid:     "INVALID",
	OpFileIO:      "FILE_IO",
	OpLookup:      "LOOKUP",
	OpCreate:      "CREATE",
	OpGetattr:     "GETATTR",
	OpRemove:      "REMOVE",
	OpMkdir:       "MKDIR",
	OpReaddir:     "READDIR",
	OpSetattr:     "SETATTR",
	OpSymlink:     "SYMLINK",
	OpRename:      "RENAME",
	OpStatfs:      "STATFS",
	OpTruncate:    "TRUNCATE",
	OpRAFlush:     "MMAP_RA_FLUSH",
	OpFsMount:     "FS_MOUNT",
	OpFsUmount:    "FS_UMOUNT",
	OpGetxattr:    "GETXATTR",
	OpSetxattr:    "SETXATTR",
	OpListxattr:   "LISTXATTR",
	OpRemovexattr: "REMOVEXATTR",
	OpParam:       "PARAM",
	OpPerfCount:   "PERF_COUNT",
	OpCancel:      "CANCEL",
	OpFsync:       "FSYNC",
}

func (opType OpType) String() string {
	name, ok := opTypeNames[opType]
	if ok {
		return name
	}
	return "UNKNOWN"
}

// Flags modify how an operation is serviced
type Flags uint32

const (
	// FlagInterruptible lets ctx cancellation interrupt the caller's wait
	FlagInterruptible Flags = 1 << iota
	// FlagPriority enqueues at the head of the request queue
	FlagPriority
	// FlagCancellation marks a CANCEL upcall issued on behalf of another op
	FlagCancellation
	// FlagNoSemaphore skips the request lock (used while RemountAll holds it)
	FlagNoSemaphore
)

// RequestHeader precedes every upcall message
type RequestHeader struct {
	ProtoVersion int32
	Magic        int32
	Tag          uint64
}

// ResponseHeader precedes every downcall message
type ResponseHeader struct {
	Tag uint64
}

var (
	requestHeaderSize  uint64
	responseHeaderSize uint64

	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var (
		err error
	)

	requestHeaderSize, _, err = cstruct.Examine(RequestHeader{})
	if nil != err {
		panic(err)
	}
	responseHeaderSize, _, err = cstruct.Examine(ResponseHeader{})
	if nil != err {
		panic(err)
	}

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if nil != err {
		panic(err)
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if nil != err {
		panic(err)
	}
}

// RequestHeaderSize returns the packed size of RequestHeader
func RequestHeaderSize() int {
	return int(requestHeaderSize)
}

// ResponseHeaderSize returns the packed size of ResponseHeader
func ResponseHeaderSize() int {
	return int(responseHeaderSize)
}

// EncodeRequest builds an upcall message, failing with MessageTooLargeError if
// it would exceed maxSize bytes.
func EncodeRequest(tag uint64, upcall *Upcall, maxSize int) (msg []byte, err error) {
	var (
		body   []byte
		header []byte
	)

	header, err = cstruct.Pack(RequestHeader{ProtoVersion: ProtocolVersion, Magic: Magic, Tag: tag}, cstruct.LittleEndian)
	if nil != err {
		err = blunder.NewError(blunder.InconsistentError, "packing request header failed: %v", err)
		return
	}

	body, err = encMode.Marshal(upcall)
	if nil != err {
		err = blunder.NewError(blunder.InvalidArgError, "encoding %v upcall failed: %v", upcall.Type, err)
		return
	}

	if len(header)+len(body) > maxSize {
		err = blunder.NewError(blunder.MessageTooLargeError, "%v upcall of %d bytes exceeds maximum of %d", upcall.Type, len(header)+len(body), maxSize)
		return
	}

	msg = append(header, body...)

	err = nil
	return
}

// DecodeRequest parses an upcall message. A magic or protocol version mismatch
// yields ProtocolMismatchError (with the tag, if it could be read).
func DecodeRequest(msg []byte) (tag uint64, upcall *Upcall, err error) {
	var (
		bytesConsumed uint64
		header        RequestHeader
	)

	bytesConsumed, err = cstruct.Unpack(msg, &header, cstruct.LittleEndian)
	if nil != err {
		err = blunder.NewError(blunder.ProtocolMismatchError, "short request header: %v", err)
		return
	}

	tag = header.Tag

	if Magic != header.Magic {
		err = blunder.NewError(blunder.ProtocolMismatchError, "request tag %d has magic 0x%08X (expected 0x%08X)", tag, uint32(header.Magic), uint32(Magic))
		return
	}
	if ProtocolVersion != header.ProtoVersion {
		err = blunder.NewError(blunder.ProtocolMismatchError, "request tag %d has protocol version %d (expected %d)", tag, header.ProtoVersion, ProtocolVersion)
		return
	}

	upcall = &Upcall{}

	err = decMode.Unmarshal(msg[bytesConsumed:], upcall)
	if nil != err {
		err = blunder.NewError(blunder.ProtocolMismatchError, "request tag %d payload undecodable: %v", tag, err)
		upcall = nil
		return
	}

	err = nil
	return
}

// EncodeResponse builds a downcall message, failing with MessageTooLargeError
// if it would exceed maxSize bytes.
func EncodeResponse(tag uint64, downcall *Downcall, maxSize int) (msg []byte, err error) {
	var (
		body   []byte
		header []byte
	)

	header, err = cstruct.Pack(ResponseHeader{Tag: tag}, cstruct.LittleEndian)
	if nil != err {
		err = blunder.NewError(blunder.InconsistentError, "packing response header failed: %v", err)
		return
	}

	body, err = encMode.Marshal(downcall)
	if nil != err {
		err = blunder.NewError(blunder.InvalidArgError, "encoding %v downcall failed: %v", downcall.Type, err)
		return
	}

	if len(header)+len(body) > maxSize {
		err = blunder.NewError(blunder.MessageTooLargeError, "%v downcall of %d bytes exceeds maximum of %d", downcall.Type, len(header)+len(body), maxSize)
		return
	}

	msg = append(header, body...)

	err = nil
	return
}

// DecodeResponse parses a downcall message.
func DecodeResponse(msg []byte) (tag uint64, downcall *Downcall, err error) {
	var (
		bytesConsumed uint64
		header        ResponseHeader
	)

	bytesConsumed, err = cstruct.Unpack(msg, &header, cstruct.LittleEndian)
	if nil != err {
		err = blunder.NewError(blunder.ProtocolMismatchError, "short response header: %v", err)
		return
	}

	tag = header.Tag
	downcall = &Downcall{}

	err = decMode.Unmarshal(msg[bytesConsumed:], downcall)
	if nil != err {
		err = blunder.NewError(blunder.ProtocolMismatchError, "response tag %d payload undecodable: %v", tag, err)
		downcall = nil
		return
	}

	err = nil
	return
}

// ValidateName rejects empty names, names containing '/', and names longer than NameMax
func ValidateName(name string) (err error) {
	if 0 == len(name) {
		err = blunder.NewError(blunder.InvalidArgError, "empty name")
		return
	}
	if len(name) > NameMax {
		err = blunder.NewError(blunder.NameTooLongError, "name of %d bytes exceeds %d", len(name), NameMax)
		return
	}
	for i := 0; i < len(name); i++ {
		if '/' == name[i] {
			err = blunder.NewError(blunder.InvalidArgError, "name %q contains '/'", name)
			return
		}
	}
	err = nil
	return
}
