// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package devproto

import (
	"io"

	"github.com/NVIDIA/cstruct"

	"github.com/NVIDIA/pvfsdev/blunder"
)

// FrameMagic is written at the end of every FrameHeader. A mismatch means the
// stream has lost sync.
const FrameMagic uint32 = 0x50565332

// FrameKind identifies what a frame carries
type FrameKind uint32

const (
	FrameKindInvalid FrameKind = iota
	// FrameKindRequest carries an upcall message (dispatcher -> service)
	FrameKindRequest
	// FrameKindResponse carries a downcall message (service -> dispatcher)
	FrameKindResponse
	// FrameKindControl carries a CBOR ControlRequest (service -> dispatcher)
	FrameKindControl
	// FrameKindControlReply carries a CBOR ControlReply (dispatcher -> service)
	FrameKindControlReply
)

func (kind FrameKind) String() string {
	switch kind {
	case FrameKindRequest:
		return "request"
	case FrameKindResponse:
		return "response"
	case FrameKindControl:
		return "control"
	case FrameKindControlReply:
		return "control-reply"
	default:
		return "invalid"
	}
}

// FrameHeader precedes each message on a stream transport
type FrameHeader struct {
	Len   uint32 // Number of bytes following header
	Kind  FrameKind
	Magic uint32
}

var frameHeaderSize uint64

func init() {
	var (
		err error
	)

	frameHeaderSize, _, err = cstruct.Examine(FrameHeader{})
	if nil != err {
		panic(err)
	}
}

// WriteFrame writes body preceded by its FrameHeader in a single Write call.
func WriteFrame(w io.Writer, kind FrameKind, body []byte) (err error) {
	var (
		frame  []byte
		header []byte
	)

	header, err = cstruct.Pack(FrameHeader{Len: uint32(len(body)), Kind: kind, Magic: FrameMagic}, cstruct.LittleEndian)
	if nil != err {
		err = blunder.NewError(blunder.InconsistentError, "packing frame header failed: %v", err)
		return
	}

	frame = make([]byte, 0, len(header)+len(body))
	frame = append(frame, header...)
	frame = append(frame, body...)

	_, err = w.Write(frame)
	if nil != err {
		err = blunder.AddError(err, blunder.IOError)
		return
	}

	err = nil
	return
}

// ReadFrame reads the next frame. Bodies longer than maxLen, or a bad magic,
// yield ProtocolMismatchError; the stream cannot be resynchronized after that.
func ReadFrame(r io.Reader, maxLen int) (kind FrameKind, body []byte, err error) {
	var (
		header    FrameHeader
		headerBuf []byte
	)

	headerBuf = make([]byte, frameHeaderSize)

	_, err = io.ReadFull(r, headerBuf)
	if nil != err {
		if io.EOF != err {
			err = blunder.AddError(err, blunder.IOError)
		}
		return
	}

	_, err = cstruct.Unpack(headerBuf, &header, cstruct.LittleEndian)
	if nil != err {
		err = blunder.NewError(blunder.ProtocolMismatchError, "frame header undecodable: %v", err)
		return
	}

	if FrameMagic != header.Magic {
		err = blunder.NewError(blunder.ProtocolMismatchError, "frame magic 0x%08X (expected 0x%08X)", header.Magic, FrameMagic)
		return
	}
	if int(header.Len) > maxLen {
		err = blunder.NewError(blunder.MessageTooLargeError, "frame of %d bytes exceeds maximum of %d", header.Len, maxLen)
		return
	}

	kind = header.Kind
	body = make([]byte, header.Len)

	_, err = io.ReadFull(r, body)
	if nil != err {
		err = blunder.NewError(blunder.IOError, "incomplete read of %v frame body: %v", kind, err)
		return
	}

	err = nil
	return
}

// ControlOp selects a control operation carried by a control frame
type ControlOp uint32

const (
	ControlGetInfo ControlOp = iota + 1
	ControlMap
	ControlRemountAll
)

func (op ControlOp) String() string {
	switch op {
	case ControlGetInfo:
		return "GetInfo"
	case ControlMap:
		return "Map"
	case ControlRemountAll:
		return "RemountAll"
	default:
		return "Unknown"
	}
}

// ControlRequest is the body of a control frame
type ControlRequest struct {
	Op              ControlOp `cbor:"op"`
	BackingFilePath string    `cbor:"path,omitempty"`
	BlockSize       uint64    `cbor:"bs,omitempty"`
	BlockCount      uint32    `cbor:"bc,omitempty"`
}

// ControlReply is the body of a control-reply frame. Status is zero or a
// negative errno.
type ControlReply struct {
	Op          ControlOp `cbor:"op"`
	Status      int32     `cbor:"status"`
	Message     string    `cbor:"msg,omitempty"`
	Magic       int32     `cbor:"magic,omitempty"`
	MaxUpsize   uint32    `cbor:"up,omitempty"`
	MaxDownsize uint32    `cbor:"down,omitempty"`
	BlockSize   uint64    `cbor:"bs,omitempty"`
	BlockCount  uint32    `cbor:"bc,omitempty"`
}

// EncodeControl marshals a ControlRequest or ControlReply
func EncodeControl(v interface{}) (body []byte, err error) {
	body, err = encMode.Marshal(v)
	if nil != err {
		err = blunder.NewError(blunder.InvalidArgError, "encoding %T failed: %v", v, err)
	}
	return
}

// DecodeControl unmarshals a control body into v
func DecodeControl(body []byte, v interface{}) (err error) {
	err = decMode.Unmarshal(body, v)
	if nil != err {
		err = blunder.NewError(blunder.ProtocolMismatchError, "decoding %T failed: %v", v, err)
	}
	return
}
