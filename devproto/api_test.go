// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package devproto

import (
	"bytes"
	"encoding/binary"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NVIDIA/pvfsdev/blunder"
)

func TestHeaderSizes(t *testing.T) {
	assert.Equal(t, 16, RequestHeaderSize())
	assert.Equal(t, 8, ResponseHeaderSize())
	assert.Equal(t, uint64(12), frameHeaderSize)
}

func TestRequestRoundTrip(t *testing.T) {
	assert := assert.New(t)

	upcall := &Upcall{
		Type: OpFileIO,
		UID:  1000,
		GID:  1000,
		PID:  42,
		FileIO: &FileIORequest{
			Ref:      ObjectRef{Handle: 7, FsID: 3},
			IOType:   IOWrite,
			Offset:   4096,
			Count:    10,
			BufIndex: 2,
		},
	}

	msg, err := EncodeRequest(99, upcall, DefaultMaxUpcallSize)
	require.NoError(t, err)

	assert.Equal(ProtocolVersion, int32(binary.LittleEndian.Uint32(msg[0:4])))
	assert.Equal(Magic, int32(binary.LittleEndian.Uint32(msg[4:8])))
	assert.Equal(uint64(99), binary.LittleEndian.Uint64(msg[8:16]))

	tag, decoded, err := DecodeRequest(msg)
	require.NoError(t, err)
	assert.Equal(uint64(99), tag)
	assert.Equal(upcall, decoded)
	assert.Nil(decoded.Lookup)
}

func TestRequestMismatch(t *testing.T) {
	assert := assert.New(t)

	msg, err := EncodeRequest(5, &Upcall{Type: OpStatfs, Statfs: &StatfsRequest{FsID: 1}}, DefaultMaxUpcallSize)
	require.NoError(t, err)

	badMagic := append([]byte(nil), msg...)
	binary.LittleEndian.PutUint32(badMagic[4:8], 0xDEADBEEF)
	tag, upcall, err := DecodeRequest(badMagic)
	assert.True(blunder.Is(err, blunder.ProtocolMismatchError))
	assert.Equal(uint64(5), tag)
	assert.Nil(upcall)

	badVersion := append([]byte(nil), msg...)
	binary.LittleEndian.PutUint32(badVersion[0:4], 20800)
	_, _, err = DecodeRequest(badVersion)
	assert.True(blunder.Is(err, blunder.ProtocolMismatchError))

	_, _, err = DecodeRequest(msg[:10])
	assert.True(blunder.Is(err, blunder.ProtocolMismatchError))
}

func TestMessageTooLarge(t *testing.T) {
	upcall := &Upcall{
		Type:     OpSetxattr,
		Setxattr: &SetxattrRequest{Key: "user.big", Value: make([]byte, DefaultMaxUpcallSize)},
	}

	_, err := EncodeRequest(1, upcall, DefaultMaxUpcallSize)
	assert.True(t, blunder.Is(err, blunder.MessageTooLargeError))

	downcall := &Downcall{
		Type:     OpGetxattr,
		Getxattr: &GetxattrResponse{Value: make([]byte, DefaultMaxDowncallSize)},
	}

	_, err = EncodeResponse(1, downcall, DefaultMaxDowncallSize)
	assert.True(t, blunder.Is(err, blunder.MessageTooLargeError))
}

func TestResponseRoundTrip(t *testing.T) {
	assert := assert.New(t)

	downcall := &Downcall{
		Type: OpReaddir,
		Readdir: &ReaddirResponse{
			Token:            ReaddirEnd,
			DirectoryVersion: 12,
			Entries: []Dirent{
				{Name: "a", Ref: ObjectRef{Handle: 10, FsID: 1}},
				{Name: "b", Ref: ObjectRef{Handle: 11, FsID: 1}},
			},
		},
	}

	msg, err := EncodeResponse(17, downcall, DefaultMaxDowncallSize)
	require.NoError(t, err)

	tag, decoded, err := DecodeResponse(msg)
	require.NoError(t, err)
	assert.Equal(uint64(17), tag)
	assert.Equal(downcall, decoded)

	_, _, err = DecodeResponse(msg[:4])
	assert.True(blunder.Is(err, blunder.ProtocolMismatchError))
}

func TestOpTypeString(t *testing.T) {
	assert.Equal(t, "FILE_IO", OpFileIO.String())
	assert.Equal(t, "CANCEL", OpCancel.String())
	assert.Equal(t, "UNKNOWN", OpType(0x1234).String())
}

func TestValidateName(t *testing.T) {
	assert := assert.New(t)

	assert.NoError(ValidateName("file"))
	assert.True(blunder.Is(ValidateName(""), blunder.InvalidArgError))
	assert.True(blunder.Is(ValidateName("a/b"), blunder.InvalidArgError))
	assert.NoError(ValidateName(strings.Repeat("x", NameMax)))
	assert.True(blunder.Is(ValidateName(strings.Repeat("x", NameMax+1)), blunder.NameTooLongError))
}

func TestFrames(t *testing.T) {
	assert := assert.New(t)

	var stream bytes.Buffer

	require.NoError(t, WriteFrame(&stream, FrameKindRequest, []byte("hello")))

	control, err := EncodeControl(&ControlRequest{Op: ControlMap, BlockSize: 4096, BlockCount: 5})
	require.NoError(t, err)
	require.NoError(t, WriteFrame(&stream, FrameKindControl, control))

	kind, body, err := ReadFrame(&stream, 1024)
	require.NoError(t, err)
	assert.Equal(FrameKindRequest, kind)
	assert.Equal([]byte("hello"), body)

	kind, body, err = ReadFrame(&stream, 1024)
	require.NoError(t, err)
	assert.Equal(FrameKindControl, kind)

	var req ControlRequest
	require.NoError(t, DecodeControl(body, &req))
	assert.Equal(ControlMap, req.Op)
	assert.Equal(uint64(4096), req.BlockSize)
	assert.Equal(uint32(5), req.BlockCount)

	_, _, err = ReadFrame(&stream, 1024)
	assert.Error(err)

	require.NoError(t, WriteFrame(&stream, FrameKindResponse, make([]byte, 100)))
	_, _, err = ReadFrame(&stream, 50)
	assert.True(blunder.Is(err, blunder.MessageTooLargeError))

	garbage := bytes.NewReader(make([]byte, 12))
	_, _, err = ReadFrame(garbage, 1024)
	assert.True(blunder.Is(err, blunder.ProtocolMismatchError))
}
