// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package upcall

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NVIDIA/pvfsdev/blunder"
	"github.com/NVIDIA/pvfsdev/devproto"
)

func TestMounts(t *testing.T) {
	assert := assert.New(t)

	dispatcher := testDispatcher(t, time.Second)
	defer dispatcher.Close()

	device, err := dispatcher.OpenDevice(false)
	require.NoError(t, err)

	var (
		typesLock sync.Mutex
		types     []devproto.OpType
	)

	service := startTestService(t, device, func(tag uint64, upcall *devproto.Upcall) []testReply {
		typesLock.Lock()
		types = append(types, upcall.Type)
		typesLock.Unlock()
		return answerAll(tag, upcall)
	})

	require.NoError(t, dispatcher.AddMount("vol1", "tcp://server1:3334/orangefs"))
	require.NoError(t, dispatcher.AddMount("vol0", "tcp://server0:3334/orangefs"))
	assert.True(blunder.Is(dispatcher.AddMount("vol0", "tcp://elsewhere:3334/orangefs"), blunder.FileExistsError))

	mounts := dispatcher.Mounts()
	require.Len(t, mounts, 2)
	assert.Equal("vol0", mounts[0].Name)
	assert.True(mounts[0].Pending)

	mount, err := dispatcher.Mount(context.Background(), "vol1")
	require.NoError(t, err)
	assert.False(mount.Pending)
	assert.Equal(int32(9), mount.FsID)
	assert.Equal(uint64(1048576), mount.Root.Handle)

	_, err = dispatcher.Mount(context.Background(), "vol9")
	assert.True(blunder.Is(err, blunder.NotFoundError))

	// a pending mount is forgotten without an FS_UMOUNT
	require.NoError(t, dispatcher.RemoveMount(context.Background(), "vol0"))
	require.NoError(t, dispatcher.RemoveMount(context.Background(), "vol1"))
	assert.True(blunder.Is(dispatcher.RemoveMount(context.Background(), "vol1"), blunder.NotFoundError))
	assert.Empty(dispatcher.Mounts())

	typesLock.Lock()
	assert.Equal([]devproto.OpType{devproto.OpFsMount, devproto.OpFsUmount}, types)
	typesLock.Unlock()

	service.stop()
	require.NoError(t, device.Close())
}

func TestRemountAllIsPriority(t *testing.T) {
	assert := assert.New(t)

	dispatcher := testDispatcher(t, time.Second)
	defer dispatcher.Close()

	device, err := dispatcher.OpenDevice(false)
	require.NoError(t, err)

	require.NoError(t, dispatcher.AddMount("vol0", "tcp://server0:3334/orangefs"))

	// an ordinary op already waiting when the service restarts
	op, err := dispatcher.NewOp(devproto.OpGetattr)
	require.NoError(t, err)
	op.Upcall.Getattr = &devproto.GetattrRequest{Ref: devproto.ObjectRef{Handle: 7, FsID: 9}}
	require.NoError(t, dispatcher.SubmitAsync(op, 0, nil))

	remounted := make(chan error, 1)
	go func() {
		remounted <- device.RemountAll(context.Background())
	}()

	waitFor(t, func() bool { return 2 == dispatcher.QueueDepth() })

	var (
		typesLock sync.Mutex
		types     []devproto.OpType
	)

	service := startTestService(t, device, func(tag uint64, upcall *devproto.Upcall) []testReply {
		typesLock.Lock()
		types = append(types, upcall.Type)
		typesLock.Unlock()
		return answerAll(tag, upcall)
	})

	require.NoError(t, <-remounted)
	waitFor(t, func() bool { return StateServiced == op.State() })

	typesLock.Lock()
	assert.Equal([]devproto.OpType{devproto.OpFsMount, devproto.OpGetattr}, types)
	typesLock.Unlock()

	mounts := dispatcher.Mounts()
	require.Len(t, mounts, 1)
	assert.False(mounts[0].Pending)
	assert.Equal(int32(9), mounts[0].FsID)

	waitFor(t, func() bool { return 1 == op.RefCnt() })
	op.Release()

	service.stop()
	require.NoError(t, device.Close())
}
