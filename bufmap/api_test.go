// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package bufmap

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NVIDIA/pvfsdev/blunder"
	"github.com/NVIDIA/pvfsdev/conf"
)

func TestParseConfMap(t *testing.T) {
	assert := assert.New(t)

	confMap, err := conf.MakeConfMapFromStrings([]string{
		"BufMap.BlockSize=64KiB",
		"BufMap.BlockCount=3",
		"BufMap.NonBlocking=yes",
	})
	require.NoError(t, err)

	config, err := ParseConfMap(confMap)
	require.NoError(t, err)
	assert.Equal(uint64(64*1024), config.BlockSize)
	assert.Equal(uint32(3), config.BlockCount)
	assert.True(config.NonBlocking)
	assert.Equal(DefaultAcquireTimeout, config.AcquireTimeout)

	config, err = ParseConfMap(conf.MakeConfMap())
	require.NoError(t, err)
	assert.Equal(DefaultBlockSize, config.BlockSize)
	assert.Equal(DefaultBlockCount, config.BlockCount)

	confMap, err = conf.MakeConfMapFromStrings([]string{"BufMap.BlockCount=0"})
	require.NoError(t, err)
	_, err = ParseConfMap(confMap)
	assert.True(blunder.Is(err, blunder.InvalidArgError))
}

func TestAcquireLowestFirst(t *testing.T) {
	assert := assert.New(t)

	bufMap, err := Map(&Config{BlockSize: 16, BlockCount: 3, NonBlocking: true, AcquireTimeout: time.Second})
	require.NoError(t, err)

	s0, err := bufMap.Acquire(context.Background(), false)
	require.NoError(t, err)
	s1, err := bufMap.Acquire(context.Background(), false)
	require.NoError(t, err)
	s2, err := bufMap.Acquire(context.Background(), false)
	require.NoError(t, err)

	assert.Equal(0, s0.Index())
	assert.Equal(1, s1.Index())
	assert.Equal(2, s2.Index())
	assert.Equal(16, len(s1.Bytes()))
	assert.Equal(0, bufMap.FreeCount())

	_, err = bufMap.Acquire(context.Background(), false)
	assert.True(blunder.Is(err, blunder.ResourceExhaustedError))

	s1.Release()
	s1.Release()
	assert.Equal(1, bufMap.FreeCount())

	s1, err = bufMap.Acquire(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(1, s1.Index())

	s0.Release()
	s1.Release()
	s2.Release()
	assert.Equal(3, bufMap.FreeCount())

	require.NoError(t, bufMap.Close())
	assert.True(bufMap.isUnmapped())
}

func TestBlockingAcquire(t *testing.T) {
	assert := assert.New(t)

	bufMap, err := Map(&Config{BlockSize: 16, BlockCount: 1, AcquireTimeout: 50 * time.Millisecond})
	require.NoError(t, err)
	defer bufMap.Close()

	held, err := bufMap.Acquire(context.Background(), false)
	require.NoError(t, err)

	_, err = bufMap.Acquire(context.Background(), false)
	assert.True(blunder.Is(err, blunder.TimeoutError))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = bufMap.Acquire(ctx, true)
	assert.True(blunder.Is(err, blunder.InterruptedWaitError))

	done := make(chan *Slot)
	go func() {
		slot, _ := bufMap.Acquire(context.Background(), false)
		done <- slot
	}()

	time.Sleep(10 * time.Millisecond)
	held.Release()

	slot := <-done
	require.NotNil(t, slot)
	assert.Equal(0, slot.Index())
	slot.Release()
}

func TestCopy(t *testing.T) {
	assert := assert.New(t)

	bufMap, err := Map(&Config{BlockSize: 8, BlockCount: 2, AcquireTimeout: time.Second})
	require.NoError(t, err)
	defer bufMap.Close()

	slot, err := bufMap.Acquire(context.Background(), false)
	require.NoError(t, err)
	defer slot.Release()

	n, err := slot.CopyIn([][]byte{[]byte("abc"), []byte("defgh")})
	require.NoError(t, err)
	assert.Equal(8, n)

	_, err = slot.CopyIn([][]byte{[]byte("abcdefghi")})
	assert.True(blunder.Is(err, blunder.InvalidArgError))

	out := [][]byte{make([]byte, 2), make([]byte, 10)}
	copied, err := slot.CopyOut(out, 6)
	require.NoError(t, err)
	assert.Equal(6, copied)
	assert.Equal([]byte("ab"), out[0])
	assert.Equal([]byte("cdef"), out[1][:4])

	copied, err = slot.CopyOut([][]byte{make([]byte, 3)}, 8)
	require.NoError(t, err)
	assert.Equal(3, copied)

	_, err = slot.CopyOut(out, 9)
	assert.True(blunder.Is(err, blunder.InvalidArgError))
}

func TestCloseDefersUnmap(t *testing.T) {
	assert := assert.New(t)

	bufMap, err := Map(&Config{BlockSize: 16, BlockCount: 2, AcquireTimeout: time.Second})
	require.NoError(t, err)

	slot, err := bufMap.Acquire(context.Background(), false)
	require.NoError(t, err)

	require.NoError(t, bufMap.Close())
	assert.False(bufMap.isUnmapped())

	_, err = bufMap.Acquire(context.Background(), false)
	assert.True(blunder.Is(err, blunder.NoDeviceError))

	assert.True(blunder.Is(bufMap.Close(), blunder.BadFileError))

	slot.Release()
	assert.True(bufMap.isUnmapped())
}

func TestFileBacked(t *testing.T) {
	assert := assert.New(t)

	dir, err := os.MkdirTemp("", "bufmap")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, "region")
	pageSize := uint64(os.Getpagesize())

	bufMap, err := Map(&Config{BlockSize: pageSize, BlockCount: 2, BackingFilePath: path, AcquireTimeout: time.Second})
	require.NoError(t, err)

	block, err := bufMap.Block(1)
	require.NoError(t, err)
	copy(block, "shared")

	_, err = bufMap.Block(2)
	assert.True(blunder.Is(err, blunder.InvalidArgError))

	require.NoError(t, bufMap.Close())

	contents, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(int(2*pageSize), len(contents))
	assert.Equal("shared", string(contents[pageSize:pageSize+6]))

	_, err = Map(&Config{BlockSize: pageSize + 1, BlockCount: 1, BackingFilePath: path})
	assert.True(blunder.Is(err, blunder.InvalidArgError))
}

func TestExactlyOnceRelease(t *testing.T) {
	bufMap, err := Map(&Config{BlockSize: 16, BlockCount: 4, AcquireTimeout: time.Second})
	require.NoError(t, err)
	defer bufMap.Close()

	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		slot, err := bufMap.Acquire(context.Background(), false)
		require.NoError(t, err)

		for j := 0; j < 4; j++ {
			wg.Add(1)
			go func() {
				slot.Release()
				wg.Done()
			}()
		}
		wg.Wait()
	}

	assert.Equal(t, 4, bufMap.FreeCount())
	assert.Equal(t, uint64(50), bufMap.stats.Releases.TotalGet())
}
