// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package refcntpool

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NVIDIA/pvfsdev/blunder"
)

type testItem struct {
	RefCntItem
	payload string
}

func testPoolMake(limit int64, resets *int) (pool *RefCntItemPool) {
	pool = &RefCntItemPool{
		New: func() interface{} {
			return &testItem{}
		},
		Reset: func(item interface{}) {
			item.(*testItem).payload = ""
			*resets++
		},
		Limit: limit,
	}
	return
}

func TestHoldRelease(t *testing.T) {
	assert := assert.New(t)

	var resets int

	pool := testPoolMake(0, &resets)

	item, err := pool.Get()
	require.NoError(t, err)
	ti := item.(*testItem)
	ti.payload = "op"

	assert.Equal(int32(1), ti.RefCnt())
	assert.Equal(int64(1), pool.Outstanding())

	ti.Hold()
	ti.Hold()
	assert.Equal(int32(3), ti.RefCnt())
	ti.AssertIsHeld()

	ti.Release()
	ti.Release()
	assert.Equal(0, resets)
	assert.Equal(int64(1), pool.Outstanding())

	ti.Release()
	assert.Equal(1, resets)
	assert.Equal("", ti.payload)
	assert.Equal(int64(0), pool.Outstanding())

	assert.Panics(func() { ti.Release() })
}

func TestHoldOnFreeItemPanics(t *testing.T) {
	var (
		heldItem     testItem
		assertedItem testItem
	)

	// a failed Hold leaves its increment behind, so each check gets a fresh item
	assert.Panics(t, func() { heldItem.Hold() })
	assert.Panics(t, func() { assertedItem.AssertIsHeld() })
}

func TestLimit(t *testing.T) {
	assert := assert.New(t)

	var resets int

	pool := testPoolMake(2, &resets)

	item1, err := pool.Get()
	require.NoError(t, err)
	item2, err := pool.Get()
	require.NoError(t, err)

	_, err = pool.Get()
	assert.True(blunder.Is(err, blunder.ResourceExhaustedError))
	assert.Equal(int64(2), pool.Outstanding())

	item1.(*testItem).Release()

	item3, err := pool.Get()
	assert.NoError(err)

	item2.(*testItem).Release()
	item3.(*testItem).Release()
	assert.Equal(int64(0), pool.Outstanding())
}

func TestConcurrentRelease(t *testing.T) {
	var (
		resets int
		wg     sync.WaitGroup
	)

	pool := testPoolMake(0, &resets)

	for i := 0; i < 100; i++ {
		item, err := pool.Get()
		require.NoError(t, err)
		ti := item.(*testItem)

		for j := 0; j < 3; j++ {
			ti.Hold()
		}

		// four holders race to release; exactly one returns the item
		for j := 0; j < 4; j++ {
			wg.Add(1)
			go func() {
				ti.Release()
				wg.Done()
			}()
		}
		wg.Wait()
	}

	assert.Equal(t, 100, resets)
	assert.Equal(t, int64(0), pool.Outstanding())
}
