// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package utils

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func testFuncPackageCaller() (fn string, pkg string, gid uint64) {
	return GetFuncPackage(0)
}

func TestGetFuncPackage(t *testing.T) {
	assert := assert.New(t)

	fn, pkg, gid := testFuncPackageCaller()
	assert.Equal("testFuncPackageCaller", fn)
	assert.Equal("utils", pkg)
	assert.NotZero(gid)

	assert.True(strings.HasSuffix(GetFnName(), "TestGetFuncPackage"))
}

func TestGetGID(t *testing.T) {
	var (
		otherGID uint64
		wg       sync.WaitGroup
	)

	myGID := GetGID()

	wg.Add(1)
	go func() {
		otherGID = GetGID()
		wg.Done()
	}()
	wg.Wait()

	assert.NotZero(t, myGID)
	assert.NotEqual(t, myGID, otherGID)
}

func TestByteSliceConversions(t *testing.T) {
	assert := assert.New(t)

	u64, ok := ByteSliceToUint64(Uint64ToByteSlice(0x0102030405060708))
	assert.True(ok)
	assert.Equal(uint64(0x0102030405060708), u64)

	_, ok = ByteSliceToUint64([]byte{1, 2, 3})
	assert.False(ok)
}

func TestStopwatch(t *testing.T) {
	sw := NewStopwatch()
	time.Sleep(2 * time.Millisecond)
	elapsed := sw.Stop()

	assert.False(t, sw.IsRunning)
	assert.True(t, elapsed >= 2*time.Millisecond)
	assert.Equal(t, elapsed, sw.Elapsed())
	assert.True(t, sw.ElapsedUs() >= 2000)
}

func TestJSONify(t *testing.T) {
	type testStruct struct {
		Name  string
		Count uint64
	}

	assert.Equal(t, `{"Name":"slot","Count":4}`, JSONify(testStruct{Name: "slot", Count: 4}, false))
	assert.Equal(t, "{\n\t\"Name\": \"slot\",\n\t\"Count\": 4\n}", JSONify(&testStruct{Name: "slot", Count: 4}, true))
	assert.True(t, strings.HasPrefix(JSONify(make(chan int), false), "<<<json.Marshall failed"))
}
