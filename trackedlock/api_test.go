// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package trackedlock

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NVIDIA/pvfsdev/conf"
	"github.com/NVIDIA/pvfsdev/logger"
	"github.com/NVIDIA/pvfsdev/transitions"
)

func testSetup(t *testing.T, confStrings []string) (confMap conf.ConfMap, logTarget logger.LogTarget) {
	var (
		err error
	)

	confMap, err = conf.MakeConfMapFromStrings(append([]string{
		"Logging.LogFilePath=/dev/null",
		"Logging.LogToConsole=false",
	}, confStrings...))
	require.NoError(t, err)

	require.NoError(t, transitions.Up(confMap))

	logTarget.Init(32)
	logger.AddLogTarget(logTarget)

	return
}

func TestMutexCounting(t *testing.T) {
	confMap, _ := testSetup(t, nil)
	defer func() { assert.NoError(t, transitions.Down(confMap)) }()

	var (
		counter int
		mutex   Mutex
		wg      sync.WaitGroup
	)

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			for j := 0; j < 1000; j++ {
				mutex.Lock()
				counter++
				mutex.Unlock()
			}
			wg.Done()
		}()
	}
	wg.Wait()

	assert.Equal(t, 8000, counter)
}

func TestRWMutex(t *testing.T) {
	confMap, _ := testSetup(t, nil)
	defer func() { assert.NoError(t, transitions.Down(confMap)) }()

	var (
		rwMutex RWMutex
	)

	rwMutex.RLock()
	rwMutex.RLock()
	assert.Equal(t, int32(2), rwMutex.tracker.lockCnt)
	rwMutex.RUnlock()
	rwMutex.RUnlock()

	rwMutex.Lock()
	assert.Equal(t, int32(-1), rwMutex.tracker.lockCnt)
	rwMutex.Unlock()
	assert.Equal(t, int32(0), rwMutex.tracker.lockCnt)
}

func TestHoldTimeWarning(t *testing.T) {
	confMap, logTarget := testSetup(t, []string{
		"TrackedLock.LockHoldTimeLimit=20ms",
		"TrackedLock.LockCheckPeriod=10ms",
	})
	defer func() { assert.NoError(t, transitions.Down(confMap)) }()

	var (
		mutex Mutex
	)

	mutex.Lock()
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, 1, HeldCount())
	mutex.Unlock()
	assert.Equal(t, 0, HeldCount())

	found := false
	for _, entry := range logTarget.LogBuf.LogEntries {
		if strings.Contains(entry, "Unlock(): *trackedlock.Mutex") {
			found = true
		}
	}
	assert.True(t, found, "expected an over-limit Unlock() warning")

	// a short hold is not reported
	before := logTarget.LogBuf.TotalEntries
	mutex.Lock()
	mutex.Unlock()
	assert.Equal(t, before, logTarget.LogBuf.TotalEntries)
}

func TestReconfigure(t *testing.T) {
	confMap, _ := testSetup(t, nil)
	defer func() { assert.NoError(t, transitions.Down(confMap)) }()

	assert.Equal(t, time.Duration(0), holdTimeLimit())

	require.NoError(t, confMap.UpdateFromStrings([]string{
		"TrackedLock.LockHoldTimeLimit=1s",
		"TrackedLock.LockCheckPeriod=1ms", // below the minimum
	}))
	require.NoError(t, transitions.Signaled(confMap))

	assert.Equal(t, time.Second, holdTimeLimit())
	assert.Equal(t, 20*time.Second, checkPeriod())
}
