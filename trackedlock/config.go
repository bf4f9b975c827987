// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package trackedlock

import (
	"sync/atomic"
	"time"

	"github.com/NVIDIA/pvfsdev/conf"
	"github.com/NVIDIA/pvfsdev/logger"
	"github.com/NVIDIA/pvfsdev/transitions"
)

func parseConfMap(confMap conf.ConfMap) (lockHoldTimeLimit time.Duration, lockCheckPeriod time.Duration) {
	var (
		err error
	)

	lockHoldTimeLimit, err = confMap.FetchOptionValueDuration("TrackedLock", "LockHoldTimeLimit")
	if nil != err {
		lockHoldTimeLimit = time.Duration(0)
	}

	// lockHoldTimeLimit must be >= 10ms or 0
	if (lockHoldTimeLimit < 10*time.Millisecond) && (0 != lockHoldTimeLimit) {
		logger.Warnf("config variable 'TrackedLock.LockHoldTimeLimit' value less then 10ms; defaulting to '40s'")
		lockHoldTimeLimit = 40 * time.Second
	}

	lockCheckPeriod, err = confMap.FetchOptionValueDuration("TrackedLock", "LockCheckPeriod")
	if nil != err {
		lockCheckPeriod = time.Duration(0)
	}

	// lockCheckPeriod must be >= 10ms or 0
	if (lockCheckPeriod < 10*time.Millisecond) && (0 != lockCheckPeriod) {
		logger.Warnf("config variable 'TrackedLock.LockCheckPeriod' value less then 10ms; defaulting to '20s'")
		lockCheckPeriod = 20 * time.Second
	}

	return
}

// Register trackedlock package with transitions so that transitions can call Up()/Down()/etc.
// at the appropriate times and config changes.
//
func init() {
	transitions.Register("trackedlock", &globals)
}

func startWatcher(lockHoldTimeLimit time.Duration, lockCheckPeriod time.Duration) {
	atomic.StoreInt64(&globals.lockHoldTimeLimit, int64(lockHoldTimeLimit))
	atomic.StoreInt64(&globals.lockCheckPeriod, int64(lockCheckPeriod))

	if (0 == lockCheckPeriod) || (0 == lockHoldTimeLimit) {
		return
	}

	globals.lockCheckTicker = time.NewTicker(lockCheckPeriod)
	globals.stopChan = make(chan struct{})
	globals.doneChan = make(chan struct{})
	go lockWatcher(globals.lockCheckTicker, globals.stopChan, globals.doneChan)
}

func stopWatcher() {
	if nil != globals.lockCheckTicker {
		globals.lockCheckTicker.Stop()
		globals.lockCheckTicker = nil
		close(globals.stopChan)
		<-globals.doneChan
	}

	atomic.StoreInt64(&globals.lockHoldTimeLimit, 0)
	atomic.StoreInt64(&globals.lockCheckPeriod, 0)

	globals.mapMutex.Lock()
	globals.mutexMap = make(map[*mutexTrack]interface{})
	globals.mapMutex.Unlock()
}

// Up initializes the package.  Locks can be used before it is called but
// tracking starts with the first Lock() call after it.
//
func (dummy *globalsStruct) Up(confMap conf.ConfMap) (err error) {
	lockHoldTimeLimit, lockCheckPeriod := parseConfMap(confMap)

	logger.Infof("trackedlock.Up(): LockHoldTimeLimit %v  LockCheckPeriod %v", lockHoldTimeLimit, lockCheckPeriod)

	globals.lockWatcherLocksLogged = 16

	globals.mapMutex.Lock()
	globals.mutexMap = make(map[*mutexTrack]interface{}, 128)
	globals.mapMutex.Unlock()

	startWatcher(lockHoldTimeLimit, lockCheckPeriod)

	err = nil
	return
}

func (dummy *globalsStruct) MountAdded(confMap conf.ConfMap, mountName string) (err error) {
	return nil
}

func (dummy *globalsStruct) MountRemoved(confMap conf.ConfMap, mountName string) (err error) {
	return nil
}

// SignaledStart does nothing (lock tracking is not changed until SignaledFinish())
func (dummy *globalsStruct) SignaledStart(confMap conf.ConfMap) (err error) {
	return nil
}

// SignaledFinish restarts the watcher if the tracking settings changed
func (dummy *globalsStruct) SignaledFinish(confMap conf.ConfMap) (err error) {
	lockHoldTimeLimit, lockCheckPeriod := parseConfMap(confMap)

	if (int64(lockHoldTimeLimit) == atomic.LoadInt64(&globals.lockHoldTimeLimit)) &&
		(int64(lockCheckPeriod) == atomic.LoadInt64(&globals.lockCheckPeriod)) {
		return nil
	}

	logger.Infof("trackedlock lock hold time limit/lock check period changing to %v/%v", lockHoldTimeLimit, lockCheckPeriod)

	stopWatcher()
	startWatcher(lockHoldTimeLimit, lockCheckPeriod)

	return nil
}

func (dummy *globalsStruct) Down(confMap conf.ConfMap) (err error) {
	logger.Infof("trackedlock.Down() called")
	stopWatcher()
	return nil
}
