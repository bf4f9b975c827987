// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package trackedlock

import (
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/NVIDIA/pvfsdev/logger"
	"github.com/NVIDIA/pvfsdev/utils"
)

type globalsStruct struct {
	mapMutex               sync.Mutex                  // protects mutexMap
	mutexMap               map[*mutexTrack]interface{} // locks currently held exclusive and being watched
	lockHoldTimeLimit      int64                       // (time.Duration) locks held longer then this get logged
	lockCheckPeriod        int64                       // (time.Duration) check locks once each period
	lockWatcherLocksLogged int                         // max overlimit locks logged by lockWatcher()
	stopChan               chan struct{}               // time to shutdown and go home
	doneChan               chan struct{}               // shutdown complete
	lockCheckTicker        *time.Ticker                // ticker for lock check time
}

var globals globalsStruct

type stackTraceBuf [4040]byte

var stackTraceBufPool = sync.Pool{
	New: func() interface{} {
		return &stackTraceBuf{}
	},
}

// mutexTrack tracks a Mutex or RWMutex held in exclusive mode
type mutexTrack struct {
	lockCnt    int32     // 0 if unlocked, -1 locked exclusive, > 0 locked shared
	lockTime   time.Time // time last exclusive lock completed
	lockerGoID uint64    // goroutine ID of the last exclusive locker
	lockStack  []byte    // stack trace when last locked exclusive
	stackBuf   *stackTraceBuf
}

func holdTimeLimit() time.Duration {
	return time.Duration(atomic.LoadInt64(&globals.lockHoldTimeLimit))
}

func checkPeriod() time.Duration {
	return time.Duration(atomic.LoadInt64(&globals.lockCheckPeriod))
}

func (mt *mutexTrack) lockTrack(wrappedLock interface{}) {
	mt.lockTime = time.Now()
	atomic.StoreInt32(&mt.lockCnt, -1)

	if 0 == holdTimeLimit() {
		return
	}

	mt.stackBuf = stackTraceBufPool.Get().(*stackTraceBuf)
	cnt := runtime.Stack(mt.stackBuf[:], false)
	mt.lockStack = mt.stackBuf[:cnt]
	mt.lockerGoID = utils.GetGID()

	if 0 != checkPeriod() {
		globals.mapMutex.Lock()
		if nil != globals.mutexMap {
			globals.mutexMap[mt] = wrappedLock
		}
		globals.mapMutex.Unlock()
	}
}

func (mt *mutexTrack) unlockTrack(wrappedLock interface{}) {
	var (
		limit = holdTimeLimit()
	)

	if 0 != limit {
		now := time.Now()
		if now.Sub(mt.lockTime) >= limit {
			var buf stackTraceBuf
			cnt := runtime.Stack(buf[:], false)

			lockStr := "locked before lock tracking enabled\n"
			if nil != mt.lockStack {
				lockStr = string(mt.lockStack)
			}
			logger.Warnf("Unlock(): %T at %p locked for %f sec; stack at call to Lock():\n%s stack at Unlock():\n%s",
				wrappedLock, wrappedLock, now.Sub(mt.lockTime).Seconds(), lockStr, string(buf[:cnt]))
		}

		globals.mapMutex.Lock()
		delete(globals.mutexMap, mt)
		globals.mapMutex.Unlock()
	}

	atomic.StoreInt32(&mt.lockCnt, 0)
	if nil != mt.stackBuf {
		stackTraceBufPool.Put(mt.stackBuf)
		mt.stackBuf = nil
		mt.lockStack = nil
	}
}

func (mt *mutexTrack) rLockTrack() {
	atomic.AddInt32(&mt.lockCnt, 1)
}

func (mt *mutexTrack) rUnlockTrack() {
	atomic.AddInt32(&mt.lockCnt, -1)
}

// overLimit returns the watched locks held longer than the limit, oldest first
// up to lockWatcherLocksLogged of them
func overLimit(now time.Time, limit time.Duration) (overLimitTracks []*mutexTrack, overLimitLocks []interface{}) {
	globals.mapMutex.Lock()
	defer globals.mapMutex.Unlock()

	for mt, wrappedLock := range globals.mutexMap {
		if now.Sub(mt.lockTime) < limit {
			continue
		}
		overLimitTracks = append(overLimitTracks, mt)
		overLimitLocks = append(overLimitLocks, wrappedLock)
		if len(overLimitTracks) >= globals.lockWatcherLocksLogged {
			break
		}
	}

	return
}

func heldCount() (count int) {
	tracks, _ := overLimit(time.Now(), holdTimeLimit())
	count = len(tracks)
	return
}

func lockWatcher(ticker *time.Ticker, stopChan chan struct{}, doneChan chan struct{}) {
	defer close(doneChan)

	for {
		select {
		case <-stopChan:
			return
		case now := <-ticker.C:
			limit := holdTimeLimit()
			if 0 == limit {
				continue
			}
			tracks, locks := overLimit(now, limit)
			for i, mt := range tracks {
				logger.Warnf("trackedlock watcher: %T at %p held for %f sec by goroutine %d",
					locks[i], locks[i], now.Sub(mt.lockTime).Seconds(), mt.lockerGoID)
			}
		}
	}
}
