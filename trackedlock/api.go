// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package trackedlock provides an implementation of sync.Mutex and sync.RWMutex
// interfaces that adds lock hold tracking.
//
// If lock tracking is enabled, the hold time of each exclusive lock is checked
// when it is unlocked.  If it was held longer than "LockHoldTimeLimit" a warning
// is logged along with the stack traces of the Lock() and Unlock().  In addition,
// a daemon, the trackedlock watcher, periodically checks for locks that are
// currently held too long and logs the goroutine ID and stack of the locker.
//
// The config variable "TrackedLock.LockHoldTimeLimit" is the hold time that
// triggers warning messages being logged.  If it is 0 then locks are not
// tracked and the overhead of this package is minimal.
//
// The config variable "TrackedLock.LockCheckPeriod" is how often the watcher
// checks tracked locks.  If it is 0 then no watcher is started.
//
// The dispatcher's queue, in-flight table, and buffer map locks are all
// trackedlock locks, so a wedged service or a leaked slot shows up here first.
//
package trackedlock

import (
	"sync"
)

// Mutex wraps sync.Mutex to add tracking of lock hold time and the stack
// trace of the locker.
//
type Mutex struct {
	wrappedMutex sync.Mutex
	tracker      mutexTrack
}

// RWMutex wraps sync.RWMutex to add tracking of exclusive lock hold time and
// the stack trace of the locker.  Shared holds are counted but not timed.
//
type RWMutex struct {
	wrappedRWMutex sync.RWMutex
	tracker        mutexTrack
}

func (m *Mutex) Lock() {
	m.wrappedMutex.Lock()

	m.tracker.lockTrack(m)
}

func (m *Mutex) Unlock() {
	m.tracker.unlockTrack(m)

	m.wrappedMutex.Unlock()
}

func (m *RWMutex) Lock() {
	m.wrappedRWMutex.Lock()

	m.tracker.lockTrack(m)
}

func (m *RWMutex) Unlock() {
	m.tracker.unlockTrack(m)

	m.wrappedRWMutex.Unlock()
}

func (m *RWMutex) RLock() {
	m.wrappedRWMutex.RLock()

	m.tracker.rLockTrack()
}

func (m *RWMutex) RUnlock() {
	m.tracker.rUnlockTrack()

	m.wrappedRWMutex.RUnlock()
}

// HeldCount returns the number of locks currently held exclusive for longer
// than LockHoldTimeLimit among those being watched.
func HeldCount() (count int) {
	return heldCount()
}
