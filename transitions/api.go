// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package transitions sequences start-up, reconfiguration, and shutdown of the
// packages making up pvfsdevd.
package transitions

import (
	"github.com/NVIDIA/pvfsdev/conf"
)

// Callbacks is the interface implemented by each package desiring notification of
// configuration changes. Each such package should implement a struct with pointer
// receivers for each API listed below even when there is no interest in being
// notified of a particular condition.
//
// By calling transitions.Register() in the package's init() func, the proper order
// of registration will be ensured. In specific, the following callbacks will be
// issued in the same order as package init() func calls have registered:
//
//   Up()
//   MountAdded()
//   SignaledFinish()
//
// By contrast, the following callbacks will be issued in the reverse order as package
// init() func calls have registered:
//
//   SignaledStart()
//   MountRemoved()
//   Down()
//
// The set of mounts is taken from [Daemon]MountList. Each listed mount has
// a [Mount:<name>] section describing it.
//
type Callbacks interface {
	Up(confMap conf.ConfMap) (err error)
	MountAdded(confMap conf.ConfMap, mountName string) (err error)
	MountRemoved(confMap conf.ConfMap, mountName string) (err error)
	SignaledStart(confMap conf.ConfMap) (err error)
	SignaledFinish(confMap conf.ConfMap) (err error)
	Down(confMap conf.ConfMap) (err error)
}

// Register should be called from a package's init() func should the package be interested
// in one or more of the callbacks that they will receive. Each callback func should receive
// a struct implementing the Callbacks interface by reference.
//
// As an example, consider the following:
//
//   package foo
//
//   import "github.com/NVIDIA/pvfsdev/conf"
//   import "github.com/NVIDIA/pvfsdev/transitions"
//
//   type transitionsCallbackInterfaceStruct struct {
//   }
//
//   var transitionsCallbackInterface transitionsCallbackInterfaceStruct
//
//   func init() {
//       transitions.Register("foo", &transitionsCallbackInterface)
//   }
//
//   func (transitionsCallbackInterface *transitionsCallbackInterfaceStruct) Up(confMap conf.ConfMap) (err error) {
//       // Perform start-up initialization derived from confMap
//       // ...set err at some point
//       return
//   }
//
//   ...
//
// A special exception to the need for registration is the package logger. Package
// transitions makes an explicit reference to logging functions in package logger and,
// as such, will perform the registration for package logger itself.
//
func Register(packageName string, callbacks Callbacks) {
	register(packageName, callbacks)
}

// Up should be called at startup by the main() (or setup func) of each program including
// any of the packages needing callback notifications. This will trigger Up() callbacks
// to each of the packages that have registered with package transitions starting with
// package logger (that was registered automatically by package transitions).
//
// Following the Up() callbacks, MountAdded() will be called for each mount listed
// in [Daemon]MountList followed by SignaledFinish().
//
func Up(confMap conf.ConfMap) (err error) {
	return up(confMap)
}

// Signaled should be called during execution of a signal handler for e.g. SIGHUP by the
// main() (or monitoring func) of each program. The following callbacks are issued:
//
//   SignaledStart()  - reverse registration order
//   MountRemoved()   - reverse registration order (for each mount no longer listed)
//   MountAdded()     -         registration order (for each newly listed mount)
//   SignaledFinish() -         registration order
//
func Signaled(confMap conf.ConfMap) (err error) {
	return signaled(confMap)
}

// Down should be called just before shutdown by the main() (or teardown func) of each
// program. Prior to the Down() callbacks (issued in reverse registration order ending with
// package logger), SignaledStart() and MountRemoved() (for each current mount) are issued
// as if the confMap listed no mounts.
//
func Down(confMap conf.ConfMap) (err error) {
	return down(confMap)
}

// Mounts returns the names of the currently added mounts in sorted order.
func Mounts() (mountNames []string) {
	return mounts()
}
