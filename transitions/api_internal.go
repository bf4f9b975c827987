// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package transitions

import (
	"container/list"
	"fmt"
	"sort"
	"sync"

	"github.com/NVIDIA/pvfsdev/conf"
	"github.com/NVIDIA/pvfsdev/logger"
)

type loggerCallbacksInterfaceStruct struct {
}

var loggerCallbacksInterface loggerCallbacksInterfaceStruct

type registrationItemStruct struct {
	packageName string
	callbacks   Callbacks
}

type globalsStruct struct {
	sync.Mutex                                          // Protects insertions into registration{List|Set} during init() phase
	registrationList *list.List                         // Value: *registrationItemStruct
	registrationSet  map[string]*registrationItemStruct // Key: registrationItemStruct.packageName
	currentMountSet  map[string]struct{}                // Key: mount name
	addedMountList   []string
	removedMountList []string
}

var globals globalsStruct

func init() {
	globals.Lock()
	globals.registrationList = list.New()
	globals.registrationSet = make(map[string]*registrationItemStruct)
	globals.currentMountSet = make(map[string]struct{})
	globals.Unlock()

	Register("logger", &loggerCallbacksInterface)
}

func register(packageName string, callbacks Callbacks) {
	var (
		alreadyRegistered bool
		registrationItem  *registrationItemStruct
	)

	globals.Lock()
	_, alreadyRegistered = globals.registrationSet[packageName]
	if alreadyRegistered {
		globals.Unlock()
		logger.Fatalf("transitions.Register(%s,) called twice", packageName)
		return
	}
	registrationItem = &registrationItemStruct{packageName, callbacks}
	_ = globals.registrationList.PushBack(registrationItem)
	globals.registrationSet[packageName] = registrationItem
	globals.Unlock()
}

// forEach invokes callback for each registered package, front to back or back to front
func forEach(forward bool, what string, callback func(registrationItem *registrationItemStruct) (err error)) (err error) {
	var (
		registrationItem        *registrationItemStruct
		registrationListElement *list.Element
	)

	if forward {
		registrationListElement = globals.registrationList.Front()
	} else {
		registrationListElement = globals.registrationList.Back()
	}

	for nil != registrationListElement {
		registrationItem = registrationListElement.Value.(*registrationItemStruct)
		logger.Tracef("transitions calling %s.%s", registrationItem.packageName, what)
		err = callback(registrationItem)
		if nil != err {
			logger.Errorf("transitions call to %s.%s failed: %v", registrationItem.packageName, what, err)
			err = fmt.Errorf("%s.%s failed: %v", registrationItem.packageName, what, err)
			return
		}
		if forward {
			registrationListElement = registrationListElement.Next()
		} else {
			registrationListElement = registrationListElement.Prev()
		}
	}

	err = nil
	return
}

// computeMountDelta fills in added/removedMountList relative to currentMountSet
func computeMountDelta(confMap conf.ConfMap, emptyConfMap bool) (err error) {
	var (
		mountName     string
		mountNameList []string
		newMountSet   map[string]struct{}
		ok            bool
	)

	newMountSet = make(map[string]struct{})

	if !emptyConfMap {
		mountNameList, err = confMap.FetchOptionValueStringSlice("Daemon", "MountList")
		if nil != err {
			mountNameList = []string{}
		}

		for _, mountName = range mountNameList {
			_, ok = newMountSet[mountName]
			if ok {
				err = fmt.Errorf("[Daemon]MountList lists %s more than once", mountName)
				return
			}
			_, ok = confMap[fmt.Sprintf("Mount:%s", mountName)]
			if !ok {
				err = fmt.Errorf("[Daemon]MountList lists %s but [Mount:%s] is missing", mountName, mountName)
				return
			}
			newMountSet[mountName] = struct{}{}
		}
	}

	globals.addedMountList = []string{}
	globals.removedMountList = []string{}

	for mountName = range newMountSet {
		_, ok = globals.currentMountSet[mountName]
		if !ok {
			globals.addedMountList = append(globals.addedMountList, mountName)
		}
	}
	for mountName = range globals.currentMountSet {
		_, ok = newMountSet[mountName]
		if !ok {
			globals.removedMountList = append(globals.removedMountList, mountName)
		}
	}

	sort.Strings(globals.addedMountList)
	sort.Strings(globals.removedMountList)

	err = nil
	return
}

func applyRemovedMounts(confMap conf.ConfMap) (err error) {
	for _, mountName := range globals.removedMountList {
		err = forEach(false, "MountRemoved("+mountName+")", func(registrationItem *registrationItemStruct) error {
			return registrationItem.callbacks.MountRemoved(confMap, mountName)
		})
		if nil != err {
			return
		}
		delete(globals.currentMountSet, mountName)
	}
	return
}

func applyAddedMounts(confMap conf.ConfMap) (err error) {
	for _, mountName := range globals.addedMountList {
		err = forEach(true, "MountAdded("+mountName+")", func(registrationItem *registrationItemStruct) error {
			return registrationItem.callbacks.MountAdded(confMap, mountName)
		})
		if nil != err {
			return
		}
		globals.currentMountSet[mountName] = struct{}{}
	}
	return
}

func signaledFinish(confMap conf.ConfMap) (err error) {
	return forEach(true, "SignaledFinish()", func(registrationItem *registrationItemStruct) error {
		return registrationItem.callbacks.SignaledFinish(confMap)
	})
}

func signaledStart(confMap conf.ConfMap) (err error) {
	return forEach(false, "SignaledStart()", func(registrationItem *registrationItemStruct) error {
		return registrationItem.callbacks.SignaledStart(confMap)
	})
}

func up(confMap conf.ConfMap) (err error) {
	var (
		registrationListPackageNameStringSlice []string
	)

	defer func() {
		if nil == err {
			logger.Infof("transitions.Up() returning successfully")
		} else {
			// On the relatively good likelihood that at least logger.Up() worked...
			logger.Errorf("transitions.Up() returning with failure: %v", err)
		}
	}()

	globals.currentMountSet = make(map[string]struct{})

	err = computeMountDelta(confMap, false)
	if nil != err {
		return
	}

	err = forEach(true, "Up()", func(registrationItem *registrationItemStruct) error {
		registrationListPackageNameStringSlice = append(registrationListPackageNameStringSlice, registrationItem.packageName)
		return registrationItem.callbacks.Up(confMap)
	})
	if nil != err {
		return
	}

	logger.Infof("Transitions Package Registration List: %v", registrationListPackageNameStringSlice)

	err = applyAddedMounts(confMap)
	if nil != err {
		return
	}

	err = signaledFinish(confMap)

	return
}

func signaled(confMap conf.ConfMap) (err error) {
	defer func() {
		if nil == err {
			logger.Infof("transitions.Signaled() returning successfully")
		} else {
			logger.Errorf("transitions.Signaled() returning with failure: %v", err)
		}
	}()

	err = computeMountDelta(confMap, false)
	if nil != err {
		return
	}

	err = signaledStart(confMap)
	if nil != err {
		return
	}

	err = applyRemovedMounts(confMap)
	if nil != err {
		return
	}

	err = applyAddedMounts(confMap)
	if nil != err {
		return
	}

	err = signaledFinish(confMap)

	return
}

func down(confMap conf.ConfMap) (err error) {
	defer func() {
		if nil == err {
			logger.Infof("transitions.Down() returning successfully")
		} else {
			logger.Errorf("transitions.Down() returning with failure: %v", err)
		}
	}()

	err = computeMountDelta(confMap, true)
	if nil != err {
		return
	}

	err = signaledStart(confMap)
	if nil != err {
		return
	}

	err = applyRemovedMounts(confMap)
	if nil != err {
		return
	}

	err = forEach(false, "Down()", func(registrationItem *registrationItemStruct) error {
		return registrationItem.callbacks.Down(confMap)
	})

	return
}

func mounts() (mountNames []string) {
	mountNames = make([]string, 0, len(globals.currentMountSet))
	for mountName := range globals.currentMountSet {
		mountNames = append(mountNames, mountName)
	}
	sort.Strings(mountNames)
	return
}

func (loggerCallbacksInterface *loggerCallbacksInterfaceStruct) Up(confMap conf.ConfMap) (err error) {
	return logger.Up(confMap)
}

func (loggerCallbacksInterface *loggerCallbacksInterfaceStruct) MountAdded(confMap conf.ConfMap, mountName string) (err error) {
	return nil
}

func (loggerCallbacksInterface *loggerCallbacksInterfaceStruct) MountRemoved(confMap conf.ConfMap, mountName string) (err error) {
	return nil
}

func (loggerCallbacksInterface *loggerCallbacksInterfaceStruct) SignaledStart(confMap conf.ConfMap) (err error) {
	return logger.SignaledStart(confMap)
}

func (loggerCallbacksInterface *loggerCallbacksInterfaceStruct) SignaledFinish(confMap conf.ConfMap) (err error) {
	return logger.SignaledFinish(confMap)
}

func (loggerCallbacksInterface *loggerCallbacksInterfaceStruct) Down(confMap conf.ConfMap) (err error) {
	return logger.Down(confMap)
}
