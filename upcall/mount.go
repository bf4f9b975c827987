// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package upcall

import (
	"context"
	"sort"

	"github.com/NVIDIA/pvfsdev/blunder"
	"github.com/NVIDIA/pvfsdev/devproto"
	"github.com/NVIDIA/pvfsdev/logger"
)

func (dispatcher *Dispatcher) addMount(name string, configServer string) (err error) {
	dispatcher.mountLock.Lock()
	defer dispatcher.mountLock.Unlock()

	_, ok := dispatcher.mountByName[name]
	if ok {
		err = blunder.NewError(blunder.FileExistsError, "mount %s already registered", name)
		return
	}

	dispatcher.mountByName[name] = &Mount{Name: name, ConfigServer: configServer, Pending: true}

	err = nil
	return
}

// issueMount sends FS_MOUNT for configServer and returns the service's reply
func (dispatcher *Dispatcher) issueMount(ctx context.Context, configServer string, flags devproto.Flags) (reply devproto.FsMountResponse, err error) {
	var (
		op *Op
	)

	op, err = dispatcher.newOp(devproto.OpFsMount)
	if nil != err {
		return
	}
	defer op.Release()

	op.Upcall.FsMount = &devproto.FsMountRequest{ConfigServer: configServer}

	err = dispatcher.service(ctx, op, dispatcher.config.RetryCount, flags)
	if nil != err {
		return
	}
	if nil == op.Downcall.FsMount {
		err = blunder.NewError(blunder.ProtocolMismatchError, "FS_MOUNT of %s answered without a body", configServer)
		return
	}

	reply = *op.Downcall.FsMount

	err = nil
	return
}

func (dispatcher *Dispatcher) mount(ctx context.Context, name string) (mount Mount, err error) {
	var (
		configServer string
		reply        devproto.FsMountResponse
	)

	dispatcher.mountLock.Lock()
	registered, ok := dispatcher.mountByName[name]
	if ok {
		configServer = registered.ConfigServer
	}
	dispatcher.mountLock.Unlock()

	if !ok {
		err = blunder.NewError(blunder.NotFoundError, "mount %s not registered", name)
		return
	}

	reply, err = dispatcher.issueMount(ctx, configServer, devproto.FlagInterruptible)
	if nil != err {
		return
	}

	dispatcher.mountLock.Lock()
	registered, ok = dispatcher.mountByName[name]
	if ok {
		registered.Pending = false
		registered.ID = reply.ID
		registered.FsID = reply.FsID
		registered.Root = reply.RootRef
		mount = *registered
	}
	dispatcher.mountLock.Unlock()

	if !ok {
		err = blunder.NewError(blunder.NotFoundError, "mount %s removed while mounting", name)
		return
	}

	logger.Infof("mounted %s (%s) as fs_id %d", name, configServer, mount.FsID)

	err = nil
	return
}

func (dispatcher *Dispatcher) removeMount(ctx context.Context, name string) (err error) {
	var (
		op *Op
	)

	dispatcher.mountLock.Lock()
	registered, ok := dispatcher.mountByName[name]
	if ok {
		delete(dispatcher.mountByName, name)
	}
	dispatcher.mountLock.Unlock()

	if !ok {
		err = blunder.NewError(blunder.NotFoundError, "mount %s not registered", name)
		return
	}
	if registered.Pending {
		err = nil
		return
	}

	op, err = dispatcher.newOp(devproto.OpFsUmount)
	if nil != err {
		return
	}
	defer op.Release()

	op.Upcall.FsUmount = &devproto.FsUmountRequest{ID: registered.ID, FsID: registered.FsID, ConfigServer: registered.ConfigServer}

	err = dispatcher.service(ctx, op, dispatcher.config.RetryCount, devproto.FlagInterruptible)
	if nil != err {
		logger.WarnfWithError(err, "FS_UMOUNT of %s failed", name)
		return
	}

	logger.Infof("unmounted %s", name)

	err = nil
	return
}

func (dispatcher *Dispatcher) mounts() (mounts []Mount) {
	dispatcher.mountLock.Lock()
	defer dispatcher.mountLock.Unlock()

	mounts = make([]Mount, 0, len(dispatcher.mountByName))
	for _, mount := range dispatcher.mountByName {
		mounts = append(mounts, *mount)
	}
	sort.Slice(mounts, func(i, j int) bool { return mounts[i].Name < mounts[j].Name })
	return
}

// remountAll holds the request lock exclusively so every FS_MOUNT it issues is
// serviced before any ordinary op is queued.
func (dispatcher *Dispatcher) remountAll(ctx context.Context) (err error) {
	var (
		firstErr error
		reply    devproto.FsMountResponse
	)

	dispatcher.requestLock.Lock()
	defer dispatcher.requestLock.Unlock()

	for _, mount := range dispatcher.mounts() {
		reply, err = dispatcher.issueMount(ctx, mount.ConfigServer, devproto.FlagPriority|devproto.FlagNoSemaphore)
		if nil != err {
			logger.WarnfWithError(err, "remount of %s failed", mount.Name)
			if nil == firstErr {
				firstErr = err
			}
			continue
		}

		dispatcher.mountLock.Lock()
		registered, ok := dispatcher.mountByName[mount.Name]
		if ok {
			registered.Pending = false
			registered.ID = reply.ID
			registered.FsID = reply.FsID
			registered.Root = reply.RootRef
		}
		dispatcher.mountLock.Unlock()

		logger.Infof("remounted %s as fs_id %d", mount.Name, reply.FsID)
	}

	err = firstErr
	return
}
