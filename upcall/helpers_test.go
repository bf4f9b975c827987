// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package upcall

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NVIDIA/pvfsdev/devproto"
)

type testReply struct {
	tag      uint64
	downcall *devproto.Downcall
}

// testHandler returns the responses to write for a request; none means hold it
type testHandler func(tag uint64, upcall *devproto.Upcall) []testReply

type testService struct {
	device *Device
	cancel context.CancelFunc
	wg     sync.WaitGroup

	sync.Mutex
	seen []uint64
}

func testDispatcher(t *testing.T, opTimeout time.Duration) (dispatcher *Dispatcher) {
	var (
		err error
	)

	dispatcher, err = NewDispatcher(&Config{
		Name:              strings.ReplaceAll(t.Name(), "/", "_"),
		OpTimeout:         opTimeout,
		RetryCount:        DefaultRetryCount,
		InFlightTableSize: 7,
		MaxOutstandingOps: 64,
		MaxUpcallSize:     devproto.DefaultMaxUpcallSize,
		MaxDowncallSize:   devproto.DefaultMaxDowncallSize,
	})
	require.NoError(t, err)
	return
}

func startTestService(t *testing.T, device *Device, handler testHandler) (service *testService) {
	var (
		ctx context.Context
	)

	service = &testService{device: device}
	ctx, service.cancel = context.WithCancel(context.Background())

	service.wg.Add(1)
	go func() {
		defer service.wg.Done()

		buf := make([]byte, device.MaxUpsize())

		for {
			n, err := device.Read(ctx, buf)
			if nil != err {
				return
			}
			if 0 == n {
				if nil != ctx.Err() {
					return
				}
				continue
			}

			tag, upcall, err := devproto.DecodeRequest(buf[:n])
			if !assert.NoError(t, err) {
				return
			}

			service.Lock()
			service.seen = append(service.seen, tag)
			service.Unlock()

			for _, reply := range handler(tag, upcall) {
				msg, err := devproto.EncodeResponse(reply.tag, reply.downcall, device.MaxDownsize())
				if !assert.NoError(t, err) {
					return
				}
				_, err = device.Write(msg)
				assert.NoError(t, err)
			}
		}
	}()

	return
}

func (service *testService) stop() {
	service.cancel()
	service.wg.Wait()
}

func (service *testService) tagsSeen() []uint64 {
	service.Lock()
	defer service.Unlock()
	return append([]uint64(nil), service.seen...)
}

// answerAll responds immediately and successfully to every request
func answerAll(tag uint64, upcall *devproto.Upcall) []testReply {
	downcall := &devproto.Downcall{Type: upcall.Type}

	switch upcall.Type {
	case devproto.OpGetattr:
		downcall.Getattr = &devproto.GetattrResponse{Attr: devproto.Attr{ObjType: devproto.ObjTypeFile, Size: 42}}
	case devproto.OpFileIO:
		downcall.FileIO = &devproto.FileIOResponse{AmtComplete: int64(upcall.FileIO.Count)}
	case devproto.OpFsMount:
		downcall.FsMount = &devproto.FsMountResponse{ID: 1, FsID: 9, RootRef: devproto.ObjectRef{Handle: 1048576, FsID: 9}}
	}

	return []testReply{{tag: tag, downcall: downcall}}
}

// holdAll never responds
func holdAll(tag uint64, upcall *devproto.Upcall) []testReply {
	return nil
}

func waitFor(t *testing.T, condition func() bool) {
	deadline := time.Now().Add(5 * time.Second)
	for !condition() {
		if time.Now().After(deadline) {
			require.FailNow(t, "condition not met")
		}
		time.Sleep(time.Millisecond)
	}
}
