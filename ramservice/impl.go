// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package ramservice

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/NVIDIA/sortedmap"

	"github.com/NVIDIA/pvfsdev/blunder"
	"github.com/NVIDIA/pvfsdev/bucketstats"
	"github.com/NVIDIA/pvfsdev/conf"
	"github.com/NVIDIA/pvfsdev/devproto"
	"github.com/NVIDIA/pvfsdev/logger"
	"github.com/NVIDIA/pvfsdev/trackedlock"
)

type statsStruct struct {
	Requests      bucketstats.Total
	Held          bucketstats.Total
	Cancels       bucketstats.Total
	Failures      bucketstats.Total
	ReadBytes     bucketstats.BucketLog2
	WrittenBytes  bucketstats.BucketLog2
	ProcessUsec   bucketstats.BucketLog2
	PagesReturned bucketstats.Total
}

type objectStruct struct {
	ref     devproto.ObjectRef
	attr    devproto.Attr
	data    []byte             // ObjTypeFile
	entries sortedmap.LLRBTree // ObjTypeDirectory; key is name, value is uint64 handle
	version uint64             // ObjTypeDirectory; bumped on every change to entries
	nlink   uint32
	xattrs  map[string][]byte
}

type serviceStruct struct {
	lock         trackedlock.Mutex // protects everything below
	config       Config
	statsName    string
	blocks       BlockSource
	nextHandle   uint64
	nextMountID  int32
	objects      map[uint64]*objectStruct // key is objectStruct.ref.Handle
	params       map[string]int64
	requestCount uint64                     // non-CANCEL requests seen, for HoldEveryNthRequest
	requestsByOp map[devproto.OpType]uint64 //
	held         map[uint64]devproto.OpType // key is tag of a request held unanswered
	stats        *statsStruct
}

var serviceSequence uint64 // updated atomically

func parseConfMap(confMap conf.ConfMap) (config *Config, err error) {
	var (
		fsID uint32
	)

	config = &Config{}

	fsID, err = confMap.FetchOptionValueUint32("RAMService", "FsID")
	if nil == err {
		config.FsID = int32(fsID)
	} else {
		config.FsID = DefaultFsID
	}
	config.HoldEveryNthRequest, err = confMap.FetchOptionValueUint64("RAMService", "HoldEveryNthRequest")
	if nil != err {
		config.HoldEveryNthRequest = 0
	}
	config.ResponseDelay, err = confMap.FetchOptionValueDuration("RAMService", "ResponseDelay")
	if nil != err {
		config.ResponseDelay = 0
	}
	config.BumpVersionOnReaddir, err = confMap.FetchOptionValueBool("RAMService", "BumpVersionOnReaddir")
	if nil != err {
		config.BumpVersionOnReaddir = false
	}

	err = nil
	return
}

func (dummy *serviceStruct) DumpKey(key sortedmap.Key) (keyAsString string, err error) {
	keyAsString, ok := key.(string)
	if !ok {
		err = fmt.Errorf("DumpKey() could not parse key as a string")
		return
	}
	err = nil
	return
}

func (dummy *serviceStruct) DumpValue(value sortedmap.Value) (valueAsString string, err error) {
	handle, ok := value.(uint64)
	if !ok {
		err = fmt.Errorf("DumpValue() could not parse value as a uint64")
		return
	}
	valueAsString = fmt.Sprintf("0x%016X", handle)
	err = nil
	return
}

func newService(config *Config) (service *Service, err error) {
	if nil == config {
		config = &Config{}
	}

	service = &Service{
		serviceStruct{
			config:       *config,
			statsName:    fmt.Sprintf("%d", atomic.AddUint64(&serviceSequence, 1)),
			nextHandle:   RootHandle,
			objects:      make(map[uint64]*objectStruct),
			params:       make(map[string]int64),
			requestsByOp: make(map[devproto.OpType]uint64),
			held:         make(map[uint64]devproto.OpType),
			stats:        &statsStruct{},
		},
	}
	if 0 == service.config.FsID {
		service.config.FsID = DefaultFsID
	}

	root := service.newObject(devproto.ObjTypeDirectory, 0755, 0, 0)
	root.nlink = 2

	bucketstats.Register("ramservice", service.statsName, service.stats)

	err = nil
	return
}

func (service *serviceStruct) close() {
	bucketstats.UnRegister("ramservice", service.statsName)
}

func (service *serviceStruct) attach(blocks BlockSource) {
	service.lock.Lock()
	service.blocks = blocks
	service.lock.Unlock()
}

func (service *serviceStruct) reconfigure(config *Config) {
	service.lock.Lock()
	defer service.lock.Unlock()

	if (0 != config.FsID) && (config.FsID != service.config.FsID) {
		logger.Warnf("ramservice ignoring FsID change from %d to %d", service.config.FsID, config.FsID)
	}

	service.config.HoldEveryNthRequest = config.HoldEveryNthRequest
	service.config.ResponseDelay = config.ResponseDelay
	service.config.BumpVersionOnReaddir = config.BumpVersionOnReaddir
}

func (service *serviceStruct) responseDelay() time.Duration {
	service.lock.Lock()
	defer service.lock.Unlock()
	return service.config.ResponseDelay
}

func (service *serviceStruct) heldTags() (tags []uint64) {
	service.lock.Lock()
	defer service.lock.Unlock()

	tags = make([]uint64, 0, len(service.held))
	for tag := range service.held {
		tags = append(tags, tag)
	}
	sort.Slice(tags, func(i, j int) bool { return tags[i] < tags[j] })
	return
}

func (service *serviceStruct) requests() (requests map[devproto.OpType]uint64) {
	service.lock.Lock()
	defer service.lock.Unlock()

	requests = make(map[devproto.OpType]uint64, len(service.requestsByOp))
	for opType, count := range service.requestsByOp {
		requests[opType] = count
	}
	return
}

// statusOf converts a handler error to a downcall status
func statusOf(err error) int32 {
	errno := blunder.Errno(err)
	if 0 >= errno {
		errno = int(blunder.IOError)
	}
	return -int32(errno)
}

func (service *serviceStruct) process(tag uint64, upcall *devproto.Upcall) (replies []Reply) {
	var (
		downcall *devproto.Downcall
		err      error
		start    = time.Now()
	)

	service.lock.Lock()
	defer service.lock.Unlock()

	service.stats.Requests.Increment()
	service.requestsByOp[upcall.Type]++

	if devproto.OpCancel == upcall.Type {
		replies = service.cancelLocked(tag, upcall.Cancel)
		return
	}

	service.requestCount++
	if (0 != service.config.HoldEveryNthRequest) && (0 == service.requestCount%service.config.HoldEveryNthRequest) {
		service.held[tag] = upcall.Type
		service.stats.Held.Increment()
		logger.Tracef("ramservice holding %v tag %d", upcall.Type, tag)
		return
	}

	downcall, err = service.dispatchLocked(upcall)
	if nil != err {
		service.stats.Failures.Increment()
		logger.Tracef("ramservice %v tag %d failed: %v", upcall.Type, tag, err)
		downcall = &devproto.Downcall{Type: upcall.Type, Status: statusOf(err)}
	}

	service.stats.ProcessUsec.Add(uint64(time.Since(start) / time.Microsecond))

	replies = []Reply{{Tag: tag, Downcall: downcall}}
	return
}

func (service *serviceStruct) cancelLocked(tag uint64, request *devproto.CancelRequest) (replies []Reply) {
	if nil == request {
		replies = []Reply{{Tag: tag, Downcall: &devproto.Downcall{Type: devproto.OpCancel, Status: statusOf(blunder.NewError(blunder.InvalidArgError, "CANCEL without a body"))}}}
		return
	}

	service.stats.Cancels.Increment()

	heldType, ok := service.held[request.OpTag]
	if ok {
		delete(service.held, request.OpTag)
		replies = append(replies, Reply{Tag: request.OpTag, Downcall: &devproto.Downcall{Type: heldType, Status: statusOf(blunder.NewError(blunder.CancelledError, "cancelled"))}})
		logger.Tracef("ramservice cancelled held %v tag %d", heldType, request.OpTag)
	}

	replies = append(replies, Reply{Tag: tag, Downcall: &devproto.Downcall{Type: devproto.OpCancel}})
	return
}

func (service *serviceStruct) serve(ctx context.Context, device Device) (err error) {
	var (
		buf      = make([]byte, device.MaxUpsize())
		msg      []byte
		n        int
		replies  []Reply
		tag      uint64
		upcallIn *devproto.Upcall
	)

	for {
		n, err = device.Read(ctx, buf)
		if nil != err {
			if nil != ctx.Err() {
				err = nil
			}
			return
		}
		if 0 == n {
			if nil != ctx.Err() {
				err = nil
				return
			}
			continue
		}

		tag, upcallIn, err = devproto.DecodeRequest(buf[:n])
		if nil != err {
			logger.WarnfWithError(err, "ramservice dropped undecodable request")
			continue
		}

		replies = service.process(tag, upcallIn)

		delay := service.responseDelay()
		if (0 < len(replies)) && (0 < delay) {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				err = nil
				return
			}
		}

		for _, reply := range replies {
			msg, err = devproto.EncodeResponse(reply.Tag, reply.Downcall, device.MaxDownsize())
			if nil != err {
				logger.ErrorfWithError(err, "ramservice could not encode %v response for tag %d", reply.Downcall.Type, reply.Tag)
				continue
			}
			_, err = device.Write(msg)
			if nil != err {
				if blunder.Is(err, blunder.BadFileError) {
					return
				}
				logger.WarnfWithError(err, "ramservice write of tag %d failed", reply.Tag)
			}
		}
	}
}
