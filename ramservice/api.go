// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package ramservice is an in-memory emulation of the user-space service
// process. It answers every upcall type against a private namespace and can be
// run as a goroutine against an upcall.Device, or as a standalone binary
// attached to pvfsdevd's device socket.
//
// To configure the emulator, use the following section of the .conf file:
//
//   [RAMService]
//   FsID:                 9
//   HoldEveryNthRequest:  0
//   ResponseDelay:        0s
//   BumpVersionOnReaddir: false
//
// A non-zero HoldEveryNthRequest leaves every Nth request unanswered until a
// CANCEL for it arrives (which is then answered with ECANCELED).
// BumpVersionOnReaddir changes the version of a directory each time one of
// its pages after the first is read.
package ramservice

import (
	"context"
	"time"

	"github.com/NVIDIA/pvfsdev/conf"
	"github.com/NVIDIA/pvfsdev/devproto"
)

// Config holds the [RAMService] options
type Config struct {
	FsID                 int32
	HoldEveryNthRequest  uint64
	ResponseDelay        time.Duration
	BumpVersionOnReaddir bool
}

const (
	DefaultFsID = int32(9)

	// RootHandle is the handle of every mount's root directory
	RootHandle = uint64(1048576)
)

// ParseConfMap fetches the [RAMService] section, supplying defaults for absent options.
func ParseConfMap(confMap conf.ConfMap) (config *Config, err error) {
	config, err = parseConfMap(confMap)
	return
}

// BlockSource exposes the slots of a mapped region (see bufmap.BufMap)
type BlockSource interface {
	Block(index int) (block []byte, err error)
}

// Device is the service process's end of the dispatcher (see upcall.Device)
type Device interface {
	Read(ctx context.Context, buf []byte) (n int, err error)
	Write(msg []byte) (n int, err error)
	MaxUpsize() int
	MaxDownsize() int
}

// Reply is one response to write back
type Reply struct {
	Tag      uint64
	Downcall *devproto.Downcall
}

// Service is an emulated service process
type Service struct {
	serviceStruct
}

// New creates a Service holding an empty namespace. A nil config selects the defaults.
func New(config *Config) (service *Service, err error) {
	service, err = newService(config)
	return
}

// Attach makes the slots of blocks available for FILE_IO. It must be called
// once the device's region is mapped.
func (service *Service) Attach(blocks BlockSource) {
	service.attach(blocks)
}

// Process answers one request. It returns no replies for a held request, and
// two for a CANCEL of a held request.
func (service *Service) Process(tag uint64, upcall *devproto.Upcall) (replies []Reply) {
	replies = service.process(tag, upcall)
	return
}

// Serve reads requests from device and answers them until ctx is done or the
// device fails.
func (service *Service) Serve(ctx context.Context, device Device) (err error) {
	err = service.serve(ctx, device)
	return
}

// Reconfigure applies new chaos settings. FsID cannot change.
func (service *Service) Reconfigure(config *Config) {
	service.reconfigure(config)
}

// HeldTags returns the tags of requests held unanswered, in ascending order
func (service *Service) HeldTags() []uint64 {
	return service.heldTags()
}

// Requests returns the number of requests processed, by op type
func (service *Service) Requests() map[devproto.OpType]uint64 {
	return service.requests()
}

// Close unregisters the Service's statistics.
func (service *Service) Close() {
	service.close()
}
