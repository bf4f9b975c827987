// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package utils provides miscellaneous utilities for pvfsdev.
package utils

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"regexp"
	"runtime"
	"strconv"
	"time"
)

var (
	extractPkgNameRE = regexp.MustCompile(`^[^.]*`)
	extractFnNameRE  = regexp.MustCompile(`[^.]*$`)
)

// GetGID returns the goroutine ID of the caller (parsed from its stack header).
func GetGID() uint64 {
	b := make([]byte, 64)
	b = b[:runtime.Stack(b, false)]
	b = bytes.TrimPrefix(b, []byte("goroutine "))
	b = b[:bytes.IndexByte(b, ' ')]
	n, _ := strconv.ParseUint(string(b), 10, 64)
	return n
}

// GetAFnName returns the name of the function level frames above its caller
// (including the package name).
func GetAFnName(level int) string {
	pc, _, _, ok := runtime.Caller(level + 1)
	if !ok {
		return ""
	}
	fn := runtime.FuncForPC(pc)
	if nil == fn {
		return ""
	}

	// Strip the module path, leaving "package.Function" or "package.(*Type).Method"
	name := fn.Name()
	for i := len(name) - 1; i >= 0; i-- {
		if '/' == name[i] {
			name = name[i+1:]
			break
		}
	}

	return name
}

// GetFuncPackage returns the function name, package name, and goroutine ID of
// the function level frames above its caller.
func GetFuncPackage(level int) (fn string, pkg string, gid uint64) {
	funcPkg := GetAFnName(level + 1)

	pkg = extractPkgNameRE.FindString(funcPkg)
	fn = extractFnNameRE.FindString(funcPkg)
	gid = GetGID()

	return
}

// GetFnName returns a string containing the name of the running function and its package.
func GetFnName() string {
	return GetAFnName(1)
}

// Uint64ToByteSlice returns the little endian encoding of u64.
func Uint64ToByteSlice(u64 uint64) (byteSlice []byte) {
	byteSlice = make([]byte, 8)
	binary.LittleEndian.PutUint64(byteSlice, u64)
	return
}

// ByteSliceToUint64 decodes a little endian uint64, failing unless byteSlice is 8 bytes long.
func ByteSliceToUint64(byteSlice []byte) (u64 uint64, ok bool) {
	if 8 != len(byteSlice) {
		ok = false
		return
	}
	u64 = binary.LittleEndian.Uint64(byteSlice)
	ok = true
	return
}

// Stopwatch measures elapsed time, typically feeding a bucketstats statistic.
type Stopwatch struct {
	StartTime   time.Time
	StopTime    time.Time
	ElapsedTime time.Duration
	IsRunning   bool
}

func NewStopwatch() *Stopwatch {
	return &Stopwatch{StartTime: time.Now(), IsRunning: true}
}

func (sw *Stopwatch) Stop() time.Duration {
	sw.StopTime = time.Now()
	sw.ElapsedTime = sw.StopTime.Sub(sw.StartTime)
	sw.IsRunning = false
	return sw.ElapsedTime
}

// Elapsed returns the elapsed time, still ticking if the stopwatch is running.
func (sw *Stopwatch) Elapsed() time.Duration {
	if sw.IsRunning {
		return time.Since(sw.StartTime)
	}
	return sw.ElapsedTime
}

func (sw *Stopwatch) ElapsedUs() uint64 {
	return uint64(sw.Elapsed() / time.Microsecond)
}

// JSONify returns the JSON encoding of input (or a message describing why it
// could not be encoded), optionally indented.
func JSONify(input interface{}, indentify bool) (output string) {
	var (
		err             error
		inputJSON       bytes.Buffer
		inputJSONPacked []byte
	)

	inputJSONPacked, err = json.Marshal(input)
	if nil == err {
		if indentify {
			err = json.Indent(&inputJSON, inputJSONPacked, "", "\t")
			if nil == err {
				output = inputJSON.String()
			} else {
				output = fmt.Sprintf("<<<json.Indent failed: %v>>>", err)
			}
		} else {
			output = string(inputJSONPacked)
		}
	} else {
		output = fmt.Sprintf("<<<json.Marshall failed: %v>>>", err)
	}

	return
}
