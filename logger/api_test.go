// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package logger

import (
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NVIDIA/pvfsdev/conf"
)

func TestAPI(t *testing.T) {
	assert := assert.New(t)

	dir, err := ioutil.TempDir("", "TestLogger")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	confMap, err := conf.MakeConfMapFromStrings([]string{
		"Logging.LogFilePath=" + filepath.Join(dir, "pvfsdevd.log"),
		"Logging.LogToConsole=false",
		"Logging.TraceLevelLogging=logger",
	})
	require.NoError(t, err)

	require.NoError(t, Up(confMap))

	var target LogTarget
	target.Init(10)
	AddLogTarget(target)

	Infof("hello %s", "there")
	assert.Equal(1, target.LogBuf.TotalEntries)
	assert.Contains(target.LogBuf.LogEntries[0], "hello there")
	assert.Contains(target.LogBuf.LogEntries[0], "package=logger")
	assert.Contains(target.LogBuf.LogEntries[0], "function=TestAPI")

	Tracef("traced in package %v", "logger")
	assert.Equal(2, target.LogBuf.TotalEntries)
	assert.Contains(target.LogBuf.LogEntries[0], "traced in package logger")

	err = fmt.Errorf("this is the error")
	WarnfWithError(err, "we had an error!")
	assert.Equal(3, target.LogBuf.TotalEntries)
	assert.Contains(target.LogBuf.LogEntries[0], "level=warning")
	assert.Contains(target.LogBuf.LogEntries[0], "this is the error")

	// Older entries shift down
	assert.Contains(target.LogBuf.LogEntries[2], "hello there")

	require.NoError(t, confMap.UpdateFromString("Logging.TraceLevelLogging=none"))
	require.NoError(t, SignaledFinish(confMap))
	Tracef("not traced")
	assert.Equal(3, target.LogBuf.TotalEntries)

	require.NoError(t, Down(confMap))

	logFileContents, err := ioutil.ReadFile(filepath.Join(dir, "pvfsdevd.log"))
	assert.NoError(err)
	assert.True(strings.Contains(string(logFileContents), "hello there"))
}

func TestTraceFiltering(t *testing.T) {
	setTraceLoggingLevel([]string{"upcall", "unknown-package"})
	defer setTraceLoggingLevel(nil)

	assert.True(t, traceEnabled("upcall"))
	assert.False(t, traceEnabled("dirlist"))
	assert.False(t, traceEnabled("unknown-package"))
	assert.True(t, traceLevelEnabled)
}
