// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package transitions

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NVIDIA/pvfsdev/conf"
)

type testCallbacksInterfaceStruct struct {
	name   string
	events *[]string
}

var testEvents []string

var testCallbacksA = &testCallbacksInterfaceStruct{name: "A", events: &testEvents}
var testCallbacksB = &testCallbacksInterfaceStruct{name: "B", events: &testEvents}

func init() {
	Register("testA", testCallbacksA)
	Register("testB", testCallbacksB)
}

func (testCallbacksInterface *testCallbacksInterfaceStruct) record(format string, args ...interface{}) {
	*testCallbacksInterface.events = append(*testCallbacksInterface.events, testCallbacksInterface.name+"."+fmt.Sprintf(format, args...))
}

func (testCallbacksInterface *testCallbacksInterfaceStruct) Up(confMap conf.ConfMap) (err error) {
	testCallbacksInterface.record("Up")
	return nil
}

func (testCallbacksInterface *testCallbacksInterfaceStruct) MountAdded(confMap conf.ConfMap, mountName string) (err error) {
	testCallbacksInterface.record("MountAdded(%s)", mountName)
	return nil
}

func (testCallbacksInterface *testCallbacksInterfaceStruct) MountRemoved(confMap conf.ConfMap, mountName string) (err error) {
	testCallbacksInterface.record("MountRemoved(%s)", mountName)
	return nil
}

func (testCallbacksInterface *testCallbacksInterfaceStruct) SignaledStart(confMap conf.ConfMap) (err error) {
	testCallbacksInterface.record("SignaledStart")
	return nil
}

func (testCallbacksInterface *testCallbacksInterfaceStruct) SignaledFinish(confMap conf.ConfMap) (err error) {
	testCallbacksInterface.record("SignaledFinish")
	return nil
}

func (testCallbacksInterface *testCallbacksInterfaceStruct) Down(confMap conf.ConfMap) (err error) {
	testCallbacksInterface.record("Down")
	return nil
}

func TestTransitions(t *testing.T) {
	assert := assert.New(t)

	confMap, err := conf.MakeConfMapFromStrings([]string{
		"Logging.LogFilePath=/dev/null",
		"Logging.LogToConsole=false",
		"Mount:one.ConfigServer=tcp://localhost:3334/one",
		"Mount:two.ConfigServer=tcp://localhost:3334/two",
		"Mount:three.ConfigServer=tcp://localhost:3334/three",
		"Daemon.MountList=one,two",
	})
	require.NoError(t, err)

	testEvents = nil
	require.NoError(t, Up(confMap))
	assert.Equal([]string{
		"A.Up", "B.Up",
		"A.MountAdded(one)", "B.MountAdded(one)",
		"A.MountAdded(two)", "B.MountAdded(two)",
		"A.SignaledFinish", "B.SignaledFinish",
	}, testEvents)
	assert.Equal([]string{"one", "two"}, Mounts())

	require.NoError(t, confMap.UpdateFromString("Daemon.MountList=two,three"))

	testEvents = nil
	require.NoError(t, Signaled(confMap))
	assert.Equal([]string{
		"B.SignaledStart", "A.SignaledStart",
		"B.MountRemoved(one)", "A.MountRemoved(one)",
		"A.MountAdded(three)", "B.MountAdded(three)",
		"A.SignaledFinish", "B.SignaledFinish",
	}, testEvents)
	assert.Equal([]string{"three", "two"}, Mounts())

	require.NoError(t, confMap.UpdateFromString("Daemon.MountList=four"))
	assert.Error(Signaled(confMap), "mount without a [Mount:four] section")

	testEvents = nil
	require.NoError(t, Down(confMap))
	assert.Equal([]string{
		"B.SignaledStart", "A.SignaledStart",
		"B.MountRemoved(three)", "A.MountRemoved(three)",
		"B.MountRemoved(two)", "A.MountRemoved(two)",
		"B.Down", "A.Down",
	}, testEvents)
	assert.Empty(Mounts())
}
