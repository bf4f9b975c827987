// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package statslogger

import (
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NVIDIA/pvfsdev/conf"
	"github.com/NVIDIA/pvfsdev/logger"
	"github.com/NVIDIA/pvfsdev/transitions"
)

func TestSimpleStats(t *testing.T) {
	assert := assert.New(t)

	var sp SimpleStats
	assert.Equal(int64(0), sp.Mean())

	for _, value := range []int64{5, 3, 9, 7} {
		sp.Sample(value)
	}
	assert.Equal(int64(3), sp.Min())
	assert.Equal(int64(9), sp.Max())
	assert.Equal(int64(6), sp.Mean())
	assert.Equal(int64(4), sp.Samples())

	sp.Clear()
	sp.Sample(-2)
	assert.Equal(int64(-2), sp.Min())
	assert.Equal(int64(-2), sp.Max())
}

func TestParseConfMap(t *testing.T) {
	confMap := conf.MakeConfMap()
	assert.Equal(t, DefaultPeriod, parseConfMap(confMap))

	confMap, err := conf.MakeConfMapFromStrings([]string{"StatsLogger.Period=0s"})
	require.NoError(t, err)
	assert.Equal(t, time.Duration(0), parseConfMap(confMap))

	confMap, err = conf.MakeConfMapFromStrings([]string{"StatsLogger.Period=10ms"})
	require.NoError(t, err)
	assert.Equal(t, DefaultPeriod, parseConfMap(confMap))
}

func TestLogger(t *testing.T) {
	var (
		samples int64
		target  logger.LogTarget
	)

	globals.collectInterval = 10 * time.Millisecond
	defer func() { globals.collectInterval = time.Second }()

	confMap, err := conf.MakeConfMapFromStrings([]string{
		"Logging.LogToConsole=false",
		"StatsLogger.Period=0s",
	})
	require.NoError(t, err)

	require.NoError(t, transitions.Up(confMap))

	target.Init(100)
	logger.AddLogTarget(target)

	RegisterGauge("FreeSlots", func() int64 { return atomic.AddInt64(&samples, 1) })
	defer UnRegisterGauge("FreeSlots")
	RegisterGauge("Dropped", func() int64 { return 0 })
	UnRegisterGauge("Dropped")

	// disabled: nothing is sampled
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, atomic.LoadInt64(&samples))

	confMap, err = conf.MakeConfMapFromStrings([]string{
		"Logging.LogToConsole=false",
		"StatsLogger.Period=1s",
	})
	require.NoError(t, err)
	require.NoError(t, transitions.Signaled(confMap))

	time.Sleep(1300 * time.Millisecond)

	require.NoError(t, transitions.Down(confMap))

	assert.True(t, 10 < atomic.LoadInt64(&samples))

	var gaugeLines, memoryLines, droppedLines int
	for _, entry := range target.LogBuf.LogEntries {
		switch {
		case strings.Contains(entry, "FreeSlots: min="):
			gaugeLines++
		case strings.Contains(entry, "Memory in Kibyte (delta)"):
			memoryLines++
		case strings.Contains(entry, "Dropped"):
			droppedLines++
		}
	}
	// one period elapsed plus the final report at Down
	assert.Equal(t, 2, gaugeLines)
	assert.Equal(t, 2, memoryLines)
	assert.Zero(t, droppedLines)
}
