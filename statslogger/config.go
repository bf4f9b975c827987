// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package statslogger periodically writes statistics to the log.
//
// It is configured by the following section of the .conf file:
//
//   [StatsLogger]
//   Period: 10m
//
// A Period of 0 disables it. Other packages register gauges (such as the
// number of free buffer slots) that are sampled once per second; each log
// period reports their min, mean and max along with memory statistics and,
// with trace logging enabled for statslogger, every registered bucketstats
// statistic.
package statslogger

import (
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/NVIDIA/pvfsdev/bucketstats"
	"github.com/NVIDIA/pvfsdev/conf"
	"github.com/NVIDIA/pvfsdev/logger"
	"github.com/NVIDIA/pvfsdev/transitions"
)

const (
	DefaultPeriod = 10 * time.Minute
	minimumPeriod = time.Second
)

// GaugeFunc returns the current value of a gauge
type GaugeFunc func() int64

type gaugeStruct struct {
	name   string
	sample GaugeFunc
	stats  SimpleStats
}

type globalsStruct struct {
	sync.Mutex                             // protects gauges
	gauges          map[string]*gaugeStruct
	collectInterval time.Duration
	statsLogPeriod  time.Duration // time between statistics logging
	collectTicker   *time.Ticker  // gauge sampling
	logTicker       *time.Ticker  // statistics logging
	stopChan        chan bool     // time to shutdown and go home
	doneChan        chan bool     // shutdown complete
}

var globals = globalsStruct{
	gauges:          make(map[string]*gaugeStruct),
	collectInterval: time.Second,
}

func init() {
	transitions.Register("statslogger", &globals)
}

// RegisterGauge arranges for sample to be called each collection interval.
// Registering an existing name replaces it.
func RegisterGauge(name string, sample GaugeFunc) {
	globals.Lock()
	globals.gauges[name] = &gaugeStruct{name: name, sample: sample}
	globals.Unlock()
}

// UnRegisterGauge stops sampling the named gauge
func UnRegisterGauge(name string) {
	globals.Lock()
	delete(globals.gauges, name)
	globals.Unlock()
}

func parseConfMap(confMap conf.ConfMap) (statsLogPeriod time.Duration) {
	var (
		err error
	)

	statsLogPeriod, err = confMap.FetchOptionValueDuration("StatsLogger", "Period")
	if nil != err {
		statsLogPeriod = DefaultPeriod
	}

	if (0 != statsLogPeriod) && (minimumPeriod > statsLogPeriod) {
		logger.Warnf("StatsLogger.Period %v is below %v; defaulting to %v", statsLogPeriod, minimumPeriod, DefaultPeriod)
		statsLogPeriod = DefaultPeriod
	}

	return
}

func start() {
	if 0 == globals.statsLogPeriod {
		return
	}

	globals.collectTicker = time.NewTicker(globals.collectInterval)
	globals.logTicker = time.NewTicker(globals.statsLogPeriod)
	globals.stopChan = make(chan bool)
	globals.doneChan = make(chan bool)

	go statsLogger(globals.collectTicker.C, globals.logTicker.C)
}

func stop() {
	if 0 == globals.statsLogPeriod {
		return
	}

	globals.stopChan <- true
	_ = <-globals.doneChan

	globals.collectTicker.Stop()
	globals.logTicker.Stop()
}

func (dummy *globalsStruct) Up(confMap conf.ConfMap) (err error) {
	globals.statsLogPeriod = parseConfMap(confMap)
	start()
	return nil
}

func (dummy *globalsStruct) MountAdded(confMap conf.ConfMap, mountName string) (err error) {
	return nil
}

func (dummy *globalsStruct) MountRemoved(confMap conf.ConfMap, mountName string) (err error) {
	return nil
}

func (dummy *globalsStruct) SignaledStart(confMap conf.ConfMap) (err error) {
	return nil
}

// SignaledFinish restarts the logger if its period has changed
func (dummy *globalsStruct) SignaledFinish(confMap conf.ConfMap) (err error) {
	statsLogPeriod := parseConfMap(confMap)
	if statsLogPeriod == globals.statsLogPeriod {
		return nil
	}

	logger.Infof("statslogger period changing from %v to %v", globals.statsLogPeriod, statsLogPeriod)

	stop()
	globals.statsLogPeriod = statsLogPeriod
	start()

	return nil
}

func (dummy *globalsStruct) Down(confMap conf.ConfMap) (err error) {
	stop()
	globals.statsLogPeriod = 0
	return nil
}

func sampleGauges() {
	globals.Lock()
	for _, gauge := range globals.gauges {
		gauge.stats.Sample(gauge.sample())
	}
	globals.Unlock()
}

// statsLogger samples the gauges every collectChan tick and logs a batch of
// statistics every logChan tick
func statsLogger(collectChan <-chan time.Time, logChan <-chan time.Time) {
	var (
		newMemStats runtime.MemStats
		oldMemStats runtime.MemStats
	)

	sampleGauges()

	// memstats "stops the world"
	runtime.ReadMemStats(&oldMemStats)
	logStats("total", &oldMemStats)

mainloop:
	for stopRequest := false; !stopRequest; {
		select {
		case <-globals.stopChan:
			// print final stats and then exit
			stopRequest = true
		case <-collectChan:
			sampleGauges()
			continue mainloop
		case <-logChan:
		}

		// at least one sample per period
		sampleGauges()
		runtime.ReadMemStats(&newMemStats)

		logGauges()
		logStats("total", &newMemStats)

		oldMemStats.Sys = newMemStats.Sys - oldMemStats.Sys
		oldMemStats.TotalAlloc = newMemStats.TotalAlloc - oldMemStats.TotalAlloc
		oldMemStats.HeapInuse = newMemStats.HeapInuse - oldMemStats.HeapInuse
		oldMemStats.HeapIdle = newMemStats.HeapIdle - oldMemStats.HeapIdle
		oldMemStats.HeapReleased = newMemStats.HeapReleased - oldMemStats.HeapReleased
		oldMemStats.StackSys = newMemStats.StackSys - oldMemStats.StackSys
		oldMemStats.NextGC = newMemStats.NextGC - oldMemStats.NextGC
		oldMemStats.NumGC = newMemStats.NumGC - oldMemStats.NumGC
		oldMemStats.NumForcedGC = newMemStats.NumForcedGC - oldMemStats.NumForcedGC
		oldMemStats.PauseTotalNs = newMemStats.PauseTotalNs - oldMemStats.PauseTotalNs
		oldMemStats.GCCPUFraction = newMemStats.GCCPUFraction - oldMemStats.GCCPUFraction
		logStats("delta", &oldMemStats)

		oldMemStats = newMemStats
	}

	globals.doneChan <- true
}

// logGauges writes one line per gauge and clears its samples
func logGauges() {
	var (
		names []string
	)

	globals.Lock()
	defer globals.Unlock()

	for name := range globals.gauges {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		gauge := globals.gauges[name]
		logger.Infof("%s: min=%d mean=%d max=%d samples=%d",
			name, gauge.stats.Min(), gauge.stats.Mean(), gauge.stats.Max(), gauge.stats.Samples())
		gauge.stats.Clear()
	}
}

// logStats writes memory statistics (absolute or relative to the previous
// period, per statsType) and, when tracing, every bucketstats statistic
func logStats(statsType string, memStats *runtime.MemStats) {
	logger.Infof("Memory in Kibyte (%s): Sys=%d StackSys=%d HeapInuse=%d HeapIdle=%d HeapReleased=%d Cumulative TotalAlloc=%d",
		statsType,
		int64(memStats.Sys)/1024, int64(memStats.StackSys)/1024,
		int64(memStats.HeapInuse)/1024, int64(memStats.HeapIdle)/1024,
		int64(memStats.HeapReleased)/1024, int64(memStats.TotalAlloc)/1024)
	logger.Infof("GC Stats (%s): NumGC=%d  NumForcedGC=%d  NextGC=%d KiB  PauseTotalMsec=%d  GC_CPU=%4.2f%%",
		statsType,
		memStats.NumGC, memStats.NumForcedGC, int64(memStats.NextGC)/1024,
		memStats.PauseTotalNs/1000000, memStats.GCCPUFraction*100)

	if "total" != statsType {
		return
	}

	for _, line := range strings.Split(strings.TrimSpace(bucketstats.SprintStats(bucketstats.StatFormatParsable1, "*", "*")), "\n") {
		if "" != line {
			logger.Tracef("%s", line)
		}
	}
}
