// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package logger

import (
	"io"
	"os"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/NVIDIA/pvfsdev/conf"
)

// multiWriter fans each log line out to the log file, the console, and any
// targets added via AddLogTarget
type multiWriter struct {
	sync.Mutex
	writers []io.Writer
}

func (mw *multiWriter) addWriter(writer io.Writer) {
	mw.Lock()
	mw.writers = append(mw.writers, writer)
	mw.Unlock()
}

func (mw *multiWriter) Write(p []byte) (n int, err error) {
	mw.Lock()
	defer mw.Unlock()

	for _, writer := range mw.writers {
		// A failing target must not starve the others
		_, _ = writer.Write(p)
	}

	n = len(p)
	err = nil
	return
}

var (
	logFile   *os.File = nil
	logOutput *multiWriter
)

func init() {
	logOutput = &multiWriter{}
	logOutput.addWriter(os.Stderr)
	log.SetOutput(logOutput)
	log.SetFormatter(&log.TextFormatter{DisableColors: true})
	log.SetLevel(log.DebugLevel)
}

func addLogTarget(writer io.Writer) {
	logOutput.addWriter(writer)
}

// Up reads the [Logging] section and redirects log output accordingly
func Up(confMap conf.ConfMap) (err error) {
	var (
		logFilePath  string
		logToConsole bool
		output       *multiWriter
	)

	log.SetFormatter(&log.TextFormatter{DisableColors: true})

	logFilePath, _ = confMap.FetchOptionValueString("Logging", "LogFilePath")
	if "" != logFilePath {
		logFile, err = os.OpenFile(logFilePath, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
		if nil != err {
			log.Errorf("couldn't open log file: %v", err)
			return
		}
	}

	logToConsole, err = confMap.FetchOptionValueBool("Logging", "LogToConsole")
	if nil != err {
		logToConsole = true
	}

	output = &multiWriter{}
	if nil != logFile {
		output.addWriter(logFile)
	}
	if logToConsole || (nil == logFile) {
		output.addWriter(os.Stderr)
	}
	logOutput = output
	log.SetOutput(logOutput)

	// NOTE: We always enable max logging in logrus and decide in this package whether to log
	log.SetLevel(log.DebugLevel)

	traceConfSlice, _ := confMap.FetchOptionValueStringSlice("Logging", "TraceLevelLogging")
	setTraceLoggingLevel(traceConfSlice)

	err = nil
	return
}

// SignaledStart is a no-op; the log file stays open across a SIGHUP
func SignaledStart(confMap conf.ConfMap) (err error) {
	err = nil
	return
}

// SignaledFinish re-reads the trace settings
func SignaledFinish(confMap conf.ConfMap) (err error) {
	traceConfSlice, _ := confMap.FetchOptionValueStringSlice("Logging", "TraceLevelLogging")
	setTraceLoggingLevel(traceConfSlice)
	err = nil
	return
}

// Down restores logging to stderr and closes the log file, if any
func Down(confMap conf.ConfMap) (err error) {
	logOutput = &multiWriter{}
	logOutput.addWriter(os.Stderr)
	log.SetOutput(logOutput)

	if nil != logFile {
		err = logFile.Close()
		logFile = nil
	}
	return
}
