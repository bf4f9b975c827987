// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package logger provides logging wrappers
//
// These wrappers allow us to standardize logging while still using a third-party
// logging package.
//
// This package is currently implemented on top of the sirupsen/logrus package:
//   https://github.com/sirupsen/logrus
//
// The APIs here add package, calling function, goroutine, and pid to all logs.
//
// Logging of trace logs is enabled/disabled on a per package basis via the
// [Logging]TraceLevelLogging option.
package logger

import (
	"fmt"
	"io"
	"os"

	log "github.com/sirupsen/logrus"

	"github.com/NVIDIA/pvfsdev/utils"
)

type Level int

// Our logging levels
//
// We have more detailed logging levels than the logrus log package.
// As a result, when we do our logging we need to map from our levels
// to the logrus ones before calling logrus APIs.
const (
	// PanicLevel corresponds to logrus.PanicLevel; Logrus will log and then call panic with the log message
	PanicLevel Level = iota
	// FatalLevel corresponds to logrus.FatalLevel; Logrus will log and then calls `os.Exit(1)`.
	FatalLevel
	// ErrorLevel corresponds to logrus.ErrorLevel
	ErrorLevel
	// WarnLevel corresponds to logrus.WarnLevel
	WarnLevel
	// InfoLevel corresponds to logrus.InfoLevel
	InfoLevel
	// TraceLevel is used for operational logs that trace the success path through a package.
	// When enabled for a package, these are logged at logrus.InfoLevel.
	TraceLevel
)

var traceLevelEnabled = false

// packageTraceSettings controls whether tracing is enabled for particular packages.
//
// Note: In order to enable tracing for a package using the "Logging.TraceLevelLogging"
// config variable, the package must be in this map.
//
var packageTraceSettings = map[string]bool{
	"bufmap":      false,
	"devproto":    false,
	"dirlist":     false,
	"fileio":      false,
	"iovec":       false,
	"logger":      false,
	"pvfsdevd":    false,
	"ramservice":  false,
	"trackedlock": false,
	"transitions": false,
	"upcall":      false,
}

func setTraceLoggingLevel(confStrSlice []string) {
	traceLevelEnabled = false
	for pkg := range packageTraceSettings {
		packageTraceSettings[pkg] = false
	}

HandlePkgs:
	for _, pkg := range confStrSlice {
		switch pkg {
		case "none":
			traceLevelEnabled = false
			break HandlePkgs
		default:
			if _, ok := packageTraceSettings[pkg]; ok {
				packageTraceSettings[pkg] = true
				traceLevelEnabled = true
			}
		}
	}

	if traceLevelEnabled {
		for pkg, isEnabled := range packageTraceSettings {
			if isEnabled {
				Infof("Package %v trace logging is enabled.", pkg)
			}
		}
	}
}

func traceEnabled(pkg string) bool {
	isEnabled, ok := packageTraceSettings[pkg]
	return ok && isEnabled
}

// Log fields supported by logger:
const packageKey string = "package"
const functionKey string = "function"
const errorKey string = "error"
const gidKey string = "goroutine"
const pidKey string = "pid"

// funcCtx holds the logrus entry carrying the caller's fields
type funcCtx struct {
	funcContext *log.Entry
	pkg         string
}

// newFuncCtx creates a new function logging context, extracting the calling
// function from the call stack.
func newFuncCtx(level int) (ctx *funcCtx) {
	fn, pkg, gid := utils.GetFuncPackage(level + 1)

	fields := make(log.Fields)
	fields[functionKey] = fn
	fields[packageKey] = pkg
	fields[gidKey] = gid
	fields[pidKey] = fmt.Sprint(os.Getpid())

	ctx = &funcCtx{funcContext: log.WithFields(fields), pkg: pkg}
	return
}

func newFuncCtxWithField(level int, key string, value interface{}) (ctx *funcCtx) {
	ctx = newFuncCtx(level + 1)
	ctx.funcContext = ctx.funcContext.WithField(key, value)
	return
}

var backtraceOneLevel int = 1

func (ctx *funcCtx) log(level Level, args ...interface{}) {
	if (TraceLevel == level) && !traceEnabled(ctx.pkg) {
		return
	}

	switch level {
	case PanicLevel:
		ctx.funcContext.Panic(args...)
	case FatalLevel:
		ctx.funcContext.Fatal(args...)
	case ErrorLevel:
		ctx.funcContext.Error(args...)
	case WarnLevel:
		ctx.funcContext.Warn(args...)
	case InfoLevel, TraceLevel:
		ctx.funcContext.Info(args...)
	}
}

// EXTERNAL logging APIs
// These APIs are in the style of those provided by the logrus package.

func Errorf(format string, args ...interface{}) {
	newFuncCtx(backtraceOneLevel).log(ErrorLevel, fmt.Sprintf(format, args...))
}

func Fatalf(format string, args ...interface{}) {
	newFuncCtx(backtraceOneLevel).log(FatalLevel, fmt.Sprintf(format, args...))
}

func Infof(format string, args ...interface{}) {
	newFuncCtx(backtraceOneLevel).log(InfoLevel, fmt.Sprintf(format, args...))
}

func Tracef(format string, args ...interface{}) {
	if !traceLevelEnabled {
		return
	}
	newFuncCtx(backtraceOneLevel).log(TraceLevel, fmt.Sprintf(format, args...))
}

func Warnf(format string, args ...interface{}) {
	newFuncCtx(backtraceOneLevel).log(WarnLevel, fmt.Sprintf(format, args...))
}

func ErrorfWithError(err error, format string, args ...interface{}) {
	newFuncCtxWithField(backtraceOneLevel, errorKey, err).log(ErrorLevel, fmt.Sprintf(format, args...))
}

func FatalfWithError(err error, format string, args ...interface{}) {
	newFuncCtxWithField(backtraceOneLevel, errorKey, err).log(FatalLevel, fmt.Sprintf(format, args...))
}

func InfofWithError(err error, format string, args ...interface{}) {
	newFuncCtxWithField(backtraceOneLevel, errorKey, err).log(InfoLevel, fmt.Sprintf(format, args...))
}

func PanicfWithError(err error, format string, args ...interface{}) {
	newFuncCtxWithField(backtraceOneLevel, errorKey, err).log(PanicLevel, fmt.Sprintf(format, args...))
}

func TracefWithError(err error, format string, args ...interface{}) {
	if !traceLevelEnabled {
		return
	}
	newFuncCtxWithField(backtraceOneLevel, errorKey, err).log(TraceLevel, fmt.Sprintf(format, args...))
}

func WarnfWithError(err error, format string, args ...interface{}) {
	newFuncCtxWithField(backtraceOneLevel, errorKey, err).log(WarnLevel, fmt.Sprintf(format, args...))
}

// AddLogTarget adds another target for log messages to be written to. writer is
// called once for each log message.
//
// Logger.Up() must be called before this function is used.
//
func AddLogTarget(writer io.Writer) {
	addLogTarget(writer)
}

// LogBuffer holds the most recent log entries, most recent first
type LogBuffer struct {
	LogEntries   []string
	TotalEntries int
}

// LogTarget is a log target that captures the most recent n lines of log into
// an array. Useful for writing test cases.
//
// There is no lock coordinating access to the array; the logrus output lock
// serializes writers and tests read only after logging has quiesced.
//
type LogTarget struct {
	LogBuf *LogBuffer
}

// Init initializes a LogTarget to hold up to nEntry log entries.
func (target *LogTarget) Init(nEntry int) {
	target.LogBuf = &LogBuffer{TotalEntries: 0}
	target.LogBuf.LogEntries = make([]string, nEntry)
}

// Write is called by logger for each log entry
func (target LogTarget) Write(p []byte) (n int, err error) {
	logBuf := target.LogBuf

	if 0 < len(logBuf.LogEntries) {
		copy(logBuf.LogEntries[1:], logBuf.LogEntries[:len(logBuf.LogEntries)-1])
		logBuf.LogEntries[0] = string(p)
	}
	logBuf.TotalEntries++

	n = len(p)
	err = nil
	return
}
