// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package blunder provides error-handling wrappers
//
// These wrappers allow callers to provide additional information in Go errors
// while still conforming to the Go error interface.
//
// This package provides APIs to add errno information to regular Go errors. The
// errno is what the dispatcher ultimately reports to its adapters, so every error
// leaving package upcall, bufmap, fileio, or dirlist carries one.
//
// This package is currently implemented on top of the ansel1/merry package:
//   https://github.com/ansel1/merry
//
//   From merry godoc:
//     You can add any context information to an error with `e = merry.WithValue(e, "code", 12345)`
//     You can retrieve that value with `v, _ := merry.Value(e, "code").(int)`
//
// Errors relayed from the user-space service additionally carry a "service" value
// so adapters can tell a pass-through status from a locally detected condition.
package blunder

import (
	"fmt"

	"github.com/ansel1/merry"
	"golang.org/x/sys/unix"

	"github.com/NVIDIA/pvfsdev/logger"
)

// FsError is an errno value describing an error condition.
//
// NOTE: unix.Errno is used here because they are errno constants that exist in Go-land.
//       This type consists of an unsigned number describing an error condition. It implements
//       the error interface; we need to cast it to an int to get the errno value.
//
type FsError int

const (
	// Errors that map to linux/POSIX errnos as defined in errno.h
	//
	NotPermError         FsError = FsError(int(unix.EPERM))        // Operation not permitted
	NotFoundError        FsError = FsError(int(unix.ENOENT))       // No such file or directory
	InterruptedError     FsError = FsError(int(unix.EINTR))        // Interrupted system call
	IOError              FsError = FsError(int(unix.EIO))          // I/O error
	BadFileError         FsError = FsError(int(unix.EBADF))        // Bad file number
	TryAgainError        FsError = FsError(int(unix.EAGAIN))       // Try again
	OutOfMemoryError     FsError = FsError(int(unix.ENOMEM))       // Out of memory
	DevBusyError         FsError = FsError(int(unix.EBUSY))        // Device or resource busy
	FileExistsError      FsError = FsError(int(unix.EEXIST))       // File exists
	NoDeviceError        FsError = FsError(int(unix.ENODEV))       // No such device
	NotDirError          FsError = FsError(int(unix.ENOTDIR))      // Not a directory
	IsDirError           FsError = FsError(int(unix.EISDIR))       // Is a directory
	InvalidArgError      FsError = FsError(int(unix.EINVAL))       // Invalid argument
	NoSpaceError         FsError = FsError(int(unix.ENOSPC))       // No space left on device
	RangeError           FsError = FsError(int(unix.ERANGE))       // Math result not representable
	NameTooLongError     FsError = FsError(int(unix.ENAMETOOLONG)) // File name too long
	NotImplementedError  FsError = FsError(int(unix.ENOSYS))       // Function not implemented
	NotEmptyError        FsError = FsError(int(unix.ENOTEMPTY))    // Directory not empty
	NoDataError          FsError = FsError(int(unix.ENODATA))      // No data available
	ProtocolError        FsError = FsError(int(unix.EPROTO))       // Protocol error
	MsgSizeError         FsError = FsError(int(unix.EMSGSIZE))     // Message too long
	NotSupportedError    FsError = FsError(int(unix.ENOTSUP))      // Operation not supported
	TimedOutError        FsError = FsError(int(unix.ETIMEDOUT))    // Connection timed out
	CanceledError        FsError = FsError(int(unix.ECANCELED))    // Operation Canceled
	NotRecoverableError  FsError = FsError(int(unix.ENOTRECOVERABLE))
)

// Dispatcher error taxonomy. Adapters map these to their host's vocabulary.
const (
	ResourceExhaustedError FsError = OutOfMemoryError    // no operation object or buffer slot available
	ProtocolMismatchError  FsError = ProtocolError       // magic or protocol version disagreement
	MessageTooLargeError   FsError = MsgSizeError        // payload exceeds the channel maximum
	TimeoutError           FsError = TimedOutError       // bounded wait expired (after any retries)
	InterruptedWaitError   FsError = InterruptedError    // caller's wait cancelled by an external signal
	CancelledError         FsError = CanceledError       // operation explicitly cancelled
	InconsistentError      FsError = NotRecoverableError // internal invariant violated
)

// SuccessError is the FsError of a nil error.
const SuccessError FsError = 0

// Default errno values for success and failure
const successErrno = 0
const failureErrno = -1

// Value returns the int value for the specified FsError constant
func (err FsError) Value() int {
	return int(err)
}

func (err FsError) String() string {
	if SuccessError == err {
		return "success"
	}
	return unix.Errno(err).Error()
}

// NewError creates a new merry/blunder.FsError-annotated error using the given
// format string and arguments.
func NewError(errValue FsError, format string, a ...interface{}) error {
	return merry.WrapSkipping(fmt.Errorf(format, a...), 1).WithValue("errno", int(errValue))
}

// NewServiceError wraps a status returned by the user-space service. Service
// statuses are negative errnos; the errno recorded is its absolute value.
func NewServiceError(status int32, format string, a ...interface{}) error {
	var (
		errno int
	)

	if 0 > status {
		errno = int(-status)
	} else {
		errno = int(status)
	}

	return merry.WrapSkipping(fmt.Errorf(format, a...), 1).WithValue("errno", errno).WithValue("service", status)
}

// AddError is used to add FS error detail to a Go error.
//
// NOTE: Checks whether the error value has already been set
//       Note that by default merry will replace the old with the new.
//
func AddError(e error, errValue FsError) error {
	if e == nil {
		// The caller obviously intends this to be a non-nil error.
		return merry.New("regular error").WithValue("errno", int(errValue))
	}

	prevValue := Errno(e)
	if prevValue != successErrno && prevValue != failureErrno && prevValue != int(errValue) {
		logger.Warnf("replacing error value %v with value %v for error %v", prevValue, int(errValue), e)
	}

	return merry.WrapSkipping(e, 1).WithValue("errno", int(errValue))
}

// Errno extracts errno from the error, if it was previously wrapped.
// Otherwise a default value is returned.
//
func Errno(e error) int {
	if e == nil {
		// nil error = success
		return successErrno
	}

	// If the "errno" key/value was not present, merry.Value returns nil.
	var errno = failureErrno
	tmp := merry.Value(e, "errno")
	if tmp != nil {
		errno = tmp.(int)
	}

	return errno
}

// ErrorString returns the error text with its errno appended, if set.
func ErrorString(e error) string {
	if e == nil {
		return ""
	}

	errPlusVal := e.Error()

	tmp := merry.Value(e, "errno")
	if tmp != nil {
		errPlusVal = fmt.Sprintf("%s. Error Value: %v", errPlusVal, tmp.(int))
	}

	return errPlusVal
}

// Is checks if an error matches a particular FsError
//
// NOTE: Because the value of the underlying errno is used to do this check, one cannot
//       use this API to distinguish between FsErrors that use the same errno value.
//       IOW, it can't tell the difference between ResourceExhaustedError and OutOfMemoryError.
//
func Is(e error, theError FsError) bool {
	return Errno(e) == theError.Value()
}

// IsNot checks if an error is NOT a particular FsError
func IsNot(e error, theError FsError) bool {
	return Errno(e) != theError.Value()
}

// IsSuccess checks if an error is the success FsError
func IsSuccess(e error) bool {
	return Errno(e) == successErrno
}

// IsNotSuccess checks if an error is NOT the success FsError
func IsNotSuccess(e error) bool {
	return Errno(e) != successErrno
}

// IsServiceError reports whether the error relays a status from the user-space service.
func IsServiceError(e error) bool {
	if nil == e {
		return false
	}
	return nil != merry.Value(e, "service")
}

// ServiceStatus returns the raw status relayed from the service, or 0.
func ServiceStatus(e error) (status int32) {
	if nil == e {
		return
	}
	tmp := merry.Value(e, "service")
	if nil != tmp {
		status = tmp.(int32)
	}
	return
}

// Location returns the file and line number of the code that generated the error.
// Returns zero values if e has no stacktrace.
func Location(e error) (file string, line int) {
	file, line = merry.Location(e)
	return
}

// Details wraps merry.Details, which returns all error details including stacktrace in a string.
func Details(e error) string {
	return merry.Details(e)
}

// Stacktrace wraps merry.Stacktrace, which returns error stacktrace (if set) in a string.
func Stacktrace(e error) string {
	return merry.Stacktrace(e)
}
