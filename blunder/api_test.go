// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package blunder

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"golang.org/x/sys/unix"
)

func TestValues(t *testing.T) {
	assert := assert.New(t)

	assert.Equal(int(unix.EPERM), NotPermError.Value())
	assert.Equal(int(unix.ENOMEM), ResourceExhaustedError.Value())
	assert.Equal(int(unix.EPROTO), ProtocolMismatchError.Value())
	assert.Equal(int(unix.EMSGSIZE), MessageTooLargeError.Value())
	assert.Equal(int(unix.ETIMEDOUT), TimeoutError.Value())
	assert.Equal(int(unix.EINTR), InterruptedWaitError.Value())
	assert.Equal(int(unix.ECANCELED), CancelledError.Value())
	assert.Equal(int(unix.ENOTRECOVERABLE), InconsistentError.Value())
	assert.Equal("success", SuccessError.String())
}

func TestDefaultErrno(t *testing.T) {
	assert := assert.New(t)

	var err error

	assert.Equal(successErrno, Errno(err))
	assert.True(IsSuccess(err))
	assert.False(IsNotSuccess(err))

	err = fmt.Errorf("This is an ordinary error")

	assert.Equal(failureErrno, Errno(err))
	assert.False(IsSuccess(err))
	assert.True(IsNotSuccess(err))

	err = AddError(err, InvalidArgError)
	assert.Equal(InvalidArgError.Value(), Errno(err))
	assert.True(Is(err, InvalidArgError))
	assert.True(IsNot(err, TimeoutError))
}

func TestAddValue(t *testing.T) {
	assert := assert.New(t)

	var err error

	err = AddError(err, DevBusyError)
	assert.Equal(DevBusyError.Value(), Errno(err))

	err = AddError(err, TimeoutError)
	assert.True(Is(err, TimeoutError))
}

func TestNewError(t *testing.T) {
	assert := assert.New(t)

	err := NewError(InconsistentError, "tag %v inserted twice", 17)
	assert.True(Is(err, InconsistentError))
	assert.Contains(err.Error(), "tag 17 inserted twice")
	assert.Contains(ErrorString(err), fmt.Sprintf("Error Value: %v", int(unix.ENOTRECOVERABLE)))
	assert.NotEmpty(Stacktrace(err))
	assert.NotEmpty(Details(err))

	file, line := Location(err)
	assert.Contains(file, "api_test.go")
	assert.NotZero(line)
}

func TestServiceError(t *testing.T) {
	assert := assert.New(t)

	err := NewServiceError(-int32(unix.ENOENT), "lookup of %s failed", "foo")
	assert.True(IsServiceError(err))
	assert.True(Is(err, NotFoundError))
	assert.Equal(-int32(unix.ENOENT), ServiceStatus(err))

	err = NewError(TimeoutError, "locally detected")
	assert.False(IsServiceError(err))
	assert.Equal(int32(0), ServiceStatus(err))
	assert.False(IsServiceError(nil))
}
