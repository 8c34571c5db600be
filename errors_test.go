package ioruntime

import (
	"errors"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStructuredError(t *testing.T) {
	err := NewError("registry.append_task", ErrCodeInvalid, "invalid task slot")

	assert.Equal(t, "registry.append_task", err.Op)
	assert.Equal(t, ErrCodeInvalid, err.Code)
	assert.Equal(t, "ioruntime: invalid task slot (op=registry.append_task)", err.Error())
}

func TestErrorWithErrno(t *testing.T) {
	err := NewErrorWithErrno("submit", ErrCodeKernel, syscall.EINVAL)

	assert.Equal(t, syscall.EINVAL, err.Errno)
	assert.Equal(t, ErrCodeKernel, err.Code)
}

func TestTaskError(t *testing.T) {
	err := NewTaskError("poll", 7, ErrCodeNotFound, "task vanished")

	require.Equal(t, uint32(7), err.TaskID)
	assert.Equal(t, "ioruntime: task vanished (op=poll)", err.Error())
}

func TestWrapError(t *testing.T) {
	inner := syscall.ETIMEDOUT
	err := WrapError("wait", inner)

	assert.Equal(t, ErrCodeTimeout, err.Code)
	assert.Equal(t, syscall.ETIMEDOUT, err.Errno)
	assert.True(t, errors.Is(err, syscall.ETIMEDOUT))
}

func TestWrapErrorPreservesStructuredError(t *testing.T) {
	base := NewTaskError("submit", 3, ErrCodeRingFull, "ring full")
	wrapped := WrapError("spawn", base)

	assert.Equal(t, "spawn", wrapped.Op)
	assert.Equal(t, ErrCodeRingFull, wrapped.Code)
	assert.Equal(t, uint32(3), wrapped.TaskID)
}

func TestIsCode(t *testing.T) {
	err := NewError("test", ErrCodeTimeout, "operation timed out")

	assert.True(t, IsCode(err, ErrCodeTimeout))
	assert.False(t, IsCode(err, ErrCodeIO))
	assert.False(t, IsCode(nil, ErrCodeTimeout))
}

func TestIsErrno(t *testing.T) {
	err := NewErrorWithErrno("test", ErrCodeIO, syscall.EIO)

	assert.True(t, IsErrno(err, syscall.EIO))
	assert.False(t, IsErrno(err, syscall.EPERM))
	assert.False(t, IsErrno(nil, syscall.EIO))
}

func TestErrnoMapping(t *testing.T) {
	testCases := []struct {
		errno    syscall.Errno
		expected ErrorCode
	}{
		{syscall.EINVAL, ErrCodeInvalid},
		{syscall.E2BIG, ErrCodeInvalid},
		{syscall.ENOMEM, ErrCodeAllocationFailed},
		{syscall.ETIMEDOUT, ErrCodeTimeout},
		{syscall.ETIME, ErrCodeTimeout},
		{syscall.EPERM, ErrCodeKernel},
	}

	for _, tc := range testCases {
		assert.Equal(t, tc.expected, mapErrnoToCode(tc.errno))
	}
}

func TestKernelErrorInvalid(t *testing.T) {
	err := &KernelError{Valid: false}
	assert.Equal(t, "ioruntime: kernel result unavailable", err.Error())
}

func TestTerminationErrorEmpty(t *testing.T) {
	err := &TerminationError{}
	assert.Equal(t, "ioruntime: task failed", err.Error())
}
