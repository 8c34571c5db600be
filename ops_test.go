package ioruntime

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpsWriteThenReadRoundTrip(t *testing.T) {
	rt := newTestRuntime(t)
	result, err := rt.Run(func(o *Ops) {
		r, w, err := o.Pipe()
		require.NoError(t, err)
		defer r.Close()

		payload := []byte("hello runtime")
		n, err := o.Write(w.FD(), payload, 0)
		require.NoError(t, err)
		assert.Equal(t, uint32(len(payload)), n)
		require.NoError(t, w.Close())

		buf := make([]byte, len(payload))
		rn, err := o.Read(r.FD(), buf)
		require.NoError(t, err)
		assert.Equal(t, uint32(len(payload)), rn)
		assert.Equal(t, payload, buf)
	})
	require.NoError(t, err)
	assert.Nil(t, result.Err)
}

func TestOpsReadRejectsZeroLengthBuffer(t *testing.T) {
	rt := newTestRuntime(t)
	result, err := rt.Run(func(o *Ops) {
		_, err := o.Read(0, nil)
		require.Error(t, err)
		assert.True(t, IsCode(err, ErrCodeInvalid))
	})
	require.NoError(t, err)
	assert.Nil(t, result.Err)
}

func TestOpsCloseUnknownFDReturnsKernelError(t *testing.T) {
	rt := newTestRuntime(t)
	result, err := rt.Run(func(o *Ops) {
		err := o.Close(99999)
		require.Error(t, err)
		var kerr *KernelError
		assert.ErrorAs(t, err, &kerr)
	})
	require.NoError(t, err)
	assert.Nil(t, result.Err)
}

func TestSelectReturnsFasterSide(t *testing.T) {
	rt := newTestRuntime(t)
	result, err := rt.Run(func(o *Ops) {
		either, err := Select(
			func() (string, error) {
				time.Sleep(20 * time.Millisecond)
				return "slow", nil
			},
			func() (int, error) {
				return 7, nil
			},
		)
		require.NoError(t, err)
		require.NotNil(t, either.Right)
		assert.Equal(t, 7, *either.Right)
		assert.Nil(t, either.Left)
	})
	require.NoError(t, err)
	assert.Nil(t, result.Err)
}

func TestSelectPropagatesError(t *testing.T) {
	boom := NewError("select.probe", ErrCodeInvalid, "boom")
	either, err := Select(
		func() (int, error) { return 0, boom },
		func() (int, error) {
			time.Sleep(20 * time.Millisecond)
			return 1, nil
		},
	)
	require.Error(t, err)
	assert.Equal(t, Either[int, int]{}, either)
}
