package ioruntime

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.WorkerCount = 2
	cfg.TaskSlots = 16
	cfg.CompleterSlots = 32
	cfg.OverflowQueueDepth = 8
	cfg.HeapPoolDepth = 4
	return cfg
}

func newTestRuntime(t *testing.T) *Runtime {
	t.Helper()
	rt, err := newWithRing(testConfig(), NewFakeRing())
	require.NoError(t, err)
	return rt
}

func TestRuntimeNoopRoundTrip(t *testing.T) {
	rt := newTestRuntime(t)
	result, err := rt.Run(func(o *Ops) {
		require.NoError(t, o.Noop())
	})
	require.NoError(t, err)
	assert.Nil(t, result.Err)
}

func TestRuntimeTimeoutIsCleanSuccess(t *testing.T) {
	rt := newTestRuntime(t)
	result, err := rt.Run(func(o *Ops) {
		require.NoError(t, o.Timeout(5*time.Millisecond))
	})
	require.NoError(t, err)
	assert.Nil(t, result.Err)
}

func TestRuntimeReadDevZero(t *testing.T) {
	rt := newTestRuntime(t)
	result, err := rt.Run(func(o *Ops) {
		fd, err := o.OpenAt("/dev/zero")
		require.NoError(t, err)
		defer o.Close(fd)

		buf := make([]byte, 64)
		n, err := o.Read(fd, buf)
		require.NoError(t, err)
		assert.Equal(t, uint32(64), n)
		for _, b := range buf {
			assert.Equal(t, byte(0), b)
		}
	})
	require.NoError(t, err)
	assert.Nil(t, result.Err)
}

func TestRuntimeExecuteOffloadsToWorker(t *testing.T) {
	rt := newTestRuntime(t)
	result, err := rt.Run(func(o *Ops) {
		sum, err := Execute(o, func() (int, error) {
			total := 0
			for i := 1; i <= 100; i++ {
				total += i
			}
			return total, nil
		})
		require.NoError(t, err)
		assert.Equal(t, 5050, sum)
	})
	require.NoError(t, err)
	assert.Nil(t, result.Err)

	// One dispatch is two observed completions: the queuing NOOP and the
	// READ on the worker's completion pipe.
	snap := rt.Metrics().Snapshot()
	assert.Equal(t, uint64(2), snap.Completions)
	assert.Equal(t, uint64(1), snap.WorkerDirectDispatch)
	assert.Equal(t, uint64(1), snap.WorkerCompleted)
	assert.Equal(t, 2, rt.workers.Free(), "the worker must be back on the free list")
}

func TestRuntimeExecuteExhaustsPoolAndQueues(t *testing.T) {
	rt := newTestRuntime(t)
	const n = 6 // more than testConfig's 2 workers
	result, err := rt.Run(func(o *Ops) {
		done := make(chan int, n)
		for i := 0; i < n; i++ {
			i := i
			require.NoError(t, o.SpawnIO(func(inner *Ops) {
				v, err := Execute(inner, func() (int, error) {
					time.Sleep(time.Millisecond)
					return i, nil
				})
				require.NoError(t, err)
				done <- v
			}))
		}
		seen := make(map[int]bool)
		for i := 0; i < n; i++ {
			seen[<-done] = true
		}
		assert.Len(t, seen, n)
	})
	require.NoError(t, err)
	assert.Nil(t, result.Err)
}

func TestRuntimeTaskPanicReportsTermination(t *testing.T) {
	rt := newTestRuntime(t)
	result, err := rt.Run(func(o *Ops) {
		panic("boom")
	})
	require.NoError(t, err)
	require.NotNil(t, result.Err)
}

func TestRuntimeSpawnIOIndependentTask(t *testing.T) {
	rt := newTestRuntime(t)
	childDone := make(chan struct{})
	result, err := rt.Run(func(o *Ops) {
		require.NoError(t, o.SpawnIO(func(child *Ops) {
			require.NoError(t, child.Noop())
			close(childDone)
		}))
		// Wait for the child to actually finish before this (root) task
		// returns, since Run tears the runtime down as soon as root's
		// result lands — otherwise the child would race Close.
		select {
		case <-childDone:
		case <-time.After(time.Second):
			t.Fatal("spawned child task never ran")
		}
	})
	require.NoError(t, err)
	assert.Nil(t, result.Err)
}
