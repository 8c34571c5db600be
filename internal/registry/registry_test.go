package registry

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAllocatesRegistry(t *testing.T) {
	r := New(4, 8)
	free, freeC := r.Stats()
	require.Equal(t, 4, free)
	require.Equal(t, 8, freeC)
}

func TestAppendsTaskOnce(t *testing.T) {
	r := New(1, 1)

	ref, err := r.AppendTask("pollable")
	require.NoError(t, err)
	require.Equal(t, uint32(0), ref.Index)

	_, err = r.AppendTask("pollable2")
	require.Error(t, err, "second append must fail: no free task slots")
}

func TestAppendsCompleterOnce(t *testing.T) {
	r := New(2, 1)
	task, err := r.AppendTask(nil)
	require.NoError(t, err)

	cref, err := r.AppendCompleter(task)
	require.NoError(t, err)
	require.Equal(t, uint32(0), cref.Index)

	_, err = r.AppendCompleter(task)
	require.Error(t, err, "second append must fail: no free completer slots")
}

func TestAppendCompleterRejectsUnknownTask(t *testing.T) {
	r := New(1, 1)
	_, err := r.AppendCompleter(TaskRef{Index: 0, Generation: 0})
	require.Error(t, err)
}

func TestPollsTask(t *testing.T) {
	r := New(1, 1)
	ref, _ := r.AppendTask(7)

	data, completed, err := r.Poll(ref)
	require.NoError(t, err)
	require.False(t, completed)
	require.Equal(t, 7, data)
}

func TestPollRejectsStaleGeneration(t *testing.T) {
	r := New(1, 1)
	ref, _ := r.AppendTask(1)
	require.NoError(t, r.CompleteTask(ref, 1))
	_, err := r.RemoveTask(ref)
	require.NoError(t, err)

	_, _, err = r.Poll(ref)
	require.Error(t, err)
}

func TestRemovesTaskIfPresentCompletedPolled(t *testing.T) {
	r := New(1, 1)
	ref, _ := r.AppendTask("done")
	require.NoError(t, r.CompleteTask(ref, "done"))
	_, _, err := r.Poll(ref)
	require.NoError(t, err)

	data, err := r.RemoveTask(ref)
	require.NoError(t, err)
	require.Equal(t, "done", data)
}

func TestRemovesTaskIfPresentCompletedNotPolled(t *testing.T) {
	r := New(1, 1)
	ref, _ := r.AppendTask("done")
	require.NoError(t, r.CompleteTask(ref, "done"))

	data, err := r.RemoveTask(ref)
	require.NoError(t, err)
	require.Equal(t, "done", data)
}

func TestRemoveTaskRejectsNotCompleted(t *testing.T) {
	r := New(1, 1)
	ref, _ := r.AppendTask("pending")

	_, err := r.RemoveTask(ref)
	require.True(t, IsNotReady(err), "a task that never completed is not removable")
}

func TestRemoveTaskRejectsAwaitingCompleter(t *testing.T) {
	r := New(1, 1)
	ref, _ := r.AppendTask("pending")
	c, err := r.AppendCompleter(ref)
	require.NoError(t, err)
	require.NoError(t, r.CompleteTask(ref, "done"))

	outstanding, err := r.TaskOutstanding(ref)
	require.NoError(t, err)
	require.Equal(t, 1, outstanding)

	_, err = r.RemoveTask(ref)
	require.True(t, IsNotReady(err), "a completed task with an outstanding completer is not removable")

	// Once the completer resolves and leaves, the removal goes through.
	require.NoError(t, r.CompleteCompleter(c, 0))
	require.NoError(t, r.RemoveCompleter(c))
	data, err := r.RemoveTask(ref)
	require.NoError(t, err)
	require.Equal(t, "done", data)
}

func TestRemovesTaskIfNotPresent(t *testing.T) {
	r := New(1, 1)
	_, err := r.RemoveTask(TaskRef{Index: 0, Generation: 0})
	require.Error(t, err)
}

func TestRemovesCompleterIfPresentCompleted(t *testing.T) {
	r := New(1, 1)
	task, _ := r.AppendTask(nil)
	c, _ := r.AppendCompleter(task)
	require.NoError(t, r.CompleteCompleter(c, 42))

	err := r.RemoveCompleter(c)
	require.NoError(t, err)
}

func TestRemoveCompleterRejectsNotCompleted(t *testing.T) {
	r := New(1, 1)
	task, _ := r.AppendTask(nil)
	c, _ := r.AppendCompleter(task)

	err := r.RemoveCompleter(c)
	require.True(t, IsNotReady(err), "a completer that never completed is not removable")
}

func TestRemovesCompleterIfNotFound(t *testing.T) {
	r := New(1, 1)
	err := r.RemoveCompleter(CompleterRef{Index: 0, Generation: 0})
	require.Error(t, err)
}

func TestCompletesIfBothTaskAndCompleterPresent(t *testing.T) {
	r := New(1, 1)
	task, _ := r.AppendTask(nil)
	c, _ := r.AppendCompleter(task)

	require.NoError(t, r.CompleteCompleter(c, 99))

	val, completed, err := r.CompleterValue(c)
	require.NoError(t, err)
	require.True(t, completed)
	require.Equal(t, 99, val)

	_, taskCompleted, err := r.Poll(task)
	require.NoError(t, err)
	require.True(t, taskCompleted, "task completes once its last completer resolves")
}

func TestCompletesIfTaskPresentButCompleterNot(t *testing.T) {
	r := New(1, 1)
	task, _ := r.AppendTask(nil)

	require.NoError(t, r.CompleteTask(task, "direct"))

	data, completed, err := r.Poll(task)
	require.NoError(t, err)
	require.True(t, completed)
	require.Equal(t, "direct", data)
}

func TestSlotIsReusedWithNewGenerationAfterRemoval(t *testing.T) {
	r := New(1, 1)
	first, err := r.AppendTask(1)
	require.NoError(t, err)
	require.NoError(t, r.CompleteTask(first, 1))
	_, err = r.RemoveTask(first)
	require.NoError(t, err)

	second, err := r.AppendTask(2)
	require.NoError(t, err)
	require.Equal(t, first.Index, second.Index)
	require.NotEqual(t, first.Generation, second.Generation)

	_, _, err = r.Poll(first)
	require.Error(t, err, "stale ref into a reused slot must be rejected")
}

func TestCompleterTaskReportsOwner(t *testing.T) {
	r := New(1, 1)
	task, _ := r.AppendTask(nil)
	c, _ := r.AppendCompleter(task)

	got, ok := r.CompleterTask(c)
	require.True(t, ok)
	require.Equal(t, task, got)

	require.NoError(t, r.CompleteCompleter(c, 0))
	require.NoError(t, r.RemoveCompleter(c))
	_, ok = r.CompleterTask(c)
	require.False(t, ok, "a removed completer has no owner")
}

func TestCompleterAccountingStaysBalanced(t *testing.T) {
	r := New(2, 4)
	task, _ := r.AppendTask(nil)
	c1, _ := r.AppendCompleter(task)
	c2, _ := r.AppendCompleter(task)

	outstanding, err := r.TaskOutstanding(task)
	require.NoError(t, err)
	require.Equal(t, 2, outstanding)

	// The usual complete-then-remove sequence gives back exactly one
	// unit per completer, not two.
	require.NoError(t, r.CompleteCompleter(c1, 10))
	require.NoError(t, r.RemoveCompleter(c1))
	outstanding, err = r.TaskOutstanding(task)
	require.NoError(t, err)
	require.Equal(t, 1, outstanding)
	_, freeCompleters := r.Stats()
	require.Equal(t, 3, freeCompleters, "outstanding count must track occupied completer slots")

	// An uncompleted completer cannot be evicted out from under the
	// accounting; completing it is the only way to give its unit back.
	require.Error(t, r.RemoveCompleter(c2))
	require.NoError(t, r.CompleteCompleter(c2, 20))
	require.NoError(t, r.RemoveCompleter(c2))
	outstanding, err = r.TaskOutstanding(task)
	require.NoError(t, err)
	require.Equal(t, 0, outstanding)
	_, freeCompleters = r.Stats()
	require.Equal(t, 4, freeCompleters)
}

func TestCompleterRefEncodeRoundTrips(t *testing.T) {
	ref := CompleterRef{Index: 12, Generation: 34}
	got := DecodeCompleterRef(ref.Encode())
	require.Equal(t, ref, got)
}
