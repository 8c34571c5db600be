package pool

import (
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/ioruntime/internal/registry"
)

type stubCallable struct {
	ran    chan struct{}
	result any
}

func (s *stubCallable) Call() (any, error) {
	close(s.ran)
	return s.result, nil
}

type blockingCallable struct {
	started chan struct{}
	release chan struct{}
}

func (b *blockingCallable) Call() (any, error) {
	close(b.started)
	<-b.release
	return nil, nil
}

func completerPair(i uint32) [2]registry.CompleterRef {
	return [2]registry.CompleterRef{
		{Index: i, Generation: 0},
		{Index: i, Generation: 1},
	}
}

// reap consumes the 1-byte completion marker the worker writes when its
// callable finishes — the read the runtime normally issues through the
// ring.
func reap(t *testing.T, p *Pool, slot int) {
	t.Helper()
	buf := make([]byte, 1)
	n, err := unix.Read(int(p.WorkerOutboundFD(slot)), buf)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestExecuteDispatchesDirectlyToFreeWorker(t *testing.T) {
	p, err := New(1, 4)
	require.NoError(t, err)
	defer p.Close()

	c := &stubCallable{ran: make(chan struct{}), result: 7}
	dispatch, slot, err := p.Execute(completerPair(0), c)
	require.NoError(t, err)
	require.Equal(t, DirectDispatched, dispatch)
	require.Equal(t, 0, p.Free())

	<-c.ran
	reap(t, p, slot)

	res, callErr := p.WorkerResult(slot)
	require.NoError(t, callErr)
	require.Equal(t, 7, res)

	require.True(t, p.Release(completerPair(0)[1]))
	require.Equal(t, 1, p.Free())
}

func TestExecuteFallsBackToOverflowQueue(t *testing.T) {
	p, err := New(1, 4)
	require.NoError(t, err)
	defer p.Close()

	busy := &blockingCallable{started: make(chan struct{}), release: make(chan struct{})}
	dispatch, slot, err := p.Execute(completerPair(0), busy)
	require.NoError(t, err)
	require.Equal(t, DirectDispatched, dispatch)
	<-busy.started

	queued := &stubCallable{ran: make(chan struct{}), result: "late"}
	dispatch, _, err = p.Execute(completerPair(1), queued)
	require.NoError(t, err)
	require.Equal(t, Queued, dispatch)
	require.Equal(t, 1, p.Queued())

	// Nothing to trigger while every worker is still busy.
	_, _, ok, err := p.Trigger()
	require.NoError(t, err)
	require.False(t, ok)

	close(busy.release)
	reap(t, p, slot)
	require.True(t, p.Release(completerPair(0)[1]))

	slot, completer, ok, err := p.Trigger()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, completerPair(1)[1], completer)
	require.Equal(t, 0, p.Queued())

	<-queued.ran
	reap(t, p, slot)
	res, callErr := p.WorkerResult(slot)
	require.NoError(t, callErr)
	require.Equal(t, "late", res)

	require.True(t, p.Release(completer))
	require.Equal(t, 1, p.Free())
}

func TestReleaseUnknownCompleterReportsFalse(t *testing.T) {
	p, err := New(1, 4)
	require.NoError(t, err)
	defer p.Close()

	require.False(t, p.Release(registry.CompleterRef{Index: 9, Generation: 9}))
}
