package ioruntime

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestSelectLoserDoesNotLeakTaskSlot exercises a task that returns from
// Select before its losing side resolves: the task body finishes with a
// completer still charged against it, which must eventually be removed
// once that completer's completion drains, not leak the slot forever.
// TaskSlots is capped tight enough that slots leaked across rounds
// starve a later round's spawn, so a regression here fails loudly
// instead of silently.
func TestSelectLoserDoesNotLeakTaskSlot(t *testing.T) {
	cfg := testConfig()
	cfg.TaskSlots = 3 // root + one in-flight child + one spare; a slot leaked every round runs out by the third round
	rt, err := newWithRing(cfg, NewFakeRing())
	require.NoError(t, err)

	const rounds = 5
	result, err := rt.Run(func(o *Ops) {
		for i := 0; i < rounds; i++ {
			childDone := make(chan struct{})
			require.NoError(t, o.SpawnIO(func(child *Ops) {
				defer close(childDone)
				either, err := Select(
					func() (int, error) { return 1, nil },
					func() (int, error) {
						require.NoError(t, child.Timeout(20*time.Millisecond))
						return 0, nil
					},
				)
				require.NoError(t, err)
				require.NotNil(t, either.Left)
				assert.Nil(t, either.Right)
				// Returns here while the Timeout loser is still in
				// flight against this same task.
			}), "round %d: spawn should find a free task slot", i)

			select {
			case <-childDone:
			case <-time.After(time.Second):
				t.Fatalf("round %d: select never returned", i)
			}
			// Give the loser's Timeout completion a chance to drain and
			// free this round's task slot before the next round spawns.
			time.Sleep(50 * time.Millisecond)
		}
	})
	require.NoError(t, err)
	assert.Nil(t, result.Err)
}
