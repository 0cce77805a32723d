package readiness

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/loykin/nodewarden/internal/outcome"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignalResolvesOnce(t *testing.T) {
	s := NewSignal()
	_, ok := s.Result()
	require.False(t, ok)

	require.True(t, s.Resolve(outcome.OK("ready")))
	require.False(t, s.Resolve(outcome.Fail(outcome.CodeSpawnFailure, "late")))

	got, ok := s.Result()
	require.True(t, ok)
	assert.Equal(t, outcome.OK("ready"), got)
}

func TestSignalManyWaitersSameValue(t *testing.T) {
	s := NewSignal()
	want := outcome.Fail(outcome.CodeUnsupportedPlatform, "plan9/x64")

	const n = 16
	results := make([]outcome.Outcome, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			o, err := s.Wait(context.Background())
			if err == nil {
				results[i] = o
			}
		}(i)
	}
	s.Resolve(want)
	wg.Wait()
	for i := range results {
		assert.Equal(t, want, results[i])
	}

	// Waiting after resolution returns immediately with the same value.
	o, err := s.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, want, o)
}

func TestSignalWaitContextCancel(t *testing.T) {
	s := NewSignal()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := s.Wait(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// The signal is still resolvable after an abandoned wait.
	require.True(t, s.Resolve(outcome.OK("")))
}

func TestBroadcasterDelivers(t *testing.T) {
	b := NewBroadcaster()
	c1, cancel1 := b.Subscribe()
	c2, cancel2 := b.Subscribe()
	defer cancel2()

	n := b.Publish(Activity{Source: SourceOutput})
	assert.Equal(t, 2, n)
	assert.Equal(t, SourceOutput, (<-c1).Source)
	assert.Equal(t, SourceOutput, (<-c2).Source)

	cancel1()
	cancel1()
	_, open := <-c1
	assert.False(t, open)
	assert.Equal(t, 1, b.Subscribers())
}

func TestBroadcasterNeverBlocks(t *testing.T) {
	b := NewBroadcaster()
	ch, cancel := b.Subscribe()
	defer cancel()

	assert.Equal(t, 1, b.Publish(Activity{Source: SourceTick}))
	// Buffer full: second publish is coalesced, not blocked.
	assert.Equal(t, 0, b.Publish(Activity{Source: SourceOutput}))
	assert.Equal(t, SourceTick, (<-ch).Source)
}
