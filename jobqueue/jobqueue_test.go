package jobqueue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestJobsRunInSubmissionOrderPerThread(t *testing.T) {
	var d = New(Config{Threads: 3, Depth: 100})
	require.Equal(t, 3, d.Threads())

	var mu sync.Mutex
	var got = make(map[ThreadID][]int)

	for i := 0; i != 90; i++ {
		var id = d.Thread(i)
		require.NoError(t, d.Submit(id, func() {
			mu.Lock()
			got[id] = append(got[id], i)
			mu.Unlock()
		}))
	}
	require.NoError(t, d.Stop(context.Background()))

	require.Len(t, got, 3)
	for id, seq := range got {
		require.Len(t, seq, 30)
		for j := 1; j < len(seq); j++ {
			require.Less(t, seq[j-1], seq[j], "thread %d", id)
		}
	}
}

func TestSubmitToFullQueue(t *testing.T) {
	var d = New(Config{Threads: 1, Depth: 1})
	var release = make(chan struct{})
	var started = make(chan struct{})

	require.NoError(t, d.Submit(d.Thread(0), func() { close(started); <-release }))
	<-started
	require.NoError(t, d.Submit(d.Thread(0), func() {}))
	require.Equal(t, ErrQueueFull, d.Submit(d.Thread(0), func() {}))

	require.Error(t, d.Submit(NoThread, func() {}))
	require.Error(t, d.Submit(ThreadID(2), func() {}))

	close(release)
	require.NoError(t, d.Stop(context.Background()))
	require.Equal(t, ErrStopped, d.Submit(d.Thread(0), func() {}))
}

func TestStopHonoursContext(t *testing.T) {
	var d = New(Config{Threads: 1, Depth: 1})
	var release = make(chan struct{})
	require.NoError(t, d.Submit(d.Thread(0), func() { <-release }))

	var ctx, cancel = context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	require.Equal(t, context.DeadlineExceeded, d.Stop(ctx))

	close(release)
	require.NoError(t, d.Stop(context.Background()))
}
