package taskrunner

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPostTaskRunsInFIFOOrder(t *testing.T) {
	r := New()
	ctx, cancel := context.WithCancel(context.Background())
	go r.Run(ctx)
	defer cancel()

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	wg.Add(3)
	for i := 1; i <= 3; i++ {
		i := i
		r.PostTask(func() {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			wg.Done()
		})
	}
	wg.Wait()
	require.Equal(t, []int{1, 2, 3}, order)
}

func TestPostDelayedTaskWaits(t *testing.T) {
	r := New()
	ctx, cancel := context.WithCancel(context.Background())
	go r.Run(ctx)
	defer cancel()

	start := time.Now()
	done := make(chan time.Time, 1)
	r.PostDelayedTask(func() { done <- time.Now() }, 50)

	select {
	case fired := <-done:
		require.GreaterOrEqual(t, fired.Sub(start), 40*time.Millisecond)
	case <-time.After(2 * time.Second):
		t.Fatal("delayed task never fired")
	}
}

func TestFileDescriptorWatchFiresOnReadable(t *testing.T) {
	r := New()
	ctx, cancel := context.WithCancel(context.Background())
	go r.Run(ctx)
	defer cancel()

	rPipe, wPipe, err := os.Pipe()
	require.NoError(t, err)
	defer rPipe.Close()
	defer wPipe.Close()

	readable := make(chan struct{}, 1)
	watchID, err := r.AddFileDescriptorWatch(int(rPipe.Fd()), func() {
		select {
		case readable <- struct{}{}:
		default:
		}
	})
	require.NoError(t, err)
	defer r.RemoveFileDescriptorWatch(watchID)

	_, err = wPipe.Write([]byte("x"))
	require.NoError(t, err)

	select {
	case <-readable:
	case <-time.After(2 * time.Second):
		t.Fatal("watch never fired for a readable fd")
	}
}

func TestRemoveFileDescriptorWatchUnknownIDErrors(t *testing.T) {
	r := New()
	err := r.RemoveFileDescriptorWatch(999)
	require.Error(t, err)
}

func TestStopEndsRun(t *testing.T) {
	r := New()
	done := make(chan error, 1)
	go func() { done <- r.Run(context.Background()) }()

	r.Stop()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Stop")
	}
}
