package executor

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestExecutorRunsTasksInOrder(t *testing.T) {
	e := New(4)
	defer e.Close()

	var order []int
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	for i := 0; i < 5; i++ {
		i := i
		require.NoError(t, e.Run(ctx, func() { order = append(order, i) }))
	}
	require.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestExecutorSerializesConcurrentPosts(t *testing.T) {
	e := New(16)
	defer e.Close()

	var counter int64
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	done := make(chan struct{})
	for i := 0; i < 50; i++ {
		go func() {
			_ = e.Run(ctx, func() { counter++ })
			done <- struct{}{}
		}()
	}
	for i := 0; i < 50; i++ {
		<-done
	}
	require.Equal(t, int64(50), atomic.LoadInt64(&counter))
}

func TestExecutorCloseDrainsQueuedTasks(t *testing.T) {
	e := New(4)
	ran := make(chan struct{}, 1)
	ctx := context.Background()
	require.NoError(t, e.Post(ctx, func() { ran <- struct{}{} }))
	e.Close()

	select {
	case <-ran:
	default:
		t.Fatal("expected queued task to run before Close returned")
	}
}

func TestExecutorPostAfterCloseFails(t *testing.T) {
	e := New(1)
	e.Close()
	err := e.Post(context.Background(), func() {})
	require.ErrorIs(t, err, ErrClosed)
}
