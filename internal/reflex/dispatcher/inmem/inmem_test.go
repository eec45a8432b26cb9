package inmem

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fieldmesh/reflexbridge/internal/reflex/dispatcher"
)

func TestDispatchRunsTask(t *testing.T) {
	d := New(2)
	ran := false
	err := d.Dispatch(context.Background(), dispatcher.Task{
		ReflexID: "r1",
		Run: func(context.Context) error {
			ran = true
			return nil
		},
	})
	require.NoError(t, err)
	require.True(t, ran)
}

func TestDispatchBoundsConcurrency(t *testing.T) {
	d := New(2)
	var inFlight, maxInFlight int32
	done := make(chan struct{})

	run := func(context.Context) error {
		n := atomic.AddInt32(&inFlight, 1)
		for {
			cur := atomic.LoadInt32(&maxInFlight)
			if n <= cur || atomic.CompareAndSwapInt32(&maxInFlight, cur, n) {
				break
			}
		}
		<-done
		atomic.AddInt32(&inFlight, -1)
		return nil
	}

	for i := 0; i < 5; i++ {
		go d.Dispatch(context.Background(), dispatcher.Task{Run: run})
	}
	time.Sleep(50 * time.Millisecond)
	close(done)
	time.Sleep(50 * time.Millisecond)

	require.LessOrEqual(t, atomic.LoadInt32(&maxInFlight), int32(2))
}

func TestDispatchRespectsCancellation(t *testing.T) {
	d := New(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	blocking := make(chan struct{})
	go d.Dispatch(context.Background(), dispatcher.Task{Run: func(context.Context) error {
		<-blocking
		return nil
	}})
	time.Sleep(10 * time.Millisecond)

	err := d.Dispatch(ctx, dispatcher.Task{Run: func(context.Context) error { return nil }})
	require.Error(t, err)
	close(blocking)
}
