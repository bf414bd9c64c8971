package xgithub

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waiters(g *flightGroup, key string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	if c, ok := g.m[key]; ok {
		return c.waiters
	}
	return 0
}

func TestFlightGroup_Dedup(t *testing.T) {
	var g flightGroup
	var calls atomic.Int32
	release := make(chan struct{})

	const n = 10
	var wg sync.WaitGroup
	results := make([]*Response, n)
	shared := make([]bool, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, s, err := g.do(context.Background(), "k", func(context.Context) (*Response, error) {
				calls.Add(1)
				<-release
				return &Response{StatusCode: 200}, nil
			})
			assert.NoError(t, err)
			results[i], shared[i] = resp, s
		}()
	}
	require.Eventually(t, func() bool { return waiters(&g, "k") == n }, time.Second, time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	owners := 0
	for i := range n {
		require.NotNil(t, results[i])
		if !shared[i] {
			owners++
		}
	}
	assert.Equal(t, 1, owners)
	// 每个调用方拿到独立的 Response
	assert.NotSame(t, results[0], results[1])
	assert.Zero(t, g.inFlight())
}

func TestFlightGroup_CallerCancel(t *testing.T) {
	t.Run("OthersStillWait", func(t *testing.T) {
		var g flightGroup
		release := make(chan struct{})
		fnCtx := make(chan context.Context, 1)

		ctx1, cancel1 := context.WithCancel(context.Background())
		errs := make(chan error, 2)
		go func() {
			_, _, err := g.do(ctx1, "k", func(ctx context.Context) (*Response, error) {
				fnCtx <- ctx
				<-release
				return &Response{StatusCode: 200}, nil
			})
			errs <- err
		}()
		fctx := <-fnCtx
		go func() {
			_, _, err := g.do(context.Background(), "k", func(context.Context) (*Response, error) {
				return nil, assert.AnError
			})
			errs <- err
		}()
		require.Eventually(t, func() bool { return waiters(&g, "k") == 2 }, time.Second, time.Millisecond)

		cancel1()
		assert.ErrorIs(t, <-errs, context.Canceled)
		assert.NoError(t, fctx.Err(), "shared execution survives while a waiter remains")

		close(release)
		assert.NoError(t, <-errs)
	})

	t.Run("LastWaiterCancelsExecution", func(t *testing.T) {
		var g flightGroup
		fnCtx := make(chan context.Context, 1)
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() {
			_, _, err := g.do(ctx, "k", func(ctx context.Context) (*Response, error) {
				fnCtx <- ctx
				<-ctx.Done()
				return nil, ctx.Err()
			})
			done <- err
		}()
		fctx := <-fnCtx
		cancel()
		assert.ErrorIs(t, <-done, context.Canceled)
		<-fctx.Done()
		g.drain()
		assert.Zero(t, g.inFlight())
	})
}

func TestFlightGroup_Drain(t *testing.T) {
	var g flightGroup
	_, _, err := g.do(context.Background(), "k", func(context.Context) (*Response, error) {
		return &Response{StatusCode: 200}, nil
	})
	require.NoError(t, err)
	g.drain()

	_, _, err = g.do(context.Background(), "k", func(context.Context) (*Response, error) {
		t.Fatal("must not run after drain")
		return nil, nil
	})
	assert.ErrorIs(t, err, ErrClosed)
}
