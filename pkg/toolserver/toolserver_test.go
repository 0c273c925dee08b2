package toolserver

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLifecycle_EnsureReady(t *testing.T) {
	t.Run("should run start exactly once for concurrent callers", func(t *testing.T) {
		var lc lifecycle
		var starts atomic.Int32

		start := func(context.Context) error {
			starts.Add(1)
			time.Sleep(50 * time.Millisecond)
			return nil
		}

		var wg sync.WaitGroup
		errs := make([]error, 10)
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				errs[i] = lc.ensureReady(context.Background(), start)
			}(i)
		}
		wg.Wait()

		assert.Equal(t, int32(1), starts.Load())
		for _, err := range errs {
			assert.NoError(t, err)
		}
		assert.Equal(t, StateReady, lc.current())
	})

	t.Run("should report start failure to all callers", func(t *testing.T) {
		var lc lifecycle
		boom := errors.New("spawn failed")

		err := lc.ensureReady(context.Background(), func(context.Context) error { return boom })
		assert.ErrorIs(t, err, ErrStartFailed)
		assert.Equal(t, StateStartFailed, lc.current())

		// Later callers see the recorded failure without a second start.
		err = lc.ensureReady(context.Background(), func(context.Context) error {
			t.Fatal("start must not run again")
			return nil
		})
		assert.ErrorIs(t, err, ErrStartFailed)
	})

	t.Run("should reject callers while stopped", func(t *testing.T) {
		var lc lifecycle
		require.True(t, lc.beginStop())
		lc.finishStop()

		err := lc.ensureReady(context.Background(), func(context.Context) error { return nil })
		assert.ErrorIs(t, err, ErrServerUnavailable)
	})

	t.Run("should time out waiting callers on their own deadline", func(t *testing.T) {
		var lc lifecycle
		release := make(chan struct{})

		go func() {
			_ = lc.ensureReady(context.Background(), func(context.Context) error {
				<-release
				return nil
			})
		}()

		// Wait for the starter to claim the lifecycle.
		require.Eventually(t, func() bool {
			return lc.current() == StateStarting
		}, time.Second, 5*time.Millisecond)

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
		defer cancel()
		err := lc.ensureReady(ctx, func(context.Context) error { return nil })
		assert.ErrorIs(t, err, ErrServerUnavailable)

		close(release)
	})
}

func TestLifecycle_Stop(t *testing.T) {
	t.Run("should be idempotent", func(t *testing.T) {
		var lc lifecycle

		assert.True(t, lc.beginStop())
		lc.finishStop()
		assert.False(t, lc.beginStop())
		assert.Equal(t, StateStopped, lc.current())
	})
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "unstarted", StateUnstarted.String())
	assert.Equal(t, "ready", StateReady.String())
	assert.Equal(t, "start_failed", StateStartFailed.String())
	assert.Equal(t, "unknown", State(99).String())
}
