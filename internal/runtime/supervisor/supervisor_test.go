package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestGoRecordsFirstErrorAndCancels(t *testing.T) {
	defer goleak.VerifyNone(t)

	s := New(context.Background(), WithCancelOnError(true))
	boom := errors.New("boom")
	s.Go("fails", func(context.Context) error { return boom })
	s.Go0("waits", func(ctx context.Context) { <-ctx.Done() })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := s.Wait(ctx)
	require.ErrorIs(t, err, boom)
	assert.Equal(t, uint64(2), s.Counters().Started)
}

func TestGoRecoversPanic(t *testing.T) {
	defer goleak.VerifyNone(t)

	s := New(context.Background())
	s.Go0("panics", func(context.Context) { panic("bad") })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := s.Wait(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panics: panic: bad")
}

func TestGoRestartRestartsUntilSuccess(t *testing.T) {
	defer goleak.VerifyNone(t)

	s := New(context.Background())
	var runs atomic.Int32
	s.GoRestart("flaky", func(context.Context) error {
		if runs.Add(1) < 3 {
			return errors.New("transient")
		}
		return nil
	}, WithRestartBackoff(time.Millisecond, 5*time.Millisecond), WithPublishFirstError(true))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := s.Wait(ctx)
	require.Error(t, err, "first failure is published")
	assert.Equal(t, int32(3), runs.Load())
	assert.Equal(t, uint64(2), s.Counters().Restarts)

	tasks := s.Tasks()
	require.Len(t, tasks, 1)
	assert.Equal(t, "flaky", tasks[0].Name)
	assert.False(t, tasks[0].Running)
	assert.Equal(t, uint64(2), tasks[0].Restarts)
	assert.Equal(t, "transient", tasks[0].LastErr)
}

func TestTasksReportsRunning(t *testing.T) {
	defer goleak.VerifyNone(t)

	s := New(context.Background())
	s.Go0("b.loop", func(ctx context.Context) { <-ctx.Done() })
	s.Go0("a.loop", func(ctx context.Context) { <-ctx.Done() })

	require.Eventually(t, func() bool { return len(s.Tasks()) == 2 }, time.Second, 5*time.Millisecond)
	tasks := s.Tasks()
	assert.Equal(t, "a.loop", tasks[0].Name)
	assert.True(t, tasks[1].Running)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
	assert.False(t, s.Tasks()[0].Running)
}

func TestStopCancelsContext(t *testing.T) {
	defer goleak.VerifyNone(t)

	s := New(context.Background())
	s.Go0("loop", func(ctx context.Context) { <-ctx.Done() })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
	assert.Equal(t, int64(0), s.Counters().Active)
}
