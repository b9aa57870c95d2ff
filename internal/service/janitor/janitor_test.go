package janitor_test

import (
	"context"
	"errors"
	"sync/atomic"
	"tdmx_relay/internal/service/janitor"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestInvalidSchedule(t *testing.T) {
	_, err := janitor.NewJanitor("every minute", nil)
	assert.Error(t, err)
}

func TestRunOnceContinuesAfterFailure(t *testing.T) {
	var ran []string
	boom := errors.New("boom")
	j, err := janitor.NewJanitor("* * * * *", nil,
		janitor.Task{Name: "first", Run: func(context.Context) (int64, error) {
			ran = append(ran, "first")
			return 0, boom
		}},
		janitor.Every("second", func(context.Context) int {
			ran = append(ran, "second")
			return 3
		}),
	)
	require.NoError(t, err)

	err = j.RunOnce(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"first", "second"}, ran)
}

func TestRunStopsWithContext(t *testing.T) {
	var calls atomic.Int32
	j, err := janitor.NewJanitor("* * * * *", nil, janitor.Every("count", func(context.Context) int {
		calls.Add(1)
		return 0
	}))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- j.Run(ctx) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("janitor did not stop")
	}
}

func TestRunFiresOnTick(t *testing.T) {
	// A clock sitting just before a minute boundary makes the first tick
	// due almost immediately.
	base := time.Now().Truncate(time.Minute).Add(time.Minute - 20*time.Millisecond)
	startedAt := time.Now()
	now := func() time.Time { return base.Add(time.Since(startedAt)) }

	fired := make(chan struct{}, 1)
	j, err := janitor.NewJanitor("* * * * *", now, janitor.Every("tick", func(context.Context) int {
		select {
		case fired <- struct{}{}:
		default:
		}
		return 1
	}))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- j.Run(ctx) }()

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("no tick")
	}
	cancel()
	require.NoError(t, <-done)
}
