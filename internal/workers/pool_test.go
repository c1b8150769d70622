package workers

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRunExecutesEveryTask(t *testing.T) {
	p := New(zap.NewNop(), 4)
	var ran int64
	tasks := make([]Task, 50)
	for i := range tasks {
		tasks[i] = func(ctx context.Context) error {
			atomic.AddInt64(&ran, 1)
			return nil
		}
	}
	require.NoError(t, p.Run(context.Background(), tasks))
	assert.Equal(t, int64(50), ran)
}

func TestRunCollectsErrorsWithoutStopping(t *testing.T) {
	p := New(zap.NewNop(), 2)
	boom := errors.New("boom")
	var ran int64
	err := p.Run(context.Background(), []Task{
		func(ctx context.Context) error { atomic.AddInt64(&ran, 1); return boom },
		func(ctx context.Context) error { atomic.AddInt64(&ran, 1); return nil },
		func(ctx context.Context) error { atomic.AddInt64(&ran, 1); return nil },
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, int64(3), ran, "an error in one task does not cancel the rest")
}

func TestRunContainsPanics(t *testing.T) {
	p := New(zap.NewNop(), 2)
	err := p.Run(context.Background(), []Task{
		func(ctx context.Context) error { panic("indicator math went sideways") },
		func(ctx context.Context) error { return nil },
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "task panic")
}
