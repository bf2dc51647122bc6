package pool

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestWorkerPool(t *testing.T) {
	t.Run("执行所有已提交的任务", func(t *testing.T) {
		p := NewWorkerPool(2, 10, zap.NewNop())
		var count atomic.Int32

		for i := 0; i < 5; i++ {
			ok, err := p.TrySubmit(func() { count.Add(1) })
			require.NoError(t, err)
			require.True(t, ok)
		}

		p.Start(context.Background())
		p.Stop()

		assert.Equal(t, int32(5), count.Load())
	})

	t.Run("队列满时拒绝", func(t *testing.T) {
		p := NewWorkerPool(1, 1, zap.NewNop())

		ok, err := p.TrySubmit(func() {})
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = p.TrySubmit(func() {})
		require.NoError(t, err)
		assert.False(t, ok)

		p.Start(context.Background())
		p.Stop()
	})

	t.Run("停止后提交返回 ErrStopped", func(t *testing.T) {
		p := NewWorkerPool(1, 1, zap.NewNop())
		p.Start(context.Background())
		p.Stop()
		p.Stop()

		_, err := p.TrySubmit(func() {})
		assert.ErrorIs(t, err, ErrStopped)
	})

	t.Run("任务 panic 不影响后续任务", func(t *testing.T) {
		p := NewWorkerPool(1, 2, zap.NewNop())
		var ran atomic.Bool

		_, _ = p.TrySubmit(func() { panic("boom") })
		_, _ = p.TrySubmit(func() { ran.Store(true) })

		p.Start(context.Background())
		p.Stop()

		assert.True(t, ran.Load())
	})
}
