package middleware

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestKeyedRateLimiter(t *testing.T) {
	t.Run("超出突发次数后拒绝", func(t *testing.T) {
		now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
		limiter := NewKeyedRateLimiter(10*time.Second, 2)
		limiter.now = func() time.Time { return now }

		assert.True(t, limiter.Allow("u1"))
		assert.True(t, limiter.Allow("u1"))
		assert.False(t, limiter.Allow("u1"))

		// 其他用户不受影响
		assert.True(t, limiter.Allow("u2"))

		now = now.Add(10 * time.Second)
		assert.True(t, limiter.Allow("u1"))
	})

	t.Run("未配置时不限流", func(t *testing.T) {
		limiter := NewKeyedRateLimiter(0, 0)
		for i := 0; i < 100; i++ {
			assert.True(t, limiter.Allow("u1"))
		}
	})

	t.Run("闲置限流器被回收", func(t *testing.T) {
		now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
		limiter := NewKeyedRateLimiter(time.Minute, 1)
		limiter.now = func() time.Time { return now }

		limiter.Allow("u1")
		now = now.Add(idleLimiterTTL + time.Minute)
		limiter.Allow("u2")

		_, ok := limiter.limiters["u1"]
		assert.False(t, ok)
	})
}
