package utils

import (
	"context"
	"time"
)

type RetryStrategy interface {
	NextDelay() time.Duration
	Reset()
}

type ExponentialBackoff struct {
	initialDelay time.Duration
	currentDelay time.Duration
	maxDelay     time.Duration
}

func NewExponentialBackoff() *ExponentialBackoff {
	return NewExponentialBackoffWith(500*time.Millisecond, 10*time.Second)
}

func NewExponentialBackoffWith(initial, max time.Duration) *ExponentialBackoff {
	if max < initial {
		max = initial
	}
	return &ExponentialBackoff{
		initialDelay: initial,
		currentDelay: initial,
		maxDelay:     max,
	}
}

func (e *ExponentialBackoff) NextDelay() time.Duration {
	delay := e.currentDelay
	e.currentDelay *= 2
	if e.currentDelay > e.maxDelay {
		e.currentDelay = e.maxDelay
	}
	return delay
}

func (e *ExponentialBackoff) Reset() {
	e.currentDelay = e.initialDelay
}

// Retry 执行 fn，失败且 shouldRetry 返回 true 时按策略等待后重试，最多 retries 次。
// 返回最后一次的错误；ctx 取消时返回 ctx.Err()。
func Retry(ctx context.Context, retries int, strategy RetryStrategy, shouldRetry func(error) bool, fn func() error) error {
	strategy.Reset()
	err := fn()
	for attempt := 0; err != nil && attempt < retries; attempt++ {
		if shouldRetry != nil && !shouldRetry(err) {
			return err
		}

		timer := time.NewTimer(strategy.NextDelay())
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		err = fn()
	}
	return err
}
