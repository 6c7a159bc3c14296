package gateway

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu    sync.Mutex
	now   time.Time
	slept []time.Duration
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.slept = append(c.slept, d)
	c.now = c.now.Add(d)
	return nil
}

func newTestLimiter(cfg LimiterConfig) (*Limiter, *fakeClock) {
	l := NewLimiter(cfg)
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	l.now = clock.Now
	l.sleep = clock.Sleep
	return l, clock
}

func TestLimiter_window(t *testing.T) {
	l, clock := newTestLimiter(LimiterConfig{TokensPerMinute: 1000})
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, 500))
	require.NoError(t, l.Wait(ctx, 300))
	assert.Empty(t, clock.slept)
	assert.Equal(t, 800, l.Used())

	// 800 + 200 exceeds the 900 token budget (1000 * 0.9).
	require.NoError(t, l.Wait(ctx, 200))
	assert.Equal(t, []time.Duration{time.Minute}, clock.slept)
	assert.Equal(t, 200, l.Used())
}

func TestLimiter_oversizedRequestAdmittedIntoEmptyWindow(t *testing.T) {
	l, clock := newTestLimiter(LimiterConfig{TokensPerMinute: 1000})
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, 5000))
	assert.Empty(t, clock.slept)

	require.NoError(t, l.Wait(ctx, 10))
	assert.Equal(t, []time.Duration{time.Minute}, clock.slept)
}

func TestLimiter_penalize(t *testing.T) {
	l, clock := newTestLimiter(LimiterConfig{TokensPerMinute: 1000})
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, 100))
	l.Penalize(120 * time.Second)
	assert.Equal(t, 0, l.Used())

	require.NoError(t, l.Wait(ctx, 1))
	assert.Equal(t, []time.Duration{120 * time.Second}, clock.slept)

	// A shorter penalty never shortens an active block.
	l.Penalize(120 * time.Second)
	l.Penalize(20 * time.Second)
	require.NoError(t, l.Wait(ctx, 1))
	assert.Equal(t, 120*time.Second, clock.slept[len(clock.slept)-1])
}

func TestLimiter_record(t *testing.T) {
	l, _ := newTestLimiter(LimiterConfig{TokensPerMinute: 1000})
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, 100))
	l.Record(100, 400)
	assert.Equal(t, 400, l.Used())

	l.Record(100, 0)
	assert.Equal(t, 400, l.Used())

	l.Record(1000, 1)
	assert.Equal(t, 0, l.Used())
}

func TestLimiter_disabled(t *testing.T) {
	l, clock := newTestLimiter(LimiterConfig{})
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		require.NoError(t, l.Wait(ctx, 1_000_000))
	}
	assert.Empty(t, clock.slept)
}

func TestLimiter_concurrentConversations(t *testing.T) {
	l, _ := newTestLimiter(LimiterConfig{TokensPerMinute: 1000})
	budget := l.budget
	ctx := context.Background()

	const workers, calls = 8, 50
	var (
		wg       sync.WaitGroup
		admitted atomic.Int64
		over     atomic.Int64
	)
	for w := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range calls {
				tokens := 50 + (w*calls+i)%100
				if err := l.Wait(ctx, tokens); err != nil {
					t.Error(err)
					return
				}
				admitted.Add(1)
				if l.Used() > budget {
					over.Add(1)
				}
				l.Record(tokens, tokens-10)
				if i%17 == 0 {
					l.Penalize(time.Second)
				}
				if l.Used() > budget {
					over.Add(1)
				}
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(workers*calls), admitted.Load())
	assert.Zero(t, over.Load(), "window exceeded its budget")
	assert.LessOrEqual(t, l.Used(), budget)
	assert.GreaterOrEqual(t, l.Used(), 0)
}

func TestLimiter_cancelledWhileWaiting(t *testing.T) {
	l := NewLimiter(LimiterConfig{TokensPerMinute: 10})
	ctx, cancel := context.WithCancel(context.Background())

	require.NoError(t, l.Wait(ctx, 5))
	cancel()
	err := l.Wait(ctx, 100)
	assert.ErrorIs(t, err, context.Canceled)
}
