package traffic_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	agerrors "github.com/randalmurphal/agentgraph/pkg/agentgraph/errors"
	"github.com/randalmurphal/agentgraph/pkg/agentgraph/traffic"
)

func testConfig() traffic.Config {
	return traffic.Config{
		Default:    traffic.Limits{Capacity: 1},
		BaseDelay:  5 * time.Millisecond,
		MaxDelay:   20 * time.Millisecond,
		MaxRetries: 2,
	}
}

func TestController_CapacityNeverExceeded(t *testing.T) {
	c := traffic.New(testConfig())
	var inFlight, peak atomic.Int32
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := c.Do(context.Background(), "groq", traffic.Standard, func(context.Context) error {
				n := inFlight.Add(1)
				for {
					old := peak.Load()
					if n <= old || peak.CompareAndSwap(old, n) {
						break
					}
				}
				time.Sleep(time.Millisecond)
				inFlight.Add(-1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), peak.Load())
	st := c.Stats("groq")
	assert.Equal(t, 0, st.InFlight)
	assert.Equal(t, 1, st.Capacity)
}

func TestController_PerProviderLimits(t *testing.T) {
	cfg := testConfig()
	cfg.Providers = map[string]traffic.Limits{"ollama": {Capacity: 3}}
	c := traffic.New(cfg)
	ctx := context.Background()

	var permits []*traffic.Permit
	for i := 0; i < 3; i++ {
		p, err := c.Acquire(ctx, "ollama", traffic.Standard)
		require.NoError(t, err)
		permits = append(permits, p)
	}
	assert.Equal(t, 3, c.Stats("ollama").InFlight)

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err := c.Acquire(short, "ollama", traffic.Standard)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, c.Stats("ollama").Waiting, "cancelled waiter is removed")

	other, err := c.Acquire(ctx, "groq", traffic.Standard)
	require.NoError(t, err, "providers are independent")
	other.Release()

	for _, p := range permits {
		p.Release()
		p.Release()
	}
	assert.Equal(t, 0, c.Stats("ollama").InFlight)
}

func TestController_PriorityOrder(t *testing.T) {
	c := traffic.New(testConfig())
	ctx := context.Background()

	holder, err := c.Acquire(ctx, "p", traffic.Standard)
	require.NoError(t, err)

	var mu sync.Mutex
	var order []traffic.Priority
	var wg sync.WaitGroup
	start := func(prio traffic.Priority) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			permit, err := c.Acquire(ctx, "p", prio)
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			order = append(order, prio)
			mu.Unlock()
			permit.Release()
		}()
	}

	for i, prio := range []traffic.Priority{traffic.Bulk, traffic.Standard, traffic.VIP, traffic.High} {
		start(prio)
		want := i + 1
		require.Eventually(t, func() bool { return c.Stats("p").Waiting == want }, time.Second, time.Millisecond)
	}

	holder.Release()
	wg.Wait()

	assert.Equal(t, []traffic.Priority{traffic.VIP, traffic.High, traffic.Standard, traffic.Bulk}, order)
}

func TestController_CooldownBlocksNewPermits(t *testing.T) {
	c := traffic.New(testConfig())
	ctx := context.Background()

	wait := c.ReportRateLimited("groq", 50*time.Millisecond)
	assert.Equal(t, 50*time.Millisecond, wait, "retry hint wins over smaller backoff")

	st := c.Stats("groq")
	assert.Equal(t, 1, st.Strikes)
	assert.Greater(t, st.CooldownRemaining, time.Duration(0))

	begin := time.Now()
	p, err := c.Acquire(ctx, "groq", traffic.VIP)
	require.NoError(t, err)
	p.Release()
	assert.GreaterOrEqual(t, time.Since(begin), 40*time.Millisecond)

	c.ReportSuccess("groq")
	assert.Equal(t, 0, c.Stats("groq").Strikes)
}

func TestController_DoRetriesRateLimits(t *testing.T) {
	var hooked atomic.Int32
	c := traffic.New(testConfig(), traffic.WithRateLimitHook(func(string, time.Duration) { hooked.Add(1) }))

	calls := 0
	err := c.Do(context.Background(), "groq", traffic.Standard, func(context.Context) error {
		calls++
		if calls < 3 {
			return &agerrors.RateLimitError{Provider: "groq", RetryAfter: time.Millisecond}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, int32(2), hooked.Load())
	assert.Equal(t, 0, c.Stats("groq").Strikes, "success clears strikes")
}

func TestController_DoExhaustsRetries(t *testing.T) {
	c := traffic.New(testConfig())

	calls := 0
	err := c.Do(context.Background(), "groq", traffic.Standard, func(context.Context) error {
		calls++
		return &agerrors.HTTPError{StatusCode: 429, Message: "slow down"}
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, traffic.ErrRateLimited)
	assert.Equal(t, 3, calls, "first attempt plus MaxRetries")

	var rl *traffic.RateLimitedError
	require.ErrorAs(t, err, &rl)
	assert.Equal(t, 3, rl.Attempts)

	var httpErr *agerrors.HTTPError
	assert.ErrorAs(t, err, &httpErr)
}

func TestController_DoPassesThroughOtherErrors(t *testing.T) {
	c := traffic.New(testConfig())
	boom := errors.New("boom")

	calls := 0
	err := c.Do(context.Background(), "groq", traffic.Standard, func(context.Context) error {
		calls++
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 0, c.Stats("groq").Strikes)
}

func TestController_RequestRate(t *testing.T) {
	cfg := testConfig()
	cfg.Providers = map[string]traffic.Limits{"paced": {Capacity: 5, RequestsPerSecond: 50, Burst: 1}}
	c := traffic.New(cfg)

	begin := time.Now()
	for i := 0; i < 3; i++ {
		p, err := c.Acquire(context.Background(), "paced", traffic.Standard)
		require.NoError(t, err)
		p.Release()
	}
	assert.GreaterOrEqual(t, time.Since(begin), 35*time.Millisecond)
}

func TestController_SetCapacity(t *testing.T) {
	c := traffic.New(testConfig())
	ctx := context.Background()

	first, err := c.Acquire(ctx, "p", traffic.Standard)
	require.NoError(t, err)

	acquired := make(chan *traffic.Permit)
	go func() {
		p, err := c.Acquire(ctx, "p", traffic.Standard)
		if err == nil {
			acquired <- p
		}
	}()
	require.Eventually(t, func() bool { return c.Stats("p").Waiting == 1 }, time.Second, time.Millisecond)

	c.SetCapacity("p", 2)
	select {
	case second := <-acquired:
		second.Release()
	case <-time.After(time.Second):
		t.Fatal("raising capacity did not admit the waiter")
	}
	first.Release()

	st := c.Stats("p")
	assert.Equal(t, 2, st.Capacity)
	assert.Equal(t, 0, st.InFlight)
	assert.Len(t, c.AllStats(), 1)
}

func TestPriorityFor(t *testing.T) {
	assert.Equal(t, traffic.VIP, traffic.PriorityFor("director"))
	assert.Equal(t, traffic.Bulk, traffic.PriorityFor("auditor"))
	assert.Equal(t, traffic.Bulk, traffic.PriorityFor("critic"))
	assert.Equal(t, traffic.Standard, traffic.PriorityFor("agent"))
	assert.Equal(t, "BULK", traffic.Bulk.String())
}
