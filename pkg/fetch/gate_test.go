package fetch

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/semaphore"

	"github.com/Sriram-PR/site-mirror/pkg/utils"
)

func newTestGate(global, perHost int, timeout time.Duration) *Gate {
	log := testLogger()
	return NewGate(
		semaphore.NewWeighted(int64(global)),
		NewHostLimits(perHost, log),
		NewRateLimiter(0, log),
		timeout,
		log,
	)
}

func TestGate_EnterRelease(t *testing.T) {
	g := newTestGate(2, 2, time.Second)

	release, err := g.Enter(context.Background(), "a.com", 0)
	require.NoError(t, err)
	release()

	release, err = g.Enter(context.Background(), "a.com", 0)
	require.NoError(t, err)
	release()
}

func TestGate_GlobalTimeout(t *testing.T) {
	g := newTestGate(1, 4, 30*time.Millisecond)

	release, err := g.Enter(context.Background(), "a.com", 0)
	require.NoError(t, err)
	defer release()

	_, err = g.Enter(context.Background(), "b.com", 0)
	assert.ErrorIs(t, err, utils.ErrSemaphoreTimeout)
}

func TestGate_CancelledContextIsNotATimeout(t *testing.T) {
	g := newTestGate(1, 4, time.Second)
	release, err := g.Enter(context.Background(), "a.com", 0)
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = g.Enter(ctx, "b.com", 0)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, utils.ErrSemaphoreTimeout)
}

func TestGate_PerHostLimit(t *testing.T) {
	g := newTestGate(10, 2, time.Second)

	var inFlight, peak atomic.Int32
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := g.Enter(context.Background(), "same.com", 0)
			if !assert.NoError(t, err) {
				return
			}
			n := inFlight.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			inFlight.Add(-1)
			release()
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestGate_PolitenessDelay(t *testing.T) {
	g := newTestGate(4, 4, time.Second)

	release, err := g.Enter(context.Background(), "slow.com", 100*time.Millisecond)
	require.NoError(t, err)
	release()

	start := time.Now()
	release, err = g.Enter(context.Background(), "slow.com", 100*time.Millisecond)
	require.NoError(t, err)
	release()
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}
